package logger

import (
	"encoding/json"
	"io"
	"log/slog"
	"os"
	"strings"
	"testing"
)

// captureStdOut redirects os.Stdout for the duration of fn.
func captureStdOut(t *testing.T, fn func()) string {
	t.Helper()
	orig := os.Stdout
	r, w, err := os.Pipe()
	if err != nil {
		t.Fatal(err)
	}
	os.Stdout = w

	fn()

	_ = w.Close()
	os.Stdout = orig
	out, err := io.ReadAll(r)
	if err != nil {
		t.Fatal(err)
	}
	return string(out)
}

func TestInit_ProdZap_JSONOutput(t *testing.T) {
	cfg := Config{
		Service:          "signaling-service",
		Version:          "1.2.3",
		Env:              EnvProd,
		Backend:          BackendZap,
		Level:            slog.LevelInfo,
		SampleInitial:    100000,
		SampleThereafter: 100000,
	}

	out := captureStdOut(t, func() {
		Init(cfg)
		slog.Info("booted", slog.String("k", "v"))
	})

	var m map[string]any
	if err := json.Unmarshal([]byte(out), &m); err != nil {
		t.Fatalf("expected JSON line, got %s, err=%v", out, err)
	}
	if m["msg"] != "booted" {
		t.Fatalf("msg mismatch: %v", m["msg"])
	}
	if m["service"] != "signaling-service" || m["env"] != "prod" || m["version"] != "1.2.3" {
		t.Fatalf("attrs missing: service=%v env=%v version=%v", m["service"], m["env"], m["version"])
	}
	if m["level"] != "INFO" {
		t.Fatalf("level mismatch: %v", m["level"])
	}
	if m["k"] != "v" {
		t.Fatalf("custom field missing: %v", m["k"])
	}
}

func TestInit_DevStd_TextOutput(t *testing.T) {
	out := captureStdOut(t, func() {
		Init(Config{Env: EnvDev, Backend: BackendStd, Service: "signaling-service"})
		slog.Info("hello", "k", "v")
	})

	if !strings.Contains(out, "msg=hello") || !strings.Contains(out, "k=v") {
		t.Fatalf("text output missing fields: %s", out)
	}
	if !strings.Contains(out, "service=signaling-service") {
		t.Fatalf("common attrs missing: %s", out)
	}
}

func TestDebugLevel(t *testing.T) {
	out := captureStdOut(t, func() {
		Init(Config{Env: EnvDev, Backend: BackendStd, Debug: true})
		slog.Debug("verbose")
	})
	if !strings.Contains(out, "msg=verbose") {
		t.Fatalf("debug record dropped: %s", out)
	}

	out = captureStdOut(t, func() {
		Init(Config{Env: EnvDev, Backend: BackendStd})
		slog.Debug("quiet")
	})
	if strings.Contains(out, "quiet") {
		t.Fatalf("debug record emitted without Debug: %s", out)
	}
}

func TestDetectEnv(t *testing.T) {
	cases := map[string]Env{
		"prod":       EnvProd,
		"production": EnvProd,
		"stage":      EnvStage,
		"dev":        EnvDev,
		"":           EnvDev,
		"nonsense":   EnvDev,
	}
	for raw, want := range cases {
		t.Setenv("APP_ENV", raw)
		if got := DetectEnv(); got != want {
			t.Errorf("APP_ENV=%q: got %v, want %v", raw, got, want)
		}
	}
}
