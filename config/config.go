package config

import (
	"errors"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

type HTTP struct {
	Addr string `yaml:"addr"`
}

type Logging struct {
	Env       string `yaml:"env"`       // dev|prod
	Service   string `yaml:"service"`   // signaling-service
	Version   string `yaml:"version"`   // v0.1.0
	Backend   string `yaml:"backend"`   // std|zap
	AddSource bool   `yaml:"addSource"` // false|true
	Debug     bool   `yaml:"debug"`     // false|true
}

type Rooms struct {
	Capacity       int    `yaml:"capacity"`       // max participants per room
	IDLength       int    `yaml:"idLength"`       // room code length
	EmptyGrace     string `yaml:"emptyGrace"`     // 0 = delete emptied rooms immediately
	ClaimWindow    string `yaml:"claimWindow"`    // TTL for REST-created rooms nobody connected to
	IdleTTL        string `yaml:"idleTTL"`        // empty+stale room TTL
	IdleSweepEvery string `yaml:"idleSweepEvery"` //
	ChatHistory    int    `yaml:"chatHistory"`    // retained chat messages per room
}

type Heartbeat struct {
	Timeout    string `yaml:"timeout"`
	SweepEvery string `yaml:"sweepEvery"`
	PingEvery  string `yaml:"pingEvery"`
}

type Signaling struct {
	MessagesPerMinute int    `yaml:"messagesPerMinute"`
	OfferFallback     string `yaml:"offerFallback"`
}

type Auth struct {
	JoinTokenSecret string `yaml:"joinTokenSecret"`
	JoinTokenTTL    string `yaml:"joinTokenTTL"`
	Issuer          string `yaml:"issuer"`
	Audience        string `yaml:"audience"`
}

type Config struct {
	HTTP      HTTP      `yaml:"http"`
	Logging   Logging   `yaml:"logging"`
	Rooms     Rooms     `yaml:"rooms"`
	Heartbeat Heartbeat `yaml:"heartbeat"`
	Signaling Signaling `yaml:"signaling"`
	Auth      Auth      `yaml:"auth"`
}

func LoadConfig() (*Config, error) {
	path := os.Getenv("CONFIG_PATH")
	if path == "" {
		path = "./config/config.yaml"
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, err
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) validate() error {
	if c.HTTP.Addr == "" {
		return errors.New("http.addr is required")
	}
	if c.Auth.JoinTokenSecret == "" {
		return errors.New("auth.joinTokenSecret is required")
	}
	// установка дефолтов, если значения не указаны
	if c.Logging.Service == "" {
		c.Logging.Service = "signaling-service"
	}
	if c.Logging.Env == "" {
		c.Logging.Env = "dev"
	}
	if c.Logging.Version == "" {
		c.Logging.Version = "v0.1.0"
	}
	if c.Logging.Backend == "" {
		c.Logging.Backend = "std"
	}
	if c.Rooms.Capacity <= 0 {
		c.Rooms.Capacity = 6
	}
	if c.Rooms.IDLength <= 0 {
		c.Rooms.IDLength = 6
	}
	if c.Rooms.ChatHistory <= 0 {
		c.Rooms.ChatHistory = 50
	}
	if c.Signaling.MessagesPerMinute <= 0 {
		c.Signaling.MessagesPerMinute = 600
	}
	if c.Auth.Issuer == "" {
		c.Auth.Issuer = "signaling-service"
	}
	if c.Auth.Audience == "" {
		c.Auth.Audience = "signaling-ws"
	}
	return nil
}

// Duration accessors: yaml keeps Go duration strings; zero/invalid
// values fall back to the documented defaults.

func (r Rooms) EmptyGraceDuration() time.Duration {
	return parseDurationOr(0, r.EmptyGrace)
}

func (r Rooms) ClaimWindowDuration() time.Duration {
	return parseDurationOr(60*time.Second, r.ClaimWindow)
}

func (r Rooms) IdleTTLDuration() time.Duration {
	return parseDurationOr(24*time.Hour, r.IdleTTL)
}

func (r Rooms) IdleSweepEveryDuration() time.Duration {
	return parseDurationOr(10*time.Minute, r.IdleSweepEvery)
}

func (h Heartbeat) TimeoutDuration() time.Duration {
	return parseDurationOr(60*time.Second, h.Timeout)
}

func (h Heartbeat) SweepEveryDuration() time.Duration {
	return parseDurationOr(30*time.Second, h.SweepEvery)
}

func (h Heartbeat) PingEveryDuration() time.Duration {
	return parseDurationOr(15*time.Second, h.PingEvery)
}

func (s Signaling) OfferFallbackDuration() time.Duration {
	return parseDurationOr(2*time.Second, s.OfferFallback)
}

func (a Auth) JoinTokenTTLDuration() time.Duration {
	return parseDurationOr(2*time.Minute, a.JoinTokenTTL)
}

// helper для парсинга timeout-ов
func parseDurationOr(def time.Duration, s string) time.Duration {
	if d, err := time.ParseDuration(s); err == nil && d > 0 {
		return d
	}
	return def
}
