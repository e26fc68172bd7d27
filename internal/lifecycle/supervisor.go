// Package lifecycle runs the background sweeps: dead-session
// disconnects, idle-room deletion and the empty-room grace reaper.
package lifecycle

import (
	"context"
	"log/slog"
	"time"

	"github.com/cwrk-planet/signaling-service/internal/registry"
)

// Kicker force-disconnects one session through the gateway's normal
// leave path (admin promotion and room deletion included).
type Kicker interface {
	Kick(roomID, participantID, reason string)
}

type Options struct {
	HeartbeatTimeout time.Duration // session considered dead past this (default 60s)
	HeartbeatSweep   time.Duration // dead-session scan period (default 30s)
	IdleTTL          time.Duration // empty+idle room TTL (default 24h)
	IdleSweep        time.Duration // idle scan period (default 10m)
	EmptySweep       time.Duration // grace/claim reaper period (default 1s)
}

func (o *Options) withDefaults() {
	if o.HeartbeatTimeout <= 0 {
		o.HeartbeatTimeout = 60 * time.Second
	}
	if o.HeartbeatSweep <= 0 {
		o.HeartbeatSweep = 30 * time.Second
	}
	if o.IdleTTL <= 0 {
		o.IdleTTL = 24 * time.Hour
	}
	if o.IdleSweep <= 0 {
		o.IdleSweep = 10 * time.Minute
	}
	if o.EmptySweep <= 0 {
		o.EmptySweep = time.Second
	}
}

type Supervisor struct {
	registry *registry.Registry
	kicker   Kicker
	opts     Options
}

func New(reg *registry.Registry, kicker Kicker, opts Options) *Supervisor {
	opts.withDefaults()
	return &Supervisor{registry: reg, kicker: kicker, opts: opts}
}

// Run blocks until ctx is canceled.
func (s *Supervisor) Run(ctx context.Context) {
	heartbeat := time.NewTicker(s.opts.HeartbeatSweep)
	idle := time.NewTicker(s.opts.IdleSweep)
	empty := time.NewTicker(s.opts.EmptySweep)
	defer heartbeat.Stop()
	defer idle.Stop()
	defer empty.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-heartbeat.C:
			s.sweepHeartbeats()
		case <-idle.C:
			s.sweepIdle()
		case <-empty.C:
			s.sweepEmpty()
		}
	}
}

func (s *Supervisor) sweepHeartbeats() {
	for _, ref := range s.registry.StaleSessions(s.opts.HeartbeatTimeout) {
		slog.Info("heartbeat expired, disconnecting",
			"room", ref.RoomID, "user", ref.ParticipantID)
		s.kicker.Kick(ref.RoomID, ref.ParticipantID, "heartbeat timeout")
	}
}

func (s *Supervisor) sweepIdle() {
	for _, id := range s.registry.SweepIdle(s.opts.IdleTTL) {
		slog.Info("idle room deleted", "room", id)
	}
}

func (s *Supervisor) sweepEmpty() {
	for _, id := range s.registry.SweepEmpty() {
		slog.Debug("empty room reaped", "room", id)
	}
}
