// Package visibility reacts to the host app moving between foreground
// and background.
//
// Hiding the app does not tear anything down immediately: a grace
// period absorbs quick tab switches. Only when the app stays hidden
// past the grace does the scheduler pause the streaming transport.
// Pollers learn about visibility right away so interval fetches stop
// burning battery in the background.
package visibility

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// Transport is the pause/resume slice of the Connection Manager.
type Transport interface {
	Pause()
	Resume()
}

// Poller is anything that throttles itself while hidden.
type Poller interface {
	SetHidden(hidden bool)
}

// Config holds scheduler settings.
type Config struct {
	// HiddenGrace is how long the app must stay hidden before the
	// transport is paused.
	HiddenGrace time.Duration
	// PauseTransport disables the transport pause entirely when false;
	// pollers still throttle.
	PauseTransport bool
}

// Scheduler translates visibility signals into transport and poller
// control.
type Scheduler struct {
	transport Transport
	pollers   []Poller
	cfg       Config
	logger    *slog.Logger
	now       func() time.Time

	mu          sync.Mutex
	hidden      bool
	hiddenSince time.Time
	paused      bool
	graceTmr    *time.Timer
}

// Option configures a Scheduler.
type Option func(*Scheduler)

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Scheduler) { s.logger = logger }
}

// WithClock sets the time source.
func WithClock(now func() time.Time) Option {
	return func(s *Scheduler) { s.now = now }
}

// New creates a visibility scheduler.
func New(transport Transport, pollers []Poller, cfg Config, opts ...Option) *Scheduler {
	if cfg.HiddenGrace <= 0 {
		cfg.HiddenGrace = 30 * time.Second
	}
	s := &Scheduler{
		transport: transport,
		pollers:   pollers,
		cfg:       cfg,
		logger:    slog.Default(),
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// SetVisible feeds one visibility signal from the host. Duplicate
// signals are ignored.
func (s *Scheduler) SetVisible(visible bool) {
	if visible {
		s.onForeground()
	} else {
		s.onBackground()
	}
}

// Run consumes visibility signals from ch until ctx is done or the
// channel closes. Hosts that bridge a UI event source run this in a
// goroutine; others can call SetVisible directly.
func (s *Scheduler) Run(ctx context.Context, ch <-chan bool) {
	for {
		select {
		case <-ctx.Done():
			return
		case visible, ok := <-ch:
			if !ok {
				return
			}
			s.SetVisible(visible)
		}
	}
}

// IsHidden reports whether the app is currently hidden.
func (s *Scheduler) IsHidden() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.hidden
}

// HiddenFor returns how long the app has been hidden, zero when
// visible.
func (s *Scheduler) HiddenFor() time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.hidden {
		return 0
	}
	return s.now().Sub(s.hiddenSince)
}

// Stop cancels any pending grace timer.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.stopGraceLocked()
}

func (s *Scheduler) onBackground() {
	s.mu.Lock()
	if s.hidden {
		s.mu.Unlock()
		return
	}
	s.hidden = true
	s.hiddenSince = s.now()
	s.stopGraceLocked()
	if s.cfg.PauseTransport {
		s.graceTmr = time.AfterFunc(s.cfg.HiddenGrace, s.onGraceExpired)
	}
	s.mu.Unlock()

	s.logger.Debug("app hidden, grace timer armed", "grace", s.cfg.HiddenGrace)
	for _, p := range s.pollers {
		p.SetHidden(true)
	}
}

func (s *Scheduler) onForeground() {
	s.mu.Lock()
	if !s.hidden {
		s.mu.Unlock()
		return
	}
	s.hidden = false
	s.stopGraceLocked()
	resume := s.paused
	s.paused = false
	hiddenFor := s.now().Sub(s.hiddenSince)
	s.mu.Unlock()

	s.logger.Info("app visible again", "hidden_for", hiddenFor, "resuming_transport", resume)
	if resume {
		s.transport.Resume()
	}
	for _, p := range s.pollers {
		p.SetHidden(false)
	}
}

// onGraceExpired fires off the grace timer goroutine.
func (s *Scheduler) onGraceExpired() {
	s.mu.Lock()
	// A foreground signal may have raced the timer.
	if !s.hidden || s.paused {
		s.mu.Unlock()
		return
	}
	s.paused = true
	s.mu.Unlock()

	s.logger.Info("hidden past grace, pausing transport")
	s.transport.Pause()
}

func (s *Scheduler) stopGraceLocked() {
	if s.graceTmr != nil {
		s.graceTmr.Stop()
		s.graceTmr = nil
	}
}
