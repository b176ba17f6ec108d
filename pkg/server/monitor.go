package server

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/hed1ad/seqguard/pkg/cache"
	"github.com/hed1ad/seqguard/pkg/detectors"
)

// Channel names.
const (
	Movement = "movement"
	Typing   = "typing"
)

// Status texts shown to the user.
const (
	MovementNormal      = "Movement: Normal"
	MovementAnomaly     = "MOVEMENT ANOMALY!"
	MovementUnavailable = "Movement: Unavailable"
	TypingPending       = "Typing: Pending..."
	TypingNormal        = "Typing: Normal"
	TypingAnomaly       = "TYPING ANOMALY!"
	TypingUnavailable   = "Typing: Unavailable"
)

// Detector is a detector that exposes its threshold.
type Detector interface {
	detectors.StreamDetector
	Threshold() float64
}

// KeystrokeDetector also turns key press times into latencies.
type KeystrokeDetector interface {
	Detector
	KeyPress(at time.Time) (detectors.Result, bool)
}

// StatusStore persists the latest status per channel.
type StatusStore interface {
	Save(ctx context.Context, s cache.Status) error
	Get(ctx context.Context, channel string) (cache.Status, error)
}

// Monitor feeds both detectors and tracks the latest status of each
// channel.
type Monitor struct {
	movement Detector
	typing   KeystrokeDetector
	store    StatusStore
	hub      *Hub
	session  string
	logger   *slog.Logger
	now      func() time.Time

	// Held from scoring until the status is published, so updates of one
	// channel are stored and broadcast in scoring order.
	movementMu sync.Mutex
	typingMu   sync.Mutex

	mu     sync.RWMutex
	status map[string]cache.Status
}

// MonitorOption configures a Monitor.
type MonitorOption func(*Monitor)

// WithStore persists every status update.
func WithStore(s StatusStore) MonitorOption {
	return func(m *Monitor) {
		m.store = s
	}
}

// WithMonitorLogger sets the logger.
func WithMonitorLogger(l *slog.Logger) MonitorOption {
	return func(m *Monitor) {
		m.logger = l
	}
}

// WithSession overrides the random session id.
func WithSession(id string) MonitorOption {
	return func(m *Monitor) {
		m.session = id
	}
}

// NewMonitor creates a Monitor over the two channels. Either detector may be
// nil, in which case its channel is reported as unavailable.
func NewMonitor(movement Detector, typing KeystrokeDetector, opts ...MonitorOption) *Monitor {
	m := &Monitor{
		movement: movement,
		typing:   typing,
		hub:      NewHub(),
		session:  uuid.New().String(),
		logger:   slog.Default(),
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(m)
	}

	m.status = map[string]cache.Status{
		Movement: m.initial(Movement, movement, MovementNormal, MovementUnavailable),
		Typing:   m.initial(Typing, typing, TypingPending, TypingUnavailable),
	}
	return m
}

func (m *Monitor) initial(channel string, d Detector, text, unavailable string) cache.Status {
	s := cache.Status{Channel: channel, Text: text, Session: m.session, UpdatedAt: m.now()}
	if d == nil || d.State() == detectors.Failed {
		s.Text = unavailable
		s.State = detectors.Failed.String()
		return s
	}
	s.State = d.State().String()
	s.Threshold = d.Threshold()
	return s
}

// Session returns the session id stamped on every status.
func (m *Monitor) Session() string {
	return m.session
}

// Hub returns the status broadcast hub.
func (m *Monitor) Hub() *Hub {
	return m.hub
}

// Reading feeds one accelerometer sample. ok is false when no sequence was
// scored.
func (m *Monitor) Reading(ctx context.Context, sample []float64) (cache.Status, bool) {
	if m.movement == nil {
		return m.Get(Movement), false
	}
	m.movementMu.Lock()
	defer m.movementMu.Unlock()

	r, ok := m.movement.AddReading(sample)
	if !ok {
		return m.Get(Movement), false
	}
	text := MovementNormal
	if r.IsAnomaly {
		text = MovementAnomaly
	}
	return m.update(ctx, Movement, m.movement, r, text), true
}

// KeyPress feeds one key press time.
func (m *Monitor) KeyPress(ctx context.Context, at time.Time) (cache.Status, bool) {
	if m.typing == nil {
		return m.Get(Typing), false
	}
	m.typingMu.Lock()
	defer m.typingMu.Unlock()

	r, ok := m.typing.KeyPress(at)
	if !ok {
		return m.Get(Typing), false
	}
	text := TypingNormal
	if r.IsAnomaly {
		text = TypingAnomaly
	}
	return m.update(ctx, Typing, m.typing, r, text), true
}

func (m *Monitor) update(ctx context.Context, channel string, d Detector, r detectors.Result, text string) cache.Status {
	s := cache.Status{
		Channel:    channel,
		Text:       text,
		State:      d.State().String(),
		IsAnomaly:  r.IsAnomaly,
		ErrorScore: r.ErrorScore,
		Threshold:  d.Threshold(),
		Session:    m.session,
		UpdatedAt:  m.now(),
	}

	m.mu.Lock()
	m.status[channel] = s
	m.mu.Unlock()

	if m.store != nil {
		if err := m.store.Save(ctx, s); err != nil {
			m.logger.Warn("failed to store status", "channel", channel, "error", err)
		}
	}
	m.hub.Publish(s)
	return s
}

// Get returns the latest local status of a channel.
func (m *Monitor) Get(channel string) cache.Status {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.status[channel]
}

// Lookup returns the status of a channel from the store when one is
// configured, falling back to the local status.
func (m *Monitor) Lookup(ctx context.Context, channel string) (cache.Status, bool) {
	m.mu.RLock()
	local, known := m.status[channel]
	m.mu.RUnlock()
	if !known {
		return cache.Status{}, false
	}

	if m.store != nil {
		s, err := m.store.Get(ctx, channel)
		if err == nil {
			return s, true
		}
		if !errors.Is(err, cache.ErrNotFound) {
			m.logger.Warn("failed to read status", "channel", channel, "error", err)
		}
	}
	return local, true
}

// Status returns the latest status of every channel, movement first.
func (m *Monitor) Status() []cache.Status {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return []cache.Status{m.status[Movement], m.status[Typing]}
}

// Text returns the two status lines as the UI shows them.
func (m *Monitor) Text() string {
	all := m.Status()
	return all[0].Text + "\n" + all[1].Text
}
