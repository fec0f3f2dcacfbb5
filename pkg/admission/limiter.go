// Package admission implements per-device sliding window admission control.
package admission

import (
	"hash/fnv"
	"sync"
	"time"

	"github.com/illmade-knight/telemetry-gateway/pkg/types"
)

const shardCount = 64

// Config holds the admission settings shared by every device.
type Config struct {
	Enabled      bool
	MaxPerWindow int
	Window       time.Duration
}

// DefaultConfig returns the process defaults: 100 messages per 60 second window.
func DefaultConfig() Config {
	return Config{
		Enabled:      true,
		MaxPerWindow: 100,
		Window:       60 * time.Second,
	}
}

// window is the admission log for a single device. Timestamps are kept in
// ascending order.
type window struct {
	mu     sync.Mutex
	stamps []time.Time
	// dead is set once the window has been removed from its shard; holders of a
	// stale pointer must look the device up again.
	dead bool
}

// evict drops every timestamp older than cutoff.
func (w *window) evict(cutoff time.Time) {
	i := 0
	for i < len(w.stamps) && w.stamps[i].Before(cutoff) {
		i++
	}
	if i == 0 {
		return
	}
	n := copy(w.stamps, w.stamps[i:])
	w.stamps = w.stamps[:n]
}

type shard struct {
	mu      sync.RWMutex
	windows map[string]*window
}

// Limiter decides whether a device may send another message.
// Each device has its own window lock, so decisions for different devices
// never wait on each other; shard locks only guard map lookups.
type Limiter struct {
	enabled bool
	max     int
	window  time.Duration
	now     func() time.Time
	shards  [shardCount]*shard
}

// Option configures a Limiter.
type Option func(*Limiter)

// WithClock replaces the time source, mainly for tests.
func WithClock(now func() time.Time) Option {
	return func(l *Limiter) {
		l.now = now
	}
}

// New creates a Limiter. Non-positive limits fall back to DefaultConfig values.
func New(cfg Config, opts ...Option) *Limiter {
	def := DefaultConfig()
	if cfg.MaxPerWindow <= 0 {
		cfg.MaxPerWindow = def.MaxPerWindow
	}
	if cfg.Window <= 0 {
		cfg.Window = def.Window
	}
	l := &Limiter{
		enabled: cfg.Enabled,
		max:     cfg.MaxPerWindow,
		window:  cfg.Window,
		now:     time.Now,
	}
	for i := range l.shards {
		l.shards[i] = &shard{windows: make(map[string]*window)}
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Enabled reports whether the limiter rejects anything at all.
func (l *Limiter) Enabled() bool { return l.enabled }

// MaxPerWindow reports the configured limit.
func (l *Limiter) MaxPerWindow() int { return l.max }

// Window reports the configured window duration.
func (l *Limiter) Window() time.Duration { return l.window }

func (l *Limiter) shardFor(deviceID string) *shard {
	h := fnv.New32a()
	_, _ = h.Write([]byte(deviceID))
	return l.shards[h.Sum32()%shardCount]
}

// lookup returns the window for deviceID, creating it if create is set.
func (l *Limiter) lookup(deviceID string, create bool) *window {
	s := l.shardFor(deviceID)
	s.mu.RLock()
	w := s.windows[deviceID]
	s.mu.RUnlock()
	if w != nil || !create {
		return w
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if w = s.windows[deviceID]; w == nil {
		w = &window{stamps: make([]time.Time, 0, 8)}
		s.windows[deviceID] = w
	}
	return w
}

// Admit records a message for deviceID and reports whether it is within the limit.
// Rejected messages are not recorded. An empty id is counted against "unknown".
// A disabled limiter admits everything and records nothing.
func (l *Limiter) Admit(deviceID string) bool {
	if !l.enabled {
		return true
	}
	deviceID = types.DeviceKey(deviceID)
	for {
		w := l.lookup(deviceID, true)
		w.mu.Lock()
		if w.dead {
			w.mu.Unlock()
			continue
		}
		now := l.now()
		w.evict(now.Add(-l.window))
		if len(w.stamps) >= l.max {
			w.mu.Unlock()
			return false
		}
		w.stamps = append(w.stamps, now)
		w.mu.Unlock()
		return true
	}
}

// Occupancy returns how many admissions deviceID has inside the current window.
func (l *Limiter) Occupancy(deviceID string) int {
	w := l.lookup(types.DeviceKey(deviceID), false)
	if w == nil {
		return 0
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.dead {
		return 0
	}
	w.evict(l.now().Add(-l.window))
	return len(w.stamps)
}

// Reset forgets every admission recorded for deviceID.
func (l *Limiter) Reset(deviceID string) {
	deviceID = types.DeviceKey(deviceID)
	s := l.shardFor(deviceID)
	s.mu.Lock()
	defer s.mu.Unlock()
	if w, ok := s.windows[deviceID]; ok {
		w.mu.Lock()
		w.dead = true
		w.mu.Unlock()
		delete(s.windows, deviceID)
	}
}

// Sweep removes windows that hold no admissions inside the current window and
// returns how many were removed.
func (l *Limiter) Sweep() int {
	removed := 0
	cutoff := l.now().Add(-l.window)
	for _, s := range l.shards {
		s.mu.Lock()
		for id, w := range s.windows {
			w.mu.Lock()
			w.evict(cutoff)
			if len(w.stamps) == 0 {
				w.dead = true
				delete(s.windows, id)
				removed++
			}
			w.mu.Unlock()
		}
		s.mu.Unlock()
	}
	return removed
}

// Devices returns the number of devices currently tracked.
func (l *Limiter) Devices() int {
	n := 0
	for _, s := range l.shards {
		s.mu.RLock()
		n += len(s.windows)
		s.mu.RUnlock()
	}
	return n
}
