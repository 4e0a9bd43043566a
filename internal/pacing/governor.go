package pacing

import (
	"math/rand"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/zapdrip/zapdrip/internal/models"
)

// Config contains pacing configuration
type Config struct {
	// Maximum sends allowed inside any sliding one hour window
	MessagesPerHour int `yaml:"messages_per_hour,omitempty"`

	// Local hours during which sending is allowed, [start, end)
	HumanHourStart int `yaml:"human_hour_start,omitempty"`
	HumanHourEnd   int `yaml:"human_hour_end,omitempty"`

	// Delay between consecutive items when the job carries no override
	MinItemDelay time.Duration `yaml:"min_item_delay,omitempty"`
	MaxItemDelay time.Duration `yaml:"max_item_delay,omitempty"`

	// Occasional long pause to break up the send cadence
	LongPauseChance float64       `yaml:"long_pause_chance,omitempty"`
	LongPauseMin    time.Duration `yaml:"long_pause_min,omitempty"`
	LongPauseMax    time.Duration `yaml:"long_pause_max,omitempty"`

	// How long to back off when the hourly window is full
	RetryBackoff time.Duration `yaml:"retry_backoff,omitempty"`

	// How often a paused run re-checks its state
	PausePoll time.Duration `yaml:"pause_poll,omitempty"`
}

func (c *Config) setDefaults() {
	if c.MessagesPerHour == 0 {
		c.MessagesPerHour = 30
	}
	if c.HumanHourStart == 0 && c.HumanHourEnd == 0 {
		c.HumanHourStart = 7
		c.HumanHourEnd = 22
	}
	if c.MinItemDelay == 0 {
		c.MinItemDelay = 8 * time.Second
	}
	if c.MaxItemDelay == 0 {
		c.MaxItemDelay = 18 * time.Second
	}
	if c.LongPauseChance == 0 {
		c.LongPauseChance = 0.05
	}
	if c.LongPauseMin == 0 {
		c.LongPauseMin = 30 * time.Second
	}
	if c.LongPauseMax == 0 {
		c.LongPauseMax = 120 * time.Second
	}
	if c.RetryBackoff == 0 {
		c.RetryBackoff = 5 * time.Minute
	}
	if c.PausePoll == 0 {
		c.PausePoll = 250 * time.Millisecond
	}
}

// Result contains the outcome of a send admission check
type Result struct {
	Allowed    bool
	RetryAfter time.Duration
}

// Governor decides when the next message may go out. It enforces the
// hourly send budget and the allowed local hours, and produces the
// randomized delays between items.
type Governor struct {
	config Config
	clock  clockwork.Clock
	rng    *rand.Rand

	mu    sync.Mutex
	sends []time.Time // timestamps inside the current window, oldest first
}

// New creates a governor. A nil clock falls back to the wall clock and a
// nil rng to a time-seeded source.
func New(cfg Config, clock clockwork.Clock, rng *rand.Rand) *Governor {
	cfg.setDefaults()
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	if rng == nil {
		rng = rand.New(rand.NewSource(time.Now().UnixNano()))
	}
	return &Governor{
		config: cfg,
		clock:  clock,
		rng:    rng,
	}
}

// IsHumanHour reports whether the local hour of t falls inside the
// allowed sending window.
func (g *Governor) IsHumanHour(t time.Time) bool {
	h := t.Local().Hour()
	return h >= g.config.HumanHourStart && h < g.config.HumanHourEnd
}

// Allow checks the sliding hourly window. When the budget is exhausted
// it reports how long to wait before retrying the same item.
func (g *Governor) Allow() Result {
	g.mu.Lock()
	defer g.mu.Unlock()

	now := g.clock.Now()
	g.prune(now)

	if len(g.sends) >= g.config.MessagesPerHour {
		return Result{
			Allowed:    false,
			RetryAfter: g.config.RetryBackoff,
		}
	}
	return Result{Allowed: true}
}

// RecordSend registers a completed send against the hourly window.
func (g *Governor) RecordSend() {
	g.mu.Lock()
	defer g.mu.Unlock()

	now := g.clock.Now()
	g.prune(now)
	g.sends = append(g.sends, now)
}

// WindowCount returns how many sends the current hourly window holds.
func (g *Governor) WindowCount() int {
	g.mu.Lock()
	defer g.mu.Unlock()

	g.prune(g.clock.Now())
	return len(g.sends)
}

// prune drops timestamps older than one hour. Caller holds the lock.
func (g *Governor) prune(now time.Time) {
	cutoff := now.Add(-time.Hour)
	i := 0
	for i < len(g.sends) && !g.sends[i].After(cutoff) {
		i++
	}
	if i > 0 {
		g.sends = append(g.sends[:0], g.sends[i:]...)
	}
}

// NextItemDelay returns the randomized delay before the next item. A job
// with its own delay bounds overrides the configured defaults.
func (g *Governor) NextItemDelay(job *models.Job) time.Duration {
	min := g.config.MinItemDelay
	max := g.config.MaxItemDelay
	if job != nil && job.MinDelayMs > 0 && job.MaxDelayMs >= job.MinDelayMs {
		min = time.Duration(job.MinDelayMs) * time.Millisecond
		max = time.Duration(job.MaxDelayMs) * time.Millisecond
	}
	return g.between(min, max)
}

// MaybeLongPause rolls for an occasional long pause between items.
func (g *Governor) MaybeLongPause() (time.Duration, bool) {
	g.mu.Lock()
	roll := g.rng.Float64()
	g.mu.Unlock()

	if roll >= g.config.LongPauseChance {
		return 0, false
	}
	return g.between(g.config.LongPauseMin, g.config.LongPauseMax), true
}

// RetryBackoff returns how long a rate-held run should wait before
// retrying the same item.
func (g *Governor) RetryBackoff() time.Duration {
	return g.config.RetryBackoff
}

// PausePoll returns how often a paused run re-checks its state.
func (g *Governor) PausePoll() time.Duration {
	return g.config.PausePoll
}

func (g *Governor) between(min, max time.Duration) time.Duration {
	if max <= min {
		return min
	}
	g.mu.Lock()
	n := g.rng.Int63n(int64(max - min))
	g.mu.Unlock()
	return min + time.Duration(n)
}
