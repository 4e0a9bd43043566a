package pacing

import (
	"math/rand"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/zapdrip/zapdrip/internal/models"
)

func newTestGovernor(cfg Config) (*Governor, *clockwork.FakeClock) {
	clock := clockwork.NewFakeClockAt(time.Date(2026, 3, 10, 10, 0, 0, 0, time.UTC))
	g := New(cfg, clock, rand.New(rand.NewSource(1)))
	return g, clock
}

func TestAllow_SlidingWindow(t *testing.T) {
	g, clock := newTestGovernor(Config{MessagesPerHour: 3})

	for i := 0; i < 3; i++ {
		res := g.Allow()
		if !res.Allowed {
			t.Fatalf("send %d denied, want allowed", i)
		}
		g.RecordSend()
		clock.Advance(time.Minute)
	}

	res := g.Allow()
	if res.Allowed {
		t.Fatal("fourth send allowed, want denied")
	}
	if res.RetryAfter != 5*time.Minute {
		t.Errorf("RetryAfter = %v, want 5m", res.RetryAfter)
	}

	// The first send ages out of the window after an hour.
	clock.Advance(57*time.Minute + time.Second)
	if res := g.Allow(); !res.Allowed {
		t.Error("send denied after window slid past oldest entry")
	}
	if got := g.WindowCount(); got != 2 {
		t.Errorf("WindowCount = %d, want 2", got)
	}
}

func TestAllow_DefaultBudget(t *testing.T) {
	g, _ := newTestGovernor(Config{})

	for i := 0; i < 30; i++ {
		if res := g.Allow(); !res.Allowed {
			t.Fatalf("send %d denied inside default budget", i)
		}
		g.RecordSend()
	}
	if res := g.Allow(); res.Allowed {
		t.Error("send 31 allowed, want denied")
	}
}

func TestIsHumanHour(t *testing.T) {
	g, _ := newTestGovernor(Config{})

	tests := []struct {
		hour int
		want bool
	}{
		{0, false},
		{6, false},
		{7, true},
		{12, true},
		{21, true},
		{22, false},
		{23, false},
	}

	for _, tt := range tests {
		at := time.Date(2026, 3, 10, tt.hour, 30, 0, 0, time.Local)
		if got := g.IsHumanHour(at); got != tt.want {
			t.Errorf("IsHumanHour(%02d:30) = %v, want %v", tt.hour, got, tt.want)
		}
	}
}

func TestNextItemDelay_Defaults(t *testing.T) {
	g, _ := newTestGovernor(Config{})

	for i := 0; i < 100; i++ {
		d := g.NextItemDelay(nil)
		if d < 8*time.Second || d >= 18*time.Second {
			t.Fatalf("delay %v outside [8s, 18s)", d)
		}
	}
}

func TestNextItemDelay_JobOverride(t *testing.T) {
	g, _ := newTestGovernor(Config{})

	job := &models.Job{MinDelayMs: 2000, MaxDelayMs: 2000}
	if d := g.NextItemDelay(job); d != 2*time.Second {
		t.Errorf("delay = %v, want exactly 2s for fixed bounds", d)
	}

	job = &models.Job{MinDelayMs: 1000, MaxDelayMs: 3000}
	for i := 0; i < 100; i++ {
		d := g.NextItemDelay(job)
		if d < time.Second || d >= 3*time.Second {
			t.Fatalf("delay %v outside job bounds [1s, 3s)", d)
		}
	}
}

func TestMaybeLongPause(t *testing.T) {
	g, _ := newTestGovernor(Config{LongPauseChance: 1.0})

	d, ok := g.MaybeLongPause()
	if !ok {
		t.Fatal("pause not triggered with chance 1.0")
	}
	if d < 30*time.Second || d >= 120*time.Second {
		t.Errorf("pause %v outside [30s, 120s)", d)
	}
}

func TestMaybeLongPause_Rate(t *testing.T) {
	g, _ := newTestGovernor(Config{})

	hits := 0
	for i := 0; i < 10000; i++ {
		if _, ok := g.MaybeLongPause(); ok {
			hits++
		}
	}
	// Seeded rng, expect roughly 5 percent.
	if hits < 300 || hits > 800 {
		t.Errorf("long pause hit %d of 10000 rolls, want around 500", hits)
	}
}
