package statestore

import (
	"fmt"
	"path/filepath"
	"testing"
	"time"

	"github.com/zapdrip/zapdrip/internal/models"
)

func setupTestStore(t *testing.T) *Store {
	t.Helper()

	store, err := New(filepath.Join(t.TempDir(), "state.db"))
	if err != nil {
		t.Fatalf("failed to open store: %v", err)
	}
	t.Cleanup(func() { store.Close() })
	return store
}

func TestRunStateRoundTrip(t *testing.T) {
	store := setupTestStore(t)

	st := &RunState{
		JobID:     7,
		RunID:     "run-1",
		NextIndex: 3,
		Sent:      2,
		Failed:    1,
		StartedAt: time.Now(),
	}
	if err := store.SaveRunState(st); err != nil {
		t.Fatalf("SaveRunState: %v", err)
	}

	got, err := store.GetRunState(7)
	if err != nil {
		t.Fatalf("GetRunState: %v", err)
	}
	if got == nil {
		t.Fatal("GetRunState returned nil for saved state")
	}
	if got.NextIndex != 3 || got.Sent != 2 || got.Failed != 1 {
		t.Errorf("state = %+v, want NextIndex 3 Sent 2 Failed 1", got)
	}
	if got.UpdatedAt.IsZero() {
		t.Error("UpdatedAt not stamped on save")
	}

	if err := store.DeleteRunState(7); err != nil {
		t.Fatalf("DeleteRunState: %v", err)
	}
	got, err = store.GetRunState(7)
	if err != nil {
		t.Fatalf("GetRunState after delete: %v", err)
	}
	if got != nil {
		t.Error("state still present after delete")
	}
}

func TestRunStateFlags(t *testing.T) {
	store := setupTestStore(t)

	// Flag updates on a missing run report not found.
	found, err := store.SetPaused(1, true)
	if err != nil {
		t.Fatal(err)
	}
	if found {
		t.Error("SetPaused reported found for missing run")
	}

	if err := store.SaveRunState(&RunState{JobID: 1, RunID: "run-1"}); err != nil {
		t.Fatal(err)
	}

	if found, err = store.SetPaused(1, true); err != nil || !found {
		t.Fatalf("SetPaused = %v, %v", found, err)
	}
	if found, err = store.RequestAbort(1); err != nil || !found {
		t.Fatalf("RequestAbort = %v, %v", found, err)
	}

	st, err := store.GetRunState(1)
	if err != nil {
		t.Fatal(err)
	}
	if !st.Paused || !st.Abort {
		t.Errorf("flags = paused %v abort %v, want both true", st.Paused, st.Abort)
	}
}

func TestCheckpointPreservesFlags(t *testing.T) {
	store := setupTestStore(t)

	st := &RunState{JobID: 3, RunID: "run-3"}
	if err := store.SaveRunState(st); err != nil {
		t.Fatal(err)
	}

	// An API pause lands between the run's flag read and its save.
	if _, err := store.SetPaused(3, true); err != nil {
		t.Fatal(err)
	}

	st.NextIndex = 2
	st.Sent = 2
	if err := store.Checkpoint(st); err != nil {
		t.Fatal(err)
	}

	got, err := store.GetRunState(3)
	if err != nil {
		t.Fatal(err)
	}
	if !got.Paused {
		t.Error("checkpoint clobbered the pause flag")
	}
	if got.NextIndex != 2 {
		t.Errorf("NextIndex = %d, want 2", got.NextIndex)
	}
	// The caller's copy picked the flag up.
	if !st.Paused {
		t.Error("checkpoint did not surface the stored flag to the caller")
	}
}

func TestListRunStates(t *testing.T) {
	store := setupTestStore(t)

	for _, id := range []int64{1, 2, 3} {
		if err := store.SaveRunState(&RunState{JobID: id, RunID: fmt.Sprintf("run-%d", id)}); err != nil {
			t.Fatal(err)
		}
	}

	states, err := store.ListRunStates()
	if err != nil {
		t.Fatal(err)
	}
	if len(states) != 3 {
		t.Errorf("ListRunStates returned %d entries, want 3", len(states))
	}
}

func TestWakes(t *testing.T) {
	store := setupTestStore(t)

	fireAt := time.Now().Add(time.Hour).Truncate(time.Second)
	if err := store.PutWake(5, fireAt); err != nil {
		t.Fatalf("PutWake: %v", err)
	}

	w, err := store.GetWake(5)
	if err != nil {
		t.Fatal(err)
	}
	if w == nil {
		t.Fatal("GetWake returned nil")
	}
	if !w.FireAt.Equal(fireAt) {
		t.Errorf("FireAt = %v, want %v", w.FireAt, fireAt)
	}

	// Replacing a wake keeps a single entry per job.
	later := fireAt.Add(time.Hour)
	if err := store.PutWake(5, later); err != nil {
		t.Fatal(err)
	}
	wakes, err := store.ListWakes()
	if err != nil {
		t.Fatal(err)
	}
	if len(wakes) != 1 {
		t.Fatalf("ListWakes returned %d entries, want 1", len(wakes))
	}
	if !wakes[0].FireAt.Equal(later) {
		t.Errorf("FireAt = %v, want %v", wakes[0].FireAt, later)
	}

	// Deleting a missing wake is not an error.
	if err := store.DeleteWake(5); err != nil {
		t.Fatal(err)
	}
	if err := store.DeleteWake(5); err != nil {
		t.Fatal(err)
	}
	if w, _ := store.GetWake(5); w != nil {
		t.Error("wake still present after delete")
	}
}

func TestEventQueueOrderAndDrain(t *testing.T) {
	store := setupTestStore(t)

	base := time.Now().Add(-time.Minute)
	for i := 0; i < 5; i++ {
		ev := &models.Event{
			ID:       fmt.Sprintf("ev-%d", i),
			Type:     models.EventSent,
			JobID:    1,
			QueuedAt: base.Add(time.Duration(i) * time.Second),
		}
		if err := store.EnqueueEvent(ev); err != nil {
			t.Fatalf("EnqueueEvent: %v", err)
		}
	}

	events, err := store.PeekEvents(3)
	if err != nil {
		t.Fatal(err)
	}
	if len(events) != 3 {
		t.Fatalf("PeekEvents returned %d, want 3", len(events))
	}
	for i, ev := range events {
		if want := fmt.Sprintf("ev-%d", i); ev.ID != want {
			t.Errorf("event %d id = %s, want %s (oldest first)", i, ev.ID, want)
		}
	}

	if err := store.DeleteEvents(events); err != nil {
		t.Fatalf("DeleteEvents: %v", err)
	}
	count, err := store.EventCount()
	if err != nil {
		t.Fatal(err)
	}
	if count != 2 {
		t.Errorf("EventCount = %d after drain, want 2", count)
	}
}

func TestEventQueueSubsecondOrder(t *testing.T) {
	store := setupTestStore(t)

	// Fractional seconds with trailing zeros sort correctly only with
	// fixed-width keys (.1s must not land after .15s).
	base := time.Now().Truncate(time.Second)
	offsets := []time.Duration{
		150 * time.Millisecond,
		100 * time.Millisecond,
		120 * time.Millisecond,
	}
	for i, off := range offsets {
		ev := &models.Event{
			ID:       fmt.Sprintf("ev-%d", i),
			Type:     models.EventSent,
			JobID:    1,
			QueuedAt: base.Add(off),
		}
		if err := store.EnqueueEvent(ev); err != nil {
			t.Fatalf("EnqueueEvent: %v", err)
		}
	}

	events, err := store.PeekEvents(0)
	if err != nil {
		t.Fatal(err)
	}
	if len(events) != 3 {
		t.Fatalf("PeekEvents returned %d, want 3", len(events))
	}
	for i, want := range []string{"ev-1", "ev-2", "ev-0"} {
		if events[i].ID != want {
			t.Errorf("event %d id = %s, want %s (oldest first)", i, events[i].ID, want)
		}
	}
}

func TestEventQueueCap(t *testing.T) {
	store := setupTestStore(t)

	base := time.Now().Add(-10 * time.Minute)
	for i := 0; i < maxQueuedEvents+10; i++ {
		ev := &models.Event{
			ID:       fmt.Sprintf("ev-%04d", i),
			Type:     models.EventSent,
			QueuedAt: base.Add(time.Duration(i) * time.Millisecond),
		}
		if err := store.EnqueueEvent(ev); err != nil {
			t.Fatal(err)
		}
	}

	count, err := store.EventCount()
	if err != nil {
		t.Fatal(err)
	}
	if count != maxQueuedEvents {
		t.Errorf("EventCount = %d, want cap %d", count, maxQueuedEvents)
	}

	// The survivors are the newest entries.
	events, err := store.PeekEvents(1)
	if err != nil {
		t.Fatal(err)
	}
	if len(events) != 1 || events[0].ID == "ev-0000" {
		t.Errorf("oldest surviving event = %v, want eviction of ev-0000", events)
	}
}

func TestEventQueueAgeEviction(t *testing.T) {
	store := setupTestStore(t)

	stale := &models.Event{ID: "stale", Type: models.EventSent, QueuedAt: time.Now().Add(-25 * time.Hour)}
	fresh := &models.Event{ID: "fresh", Type: models.EventSent, QueuedAt: time.Now()}
	for _, ev := range []*models.Event{stale, fresh} {
		if err := store.EnqueueEvent(ev); err != nil {
			t.Fatal(err)
		}
	}

	events, err := store.PeekEvents(0)
	if err != nil {
		t.Fatal(err)
	}
	if len(events) != 1 || events[0].ID != "fresh" {
		t.Errorf("PeekEvents = %v, want only the fresh event", events)
	}

	count, _ := store.EventCount()
	if count != 1 {
		t.Errorf("EventCount = %d after age eviction, want 1", count)
	}
}

func TestRunHistoryBounded(t *testing.T) {
	store := setupTestStore(t)

	base := time.Now().Add(-time.Hour)
	for i := 0; i < maxRunRecords+5; i++ {
		rec := &models.RunRecord{
			RunID:      fmt.Sprintf("run-%03d", i),
			JobID:      int64(i),
			FinishedAt: base.Add(time.Duration(i) * time.Minute),
		}
		if err := store.AppendRunRecord(rec); err != nil {
			t.Fatal(err)
		}
	}

	records, err := store.ListRunRecords()
	if err != nil {
		t.Fatal(err)
	}
	if len(records) != maxRunRecords {
		t.Fatalf("ListRunRecords returned %d, want %d", len(records), maxRunRecords)
	}
	// Newest first, oldest five evicted.
	if records[0].RunID != fmt.Sprintf("run-%03d", maxRunRecords+4) {
		t.Errorf("records[0] = %s, want newest run", records[0].RunID)
	}
	if records[len(records)-1].RunID != "run-005" {
		t.Errorf("oldest retained = %s, want run-005", records[len(records)-1].RunID)
	}
}

func TestReopenPersists(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "state.db")

	store, err := New(path)
	if err != nil {
		t.Fatal(err)
	}
	if err := store.SaveRunState(&RunState{JobID: 9, RunID: "run-9", NextIndex: 4}); err != nil {
		t.Fatal(err)
	}
	if err := store.PutWake(9, time.Now().Add(time.Hour)); err != nil {
		t.Fatal(err)
	}
	if err := store.Close(); err != nil {
		t.Fatal(err)
	}

	store, err = New(path)
	if err != nil {
		t.Fatal(err)
	}
	defer store.Close()

	st, err := store.GetRunState(9)
	if err != nil {
		t.Fatal(err)
	}
	if st == nil || st.NextIndex != 4 {
		t.Errorf("run state after reopen = %+v, want NextIndex 4", st)
	}
	wakes, err := store.ListWakes()
	if err != nil {
		t.Fatal(err)
	}
	if len(wakes) != 1 {
		t.Errorf("wakes after reopen = %d, want 1", len(wakes))
	}
}
