package statestore

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	bolt "go.etcd.io/bbolt"

	"github.com/zapdrip/zapdrip/internal/models"
)

var (
	bucketRunState   = []byte("run_state")
	bucketWakes      = []byte("scheduled_wakes")
	bucketEventQueue = []byte("event_queue")
	bucketRunHistory = []byte("run_history")
)

const (
	// Upper bound on queued telemetry events, oldest evicted first.
	maxQueuedEvents = 500

	// Events older than this are dropped instead of relayed.
	maxEventAge = 24 * time.Hour

	// Completed run records kept for operator inspection.
	maxRunRecords = 20
)

// RunState is the per-job dispatch checkpoint. It is written after every
// item so a crashed run resumes at NextIndex without re-sending.
type RunState struct {
	JobID     int64     `json:"job_id"`
	RunID     string    `json:"run_id"`
	NextIndex int       `json:"next_index"`
	Sent      int       `json:"sent"`
	Failed    int       `json:"failed"`
	Paused    bool      `json:"paused"`
	Abort     bool      `json:"abort"`
	StartedAt time.Time `json:"started_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Wake is a persisted schedule entry for a deferred job.
type Wake struct {
	JobID     int64     `json:"job_id"`
	FireAt    time.Time `json:"fire_at"`
	CreatedAt time.Time `json:"created_at"`
}

// Store persists run checkpoints, scheduled wakes, the telemetry event
// queue and run history in a single BoltDB file.
type Store struct {
	db *bolt.DB
}

// New opens (or creates) the state database at path.
func New(path string) (*Store, error) {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create state directory: %w", err)
	}

	db, err := bolt.Open(path, 0600, &bolt.Options{
		Timeout: 5 * time.Second,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to open state database: %w", err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		for _, bucket := range [][]byte{bucketRunState, bucketWakes, bucketEventQueue, bucketRunHistory} {
			if _, err := tx.CreateBucketIfNotExists(bucket); err != nil {
				return fmt.Errorf("failed to create bucket %s: %w", bucket, err)
			}
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, err
	}

	return &Store{db: db}, nil
}

// Close closes the database.
func (s *Store) Close() error {
	return s.db.Close()
}

// DB returns the underlying bolt.DB instance
func (s *Store) DB() *bolt.DB {
	return s.db
}

// Run state

// SaveRunState writes the checkpoint for a job.
func (s *Store) SaveRunState(st *RunState) error {
	st.UpdatedAt = time.Now()
	return s.db.Update(func(tx *bolt.Tx) error {
		data, err := json.Marshal(st)
		if err != nil {
			return fmt.Errorf("failed to marshal run state: %w", err)
		}
		return tx.Bucket(bucketRunState).Put(jobKey(st.JobID), data)
	})
}

// Checkpoint saves run progress while preserving pause and abort flags
// written concurrently through the API. The stored flags are copied back
// into st so the caller observes them.
func (s *Store) Checkpoint(st *RunState) error {
	st.UpdatedAt = time.Now()
	return s.db.Update(func(tx *bolt.Tx) error {
		bucket := tx.Bucket(bucketRunState)
		if data := bucket.Get(jobKey(st.JobID)); data != nil {
			var cur RunState
			if err := json.Unmarshal(data, &cur); err == nil {
				st.Paused = cur.Paused
				st.Abort = cur.Abort
			}
		}
		data, err := json.Marshal(st)
		if err != nil {
			return fmt.Errorf("failed to marshal run state: %w", err)
		}
		return bucket.Put(jobKey(st.JobID), data)
	})
}

// GetRunState returns the checkpoint for a job, or nil when none exists.
func (s *Store) GetRunState(jobID int64) (*RunState, error) {
	var st *RunState
	err := s.db.View(func(tx *bolt.Tx) error {
		data := tx.Bucket(bucketRunState).Get(jobKey(jobID))
		if data == nil {
			return nil
		}
		st = &RunState{}
		return json.Unmarshal(data, st)
	})
	return st, err
}

// DeleteRunState removes the checkpoint once a run finishes or aborts.
func (s *Store) DeleteRunState(jobID int64) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketRunState).Delete(jobKey(jobID))
	})
}

// ListRunStates returns all persisted checkpoints. Used on startup to
// find runs interrupted by a crash.
func (s *Store) ListRunStates() ([]*RunState, error) {
	var states []*RunState
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketRunState).ForEach(func(k, v []byte) error {
			var st RunState
			if err := json.Unmarshal(v, &st); err != nil {
				return nil // Skip invalid entries
			}
			states = append(states, &st)
			return nil
		})
	})
	return states, err
}

// SetPaused flips the pause flag on an active run. Returns false when no
// run state exists for the job.
func (s *Store) SetPaused(jobID int64, paused bool) (bool, error) {
	return s.updateFlags(jobID, func(st *RunState) { st.Paused = paused })
}

// RequestAbort sets the abort flag on an active run. The dispatch loop
// observes it at the next checkpoint boundary.
func (s *Store) RequestAbort(jobID int64) (bool, error) {
	return s.updateFlags(jobID, func(st *RunState) { st.Abort = true })
}

func (s *Store) updateFlags(jobID int64, apply func(*RunState)) (bool, error) {
	found := false
	err := s.db.Update(func(tx *bolt.Tx) error {
		bucket := tx.Bucket(bucketRunState)
		data := bucket.Get(jobKey(jobID))
		if data == nil {
			return nil
		}
		var st RunState
		if err := json.Unmarshal(data, &st); err != nil {
			return fmt.Errorf("failed to unmarshal run state: %w", err)
		}
		apply(&st)
		st.UpdatedAt = time.Now()
		out, err := json.Marshal(&st)
		if err != nil {
			return err
		}
		found = true
		return bucket.Put(jobKey(jobID), out)
	})
	return found, err
}

// Scheduled wakes

// PutWake records a scheduled wake for a job, replacing any previous one.
func (s *Store) PutWake(jobID int64, fireAt time.Time) error {
	w := Wake{JobID: jobID, FireAt: fireAt, CreatedAt: time.Now()}
	return s.db.Update(func(tx *bolt.Tx) error {
		data, err := json.Marshal(&w)
		if err != nil {
			return fmt.Errorf("failed to marshal wake: %w", err)
		}
		return tx.Bucket(bucketWakes).Put(jobKey(jobID), data)
	})
}

// GetWake returns the wake for a job, or nil when none is scheduled.
func (s *Store) GetWake(jobID int64) (*Wake, error) {
	var w *Wake
	err := s.db.View(func(tx *bolt.Tx) error {
		data := tx.Bucket(bucketWakes).Get(jobKey(jobID))
		if data == nil {
			return nil
		}
		w = &Wake{}
		return json.Unmarshal(data, w)
	})
	return w, err
}

// DeleteWake removes a scheduled wake. Deleting a missing wake is not an
// error.
func (s *Store) DeleteWake(jobID int64) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketWakes).Delete(jobKey(jobID))
	})
}

// ListWakes returns all persisted wakes, used to rebuild timers on start.
func (s *Store) ListWakes() ([]*Wake, error) {
	var wakes []*Wake
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketWakes).ForEach(func(k, v []byte) error {
			var w Wake
			if err := json.Unmarshal(v, &w); err != nil {
				return nil
			}
			wakes = append(wakes, &w)
			return nil
		})
	})
	return wakes, err
}

// Event queue

// EnqueueEvent appends a telemetry event. When the queue is full the
// oldest entries are evicted so a dead collector cannot grow the file
// without bound.
func (s *Store) EnqueueEvent(ev *models.Event) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		bucket := tx.Bucket(bucketEventQueue)

		data, err := json.Marshal(ev)
		if err != nil {
			return fmt.Errorf("failed to marshal event: %w", err)
		}
		if err := bucket.Put(makeIndexKey(ev.QueuedAt, ev.ID), data); err != nil {
			return fmt.Errorf("failed to enqueue event: %w", err)
		}

		// Evict oldest entries over the cap. Keys sort by queue time.
		overflow := bucket.Stats().KeyN + 1 - maxQueuedEvents
		if overflow <= 0 {
			return nil
		}
		c := bucket.Cursor()
		for k, _ := c.First(); k != nil && overflow > 0; k, _ = c.Next() {
			if err := c.Delete(); err != nil {
				return err
			}
			overflow--
		}
		return nil
	})
}

// PeekEvents returns up to limit queued events, oldest first. Entries
// past the maximum age are dropped during the scan.
func (s *Store) PeekEvents(limit int) ([]*models.Event, error) {
	var events []*models.Event
	cutoff := time.Now().Add(-maxEventAge)

	err := s.db.Update(func(tx *bolt.Tx) error {
		c := tx.Bucket(bucketEventQueue).Cursor()
		for k, v := c.First(); k != nil; k, v = c.Next() {
			if parseTimestampFromKey(k).Before(cutoff) {
				if err := c.Delete(); err != nil {
					return err
				}
				continue
			}
			var ev models.Event
			if err := json.Unmarshal(v, &ev); err != nil {
				continue
			}
			events = append(events, &ev)
			if limit > 0 && len(events) >= limit {
				break
			}
		}
		return nil
	})
	return events, err
}

// DeleteEvents removes events that were relayed successfully.
func (s *Store) DeleteEvents(events []*models.Event) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		bucket := tx.Bucket(bucketEventQueue)
		for _, ev := range events {
			if err := bucket.Delete(makeIndexKey(ev.QueuedAt, ev.ID)); err != nil {
				return err
			}
		}
		return nil
	})
}

// EventCount returns the number of queued events.
func (s *Store) EventCount() (int, error) {
	count := 0
	err := s.db.View(func(tx *bolt.Tx) error {
		count = tx.Bucket(bucketEventQueue).Stats().KeyN
		return nil
	})
	return count, err
}

// Run history

// AppendRunRecord stores a completed run summary, keeping only the most
// recent entries.
func (s *Store) AppendRunRecord(rec *models.RunRecord) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		bucket := tx.Bucket(bucketRunHistory)

		data, err := json.Marshal(rec)
		if err != nil {
			return fmt.Errorf("failed to marshal run record: %w", err)
		}
		if err := bucket.Put(makeIndexKey(rec.FinishedAt, rec.RunID), data); err != nil {
			return err
		}

		overflow := bucket.Stats().KeyN + 1 - maxRunRecords
		if overflow <= 0 {
			return nil
		}
		c := bucket.Cursor()
		for k, _ := c.First(); k != nil && overflow > 0; k, _ = c.Next() {
			if err := c.Delete(); err != nil {
				return err
			}
			overflow--
		}
		return nil
	})
}

// ListRunRecords returns the retained run summaries, newest first.
func (s *Store) ListRunRecords() ([]*models.RunRecord, error) {
	var records []*models.RunRecord
	err := s.db.View(func(tx *bolt.Tx) error {
		c := tx.Bucket(bucketRunHistory).Cursor()
		for k, v := c.Last(); k != nil; k, v = c.Prev() {
			var rec models.RunRecord
			if err := json.Unmarshal(v, &rec); err != nil {
				continue
			}
			records = append(records, &rec)
		}
		return nil
	})
	return records, err
}

func jobKey(id int64) []byte {
	return []byte(strconv.FormatInt(id, 10))
}

// Fixed-width fractional seconds keep keys lexicographically ordered.
// RFC3339Nano trims trailing zeros and breaks ordering within a second.
const indexKeyLayout = "2006-01-02T15:04:05.000000000Z"

// makeIndexKey creates a sortable key from timestamp and ID
func makeIndexKey(t time.Time, id string) []byte {
	return []byte(t.UTC().Format(indexKeyLayout) + ":" + id)
}

// parseTimestampFromKey extracts timestamp from index key
func parseTimestampFromKey(key []byte) time.Time {
	s := string(key)
	for i := len(s) - 1; i >= 0; i-- {
		if s[i] == ':' {
			ts, _ := time.Parse(time.RFC3339Nano, s[:i])
			return ts
		}
	}
	return time.Time{}
}
