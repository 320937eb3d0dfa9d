package saga

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"
)

// memJournal is an in-memory Journal for tests.
type memJournal struct {
	mu    sync.Mutex
	runs  map[string][]byte
	steps []StepRecord

	// failCheckpoints makes SaveCheckpoint fail after this many calls when > 0.
	failCheckpoints int
	checkpoints     int
}

func newMemJournal() *memJournal {
	return &memJournal{runs: make(map[string][]byte)}
}

func (j *memJournal) CreateRun(_ context.Context, rec *RunRecord) error {
	j.mu.Lock()
	defer j.mu.Unlock()
	if _, ok := j.runs[rec.ID]; ok {
		return fmt.Errorf("%w: %s", ErrRunExists, rec.ID)
	}
	return j.store(rec)
}

func (j *memJournal) GetRun(_ context.Context, id string) (*RunRecord, error) {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.load(id)
}

func (j *memJournal) SaveCheckpoint(_ context.Context, rec *RunRecord) error {
	j.mu.Lock()
	defer j.mu.Unlock()
	cur, err := j.load(rec.ID)
	if err != nil {
		return err
	}
	if cur.Owner != rec.Owner {
		return fmt.Errorf("%w: %s is held by %s", ErrRunLeased, rec.ID, cur.Owner)
	}
	j.checkpoints++
	if j.failCheckpoints > 0 && j.checkpoints > j.failCheckpoints {
		return fmt.Errorf("journal unavailable")
	}
	return j.store(rec)
}

func (j *memJournal) ClaimRun(_ context.Context, id, owner string, until time.Time) error {
	j.mu.Lock()
	defer j.mu.Unlock()
	rec, err := j.load(id)
	if err != nil {
		return err
	}
	if rec.Owner != "" && rec.Owner != owner && rec.LeaseExpiresAt.After(time.Now()) {
		return fmt.Errorf("%w: %s is held by %s", ErrRunLeased, id, rec.Owner)
	}
	rec.Owner = owner
	rec.LeaseExpiresAt = until
	return j.store(rec)
}

func (j *memJournal) AppendStepRecord(_ context.Context, step *StepRecord) error {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.steps = append(j.steps, *step)
	return nil
}

func (j *memJournal) ListRunsByStatus(_ context.Context, statuses ...RunStatus) ([]*RunRecord, error) {
	j.mu.Lock()
	defer j.mu.Unlock()
	want := make(map[RunStatus]bool, len(statuses))
	for _, s := range statuses {
		want[s] = true
	}
	var out []*RunRecord
	for _, data := range j.runs {
		var rec RunRecord
		if err := json.Unmarshal(data, &rec); err != nil {
			return nil, err
		}
		if want[rec.Status] {
			out = append(out, &rec)
		}
	}
	return out, nil
}

// put overwrites a run directly, simulating a checkpoint left by a crash.
func (j *memJournal) put(rec *RunRecord) {
	j.mu.Lock()
	defer j.mu.Unlock()
	_ = j.store(rec)
}

func (j *memJournal) load(id string) (*RunRecord, error) {
	data, ok := j.runs[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrRunNotFound, id)
	}
	var rec RunRecord
	if err := json.Unmarshal(data, &rec); err != nil {
		return nil, err
	}
	return &rec, nil
}

// store serialises the record so callers never share memory with the journal.
func (j *memJournal) store(rec *RunRecord) error {
	data, err := json.Marshal(rec)
	if err != nil {
		return err
	}
	j.runs[rec.ID] = data
	return nil
}

func (j *memJournal) stepRecords() []StepRecord {
	j.mu.Lock()
	defer j.mu.Unlock()
	return append([]StepRecord(nil), j.steps...)
}
