package bugmon

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"sync"
)

// A LocalTracker serves bugs from cached snapshots instead of a live tracker.
// Updates are applied to the in-memory copies only, which makes it usable both
// for offline analysis of exported bugs and as a test double.
type LocalTracker struct {
	mu   sync.RWMutex
	bugs map[int]*Bug

	// Posted comments per bug, in posting order.
	Posted map[int][]string
}

// NewLocalTracker returns an empty local tracker.
func NewLocalTracker() *LocalTracker {
	return &LocalTracker{
		bugs:   make(map[int]*Bug),
		Posted: make(map[int][]string),
	}
}

// AddBug registers a bug snapshot.
func (t *LocalTracker) AddBug(bug *Bug) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.bugs[bug.ID] = bug
}

// LoadBug reads one bug snapshot in JSON format from a reader and registers it.
func (t *LocalTracker) LoadBug(r io.Reader) (*Bug, error) {
	var bug Bug
	decoder := json.NewDecoder(r)
	if err := decoder.Decode(&bug); err != nil {
		return nil, err
	}
	t.AddBug(&bug)
	return &bug, nil
}

func (t *LocalTracker) FetchBug(ctx context.Context, id int) (*Bug, error) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	bug, ok := t.bugs[id]
	if !ok {
		return nil, fmt.Errorf("no cached snapshot for bug %d", id)
	}
	copied := *bug
	return &copied, nil
}

func (t *LocalTracker) PostComment(ctx context.Context, id int, text string) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, ok := t.bugs[id]; !ok {
		return fmt.Errorf("no cached snapshot for bug %d", id)
	}
	t.Posted[id] = append(t.Posted[id], text)
	return nil
}

func (t *LocalTracker) UpdateStatus(ctx context.Context, id int, status string) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	bug, ok := t.bugs[id]
	if !ok {
		return fmt.Errorf("no cached snapshot for bug %d", id)
	}
	bug.Status = status
	if status == "REOPENED" {
		bug.Resolution = ""
	}
	return nil
}

func (t *LocalTracker) UpdateWhiteboard(ctx context.Context, id int, whiteboard string) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	bug, ok := t.bugs[id]
	if !ok {
		return fmt.Errorf("no cached snapshot for bug %d", id)
	}
	bug.Whiteboard = whiteboard
	return nil
}

func (t *LocalTracker) UpdateRange(ctx context.Context, id int, rng RevRange, fix bool) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	bug, ok := t.bugs[id]
	if !ok {
		return fmt.Errorf("no cached snapshot for bug %d", id)
	}
	if err := rng.Validate(); err != nil {
		return err
	}
	if fix {
		bug.FixRange = &rng
	} else {
		bug.RegressionRange = &rng
	}
	return nil
}
