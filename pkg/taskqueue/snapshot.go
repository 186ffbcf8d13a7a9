package taskqueue

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"slices"
	"time"

	"github.com/mnmfasteners/mnm-agent/pkg/logger"
	"github.com/mnmfasteners/mnm-agent/pkg/utils"
)

// snapshot is the on-disk form of the queue. Order lists task IDs in
// dequeue order so that FIFO within a priority survives a restart; older
// files without it fall back to creation time.
type snapshot struct {
	Tasks   map[string]*Task `json:"tasks"`
	Order   []string         `json:"order,omitempty"`
	SavedAt time.Time        `json:"saved_at"`
}

// persistLocked writes every tracked task to disk. Failures are logged and
// counted; the queue keeps working without durability.
func (q *PriorityQueue) persistLocked() {
	if q.path == "" {
		return
	}

	snap := snapshot{
		Tasks:   q.tasks,
		Order:   make([]string, 0, len(q.tasks)),
		SavedAt: time.Now().UTC(),
	}
	q.index.Ascend(func(item queueItem) bool {
		snap.Order = append(snap.Order, item.id)
		return true
	})

	data, err := json.MarshalIndent(snap, "", "  ")
	if err == nil {
		err = utils.WriteFileAtomic(q.path, data, 0o600)
	}
	if err != nil {
		QueuePersistErrors.Inc()
		logger.Error().Err(err).Str("path", q.path).Msg("taskqueue: failed to persist queue")
	}
}

// ReadSnapshot returns the tasks persisted at path without opening a queue.
// A missing file yields no tasks.
func ReadSnapshot(path string) ([]*Task, error) {
	return loadSnapshot(path)
}

// loadSnapshot reads the persisted tasks in the order they should be
// pushed back onto the queue.
func loadSnapshot(path string) ([]*Task, error) {
	data, err := os.ReadFile(path)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read snapshot: %w", err)
	}

	var snap snapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		return nil, fmt.Errorf("parse snapshot: %w", err)
	}

	out := make([]*Task, 0, len(snap.Tasks))
	seen := make(map[string]struct{}, len(snap.Tasks))
	for _, id := range snap.Order {
		task, ok := snap.Tasks[id]
		if !ok || task == nil {
			continue
		}
		if _, dup := seen[id]; dup {
			continue
		}
		seen[id] = struct{}{}
		out = append(out, task)
	}

	// In-progress and retrying tasks were not in the index when saved.
	var rest []*Task
	for id, task := range snap.Tasks {
		if task == nil {
			continue
		}
		if _, ok := seen[id]; ok {
			continue
		}
		if task.ID == "" {
			task.ID = id
		}
		rest = append(rest, task)
	}
	slices.SortFunc(rest, func(a, b *Task) int {
		if c := a.CreatedAt.Compare(b.CreatedAt); c != 0 {
			return c
		}
		if a.ID < b.ID {
			return -1
		}
		if a.ID > b.ID {
			return 1
		}
		return 0
	})
	out = append(out, rest...)

	for _, task := range out {
		task.Normalize(DefaultTimeout)
	}
	return out, nil
}

func removeSnapshot(path string) error {
	err := os.Remove(path)
	if errors.Is(err, fs.ErrNotExist) {
		return nil
	}
	return err
}
