// Package queue is the crash-safe store of pending webhook deliveries. Each
// task lives in its own JSON file written with a temp-file-plus-rename, so a
// reader can never observe a partially written task. On startup the relay
// replays every stored id into the dispatcher.
package queue

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/goccy/go-json"
	"github.com/roadrunner-server/errors"

	"github.com/theviktor/inbound-email/internal/email"
)

// Task is one durable unit of webhook work covering one parsed email.
type Task struct {
	ID        string             `json:"id"`
	CreatedAt time.Time          `json:"createdAt"`
	Parsed    *email.ParsedEmail `json:"parsed"`

	// FailedWebhooks restricts redelivery to the targets that failed on a
	// previous attempt. Nil means all routed targets.
	FailedWebhooks []string `json:"failedWebhooks,omitempty"`

	Attempts  int        `json:"attempts"`
	LastError string     `json:"lastError,omitempty"`
	UpdatedAt *time.Time `json:"updatedAt,omitempty"`
}

// Patch is a partial task update applied by Update.
type Patch struct {
	FailedWebhooks []string
	AttemptsDelta  int
	LastError      string
}

// Store is a file-per-task durable queue rooted at one directory.
type Store struct {
	dir string
}

// NewStore creates the queue directory (0700) if needed.
func NewStore(dir string) (*Store, error) {
	const op = errors.Op("queue_new_store")

	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, errors.E(op, err)
	}
	return &Store{dir: dir}, nil
}

// Create persists a new task for parsed and returns its id. Ids are
// `<millis>-<hex12>` so lexicographic order approximates creation order.
func (s *Store) Create(parsed *email.ParsedEmail) (string, error) {
	const op = errors.Op("queue_create")

	id := newTaskID()
	task := &Task{
		ID:        id,
		CreatedAt: time.Now().UTC(),
		Parsed:    parsed,
	}
	if err := s.write(task); err != nil {
		return "", errors.E(op, err)
	}
	return id, nil
}

// Get loads a task by id. Returns os.ErrNotExist (wrapped) when the task has
// already been removed.
func (s *Store) Get(id string) (*Task, error) {
	const op = errors.Op("queue_get")

	data, err := os.ReadFile(s.taskPath(id))
	if err != nil {
		return nil, errors.E(op, err)
	}
	task := &Task{}
	if err := json.Unmarshal(data, task); err != nil {
		return nil, errors.E(op, err)
	}
	return task, nil
}

// Update applies patch to the stored task and stamps UpdatedAt.
func (s *Store) Update(id string, patch Patch) error {
	const op = errors.Op("queue_update")

	task, err := s.Get(id)
	if err != nil {
		return errors.E(op, err)
	}

	if patch.FailedWebhooks != nil {
		task.FailedWebhooks = patch.FailedWebhooks
	}
	task.Attempts += patch.AttemptsDelta
	if patch.LastError != "" {
		task.LastError = patch.LastError
	}
	now := time.Now().UTC()
	task.UpdatedAt = &now

	if err := s.write(task); err != nil {
		return errors.E(op, err)
	}
	return nil
}

// Remove deletes the task file. Removing an absent task is not an error.
func (s *Store) Remove(id string) error {
	const op = errors.Op("queue_remove")

	err := os.Remove(s.taskPath(id))
	if err != nil && !os.IsNotExist(err) {
		return errors.E(op, err)
	}
	return nil
}

// ListIDs returns all stored task ids sorted lexicographically, which given
// the id format approximates FIFO on creation time.
func (s *Store) ListIDs() ([]string, error) {
	const op = errors.Op("queue_list_ids")

	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return nil, errors.E(op, err)
	}

	ids := make([]string, 0, len(entries))
	for _, entry := range entries {
		name := entry.Name()
		if entry.IsDir() || !strings.HasSuffix(name, ".json") {
			continue
		}
		ids = append(ids, strings.TrimSuffix(name, ".json"))
	}
	sort.Strings(ids)
	return ids, nil
}

func (s *Store) taskPath(id string) string {
	return filepath.Join(s.dir, id+".json")
}

// write marshals the task and renames a same-directory temp file over the
// final path so the task file is always complete.
func (s *Store) write(task *Task) error {
	data, err := json.Marshal(task)
	if err != nil {
		return err
	}

	tmp := s.taskPath(task.ID) + ".tmp"
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return err
	}
	if err := os.Rename(tmp, s.taskPath(task.ID)); err != nil {
		os.Remove(tmp)
		return err
	}
	return nil
}

func newTaskID() string {
	buf := make([]byte, 6)
	rand.Read(buf)
	return fmt.Sprintf("%d-%s", time.Now().UnixMilli(), hex.EncodeToString(buf))
}
