package launch

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"syscall"
	"time"
)

// Store keeps one directory per launch under root:
//
//	<root>/<id>/launch.json
//	<root>/<id>/stdout.log
//	<root>/<id>/stderr.log
//
// Both the launching process (when it outlives the child) and the child
// itself may report the exit status; the first report wins.
type Store struct {
	root string
	now  func() time.Time

	mu sync.Mutex
}

func NewStore(root string) *Store {
	return &Store{root: strings.TrimSpace(root), now: time.Now}
}

func (s *Store) RootDir() string {
	return s.root
}

func (s *Store) Dir(id string) string {
	return filepath.Join(s.root, id)
}

func (s *Store) recordPath(id string) string {
	return filepath.Join(s.Dir(id), "launch.json")
}

// Write atomically replaces the record for rec.ID.
func (s *Store) Write(rec *Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.write(rec)
}

func (s *Store) write(rec *Record) error {
	if s.root == "" {
		return errors.New("launch log dir is empty")
	}
	if rec == nil || strings.TrimSpace(rec.ID) == "" {
		return errors.New("launch id is required")
	}
	dir := s.Dir(rec.ID)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create launch dir: %w", err)
	}

	b, err := json.MarshalIndent(rec, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal launch record: %w", err)
	}
	return writeFileAtomic(dir, s.recordPath(rec.ID), append(b, '\n'))
}

func writeFileAtomic(dir, path string, data []byte) error {
	tmp, err := os.CreateTemp(dir, ".launch-*.json")
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}
	defer func() { _ = os.Remove(tmp.Name()) }()

	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("write launch record: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close launch record: %w", err)
	}
	return os.Rename(tmp.Name(), path)
}

func (s *Store) read(id string) (*Record, error) {
	id = strings.TrimSpace(id)
	if id == "" {
		return nil, errors.New("launch id is required")
	}
	b, err := os.ReadFile(s.recordPath(id))
	if err != nil {
		return nil, err
	}
	var rec Record
	if err := json.Unmarshal(b, &rec); err != nil {
		return nil, fmt.Errorf("parse launch record %s: %w", id, err)
	}
	return &rec, nil
}

// Get loads the record for id.
//
// A running record whose process no longer exists is reported as lost. The
// file is left untouched so a late exit report can still land.
func (s *Store) Get(id string) (*Record, error) {
	rec, err := s.read(id)
	if err != nil {
		return nil, err
	}
	if rec.State == StateRunning && processGone(rec.PID) {
		rec.State = StateLost
	}
	return rec, nil
}

// Finish records the exit status of launch id. Only the first report for a
// running launch is kept; later ones are ignored.
func (s *Store) Finish(id string, exitCode int) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, err := s.read(id)
	if err != nil {
		return err
	}
	if rec.State != StateRunning {
		return nil
	}
	at := s.now().UTC()
	code := exitCode
	rec.State = StateForExit(code)
	rec.ExitCode = &code
	rec.ExitedAt = &at
	return s.write(rec)
}

// List returns every launch: running ones first, then newest first.
// Unreadable records are skipped.
func (s *Store) List() ([]Record, error) {
	entries, err := os.ReadDir(s.root)
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read launch dir: %w", err)
	}

	out := make([]Record, 0, len(entries))
	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		if rec, err := s.Get(entry.Name()); err == nil {
			out = append(out, *rec)
		}
	}
	sortLaunches(out)
	return out, nil
}

func sortLaunches(recs []Record) {
	sort.SliceStable(recs, func(i, j int) bool {
		ri, rj := recs[i].State == StateRunning, recs[j].State == StateRunning
		if ri != rj {
			return ri
		}
		if !recs[i].CreatedAt.Equal(recs[j].CreatedAt) {
			return recs[i].CreatedAt.After(recs[j].CreatedAt)
		}
		return recs[i].ID < recs[j].ID
	})
}

// processGone reports whether pid names no process. EPERM means the process
// exists but belongs to someone else.
func processGone(pid int) bool {
	if pid <= 0 {
		return true
	}
	return errors.Is(syscall.Kill(pid, 0), syscall.ESRCH)
}
