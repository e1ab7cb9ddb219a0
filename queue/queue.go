// Package queue is the on-disk handoff between the fetch and processing
// phases. Each entry is one JSON file; a file only becomes visible under its
// final name once it has been fully written.
package queue

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync/atomic"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/google/uuid"

	"github.com/aluiziolira/go-source-aggregator/models"
)

const (
	readySuffix   = ".json"
	claimedSuffix = ".claimed"
	tempPrefix    = ".tmp-"
)

// ErrGone is returned by Claim when another worker already took the file or
// it no longer exists.
var ErrGone = errors.New("queue entry gone")

// IOError wraps a filesystem or decode failure on a queue file.
type IOError struct {
	Op   string
	Path string
	Err  error
}

func (e *IOError) Error() string {
	return fmt.Sprintf("queue %s %s: %v", e.Op, filepath.Base(e.Path), e.Err)
}

func (e *IOError) Unwrap() error {
	return e.Err
}

// Kind implements models.Kinded.
func (e *IOError) Kind() string {
	return models.KindIO
}

// Queue is a per-run directory of entries.
type Queue struct {
	dir string
	seq atomic.Int64
	now func() time.Time
}

// Claim is an entry a worker owns exclusively.
type Claim struct {
	Name string
	Path string
}

// Open creates (or reuses) the run directory <root>/<runID>.
func Open(root, runID string) (*Queue, error) {
	dir := filepath.Join(root, runID)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, &IOError{Op: "mkdir", Path: dir, Err: err}
	}
	return &Queue{dir: dir, now: time.Now}, nil
}

// Dir returns the run directory.
func (q *Queue) Dir() string {
	return q.dir
}

// Put stores entry and returns its file name. ID and FetchedAt are filled in
// when empty.
func (q *Queue) Put(entry models.QueueEntry) (string, error) {
	if entry.ID == "" {
		entry.ID = uuid.NewString()
	}
	if entry.FetchedAt.IsZero() {
		entry.FetchedAt = q.now().UTC()
	}

	seq := q.seq.Add(1)
	name := fmt.Sprintf("%08d_%s_%s%s", seq, sanitize(entry.Source), entry.ID, readySuffix)

	data, err := json.Marshal(entry)
	if err != nil {
		return "", &IOError{Op: "encode", Path: name, Err: err}
	}

	tmp, err := os.CreateTemp(q.dir, tempPrefix+"*")
	if err != nil {
		return "", &IOError{Op: "create", Path: q.dir, Err: err}
	}
	tmpPath := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return "", &IOError{Op: "write", Path: tmpPath, Err: err}
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpPath)
		return "", &IOError{Op: "close", Path: tmpPath, Err: err}
	}
	final := filepath.Join(q.dir, name)
	if err := os.Rename(tmpPath, final); err != nil {
		os.Remove(tmpPath)
		return "", &IOError{Op: "rename", Path: final, Err: err}
	}
	return name, nil
}

// List returns the ready entries at this instant, in write order.
func (q *Queue) List() ([]string, error) {
	dirEntries, err := os.ReadDir(q.dir)
	if err != nil {
		return nil, &IOError{Op: "list", Path: q.dir, Err: err}
	}
	names := make([]string, 0, len(dirEntries))
	for _, de := range dirEntries {
		name := de.Name()
		if de.IsDir() || strings.HasPrefix(name, tempPrefix) || !strings.HasSuffix(name, readySuffix) {
			continue
		}
		names = append(names, name)
	}
	sort.Strings(names)
	return names, nil
}

// Claim takes exclusive ownership of name. If the file is already claimed or
// deleted the returned error matches ErrGone.
func (q *Queue) Claim(name string) (Claim, error) {
	from := filepath.Join(q.dir, name)
	to := from + claimedSuffix
	if err := os.Rename(from, to); err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return Claim{}, errors.Wrapf(ErrGone, "claim %s", name)
		}
		return Claim{}, &IOError{Op: "claim", Path: from, Err: err}
	}
	return Claim{Name: name, Path: to}, nil
}

// Read decodes a claimed entry.
func (q *Queue) Read(c Claim) (models.QueueEntry, error) {
	var entry models.QueueEntry
	data, err := os.ReadFile(c.Path)
	if err != nil {
		return entry, &IOError{Op: "read", Path: c.Path, Err: err}
	}
	if err := json.Unmarshal(data, &entry); err != nil {
		return entry, &IOError{Op: "decode", Path: c.Path, Err: err}
	}
	return entry, nil
}

// Done deletes a claimed entry. A missing file is not an error.
func (q *Queue) Done(c Claim) error {
	if err := os.Remove(c.Path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return &IOError{Op: "remove", Path: c.Path, Err: err}
	}
	return nil
}

// Remove deletes the run directory and everything left in it.
func (q *Queue) Remove() error {
	if err := os.RemoveAll(q.dir); err != nil {
		return &IOError{Op: "remove", Path: q.dir, Err: err}
	}
	return nil
}

func sanitize(source string) string {
	var b strings.Builder
	for _, r := range source {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-':
			b.WriteRune(r)
		default:
			b.WriteByte('-')
		}
	}
	if b.Len() == 0 {
		return "source"
	}
	return b.String()
}
