package queue

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/aluiziolira/go-source-aggregator/models"
)

func TestPutListReadDone(t *testing.T) {
	q, err := Open(t.TempDir(), "run-1")
	if err != nil {
		t.Fatalf("open: %v", err)
	}

	body := []byte(`[{"id":1,"title":"x"}]`)
	name, err := q.Put(models.QueueEntry{Source: "shop_a/b", ConfigIndex: 2, URL: "http://a/1", Body: body})
	if err != nil {
		t.Fatalf("put: %v", err)
	}
	if !strings.HasPrefix(name, "00000001_shop-a-b_") || !strings.HasSuffix(name, ".json") {
		t.Fatalf("unexpected name %q", name)
	}

	names, err := q.List()
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(names) != 1 || names[0] != name {
		t.Fatalf("list = %v, want [%s]", names, name)
	}

	claim, err := q.Claim(name)
	if err != nil {
		t.Fatalf("claim: %v", err)
	}
	if names, _ := q.List(); len(names) != 0 {
		t.Fatalf("claimed entry still listed: %v", names)
	}

	entry, err := q.Read(claim)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if entry.Source != "shop_a/b" || entry.ConfigIndex != 2 || entry.URL != "http://a/1" {
		t.Fatalf("entry metadata mismatch: %+v", entry)
	}
	if string(entry.Body) != string(body) {
		t.Fatalf("body = %q, want %q", entry.Body, body)
	}
	if entry.ID == "" || entry.FetchedAt.IsZero() {
		t.Fatalf("id and fetched_at should be filled: %+v", entry)
	}

	if err := q.Done(claim); err != nil {
		t.Fatalf("done: %v", err)
	}
	files, _ := os.ReadDir(q.Dir())
	if len(files) != 0 {
		t.Fatalf("directory not empty after done: %d files", len(files))
	}
}

func TestListIgnoresTempFiles(t *testing.T) {
	q, err := Open(t.TempDir(), "run")
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	if err := os.WriteFile(filepath.Join(q.Dir(), tempPrefix+"123"), []byte("{"), 0o644); err != nil {
		t.Fatalf("write temp: %v", err)
	}
	names, err := q.List()
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(names) != 0 {
		t.Fatalf("temp file listed: %v", names)
	}
}

func TestClaimIsExclusive(t *testing.T) {
	q, err := Open(t.TempDir(), "run")
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	name, err := q.Put(models.QueueEntry{Source: "a", Body: []byte("[]")})
	if err != nil {
		t.Fatalf("put: %v", err)
	}

	const workers = 8
	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		won     int
		gone    int
		unknown []error
	)
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := q.Claim(name)
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				won++
			case errors.Is(err, ErrGone):
				gone++
			default:
				unknown = append(unknown, err)
			}
		}()
	}
	wg.Wait()

	if won != 1 || gone != workers-1 || len(unknown) != 0 {
		t.Fatalf("won=%d gone=%d unknown=%v", won, gone, unknown)
	}
}

func TestReadCorruptEntry(t *testing.T) {
	q, err := Open(t.TempDir(), "run")
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	name := "00000001_a_x.json"
	if err := os.WriteFile(filepath.Join(q.Dir(), name), []byte("not json"), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	claim, err := q.Claim(name)
	if err != nil {
		t.Fatalf("claim: %v", err)
	}
	_, err = q.Read(claim)
	var ioErr *IOError
	if !errors.As(err, &ioErr) {
		t.Fatalf("read error = %v, want *IOError", err)
	}
	if got := models.KindOf(err); got != models.KindIO {
		t.Fatalf("kind = %q, want %q", got, models.KindIO)
	}
}

func TestRemoveDeletesRunDir(t *testing.T) {
	root := t.TempDir()
	q, err := Open(root, "run")
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	if _, err := q.Put(models.QueueEntry{Source: "a", Body: []byte("[]")}); err != nil {
		t.Fatalf("put: %v", err)
	}
	if err := q.Remove(); err != nil {
		t.Fatalf("remove: %v", err)
	}
	if _, err := os.Stat(q.Dir()); !os.IsNotExist(err) {
		t.Fatalf("run dir still exists: %v", err)
	}
}
