package persist

import (
	"context"
	"errors"
	"image"
	"io"
	"sync"
	"testing"

	"github.com/pbaille/popdismiss/internal/domain"
	"github.com/sirupsen/logrus"
	"github.com/sirupsen/logrus/hooks/test"
)

type memFiles struct {
	mu    sync.Mutex
	files map[string]bool
	block chan struct{}
}

func newMemFiles() *memFiles { return &memFiles{files: make(map[string]bool)} }

func (m *memFiles) Save(id string, _ image.Image) (string, bool, error) {
	if m.block != nil {
		<-m.block
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.files[id] {
		return id + ".png", false, nil
	}
	m.files[id] = true
	return id + ".png", true, nil
}

func (m *memFiles) Remove(id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.files, id)
	return nil
}

func (m *memFiles) has(id string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.files[id]
}

type memStore struct {
	mu   sync.Mutex
	rows map[string]domain.Point
	fail error
}

func newMemStore() *memStore { return &memStore{rows: make(map[string]domain.Point)} }

func (m *memStore) SaveTemplate(_ context.Context, id string, p domain.Point) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.fail != nil {
		return m.fail
	}
	if _, ok := m.rows[id]; !ok {
		m.rows[id] = p
	}
	return nil
}

func (m *memStore) LookupTemplateCenter(_ context.Context, id string) (domain.Point, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.rows[id]
	return p, ok, nil
}

func quietLogger() *logrus.Logger {
	l := logrus.New()
	l.SetOutput(io.Discard)
	return l
}

func mask() image.Image { return image.NewGray(image.Rect(0, 0, 4, 4)) }

func TestCloseDrainsQueue(t *testing.T) {
	files, store := newMemFiles(), newMemStore()
	q := New(files, store, quietLogger(), 2, 16)

	for _, id := range []string{"a", "b", "c", "d"} {
		if err := q.Submit(Job{TemplateID: id, Mask: mask(), Point: domain.Point{X: 1, Y: 2}}); err != nil {
			t.Fatalf("submit %s: %v", id, err)
		}
	}
	q.Close()

	for _, id := range []string{"a", "b", "c", "d"} {
		if !files.has(id) {
			t.Fatalf("template %s image not written", id)
		}
		if _, ok, _ := store.LookupTemplateCenter(context.Background(), id); !ok {
			t.Fatalf("template %s row not written", id)
		}
	}

	if err := q.Submit(Job{TemplateID: "late"}); !errors.Is(err, ErrClosed) {
		t.Fatalf("expected ErrClosed, got %v", err)
	}
	q.Close()
}

func TestSubmitDoesNotBlockWhenFull(t *testing.T) {
	files := newMemFiles()
	files.block = make(chan struct{})
	q := New(files, newMemStore(), quietLogger(), 1, 1)

	// the single worker takes one job and blocks on it; one more fits in the
	// buffer; everything after that is rejected
	var full int
	for i := 0; i < 5; i++ {
		if err := q.Submit(Job{TemplateID: "x", Mask: mask()}); errors.Is(err, ErrQueueFull) {
			full++
		}
	}
	if full < 3 {
		t.Fatalf("expected at least 3 rejected submissions, got %d", full)
	}

	close(files.block)
	q.Close()
}

func TestRowFailureRemovesImage(t *testing.T) {
	files, store := newMemFiles(), newMemStore()
	store.fail = errors.New("database is locked")
	logger, hook := test.NewNullLogger()

	q := New(files, store, logger, 1, 4)
	if err := q.Submit(Job{TemplateID: "tpl", Mask: mask(), TraceID: "trace-1"}); err != nil {
		t.Fatal(err)
	}
	q.Close()

	if files.has("tpl") {
		t.Fatal("orphan template image left on disk")
	}

	var found bool
	for _, e := range hook.AllEntries() {
		if e.Level == logrus.ErrorLevel && e.Data["template"] == "tpl" && e.Data["trace_id"] == "trace-1" {
			found = true
		}
	}
	if !found {
		t.Fatal("persistence failure was not logged")
	}
}

func TestRowFailureKeepsExistingImage(t *testing.T) {
	files, store := newMemFiles(), newMemStore()
	files.files["tpl"] = true
	store.fail = errors.New("database is locked")
	q := New(files, store, quietLogger(), 1, 1)
	defer q.Close()

	err := q.Persist(context.Background(), Job{TemplateID: "tpl", Mask: mask(), Point: domain.Point{X: 3, Y: 4}})
	if err == nil {
		t.Fatal("expected the row failure to be reported")
	}
	if !files.has("tpl") {
		t.Fatal("image written by an earlier run was removed")
	}
}

func TestKnownTemplateIsKept(t *testing.T) {
	files, store := newMemFiles(), newMemStore()
	store.rows["tpl"] = domain.Point{X: 5, Y: 5}
	q := New(files, store, quietLogger(), 1, 1)
	defer q.Close()

	if err := q.Persist(context.Background(), Job{TemplateID: "tpl", Mask: mask(), Point: domain.Point{X: 9, Y: 9}}); err != nil {
		t.Fatal(err)
	}
	if files.has("tpl") {
		t.Fatal("known template rewritten")
	}
	if p := store.rows["tpl"]; p.X != 5 {
		t.Fatalf("coordinate overwritten: %+v", p)
	}
}
