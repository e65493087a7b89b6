// Package persist writes newly learned popup templates in the background so
// that a resolution never waits on disk or database writes.
package persist

import (
	"context"
	"errors"
	"fmt"
	"image"
	"sync"
	"time"

	"github.com/pbaille/popdismiss/internal/domain"
	"github.com/sirupsen/logrus"
)

var (
	// ErrQueueFull is returned by Submit when every slot is taken
	ErrQueueFull = errors.New("persist queue full")
	// ErrClosed is returned by Submit after Close
	ErrClosed = errors.New("persist queue closed")
)

// Defaults used when the configuration leaves a value at zero
const (
	DefaultWorkers   = 2
	DefaultQueueSize = 64
	jobTimeout       = 30 * time.Second
)

// TemplateStore is the template table of the element registry
type TemplateStore interface {
	SaveTemplate(ctx context.Context, templateID string, p domain.Point) error
	LookupTemplateCenter(ctx context.Context, templateID string) (domain.Point, bool, error)
}

// TemplateFiles stores template images
type TemplateFiles interface {
	Save(templateID string, mask image.Image) (path string, created bool, err error)
	Remove(templateID string) error
}

// Job is one template to learn
type Job struct {
	TemplateID string
	Mask       image.Image
	Point      domain.Point
	TraceID    string
}

// Queue is a bounded job queue drained by a fixed set of workers
type Queue struct {
	files  TemplateFiles
	store  TemplateStore
	logger *logrus.Logger

	ch     chan Job
	wg     sync.WaitGroup
	mu     sync.RWMutex
	closed bool
}

// New starts workers goroutines reading from a queue of the given size
func New(files TemplateFiles, store TemplateStore, logger *logrus.Logger, workers, size int) *Queue {
	if workers <= 0 {
		workers = DefaultWorkers
	}
	if size <= 0 {
		size = DefaultQueueSize
	}

	q := &Queue{
		files:  files,
		store:  store,
		logger: logger,
		ch:     make(chan Job, size),
	}
	for i := 0; i < workers; i++ {
		q.wg.Add(1)
		go q.work(i)
	}
	return q
}

// Submit enqueues j without blocking
func (q *Queue) Submit(j Job) error {
	q.mu.RLock()
	defer q.mu.RUnlock()
	if q.closed {
		return ErrClosed
	}

	select {
	case q.ch <- j:
		return nil
	default:
		return ErrQueueFull
	}
}

// Close stops intake and waits until every queued job has been handled
func (q *Queue) Close() {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return
	}
	q.closed = true
	close(q.ch)
	q.mu.Unlock()

	q.wg.Wait()
}

func (q *Queue) work(id int) {
	defer q.wg.Done()
	for j := range q.ch {
		ctx, cancel := context.WithTimeout(context.Background(), jobTimeout)
		err := q.Persist(ctx, j)
		cancel()

		entry := q.logger.WithFields(logrus.Fields{
			"worker":   id,
			"template": j.TemplateID,
			"trace_id": j.TraceID,
		})
		if err != nil {
			entry.WithError(err).Error("template persistence failed")
			continue
		}
		entry.WithField("skip_center", j.Point).Info("template learned")
	}
}

// Persist writes the template image, then its registry row. A row that
// cannot be written takes the image with it, unless the image was already
// on disk before this job. Known templates are left alone.
func (q *Queue) Persist(ctx context.Context, j Job) error {
	if _, ok, err := q.store.LookupTemplateCenter(ctx, j.TemplateID); err != nil {
		return fmt.Errorf("lookup template: %w", err)
	} else if ok {
		return nil
	}

	_, created, err := q.files.Save(j.TemplateID, j.Mask)
	if err != nil {
		return fmt.Errorf("save template image: %w", err)
	}

	if err := q.store.SaveTemplate(ctx, j.TemplateID, j.Point); err != nil {
		if !created {
			return fmt.Errorf("save template row: %w", err)
		}
		if rmErr := q.files.Remove(j.TemplateID); rmErr != nil {
			q.logger.WithError(rmErr).WithField("template", j.TemplateID).Warn("cannot remove orphan template image")
		}
		return fmt.Errorf("save template row: %w", err)
	}
	return nil
}
