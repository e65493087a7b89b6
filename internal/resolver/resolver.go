// Package resolver decides, for one screenshot, whether a popup is showing and
// where to tap to dismiss it. It tries the template cache first and asks the
// vision service only on a miss; every vision answer that can be grounded is
// learned as a new template in the background.
package resolver

import (
	"context"
	"errors"
	"image"
	"time"

	"github.com/google/uuid"
	"github.com/pbaille/popdismiss/internal/domain"
	"github.com/pbaille/popdismiss/internal/extractor"
	"github.com/pbaille/popdismiss/internal/persist"
	"github.com/pbaille/popdismiss/internal/store"
	"github.com/pbaille/popdismiss/internal/templates"
	"github.com/pbaille/popdismiss/internal/vision"
	"github.com/sirupsen/logrus"
)

// Outcome is the terminal state of a resolution
type Outcome string

const (
	OutcomeResolved Outcome = "resolved"
	OutcomeNoPopup  Outcome = "no_popup"
	OutcomeSkipped  Outcome = "skipped"
)

// Source tells where a resolved point came from
type Source string

const (
	SourceNone   Source = "none"
	SourceCache  Source = "cache"
	SourceVision Source = "vision"
)

// Request is one screenshot to resolve. Hierarchy is the raw UI dump; it may
// be empty when Resolution is set, in which case the vision service answers
// with coordinates directly.
type Request struct {
	Context    domain.ScreenshotContext
	Image      image.Image
	Hierarchy  []byte
	Resolution string
}

// Result of a resolution. Point is set only for OutcomeResolved.
type Result struct {
	Outcome      Outcome
	Point        *domain.Point
	TemplateID   string
	Source       Source
	ScreenshotID string
	TraceID      string
}

// Extractor renders the overlay and mask of a screenshot
type Extractor interface {
	Extract(ctx context.Context, img image.Image, screenshotID string, bounds []domain.Bounds) (*extractor.Extraction, error)
}

// Matcher is the template cache lookup
type Matcher interface {
	Match(ctx context.Context, mask image.Image) (templates.Match, bool, error)
	Fingerprint(mask image.Image) *image.Gray
}

// Vision is the remote fallback
type Vision interface {
	Analyze(ctx context.Context, overlay image.Image, resolution string) (vision.Answer, error)
}

// Registry answers coordinate lookups
type Registry interface {
	LookupCenter(ctx context.Context, ordinal int, screenshotID string) (domain.Point, error)
	LookupTemplateCenter(ctx context.Context, templateID string) (domain.Point, bool, error)
}

// Queue accepts template persistence jobs without blocking
type Queue interface {
	Submit(j persist.Job) error
}

// Resolver runs the resolution pipeline
type Resolver struct {
	extractor   Extractor
	matcher     Matcher
	vision      Vision
	registry    Registry
	queue       Queue
	logger      *logrus.Logger
	artifactDir string
	now         func() time.Time
}

// Option customises a Resolver
type Option func(*Resolver)

// WithArtifactDir keeps each screenshot's overlay and mask in dir
func WithArtifactDir(dir string) Option { return func(r *Resolver) { r.artifactDir = dir } }

// New creates a Resolver
func New(ex Extractor, m Matcher, v Vision, reg Registry, q Queue, logger *logrus.Logger, opts ...Option) *Resolver {
	r := &Resolver{
		extractor: ex,
		matcher:   m,
		vision:    v,
		registry:  reg,
		queue:     q,
		logger:    logger,
		now:       time.Now,
	}
	for _, o := range opts {
		o(r)
	}
	return r
}

// Resolve runs one request through cache lookup, vision fallback and
// grounding. Skipped and no-popup screens are outcomes, not errors; failures
// are returned as *Error.
func (r *Resolver) Resolve(ctx context.Context, req Request) (Result, error) {
	if req.Image == nil {
		return Result{}, fail(KindInput, "resolve", errors.New("missing screenshot"))
	}
	if len(req.Hierarchy) == 0 && req.Resolution == "" {
		return Result{}, fail(KindInput, "resolve", errors.New("either a UI hierarchy or a screen resolution is required"))
	}
	if req.Context.CapturedAt.IsZero() {
		req.Context.CapturedAt = r.now()
	}

	res := Result{
		ScreenshotID: req.Context.ID(),
		TraceID:      uuid.NewString(),
		Source:       SourceNone,
	}
	log := r.logger.WithFields(logrus.Fields{
		"trace_id":      res.TraceID,
		"screenshot_id": res.ScreenshotID,
	})

	var bounds []domain.Bounds
	if len(req.Hierarchy) > 0 {
		var err error
		if bounds, err = extractor.ParseHierarchy(req.Hierarchy); err != nil {
			return Result{}, fail(KindInput, "parse hierarchy", err)
		}
	}

	ex, err := r.extractor.Extract(ctx, req.Image, res.ScreenshotID, bounds)
	if err != nil {
		return Result{}, fail(KindStorage, "extract", err)
	}
	if ex.Skipped {
		res.Outcome = OutcomeSkipped
		log.Info("screen skipped")
		return res, nil
	}

	if r.artifactDir != "" {
		if err := saveArtifacts(r.artifactDir, res.ScreenshotID, ex.Overlay, ex.Mask); err != nil {
			log.WithError(err).Warn("cannot save screenshot artifacts")
		}
	}

	// rowless is a template file that matched but has no stored coordinate;
	// the vision answer is learned under its id so the row gets written.
	var rowless string
	hasElements := len(ex.Elements) > 0
	if hasElements {
		hit, ok, err := r.lookupCache(ctx, log, ex.Mask)
		if err != nil {
			return Result{}, err
		}
		if ok {
			return hit.with(res), nil
		}
		rowless = hit.templateID
	}

	visionInput := image.Image(ex.Overlay)
	if !hasElements {
		visionInput = req.Image
	}
	answer, err := r.vision.Analyze(ctx, visionInput, req.Resolution)
	if err != nil {
		return Result{}, fail(KindRemote, "analyze screenshot", err)
	}

	point, err := r.ground(ctx, log, answer, req.Resolution, res.ScreenshotID)
	if err != nil {
		return Result{}, err
	}
	if point == nil {
		res.Outcome = OutcomeNoPopup
		log.Info("no popup to dismiss")
		return res, nil
	}

	res.Outcome = OutcomeResolved
	res.Point = point
	res.Source = SourceVision

	if hasElements {
		res.TemplateID = rowless
		if res.TemplateID == "" {
			res.TemplateID = templates.TemplateID(r.matcher.Fingerprint(ex.Mask))
		}
		r.learn(log, res, ex.Mask)
	}

	log.WithFields(logrus.Fields{
		"x":      point.X,
		"y":      point.Y,
		"source": res.Source,
	}).Info("popup resolved")
	return res, nil
}

type cacheHit struct {
	templateID string
	point      domain.Point
}

func (h cacheHit) with(res Result) Result {
	p := h.point
	res.Outcome = OutcomeResolved
	res.Point = &p
	res.TemplateID = h.templateID
	res.Source = SourceCache
	return res
}

// lookupCache reports a hit only when the matched template has a stored
// coordinate. A match without one comes back with ok == false and the
// template id set.
func (r *Resolver) lookupCache(ctx context.Context, log *logrus.Entry, mask image.Image) (cacheHit, bool, error) {
	m, ok, err := r.matcher.Match(ctx, mask)
	if err != nil {
		return cacheHit{}, false, fail(KindCache, "match template", err)
	}
	if !ok {
		return cacheHit{}, false, nil
	}

	p, found, err := r.registry.LookupTemplateCenter(ctx, m.TemplateID)
	if err != nil {
		return cacheHit{}, false, fail(KindStorage, "lookup template", err)
	}
	if !found {
		log.WithField("template", m.TemplateID).Warn("template has no stored coordinate, asking vision")
		return cacheHit{templateID: m.TemplateID}, false, nil
	}

	log.WithFields(logrus.Fields{
		"template": m.TemplateID,
		"score":    m.Score,
	}).Debug("resolved from template cache")
	return cacheHit{templateID: m.TemplateID, point: p}, true, nil
}

// ground turns a vision answer into a screen coordinate. A nil point means
// there is nothing to dismiss.
func (r *Resolver) ground(ctx context.Context, log *logrus.Entry, a vision.Answer, resolution, screenshotID string) (*domain.Point, error) {
	if !a.PopupExists {
		return nil, nil
	}

	if resolution != "" {
		if a.Coordinates == nil {
			log.Info("popup reported without a dismiss coordinate")
			return nil, nil
		}
		p := *a.Coordinates
		return &p, nil
	}

	if a.CancelButton == nil {
		log.Info("popup reported without a dismiss control")
		return nil, nil
	}
	p, err := r.registry.LookupCenter(ctx, *a.CancelButton, screenshotID)
	if errors.Is(err, store.ErrNotFound) {
		log.WithField("ordinal", *a.CancelButton).Warn("vision named an unknown element")
		return nil, nil
	}
	if err != nil {
		return nil, fail(KindGrounding, "lookup element", err)
	}
	return &p, nil
}

func (r *Resolver) learn(log *logrus.Entry, res Result, mask image.Image) {
	err := r.queue.Submit(persist.Job{
		TemplateID: res.TemplateID,
		Mask:       mask,
		Point:      *res.Point,
		TraceID:    res.TraceID,
	})
	if err != nil {
		log.WithError(fail(KindPersistence, "queue template", err)).Warn("template not learned")
	}
}
