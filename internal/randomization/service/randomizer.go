package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"trialrand/internal/randomization/metrics"
	"trialrand/internal/randomization/models"
	dErrors "trialrand/pkg/domain-errors"
)

// Store is the scheme-bound list store the Randomizer allocates from.
type Store interface {
	NextUnclaimed(ctx context.Context, site string) (*models.ListRecord, error)
	Claim(ctx context.Context, recordID, subject, actor, site string, at time.Time) (*models.ListRecord, error)
	Verify(ctx context.Context, recordID, actor string, at time.Time) (*models.ListRecord, error)
	LookupBySubject(ctx context.Context, subject string) (*models.ListRecord, error)
	LookupBySID(ctx context.Context, site string, sequenceID int) (*models.ListRecord, error)
}

// Randomizer hands out the next row of a scheme's list to an enrolling
// subject. Safe for concurrent use; the store's claim is the only point of
// serialization.
type Randomizer struct {
	scheme     string
	store      Store
	describer  models.Describer
	maxRetries int
	logger     *slog.Logger
	metrics    *metrics.Metrics
	tracer     trace.Tracer
}

type Option func(*Randomizer)

func WithLogger(logger *slog.Logger) Option {
	return func(r *Randomizer) {
		r.logger = logger
	}
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(r *Randomizer) {
		r.metrics = m
	}
}

// WithMaxRetries bounds how many lost claim races Allocate absorbs before
// reporting contention.
func WithMaxRetries(n int) Option {
	return func(r *Randomizer) {
		r.maxRetries = n
	}
}

// WithDescriber replaces the assignment description strategy.
func WithDescriber(d models.Describer) Option {
	return func(r *Randomizer) {
		r.describer = d
	}
}

func WithTracer(tracer trace.Tracer) Option {
	return func(r *Randomizer) {
		r.tracer = tracer
	}
}

func New(scheme models.Scheme, store Store, opts ...Option) (*Randomizer, error) {
	if store == nil {
		return nil, errors.New("store is required")
	}
	scheme = scheme.WithDefaults()
	if err := scheme.Validate(); err != nil {
		return nil, err
	}
	r := &Randomizer{
		scheme:     scheme.Name,
		store:      store,
		describer:  models.SchemeDescriptions(scheme),
		maxRetries: scheme.MaxClaimRetries,
		logger:     slog.Default(),
		tracer:     otel.Tracer("trialrand/randomization"),
	}
	for _, opt := range opts {
		opt(r)
	}
	if r.maxRetries < 0 {
		return nil, errors.New("max retries must not be negative")
	}
	if err := models.CheckDescriber(r.describer, scheme.Assignments); err != nil {
		return nil, fmt.Errorf("scheme %s: %w", scheme.Name, err)
	}
	return r, nil
}

func (r *Randomizer) Scheme() string {
	return r.scheme
}

// Allocate claims the next unused row at site for subject.
//
// A subject that already holds a row is rejected, never answered with its
// existing allocation. Losing a claim race re-reads the next row, at most
// maxRetries times. A row is described before it is claimed, so a row the
// scheme cannot describe is never consumed.
func (r *Randomizer) Allocate(ctx context.Context, site, subject, actor string, at time.Time) (result *models.AllocationResult, err error) {
	start := time.Now()
	ctx, span := r.tracer.Start(ctx, "randomizer.allocate", trace.WithAttributes(
		attribute.String("scheme", r.scheme),
		attribute.String("site", site),
	))
	defer func() {
		outcome := "ok"
		if err != nil {
			outcome = string(dErrors.CodeOf(err))
			span.RecordError(err)
			span.SetStatus(codes.Error, outcome)
		}
		r.metrics.IncrementOutcome(r.scheme, outcome)
		r.metrics.ObserveAllocateLatency(r.scheme, time.Since(start))
		span.End()
	}()

	if subject == "" {
		return nil, dErrors.New(dErrors.CodeBadRequest, "subject identifier is required")
	}
	if _, err := r.store.LookupBySubject(ctx, subject); err == nil {
		return nil, dErrors.Newf(dErrors.CodeDuplicateSubject, "subject %s is already allocated", subject)
	} else if !dErrors.Is(err, dErrors.CodeNotFound) {
		return nil, err
	}

	for attempt := 0; attempt <= r.maxRetries; attempt++ {
		next, err := r.store.NextUnclaimed(ctx, site)
		if err != nil {
			if dErrors.Is(err, dErrors.CodeNotFound) {
				r.logger.ErrorContext(ctx, "randomization list exhausted",
					"scheme", r.scheme,
					"site", site,
				)
				return nil, dErrors.Wrap(err, dErrors.CodeListExhausted, "no unclaimed rows left at site "+site)
			}
			return nil, err
		}

		desc, err := r.description(*next)
		if err != nil {
			r.logger.ErrorContext(ctx, "unclaimed row has invalid assignment",
				"scheme", r.scheme,
				"record", next.Key().String(),
			)
			return nil, err
		}

		rec, err := r.store.Claim(ctx, next.ID, subject, actor, site, at)
		if err == nil {
			span.SetAttributes(attribute.Int("attempts", attempt+1))
			r.logger.InfoContext(ctx, "subject allocated",
				"scheme", r.scheme,
				"record", rec.Key().String(),
				"subject", rec.SubjectIdentifier,
			)
			return models.NewAllocationResult(r.scheme, *rec, desc), nil
		}
		if !dErrors.Is(err, dErrors.CodeAlreadyAllocated) {
			return nil, err
		}
		r.metrics.IncrementClaimConflict(r.scheme)
		r.logger.DebugContext(ctx, "claim lost to concurrent allocation",
			"scheme", r.scheme,
			"site", site,
			"attempt", attempt+1,
		)
	}
	return nil, dErrors.Newf(dErrors.CodeAllocationContention,
		"gave up at site %s after %d lost claims", site, r.maxRetries+1)
}

// Lookup returns the allocation held by subject.
func (r *Randomizer) Lookup(ctx context.Context, subject string) (*models.AllocationResult, error) {
	rec, err := r.store.LookupBySubject(ctx, subject)
	if err != nil {
		return nil, err
	}
	return r.describe(*rec)
}

// Verify confirms the allocation of the row at (site, sequenceID).
func (r *Randomizer) Verify(ctx context.Context, site string, sequenceID int, actor string, at time.Time) (*models.ListRecord, error) {
	rec, err := r.store.LookupBySID(ctx, site, sequenceID)
	if err != nil {
		return nil, err
	}
	return r.store.Verify(ctx, rec.ID, actor, at)
}

func (r *Randomizer) describe(rec models.ListRecord) (*models.AllocationResult, error) {
	desc, err := r.description(rec)
	if err != nil {
		return nil, err
	}
	return models.NewAllocationResult(r.scheme, rec, desc), nil
}

func (r *Randomizer) description(rec models.ListRecord) (string, error) {
	desc, err := r.describer.Describe(rec.Assignment)
	if err != nil {
		if dErrors.Is(err, dErrors.CodeInvalidAssignment) {
			return "", err
		}
		return "", dErrors.Wrap(err, dErrors.CodeInvalidAssignment, "cannot describe assignment of "+rec.Key().String())
	}
	return desc, nil
}
