package normalizer

import (
	"context"
	"fmt"

	"github.com/conduit-lang/normalizer/internal/metrics"
	"github.com/conduit-lang/normalizer/internal/orm/schema"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

// normalizeFunc normalizes one value bound to rc.slot
type normalizeFunc func(ctx context.Context, v any, rc RequestContext) (any, error)

type job struct {
	slot  BindPoint
	fn    normalizeFunc
	value any
	rc    RequestContext
}

// scheduler runs a breadth-first traversal level by level. Work bound while
// a level drains belongs to the next level, and the initializers registered
// for a level are processed once before any of its work runs.
type scheduler struct {
	tracer trace.Tracer
	logger *zap.Logger

	queue        []job
	initializers []schema.Initializer
	registered   map[schema.Initializer]struct{}
	levels       int
}

func newScheduler(tracer trace.Tracer, logger *zap.Logger) *scheduler {
	return &scheduler{
		tracer:     tracer,
		logger:     logger,
		registered: make(map[schema.Initializer]struct{}),
	}
}

// bind queues the normalization of v into slot
func (s *scheduler) bind(slot BindPoint, fn normalizeFunc, v any, rc RequestContext) {
	rc.sched = s
	s.queue = append(s.queue, job{slot: slot, fn: fn, value: v, rc: rc})
}

// register queues init for processing before the next level
func (s *scheduler) register(init schema.Initializer) {
	if _, ok := s.registered[init]; ok {
		return
	}
	s.registered[init] = struct{}{}
	s.initializers = append(s.initializers, init)
}

// resolve runs levels until no work and no initializer is pending
func (s *scheduler) resolve(ctx context.Context) error {
	for len(s.initializers) > 0 || len(s.queue) > 0 {
		if err := ctx.Err(); err != nil {
			return err
		}

		initializers, queue := s.initializers, s.queue
		s.initializers, s.queue = nil, nil
		s.registered = make(map[schema.Initializer]struct{})
		s.levels++

		if err := s.level(ctx, initializers, queue); err != nil {
			return err
		}
	}
	metrics.SchedulerLevels.Observe(float64(s.levels))
	return nil
}

func (s *scheduler) level(ctx context.Context, initializers []schema.Initializer, queue []job) error {
	ctx, span := s.tracer.Start(ctx, "normalizer.level", trace.WithAttributes(
		attribute.Int("normalizer.level", s.levels),
		attribute.Int("normalizer.jobs", len(queue)),
		attribute.Int("normalizer.initializers", len(initializers)),
	))
	defer span.End()

	s.logger.Debug("resolving level",
		zap.Int("level", s.levels),
		zap.Int("jobs", len(queue)),
		zap.Int("initializers", len(initializers)))

	for _, init := range initializers {
		if err := init.Process(ctx); err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
			return fmt.Errorf("failed to process initializer: %w", err)
		}
	}

	for _, j := range queue {
		rc := j.rc
		rc.slot = j.slot
		rc.bound = true

		out, err := j.fn(ctx, j.value, rc)
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
			return err
		}
		if out == deferred {
			continue
		}
		if out != nil {
			j.slot.Set(out)
		}
		if rc.Continuation != nil {
			rc.Continuation()
		}
	}
	return nil
}
