package pipeline

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/bryanwahyu/deeptm/internal/domain/threatmodel"
)

const tracerName = "github.com/bryanwahyu/deeptm/internal/application/pipeline"

// Scope identifies the item a stage call works on.
type Scope struct {
	Stage    string
	Index    int
	ThreatID threatmodel.ThreatID
}

func (s Scope) attributes() []attribute.KeyValue {
	attrs := []attribute.KeyValue{attribute.String("stage", s.Stage)}
	if s.ThreatID != "" {
		attrs = append(attrs, attribute.String("threat_id", string(s.ThreatID)))
	} else if s.Index >= 0 {
		attrs = append(attrs, attribute.Int("index", s.Index))
	}
	return attrs
}

// ItemError is a stage failure attributed to the smallest possible scope.
type ItemError struct {
	Scope Scope
	Err   error
}

func (e *ItemError) Error() string { return e.Err.Error() }

func (e *ItemError) Unwrap() error { return e.Err }

// ErrStageTimeout is wrapped by ItemError when the per-item deadline passes.
var ErrStageTimeout = errors.New("stage timed out")

// Result is the explicit outcome of one isolated stage call.
type Result[T any] struct {
	Value T
	Err   *ItemError
}

// OK is the discriminant callers branch on.
func (r Result[T]) OK() bool { return r.Err == nil }

// Executor isolates stage calls: errors, panics and timeouts all come back
// as a Result, never as a panic or an aborted run.
type Executor struct {
	// Timeout bounds each call; zero means no per-item deadline.
	Timeout time.Duration
}

type outcome[T any] struct {
	value T
	err   error
}

// Execute invokes stage once for in. It returns when the stage does, when
// the per-item timeout passes, or when ctx is cancelled, whichever is first.
func Execute[In, Out any](ctx context.Context, x *Executor, scope Scope, stage threatmodel.Stage[In, Out], in In, sc threatmodel.StageContext) Result[Out] {
	ctx, span := otel.Tracer(tracerName).Start(ctx, "stage."+scope.Stage)
	span.SetAttributes(scope.attributes()...)
	defer span.End()

	started := time.Now()
	defer func() {
		stageDuration.WithLabelValues(scope.Stage).Observe(time.Since(started).Seconds())
	}()

	var timeout time.Duration
	if x != nil {
		timeout = x.Timeout
	}
	callCtx := ctx
	if timeout > 0 {
		var cancel context.CancelFunc
		callCtx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	done := make(chan outcome[Out], 1)
	go func() {
		var o outcome[Out]
		defer func() {
			if r := recover(); r != nil {
				o.err = fmt.Errorf("%s stage panicked: %v", scope.Stage, r)
			}
			done <- o
		}()
		o.value, o.err = stage.Invoke(callCtx, in, sc)
	}()

	var o outcome[Out]
	select {
	case o = <-done:
	case <-callCtx.Done():
		o.err = callCtx.Err()
	}

	if o.err == nil {
		return Result[Out]{Value: o.value}
	}

	err := o.err
	if timeout > 0 && ctx.Err() == nil && errors.Is(err, context.DeadlineExceeded) {
		err = fmt.Errorf("%w after %s", ErrStageTimeout, timeout)
	}
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
	stageFailures.WithLabelValues(scope.Stage).Inc()

	var zero Out
	return Result[Out]{Value: zero, Err: &ItemError{Scope: scope, Err: err}}
}
