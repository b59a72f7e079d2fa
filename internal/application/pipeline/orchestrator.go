package pipeline

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/sourcegraph/conc/stream"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"

	"github.com/bryanwahyu/deeptm/internal/domain/events"
	"github.com/bryanwahyu/deeptm/internal/domain/threatmodel"
	"github.com/bryanwahyu/deeptm/internal/logger"
)

// State of a single run.
type State int

const (
	StateInit State = iota
	StateValidating
	StateExtracting
	StateFanningThreats
	StateFanningMitigations
	StateCompleted
	StateAborted
)

func (s State) String() string {
	switch s {
	case StateInit:
		return "init"
	case StateValidating:
		return "validating"
	case StateExtracting:
		return "extracting"
	case StateFanningThreats:
		return "fanning_threats"
	case StateFanningMitigations:
		return "fanning_mitigations"
	case StateCompleted:
		return "completed"
	case StateAborted:
		return "aborted"
	}
	return fmt.Sprintf("state(%d)", int(s))
}

// ErrUnexpected marks a failure outside any isolated stage call.
var ErrUnexpected = errors.New("unexpected pipeline failure")

// Options tune a run. The zero value is valid: sequential fan-out, no
// per-stage timeout, no pacing, no debug events.
type Options struct {
	StageTimeout time.Duration
	// Concurrency > 1 runs fan-out stage calls in parallel; events are still
	// emitted in item order.
	Concurrency int
	// BufferSize is the event buffer used by Stream.
	BufferSize int
	// ThreatDelay and MitigationDelay pace emission for UIs that animate it.
	ThreatDelay     time.Duration
	MitigationDelay time.Duration
	// Verbose adds debug events.
	Verbose bool
	// SinkTimeout bounds the report hand-off after a completed run.
	SinkTimeout time.Duration
}

// Orchestrator sequences the analysis stages and reports progress as events.
// It holds no per-request state and is safe for concurrent use.
type Orchestrator struct {
	Validate threatmodel.ValidationStage
	Extract  threatmodel.ExtractionStage
	Threats  threatmodel.ThreatStage
	Mitigate threatmodel.MitigationStage

	// Sink, if set, receives the report of every completed run.
	Sink threatmodel.ReportSink

	Options Options
	Logger  logger.Logger

	handOffs sync.WaitGroup
}

// Stream starts a run in its own goroutine and returns its events. The
// channel is closed right after the last event; the report hand-off runs
// afterwards. The caller must either drain it or cancel ctx.
func (o *Orchestrator) Stream(ctx context.Context, req threatmodel.AnalysisRequest) <-chan events.Event {
	bus := NewBus(o.Options.BufferSize)
	o.handOffs.Add(1)
	go func() {
		defer o.handOffs.Done()

		r, err := o.run(ctx, req, bus.Publish)
		bus.Close()
		if err != nil {
			logger.OrNoop(o.Logger).InfoWithContext(ctx, "pipeline run ended early", zap.Error(err))
			return
		}
		r.handOff(ctx, req)
	}()
	return bus.Events()
}

// Run executes the pipeline for req, delivering every event through emit in
// production order. It returns nil only when process_complete was emitted,
// after the report has been passed to Sink.
func (o *Orchestrator) Run(ctx context.Context, req threatmodel.AnalysisRequest, emit Emitter) error {
	r, err := o.run(ctx, req, emit)
	if err != nil {
		return err
	}
	r.handOff(ctx, req)
	return nil
}

// Wait blocks until hand-offs of runs started by Stream are done, or ctx
// ends.
func (o *Orchestrator) Wait(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		o.handOffs.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (o *Orchestrator) run(ctx context.Context, req threatmodel.AnalysisRequest, emit Emitter) (r *run, err error) {
	ctx, span := otel.Tracer(tracerName).Start(ctx, "pipeline.run")
	defer span.End()

	r = &run{
		o:    o,
		emit: emit,
		exec: &Executor{Timeout: o.Options.StageTimeout},
		log:  logger.OrNoop(o.Logger),
	}

	defer func() {
		if p := recover(); p != nil {
			r.state = StateAborted
			r.log.ErrorWithContext(ctx, "pipeline panicked", zap.Any("panic", p), zap.Stack("stack"))
			r.sendFinal(ctx, events.Error{Message: fmt.Sprintf("Stream processing error: %v", p)})
			err = fmt.Errorf("%w: %v", ErrUnexpected, p)
		}
		span.SetAttributes(
			attribute.String("state", r.state.String()),
			attribute.Int("relationships", len(r.relationships)),
			attribute.Int("threats", len(r.findings)),
		)
		runsTotal.WithLabelValues(r.outcome(ctx)).Inc()
	}()

	err = r.execute(ctx, req)
	if err != nil && r.state != StateCompleted {
		r.state = StateAborted
	}
	return r, err
}

// run is the per-request pipeline state.
type run struct {
	o     *Orchestrator
	emit  Emitter
	exec  *Executor
	log   logger.Logger
	state State

	sc            threatmodel.StageContext
	relationships []threatmodel.Relationship
	findings      []threatmodel.Finding
}

func (r *run) outcome(ctx context.Context) string {
	switch {
	case r.state == StateCompleted:
		return "completed"
	case ctx.Err() != nil:
		return "canceled"
	default:
		return "aborted"
	}
}

func (r *run) send(ctx context.Context, ev events.Event) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := r.emit(ctx, ev); err != nil {
		return err
	}
	eventsTotal.WithLabelValues(string(ev.Kind())).Inc()
	return nil
}

func (r *run) debug(ctx context.Context, msg string) error {
	if !r.o.Options.Verbose {
		return nil
	}
	return r.send(ctx, events.Debug{Message: msg})
}

// sendFinal emits the abort event after a panic. The emitter itself may be
// what panicked, so a second panic is swallowed.
func (r *run) sendFinal(ctx context.Context, ev events.Event) {
	defer func() {
		if p := recover(); p != nil {
			r.log.ErrorWithContext(ctx, "emit of final event panicked", zap.Any("panic", p))
		}
	}()
	if err := r.send(ctx, ev); err != nil {
		r.log.WarnWithContext(ctx, "final event not delivered", zap.Error(err))
	}
}

func (r *run) execute(ctx context.Context, req threatmodel.AnalysisRequest) error {
	r.state = StateValidating
	creds := Execute(ctx, r.exec, Scope{Stage: "validation", Index: -1}, r.o.Validate, req, threatmodel.StageContext{})
	if !creds.OK() {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := r.send(ctx, events.Error{Message: creds.Err.Error()}); err != nil {
			return err
		}
		return creds.Err
	}
	r.sc.Credentials = creds.Value

	if err := r.debug(ctx, "Stream started"); err != nil {
		return err
	}
	if req.HasOverrides() {
		if err := r.debug(ctx, "Using client-provided API keys"); err != nil {
			return err
		}
	}

	r.state = StateExtracting
	if err := r.send(ctx, events.Status{Message: "Extracting relationships from diagram and description..."}); err != nil {
		return err
	}
	ext := Execute(ctx, r.exec, Scope{Stage: "extraction", Index: -1}, r.o.Extract, req.UserInput, r.sc)
	if !ext.OK() {
		if err := ctx.Err(); err != nil {
			return err
		}
		r.log.WarnWithContext(ctx, "relationship extraction failed", zap.Error(ext.Err))
		// stages usually wrap ErrExtractionFailed already; say it once
		reason := strings.TrimPrefix(ext.Err.Error(), threatmodel.ErrExtractionFailed.Error()+": ")
		if err := r.send(ctx, events.Error{Message: "Failed to extract relationships: " + reason}); err != nil {
			return err
		}
		if errors.Is(ext.Err, threatmodel.ErrExtractionFailed) {
			return ext.Err
		}
		return fmt.Errorf("%w: %w", threatmodel.ErrExtractionFailed, ext.Err)
	}
	r.relationships = ext.Value.Relationships
	r.sc.Shared = ext.Value.Context

	if err := r.send(ctx, events.Relationships{Data: r.relationships}); err != nil {
		return err
	}
	if err := r.debug(ctx, "Using context: "+r.sc.Shared); err != nil {
		return err
	}

	r.state = StateFanningThreats
	if err := r.fanThreats(ctx); err != nil {
		return err
	}

	r.state = StateFanningMitigations
	msg := fmt.Sprintf("Starting mitigation research for %d threats...", len(r.findings))
	if err := r.send(ctx, events.Status{Message: msg}); err != nil {
		return err
	}
	if err := r.fanMitigations(ctx); err != nil {
		return err
	}

	if err := r.send(ctx, events.ProcessComplete{
		Message:      "Threat modeling and mitigation research complete",
		TotalThreats: len(r.findings),
	}); err != nil {
		return err
	}
	r.state = StateCompleted
	return nil
}

func (r *run) fanThreats(ctx context.Context) error {
	call := func(ctx context.Context, i int) Result[[]threatmodel.Threat] {
		return Execute(ctx, r.exec, Scope{Stage: "threats", Index: i}, r.o.Threats, r.relationships[i], r.sc)
	}
	return fanOut(ctx, r.o.Options.Concurrency, len(r.relationships), call, func(ctx context.Context, i int, _ Result[[]threatmodel.Threat]) error {
		return r.send(ctx, events.AnalyzingRelationship{Index: i, Relationship: r.relationships[i]})
	}, func(ctx context.Context, i int, res Result[[]threatmodel.Threat]) error {
		rel := r.relationships[i]
		if !res.OK() {
			if err := ctx.Err(); err != nil {
				return err
			}
			r.log.WarnWithContext(ctx, "threat generation failed", zap.Int("index", i), zap.Error(res.Err))
			return r.send(ctx, events.RelationshipError{Index: i, Error: res.Err.Error()})
		}
		for _, th := range res.Value {
			th.Scope = rel
			if th.ID == "" {
				th.ID = threatmodel.NewThreatID()
			}
			r.findings = append(r.findings, threatmodel.Finding{Threat: th})
			if err := r.send(ctx, events.ThreatIdentified{Threat: th}); err != nil {
				return err
			}
			if err := pause(ctx, r.o.Options.ThreatDelay); err != nil {
				return err
			}
		}
		return nil
	})
}

func (r *run) fanMitigations(ctx context.Context) error {
	call := func(ctx context.Context, i int) Result[threatmodel.Mitigation] {
		th := r.findings[i].Threat
		return Execute(ctx, r.exec, Scope{Stage: "mitigation", Index: i, ThreatID: th.ID}, r.o.Mitigate, th, r.sc)
	}
	return fanOut(ctx, r.o.Options.Concurrency, len(r.findings), call, func(ctx context.Context, i int, _ Result[threatmodel.Mitigation]) error {
		th := r.findings[i].Threat
		return r.send(ctx, events.MitigationStarted{ThreatID: th.ID, Message: "Researching mitigation for: " + th.Name})
	}, func(ctx context.Context, i int, res Result[threatmodel.Mitigation]) error {
		f := &r.findings[i]
		if !res.OK() {
			if err := ctx.Err(); err != nil {
				return err
			}
			r.log.WarnWithContext(ctx, "mitigation research failed", zap.String("threat_id", string(f.Threat.ID)), zap.Error(res.Err))
			f.Error = res.Err.Error()
			return r.send(ctx, events.MitigationError{ThreatID: f.Threat.ID, Error: f.Error})
		}
		m := normalizeMitigation(res.Value)
		f.Mitigation = &m
		if err := r.send(ctx, events.MitigationComplete{ThreatID: f.Threat.ID, Mitigation: m}); err != nil {
			return err
		}
		return pause(ctx, r.o.Options.MitigationDelay)
	})
}

// fanOut calls call once per index and hands each result to before and then
// after, strictly in index order. With concurrency <= 1 before runs ahead of
// the call, so clients see progress while the stage is working; otherwise
// calls overlap and both hooks run once the item's result is ready.
func fanOut[T any](
	ctx context.Context,
	concurrency, n int,
	call func(context.Context, int) Result[T],
	before, after func(context.Context, int, Result[T]) error,
) error {
	if concurrency <= 1 || n <= 1 {
		for i := 0; i < n; i++ {
			if err := before(ctx, i, Result[T]{}); err != nil {
				return err
			}
			if err := after(ctx, i, call(ctx, i)); err != nil {
				return err
			}
		}
		return ctx.Err()
	}

	fanCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	var (
		firstErr error
		halted   bool
	)
	s := stream.New().WithMaxGoroutines(concurrency)
	for i := 0; i < n; i++ {
		s.Go(func() stream.Callback {
			res := call(fanCtx, i)
			return func() {
				if halted {
					return
				}
				// Left set if a hook panics, so later items stay silent.
				halted = true
				if err := before(ctx, i, res); err != nil {
					firstErr = err
					cancel()
					return
				}
				if err := after(ctx, i, res); err != nil {
					firstErr = err
					cancel()
					return
				}
				halted = false
			}
		})
	}
	s.Wait()

	if firstErr != nil {
		return firstErr
	}
	return ctx.Err()
}

// handOff passes the completed run to the sink. The client already has
// process_complete, so failures are only logged.
func (r *run) handOff(ctx context.Context, req threatmodel.AnalysisRequest) {
	if r.o.Sink == nil {
		return
	}
	rep := &threatmodel.Report{
		UserInput:     req.UserInput,
		Context:       r.sc.Shared,
		Relationships: r.relationships,
		Findings:      r.findings,
	}

	sctx := context.WithoutCancel(ctx)
	if d := r.o.Options.SinkTimeout; d > 0 {
		var cancel context.CancelFunc
		sctx, cancel = context.WithTimeout(sctx, d)
		defer cancel()
	}
	if err := r.o.Sink.Record(sctx, rep); err != nil {
		r.log.ErrorWithContext(ctx, "report hand-off failed", zap.Error(err))
	}
}

func normalizeMitigation(m threatmodel.Mitigation) threatmodel.Mitigation {
	if m.Content == "" {
		m.Content = threatmodel.NoMitigationFound
	}
	if m.Sources == nil {
		m.Sources = []string{}
	}
	return m
}

func pause(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
