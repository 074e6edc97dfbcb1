// Package pipeline schedules records through a task in fixed-size batches,
// invoking the remote service once per work unit and appending each finished
// batch to the output store.
package pipeline

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/sells-group/llm-factory/internal/model"
	"github.com/sells-group/llm-factory/internal/store"
	"github.com/sells-group/llm-factory/internal/task"
)

// Invoker performs one remote call per work unit. Implementations never
// return an error; failures come back inside the result.
type Invoker interface {
	Invoke(ctx context.Context, unit model.WorkUnit) model.InvocationResult
}

// Options configures batching and concurrency.
type Options struct {
	BatchSize int
	Workers   int
	// Reporter receives progress notifications. Nil logs through zap.
	Reporter Reporter
}

// Scheduler runs records through a task. It holds no per-run state and may be
// reused for several runs against the same sink.
type Scheduler struct {
	task     task.Task
	invoker  Invoker
	sink     store.Sink
	opts     Options
	reporter Reporter
}

// New creates a Scheduler. Non-positive sizes fall back to 1.
func New(t task.Task, inv Invoker, sink store.Sink, opts Options) *Scheduler {
	if opts.BatchSize <= 0 {
		opts.BatchSize = 1
	}
	if opts.Workers <= 0 {
		opts.Workers = 1
	}
	rep := opts.Reporter
	if rep == nil {
		rep = LogReporter{Task: t.Name()}
	}
	return &Scheduler{
		task:     t,
		invoker:  inv,
		sink:     sink,
		opts:     opts,
		reporter: rep,
	}
}

// Summary describes one run.
type Summary struct {
	Task string `json:"task"`
	// Total is the number of input records.
	Total int `json:"total"`
	// Skipped records were already present in the output store.
	Skipped int `json:"skipped"`
	// Pending records were scheduled in this run.
	Pending int `json:"pending"`
	// Empty records expanded to no work units and were not written.
	Empty     int `json:"empty"`
	Batches   int `json:"batches"`
	Written   int `json:"written_batches"`
	Discarded int `json:"discarded_batches"`
	// Deferred batches hit an open circuit breaker and were left for the
	// next run.
	Deferred    int           `json:"deferred_batches"`
	Records     int           `json:"records"`
	Failed      int           `json:"failed_records"`
	Units       int           `json:"units"`
	FailedUnits int           `json:"failed_units"`
	Canceled    bool          `json:"canceled"`
	Elapsed     time.Duration `json:"elapsed"`
}

// Plan is the schedule a run would execute.
type Plan struct {
	Total   int
	Skipped int
	Batches [][]model.Record
}

// Pending returns the number of scheduled records.
func (p *Plan) Pending() int {
	n := 0
	for _, b := range p.Batches {
		n += len(b)
	}
	return n
}

// Plan loads the processed keys once, drops records already written and
// partitions the rest into contiguous batches.
func (s *Scheduler) Plan(ctx context.Context, records []model.Record) (*Plan, error) {
	done, err := s.sink.ProcessedKeys(ctx)
	if err != nil {
		return nil, eris.Wrap(err, "pipeline: load processed keys")
	}

	plan := &Plan{Total: len(records)}
	pending := make([]model.Record, 0, len(records))
	for _, rec := range records {
		if done.Has(rec.Key) {
			plan.Skipped++
			continue
		}
		pending = append(pending, rec)
	}
	plan.Batches = partition(pending, s.opts.BatchSize)
	return plan, nil
}

func partition(records []model.Record, size int) [][]model.Record {
	var batches [][]model.Record
	for start := 0; start < len(records); start += size {
		end := min(start+size, len(records))
		batches = append(batches, records[start:end])
	}
	return batches
}

// Run processes every record not yet in the sink. Each batch is appended as
// soon as all of its records are merged; a batch interrupted by cancellation
// is dropped whole. Only store failures abort the run with an error.
func (s *Scheduler) Run(ctx context.Context, records []model.Record) (*Summary, error) {
	start := time.Now()
	log := zap.L().With(zap.String("task", s.task.Name()))

	plan, err := s.Plan(ctx, records)
	if err != nil {
		return nil, err
	}

	r := &run{
		Scheduler: s,
		total:     len(plan.Batches),
		summary: Summary{
			Task:    s.task.Name(),
			Total:   plan.Total,
			Skipped: plan.Skipped,
			Pending: plan.Pending(),
			Batches: len(plan.Batches),
		},
	}

	log.Info("run started",
		zap.Int("records", plan.Total),
		zap.Int("skipped", plan.Skipped),
		zap.Int("pending", r.summary.Pending),
		zap.Int("batches", r.total),
		zap.Int("batch_size", s.opts.BatchSize),
		zap.Int("workers", s.opts.Workers),
	)

	g, gCtx := errgroup.WithContext(ctx)
	g.SetLimit(s.opts.Workers)
	for i, batch := range plan.Batches {
		if gCtx.Err() != nil {
			break
		}
		g.Go(func() error {
			return r.batch(gCtx, i+1, batch)
		})
	}
	err = g.Wait()

	r.summary.Elapsed = time.Since(start)
	r.summary.Canceled = ctx.Err() != nil
	if err != nil {
		return &r.summary, err
	}

	log.Info("run finished",
		zap.Int("written_batches", r.summary.Written),
		zap.Int("discarded_batches", r.summary.Discarded),
		zap.Int("deferred_batches", r.summary.Deferred),
		zap.Int("records", r.summary.Records),
		zap.Int("failed_records", r.summary.Failed),
		zap.Int("empty", r.summary.Empty),
		zap.Bool("canceled", r.summary.Canceled),
		zap.Duration("elapsed", r.summary.Elapsed),
	)
	return &r.summary, nil
}

// run carries the mutable state of one Run call.
type run struct {
	*Scheduler
	total int
	done  atomic.Int64

	mu      sync.Mutex
	summary Summary
}

// batch processes the records of one batch sequentially and appends the
// result. It returns an error only when the append fails.
func (r *run) batch(ctx context.Context, index int, records []model.Record) error {
	if ctx.Err() != nil {
		return nil
	}
	log := zap.L().With(zap.String("task", r.task.Name()), zap.Int("batch", index))

	var (
		outputs     []model.OutputRecord
		empty       int
		units       int
		failedUnits int
	)
	for _, rec := range records {
		out, n, ok := r.record(ctx, rec)
		if ctx.Err() != nil {
			r.mu.Lock()
			r.summary.Discarded++
			r.mu.Unlock()
			log.Warn("batch discarded on cancellation", zap.Int("records", len(records)))
			return nil
		}
		if !ok {
			empty++
			continue
		}
		if breakerOpen(out) {
			r.mu.Lock()
			r.summary.Deferred++
			r.mu.Unlock()
			log.Warn("batch deferred, remote service circuit is open",
				zap.String("key", out.Key),
				zap.Int("records", len(records)),
			)
			return nil
		}
		units += len(out.Outcomes)
		failedUnits += n
		outputs = append(outputs, out)
	}

	if len(outputs) > 0 {
		b := model.NewBatch(index, r.task.Name(), outputs)
		// A batch that finished before cancellation is still written.
		if err := r.sink.AppendBatch(context.WithoutCancel(ctx), b); err != nil {
			return eris.Wrapf(err, "pipeline: append batch %d", index)
		}
		log.Debug("batch appended", zap.String("batch_id", b.ID), zap.Int("records", len(outputs)))
	}

	failed := 0
	for _, o := range outputs {
		if o.HasErrors() {
			failed++
		}
	}

	r.mu.Lock()
	r.summary.Empty += empty
	r.summary.Units += units
	r.summary.FailedUnits += failedUnits
	r.summary.Records += len(outputs)
	r.summary.Failed += failed
	if len(outputs) > 0 {
		r.summary.Written++
	}
	r.mu.Unlock()

	r.reporter.OnBatchComplete(index, int(r.done.Add(1)), r.total)
	return nil
}

// breakerOpen reports whether a unit of out was rejected by the circuit
// breaker. Such a record never reached the remote service and must stay
// pending.
func breakerOpen(out model.OutputRecord) bool {
	for _, oc := range out.Outcomes {
		if oc.Error != nil && oc.Error.Kind == model.FailureCircuitOpen {
			return true
		}
	}
	return false
}

// record expands one record and merges the outcomes of its units. ok is false
// when the record has no work units. failed counts units that failed.
func (r *run) record(ctx context.Context, rec model.Record) (out model.OutputRecord, failed int, ok bool) {
	units := r.task.Expand(rec)
	if len(units) == 0 {
		zap.L().Debug("record has no work units",
			zap.String("task", r.task.Name()),
			zap.String("key", rec.Key),
		)
		return out, 0, false
	}

	out = model.OutputRecord{
		Key:      rec.Key,
		KeyField: r.task.KeyField(),
		KeepRaw:  r.task.KeepRaw(),
		Outcomes: make([]model.UnitOutcome, 0, len(units)),
	}
	for _, unit := range units {
		if ctx.Err() != nil {
			return out, failed, true
		}
		oc := r.unit(ctx, unit)
		if oc.Error != nil {
			failed++
		}
		out.Outcomes = append(out.Outcomes, oc)
	}
	return out, failed, true
}

func (r *run) unit(ctx context.Context, unit model.WorkUnit) model.UnitOutcome {
	spec := r.task.Spec()
	res := r.invoker.Invoke(ctx, unit)
	if !res.OK() {
		return model.UnitOutcome{
			Unit:        unit,
			Fields:      model.NullFields(spec.Names()),
			Passthrough: unit.Passthrough,
			Error: &model.UnitError{
				Unit:     unitLabel(unit),
				Kind:     res.Failure.Kind,
				Message:  res.Failure.Message,
				Attempts: res.Failure.Attempts,
			},
		}
	}

	fields, matched := spec.Parse(res.Text)
	if matched < len(spec.Names()) {
		zap.L().Warn("reply did not match every field",
			zap.String("task", r.task.Name()),
			zap.String("unit", unit.ID()),
			zap.Int("matched", matched),
			zap.Int("fields", len(spec.Names())),
		)
	}
	return model.UnitOutcome{
		Unit:        unit,
		Fields:      fields,
		Raw:         res.Text,
		Passthrough: unit.Passthrough,
	}
}

func unitLabel(u model.WorkUnit) string {
	if u.Name != "" {
		return u.Name
	}
	return u.ID()
}
