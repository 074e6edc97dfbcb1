package pipeline

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/sells-group/llm-factory/internal/extract"
	"github.com/sells-group/llm-factory/internal/invoke"
	"github.com/sells-group/llm-factory/internal/model"
	"github.com/sells-group/llm-factory/internal/resilience"
	"github.com/sells-group/llm-factory/internal/store"
	"github.com/sells-group/llm-factory/internal/task"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

const valueReply = "ValueA: care\nReasonA: x\nValueB: care\nReasonB: y"

// labelTask turns every record into one unit unless its payload sets "empty".
type labelTask struct {
	spec *extract.Spec
}

func newLabelTask() *labelTask {
	return &labelTask{spec: extract.MustCompile(labelRules())}
}

func labelRules() extract.Rules {
	return extract.Rules{
		extract.LabelRule("choiceA_value", "ValueA"),
		extract.LabelRule("choiceA_reason", "ReasonA"),
		extract.LabelRule("choiceB_value", "ValueB"),
		extract.LabelRule("choiceB_reason", "ReasonB"),
	}
}

func (t *labelTask) Name() string         { return "label" }
func (t *labelTask) KeyField() string     { return model.DefaultKeyField }
func (t *labelTask) Rules() extract.Rules { return labelRules() }
func (t *labelTask) Spec() *extract.Spec  { return t.spec }
func (t *labelTask) KeepRaw() bool        { return false }

func (t *labelTask) Expand(rec model.Record) []model.WorkUnit {
	if empty, _ := rec.Payload["empty"].(bool); empty {
		return nil
	}
	return []model.WorkUnit{{
		RecordKey: rec.Key,
		Index:     1,
		Prompt:    model.Prompt{User: "classify " + rec.Key},
	}}
}

// fakeInvoker answers from a per-key function and counts calls.
type fakeInvoker struct {
	reply func(ctx context.Context, unit model.WorkUnit) model.InvocationResult

	calls atomic.Int64
	mu    sync.Mutex
	keys  []string
}

func (f *fakeInvoker) Invoke(ctx context.Context, unit model.WorkUnit) model.InvocationResult {
	f.calls.Add(1)
	f.mu.Lock()
	f.keys = append(f.keys, unit.RecordKey)
	f.mu.Unlock()
	if f.reply == nil {
		return model.Success(valueReply)
	}
	return f.reply(ctx, unit)
}

func failFor(keys ...string) *fakeInvoker {
	fail := make(map[string]bool, len(keys))
	for _, k := range keys {
		fail[k] = true
	}
	return &fakeInvoker{reply: func(_ context.Context, unit model.WorkUnit) model.InvocationResult {
		if fail[unit.RecordKey] {
			res := model.FailureResult(model.FailureTimeout, errors.New("invoke: no reply within 2m0s"))
			res.Failure.Attempts = 3
			return res
		}
		return model.Success(valueReply)
	}}
}

func records(keys ...string) []model.Record {
	recs := make([]model.Record, len(keys))
	for i, k := range keys {
		recs[i] = model.Record{Key: k, Payload: map[string]any{model.DefaultKeyField: k}}
	}
	return recs
}

func newSink(t *testing.T) *store.JSONLSink {
	t.Helper()
	return store.NewJSONL(filepath.Join(t.TempDir(), "out.jsonl"), "label", model.DefaultKeyField)
}

func rowsByKey(t *testing.T, sink store.Sink) map[string]model.Row {
	t.Helper()
	rows := map[string]model.Row{}
	err := sink.Scan(context.Background(), func(r model.Row) error {
		key := r.Key(model.DefaultKeyField)
		if _, dup := rows[key]; dup {
			t.Fatalf("duplicate key %q in output", key)
		}
		rows[key] = r
		return nil
	})
	require.NoError(t, err)
	return rows
}

func TestRun_EndToEnd(t *testing.T) {
	sink := newSink(t)
	inv := failFor("B")
	s := New(newLabelTask(), inv, sink, Options{BatchSize: 2, Workers: 2, Reporter: NopReporter{}})

	sum, err := s.Run(context.Background(), records("A", "B", "C"))
	require.NoError(t, err)

	assert.Equal(t, 3, sum.Total)
	assert.Equal(t, 0, sum.Skipped)
	assert.Equal(t, 2, sum.Batches)
	assert.Equal(t, 2, sum.Written)
	assert.Equal(t, 3, sum.Records)
	assert.Equal(t, 1, sum.Failed)
	assert.Equal(t, 3, sum.Units)
	assert.Equal(t, 1, sum.FailedUnits)
	assert.False(t, sum.Canceled)
	assert.EqualValues(t, 3, inv.calls.Load())

	rows := rowsByKey(t, sink)
	require.Len(t, rows, 3)
	for _, key := range []string{"A", "C"} {
		row := rows[key]
		assert.Equal(t, "care", row["choiceA_value"], key)
		assert.Equal(t, "x", row["choiceA_reason"], key)
		assert.Equal(t, "care", row["choiceB_value"], key)
		assert.Equal(t, "y", row["choiceB_reason"], key)
		assert.Empty(t, row.Errors(), key)
	}

	b := rows["B"]
	for _, f := range []string{"choiceA_value", "choiceA_reason", "choiceB_value", "choiceB_reason"} {
		v, ok := b[f]
		assert.True(t, ok, f)
		assert.Nil(t, v, f)
	}
	errs := b.Errors()
	require.Len(t, errs, 1)
	assert.Equal(t, model.FailureTimeout, errs[0].Kind)
	assert.Equal(t, 3, errs[0].Attempts)
	assert.Contains(t, errs[0].Message, "no reply")

	// Rerun against the same store makes no calls.
	again := &fakeInvoker{}
	s2 := New(newLabelTask(), again, sink, Options{BatchSize: 2, Workers: 2, Reporter: NopReporter{}})
	sum, err = s2.Run(context.Background(), records("A", "B", "C"))
	require.NoError(t, err)
	assert.EqualValues(t, 0, again.calls.Load())
	assert.Equal(t, 3, sum.Skipped)
	assert.Equal(t, 0, sum.Batches)
	assert.Len(t, rowsByKey(t, sink), 3)
}

func TestRun_Idempotent(t *testing.T) {
	sink := newSink(t)
	keys := make([]string, 23)
	for i := range keys {
		keys[i] = fmt.Sprintf("rec-%02d", i)
	}

	first := &fakeInvoker{}
	s := New(newLabelTask(), first, sink, Options{BatchSize: 4, Workers: 3, Reporter: NopReporter{}})
	_, err := s.Run(context.Background(), records(keys[:10]...))
	require.NoError(t, err)
	assert.EqualValues(t, 10, first.calls.Load())

	second := &fakeInvoker{}
	s = New(newLabelTask(), second, sink, Options{BatchSize: 4, Workers: 3, Reporter: NopReporter{}})
	sum, err := s.Run(context.Background(), records(keys...))
	require.NoError(t, err)
	assert.EqualValues(t, 13, second.calls.Load())
	assert.Equal(t, 10, sum.Skipped)
	assert.Equal(t, 13, sum.Records)

	assert.Len(t, rowsByKey(t, sink), 23)
}

func TestRun_Isolation(t *testing.T) {
	sink := newSink(t)
	inv := failFor("r2")
	s := New(newLabelTask(), inv, sink, Options{BatchSize: 4, Workers: 1, Reporter: NopReporter{}})

	sum, err := s.Run(context.Background(), records("r1", "r2", "r3", "r4"))
	require.NoError(t, err)
	assert.Equal(t, 1, sum.Written)

	rows := rowsByKey(t, sink)
	require.Len(t, rows, 4)
	for _, k := range []string{"r1", "r3", "r4"} {
		assert.Equal(t, "care", rows[k]["choiceA_value"], k)
		assert.Empty(t, rows[k].Errors(), k)
	}
	assert.Nil(t, rows["r2"]["choiceA_value"])
	assert.Len(t, rows["r2"].Errors(), 1)
}

func TestRun_PartialExtraction(t *testing.T) {
	sink := newSink(t)
	inv := &fakeInvoker{reply: func(context.Context, model.WorkUnit) model.InvocationResult {
		return model.Success("ValueA: fairness\nnothing else here")
	}}
	s := New(newLabelTask(), inv, sink, Options{BatchSize: 1, Workers: 1, Reporter: NopReporter{}})

	sum, err := s.Run(context.Background(), records("A"))
	require.NoError(t, err)
	assert.Equal(t, 0, sum.Failed)

	row := rowsByKey(t, sink)["A"]
	require.NotNil(t, row)
	assert.Equal(t, "fairness", row["choiceA_value"])
	assert.Nil(t, row["choiceB_value"])
	assert.Empty(t, row.Errors())
}

func TestRun_UnparseableReplyIsStillWritten(t *testing.T) {
	sink := newSink(t)
	inv := &fakeInvoker{reply: func(context.Context, model.WorkUnit) model.InvocationResult {
		return model.Success("I cannot help with that.")
	}}
	s := New(newLabelTask(), inv, sink, Options{BatchSize: 1, Workers: 1, Reporter: NopReporter{}})

	_, err := s.Run(context.Background(), records("A"))
	require.NoError(t, err)

	row, ok := rowsByKey(t, sink)["A"]
	require.True(t, ok)
	for _, f := range labelRules().Names() {
		assert.Nil(t, row[f], f)
	}
}

func TestRun_EmptyExpansionSkipped(t *testing.T) {
	sink := newSink(t)
	recs := records("A", "E", "C")
	recs[1].Payload["empty"] = true

	inv := &fakeInvoker{}
	s := New(newLabelTask(), inv, sink, Options{BatchSize: 3, Workers: 1, Reporter: NopReporter{}})
	sum, err := s.Run(context.Background(), recs)
	require.NoError(t, err)
	assert.Equal(t, 1, sum.Empty)
	assert.Equal(t, 2, sum.Records)
	assert.EqualValues(t, 2, inv.calls.Load())

	rows := rowsByKey(t, sink)
	assert.Len(t, rows, 2)
	assert.NotContains(t, rows, "E")

	keys, err := sink.ProcessedKeys(context.Background())
	require.NoError(t, err)
	assert.False(t, keys.Has("E"))

	// The empty record is considered again on the next run.
	sum, err = s.Run(context.Background(), recs)
	require.NoError(t, err)
	assert.Equal(t, 2, sum.Skipped)
	assert.Equal(t, 1, sum.Pending)
	assert.Equal(t, 1, sum.Empty)
	assert.Equal(t, 0, sum.Written)
}

func TestRun_AllEmptyBatchReportsProgress(t *testing.T) {
	sink := newSink(t)
	recs := records("E1", "E2")
	for _, r := range recs {
		r.Payload["empty"] = true
	}

	var calls atomic.Int64
	rep := ReporterFunc(func(int, int, int) { calls.Add(1) })
	s := New(newLabelTask(), &fakeInvoker{}, sink, Options{BatchSize: 1, Workers: 2, Reporter: rep})
	sum, err := s.Run(context.Background(), recs)
	require.NoError(t, err)
	assert.Equal(t, 0, sum.Written)
	assert.EqualValues(t, 2, calls.Load())
	assert.NoFileExists(t, sink.Path())
}

func TestRun_CancelDiscardsInFlightBatch(t *testing.T) {
	sink := newSink(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	inv := &fakeInvoker{reply: func(ctx context.Context, unit model.WorkUnit) model.InvocationResult {
		if unit.RecordKey == "C" {
			cancel()
			return model.FailureResult(model.FailureCanceled, ctx.Err())
		}
		return model.Success(valueReply)
	}}
	s := New(newLabelTask(), inv, sink, Options{BatchSize: 2, Workers: 1, Reporter: NopReporter{}})

	sum, err := s.Run(ctx, records("A", "B", "C", "D", "E", "F"))
	require.NoError(t, err)
	assert.True(t, sum.Canceled)
	assert.Equal(t, 1, sum.Written)
	assert.Equal(t, 1, sum.Discarded)

	rows := rowsByKey(t, sink)
	assert.Len(t, rows, 2)
	assert.Contains(t, rows, "A")
	assert.Contains(t, rows, "B")

	// Resuming processes exactly the remaining records.
	resume := &fakeInvoker{}
	s = New(newLabelTask(), resume, sink, Options{BatchSize: 2, Workers: 1, Reporter: NopReporter{}})
	sum, err = s.Run(context.Background(), records("A", "B", "C", "D", "E", "F"))
	require.NoError(t, err)
	assert.Equal(t, 2, sum.Skipped)
	assert.ElementsMatch(t, []string{"C", "D", "E", "F"}, resume.keys)

	rows = rowsByKey(t, sink)
	assert.Len(t, rows, 6)
	for k, r := range rows {
		assert.Empty(t, r.Errors(), k)
	}
}

func TestRun_CanceledBeforeStart(t *testing.T) {
	sink := newSink(t)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	inv := &fakeInvoker{}
	s := New(newLabelTask(), inv, sink, Options{BatchSize: 2, Workers: 2, Reporter: NopReporter{}})
	sum, err := s.Run(ctx, records("A", "B", "C"))
	require.NoError(t, err)
	assert.True(t, sum.Canceled)
	assert.Equal(t, 0, sum.Written)
	assert.EqualValues(t, 0, inv.calls.Load())
	assert.NoFileExists(t, sink.Path())
}

type mockSink struct {
	mock.Mock
}

func (m *mockSink) ProcessedKeys(ctx context.Context) (model.KeySet, error) {
	args := m.Called(ctx)
	return args.Get(0).(model.KeySet), args.Error(1)
}

func (m *mockSink) AppendBatch(ctx context.Context, b model.Batch) error {
	args := m.Called(ctx, b)
	return args.Error(0)
}

func (m *mockSink) Scan(ctx context.Context, fn func(model.Row) error) error {
	args := m.Called(ctx, fn)
	return args.Error(0)
}

func (m *mockSink) Close() error {
	return m.Called().Error(0)
}

func TestRun_AppendErrorIsFatal(t *testing.T) {
	diskFull := errors.New("no space left on device")
	sink := &mockSink{}
	sink.On("ProcessedKeys", mock.Anything).Return(model.NewKeySet(), nil)
	sink.On("AppendBatch", mock.Anything, mock.Anything).Return(diskFull)

	s := New(newLabelTask(), &fakeInvoker{}, sink, Options{BatchSize: 1, Workers: 1, Reporter: NopReporter{}})
	sum, err := s.Run(context.Background(), records("A", "B", "C"))
	require.Error(t, err)
	assert.ErrorIs(t, err, diskFull)
	require.NotNil(t, sum)
	assert.Equal(t, 0, sum.Written)
	// Dispatch stops after the failed append.
	sink.AssertNumberOfCalls(t, "AppendBatch", 1)
}

func TestRun_ProcessedKeysError(t *testing.T) {
	sink := &mockSink{}
	sink.On("ProcessedKeys", mock.Anything).Return(model.KeySet{}, errors.New("permission denied"))

	inv := &fakeInvoker{}
	s := New(newLabelTask(), inv, sink, Options{BatchSize: 1, Workers: 1, Reporter: NopReporter{}})
	sum, err := s.Run(context.Background(), records("A"))
	require.Error(t, err)
	assert.Nil(t, sum)
	assert.Contains(t, err.Error(), "load processed keys")
	assert.EqualValues(t, 0, inv.calls.Load())
}

func TestRun_BoundedConcurrency(t *testing.T) {
	sink := newSink(t)
	var inFlight, peak atomic.Int64
	inv := &fakeInvoker{reply: func(context.Context, model.WorkUnit) model.InvocationResult {
		n := inFlight.Add(1)
		for {
			p := peak.Load()
			if n <= p || peak.CompareAndSwap(p, n) {
				break
			}
		}
		time.Sleep(2 * time.Millisecond)
		inFlight.Add(-1)
		return model.Success(valueReply)
	}}

	keys := make([]string, 40)
	for i := range keys {
		keys[i] = fmt.Sprintf("k%02d", i)
	}
	s := New(newLabelTask(), inv, sink, Options{BatchSize: 3, Workers: 4, Reporter: NopReporter{}})
	sum, err := s.Run(context.Background(), records(keys...))
	require.NoError(t, err)
	assert.Equal(t, 40, sum.Records)
	assert.Equal(t, 14, sum.Written)
	assert.LessOrEqual(t, peak.Load(), int64(4))
	assert.Len(t, rowsByKey(t, sink), 40)
}

func TestRun_Progress(t *testing.T) {
	sink := newSink(t)
	var mu sync.Mutex
	var seen []int
	lastDone := 0
	rep := ReporterFunc(func(index, done, total int) {
		mu.Lock()
		defer mu.Unlock()
		seen = append(seen, index)
		assert.Equal(t, 3, total)
		if done > lastDone {
			lastDone = done
		}
	})

	s := New(newLabelTask(), &fakeInvoker{}, sink, Options{BatchSize: 2, Workers: 2, Reporter: rep})
	_, err := s.Run(context.Background(), records("A", "B", "C", "D", "E"))
	require.NoError(t, err)
	assert.ElementsMatch(t, []int{1, 2, 3}, seen)
	assert.Equal(t, 3, lastDone)
}

func TestRun_MultiUnitRecordMergesStages(t *testing.T) {
	tk, err := task.Lookup("valuemap", task.Options{Taxonomy: "mft"})
	require.NoError(t, err)

	sink := store.NewJSONL(filepath.Join(t.TempDir(), "vm.jsonl"), tk.Name(), tk.KeyField())
	rec := model.Record{Key: "lying", Payload: map[string]any{
		"norm":                  "lying",
		"step 1_situation":      "s1",
		"step 1_dilemma":        "d1",
		"step 1_choiceA_action": "a1",
		"step 1_choiceB_action": "b1",
		"step 2_situation":      "s2",
		"step 2_dilemma":        "d2",
		"step 2_choiceA_action": "a2",
		"step 2_choiceB_action": "b2",
	}}

	inv := &fakeInvoker{reply: func(_ context.Context, unit model.WorkUnit) model.InvocationResult {
		if unit.Name == "step 2" {
			return model.FailureResult(model.FailureRateLimit, errors.New("429 Too Many Requests"))
		}
		return model.Success(valueReply)
	}}
	s := New(tk, inv, sink, Options{BatchSize: 1, Workers: 1, Reporter: NopReporter{}})
	sum, err := s.Run(context.Background(), []model.Record{rec})
	require.NoError(t, err)
	assert.Equal(t, 2, sum.Units)
	assert.Equal(t, 1, sum.FailedUnits)
	assert.Equal(t, 1, sum.Failed)

	row := rowsByKey(t, sink)["lying"]
	require.NotNil(t, row)
	assert.Equal(t, "care", row["step 1_choiceA_value"])
	assert.Equal(t, "s1", row["step 1_situation"])
	assert.Equal(t, "a1", row["step 1_choiceA"])
	assert.Nil(t, row["step 2_choiceA_value"])
	assert.Equal(t, "d2", row["step 2_dilemma"])

	errs := row.Errors()
	require.Len(t, errs, 1)
	assert.Equal(t, "step 2", errs[0].Unit)
	assert.Equal(t, model.FailureRateLimit, errs[0].Kind)
}

func TestPartition(t *testing.T) {
	recs := records("a", "b", "c", "d", "e")

	got := partition(recs, 2)
	require.Len(t, got, 3)
	assert.Len(t, got[0], 2)
	assert.Len(t, got[2], 1)
	assert.Equal(t, "e", got[2][0].Key)

	assert.Len(t, partition(recs, 10), 1)
	assert.Empty(t, partition(nil, 3))
}

func TestPlan(t *testing.T) {
	sink := &mockSink{}
	sink.On("ProcessedKeys", mock.Anything).Return(model.NewKeySet("b", "d"), nil)

	s := New(newLabelTask(), &fakeInvoker{}, sink, Options{BatchSize: 2, Workers: 1})
	plan, err := s.Plan(context.Background(), records("a", "b", "c", "d", "e"))
	require.NoError(t, err)
	assert.Equal(t, 5, plan.Total)
	assert.Equal(t, 2, plan.Skipped)
	assert.Equal(t, 3, plan.Pending())
	require.Len(t, plan.Batches, 2)
	assert.Equal(t, "a", plan.Batches[0][0].Key)
	assert.Equal(t, "c", plan.Batches[0][1].Key)
}

func TestNew_Defaults(t *testing.T) {
	s := New(newLabelTask(), &fakeInvoker{}, newSink(t), Options{})
	assert.Equal(t, 1, s.opts.BatchSize)
	assert.Equal(t, 1, s.opts.Workers)
	assert.IsType(t, LogReporter{}, s.reporter)
}

func TestReporters(t *testing.T) {
	var a, b int
	rs := Reporters{
		ReporterFunc(func(int, int, int) { a++ }),
		ReporterFunc(func(int, int, int) { b++ }),
		NopReporter{},
		LogReporter{Task: "label"},
	}
	rs.OnBatchComplete(1, 1, 2)
	assert.Equal(t, 1, a)
	assert.Equal(t, 1, b)
}

func TestRun_CircuitOpenDefersBatch(t *testing.T) {
	sink := newSink(t)
	inv := &fakeInvoker{reply: func(_ context.Context, unit model.WorkUnit) model.InvocationResult {
		if unit.RecordKey == "C" {
			return model.FailureResult(model.FailureCircuitOpen, resilience.ErrCircuitOpen)
		}
		return model.Success(valueReply)
	}}
	s := New(newLabelTask(), inv, sink, Options{BatchSize: 2, Workers: 1, Reporter: NopReporter{}})

	sum, err := s.Run(context.Background(), records("A", "B", "C", "D", "E"))
	require.NoError(t, err)
	assert.False(t, sum.Canceled)
	assert.Equal(t, 2, sum.Written)
	assert.Equal(t, 1, sum.Deferred)
	assert.Equal(t, 0, sum.Failed)
	assert.NotContains(t, inv.keys, "D")

	rows := rowsByKey(t, sink)
	assert.Len(t, rows, 3)
	assert.NotContains(t, rows, "C")
	assert.NotContains(t, rows, "D")

	// The deferred records are still pending on the next run.
	resume := &fakeInvoker{}
	s = New(newLabelTask(), resume, sink, Options{BatchSize: 2, Workers: 1, Reporter: NopReporter{}})
	sum, err = s.Run(context.Background(), records("A", "B", "C", "D", "E"))
	require.NoError(t, err)
	assert.Equal(t, 3, sum.Skipped)
	assert.ElementsMatch(t, []string{"C", "D"}, resume.keys)
	assert.Len(t, rowsByKey(t, sink), 5)
}

// flakyBackend fails its first failFirst calls with a 503.
type flakyBackend struct {
	failFirst int32
	calls     atomic.Int32
}

func (b *flakyBackend) Name() string { return "flaky" }

func (b *flakyBackend) Complete(context.Context, invoke.Request) (*invoke.Completion, error) {
	if b.calls.Add(1) <= b.failFirst {
		return nil, resilience.NewKindError(model.FailureServer, 503, errors.New("503 service unavailable"))
	}
	return &invoke.Completion{Text: valueReply}, nil
}

func TestRun_OutageNeverWritesCircuitFailures(t *testing.T) {
	sink := newSink(t)
	backend := &flakyBackend{failFirst: 6}
	breaker := resilience.NewCircuitBreaker("flaky", resilience.CircuitBreakerConfig{
		FailureThreshold: 2,
		ResetTimeout:     5 * time.Millisecond,
		MaxWaits:         3,
	})
	inv := invoke.New(backend, invoke.Params{Model: "m", Timeout: time.Second},
		invoke.WithRetry(resilience.RetryConfig{MaxAttempts: 1}),
		invoke.WithCircuitBreaker(breaker),
	)

	keys := make([]string, 20)
	for i := range keys {
		keys[i] = fmt.Sprintf("rec-%02d", i)
	}
	noCircuitFailures := func() {
		for k, r := range rowsByKey(t, sink) {
			for _, e := range r.Errors() {
				assert.NotEqual(t, model.FailureCircuitOpen, e.Kind, k)
			}
		}
	}

	s := New(newLabelTask(), inv, sink, Options{BatchSize: 2, Workers: 4, Reporter: NopReporter{}})
	sum, err := s.Run(context.Background(), records(keys...))
	require.NoError(t, err)
	assert.Equal(t, sum.Batches, sum.Written+sum.Deferred)
	noCircuitFailures()

	// Once the service is back, reruns complete the deferred records.
	for attempt := 0; sum.Deferred > 0 && attempt < 10; attempt++ {
		sum, err = s.Run(context.Background(), records(keys...))
		require.NoError(t, err)
		noCircuitFailures()
	}
	assert.Equal(t, 0, sum.Deferred)
	assert.Len(t, rowsByKey(t, sink), 20)
}
