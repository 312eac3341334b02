package dispatch

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/me/tskmgr/internal/events"
	"github.com/me/tskmgr/internal/store"
	"github.com/me/tskmgr/pkg/model"
)

// testClock advances one second every time it is read.
type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(time.Second)
	return c.now
}

func testEngine(t *testing.T) (*Engine, store.Store) {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	st, err := store.NewSQLiteStore(":memory:", logger)
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	if err := st.Migrate(context.Background()); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	t.Cleanup(func() { st.Close() })

	clock := &testClock{now: time.Date(2024, 5, 1, 9, 0, 0, 0, time.UTC)}
	cfg := DefaultConfig()
	cfg.Clock = clock.Now
	return NewEngine(st, events.NewBus(logger), cfg, logger), st
}

func spec(command string, args ...string) model.TaskSpec {
	return model.TaskSpec{Command: command, Arguments: args}
}

func mustRun(t *testing.T, e *Engine, changeSet string) *model.Run {
	t.Helper()
	run, err := e.CreateRun(context.Background(), "test", changeSet)
	if err != nil {
		t.Fatalf("create run: %v", err)
	}
	return run
}

func mustBatch(t *testing.T, e *Engine, runID string, specs ...model.TaskSpec) []*model.Task {
	t.Helper()
	tasks, err := e.CreateBatch(context.Background(), runID, specs)
	if err != nil {
		t.Fatalf("create batch: %v", err)
	}
	return tasks
}

func mustClaim(t *testing.T, e *Engine, runID, runnerID string) *model.ClaimResult {
	t.Helper()
	res, err := e.Claim(context.Background(), runID, runnerID, runnerID+".local")
	if err != nil {
		t.Fatalf("claim: %v", err)
	}
	return res
}

var historySeq atomic.Int64

// seedHistory inserts a completed task of sig in its own finished run.
func seedHistory(t *testing.T, st store.Store, changeSet, runner string, sig model.TaskSpec, duration float64, cached bool, endedAt time.Time) {
	t.Helper()
	ctx := context.Background()
	runID := fmt.Sprintf("run_hist_%d", historySeq.Add(1))
	if err := st.CreateRun(ctx, &model.Run{
		ID: runID, ChangeSetID: changeSet, Status: model.RunStatusCompleted,
		CreatedAt: endedAt, UpdatedAt: endedAt, EndedAt: &endedAt,
	}); err != nil {
		t.Fatalf("create history run: %v", err)
	}
	sig.Normalize()
	started := endedAt.Add(-time.Duration(duration * float64(time.Second)))
	d := duration
	err := st.InsertTasks(ctx, []*model.Task{{
		ID: "task_" + runID, RunID: runID, ChangeSetID: changeSet,
		Type: sig.Type, Command: sig.Command, Arguments: sig.Arguments, Options: sig.Options,
		Status: model.TaskStatusCompleted, RunnerID: runner,
		CreatedAt: started, StartedAt: &started, EndedAt: &endedAt, Duration: &d, Cached: cached,
	}})
	if err != nil {
		t.Fatalf("insert history: %v", err)
	}
}

// --- CreateBatch ---

func TestCreateBatch_StartsRun(t *testing.T) {
	e, _ := testEngine(t)
	ctx := context.Background()
	run := mustRun(t, e, "")

	tasks := mustBatch(t, e, run.ID, spec("nx", "build", "a"), spec("nx", "build", "b"))
	if len(tasks) != 2 {
		t.Fatalf("len = %d, want 2", len(tasks))
	}
	for _, task := range tasks {
		if task.Status != model.TaskStatusPending {
			t.Errorf("task %s status = %q, want PENDING", task.ID, task.Status)
		}
		if task.Type != model.DefaultTaskType {
			t.Errorf("task type = %q, want %q", task.Type, model.DefaultTaskType)
		}
	}

	got, _ := e.GetRun(ctx, run.ID)
	if got.Status != model.RunStatusStarted {
		t.Errorf("run status = %q, want STARTED", got.Status)
	}
}

func TestCreateBatch_EmptyBatchStartsRun(t *testing.T) {
	e, _ := testEngine(t)
	run := mustRun(t, e, "")

	tasks := mustBatch(t, e, run.ID)
	if len(tasks) != 0 {
		t.Errorf("len = %d, want 0", len(tasks))
	}
	got, _ := e.GetRun(context.Background(), run.ID)
	if got.Status != model.RunStatusStarted {
		t.Errorf("run status = %q, want STARTED", got.Status)
	}
}

func TestCreateBatch_Validation(t *testing.T) {
	e, _ := testEngine(t)
	run := mustRun(t, e, "")

	_, err := e.CreateBatch(context.Background(), run.ID, []model.TaskSpec{spec("ok"), spec("  ")})
	var apiErr *model.APIError
	if !errors.As(err, &apiErr) || apiErr.Code != model.ErrValidation {
		t.Fatalf("err = %v, want validation error", err)
	}
	if len(apiErr.Details) != 1 || apiErr.Details[0].Field != "tasks[1].command" {
		t.Errorf("details = %+v", apiErr.Details)
	}

	tasks, _ := e.ListTasks(context.Background(), run.ID)
	if len(tasks) != 0 {
		t.Errorf("invalid batch created %d tasks", len(tasks))
	}
}

func TestCreateBatch_UnencodableOptions(t *testing.T) {
	e, st := testEngine(t)
	run := mustRun(t, e, "cs-1")

	bad := model.TaskSpec{Command: "make", Options: map[string]any{"ratio": math.Inf(1)}}
	_, err := e.CreateBatch(context.Background(), run.ID, []model.TaskSpec{spec("ok"), bad})
	var apiErr *model.APIError
	if !errors.As(err, &apiErr) || apiErr.Code != model.ErrValidation {
		t.Fatalf("err = %v, want validation error", err)
	}
	if len(apiErr.Details) != 1 || apiErr.Details[0].Field != "tasks[1].options" {
		t.Errorf("details = %+v", apiErr.Details)
	}

	// Callers that skip validation get an error from the hint lookups.
	if _, err := NewEstimator(DefaultSampleSize).Estimate(context.Background(), st, bad.Signature()); err == nil {
		t.Error("Estimate: expected error for unencodable options")
	}
	if _, err := (AffinityResolver{}).Resolve(context.Background(), st, "cs-1", bad.Signature()); err == nil {
		t.Error("Resolve: expected error for unencodable options")
	}
}

func TestCreateBatch_UnknownRun(t *testing.T) {
	e, _ := testEngine(t)
	_, err := e.CreateBatch(context.Background(), "run_missing", []model.TaskSpec{spec("x")})
	if !errors.Is(err, model.ErrRunNotFound) {
		t.Errorf("err = %v, want ErrRunNotFound", err)
	}
}

func TestCreateBatch_RejectedOnceClosedOrAborted(t *testing.T) {
	e, _ := testEngine(t)
	ctx := context.Background()

	closed := mustRun(t, e, "")
	mustBatch(t, e, closed.ID, spec("a"))
	if _, err := e.CloseRun(ctx, closed.ID); err != nil {
		t.Fatalf("close: %v", err)
	}
	if _, err := e.CreateBatch(ctx, closed.ID, []model.TaskSpec{spec("b")}); !errors.Is(err, model.ErrRunNotAcceptingTasks) {
		t.Errorf("closed run: err = %v, want ErrRunNotAcceptingTasks", err)
	}

	aborted := mustRun(t, e, "")
	if _, err := e.AbortRun(ctx, aborted.ID); err != nil {
		t.Fatalf("abort: %v", err)
	}
	if _, err := e.CreateBatch(ctx, aborted.ID, []model.TaskSpec{spec("b")}); !errors.Is(err, model.ErrRunNotAcceptingTasks) {
		t.Errorf("aborted run: err = %v, want ErrRunNotAcceptingTasks", err)
	}
}

// --- Estimator and affinity ---

func TestEstimate_UsesMostRecentNonCachedSamples(t *testing.T) {
	e, st := testEngine(t)
	ctx := context.Background()
	sig := spec("nx", "test", "lib")
	base := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

	// Five old samples that must fall outside the window.
	for i := 0; i < 5; i++ {
		seedHistory(t, st, "", "", sig, 1000, false, base.Add(time.Duration(i)*time.Minute))
	}
	// Twenty-five recent samples of 10s.
	for i := 0; i < DefaultSampleSize; i++ {
		seedHistory(t, st, "", "", sig, 10, false, base.Add(time.Hour+time.Duration(i)*time.Minute))
	}
	// The newest completion was a cache hit and must be ignored.
	seedHistory(t, st, "", "", sig, 0.01, true, base.Add(2*time.Hour))

	sig.Normalize()
	avg, err := e.estimator.Estimate(ctx, st, sig.Signature())
	if err != nil {
		t.Fatalf("estimate: %v", err)
	}
	if avg == nil || math.Abs(*avg-10) > 1e-9 {
		t.Errorf("estimate = %v, want 10", avg)
	}
}

func TestEstimate_NoSamples(t *testing.T) {
	e, st := testEngine(t)
	avg, err := e.estimator.Estimate(context.Background(), st, model.Signature{Type: "exec", Command: "never"})
	if err != nil {
		t.Fatalf("estimate: %v", err)
	}
	if avg != nil {
		t.Errorf("estimate = %v, want nil", *avg)
	}
}

func TestEstimate_SmallSampleSize(t *testing.T) {
	_, st := testEngine(t)
	sig := spec("go", "test")
	base := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	seedHistory(t, st, "", "", sig, 4, false, base)
	seedHistory(t, st, "", "", sig, 2, false, base.Add(time.Minute))

	sig.Normalize()
	avg, err := NewEstimator(1).Estimate(context.Background(), st, sig.Signature())
	if err != nil {
		t.Fatalf("estimate: %v", err)
	}
	if avg == nil || *avg != 2 {
		t.Errorf("estimate = %v, want 2", avg)
	}
}

func TestCreateBatch_AnnotatesEstimateAndAffinity(t *testing.T) {
	e, st := testEngine(t)
	base := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	build := spec("nx", "build", "app")

	seedHistory(t, st, "pr-9", "runner-old", build, 30, false, base)
	seedHistory(t, st, "pr-9", "runner-warm", build, 50, false, base.Add(time.Minute))
	seedHistory(t, st, "pr-1", "runner-other", build, 40, false, base.Add(2*time.Minute))

	run := mustRun(t, e, "pr-9")
	tasks := mustBatch(t, e, run.ID, build, spec("nx", "lint"))

	if tasks[0].AvgDuration == nil || *tasks[0].AvgDuration != 40 {
		t.Errorf("avg_duration = %v, want 40", tasks[0].AvgDuration)
	}
	if tasks[0].RunnerID != "runner-warm" {
		t.Errorf("runner_id = %q, want runner-warm", tasks[0].RunnerID)
	}
	if tasks[1].AvgDuration != nil || tasks[1].RunnerID != "" {
		t.Errorf("unknown signature got hints: avg=%v runner=%q", tasks[1].AvgDuration, tasks[1].RunnerID)
	}

	// No change-set means no affinity, though the estimate still applies.
	anon := mustRun(t, e, "")
	tasks = mustBatch(t, e, anon.ID, build)
	if tasks[0].RunnerID != "" {
		t.Errorf("runner_id = %q, want empty without change-set", tasks[0].RunnerID)
	}
	if tasks[0].AvgDuration == nil {
		t.Error("avg_duration missing for run without change-set")
	}
}

func TestResolve_IgnoresCompletionsWithoutRunner(t *testing.T) {
	_, st := testEngine(t)
	sig := spec("make")
	seedHistory(t, st, "pr-2", "", sig, 1, false, time.Now())

	sig.Normalize()
	got, err := AffinityResolver{}.Resolve(context.Background(), st, "pr-2", sig.Signature())
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if got != "" {
		t.Errorf("resolve = %q, want empty", got)
	}
}

// --- Claim ---

func TestClaim_LongestFirstThenCreationOrder(t *testing.T) {
	e, st := testEngine(t)
	base := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	seedHistory(t, st, "", "", spec("slow"), 120, false, base)
	seedHistory(t, st, "", "", spec("fast"), 5, false, base)

	run := mustRun(t, e, "")
	mustBatch(t, e, run.ID, spec("unknown-1"), spec("fast"), spec("slow"), spec("unknown-2"))

	var got []string
	for i := 0; i < 4; i++ {
		res := mustClaim(t, e, run.ID, "r1")
		if res.Task == nil {
			t.Fatalf("claim %d returned no task", i)
		}
		got = append(got, res.Task.Command)
	}
	want := []string{"slow", "fast", "unknown-1", "unknown-2"}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("claim order = %v, want %v", got, want)
		}
	}
}

func TestClaim_PrefersAffineWork(t *testing.T) {
	e, st := testEngine(t)
	base := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	seedHistory(t, st, "pr-5", "runner-y", spec("long"), 300, false, base)
	seedHistory(t, st, "pr-5", "runner-x", spec("short"), 3, false, base)

	run := mustRun(t, e, "pr-5")
	mustBatch(t, e, run.ID, spec("long"), spec("short"))

	// X takes its own short task before stealing Y's long one.
	res := mustClaim(t, e, run.ID, "runner-x")
	if res.Task == nil || res.Task.Command != "short" {
		t.Fatalf("phase 1 claim = %+v, want short", res.Task)
	}
	res = mustClaim(t, e, run.ID, "runner-x")
	if res.Task == nil || res.Task.Command != "long" {
		t.Fatalf("phase 2 claim = %+v, want long", res.Task)
	}
	if res.Task.RunnerID != "runner-x" || res.Task.RunnerHost != "runner-x.local" {
		t.Errorf("claimed by %s@%s, want runner-x", res.Task.RunnerID, res.Task.RunnerHost)
	}
	if !res.Continue {
		t.Error("continue = false on a started run")
	}
}

func TestClaim_EmptyQueue(t *testing.T) {
	e, _ := testEngine(t)
	ctx := context.Background()
	run := mustRun(t, e, "")

	res := mustClaim(t, e, run.ID, "r1")
	if !res.Continue || res.Task != nil {
		t.Errorf("open run with no tasks = %+v, want continue without task", res)
	}

	mustBatch(t, e, run.ID, spec("a"))
	mustClaim(t, e, run.ID, "r1")
	if _, err := e.CloseRun(ctx, run.ID); err != nil {
		t.Fatalf("close: %v", err)
	}
	res = mustClaim(t, e, run.ID, "r2")
	if res.Continue || res.Task != nil {
		t.Errorf("closed run with nothing pending = %+v, want stop", res)
	}
}

func TestClaim_ClosedRunStillHandsOutPending(t *testing.T) {
	e, _ := testEngine(t)
	run := mustRun(t, e, "")
	mustBatch(t, e, run.ID, spec("a"))
	if _, err := e.CloseRun(context.Background(), run.ID); err != nil {
		t.Fatalf("close: %v", err)
	}
	res := mustClaim(t, e, run.ID, "r1")
	if !res.Continue || res.Task == nil {
		t.Errorf("claim on closed run = %+v, want pending task", res)
	}
}

func TestClaim_EndedRunStops(t *testing.T) {
	e, _ := testEngine(t)
	run := mustRun(t, e, "")
	mustBatch(t, e, run.ID, spec("a"), spec("b"))
	if _, err := e.AbortRun(context.Background(), run.ID); err != nil {
		t.Fatalf("abort: %v", err)
	}

	res := mustClaim(t, e, run.ID, "r1")
	if res.Continue || res.Task != nil {
		t.Errorf("claim on aborted run = %+v, want {continue:false}", res)
	}
}

func TestClaim_Errors(t *testing.T) {
	e, _ := testEngine(t)
	ctx := context.Background()
	if _, err := e.Claim(ctx, "run_missing", "r1", "h"); !errors.Is(err, model.ErrRunNotFound) {
		t.Errorf("unknown run: err = %v, want ErrRunNotFound", err)
	}
	run := mustRun(t, e, "")
	_, err := e.Claim(ctx, run.ID, " ", "h")
	var apiErr *model.APIError
	if !errors.As(err, &apiErr) || apiErr.Code != model.ErrValidation {
		t.Errorf("empty runner: err = %v, want validation error", err)
	}
}

func TestClaim_ConcurrentRunnersGetDistinctTasks(t *testing.T) {
	e, _ := testEngine(t)
	run := mustRun(t, e, "")
	var specs []model.TaskSpec
	for i := 0; i < 25; i++ {
		specs = append(specs, spec("job", fmt.Sprint(i)))
	}
	mustBatch(t, e, run.ID, specs...)

	var (
		mu   sync.Mutex
		seen = make(map[string]int)
		wg   sync.WaitGroup
	)
	for r := 0; r < 5; r++ {
		runner := fmt.Sprintf("runner-%d", r)
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				res, err := e.Claim(context.Background(), run.ID, runner, "host")
				if err != nil {
					t.Errorf("claim: %v", err)
					return
				}
				if res.Task == nil {
					return
				}
				mu.Lock()
				seen[res.Task.ID]++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	if len(seen) != 25 {
		t.Errorf("claimed %d distinct tasks, want 25", len(seen))
	}
	for id, n := range seen {
		if n != 1 {
			t.Errorf("task %s handed out %d times", id, n)
		}
	}
}

// --- Reports ---

func TestReportCompletion(t *testing.T) {
	e, _ := testEngine(t)
	run := mustRun(t, e, "")
	mustBatch(t, e, run.ID, spec("a"))
	claimed := mustClaim(t, e, run.ID, "r1").Task

	task, err := e.ReportCompletion(context.Background(), claimed.ID, true)
	if err != nil {
		t.Fatalf("report: %v", err)
	}
	if task.Status != model.TaskStatusCompleted || !task.Cached {
		t.Errorf("task = %+v", task)
	}
	if task.Duration == nil || *task.Duration <= 0 {
		t.Errorf("duration = %v, want > 0", task.Duration)
	}
	stored, _ := e.GetTask(context.Background(), claimed.ID)
	if stored.EndedAt == nil || stored.Status != model.TaskStatusCompleted {
		t.Errorf("stored task = %+v", stored)
	}
}

func TestReportCompletion_InvalidTransitions(t *testing.T) {
	e, _ := testEngine(t)
	ctx := context.Background()
	run := mustRun(t, e, "")
	tasks := mustBatch(t, e, run.ID, spec("a"), spec("b"))

	// Still pending.
	pending := tasks[0]
	if _, err := e.ReportCompletion(ctx, pending.ID, false); !errors.Is(err, model.ErrInvalidTaskTransition) {
		t.Errorf("pending: err = %v, want ErrInvalidTaskTransition", err)
	}

	// Already finished.
	claimed := mustClaim(t, e, run.ID, "r1").Task
	if _, err := e.ReportCompletion(ctx, claimed.ID, false); err != nil {
		t.Fatalf("first report: %v", err)
	}
	if _, err := e.ReportCompletion(ctx, claimed.ID, false); !errors.Is(err, model.ErrInvalidTaskTransition) {
		t.Errorf("double completion: err = %v, want ErrInvalidTaskTransition", err)
	}
	if _, err := e.ReportFailure(ctx, claimed.ID); !errors.Is(err, model.ErrInvalidTaskTransition) {
		t.Errorf("failure after completion: err = %v, want ErrInvalidTaskTransition", err)
	}

	if _, err := e.ReportCompletion(ctx, "task_missing", false); !errors.Is(err, model.ErrTaskNotFound) {
		t.Errorf("unknown task: err = %v, want ErrTaskNotFound", err)
	}
}

func TestReportCompletion_ConcurrentReportsOneWinner(t *testing.T) {
	e, _ := testEngine(t)
	run := mustRun(t, e, "")
	mustBatch(t, e, run.ID, spec("a"), spec("b"))
	claimed := mustClaim(t, e, run.ID, "r1").Task

	var (
		wg   sync.WaitGroup
		mu   sync.Mutex
		wins int
	)
	for i := 0; i < 6; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := e.ReportCompletion(context.Background(), claimed.ID, false)
			if err == nil {
				mu.Lock()
				wins++
				mu.Unlock()
			} else if !errors.Is(err, model.ErrInvalidTaskTransition) {
				t.Errorf("unexpected error: %v", err)
			}
		}()
	}
	wg.Wait()
	if wins != 1 {
		t.Errorf("%d reports succeeded, want 1", wins)
	}
}

func TestReportFailure_AbortsRun(t *testing.T) {
	e, _ := testEngine(t)
	ctx := context.Background()
	run := mustRun(t, e, "")
	mustBatch(t, e, run.ID, spec("a"), spec("b"), spec("c"))
	first := mustClaim(t, e, run.ID, "r1").Task
	mustClaim(t, e, run.ID, "r2")

	task, err := e.ReportFailure(ctx, first.ID)
	if err != nil {
		t.Fatalf("report failure: %v", err)
	}
	if task.Status != model.TaskStatusFailed {
		t.Errorf("task status = %q, want FAILED", task.Status)
	}

	got, _ := e.GetRun(ctx, run.ID)
	if got.Status != model.RunStatusAborted || got.EndedAt == nil {
		t.Errorf("run = %+v, want ABORTED with ended_at", got)
	}
	if res := mustClaim(t, e, run.ID, "r3"); res.Continue || res.Task != nil {
		t.Errorf("claim after abort = %+v, want stop", res)
	}
}

func TestReportFailure_AbortsCreatedAndClosedRuns(t *testing.T) {
	e, st := testEngine(t)
	ctx := context.Background()

	// A run still CREATED can only hold a started task if it was written
	// directly, so seed it through the store.
	now := time.Now().UTC()
	created := &model.Run{ID: "run_created", Status: model.RunStatusCreated, CreatedAt: now, UpdatedAt: now}
	if err := st.CreateRun(ctx, created); err != nil {
		t.Fatalf("create run: %v", err)
	}
	if err := st.InsertTasks(ctx, []*model.Task{{
		ID: "task_started", RunID: created.ID, Type: "exec", Command: "x",
		Status: model.TaskStatusPending, CreatedAt: now,
	}}); err != nil {
		t.Fatalf("insert: %v", err)
	}
	if _, err := st.ClaimTask(ctx, store.ClaimRequest{RunID: created.ID, RunnerID: "r1", Now: now}); err != nil {
		t.Fatalf("claim: %v", err)
	}
	if _, err := e.ReportFailure(ctx, "task_started"); err != nil {
		t.Fatalf("report failure: %v", err)
	}
	if got, _ := e.GetRun(ctx, created.ID); got.Status != model.RunStatusAborted {
		t.Errorf("created run status = %q, want ABORTED", got.Status)
	}

	closed := mustRun(t, e, "")
	mustBatch(t, e, closed.ID, spec("a"), spec("b"))
	task := mustClaim(t, e, closed.ID, "r1").Task
	if _, err := e.CloseRun(ctx, closed.ID); err != nil {
		t.Fatalf("close: %v", err)
	}
	if _, err := e.ReportFailure(ctx, task.ID); err != nil {
		t.Fatalf("report failure: %v", err)
	}
	if got, _ := e.GetRun(ctx, closed.ID); got.Status != model.RunStatusAborted {
		t.Errorf("closed run status = %q, want ABORTED", got.Status)
	}
}

// --- End to end ---

func TestEndToEnd(t *testing.T) {
	e, st := testEngine(t)
	ctx := context.Background()
	base := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	seedHistory(t, st, "", "", spec("task-a"), 90, false, base)
	seedHistory(t, st, "", "", spec("task-b"), 15, false, base)

	run := mustRun(t, e, "")
	if run.Status != model.RunStatusCreated {
		t.Fatalf("new run status = %q, want CREATED", run.Status)
	}
	tasks := mustBatch(t, e, run.ID, spec("task-b"), spec("task-a"))
	if got, _ := e.GetRun(ctx, run.ID); got.Status != model.RunStatusStarted {
		t.Fatalf("run status = %q, want STARTED", got.Status)
	}
	for _, task := range tasks {
		if task.Status != model.TaskStatusPending {
			t.Fatalf("task %s status = %q, want PENDING", task.Command, task.Status)
		}
	}

	x := mustClaim(t, e, run.ID, "X").Task
	if x == nil || x.Command != "task-a" || x.Status != model.TaskStatusStarted {
		t.Fatalf("X claimed %+v, want task-a STARTED", x)
	}
	y := mustClaim(t, e, run.ID, "Y").Task
	if y == nil || y.Command != "task-b" {
		t.Fatalf("Y claimed %+v, want task-b", y)
	}

	if _, err := e.ReportCompletion(ctx, x.ID, false); err != nil {
		t.Fatalf("complete a: %v", err)
	}
	closed, err := e.CloseRun(ctx, run.ID)
	if err != nil {
		t.Fatalf("close: %v", err)
	}
	if closed.Status != model.RunStatusClosed {
		t.Fatalf("run status after close = %q, want CLOSED", closed.Status)
	}
	if _, err := e.ReportCompletion(ctx, y.ID, false); err != nil {
		t.Fatalf("complete b: %v", err)
	}

	got, _ := e.GetRun(ctx, run.ID)
	if got.Status != model.RunStatusCompleted || got.EndedAt == nil {
		t.Errorf("final run = %+v, want COMPLETED with ended_at", got)
	}
}

func TestEvents(t *testing.T) {
	e, _ := testEngine(t)
	run := mustRun(t, e, "")

	var (
		mu  sync.Mutex
		got []string
	)
	unsub := e.Events().Subscribe(run.ID, func(ev events.Event) {
		mu.Lock()
		got = append(got, ev.Type)
		mu.Unlock()
	})
	defer unsub()

	mustBatch(t, e, run.ID, spec("a"))
	task := mustClaim(t, e, run.ID, "r1").Task
	if _, err := e.CloseRun(context.Background(), run.ID); err != nil {
		t.Fatalf("close: %v", err)
	}
	if _, err := e.ReportCompletion(context.Background(), task.ID, false); err != nil {
		t.Fatalf("complete: %v", err)
	}

	want := []string{
		events.TaskCreated, events.RunUpdated, // batch starts the run
		events.TaskClaimed,
		events.RunUpdated,                       // closed
		events.TaskCompleted, events.RunUpdated, // completed
	}
	mu.Lock()
	defer mu.Unlock()
	if len(got) != len(want) {
		t.Fatalf("events = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("event %d = %s, want %s", i, got[i], want[i])
		}
	}
}
