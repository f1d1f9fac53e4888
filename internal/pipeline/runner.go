package pipeline

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/nber-i3/pvingest/internal/config"
	"github.com/nber-i3/pvingest/internal/logging"
	"github.com/nber-i3/pvingest/internal/metrics"
	"github.com/nber-i3/pvingest/internal/publisher"
)

// TaskStatus classifies how a task ended.
type TaskStatus string

const (
	// TaskSucceeded means the task ran and completed.
	TaskSucceeded TaskStatus = "succeeded"
	// TaskFailed means the task ran and returned an error.
	TaskFailed TaskStatus = "failed"
	// TaskFresh means the task was skipped because its outputs are
	// up to date.
	TaskFresh TaskStatus = "fresh"
	// TaskBlocked means the task never ran because an upstream task
	// failed or the run was cancelled.
	TaskBlocked TaskStatus = "blocked"
)

// Result is the outcome of one task in one run.
type Result struct {
	Status   TaskStatus
	Err      error
	Duration time.Duration
}

// Summary collects per-task results for a run.
type Summary struct {
	RunID   string
	Results map[string]Result
}

// Failed returns the names of failed tasks, sorted.
func (s Summary) Failed() []string {
	var out []string
	for name, res := range s.Results {
		if res.Status == TaskFailed {
			out = append(out, name)
		}
	}
	sort.Strings(out)
	return out
}

// Counts tallies results by status.
func (s Summary) Counts() map[TaskStatus]int {
	out := make(map[TaskStatus]int)
	for _, res := range s.Results {
		out[res.Status]++
	}
	return out
}

// Err returns a run-level error when any task failed.
func (s Summary) Err() error {
	failed := s.Failed()
	if len(failed) == 0 {
		return nil
	}
	return fmt.Errorf("%d task(s) failed: %v", len(failed), failed)
}

// Runner executes a task graph with a bounded worker pool. Tasks whose
// upstreams all completed may run in parallel; a task never starts
// before its upstreams finish.
type Runner struct {
	graph       *Graph
	resolver    *Resolver
	pub         publisher.Publisher
	logger      *zap.Logger
	flavor      string
	version     string
	concurrency int
}

// NewRunner builds a Runner. The publisher may be nil, in which case no
// completion events are emitted.
func NewRunner(cfg config.Config, graph *Graph, resolver *Resolver, pub publisher.Publisher, logger *zap.Logger) *Runner {
	concurrency := cfg.Pipeline.Concurrency
	if concurrency <= 0 {
		concurrency = 1
	}
	return &Runner{
		graph:       graph,
		resolver:    resolver,
		pub:         pub,
		logger:      logger,
		flavor:      cfg.Flavor,
		version:     cfg.Version,
		concurrency: concurrency,
	}
}

type runState struct {
	mu       sync.Mutex
	results  map[string]Result
	reran    map[string]bool
	indegree map[string]int
	ready    chan string
}

// Run executes the graph to completion and reports per-task results.
// Failures are scoped: a failed task blocks its downstream tasks but
// never its siblings.
func (r *Runner) Run(ctx context.Context) Summary {
	runID := uuid.NewString()
	logger := logging.ForRun(r.logger, runID, r.flavor, r.version)
	logger.Info("run starting", zap.Int("tasks", r.graph.Len()), zap.Int("concurrency", r.concurrency))

	st := &runState{
		results:  make(map[string]Result, r.graph.Len()),
		reran:    make(map[string]bool, r.graph.Len()),
		indegree: make(map[string]int, r.graph.Len()),
		ready:    make(chan string, r.graph.Len()),
	}
	for _, name := range r.graph.Order() {
		st.indegree[name] = len(r.graph.Task(name).Upstreams)
		if st.indegree[name] == 0 {
			st.ready <- name
		}
	}

	var pending sync.WaitGroup
	pending.Add(r.graph.Len())

	var workers sync.WaitGroup
	for i := 0; i < r.concurrency; i++ {
		workers.Add(1)
		go func() {
			defer workers.Done()
			for name := range st.ready {
				r.execute(ctx, runID, logger, st, name)
				r.release(st, name)
				pending.Done()
			}
		}()
	}

	pending.Wait()
	close(st.ready)
	workers.Wait()

	summary := Summary{RunID: runID, Results: st.results}
	logger.Info("run finished",
		zap.Any("counts", summary.Counts()),
		zap.Strings("failed", summary.Failed()),
	)
	return summary
}

// release marks name complete and enqueues downstream tasks whose
// upstreams have all finished.
func (r *Runner) release(st *runState, name string) {
	st.mu.Lock()
	defer st.mu.Unlock()
	for _, next := range r.graph.Downstreams(name) {
		st.indegree[next]--
		if st.indegree[next] == 0 {
			st.ready <- next
		}
	}
}

func (r *Runner) execute(ctx context.Context, runID string, logger *zap.Logger, st *runState, name string) {
	task := r.graph.Task(name)
	taskLogger := logger.With(zap.String("task", name))

	upstreamReran, blocker := r.upstreamState(st, task)
	if blocker != "" {
		r.finish(st, name, Result{Status: TaskBlocked, Err: fmt.Errorf("upstream %s did not succeed", blocker)})
		metrics.ObserveTask(name, string(TaskBlocked), 0)
		r.publish(ctx, runID, task, publisher.StatusSkipped, "upstream "+blocker+" did not succeed")
		taskLogger.Warn("task blocked", zap.String("upstream", blocker))
		return
	}
	if err := ctx.Err(); err != nil {
		r.finish(st, name, Result{Status: TaskBlocked, Err: err})
		metrics.ObserveTask(name, string(TaskBlocked), 0)
		r.publish(ctx, runID, task, publisher.StatusSkipped, err.Error())
		return
	}

	stale, err := r.resolver.IsStale(name, task.InputDir, task.InputPattern, upstreamReran)
	if err != nil {
		var stErr *StalenessComputationError
		if errors.As(err, &stErr) {
			taskLogger.Warn("staleness check failed, assuming stale", zap.Error(err))
		} else {
			taskLogger.Warn("staleness check error", zap.Error(err))
		}
	}
	if !stale {
		r.finish(st, name, Result{Status: TaskFresh})
		metrics.ObserveTask(name, string(TaskFresh), 0)
		r.publish(ctx, runID, task, publisher.StatusSkipped, "")
		taskLogger.Debug("task fresh, skipping")
		return
	}

	taskLogger.Info("task starting")
	metrics.IncActiveWorkers()
	start := time.Now()
	runErr := task.Run(ctx)
	duration := time.Since(start)
	metrics.DecActiveWorkers()

	if runErr != nil {
		r.finish(st, name, Result{Status: TaskFailed, Err: runErr, Duration: duration})
		metrics.ObserveTask(name, string(TaskFailed), duration)
		r.publish(ctx, runID, task, publisher.StatusFailed, runErr.Error())
		taskLogger.Error("task failed", zap.Error(runErr), zap.Duration("duration", duration))
		return
	}

	if err := r.resolver.RecordCompletion(name, runID, task.InputDir, task.InputPattern); err != nil {
		taskLogger.Warn("recording completion marker failed", zap.Error(err))
	}
	st.mu.Lock()
	st.reran[name] = true
	st.mu.Unlock()

	r.finish(st, name, Result{Status: TaskSucceeded, Duration: duration})
	metrics.ObserveTask(name, string(TaskSucceeded), duration)
	r.publish(ctx, runID, task, publisher.StatusSucceeded, "")
	taskLogger.Info("task succeeded", zap.Duration("duration", duration))
}

// upstreamState reports whether any upstream re-ran this invocation and
// names the first upstream that failed or was blocked, if any.
func (r *Runner) upstreamState(st *runState, task *Task) (reran bool, blocker string) {
	st.mu.Lock()
	defer st.mu.Unlock()
	for _, up := range task.Upstreams {
		if st.reran[up] {
			reran = true
		}
		res, ok := st.results[up]
		if !ok {
			continue
		}
		if res.Status == TaskFailed || res.Status == TaskBlocked {
			if blocker == "" {
				blocker = up
			}
		}
	}
	return reran, blocker
}

func (r *Runner) finish(st *runState, name string, res Result) {
	st.mu.Lock()
	st.results[name] = res
	st.mu.Unlock()
}

func (r *Runner) publish(ctx context.Context, runID string, task *Task, status, errText string) {
	if r.pub == nil {
		return
	}
	_, err := r.pub.Publish(ctx, publisher.Event{
		RunID:     runID,
		Flavor:    r.flavor,
		Version:   r.version,
		Table:     task.Table,
		Task:      task.Name,
		Status:    status,
		Error:     errText,
		Timestamp: time.Now().UTC(),
	})
	if err != nil {
		r.logger.Warn("publishing completion event failed",
			zap.String("task", task.Name),
			zap.Error(err),
		)
	}
}
