// Package heartbeat runs registered periodic tasks on a plain interval or a
// cron schedule, honoring quiet/active-hour windows, and surfaces a small
// proactive-suggestion layer over each task's result.
package heartbeat

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/adhocore/gronx"

	"github.com/agentforge/core/internal/bus"
	"github.com/agentforge/core/internal/config"
	"github.com/agentforge/core/pkg/protocol"
)

// cronPollInterval is how often a cron-scheduled task checks whether it is
// due; gronx expressions only have minute resolution, so anything finer
// than a minute would just waste CPU.
const cronPollInterval = 30 * time.Second

// Schedule describes when a task should run: either a plain interval, or a
// standard five-field cron expression evaluated with gronx.
type Schedule struct {
	Interval time.Duration
	Cron     string
}

func (s Schedule) isCron() bool { return s.Cron != "" }

// Task is one registered periodic job.
type Task struct {
	ID       string
	Schedule Schedule
	Enabled  bool

	// Handler does the task's work and returns a short description of what
	// it did, used both for the "ran" event payload and as input to the
	// suggestion heuristics.
	Handler func(ctx context.Context) (result string, err error)
	OnError func(err error)
}

// Result is the outcome of one execution attempt.
type Result struct {
	TaskID    string
	Status    Status
	Reason    string
	Result    string
	Duration  time.Duration
	Timestamp time.Time
}

// Status is the outcome category of one heartbeat execution.
type Status string

const (
	StatusRan     Status = "ran"
	StatusSkipped Status = "skipped"
	StatusFailed  Status = "failed"
)

// Engine owns a set of tasks, a quiet/active-hours policy, and the
// suggestion engine that watches each task's results.
type Engine struct {
	mu        sync.Mutex
	cfg       config.HeartbeatConfig
	publisher bus.EventPublisher
	suggester *Suggester

	runners map[string]*taskRunner
	running bool
	ctx     context.Context
	cancel  context.CancelFunc
}

type taskRunner struct {
	task    Task
	stopCh  chan struct{}
	running bool
}

// NewEngine builds an Engine. publisher may be nil, in which case events are
// simply not emitted (useful for tests exercising RunOnce directly).
func NewEngine(cfg config.HeartbeatConfig, publisher bus.EventPublisher) *Engine {
	return &Engine{
		cfg:       cfg,
		publisher: publisher,
		suggester: NewSuggester(cfg),
		runners:   make(map[string]*taskRunner),
	}
}

// Register adds a task. If the engine is already running, the task starts
// immediately.
func (e *Engine) Register(task Task) {
	e.mu.Lock()
	defer e.mu.Unlock()

	r := &taskRunner{task: task, stopCh: make(chan struct{})}
	e.runners[task.ID] = r
	if e.running && task.Enabled {
		go e.runTask(e.ctx, r)
	}
}

// Remove stops and forgets a task.
func (e *Engine) Remove(id string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if r, ok := e.runners[id]; ok {
		close(r.stopCh)
		delete(e.runners, id)
	}
}

// Start begins running every registered, enabled task.
func (e *Engine) Start(ctx context.Context) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.running {
		return
	}
	e.ctx, e.cancel = context.WithCancel(ctx)
	e.running = true
	for _, r := range e.runners {
		if r.task.Enabled {
			go e.runTask(e.ctx, r)
		}
	}
}

// Stop halts all tasks.
func (e *Engine) Stop() {
	e.mu.Lock()
	defer e.mu.Unlock()
	if !e.running {
		return
	}
	if e.cancel != nil {
		e.cancel()
	}
	for _, r := range e.runners {
		select {
		case <-r.stopCh:
		default:
			close(r.stopCh)
		}
	}
	e.running = false
}

// NoteSessionActivity records that a session just did something, resetting
// its idle clock for the idle-session suggestion heuristic.
func (e *Engine) NoteSessionActivity(sessionID string) {
	e.suggester.NoteSessionActivity(sessionID)
}

// RunOnce executes a single task immediately, bypassing its schedule (but
// not its active-hours window), and returns the outcome.
func (e *Engine) RunOnce(ctx context.Context, id string) (Result, bool) {
	e.mu.Lock()
	r, ok := e.runners[id]
	e.mu.Unlock()
	if !ok {
		return Result{}, false
	}
	return e.execute(ctx, r.task), true
}

func (e *Engine) runTask(ctx context.Context, r *taskRunner) {
	if r.task.Schedule.isCron() {
		e.runCron(ctx, r)
		return
	}
	e.runInterval(ctx, r)
}

func (e *Engine) runInterval(ctx context.Context, r *taskRunner) {
	interval := r.task.Schedule.Interval
	if interval <= 0 {
		interval = time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			e.execute(ctx, r.task)
		case <-r.stopCh:
			return
		case <-ctx.Done():
			return
		}
	}
}

func (e *Engine) runCron(ctx context.Context, r *taskRunner) {
	ticker := time.NewTicker(cronPollInterval)
	defer ticker.Stop()
	var lastRun time.Time
	for {
		select {
		case <-ticker.C:
			now := time.Now()
			due, err := gronx.IsDue(r.task.Schedule.Cron, now)
			if err != nil {
				if r.task.OnError != nil {
					r.task.OnError(fmt.Errorf("invalid cron expression %q: %w", r.task.Schedule.Cron, err))
				}
				continue
			}
			// gronx resolves to minute granularity; guard against firing
			// twice within the same minute on two consecutive polls.
			if due && now.Truncate(time.Minute).After(lastRun) {
				lastRun = now.Truncate(time.Minute)
				e.execute(ctx, r.task)
			}
		case <-r.stopCh:
			return
		case <-ctx.Done():
			return
		}
	}
}

func (e *Engine) execute(ctx context.Context, task Task) Result {
	startedAt := time.Now()

	if reason, ok := e.skipReason(startedAt); ok {
		res := Result{TaskID: task.ID, Status: StatusSkipped, Reason: reason, Timestamp: startedAt}
		e.emit(protocol.HeartbeatEventSkipped, res)
		return res
	}

	if task.Handler == nil {
		res := Result{TaskID: task.ID, Status: StatusSkipped, Reason: "no-handler", Timestamp: startedAt}
		e.emit(protocol.HeartbeatEventSkipped, res)
		return res
	}

	output, err := task.Handler(ctx)
	duration := time.Since(startedAt)
	if err != nil {
		if task.OnError != nil {
			task.OnError(err)
		}
		res := Result{TaskID: task.ID, Status: StatusFailed, Reason: err.Error(), Duration: duration, Timestamp: startedAt}
		e.emit(protocol.HeartbeatEventFailed, res)
		return res
	}

	res := Result{TaskID: task.ID, Status: StatusRan, Result: output, Duration: duration, Timestamp: startedAt}
	e.emit(protocol.HeartbeatEventRan, res)

	for _, s := range e.suggester.Consider(task.ID, task.ID, output) {
		e.emitSuggestion(s)
	}
	for _, s := range e.suggester.IdleSessions(startedAt) {
		e.emitSuggestion(s)
	}

	return res
}

// skipReason reports whether now falls outside the configured active-hours
// window or inside the quiet-hours window, and if so why.
func (e *Engine) skipReason(now time.Time) (string, bool) {
	if ah := e.cfg.ActiveHours; ah != nil && ah.Start != "" && ah.End != "" {
		if !withinClock(now, ah.Start, ah.End, ah.Timezone) {
			return "outside-active-hours", true
		}
	}
	if e.cfg.QuietHoursStart != "" && e.cfg.QuietHoursEnd != "" {
		if withinClock(now, e.cfg.QuietHoursStart, e.cfg.QuietHoursEnd, "") {
			return "quiet-hours", true
		}
	}
	return "", false
}

// withinClock reports whether now's local clock time falls within
// [start, end) expressed as "HH:MM", wrapping past midnight if end < start.
func withinClock(now time.Time, start, end, tz string) bool {
	loc := now.Location()
	if tz != "" {
		if l, err := time.LoadLocation(tz); err == nil {
			loc = l
		}
	}
	local := now.In(loc)
	cur := local.Hour()*60 + local.Minute()

	startMin, okS := parseClock(start)
	endMin, okE := parseClock(end)
	if !okS || !okE {
		return true
	}
	if startMin <= endMin {
		return cur >= startMin && cur < endMin
	}
	// Window wraps past midnight, e.g. 22:00-06:00.
	return cur >= startMin || cur < endMin
}

func parseClock(s string) (int, bool) {
	parts := strings.SplitN(s, ":", 2)
	if len(parts) != 2 {
		return 0, false
	}
	h, err := strconv.Atoi(parts[0])
	if err != nil {
		return 0, false
	}
	m, err := strconv.Atoi(parts[1])
	if err != nil {
		return 0, false
	}
	return h*60 + m, true
}

func (e *Engine) emit(subtype string, res Result) {
	if e.publisher == nil {
		return
	}
	e.publisher.Emit(bus.Event{Name: protocol.EventHeartbeat, Payload: map[string]any{
		"type":      subtype,
		"task_id":   res.TaskID,
		"status":    string(res.Status),
		"reason":    res.Reason,
		"result":    res.Result,
		"timestamp": res.Timestamp,
	}})
	slog.Debug("heartbeat task executed", "task_id", res.TaskID, "status", res.Status, "reason", res.Reason)
}

func (e *Engine) emitSuggestion(s Suggestion) {
	if e.publisher == nil {
		return
	}
	e.publisher.Emit(bus.Event{Name: protocol.EventHeartbeat, Payload: map[string]any{
		"type":        protocol.HeartbeatEventSuggestion,
		"task_id":     s.TaskID,
		"kind":        s.Kind,
		"message":     s.Message,
		"description": s.Description,
	}})
}
