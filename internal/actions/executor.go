// Package actions runs multi-stage device-control actions against registered
// panels. Each execution is an independent background task whose progress
// record is owned by that task alone; everyone else sees copies.
package actions

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/panelgrid/panelgrid/internal/jobs"
	"github.com/panelgrid/panelgrid/internal/metrics"
	"github.com/panelgrid/panelgrid/internal/plugin"
	"github.com/panelgrid/panelgrid/internal/probe"
	"github.com/panelgrid/panelgrid/pkg/models"
)

// Bus topics published by the actions plugin.
const (
	TopicExecutionStarted  = "actions.execution.started"
	TopicExecutionFinished = "actions.execution.finished"
)

// ErrInvalidAction is returned for definitions the executor cannot run.
var ErrInvalidAction = errors.New("actions: invalid action definition")

// DefaultRetention bounds how many terminal execution records are kept for
// later polling. The oldest terminal record is evicted first.
const DefaultRetention = 256

// execution pairs the task-owned record with its control surface.
type execution struct {
	mu         sync.Mutex
	record     models.ExecutionRecord
	cancel     context.CancelFunc
	compensate bool
	done       chan struct{}
}

func (e *execution) snapshot() models.ExecutionRecord {
	e.mu.Lock()
	defer e.mu.Unlock()

	rec := e.record
	if e.record.FinishedAt != nil {
		fin := *e.record.FinishedAt
		rec.FinishedAt = &fin
	}
	return rec
}

// Executor owns all action executions, their progress records, and the
// per-execution listener fan-out.
type Executor struct {
	runner    probe.StageRunner
	mux       *jobs.Multiplexer[models.ExecutionRecord]
	bus       plugin.EventBus
	metrics   *metrics.Metrics
	logger    *zap.Logger
	retention int

	mu         sync.Mutex
	executions map[jobs.ID]*execution
	terminal   []jobs.ID // eviction order, oldest first
}

// NewExecutor wires an executor. A retention of zero or less selects
// DefaultRetention.
func NewExecutor(runner probe.StageRunner, bus plugin.EventBus, m *metrics.Metrics, retention int, logger *zap.Logger) *Executor {
	if retention <= 0 {
		retention = DefaultRetention
	}
	return &Executor{
		runner:     runner,
		mux:        jobs.NewMultiplexer[models.ExecutionRecord](logger),
		bus:        bus,
		metrics:    m,
		logger:     logger,
		retention:  retention,
		executions: make(map[jobs.ID]*execution),
	}
}

// Start validates the definition and launches it against the profile's
// panel. It returns immediately with the new execution's id; progress flows
// through GetProgress and subscribed listeners.
func (x *Executor) Start(profileID int, def *models.ActionDefinition) (jobs.ID, error) {
	if def == nil || def.Name == "" {
		return "", fmt.Errorf("%w: missing action name", ErrInvalidAction)
	}
	if len(def.Stages) == 0 {
		return "", fmt.Errorf("%w: action %q has no stages", ErrInvalidAction, def.Name)
	}
	for i, st := range def.Stages {
		if len(st.Commands) == 0 {
			return "", fmt.Errorf("%w: stage %d (%s) has no commands", ErrInvalidAction, i, st.Name)
		}
	}

	id := jobs.NewID()
	ctx, cancel := context.WithCancel(context.Background())
	exec := &execution{
		record: models.ExecutionRecord{
			ExecutionID: id.String(),
			ProfileID:   profileID,
			Action:      def,
			State:       models.ExecutionRunning,
			StartedAt:   time.Now().UTC(),
		},
		cancel: cancel,
		done:   make(chan struct{}),
	}

	x.mu.Lock()
	x.executions[id] = exec
	x.mu.Unlock()

	x.metrics.ActionsStarted.Inc()
	x.metrics.ActiveExecutions.Inc()
	x.bus.PublishAsync(ctx, plugin.Event{
		Topic:     TopicExecutionStarted,
		Source:    "actions",
		Timestamp: time.Now().UTC(),
		Payload:   map[string]any{"execution_id": id.String(), "profile_id": profileID, "action": def.Name},
	})
	x.logger.Info("action execution started",
		zap.String("execution_id", id.String()),
		zap.Int("profile_id", profileID),
		zap.String("action", def.Name),
		zap.Int("stages", len(def.Stages)),
	)

	go x.run(ctx, id, exec)
	return id, nil
}

// run drives one execution through its stages. It is the record's only
// writer.
func (x *Executor) run(ctx context.Context, id jobs.ID, exec *execution) {
	defer close(exec.done)
	defer exec.cancel()
	defer func() {
		if r := recover(); r != nil {
			x.logger.Error("action execution panicked",
				zap.String("execution_id", id.String()),
				zap.Any("panic", r),
			)
			x.finish(id, exec, models.ExecutionFailed, fmt.Sprintf("internal fault: %v", r))
		}
	}()

	def := exec.record.Action
	profileID := exec.record.ProfileID

	for i, stage := range def.Stages {
		// The cancel boundary sits between stages. A stop request lands
		// here at the latest, before the next stage begins.
		if ctx.Err() != nil {
			x.settleStopped(id, exec, i, stage)
			return
		}

		exec.mu.Lock()
		exec.record.CurrentStageIndex = i
		exec.mu.Unlock()
		x.emit(id, exec)

		if err := x.runner.RunStage(ctx, profileID, stage); err != nil {
			if ctx.Err() != nil {
				x.settleStopped(id, exec, i, stage)
				return
			}
			x.logger.Warn("stage failed",
				zap.String("execution_id", id.String()),
				zap.String("stage", stage.Name),
				zap.Error(err),
			)
			x.finish(id, exec, models.ExecutionFailed, err.Error())
			return
		}
	}

	x.finish(id, exec, models.ExecutionCompleted, "")
}

// settleStopped finishes a cancelled execution, running the stage's
// compensation first when the stop requested it. Compensation runs on a
// fresh context; the execution's own context is already dead.
func (x *Executor) settleStopped(id jobs.ID, exec *execution, stageIndex int, stage models.Stage) {
	exec.mu.Lock()
	compensate := exec.compensate
	exec.mu.Unlock()

	if compensate {
		haltCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := x.runner.Halt(haltCtx, exec.record.ProfileID, stage); err != nil {
			x.logger.Warn("compensation failed",
				zap.String("execution_id", id.String()),
				zap.String("stage", stage.Name),
				zap.Error(err),
			)
		}
	}

	exec.mu.Lock()
	exec.record.CurrentStageIndex = stageIndex
	exec.mu.Unlock()
	x.finish(id, exec, models.ExecutionStopped, "")
}

// finish applies the terminal state exactly once and tears down the
// execution's listener group.
func (x *Executor) finish(id jobs.ID, exec *execution, state models.ExecutionState, errMsg string) {
	now := time.Now().UTC()
	exec.mu.Lock()
	exec.record.State = state
	exec.record.FinishedAt = &now
	exec.record.ErrorMessage = errMsg
	exec.mu.Unlock()

	x.metrics.ActiveExecutions.Dec()
	x.metrics.ActionsFinished.WithLabelValues(string(state)).Inc()
	x.bus.PublishAsync(context.Background(), plugin.Event{
		Topic:     TopicExecutionFinished,
		Source:    "actions",
		Timestamp: now,
		Payload:   exec.snapshot(),
	})
	x.logger.Info("action execution finished",
		zap.String("execution_id", id.String()),
		zap.String("state", string(state)),
	)

	x.emit(id, exec)
	x.mux.Forget(id)
	x.retire(id)
}

// emit fans the current record snapshot out to the execution's listeners.
func (x *Executor) emit(id jobs.ID, exec *execution) {
	if dropped := x.mux.Notify(id, exec.snapshot()); dropped > 0 {
		x.metrics.ListenerDrops.Add(float64(dropped))
	}
}

// retire appends the execution to the terminal FIFO and evicts the oldest
// terminal records past the retention cap.
func (x *Executor) retire(id jobs.ID) {
	x.mu.Lock()
	defer x.mu.Unlock()

	x.terminal = append(x.terminal, id)
	for len(x.terminal) > x.retention {
		oldest := x.terminal[0]
		x.terminal = x.terminal[1:]
		delete(x.executions, oldest)
	}
}

// Stop requests cancellation of a running execution. With compensate set,
// the stage runner's Halt runs for the interrupted stage before the record
// settles. Stop returns false for unknown ids and executions that already
// reached a terminal state.
func (x *Executor) Stop(id jobs.ID, compensate bool) bool {
	x.mu.Lock()
	exec, ok := x.executions[id]
	x.mu.Unlock()
	if !ok {
		return false
	}

	exec.mu.Lock()
	if exec.record.State.Terminal() {
		exec.mu.Unlock()
		return false
	}
	exec.compensate = exec.compensate || compensate
	exec.mu.Unlock()

	exec.cancel()
	return true
}

// GetProgress returns a copy of the execution's current record.
func (x *Executor) GetProgress(id jobs.ID) (models.ExecutionRecord, bool) {
	x.mu.Lock()
	exec, ok := x.executions[id]
	x.mu.Unlock()
	if !ok {
		return models.ExecutionRecord{}, false
	}
	return exec.snapshot(), true
}

// Running returns copies of all executions still in flight.
func (x *Executor) Running() []models.ExecutionRecord {
	x.mu.Lock()
	defer x.mu.Unlock()

	var out []models.ExecutionRecord
	for _, exec := range x.executions {
		if rec := exec.snapshot(); !rec.State.Terminal() {
			out = append(out, rec)
		}
	}
	return out
}

// Subscribe attaches a sink to the execution's progress stream. The sink
// receives every subsequent snapshot including the terminal one. Unknown,
// retired, or already-terminal executions get no sink; Subscribe reports
// whether the sink was attached.
func (x *Executor) Subscribe(id jobs.ID, sink chan models.ExecutionRecord) bool {
	x.mu.Lock()
	exec, ok := x.executions[id]
	x.mu.Unlock()
	if !ok || exec.snapshot().State.Terminal() {
		return false
	}
	x.mux.Add(id, sink)
	return true
}

// Unsubscribe detaches a sink. Unknown ids or sinks are a no-op.
func (x *Executor) Unsubscribe(id jobs.ID, sink chan models.ExecutionRecord) {
	x.mux.Remove(id, sink)
}

// StopAll cancels every running execution without compensation. Used at
// shutdown.
func (x *Executor) StopAll() {
	x.mu.Lock()
	ids := make([]jobs.ID, 0, len(x.executions))
	for id := range x.executions {
		ids = append(ids, id)
	}
	x.mu.Unlock()

	for _, id := range ids {
		x.Stop(id, false)
	}
}

// Wait blocks until the execution's task has exited. Test helper.
func (x *Executor) Wait(id jobs.ID) {
	x.mu.Lock()
	exec, ok := x.executions[id]
	x.mu.Unlock()
	if ok {
		<-exec.done
	}
}
