package orchestrator

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/openclaw/ctlplane-core/internal/common/config"
	"github.com/openclaw/ctlplane-core/internal/common/logger"
	"github.com/openclaw/ctlplane-core/internal/events/bus"
	"github.com/openclaw/ctlplane-core/internal/gateway/pool"
	"github.com/openclaw/ctlplane-core/internal/llm"
	"github.com/openclaw/ctlplane-core/internal/planner"
	"github.com/openclaw/ctlplane-core/internal/store"
	"github.com/openclaw/ctlplane-core/internal/teamchat"
)

// Deps bundles every collaborator the pipeline dispatches work through.
type Deps struct {
	Store    store.Store
	Planner  *planner.Planner
	LLM      *llm.Router
	Pool     *pool.Pool
	Chat     *teamchat.Service
	Bus      bus.EventBus
	Log      *logger.Logger
	Config   config.OrchestratorConfig
}

// Orchestrator runs the pipeline described in §4.G: one asynchronous
// worker per submitted task, tracked in an in-memory task store clients
// poll via GetTask.
type Orchestrator struct {
	deps  Deps
	tasks *taskStore
}

// New builds an Orchestrator from its dependencies.
func New(deps Deps) *Orchestrator {
	return &Orchestrator{deps: deps, tasks: newTaskStore()}
}

// OnComplete is invoked exactly once with the final task record, used by
// the Mention Router to reply once a mention-triggered run finishes.
type OnComplete func(*OrchestratorTask)

// SubmitTask creates a pending task record, spawns its worker, and
// returns immediately; progress is observed via GetTask.
func (o *Orchestrator) SubmitTask(ctx context.Context, description, masterDeploymentID, missionID string, onComplete OnComplete) (*OrchestratorTask, error) {
	id := store.NewID()
	task := &OrchestratorTask{
		ID:                 id,
		Description:        description,
		MasterDeploymentID: masterDeploymentID,
		MissionID:          missionID,
		Status:             TaskPending,
		CreatedAt:          time.Now(),
	}
	task.log("task submitted")
	o.tasks.put(task)

	go o.run(context.Background(), id, onComplete)

	return task.clone(), nil
}

// GetTask returns a snapshot of a task's current state.
func (o *Orchestrator) GetTask(id string) (*OrchestratorTask, bool) {
	return o.tasks.get(id)
}

// ListTasks returns a snapshot of every tracked task.
func (o *Orchestrator) ListTasks() []*OrchestratorTask {
	return o.tasks.list()
}

func (o *Orchestrator) logf(task *OrchestratorTask, format string, args ...interface{}) {
	line := fmt.Sprintf(format, args...)
	o.tasks.update(task.ID, func(t *OrchestratorTask) { t.log(line) })
	o.deps.Log.Debug(line, zap.String("orchestrator_task_id", task.ID))
}

func (o *Orchestrator) setStatus(taskID string, status TaskStatus) {
	o.tasks.update(taskID, func(t *OrchestratorTask) {
		t.Status = status
		now := time.Now()
		switch status {
		case TaskPlanning:
			t.StartedAt = &now
		case TaskCompleted, TaskFailed:
			t.CompletedAt = &now
		}
	})
}
