// Package orchestrator implements the Orchestrator Pipeline (component
// G): an async worker per submitted task that plans via the Planner,
// dispatches subtasks against the Gateway Client Pool (falling back to
// the LLM Router directly), reviews and synthesizes the results, and
// finalizes the parent Mission.
package orchestrator

import (
	"sync"
	"time"

	"github.com/openclaw/ctlplane-core/internal/planner"
	"github.com/openclaw/ctlplane-core/internal/store"
)

// TaskStatus is an orchestrator task's place in its state machine.
type TaskStatus string

const (
	TaskPending      TaskStatus = "pending"
	TaskPlanning     TaskStatus = "planning"
	TaskExecuting    TaskStatus = "executing"
	TaskSynthesizing TaskStatus = "synthesizing"
	TaskCompleted    TaskStatus = "completed"
	TaskFailed       TaskStatus = "failed"
)

// SubtaskStatus mirrors §3's subtask lifecycle.
type SubtaskStatus string

const (
	SubtaskPending       SubtaskStatus = "pending"
	SubtaskCreatingAgent SubtaskStatus = "creating_agent"
	SubtaskExecuting     SubtaskStatus = "executing"
	SubtaskCompleted     SubtaskStatus = "completed"
	SubtaskFailed        SubtaskStatus = "failed"
)

// SubtaskExecution tracks one plan subtask's runtime state as the
// pipeline dispatches, reviews, and mirrors it to the Mission/Agent
// Store.
type SubtaskExecution struct {
	ID              string
	Description     string
	AgentType       planner.AgentType
	DependsOn       []string
	Status          SubtaskStatus
	Result          string
	ChildMissionID  string
	ChildAgentID    string
	ReviewStatus    store.ReviewStatus
	ReviewComment   string
	StartedAt       *time.Time
	CompletedAt     *time.Time
}

// OrchestratorTask is one submit_task invocation's full record: the plan,
// every subtask's runtime state, and the final synthesized result.
type OrchestratorTask struct {
	ID                  string
	Description         string
	MasterDeploymentID  string
	MissionID           string
	Status              TaskStatus
	Analysis            string
	Subtasks            []*SubtaskExecution
	FinalResult         string
	Logs                []string
	CreatedAt           time.Time
	StartedAt           *time.Time
	CompletedAt         *time.Time
}

func (t *OrchestratorTask) log(line string) {
	t.Logs = append(t.Logs, line)
}

// clone returns a defensive copy of the task for callers of GetTask, so
// a reader can't mutate the live record out from under the worker.
func (t *OrchestratorTask) clone() *OrchestratorTask {
	cp := *t
	cp.Subtasks = make([]*SubtaskExecution, len(t.Subtasks))
	for i, s := range t.Subtasks {
		sc := *s
		cp.Subtasks[i] = &sc
	}
	cp.Logs = append([]string(nil), t.Logs...)
	return &cp
}

// taskStore is an in-memory, mutex-guarded registry of orchestrator
// tasks, mirroring the Mission/Agent Store's in-memory implementation's
// clone-on-read discipline.
type taskStore struct {
	mu    sync.RWMutex
	tasks map[string]*OrchestratorTask
}

func newTaskStore() *taskStore {
	return &taskStore{tasks: make(map[string]*OrchestratorTask)}
}

func (s *taskStore) put(t *OrchestratorTask) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.tasks[t.ID] = t
}

// update mutates the live task record under the store's lock, so
// concurrent GetTask clones never race with the worker goroutine's
// writes.
func (s *taskStore) update(id string, fn func(t *OrchestratorTask)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if t, ok := s.tasks[id]; ok {
		fn(t)
	}
}

func (s *taskStore) get(id string) (*OrchestratorTask, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	t, ok := s.tasks[id]
	if !ok {
		return nil, false
	}
	return t.clone(), true
}

func (s *taskStore) list() []*OrchestratorTask {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*OrchestratorTask, 0, len(s.tasks))
	for _, t := range s.tasks {
		out = append(out, t.clone())
	}
	return out
}
