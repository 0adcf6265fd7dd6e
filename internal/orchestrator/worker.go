package orchestrator

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/openclaw/ctlplane-core/internal/common/apperr"
	"github.com/openclaw/ctlplane-core/internal/common/tracing"
	"github.com/openclaw/ctlplane-core/internal/events"
	"github.com/openclaw/ctlplane-core/internal/events/bus"
	"github.com/openclaw/ctlplane-core/internal/llm"
	"github.com/openclaw/ctlplane-core/internal/planner"
	"github.com/openclaw/ctlplane-core/internal/store"
)

// run is the pipeline worker body: plan, execute, review, synthesize,
// finalize. It is spawned once per submit_task call and owns the task's
// entire lifecycle; failures in any phase mark the task (and its
// Mission, if present) failed rather than panicking the goroutine.
func (o *Orchestrator) run(ctx context.Context, taskID string, onComplete OnComplete) {
	defer func() {
		if final, ok := o.tasks.get(taskID); ok && onComplete != nil {
			onComplete(final)
		}
	}()

	task, ok := o.tasks.get(taskID)
	if !ok {
		return
	}

	if !o.plan(ctx, task) {
		o.finalize(ctx, taskID)
		return
	}

	o.setStatus(taskID, TaskExecuting)
	o.executeSubtasks(ctx, taskID)

	o.setStatus(taskID, TaskSynthesizing)
	o.synthesize(ctx, taskID)

	o.finalize(ctx, taskID)
}

// plan runs the planning phase. Returns false when planning itself
// failed outright (as opposed to the Planner's own single-subtask
// fallback, which still counts as success).
func (o *Orchestrator) plan(ctx context.Context, task *OrchestratorTask) bool {
	o.setStatus(task.ID, TaskPlanning)

	plan, err := o.deps.Planner.Plan(ctx, task.Description, "", task.MasterDeploymentID)
	if err != nil {
		o.logf(task, "planning failed: %v", err)
		o.tasks.update(task.ID, func(t *OrchestratorTask) { t.Status = TaskFailed })
		return false
	}

	subtasks := make([]*SubtaskExecution, 0, len(plan.Subtasks))
	for _, s := range plan.Subtasks {
		subtasks = append(subtasks, &SubtaskExecution{
			ID:          s.ID,
			Description: s.Description,
			AgentType:   s.AgentType,
			DependsOn:   s.DependsOn,
			Status:      SubtaskPending,
		})
	}
	o.tasks.update(task.ID, func(t *OrchestratorTask) {
		t.Analysis = plan.Analysis
		t.Subtasks = subtasks
	})
	o.logf(task, "planning complete: %d subtasks", len(subtasks))

	if task.MissionID != "" {
		if _, err := o.deps.Store.SetMissionStatus(ctx, task.MissionID, store.MissionActive); err != nil {
			o.deps.Log.Warn("failed to activate mission after planning", zap.String("mission_id", task.MissionID), zap.Error(err))
		}
		if o.deps.Chat != nil {
			if _, err := o.deps.Chat.PostSystem(ctx, task.MissionID, fmt.Sprintf("Planning complete: %d subtasks", len(subtasks))); err != nil {
				o.deps.Log.Warn("failed to post planning chat message", zap.Error(err))
			}
		}
	}
	return true
}

// executeSubtasks repeats ready-set computation and parallel dispatch
// until every subtask is terminal.
func (o *Orchestrator) executeSubtasks(ctx context.Context, taskID string) {
	for {
		task, ok := o.tasks.get(taskID)
		if !ok {
			return
		}

		var toDispatch []*SubtaskExecution
		allTerminal := true
		for _, s := range task.Subtasks {
			if s.Status != SubtaskCompleted && s.Status != SubtaskFailed {
				allTerminal = false
			}
			if s.Status != SubtaskPending {
				continue
			}
			depsOK, depFailed := o.dependencyState(task, s)
			if depFailed {
				o.markSubtaskFailed(ctx, taskID, s.ID, "a dependency failed")
				continue
			}
			if depsOK {
				toDispatch = append(toDispatch, s)
			}
		}

		if allTerminal {
			return
		}
		if len(toDispatch) == 0 {
			// Nothing ready and nothing in flight (dispatch below always
			// runs to completion before the next iteration): the plan's
			// dependency graph can't make further progress.
			return
		}

		var wg sync.WaitGroup
		for _, s := range toDispatch {
			wg.Add(1)
			go func(subtaskID string) {
				defer wg.Done()
				o.dispatchSubtask(ctx, taskID, subtaskID)
			}(s.ID)
		}
		wg.Wait()
	}
}

// dependencyState reports whether every dependency of s is completed
// (depsOK) and whether any dependency has failed (depFailed).
func (o *Orchestrator) dependencyState(task *OrchestratorTask, s *SubtaskExecution) (depsOK, depFailed bool) {
	depsOK = true
	byID := make(map[string]*SubtaskExecution, len(task.Subtasks))
	for _, other := range task.Subtasks {
		byID[other.ID] = other
	}
	for _, depID := range s.DependsOn {
		dep, found := byID[depID]
		if !found {
			continue
		}
		if dep.Status == SubtaskFailed {
			depFailed = true
		}
		if dep.Status != SubtaskCompleted {
			depsOK = false
		}
	}
	return depsOK, depFailed
}

// dispatchSubtask runs one subtask to completion: primary path through
// the Gateway Client Pool, falling back to a direct LLM Router call when
// the pool reports the client unreachable or the poll times out.
func (o *Orchestrator) dispatchSubtask(ctx context.Context, taskID, subtaskID string) {
	ctx, span := tracing.Tracer("orchestrator").Start(ctx, "orchestrator.dispatch_subtask")
	defer span.End()

	task, ok := o.tasks.get(taskID)
	if !ok {
		return
	}
	sub := findSubtask(task, subtaskID)
	if sub == nil {
		return
	}

	now := time.Now()
	o.updateSubtask(taskID, subtaskID, func(s *SubtaskExecution) {
		s.Status = SubtaskExecuting
		s.StartedAt = &now
	})

	systemPrompt := planner.SystemPromptFor(sub.AgentType)
	result, err := o.runSubtask(ctx, task, sub, systemPrompt)
	if err != nil {
		o.markSubtaskFailed(ctx, taskID, subtaskID, err.Error())
		return
	}
	o.markSubtaskCompleted(ctx, taskID, subtaskID, result)
}

// runSubtask performs the primary/fallback dispatch described in §4.G.2.
func (o *Orchestrator) runSubtask(ctx context.Context, task *OrchestratorTask, sub *SubtaskExecution, systemPrompt string) (string, error) {
	message := systemPrompt + "\n\n" + sub.Description

	if task.MasterDeploymentID != "" && o.deps.Pool != nil {
		client, err := o.deps.Pool.Get(ctx, task.MasterDeploymentID)
		if err == nil {
			sessionKey := fmt.Sprintf("orchestrator:%s:%s", task.ID, sub.ID)
			reply, pollErr := client.PollForResponse(ctx, sessionKey, message)
			if pollErr == nil {
				return reply.Content, nil
			}
			if !apperr.Is(pollErr, apperr.KindNotConnected) && !apperr.Is(pollErr, apperr.KindTimeout) {
				return "", pollErr
			}
			o.deps.Log.Warn("gateway dispatch failed, falling back to direct llm call",
				zap.String("subtask_id", sub.ID), zap.Error(pollErr))
		} else if !apperr.Is(err, apperr.KindNotConnected) {
			return "", err
		}
	}

	content, err := o.deps.LLM.Chat(ctx, "", []llm.Message{
		{Role: "system", Content: systemPrompt},
		{Role: "user", Content: sub.Description},
	}, 0.3, 2000, false)
	if err != nil {
		return "", err
	}
	return content, nil
}

// markSubtaskCompleted records a successful result, mirrors it to a
// child Mission/Agent, posts a Team Chat entry, and runs the per-subtask
// review.
func (o *Orchestrator) markSubtaskCompleted(ctx context.Context, taskID, subtaskID, result string) {
	now := time.Now()
	o.updateSubtask(taskID, subtaskID, func(s *SubtaskExecution) {
		s.Status = SubtaskCompleted
		s.Result = result
		s.CompletedAt = &now
	})

	task, ok := o.tasks.get(taskID)
	if !ok {
		return
	}
	sub := findSubtask(task, subtaskID)
	if sub == nil {
		return
	}

	childMissionID := o.mirrorSubtask(ctx, task, sub, store.MissionCompleted, store.AgentCompleted)
	if o.deps.Chat != nil && task.MissionID != "" {
		_, _ = o.deps.Chat.PostSystem(ctx, task.MissionID, fmt.Sprintf("Subtask %s completed: %s", sub.ID, truncate(result, 280)))
	}
	if childMissionID != "" {
		o.review(ctx, taskID, subtaskID, childMissionID)
	}
}

// markSubtaskFailed records a failure, mirrors it, and posts a Team Chat
// entry. Sibling subtasks are never cancelled.
func (o *Orchestrator) markSubtaskFailed(ctx context.Context, taskID, subtaskID, reason string) {
	now := time.Now()
	o.updateSubtask(taskID, subtaskID, func(s *SubtaskExecution) {
		s.Status = SubtaskFailed
		s.Result = reason
		s.CompletedAt = &now
	})

	task, ok := o.tasks.get(taskID)
	if !ok {
		return
	}
	sub := findSubtask(task, subtaskID)
	if sub == nil {
		return
	}

	o.mirrorSubtask(ctx, task, sub, store.MissionFailed, store.AgentFailed)
	if o.deps.Chat != nil && task.MissionID != "" {
		_, _ = o.deps.Chat.PostSystem(ctx, task.MissionID, fmt.Sprintf("Subtask %s failed: %s", sub.ID, reason))
	}
}

// mirrorSubtask creates (or reuses) the child Mission and sub-Agent a
// subtask is mirrored to, and returns the child Mission id. Mirroring is
// best-effort: a Mission/Agent Store failure is logged, not fatal to the
// pipeline.
func (o *Orchestrator) mirrorSubtask(ctx context.Context, task *OrchestratorTask, sub *SubtaskExecution, missionStatus store.MissionStatus, agentStatus store.AgentStatus) string {
	if task.MissionID == "" {
		return ""
	}

	childMissionID := sub.ChildMissionID
	if childMissionID == "" {
		parent := task.MissionID
		child, err := o.deps.Store.CreateMission(ctx, &store.Mission{
			Title:           fmt.Sprintf("%s: %s", sub.AgentType, sub.ID),
			Description:     sub.Description,
			Status:          store.MissionActive,
			ParentMissionID: &parent,
			Source:          store.SourceOrchestrate,
		})
		if err != nil {
			o.deps.Log.Warn("failed to create child mission for subtask", zap.String("subtask_id", sub.ID), zap.Error(err))
			return ""
		}
		childMissionID = child.ID
		o.updateSubtask(task.ID, sub.ID, func(s *SubtaskExecution) { s.ChildMissionID = childMissionID })
	}

	if _, err := o.deps.Store.SetMissionStatus(ctx, childMissionID, missionStatus); err != nil {
		o.deps.Log.Warn("failed to set child mission status", zap.String("mission_id", childMissionID), zap.Error(err))
	}

	if master, err := o.deps.Store.GetMaster(ctx); err == nil && master != nil {
		agentID := sub.ChildAgentID
		if agentID == "" {
			template := string(sub.AgentType)
			agent, err := o.deps.Store.CreateAgent(ctx, &store.Agent{
				Name:          fmt.Sprintf("%s-%s", sub.AgentType, sub.ID),
				Type:          store.AgentSub,
				Status:        store.AgentActive,
				ParentAgentID: &master.ID,
				CurrentTask:   sub.Description,
				AgentTemplate: &template,
			})
			if err != nil {
				o.deps.Log.Warn("failed to create sub-agent for subtask", zap.String("subtask_id", sub.ID), zap.Error(err))
			} else {
				agentID = agent.ID
				o.updateSubtask(task.ID, sub.ID, func(s *SubtaskExecution) { s.ChildAgentID = agentID })
			}
		}
		if agentID != "" {
			if _, err := o.deps.Store.SetAgentStatus(ctx, agentID, agentStatus); err != nil {
				o.deps.Log.Warn("failed to set sub-agent status", zap.String("agent_id", agentID), zap.Error(err))
			}
		}
	}

	return childMissionID
}

type reviewDecision struct {
	Decision string `json:"decision"`
	Comment  string `json:"comment"`
}

// review invokes the per-subtask LLM review and stores its verdict on
// the child Mission. changes_requested is recorded, not acted on: this
// phase of the pipeline does not trigger automatic re-execution.
func (o *Orchestrator) review(ctx context.Context, taskID, subtaskID, childMissionID string) {
	task, ok := o.tasks.get(taskID)
	if !ok {
		return
	}
	sub := findSubtask(task, subtaskID)
	if sub == nil {
		return
	}

	prompt := fmt.Sprintf("Subtask:\n%s\n\nResult:\n%s\n\nReview this result. Respond with JSON only: {\"decision\": \"approved\" or \"changes_requested\", \"comment\": string}", sub.Description, sub.Result)

	var decision reviewDecision
	err := o.deps.LLM.ChatJSON(ctx, "", []llm.Message{
		{Role: "system", Content: "You are a meticulous code reviewer."},
		{Role: "user", Content: prompt},
	}, 0.3, 500, &decision)
	if err != nil {
		o.deps.Log.Warn("subtask review failed", zap.String("subtask_id", subtaskID), zap.Error(err))
		return
	}

	reviewStatus := store.ReviewChangesRequested
	if decision.Decision == "approved" {
		reviewStatus = store.ReviewApproved
	}
	o.updateSubtask(taskID, subtaskID, func(s *SubtaskExecution) {
		s.ReviewStatus = reviewStatus
		s.ReviewComment = decision.Comment
	})
	if _, err := o.deps.Store.SetMissionReviewStatus(ctx, childMissionID, reviewStatus); err != nil {
		o.deps.Log.Warn("failed to store subtask review status", zap.String("mission_id", childMissionID), zap.Error(err))
	}
}

// synthesize builds the final_result from every subtask's description
// and result, falling back to a plain concatenation if the LLM call
// itself fails.
func (o *Orchestrator) synthesize(ctx context.Context, taskID string) {
	task, ok := o.tasks.get(taskID)
	if !ok {
		return
	}

	var prompt strings.Builder
	prompt.WriteString("Original task:\n")
	prompt.WriteString(task.Description)
	prompt.WriteString("\n\nSubtask results:\n")
	for _, s := range task.Subtasks {
		fmt.Fprintf(&prompt, "\n## %s (%s)\n%s\n\nResult: %s\n", s.ID, s.AgentType, s.Description, s.Result)
	}
	prompt.WriteString("\nSynthesize these subtask results into a single coherent summary of what was accomplished.")

	content, err := o.deps.LLM.Chat(ctx, "", []llm.Message{
		{Role: "system", Content: "You synthesize multi-agent subtask results into one final report."},
		{Role: "user", Content: prompt.String()},
	}, 0.3, 2000, false)
	if err != nil {
		o.deps.Log.Warn("synthesis llm call failed, concatenating subtask results", zap.String("task_id", taskID), zap.Error(err))
		content = concatenateResults(task)
	}

	o.tasks.update(taskID, func(t *OrchestratorTask) { t.FinalResult = content })
}

func concatenateResults(task *OrchestratorTask) string {
	var b strings.Builder
	for _, s := range task.Subtasks {
		fmt.Fprintf(&b, "## %s\n%s\n\n", s.ID, s.Result)
	}
	return b.String()
}

// finalize sets the task's terminal status, propagates it to the parent
// Mission if present, and publishes mission:updated on the Event Bus.
func (o *Orchestrator) finalize(ctx context.Context, taskID string) {
	task, ok := o.tasks.get(taskID)
	if !ok {
		return
	}

	finalStatus := TaskCompleted
	if task.Status == TaskFailed {
		finalStatus = TaskFailed
	} else if allSubtasksFailed(task.Subtasks) {
		finalStatus = TaskFailed
	}
	o.setStatus(taskID, finalStatus)

	if task.MissionID == "" {
		return
	}

	missionStatus := store.MissionCompleted
	if finalStatus == TaskFailed {
		missionStatus = store.MissionFailed
	}
	if _, err := o.deps.Store.SetMissionStatus(ctx, task.MissionID, missionStatus); err != nil {
		o.deps.Log.Warn("failed to finalize mission status", zap.String("mission_id", task.MissionID), zap.Error(err))
	}
	if o.deps.Bus != nil {
		payload := events.MissionUpdatedPayload{MissionID: task.MissionID, Status: string(missionStatus)}
		if err := o.deps.Bus.Publish(ctx, events.MissionUpdated, bus.NewEvent(events.MissionUpdated, "orchestrator", payload.ToData())); err != nil {
			o.deps.Log.Warn("failed to publish mission:updated", zap.String("mission_id", task.MissionID), zap.Error(err))
		}
	}
}

func allSubtasksFailed(subtasks []*SubtaskExecution) bool {
	if len(subtasks) == 0 {
		return false
	}
	for _, s := range subtasks {
		if s.Status != SubtaskFailed {
			return false
		}
	}
	return true
}

func (o *Orchestrator) updateSubtask(taskID, subtaskID string, fn func(s *SubtaskExecution)) {
	o.tasks.update(taskID, func(t *OrchestratorTask) {
		for _, s := range t.Subtasks {
			if s.ID == subtaskID {
				fn(s)
				return
			}
		}
	})
}

func findSubtask(task *OrchestratorTask, subtaskID string) *SubtaskExecution {
	for _, s := range task.Subtasks {
		if s.ID == subtaskID {
			return s
		}
	}
	return nil
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
