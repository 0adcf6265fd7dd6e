package planner

import (
	"context"
	"strings"

	"github.com/openclaw/ctlplane-core/internal/llm"
)

const maxFileTreeBytes = 64 * 1024

// Subtask is one unit of work a plan decomposes a task into.
type Subtask struct {
	ID          string    `json:"id"`
	Description string    `json:"description"`
	AgentType   AgentType `json:"agent_type"`
	DependsOn   []string  `json:"depends_on"`
}

// Plan is the Planner's full output: an analysis narrative plus the
// dependency-ordered subtask list.
type Plan struct {
	Analysis string    `json:"analysis"`
	Subtasks []Subtask `json:"subtasks"`
}

// planSchema is the raw shape the LLM is asked to emit; AgentType is
// plain string here so arbitrary model output still unmarshals before
// validation narrows it to the known set.
type planSchema struct {
	Analysis string `json:"analysis"`
	Subtasks []struct {
		ID          string   `json:"id"`
		Description string   `json:"description"`
		AgentType   string   `json:"agent_type"`
		DependsOn   []string `json:"depends_on"`
	} `json:"subtasks"`
}

// Planner decomposes a user task description into a Plan via the LLM
// Router, falling back to a single-subtask plan when the model's output
// doesn't parse.
type Planner struct {
	router *llm.Router
	model  string
}

// New builds a Planner against an LLM Router. model is the caller's
// preferred model name; the active provider's model_override, if any,
// still takes precedence inside the router.
func New(router *llm.Router, model string) *Planner {
	return &Planner{router: router, model: model}
}

// Plan produces a subtask plan for task, optionally informed by a
// repository file-tree excerpt. masterDeploymentID is accepted for
// parity with the planning prompt's framing but does not otherwise
// affect plan construction.
func (p *Planner) Plan(ctx context.Context, task, fileTree, masterDeploymentID string) (*Plan, error) {
	prompt := p.buildPrompt(task, fileTree)

	var parsed planSchema
	err := p.router.ChatJSON(ctx, p.model, []llm.Message{
		{Role: "system", Content: plannerSystemPrompt},
		{Role: "user", Content: prompt},
	}, 0.3, 4000, &parsed)
	if err != nil {
		return fallbackPlan(task), nil
	}

	plan := &Plan{Analysis: parsed.Analysis, Subtasks: make([]Subtask, 0, len(parsed.Subtasks))}
	for _, s := range parsed.Subtasks {
		agentType := AgentType(s.AgentType)
		if _, ok := templateByType[agentType]; !ok {
			agentType = keywordMatch(s.Description)
		}
		plan.Subtasks = append(plan.Subtasks, Subtask{
			ID:          s.ID,
			Description: s.Description,
			AgentType:   agentType,
			DependsOn:   s.DependsOn,
		})
	}
	if len(plan.Subtasks) == 0 {
		return fallbackPlan(task), nil
	}
	return plan, nil
}

// fallbackPlan builds the deterministic single-subtask plan used when
// the model's plan output fails to parse even after ChatJSON's retry.
func fallbackPlan(task string) *Plan {
	return &Plan{
		Analysis: "Planning fell back to a single subtask; the model's plan output did not parse.",
		Subtasks: []Subtask{
			{
				ID:          "subtask-1",
				Description: task,
				AgentType:   keywordMatch(task),
				DependsOn:   nil,
			},
		},
	}
}

const plannerSystemPrompt = "You are the planning stage of a multi-agent orchestration system. Decompose the user's task into an ordered list of subtasks, each assigned to one of a fixed set of expert templates. Respond with JSON only, matching the schema described in the user message."

func (p *Planner) buildPrompt(task, fileTree string) string {
	var b strings.Builder

	if IsComplex(task) {
		b.WriteString(delegationPromptPrefix)
	}

	b.WriteString("## Expert templates\n")
	b.WriteString(templateCatalog())
	b.WriteString("\n")

	if fileTree != "" {
		b.WriteString("## Repository file tree\n")
		b.WriteString(truncateFileTree(fileTree))
		b.WriteString("\n\n")
	}

	b.WriteString("## Task\n")
	b.WriteString(task)
	b.WriteString("\n\n")

	b.WriteString("## Output schema\n")
	b.WriteString(`Output only JSON matching: {"analysis": string, "subtasks": [{"id": string, "description": string, "agent_type": one of `)
	b.WriteString(agentTypeList())
	b.WriteString(`, "depends_on": [string]}]}`)
	b.WriteString("\n")

	return b.String()
}

func agentTypeList() string {
	names := make([]string, len(templates))
	for i, t := range templates {
		names[i] = string(t.Type)
	}
	return "[" + strings.Join(names, ", ") + "]"
}

// truncateFileTree caps the file-tree excerpt at 64 KB, the planning
// prompt's hard ceiling on repository context.
func truncateFileTree(tree string) string {
	if len(tree) <= maxFileTreeBytes {
		return tree
	}
	return tree[:maxFileTreeBytes] + "\n...(truncated)"
}
