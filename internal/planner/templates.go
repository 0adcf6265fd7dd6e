// Package planner turns a user task description into a dependency-ordered
// subtask plan, delegating the actual decomposition to the LLM Router and
// falling back to a deterministic single-subtask plan when the model's
// output can't be parsed.
package planner

import "strings"

// AgentType names one of the six fixed expert templates a subtask can be
// assigned to.
type AgentType string

const (
	AgentFullstack AgentType = "fullstack"
	AgentFrontend  AgentType = "frontend"
	AgentBackend   AgentType = "backend"
	AgentDatabase  AgentType = "database"
	AgentDevOps    AgentType = "devops"
	AgentQA        AgentType = "qa"
)

// expertTemplate describes one of the six fixed roles the planner can
// assign a subtask to, including the system prompt an Orchestrator falls
// back to when the Gateway Client is unreachable (§4.G fallback path).
type expertTemplate struct {
	Type         AgentType
	Description  string
	SystemPrompt string
}

var templates = []expertTemplate{
	{
		Type:         AgentFullstack,
		Description:  "Generalist capable of working across the frontend, backend, and data layer of a change.",
		SystemPrompt: "You are a fullstack engineer. Implement the assigned subtask end to end, touching whatever layers of the codebase it requires.",
	},
	{
		Type:         AgentFrontend,
		Description:  "UI/UX focused engineer for client-side code: components, styling, client state, accessibility.",
		SystemPrompt: "You are a frontend engineer. Implement the assigned subtask in the client application, following existing component and styling conventions.",
	},
	{
		Type:         AgentBackend,
		Description:  "Server-side engineer for APIs, business logic, authentication, and integration code.",
		SystemPrompt: "You are a backend engineer. Implement the assigned subtask in the server application, following existing API and service conventions.",
	},
	{
		Type:         AgentDatabase,
		Description:  "Schema and query specialist for migrations, indexes, and data-access code.",
		SystemPrompt: "You are a database engineer. Implement the assigned subtask's schema changes, migrations, and data-access code.",
	},
	{
		Type:         AgentDevOps,
		Description:  "Infrastructure and deployment specialist for containers, CI, and environment configuration.",
		SystemPrompt: "You are a devops engineer. Implement the assigned subtask's infrastructure, container, or pipeline changes.",
	},
	{
		Type:         AgentQA,
		Description:  "Testing specialist for unit/integration tests, fixtures, and regression coverage.",
		SystemPrompt: "You are a QA engineer. Implement the assigned subtask's test coverage, following existing test conventions.",
	},
}

var templateByType = func() map[AgentType]expertTemplate {
	m := make(map[AgentType]expertTemplate, len(templates))
	for _, t := range templates {
		m[t.Type] = t
	}
	return m
}()

// SystemPromptFor returns the fallback system prompt for an agent type,
// defaulting to the fullstack template for an unrecognized type.
func SystemPromptFor(t AgentType) string {
	if tmpl, ok := templateByType[t]; ok {
		return tmpl.SystemPrompt
	}
	return templateByType[AgentFullstack].SystemPrompt
}

// templateCatalog renders the six expert templates for inclusion in the
// planning prompt.
func templateCatalog() string {
	var b strings.Builder
	for _, t := range templates {
		b.WriteString("- ")
		b.WriteString(string(t.Type))
		b.WriteString(": ")
		b.WriteString(t.Description)
		b.WriteString("\n")
	}
	return b.String()
}

// keywordTemplates maps a keyword fragment to the template it most
// strongly implies. Order matters: the first match wins.
var keywordTemplates = []struct {
	keyword string
	agent   AgentType
}{
	{"database", AgentDatabase},
	{"migration", AgentDatabase},
	{"schema", AgentDatabase},
	{"docker", AgentDevOps},
	{"deploy", AgentDevOps},
	{"ci/cd", AgentDevOps},
	{"pipeline", AgentDevOps},
	{"unit test", AgentQA},
	{"test coverage", AgentQA},
	{"regression", AgentQA},
	{"frontend", AgentFrontend},
	{"ui", AgentFrontend},
	{"react", AgentFrontend},
	{"backend", AgentBackend},
	{"rest api", AgentBackend},
	{"authentication", AgentBackend},
	{"crud", AgentBackend},
}

// keywordMatch maps a task description's keyword hits to a single
// template, defaulting to fullstack when nothing matches.
func keywordMatch(task string) AgentType {
	lower := strings.ToLower(task)
	for _, kt := range keywordTemplates {
		if strings.Contains(lower, kt.keyword) {
			return kt.agent
		}
	}
	return AgentFullstack
}

// complexityKeywords is the fixed keyword set the complex-task heuristic
// counts hits against.
var complexityKeywords = []string{
	"rest api", "authentication", "database", "unit test", "crud",
	"frontend", "backend", "docker", "migration", "deployment",
	"integration", "microservice",
}

const complexityLengthThreshold = 200

// IsComplex reports whether a task description meets the complex-task
// heuristic: at least two distinct keyword hits, or length over 200
// characters.
func IsComplex(task string) bool {
	if len(task) > complexityLengthThreshold {
		return true
	}
	lower := strings.ToLower(task)
	hits := 0
	for _, kw := range complexityKeywords {
		if strings.Contains(lower, kw) {
			hits++
			if hits >= 2 {
				return true
			}
		}
	}
	return false
}

const delegationPromptPrefix = "This task has multiple independent subtasks. For each subtask, call sessions_spawn to delegate it to a dedicated worker agent rather than doing all the work in this session.\n\n"

// DelegationPrompt returns the prefix prepended to a complex task's
// prompt, instructing the remote master agent to spawn one worker
// session per subtask instead of doing all the work itself.
func DelegationPrompt() string {
	return delegationPromptPrefix
}
