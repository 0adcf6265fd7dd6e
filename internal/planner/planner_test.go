package planner

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/openclaw/ctlplane-core/internal/common/config"
	"github.com/openclaw/ctlplane-core/internal/common/logger"
	"github.com/openclaw/ctlplane-core/internal/llm"
)

func newTestLogger(t *testing.T) *logger.Logger {
	log, err := logger.NewLogger(logger.LoggingConfig{Level: "debug", Format: "console", OutputPath: "stdout"})
	if err != nil {
		t.Fatalf("failed to create logger: %v", err)
	}
	return log
}

func newTestPlanner(t *testing.T, handler http.HandlerFunc) *Planner {
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)

	dir := t.TempDir()
	envPath := filepath.Join(dir, ".env")
	if err := os.WriteFile(envPath, []byte("OPENROUTER_API_KEY=sk-test\nOPENROUTER_BASE_URL="+srv.URL+"\n"), 0o644); err != nil {
		t.Fatalf("failed to write fixture .env: %v", err)
	}
	router, err := llm.Provide(config.LLMConfig{DefaultProvider: "openrouter", TimeoutSecs: 5}, envPath, newTestLogger(t))
	if err != nil {
		t.Fatalf("failed to build router: %v", err)
	}
	return New(router, "gpt-4")
}

func chatResponse(content string) func(w http.ResponseWriter, r *http.Request) {
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]interface{}{
			"choices": []map[string]interface{}{
				{"message": map[string]string{"role": "assistant", "content": content}},
			},
		})
	}
}

func TestPlanner_PlanParsesModelOutput(t *testing.T) {
	planJSON := `{"analysis":"split into backend and frontend","subtasks":[` +
		`{"id":"subtask-1","description":"build the API","agent_type":"backend","depends_on":[]},` +
		`{"id":"subtask-2","description":"build the UI","agent_type":"frontend","depends_on":["subtask-1"]}` +
		`]}`
	p := newTestPlanner(t, chatResponse(planJSON))

	plan, err := p.Plan(context.Background(), "build a login flow", "", "")
	if err != nil {
		t.Fatalf("plan failed: %v", err)
	}
	if len(plan.Subtasks) != 2 {
		t.Fatalf("expected 2 subtasks, got %d", len(plan.Subtasks))
	}
	if plan.Subtasks[0].AgentType != AgentBackend {
		t.Errorf("expected backend agent type, got %s", plan.Subtasks[0].AgentType)
	}
	if plan.Subtasks[1].DependsOn[0] != "subtask-1" {
		t.Errorf("expected subtask-2 to depend on subtask-1, got %v", plan.Subtasks[1].DependsOn)
	}
}

func TestPlanner_PlanFallsBackOnUnparsableOutput(t *testing.T) {
	p := newTestPlanner(t, chatResponse("this is not json, and never will be"))

	plan, err := p.Plan(context.Background(), "refactor the database schema", "", "")
	if err != nil {
		t.Fatalf("plan should not error even on fallback: %v", err)
	}
	if len(plan.Subtasks) != 1 || plan.Subtasks[0].ID != "subtask-1" {
		t.Fatalf("expected single-subtask fallback plan, got %+v", plan.Subtasks)
	}
	if plan.Subtasks[0].AgentType != AgentDatabase {
		t.Errorf("expected keyword_match to pick database, got %s", plan.Subtasks[0].AgentType)
	}
}

func TestPlanner_UnknownAgentTypeFallsBackToKeywordMatch(t *testing.T) {
	planJSON := `{"analysis":"x","subtasks":[{"id":"subtask-1","description":"write unit tests for the API","agent_type":"wizard","depends_on":[]}]}`
	p := newTestPlanner(t, chatResponse(planJSON))

	plan, err := p.Plan(context.Background(), "add coverage", "", "")
	if err != nil {
		t.Fatalf("plan failed: %v", err)
	}
	if plan.Subtasks[0].AgentType != AgentQA {
		t.Errorf("expected qa from keyword_match on an unrecognized agent_type, got %s", plan.Subtasks[0].AgentType)
	}
}

func TestKeywordMatch(t *testing.T) {
	cases := map[string]AgentType{
		"add a database migration":       AgentDatabase,
		"set up docker compose":          AgentDevOps,
		"write unit test coverage":       AgentQA,
		"build the frontend UI":          AgentFrontend,
		"implement the rest api":         AgentBackend,
		"do something entirely unclear":  AgentFullstack,
	}
	for task, want := range cases {
		if got := keywordMatch(task); got != want {
			t.Errorf("keywordMatch(%q) = %s, want %s", task, got, want)
		}
	}
}

func TestIsComplex(t *testing.T) {
	if IsComplex("fix a typo") {
		t.Error("expected a short task with no keyword hits to not be complex")
	}
	if !IsComplex("build a rest api with authentication") {
		t.Error("expected two keyword hits to be complex")
	}
	if !IsComplex(strings.Repeat("a", 201)) {
		t.Error("expected a task over 200 chars to be complex")
	}
}

func TestTruncateFileTree(t *testing.T) {
	small := "a/b/c.go"
	if got := truncateFileTree(small); got != small {
		t.Errorf("expected small tree to pass through unchanged, got %q", got)
	}
	big := strings.Repeat("x", maxFileTreeBytes+100)
	got := truncateFileTree(big)
	if len(got) >= len(big) {
		t.Error("expected truncated tree to be shorter than the input")
	}
	if !strings.HasSuffix(got, "...(truncated)") {
		t.Error("expected truncation marker suffix")
	}
}

func TestSystemPromptFor(t *testing.T) {
	if SystemPromptFor(AgentBackend) == SystemPromptFor(AgentFrontend) {
		t.Error("expected distinct system prompts per template")
	}
	if SystemPromptFor("unknown-type") != SystemPromptFor(AgentFullstack) {
		t.Error("expected unknown agent type to fall back to the fullstack template")
	}
}
