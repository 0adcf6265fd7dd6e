package orchestrator

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/openclaw/ctlplane-core/internal/common/config"
	"github.com/openclaw/ctlplane-core/internal/common/logger"
	"github.com/openclaw/ctlplane-core/internal/events/bus"
	"github.com/openclaw/ctlplane-core/internal/llm"
	"github.com/openclaw/ctlplane-core/internal/planner"
	"github.com/openclaw/ctlplane-core/internal/store"
	"github.com/openclaw/ctlplane-core/internal/teamchat"
)

func newTestLogger(t *testing.T) *logger.Logger {
	log, err := logger.NewLogger(logger.LoggingConfig{Level: "debug", Format: "console", OutputPath: "stdout"})
	if err != nil {
		t.Fatalf("failed to create logger: %v", err)
	}
	return log
}

// scriptedRouter builds an llm.Router backed by a fake server that
// returns one canned chat-completion response per call, in order;
// the last entry repeats once the script is exhausted.
func scriptedRouter(t *testing.T, responses []string) *llm.Router {
	idx := 0
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		content := responses[idx]
		if idx < len(responses)-1 {
			idx++
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]interface{}{
			"choices": []map[string]interface{}{
				{"message": map[string]string{"role": "assistant", "content": content}},
			},
		})
	}))
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
	return router
}

func brokenRouter(t *testing.T) *llm.Router {
	dir := t.TempDir()
	envPath := filepath.Join(dir, ".env")
	if err := os.WriteFile(envPath, []byte("OPENROUTER_API_KEY=sk-test\nOPENROUTER_BASE_URL=http://127.0.0.1:1\n"), 0o644); err != nil {
		t.Fatalf("failed to write fixture .env: %v", err)
	}
	router, err := llm.Provide(config.LLMConfig{DefaultProvider: "openrouter", TimeoutSecs: 1}, envPath, newTestLogger(t))
	if err != nil {
		t.Fatalf("failed to build router: %v", err)
	}
	return router
}

func newTestOrchestrator(t *testing.T, responses []string) (*Orchestrator, store.Store) {
	st := store.NewMemoryStore()
	eventBus := bus.NewMemoryEventBus(newTestLogger(t))
	chat := teamchat.New(st, eventBus, newTestLogger(t))
	router := scriptedRouter(t, responses)
	pl := planner.New(router, "gpt-4")

	o := New(Deps{
		Store:   st,
		Planner: pl,
		LLM:     router,
		Pool:    nil,
		Chat:    chat,
		Bus:     eventBus,
		Log:     newTestLogger(t),
	})
	return o, st
}

func waitForTerminal(t *testing.T, o *Orchestrator, id string) *OrchestratorTask {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		task, ok := o.GetTask(id)
		if ok && (task.Status == TaskCompleted || task.Status == TaskFailed) {
			return task
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("timed out waiting for orchestrator task to finish")
	return nil
}

func TestOrchestrator_SubmitTaskCompletesWithoutMission(t *testing.T) {
	planJSON := `{"analysis":"one subtask","subtasks":[{"id":"subtask-1","description":"do the thing","agent_type":"backend","depends_on":[]}]}`
	reviewJSON := `{"decision":"approved","comment":"looks good"}`
	o, _ := newTestOrchestrator(t, []string{planJSON, "subtask result text", reviewJSON, "final synthesis"})

	task, err := o.SubmitTask(context.Background(), "build something", "", "", nil)
	if err != nil {
		t.Fatalf("submit_task failed: %v", err)
	}
	if task.Status != TaskPending {
		t.Errorf("expected initial status pending, got %s", task.Status)
	}

	final := waitForTerminal(t, o, task.ID)
	if final.Status != TaskCompleted {
		t.Fatalf("expected task to complete, got %s (logs: %v)", final.Status, final.Logs)
	}
	if len(final.Subtasks) != 1 || final.Subtasks[0].Status != SubtaskCompleted {
		t.Fatalf("expected the single subtask to complete, got %+v", final.Subtasks)
	}
	if final.FinalResult == "" {
		t.Error("expected a non-empty final result")
	}
}

func TestOrchestrator_SubmitTaskWithMissionFinalizesIt(t *testing.T) {
	planJSON := `{"analysis":"one subtask","subtasks":[{"id":"subtask-1","description":"do the thing","agent_type":"backend","depends_on":[]}]}`
	reviewJSON := `{"decision":"approved","comment":""}`
	o, st := newTestOrchestrator(t, []string{planJSON, "result", reviewJSON, "final"})

	mission, err := st.CreateMission(context.Background(), &store.Mission{Title: "parent"})
	if err != nil {
		t.Fatalf("failed to create parent mission: %v", err)
	}

	task, err := o.SubmitTask(context.Background(), "build something", "", mission.ID, nil)
	if err != nil {
		t.Fatalf("submit_task failed: %v", err)
	}

	final := waitForTerminal(t, o, task.ID)
	if final.Status != TaskCompleted {
		t.Fatalf("expected task to complete, got %s", final.Status)
	}

	updated, err := st.GetMission(context.Background(), mission.ID)
	if err != nil {
		t.Fatalf("failed to reload mission: %v", err)
	}
	if updated.Status != store.MissionCompleted {
		t.Errorf("expected mission to be marked completed, got %s", updated.Status)
	}

	messages, err := st.ListChatMessages(context.Background(), mission.ID)
	if err != nil {
		t.Fatalf("failed to list chat messages: %v", err)
	}
	if len(messages) == 0 {
		t.Error("expected at least one team chat message to have been posted")
	}
}

func TestOrchestrator_DependencyFailurePropagates(t *testing.T) {
	planJSON := `{"analysis":"two subtasks","subtasks":[` +
		`{"id":"subtask-1","description":"fails","agent_type":"backend","depends_on":[]},` +
		`{"id":"subtask-2","description":"depends on 1","agent_type":"backend","depends_on":["subtask-1"]}` +
		`]}`
	o, _ := newTestOrchestrator(t, []string{planJSON})
	o.deps.LLM = brokenRouter(t)

	task, err := o.SubmitTask(context.Background(), "do two things", "", "", nil)
	if err != nil {
		t.Fatalf("submit_task failed: %v", err)
	}
	final := waitForTerminal(t, o, task.ID)
	if final.Status != TaskFailed {
		t.Fatalf("expected task to fail when every subtask fails, got %s", final.Status)
	}
	for _, s := range final.Subtasks {
		if s.Status != SubtaskFailed {
			t.Errorf("expected subtask %s to be failed, got %s", s.ID, s.Status)
		}
	}
}

func TestOrchestrator_OnCompleteCalledExactlyOnce(t *testing.T) {
	planJSON := `{"analysis":"one subtask","subtasks":[{"id":"subtask-1","description":"do the thing","agent_type":"backend","depends_on":[]}]}`
	reviewJSON := `{"decision":"approved","comment":""}`
	o, _ := newTestOrchestrator(t, []string{planJSON, "result", reviewJSON, "final"})

	calls := make(chan *OrchestratorTask, 4)
	task, err := o.SubmitTask(context.Background(), "build something", "", "", func(t *OrchestratorTask) {
		calls <- t
	})
	if err != nil {
		t.Fatalf("submit_task failed: %v", err)
	}
	waitForTerminal(t, o, task.ID)

	select {
	case got := <-calls:
		if got.Status != TaskCompleted {
			t.Errorf("expected on-complete callback to see the completed task, got %s", got.Status)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("on-complete callback was never invoked")
	}
	select {
	case extra := <-calls:
		t.Fatalf("expected on-complete to be invoked exactly once, got a second call: %+v", extra)
	default:
	}
}
