package mention

import (
	"testing"

	"github.com/openclaw/ctlplane-core/internal/gateway/protocol"
)

func acceptedMsg(childSessionKey, runID string) protocol.ChatMessage {
	return protocol.ChatMessage{
		Role:    "assistant",
		Content: `{"status":"accepted","childSessionKey":"` + childSessionKey + `","runId":"` + runID + `"}`,
	}
}

func TestExtractWorkers_FromAcceptedSpawns(t *testing.T) {
	history := &protocol.ChatHistoryResult{Messages: []protocol.ChatMessage{
		acceptedMsg("agent:researcher:subagent:abc", "run-1"),
		acceptedMsg("agent:coder:subagent:def", "run-2"),
	}}

	workers := ExtractWorkers("delegating now", history, 0)
	if len(workers) != 2 {
		t.Fatalf("expected 2 workers, got %d: %+v", len(workers), workers)
	}
	if workers[0].Role != "Researcher" || workers[0].ChildSessionKey != "agent:researcher:subagent:abc" {
		t.Errorf("unexpected first worker: %+v", workers[0])
	}
	if workers[1].Role != "Coder" || workers[1].RunID != "run-2" {
		t.Errorf("unexpected second worker: %+v", workers[1])
	}
}

func TestExtractWorkers_OnlyNewSpawnsCount(t *testing.T) {
	history := &protocol.ChatHistoryResult{Messages: []protocol.ChatMessage{
		acceptedMsg("agent:researcher:subagent:abc", "run-1"),
		acceptedMsg("agent:coder:subagent:def", "run-2"),
	}}

	workers := ExtractWorkers("delegating now", history, 1)
	if len(workers) != 1 {
		t.Fatalf("expected only the spawn beyond the baseline, got %d: %+v", len(workers), workers)
	}
	if workers[0].Role != "Coder" {
		t.Errorf("expected the second spawn (coder), got %+v", workers[0])
	}
}

func TestExtractWorkers_UnknownRoleFallsBackToGenericName(t *testing.T) {
	history := &protocol.ChatHistoryResult{Messages: []protocol.ChatMessage{
		acceptedMsg("agent:mystery_role:subagent:xyz", "run-1"),
	}}

	workers := ExtractWorkers("delegating now", history, 0)
	if len(workers) != 1 || workers[0].Role != "Worker-1" {
		t.Fatalf("expected a generic Worker-1 fallback, got %+v", workers)
	}
}

func TestExtractWorkers_FallsBackToTextWhenNoSpawns(t *testing.T) {
	workers := ExtractWorkers("Spawning Researcher sub-agent to investigate the bug.", nil, 0)
	if len(workers) != 1 || workers[0].Role != "Researcher" {
		t.Fatalf("expected a text-extracted researcher worker, got %+v", workers)
	}
}

func TestExtractWorkers_TextStrategyTwo(t *testing.T) {
	workers := ExtractWorkers("Delegated to qa (verify the fix end to end)", nil, 0)
	if len(workers) != 1 || workers[0].Role != "Qa" {
		t.Fatalf("expected strategy 2 to match qa, got %+v", workers)
	}
}

func TestExtractWorkers_NoSpawnsNoTextMatch(t *testing.T) {
	workers := ExtractWorkers("Here is the answer to your question.", nil, 0)
	if len(workers) != 0 {
		t.Errorf("expected no workers extracted, got %+v", workers)
	}
}
