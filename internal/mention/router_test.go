package mention

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/openclaw/ctlplane-core/internal/common/config"
	"github.com/openclaw/ctlplane-core/internal/common/logger"
	"github.com/openclaw/ctlplane-core/internal/events/bus"
	"github.com/openclaw/ctlplane-core/internal/gateway/pool"
	"github.com/openclaw/ctlplane-core/internal/gateway/protocol"
	"github.com/openclaw/ctlplane-core/internal/store"
)

func newTestLogger(t *testing.T) *logger.Logger {
	log, err := logger.NewLogger(logger.LoggingConfig{Level: "debug", Format: "console", OutputPath: "stdout"})
	if err != nil {
		t.Fatalf("failed to create logger: %v", err)
	}
	return log
}

func testGatewayConfig() config.GatewayConfig {
	return config.GatewayConfig{
		ClientVersion:     "1.0.0",
		ClientPlatform:    "linux",
		ClientMode:        "headless",
		Scopes:            []string{"operator.admin"},
		EventQueueCap:     8,
		ReconnectBase:     10 * time.Millisecond,
		ReconnectCap:      20 * time.Millisecond,
		MaxReconnectTries: 1,
		SequenceGapWarn:   100,
		PollIntervalSecs:  0.01,
		PollCapSecs:       1,
		PollQuietLimit:    3,
		CloseBudgetSecs:   1,
	}
}

func wsURL(httpURL string) string {
	return "ws" + strings.TrimPrefix(httpURL, "http")
}

// fakeMaster is an in-memory Gateway endpoint that tracks chat history
// for a single session and lets the test append messages asynchronously
// after chat.send fires, simulating the master agent thinking and then
// spawning workers.
type fakeMaster struct {
	mu       sync.Mutex
	messages []protocol.ChatMessage
	sends    atomic.Int64
}

func (f *fakeMaster) appendMessage(m protocol.ChatMessage) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.messages = append(f.messages, m)
}

func (f *fakeMaster) snapshot() []protocol.ChatMessage {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]protocol.ChatMessage, len(f.messages))
	copy(out, f.messages)
	return out
}

func newFakeMasterServer(t *testing.T, f *fakeMaster, onSend func(content string)) *httptest.Server {
	upgrader := websocket.Upgrader{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()

		evt := protocol.EventFrame{Type: protocol.FrameEvent, Event: "connect.challenge", Seq: 0}
		payload, _ := json.Marshal(protocol.ConnectChallengePayload{Nonce: "n"})
		evt.Payload = payload
		if err := conn.WriteJSON(evt); err != nil {
			return
		}

		var req protocol.ReqFrame
		if err := conn.ReadJSON(&req); err != nil {
			return
		}
		helloPayload, _ := json.Marshal(protocol.HelloPayload{Server: protocol.HelloServer{Version: "1", Host: "h"}, Protocol: 3})
		if err := conn.WriteJSON(protocol.ResFrame{Type: protocol.FrameRes, ID: req.ID, OK: true, Payload: helloPayload}); err != nil {
			return
		}

		for {
			var in protocol.ReqFrame
			if err := conn.ReadJSON(&in); err != nil {
				return
			}
			switch in.Method {
			case "chat.history":
				historyPayload, _ := json.Marshal(protocol.ChatHistoryResult{Messages: f.snapshot()})
				_ = conn.WriteJSON(protocol.ResFrame{Type: protocol.FrameRes, ID: in.ID, OK: true, Payload: historyPayload})
			case "chat.send":
				f.sends.Add(1)
				var params protocol.ChatSendParams
				_ = json.Unmarshal(in.Params, &params)
				sendPayload, _ := json.Marshal(protocol.ChatSendResult{RunID: "run-1", Status: "started"})
				_ = conn.WriteJSON(protocol.ResFrame{Type: protocol.FrameRes, ID: in.ID, OK: true, Payload: sendPayload})
				if onSend != nil {
					go onSend(params.Content)
				}
			}
		}
	}))
	t.Cleanup(srv.Close)
	return srv
}

func newTestPool(t *testing.T, srv *httptest.Server) *pool.Pool {
	resolver := func(ctx context.Context, deploymentID string) (pool.Endpoint, error) {
		return pool.Endpoint{URL: wsURL(srv.URL), GatewayToken: "tok", ClientID: protocol.ClientIDLocal}, nil
	}
	return pool.New(resolver, testGatewayConfig(), newTestLogger(t))
}

func testMentionConfig() config.MentionConfig {
	return config.MentionConfig{MonitorPollSecs: 0.02, MonitorHardCapMin: 1}
}

func TestHandleMention_SimpleReplyNoWorkers(t *testing.T) {
	f := &fakeMaster{}
	srv := newFakeMasterServer(t, f, func(content string) {
		f.appendMessage(protocol.ChatMessage{Role: "assistant", Model: "gpt-5", Content: "done: " + content})
	})
	p := newTestPool(t, srv)
	defer p.CloseAll()

	st := store.NewMemoryStore()
	eb := bus.NewMemoryEventBus(newTestLogger(t))
	r := New(st, p, eb, testMentionConfig(), newTestLogger(t))

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	result, err := r.HandleMention(ctx, "@jason build the login page", "session-1", "deployment-1")
	if err != nil {
		t.Fatalf("handle_mention failed: %v", err)
	}
	if !strings.Contains(result.ResponseText, "build the login page") {
		t.Errorf("unexpected response text: %q", result.ResponseText)
	}
	if len(result.Workers) != 0 {
		t.Errorf("expected no workers for a plain reply, got %+v", result.Workers)
	}

	mission, err := st.GetMission(ctx, result.MissionID)
	if err != nil {
		t.Fatalf("failed to reload mission: %v", err)
	}
	if mission.Status != store.MissionActive {
		t.Errorf("expected mission to be active after handling, got %s", mission.Status)
	}
}

func TestHandleMention_SpawnsMirrorChildMissionsAndAgents(t *testing.T) {
	f := &fakeMaster{}
	srv := newFakeMasterServer(t, f, func(content string) {
		f.appendMessage(protocol.ChatMessage{
			Role:    "assistant",
			Content: `{"status":"accepted","childSessionKey":"agent:researcher:subagent:abc","runId":"run-9"}`,
		})
		f.appendMessage(protocol.ChatMessage{Role: "assistant", Model: "gpt-5", Content: "delegated to a researcher sub-agent"})
	})
	p := newTestPool(t, srv)
	defer p.CloseAll()

	st := store.NewMemoryStore()
	if _, err := st.CreateAgent(context.Background(), &store.Agent{Name: "jason", Type: store.AgentMaster, Status: store.AgentActive}); err != nil {
		t.Fatalf("failed to seed master agent: %v", err)
	}
	eb := bus.NewMemoryEventBus(newTestLogger(t))
	r := New(st, p, eb, testMentionConfig(), newTestLogger(t))

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	result, err := r.HandleMention(ctx, "@jason build the whole stack", "session-2", "deployment-1")
	if err != nil {
		t.Fatalf("handle_mention failed: %v", err)
	}
	if len(result.Workers) != 1 || result.Workers[0].Role != "Researcher" {
		t.Fatalf("expected a single researcher worker, got %+v", result.Workers)
	}

	children, err := st.ListChildMissions(ctx, result.MissionID)
	if err != nil {
		t.Fatalf("failed to list child missions: %v", err)
	}
	if len(children) != 1 {
		t.Fatalf("expected one mirrored child mission, got %d", len(children))
	}

	r.mu.Lock()
	agentIDs := r.childAgents[result.MissionID]
	r.mu.Unlock()
	if len(agentIDs) != 1 {
		t.Fatalf("expected one mirrored sub-agent tracked, got %d", len(agentIDs))
	}
	agent, err := st.GetAgent(ctx, agentIDs[0])
	if err != nil {
		t.Fatalf("failed to load mirrored agent: %v", err)
	}
	if agent.Type != store.AgentSub || agent.Status != store.AgentBusy {
		t.Errorf("unexpected mirrored agent state: %+v", agent)
	}
}

func TestMonitor_CompletesMissionAfterQuietPolls(t *testing.T) {
	f := &fakeMaster{}
	srv := newFakeMasterServer(t, f, func(content string) {
		f.appendMessage(protocol.ChatMessage{Role: "assistant", Model: "gpt-5", Content: "all done"})
	})
	p := newTestPool(t, srv)
	defer p.CloseAll()

	st := store.NewMemoryStore()
	eb := bus.NewMemoryEventBus(newTestLogger(t))
	r := New(st, p, eb, testMentionConfig(), newTestLogger(t))

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	result, err := r.HandleMention(ctx, "@jason ship it", "session-3", "deployment-1")
	if err != nil {
		t.Fatalf("handle_mention failed: %v", err)
	}

	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		mission, err := st.GetMission(ctx, result.MissionID)
		if err != nil {
			t.Fatalf("failed to reload mission: %v", err)
		}
		if mission.Status == store.MissionCompleted {
			return
		}
		time.Sleep(20 * time.Millisecond)
	}
	t.Fatal("timed out waiting for the completion monitor to finish the mission")
}
