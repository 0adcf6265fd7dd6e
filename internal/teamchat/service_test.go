package teamchat

import (
	"context"
	"testing"

	"github.com/openclaw/ctlplane-core/internal/common/logger"
	"github.com/openclaw/ctlplane-core/internal/events"
	"github.com/openclaw/ctlplane-core/internal/events/bus"
	"github.com/openclaw/ctlplane-core/internal/store"
)

func newTestLogger(t *testing.T) *logger.Logger {
	log, err := logger.NewLogger(logger.LoggingConfig{Level: "debug", Format: "console", OutputPath: "stdout"})
	if err != nil {
		t.Fatalf("failed to create logger: %v", err)
	}
	return log
}

func TestService_PostAndList(t *testing.T) {
	st := store.NewMemoryStore()
	eb := bus.NewMemoryEventBus(newTestLogger(t))
	defer eb.Close()

	svc := New(st, eb, newTestLogger(t))
	ctx := context.Background()

	mission, err := st.CreateMission(ctx, &store.Mission{Title: "t"})
	if err != nil {
		t.Fatalf("failed to create mission: %v", err)
	}

	received := make(chan *bus.Event, 1)
	if _, err := eb.Subscribe(events.ChatMessage, func(ctx context.Context, evt *bus.Event) error {
		received <- evt
		return nil
	}); err != nil {
		t.Fatalf("failed to subscribe: %v", err)
	}

	msg, err := svc.Post(ctx, mission.ID, store.RoleUser, "alice", "hello team")
	if err != nil {
		t.Fatalf("failed to post message: %v", err)
	}
	if msg.ID == "" {
		t.Error("expected message ID to be set")
	}

	select {
	case evt := <-received:
		data, _ := evt.Data.(map[string]interface{})
		if data["content"] != "hello team" {
			t.Errorf("expected published content 'hello team', got %v", data["content"])
		}
	default:
		t.Error("expected a chat:message event to be published synchronously")
	}

	msgs, err := svc.List(ctx, mission.ID)
	if err != nil {
		t.Fatalf("failed to list messages: %v", err)
	}
	if len(msgs) != 1 || msgs[0].Content != "hello team" {
		t.Errorf("expected one message 'hello team', got %+v", msgs)
	}
}

func TestService_PostSystem(t *testing.T) {
	st := store.NewMemoryStore()
	eb := bus.NewMemoryEventBus(newTestLogger(t))
	defer eb.Close()
	svc := New(st, eb, newTestLogger(t))
	ctx := context.Background()

	mission, err := st.CreateMission(ctx, &store.Mission{Title: "t"})
	if err != nil {
		t.Fatalf("failed to create mission: %v", err)
	}

	msg, err := svc.PostSystem(ctx, mission.ID, "Planning complete: 3 subtasks")
	if err != nil {
		t.Fatalf("failed to post system message: %v", err)
	}
	if msg.Role != store.RoleSystem {
		t.Errorf("expected role system, got %s", msg.Role)
	}
}
