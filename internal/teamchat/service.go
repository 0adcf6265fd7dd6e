// Package teamchat is the Team Chat Service: per-mission chat stream
// append/list, publishing each new message to the Event Bus (component J).
package teamchat

import (
	"context"

	"github.com/openclaw/ctlplane-core/internal/common/logger"
	"github.com/openclaw/ctlplane-core/internal/events"
	"github.com/openclaw/ctlplane-core/internal/events/bus"
	"github.com/openclaw/ctlplane-core/internal/store"
)

// Service appends and lists Team Chat Messages, publishing every append
// to the Event Bus so subscribers can render it live.
type Service struct {
	store store.Store
	bus   bus.EventBus
	log   *logger.Logger
}

// New builds a Team Chat Service over a Store and Event Bus.
func New(st store.Store, eb bus.EventBus, log *logger.Logger) *Service {
	return &Service{store: st, bus: eb, log: log}
}

// Post appends a message to a mission's chat stream and publishes
// events.ChatMessage. Ordering is delegated to the Store: strictly
// append-only, sorted by timestamp; equal timestamps are kept in
// insertion order by the in-memory store and ordered by message id by
// the Postgres store.
func (s *Service) Post(ctx context.Context, missionID string, role store.ChatRole, sender, content string) (*store.TeamChatMessage, error) {
	msg, err := s.store.AppendChatMessage(ctx, &store.TeamChatMessage{
		MissionID: missionID,
		Role:      role,
		Sender:    sender,
		Content:   content,
	})
	if err != nil {
		return nil, err
	}

	if s.bus != nil {
		payload := events.ChatMessagePayload{
			MissionID: msg.MissionID,
			MessageID: msg.ID,
			Role:      string(msg.Role),
			Sender:    msg.Sender,
			Content:   msg.Content,
			Timestamp: msg.Timestamp,
		}
		evt := bus.NewEvent(events.ChatMessage, "teamchat", payload.ToData())
		if pubErr := s.bus.Publish(ctx, events.ChatMessage, evt); pubErr != nil {
			s.log.WithError(pubErr).WithMissionID(msg.MissionID).Warn("failed to publish chat message event")
		}
	}

	return msg, nil
}

// PostSystem is a convenience wrapper for system-authored notices (plan
// summaries, subtask progress, failure notices).
func (s *Service) PostSystem(ctx context.Context, missionID, content string) (*store.TeamChatMessage, error) {
	return s.Post(ctx, missionID, store.RoleSystem, "system", content)
}

// List returns a mission's full chat history in display order.
func (s *Service) List(ctx context.Context, missionID string) ([]*store.TeamChatMessage, error) {
	return s.store.ListChatMessages(ctx, missionID)
}
