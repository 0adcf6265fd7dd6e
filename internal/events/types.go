// Package events provides the control plane's event subjects and payload types.
package events

import "time"

// Subjects published on the Event Bus (component I). Subjects are
// colon-delimited tokens; "*" matches exactly one token, ">" matches
// one or more trailing tokens, NATS-style.
const (
	MissionUpdated = "mission:updated"
	MissionCreated = "mission:created"
	MissionDeleted = "mission:deleted"

	AgentStarted   = "agent:started"
	AgentCompleted = "agent:completed"
	AgentFailed    = "agent:failed"
	AgentOffline   = "agent:offline"
	AgentWildcard  = "agent:*"

	ChatMessage = "chat:message"

	MergeCompleted = "merge:completed"
)

// MissionUpdatedPayload is the Data carried by a mission:updated event.
type MissionUpdatedPayload struct {
	MissionID string `json:"missionId"`
	Status    string `json:"status"`
}

// AgentEventPayload is the Data carried by agent:* events.
type AgentEventPayload struct {
	AgentID      string `json:"agentId"`
	MissionID    string `json:"missionId,omitempty"`
	DeploymentID string `json:"deploymentId,omitempty"`
	Status       string `json:"status"`
}

// ChatMessagePayload is the Data carried by a chat:message event.
type ChatMessagePayload struct {
	MissionID string    `json:"missionId"`
	MessageID string    `json:"messageId"`
	Role      string    `json:"role"`
	Sender    string    `json:"sender"`
	Content   string    `json:"content"`
	Timestamp time.Time `json:"timestamp"`
}

// MergeCompletedPayload is the Data carried by a merge:completed event.
type MergeCompletedPayload struct {
	MissionID string `json:"missionId"`
	Branch    string `json:"branch"`
	Success   bool   `json:"success"`
}

// ToData flattens a ChatMessagePayload into the generic map EventBus.Publish expects.
func (p ChatMessagePayload) ToData() map[string]interface{} {
	return map[string]interface{}{
		"missionId": p.MissionID,
		"messageId": p.MessageID,
		"role":      p.Role,
		"sender":    p.Sender,
		"content":   p.Content,
		"timestamp": p.Timestamp,
	}
}

// ToData flattens a MissionUpdatedPayload into the generic map EventBus.Publish expects.
func (p MissionUpdatedPayload) ToData() map[string]interface{} {
	return map[string]interface{}{
		"missionId": p.MissionID,
		"status":    p.Status,
	}
}

// ToData flattens an AgentEventPayload into the generic map EventBus.Publish expects.
func (p AgentEventPayload) ToData() map[string]interface{} {
	return map[string]interface{}{
		"agentId":      p.AgentID,
		"missionId":    p.MissionID,
		"deploymentId": p.DeploymentID,
		"status":       p.Status,
	}
}

// ToData flattens a MergeCompletedPayload into the generic map EventBus.Publish expects.
func (p MergeCompletedPayload) ToData() map[string]interface{} {
	return map[string]interface{}{
		"missionId": p.MissionID,
		"branch":    p.Branch,
		"success":   p.Success,
	}
}
