// Package store is the Mission/Agent Store: a thin persistence wrapper
// over Missions, Agents, and Team Chat Messages (component E).
package store

import "time"

// MissionStatus is a Mission's place in the Queue→Active→{Completed,Failed} lifecycle.
type MissionStatus string

const (
	MissionQueue     MissionStatus = "Queue"
	MissionActive    MissionStatus = "Active"
	MissionCompleted MissionStatus = "Completed"
	MissionFailed    MissionStatus = "Failed"
)

// MissionPriority is a Mission's board priority.
type MissionPriority string

const (
	PriorityGeneral MissionPriority = "general"
	PriorityUrgent  MissionPriority = "urgent"
)

// MissionSource identifies how a Mission entered the board.
type MissionSource string

const (
	SourceManual      MissionSource = "manual"
	SourceTelegram    MissionSource = "telegram"
	SourceOrchestrate MissionSource = "orchestrate"
)

// ReviewStatus is set only by the orchestrator's per-subtask review step.
type ReviewStatus string

const (
	ReviewNone             ReviewStatus = ""
	ReviewApproved         ReviewStatus = "approved"
	ReviewChangesRequested ReviewStatus = "changes_requested"
)

// Mission is a unit of work tracked on the Kanban board.
type Mission struct {
	ID              string          `db:"id"`
	Title           string          `db:"title"`
	Description     string          `db:"description"`
	Status          MissionStatus   `db:"status"`
	Priority        MissionPriority `db:"priority"`
	ParentMissionID *string         `db:"parent_mission_id"`
	AssignedAgentID *string         `db:"assigned_agent_id"`
	FilesScope      []string        `db:"files_scope"`
	Branch          *string         `db:"branch"`
	PlanJSON        *string         `db:"plan_json"`
	Source          MissionSource   `db:"source"`
	SourceMessageID *string         `db:"source_message_id"`
	ReviewStatus    ReviewStatus    `db:"review_status"`
	CreatedAt       time.Time       `db:"created_at"`
	StartedAt       *time.Time      `db:"started_at"`
	CompletedAt     *time.Time      `db:"completed_at"`
}

// AgentType distinguishes the master "Jason" from expert sub-agents.
type AgentType string

const (
	AgentMaster AgentType = "master"
	AgentSub    AgentType = "sub"
)

// AgentStatus is an Agent's current lifecycle state.
type AgentStatus string

const (
	AgentIdle      AgentStatus = "idle"
	AgentActive    AgentStatus = "active"
	AgentBusy      AgentStatus = "busy"
	AgentCompleted AgentStatus = "completed"
	AgentFailed    AgentStatus = "failed"
	AgentOffline   AgentStatus = "offline"
)

// Agent is a handle to an executor: the master, an expert sub-agent, or a
// mirror of a remote-spawned sub-session.
type Agent struct {
	ID             string      `db:"id"`
	Name           string      `db:"name"`
	Type           AgentType   `db:"type"`
	Status         AgentStatus `db:"status"`
	ParentAgentID  *string     `db:"parent_agent_id"`
	Model          string      `db:"model"`
	SystemPrompt   string      `db:"system_prompt"`
	WorktreePath   string      `db:"worktree_path"`
	Branch         string      `db:"branch"`
	CurrentTask    string      `db:"current_task"`
	Load           int         `db:"load"`
	RetryCount     int         `db:"retry_count"`
	DeploymentID   *string     `db:"deployment_id"`
	AgentTemplate  *string     `db:"agent_template"`
	CreatedAt      time.Time   `db:"created_at"`
	UpdatedAt      time.Time   `db:"updated_at"`
}

// ChatRole identifies the speaker of a Team Chat Message.
type ChatRole string

const (
	RoleUser   ChatRole = "user"
	RoleAgent  ChatRole = "agent"
	RoleSystem ChatRole = "system"
)

// TeamChatMessage is one append-only entry in a mission's chat stream.
type TeamChatMessage struct {
	ID        string    `db:"id"`
	MissionID string    `db:"mission_id"`
	Role      ChatRole  `db:"role"`
	Sender    string    `db:"sender"`
	Content   string    `db:"content"`
	Timestamp time.Time `db:"timestamp"`
}

// validMissionTransitions enumerates the legal Mission status transitions.
var validMissionTransitions = map[MissionStatus][]MissionStatus{
	MissionQueue:     {MissionActive},
	MissionActive:    {MissionCompleted, MissionFailed},
	MissionCompleted: {},
	MissionFailed:    {},
}

// CanTransitionMission reports whether a Mission may move from `from` to `to`.
func CanTransitionMission(from, to MissionStatus) bool {
	if from == to {
		return true
	}
	for _, allowed := range validMissionTransitions[from] {
		if allowed == to {
			return true
		}
	}
	return false
}
