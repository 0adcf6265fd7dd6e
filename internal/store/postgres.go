package store

import (
	"context"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/openclaw/ctlplane-core/internal/common/apperr"
	"github.com/openclaw/ctlplane-core/internal/common/database"
)

// PostgresStore is the Postgres-backed Store implementation, used in
// production deployments. It executes raw SQL against the tables
// created by Migrate.
type PostgresStore struct {
	db *database.DB
}

var _ Store = (*PostgresStore)(nil)

// NewPostgresStore wraps an already-connected database.DB.
func NewPostgresStore(db *database.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

// Migrate creates the missions, agents, and team_chat_messages tables
// if they do not already exist.
func (s *PostgresStore) Migrate(ctx context.Context) error {
	_, err := s.db.Exec(ctx, `
CREATE TABLE IF NOT EXISTS missions (
	id                 TEXT PRIMARY KEY,
	title              TEXT NOT NULL,
	description        TEXT NOT NULL DEFAULT '',
	status             TEXT NOT NULL,
	priority           TEXT NOT NULL,
	parent_mission_id  TEXT REFERENCES missions(id),
	assigned_agent_id  TEXT,
	files_scope        TEXT[] NOT NULL DEFAULT '{}',
	branch             TEXT,
	plan_json          TEXT,
	source             TEXT NOT NULL,
	source_message_id  TEXT,
	review_status      TEXT NOT NULL DEFAULT '',
	created_at         TIMESTAMPTZ NOT NULL,
	started_at         TIMESTAMPTZ,
	completed_at       TIMESTAMPTZ
);

CREATE TABLE IF NOT EXISTS agents (
	id               TEXT PRIMARY KEY,
	name             TEXT NOT NULL,
	type             TEXT NOT NULL,
	status           TEXT NOT NULL,
	parent_agent_id  TEXT REFERENCES agents(id),
	model            TEXT NOT NULL DEFAULT '',
	system_prompt    TEXT NOT NULL DEFAULT '',
	worktree_path    TEXT NOT NULL DEFAULT '',
	branch           TEXT NOT NULL DEFAULT '',
	current_task     TEXT NOT NULL DEFAULT '',
	load             INTEGER NOT NULL DEFAULT 0,
	retry_count      INTEGER NOT NULL DEFAULT 0,
	deployment_id    TEXT,
	agent_template   TEXT,
	created_at       TIMESTAMPTZ NOT NULL,
	updated_at       TIMESTAMPTZ NOT NULL
);

CREATE TABLE IF NOT EXISTS team_chat_messages (
	id          TEXT PRIMARY KEY,
	mission_id  TEXT NOT NULL REFERENCES missions(id) ON DELETE CASCADE,
	role        TEXT NOT NULL,
	sender      TEXT NOT NULL,
	content     TEXT NOT NULL,
	timestamp   TIMESTAMPTZ NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_team_chat_messages_mission_ts
	ON team_chat_messages (mission_id, timestamp);
`)
	return err
}

func (s *PostgresStore) CreateMission(ctx context.Context, m *Mission) (*Mission, error) {
	if m.ID == "" {
		m.ID = NewID()
	}
	if m.Status == "" {
		m.Status = MissionQueue
	}
	if m.Priority == "" {
		m.Priority = PriorityGeneral
	}
	if m.Source == "" {
		m.Source = SourceManual
	}
	m.CreatedAt = time.Now().UTC()

	if m.ParentMissionID != nil {
		parent, err := s.GetMission(ctx, *m.ParentMissionID)
		if err != nil {
			return nil, err
		}
		if m.Source == "" || m.Source == SourceManual {
			m.Source = parent.Source
		}
		if m.SourceMessageID == nil {
			m.SourceMessageID = parent.SourceMessageID
		}
	}

	_, err := s.db.Exec(ctx, `
INSERT INTO missions (id, title, description, status, priority, parent_mission_id,
	assigned_agent_id, files_scope, branch, plan_json, source, source_message_id,
	review_status, created_at, started_at, completed_at)
VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16)`,
		m.ID, m.Title, m.Description, m.Status, m.Priority, m.ParentMissionID,
		m.AssignedAgentID, m.FilesScope, m.Branch, m.PlanJSON, m.Source, m.SourceMessageID,
		m.ReviewStatus, m.CreatedAt, m.StartedAt, m.CompletedAt)
	if err != nil {
		return nil, apperr.Wrap(err, "create mission")
	}
	return m, nil
}

func scanMission(row pgx.Row) (*Mission, error) {
	m := &Mission{}
	err := row.Scan(&m.ID, &m.Title, &m.Description, &m.Status, &m.Priority, &m.ParentMissionID,
		&m.AssignedAgentID, &m.FilesScope, &m.Branch, &m.PlanJSON, &m.Source, &m.SourceMessageID,
		&m.ReviewStatus, &m.CreatedAt, &m.StartedAt, &m.CompletedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	return m, nil
}

const missionColumns = `id, title, description, status, priority, parent_mission_id,
	assigned_agent_id, files_scope, branch, plan_json, source, source_message_id,
	review_status, created_at, started_at, completed_at`

func (s *PostgresStore) GetMission(ctx context.Context, id string) (*Mission, error) {
	row := s.db.QueryRow(ctx, `SELECT `+missionColumns+` FROM missions WHERE id = $1`, id)
	m, err := scanMission(row)
	if err != nil {
		return nil, apperr.Wrap(err, "get mission")
	}
	if m == nil {
		return nil, apperr.NotFound("mission", id)
	}
	return m, nil
}

func (s *PostgresStore) UpdateMission(ctx context.Context, m *Mission) (*Mission, error) {
	existing, err := s.GetMission(ctx, m.ID)
	if err != nil {
		return nil, err
	}
	if existing.Status != m.Status && !CanTransitionMission(existing.Status, m.Status) {
		return nil, apperr.InvariantViolation(
			"illegal mission status transition from " + string(existing.Status) + " to " + string(m.Status))
	}

	_, err = s.db.Exec(ctx, `
UPDATE missions SET title=$2, description=$3, status=$4, priority=$5, assigned_agent_id=$6,
	files_scope=$7, branch=$8, plan_json=$9, review_status=$10, started_at=$11, completed_at=$12
WHERE id=$1`,
		m.ID, m.Title, m.Description, m.Status, m.Priority, m.AssignedAgentID,
		m.FilesScope, m.Branch, m.PlanJSON, m.ReviewStatus, m.StartedAt, m.CompletedAt)
	if err != nil {
		return nil, apperr.Wrap(err, "update mission")
	}
	return s.GetMission(ctx, m.ID)
}

func (s *PostgresStore) DeleteMission(ctx context.Context, id string) error {
	tag, err := s.db.Exec(ctx, `DELETE FROM missions WHERE id = $1`, id)
	if err != nil {
		return apperr.Wrap(err, "delete mission")
	}
	if tag.RowsAffected() == 0 {
		return apperr.NotFound("mission", id)
	}
	return nil
}

func (s *PostgresStore) ListMissions(ctx context.Context) ([]*Mission, error) {
	rows, err := s.db.Query(ctx, `SELECT `+missionColumns+` FROM missions ORDER BY created_at`)
	if err != nil {
		return nil, apperr.Wrap(err, "list missions")
	}
	defer rows.Close()
	var out []*Mission
	for rows.Next() {
		m, err := scanMission(rows)
		if err != nil {
			return nil, apperr.Wrap(err, "scan mission")
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

func (s *PostgresStore) ListChildMissions(ctx context.Context, parentID string) ([]*Mission, error) {
	rows, err := s.db.Query(ctx,
		`SELECT `+missionColumns+` FROM missions WHERE parent_mission_id = $1 ORDER BY created_at`, parentID)
	if err != nil {
		return nil, apperr.Wrap(err, "list child missions")
	}
	defer rows.Close()
	var out []*Mission
	for rows.Next() {
		m, err := scanMission(rows)
		if err != nil {
			return nil, apperr.Wrap(err, "scan mission")
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

func (s *PostgresStore) SetMissionStatus(ctx context.Context, id string, newStatus MissionStatus) (*Mission, error) {
	m, err := s.GetMission(ctx, id)
	if err != nil {
		return nil, err
	}
	if !CanTransitionMission(m.Status, newStatus) {
		return nil, apperr.InvariantViolation(
			"illegal mission status transition from " + string(m.Status) + " to " + string(newStatus))
	}

	now := time.Now().UTC()
	switch newStatus {
	case MissionActive:
		if m.StartedAt == nil {
			_, err = s.db.Exec(ctx, `UPDATE missions SET status=$2, started_at=$3 WHERE id=$1`, id, newStatus, now)
		} else {
			_, err = s.db.Exec(ctx, `UPDATE missions SET status=$2 WHERE id=$1`, id, newStatus)
		}
	case MissionCompleted, MissionFailed:
		_, err = s.db.Exec(ctx, `UPDATE missions SET status=$2, completed_at=$3 WHERE id=$1`, id, newStatus, now)
	default:
		_, err = s.db.Exec(ctx, `UPDATE missions SET status=$2 WHERE id=$1`, id, newStatus)
	}
	if err != nil {
		return nil, apperr.Wrap(err, "set mission status")
	}
	return s.GetMission(ctx, id)
}

func (s *PostgresStore) SetMissionReviewStatus(ctx context.Context, id string, review ReviewStatus) (*Mission, error) {
	m, err := s.GetMission(ctx, id)
	if err != nil {
		return nil, err
	}
	if m.ParentMissionID == nil || m.Source != SourceOrchestrate {
		return nil, apperr.InvariantViolation("review_status may only be set on orchestrator sub-missions")
	}
	if _, err := s.db.Exec(ctx, `UPDATE missions SET review_status=$2 WHERE id=$1`, id, review); err != nil {
		return nil, apperr.Wrap(err, "set mission review status")
	}
	return s.GetMission(ctx, id)
}

const agentColumns = `id, name, type, status, parent_agent_id, model, system_prompt,
	worktree_path, branch, current_task, load, retry_count, deployment_id, agent_template,
	created_at, updated_at`

func scanAgent(row pgx.Row) (*Agent, error) {
	a := &Agent{}
	err := row.Scan(&a.ID, &a.Name, &a.Type, &a.Status, &a.ParentAgentID, &a.Model, &a.SystemPrompt,
		&a.WorktreePath, &a.Branch, &a.CurrentTask, &a.Load, &a.RetryCount, &a.DeploymentID, &a.AgentTemplate,
		&a.CreatedAt, &a.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	return a, nil
}

func (s *PostgresStore) CreateAgent(ctx context.Context, a *Agent) (*Agent, error) {
	if a.Type == AgentMaster {
		existing, err := s.GetMaster(ctx)
		if err == nil && existing.Status != AgentOffline {
			return nil, apperr.InvariantViolation("a master agent is already active on this control plane")
		}
	}
	if a.Type == AgentSub && a.ParentAgentID == nil {
		return nil, apperr.InvariantViolation("a sub-agent's parent is always a master")
	}

	if a.ID == "" {
		a.ID = NewID()
	}
	if a.Status == "" {
		a.Status = AgentIdle
	}
	now := time.Now().UTC()
	a.CreatedAt = now
	a.UpdatedAt = now

	_, err := s.db.Exec(ctx, `
INSERT INTO agents (id, name, type, status, parent_agent_id, model, system_prompt, worktree_path,
	branch, current_task, load, retry_count, deployment_id, agent_template, created_at, updated_at)
VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16)`,
		a.ID, a.Name, a.Type, a.Status, a.ParentAgentID, a.Model, a.SystemPrompt, a.WorktreePath,
		a.Branch, a.CurrentTask, a.Load, a.RetryCount, a.DeploymentID, a.AgentTemplate, a.CreatedAt, a.UpdatedAt)
	if err != nil {
		return nil, apperr.Wrap(err, "create agent")
	}
	return a, nil
}

func (s *PostgresStore) GetAgent(ctx context.Context, id string) (*Agent, error) {
	row := s.db.QueryRow(ctx, `SELECT `+agentColumns+` FROM agents WHERE id = $1`, id)
	a, err := scanAgent(row)
	if err != nil {
		return nil, apperr.Wrap(err, "get agent")
	}
	if a == nil {
		return nil, apperr.NotFound("agent", id)
	}
	return a, nil
}

func (s *PostgresStore) UpdateAgent(ctx context.Context, a *Agent) (*Agent, error) {
	if _, err := s.GetAgent(ctx, a.ID); err != nil {
		return nil, err
	}
	a.UpdatedAt = time.Now().UTC()
	_, err := s.db.Exec(ctx, `
UPDATE agents SET name=$2, status=$3, model=$4, system_prompt=$5, worktree_path=$6, branch=$7,
	current_task=$8, load=$9, retry_count=$10, deployment_id=$11, agent_template=$12, updated_at=$13
WHERE id=$1`,
		a.ID, a.Name, a.Status, a.Model, a.SystemPrompt, a.WorktreePath, a.Branch,
		a.CurrentTask, a.Load, a.RetryCount, a.DeploymentID, a.AgentTemplate, a.UpdatedAt)
	if err != nil {
		return nil, apperr.Wrap(err, "update agent")
	}
	return s.GetAgent(ctx, a.ID)
}

func (s *PostgresStore) ListAgents(ctx context.Context) ([]*Agent, error) {
	rows, err := s.db.Query(ctx, `SELECT `+agentColumns+` FROM agents ORDER BY created_at`)
	if err != nil {
		return nil, apperr.Wrap(err, "list agents")
	}
	defer rows.Close()
	var out []*Agent
	for rows.Next() {
		a, err := scanAgent(rows)
		if err != nil {
			return nil, apperr.Wrap(err, "scan agent")
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

func (s *PostgresStore) ListChildAgents(ctx context.Context, parentID string) ([]*Agent, error) {
	rows, err := s.db.Query(ctx,
		`SELECT `+agentColumns+` FROM agents WHERE parent_agent_id = $1 ORDER BY created_at`, parentID)
	if err != nil {
		return nil, apperr.Wrap(err, "list child agents")
	}
	defer rows.Close()
	var out []*Agent
	for rows.Next() {
		a, err := scanAgent(rows)
		if err != nil {
			return nil, apperr.Wrap(err, "scan agent")
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

func (s *PostgresStore) GetMaster(ctx context.Context) (*Agent, error) {
	row := s.db.QueryRow(ctx, `SELECT `+agentColumns+` FROM agents WHERE type = 'master' LIMIT 1`)
	a, err := scanAgent(row)
	if err != nil {
		return nil, apperr.Wrap(err, "get master")
	}
	if a == nil {
		return nil, apperr.NotFound("agent", "master")
	}
	return a, nil
}

func (s *PostgresStore) SetAgentStatus(ctx context.Context, id string, newStatus AgentStatus) (*Agent, error) {
	now := time.Now().UTC()
	tag, err := s.db.Exec(ctx, `UPDATE agents SET status=$2, updated_at=$3 WHERE id=$1`, id, newStatus, now)
	if err != nil {
		return nil, apperr.Wrap(err, "set agent status")
	}
	if tag.RowsAffected() == 0 {
		return nil, apperr.NotFound("agent", id)
	}
	return s.GetAgent(ctx, id)
}

func (s *PostgresStore) AppendChatMessage(ctx context.Context, msg *TeamChatMessage) (*TeamChatMessage, error) {
	if msg.ID == "" {
		msg.ID = NewID()
	}
	if msg.Timestamp.IsZero() {
		msg.Timestamp = time.Now().UTC()
	}
	_, err := s.db.Exec(ctx, `
INSERT INTO team_chat_messages (id, mission_id, role, sender, content, timestamp)
VALUES ($1,$2,$3,$4,$5,$6)`,
		msg.ID, msg.MissionID, msg.Role, msg.Sender, msg.Content, msg.Timestamp)
	if err != nil {
		return nil, apperr.Wrap(err, "append chat message")
	}
	return msg, nil
}

func (s *PostgresStore) ListChatMessages(ctx context.Context, missionID string) ([]*TeamChatMessage, error) {
	rows, err := s.db.Query(ctx, `
SELECT id, mission_id, role, sender, content, timestamp
FROM team_chat_messages WHERE mission_id = $1 ORDER BY timestamp, id`, missionID)
	if err != nil {
		return nil, apperr.Wrap(err, "list chat messages")
	}
	defer rows.Close()
	var out []*TeamChatMessage
	for rows.Next() {
		m := &TeamChatMessage{}
		if err := rows.Scan(&m.ID, &m.MissionID, &m.Role, &m.Sender, &m.Content, &m.Timestamp); err != nil {
			return nil, apperr.Wrap(err, "scan chat message")
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

func (s *PostgresStore) Close() error {
	s.db.Close()
	return nil
}
