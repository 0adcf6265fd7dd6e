package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/openclaw/ctlplane-core/internal/common/apperr"
)

// MemoryStore is an in-memory Store implementation, used in unit tests
// and as a fallback when no Postgres DSN is configured.
type MemoryStore struct {
	mu       sync.RWMutex
	missions map[string]*Mission
	agents   map[string]*Agent
	chat     map[string][]*TeamChatMessage // missionID -> messages
}

var _ Store = (*MemoryStore)(nil)

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		missions: make(map[string]*Mission),
		agents:   make(map[string]*Agent),
		chat:     make(map[string][]*TeamChatMessage),
	}
}

func cloneMission(m *Mission) *Mission {
	clone := *m
	return &clone
}

func cloneAgent(a *Agent) *Agent {
	clone := *a
	return &clone
}

// CreateMission inserts a new Mission. If ParentMissionID is set, the
// parent's source/source-message-id are inherited per §4.E.
func (s *MemoryStore) CreateMission(ctx context.Context, m *Mission) (*Mission, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

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
		parent, ok := s.missions[*m.ParentMissionID]
		if !ok {
			return nil, apperr.NotFound("mission", *m.ParentMissionID)
		}
		if m.Source == "" || m.Source == SourceManual {
			m.Source = parent.Source
		}
		if m.SourceMessageID == nil {
			m.SourceMessageID = parent.SourceMessageID
		}
	}

	s.missions[m.ID] = cloneMission(m)
	return cloneMission(m), nil
}

func (s *MemoryStore) GetMission(ctx context.Context, id string) (*Mission, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	m, ok := s.missions[id]
	if !ok {
		return nil, apperr.NotFound("mission", id)
	}
	return cloneMission(m), nil
}

func (s *MemoryStore) UpdateMission(ctx context.Context, m *Mission) (*Mission, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	existing, ok := s.missions[m.ID]
	if !ok {
		return nil, apperr.NotFound("mission", m.ID)
	}
	if existing.Status != m.Status && !CanTransitionMission(existing.Status, m.Status) {
		return nil, apperr.InvariantViolation(
			"illegal mission status transition from " + string(existing.Status) + " to " + string(m.Status))
	}
	s.missions[m.ID] = cloneMission(m)
	return cloneMission(m), nil
}

func (s *MemoryStore) DeleteMission(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.missions[id]; !ok {
		return apperr.NotFound("mission", id)
	}
	delete(s.missions, id)
	delete(s.chat, id)
	return nil
}

func (s *MemoryStore) ListMissions(ctx context.Context) ([]*Mission, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*Mission, 0, len(s.missions))
	for _, m := range s.missions {
		out = append(out, cloneMission(m))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (s *MemoryStore) ListChildMissions(ctx context.Context, parentID string) ([]*Mission, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*Mission
	for _, m := range s.missions {
		if m.ParentMissionID != nil && *m.ParentMissionID == parentID {
			out = append(out, cloneMission(m))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

// SetMissionStatus rejects illegal transitions per the Queue→Active→
// {Completed,Failed} lifecycle and marks start/completion timestamps.
func (s *MemoryStore) SetMissionStatus(ctx context.Context, id string, newStatus MissionStatus) (*Mission, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	m, ok := s.missions[id]
	if !ok {
		return nil, apperr.NotFound("mission", id)
	}
	if !CanTransitionMission(m.Status, newStatus) {
		return nil, apperr.InvariantViolation(
			"illegal mission status transition from " + string(m.Status) + " to " + string(newStatus))
	}

	now := time.Now().UTC()
	m.Status = newStatus
	switch newStatus {
	case MissionActive:
		if m.StartedAt == nil {
			m.StartedAt = &now
		}
	case MissionCompleted, MissionFailed:
		m.CompletedAt = &now
	}
	return cloneMission(m), nil
}

// SetMissionReviewStatus is set only by the orchestrator's per-subtask
// review step, for sub-missions spawned by an orchestrator run.
func (s *MemoryStore) SetMissionReviewStatus(ctx context.Context, id string, review ReviewStatus) (*Mission, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.missions[id]
	if !ok {
		return nil, apperr.NotFound("mission", id)
	}
	if m.ParentMissionID == nil || m.Source != SourceOrchestrate {
		return nil, apperr.InvariantViolation("review_status may only be set on orchestrator sub-missions")
	}
	m.ReviewStatus = review
	return cloneMission(m), nil
}

// CreateAgent inserts a new Agent, enforcing the at-most-one-master invariant.
func (s *MemoryStore) CreateAgent(ctx context.Context, a *Agent) (*Agent, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if a.Type == AgentMaster {
		for _, existing := range s.agents {
			if existing.Type == AgentMaster && existing.Status != AgentOffline {
				return nil, apperr.InvariantViolation("a master agent is already active on this control plane")
			}
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

	s.agents[a.ID] = cloneAgent(a)
	return cloneAgent(a), nil
}

func (s *MemoryStore) GetAgent(ctx context.Context, id string) (*Agent, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	a, ok := s.agents[id]
	if !ok {
		return nil, apperr.NotFound("agent", id)
	}
	return cloneAgent(a), nil
}

func (s *MemoryStore) UpdateAgent(ctx context.Context, a *Agent) (*Agent, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.agents[a.ID]; !ok {
		return nil, apperr.NotFound("agent", a.ID)
	}
	a.UpdatedAt = time.Now().UTC()
	s.agents[a.ID] = cloneAgent(a)
	return cloneAgent(a), nil
}

func (s *MemoryStore) ListAgents(ctx context.Context) ([]*Agent, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*Agent, 0, len(s.agents))
	for _, a := range s.agents {
		out = append(out, cloneAgent(a))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (s *MemoryStore) ListChildAgents(ctx context.Context, parentID string) ([]*Agent, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*Agent
	for _, a := range s.agents {
		if a.ParentAgentID != nil && *a.ParentAgentID == parentID {
			out = append(out, cloneAgent(a))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

// GetMaster returns the master agent, preferring one that is not offline
// over masters that have gone offline.
func (s *MemoryStore) GetMaster(ctx context.Context) (*Agent, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var offline *Agent
	for _, a := range s.agents {
		if a.Type != AgentMaster {
			continue
		}
		if a.Status != AgentOffline {
			return cloneAgent(a), nil
		}
		offline = a
	}
	if offline != nil {
		return cloneAgent(offline), nil
	}
	return nil, apperr.NotFound("agent", "master")
}

// SetAgentStatus does not enforce the sub-agent-busy invariant; that is
// left to the caller (the Orchestrator owns the Active sub-mission link).
// This only validates the id exists.
func (s *MemoryStore) SetAgentStatus(ctx context.Context, id string, newStatus AgentStatus) (*Agent, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	a, ok := s.agents[id]
	if !ok {
		return nil, apperr.NotFound("agent", id)
	}
	a.Status = newStatus
	a.UpdatedAt = time.Now().UTC()
	return cloneAgent(a), nil
}

// AppendChatMessage appends to a mission's chat stream. Strictly
// append-only: there is no update or delete operation by design.
func (s *MemoryStore) AppendChatMessage(ctx context.Context, msg *TeamChatMessage) (*TeamChatMessage, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.missions[msg.MissionID]; !ok {
		return nil, apperr.NotFound("mission", msg.MissionID)
	}
	if msg.ID == "" {
		msg.ID = NewID()
	}
	if msg.Timestamp.IsZero() {
		msg.Timestamp = time.Now().UTC()
	}
	clone := *msg
	s.chat[msg.MissionID] = append(s.chat[msg.MissionID], &clone)
	out := *msg
	return &out, nil
}

// ListChatMessages returns a mission's messages ordered by timestamp
// then insertion order, per the Team Chat Message invariant in §3.
func (s *MemoryStore) ListChatMessages(ctx context.Context, missionID string) ([]*TeamChatMessage, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	msgs := s.chat[missionID]
	out := make([]*TeamChatMessage, len(msgs))
	for i, m := range msgs {
		clone := *m
		out[i] = &clone
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Timestamp.Before(out[j].Timestamp) })
	return out, nil
}

func (s *MemoryStore) Close() error { return nil }
