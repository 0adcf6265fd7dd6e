package mention

import (
	"context"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/openclaw/ctlplane-core/internal/gateway/protocol"
	"github.com/openclaw/ctlplane-core/internal/store"
)

const (
	defaultPollInterval = 10 * time.Second
	defaultHardCap      = 15 * time.Minute
	quietPollsToFinish  = 2
)

// monitor watches a mention's remote session in the background, polling
// chat history every MonitorPollSecs, and declares the parent Mission
// (and any mirrored worker Missions/Agents) complete after two
// consecutive quiet polls: no new real LLM messages and no new spawn
// activity. A MonitorHardCapMin-minute hard cap force-fails everything
// still running if the session never goes quiet.
func (r *Router) monitor(ctx context.Context, missionID, sessionKey, masterDeploymentID string) {
	poll := defaultPollInterval
	if r.cfg.MonitorPollSecs > 0 {
		poll = time.Duration(r.cfg.MonitorPollSecs * float64(time.Second))
	}
	hardCap := defaultHardCap
	if r.cfg.MonitorHardCapMin > 0 {
		hardCap = time.Duration(r.cfg.MonitorHardCapMin * float64(time.Minute))
	}

	deadline := time.Now().Add(hardCap)
	ticker := time.NewTicker(poll)
	defer ticker.Stop()

	lastRealCount := -1
	lastSpawnCount := -1
	quietPolls := 0

	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			if now.After(deadline) {
				r.expireMonitor(ctx, missionID)
				return
			}

			client, err := r.gwPool.Get(ctx, masterDeploymentID)
			if err != nil {
				r.log.Warn("monitor failed to acquire gateway client", zap.String("mission_id", missionID), zap.Error(err))
				continue
			}
			history, err := client.ChatHistory(ctx, sessionKey)
			if err != nil {
				r.log.Warn("monitor failed to fetch chat history", zap.String("mission_id", missionID), zap.Error(err))
				continue
			}

			realCount := countRealMessages(history.Messages)
			spawnCount := len(findAcceptedSpawns(history.Messages))

			quiet := realCount == lastRealCount && spawnCount == lastSpawnCount
			lastRealCount = realCount
			lastSpawnCount = spawnCount

			if quiet {
				quietPolls++
			} else {
				quietPolls = 0
			}

			if quietPolls >= quietPollsToFinish {
				r.finishMonitor(ctx, missionID)
				return
			}
		}
	}
}

// countRealMessages counts genuine LLM turns: model set and content
// non-empty, the same test PollForResponse's isRealReply applies (tool
// output and empty thinking turns don't count).
func countRealMessages(messages []protocol.ChatMessage) int {
	count := 0
	for _, m := range messages {
		if strings.TrimSpace(m.Model) != "" && strings.TrimSpace(m.Content) != "" {
			count++
		}
	}
	return count
}

func (r *Router) finishMonitor(ctx context.Context, missionID string) {
	r.completeChildren(ctx, missionID, store.MissionCompleted, store.AgentCompleted)
	if _, err := r.st.SetMissionStatus(ctx, missionID, store.MissionCompleted); err != nil {
		r.log.Warn("monitor failed to complete parent mission", zap.String("mission_id", missionID), zap.Error(err))
	}
	r.publishMissionUpdated(ctx, missionID, store.MissionCompleted)
}

func (r *Router) expireMonitor(ctx context.Context, missionID string) {
	r.log.Warn("mention monitor hard cap expired, marking still-running work as failed", zap.String("mission_id", missionID))
	r.completeChildren(ctx, missionID, store.MissionFailed, store.AgentFailed)
	if _, err := r.st.SetMissionStatus(ctx, missionID, store.MissionFailed); err != nil {
		r.log.Warn("monitor failed to fail parent mission", zap.String("mission_id", missionID), zap.Error(err))
	}
	r.publishMissionUpdated(ctx, missionID, store.MissionFailed)
}

// completeChildren transitions every still-running child Mission (and
// its mirrored Agent, if any) of missionID to the given terminal status.
func (r *Router) completeChildren(ctx context.Context, missionID string, missionStatus store.MissionStatus, agentStatus store.AgentStatus) {
	children, err := r.st.ListChildMissions(ctx, missionID)
	if err != nil {
		r.log.Warn("monitor failed to list child missions", zap.String("mission_id", missionID), zap.Error(err))
		return
	}
	for _, child := range children {
		if child.Status == store.MissionCompleted || child.Status == store.MissionFailed {
			continue
		}
		if _, err := r.st.SetMissionStatus(ctx, child.ID, missionStatus); err != nil {
			r.log.Warn("monitor failed to transition child mission", zap.String("mission_id", child.ID), zap.Error(err))
		}
	}

	r.mu.Lock()
	agentIDs := r.childAgents[missionID]
	delete(r.childAgents, missionID)
	r.mu.Unlock()

	for _, agentID := range agentIDs {
		agent, err := r.st.GetAgent(ctx, agentID)
		if err != nil {
			r.log.Warn("monitor failed to load mirrored agent", zap.String("agent_id", agentID), zap.Error(err))
			continue
		}
		if agent.Status == store.AgentCompleted || agent.Status == store.AgentFailed {
			continue
		}
		if _, err := r.st.SetAgentStatus(ctx, agentID, agentStatus); err != nil {
			r.log.Warn("monitor failed to transition agent", zap.String("agent_id", agentID), zap.Error(err))
		}
	}
}
