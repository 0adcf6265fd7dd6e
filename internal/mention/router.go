package mention

import (
	"context"
	"fmt"
	"sync"

	"go.uber.org/zap"

	"github.com/openclaw/ctlplane-core/internal/common/apperr"
	"github.com/openclaw/ctlplane-core/internal/common/config"
	"github.com/openclaw/ctlplane-core/internal/common/logger"
	"github.com/openclaw/ctlplane-core/internal/events"
	"github.com/openclaw/ctlplane-core/internal/events/bus"
	"github.com/openclaw/ctlplane-core/internal/gateway/pool"
	"github.com/openclaw/ctlplane-core/internal/planner"
	"github.com/openclaw/ctlplane-core/internal/store"
)

// Router relays "@jason" mentions to the master Gateway deployment,
// mirrors the worker agents it spawns into the Mission/Agent Store, and
// runs a background Completion Monitor per mention until the remote
// session goes quiet or its hard cap expires.
type Router struct {
	st     store.Store
	gwPool *pool.Pool
	eb     bus.EventBus
	cfg    config.MentionConfig
	log    *logger.Logger

	mu          sync.Mutex
	childAgents map[string][]string // parent mission id -> mirrored sub-agent ids
}

// New builds a Router.
func New(st store.Store, gwPool *pool.Pool, eb bus.EventBus, cfg config.MentionConfig, log *logger.Logger) *Router {
	return &Router{
		st:          st,
		gwPool:      gwPool,
		eb:          eb,
		cfg:         cfg,
		log:         log.WithFields(zap.String("component", "mention-router")),
		childAgents: make(map[string][]string),
	}
}

// Result is what HandleMention returns to its caller immediately, before
// the background completion monitor takes over.
type Result struct {
	MissionID    string
	ResponseText string
	Workers      []Worker
}

// HandleMention implements §4.H's handle_mention: strip the mention,
// open a parent Mission, relay the (possibly delegation-wrapped) task to
// the master deployment, extract any spawned workers, mirror them into
// the Store, and hand off to the background monitor.
func (r *Router) HandleMention(ctx context.Context, msg, sessionKey, masterDeploymentID string) (*Result, error) {
	task := stripMention(msg)

	mission, err := r.st.CreateMission(ctx, &store.Mission{
		Title:       truncateTitle(task),
		Description: task,
		Status:      store.MissionQueue,
		Source:      store.SourceTelegram,
	})
	if err != nil {
		return nil, apperr.Wrap(err, "failed to create mention mission")
	}

	client, err := r.gwPool.Get(ctx, masterDeploymentID)
	if err != nil {
		return nil, err
	}

	baseline, err := client.ChatHistory(ctx, sessionKey)
	if err != nil {
		return nil, err
	}
	baselineSpawns := len(findAcceptedSpawns(baseline.Messages))

	outgoing := task
	if planner.IsComplex(task) {
		outgoing = planner.DelegationPrompt() + task
	}

	reply, err := client.PollForResponse(ctx, sessionKey, outgoing)
	if err != nil {
		return nil, err
	}

	postHistory, err := client.ChatHistory(ctx, sessionKey)
	if err != nil {
		postHistory = baseline
	}
	workers := ExtractWorkers(reply.Content, postHistory, baselineSpawns)

	r.mirrorWorkers(ctx, mission.ID, workers)

	if _, err := r.st.SetMissionStatus(ctx, mission.ID, store.MissionActive); err != nil {
		r.log.Warn("failed to activate mention mission", zap.String("mission_id", mission.ID), zap.Error(err))
	}

	go r.monitor(context.Background(), mission.ID, sessionKey, masterDeploymentID)

	return &Result{MissionID: mission.ID, ResponseText: reply.Content, Workers: workers}, nil
}

// mirrorWorkers creates a sub-Mission and sub-Agent per extracted
// worker, linked to the parent mention mission.
func (r *Router) mirrorWorkers(ctx context.Context, parentMissionID string, workers []Worker) {
	master, err := r.st.GetMaster(ctx)
	var masterID *string
	if err == nil && master != nil {
		masterID = &master.ID
	}

	for _, w := range workers {
		parent := parentMissionID
		childMission, err := r.st.CreateMission(ctx, &store.Mission{
			Title:           fmt.Sprintf("worker: %s", w.Role),
			Description:     w.Role,
			Status:          store.MissionActive,
			ParentMissionID: &parent,
			Source:          store.SourceTelegram,
		})
		if err != nil {
			r.log.Warn("failed to mirror worker mission", zap.String("role", w.Role), zap.Error(err))
			continue
		}
		if masterID != nil {
			template := w.Role
			agent, err := r.st.CreateAgent(ctx, &store.Agent{
				Name:          w.Role,
				Type:          store.AgentSub,
				Status:        store.AgentBusy,
				ParentAgentID: masterID,
				CurrentTask:   childMission.Description,
				AgentTemplate: &template,
			})
			if err != nil {
				r.log.Warn("failed to mirror worker agent", zap.String("role", w.Role), zap.Error(err))
			} else {
				r.mu.Lock()
				r.childAgents[parentMissionID] = append(r.childAgents[parentMissionID], agent.ID)
				r.mu.Unlock()
			}
		}
	}
}

func truncateTitle(s string) string {
	const maxTitleLen = 80
	if len(s) <= maxTitleLen {
		return s
	}
	return s[:maxTitleLen] + "..."
}

// publishMissionUpdated publishes mission:updated for a finalized
// mention mission.
func (r *Router) publishMissionUpdated(ctx context.Context, missionID string, status store.MissionStatus) {
	if r.eb == nil {
		return
	}
	payload := events.MissionUpdatedPayload{MissionID: missionID, Status: string(status)}
	if err := r.eb.Publish(ctx, events.MissionUpdated, bus.NewEvent(events.MissionUpdated, "mention-router", payload.ToData())); err != nil {
		r.log.Warn("failed to publish mission:updated", zap.String("mission_id", missionID), zap.Error(err))
	}
}
