package orchestrator

import (
	"github.com/openclaw/ctlplane-core/internal/common/config"
	"github.com/openclaw/ctlplane-core/internal/common/logger"
	"github.com/openclaw/ctlplane-core/internal/events/bus"
	"github.com/openclaw/ctlplane-core/internal/gateway/pool"
	"github.com/openclaw/ctlplane-core/internal/llm"
	"github.com/openclaw/ctlplane-core/internal/planner"
	"github.com/openclaw/ctlplane-core/internal/store"
	"github.com/openclaw/ctlplane-core/internal/teamchat"
)

// Provide wires an Orchestrator from its already-constructed collaborators.
func Provide(st store.Store, pl *planner.Planner, router *llm.Router, gwPool *pool.Pool, chat *teamchat.Service, eventBus bus.EventBus, cfg config.OrchestratorConfig, log *logger.Logger) *Orchestrator {
	return New(Deps{
		Store:   st,
		Planner: pl,
		LLM:     router,
		Pool:    gwPool,
		Chat:    chat,
		Bus:     eventBus,
		Log:     log,
		Config:  cfg,
	})
}
