package mention

import (
	"github.com/openclaw/ctlplane-core/internal/common/config"
	"github.com/openclaw/ctlplane-core/internal/common/logger"
	"github.com/openclaw/ctlplane-core/internal/events/bus"
	"github.com/openclaw/ctlplane-core/internal/gateway/pool"
	"github.com/openclaw/ctlplane-core/internal/store"
)

// Provide wires a Router from its already-constructed collaborators.
func Provide(st store.Store, gwPool *pool.Pool, eventBus bus.EventBus, cfg config.MentionConfig, log *logger.Logger) *Router {
	return New(st, gwPool, eventBus, cfg, log)
}
