package events

import (
	"github.com/openclaw/ctlplane-core/internal/common/logger"
	"github.com/openclaw/ctlplane-core/internal/events/bus"
)

// ProvidedBus wraps the active event bus implementation.
type ProvidedBus struct {
	Bus    bus.EventBus
	Memory *bus.MemoryEventBus
}

// Provide builds the in-process event bus. The control plane core is
// single-node by design (see spec Non-goals); there is no distributed
// transport to select between.
func Provide(log *logger.Logger) (*ProvidedBus, func() error, error) {
	memBus := bus.NewMemoryEventBus(log)
	return &ProvidedBus{Bus: memBus, Memory: memBus}, func() error { return nil }, nil
}
