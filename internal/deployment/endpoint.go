package deployment

import (
	"context"
	"fmt"

	"github.com/openclaw/ctlplane-core/internal/common/apperr"
	"github.com/openclaw/ctlplane-core/internal/gateway/pool"
	"github.com/openclaw/ctlplane-core/internal/gateway/protocol"
)

// Resolver adapts the Manager into a pool.EndpointResolver: every
// deployment the Manager configures is a control-plane-managed local
// container, so it always presents client.id="cli".
func (m *Manager) Resolver() pool.EndpointResolver {
	return func(ctx context.Context, deploymentID string) (pool.Endpoint, error) {
		desc, err := m.get(deploymentID)
		if err != nil {
			return pool.Endpoint{}, err
		}
		if desc.Status != StatusRunning {
			return pool.Endpoint{}, apperr.NotConnected(deploymentID)
		}
		return pool.Endpoint{
			URL:          fmt.Sprintf("ws://127.0.0.1:%d/ws", desc.Port),
			GatewayToken: desc.GatewayToken,
			ClientID:     protocol.ClientIDLocal,
		}, nil
	}
}
