// Package pool implements the Gateway Client Pool (component B): a
// map of deployment id to live Gateway Client, opened lazily and closed
// in parallel with a bounded budget on shutdown.
package pool

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/openclaw/ctlplane-core/internal/common/apperr"
	"github.com/openclaw/ctlplane-core/internal/common/config"
	"github.com/openclaw/ctlplane-core/internal/common/logger"
	"github.com/openclaw/ctlplane-core/internal/gateway/client"
	"github.com/openclaw/ctlplane-core/internal/gateway/protocol"
)

// Endpoint resolves a deployment id to the connection details a Gateway
// Client needs: the port+token the Deployment Manager reads from .env.
type Endpoint struct {
	URL          string
	GatewayToken string
	ClientID     string // protocol.ClientIDLocal or protocol.ClientIDExternal
}

// EndpointResolver looks up connection details for a deployment, backed
// by the Deployment Manager in production.
type EndpointResolver func(ctx context.Context, deploymentID string) (Endpoint, error)

// Pool maintains one Gateway Client per deployment.
type Pool struct {
	mu       sync.Mutex
	clients  map[string]*client.Client
	resolve  EndpointResolver
	gwConfig config.GatewayConfig
	log      *logger.Logger
}

// New builds an empty Pool.
func New(resolve EndpointResolver, gwConfig config.GatewayConfig, log *logger.Logger) *Pool {
	return &Pool{
		clients:  make(map[string]*client.Client),
		resolve:  resolve,
		gwConfig: gwConfig,
		log:      log.WithFields(zap.String("component", "gateway-pool")),
	}
}

// Get returns a connected client for deploymentID, lazily dialing and
// handshaking one if none is held yet.
func (p *Pool) Get(ctx context.Context, deploymentID string) (*client.Client, error) {
	p.mu.Lock()
	if c, ok := p.clients[deploymentID]; ok && c.IsConnected() {
		p.mu.Unlock()
		return c, nil
	}
	p.mu.Unlock()

	endpoint, err := p.resolve(ctx, deploymentID)
	if err != nil {
		return nil, err
	}

	c := client.New(endpoint.URL, endpoint.GatewayToken, endpoint.ClientID, p.gwConfig, p.log)
	if _, err := c.Connect(ctx); err != nil {
		return nil, apperr.Wrap(err, fmt.Sprintf("failed to connect gateway client for deployment %q", deploymentID))
	}

	p.mu.Lock()
	p.clients[deploymentID] = c
	p.mu.Unlock()

	return c, nil
}

// Release closes and forgets the client for a deployment, if any.
func (p *Pool) Release(deploymentID string) error {
	p.mu.Lock()
	c, ok := p.clients[deploymentID]
	if ok {
		delete(p.clients, deploymentID)
	}
	p.mu.Unlock()

	if !ok {
		return nil
	}
	return c.Close()
}

// CloseAll closes every held client in parallel, each bounded by the
// configured close budget, used on process shutdown.
func (p *Pool) CloseAll() {
	p.mu.Lock()
	clients := make(map[string]*client.Client, len(p.clients))
	for k, v := range p.clients {
		clients[k] = v
	}
	p.clients = make(map[string]*client.Client)
	p.mu.Unlock()

	budget := time.Duration(p.gwConfig.CloseBudgetSecs * float64(time.Second))
	if budget <= 0 {
		budget = 5 * time.Second
	}

	var wg sync.WaitGroup
	for deploymentID, c := range clients {
		wg.Add(1)
		go func(deploymentID string, c *client.Client) {
			defer wg.Done()
			done := make(chan struct{})
			go func() {
				_ = c.Close()
				close(done)
			}()
			select {
			case <-done:
			case <-time.After(budget):
				p.log.Warn("gateway client close exceeded budget", zap.String("deploymentId", deploymentID))
			}
		}(deploymentID, c)
	}
	wg.Wait()
}

// ClientIDFor decides the "cli" vs "gateway-client" identity the
// handshake must present: "cli" for control-plane-managed local
// containers, "gateway-client" for anything external.
func ClientIDFor(isLocal bool) string {
	if isLocal {
		return protocol.ClientIDLocal
	}
	return protocol.ClientIDExternal
}
