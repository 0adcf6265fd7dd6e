package deployment

import (
	"context"
	"path/filepath"

	"github.com/openclaw/ctlplane-core/internal/common/config"
	"github.com/openclaw/ctlplane-core/internal/common/logger"
)

// Provide builds a Manager rooted at cfg.BaseDir and runs Restore once
// against any deployments left on disk from a prior process.
func Provide(ctx context.Context, cfg config.DeploymentsConfig, projectRoot string, log *logger.Logger) (*Manager, error) {
	composeFile := filepath.Join(projectRoot, "docker-compose.yml")
	m := New(cfg, composeFile, log)
	if err := m.Restore(ctx); err != nil {
		return nil, err
	}
	return m, nil
}
