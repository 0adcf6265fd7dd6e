// Package deployment implements the Deployment Manager (component C):
// configure/launch/stop/remove/restart/update_env/info/restore/set_master
// over deployments/<id>/.env-backed docker compose stacks.
package deployment

import (
	"bufio"
	"context"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"math/big"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/openclaw/ctlplane-core/internal/common/apperr"
	"github.com/openclaw/ctlplane-core/internal/common/config"
	"github.com/openclaw/ctlplane-core/internal/common/logger"
	"github.com/openclaw/ctlplane-core/internal/common/tracing"
)

// Status is a Deployment's lifecycle state.
type Status string

const (
	StatusConfigured Status = "configured"
	StatusRunning    Status = "running"
	StatusStopped    Status = "stopped"
	StatusFailed     Status = "failed"
)

// Descriptor is the in-memory mirror of one deployment's .env-derived state.
type Descriptor struct {
	ID           string
	Name         string
	Port         int
	GatewayToken string
	DeployDir    string
	EnvPath      string
	ComposePath  string
	Status       Status
	Env          map[string]string
	CreatedAt    time.Time
	LastError    string
}

// Manager owns the deployments/ directory and the docker compose
// subprocess contract described in the compose CLI section.
type Manager struct {
	mu           sync.RWMutex
	deployments  map[string]*Descriptor
	restored     bool
	masterID     string
	baseDir      string
	composeFile  string
	cfg          config.DeploymentsConfig
	log          *logger.Logger
}

// New builds a Manager rooted at cfg.BaseDir. composeFilePath is the
// canonical compose file copied into each deployment directory.
func New(cfg config.DeploymentsConfig, composeFilePath string, log *logger.Logger) *Manager {
	return &Manager{
		deployments: make(map[string]*Descriptor),
		baseDir:     cfg.BaseDir,
		composeFile: composeFilePath,
		cfg:         cfg,
		log:         log.WithFields(zap.String("component", "deployment-manager")),
	}
}

// randomToken returns a 128-bit random hex token.
func randomToken() (string, error) {
	buf := make([]byte, 16)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	return hex.EncodeToString(buf), nil
}

func randomDeploymentID() (string, error) {
	buf := make([]byte, 5)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	return hex.EncodeToString(buf), nil
}

func randomPort(min, max int) (int, error) {
	n, err := rand.Int(rand.Reader, big.NewInt(int64(max-min)))
	if err != nil {
		return 0, err
	}
	return min + int(n.Int64()), nil
}

// ConfigureOverrides carries caller-supplied env overrides for configure().
type ConfigureOverrides map[string]string

// Configure allocates a fresh deployment id, port, gateway token, and
// name, then writes .env and copies the compose file. Status=configured.
func (m *Manager) Configure(ctx context.Context, overrides ConfigureOverrides) (*Descriptor, error) {
	id, err := randomDeploymentID()
	if err != nil {
		return nil, apperr.Wrap(err, "failed to generate deployment id")
	}

	port, err := m.allocatePort()
	if err != nil {
		return nil, err
	}

	token, err := randomToken()
	if err != nil {
		return nil, apperr.Wrap(err, "failed to generate gateway token")
	}

	name, err := m.allocateName()
	if err != nil {
		return nil, err
	}

	deployDir := filepath.Join(m.baseDir, id)
	if err := os.MkdirAll(filepath.Join(deployDir, "config"), 0o755); err != nil {
		return nil, apperr.Wrap(err, "failed to create deployment directory")
	}
	if err := os.MkdirAll(filepath.Join(deployDir, "workspace"), 0o755); err != nil {
		return nil, apperr.Wrap(err, "failed to create workspace directory")
	}

	env := map[string]string{
		"PORT":                   strconv.Itoa(port),
		"OPENCLAW_GATEWAY_TOKEN": token,
		"DEPLOY_NAME":            name,
	}
	for k, v := range overrides {
		env[k] = v
	}

	envPath := filepath.Join(deployDir, ".env")
	if err := writeEnvFile(envPath, env); err != nil {
		return nil, apperr.Wrap(err, "failed to write .env")
	}

	composePath := filepath.Join(deployDir, "docker-compose.yml")
	if err := copyFile(m.composeFile, composePath); err != nil {
		return nil, apperr.Wrap(err, "failed to copy compose file")
	}

	desc := &Descriptor{
		ID:           id,
		Name:         name,
		Port:         port,
		GatewayToken: token,
		DeployDir:    deployDir,
		EnvPath:      envPath,
		ComposePath:  composePath,
		Status:       StatusConfigured,
		Env:          env,
		CreatedAt:    time.Now().UTC(),
	}

	m.mu.Lock()
	m.deployments[id] = desc
	m.mu.Unlock()

	return desc, nil
}

func (m *Manager) allocatePort() (int, error) {
	limit := m.cfg.PortRetryLimit
	if limit <= 0 {
		limit = 50
	}
	for i := 0; i < limit; i++ {
		candidate, err := randomPort(m.cfg.PortRangeMin, m.cfg.PortRangeMax)
		if err != nil {
			return 0, apperr.Wrap(err, "failed to generate candidate port")
		}
		if !m.portInUse(candidate) {
			return candidate, nil
		}
	}
	return 0, apperr.ConfigErr(fmt.Sprintf("could not find a free port after %d attempts", limit))
}

func (m *Manager) portInUse(port int) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, d := range m.deployments {
		if d.Port == port {
			return true
		}
	}
	return false
}

func (m *Manager) allocateName() (string, error) {
	limit := m.cfg.NameRetryLimit
	if limit <= 0 {
		limit = 50
	}
	for i := 0; i < limit; i++ {
		candidate, err := randomName()
		if err != nil {
			return "", apperr.Wrap(err, "failed to generate candidate name")
		}
		if !m.nameInUse(candidate) {
			return candidate, nil
		}
	}
	return "", apperr.ConfigErr(fmt.Sprintf("could not find a free name after %d attempts", limit))
}

func (m *Manager) nameInUse(name string) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, d := range m.deployments {
		if d.Name == name {
			return true
		}
	}
	return false
}

// composeArgs builds the `docker compose` invocation (binary from
// ComposeBin, default `docker`) for a deployment directory. The
// `docker-compose` fallback is applied by runCompose.
func (m *Manager) composeArgs(deployDir string, subcommand ...string) (string, []string) {
	envPath := filepath.Join(deployDir, ".env")
	composePath := filepath.Join(deployDir, "docker-compose.yml")
	base := []string{"compose", "-f", composePath, "--env-file", envPath}
	base = append(base, subcommand...)
	bin := m.cfg.ComposeBin
	if bin == "" {
		bin = "docker"
	}
	return bin, base
}

func (m *Manager) runCompose(ctx context.Context, deployDir string, subcommand ...string) (string, error) {
	ctx, span := tracing.Tracer("deployment-manager").Start(ctx, "compose."+strings.Join(subcommand, "_"))
	defer span.End()

	bin, args := m.composeArgs(deployDir, subcommand...)
	cmd := exec.CommandContext(ctx, bin, args...)
	var stderr strings.Builder
	cmd.Stderr = &stderr
	out, err := cmd.Output()

	if err != nil {
		if legacyBin := m.cfg.ComposeBinLegacy; legacyBin != "" {
			legacyArgs := args[1:] // drop leading "compose"
			cmd2 := exec.CommandContext(ctx, legacyBin, legacyArgs...)
			var stderr2 strings.Builder
			cmd2.Stderr = &stderr2
			out2, err2 := cmd2.Output()
			if err2 == nil && !strings.Contains(strings.ToLower(stderr2.String()), "error") {
				return string(out2), nil
			}
		}
		return string(out), apperr.ComposeErr(fmt.Sprintf("compose %s failed: %s", strings.Join(subcommand, " "), stderr.String()), err)
	}

	// The runtime sometimes returns rc=0 on container-name conflicts, so
	// stderr is scanned for "error" even on success.
	if strings.Contains(strings.ToLower(stderr.String()), "error") {
		return string(out), apperr.ComposeErr(fmt.Sprintf("compose %s reported an error", strings.Join(subcommand, " ")), nil)
	}

	return string(out), nil
}

// Launch tears down any stale containers, refreshes the compose file
// from the project root, then brings the stack up.
func (m *Manager) Launch(ctx context.Context, id string) (*Descriptor, error) {
	desc, err := m.get(id)
	if err != nil {
		return nil, err
	}

	if _, err := m.runCompose(ctx, desc.DeployDir, "down", "--remove-orphans"); err != nil {
		m.log.Warn("compose down before launch failed (non-fatal)", zap.String("deploymentId", id), zap.Error(err))
	}

	if err := copyFile(m.composeFile, desc.ComposePath); err != nil {
		return nil, apperr.Wrap(err, "failed to refresh compose file")
	}

	if _, err := m.runCompose(ctx, desc.DeployDir, "up", "-d", "--force-recreate", "--remove-orphans"); err != nil {
		m.setStatus(id, StatusFailed, err.Error())
		return nil, err
	}

	m.setStatus(id, StatusRunning, "")
	return m.get(id)
}

// Stop runs compose down.
func (m *Manager) Stop(ctx context.Context, id string) error {
	desc, err := m.get(id)
	if err != nil {
		return err
	}
	if _, err := m.runCompose(ctx, desc.DeployDir, "down", "--remove-orphans"); err != nil {
		return err
	}
	m.setStatus(id, StatusStopped, "")
	return nil
}

// Remove stops the stack and deletes the deployment directory entirely.
func (m *Manager) Remove(ctx context.Context, id string) error {
	desc, err := m.get(id)
	if err != nil {
		return err
	}
	_, _ = m.runCompose(ctx, desc.DeployDir, "down", "--remove-orphans")

	if err := os.RemoveAll(desc.DeployDir); err != nil {
		return apperr.Wrap(err, "failed to remove deployment directory")
	}

	m.mu.Lock()
	delete(m.deployments, id)
	if m.masterID == id {
		m.masterID = ""
	}
	m.mu.Unlock()
	return nil
}

// Restart re-reads env changes by force-recreating rather than issuing
// a plain `compose restart`, which would not pick up .env edits.
func (m *Manager) Restart(ctx context.Context, id string) (*Descriptor, error) {
	desc, err := m.get(id)
	if err != nil {
		return nil, err
	}
	if _, err := m.runCompose(ctx, desc.DeployDir, "up", "-d", "--force-recreate"); err != nil {
		m.setStatus(id, StatusFailed, err.Error())
		return nil, err
	}
	m.setStatus(id, StatusRunning, "")
	return m.get(id)
}

// UpdateEnv rewrites matching K=V lines in place (preserving comments and
// ordering) and appends new keys at the end. Does not restart the stack.
func (m *Manager) UpdateEnv(id string, updates map[string]string) (*Descriptor, error) {
	desc, err := m.get(id)
	if err != nil {
		return nil, err
	}

	lines, err := readLines(desc.EnvPath)
	if err != nil {
		return nil, apperr.NotFound("deployment env file", desc.EnvPath)
	}

	remaining := make(map[string]string, len(updates))
	for k, v := range updates {
		remaining[k] = v
	}

	for i, line := range lines {
		trimmed := strings.TrimSpace(line)
		if trimmed == "" || strings.HasPrefix(trimmed, "#") {
			continue
		}
		key, _, ok := strings.Cut(trimmed, "=")
		if !ok {
			continue
		}
		if v, found := remaining[key]; found {
			lines[i] = key + "=" + v
			delete(remaining, key)
		}
	}
	for k, v := range updates {
		if _, stillPending := remaining[k]; stillPending {
			lines = append(lines, fmt.Sprintf("%s=%s", k, v))
		}
	}

	if err := writeLines(desc.EnvPath, lines); err != nil {
		return nil, apperr.Wrap(err, "failed to write .env")
	}

	env, err := parseEnvFile(desc.EnvPath)
	if err != nil {
		return nil, apperr.Wrap(err, "failed to reparse .env")
	}

	m.mu.Lock()
	desc.Env = env
	m.mu.Unlock()

	return m.get(id)
}

// Info returns the descriptor with env masked for sensitive values,
// along with the unmasked map for authorized callers.
type Info struct {
	Descriptor    Descriptor
	EnvConfig     map[string]string
	EnvConfigFull map[string]string
}

func (m *Manager) Info(id string) (*Info, error) {
	desc, err := m.get(id)
	if err != nil {
		return nil, err
	}
	masked := make(map[string]string, len(desc.Env))
	full := make(map[string]string, len(desc.Env))
	for k, v := range desc.Env {
		full[k] = v
		masked[k] = maskSensitive(k, v)
	}
	return &Info{Descriptor: *desc, EnvConfig: masked, EnvConfigFull: full}, nil
}

// maskSensitive masks API keys and tokens longer than 12 chars as
// first-8 + "…" + last-4; everything else passes through.
func maskSensitive(key, value string) string {
	upperKey := strings.ToUpper(key)
	if !strings.Contains(upperKey, "KEY") && !strings.Contains(upperKey, "TOKEN") && !strings.Contains(upperKey, "SECRET") {
		return value
	}
	if len(value) <= 12 {
		return value
	}
	return value[:8] + "…" + value[len(value)-4:]
}

// Restore walks deployments/* on process start and rebuilds the
// in-memory map from each subdirectory's .env and compose ps output.
// Guarded by m.restored so repeat invocation is a no-op.
func (m *Manager) Restore(ctx context.Context) error {
	m.mu.Lock()
	if m.restored {
		m.mu.Unlock()
		return nil
	}
	m.restored = true
	m.mu.Unlock()

	entries, err := os.ReadDir(m.baseDir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return apperr.Wrap(err, "failed to read deployments directory")
	}

	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		id := entry.Name()
		deployDir := filepath.Join(m.baseDir, id)
		envPath := filepath.Join(deployDir, ".env")

		env, err := parseEnvFile(envPath)
		if err != nil {
			m.log.Warn("skipping deployment with unreadable .env", zap.String("deploymentId", id), zap.Error(err))
			continue
		}
		port, ok := env["PORT"]
		if !ok || port == "" {
			m.log.Warn("skipping deployment with no PORT", zap.String("deploymentId", id))
			continue
		}
		portInt, err := strconv.Atoi(port)
		if err != nil {
			m.log.Warn("skipping deployment with non-numeric PORT", zap.String("deploymentId", id))
			continue
		}

		name := env["DEPLOY_NAME"]
		if name == "" {
			generated, genErr := randomName()
			if genErr == nil {
				name = generated
				env["DEPLOY_NAME"] = name
				_ = m.appendEnvKey(envPath, "DEPLOY_NAME", name)
			}
		}

		composePath := filepath.Join(deployDir, "docker-compose.yml")
		status := m.probeStatus(ctx, deployDir)

		desc := &Descriptor{
			ID:           id,
			Name:         name,
			Port:         portInt,
			GatewayToken: env["OPENCLAW_GATEWAY_TOKEN"],
			DeployDir:    deployDir,
			EnvPath:      envPath,
			ComposePath:  composePath,
			Status:       status,
			Env:          env,
			CreatedAt:    time.Now().UTC(),
		}

		m.mu.Lock()
		m.deployments[id] = desc
		m.mu.Unlock()
	}

	return nil
}

func (m *Manager) probeStatus(ctx context.Context, deployDir string) Status {
	probeCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	out, err := m.runCompose(probeCtx, deployDir, "ps", "--format", "json")
	if err != nil {
		return StatusStopped
	}
	if strings.Contains(out, `"running"`) || strings.Contains(out, `"State":"running"`) {
		return StatusRunning
	}
	return StatusStopped
}

func (m *Manager) appendEnvKey(envPath, key, value string) error {
	lines, err := readLines(envPath)
	if err != nil {
		return err
	}
	lines = append(lines, fmt.Sprintf("%s=%s", key, value))
	return writeLines(envPath, lines)
}

// SetMaster designates or revokes the master deployment. Passing "" revokes.
func (m *Manager) SetMaster(id string) error {
	if id == "" {
		m.mu.Lock()
		m.masterID = ""
		m.mu.Unlock()
		return nil
	}
	if _, err := m.get(id); err != nil {
		return err
	}
	m.mu.Lock()
	m.masterID = id
	m.mu.Unlock()
	return nil
}

// Master returns the current master deployment id, or "" if none is set
// or the prior designation has since become unknown.
func (m *Manager) Master() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.masterID != "" {
		if _, ok := m.deployments[m.masterID]; !ok {
			m.masterID = ""
		}
	}
	return m.masterID
}

func (m *Manager) get(id string) (*Descriptor, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	d, ok := m.deployments[id]
	if !ok {
		return nil, apperr.NotFound("deployment", id)
	}
	clone := *d
	return &clone, nil
}

func (m *Manager) setStatus(id string, status Status, lastError string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if d, ok := m.deployments[id]; ok {
		d.Status = status
		d.LastError = lastError
	}
}

// List returns all tracked deployments.
func (m *Manager) List() []*Descriptor {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]*Descriptor, 0, len(m.deployments))
	for _, d := range m.deployments {
		clone := *d
		out = append(out, &clone)
	}
	return out
}

func writeEnvFile(path string, env map[string]string) error {
	lines := make([]string, 0, len(env))
	for k, v := range env {
		lines = append(lines, fmt.Sprintf("%s=%s", k, v))
	}
	return writeLines(path, lines)
}

func writeLines(path string, lines []string) error {
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	defer f.Close()
	w := bufio.NewWriter(f)
	for _, line := range lines {
		if _, err := w.WriteString(line + "\n"); err != nil {
			return err
		}
	}
	return w.Flush()
}

func readLines(path string) ([]string, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	var lines []string
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		lines = append(lines, scanner.Text())
	}
	return lines, scanner.Err()
}

func parseEnvFile(path string) (map[string]string, error) {
	lines, err := readLines(path)
	if err != nil {
		return nil, err
	}
	env := make(map[string]string)
	for _, line := range lines {
		trimmed := strings.TrimSpace(line)
		if trimmed == "" || strings.HasPrefix(trimmed, "#") {
			continue
		}
		key, value, ok := strings.Cut(trimmed, "=")
		if !ok {
			continue
		}
		env[key] = value
	}
	return env, nil
}

func copyFile(src, dst string) error {
	data, err := os.ReadFile(src)
	if err != nil {
		return err
	}
	return os.WriteFile(dst, data, 0o644)
}
