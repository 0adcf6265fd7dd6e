package llm

import (
	"strings"

	"github.com/openclaw/ctlplane-core/internal/common/config"
	"github.com/openclaw/ctlplane-core/internal/common/logger"
)

// Provide builds a Router from configuration and, when envPath points at
// an existing .env file, seeds provider fields from it so a restart
// picks up credentials written by a prior switch_provider call.
func Provide(cfg config.LLMConfig, envPath string, log *logger.Logger) (*Router, error) {
	r, err := New(cfg, envPath, log)
	if err != nil {
		return nil, err
	}
	if envPath != "" {
		if env, err := parseEnvFileIfExists(envPath); err == nil && env != nil {
			r.LoadEnv(env)
		}
	}
	return r, nil
}

func parseEnvFileIfExists(path string) (map[string]string, error) {
	lines, err := readEnvLines(path)
	if err != nil {
		return nil, err
	}
	env := make(map[string]string, len(lines))
	for _, line := range lines {
		trimmed := strings.TrimSpace(line)
		if trimmed == "" || strings.HasPrefix(trimmed, "#") {
			continue
		}
		key, value, ok := strings.Cut(trimmed, "=")
		if ok {
			env[strings.TrimSpace(key)] = strings.TrimSpace(value)
		}
	}
	return env, nil
}
