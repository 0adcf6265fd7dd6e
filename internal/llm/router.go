package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/openclaw/ctlplane-core/internal/common/apperr"
	"github.com/openclaw/ctlplane-core/internal/common/config"
	"github.com/openclaw/ctlplane-core/internal/common/logger"
)

// Message is one chat turn sent to the LLM.
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// TestResult is the outcome of a connectivity probe against a provider.
type TestResult struct {
	OK     bool     `json:"ok"`
	Models []string `json:"models,omitempty"`
	Error  string   `json:"error,omitempty"`
}

const defaultTimeout = 180 * time.Second

// Router resolves the active LLM provider and executes chat completions
// against it. Settings can be swapped at runtime via SwitchProvider
// without restarting the process; every call re-reads the current
// resolved config under a read lock so an in-flight swap is picked up by
// the next request.
type Router struct {
	mu       sync.RWMutex
	active   Provider
	fields   map[Provider]map[string]string
	resolved map[Provider]ResolvedConfig

	envPath    string
	timeout    time.Duration
	httpClient *http.Client
	log        *logger.Logger
}

// New builds a Router from configuration. envPath is the control plane's
// own .env file; SwitchProvider persists credential changes there.
func New(cfg config.LLMConfig, envPath string, log *logger.Logger) (*Router, error) {
	active, err := parseProvider(cfg.DefaultProvider)
	if err != nil {
		return nil, err
	}
	timeout := defaultTimeout
	if cfg.TimeoutSecs > 0 {
		timeout = time.Duration(cfg.TimeoutSecs * float64(time.Second))
	}

	fields := make(map[Provider]map[string]string, len(specs))
	for p := range specs {
		fields[p] = map[string]string{}
	}
	for name, pc := range cfg.Providers {
		p, err := parseProvider(name)
		if err != nil {
			continue
		}
		f := fields[p]
		if pc.BaseURL != "" {
			switch p {
			case ProviderOpenRouter:
				f["OPENROUTER_BASE_URL"] = pc.BaseURL
			case ProviderCustom:
				f["CUSTOM_LLM_BASE_URL"] = pc.BaseURL
			}
		}
	}

	r := &Router{
		active:     active,
		fields:     fields,
		resolved:   map[Provider]ResolvedConfig{},
		envPath:    envPath,
		timeout:    timeout,
		httpClient: &http.Client{Timeout: timeout},
		log:        log,
	}
	return r, nil
}

// LoadEnv seeds provider fields from a parsed .env map, the same shape
// the Deployment Manager produces when it reads a deployment's .env file.
func (r *Router) LoadEnv(env map[string]string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for p := range specs {
		f := r.fields[p]
		for _, key := range providerFieldKeys(p) {
			if v, ok := env[key]; ok {
				f[key] = v
			}
		}
	}
	r.resolved = map[Provider]ResolvedConfig{}
}

func providerFieldKeys(p Provider) []string {
	switch p {
	case ProviderOpenRouter:
		return []string{"OPENROUTER_API_KEY", "OPENROUTER_BASE_URL"}
	case ProviderRunpod:
		return []string{"RUNPOD_API_KEY", "RUNPOD_ENDPOINT_ID", "RUNPOD_MODEL_NAME"}
	case ProviderCustom:
		return []string{"CUSTOM_LLM_API_KEY", "CUSTOM_LLM_BASE_URL", "CUSTOM_LLM_MODEL_NAME"}
	default:
		return nil
	}
}

// ActiveProvider returns the currently selected provider.
func (r *Router) ActiveProvider() Provider {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.active
}

// IsConfigured reports whether the active provider has every required
// field set.
func (r *Router) IsConfigured() bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(missingFields(r.active, r.fields[r.active])) == 0
}

func (r *Router) resolveActiveLocked() (ResolvedConfig, error) {
	if rc, ok := r.resolved[r.active]; ok {
		return rc, nil
	}
	rc, err := resolve(r.active, r.fields[r.active])
	if err != nil {
		return ResolvedConfig{}, err
	}
	r.resolved[r.active] = rc
	return rc, nil
}

// SwitchProvider changes the active provider, merges fields into its
// settings, persists the fields to the .env file in place, and rebuilds
// the resolved config. It does not restart the process or drop
// in-flight requests against the previously active provider.
func (r *Router) SwitchProvider(provider string, fields map[string]string) error {
	p, err := parseProvider(provider)
	if err != nil {
		return err
	}

	r.mu.Lock()
	merged := r.fields[p]
	if merged == nil {
		merged = map[string]string{}
	}
	for k, v := range fields {
		merged[k] = v
	}
	r.fields[p] = merged
	r.active = p
	delete(r.resolved, p)
	r.mu.Unlock()

	if r.envPath == "" {
		return nil
	}
	if err := persistEnvFields(r.envPath, fields); err != nil {
		return apperr.Wrap(err, "failed to persist provider settings to .env")
	}
	return nil
}

type chatCompletionRequest struct {
	Model       string    `json:"model"`
	Messages    []Message `json:"messages"`
	Temperature float64   `json:"temperature,omitempty"`
	MaxTokens   int       `json:"max_tokens,omitempty"`
}

type chatCompletionResponse struct {
	Choices []struct {
		Message Message `json:"message"`
	} `json:"choices"`
}

// Chat sends messages to the active provider's /chat/completions
// endpoint and returns the assistant's text content. When the active
// provider defines a model_override, it replaces the caller-supplied
// model. asJSON strips a leading/trailing markdown code fence from the
// response when the caller is about to parse it as JSON.
func (r *Router) Chat(ctx context.Context, model string, messages []Message, temperature float64, maxTokens int, asJSON bool) (string, error) {
	r.mu.RLock()
	rc, err := r.resolveActiveLocked()
	timeout := r.timeout
	r.mu.RUnlock()
	if err != nil {
		return "", err
	}

	effectiveModel := model
	if rc.ModelOverride != "" {
		effectiveModel = rc.ModelOverride
	}

	body, err := json.Marshal(chatCompletionRequest{
		Model:       effectiveModel,
		Messages:    messages,
		Temperature: temperature,
		MaxTokens:   maxTokens,
	})
	if err != nil {
		return "", apperr.Wrap(err, "failed to marshal chat request")
	}

	reqCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	url := strings.TrimRight(rc.BaseURL, "/") + "/chat/completions"
	req, err := http.NewRequestWithContext(reqCtx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return "", apperr.Wrap(err, "failed to build chat request")
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+rc.APIKey)

	resp, err := r.httpClient.Do(req)
	if err != nil {
		if reqCtx.Err() != nil {
			return "", apperr.Timeout("llm chat completion")
		}
		return "", apperr.Wrap(err, "chat completion request failed")
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", apperr.Wrap(err, "failed to read chat response")
	}
	if resp.StatusCode != http.StatusOK {
		return "", apperr.RemoteErrorf(fmt.Sprintf("http_%d", resp.StatusCode), string(respBody))
	}

	var parsed chatCompletionResponse
	if err := json.Unmarshal(respBody, &parsed); err != nil {
		return "", apperr.Wrap(err, "failed to parse chat response")
	}
	if len(parsed.Choices) == 0 {
		return "", apperr.RemoteErrorf("empty_response", "provider returned no choices")
	}

	content := parsed.Choices[0].Message.Content
	if asJSON {
		content = stripCodeFences(content)
	}
	return content, nil
}

// ChatJSON calls Chat and parses the result as JSON into target. On a
// parse failure it retries once with a stricter "output JSON only"
// system prefix, per the control plane's single-retry policy for
// malformed model output.
func (r *Router) ChatJSON(ctx context.Context, model string, messages []Message, temperature float64, maxTokens int, target interface{}) error {
	content, err := r.Chat(ctx, model, messages, temperature, maxTokens, true)
	if err == nil {
		if perr := json.Unmarshal([]byte(content), target); perr == nil {
			return nil
		}
	}

	strict := make([]Message, 0, len(messages)+1)
	strict = append(strict, Message{Role: "system", Content: "Respond with JSON only. No prose, no markdown code fences, no commentary."})
	strict = append(strict, messages...)

	content, err = r.Chat(ctx, model, strict, temperature, maxTokens, true)
	if err != nil {
		return err
	}
	if perr := json.Unmarshal([]byte(content), target); perr != nil {
		return apperr.PlanParseErr("llm response is not valid JSON after retry", perr)
	}
	return nil
}

type modelsResponse struct {
	Data []struct {
		ID string `json:"id"`
	} `json:"data"`
}

// TestConnection probes the active provider's /models endpoint.
func (r *Router) TestConnection(ctx context.Context) TestResult {
	r.mu.RLock()
	rc, err := r.resolveActiveLocked()
	timeout := r.timeout
	r.mu.RUnlock()
	if err != nil {
		return TestResult{OK: false, Error: err.Error()}
	}

	reqCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	url := strings.TrimRight(rc.BaseURL, "/") + "/models"
	req, err := http.NewRequestWithContext(reqCtx, http.MethodGet, url, nil)
	if err != nil {
		return TestResult{OK: false, Error: err.Error()}
	}
	req.Header.Set("Authorization", "Bearer "+rc.APIKey)

	resp, err := r.httpClient.Do(req)
	if err != nil {
		return TestResult{OK: false, Error: err.Error()}
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return TestResult{OK: false, Error: err.Error()}
	}
	if resp.StatusCode != http.StatusOK {
		if r.log != nil {
			r.log.Warn("llm test_connection received non-200", zap.Int("status", resp.StatusCode))
		}
		return TestResult{OK: false, Error: fmt.Sprintf("http %d: %s", resp.StatusCode, string(body))}
	}

	var parsed modelsResponse
	if err := json.Unmarshal(body, &parsed); err != nil {
		return TestResult{OK: false, Error: "failed to parse /models response"}
	}
	models := make([]string, 0, len(parsed.Data))
	for _, m := range parsed.Data {
		models = append(models, m.ID)
	}
	return TestResult{OK: true, Models: models}
}

// stripCodeFences removes a single leading/trailing ``` or ```json fence
// around a model response, a common formatting quirk when the caller
// asked for raw JSON.
func stripCodeFences(s string) string {
	s = strings.TrimSpace(s)
	if !strings.HasPrefix(s, "```") {
		return s
	}
	s = strings.TrimPrefix(s, "```")
	if nl := strings.IndexByte(s, '\n'); nl != -1 && nl < 10 {
		s = s[nl+1:]
	}
	s = strings.TrimSuffix(strings.TrimSpace(s), "```")
	return strings.TrimSpace(s)
}
