// Package llm implements the LLM Router: provider resolution, chat
// completions against OpenAI-compatible endpoints, and hot-reload of the
// active provider's credentials.
package llm

import (
	"fmt"
	"strings"

	"github.com/openclaw/ctlplane-core/internal/common/apperr"
)

// Provider names the three supported LLM backends.
type Provider string

const (
	ProviderOpenRouter Provider = "openrouter"
	ProviderRunpod     Provider = "runpod"
	ProviderCustom     Provider = "custom"
)

// requiredField names a settings key that must be non-empty for a
// provider to be considered configured.
type requiredField string

// providerSpec describes how to resolve one provider's effective base
// URL, credential, and optional forced model from its settings fields.
type providerSpec struct {
	required     []requiredField
	baseURL      func(fields map[string]string) string
	apiKey       func(fields map[string]string) string
	modelOverride func(fields map[string]string) string
}

var specs = map[Provider]providerSpec{
	ProviderOpenRouter: {
		required: []requiredField{"OPENROUTER_API_KEY"},
		baseURL: func(f map[string]string) string {
			if v := f["OPENROUTER_BASE_URL"]; v != "" {
				return v
			}
			return "https://openrouter.ai/api/v1"
		},
		apiKey:        func(f map[string]string) string { return f["OPENROUTER_API_KEY"] },
		modelOverride: func(f map[string]string) string { return "" },
	},
	ProviderRunpod: {
		required: []requiredField{"RUNPOD_API_KEY", "RUNPOD_ENDPOINT_ID", "RUNPOD_MODEL_NAME"},
		baseURL: func(f map[string]string) string {
			return fmt.Sprintf("https://api.runpod.ai/v2/%s/openai/v1", f["RUNPOD_ENDPOINT_ID"])
		},
		apiKey:        func(f map[string]string) string { return f["RUNPOD_API_KEY"] },
		modelOverride: func(f map[string]string) string { return f["RUNPOD_MODEL_NAME"] },
	},
	ProviderCustom: {
		required: []requiredField{"CUSTOM_LLM_API_KEY", "CUSTOM_LLM_BASE_URL", "CUSTOM_LLM_MODEL_NAME"},
		baseURL:       func(f map[string]string) string { return f["CUSTOM_LLM_BASE_URL"] },
		apiKey:        func(f map[string]string) string { return f["CUSTOM_LLM_API_KEY"] },
		modelOverride: func(f map[string]string) string { return f["CUSTOM_LLM_MODEL_NAME"] },
	},
}

// ResolvedConfig is the effective configuration one provider resolves to.
type ResolvedConfig struct {
	Provider      Provider
	BaseURL       string
	APIKey        string
	ModelOverride string
}

// parseProvider validates a provider name against the supported set.
func parseProvider(name string) (Provider, error) {
	p := Provider(strings.ToLower(strings.TrimSpace(name)))
	if _, ok := specs[p]; !ok {
		return "", apperr.ConfigErr(fmt.Sprintf("unknown llm provider %q", name))
	}
	return p, nil
}

// missingFields reports which of a provider's required fields are absent
// or blank in the supplied settings.
func missingFields(p Provider, fields map[string]string) []string {
	spec := specs[p]
	var missing []string
	for _, f := range spec.required {
		if strings.TrimSpace(fields[string(f)]) == "" {
			missing = append(missing, string(f))
		}
	}
	return missing
}

// resolve builds the effective ResolvedConfig for a provider given its
// settings fields. Returns a ConfigError naming every missing field
// when the provider isn't fully configured.
func resolve(p Provider, fields map[string]string) (ResolvedConfig, error) {
	if missing := missingFields(p, fields); len(missing) > 0 {
		return ResolvedConfig{}, apperr.ConfigErr(fmt.Sprintf("provider %q missing required field(s): %s", p, strings.Join(missing, ", ")))
	}
	spec := specs[p]
	return ResolvedConfig{
		Provider:      p,
		BaseURL:       spec.baseURL(fields),
		APIKey:        spec.apiKey(fields),
		ModelOverride: spec.modelOverride(fields),
	}, nil
}
