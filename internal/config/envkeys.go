package config

import (
	"os"
	"strings"
)

// resolveProviderKeys fills in API keys for providers that have none
// configured. <NAME>_API_KEYS holds a comma-separated pool; <NAME>_API_KEY
// is the single-key fallback.
func resolveProviderKeys(cfg *Config) {
	for name, pc := range cfg.LLM.Providers {
		if len(pc.APIKeys) > 0 {
			continue
		}
		pc.APIKeys = KeysFromEnv(name)
		cfg.LLM.Providers[name] = pc
	}

	if cfg.Memory.Embeddings.Provider == "openai" && cfg.Memory.Embeddings.APIKey == "" {
		if keys := KeysFromEnv("openai"); len(keys) > 0 {
			cfg.Memory.Embeddings.APIKey = keys[0]
		}
	}
}

// KeysFromEnv reads a provider's API key pool from the environment.
func KeysFromEnv(provider string) []string {
	prefix := strings.ToUpper(strings.ReplaceAll(provider, "-", "_"))
	if raw := os.Getenv(prefix + "_API_KEYS"); raw != "" {
		return splitKeys(raw)
	}
	if key := strings.TrimSpace(os.Getenv(prefix + "_API_KEY")); key != "" {
		return []string{key}
	}
	return nil
}

func splitKeys(raw string) []string {
	parts := strings.Split(raw, ",")
	keys := make([]string, 0, len(parts))
	for _, p := range parts {
		if trimmed := strings.TrimSpace(p); trimmed != "" {
			keys = append(keys, trimmed)
		}
	}
	return keys
}
