package main

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/brunobiangulo/ontograph"
)

// loadConfig reads a JSON or YAML config file over the defaults. An empty
// path yields the defaults.
func loadConfig(path string) (ontograph.Config, error) {
	cfg := ontograph.DefaultConfig()
	if path == "" {
		return cfg, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("reading config: %w", err)
	}
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		err = yaml.Unmarshal(data, &cfg)
	default:
		err = json.Unmarshal(data, &cfg)
	}
	if err != nil {
		return cfg, fmt.Errorf("parsing config %s: %w", path, err)
	}
	return cfg, nil
}

// applyEnv overrides cfg from ONTOGRAPH_* variables.
func applyEnv(cfg *ontograph.Config, getenv func(string) string) {
	str := map[string]*string{
		"ONTOGRAPH_ONTOLOGY_PATH":  &cfg.OntologyPath,
		"ONTOGRAPH_DB_PATH":        &cfg.DBPath,
		"ONTOGRAPH_LANGUAGE":       &cfg.Language,
		"ONTOGRAPH_FAILURE_POLICY": &cfg.FailurePolicy,
		"ONTOGRAPH_PAGE_MODE":      &cfg.PageMode,
		"ONTOGRAPH_CHAT_PROVIDER":  &cfg.Chat.Provider,
		"ONTOGRAPH_CHAT_MODEL":     &cfg.Chat.Model,
		"ONTOGRAPH_CHAT_BASE_URL":  &cfg.Chat.BaseURL,
		"ONTOGRAPH_CHAT_API_KEY":   &cfg.Chat.APIKey,
	}
	for key, dst := range str {
		if v := getenv(key); v != "" {
			*dst = v
		}
	}
	num := map[string]*int{
		"ONTOGRAPH_THRESHOLD":   &cfg.Threshold,
		"ONTOGRAPH_CONCURRENCY": &cfg.Concurrency,
	}
	for key, dst := range num {
		if v := getenv(key); v != "" {
			if n, err := strconv.Atoi(v); err == nil {
				*dst = n
			}
		}
	}

	// Fallback: well-known provider variables for API keys.
	if cfg.Chat.APIKey == "" {
		switch cfg.Chat.Provider {
		case "openai":
			cfg.Chat.APIKey = getenv("OPENAI_API_KEY")
		case "groq":
			cfg.Chat.APIKey = getenv("GROQ_API_KEY")
		case "openrouter":
			cfg.Chat.APIKey = getenv("OPENROUTER_API_KEY")
		case "xai":
			cfg.Chat.APIKey = getenv("XAI_API_KEY")
		case "gemini", "gemini-native":
			cfg.Chat.APIKey = getenv("GEMINI_API_KEY")
		}
	}
}
