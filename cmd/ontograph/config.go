package main

import (
	"errors"
	"fmt"
	"strings"

	"github.com/spf13/viper"

	"github.com/brunobiangulo/ontograph"
)

// loadConfig layers defaults, an ontograph.yaml (or the file given), and
// ONTOGRAPH_* environment variables.
func loadConfig(path string) (ontograph.Config, error) {
	v := viper.New()
	setDefaults(v, ontograph.DefaultConfig())

	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("ontograph")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
	}

	v.SetEnvPrefix("ONTOGRAPH")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return ontograph.Config{}, fmt.Errorf("reading config: %w", err)
		}
	}

	var cfg ontograph.Config
	if err := v.Unmarshal(&cfg); err != nil {
		return ontograph.Config{}, fmt.Errorf("decoding config: %w", err)
	}
	return cfg, nil
}

// setDefaults registers every key so AutomaticEnv can resolve it during
// Unmarshal.
func setDefaults(v *viper.Viper, d ontograph.Config) {
	v.SetDefault("chat.provider", d.Chat.Provider)
	v.SetDefault("chat.model", d.Chat.Model)
	v.SetDefault("chat.base_url", d.Chat.BaseURL)
	v.SetDefault("chat.api_key", d.Chat.APIKey)
	v.SetDefault("ontology_path", d.OntologyPath)
	v.SetDefault("threshold", d.Threshold)
	v.SetDefault("max_text_chars", d.MaxTextChars)
	v.SetDefault("concurrency", d.Concurrency)
	v.SetDefault("failure_policy", d.FailurePolicy)
	v.SetDefault("doc_info_type", d.DocInfoType)
	v.SetDefault("doc_info_attribute", d.DocInfoAttribute)
	v.SetDefault("max_depth", d.MaxDepth)
	v.SetDefault("language", d.Language)
	v.SetDefault("call_timeout_sec", d.CallTimeoutSec)
	v.SetDefault("max_attempts", d.MaxAttempts)
	v.SetDefault("temperature", d.Temperature)
	v.SetDefault("max_tokens", d.MaxTokens)
	v.SetDefault("page_mode", d.PageMode)
	v.SetDefault("db_path", d.DBPath)
}
