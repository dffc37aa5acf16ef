package config

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"slices"

	"gopkg.in/yaml.v3"

	"github.com/skygazer42/TingWu/internal/speaker"
	"github.com/skygazer42/TingWu/internal/textproc"
)

// ValidLLMProviders lists known LLM provider names.
// Used by [Validate] to warn about unrecognised names.
var ValidLLMProviders = []string{
	"openai", "anthropic", "ollama", "gemini",
	"deepseek", "mistral", "groq", "llamacpp", "llamafile",
}

// validPolishRoles lists the polish role names shipped with the server.
var validPolishRoles = []string{"default", "corrector", "translator", "code"}

// Load reads the YAML configuration file at path and returns a validated [Config].
// It is a convenience wrapper around [LoadFromReader] and [Validate].
func Load(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("config: open %q: %w", path, err)
	}
	defer f.Close()

	cfg, err := LoadFromReader(f)
	if err != nil {
		return nil, fmt.Errorf("config: parse %q: %w", path, err)
	}
	return cfg, nil
}

// LoadFromReader decodes a YAML config from r over [Default] values and
// validates the result. Useful in tests where configs are constructed from
// string literals.
func LoadFromReader(r io.Reader) (*Config, error) {
	cfg := Default()
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil {
		return nil, fmt.Errorf("config: decode yaml: %w", err)
	}
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks that cfg contains a coherent set of values.
// It returns a joined error listing all validation failures found.
func Validate(cfg *Config) error {
	var errs []error

	// Server
	if cfg.Server.ShutdownTimeoutSec < 0 {
		errs = append(errs, fmt.Errorf("server.shutdown_timeout_s %d must not be negative", cfg.Server.ShutdownTimeoutSec))
	}

	// Logging
	if cfg.Logging.Level != "" && !cfg.Logging.Level.IsValid() {
		errs = append(errs, fmt.Errorf("logging.level %q is invalid; valid values: debug, info, warn, error", cfg.Logging.Level))
	}

	// Backend
	switch {
	case cfg.Backend.Kind == "":
		errs = append(errs, errors.New("backend.kind is required; valid values: funasr, whispercpp, googlespeech, mock"))
	case !cfg.Backend.Kind.IsValid():
		errs = append(errs, fmt.Errorf("backend.kind %q is invalid; valid values: funasr, whispercpp, googlespeech, mock", cfg.Backend.Kind))
	case cfg.Backend.Kind == BackendFunASR && cfg.Backend.FunASR.ServerURL == "":
		errs = append(errs, errors.New("backend.funasr.server_url is required when backend.kind is funasr"))
	case cfg.Backend.Kind == BackendWhisperCpp && cfg.Backend.WhisperCpp.ModelPath == "":
		errs = append(errs, errors.New("backend.whispercpp.model_path is required when backend.kind is whispercpp"))
	}
	if cfg.Backend.FunASR.TimeoutSec < 0 {
		errs = append(errs, fmt.Errorf("backend.funasr.timeout_s %d must not be negative", cfg.Backend.FunASR.TimeoutSec))
	}
	if lo, hi := cfg.Backend.GoogleSpeech.MinSpeakers, cfg.Backend.GoogleSpeech.MaxSpeakers; lo < 0 || hi < 0 || (hi > 0 && lo > hi) {
		errs = append(errs, fmt.Errorf("backend.googlespeech speaker range [%d, %d] is invalid", lo, hi))
	}
	switch fk := cfg.Backend.FallbackKind; {
	case fk == "":
	case !fk.IsValid():
		errs = append(errs, fmt.Errorf("backend.fallback_kind %q is invalid; valid values: funasr, whispercpp, googlespeech, mock", fk))
	case fk == cfg.Backend.Kind:
		errs = append(errs, errors.New("backend.fallback_kind must differ from backend.kind"))
	case fk == BackendFunASR && cfg.Backend.FunASR.ServerURL == "":
		errs = append(errs, errors.New("backend.funasr.server_url is required when backend.fallback_kind is funasr"))
	case fk == BackendWhisperCpp && cfg.Backend.WhisperCpp.ModelPath == "":
		errs = append(errs, errors.New("backend.whispercpp.model_path is required when backend.fallback_kind is whispercpp"))
	}

	// Segmenter
	seg := cfg.Segmenter
	if seg.MaxChunkSec < 0 {
		errs = append(errs, fmt.Errorf("segmenter.max_chunk_s %d must not be negative", seg.MaxChunkSec))
	}
	if seg.OverlapMs < 0 {
		errs = append(errs, fmt.Errorf("segmenter.overlap_ms %d must not be negative", seg.OverlapMs))
	}
	if seg.MaxChunkSec > 0 && seg.OverlapMs >= seg.MaxChunkSec*1000 {
		errs = append(errs, fmt.Errorf("segmenter.overlap_ms %d must be smaller than segmenter.max_chunk_s", seg.OverlapMs))
	}
	if seg.SilenceThreshold < 0 || seg.SilenceThreshold > 1 {
		errs = append(errs, fmt.Errorf("segmenter.silence_threshold %.3f is out of range [0, 1]", seg.SilenceThreshold))
	}
	if seg.SearchWindowSec < 0 {
		errs = append(errs, fmt.Errorf("segmenter.search_window_s %d must not be negative", seg.SearchWindowSec))
	}

	// Hotwords
	hw := cfg.Hotwords
	if hw.Threshold < 0 || hw.Threshold > 1 {
		errs = append(errs, fmt.Errorf("hotwords.threshold %.2f is out of range [0, 1]", hw.Threshold))
	}
	if hw.Enabled && hw.File == "" && hw.PostgresDSN == "" {
		slog.Warn("hotword correction is enabled but no sources are configured; the vocabulary will stay empty")
	}
	if hw.PostgresTable != "" && hw.PostgresDSN == "" {
		slog.Warn("hotwords.postgres_table is set but hotwords.postgres_dsn is empty; the table setting has no effect")
	}

	// Rectify
	if cfg.Rectify.Threshold < 0 || cfg.Rectify.Threshold > 1 {
		errs = append(errs, fmt.Errorf("rectify.threshold %.2f is out of range [0, 1]", cfg.Rectify.Threshold))
	}

	// Speaker
	sp := cfg.Speaker
	if sp.LabelStyle != "" && sp.LabelStyle != speaker.LabelZH && sp.LabelStyle != speaker.LabelSpeaker {
		errs = append(errs, fmt.Errorf("speaker.label_style %q is invalid; valid values: zh, speaker", sp.LabelStyle))
	}
	for i, p := range sp.Order {
		if p != speaker.PathExternal && p != speaker.PathNative {
			errs = append(errs, fmt.Errorf("speaker.order[%d] %q is invalid; valid values: external, native", i, p))
		}
	}
	if sp.TimeoutSec < 0 {
		errs = append(errs, fmt.Errorf("speaker.timeout_s %d must not be negative", sp.TimeoutSec))
	}
	if sp.GapMs < 0 {
		errs = append(errs, fmt.Errorf("speaker.gap_ms %d must not be negative", sp.GapMs))
	}
	if sp.MaxTurnSec < 0 {
		errs = append(errs, fmt.Errorf("speaker.max_turn_s %d must not be negative", sp.MaxTurnSec))
	}
	if sp.Enabled && sp.DiarizerURL == "" && slices.Contains(sp.Order, speaker.PathExternal) {
		slog.Warn("speaker.diarizer_url is empty; the external attribution path will be skipped")
	}

	// LLM
	if cfg.LLM.Provider != "" {
		if !slices.Contains(ValidLLMProviders, cfg.LLM.Provider) {
			slog.Warn("unknown llm.provider; may be a typo or an unregistered third-party provider",
				"provider", cfg.LLM.Provider,
				"known", ValidLLMProviders,
			)
		}
		if cfg.LLM.APIKeyEnv != "" && os.Getenv(cfg.LLM.APIKeyEnv) == "" {
			slog.Warn("llm.api_key_env names an environment variable that is not set", "env", cfg.LLM.APIKeyEnv)
		}
	}
	for _, role := range cfg.LLM.Roles {
		if !slices.Contains(validPolishRoles, role) {
			slog.Warn("unknown polish role in llm.roles", "role", role, "known", validPolishRoles)
		}
	}
	if fb := cfg.LLM.Fallback; fb != nil {
		switch {
		case cfg.LLM.Provider == "":
			errs = append(errs, errors.New("llm.fallback requires llm.provider to be set"))
		case fb.Provider == "":
			errs = append(errs, errors.New("llm.fallback.provider is required when llm.fallback is set"))
		default:
			if !slices.Contains(ValidLLMProviders, fb.Provider) {
				slog.Warn("unknown llm.fallback.provider; may be a typo or an unregistered third-party provider",
					"provider", fb.Provider,
					"known", ValidLLMProviders,
				)
			}
			if fb.APIKeyEnv != "" && os.Getenv(fb.APIKeyEnv) == "" {
				slog.Warn("llm.fallback.api_key_env names an environment variable that is not set", "env", fb.APIKeyEnv)
			}
		}
	}

	// Concurrency
	cc := cfg.Concurrency
	if cc.MaxInference < 0 {
		errs = append(errs, fmt.Errorf("concurrency.max_inference %d must not be negative", cc.MaxInference))
	}
	if cc.TaskWorkers < 0 {
		errs = append(errs, fmt.Errorf("concurrency.task_workers %d must not be negative", cc.TaskWorkers))
	}
	if cc.QueueSize < 0 {
		errs = append(errs, fmt.Errorf("concurrency.queue_size %d must not be negative", cc.QueueSize))
	}
	if cc.TaskTTLSec < 0 {
		errs = append(errs, fmt.Errorf("concurrency.task_ttl_s %d must not be negative", cc.TaskTTLSec))
	}

	// Postprocess
	if s := cfg.Postprocess.PunctStyle; s != "" && s != textproc.PunctHalf && s != textproc.PunctFull {
		errs = append(errs, fmt.Errorf("postprocess.punct_style %q is invalid; valid values: half, full", s))
	}

	return errors.Join(errs...)
}
