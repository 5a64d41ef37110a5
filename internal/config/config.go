// Package config loads engine configuration from environment variables,
// following the two-phase "defaults, then env overrides, then validate" shape
// of original_source's config/mod.rs, using the same variable names the
// teacher's flags exposed (spec.md §6).
package config

import (
	"fmt"
	"os"
	"strconv"
)

// validKVCacheTypes are the quantization kinds spec.md §6 allows for KV_CACHE_TYPE.
var validKVCacheTypes = map[string]bool{
	"F32": true, "F16": true, "Q8_0": true, "Q4_0": true, "Q4_1": true,
	"Q4_K": true, "Q5_K": true, "Q6_K": true, "Q8_K": true,
}

// Config is the engine's full runtime configuration.
type Config struct {
	Host string
	Port int

	ModelPath   string
	ModelsDir   string
	ContextSize int
	BatchSize   int
	GPULayers   int
	Threads     int
	Parallel    int
	KVCacheType string

	MaxQueueSize        int
	DefaultSystemPrompt string

	SlideThresholdPct float64 // fraction of n_ctx that triggers a slide (spec §4.3)
	SlideTargetPct    float64 // fraction of n_ctx the slide targets (spec §4.3)
}

func defaults() Config {
	return Config{
		Host:                "127.0.0.1",
		Port:                8080,
		ModelPath:           "models/model.gguf",
		ModelsDir:           "models",
		ContextSize:         4096,
		BatchSize:           512,
		GPULayers:           0,
		Threads:             0,
		Parallel:            4,
		KVCacheType:         "F16",
		MaxQueueSize:        100,
		DefaultSystemPrompt: "You are a helpful, concise assistant.",
		SlideThresholdPct:   0.90,
		SlideTargetPct:      0.50,
	}
}

// Load builds a Config from defaults, then environment variable overrides,
// then validates it. Call godotenv.Load beforehand (as cmd/exsa-server does)
// to pull variables from a .env file into the process environment first.
func Load() (*Config, error) {
	cfg := defaults()
	applyEnvOverrides(&cfg)
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func applyEnvOverrides(cfg *Config) {
	if v, ok := os.LookupEnv("HOST"); ok {
		cfg.Host = v
	}
	if v, ok := envInt("PORT"); ok {
		cfg.Port = v
	}
	if v, ok := os.LookupEnv("MODEL_PATH"); ok {
		cfg.ModelPath = v
	}
	if v, ok := os.LookupEnv("EXSA_MODELS_DIR"); ok {
		cfg.ModelsDir = v
	}
	if v, ok := envInt("CONTEXT_SIZE"); ok {
		cfg.ContextSize = v
	}
	if v, ok := envInt("BATCH_SIZE"); ok {
		cfg.BatchSize = v
	}
	if v, ok := envInt("GPU_LAYERS"); ok {
		cfg.GPULayers = v
	}
	if v, ok := envInt("EXSA_PARALLEL_SLOTS"); ok {
		cfg.Parallel = v
	}
	if v, ok := os.LookupEnv("KV_CACHE_TYPE"); ok {
		cfg.KVCacheType = v
	}
	if v, ok := envInt("MAX_QUEUE_SIZE"); ok {
		cfg.MaxQueueSize = v
	}
	if v, ok := os.LookupEnv("EXSA_DEFAULT_SYSTEM_PROMPT"); ok {
		cfg.DefaultSystemPrompt = v
	}
	if v, ok := envFloat("EXSA_SLIDE_THRESHOLD_PCT"); ok {
		cfg.SlideThresholdPct = v
	}
	if v, ok := envFloat("EXSA_SLIDE_TARGET_PCT"); ok {
		cfg.SlideTargetPct = v
	}
}

func envInt(name string) (int, bool) {
	v, ok := os.LookupEnv(name)
	if !ok {
		return 0, false
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, false
	}
	return n, true
}

func envFloat(name string) (float64, bool) {
	v, ok := os.LookupEnv(name)
	if !ok {
		return 0, false
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return 0, false
	}
	return f, true
}

func (c Config) validate() error {
	if c.Port == 0 {
		return fmt.Errorf("config: PORT must not be 0")
	}
	if c.ContextSize < 512 {
		return fmt.Errorf("config: CONTEXT_SIZE must be at least 512, got %d", c.ContextSize)
	}
	if c.MaxQueueSize < 1 {
		return fmt.Errorf("config: MAX_QUEUE_SIZE must be at least 1, got %d", c.MaxQueueSize)
	}
	if c.Parallel < 1 {
		return fmt.Errorf("config: EXSA_PARALLEL_SLOTS must be at least 1, got %d", c.Parallel)
	}
	if !validKVCacheTypes[c.KVCacheType] {
		return fmt.Errorf("config: KV_CACHE_TYPE %q is not one of F32,F16,Q8_0,Q4_0,Q4_1,Q4_K,Q5_K,Q6_K,Q8_K", c.KVCacheType)
	}
	if c.SlideThresholdPct <= 0 || c.SlideThresholdPct >= 1 {
		return fmt.Errorf("config: EXSA_SLIDE_THRESHOLD_PCT must be in (0,1), got %v", c.SlideThresholdPct)
	}
	if c.SlideTargetPct <= 0 || c.SlideTargetPct >= 1 {
		return fmt.Errorf("config: EXSA_SLIDE_TARGET_PCT must be in (0,1), got %v", c.SlideTargetPct)
	}
	return nil
}
