package concurrency

import (
	"os"
	"runtime"
	"strconv"
)

// ConfigSource indicates where a configuration value came from
type ConfigSource string

const (
	ConfigSourceEnvVar     ConfigSource = "environment_variable"
	ConfigSourceAutoDetect ConfigSource = "auto_detect"
)

// Config holds concurrency limits for a process hosting pipeline runs.
type Config struct {
	// MaxConcurrentRuns bounds how many pipeline runs the dispatcher
	// executes simultaneously
	MaxConcurrentRuns int

	// StageWorkers is the default worker-pool size gating how many job
	// instances run simultaneously within a stage
	StageWorkers int

	// Source indicates where the values came from
	Source ConfigSource

	// IsKubernetes is true when running inside a Kubernetes pod, where
	// GOMAXPROCS already reflects the container CPU limit
	IsKubernetes bool

	// EffectiveCPUs is the CPU parallelism available to this process
	EffectiveCPUs int
}

// LoadConfig loads concurrency configuration with priority: environment
// variables over auto-detected defaults.
//
// Recognized variables: DAEDALUS_MAX_CONCURRENT_RUNS and
// DAEDALUS_STAGE_WORKERS.
func LoadConfig() *Config {
	config := &Config{
		IsKubernetes:  isKubernetes(),
		EffectiveCPUs: runtime.GOMAXPROCS(0),
		Source:        ConfigSourceAutoDetect,
	}

	if runs := getEnvInt("DAEDALUS_MAX_CONCURRENT_RUNS", 0); runs > 0 {
		config.MaxConcurrentRuns = runs
		config.Source = ConfigSourceEnvVar
	} else {
		config.MaxConcurrentRuns = config.EffectiveCPUs
	}

	if workers := getEnvInt("DAEDALUS_STAGE_WORKERS", 0); workers > 0 {
		config.StageWorkers = workers
		config.Source = ConfigSourceEnvVar
	} else {
		config.StageWorkers = defaultStageWorkers(config.EffectiveCPUs)
	}

	if config.MaxConcurrentRuns < 1 {
		config.MaxConcurrentRuns = 1
	}
	if config.StageWorkers < 1 {
		config.StageWorkers = 1
	}

	return config
}

func defaultStageWorkers(cpus int) int {
	// Job instances are dominated by external processes and containers,
	// not CPU work in this process, so allow some oversubscription.
	workers := cpus * 2
	if workers < 2 {
		workers = 2
	}
	return workers
}

func isKubernetes() bool {
	if os.Getenv("KUBERNETES_SERVICE_HOST") != "" {
		return true
	}
	_, err := os.Stat("/var/run/secrets/kubernetes.io/serviceaccount")
	return err == nil
}

func getEnvInt(key string, fallback int) int {
	raw := os.Getenv(key)
	if raw == "" {
		return fallback
	}
	value, err := strconv.Atoi(raw)
	if err != nil {
		return fallback
	}
	return value
}
