package concurrency

import "testing"

func TestLoadConfigEnvOverrides(t *testing.T) {
	t.Setenv("DAEDALUS_MAX_CONCURRENT_RUNS", "12")
	t.Setenv("DAEDALUS_STAGE_WORKERS", "6")

	config := LoadConfig()
	if config.MaxConcurrentRuns != 12 {
		t.Errorf("Expected 12 max concurrent runs, got %d", config.MaxConcurrentRuns)
	}
	if config.StageWorkers != 6 {
		t.Errorf("Expected 6 stage workers, got %d", config.StageWorkers)
	}
	if config.Source != ConfigSourceEnvVar {
		t.Errorf("Expected env var source, got %s", config.Source)
	}
}

func TestLoadConfigAutoDetect(t *testing.T) {
	t.Setenv("DAEDALUS_MAX_CONCURRENT_RUNS", "")
	t.Setenv("DAEDALUS_STAGE_WORKERS", "")

	config := LoadConfig()
	if config.MaxConcurrentRuns < 1 {
		t.Errorf("Expected at least 1 max concurrent run, got %d", config.MaxConcurrentRuns)
	}
	if config.StageWorkers < 2 {
		t.Errorf("Expected at least 2 stage workers, got %d", config.StageWorkers)
	}
	if config.EffectiveCPUs < 1 {
		t.Errorf("Expected at least 1 effective CPU, got %d", config.EffectiveCPUs)
	}
}

func TestLoadConfigIgnoresInvalidValues(t *testing.T) {
	t.Setenv("DAEDALUS_MAX_CONCURRENT_RUNS", "not-a-number")
	t.Setenv("DAEDALUS_STAGE_WORKERS", "-3")

	config := LoadConfig()
	if config.MaxConcurrentRuns < 1 {
		t.Errorf("Expected fallback for invalid value, got %d", config.MaxConcurrentRuns)
	}
	if config.StageWorkers < 1 {
		t.Errorf("Expected fallback for negative value, got %d", config.StageWorkers)
	}
}
