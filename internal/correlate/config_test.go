package correlate

import (
	"os"
	"path/filepath"
	"testing"
)

func TestLoadConfigEmptyPathReturnsDefaults(t *testing.T) {
	cfg, err := LoadConfig("")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.AlgorithmVersion != "v2.1" || cfg.Weights.Text != 0.4 || cfg.DateWindowDays != 3 {
		t.Fatalf("unexpected defaults: %+v", cfg)
	}
}

func TestLoadConfigOverlay(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "corr.yaml")
	data := []byte("algorithm_version: v3.0\nweights:\n  text: 0.5\n  geo: 0.3\n  temporal: 0.2\nmax_distance_km: 200\n")
	if err := os.WriteFile(path, data, 0o600); err != nil {
		t.Fatal(err)
	}
	cfg, err := LoadConfig(path)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.AlgorithmVersion != "v3.0" || cfg.Weights.Text != 0.5 || cfg.MaxDistanceKm != 200 {
		t.Fatalf("overlay not applied: %+v", cfg)
	}
	// Untouched keys keep their defaults.
	if cfg.DateWindowDays != 3 || len(cfg.BusinessIdentifiers) == 0 {
		t.Fatalf("defaults lost: %+v", cfg)
	}
}

func TestLoadConfigRejectsBadWeights(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "corr.yaml")
	if err := os.WriteFile(path, []byte("weights:\n  text: 0\n  geo: 0\n  temporal: 0\n"), 0o600); err != nil {
		t.Fatal(err)
	}
	if _, err := LoadConfig(path); err == nil {
		t.Fatal("expected validation error for zero weights")
	}
}
