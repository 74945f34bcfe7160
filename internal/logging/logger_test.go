package logging

import (
	"os"
	"path/filepath"
	"testing"
)

func TestInitializeWithoutConfig(t *testing.T) {
	dir := t.TempDir()

	if err := Initialize(dir); err != nil {
		t.Fatalf("Initialize failed: %v", err)
	}
	defer CloseAll()

	// No config file = production mode, no logs directory created
	if IsDebugMode() {
		t.Error("Expected debug mode off without config")
	}
	if _, err := os.Stat(filepath.Join(dir, "logs")); !os.IsNotExist(err) {
		t.Error("Expected no logs directory in production mode")
	}
}

func TestInitializeDebugMode(t *testing.T) {
	dir := t.TempDir()
	cfg := "logging:\n  debug_mode: true\n  level: debug\n"
	if err := os.WriteFile(filepath.Join(dir, "config.yaml"), []byte(cfg), 0644); err != nil {
		t.Fatalf("Failed to write config: %v", err)
	}

	if err := Initialize(dir); err != nil {
		t.Fatalf("Initialize failed: %v", err)
	}
	defer CloseAll()

	if !IsDebugMode() {
		t.Error("Expected debug mode on")
	}

	Explore("test message %d", 42)
	NavGraphDebug("debug message")

	if _, err := os.Stat(filepath.Join(dir, "logs")); err != nil {
		t.Errorf("Expected logs directory: %v", err)
	}
}

func TestCategoryFilter(t *testing.T) {
	dir := t.TempDir()
	cfg := "logging:\n  debug_mode: true\n  level: info\n  categories:\n    outbox: false\n"
	if err := os.WriteFile(filepath.Join(dir, "config.yaml"), []byte(cfg), 0644); err != nil {
		t.Fatalf("Failed to write config: %v", err)
	}

	if err := Initialize(dir); err != nil {
		t.Fatalf("Initialize failed: %v", err)
	}
	defer CloseAll()

	if IsCategoryEnabled(CategoryOutbox) {
		t.Error("Expected outbox category disabled")
	}
	if !IsCategoryEnabled(CategoryNavGraph) {
		t.Error("Expected navgraph category enabled by default")
	}
}
