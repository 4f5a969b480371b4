package qffconfig

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/qff233/qff/logging"
)

const sampleYAML = `
log:
  level: debug
reactors:
  main:
    name: main
    thread_count: 4
    use_caller: true
    stack_size_kb: 256
    connect_timeout_ms: 1500
`

func TestLoadParsesReactorAndLogConfig(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "qff.yaml")
	if err := os.WriteFile(path, []byte(sampleYAML), 0o644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Log.ParsedLevel() != logging.LevelDebug {
		t.Fatalf("ParsedLevel() = %v, want LevelDebug", cfg.Log.ParsedLevel())
	}

	rc, ok := cfg.Reactor("main")
	if !ok {
		t.Fatal("expected a \"main\" reactor entry")
	}
	if rc.ThreadCount != 4 || !rc.UseCaller {
		t.Fatalf("unexpected reactor config: %+v", rc)
	}
	if rc.StackSize() != 256*1024 {
		t.Fatalf("StackSize() = %d, want %d", rc.StackSize(), 256*1024)
	}
	if rc.ConnectTimeout() != 1500*time.Millisecond {
		t.Fatalf("ConnectTimeout() = %v, want 1500ms", rc.ConnectTimeout())
	}
}

func TestReactorConfigDefaultsWhenMissing(t *testing.T) {
	var cfg Config
	if _, ok := cfg.Reactor("nonexistent"); ok {
		t.Fatal("expected missing reactor lookup to report false")
	}
	var rc ReactorConfig
	if rc.StackSize() <= 0 {
		t.Fatal("expected a positive default stack size")
	}
	if rc.ConnectTimeout() >= 0 {
		t.Fatal("expected a negative (no-timeout) default connect timeout")
	}
}

func TestLoadReturnsErrorForMissingFile(t *testing.T) {
	if _, err := Load("/nonexistent/path/qff.yaml"); err == nil {
		t.Fatal("expected an error loading a nonexistent file")
	}
}
