package pecorino

import (
	"testing"
	"time"
)

func TestNewConfig_Defaults(t *testing.T) {
	cfg := newConfig()
	if cfg.Prefix != "pecorino:" {
		t.Errorf("unexpected default prefix %q", cfg.Prefix)
	}
	if cfg.Timeout != 5*time.Second {
		t.Errorf("unexpected default timeout %v", cfg.Timeout)
	}
	if _, ok := cfg.Recorder.(NoOpMetricsRecorder); !ok {
		t.Errorf("expected default recorder to be NoOpMetricsRecorder, got %T", cfg.Recorder)
	}
	if _, ok := cfg.Logger.(NoOpLogger); !ok {
		t.Errorf("expected default logger to be NoOpLogger, got %T", cfg.Logger)
	}
}

func TestWithPrefix(t *testing.T) {
	cfg := newConfig(WithPrefix("custom:"))
	if cfg.Prefix != "custom:" {
		t.Errorf("expected prefix to be overridden, got %q", cfg.Prefix)
	}
}

func TestWithTimeout_IgnoresNonPositive(t *testing.T) {
	cfg := newConfig(WithTimeout(0))
	if cfg.Timeout != 5*time.Second {
		t.Errorf("expected WithTimeout(0) to be ignored, got %v", cfg.Timeout)
	}

	cfg = newConfig(WithTimeout(2 * time.Second))
	if cfg.Timeout != 2*time.Second {
		t.Errorf("expected timeout override, got %v", cfg.Timeout)
	}
}

func TestRegistry_DefaultAdapter(t *testing.T) {
	r := NewRegistry()
	if _, err := r.Default(); err != ErrNoDefaultAdapter {
		t.Fatalf("expected ErrNoDefaultAdapter, got %v", err)
	}

	adapter := NewMemoryAdapter()
	r.SetDefault(adapter)

	got, err := r.Default()
	if err != nil {
		t.Fatal(err)
	}
	if got != adapter {
		t.Fatal("expected the same adapter instance back")
	}
}
