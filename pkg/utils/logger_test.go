package utils

import (
	"testing"

	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"
)

func TestNewLogger(t *testing.T) {
	t.Run("debug mode returns development logger", func(t *testing.T) {
		logger, err := NewLogger(true)
		if err != nil {
			t.Fatalf("NewLogger(true) error: %v", err)
		}
		if logger == nil {
			t.Fatal("NewLogger(true) returned nil logger")
		}
		_ = logger.Sync()
	})

	t.Run("production mode returns production logger", func(t *testing.T) {
		logger, err := NewLogger(false)
		if err != nil {
			t.Fatalf("NewLogger(false) error: %v", err)
		}
		if logger == nil {
			t.Fatal("NewLogger(false) returned nil logger")
		}
		_ = logger.Sync()
	})
}

func TestNewBadgerLogger(t *testing.T) {
	core, logs := observer.New(zap.DebugLevel)
	bl := NewBadgerLogger(zap.New(core))

	bl.Errorf("open %s failed\n", "vlog")
	bl.Infof("replaying %d entries", 3)

	entries := logs.All()
	if len(entries) != 2 {
		t.Fatalf("expected 2 entries, got %d", len(entries))
	}
	if entries[0].Message != "open vlog failed" || entries[0].Level != zap.ErrorLevel {
		t.Errorf("unexpected first entry %+v", entries[0])
	}
	if entries[1].Level != zap.DebugLevel {
		t.Errorf("info should be demoted to debug, got %s", entries[1].Level)
	}

	// nil logger must not panic
	NewBadgerLogger(nil).Warningf("x")
}
