package config

import (
	"os"
	"testing"
	"time"

	"go.viam.com/test"

	"github.com/questvision/visionstream/logging"
)

func TestWatcher(t *testing.T) {
	logger, logs := logging.NewObservedTestLogger(t)
	path := writeConfig(t, `{"log_interval": 10}`)

	watcher, err := NewWatcher(t.Context(), path, Overrides{NoDisplay: true}, 20*time.Millisecond, logger)
	test.That(t, err, test.ShouldBeNil)
	defer func() {
		test.That(t, watcher.Close(), test.ShouldBeNil)
	}()

	nextConfig := func() *Config {
		t.Helper()
		select {
		case cfg := <-watcher.Config():
			return cfg
		case <-time.After(5 * time.Second):
			t.Fatal("timed out waiting for config change")
			return nil
		}
	}

	test.That(t, os.WriteFile(path, []byte(`{"log_interval": 12, "rotate_180": true}`), 0o600), test.ShouldBeNil)
	cfg := nextConfig()
	test.That(t, cfg.LogInterval, test.ShouldEqual, 12)
	test.That(t, cfg.Rotate180, test.ShouldBeTrue)
	test.That(t, cfg.EnableDisplay, test.ShouldBeFalse)

	// An invalid edit is reported and skipped; the next good one still arrives.
	test.That(t, os.WriteFile(path, []byte(`{"log_interval": -1}`), 0o600), test.ShouldBeNil)
	time.Sleep(200 * time.Millisecond)
	test.That(t, logs.FilterMessage("ignoring config change").Len(), test.ShouldBeGreaterThanOrEqualTo, 1)

	test.That(t, os.WriteFile(path, []byte(`{"log_interval": 7}`), 0o600), test.ShouldBeNil)
	cfg = nextConfig()
	test.That(t, cfg.LogInterval, test.ShouldEqual, 7)
}

func TestWatcherCloseIdempotent(t *testing.T) {
	path := writeConfig(t, `{}`)
	watcher, err := NewWatcher(t.Context(), path, Overrides{}, 0, logging.NewTestLogger(t))
	test.That(t, err, test.ShouldBeNil)
	test.That(t, watcher.Close(), test.ShouldBeNil)
	test.That(t, watcher.Close(), test.ShouldBeNil)
}
