package shipper

import (
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"sort"
	"testing"
)

func testConfig(t *testing.T, lokiURL string) HandlerConfig {
	t.Helper()
	cfg := DefaultHandlerConfig()
	cfg.LokiURL = lokiURL
	cfg.Storage = StorageMemory
	return cfg
}

func TestAttachAndDetachHappyPath(t *testing.T) {
	registry := NewRegistry(nil)

	h, err := registry.Attach("agent-1", testConfig(t, "http://loki:3100"))
	if err != nil {
		t.Fatalf("attach: %v", err)
	}
	if h.ID() != "agent-1" {
		t.Errorf("expected id agent-1, got %s", h.ID())
	}

	if _, err := registry.Get("agent-1"); err != nil {
		t.Fatalf("expected to find attached handler: %v", err)
	}

	if err := registry.Detach("agent-1"); err != nil {
		t.Fatalf("detach: %v", err)
	}
	if _, err := registry.Get("agent-1"); err == nil {
		t.Fatal("expected handler to be gone after detach")
	}
}

func TestDetachUnknownIDIsIdempotent(t *testing.T) {
	registry := NewRegistry(nil)
	if err := registry.Detach("never-attached"); err != nil {
		t.Fatalf("expected detaching an unknown id to succeed, got %v", err)
	}
}

func TestAttachRejectsInvalidConfigWithoutSideEffects(t *testing.T) {
	registry := NewRegistry(nil)
	cfg := DefaultHandlerConfig() // no loki_url

	_, err := registry.Attach("agent-1", cfg)
	if err == nil {
		t.Fatal("expected validation error")
	}
	if _, ok := err.(*ConfigError); !ok {
		t.Fatalf("expected *ConfigError, got %T", err)
	}
	if len(registry.List()) != 0 {
		t.Fatalf("expected no handler registered after a rejected attach, got %v", registry.List())
	}
}

func TestAttachRejectsDuplicateID(t *testing.T) {
	registry := NewRegistry(nil)
	cfg := testConfig(t, "http://loki:3100")

	if _, err := registry.Attach("agent-1", cfg); err != nil {
		t.Fatalf("first attach: %v", err)
	}
	defer registry.Detach("agent-1")

	if _, err := registry.Attach("agent-1", cfg); err == nil {
		t.Fatal("expected second attach under the same id to fail")
	}
}

func TestAttachResolvesDiskDataDir(t *testing.T) {
	registry := NewRegistry(nil)
	cfg := testConfig(t, "http://loki:3100")
	cfg.Storage = StorageDisk
	cfg.DataDir = filepath.Join(t.TempDir(), "buf")

	h, err := registry.Attach("agent-1", cfg)
	if err != nil {
		t.Fatalf("attach: %v", err)
	}
	defer registry.Detach("agent-1")

	got := h.GetConfig()
	if got.DataDir != cfg.DataDir {
		t.Errorf("expected configured data_dir to be preserved, got %q", got.DataDir)
	}
}

func TestSetConfigPreservesInternalBindings(t *testing.T) {
	registry := NewRegistry(nil)
	cfg := testConfig(t, "http://loki:3100")
	cfg.Storage = StorageDisk
	cfg.DataDir = filepath.Join(t.TempDir(), "buf")

	h, err := registry.Attach("agent-1", cfg)
	if err != nil {
		t.Fatalf("attach: %v", err)
	}
	defer registry.Detach("agent-1")

	replacement := testConfig(t, "http://new-loki:3100")
	replacement.Storage = StorageMemory   // attempt to smuggle a storage change
	replacement.DataDir = "/tmp/attacker" // attempt to smuggle a data_dir change

	if err := h.SetConfig(replacement); err != nil {
		t.Fatalf("set config: %v", err)
	}

	got := h.GetConfig()
	if got.Storage != StorageDisk {
		t.Errorf("expected storage binding preserved as disk, got %s", got.Storage)
	}
	if got.DataDir != cfg.DataDir {
		t.Errorf("expected data_dir binding preserved, got %q", got.DataDir)
	}
	if got.LokiURL != "http://new-loki:3100" {
		t.Errorf("expected loki_url to take the new value, got %q", got.LokiURL)
	}
}

func TestUpdateConfigRejectsImmutableFields(t *testing.T) {
	registry := NewRegistry(nil)
	cfg := testConfig(t, "http://loki:3100")

	h, err := registry.Attach("agent-1", cfg)
	if err != nil {
		t.Fatalf("attach: %v", err)
	}
	defer registry.Detach("agent-1")

	err = h.UpdateConfig([]byte(`storage = "disk"`))
	if err == nil {
		t.Fatal("expected an error changing storage via update_config")
	}
	if _, ok := err.(*ImmutableFieldError); !ok {
		t.Fatalf("expected *ImmutableFieldError, got %T: %v", err, err)
	}
}

func TestUpdateConfigDeepMergesNamedFieldsOnly(t *testing.T) {
	registry := NewRegistry(nil)
	cfg := testConfig(t, "http://loki:3100")
	cfg.BatchSize = 100

	h, err := registry.Attach("agent-1", cfg)
	if err != nil {
		t.Fatalf("attach: %v", err)
	}
	defer registry.Detach("agent-1")

	if err := h.UpdateConfig([]byte(`batch_size = 42`)); err != nil {
		t.Fatalf("update config: %v", err)
	}

	got := h.GetConfig()
	if got.BatchSize != 42 {
		t.Errorf("expected batch_size updated to 42, got %d", got.BatchSize)
	}
	if got.LokiURL != "http://loki:3100" {
		t.Errorf("expected loki_url to survive the partial update, got %q", got.LokiURL)
	}
}

func TestRegistryOperationsOnUnknownIDReturnUnknownHandlerError(t *testing.T) {
	registry := NewRegistry(nil)

	if _, err := registry.GetConfig("ghost"); err == nil {
		t.Error("expected GetConfig to error on an unknown id")
	} else if _, ok := err.(*UnknownHandlerError); !ok {
		t.Errorf("expected *UnknownHandlerError from GetConfig, got %T", err)
	}

	if err := registry.SetConfig("ghost", DefaultHandlerConfig()); err == nil {
		t.Error("expected SetConfig to error on an unknown id")
	} else if _, ok := err.(*UnknownHandlerError); !ok {
		t.Errorf("expected *UnknownHandlerError from SetConfig, got %T", err)
	}

	if err := registry.UpdateConfig("ghost", []byte(`batch_size = 1`)); err == nil {
		t.Error("expected UpdateConfig to error on an unknown id")
	} else if _, ok := err.(*UnknownHandlerError); !ok {
		t.Errorf("expected *UnknownHandlerError from UpdateConfig, got %T", err)
	}

	if err := registry.Flush("ghost"); err == nil {
		t.Error("expected Flush to error on an unknown id")
	} else if _, ok := err.(*UnknownHandlerError); !ok {
		t.Errorf("expected *UnknownHandlerError from Flush, got %T", err)
	}
}

func TestRegistryListReflectsAttachedHandlers(t *testing.T) {
	registry := NewRegistry(nil)

	if _, err := registry.Attach("a", testConfig(t, "http://loki:3100")); err != nil {
		t.Fatalf("attach a: %v", err)
	}
	if _, err := registry.Attach("b", testConfig(t, "http://loki:3100")); err != nil {
		t.Fatalf("attach b: %v", err)
	}
	defer registry.Detach("a")
	defer registry.Detach("b")

	ids := registry.List()
	sort.Strings(ids)
	if len(ids) != 2 || ids[0] != "a" || ids[1] != "b" {
		t.Fatalf("expected [a b], got %v", ids)
	}
}

func TestDetachStopsBothBufferAndDispatcher(t *testing.T) {
	registry := NewRegistry(nil)
	cfg := testConfig(t, "http://loki:3100")

	h, err := registry.Attach("agent-1", cfg)
	if err != nil {
		t.Fatalf("attach: %v", err)
	}
	h.Store(entryWithMessage("queued-before-detach"))

	if err := registry.Detach("agent-1"); err != nil {
		t.Fatalf("detach: %v", err)
	}

	// The underlying memory buffer is stopped and cleared; a second Stop
	// must not panic (handler.stop() calls both Dispatcher.Stop, which is
	// itself idempotent, and Buffer.Stop).
	h.dispatcher.mu.Lock()
	dispatcherStopped := h.dispatcher.stopped
	h.dispatcher.mu.Unlock()
	if !dispatcherStopped {
		t.Fatal("expected detach to stop the dispatcher")
	}
	if count, _ := h.buffer.Count(); count != 0 {
		t.Fatalf("expected detach to clear the memory buffer, count=%d", count)
	}
	if err := h.buffer.Stop(); err != nil {
		t.Fatalf("expected buffer.Stop to remain safe to call again, got %v", err)
	}
}

func TestFlushThroughRegistryReachesLoki(t *testing.T) {
	received := make(chan struct{}, 1)
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		received <- struct{}{}
		w.WriteHeader(http.StatusNoContent)
	}))
	defer server.Close()

	registry := NewRegistry(nil)
	cfg := testConfig(t, server.URL)

	h, err := registry.Attach("agent-1", cfg)
	if err != nil {
		t.Fatalf("attach: %v", err)
	}
	defer registry.Detach("agent-1")

	h.Store(entryWithMessage("hello"))

	if err := registry.Flush("agent-1"); err != nil {
		t.Fatalf("flush: %v", err)
	}

	select {
	case <-received:
	default:
		t.Fatal("expected the flush to reach the test Loki server")
	}
}
