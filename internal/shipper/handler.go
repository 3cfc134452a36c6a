package shipper

import (
	"fmt"
	"log"
	"sync"
	"time"
)

// HandlerInstance ties one Buffer and one Dispatcher together under a
// single identifier. Destroying one half of the pair always tears down the
// other.
type HandlerInstance struct {
	id string

	mu     sync.Mutex
	config HandlerConfig

	// resolvedDataDir and resolvedStorage are internal bindings: fixed at
	// attach time and never reassigned. config.Storage and config.DataDir
	// carry the same values; SetConfig overwrites them with these and
	// UpdateConfig rejects any change to them.
	resolvedDataDir string
	resolvedStorage StorageBackend

	buffer     Buffer
	dispatcher *Dispatcher
	logger     *log.Logger
}

// ID returns the handler's registered identifier.
func (h *HandlerInstance) ID() string { return h.id }

// Store enqueues an already-formatted entry. Non-blocking and
// fire-and-forget: the underlying Buffer never returns an error to the
// caller.
func (h *HandlerInstance) Store(entry Entry) {
	h.buffer.Store(entry)
}

// StoreEvent formats a raw host-facade Event using the handler's current
// label/structured-metadata configuration and stores the resulting entry.
// Producers that already hold a formatted Entry should call Store directly.
func (h *HandlerInstance) StoreEvent(event Event) {
	h.mu.Lock()
	labels := h.config.Labels
	metaKeys := h.config.StructuredMetadata
	h.mu.Unlock()

	h.Store(FormatEvent(event, labels, metaKeys))
}

// Flush blocks until one push attempt resolves.
func (h *HandlerInstance) Flush() error {
	return h.dispatcher.Flush()
}

// GetConfig returns the handler's configuration as stored, including the
// storage backend and the data directory resolved at attach time; nothing
// is hidden from it.
func (h *HandlerInstance) GetConfig() HandlerConfig {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.config
}

// SetConfig replaces the handler's public configuration wholesale,
// preserving the internal storage/data_dir bindings fixed at attach time.
// Rejected if the merged result fails validation; the previous
// configuration is left untouched on rejection.
func (h *HandlerInstance) SetConfig(cfg HandlerConfig) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	cfg.Storage = h.resolvedStorage
	cfg.DataDir = h.resolvedDataDir
	if err := cfg.Validate(); err != nil {
		return err
	}

	h.config = cfg
	h.dispatcher.Reconfigure(cfg, cfg.LokiURL)
	return nil
}

// UpdateConfig deep-merges partialTOML (a TOML fragment naming only the
// fields to change) into the current configuration. Attempting to change
// storage or data_dir is rejected with ImmutableFieldError rather than
// silently ignored.
func (h *HandlerInstance) UpdateConfig(partialTOML []byte) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	merged := h.config
	if err := tomlMergeInto(partialTOML, &merged); err != nil {
		return fmt.Errorf("config: update: %w", err)
	}

	if merged.Storage != h.resolvedStorage {
		return &ImmutableFieldError{Field: "storage"}
	}
	if merged.DataDir != h.resolvedDataDir {
		return &ImmutableFieldError{Field: "data_dir"}
	}
	if err := merged.Validate(); err != nil {
		return err
	}

	h.config = merged
	h.dispatcher.Reconfigure(merged, merged.LokiURL)
	return nil
}

func (h *HandlerInstance) stop() error {
	h.dispatcher.Stop()
	return h.buffer.Stop()
}

// Registry is the process-global store of attached handlers. Attach and
// detach for a given id are serialized against each other by holding mu for
// the whole operation.
type Registry struct {
	mu       sync.Mutex
	handlers map[string]*HandlerInstance
	logger   *log.Logger
}

// NewRegistry constructs an empty registry. A process typically owns one;
// tests construct their own to avoid shared global state.
func NewRegistry(logger *log.Logger) *Registry {
	if logger == nil {
		logger = log.Default()
	}
	return &Registry{
		handlers: make(map[string]*HandlerInstance),
		logger:   logger,
	}
}

// Attach validates cfg, resolves the storage backend, starts Buffer then
// Dispatcher, rolls back on partial failure, and registers the pair under
// id.
func (r *Registry) Attach(id string, cfg HandlerConfig) (*HandlerInstance, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.handlers[id]; exists {
		return nil, invalidField("id", fmt.Sprintf("handler %q already attached", id))
	}

	dataDir := cfg.DataDir
	if dataDir == "" {
		dataDir = defaultDataDir(id)
	}
	cfg.DataDir = dataDir

	buffer, err := newBuffer(cfg, dataDir)
	if err != nil {
		return nil, &StartFailedError{Component: "buffer", Cause: err}
	}

	client := NewLokiClient(requestTimeout(cfg), "")
	dispatcher := NewDispatcher(buffer, client, cfg.LokiURL, cfg, r.logger)

	h := &HandlerInstance{
		id:              id,
		config:          cfg,
		resolvedDataDir: dataDir,
		resolvedStorage: cfg.Storage,
		buffer:          buffer,
		dispatcher:      dispatcher,
		logger:          r.logger,
	}

	r.handlers[id] = h
	r.logger.Printf("handler attached: id=%s storage=%s loki_url=%s", id, cfg.Storage, cfg.LokiURL)
	return h, nil
}

func newBuffer(cfg HandlerConfig, dataDir string) (Buffer, error) {
	switch cfg.Storage {
	case StorageMemory:
		return NewMemoryBuffer(cfg.MaxBufferSize, nil), nil
	case StorageDisk, "":
		return NewDiskBuffer(dataDir, cfg.MaxBufferSize, nil)
	default:
		return nil, fmt.Errorf("unknown storage backend %q", cfg.Storage)
	}
}

// requestTimeout computes the per-request HTTP timeout: batch_interval_ms *
// 2, floor 5s.
func requestTimeout(cfg HandlerConfig) time.Duration {
	const floor = 5 * time.Second
	computed := cfg.BatchInterval() * 2
	if computed < floor {
		return floor
	}
	return computed
}

// Get returns the handler registered under id.
func (r *Registry) Get(id string) (*HandlerInstance, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	h, ok := r.handlers[id]
	if !ok {
		return nil, &UnknownHandlerError{ID: id}
	}
	return h, nil
}

// Detach stops Dispatcher and Buffer as an atomic pair and removes id from
// the registry. Detaching an already-gone id still succeeds.
func (r *Registry) Detach(id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	h, ok := r.handlers[id]
	if !ok {
		return nil
	}
	delete(r.handlers, id)

	if err := h.stop(); err != nil {
		return fmt.Errorf("detach %q: %w", id, err)
	}
	return nil
}

// Flush looks up id and flushes it.
func (r *Registry) Flush(id string) error {
	h, err := r.Get(id)
	if err != nil {
		return err
	}
	return h.Flush()
}

// GetConfig looks up id and returns its public config.
func (r *Registry) GetConfig(id string) (HandlerConfig, error) {
	h, err := r.Get(id)
	if err != nil {
		return HandlerConfig{}, err
	}
	return h.GetConfig(), nil
}

// SetConfig looks up id and replaces its config wholesale.
func (r *Registry) SetConfig(id string, cfg HandlerConfig) error {
	h, err := r.Get(id)
	if err != nil {
		return err
	}
	return h.SetConfig(cfg)
}

// UpdateConfig looks up id and deep-merges partialTOML into its config.
func (r *Registry) UpdateConfig(id string, partialTOML []byte) error {
	h, err := r.Get(id)
	if err != nil {
		return err
	}
	return h.UpdateConfig(partialTOML)
}

// List returns the ids of every attached handler.
func (r *Registry) List() []string {
	r.mu.Lock()
	defer r.mu.Unlock()

	ids := make([]string, 0, len(r.handlers))
	for id := range r.handlers {
		ids = append(ids, id)
	}
	return ids
}
