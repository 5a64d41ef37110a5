package model

import (
	"fmt"
	"sync"
	"time"

	"exsa/internal/apierrors"
	"exsa/internal/llama"
)

// Handle is one loaded model entry: weights plus the context parameters the
// worker should build its decoder context from (spec.md §4.2 step 1). It
// satisfies queue.ModelHandle structurally, without either package importing
// the other.
type Handle struct {
	name      string
	path      string
	gpuLayers int
	model     llama.Model
	ctxParams llama.ContextParams
	lastUsed  time.Time
}

func (h *Handle) Name() string                       { return h.name }
func (h *Handle) Path() string                       { return h.path }
func (h *Handle) GPULayers() int                     { return h.gpuLayers }
func (h *Handle) Model() llama.Model                 { return h.model }
func (h *Handle) ContextParams() llama.ContextParams { return h.ctxParams }
func (h *Handle) LastUsed() time.Time                { return h.lastUsed }

// LoadFunc loads model weights from disk. Injected so tests can substitute
// internal/llama/llamafake without linking cgo.
type LoadFunc func(path string, params llama.ModelParams) (llama.Model, error)

// Manager is a keyed cache of loaded models with bounded capacity
// (spec.md §4.6), guarded by a reader-writer lock on the cache maps plus an
// outer mutex serializing load/switch.
type Manager struct {
	mu       sync.RWMutex
	switchMu sync.Mutex

	capacity int
	entries  map[string]*Handle
	active   string

	load LoadFunc

	contextSize int
	batchSize   int
	numSeqMax   int
	threads     int
	flashAttn   bool
	kvCacheType string
}

// Config carries the context-construction parameters applied to every model
// this manager loads (spec.md §4.2 step 1: "context size, batch size,
// thread count, KV quantization").
type Config struct {
	Capacity    int
	ContextSize int
	BatchSize   int
	NumSeqMax   int
	Threads     int
	FlashAttn   bool
	KVCacheType string
}

// New builds a manager. load is the decoder-primitive entry point used to
// materialize weights; pass llama.LoadModelFromFile in production or a fake
// in tests.
func New(cfg Config, load LoadFunc) *Manager {
	capacity := cfg.Capacity
	if capacity < 1 {
		capacity = 1
	}
	return &Manager{
		capacity:    capacity,
		entries:     make(map[string]*Handle),
		load:        load,
		contextSize: cfg.ContextSize,
		batchSize:   cfg.BatchSize,
		numSeqMax:   cfg.NumSeqMax,
		threads:     cfg.Threads,
		flashAttn:   cfg.FlashAttn,
		kvCacheType: cfg.KVCacheType,
	}
}

// Load ensures name is resident with the given GPU-offload layer count. If
// an entry already exists under name with the same layer count, this is a
// no-op (spec.md §4.6 "load"). Otherwise, evicting the LRU non-active entry
// if the cache is full, it loads from disk and inserts.
func (m *Manager) Load(name, path string, gpuLayers int) (*Handle, error) {
	m.switchMu.Lock()
	defer m.switchMu.Unlock()

	m.mu.RLock()
	existing, ok := m.entries[name]
	m.mu.RUnlock()
	if ok && existing.gpuLayers == gpuLayers {
		return existing, nil
	}

	if err := ValidateModelPath(path); err != nil {
		return nil, apierrors.New("model.Load", apierrors.ErrInvalidParameters, err.Error())
	}

	m.mu.Lock()
	if _, alreadyHere := m.entries[name]; !alreadyHere && len(m.entries) >= m.capacity {
		if victim := m.lruNonActiveLocked(); victim != "" {
			delete(m.entries, victim)
		}
	}
	m.mu.Unlock()

	modelParams := llama.ModelParams{NumGpuLayers: gpuLayers}
	mdl, err := m.load(path, modelParams)
	if err != nil {
		return nil, apierrors.New("model.Load", apierrors.ErrInternal, "failed to load model: "+err.Error())
	}

	h := &Handle{
		name:      name,
		path:      path,
		gpuLayers: gpuLayers,
		model:     mdl,
		ctxParams: llama.NewContextParams(m.contextSize, m.batchSize, m.numSeqMax, m.threads, m.flashAttn, m.kvCacheType),
		lastUsed:  time.Now(),
	}

	m.mu.Lock()
	m.entries[name] = h
	if m.active == "" {
		m.active = name
	}
	m.mu.Unlock()

	return h, nil
}

// lruNonActiveLocked finds the least-recently-used entry that is not the
// active one. Caller must hold mu for writing.
func (m *Manager) lruNonActiveLocked() string {
	var victim string
	var oldest time.Time
	for name, h := range m.entries {
		if name == m.active {
			continue
		}
		if victim == "" || h.lastUsed.Before(oldest) {
			victim = name
			oldest = h.lastUsed
		}
	}
	return victim
}

// Switch retargets the active pointer to an already-cached entry
// (spec.md §4.6 "switch"). queueEmpty reports whether the request queue is
// currently empty; switching is rejected otherwise. Switching to the
// already-active model is a no-op (law L4).
func (m *Manager) Switch(name string, queueEmpty func() bool) error {
	m.switchMu.Lock()
	defer m.switchMu.Unlock()

	m.mu.RLock()
	_, ok := m.entries[name]
	m.mu.RUnlock()
	if !ok {
		return apierrors.New("model.Switch", apierrors.ErrModelNotLoaded, fmt.Sprintf("model %q is not loaded", name))
	}

	m.mu.RLock()
	isNoOp := m.active == name
	m.mu.RUnlock()
	if isNoOp {
		return nil
	}

	if !queueEmpty() {
		return apierrors.New("model.Switch", apierrors.ErrModelNotLoaded, "cannot switch models while requests are queued")
	}

	m.mu.Lock()
	m.active = name
	m.entries[name].lastUsed = time.Now()
	m.mu.Unlock()
	return nil
}

// ActiveHandle returns the current active entry and refreshes its
// last-used timestamp (spec.md §4.6 "active_handle").
func (m *Manager) ActiveHandle() (*Handle, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	h, ok := m.entries[m.active]
	if ok {
		h.lastUsed = time.Now()
	}
	return h, ok
}

// Loaded lists the names of all resident entries.
func (m *Manager) Loaded() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	names := make([]string, 0, len(m.entries))
	for name := range m.entries {
		names = append(names, name)
	}
	return names
}
