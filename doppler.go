// Package doppler is the External facade of spec.md §6.2/§9: a single
// process-wide Engine handle created at startup and passed down,
// replacing the teacher's package-scope globals (activeDownloads,
// device-init state) with explicit construction and teardown, per
// spec.md §9's design note. Grounded on the teacher's server.Scheduler
// (the one place runners/devices are tracked process-wide), narrowed
// from a multi-runner GPU scheduler to one Engine owning one device
// and the loaded-pipeline table.
package doppler

import (
	"context"
	"fmt"
	"sync"

	"github.com/dreamer-doppler/doppler/device"
	"github.com/dreamer-doppler/doppler/dopplererr"
	"github.com/dreamer-doppler/doppler/downloader"
	"github.com/dreamer-doppler/doppler/manifest"
	"github.com/dreamer-doppler/doppler/pipeline"
	"github.com/dreamer-doppler/doppler/store"
)

// Engine is the process-wide handle spec.md §9 calls for: one probed
// device, one store, one downloader, and the set of currently loaded
// pipelines. Construct it once at startup with New and call Close at
// shutdown; there is no package-level mutable state.
type Engine struct {
	store      store.Store
	downloader *downloader.Downloader
	prober     *device.Prober

	mu        sync.Mutex
	caps      *device.Capabilities
	pipelines map[string]*pipeline.Pipeline
}

// New builds an Engine over st, using probe to enumerate the compute
// device and cp to persist download checkpoints. concurrency bounds
// the downloader's parallel shard fetches (0 uses the envconfig default).
func New(st store.Store, cp *store.Checkpoint, probe device.Probe, concurrency int) *Engine {
	return &Engine{
		store:      st,
		downloader: downloader.New(st, cp, concurrency),
		prober:     device.NewProber(probe),
		pipelines:  make(map[string]*pipeline.Pipeline),
	}
}

// InitDevice runs the device probe, memoized across calls (spec.md
// §6.2: initDevice() -> Capabilities | Unavailable).
func (e *Engine) InitDevice() (device.Capabilities, error) {
	caps, err := e.prober.Init()
	if err != nil {
		return device.Capabilities{}, err
	}
	e.mu.Lock()
	e.caps = &caps
	e.mu.Unlock()
	return caps, nil
}

// LoadOptions configures LoadModel (spec.md §6.2).
type LoadOptions struct {
	SourceURL    string
	OnProgress   downloader.ProgressFunc
	CacheKind    pipeline.CacheKind
	ExpertBudget int
}

// LoadModel materializes a Pipeline for modelID, downloading it first
// if SourceURL is set and the model isn't already in the store (spec.md
// §6.2: loadModel(modelId, {sourceUrl?|localPath?}, onProgress?)).
func (e *Engine) LoadModel(ctx context.Context, modelID string, opts LoadOptions) (*pipeline.Pipeline, error) {
	e.mu.Lock()
	caps := e.caps
	e.mu.Unlock()
	if caps == nil {
		return nil, dopplererr.New(dopplererr.KindCapability, "device not initialized; call InitDevice first")
	}

	data, ok, err := e.store.LoadManifest(modelID)
	if err != nil {
		return nil, err
	}
	if !ok {
		if opts.SourceURL == "" {
			return nil, dopplererr.New(dopplererr.KindIO, "model not present locally and no sourceUrl given").With("modelId", modelID)
		}
		if _, err := e.DownloadModel(ctx, opts.SourceURL, modelID, opts.OnProgress); err != nil {
			return nil, err
		}
		data, ok, err = e.store.LoadManifest(modelID)
		if err != nil {
			return nil, err
		}
		if !ok {
			return nil, dopplererr.New(dopplererr.KindIO, "manifest missing after download").With("modelId", modelID)
		}
	}

	m, err := manifest.Parse(data)
	if err != nil {
		return nil, err
	}

	tokData, _, err := e.store.LoadTokenizer(modelID)
	if err != nil {
		return nil, err
	}

	p, err := pipeline.Create(m, *caps, e.store, pipeline.Options{
		CacheKind:    opts.CacheKind,
		ExpertBudget: opts.ExpertBudget,
		Tokenizer:    tokData,
	})
	if err != nil {
		return nil, err
	}

	e.mu.Lock()
	if old, ok := e.pipelines[modelID]; ok {
		old.Unload()
	}
	e.pipelines[modelID] = p
	e.mu.Unlock()

	return p, nil
}

// UnloadModel tears down modelID's loaded pipeline, if any (spec.md
// §3: "destroyed by unload").
func (e *Engine) UnloadModel(modelID string) {
	e.mu.Lock()
	p, ok := e.pipelines[modelID]
	delete(e.pipelines, modelID)
	e.mu.Unlock()
	if ok {
		p.Unload()
	}
}

// Pipeline returns modelID's loaded pipeline, if any.
func (e *Engine) Pipeline(modelID string) (*pipeline.Pipeline, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	p, ok := e.pipelines[modelID]
	return p, ok
}

// DownloadModel fetches modelID (or a baseUrl-derived id, if
// modelIDOverride is empty) from baseUrl (spec.md §6.2).
func (e *Engine) DownloadModel(ctx context.Context, baseURL, modelIDOverride string, onProgress downloader.ProgressFunc) (string, error) {
	modelID := modelIDOverride
	if modelID == "" {
		modelID = fmt.Sprintf("%x", sum64(baseURL))
	}

	if err := e.store.Open(modelID); err != nil {
		return "", err
	}
	m, err := e.downloader.FetchManifest(ctx, modelID, baseURL)
	if err != nil {
		return "", err
	}
	if err := e.downloader.Download(ctx, modelID, baseURL, m, onProgress); err != nil {
		return "", err
	}
	return modelID, nil
}

// PauseDownload suspends an in-flight download for modelID (spec.md §6.2).
func (e *Engine) PauseDownload(modelID string) bool {
	return e.downloader.Pause(modelID)
}

// ResumeDownload re-fetches a baseUrl's remaining shards for modelID,
// skipping shards the store already has verified (spec.md §6.2).
func (e *Engine) ResumeDownload(ctx context.Context, modelID, baseURL string, onProgress downloader.ProgressFunc) error {
	data, ok, err := e.store.LoadManifest(modelID)
	if err != nil {
		return err
	}
	var m *manifest.Manifest
	if ok {
		m, err = manifest.Parse(data)
		if err != nil {
			return err
		}
	} else {
		m, err = e.downloader.FetchManifest(ctx, modelID, baseURL)
		if err != nil {
			return err
		}
	}
	return e.downloader.Download(ctx, modelID, baseURL, m, onProgress)
}

// ListModels returns every modelId present in the store (spec.md §6.2).
func (e *Engine) ListModels() ([]string, error) {
	return e.store.ListModels()
}

// DeleteModel removes modelID from the store and unloads its pipeline
// if loaded (spec.md §6.2).
func (e *Engine) DeleteModel(modelID string) error {
	e.UnloadModel(modelID)
	return e.store.DeleteModel(modelID)
}

// StorageReport reports store space usage (spec.md §6.2).
func (e *Engine) StorageReport() (store.StorageReport, error) {
	return e.store.StorageReport()
}

// Close unloads every pipeline and tears down the device probe.
func (e *Engine) Close() {
	e.mu.Lock()
	pipelines := e.pipelines
	e.pipelines = make(map[string]*pipeline.Pipeline)
	e.mu.Unlock()

	for _, p := range pipelines {
		p.Unload()
	}
	_ = e.prober.Teardown()
}

func sum64(s string) uint64 {
	var h uint64 = 14695981039346656037
	for i := 0; i < len(s); i++ {
		h ^= uint64(s[i])
		h *= 1099511628211
	}
	return h
}
