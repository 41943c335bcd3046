// Package downloader implements the resumable shard downloader
// described in spec.md §4.3: fetch a manifest, skip whatever shards
// are already in the store, then fetch the remaining shards with
// bounded concurrency,
// per-shard exponential backoff, and pause/resume support.
//
// Grounded on the teacher's server/download.go and
// server/download_blob.go blobDownload machinery, adapted from
// byte-range parts of a single content-addressed blob to whole
// fixed-size shards addressed by (modelId, index), since Doppler's
// shard boundaries are fixed by the manifest rather than negotiated
// with the server.
package downloader

import (
	"context"
	"errors"
	"fmt"
	"io"
	"math"
	"math/rand"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/henvic/httpretty"
	"github.com/rs/dnscache"
	"golang.org/x/sync/errgroup"

	"github.com/dreamer-doppler/doppler/dopplererr"
	"github.com/dreamer-doppler/doppler/envconfig"
	"github.com/dreamer-doppler/doppler/manifest"
	"github.com/dreamer-doppler/doppler/store"
)

const (
	maxRetries  = 3
	maxBackoff  = 30 * time.Second
	minRetryJit = 0.5
)

// Status is the lifecycle state of a download session (spec.md §4.3 item 6).
type Status string

const (
	StatusQueued      Status = "queued"
	StatusDownloading Status = "downloading"
	StatusPaused      Status = "paused"
	StatusComplete    Status = "complete"
	StatusFailed      Status = "failed"
)

// Progress is emitted periodically (spec.md §4.3 item 7) carrying an
// EWMA-smoothed throughput estimate and a derived ETA.
type Progress struct {
	ModelID         string
	Status          Status
	CompletedShards int
	TotalShards     int
	CompletedBytes  int64
	TotalBytes      int64
	BytesPerSecond  float64
	ETA             time.Duration
}

// ProgressFunc receives progress updates; implementations must return quickly.
type ProgressFunc func(Progress)

// Downloader fetches a model's manifest and shards into a store.Store,
// tracking per-shard completion in a durable checkpoint so a process
// restart resumes rather than restarting from scratch.
type Downloader struct {
	store      store.Store
	checkpoint *store.Checkpoint
	client     *http.Client
	concurrency int

	mu      sync.Mutex
	pauseCh map[string]chan struct{}
}

// New builds a Downloader. concurrency bounds the number of shards
// fetched in parallel (spec.md §4.3 item 4); resolver caching via
// dnscache avoids a DNS round trip per shard request when a model has
// hundreds of shards on the same host.
func New(st store.Store, cp *store.Checkpoint, concurrency int) *Downloader {
	if concurrency <= 0 {
		concurrency = envconfig.DownloadConcurrency()
	}

	resolver := &dnscache.Resolver{}
	transport := &http.Transport{
		DialContext: func(ctx context.Context, network, addr string) (net.Conn, error) {
			host, port, err := net.SplitHostPort(addr)
			if err != nil {
				return nil, err
			}
			ips, err := resolver.LookupHost(ctx, host)
			if err != nil {
				return nil, err
			}
			var conn net.Conn
			for _, ip := range ips {
				conn, err = (&net.Dialer{}).DialContext(ctx, network, net.JoinHostPort(ip, port))
				if err == nil {
					return conn, nil
				}
			}
			return nil, err
		},
	}

	logger := &httpretty.Logger{
		Time:           true,
		TLS:            false,
		RequestHeader:  false,
		ResponseHeader: false,
		Colors:         false,
		Formatters:     []httpretty.Formatter{},
	}
	var rt http.RoundTripper = transport
	if envconfig.HTTPVerbose() {
		rt = logger.RoundTripper(transport)
	}

	return &Downloader{
		store:       st,
		checkpoint:  cp,
		client:      &http.Client{Transport: rt},
		concurrency: concurrency,
		pauseCh:     make(map[string]chan struct{}),
	}
}

// FetchManifest retrieves and parses the manifest at baseURL, then
// persists it to the store so subsequent resumes don't need network
// access to know the shard layout.
func (d *Downloader) FetchManifest(ctx context.Context, modelID, baseURL string) (*manifest.Manifest, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, manifest.ManifestURL(baseURL), nil)
	if err != nil {
		return nil, dopplererr.Wrap(dopplererr.KindNetwork, "building manifest request", err)
	}
	resp, err := d.client.Do(req)
	if err != nil {
		return nil, dopplererr.Wrap(dopplererr.KindNetwork, "fetching manifest", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, dopplererr.New(dopplererr.KindNetwork, "unexpected manifest status").With("status", resp.StatusCode)
	}
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, dopplererr.Wrap(dopplererr.KindNetwork, "reading manifest body", err)
	}

	m, err := manifest.Parse(body)
	if err != nil {
		return nil, err
	}
	if err := d.store.SaveManifest(modelID, body); err != nil {
		return nil, err
	}
	return m, nil
}

// Download fetches every shard of m not already present and verified
// in the store, reporting progress via onProgress. It resumes cleanly
// if called again after a prior partial run or an explicit Pause.
func (d *Downloader) Download(ctx context.Context, modelID, baseURL string, m *manifest.Manifest, onProgress ProgressFunc) error {
	sessionID := uuid.NewString()
	if err := d.checkpoint.Start(modelID, sessionID, time.Now()); err != nil {
		return err
	}

	pauseCh := make(chan struct{})
	d.mu.Lock()
	d.pauseCh[modelID] = pauseCh
	d.mu.Unlock()
	defer func() {
		d.mu.Lock()
		delete(d.pauseCh, modelID)
		d.mu.Unlock()
	}()

	report, err := d.store.StorageReport()
	if err != nil {
		return err
	}
	if report.AvailableBytes > 0 && report.AvailableBytes < m.TotalSize {
		return dopplererr.New(dopplererr.KindQuotaExceeded, "insufficient free space for model").
			With("modelId", modelID).With("required", m.TotalSize).With("available", report.AvailableBytes)
	}

	var (
		mu        sync.Mutex
		completed int
		bytesDone int64
		tracker   = newSpeedTracker()
	)

	emit := func(status Status) {
		mu.Lock()
		c, b := completed, bytesDone
		mu.Unlock()
		rate := tracker.rate()
		var eta time.Duration
		if rate > 0 {
			remaining := float64(m.TotalSize - b)
			eta = time.Duration(remaining/rate) * time.Second
		}
		if onProgress != nil {
			onProgress(Progress{
				ModelID:         modelID,
				Status:          status,
				CompletedShards: c,
				TotalShards:     len(m.Shards),
				CompletedBytes:  b,
				TotalBytes:      m.TotalSize,
				BytesPerSecond:  rate,
				ETA:             eta,
			})
		}
	}

	if err := d.store.Open(modelID); err != nil {
		return err
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(d.concurrency)

	for i := range m.Shards {
		shard := m.Shards[i]
		if d.store.ShardExists(modelID, shard.Index) {
			if _, err := d.store.LoadShard(modelID, shard.Index, true, m.HashAlgorithm, shard.Hash); err == nil {
				mu.Lock()
				completed++
				bytesDone += shard.Size
				mu.Unlock()
				d.checkpoint.MarkShardComplete(modelID, shard.Index)
				continue
			}
		}

		g.Go(func() error {
			select {
			case <-pauseCh:
				return errPaused
			default:
			}

			data, err := d.fetchShardWithRetry(gctx, baseURL, shard, pauseCh)
			if err != nil {
				return err
			}
			if err := d.store.WriteShard(modelID, shard.Index, data, m.HashAlgorithm, shard.Hash); err != nil {
				return err
			}
			if err := d.checkpoint.MarkShardComplete(modelID, shard.Index); err != nil {
				return err
			}

			mu.Lock()
			completed++
			bytesDone += int64(len(data))
			mu.Unlock()
			tracker.add(int64(len(data)))
			emit(StatusDownloading)
			return nil
		})
	}

	emit(StatusDownloading)
	waitErr := g.Wait()
	if waitErr == errPaused {
		d.checkpoint.SetStatus(modelID, string(StatusPaused))
		emit(StatusPaused)
		return errPaused
	}
	if waitErr != nil {
		d.checkpoint.SetStatus(modelID, string(StatusFailed))
		emit(StatusFailed)
		return waitErr
	}

	if err := d.checkpoint.Clear(modelID); err != nil {
		return err
	}
	emit(StatusComplete)
	return nil
}

var errPaused = dopplererr.New(dopplererr.KindCancelled, "download paused")

// Pause signals an in-flight Download call to stop launching new shard
// fetches and return once in-flight ones settle; already-completed
// shards remain on disk and in the checkpoint for a later resume.
func (d *Downloader) Pause(modelID string) bool {
	d.mu.Lock()
	ch, ok := d.pauseCh[modelID]
	d.mu.Unlock()
	if !ok {
		return false
	}
	select {
	case <-ch:
	default:
		close(ch)
	}
	return true
}

func (d *Downloader) fetchShardWithRetry(ctx context.Context, baseURL string, shard manifest.ShardDescriptor, pauseCh chan struct{}) ([]byte, error) {
	url := manifest.ShardURL(baseURL, shard.Index)
	var lastErr error
	for attempt := 0; attempt < maxRetries; attempt++ {
		select {
		case <-pauseCh:
			return nil, errPaused
		case <-ctx.Done():
			return nil, ctx.Err()
		default:
		}

		data, err := d.fetchOnce(ctx, url, shard.Size)
		if err == nil {
			return data, nil
		}
		lastErr = err

		var statusErr *fatalStatusError
		if errors.As(err, &statusErr) {
			return nil, dopplererr.Wrap(dopplererr.KindNetwork, "shard fetch failed with non-retriable status", err).
				With("shard", shard.Index).With("statusCode", statusErr.code)
		}

		backoff := time.Duration(math.Min(float64(maxBackoff), float64(time.Second)*math.Pow(2, float64(attempt))))
		backoff = time.Duration(float64(backoff) * (minRetryJit + rand.Float64()*minRetryJit))
		t := time.NewTimer(backoff)
		select {
		case <-t.C:
		case <-ctx.Done():
			t.Stop()
			return nil, ctx.Err()
		case <-pauseCh:
			t.Stop()
			return nil, errPaused
		}
	}
	return nil, dopplererr.Wrap(dopplererr.KindNetwork, "shard fetch exhausted retries", lastErr).
		With("shard", shard.Index)
}

func (d *Downloader) fetchOnce(ctx context.Context, url string, expectedSize int64) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}
	resp, err := d.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		if resp.StatusCode >= 400 && resp.StatusCode < 500 && resp.StatusCode != http.StatusTooManyRequests {
			return nil, &fatalStatusError{code: resp.StatusCode}
		}
		return nil, fmt.Errorf("unexpected status code %d", resp.StatusCode)
	}
	return io.ReadAll(resp.Body)
}

// fatalStatusError marks a response status spec.md §4.3 item 6 / §7
// treat as immediately fatal for that fetch: any 4xx other than 429
// (Too Many Requests) indicates a client-side problem (bad URL,
// unauthorized, gone) that retrying with backoff cannot fix.
type fatalStatusError struct {
	code int
}

func (e *fatalStatusError) Error() string {
	return fmt.Sprintf("non-retriable status code %d", e.code)
}

// speedTracker keeps an exponentially-weighted moving average (alpha
// 0.3) of bytes/second, updated on each add call from the bytes added
// divided by the time since the previous add. rate returns the last
// average as is; it does not decay while no bytes arrive.
type speedTracker struct {
	mu       sync.Mutex
	start    time.Time
	lastTime time.Time
	ewma     float64
}

func newSpeedTracker() *speedTracker {
	now := time.Now()
	return &speedTracker{start: now, lastTime: now}
}

func (s *speedTracker) add(n int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := time.Now()
	dt := now.Sub(s.lastTime).Seconds()
	if dt <= 0 {
		dt = 0.001
	}
	instant := float64(n) / dt
	const alpha = 0.3
	if s.ewma == 0 {
		s.ewma = instant
	} else {
		s.ewma = alpha*instant + (1-alpha)*s.ewma
	}
	s.lastTime = now
}

func (s *speedTracker) rate() float64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.ewma
}
