package installer

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/graniteproject/installer/internal/config"
	"github.com/graniteproject/installer/internal/engine"
	"github.com/graniteproject/installer/internal/httpclient"
	"github.com/graniteproject/installer/internal/resilience"
	"github.com/graniteproject/installer/internal/telemetry"
)

// stage task ids, priority, and predecessor edges are pinned by spec §4.2.
const (
	stagePriority = 10
	leafPriority  = 11
	retryPriority = 12

	leafBatchSize       = 100
	batchWaitTimeout    = 30 * time.Second
	batchCompletionFrac = 0.7
)

// Installer owns one engine instance, one shared HTTP client, and the
// per-install counters described in spec §3. It is always constructed
// per-run — never a process-wide singleton (Design Note "Global state").
type Installer struct {
	settings    config.Settings
	client      *http.Client
	eng         *engine.Engine
	ledger      *DedupLedger
	runID       string
	instruments telemetry.Instruments

	manifest Manifest
	version  VersionMetadata

	totalAssets        int64
	installedAssets    int64
	failedAssets       int64
	retriedAssets      int64
	totalLibraries     int64
	installedLibraries int64
	failedLibraries    int64
	retriedLibraries   int64
}

// New constructs an installer for one run. Pass the Instruments returned
// by telemetry.InitMetrics; every field on it is a live otel instrument
// (never a nil interface) even when metrics export fell back to a no-op
// provider, so the hooks below never need a nil check.
func New(settings config.Settings, instruments telemetry.Instruments) (*Installer, error) {
	if err := os.MkdirAll(settings.TempPath, 0o755); err != nil {
		return nil, fmt.Errorf("create temp path: %w", err)
	}
	ledger, err := OpenDedupLedger(settings.TempPath)
	if err != nil {
		return nil, err
	}

	limiter := resilience.NewRateLimiter(int64(settings.MaxWorkers), float64(settings.MaxWorkers)/2)
	breaker := resilience.NewMirrorBreaker(30*time.Second, 6, 20, 0.5, 10*time.Second, 3, func() {
		instruments.CircuitOpens.Add(context.Background(), 1)
	})
	client := httpclient.New(httpclient.Options{
		MaxWorkers:    settings.MaxWorkers,
		RateLimiter:   limiter,
		Breaker:       breaker,
		RetryAttempts: 3,
		OnRateLimitWait: func() {
			instruments.RateLimitWaits.Add(context.Background(), 1)
		},
	})

	in := &Installer{
		settings:    settings,
		client:      client,
		ledger:      ledger,
		runID:       uuid.NewString(),
		instruments: instruments,
	}

	hooks := engine.Hooks{
		OnRetry: func(taskID string, attempt int) {
			instruments.TaskRetries.Add(context.Background(), 1)
		},
		OnComplete: func(outcome engine.Outcome, duration time.Duration) {
			instruments.TaskDuration.Record(context.Background(), float64(duration.Milliseconds()))
			if outcome.Failed() {
				instruments.TaskFailures.Add(context.Background(), 1)
			}
		},
	}
	in.eng = engine.New(settings.MaxWorkers, hooks)

	return in, nil
}

// Install runs the six pipeline stages and every leaf task they submit,
// blocking until the engine is quiescent. Returns 0 on success, nonzero
// on any fatal condition (spec §6 return-code contract).
func (in *Installer) Install(ctx context.Context) int {
	start := time.Now()
	defer in.ledger.Close()

	parallelismCtx, stopParallelism := context.WithCancel(ctx)
	defer stopParallelism()
	go in.sampleParallelism(parallelismCtx)

	in.eng.Submit(engine.Task{
		ID:       "0",
		Priority: stagePriority,
		Work:     in.stageManifest,
	})
	in.eng.Submit(engine.Task{
		ID:       "1",
		Priority: stagePriority,
		PreTasks: []string{"0"},
		Work:     in.stageVersionMetadata,
	})
	in.eng.Submit(engine.Task{
		ID:       "2",
		Priority: stagePriority,
		PreTasks: []string{"1"},
		Work:     in.stageMainFile,
	})
	in.eng.Submit(engine.Task{
		ID:       "3",
		Priority: stagePriority,
		PreTasks: []string{"1"},
		Work:     in.stageAssetIndex,
	})
	in.eng.Submit(engine.Task{
		ID:       "4",
		Priority: stagePriority,
		PreTasks: []string{"3"},
		Work:     in.stageAssets,
	})
	in.eng.Submit(engine.Task{
		ID:       "5",
		Priority: stagePriority,
		PreTasks: []string{"1"},
		Work:     in.stageLibraries,
	})

	if err := in.eng.Run(ctx); err != nil {
		slog.Error("install run cancelled", "run_id", in.runID, "error", err)
		in.eng.Shutdown()
		return 1
	}
	in.eng.Shutdown()

	code := 0
	for _, id := range []string{"0", "1", "2", "3"} {
		if out, ok := in.eng.Results()[id]; ok && out.Failed() {
			code = 1
		}
	}

	stats := in.Stats()
	slog.Info("install complete",
		"run_id", in.runID,
		"elapsed", time.Since(start),
		"total_assets", stats.TotalAssets,
		"installed_assets", stats.InstalledAssets,
		"failed_assets", stats.FailedAssets,
		"total_libraries", stats.TotalLibraries,
		"installed_libraries", stats.InstalledLibraries,
		"failed_libraries", stats.FailedLibraries,
	)
	return code
}

// sampleParallelism records the engine's dispatched-worker count on a
// fixed interval until ctx is done, mirroring dag_engine.go's
// parallelismGauge but sampled rather than recorded at every dispatch
// edge, since the engine package stays free of any otel dependency.
func (in *Installer) sampleParallelism(ctx context.Context) {
	ticker := time.NewTicker(500 * time.Millisecond)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			in.instruments.Parallelism.Record(ctx, int64(in.eng.Running()))
		}
	}
}

// recordBytes adds n to the bytes-downloaded counter. Passed as the
// onBytes callback into downloadChunk/regularDownload so every chunk
// and leaf download is recorded inline (spec §2).
func (in *Installer) recordBytes(n int64) {
	in.instruments.BytesDownload.Add(context.Background(), n)
}

// Stats is a point-in-time snapshot of the installer state's counters
// (spec §3, Installer state).
type Stats struct {
	TotalAssets, InstalledAssets, FailedAssets, RetriedAssets             int64
	TotalLibraries, InstalledLibraries, FailedLibraries, RetriedLibraries int64
}

// Stats returns a snapshot of the install counters.
func (in *Installer) Stats() Stats {
	return Stats{
		TotalAssets:        atomic.LoadInt64(&in.totalAssets),
		InstalledAssets:    atomic.LoadInt64(&in.installedAssets),
		FailedAssets:       atomic.LoadInt64(&in.failedAssets),
		RetriedAssets:      atomic.LoadInt64(&in.retriedAssets),
		TotalLibraries:     atomic.LoadInt64(&in.totalLibraries),
		InstalledLibraries: atomic.LoadInt64(&in.installedLibraries),
		FailedLibraries:    atomic.LoadInt64(&in.failedLibraries),
		RetriedLibraries:   atomic.LoadInt64(&in.retriedLibraries),
	}
}

func (in *Installer) stageManifest(ctx context.Context) (any, error) {
	ctx, end := telemetry.WithSpan(ctx, "granite-installer", "install.manifest")
	defer end()

	req, err := http.NewRequest(http.MethodGet, ManifestURL(in.settings.Mirror), nil)
	if err != nil {
		return nil, fmt.Errorf("manifest request: %w", err)
	}
	resp, err := in.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("manifest GET: %w", err)
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("manifest read: %w", err)
	}
	var m Manifest
	if err := json.Unmarshal(body, &m); err != nil {
		return nil, fmt.Errorf("manifest decode: %w", err)
	}
	in.manifest = m
	return 0, nil
}

func (in *Installer) stageVersionMetadata(ctx context.Context) (any, error) {
	_, end := telemetry.WithSpan(ctx, "granite-installer", "install.version_metadata")
	defer end()

	var entryURL string
	for _, v := range in.manifest.Versions {
		if v.ID == in.settings.CurrentVersion {
			entryURL = v.URL
			break
		}
	}
	if entryURL == "" {
		return nil, fmt.Errorf("%w: %s", ErrVersionNotFound, in.settings.CurrentVersion)
	}

	req, err := http.NewRequest(http.MethodGet, RewriteURL(in.settings.Mirror, entryURL), nil)
	if err != nil {
		return nil, fmt.Errorf("version metadata request: %w", err)
	}
	resp, err := in.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("version metadata GET: %w", err)
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("version metadata read: %w", err)
	}
	var vm VersionMetadata
	if err := json.Unmarshal(body, &vm); err != nil {
		return nil, fmt.Errorf("version metadata decode: %w", err)
	}
	in.version = vm

	versionDir := filepath.Join(in.settings.WorkingPath, "versions", in.settings.CurrentVersion)
	if err := os.MkdirAll(versionDir, 0o755); err != nil {
		return nil, fmt.Errorf("version dir: %w", err)
	}
	if err := os.WriteFile(filepath.Join(versionDir, in.settings.CurrentVersion+".json"), body, 0o644); err != nil {
		return nil, fmt.Errorf("persist version metadata: %w", err)
	}
	return 0, nil
}

func (in *Installer) stageMainFile(ctx context.Context) (any, error) {
	ctx, end := telemetry.WithSpan(ctx, "granite-installer", "install.main_file")
	defer end()

	dest := filepath.Join(in.settings.WorkingPath, "versions", in.settings.CurrentVersion, in.settings.CurrentVersion+".jar")
	expected := in.version.Downloads.Client.SHA1
	if fileHashMatches(dest, expected) {
		slog.Info("main archive already present", "run_id", in.runID)
		return 0, nil
	}

	url := RewriteURL(in.settings.Mirror, in.version.Downloads.Client.URL)
	ranges, err := planChunks(in.client, url)
	if err != nil {
		return nil, fmt.Errorf("plan main archive chunks: %w", err)
	}
	if ranges == nil {
		if err := regularDownload(in.client, leafDescriptor{
			workerID:     "main-file-single",
			url:          url,
			destDirs:     []string{filepath.Dir(dest)},
			filenames:    []string{filepath.Base(dest)},
			expectedHash: expected,
		}, in.recordBytes); err != nil {
			return nil, fmt.Errorf("main archive single download: %w", err)
		}
		if !fileHashMatches(dest, expected) {
			return nil, ErrHashMismatch
		}
		return 0, nil
	}

	chunkDir := filepath.Join(in.settings.TempPath, "downloads", expected[:2], expected)
	chunkIDs := make([]string, len(ranges))
	for i, r := range ranges {
		i, r := i, r
		id := fmt.Sprintf("main-file-worker-%d", i)
		chunkIDs[i] = id
		in.eng.Submit(engine.Task{
			ID:         id,
			Priority:   leafPriority,
			MaxRetries: 5,
			Work: func(context.Context) (any, error) {
				if err := downloadChunk(in.client, url, chunkDir, fmt.Sprintf("%d.tmp", i), r, in.recordBytes); err != nil {
					return nil, fmt.Errorf("chunk %d: %w", i, err)
				}
				return 0, nil
			},
		})
	}

	// A blocking coordinator waits until every chunk id is present in the
	// results map (spec §4.2). This polls rather than calling Run
	// recursively: this func itself executes on a worker already counted
	// as "running", so a nested Run would wait on a quiescence condition
	// this very call can never satisfy.
	results, err := in.awaitChunks(ctx, chunkIDs)
	if err != nil {
		return nil, err
	}
	for _, id := range chunkIDs {
		if out := results[id]; out.Failed() {
			// On any chunk failure the whole install aborts (spec §4.2): raise
			// the stop flag and shut the engine down. This runs in its own
			// goroutine because Shutdown joins every worker goroutine,
			// including this one — calling it synchronously here would
			// deadlock waiting on its own completion.
			go in.eng.Shutdown()
			return nil, fmt.Errorf("%w: %s", ErrChunkFailed, id)
		}
	}

	if err := reassemble(chunkDir, dest, len(ranges), expected); err != nil {
		go in.eng.Shutdown()
		return nil, err
	}
	return 0, nil
}

// awaitChunks polls the results map until every id in chunkIDs is
// present, grounded on original_source's `_wait_main_file_downloading_completion`
// polling loop (there on a fixed 1s interval; here on 250ms, honoring ctx
// cancellation).
func (in *Installer) awaitChunks(ctx context.Context, chunkIDs []string) (map[string]engine.Outcome, error) {
	for {
		results := in.eng.Results()
		allPresent := true
		for _, id := range chunkIDs {
			if _, ok := results[id]; !ok {
				allPresent = false
				break
			}
		}
		if allPresent {
			return results, nil
		}
		if in.eng.Stopped() {
			return nil, fmt.Errorf("%w: engine stopped before all chunks completed", ErrChunkFailed)
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(250 * time.Millisecond):
		}
	}
}

func (in *Installer) stageAssetIndex(ctx context.Context) (any, error) {
	_, end := telemetry.WithSpan(ctx, "granite-installer", "install.asset_index")
	defer end()

	dest := filepath.Join(in.settings.WorkingPath, "assets", "indexes", in.version.AssetIndex.ID+".json")
	if fileHashMatches(dest, in.version.AssetIndex.SHA1) {
		return 0, nil
	}

	req, err := http.NewRequest(http.MethodGet, RewriteURL(in.settings.Mirror, in.version.AssetIndex.URL), nil)
	if err != nil {
		return nil, fmt.Errorf("asset index request: %w", err)
	}
	resp, err := in.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("asset index GET: %w", err)
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("asset index read: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(dest), 0o755); err != nil {
		return nil, fmt.Errorf("asset index dir: %w", err)
	}
	if err := os.WriteFile(dest, body, 0o644); err != nil {
		return nil, fmt.Errorf("persist asset index: %w", err)
	}
	return 0, nil
}

func (in *Installer) stageAssets(ctx context.Context) (any, error) {
	ctx, end := telemetry.WithSpan(ctx, "granite-installer", "install.assets")
	defer end()

	path := filepath.Join(in.settings.WorkingPath, "assets", "indexes", in.version.AssetIndex.ID+".json")
	body, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read asset index: %w", err)
	}
	var idx AssetIndex
	if err := json.Unmarshal(body, &idx); err != nil {
		return nil, fmt.Errorf("decode asset index: %w", err)
	}

	atomic.StoreInt64(&in.totalAssets, int64(len(idx.Objects)))
	progressCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	go progressSampler(progressCtx, "assets", len(idx.Objects), func() int {
		return int(atomic.LoadInt64(&in.installedAssets) + atomic.LoadInt64(&in.failedAssets))
	})

	submitted := 0
	for name, obj := range idx.Objects {
		name, obj := name, obj
		objectsDir := filepath.Join(in.settings.WorkingPath, "assets", "objects", obj.Hash[:2])
		legacyDir := filepath.Dir(filepath.Join(in.settings.WorkingPath, "assets", "virtual", "legacy", name))
		pre16Dir := filepath.Dir(filepath.Join(in.settings.WorkingPath, "assets", "virtual", "pre-1.6", name))

		objectPath := filepath.Join(objectsDir, obj.Hash)
		legacyPath := filepath.Join(legacyDir, filepath.Base(name))
		pre16Path := filepath.Join(pre16Dir, filepath.Base(name))

		if fileExists(objectPath) && fileExists(legacyPath) && fileExists(pre16Path) {
			continue
		}

		dests := []string{objectPath, legacyPath, pre16Path}
		claimed, err := in.ledger.ClaimAll(dests)
		if err != nil {
			return nil, err
		}
		if !claimed {
			continue
		}

		leaf := leafDescriptor{
			workerID:     fmt.Sprintf("asset-downloading-worker-%s", obj.Hash),
			url:          fmt.Sprintf("%s/%s/%s", AssetsBaseURL(in.settings.Mirror), obj.Hash[:2], obj.Hash),
			destDirs:     []string{objectsDir, legacyDir, pre16Dir},
			filenames:    []string{obj.Hash, filepath.Base(name), filepath.Base(name)},
			expectedHash: obj.Hash,
		}
		in.submitAssetLeaf(leaf)
		submitted++

		if submitted%leafBatchSize == 0 {
			in.waitForBatch(&in.installedAssets, &in.failedAssets, float64(submitted)*batchCompletionFrac)
		}
	}
	return 0, nil
}

func (in *Installer) submitAssetLeaf(leaf leafDescriptor) {
	in.eng.Submit(engine.Task{
		ID:         leaf.workerID,
		Priority:   leafPriority,
		MaxRetries: 3,
		Work: func(context.Context) (any, error) {
			return 0, regularDownload(in.client, leaf, in.recordBytes)
		},
		Callback: func(outcome engine.Outcome) {
			if !outcome.Failed() {
				atomic.AddInt64(&in.installedAssets, 1)
				return
			}
			n := atomic.AddInt64(&in.retriedAssets, 1)
			retryLeaf := leaf
			retryLeaf.workerID = fmt.Sprintf("asset-downloading-worker-retry-%d", n)
			in.eng.Submit(engine.Task{
				ID:         retryLeaf.workerID,
				Priority:   retryPriority,
				MaxRetries: 3,
				Work: func(context.Context) (any, error) {
					return 0, regularDownload(in.client, retryLeaf, in.recordBytes)
				},
				Callback: func(o engine.Outcome) {
					if o.Failed() {
						atomic.AddInt64(&in.failedAssets, 1)
					} else {
						atomic.AddInt64(&in.installedAssets, 1)
					}
				},
			})
		},
	})
}

func (in *Installer) stageLibraries(ctx context.Context) (any, error) {
	ctx, end := telemetry.WithSpan(ctx, "granite-installer", "install.libraries")
	defer end()

	var total int64
	for _, lib := range in.version.Libraries {
		if len(lib.Downloads.Classifiers) > 0 {
			total += int64(len(lib.Downloads.Classifiers))
		} else if lib.Downloads.Artifact != nil {
			total++
		}
	}
	atomic.StoreInt64(&in.totalLibraries, total)

	progressCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	go progressSampler(progressCtx, "libraries", int(total), func() int {
		return int(atomic.LoadInt64(&in.installedLibraries) + atomic.LoadInt64(&in.failedLibraries))
	})

	submitted := 0
	for _, lib := range in.version.Libraries {
		lib := lib
		if len(lib.Downloads.Classifiers) > 0 {
			for _, artifact := range lib.Downloads.Classifiers {
				artifact := artifact
				if in.submitLibraryLeaf(artifact) {
					submitted++
				}
			}
			continue
		}
		if lib.Downloads.Artifact != nil {
			if in.submitLibraryLeaf(lib.Downloads.Artifact) {
				submitted++
			}
		}

		if submitted > 0 && submitted%leafBatchSize == 0 {
			in.waitForBatch(&in.installedLibraries, &in.failedLibraries, float64(submitted)*batchCompletionFrac)
		}
	}
	return 0, nil
}

func (in *Installer) submitLibraryLeaf(artifact *LibraryArtifact) bool {
	dest := filepath.Join(in.settings.WorkingPath, "libraries", artifact.Path)
	if fileExists(dest) {
		return false
	}
	claimed, err := in.ledger.ClaimAll([]string{dest})
	if err != nil || !claimed {
		return false
	}

	leaf := leafDescriptor{
		workerID:     fmt.Sprintf("library-downloading-worker-%s", artifact.Path),
		url:          RewriteURL(in.settings.Mirror, artifact.URL),
		destDirs:     []string{filepath.Dir(dest)},
		filenames:    []string{filepath.Base(dest)},
		expectedHash: artifact.SHA1,
	}

	in.eng.Submit(engine.Task{
		ID:         leaf.workerID,
		Priority:   leafPriority,
		MaxRetries: 3,
		Work: func(context.Context) (any, error) {
			return 0, regularDownload(in.client, leaf, in.recordBytes)
		},
		Callback: func(outcome engine.Outcome) {
			if !outcome.Failed() {
				atomic.AddInt64(&in.installedLibraries, 1)
				return
			}
			n := atomic.AddInt64(&in.retriedLibraries, 1)
			retryLeaf := leaf
			retryLeaf.workerID = fmt.Sprintf("library-downloading-worker-retry-%d", n)
			in.eng.Submit(engine.Task{
				ID:         retryLeaf.workerID,
				Priority:   retryPriority,
				MaxRetries: 3,
				Work: func(context.Context) (any, error) {
					return 0, regularDownload(in.client, retryLeaf, in.recordBytes)
				},
				Callback: func(o engine.Outcome) {
					if o.Failed() {
						atomic.AddInt64(&in.failedLibraries, 1)
					} else {
						atomic.AddInt64(&in.installedLibraries, 1)
					}
				},
			})
		},
	})
	return true
}

// waitForBatch implements the batch throttle of spec §4.2: block up to
// 30s or until at least the given cumulative completion count is
// reached, whichever comes first.
func (in *Installer) waitForBatch(installed, failed *int64, minCompleted float64) {
	deadline := time.Now().Add(batchWaitTimeout)
	for time.Now().Before(deadline) {
		if float64(atomic.LoadInt64(installed)+atomic.LoadInt64(failed)) >= minCompleted {
			return
		}
		if in.eng.Stopped() {
			return
		}
		time.Sleep(500 * time.Millisecond)
	}
}
