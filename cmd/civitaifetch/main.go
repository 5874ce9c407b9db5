// Command civitaifetch is the headless CLI entrypoint: it parses flags,
// assembles every engine component, and drives one enumerate-then-download
// run to completion.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/spf13/pflag"

	"github.com/tachyon-labs/civitai-fetch/internal/civitai"
	"github.com/tachyon-labs/civitai-fetch/internal/config"
	"github.com/tachyon-labs/civitai-fetch/internal/enumerate"
	"github.com/tachyon-labs/civitai-fetch/internal/events"
	"github.com/tachyon-labs/civitai-fetch/internal/fetch"
	"github.com/tachyon-labs/civitai-fetch/internal/filesystem"
	"github.com/tachyon-labs/civitai-fetch/internal/filter"
	"github.com/tachyon-labs/civitai-fetch/internal/integrity"
	"github.com/tachyon-labs/civitai-fetch/internal/logger"
	"github.com/tachyon-labs/civitai-fetch/internal/metadata"
	"github.com/tachyon-labs/civitai-fetch/internal/metrics"
	"github.com/tachyon-labs/civitai-fetch/internal/ratelimit"
	"github.com/tachyon-labs/civitai-fetch/internal/recovery"
	"github.com/tachyon-labs/civitai-fetch/internal/schedule"
	"github.com/tachyon-labs/civitai-fetch/internal/storage"
	"github.com/tachyon-labs/civitai-fetch/internal/taxonomy"
	"github.com/tachyon-labs/civitai-fetch/internal/transport"
)

// version is stamped at release time via -ldflags; "dev" otherwise.
var version = "dev"

// Exit codes returned by run().
const (
	exitSuccess       = 0
	exitPartialFailure = 1
	exitConfigOrIOErr = 2
	exitEmergencyStop = 3
)

func main() {
	os.Exit(run(os.Args[1:]))
}

func run(args []string) int {
	flags := pflag.NewFlagSet("civitaifetch", pflag.ContinueOnError)
	var (
		configPath    = flags.String("config", "", "path to a JSON config file (flags override its fields)")
		token         = flags.String("token", "", "API bearer token")
		usersFile     = flags.String("users-file", "", "path to a file listing creator handles, one per line")
		modelsFile    = flags.String("models-file", "", "path to a file listing model ids/URLs, one per line")
		filterFile    = flags.String("filter-file", "", "path to a base-model whitelist file")
		output        = flags.String("output", "", "output root directory")
		concurrency   = flags.Int("concurrency", 0, "max concurrent downloads per pipeline ceiling")
		sequential    = flags.Bool("sequential", false, "disable parallel_mode (collapse both pipelines to 1 permit)")
		skipExisting  = flags.Bool("skip-existing", false, "skip files whose destination already exists (by name, no digest check)")
		maxUserImages = flags.Int("max-user-images", 0, "cap on unattached user images per creator")
		testMode      = flags.Bool("test-mode", false, "redirect output_root to ./test_downloads")
		noResume      = flags.Bool("no-resume", false, "do not resume in-flight tasks left over from a prior crash")
		metricsFile   = flags.String("metrics-file", "", "write a Prometheus text snapshot here at shutdown (empty disables)")
	)
	if err := flags.Parse(args); err != nil {
		fmt.Fprintln(os.Stderr, err)
		return exitConfigOrIOErr
	}

	cfg := config.Default()
	if *configPath != "" {
		loaded, err := loadConfigFile(*configPath)
		if err != nil {
			fmt.Fprintln(os.Stderr, err)
			return exitConfigOrIOErr
		}
		cfg = loaded
	}
	applyFlagOverrides(&cfg, flags, token, usersFile, modelsFile, filterFile, output, concurrency, sequential, skipExisting, maxUserImages, testMode, noResume)

	var filterList []string
	if cfg.BaseModelFilterPath != "" {
		list, err := readFilterFile(cfg.BaseModelFilterPath)
		if err != nil {
			fmt.Fprintln(os.Stderr, err)
			return exitConfigOrIOErr
		}
		filterList = list
	}

	if err := cfg.Validate(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		return exitConfigOrIOErr
	}

	root := cfg.Root()
	if err := os.MkdirAll(root, 0o755); err != nil {
		fmt.Fprintf(os.Stderr, "civitaifetch: creating output root: %v\n", err)
		return exitConfigOrIOErr
	}

	log, err := logger.New(root, os.Stdout)
	if err != nil {
		fmt.Fprintf(os.Stderr, "civitaifetch: starting logger: %v\n", err)
		return exitConfigOrIOErr
	}
	log.Info("civitaifetch starting", "version", version, "root", root)

	const minFreeSpace = 1 << 30 // 1 GiB headroom; a single large model file can dwarf this, so this is advisory only.
	if err := filesystem.CheckFreeSpace(root, minFreeSpace); err != nil {
		log.Warn("low disk space at startup", "error", err)
	}

	store, err := storage.Open(filepath.Join(root, ".state", "tasks.db"))
	if err != nil {
		log.Error("opening task store", "error", err)
		return exitConfigOrIOErr
	}
	defer store.Close()

	if cfg.Resume.Enabled {
		resumed, err := store.Resume()
		if err != nil {
			log.Error("resuming in-flight tasks", "error", err)
			return exitConfigOrIOErr
		}
		if resumed > 0 {
			log.Info("resumed in-flight tasks from a prior run", "count", resumed)
		}
	}

	table, err := taxonomy.LoadDefault()
	if err != nil {
		log.Error("loading taxonomy table", "error", err)
		return exitConfigOrIOErr
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	trapSignals(ctx, cancel, log)

	var emergencyStopped atomic.Bool
	go pollEmergencyStop(ctx, cancel, root, log, &emergencyStopped)

	userAgent := config.DefaultUserAgent(version)
	transportCfg := transport.DefaultConfig(userAgent, cfg.APIToken)
	httpClient := transport.NewClient(transportCfg)

	endpoint := "https://civitai.com/api/v1"
	if len(cfg.FallbackEndpoints) > 0 {
		endpoint = cfg.FallbackEndpoints[0]
	}
	client := civitai.New(endpoint, cfg.APIToken, userAgent, httpClient)

	governor := ratelimit.New(ctx, ratelimit.Config{
		ModelAPIRPS:      cfg.Rate.ModelAPIRPS,
		ImageAPIRPS:      cfg.Rate.ImageAPIRPS,
		MaxConcurrentAPI: cfg.Rate.MaxConcurrentAPI,
	})
	defer governor.Shutdown()

	verifier := integrity.NewVerifier(root)
	bm := filter.New(filterList)

	registry := metrics.NewRegistry()
	emitter := events.NewEmitter(metrics.NewSink(registry))

	scanOrphanedTemps(root, log)

	// The Scheduler needs an OutcomeRecorder at construction, but the
	// Recovery Supervisor needs the constructed Scheduler to toggle hybrid
	// safe mode. recorderProxy breaks the cycle: the Scheduler is handed a
	// stable forwarding target now, and the real Supervisor is attached to
	// it once built.
	proxy := &recorderProxy{}
	sched := schedule.New(store, log, proxy, cfg.ModelPipelinePermits(), cfg.ImagePipelinePermits())

	onModeChange := func(from, to recovery.Severity, reason string) {
		log.Warn("supervisor mode changed", "from", from, "to", to, "reason", reason)
		emitter.Emit(events.SupervisorModeChanged(string(from), string(to), reason))
	}
	supervisor := recovery.New(governor, sched, log, onModeChange)
	proxy.attach(supervisor)

	fetchEngine := fetch.New(httpClient, transportCfg, verifier)

	var bytesThisWindow atomic.Int64
	worker := buildWorker(workerDeps{
		store:        store,
		client:       client,
		governor:     governor,
		fetchEngine:  fetchEngine,
		verifier:     verifier,
		emitter:      emitter,
		logger:       log,
		retryMax:     cfg.Retry.MaxAttempts,
		skipExisting: cfg.SkipExisting,
		bytesCounter: &bytesThisWindow,
	})

	enumerator := enumerate.New(client, governor, store, table, bm, root, log, cfg.MaxUserImages, cfg.Retry.MaxAttempts)
	inputs := enumerate.BuildInputs(cfg.Inputs.Users, cfg.Inputs.Models)

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		sched.Run(ctx, worker, worker)
	}()
	wg.Add(1)
	go func() {
		defer wg.Done()
		supervisor.Run(ctx)
	}()
	wg.Add(1)
	go func() {
		defer wg.Done()
		statsLoop(ctx, store, sched, governor, emitter, bm, &bytesThisWindow)
	}()

	_, enumErr := enumerator.Run(ctx, inputs)
	if enumErr != nil && ctx.Err() == nil {
		log.Error("enumeration failed", "error", enumErr)
	}

	waitForDrain(ctx, store, supervisor, log)
	cancel()

	gracePeriod := config.MaxShutdownGracePeriod
	done := make(chan struct{})
	go func() { wg.Wait(); close(done) }()
	select {
	case <-done:
	case <-time.After(gracePeriod):
		log.Warn("shutdown grace period elapsed before all workers stopped")
	}

	if *metricsFile != "" {
		if err := writeMetricsSnapshot(*metricsFile, registry); err != nil {
			log.Warn("writing metrics snapshot", "error", err)
		}
	}

	failed, err := writeFailedSummary(store, root)
	if err != nil {
		log.Error("writing failed.txt", "error", err)
	}

	if err := store.Checkpoint(); err != nil {
		log.Warn("final checkpoint", "error", err)
	}

	switch {
	case emergencyStopped.Load():
		log.Warn("halted by emergency stop sentinel")
		return exitEmergencyStop
	case len(failed) > 0:
		log.Info("run finished with failed tasks", "failed_count", len(failed))
		return exitPartialFailure
	default:
		log.Info("run finished successfully")
		return exitSuccess
	}
}

// recorderProxy forwards schedule.OutcomeRecorder calls to a Supervisor
// attached after construction.
type recorderProxy struct {
	mu  sync.Mutex
	sup *recovery.Supervisor
}

func (p *recorderProxy) attach(s *recovery.Supervisor) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.sup = s
}

func (p *recorderProxy) RecordOutcome(pipeline storage.Pipeline, err error) {
	p.mu.Lock()
	s := p.sup
	p.mu.Unlock()
	if s != nil {
		s.RecordOutcome(pipeline, err)
	}
}

func applyFlagOverrides(cfg *config.Config, flags *pflag.FlagSet, token, usersFile, modelsFile, filterFile, output *string, concurrency *int, sequential, skipExisting *bool, maxUserImages *int, testMode, noResume *bool) {
	if flags.Changed("token") {
		cfg.APIToken = *token
	}
	if flags.Changed("output") {
		cfg.OutputRoot = *output
	}
	if flags.Changed("concurrency") {
		cfg.MaxConcurrentDownloads = *concurrency
	}
	if flags.Changed("sequential") {
		cfg.ParallelMode = !*sequential
	}
	if flags.Changed("skip-existing") {
		cfg.SkipExisting = *skipExisting
	}
	if flags.Changed("max-user-images") {
		cfg.MaxUserImages = *maxUserImages
	}
	if flags.Changed("test-mode") {
		cfg.TestMode = *testMode
	}
	if flags.Changed("no-resume") {
		cfg.Resume.Enabled = !*noResume
	}
	if flags.Changed("filter-file") {
		cfg.BaseModelFilterPath = *filterFile
	}
	if flags.Changed("users-file") && *usersFile != "" {
		users, err := config.ParseLinesFile(*usersFile)
		if err == nil {
			cfg.Inputs.Users = users
		}
	}
	if flags.Changed("models-file") && *modelsFile != "" {
		models, err := config.ParseLinesFile(*modelsFile)
		if err == nil {
			cfg.Inputs.Models = models
		}
	}
}

func loadConfigFile(path string) (config.Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return config.Config{}, fmt.Errorf("civitaifetch: reading config file: %w", err)
	}
	cfg := config.Default()
	if err := json.Unmarshal(data, &cfg); err != nil {
		return config.Config{}, fmt.Errorf("civitaifetch: parsing config file: %w", err)
	}
	return cfg, nil
}

func readFilterFile(path string) ([]string, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("civitaifetch: opening filter file: %w", err)
	}
	defer f.Close()
	list, err := config.ParseFilterList(f)
	if err != nil {
		return nil, fmt.Errorf("civitaifetch: parsing filter file: %w", err)
	}
	return list, nil
}

// trapSignals cancels ctx on SIGINT/SIGTERM, matching the pack's
// signal-context idiom (bodaay-HuggingFaceModelDownloader's signalContext).
func trapSignals(ctx context.Context, cancel context.CancelFunc, log *slog.Logger) {
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	go func() {
		select {
		case sig := <-sigCh:
			log.Warn("received signal, shutting down", "signal", sig)
			cancel()
		case <-ctx.Done():
		}
	}()
}

// pollEmergencyStop checks for the sentinel file every
// config.EmergencyStopPollInterval and cancels ctx the first time it is
// observed, flagging stopped so the exit code reflects exit code 3.
func pollEmergencyStop(ctx context.Context, cancel context.CancelFunc, root string, log *slog.Logger, stopped *atomic.Bool) {
	sentinel := filepath.Join(root, ".state", "emergency_stop")
	ticker := time.NewTicker(config.EmergencyStopPollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := os.Stat(sentinel); err == nil {
				log.Error("emergency stop sentinel observed, halting")
				stopped.Store(true)
				cancel()
				return
			}
		}
	}
}

// scanOrphanedTemps purges zero-size `.tmp` leftovers from a prior crash;
// non-empty ones are left for the Download Engine to resume on its next
// claim of the owning task.
func scanOrphanedTemps(root string, log *slog.Logger) {
	orphans, err := recovery.ScanOrphans(root)
	if err != nil {
		log.Warn("scanning orphaned temp files", "error", err)
		return
	}
	for _, o := range orphans {
		if o.Size == 0 {
			if err := recovery.PurgeOrphan(o.Path); err != nil {
				log.Warn("purging empty orphan", "path", o.Path, "error", err)
			}
			continue
		}
		log.Debug("leaving resumable orphan temp file for its owning task", "path", o.Path, "size", o.Size)
	}
}

// workerDeps bundles what a pipeline worker needs, avoiding a long
// positional parameter list to buildWorker.
type workerDeps struct {
	store        *storage.Store
	client       *civitai.Client
	governor     *ratelimit.Governor
	fetchEngine  *fetch.Engine
	verifier     *integrity.Verifier
	emitter      *events.Emitter
	logger       *slog.Logger
	retryMax     int
	skipExisting bool
	bytesCounter *atomic.Int64
}

// buildWorker returns a schedule.Worker implementing the per-task outcome
// handling (retry classification, three-strikes quarantine, metadata
// materialization on success) shared by both pipelines.
func buildWorker(d workerDeps) schedule.Worker {
	return func(ctx context.Context, task storage.Task) error {
		payload, err := storage.UnmarshalPayload(task.Payload)
		if err != nil {
			_ = d.store.Complete(task.ID, storage.StatusFailed, "unknown", err.Error())
			return err
		}

		if d.skipExisting {
			if _, err := os.Stat(payload.Destination); err == nil {
				_ = d.store.Complete(task.ID, storage.StatusSkipped, "", "")
				return nil
			}
		}

		declaredDigest := payload.Hashes["SHA256"]

		ch := fileChannelFor(task.Kind)
		if err := d.governor.AcquirePermit(ctx, ch); err != nil {
			return err
		}
		defer d.governor.ReleasePermit(ch)

		d.emitter.Emit(events.DownloadStarted(task.ID, string(task.Kind), payload.URL, payload.Destination))

		req := fetch.Request{
			TaskID:         task.ID,
			URL:            payload.URL,
			Destination:    payload.Destination,
			DeclaredSize:   payload.DeclaredSize,
			DeclaredSHA256: declaredDigest,
		}
		outcome, err := d.fetchEngine.Run(ctx, req, func(p fetch.Progress) {
			d.emitter.Emit(events.DownloadProgress(task.ID, p.BytesCompleted, p.BytesTotal))
		})
		if err != nil {
			return d.handleFailure(task, err, outcome)
		}

		if outcome.Skipped {
			_ = d.store.Complete(task.ID, storage.StatusSkipped, "", "")
			return nil
		}

		d.bytesCounter.Add(outcome.BytesMoved)
		_ = d.store.IncrementDailyBytes(outcome.BytesMoved)
		_ = d.store.IncrementDailyFiles()
		_ = d.store.Complete(task.ID, storage.StatusDone, "", "")
		d.emitter.Emit(events.DownloadCompleted(task.ID, outcome.BytesMoved, outcome.Duration))

		if task.Kind == storage.KindModelFile && payload.VersionID != 0 {
			d.materializeMetadata(ctx, payload, declaredDigest)
		}
		return nil
	}
}

// fileChannelFor maps a task's pipeline to the Rate Governor's shared
// file-transfer concurrency permit for that pipeline.
func fileChannelFor(kind storage.TaskKind) ratelimit.Channel {
	if storage.PipelineOf(kind) == storage.PipelineImage {
		return ratelimit.ChannelImageFile
	}
	return ratelimit.ChannelModelFile
}

func (d workerDeps) handleFailure(task storage.Task, err error, outcome fetch.Outcome) error {
	var classified *transport.ClassifiedError
	if !errors.As(err, &classified) {
		classified = transport.Classify(err, 0, 0)
	}
	attempt := task.Attempts + 1
	d.emitter.Emit(events.DownloadFailed(task.ID, string(classified.Class), classified.Error(), attempt))

	switch {
	case outcome.Quarantined:
		if d.verifier.StrikeCount(task.ID) >= 3 {
			_ = d.store.Complete(task.ID, storage.StatusQuarantined, string(classified.Class), classified.Error())
		} else {
			delay := transport.Backoff(classified.Class, attempt, classified.RetryAfter)
			_ = d.store.Requeue(task.ID, delay, string(classified.Class), classified.Error())
		}
	case !classified.Class.Retryable():
		_ = d.store.Complete(task.ID, storage.StatusFailed, string(classified.Class), classified.Error())
	case attempt >= d.retryMax:
		_ = d.store.Complete(task.ID, storage.StatusFailed, string(classified.Class), classified.Error())
	default:
		delay := transport.Backoff(classified.Class, attempt, classified.RetryAfter)
		_ = d.store.Requeue(task.ID, delay, string(classified.Class), classified.Error())
	}
	return classified
}

// materializeMetadata refetches the owning model/version to build
// description.md and the .civitai.info sidecar. Failures here are logged,
// never fail the already-completed download.
func (d workerDeps) materializeMetadata(ctx context.Context, payload storage.TaskPayload, digest string) {
	if err := d.governor.Acquire(ctx, ratelimit.ChannelModelAPI); err != nil {
		return
	}
	version, err := d.client.ModelVersion(ctx, payload.VersionID)
	if err != nil {
		d.logger.Warn("metadata: fetching version", "version_id", payload.VersionID, "error", err)
		return
	}
	if err := d.governor.Acquire(ctx, ratelimit.ChannelModelAPI); err != nil {
		return
	}
	model, err := d.client.Model(ctx, payload.ModelID)
	if err != nil {
		d.logger.Warn("metadata: fetching model", "model_id", payload.ModelID, "error", err)
		return
	}

	var file civitai.File
	for _, f := range version.Files {
		if f.DownloadURL == payload.URL {
			file = f
			break
		}
	}

	fetchedAt := time.Now()
	summary := metadata.BuildSummary(model, version, file, digest, fetchedAt)
	sidecar := metadata.SidecarInfo{
		ModelID:      model.ID,
		VersionID:    version.ID,
		Name:         model.Name,
		VersionName:  version.Name,
		BaseModel:    version.BaseModel,
		Type:         model.Type,
		TriggerWords: version.TrainedWords,
		Hashes:       file.Hashes,
		FileSizeKB:   file.SizeKB,
		FetchedAt:    fetchedAt,
		DownloadURL:  file.DownloadURL,
		WebURL:       summary.WebURL,
	}
	if err := metadata.Write(payload.Destination, summary, sidecar); err != nil {
		d.logger.Warn("metadata: writing sidecar", "destination", payload.Destination, "error", err)
	}
}

// statsLoop emits pipeline.stats once a second until ctx is cancelled.
func statsLoop(ctx context.Context, store *storage.Store, sched *schedule.Scheduler, gov *ratelimit.Governor, emitter *events.Emitter, bm *filter.BaseModel, bytesCounter *atomic.Int64) {
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			bytes := bytesCounter.Swap(0)
			throughputMbps := float64(bytes) * 8 / 1_000_000

			modelPending, _ := store.PendingCount(storage.PipelineModel)
			imagePending, _ := store.PendingCount(storage.PipelineImage)

			filterStats := bm.Stats()
			modelEv := events.PipelineStats("model", int(sched.Model.ActiveCount()), int(modelPending), throughputMbps, 0)
			modelEv.Fields["filter_accepted"] = filterStats.Accepted
			modelEv.Fields["filter_rejected"] = filterStats.Rejected
			emitter.Emit(modelEv)
			emitter.Emit(events.PipelineStats("image", int(sched.Image.ActiveCount()), int(imagePending), 0, 0))
			_ = gov.CurrentRate(ratelimit.ChannelModelAPI)
		}
	}
}

// waitForDrain blocks until both pipelines have no pending/in-flight work
// left, the supervisor has declared a global halt, or ctx is cancelled.
func waitForDrain(ctx context.Context, store *storage.Store, supervisor *recovery.Supervisor, log *slog.Logger) {
	ticker := time.NewTicker(2 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if supervisor.Halted() {
				log.Error("global halt declared, stopping without draining remaining tasks")
				return
			}
			modelPending, err := store.PendingCount(storage.PipelineModel)
			if err != nil {
				log.Warn("checking model pipeline pending count", "error", err)
				continue
			}
			imagePending, err := store.PendingCount(storage.PipelineImage)
			if err != nil {
				log.Warn("checking image pipeline pending count", "error", err)
				continue
			}
			if modelPending == 0 && imagePending == 0 {
				return
			}
		}
	}
}

// writeFailedSummary emits the shutdown report of every failed or
// quarantined task and returns the list for exit-code purposes.
func writeFailedSummary(store *storage.Store, root string) ([]storage.Task, error) {
	failed, err := store.FailedSummary()
	if err != nil {
		return nil, err
	}
	if len(failed) == 0 {
		return failed, nil
	}
	var b strings.Builder
	for _, t := range failed {
		fmt.Fprintf(&b, "%s\t%s\t%s\t%s\n", t.ID, t.Kind, t.LastErrorClass, t.LastErrorMessage)
	}
	path := filepath.Join(root, "failed.txt")
	if err := os.WriteFile(path, []byte(b.String()), 0o644); err != nil {
		return failed, fmt.Errorf("civitaifetch: writing %s: %w", path, err)
	}
	return failed, nil
}
