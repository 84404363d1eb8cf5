package app

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"catalyst-go/internal/access"
	"catalyst-go/internal/auth"
	"catalyst-go/internal/catalyst"
	"catalyst-go/internal/cluster"
	"catalyst-go/internal/config"
	"catalyst-go/internal/contentstore"
	"catalyst-go/internal/database"
	"catalyst-go/internal/denylist"
	"catalyst-go/internal/encryption"
	"catalyst-go/internal/queue"
	"catalyst-go/internal/scheduler"
	"catalyst-go/internal/server"
	"catalyst-go/internal/staging"
)

// PassphraseFunc supplies the key passphrase when storage is encrypted.
type PassphraseFunc func() (string, error)

// App is the application layer between the CLI and the catalyst service.
// It constructs all dependencies from config and owns their lifecycle.
type App struct {
	cfg       *config.Config
	op        *Operation
	registry  *prometheus.Registry
	queue     *queue.Queue
	db        *database.SQLiteDatabase
	store     catalyst.ContentStore
	staging   *staging.Area
	failed    *catalyst.FailedDeployments
	gc        *catalyst.GarbageCollector
	snapshots *catalyst.Snapshots
	service   *catalyst.Service
	sync      *cluster.Synchronizer
	clock     catalyst.Clock
	logger    catalyst.Logger
	logFile   *os.File
}

// New creates a fully wired App from the given config. operation names the
// CLI command being run (e.g. "serve", "gc"). passphrase is only called when
// storage is encrypted. The caller must call Close when done.
func New(ctx context.Context, cfg *config.Config, operation string, passphrase PassphraseFunc) (*App, error) {
	clock := catalyst.RealClock{}
	op := NewOperation(operation, clock.Now())

	level, err := parseLevel(cfg.LogLevel)
	if err != nil {
		return nil, err
	}
	slogger, logFile, err := newLogger(cfg.LogDir, cfg.NodeID, level)
	if err != nil {
		return nil, fmt.Errorf("creating logger: %w", err)
	}
	logger := &slogAdapter{l: slogger.With("op", op.ID)}

	a := &App{cfg: cfg, op: op, clock: clock, logger: logger, logFile: logFile}
	if err := a.wire(ctx, passphrase); err != nil {
		a.Close()
		return nil, err
	}
	logger.Info("node ready", "operation", operation, "storage", cfg.Storage.Type, "encrypted", cfg.Storage.Encrypted)
	return a, nil
}

func (a *App) wire(ctx context.Context, passphrase PassphraseFunc) error {
	cfg := a.cfg

	a.registry = prometheus.NewRegistry()
	a.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	metrics := catalyst.NewMetrics(a.registry)

	a.queue = queue.New(queue.Config{
		MaxConcurrent: cfg.Queue.MaxConcurrent,
		MaxQueued:     cfg.Queue.MaxQueued,
	}, queue.NewMetrics(a.registry))

	db, err := database.NewDatabaseFromConfig(cfg.Database, cfg.NodeID, a.queue)
	if err != nil {
		return fmt.Errorf("creating database: %w", err)
	}
	a.db = db
	if err := db.CheckMigrations(); err != nil {
		return fmt.Errorf("database schema out of date: %w", err)
	}

	var cipher encryption.Cipher
	if cfg.Storage.Encrypted {
		if cipher, err = unlock(cfg.Encryption, passphrase); err != nil {
			return err
		}
	}
	if a.store, err = contentstore.NewContentStoreFromConfig(ctx, cfg.Storage, cipher); err != nil {
		return fmt.Errorf("creating content store: %w", err)
	}

	if a.staging, err = staging.NewStagingAreaFromConfig(cfg.Staging, catalyst.UUIDGenerator{}); err != nil {
		return fmt.Errorf("creating staging area: %w", err)
	}

	deny, err := denylist.NewDenylistFromConfig(ctx, cfg.Denylist, db)
	if err != nil {
		return fmt.Errorf("creating denylist: %w", err)
	}
	accessChecker, err := access.NewAccessCheckerFromConfig(cfg.Access)
	if err != nil {
		return fmt.Errorf("creating access checker: %w", err)
	}

	var syncChecks catalyst.Check
	if len(cfg.Validation.SyncChecks) > 0 {
		if syncChecks, err = catalyst.ParseChecks(cfg.Validation.SyncChecks); err != nil {
			return fmt.Errorf("reading validation.sync_checks: %w", err)
		}
	}

	maxRequest := cfg.Validation.MaxRequestSize
	if maxRequest <= 0 || maxRequest > a.staging.MaxSize() {
		maxRequest = a.staging.MaxSize()
	}
	if maxRequest == a.staging.MaxSize() {
		a.logger.Warn("validation.max_request_size is not below staging.max_size; oversized uploads are refused before validation",
			"max_request_size", maxRequest)
	}

	verifier := auth.Verifier{}
	validator := catalyst.NewValidator(catalyst.ValidatorConfig{
		MaxRequestSize:     maxRequest,
		SignatureWindow:    cfg.Validation.SignatureWindow.Duration,
		FreshnessTolerance: cfg.Validation.FreshnessTolerance.Duration,
	}, db, a.store, deny, accessChecker, verifier)

	pins := catalyst.NewPins()
	a.failed = catalyst.NewFailedDeployments(db, a.clock)
	deployer := catalyst.NewDeployer(db, a.store, validator, a.failed, pins, a.clock, metrics, a.logger)
	a.gc = catalyst.NewGarbageCollector(db, a.store, pins, cfg.GC.Grace.Duration, a.clock, metrics, a.logger)
	a.snapshots = catalyst.NewSnapshots(catalyst.SnapshotConfig{
		Interval:         cfg.Snapshots.RangeSize.Duration,
		CompactionFactor: cfg.Snapshots.CompactionFactor,
	}, db, a.store, pins, a.clock, metrics, a.logger)

	a.service = catalyst.NewService(cfg.NodeID, catalyst.ServiceDeps{
		DB:        db,
		Store:     a.store,
		Denylist:  deny,
		Deployer:  deployer,
		Failed:    a.failed,
		Snapshots: a.snapshots,
		Admins:    auth.NewAdminAuthorizer(verifier, a.clock, cfg.Denylist.AdminAddresses),
		Queue:     a.queue,
		Clock:     a.clock,
		Logger:    a.logger,

		SignatureWindow: cfg.Validation.SignatureWindow.Duration,
	})

	a.sync, err = cluster.NewSynchronizer(cluster.SyncConfig{
		PageSize:          cfg.Sync.PageSize,
		ParallelDownloads: cfg.Sync.ParallelDownloads,
		RetryAfter:        cfg.Sync.RetryAfter.Duration,
		Checks:            syncChecks,
	}, cluster.SyncDeps{
		Discovery: cluster.NewStaticDiscovery(cfg.Sync.Peers, cfg.NodeID, cfg.Server.PublicURL),
		Client:    cluster.NewClient(&http.Client{}, cfg.Sync.FetchTimeout.Duration),
		DB:        db,
		Store:     a.store,
		Deployer:  deployer,
		Failed:    a.failed,
		Staging:   a.staging,
		Clock:     a.clock,
		Metrics:   metrics,
		Logger:    a.logger,
	})
	if err != nil {
		return fmt.Errorf("creating synchronizer: %w", err)
	}
	return nil
}

func unlock(cfg config.EncryptionConfig, passphrase PassphraseFunc) (encryption.Cipher, error) {
	keyring, err := encryption.NewKeyringFromConfig(cfg)
	if err != nil {
		return nil, fmt.Errorf("creating keyring: %w", err)
	}
	if !keyring.IsConfigured() {
		return nil, errors.New("storage is encrypted but no keys exist: run 'catalyst keys init'")
	}
	if passphrase == nil {
		return nil, errors.New("storage is encrypted but no passphrase source was given")
	}
	pass, err := passphrase()
	if err != nil {
		return nil, fmt.Errorf("reading passphrase: %w", err)
	}
	cipher, err := keyring.Unlock(pass)
	if err != nil {
		return nil, fmt.Errorf("unlocking keys: %w", err)
	}
	return cipher, nil
}

// Service exposes the wired catalyst service.
func (a *App) Service() *catalyst.Service {
	return a.service
}

// Serve runs the HTTP API and the periodic tasks until ctx is cancelled.
func (a *App) Serve(ctx context.Context) error {
	if err := a.staging.Reset(); err != nil {
		return fmt.Errorf("clearing staging area: %w", err)
	}

	sched, err := a.newScheduler()
	if err != nil {
		return err
	}
	if err := sched.Start(ctx); err != nil {
		return err
	}
	go func() {
		for r := range sched.Results() {
			if r.Err == nil {
				a.logger.Info("task finished", "task", r.Task, "duration", r.Duration)
			}
		}
	}()

	srv := server.New(server.Deps{
		Service:  a.service,
		Staging:  a.staging,
		Sync:     a.sync,
		Gatherer: a.registry,
		Logger:   a.logger,
	})
	grace := a.cfg.Server.ShutdownGrace.Duration
	serveErr := srv.ListenAndServe(ctx, a.cfg.Server.Address, grace)

	if err := sched.Stop(grace); err != nil {
		a.logger.Warn("stopping scheduler", "error", err)
	}
	return serveErr
}

func (a *App) newScheduler() (*scheduler.Scheduler, error) {
	sched := scheduler.New(a.logger, 16)
	var tasks []scheduler.Task
	if a.cfg.GC.Enabled {
		tasks = append(tasks, scheduler.Task{Name: "gc", Interval: a.cfg.GC.Interval.Duration, Run: func(ctx context.Context) error {
			_, err := a.gc.Sweep(ctx)
			return err
		}})
	}
	if a.cfg.Snapshots.Enabled {
		tasks = append(tasks, scheduler.Task{Name: "snapshots", Interval: a.cfg.Snapshots.Interval.Duration, RunAtStart: true, Run: func(ctx context.Context) error {
			_, err := a.snapshots.Generate(ctx)
			return err
		}})
	}
	if a.cfg.Sync.Enabled {
		tasks = append(tasks, scheduler.Task{Name: "sync", Interval: a.cfg.Sync.Interval.Duration, RunAtStart: true, Run: func(ctx context.Context) error {
			_, err := a.sync.SyncOnce(ctx)
			if errors.Is(err, cluster.ErrSyncInProgress) {
				return nil
			}
			return err
		}})
	}
	for _, t := range tasks {
		if err := sched.Add(t); err != nil {
			return nil, fmt.Errorf("scheduling %s: %w", t.Name, err)
		}
	}
	return sched, nil
}

// RunGC performs one garbage collection sweep.
func (a *App) RunGC(ctx context.Context) (*catalyst.GCResult, error) {
	return a.gc.Sweep(ctx)
}

// GenerateSnapshots writes the snapshots that are due.
func (a *App) GenerateSnapshots(ctx context.Context) ([]*catalyst.Snapshot, error) {
	return a.snapshots.Generate(ctx)
}

// SyncOnce runs a single synchronization cycle against every peer.
func (a *App) SyncOnce(ctx context.Context) (*cluster.SyncResult, error) {
	return a.sync.SyncOnce(ctx)
}

// SyncStatus reports the last cycle against each peer.
func (a *App) SyncStatus() []cluster.PeerStatus {
	return a.sync.Status()
}

func (a *App) ListFailed(ctx context.Context) ([]*catalyst.FailedDeployment, error) {
	return a.service.ListFailedDeployments(ctx)
}

func (a *App) ClearFailed(ctx context.Context, entityID string, entityType catalyst.EntityType) error {
	return a.service.ClearFailedDeployment(ctx, entityID, entityType)
}

func (a *App) RetryFailed(ctx context.Context, entityID string, entityType catalyst.EntityType) (*catalyst.DeploymentResult, error) {
	return a.sync.RetryFailed(ctx, entityID, entityType)
}

func (a *App) ListDenylist(ctx context.Context) ([]*catalyst.DenylistEntry, error) {
	return a.service.ListDenylist(ctx)
}

// ChangeDenylist signs and applies a denylist change with an administrator
// identity.
func (a *App) ChangeDenylist(ctx context.Context, action catalyst.DenylistAction, target catalyst.DenylistTarget, admin *auth.Identity) error {
	ts := catalyst.NowMillis(a.clock)
	chain, err := admin.SignChain(catalyst.DenylistPayload(action, target, ts))
	if err != nil {
		return fmt.Errorf("signing denylist change: %w", err)
	}
	return a.service.ChangeDenylist(ctx, action, target, ts, chain)
}

// BackupDatabase writes a consistent copy of the index to destPath.
func (a *App) BackupDatabase(ctx context.Context, destPath string) error {
	if _, err := os.Stat(destPath); err == nil {
		return fmt.Errorf("%s already exists", destPath)
	}
	return a.db.BackupTo(ctx, destPath)
}

// Close drains the queue and releases every resource.
func (a *App) Close() error {
	var errs []error
	if a.sync != nil {
		a.sync.Close()
	}
	if a.queue != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		if err := a.queue.Close(ctx); err != nil {
			errs = append(errs, fmt.Errorf("draining query queue: %w", err))
		}
		cancel()
	}
	if a.db != nil {
		if err := a.db.Close(); err != nil {
			errs = append(errs, fmt.Errorf("closing database: %w", err))
		}
	}
	a.logger.Info("operation finished", "elapsed", a.op.Elapsed(a.clock.Now()))
	if a.logFile != nil {
		a.logFile.Close()
	}
	return errors.Join(errs...)
}

// InitKeys generates the storage key pair. Existing keys are never replaced.
func InitKeys(cfg *config.Config, passphrase string) error {
	keyring, err := encryption.NewKeyringFromConfig(cfg.Encryption)
	if err != nil {
		return fmt.Errorf("creating keyring: %w", err)
	}
	if keyring.IsConfigured() {
		return errors.New("keys already exist")
	}
	if passphrase == "" {
		return errors.New("passphrase must not be empty")
	}
	if err := keyring.Setup(passphrase); err != nil {
		return fmt.Errorf("generating keys: %w", err)
	}
	return nil
}
