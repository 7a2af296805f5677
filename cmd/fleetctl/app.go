package main

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/exaring/otelpgx"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	"github.com/ahrav/fleet-armada/internal/app/controlplane"
	"github.com/ahrav/fleet-armada/internal/app/provisioning"
	"github.com/ahrav/fleet-armada/internal/app/reachability"
	"github.com/ahrav/fleet-armada/internal/app/taskengine"
	"github.com/ahrav/fleet-armada/internal/app/upload"
	"github.com/ahrav/fleet-armada/internal/config"
	"github.com/ahrav/fleet-armada/internal/config/credentials"
	memcreds "github.com/ahrav/fleet-armada/internal/config/credentials/memory"
	"github.com/ahrav/fleet-armada/internal/config/credentials/sqlite"
	"github.com/ahrav/fleet-armada/internal/config/fileloader"
	"github.com/ahrav/fleet-armada/internal/domain/task"
	"github.com/ahrav/fleet-armada/internal/infra/channelpool"
	"github.com/ahrav/fleet-armada/internal/infra/eventbus/kafka"
	membus "github.com/ahrav/fleet-armada/internal/infra/eventbus/memory"
	"github.com/ahrav/fleet-armada/internal/infra/eventbus/reliability"
	"github.com/ahrav/fleet-armada/internal/infra/scripts"
	"github.com/ahrav/fleet-armada/internal/infra/ssh"
	"github.com/ahrav/fleet-armada/internal/infra/storage/records"
	memstore "github.com/ahrav/fleet-armada/internal/infra/storage/records/memory"
	pgstore "github.com/ahrav/fleet-armada/internal/infra/storage/records/postgres"
	"github.com/ahrav/fleet-armada/pkg/common"
	"github.com/ahrav/fleet-armada/pkg/common/logger"
	"github.com/ahrav/fleet-armada/pkg/common/otel"
)

// app is the composition root shared by every command that drives the
// control plane.
type app struct {
	svc *controlplane.Service
	log *logger.Logger

	// closers run in reverse order on shutdown.
	closers []func(ctx context.Context)
}

func (a *app) onClose(fn func(ctx context.Context)) { a.closers = append(a.closers, fn) }

// Close waits for in-flight background work and releases resources.
func (a *app) Close(ctx context.Context) {
	if a.svc != nil {
		a.svc.Wait()
	}
	for i := len(a.closers) - 1; i >= 0; i-- {
		a.closers[i](ctx)
	}
}

func initTelemetry(log *logger.Logger, cfg config.TelemetryConfig) (otel.Providers, error) {
	if cfg.Endpoint == "" {
		return otel.NoopProviders(), nil
	}
	hostname, _ := os.Hostname()
	return otel.InitTelemetry(log, otel.Config{
		ServiceName:      serviceType,
		ServiceVersion:   build,
		ExporterEndpoint: cfg.Endpoint,
		Probability:      cfg.Probability,
		ResourceAttributes: map[string]string{
			"library.language": "go",
			"host.name":        hostname,
		},
		InsecureExporter: cfg.Insecure,
	})
}

func openPostgres(ctx context.Context, log *logger.Logger, dsn string) (*pgxpool.Pool, error) {
	poolCfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("parsing db config: %w", err)
	}
	poolCfg.MinConns = 1
	poolCfg.MaxConns = 10
	poolCfg.ConnConfig.Tracer = otelpgx.NewTracer()

	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("creating db pool: %w", err)
	}
	if err := common.RetryWithBackoff(ctx, log, "postgres ping", common.DefaultRetryConfig(), pool.Ping); err != nil {
		pool.Close()
		return nil, err
	}
	return pool, nil
}

func newRecordStore(ctx context.Context, a *app, cfg config.StoreConfig, tracer trace.Tracer) (records.Store, error) {
	switch cfg.Driver {
	case config.StoreDriverPostgres:
		pool, err := openPostgres(ctx, a.log, cfg.DSN)
		if err != nil {
			return nil, err
		}
		a.onClose(func(context.Context) { pool.Close() })

		store := pgstore.NewStore(pool, tracer)
		sweepCtx, cancel := context.WithCancel(context.Background())
		go store.RunSweeper(sweepCtx, cfg.SweepInterval, func(err error) {
			a.log.Warn(sweepCtx, "record sweep failed", "error", err)
		})
		a.onClose(func(context.Context) { cancel() })
		return store, nil

	default:
		store := memstore.NewStore()
		ticker := time.NewTicker(cfg.SweepInterval)
		done := make(chan struct{})
		go func() {
			for {
				select {
				case <-ticker.C:
					store.Sweep()
				case <-done:
					return
				}
			}
		}()
		a.onClose(func(context.Context) {
			ticker.Stop()
			close(done)
		})
		return store, nil
	}
}

func newCredentialStore(ctx context.Context, a *app, cfg config.InventoryConfig, tracer trace.Tracer) (credentials.Store, error) {
	switch cfg.Driver {
	case config.InventoryDriverSQLite:
		store, err := sqlite.Open(ctx, cfg.Path, tracer)
		if err != nil {
			return nil, err
		}
		a.onClose(func(context.Context) { _ = store.Close() })
		return store, nil
	default:
		return memcreds.NewFromLoader(ctx, fileloader.NewFileLoader(cfg.Path))
	}
}

func newPublisher(ctx context.Context, a *app, cfg config.KafkaConfig, mp metric.MeterProvider, tracer trace.Tracer) (task.EventPublisher, error) {
	if len(cfg.Brokers) == 0 {
		broker := membus.NewBroker()
		subCtx, cancel := context.WithCancel(context.Background())
		a.onClose(func(context.Context) { cancel() })
		err := broker.Subscribe(subCtx, func(evt task.Event) error {
			a.log.Debug(subCtx, "task event",
				"task_id", evt.TaskID,
				"status", evt.Status.String(),
				"progress", evt.Progress,
			)
			return nil
		})
		return broker, err
	}

	metrics, err := kafka.NewPublisherMetrics(mp)
	if err != nil {
		return nil, fmt.Errorf("creating kafka metrics: %w", err)
	}
	pub, err := kafka.Connect(ctx, kafka.Config{
		Brokers:  cfg.Brokers,
		Topic:    cfg.Topic,
		ClientID: cfg.ClientID,
	}, a.log, metrics, tracer)
	if err != nil {
		return nil, err
	}
	a.onClose(func(ctx context.Context) {
		if err := pub.Close(); err != nil {
			a.log.Warn(ctx, "closing kafka producer", "error", err)
		}
	})
	return reliability.NewRetryingPublisher(pub, reliability.DefaultRetryConfig(), a.log), nil
}

func newEngines(
	cfg config.EngineConfig,
	repo task.Repository,
	publisher task.EventPublisher,
	mp metric.MeterProvider,
	log *logger.Logger,
	tracer trace.Tracer,
) (initE, portE, deployE *taskengine.Engine, err error) {
	metrics, err := taskengine.NewEngineMetrics(mp)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("creating engine metrics: %w", err)
	}
	newEngine := func(c taskengine.Config) *taskengine.Engine {
		if cfg.MaxConcurrent > 0 {
			c.MaxConcurrent = cfg.MaxConcurrent
		}
		return taskengine.New(c, repo, log, tracer,
			taskengine.WithPublisher(publisher),
			taskengine.WithMetrics(metrics),
		)
	}
	return newEngine(taskengine.InitConfig()), newEngine(taskengine.PortCheckConfig()), newEngine(taskengine.DeployConfig()), nil
}

// newApp wires the control plane from cfg. The caller must Close the result.
func newApp(ctx context.Context, cfg *config.Config, log *logger.Logger) (_ *app, err error) {
	a := &app{log: log}
	defer func() {
		if err != nil {
			a.Close(ctx)
		}
	}()

	providers, err := initTelemetry(log, cfg.Telemetry)
	if err != nil {
		return nil, fmt.Errorf("starting telemetry: %w", err)
	}
	a.onClose(providers.Shutdown)
	tracer := providers.Tracer.Tracer(serviceType)
	mp := providers.Meter

	store, err := newRecordStore(ctx, a, cfg.Store, tracer)
	if err != nil {
		return nil, err
	}
	creds, err := newCredentialStore(ctx, a, cfg.Inventory, tracer)
	if err != nil {
		return nil, fmt.Errorf("loading machine inventory: %w", err)
	}
	publisher, err := newPublisher(ctx, a, cfg.Kafka, mp, tracer)
	if err != nil {
		return nil, fmt.Errorf("starting task event publisher: %w", err)
	}

	initE, portE, deployE, err := newEngines(cfg.Engine, records.NewTaskRepository(store), publisher, mp, log, tracer)
	if err != nil {
		return nil, err
	}

	sshCfg := ssh.DefaultConfig()
	sshCfg.KnownHostsPath = cfg.SSH.KnownHostsPath
	dialer := ssh.NewDialer(sshCfg, log, tracer)
	pool := channelpool.New(channelpool.DefaultConfig(), dialer.Open, log, tracer)
	a.onClose(func(context.Context) { pool.Close() })

	installer, err := provisioning.NewInstaller(scripts.FS(), log, tracer)
	if err != nil {
		return nil, fmt.Errorf("loading install scripts: %w", err)
	}

	scannerMetrics, err := reachability.NewScannerMetrics(mp)
	if err != nil {
		return nil, fmt.Errorf("creating scanner metrics: %w", err)
	}
	scanner := reachability.NewScanner(reachability.Config{
		MaxInFlight:     cfg.Scanner.MaxInFlight,
		ProbesPerSecond: cfg.Scanner.ProbesPerSecond,
		Burst:           cfg.Scanner.Burst,
	}, reachability.TCPProber{Timeout: reachability.DefaultProbeTimeout}, scannerMetrics, log, tracer)

	uploadMetrics, err := upload.NewCoordinatorMetrics(mp)
	if err != nil {
		return nil, fmt.Errorf("creating upload metrics: %w", err)
	}
	uploads := upload.NewCoordinator(upload.Config{
		TempDir:           cfg.Upload.TempDir,
		ProjectDir:        cfg.Upload.ProjectDir,
		MaxParallelWrites: cfg.Upload.MaxParallelWrites,
	}, records.NewUploadRepository(store), uploadMetrics, log, tracer)

	svc, err := controlplane.New(controlplane.Deps{
		Credentials:    creds,
		Channels:       pool,
		Opener:         dialer,
		Classifier:     provisioning.NewClassifier(provisioning.DefaultStrategyRegistry(), log, tracer),
		Installer:      installer,
		Scanner:        scanner,
		Uploads:        uploads,
		InitTasks:      initE,
		PortCheckTasks: portE,
		DeployTasks:    deployE,
	}, log, tracer)
	if err != nil {
		return nil, err
	}
	a.svc = svc
	return a, nil
}
