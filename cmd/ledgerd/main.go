package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"syscall"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/joho/godotenv"
	"golang.org/x/sync/errgroup"

	"github.com/dropDatabas3/ledgerkeys/internal/app"
	"github.com/dropDatabas3/ledgerkeys/internal/config"
	httpserver "github.com/dropDatabas3/ledgerkeys/internal/http"
	"github.com/dropDatabas3/ledgerkeys/internal/observability/logger"
	"github.com/dropDatabas3/ledgerkeys/internal/rotation"
)

func main() {
	var (
		flagEnvFile    = flag.String("env-file", ".env", "ruta a .env")
		flagConfigPath = flag.String("config", "", "ruta a config.yaml")
		flagMigrate    = flag.Bool("migrate", false, "aplica migraciones antes de arrancar (postgres)")
		flagNoWorker   = flag.Bool("no-worker", false, "no levanta el worker de verificación")
	)
	flag.Parse()

	if *flagEnvFile != "" {
		_ = godotenv.Load(*flagEnvFile)
	}
	cfg, err := config.Resolve(*flagConfigPath)
	if err != nil {
		// el logger todavía no tiene config
		logger.L().Fatal("config", logger.Err(err))
	}
	logger.Init(logger.Config{Env: cfg.App.Env, Level: cfg.App.LogLevel, ServiceName: "ledgerd"})
	defer func() { _ = logger.Sync() }()
	log := logger.L()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	ctx = logger.ToContext(ctx, log)

	ct, err := app.Build(ctx, cfg)
	if err != nil {
		log.Fatal("build", logger.Err(err))
	}
	defer ct.Close()

	if *flagMigrate {
		res, err := ct.Migrate(ctx)
		if err != nil {
			log.Fatal("migrate", logger.Err(err))
		}
		log.Info("migrations done", logger.Count(len(res.Applied)), logger.Duration(res.Duration))
	}

	var pool func() *pgxpool.Pool
	if ct.PG != nil {
		pool = ct.PG.Pool
	}
	metricsHandler, err := httpserver.RegisterMetrics(httpserver.MetricsConfig{Pool: pool})
	if err != nil {
		log.Fatal("metrics", logger.Err(err))
	}
	handler := httpserver.NewRouter(httpserver.Deps{
		Ledger:  ct.Ledger,
		CA:      ct.CA,
		Store:   ct.Store,
		Metrics: metricsHandler,
	})

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return httpserver.Serve(gctx, cfg.Server.Addr, handler)
	})
	if !*flagNoWorker {
		g.Go(func() error {
			return ct.Worker.Run(gctx, cfg.Worker.Interval)
		})
	}
	g.Go(func() error {
		return rotation.NewScheduler(ct.Rotation).Run(logger.ToContext(gctx, log.Named("rotation")), cfg.Rotation.Interval)
	})

	log.Info("ledgerd started",
		logger.String("addr", cfg.Server.Addr),
		logger.String("storage", cfg.Storage.Driver),
		logger.WorkerID(ct.Worker.ID()),
		logger.Bool("auto_certify", cfg.CA.AutoCertify),
	)
	if err := g.Wait(); err != nil {
		log.Error("ledgerd stopped with error", logger.Err(err))
		stop()
		_ = ct.Close()
		os.Exit(1)
	}
	log.Info("ledgerd stopped")
}
