package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	"github.com/dropDatabas3/ledgerkeys/internal/app"
	"github.com/dropDatabas3/ledgerkeys/internal/config"
	"github.com/dropDatabas3/ledgerkeys/internal/observability/logger"
)

// cli guarda los flags globales y construye el Container bajo demanda:
// gen-secretbox no necesita storage.
type cli struct {
	envFile    string
	configPath string
	out        string
}

func (c *cli) load() (*config.Config, error) {
	if c.envFile != "" {
		_ = godotenv.Load(c.envFile)
	}
	cfg, err := config.Resolve(c.configPath)
	if err != nil {
		return nil, fmt.Errorf("config: %w", err)
	}
	logger.Init(logger.Config{Env: cfg.App.Env, Level: cfg.App.LogLevel, ServiceName: "ledgerctl"})
	return cfg, nil
}

// run arma el Container, ejecuta fn y cierra. SIGINT/SIGTERM cancelan ctx.
func (c *cli) run(fn func(ctx context.Context, ct *app.Container) error) error {
	cfg, err := c.load()
	if err != nil {
		return err
	}
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	defer func() { _ = logger.Sync() }()

	if cfg.Storage.Driver == "memory" {
		logger.L().Warn("storage driver memory: el estado no persiste entre ejecuciones")
	}
	ct, err := app.Build(ctx, cfg)
	if err != nil {
		return err
	}
	defer ct.Close()
	return fn(ctx, ct)
}

func (c *cli) print(v any) error {
	if c.out == "json" {
		p, err := json.MarshalIndent(v, "", "  ")
		if err != nil {
			return err
		}
		fmt.Println(string(p))
		return nil
	}
	if s, ok := v.(fmt.Stringer); ok {
		fmt.Println(s.String())
		return nil
	}
	p, err := json.Marshal(v)
	if err != nil {
		return err
	}
	fmt.Println(string(p))
	return nil
}

func main() {
	c := &cli{
		envFile:    envOr("LEDGER_ENV_FILE", ".env"),
		configPath: envOr("LEDGER_CONFIG", ""),
		out:        envOr("LEDGER_OUT", "text"),
	}

	root := &cobra.Command{
		Use:          "ledgerctl",
		Short:        "CLI de operación: CA, rotación de claves, worker y migraciones",
		SilenceUsage: true,
	}
	root.PersistentFlags().StringVar(&c.envFile, "env-file", c.envFile, "ruta a .env (env LEDGER_ENV_FILE)")
	root.PersistentFlags().StringVar(&c.configPath, "config", c.configPath, "ruta a config.yaml (env LEDGER_CONFIG)")
	root.PersistentFlags().StringVar(&c.out, "out", c.out, "Formato de salida: json|text")

	root.AddCommand(caCmd(c), keysCmd(c), workerCmd(c), migrateCmd(c))

	if err := root.Execute(); err != nil {
		os.Exit(1)
	}
}

func migrateCmd(c *cli) *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Aplica las migraciones postgres pendientes",
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.run(func(ctx context.Context, ct *app.Container) error {
				if ct.PG == nil {
					return fmt.Errorf("migrate requiere storage.driver=postgres")
				}
				res, err := ct.Migrate(ctx)
				if err != nil {
					return err
				}
				return c.print(res)
			})
		},
	}
}

func envOr(k, d string) string {
	if v := os.Getenv(k); strings.TrimSpace(v) != "" {
		return v
	}
	return d
}
