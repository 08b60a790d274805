// Command syncengine runs connector syncs and reports connection
// health from the command line.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"gopkg.in/yaml.v3"

	"github.com/revlens/syncengine/pkg/config"
	"github.com/revlens/syncengine/pkg/connector"
	_ "github.com/revlens/syncengine/pkg/connector/gong"
	_ "github.com/revlens/syncengine/pkg/connector/hubspot"
	"github.com/revlens/syncengine/pkg/engine"
	"github.com/revlens/syncengine/pkg/errors"
	"github.com/revlens/syncengine/pkg/jsonx"
	"github.com/revlens/syncengine/pkg/logger"
	"github.com/revlens/syncengine/pkg/models"
	"github.com/revlens/syncengine/pkg/observability"
	"github.com/revlens/syncengine/pkg/store"
	"github.com/revlens/syncengine/pkg/store/memory"
	"github.com/revlens/syncengine/pkg/store/postgres"
)

var (
	configPath    string
	tenantID      string
	connectorName string
)

func main() {
	root := &cobra.Command{
		Use:           "syncengine",
		Short:         "Connector synchronization engine",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVarP(&configPath, "config", "c", "", "config file path")

	root.AddCommand(newSyncCmd(), newHealthCmd(), newConnectCmd(), newConnectorsCmd(), newConfigCmd())

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

// setup loads config, initializes logging and tracing, and opens the
// store. The returned cleanup flushes and closes everything.
func setup(ctx context.Context) (*config.Config, store.Store, func(), error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, nil, nil, err
	}

	if err := logger.Init(cfg.Logger); err != nil {
		return nil, nil, nil, errors.Wrap(err, errors.ErrorTypeConfig, "initializing logger")
	}

	shutdownTracing := func(context.Context) error { return nil }
	if cfg.Tracing.Enabled {
		shutdownTracing, err = observability.InitTracing(ctx, cfg.Tracing.SampleRatio)
		if err != nil {
			return nil, nil, nil, err
		}
	}

	var st store.Store
	var closeStore func()
	switch cfg.Storage.Backend {
	case "postgres":
		pg, err := postgres.Connect(ctx, cfg.Storage.PostgresDSN, logger.Get())
		if err != nil {
			return nil, nil, nil, err
		}
		if cfg.Storage.Migrate {
			if err := pg.Migrate(ctx); err != nil {
				pg.Close()
				return nil, nil, nil, err
			}
		}
		st = pg
		closeStore = pg.Close
	default:
		st = memory.New()
		closeStore = func() {}
	}

	cleanup := func() {
		closeStore()
		_ = shutdownTracing(context.Background())
		_ = logger.Sync()
	}
	return cfg, st, cleanup, nil
}

// buildEngine wires one engine for the named connector.
func buildEngine(cfg *config.Config, st store.Store) (*engine.Engine, error) {
	src, err := connector.Create(connectorName, connector.NewStaticCredentials())
	if err != nil {
		return nil, err
	}

	engCfg := engine.DefaultConfig()
	engCfg.Paginate = cfg.Paginate
	engCfg.Upsert = cfg.Upsert
	engCfg.DedupCacheTTL = cfg.Cache.TTL

	return engine.New(src, st, engCfg, logger.Get()), nil
}

func signalContext() context.Context {
	ctx, cancel := context.WithCancel(context.Background())
	ch := make(chan os.Signal, 1)
	signal.Notify(ch, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-ch
		cancel()
	}()
	return ctx
}

func newSyncCmd() *cobra.Command {
	var mode string

	cmd := &cobra.Command{
		Use:   "sync",
		Short: "Run a sync for one tenant and connector",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := signalContext()
			cfg, st, cleanup, err := setup(ctx)
			if err != nil {
				return err
			}
			defer cleanup()

			eng, err := buildEngine(cfg, st)
			if err != nil {
				return err
			}

			var res *models.SyncResult
			switch mode {
			case "initial":
				res, err = eng.InitialSync(ctx, tenantID)
			case "incremental":
				res, err = eng.IncrementalSync(ctx, tenantID)
			default:
				return errors.Newf(errors.ErrorTypeConfig, "unknown mode %q, want initial or incremental", mode)
			}
			if err != nil {
				return err
			}

			out, _ := jsonx.MarshalIndent(res, "", "  ")
			fmt.Println(string(out))

			if res.Failed() {
				return errors.New(errors.ErrorTypeInternal, "sync stored no records")
			}
			return nil
		},
	}

	cmd.Flags().StringVarP(&tenantID, "tenant", "t", "", "tenant ID")
	cmd.Flags().StringVarP(&connectorName, "connector", "n", "", "connector name")
	cmd.Flags().StringVarP(&mode, "mode", "m", "incremental", "sync mode: initial or incremental")
	_ = cmd.MarkFlagRequired("tenant")
	_ = cmd.MarkFlagRequired("connector")
	return cmd
}

func newHealthCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "health",
		Short: "Report connection health for one tenant and connector",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := signalContext()
			cfg, st, cleanup, err := setup(ctx)
			if err != nil {
				return err
			}
			defer cleanup()

			eng, err := buildEngine(cfg, st)
			if err != nil {
				return err
			}

			report, err := eng.Health(ctx, tenantID)
			if err != nil {
				return err
			}

			out, _ := jsonx.MarshalIndent(report, "", "  ")
			fmt.Println(string(out))
			return nil
		},
	}

	cmd.Flags().StringVarP(&tenantID, "tenant", "t", "", "tenant ID")
	cmd.Flags().StringVarP(&connectorName, "connector", "n", "", "connector name")
	_ = cmd.MarkFlagRequired("tenant")
	_ = cmd.MarkFlagRequired("connector")
	return cmd
}

func newConnectCmd() *cobra.Command {
	var credentialHandle string

	cmd := &cobra.Command{
		Use:   "connect",
		Short: "Validate a credential and create the connection",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := signalContext()
			cfg, st, cleanup, err := setup(ctx)
			if err != nil {
				return err
			}
			defer cleanup()

			eng, err := buildEngine(cfg, st)
			if err != nil {
				return err
			}

			conn, err := eng.Connect(ctx, tenantID, credentialHandle)
			if err != nil {
				return err
			}

			logger.Info("connected",
				zap.String("tenant_id", conn.TenantID),
				zap.String("connector", conn.ConnectorName),
				zap.String("connection_id", conn.ID))
			return nil
		},
	}

	cmd.Flags().StringVarP(&tenantID, "tenant", "t", "", "tenant ID")
	cmd.Flags().StringVarP(&connectorName, "connector", "n", "", "connector name")
	cmd.Flags().StringVar(&credentialHandle, "credential", "", "credential handle")
	_ = cmd.MarkFlagRequired("tenant")
	_ = cmd.MarkFlagRequired("connector")
	_ = cmd.MarkFlagRequired("credential")
	return cmd
}

func newConnectorsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "connectors",
		Short: "List registered connectors",
		Run: func(cmd *cobra.Command, args []string) {
			for _, name := range connector.Names() {
				fmt.Println(name)
			}
		},
	}
}

func newConfigCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Configuration helpers",
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "init",
		Short: "Print the default configuration as YAML",
		RunE: func(cmd *cobra.Command, args []string) error {
			out, err := yaml.Marshal(config.Default())
			if err != nil {
				return err
			}
			fmt.Print(string(out))
			return nil
		},
	})

	return cmd
}
