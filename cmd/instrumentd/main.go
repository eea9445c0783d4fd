// instrumentd hosts managed objects and serves them to remote clients.
//
// It loads the configuration, opens the lifecycle journal and the optional
// call telemetry, starts the object manager on its transport endpoint, adds
// the objects declared in the configuration and serves the status API until
// interrupted.
package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/pflag"

	"github.com/nerrad567/instrumentd/internal/api"
	"github.com/nerrad567/instrumentd/internal/infrastructure/config"
	"github.com/nerrad567/instrumentd/internal/infrastructure/database"
	"github.com/nerrad567/instrumentd/internal/infrastructure/influxdb"
	"github.com/nerrad567/instrumentd/internal/infrastructure/logging"
	"github.com/nerrad567/instrumentd/internal/instruments/sim"
	"github.com/nerrad567/instrumentd/internal/journal"
	"github.com/nerrad567/instrumentd/internal/location"
	"github.com/nerrad567/instrumentd/internal/manager"
	"github.com/nerrad567/instrumentd/internal/object"
	"github.com/nerrad567/instrumentd/migrations"
)

// Version information, set at build time via ldflags:
// go build -ldflags "-X main.version=1.0.0 -X main.commit=abc123"
var (
	version = "dev"
	commit  = "unknown"
	date    = "unknown"
)

// defaultConfigPath is used when neither --config nor INSTRUMENTD_CONFIG is set.
// A missing file at this path falls back to the built-in defaults.
const defaultConfigPath = "configs/instrumentd.yaml"

// options are the command line flags.
type options struct {
	configPath string
	transport  string
	logLevel   string
	noAPI      bool
}

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	if err := run(ctx, os.Args[1:], os.Stdout); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

// parseFlags parses args. done is true when the invocation only printed
// help or version information.
func parseFlags(args []string, stdout io.Writer) (opts options, done bool, err error) {
	flagSet := pflag.NewFlagSet("instrumentd", pflag.ContinueOnError)
	flagSet.SetOutput(stdout)
	flagSet.StringVarP(&opts.configPath, "config", "c", "", "path to the YAML configuration (env INSTRUMENTD_CONFIG)")
	flagSet.StringVar(&opts.transport, "transport", "", "endpoint URL overriding manager.transport, e.g. ws://0.0.0.0:7666")
	flagSet.StringVar(&opts.logLevel, "log-level", "", "log level overriding logging.level")
	flagSet.BoolVar(&opts.noAPI, "no-api", false, "do not start the status API")
	showVersion := flagSet.Bool("version", false, "print version information and exit")
	flagSet.BoolP("help", "h", false, "show help")

	if err := flagSet.Parse(args); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return opts, true, nil
		}
		return opts, false, err
	}
	if help, _ := flagSet.GetBool("help"); help {
		fmt.Fprintln(stdout, "Usage: instrumentd [flags]")
		flagSet.PrintDefaults()
		return opts, true, nil
	}
	if *showVersion {
		fmt.Fprintf(stdout, "instrumentd %s (commit %s, built %s)\n", version, commit, date)
		return opts, true, nil
	}
	if flagSet.NArg() > 0 {
		return opts, false, fmt.Errorf("unexpected arguments: %v", flagSet.Args())
	}
	return opts, false, nil
}

// loadConfig resolves the configuration path and loads it. Only the implicit
// default path may be absent.
func loadConfig(opts options) (*config.Config, string, error) {
	path := opts.configPath
	if path == "" {
		path = os.Getenv("INSTRUMENTD_CONFIG")
	}

	var cfg *config.Config
	switch {
	case path != "":
		loaded, err := config.Load(path)
		if err != nil {
			return nil, path, err
		}
		cfg = loaded
	default:
		path = defaultConfigPath
		loaded, err := config.Load(path)
		switch {
		case err == nil:
			cfg = loaded
		case errors.Is(err, os.ErrNotExist):
			path = "(built-in defaults)"
			cfg = config.Default()
		default:
			return nil, path, err
		}
	}

	if opts.transport != "" {
		cfg.Manager.Transport = opts.transport
	}
	if opts.logLevel != "" {
		cfg.Logging.Level = opts.logLevel
	}
	if opts.noAPI {
		cfg.API.Enabled = false
	}
	return cfg, path, nil
}

// run is the application logic, separated from main for testability.
func run(ctx context.Context, args []string, stdout io.Writer) error {
	opts, done, err := parseFlags(args, stdout)
	if err != nil || done {
		return err
	}

	log := logging.Default()
	cfg, configPath, err := loadConfig(opts)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	log = logging.New(cfg.Logging, version)
	log.Info("starting instrumentd",
		"version", version,
		"commit", commit,
		"build_date", date,
		"config", configPath,
	)

	var (
		journals []manager.Journal
		history  journal.Repository
		checks   = make(map[string]api.HealthChecker)
	)

	if cfg.Database.Enabled {
		db, err := database.Open(cfg.Database)
		if err != nil {
			return fmt.Errorf("opening database: %w", err)
		}
		defer func() {
			log.Info("closing database")
			if closeErr := db.Close(); closeErr != nil {
				log.Error("error closing database", "error", closeErr)
			}
		}()
		if err := db.Migrate(ctx, migrations.FS); err != nil {
			return fmt.Errorf("running migrations: %w", err)
		}
		repo := journal.NewSQLiteRepository(db.DB)
		journals = append(journals, repo)
		history = repo
		checks["database"] = db
		log.Info("lifecycle journal ready", "path", db.Path())
	} else {
		log.Info("lifecycle journal disabled")
	}

	var influxClient *influxdb.Client
	if cfg.InfluxDB.Enabled {
		influxClient, err = influxdb.Connect(cfg.InfluxDB)
		if err != nil {
			return fmt.Errorf("connecting to InfluxDB: %w", err)
		}
		defer func() {
			log.Info("closing InfluxDB connection")
			if closeErr := influxClient.Close(); closeErr != nil {
				log.Error("error closing InfluxDB", "error", closeErr)
			}
		}()
		influxClient.SetOnError(func(err error) {
			log.Error("InfluxDB write error", "error", err)
		})
		journals = append(journals, influxClient)
		checks["influxdb"] = influxClient
		log.Info("InfluxDB connected",
			"url", cfg.InfluxDB.URL,
			"org", cfg.InfluxDB.Org,
			"bucket", cfg.InfluxDB.Bucket,
		)
	} else {
		log.Info("InfluxDB disabled")
	}

	catalog := object.NewCatalog()
	sim.Register(catalog)

	managerOpts := []manager.Option{
		manager.WithLogger(log.With("component", "manager")),
		manager.WithCatalog(catalog),
		manager.WithJournal(manager.Journals(journals...)),
	}
	if influxClient != nil {
		managerOpts = append(managerOpts, manager.WithRecorder(influxClient))
	}

	m, err := manager.New(ctx, cfg, managerOpts...)
	if err != nil {
		return fmt.Errorf("starting manager: %w", err)
	}
	log.Info("manager serving", "location", m.Location().String(), "endpoint", cfg.TransportURL())

	if err := addObjects(ctx, m, cfg.Objects, log); err != nil {
		_ = m.Shutdown(context.WithoutCancel(ctx))
		return err
	}

	if cfg.API.Enabled {
		srv, err := api.New(api.Deps{
			Config:  cfg.API,
			Logger:  log,
			Manager: m,
			Journal: history,
			Checks:  checks,
			Version: version,
		})
		if err != nil {
			_ = m.Shutdown(context.WithoutCancel(ctx))
			return fmt.Errorf("creating API server: %w", err)
		}
		if err := srv.Start(ctx); err != nil {
			_ = m.Shutdown(context.WithoutCancel(ctx))
			return fmt.Errorf("starting API server: %w", err)
		}
		defer func() {
			if closeErr := srv.Close(); closeErr != nil {
				log.Error("error closing API server", "error", closeErr)
			}
		}()
	}

	log.Info("instrumentd ready", "resources", m.Registry().Len())

	if err := m.Wait(ctx); err != nil {
		return fmt.Errorf("shutting down: %w", err)
	}
	log.Info("instrumentd stopped")
	return nil
}

// addObjects adds the configured objects. A declaration that cannot be added
// fails startup; an object that fails to start stays registered as stopped.
func addObjects(ctx context.Context, m *manager.Manager, objects []config.ObjectConfig, log *logging.Logger) error {
	for i, obj := range objects {
		loc, err := location.Parse(obj.Location)
		if err != nil {
			return fmt.Errorf("objects[%d]: %w", i, err)
		}
		p, err := m.AddLocation(ctx, loc, nil, false)
		if err != nil {
			return fmt.Errorf("objects[%d]: adding %s: %w", i, obj.Location, err)
		}
		if !obj.Autostart {
			continue
		}
		if err := m.Start(ctx, p.Location()); err != nil {
			log.Warn("object failed to start", "location", p.Location().String(), "error", err)
		}
	}
	return nil
}
