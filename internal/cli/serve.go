package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/seantiz/specrun/internal/api"
	"github.com/seantiz/specrun/internal/archive"
	"github.com/seantiz/specrun/internal/config"
	"github.com/seantiz/specrun/internal/model"
	"github.com/seantiz/specrun/internal/project"
	"github.com/seantiz/specrun/internal/store"
)

type serveOptions struct {
	RunInput
	addr   string
	dbPath string
}

func newServeCmd() *cobra.Command {
	var opts serveOptions
	cmd := &cobra.Command{
		Use:   "serve <project>",
		Short: "Serve a project over HTTP with an interactive engine",
		Long: `Start an interactive engine for the project and expose it over an HTTP API:
queue state and progress streams, batch and single runs, saved specifications
and the record history.

The listen address and database default to SPECRUN_LISTEN_ADDR and
SPECRUN_DB_PATH. Finished batches are archived when SPECRUN_S3_ENDPOINT is set.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			opts.complete(cmd, args)
			return serveProject(cmd, opts)
		},
	}
	opts.bindFlags(cmd)
	cmd.Flags().StringVar(&opts.addr, "addr", "", "HTTP listen address")
	cmd.Flags().StringVar(&opts.dbPath, "db", "", "SQLite database path")
	return cmd
}

func serveProject(cmd *cobra.Command, opts serveOptions) error {
	ctx := cmd.Context()
	cfg := config.Load()
	if opts.addr != "" {
		cfg.ListenAddr = opts.addr
	}
	if opts.dbPath != "" {
		cfg.DBPath = opts.dbPath
	}
	logger := cfg.Logger(cmd.ErrOrStderr())

	logger.Info("specrun: starting",
		"project", opts.Path,
		"listen_addr", cfg.ListenAddr,
		"db_path", cfg.DBPath,
	)

	p, err := opts.Project()
	if err != nil {
		return err
	}
	catalog, err := project.LoadCatalog(p.Path)
	if err != nil {
		return err
	}

	db, err := store.NewSQLiteStore(cfg.DBPath)
	if err != nil {
		return fmt.Errorf("open database: %w", err)
	}
	defer db.Close()

	deps := api.Deps{Catalog: catalog, Store: db}
	if cfg.ArchiveEnabled() {
		archiver, err := archive.NewMinIO(cfg.Archive)
		if err != nil {
			return err
		}
		if err := archiver.EnsureBucket(ctx); err != nil {
			return err
		}
		deps.Archiver = archiver
	}

	ctrl := opts.BuildRemoteController(p, catalog, cfg, logger, cmd.ErrOrStderr())
	defer ctrl.Dispose()

	startup, err := ctrl.Start(model.ModeInteractive).Await(ctx)
	if err != nil {
		return fmt.Errorf("start engine: %w", err)
	}
	logger.Info("engine ready",
		"system", startup.SystemName,
		"pid", startup.PID,
		"fixtures", len(startup.Fixtures),
		"specifications", catalog.Len(),
	)

	deps.Controller = ctrl
	return api.NewServer(cfg.ListenAddr, deps, logger).Run(ctx)
}
