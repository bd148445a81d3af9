package cli

import (
	"fmt"
	"os"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/seantiz/specrun/internal/agent"
	"github.com/seantiz/specrun/internal/config"
	"github.com/seantiz/specrun/internal/fixture/samples"
	"github.com/seantiz/specrun/internal/model"
	"github.com/seantiz/specrun/internal/project"
)

type engineOptions struct {
	listen      string
	system      string
	mode        string
	projectPath string
	timeout     time.Duration
}

// newEngineCmd is the child side of a process engine. The controller starts
// it with a private listen address and talks to it over that connection
// only; its stderr carries the engine log.
func newEngineCmd() *cobra.Command {
	var opts engineOptions
	cmd := &cobra.Command{
		Use:    "engine",
		Short:  "Run an engine for a controller to connect to",
		Hidden: true,
		Args:   cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runEngine(cmd, opts)
		},
	}
	f := cmd.Flags()
	f.StringVar(&opts.listen, "listen", "", "address to accept the controller on (unix:PATH or HOST:PORT)")
	f.StringVar(&opts.system, "system", "", "system to execute against")
	f.StringVar(&opts.mode, "mode", string(model.ModeBatch), "engine mode (batch or interactive)")
	f.StringVar(&opts.projectPath, "project", "", "project directory to load specifications from")
	f.DurationVar(&opts.timeout, "timeout", 0, "default deadline for a single specification run")
	_ = cmd.MarkFlagRequired("listen")
	_ = cmd.MarkFlagRequired("project")
	return cmd
}

func runEngine(cmd *cobra.Command, opts engineOptions) error {
	cfg := config.Load()
	log := config.NewEngineLogger(os.Stderr, cfg.LogLevel)

	timeout := opts.timeout
	if timeout <= 0 {
		timeout = cfg.SpecTimeout
	}
	mode, err := model.ParseEngineMode(opts.mode)
	if err != nil {
		return err
	}
	sys, err := samples.Systems().Resolve(opts.system)
	if err != nil {
		return err
	}
	catalog, err := project.LoadCatalog(opts.projectPath)
	if err != nil {
		return err
	}

	log.WithFields(logrus.Fields{
		"system":         sys.Name(),
		"mode":           mode,
		"listen":         opts.listen,
		"specifications": catalog.Len(),
	}).Info("engine starting")

	a := agent.New(sys, catalog, agent.Options{Mode: mode, Timeout: timeout, Logger: log})
	if err := agent.ListenAndServe(cmd.Context(), opts.listen, a); err != nil {
		return fmt.Errorf("engine: %w", err)
	}
	log.Info("engine stopped")
	return nil
}
