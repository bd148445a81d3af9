package cli

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/spf13/cobra"

	"github.com/seantiz/specrun/internal/config"
	"github.com/seantiz/specrun/internal/fixture/samples"
	"github.com/seantiz/specrun/internal/model"
	"github.com/seantiz/specrun/internal/project"
	"github.com/seantiz/specrun/internal/remote"
)

// RunInput is the project selection shared by run and serve. Zero values
// keep the project manifest's settings.
type RunInput struct {
	Path      string
	Retries   int
	Lifecycle model.Lifecycle
	Workspace string
	System    string
	Timeout   time.Duration

	// InProcess runs the engine in this process instead of a child.
	InProcess bool
	// Attach connects to an engine already listening at this address.
	Attach string

	retriesSet bool
}

// bindFlags registers the project selection flags on cmd.
func (in *RunInput) bindFlags(cmd *cobra.Command) {
	f := cmd.Flags()
	f.IntVar(&in.Retries, "retries", 0, "times a specification that errored is run again")
	f.Var(&in.Lifecycle, "lifecycle", "only run specifications of this lifecycle (Acceptance or Regression)")
	f.StringVar(&in.Workspace, "workspace", "", "only run specifications in this suite or below it")
	f.StringVar(&in.Workspace, "suite", "", "alias for --workspace")
	f.StringVar(&in.System, "system", "", "system to run the specifications against")
	f.DurationVar(&in.Timeout, "timeout", 0, "deadline for a single specification run")
	f.BoolVar(&in.InProcess, "in-process", false, "run the engine inside this process")
	f.StringVar(&in.Attach, "attach", "", "connect to an engine listening at `ADDR` instead of starting one")
	cmd.MarkFlagsMutuallyExclusive("in-process", "attach")
}

// complete records the positional project path and which flags were set.
func (in *RunInput) complete(cmd *cobra.Command, args []string) {
	in.Path = args[0]
	in.retriesSet = cmd.Flags().Changed("retries")
}

// Project loads the project at Path and applies the flag overrides.
func (in RunInput) Project() (project.Project, error) {
	p, err := project.Load(in.Path)
	if err != nil {
		return project.Project{}, err
	}
	if in.retriesSet || in.Retries > 0 {
		if in.Retries < 0 {
			return project.Project{}, fmt.Errorf("--retries must not be negative")
		}
		p.MaxRetries = in.Retries
	}
	if in.Lifecycle != model.LifecycleAny {
		p.Lifecycle = in.Lifecycle
	}
	if in.Workspace != "" {
		p.Workspace = in.Workspace
	}
	if in.System != "" {
		p.SystemName = in.System
	}
	if in.Timeout > 0 {
		p.Timeout = in.Timeout
	}
	return p, nil
}

// BuildRemoteController returns a controller for p whose engine is started
// the way the input asks for.
func (in RunInput) BuildRemoteController(p project.Project, catalog *project.Catalog, cfg config.Config, logger *slog.Logger, stderr io.Writer) *remote.Controller {
	var launcher remote.Launcher
	switch {
	case in.Attach != "":
		launcher = &remote.Attach{Addr: in.Attach}
	case in.InProcess:
		launcher = &remote.InProcess{
			Systems: samples.Systems(),
			Source:  catalog,
			Logger:  config.NewEngineLogger(stderr, cfg.LogLevel),
		}
	default:
		launcher = &remote.Process{Logger: logger}
	}
	return remote.New(p, launcher, remote.Options{
		StartupTimeout: cfg.StartupTimeout,
		ShutdownGrace:  cfg.ShutdownGrace,
		Logger:         logger,
	})
}

// StartBatch runs every specification of the catalog that passes the
// project's filter and waits for the batch result.
func (in RunInput) StartBatch(ctx context.Context, ctrl *remote.Controller, catalog *project.Catalog) (model.BatchResult, error) {
	ids := catalog.Select(ctrl.Project().Filter())
	return ctrl.StartBatch(remote.BatchRequest{SpecIDs: ids}).Await(ctx)
}
