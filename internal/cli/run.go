package cli

import (
	"context"
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"

	"github.com/seantiz/specrun/internal/archive"
	"github.com/seantiz/specrun/internal/config"
	"github.com/seantiz/specrun/internal/model"
	"github.com/seantiz/specrun/internal/project"
	"github.com/seantiz/specrun/internal/report"
)

type runOptions struct {
	RunInput
	resultsPath      string
	clientModulePath string
	archive          bool
}

func newRunCmd() *cobra.Command {
	var opts runOptions
	cmd := &cobra.Command{
		Use:   "run <project>",
		Short: "Run a project's specifications once and report the results",
		Long: `Run every specification of the project that passes the lifecycle and
workspace filters, print a summary table and exit with a non-zero status if
any specification did not succeed.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			opts.complete(cmd, args)
			return runProject(cmd, opts)
		},
	}
	opts.bindFlags(cmd)
	f := cmd.Flags()
	f.StringVar(&opts.resultsPath, "results", "", "write the JSON results document to `FILE`")
	f.StringVar(&opts.clientModulePath, "client-module", "", "write the results document as a JavaScript module to `FILE`")
	f.BoolVar(&opts.archive, "archive", false, "upload the results document to the configured S3 bucket")
	return cmd
}

func runProject(cmd *cobra.Command, opts runOptions) error {
	ctx := cmd.Context()
	cfg := config.Load()
	logger := cfg.Logger(cmd.ErrOrStderr())

	p, err := opts.Project()
	if err != nil {
		return err
	}
	catalog, err := project.LoadCatalog(p.Path)
	if err != nil {
		return err
	}

	var archiver *archive.Archiver
	if opts.archive {
		if archiver, err = archive.NewMinIO(cfg.Archive); err != nil {
			return err
		}
	}

	ctrl := opts.BuildRemoteController(p, catalog, cfg, logger, cmd.ErrOrStderr())
	defer ctrl.Dispose()

	startup, err := ctrl.Start(model.ModeBatch).Await(ctx)
	if err != nil {
		return fmt.Errorf("start engine: %w", err)
	}

	res, err := opts.StartBatch(ctx, ctrl, catalog)
	if err != nil {
		return fmt.Errorf("run batch: %w", err)
	}
	doc := report.NewDocument(&res, startup.GrammarErrors)

	if err := writeFile(opts.resultsPath, doc, report.WriteJSON); err != nil {
		return err
	}
	if err := writeFile(opts.clientModulePath, doc, report.WriteClientModule); err != nil {
		return err
	}
	if archiver != nil {
		if err := archiveDocument(ctx, archiver, doc, cmd.OutOrStdout()); err != nil {
			return err
		}
	}

	out := cmd.OutOrStdout()
	writeGrammarErrors(out, doc.GrammarErrors)
	if err := report.Summary(out, &res); err != nil {
		return err
	}

	if failed := countFailed(&res); failed > 0 {
		return fmt.Errorf("%d of %d specifications did not succeed", failed, len(res.Records))
	}
	return nil
}

func archiveDocument(ctx context.Context, a *archive.Archiver, doc *report.Document, out io.Writer) error {
	if err := a.EnsureBucket(ctx); err != nil {
		return err
	}
	key, err := a.Archive(ctx, doc)
	if err != nil {
		return err
	}
	fmt.Fprintf(out, "results archived to %s\n", key)
	return nil
}

func writeFile(path string, doc *report.Document, write func(io.Writer, *report.Document) error) error {
	if path == "" {
		return nil
	}
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("create %s: %w", path, err)
	}
	if err := write(f, doc); err != nil {
		f.Close()
		return fmt.Errorf("write %s: %w", path, err)
	}
	return f.Close()
}

func writeGrammarErrors(w io.Writer, groups []report.FixtureErrors) {
	if len(groups) == 0 {
		return
	}
	fmt.Fprintln(w, "Grammar errors:")
	for _, g := range groups {
		for _, issue := range g.Grammars {
			for _, msg := range issue.Messages {
				fmt.Fprintf(w, "  - %s.%s: %s\n", g.Fixture, issue.Grammar, msg)
			}
		}
	}
	fmt.Fprintln(w)
}

func countFailed(res *model.BatchResult) int {
	n := 0
	for _, r := range res.Records {
		if !r.Succeeded() {
			n++
		}
	}
	return n
}
