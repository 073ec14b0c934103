package main

import (
	"errors"
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"bulkload/internal/config"
	"bulkload/internal/job"
)

type jobReport struct {
	Job       string               `json:"job"`
	Sources   []runReport          `json:"sources"`
	Skipped   []string             `json:"skipped,omitempty"`
	Transform *job.TransformReport `json:"transform,omitempty"`
	ElapsedMS int64                `json:"elapsed_ms"`
}

func newRunCmd(a *app) *cobra.Command {
	var validateOnly bool
	cmd := &cobra.Command{
		Use:   "run JOB",
		Short: "Run a job file: several loads and an optional SQL transform",
		Long: `Run a YAML or JSON job file. Sources load in order over one backend
connection; the transform runs once every source succeeded.

The job's backend block overrides --backend and --dsn.`,
		Example: `  bulkload run nightly.yaml
  bulkload run --validate nightly.yaml`,
		Args: exactArgs(1, "one job file"),
		RunE: func(cmd *cobra.Command, args []string) error {
			j, err := config.LoadJob(a.fs, args[0])
			if err != nil {
				return err
			}

			issues := config.ValidateJob(j)
			for _, iss := range issues {
				fmt.Fprintln(a.errOut, iss.String())
			}
			if config.HasErrors(issues) {
				return usagef("job %s is invalid", args[0])
			}
			if validateOnly {
				fmt.Fprintf(a.out, "job %s is valid\n", args[0])
				return nil
			}

			r := &job.Runner{Open: a.open, Options: a.engineOptions(), Logger: a.logger}
			rep, runErr := r.Run(cmd.Context(), j, a.storageConfig())
			if len(rep.Sources) == 0 && runErr != nil {
				return runErr
			}
			if err := a.printJobReport(rep); err != nil {
				return err
			}
			if errors.Is(runErr, job.ErrSourcesFailed) {
				return errReported
			}
			return runErr
		},
	}
	cmd.Flags().BoolVar(&validateOnly, "validate", false, "validate the job file and exit")
	return cmd
}

func (a *app) printJobReport(rep job.Report) error {
	if a.output == "json" {
		out := jobReport{Job: rep.Job, Skipped: rep.Skipped, Transform: rep.Transform, ElapsedMS: rep.Elapsed.Milliseconds()}
		for _, s := range rep.Sources {
			out.Sources = append(out.Sources, newRunReport(s.Outcome))
		}
		return printJSON(a.out, out)
	}
	return printJobText(a.out, rep)
}

func printJobText(w io.Writer, rep job.Report) error {
	for _, s := range rep.Sources {
		fmt.Fprintf(w, "== %s\n", s.Name)
		if err := printOutcomeText(w, s.Outcome); err != nil {
			return err
		}
	}
	for _, name := range rep.Skipped {
		fmt.Fprintf(w, "== %s: skipped\n", name)
	}
	if t := rep.Transform; t != nil {
		fmt.Fprintf(w, "transform: %s (%d rows)\n", t.Table, t.Rows)
	}
	return nil
}
