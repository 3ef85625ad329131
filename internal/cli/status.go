package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/tOgg1/slurmssh/internal/logging"
	"github.com/tOgg1/slurmssh/internal/runner"
	"github.com/tOgg1/slurmssh/internal/slurm"
)

type statusOutput struct {
	JobID  string `json:"job_id"`
	Host   string `json:"host"`
	Status string `json:"status"`
	Raw    string `json:"raw,omitempty"`
	Found  bool   `json:"found"`
	Source string `json:"source,omitempty"`
}

func newStatusCmd(a *app) *cobra.Command {
	var (
		conn   connectionFlags
		asJSON bool
	)
	cmd := &cobra.Command{
		Use:   "status JOBID",
		Short: "Query a job's state once",
		Long:  "Ask squeue, then sacct, for the job's current state and print it.",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			jobID := args[0]
			if !slurm.ValidJobID(jobID) {
				return fmt.Errorf("%w: %q", slurm.ErrInvalidJobID, jobID)
			}
			resolved, err := a.resolve(&conn, nil, nil)
			if err != nil {
				return err
			}
			dial, err := a.dialer()
			if err != nil {
				return err
			}

			r := runner.New(dial, runner.WithLogger(logging.Component("runner")))
			report, err := r.Status(cmd.Context(), resolved.Target, jobID, a.cfg.Job.SearchDirs)
			if err != nil {
				return err
			}

			out := statusOutput{
				JobID:  jobID,
				Host:   resolved.Target.Host,
				Status: string(report.Status),
				Raw:    report.Raw,
				Found:  report.Found,
				Source: report.Source,
			}
			if asJSON {
				return writeJSON(a.stdout, out)
			}

			if !report.Found {
				fmt.Fprintf(a.stdout, "Job %s is not known to squeue or sacct.\n", jobID)
				return nil
			}
			status := colorStatus(out.Status, isTerminal(a.stdout))
			if out.Raw != "" && out.Raw != out.Status {
				status += " (" + out.Raw + ")"
			}
			fmt.Fprintf(a.stdout, "Job %s: %s [%s]\n", jobID, status, out.Source)
			return nil
		},
	}
	conn.register(cmd.Flags())
	cmd.Flags().BoolVar(&asJSON, "json", false, "print JSON")
	return cmd
}
