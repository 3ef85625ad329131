package cli

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/tOgg1/slurmssh/internal/db"
)

type historyEntry struct {
	JobID         string  `json:"job_id"`
	Name          string  `json:"name"`
	Host          string  `json:"host"`
	Status        string  `json:"status"`
	RawStatus     string  `json:"raw_status,omitempty"`
	Inferred      bool    `json:"inferred"`
	ErrorDetected bool    `json:"error_detected"`
	Polls         int     `json:"polls"`
	Script        string  `json:"script"`
	RemotePath    string  `json:"remote_path"`
	SubmittedAt   string  `json:"submitted_at"`
	FinishedAt    *string `json:"finished_at,omitempty"`
}

func newHistoryCmd(a *app) *cobra.Command {
	var (
		limit  int
		host   string
		status string
		asJSON bool
	)
	cmd := &cobra.Command{
		Use:   "history",
		Short: "List jobs submitted from this machine",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			path := a.cfg.HistoryPath()
			if _, err := os.Stat(path); os.IsNotExist(err) {
				if asJSON {
					return writeJSON(a.stdout, []historyEntry{})
				}
				fmt.Fprintln(a.stdout, "No jobs recorded.")
				return nil
			}

			store, err := db.Open(cmd.Context(), path)
			if err != nil {
				return fmt.Errorf("open job history: %w", err)
			}
			defer store.Close()

			jobs, err := db.NewJobRepository(store).List(cmd.Context(), db.JobFilter{
				Host:   host,
				Status: strings.ToUpper(strings.TrimSpace(status)),
				Limit:  limit,
			})
			if err != nil {
				return fmt.Errorf("list job history: %w", err)
			}

			if asJSON {
				entries := make([]historyEntry, 0, len(jobs))
				for _, j := range jobs {
					entries = append(entries, toHistoryEntry(j))
				}
				return writeJSON(a.stdout, entries)
			}
			if len(jobs) == 0 {
				fmt.Fprintln(a.stdout, "No jobs recorded.")
				return nil
			}

			color := isTerminal(a.stdout)
			rows := make([][]string, 0, len(jobs))
			for _, j := range jobs {
				st := colorStatus(j.Status, color)
				if j.Inferred {
					st += "*"
				}
				submitted := j.SubmittedAt
				rows = append(rows, []string{
					j.JobID,
					truncate(j.Name, 24),
					j.Host,
					st,
					formatYesNo(j.ErrorDetected),
					strconv.Itoa(j.PollCount),
					formatTime(&submitted),
					formatTime(j.FinishedAt),
				})
			}
			if err := writeTable(a.stdout, []string{"JOB", "NAME", "HOST", "STATUS", "ERRORS", "POLLS", "SUBMITTED", "FINISHED"}, rows); err != nil {
				return err
			}
			for _, j := range jobs {
				if j.Inferred {
					fmt.Fprintln(a.stdout, "\n* completion inferred from the job leaving the queue")
					break
				}
			}
			return nil
		},
	}
	cmd.Flags().IntVarP(&limit, "limit", "n", 20, "maximum number of jobs to show (0 for all)")
	cmd.Flags().StringVar(&host, "host", "", "only jobs on this host")
	cmd.Flags().StringVar(&status, "status", "", "only jobs with this status")
	cmd.Flags().BoolVar(&asJSON, "json", false, "print JSON")
	return cmd
}

func toHistoryEntry(j *db.JobRecord) historyEntry {
	e := historyEntry{
		JobID:         j.JobID,
		Name:          j.Name,
		Host:          j.Host,
		Status:        j.Status,
		RawStatus:     j.RawStatus,
		Inferred:      j.Inferred,
		ErrorDetected: j.ErrorDetected,
		Polls:         j.PollCount,
		Script:        j.Script,
		RemotePath:    j.RemotePath,
		SubmittedAt:   j.SubmittedAt.UTC().Format(time.RFC3339),
	}
	if j.FinishedAt != nil {
		s := j.FinishedAt.UTC().Format(time.RFC3339)
		e.FinishedAt = &s
	}
	return e
}
