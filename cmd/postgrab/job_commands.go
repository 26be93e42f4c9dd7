package main

import (
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/spf13/cobra"

	"github.com/JakeFAU/postgrab/internal/app"
	"github.com/JakeFAU/postgrab/internal/grabber"
	"github.com/JakeFAU/postgrab/internal/intake"
)

func newSubmitCommand(ctx *commandContext) *cobra.Command {
	var domainID string
	var mediaURL string
	var asJSON bool
	cmd := &cobra.Command{
		Use:   "submit <post-url>",
		Short: "Queue a post URL for grabbing",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return ctx.withApp(cmd.Context(), app.Options{}, func(a *app.App) error {
				job, err := a.Intake.CreateJob(cmd.Context(), intake.Submission{
					URL:          args[0],
					DomainID:     domainID,
					ExtractedURL: mediaURL,
				})
				var dup *intake.DuplicateError
				if errors.As(err, &dup) {
					return fmt.Errorf("%s: job %s is already %s", dup.Code, dup.JobID, dup.Status)
				}
				if err != nil {
					return err
				}
				if asJSON {
					return writeJSON(cmd, job)
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Queued job %s (%s)\n", job.ID, job.CanonicalURL)
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&domainID, "domain", "", "Override the domain id used for grouping")
	cmd.Flags().StringVar(&mediaURL, "media-url", "", "Pin the media URL and skip extraction")
	cmd.Flags().BoolVar(&asJSON, "json", false, "Print the job as JSON")
	return cmd
}

func newRetryCommand(ctx *commandContext) *cobra.Command {
	return &cobra.Command{
		Use:   "retry <job-id> <media-url>",
		Short: "Resubmit a job's post with a hand-picked media URL",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return ctx.withApp(cmd.Context(), app.Options{}, func(a *app.App) error {
				job, err := a.Intake.ManualRetry(cmd.Context(), args[0], args[1])
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Queued job %s with pinned media URL\n", job.ID)
				return nil
			})
		},
	}
}

func newStatusCommand(ctx *commandContext) *cobra.Command {
	return &cobra.Command{
		Use:   "status <job-id> <canceled|failed>",
		Short: "Cancel or fail a job by hand",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return ctx.withApp(cmd.Context(), app.Options{}, func(a *app.App) error {
				job, err := a.Intake.RequestStatusTransition(cmd.Context(), args[0], grabber.JobStatus(args[1]))
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Job %s is now %s\n", job.ID, job.Status)
				return nil
			})
		},
	}
}

func newJobsCommand(ctx *commandContext) *cobra.Command {
	var status string
	var limit int
	var offset int
	var asJSON bool
	cmd := &cobra.Command{
		Use:   "jobs [job-id]",
		Short: "List jobs, or show one job",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return ctx.withApp(cmd.Context(), app.Options{}, func(a *app.App) error {
				if len(args) == 1 {
					job, err := a.Intake.Get(cmd.Context(), args[0])
					if err != nil {
						return err
					}
					if asJSON {
						return writeJSON(cmd, job)
					}
					fmt.Fprint(cmd.OutOrStdout(), renderJobDetail(job))
					return nil
				}
				jobs, err := a.Intake.List(cmd.Context(), grabber.ListFilter{
					Status: grabber.JobStatus(status),
					Limit:  limit,
					Offset: offset,
				})
				if err != nil {
					return err
				}
				if asJSON {
					return writeJSON(cmd, jobs)
				}
				if len(jobs) == 0 {
					fmt.Fprintln(cmd.OutOrStdout(), "No jobs")
					return nil
				}
				fmt.Fprintln(cmd.OutOrStdout(), renderJobTable(jobs))
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&status, "status", "", "Only list jobs in this status")
	cmd.Flags().IntVar(&limit, "limit", 50, "Maximum jobs to list")
	cmd.Flags().IntVar(&offset, "offset", 0, "Jobs to skip")
	cmd.Flags().BoolVar(&asJSON, "json", false, "Print JSON instead of a table")
	return cmd
}

func renderJobTable(jobs []grabber.Job) string {
	rows := make([][]string, 0, len(jobs))
	for _, job := range jobs {
		rows = append(rows, []string{
			job.ID,
			string(job.Status),
			strconv.Itoa(job.ProgressPct) + "%",
			job.Platform,
			job.Handle,
			job.CreatedAt.Local().Format(time.DateTime),
			string(job.ErrorCode),
		})
	}
	return renderTable(
		[]string{"ID", "Status", "Progress", "Platform", "Handle", "Created", "Error"},
		rows,
		[]columnAlignment{alignLeft, alignLeft, alignRight},
	)
}

func renderJobDetail(job grabber.Job) string {
	rows := [][]string{
		{"ID", job.ID},
		{"Status", string(job.Status)},
		{"Source URL", job.SourceURL},
		{"Canonical URL", job.CanonicalURL},
		{"Platform", job.Platform},
		{"Handle", job.Handle},
		{"Attempts", strconv.Itoa(job.AttemptCount)},
		{"Media URL", job.ExtractedURL},
		{"Output", job.OutputPath},
		{"Thumbnail", job.ThumbnailPath},
		{"Artifact", job.Metadata["artifact_uri"]},
		{"Error", job.Error},
		{"Error code", string(job.ErrorCode)},
	}
	filtered := rows[:0]
	for _, row := range rows {
		if row[1] != "" {
			filtered = append(filtered, row)
		}
	}
	return renderTable([]string{"Field", "Value"}, filtered, nil) + "\n"
}
