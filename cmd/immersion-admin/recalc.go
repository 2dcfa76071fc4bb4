package main

import (
	"fmt"
	"io"
	"time"

	"bitbucket.org/mmdatafocus/immersion_backend/config"
	"bitbucket.org/mmdatafocus/immersion_backend/utils"
	"bitbucket.org/mmdatafocus/immersion_backend/workflow"
	"github.com/google/uuid"
	"github.com/spf13/cobra"
)

type recalcOptions struct {
	UserIds []int
	Async   bool
}

func newRecalcCommand(rootOpts *rootOptions, job, short string) *cobra.Command {
	opts := &recalcOptions{}
	cmd := &cobra.Command{
		Use:   job,
		Short: short,
		Long: short + `.

Without --user-id every user with a ledger or logs is processed. Failures of single
users are reported in the summary and do not stop the run.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if opts.Async {
				return publishRecalc(cmd, rootOpts, job, opts.UserIds)
			}
			return runRecalc(cmd, rootOpts, job, opts.UserIds)
		},
	}
	cmd.Flags().IntSliceVar(&opts.UserIds, "user-id", nil, "limit the job to these users (repeatable)")
	cmd.Flags().BoolVar(&opts.Async, "async", false, "publish the job to PUBSUB_RECALC_TOPIC instead of running it here")
	return cmd
}

func runRecalc(cmd *cobra.Command, opts *rootOptions, job string, userIds []int) error {
	ctx := adminContext(cmd.Context())
	_, recalc, closeServices, err := opts.services(ctx)
	if err != nil {
		return err
	}
	defer closeServices()

	started := time.Now()
	result, err := recalc.RunJob(ctx, job, userIds)
	if err != nil {
		return err
	}
	if opts.Format == "json" {
		return writeJSON(cmd.OutOrStdout(), result)
	}
	printRecalcSummary(cmd.OutOrStdout(), job, result, time.Since(started))
	return nil
}

func printRecalcSummary(w io.Writer, job string, result any, elapsed time.Duration) {
	p := newPrinter()
	var errs []workflow.RecalcError
	switch r := result.(type) {
	case *workflow.RecalcLedgersResult:
		p.Fprintf(w, "%s: processed %d users, updated %d users and %d logs\n", job, r.ProcessedUsers, r.UpdatedUsers, r.UpdatedLogs)
		errs = r.Errors
	case *workflow.RecalcStreaksResult:
		p.Fprintf(w, "%s: processed %d users, updated %d users\n", job, r.ProcessedUsers, r.UpdatedUsers)
		errs = r.Errors
	case *workflow.VerifyLedgersResult:
		p.Fprintf(w, "%s: processed %d users, %d drifted\n", job, r.ProcessedUsers, r.DriftedUsers)
		for _, d := range r.Drifts {
			for _, f := range d.Fields {
				p.Fprintf(w, "  user %d: %s stored=%d expected=%d\n", d.UserId, f.Field, f.Stored, f.Expected)
			}
			if d.ExpectedStreak != nil {
				stored := 0
				if d.StoredStreak != nil {
					stored = d.StoredStreak.CurrentStreak
				}
				p.Fprintf(w, "  user %d: streak stored=%d expected=%d\n", d.UserId, stored, d.ExpectedStreak.CurrentStreak)
			}
			if d.StaleXpLogs > 0 {
				p.Fprintf(w, "  user %d: %d logs with stale xp\n", d.UserId, d.StaleXpLogs)
			}
		}
		errs = r.Errors
	}
	for _, e := range errs {
		p.Fprintf(w, "  user %d failed: %s\n", e.UserId, e.Error)
	}
	p.Fprintf(w, "%d errors in %s\n", len(errs), elapsed.Round(time.Millisecond))
}

func publishRecalc(cmd *cobra.Command, opts *rootOptions, job string, userIds []int) error {
	switch job {
	case workflow.JobRecalcLedgers, workflow.JobRecalcStreaks, workflow.JobVerifyLedgers:
	default:
		return utils.NewValidationError("job", fmt.Sprintf("unknown job %q", job))
	}
	ctx := adminContext(cmd.Context())
	cid, _ := utils.GetCorrelationIdFromContext(ctx)
	msg := config.RecalcMessage{
		RequestId:     uuid.NewString(),
		Job:           job,
		UserIds:       userIds,
		RequestedBy:   adminUsername,
		RequestedAt:   time.Now().UTC(),
		CorrelationId: cid,
	}
	messageId, err := config.PublishRecalcRequest(ctx, msg)
	if err != nil {
		return err
	}
	if opts.Format == "json" {
		return writeJSON(cmd.OutOrStdout(), map[string]string{"request_id": msg.RequestId, "message_id": messageId, "job": job})
	}
	fmt.Fprintf(cmd.OutOrStdout(), "%s: published request %s (message %s)\n", job, msg.RequestId, messageId)
	return nil
}
