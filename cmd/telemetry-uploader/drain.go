package main

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/zoff-tech/telemetry-uploader/pkg/outbox"
	"github.com/zoff-tech/telemetry-uploader/pkg/pump"
	"github.com/zoff-tech/telemetry-uploader/pkg/store"
	"github.com/zoff-tech/telemetry-uploader/pkg/tick"
)

func newDrainCmd(a *app) *cobra.Command {
	var (
		location          string
		deleteAfterUpload bool
		maxBatch          int
	)
	cmd := &cobra.Command{
		Use:   "drain",
		Short: "Deliver every cached batch in the outbox",
		Long: "drain posts each outbox entry to its destination, one request at a time. Entries the " +
			"service did not accept stay in the outbox for the next run.\n\n" +
			"Exit status: 0 all delivered, 2 some entries retained, 3 outbox empty, 1 error.",
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			flags := cmd.Flags()
			if flags.Changed("outbox") {
				a.cfg.Outbox.SetLocation(location)
			}
			if flags.Changed("delete-after-upload") {
				a.cfg.Upload.DeleteAfterUpload = deleteAfterUpload
			}
			if flags.Changed("max-batch") {
				a.cfg.Upload.MaxBatch = maxBatch
			}
			if err := a.setup(cmd); err != nil {
				return err
			}
			defer a.teardown()

			ctx := cmd.Context()
			ob, err := store.NewOutbox(ctx, a.cfg.Outbox)
			if err != nil {
				return fmt.Errorf("failed to open outbox: %w", err)
			}

			p := pump.NewOutboxPump(a.client(), a.cfg.Upload, a.log, a.bus)
			res, err := runDrain(ctx, p, ob, a.cfg.Upload.TickInterval)
			a.exitCode = drainExitCode(res, err)
			if errors.Is(err, pump.ErrEmpty) {
				fmt.Fprintln(cmd.OutOrStdout(), "outbox is empty")
				return nil
			}
			if err != nil {
				return err
			}

			fmt.Fprintf(cmd.OutOrStdout(), "delivered=%d retained=%d dropped=%d total=%d\n",
				res.Delivered, res.Retained, res.Dropped, res.Total)
			return nil
		},
	}
	cmd.Flags().StringVar(&location, "outbox", "", "outbox location: file path, DSN or URI for the configured type")
	cmd.Flags().BoolVar(&deleteAfterUpload, "delete-after-upload", true, "remove delivered entries from the outbox")
	cmd.Flags().IntVar(&maxBatch, "max-batch", 0, "stop after this many entries (0 means all)")
	return cmd
}

// runDrain drives p over ob until the run completes. Canceling ctx stops new
// requests; the one in flight is still settled.
func runDrain(ctx context.Context, p *pump.OutboxPump, ob outbox.Outbox, every time.Duration) (pump.Result, error) {
	if err := p.Start(context.WithoutCancel(ctx), ob); err != nil {
		return pump.Result{}, err
	}

	var result pump.Result
	src := tick.NewInterval(every)
	p.Attach(src, func(r pump.Result) { result = r })

	stop := context.AfterFunc(ctx, p.Cancel)
	defer stop()

	if err := src.Run(context.WithoutCancel(ctx)); err != nil {
		return result, err
	}
	return result, result.Err
}

func drainExitCode(res pump.Result, err error) int {
	switch {
	case errors.Is(err, pump.ErrEmpty):
		return exitNoData
	case err != nil:
		return exitError
	case res.Retained > 0 || res.Canceled:
		return exitPartlyRetained
	default:
		return exitOK
	}
}
