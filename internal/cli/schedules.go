package cli

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"signboard/internal/app"
	"signboard/internal/mutation"
	"signboard/internal/schedule"
	logx "signboard/pkg/logx"
)

type schedulesOptions struct {
	at        string
	future    int
	futureSet bool
}

// NewSchedulesCommand resolves the persisted timeline offline.
func NewSchedulesCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &schedulesOptions{}
	cmd := &cobra.Command{
		Use:   "schedules",
		Short: "Show the active and upcoming entries of the stored timeline",
		Long: `Load the timeline from the configured storage and resolve it at an
instant (default now) without starting the daemon.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			opts.futureSet = cmd.Flags().Changed("future")
			return runSchedules(cmd.Context(), rootOpts, opts, cmd.OutOrStdout())
		},
	}
	cmd.Flags().StringVar(&opts.at, "at", "", "instant to resolve at (RFC 3339 or +duration)")
	cmd.Flags().IntVar(&opts.future, "future", 0, "number of upcoming entries to list (default timeline.default_future_items)")
	return cmd
}

func runSchedules(ctx context.Context, rootOpts *RootOptions, opts *schedulesOptions, out io.Writer) error {
	if ctx == nil {
		ctx = context.Background()
	}
	cfg, err := app.CheckConfig(rootOpts.ConfigPath, nil)
	if err != nil {
		return err
	}

	at := time.Now()
	if raw := strings.TrimSpace(opts.at); raw != "" {
		if at, err = mutation.ParseInstant(raw, at); err != nil {
			return fmt.Errorf("--at: %w", err)
		}
	}

	store, persist, err := app.OpenTimeline(ctx, cfg, logx.Nop())
	if err != nil {
		return err
	}
	if persist != nil {
		defer persist.Close()
	}

	future := opts.future
	if !opts.futureSet {
		future = app.DefaultFutureItems(cfg)
	}
	res, err := store.Resolve(at, future)
	if err != nil {
		return err
	}
	if rootOpts.Format == "json" {
		enc := json.NewEncoder(out)
		enc.SetIndent("", "  ")
		return enc.Encode(res)
	}
	return printResolution(out, res)
}

func printResolution(out io.Writer, res schedule.Resolution) error {
	tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintf(tw, "at\t%s\trevision %d\n", res.At.Format(time.RFC3339), res.Revision)
	if res.Active != nil {
		fmt.Fprintf(tw, "active\t%s\t%s\t%s\n", res.Active.ScheduledAt.Format(time.RFC3339), res.Active.AssetRef, res.Active.ID)
	} else {
		fmt.Fprintln(tw, "active\t-")
	}
	for _, e := range res.Future {
		fmt.Fprintf(tw, "next\t%s\t%s\t%s\n", e.ScheduledAt.Format(time.RFC3339), e.AssetRef, e.ID)
	}
	return tw.Flush()
}
