package main

import (
	"context"
	"fmt"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/mblsha/dxeforge/internal/job"
	"github.com/mblsha/dxeforge/internal/orchestrator"
	"github.com/mblsha/dxeforge/internal/store"
	"github.com/mblsha/dxeforge/internal/target"
)

func (a *app) runBuild(ctx context.Context, td target.Descriptor, paths []string) error {
	orch := orchestrator.New(a.cfg, a.newBuilder(), a.logger)
	orch.OnEvent = a.printEvent

	rec, err := orch.Run(ctx, orchestrator.Request{Target: td.Name(), OverridePaths: paths, DryRun: a.opts.dryRun})
	if err != nil {
		a.printFailure(rec)
		return err
	}
	if a.opts.dryRun {
		fmt.Fprintln(a.stdout, colSuccess.Sprintf("dry run: artifact would be %s", rec.ArtifactPath))
		return nil
	}
	fmt.Fprintln(a.stdout, colSuccess.Sprintf("built %s in %s", rec.ArtifactPath, rec.Duration().Round(time.Millisecond)))
	return nil
}

func (a *app) printEvent(ev job.Event) {
	if ev.State == job.StateFailed {
		return
	}
	fmt.Fprint(a.stdout, colArrow.Sprint("-> "))
	if ev.Message != "" {
		fmt.Fprintf(a.stdout, "%s: %s\n", strings.ToLower(string(ev.State)), ev.Message)
		return
	}
	fmt.Fprintln(a.stdout, strings.ToLower(string(ev.State)))
}

func (a *app) printFailure(rec *job.Record) {
	if rec == nil || len(rec.Diagnostics) == 0 {
		return
	}
	const limit = 5
	shown := 0
	for _, d := range rec.Diagnostics {
		if d.Severity != job.SeverityError {
			continue
		}
		if shown == limit {
			fmt.Fprintln(a.stderr, colWarn.Sprint("  ... more errors in cargo output"))
			break
		}
		shown++
		where := ""
		if d.File != "" {
			where = fmt.Sprintf(" (%s:%d)", d.File, d.Line)
		}
		code := ""
		if d.Code != "" {
			code = "[" + d.Code + "] "
		}
		fmt.Fprintf(a.stderr, "  %s%s%s\n", code, d.Message, where)
	}
}

func (a *app) restoreCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "restore",
		Short: "Restore a manifest left patched by an interrupted build",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			orch := orchestrator.New(a.cfg, nil, a.logger)
			restored, err := orch.Restore(cmd.Context())
			if err != nil {
				return err
			}
			if restored {
				fmt.Fprintln(a.stdout, colSuccess.Sprintf("restored %s", a.cfg.Manifest()))
			} else {
				fmt.Fprintf(a.stdout, "%s is not patched, nothing to restore\n", a.cfg.Manifest())
			}
			return nil
		},
	}
}

func (a *app) targetsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "targets",
		Short: "List build targets and their artifact paths",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			tw := tabwriter.NewWriter(a.stdout, 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "COMMAND\tTRIPLE\tFEATURE\tARTIFACT")
			for _, td := range target.All() {
				fmt.Fprintf(tw, "%s\t%s\t%s\t%s\n", td.Name(), td.Triple(), td.Feature(), td.ArtifactPath(a.cfg.TargetRoot()))
			}
			return tw.Flush()
		},
	}
}

func (a *app) historyCmd() *cobra.Command {
	var limit int
	cmd := &cobra.Command{
		Use:   "history",
		Short: "Show recent builds",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			recs, err := store.New(a.cfg.HistoryDir(), 0).List(limit)
			if err != nil {
				return err
			}
			if len(recs) == 0 {
				fmt.Fprintln(a.stdout, "no builds recorded")
				return nil
			}
			tw := tabwriter.NewWriter(a.stdout, 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "ID\tSTARTED\tTARGET\tSTATE\tDURATION\tRESULT")
			for _, rec := range recs {
				result := rec.ArtifactPath
				if rec.State == job.StateFailed {
					result = fmt.Sprintf("stage=%s: %s", rec.Stage, rec.Error)
				}
				fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\t%s\n",
					shortID(rec.ID),
					rec.CreatedAt.Local().Format("2006-01-02 15:04:05"),
					rec.Target,
					rec.State,
					rec.Duration().Round(time.Second),
					result)
			}
			return tw.Flush()
		},
	}
	cmd.Flags().IntVarP(&limit, "limit", "n", 10, "number of builds to show (0 = all)")
	return cmd
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}
