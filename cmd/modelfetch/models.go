package main

import (
	"fmt"
	"io"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/fatih/color"
	"github.com/hako/durafmt"
	"github.com/spf13/cobra"

	"github.com/shepherd-project/modelfetch/internal/config"
	"github.com/shepherd-project/modelfetch/internal/service"
)

// withApp builds the object graph for one console command and tears it down afterwards
func withApp(cfg func() *config.Config, verbose func() bool, fn func(a *app) error) error {
	a, err := newApp(cfg(), !verbose())
	if err != nil {
		return err
	}
	runErr := fn(a)
	if err := a.close(); err != nil && runErr == nil {
		runErr = err
	}
	return runErr
}

func newTable(w io.Writer) *tabwriter.Writer {
	return tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
}

func statusColor(st service.ModelStatus) string {
	switch st {
	case service.ModelDownloaded:
		return color.GreenString(string(st))
	case service.ModelError:
		return color.RedString(string(st))
	case service.ModelDownloading:
		return color.CyanString(string(st))
	default:
		return color.YellowString(string(st))
	}
}

func newListCmd(cfg func() *config.Config, verbose func() bool) *cobra.Command {
	return &cobra.Command{
		Use:     "list",
		Aliases: []string{"ls"},
		Short:   "List catalog models with their on-disk status",
		Args:    cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cfg, verbose, func(a *app) error {
				models, err := a.svc.ListModels(cmd.Context())
				if err != nil {
					return err
				}

				tw := newTable(cmd.OutOrStdout())
				fmt.Fprintln(tw, "ID\tNAME\tTYPE\tSIZE\tON DISK\tSTATUS")
				for _, m := range models {
					fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\t%s\n",
						m.ID, m.DisplayName, m.ModelType, m.DisplaySize, m.DiskSizeText, statusColor(m.Status))
				}
				return tw.Flush()
			})
		},
	}
}

func newStatusCmd(cfg func() *config.Config, verbose func() bool) *cobra.Command {
	return &cobra.Command{
		Use:   "status <model-id>",
		Short: "Verify one model and list missing or damaged files",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cfg, verbose, func(a *app) error {
				info, err := a.svc.GetModel(cmd.Context(), args[0])
				if err != nil {
					return err
				}
				state, err := a.svc.CheckModel(cmd.Context(), args[0])
				if err != nil {
					return err
				}

				out := cmd.OutOrStdout()
				fmt.Fprintf(out, "%s (%s)\n", info.DisplayName, info.ID)
				fmt.Fprintf(out, "  状态:   %s\n", statusColor(info.Status))
				fmt.Fprintf(out, "  路径:   %s\n", info.Path)
				fmt.Fprintf(out, "  校验:   %s\n", state.Mode)
				fmt.Fprintf(out, "  占用:   %s\n", info.DiskSizeText)
				for _, issue := range state.Issues {
					line := fmt.Sprintf("  - %s: %s", issue.Path, issue.Reason)
					if issue.Detail != "" {
						line += " (" + issue.Detail + ")"
					}
					fmt.Fprintln(out, color.RedString(line))
				}
				return nil
			})
		},
	}
}

func newDeleteCmd(cfg func() *config.Config, verbose func() bool) *cobra.Command {
	return &cobra.Command{
		Use:     "delete <model-id>...",
		Aliases: []string{"rm"},
		Short:   "Remove downloaded models from disk",
		Args:    cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cfg, verbose, func(a *app) error {
				for _, id := range args {
					ok, err := a.svc.DeleteModel(id)
					if err != nil {
						return fmt.Errorf("%s: %w", id, err)
					}
					if !ok {
						return fmt.Errorf("%s: model is downloading", id)
					}
					fmt.Fprintf(cmd.OutOrStdout(), "✓ 已删除 %s\n", id)
				}
				return nil
			})
		},
	}
}

func newCleanupCmd(cfg func() *config.Config, verbose func() bool) *cobra.Command {
	return &cobra.Command{
		Use:   "cleanup",
		Short: "Remove leftovers of interrupted downloads",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cfg, verbose, func(a *app) error {
				removed, err := a.svc.CleanupCache()
				fmt.Fprintf(cmd.OutOrStdout(), "✓ 已清理 %d 个目录\n", removed)
				return err
			})
		},
	}
}

func newHistoryCmd(cfg func() *config.Config, verbose func() bool) *cobra.Command {
	var modelID string
	var limit int

	cmd := &cobra.Command{
		Use:   "history",
		Short: "Show recent download attempts",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cfg, verbose, func(a *app) error {
				records, err := a.svc.History(cmd.Context(), modelID, limit)
				if err != nil {
					return err
				}

				tw := newTable(cmd.OutOrStdout())
				fmt.Fprintln(tw, "FINISHED\tMODEL\tSTATUS\tSOURCE\tBYTES\tTOOK\tERROR")
				for _, r := range records {
					fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\t%s\t%s\n",
						humanize.Time(r.FinishedAt),
						r.ModelID,
						r.Status,
						r.Source,
						humanize.Bytes(uint64(max(r.BytesDownloaded, 0))),
						durafmt.Parse(r.FinishedAt.Sub(r.StartedAt).Round(time.Second)).LimitFirstN(2),
						truncate(r.Error, 60),
					)
				}
				return tw.Flush()
			})
		},
	}
	cmd.Flags().StringVar(&modelID, "model", "", "only this model")
	cmd.Flags().IntVar(&limit, "limit", 20, "number of attempts")
	return cmd
}

func truncate(s string, n int) string {
	s = strings.ReplaceAll(s, "\n", " ")
	if len([]rune(s)) <= n {
		return s
	}
	return string([]rune(s)[:n-1]) + "…"
}
