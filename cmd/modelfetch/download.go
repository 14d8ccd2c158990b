package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/fatih/color"
	"github.com/hako/durafmt"
	"github.com/spf13/cobra"
	"github.com/vbauerster/mpb/v7"
	"github.com/vbauerster/mpb/v7/decor"

	"github.com/shepherd-project/modelfetch/internal/config"
	"github.com/shepherd-project/modelfetch/internal/download"
	"github.com/shepherd-project/modelfetch/internal/registry"
	"github.com/shepherd-project/modelfetch/internal/service"
)

func newDownloadCmd(cfg func() *config.Config, verbose func() bool) *cobra.Command {
	var all, force bool

	cmd := &cobra.Command{
		Use:   "download [model-id...]",
		Short: "Download models and verify them",
		Long:  "Download the given models, or every catalog model with --all. Complete models are skipped unless --force is set. Ctrl+C cancels every queued or running download.",
		RunE: func(cmd *cobra.Command, args []string) error {
			if all == (len(args) > 0) {
				return errors.New("pass model ids or --all")
			}
			return withApp(cfg, verbose, func(a *app) error {
				ids := args
				if all {
					ids = a.registry.IDs()
				}
				return runDownload(cmd.Context(), cmd.OutOrStdout(), a, ids, force)
			})
		},
	}
	cmd.Flags().BoolVar(&all, "all", false, "download every model in the catalog")
	cmd.Flags().BoolVar(&force, "force", false, "download again even when complete")
	return cmd
}

// modelBar is the terminal bar of one model, updated from service events
type modelBar struct {
	bar    *mpb.Bar
	approx int64

	mu    sync.Mutex
	text  string
	speed string
}

func (m *modelBar) describe(decor.Statistics) string {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.speed == "" {
		return m.text
	}
	return m.speed + "  " + m.text
}

func (m *modelBar) update(ev service.Event) {
	p := ev.Progress

	m.mu.Lock()
	m.text = p.StatusText
	m.speed = p.Speed
	if ev.Type == service.EventFinished {
		m.speed = ""
	}
	m.mu.Unlock()

	switch ev.Type {
	case service.EventProgress:
		total := p.Total
		if total <= 0 || p.Estimated {
			total = m.approx
		}
		if p.Current >= total {
			// keep the bar open until the session reports completion
			total = p.Current + 1
		}
		m.bar.SetTotal(total, false)
		m.bar.SetCurrent(p.Current)
	case service.EventFinished:
		if p.Status == download.StatusComplete {
			m.bar.SetCurrent(p.Current)
			m.bar.SetTotal(-1, true)
			return
		}
		m.bar.Abort(false)
	}
}

type outcome struct {
	modelID string
	result  *download.Result
	err     error
}

func runDownload(ctx context.Context, out io.Writer, a *app, ids []string, force bool) error {
	for _, id := range ids {
		if !a.registry.Has(id) {
			return fmt.Errorf("%s: %w", id, registry.ErrModelNotFound)
		}
	}

	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	progress := mpb.New(
		mpb.WithOutput(out),
		mpb.WithWidth(60),
		mpb.WithRefreshRate(180*time.Millisecond),
	)

	bars := make(map[string]*modelBar, len(ids))
	for _, id := range ids {
		desc, _ := a.registry.Get(id)
		mb := &modelBar{approx: max(desc.ApproxSize, 1), text: "排队中"}
		mb.bar = progress.AddBar(mb.approx,
			mpb.PrependDecorators(
				decor.Name(desc.DisplayName, decor.WC{W: 40, C: decor.DidentRight}),
				decor.CountersKibiByte("% .2f / % .2f"),
			),
			mpb.AppendDecorators(
				decor.Name(" "),
				decor.Any(mb.describe),
			),
		)
		bars[id] = mb
	}

	unsubscribe := a.svc.Subscribe(func(ev service.Event) {
		if mb, ok := bars[ev.ModelID]; ok {
			mb.update(ev)
		}
	})
	defer unsubscribe()

	// Ctrl+C cancels every queued or running model
	stopCancel := context.AfterFunc(ctx, func() {
		for _, id := range ids {
			a.svc.Cancel(id)
		}
	})
	defer stopCancel()

	outcomes := make([]outcome, 0, len(ids))
	var started []string
	for _, id := range ids {
		if err := a.svc.Start(id, force); err != nil {
			bars[id].bar.Abort(false)
			outcomes = append(outcomes, outcome{modelID: id, err: err})
			continue
		}
		started = append(started, id)
	}

	for _, id := range started {
		// every started download finishes once cancelled, so no deadline here
		res, err := a.svc.Wait(context.Background(), id)
		outcomes = append(outcomes, outcome{modelID: id, result: res, err: err})
	}

	for _, mb := range bars {
		if !mb.bar.Completed() {
			mb.bar.Abort(false)
		}
	}
	progress.Wait()

	return summarize(out, outcomes)
}

func summarize(out io.Writer, outcomes []outcome) error {
	var failed int
	for _, o := range outcomes {
		switch {
		case o.err == nil && o.result != nil && o.result.Skipped:
			fmt.Fprintf(out, "%s %s 已完整，跳过\n", color.GreenString("✓"), o.modelID)
		case o.err == nil && o.result != nil:
			fmt.Fprintf(out, "%s %s %s，用时 %s\n", color.GreenString("✓"), o.modelID,
				humanize.Bytes(uint64(max(o.result.BytesDownloaded, 0))),
				durafmt.Parse(o.result.Elapsed.Round(time.Second)).LimitFirstN(2))
			if o.result.DependencyError != "" {
				fmt.Fprintf(out, "  %s 依赖安装失败: %s\n", color.YellowString("!"), o.result.DependencyError)
			}
		case errors.Is(o.err, download.ErrCancelled):
			failed++
			fmt.Fprintf(out, "%s %s 已取消\n", color.YellowString("-"), o.modelID)
		default:
			failed++
			fmt.Fprintf(out, "%s %s: %v\n", color.RedString("✗"), o.modelID, o.err)
		}
	}
	if failed > 0 {
		return fmt.Errorf("%d of %d downloads did not complete", failed, len(outcomes))
	}
	return nil
}
