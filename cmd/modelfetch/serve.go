package main

import (
	"context"
	"fmt"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/spf13/cobra"

	"github.com/shepherd-project/modelfetch/internal/config"
	"github.com/shepherd-project/modelfetch/internal/netutil"
	"github.com/shepherd-project/modelfetch/internal/server"
	"github.com/shepherd-project/modelfetch/internal/shutdown"
	"github.com/shepherd-project/modelfetch/internal/version"
	"github.com/shepherd-project/modelfetch/internal/websocket"
)

func newServeCmd(cfg func() *config.Config) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API with live progress over SSE and WebSocket",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			c := cfg()
			if host, _ := cmd.Flags().GetString("host"); cmd.Flags().Changed("host") {
				c.Server.Host = host
			}
			if port, _ := cmd.Flags().GetInt("port"); cmd.Flags().Changed("port") {
				c.Server.Port = port
			}
			return runServe(cmd, c)
		},
	}
	cmd.Flags().String("host", "", "listen address")
	cmd.Flags().Int("port", 0, "listen port")
	return cmd
}

func runServe(cmd *cobra.Command, cfg *config.Config) error {
	a, err := newApp(cfg, false)
	if err != nil {
		return err
	}
	log := a.log

	if cfg.Log.Level != "debug" {
		gin.SetMode(gin.ReleaseMode)
	}

	info := version.GetVersionInfo()
	log.Infof("%s %s 正在启动...", info.Name, info.String())
	log.Infof("模型目录: %s", cfg.Download.ModelsDir)

	if removed, err := a.svc.CleanupCache(); err != nil {
		log.WithError(err).Warn("清理未完成的下载失败")
	} else if removed > 0 {
		log.Infof("已清理 %d 个未完成的下载", removed)
	}

	events := websocket.NewManager(log)
	srv := server.NewServer(server.ConfigFrom(cfg.Server), a.svc, events, log)

	shutdownMgr := shutdown.NewManager(30*time.Second, log)
	shutdownMgr.Register("http-server", srv.Shutdown, shutdown.PriorityCritical)
	shutdownMgr.Register("downloads", a.svc.Shutdown, shutdown.PriorityHigh)
	shutdownMgr.Register("storage", func(ctx context.Context) error {
		return a.storage.Close()
	}, shutdown.PriorityNormal)
	shutdownMgr.Register("logger", func(ctx context.Context) error {
		log.Info("日志系统已关闭")
		_ = log.Close()
		return nil
	}, shutdown.PriorityLow)

	if err := srv.Start(); err != nil {
		_ = a.close()
		return err
	}
	shutdownMgr.Start()

	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "✓ HTTP API: http://%s:%d/api\n", netutil.AdvertiseHost(cfg.Server.Host), cfg.Server.Port)
	fmt.Fprintf(out, "✓ 事件流: /api/events (SSE), /api/ws (WebSocket)\n")
	fmt.Fprintln(out, "\n按 Ctrl+C 停止服务器...")

	shutdownMgr.Wait()
	fmt.Fprintln(out, "✓ 服务器已关闭")
	return nil
}
