package main

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"isomod/server"
	"isomod/world"
)

// isoMOD 入口：启动 HTTP + WebSocket 服务，并初始化房间注册表
func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run() error {
	opts, err := server.LoadOptions(os.Args[1:], os.Getenv)
	if err != nil {
		return err
	}
	// 使用第三方 zap 日志库写入滚动日志文件
	log, err := server.NewLogger(opts.LogOptions())
	if err != nil {
		return err
	}
	defer server.SyncLogger(log)

	var configFS fs.FS
	if opts.ConfigDir != "" {
		configFS = os.DirFS(opts.ConfigDir)
	}
	loader := world.NewLoader(configFS)
	if _, err := loader.Load(); err != nil {
		return fmt.Errorf("default config: %w", err)
	}
	var public fs.FS
	if opts.PublicDir != "" {
		public = os.DirFS(opts.PublicDir)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	rooms := server.NewRoomManager(loader, log)
	defer rooms.Close()

	ws := server.NewWSHandler(ctx, rooms, log)
	handler := server.NewHTTPHandler(rooms, loader, public, ws, log)
	srv := &http.Server{
		Addr:              opts.Addr,
		Handler:           handler.Routes(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	eg, ctx := errgroup.WithContext(ctx)
	eg.Go(func() error {
		log.Infof("isoMOD listening on %s; open http://localhost%s/new", opts.Addr, opts.Addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("listen: %w", err)
		}
		return nil
	})
	// 优雅退出（Ctrl+C）
	eg.Go(func() error {
		<-ctx.Done()
		log.Info("Shutting down...")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})
	return eg.Wait()
}
