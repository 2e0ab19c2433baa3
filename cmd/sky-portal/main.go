package main

import (
	"context"
	"errors"
	"flag"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"skyvault/pkg/app"
	"skyvault/pkg/config"

	"github.com/spf13/viper"
)

func main() {
	// 1. Load Config
	cfgFile := flag.String("config", "", "config file (default is $HOME/.sky/config.yaml)")
	listen := flag.String("listen", "", "listen address (overrides portal.listen)")
	flag.Parse()

	if err := config.Load(*cfgFile, os.Stderr); err != nil {
		log.Fatalf("Config error: %v", err)
	}
	if *listen != "" {
		viper.Set("portal.listen", *listen)
	}

	// 2. Init portal
	ctx := context.Background()
	portal, closeStore, err := app.NewPortal(ctx)
	if err != nil {
		log.Fatalf("Failed to initialize portal: %v", err)
	}
	defer closeStore()

	addr := viper.GetString("portal.listen")
	srv := &http.Server{
		Addr:              addr,
		Handler:           portal.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	// 3. Start Server (Async)
	go func() {
		slog.Info("dev portal listening", slog.String("addr", addr), slog.String("store", viper.GetString("portal.store_path")))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatalf("Failed to serve: %v", err)
		}
	}()

	// 4. Graceful Shutdown
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	slog.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Error("shutdown failed", slog.Any("err", err))
	}
}
