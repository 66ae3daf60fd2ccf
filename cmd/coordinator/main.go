package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/focux/alchemy-sub001/coordinator"
	"github.com/focux/alchemy-sub001/profiler"
	"github.com/focux/alchemy-sub001/reuse"
	"github.com/focux/alchemy-sub001/shared"

	"github.com/spf13/pflag"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"golang.org/x/sync/errgroup"
)

var Version = "dev"

func main() {
	flagSet := pflag.NewFlagSet("coordinator", pflag.ExitOnError)
	cfgPath := flagSet.String("config", "", "path to coordinator.yaml")
	public := flagSet.String("public", ":8787", "address serving the local peer and tunnelled HTTP")
	internal := flagSet.String("internal", "127.0.0.1:8788", "address serving remote peers")
	token := flagSet.String("token", "", "bearer token peers must present (generated when empty)")
	prof := flagSet.String("profiler", "", "address serving /metrics and pprof (disabled when empty)")
	debug := flagSet.Bool("debug", false, "verbose logging and request logs")
	flagSet.Parse(os.Args[1:])

	bundle := defaultConfig()
	if *cfgPath != "" {
		b, err := getConfig(*cfgPath)
		if err != nil {
			log.Fatal(err)
		}
		bundle = b
	}
	if flagSet.Changed("public") || *cfgPath == "" {
		bundle.Listen.Public = *public
	}
	if flagSet.Changed("internal") || *cfgPath == "" {
		bundle.Listen.Internal = *internal
	}
	if flagSet.Changed("token") {
		bundle.Token = *token
	}
	if flagSet.Changed("profiler") {
		bundle.Profiler = *prof
	}
	if flagSet.Changed("debug") {
		bundle.Debug = *debug
	}

	var logCfg zap.Config
	if bundle.Debug {
		logCfg = zap.NewDevelopmentConfig()
	} else {
		logCfg = zap.NewProductionConfig()
	}
	logCfg.OutputPaths = []string{"stderr"}
	logger, err := logCfg.Build()
	if err != nil {
		log.Fatal(err)
	}
	defer logger.Sync()

	undo, err := zap.RedirectStdLogAt(logger, zapcore.DebugLevel)
	if err != nil {
		log.Fatal(err)
	}
	defer undo()

	if bundle.Token == "" {
		bundle.Token = shared.RandomToken()
		fmt.Fprintf(os.Stderr, "generated token: %s\n", bundle.Token)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	c, err := coordinator.New(coordinator.Config{
		Context:     ctx,
		Logger:      logger,
		Token:       bundle.Token,
		Debug:       bundle.Debug,
		MaxBodySize: bundle.MaxBody,
	})
	if err != nil {
		logger.Fatal("creating coordinator", zap.Error(err))
	}

	publicListener, err := reuse.Listen(ctx, bundle.Listen.Public)
	if err != nil {
		logger.Fatal("listening for public connections", zap.Error(err))
	}
	internalListener, err := reuse.Listen(ctx, bundle.Listen.Internal)
	if err != nil {
		logger.Fatal("listening for remote connections", zap.Error(err))
	}

	logger.Info("coordinator started",
		zap.String("version", Version),
		zap.String("public", publicListener.Addr().String()),
		zap.String("internal", internalListener.Addr().String()),
	)

	g, gctx := errgroup.WithContext(ctx)
	serve := func(name string, l net.Listener, h http.Handler) {
		srv := &http.Server{
			Handler:           h,
			ReadHeaderTimeout: 15 * time.Second,
			ErrorLog:          zap.NewStdLog(logger.With(zap.String("server", name))),
		}
		g.Go(func() error {
			if err := srv.Serve(l); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("%s server: %w", name, err)
			}
			return nil
		})
		g.Go(func() error {
			<-gctx.Done()
			shutdownCtx, done := context.WithTimeout(context.Background(), 5*time.Second)
			defer done()
			return srv.Shutdown(shutdownCtx)
		})
	}
	serve("public", publicListener, c.PublicHandler())
	serve("internal", internalListener, c.InternalHandler())

	if bundle.Profiler != "" {
		go func() {
			logger.Info("profiler started", zap.String("addr", bundle.Profiler))
			if err := profiler.StartProfiler(bundle.Profiler); err != nil {
				logger.Error("profiler stopped", zap.Error(err))
			}
		}()
	}

	if err := g.Wait(); err != nil {
		logger.Error("coordinator stopped", zap.Error(err))
	}
	cancel()
	<-c.Done()
}
