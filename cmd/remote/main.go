package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/focux/alchemy-sub001/remote"
	"github.com/focux/alchemy-sub001/reuse"

	"github.com/spf13/pflag"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

var Version = "dev"

func main() {
	flagSet := pflag.NewFlagSet("remote", pflag.ExitOnError)
	listen := flagSet.String("listen", ":8080", "address receiving platform HTTP events")
	coordinatorURL := flagSet.String("coordinator", "http://127.0.0.1:8788", "internal address of the coordinator")
	token := flagSet.String("token", "", "bearer token printed by the coordinator")
	debug := flagSet.Bool("debug", false, "verbose logging")
	flagSet.Parse(os.Args[1:])

	var logCfg zap.Config
	if *debug {
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

	stub, err := remote.New(remote.Config{
		Logger:      logger,
		Coordinator: *coordinatorURL,
		Token:       *token,
	})
	if err != nil {
		logger.Fatal("creating stub", zap.Error(err))
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	l, err := reuse.Listen(ctx, *listen)
	if err != nil {
		logger.Fatal("listening for events", zap.Error(err))
	}

	srv := &http.Server{
		Handler:           stub,
		ReadHeaderTimeout: 15 * time.Second,
		ErrorLog:          zap.NewStdLog(logger),
	}
	go func() {
		<-ctx.Done()
		shutdownCtx, done := context.WithTimeout(context.Background(), 5*time.Second)
		defer done()
		srv.Shutdown(shutdownCtx)
	}()

	logger.Info("forwarding platform events", zap.String("version", Version), zap.String("listen", l.Addr().String()))
	if err := srv.Serve(l); err != nil && !errors.Is(err, http.ErrServerClosed) {
		logger.Fatal("serving events", zap.Error(err))
	}
}
