package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/focux/alchemy-sub001/client"
	"github.com/focux/alchemy-sub001/messaging"
	"github.com/focux/alchemy-sub001/rpc"
	"github.com/focux/alchemy-sub001/transport"
	"github.com/focux/alchemy-sub001/tunnel"

	"github.com/spf13/pflag"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

var Version = "dev"

func main() {
	devCommand := pflag.NewFlagSet("dev", pflag.ExitOnError)
	tunnelCommand := pflag.NewFlagSet("tunnel", pflag.ExitOnError)

	coordinatorURL := devCommand.String("coordinator", "http://127.0.0.1:8787", "public address of the coordinator")
	token := devCommand.String("token", "", "bearer token printed by the coordinator")
	forward := devCommand.String("forward", "http://127.0.0.1:3000", "the local dev server receiving tunnelled requests")
	reconnect := devCommand.Bool("reconnect", true, "reconnect when the coordinator goes away")
	expose := devCommand.Bool("tunnel", false, "expose the coordinator with a public tunnel")
	dDebug := devCommand.Bool("debug", false, "verbose logging")

	target := tunnelCommand.String("forward", "http://127.0.0.1:8787", "the local url to expose")
	stop := tunnelCommand.Bool("stop", false, "stop the recorded tunnel instead of starting one")
	tDebug := tunnelCommand.Bool("debug", false, "verbose logging")

	binary := pflag.String("binary", tunnel.DefaultBinary, "tunnel binary")
	stateDir := pflag.String("state", defaultStateDir(), "directory holding the tunnel record and output")
	devCommand.AddFlagSet(pflag.CommandLine)
	tunnelCommand.AddFlagSet(pflag.CommandLine)

	if len(os.Args) < 2 {
		fmt.Fprintf(os.Stderr, "expecting subcommands: dev, tunnel\n")
		os.Exit(1)
	}

	switch os.Args[1] {
	case "dev":
		devCommand.Parse(os.Args[2:])
	case "tunnel":
		tunnelCommand.Parse(os.Args[2:])
	default:
		fmt.Fprintf(os.Stderr, "unknown subcommand %q. expecting: dev, tunnel\n", os.Args[1])
		os.Exit(1)
	}

	var logCfg zap.Config
	if *dDebug || *tDebug {
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

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	tunnels, err := tunnel.New(tunnel.Config{
		Logger: logger,
		Dir:    *stateDir,
		Binary: *binary,
	})
	if err != nil {
		logger.Fatal("creating tunnel manager", zap.Error(err))
	}

	if tunnelCommand.Parsed() {
		if *stop {
			if err := tunnels.Stop(ctx); err != nil {
				logger.Fatal("stopping tunnel", zap.Error(err))
			}
			return
		}
		u, err := tunnels.EnsureTunnel(ctx, *target)
		if err != nil {
			logger.Fatal("ensuring tunnel", zap.Error(err))
		}
		fmt.Println(u)
		return
	}

	if *token == "" {
		fmt.Fprintf(os.Stderr, "--token is required\n")
		devCommand.PrintDefaults()
		os.Exit(1)
	}

	if *expose {
		u, err := tunnels.EnsureTunnel(ctx, *coordinatorURL)
		if err != nil {
			logger.Fatal("exposing coordinator", zap.Error(err))
		}
		logger.Info("coordinator is public", zap.String("url", u))
	}

	forwarder, err := client.NewForwarder(logger, *forward)
	if err != nil {
		logger.Fatal("configuring forwarder", zap.Error(err))
	}

	session, err := client.NewSession(client.Config{
		Logger:      logger,
		Coordinator: *coordinatorURL,
		Token:       *token,
		Forwarder:   forwarder,
		Reconnect:   *reconnect,
		Retry:       transport.DefaultRetryPolicy,
		Handlers: client.Handlers{
			Fetch: forwarder.Fetch,
			Test: func(ctx context.Context, args ...messaging.Value) (messaging.Value, error) {
				return messaging.String("ok " + Version), nil
			},
			Extra: rpc.Functions{
				"ping": func(ctx context.Context, args ...messaging.Value) (messaging.Value, error) {
					return messaging.String("pong"), nil
				},
			},
		},
	})
	if err != nil {
		logger.Fatal("creating session", zap.Error(err))
	}

	logger.Info("serving local handlers", zap.String("version", Version), zap.String("forward", *forward))
	if err := session.Run(ctx); err != nil && ctx.Err() == nil {
		logger.Fatal("session ended", zap.Error(err))
	}
}

func defaultStateDir() string {
	dir, err := os.UserCacheDir()
	if err != nil {
		return ".bridge"
	}
	return filepath.Join(dir, "bridge")
}
