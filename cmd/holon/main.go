// Command holon runs a single Holon-RPC peer: it dials a broker, registers
// a holon name, exposes a small demo method set, and stays connected until
// killed, reconnecting automatically if the broker goes away.
//
// Configuration:
//   - HOLON_BROKER_URL: broker WebSocket URL, e.g. "ws://localhost:8080/rpc" (required)
//   - HOLON_NAME: the name this holon registers under (required)
//
// Flags override the corresponding environment variable when set.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/organic-programming/dart-holons/internal/holonclient"
)

// logFatal is swapped out in tests so a missing required setting doesn't
// kill the test binary.
var logFatal = log.Fatalf

// requireFlag calls logFatal with msg when value is empty.
func requireFlag(value, msg string) {
	if value == "" {
		logFatal(msg)
	}
}

func main() {
	brokerURL := flag.String("broker", os.Getenv("HOLON_BROKER_URL"), "broker WebSocket URL")
	name := flag.String("name", os.Getenv("HOLON_NAME"), "holon name to register under")
	dev := flag.Bool("dev", false, "use a development logger (human-readable, debug level)")
	flag.Parse()

	requireFlag(*brokerURL, "HOLON_BROKER_URL (or -broker) is required")
	requireFlag(*name, "HOLON_NAME (or -name) is required")

	logger := mustLogger(*dev)
	defer logger.Sync()

	cfg := holonclient.DefaultConfig(*brokerURL)
	client := holonclient.New(logger, cfg)
	registerDemoHandlers(client, *name)

	ctx, cancel := context.WithTimeout(context.Background(), time.Duration(cfg.ConnectTimeoutMs)*time.Millisecond)
	err := client.Start(ctx)
	cancel()
	if err != nil {
		logFatal("connect to broker: %v", err)
	}
	logger.Info("connected to broker", zap.String("broker", *brokerURL))

	regCtx, regCancel := context.WithTimeout(context.Background(), 10*time.Second)
	_, err = client.Invoke(regCtx, "rpc.register", map[string]any{"name": *name})
	regCancel()
	if err != nil {
		logFatal("register name %q: %v", *name, err)
	}
	logger.Info("registered", zap.String("name", *name))

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt, syscall.SIGTERM)
	<-stop

	_ = client.Close()
	logger.Info("holon stopped")
}

// registerDemoHandlers installs the small method set every holon exposes
// out of the box, so two freshly started binaries can talk to each other
// without any application-specific wiring.
func registerDemoHandlers(client *holonclient.Client, selfName string) {
	client.Register("Echo/Ping", echoPingHandler(selfName))
}

// echoPingHandler builds the Echo/Ping handler: it echoes params back with
// "from" stamped as selfName.
func echoPingHandler(selfName string) func(ctx context.Context, params json.RawMessage) (any, error) {
	return func(ctx context.Context, params json.RawMessage) (any, error) {
		var in map[string]any
		if len(params) > 0 {
			if err := json.Unmarshal(params, &in); err != nil {
				return nil, fmt.Errorf("invalid params: %w", err)
			}
		}
		if in == nil {
			in = map[string]any{}
		}
		in["from"] = selfName
		return in, nil
	}
}

func mustLogger(dev bool) *zap.Logger {
	var logger *zap.Logger
	var err error
	if dev {
		logger, err = zap.NewDevelopment()
	} else {
		logger, err = zap.NewProduction()
	}
	if err != nil {
		panic(err)
	}
	return logger
}
