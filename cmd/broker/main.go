// Command broker runs the Holon-RPC broker: a WebSocket server that
// accepts peer connections, maintains the peer<->holon-name registry, and
// routes requests between connected peers.
//
// Configuration:
//   - BROKER_ADDR: listen address (default ":8080")
//   - BROKER_PATH: WebSocket upgrade path (default "/rpc")
//
// Flags override the corresponding environment variable when set.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/organic-programming/dart-holons/internal/broker"
)

func main() {
	addr := flag.String("addr", getenv("BROKER_ADDR", ":8080"), "listen address")
	path := flag.String("path", getenv("BROKER_PATH", "/rpc"), "WebSocket upgrade path")
	dev := flag.Bool("dev", false, "use a development logger (human-readable, debug level)")
	flag.Parse()

	logger := mustLogger(*dev)
	defer logger.Sync()

	cfg := broker.DefaultConfig()
	cfg.Path = *path
	b := broker.New(logger, cfg)

	mux := http.NewServeMux()
	mux.HandleFunc(*path, b.HandleUpgrade)
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	mux.HandleFunc("/debug/peers", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, b.Snapshot())
	})

	httpSrv := &http.Server{
		Addr:              *addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		logger.Info("broker listening", zap.String("addr", *addr), zap.String("path", *path))
		if err := httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal("listen", zap.Error(err))
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt, syscall.SIGTERM)
	<-stop

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	_ = httpSrv.Shutdown(ctx)
	_ = b.Close(ctx)
	logger.Info("broker stopped")
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

func getenv(k, def string) string {
	if v := os.Getenv(k); v != "" {
		return v
	}
	return def
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(v)
}
