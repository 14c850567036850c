// Command hyperstackd runs one compiled spec's projection pipeline:
// dispatcher, projector, bus, and wire server, fronted by a health/metrics
// control surface, until SIGINT or SIGTERM.
package main

import (
	"context"
	"flag"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/hypertekorg/hyperstack/internal/config"
	"github.com/hypertekorg/hyperstack/internal/control"
	"github.com/hypertekorg/hyperstack/internal/engine"
	"github.com/hypertekorg/hyperstack/internal/logging"
)

func main() {
	specDir := flag.String("spec-dir", ".hyperstack", "directory of compiled <Entity>.ast.json spec files")
	listenAddr := flag.String("listen-addr", "", "WebSocket listen address (overrides HYPERSTACK_LISTEN_ADDR/config default)")
	controlAddr := flag.String("control-addr", "", "health/readiness/metrics listen address (overrides HYPERSTACK_CONTROL_ADDR/config default)")
	flag.Parse()

	env := &config.OSEnvironment{}
	rt := config.FromEnv(env)
	if *listenAddr != "" {
		rt.ListenAddr = *listenAddr
	}
	if *controlAddr != "" {
		rt.ControlAddr = *controlAddr
	}

	lg := logging.NewFromEnv(env, "hyperstackd")

	eng, err := engine.New(lg, engine.WithSpecDir(*specDir), engine.WithRuntimeConfig(rt))
	if err != nil {
		fatal(lg, "build engine", err)
	}

	ctl := control.New(control.Config{ListenAddr: rt.ControlAddr}, prometheus.DefaultGatherer, lg)

	ctx := context.Background()
	if err := eng.Start(ctx); err != nil {
		fatal(lg, "start engine", err)
	}
	if err := ctl.Start(ctx); err != nil {
		fatal(lg, "start control plane", err)
	}
	ctl.SetReady(true)

	lg.Infof("hyperstackd listening: wire=%s control=%s", rt.ListenAddr, rt.ControlAddr)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh

	ctl.SetReady(false)
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := ctl.Stop(shutdownCtx); err != nil {
		lg.WithContext(shutdownCtx).WithError(err).Error("control plane shutdown error")
	}
	if err := eng.Stop(shutdownCtx); err != nil {
		fatal(lg, "stop engine", err)
	}
}

func fatal(l *logging.Logger, action string, err error) {
	if l != nil {
		l.Errorf("%s: %v", action, err)
	} else {
		log.Printf("%s: %v", action, err)
	}
	os.Exit(1)
}
