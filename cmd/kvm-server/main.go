package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/kstaniek/go-kvm-server/internal/devices"
	"github.com/kstaniek/go-kvm-server/internal/discovery"
	"github.com/kstaniek/go-kvm-server/internal/metrics"
	"github.com/kstaniek/go-kvm-server/internal/mjpg"
	"github.com/kstaniek/go-kvm-server/internal/serialbridge"
	"github.com/kstaniek/go-kvm-server/internal/serialport"
	"github.com/kstaniek/go-kvm-server/internal/session"
	"github.com/kstaniek/go-kvm-server/internal/worker"
)

// Exit codes: 0 normal shutdown, 1 preflight/platform check failure,
// 48 cannot bind to the requested address.
const (
	exitOK          = 0
	exitPreflight   = 1
	exitCannotBind  = 48
)

func main() {
	os.Exit(run())
}

func run() int {
	cfg, showVersion := parseFlags()
	if showVersion {
		fmt.Printf("kvm-server %s (commit %s, built %s)\n", version, commit, date)
		return exitOK
	}
	if cfg == nil {
		return exitPreflight
	}

	l, logCloser, err := setupLogger(cfg)
	if err != nil {
		fmt.Printf("cannot open logfile: %v\n", err)
		return exitPreflight
	}
	if logCloser != nil {
		defer logCloser.Close()
	}

	enumerator := devices.Host{}
	bridge := serialbridge.New(serialport.Open)
	mjpgSup := mjpg.NewSupervisor(cfg.mjpgRoot, cfg.mjpgLogFile)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	bgWorker := worker.New(ctx, 4)

	srv := session.New(
		session.WithListenAddr(cfg.listenAddr()),
		session.WithEnumerator(enumerator),
		session.WithSerialBridge(bridge),
		session.WithMjpgSupervisor(mjpgSup),
		session.WithWorker(bgWorker),
		session.WithLogger(l),
	)

	serveErrCh := make(chan error, 1)
	go func() { serveErrCh <- srv.Serve(ctx) }()

	select {
	case <-srv.Ready():
	case err := <-serveErrCh:
		l.Error("listen_failed", "error", err)
		if isBindError(err) {
			return exitCannotBind
		}
		return exitPreflight
	}
	l.Info("listening", "addr", srv.Addr())

	go func() {
		if cfg.mdnsEnable {
			_, portStr, splitErr := net.SplitHostPort(srv.Addr())
			port, _ := strconv.Atoi(portStr)
			if splitErr != nil || port == 0 {
				port = cfg.port
			}
			cleanupMDNS, err := discovery.Start(ctx, discovery.Config{
				Enable:  true,
				Name:    cfg.mdnsName,
				Version: version,
			}, port, func() (bool, bool) { return bridge.IsOpen(), false })
			if err != nil {
				l.Warn("mdns_start_failed", "error", err)
				return
			}
			l.Info("mdns_started", "service", discovery.ServiceType, "port", port)
			go func() { <-ctx.Done(); cleanupMDNS() }()
		}
	}()

	if cfg.metricsAddr != "" {
		metrics.InitBuildInfo(version, commit, date)
		metricsSrv := metrics.StartHTTP(cfg.metricsAddr)
		defer func() {
			shCtx, shCancel := context.WithTimeout(context.Background(), 2*time.Second)
			defer shCancel()
			_ = metricsSrv.Shutdown(shCtx)
		}()
	}

	sigCh := make(chan os.Signal, 2)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case s := <-sigCh:
		l.Info("shutdown_signal", "signal", s.String())
	case err := <-serveErrCh:
		l.Error("serve_error", "error", err)
	}

	cancel()
	shCtx, shCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shCancel()
	if err := srv.Shutdown(shCtx); err != nil {
		l.Warn("shutdown_incomplete", "error", err)
	}
	return exitOK
}

func isBindError(err error) bool {
	return errors.Is(err, syscall.EADDRINUSE) || errors.Is(err, syscall.EACCES) || errors.Is(err, syscall.EADDRNOTAVAIL)
}
