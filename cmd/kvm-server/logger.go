package main

import (
	"io"
	"log/slog"
	"os"

	"github.com/kstaniek/go-kvm-server/internal/logging"
)

func setupLogger(cfg *appConfig) (*slog.Logger, io.Closer, error) {
	var w io.Writer = os.Stderr
	var closer io.Closer
	if cfg.logFile != "" {
		f, err := os.OpenFile(cfg.logFile, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err != nil {
			return nil, nil, err
		}
		w = f
		closer = f
	}
	l := logging.New("text", logging.LevelFromVerbosity(cfg.logLevel), w).With("app", "kvm-server")
	logging.Set(l)
	return l, closer, nil
}
