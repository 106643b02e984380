package main

import (
	"errors"
	"flag"
	"fmt"
	"net"
	"os"
	"strconv"
	"strings"
)

type appConfig struct {
	bindAddr    string
	port        int
	mjpgRoot    string
	logFile     string
	logLevel    int
	mjpgLogFile string
	metricsAddr string
	mdnsEnable  bool
	mdnsName    string
}

func parseFlags() (*appConfig, bool) {
	cfg := &appConfig{}
	bind := flag.String("bind", "::1", "Listen address (IPv4 or IPv6 literal)")
	port := flag.Int("port", 7130, "TCP listen port (1-65535)")
	mjpgRoot := flag.String("mjpg-root", "", "Directory containing the mjpg_streamer binary (default: resolve via PATH)")
	logFile := flag.String("logfile", "", "Server log file (default: combined stdout/stderr)")
	logLevel := flag.Int("log-level", 3, "Log verbosity 0..5 (0=quietest)")
	mjpgLogFile := flag.String("mjpg-logfile", "", "Video helper log file (default: inherit server stdout)")
	metricsAddr := flag.String("metrics-addr", "", "Metrics HTTP listen address (e.g. :9100); empty disables")
	mdnsEnable := flag.Bool("mdns-enable", false, "Enable mDNS advertisement")
	mdnsName := flag.String("mdns-name", "", "mDNS instance name (default kvmbridge-<hostname>)")
	showVersion := flag.Bool("version", false, "Print version and exit")
	flag.Parse()

	setFlags := map[string]struct{}{}
	flag.Visit(func(f *flag.Flag) { setFlags[f.Name] = struct{}{} })

	cfg.bindAddr = *bind
	cfg.port = *port
	cfg.mjpgRoot = *mjpgRoot
	cfg.logFile = *logFile
	cfg.logLevel = *logLevel
	cfg.mjpgLogFile = *mjpgLogFile
	cfg.metricsAddr = *metricsAddr
	cfg.mdnsEnable = *mdnsEnable
	cfg.mdnsName = *mdnsName

	if err := applyEnvOverrides(cfg, setFlags); err != nil {
		fmt.Printf("environment override error: %v\n", err)
		return nil, *showVersion
	}
	if err := cfg.validate(); err != nil {
		fmt.Printf("configuration error: %v\n", err)
		return nil, *showVersion
	}
	return cfg, *showVersion
}

// validate checks values/ranges only; it never touches the filesystem or
// network. Device and listener checks happen at startup.
func (c *appConfig) validate() error {
	if c == nil {
		return errors.New("nil config")
	}
	if c.port < 1 || c.port > 65535 {
		return fmt.Errorf("port must be in 1..65535 (got %d)", c.port)
	}
	if net.ParseIP(c.bindAddr) == nil {
		return fmt.Errorf("invalid bind address: %q", c.bindAddr)
	}
	if c.logLevel < 0 || c.logLevel > 5 {
		return fmt.Errorf("log-level must be in 0..5 (got %d)", c.logLevel)
	}
	return nil
}

// applyEnvOverrides maps KVMBRIDGE_* environment variables to config fields
// unless the corresponding flag was explicitly set on the command line.
func applyEnvOverrides(c *appConfig, set map[string]struct{}) error {
	var firstErr error
	get := func(k string) (string, bool) { v, ok := os.LookupEnv(k); return strings.TrimSpace(v), ok }

	if _, ok := set["bind"]; !ok {
		if v, ok := get("KVMBRIDGE_BIND"); ok && v != "" {
			c.bindAddr = v
		}
	}
	if _, ok := set["port"]; !ok {
		if v, ok := get("KVMBRIDGE_PORT"); ok && v != "" {
			if n, err := strconv.Atoi(v); err == nil {
				c.port = n
			} else {
				firstErr = firstNonNil(firstErr, fmt.Errorf("invalid KVMBRIDGE_PORT: %w", err))
			}
		}
	}
	if _, ok := set["mjpg-root"]; !ok {
		if v, ok := get("KVMBRIDGE_MJPG_ROOT"); ok {
			c.mjpgRoot = v
		}
	}
	if _, ok := set["logfile"]; !ok {
		if v, ok := get("KVMBRIDGE_LOGFILE"); ok {
			c.logFile = v
		}
	}
	if _, ok := set["log-level"]; !ok {
		if v, ok := get("KVMBRIDGE_LOG_LEVEL"); ok && v != "" {
			if n, err := strconv.Atoi(v); err == nil {
				c.logLevel = n
			} else {
				firstErr = firstNonNil(firstErr, fmt.Errorf("invalid KVMBRIDGE_LOG_LEVEL: %w", err))
			}
		}
	}
	if _, ok := set["mjpg-logfile"]; !ok {
		if v, ok := get("KVMBRIDGE_MJPG_LOGFILE"); ok {
			c.mjpgLogFile = v
		}
	}
	if _, ok := set["metrics-addr"]; !ok {
		if v, ok := get("KVMBRIDGE_METRICS"); ok {
			c.metricsAddr = v
		}
	}
	if _, ok := set["mdns-enable"]; !ok {
		if v, ok := get("KVMBRIDGE_MDNS_ENABLE"); ok && v != "" {
			switch strings.ToLower(v) {
			case "1", "true", "yes", "on":
				c.mdnsEnable = true
			case "0", "false", "no", "off":
				c.mdnsEnable = false
			}
		}
	}
	if _, ok := set["mdns-name"]; !ok {
		if v, ok := get("KVMBRIDGE_MDNS_NAME"); ok {
			c.mdnsName = v
		}
	}
	return firstErr
}

func firstNonNil(a, b error) error {
	if a != nil {
		return a
	}
	return b
}

// listenAddr formats the bind address and port as a net.Listen target. The
// literal is passed through unchanged, so net.Listen picks the socket family
// from it (an IPv4 literal gets an IPv4 socket).
func (c *appConfig) listenAddr() string {
	return net.JoinHostPort(c.bindAddr, strconv.Itoa(c.port))
}
