// Package discovery advertises the running server over mDNS so operators on
// the LAN can find it without knowing the bind address in advance. It is a
// pure convenience: disabled by default and fully inert when so.
package discovery

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/grandcat/zeroconf"
)

// ServiceType is the fixed mDNS service type advertised for this server.
const ServiceType = "_kvmbridge._tcp"

// StatusFunc reports live link state for the TXT record metadata.
type StatusFunc func() (serialOpen, mjpgRunning bool)

// Config controls whether and how the server advertises itself.
type Config struct {
	Enable  bool
	Name    string // instance name; default kvmbridge-<hostname>
	Version string
}

// cleanup stops a running advertisement. Calling it when nothing was
// started is a safe no-op.
type cleanup func()

// Start registers the service once port is known. The TXT record's
// serial/mjpg liveness flags are a snapshot taken at registration time,
// matching zeroconf's static-record registration model. It returns a
// cleanup func and is a no-op (empty cleanup, nil error) when cfg.Enable
// is false.
func Start(ctx context.Context, cfg Config, port int, status StatusFunc) (cleanup, error) {
	if !cfg.Enable {
		return func() {}, nil
	}
	instance := cfg.Name
	if instance == "" {
		host, _ := os.Hostname()
		instance = fmt.Sprintf("kvmbridge-%s", host)
	}

	svc, err := zeroconf.Register(instance, ServiceType, "local.", port, txtRecords(cfg.Version, status), nil)
	if err != nil {
		return nil, fmt.Errorf("mdns register: %w", err)
	}

	done := make(chan struct{})
	go func() {
		select {
		case <-ctx.Done():
		case <-done:
		}
		svc.Shutdown()
	}()

	return func() {
		close(done)
		svc.Shutdown()
		time.Sleep(50 * time.Millisecond)
	}, nil
}

func txtRecords(version string, status StatusFunc) []string {
	serialOpen, mjpgRunning := false, false
	if status != nil {
		serialOpen, mjpgRunning = status()
	}
	return []string{
		"version=" + version,
		fmt.Sprintf("serial=%t", serialOpen),
		fmt.Sprintf("mjpg=%t", mjpgRunning),
	}
}
