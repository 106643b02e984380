// Package metrics exposes Prometheus counters/gauges for the session,
// serial and mjpg subsystems, plus a /ready endpoint for liveness probes.
package metrics

import (
	"net/http"
	"sync"
	"sync/atomic"

	"github.com/kstaniek/go-kvm-server/internal/logging"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	TCPAccepts = promauto.NewCounter(prometheus.CounterOpts{
		Name: "kvm_tcp_accepts_total",
		Help: "Total TCP connections accepted.",
	})
	HandshakeOK = promauto.NewCounter(prometheus.CounterOpts{
		Name: "kvm_handshake_success_total",
		Help: "Total successful client handshakes.",
	})
	HandshakeFail = promauto.NewCounter(prometheus.CounterOpts{
		Name: "kvm_handshake_failure_total",
		Help: "Total rejected handshakes (first four bytes not the handshake frame).",
	})
	AskAliveDisplacements = promauto.NewCounter(prometheus.CounterOpts{
		Name: "kvm_ask_alive_displacements_total",
		Help: "Total times a new peer displaced a stale one after an ask-alive timeout.",
	})
	AskAliveRetained = promauto.NewCounter(prometheus.CounterOpts{
		Name: "kvm_ask_alive_retained_total",
		Help: "Total times the current peer answered ask-alive and was retained.",
	})
	SerialWrites = promauto.NewCounter(prometheus.CounterOpts{
		Name: "kvm_serial_writes_total",
		Help: "Total UART frames written to the serial link.",
	})
	SerialWriteTimeouts = promauto.NewCounter(prometheus.CounterOpts{
		Name: "kvm_serial_write_timeouts_total",
		Help: "Total serial writes that failed to drain before the write timeout.",
	})
	SerialReopens = promauto.NewCounter(prometheus.CounterOpts{
		Name: "kvm_serial_reopens_total",
		Help: "Total times the serial link was closed and reopened for a different device.",
	})
	MjpgStarts = promauto.NewCounter(prometheus.CounterOpts{
		Name: "kvm_mjpg_starts_total",
		Help: "Total times the video helper process was spawned.",
	})
	MjpgRestarts = promauto.NewCounter(prometheus.CounterOpts{
		Name: "kvm_mjpg_restarts_total",
		Help: "Total times the video helper was stopped and respawned with new parameters.",
	})
	MjpgForceKills = promauto.NewCounter(prometheus.CounterOpts{
		Name: "kvm_mjpg_force_kills_total",
		Help: "Total times the video helper had to be SIGKILLed after ignoring SIGINT.",
	})
	MalformedFrames = promauto.NewCounter(prometheus.CounterOpts{
		Name: "kvm_malformed_frames_total",
		Help: "Total client frames skipped due to an unknown type.",
	})
	SessionState = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "kvm_session_state",
		Help: "Current admission state: 0=empty 1=pending 2=accepted.",
	})
	BuildInfo = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "kvm_build_info",
		Help: "Build metadata (value is always 1).",
	}, []string{"version", "commit", "date"})
	Errors = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "kvm_errors_total",
		Help: "Error counters by subsystem.",
	}, []string{"where"})

	readinessMu sync.RWMutex
	readinessFn func() bool
)

// Error label constants (stable label values to bound cardinality).
const (
	ErrTCPRead     = "tcp_read"
	ErrTCPWrite    = "tcp_write"
	ErrHandshake   = "handshake"
	ErrSerialOpen  = "serial_open"
	ErrSerialWrite = "serial_write"
	ErrMjpgSpawn   = "mjpg_spawn"
	ErrMjpgKill    = "mjpg_kill"
	ErrDeviceList  = "device_list"
)

// StartHTTP serves Prometheus metrics at /metrics and readiness at /ready.
func StartHTTP(addr string) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/ready", func(w http.ResponseWriter, r *http.Request) {
		if IsReady() {
			w.WriteHeader(http.StatusOK)
			_, _ = w.Write([]byte("ready\n"))
			return
		}
		w.WriteHeader(http.StatusServiceUnavailable)
		_, _ = w.Write([]byte("not ready\n"))
	})

	srv := &http.Server{Addr: addr, Handler: mux}
	go func() {
		logging.L().Info("metrics_listen", "addr", addr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logging.L().Error("metrics_http_error", "error", err)
		}
	}()
	return srv
}

// Local mirrored counters for cheap periodic logging without scraping Prometheus in-process.
var (
	localAccepts        uint64
	localHandshakeOK     uint64
	localHandshakeFail   uint64
	localAskDisplace     uint64
	localSerialWrites    uint64
	localSerialTimeouts  uint64
	localMjpgStarts      uint64
	localMjpgRestarts    uint64
	localMalformed       uint64
	localErrors          uint64
)

// Snapshot is a cheap copy of the local counters, for log-line summaries.
type Snapshot struct {
	Accepts         uint64
	HandshakeOK     uint64
	HandshakeFail   uint64
	AskDisplacements uint64
	SerialWrites    uint64
	SerialTimeouts  uint64
	MjpgStarts      uint64
	MjpgRestarts    uint64
	Malformed       uint64
	Errors          uint64
}

func Snap() Snapshot {
	return Snapshot{
		Accepts:          atomic.LoadUint64(&localAccepts),
		HandshakeOK:      atomic.LoadUint64(&localHandshakeOK),
		HandshakeFail:    atomic.LoadUint64(&localHandshakeFail),
		AskDisplacements: atomic.LoadUint64(&localAskDisplace),
		SerialWrites:     atomic.LoadUint64(&localSerialWrites),
		SerialTimeouts:   atomic.LoadUint64(&localSerialTimeouts),
		MjpgStarts:       atomic.LoadUint64(&localMjpgStarts),
		MjpgRestarts:     atomic.LoadUint64(&localMjpgRestarts),
		Malformed:        atomic.LoadUint64(&localMalformed),
		Errors:           atomic.LoadUint64(&localErrors),
	}
}

func IncTCPAccept() { TCPAccepts.Inc(); atomic.AddUint64(&localAccepts, 1) }

func IncHandshakeOK() { HandshakeOK.Inc(); atomic.AddUint64(&localHandshakeOK, 1) }

func IncHandshakeFail() { HandshakeFail.Inc(); atomic.AddUint64(&localHandshakeFail, 1) }

func IncAskAliveDisplacement() {
	AskAliveDisplacements.Inc()
	atomic.AddUint64(&localAskDisplace, 1)
}

func IncAskAliveRetained() { AskAliveRetained.Inc() }

func IncSerialWrite() { SerialWrites.Inc(); atomic.AddUint64(&localSerialWrites, 1) }

func IncSerialWriteTimeout() {
	SerialWriteTimeouts.Inc()
	atomic.AddUint64(&localSerialTimeouts, 1)
}

func IncSerialReopen() { SerialReopens.Inc() }

func IncMjpgStart() { MjpgStarts.Inc(); atomic.AddUint64(&localMjpgStarts, 1) }

func IncMjpgRestart() { MjpgRestarts.Inc(); atomic.AddUint64(&localMjpgRestarts, 1) }

func IncMjpgForceKill() { MjpgForceKills.Inc() }

func IncMalformed() { MalformedFrames.Inc(); atomic.AddUint64(&localMalformed, 1) }

func SetSessionState(n int) { SessionState.Set(float64(n)) }

func IncError(label string) {
	Errors.WithLabelValues(label).Inc()
	atomic.AddUint64(&localErrors, 1)
}

// InitBuildInfo sets the build info gauge and pre-registers error label series
// so the first real error of each kind doesn't pay Prometheus's first-touch cost.
func InitBuildInfo(version, commit, date string) {
	BuildInfo.WithLabelValues(version, commit, date).Set(1)
	for _, lbl := range []string{
		ErrTCPRead, ErrTCPWrite, ErrHandshake, ErrSerialOpen,
		ErrSerialWrite, ErrMjpgSpawn, ErrMjpgKill, ErrDeviceList,
	} {
		Errors.WithLabelValues(lbl).Add(0)
	}
}

// SetReadinessFunc registers the predicate used by /ready and IsReady.
func SetReadinessFunc(fn func() bool) { readinessMu.Lock(); readinessFn = fn; readinessMu.Unlock() }

// IsReady invokes the registered readiness function, defaulting to true until one is set.
func IsReady() bool {
	readinessMu.RLock()
	fn := readinessFn
	readinessMu.RUnlock()
	if fn == nil {
		return true
	}
	return fn()
}
