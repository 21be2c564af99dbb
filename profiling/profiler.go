package profiling

import (
	"context"
	"fmt"
	"net/http"
	"net/http/pprof"
	"runtime"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/corebook/trading-engine/logging"
)

// Profiler exposes the runtime pprof endpoints on a dedicated port, kept off
// the trading API so profiling traffic never competes with order flow.
type Profiler struct {
	server *http.Server
}

// NewProfiler enables block and mutex sampling and prepares the pprof server.
// Sampling rates are modest; the matching path is hot and full sampling would
// distort the numbers it is meant to explain.
func NewProfiler(port int) *Profiler {
	runtime.SetBlockProfileRate(10000)
	runtime.SetMutexProfileFraction(100)

	mux := http.NewServeMux()
	mux.HandleFunc("/debug/pprof/", pprof.Index)
	mux.HandleFunc("/debug/pprof/cmdline", pprof.Cmdline)
	mux.HandleFunc("/debug/pprof/profile", pprof.Profile)
	mux.HandleFunc("/debug/pprof/symbol", pprof.Symbol)
	mux.HandleFunc("/debug/pprof/trace", pprof.Trace)

	return &Profiler{
		server: &http.Server{
			Addr:         fmt.Sprintf(":%d", port),
			Handler:      mux,
			ReadTimeout:  30 * time.Second,
			WriteTimeout: 5 * time.Minute,
		},
	}
}

// Start runs the pprof server in the background
func (p *Profiler) Start() {
	go func() {
		logging.LogWithFields(logrus.InfoLevel, "pprof server listening", logrus.Fields{
			"addr": p.server.Addr,
		})
		if err := p.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logging.LogWithFields(logrus.ErrorLevel, "pprof server failed", logrus.Fields{
				"error": err.Error(),
			})
		}
	}()
}

// Stop shuts the pprof server down
func (p *Profiler) Stop(ctx context.Context) error {
	runtime.SetBlockProfileRate(0)
	runtime.SetMutexProfileFraction(0)
	return p.server.Shutdown(ctx)
}
