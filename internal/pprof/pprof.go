// Package pprof exposes runtime profiles of a running server.
package pprof

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	netpprof "net/http/pprof"
	"os"
	"path/filepath"
	"runtime/pprof"
	"sync"

	"github.com/julienschmidt/httprouter"

	"github.com/codefionn/flowsync/internal/logger"
)

// Config holds the pprof configuration
type Config struct {
	// HTTPAddr serves /debug/pprof/ when set, e.g. "localhost:6060"
	HTTPAddr string
	// CPUProfile is written from Start until Stop when set
	CPUProfile string
	// HeapProfile is written on Stop when set
	HeapProfile string
}

// Enabled reports whether any profiling was requested.
func (c Config) Enabled() bool {
	return c.HTTPAddr != "" || c.CPUProfile != "" || c.HeapProfile != ""
}

// Handler manages pprof profiling
type Handler struct {
	config   Config
	server   *http.Server
	listener net.Listener
	cpuFile  *os.File

	mu      sync.Mutex
	stopped bool
}

// NewHandler creates a new pprof handler with the given configuration
func NewHandler(config Config) *Handler {
	return &Handler{config: config}
}

// Addr returns the bound debug listener address, or "" when not serving.
func (h *Handler) Addr() string {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.listener == nil {
		return ""
	}
	return h.listener.Addr().String()
}

// Start begins profiling based on the configuration
func (h *Handler) Start() error {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.config.CPUProfile != "" {
		f, err := create(h.config.CPUProfile)
		if err != nil {
			return err
		}
		if err := pprof.StartCPUProfile(f); err != nil {
			f.Close()
			return fmt.Errorf("failed to start CPU profiling: %w", err)
		}
		h.cpuFile = f
	}

	if h.config.HTTPAddr != "" {
		ln, err := net.Listen("tcp", h.config.HTTPAddr)
		if err != nil {
			h.stopCPU()
			return fmt.Errorf("failed to bind pprof HTTP server: %w", err)
		}
		h.listener = ln
		h.server = &http.Server{Handler: router()}

		go func() {
			logger.Info("pprof listening on %s", ln.Addr())
			if err := h.server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
				logger.Error("pprof server error: %v", err)
			}
		}()
	}
	return nil
}

func router() *httprouter.Router {
	r := httprouter.New()
	r.HandlerFunc(http.MethodGet, "/debug/pprof/", netpprof.Index)
	r.HandlerFunc(http.MethodGet, "/debug/pprof/cmdline", netpprof.Cmdline)
	r.HandlerFunc(http.MethodGet, "/debug/pprof/profile", netpprof.Profile)
	r.HandlerFunc(http.MethodGet, "/debug/pprof/symbol", netpprof.Symbol)
	r.HandlerFunc(http.MethodGet, "/debug/pprof/trace", netpprof.Trace)
	for _, name := range []string{"goroutine", "heap", "allocs", "block", "mutex", "threadcreate"} {
		r.Handler(http.MethodGet, "/debug/pprof/"+name, netpprof.Handler(name))
	}
	return r
}

// Stop stops profiling, writes the heap profile and closes the debug server.
func (h *Handler) Stop(ctx context.Context) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.stopped {
		return nil
	}
	h.stopped = true

	var errs []error
	if err := h.stopCPU(); err != nil {
		errs = append(errs, err)
	}

	if h.config.HeapProfile != "" {
		if err := writeHeap(h.config.HeapProfile); err != nil {
			errs = append(errs, err)
		}
	}

	if h.server != nil {
		if err := h.server.Shutdown(ctx); err != nil {
			errs = append(errs, fmt.Errorf("failed to shutdown pprof server: %w", err))
		}
		h.server = nil
		h.listener = nil
	}
	return errors.Join(errs...)
}

func (h *Handler) stopCPU() error {
	if h.cpuFile == nil {
		return nil
	}
	pprof.StopCPUProfile()
	err := h.cpuFile.Close()
	h.cpuFile = nil
	if err != nil {
		return fmt.Errorf("failed to close CPU profile: %w", err)
	}
	return nil
}

func writeHeap(path string) error {
	f, err := create(path)
	if err != nil {
		return err
	}
	defer f.Close()
	if err := pprof.WriteHeapProfile(f); err != nil {
		return fmt.Errorf("failed to write heap profile: %w", err)
	}
	return nil
}

func create(path string) (*os.File, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, fmt.Errorf("failed to create profile directory: %w", err)
	}
	f, err := os.Create(path)
	if err != nil {
		return nil, fmt.Errorf("failed to create profile file: %w", err)
	}
	return f, nil
}
