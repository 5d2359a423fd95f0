// Package api serves the optional debug endpoints: a JSON pool snapshot, a
// process status page and the Prometheus metrics.
package api

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"runtime"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Server is the debug HTTP server. It is off unless the data source config
// names a listen address.
type Server struct {
	addr       string
	registry   *prometheus.Registry
	stats      func() any
	log        *slog.Logger
	httpServer *http.Server
	startTime  time.Time
}

// New builds the server; Start brings it up.
func New(addr string, registry *prometheus.Registry, stats func() any, log *slog.Logger) *Server {
	return &Server{
		addr:      addr,
		registry:  registry,
		stats:     stats,
		log:       log,
		startTime: time.Now(),
	}
}

// Start begins listening in the background.
func (s *Server) Start() error {
	r := mux.NewRouter()
	r.HandleFunc("/stats", s.statsHandler).Methods("GET")
	r.HandleFunc("/status", s.statusHandler).Methods("GET")
	r.Handle("/metrics", promhttp.HandlerFor(s.registry, promhttp.HandlerOpts{})).Methods("GET")

	s.httpServer = &http.Server{
		Addr:         s.addr,
		Handler:      r,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
	}

	ln := s.httpServer
	go func() {
		if err := ln.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			s.log.Error("debug server failed", "addr", s.addr, "err", err)
		}
	}()
	s.log.Info("debug server listening", "addr", s.addr)
	return nil
}

// Stop gracefully shuts the server down.
func (s *Server) Stop() error {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return s.httpServer.Shutdown(ctx)
}

func (s *Server) statsHandler(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.stats())
}

func (s *Server) statusHandler(w http.ResponseWriter, r *http.Request) {
	var mem runtime.MemStats
	runtime.ReadMemStats(&mem)

	writeJSON(w, http.StatusOK, map[string]any{
		"uptime_seconds": int(time.Since(s.startTime).Seconds()),
		"go_version":     runtime.Version(),
		"goroutines":     runtime.NumGoroutine(),
		"memory_mb":      float64(mem.Alloc) / 1024 / 1024,
	})
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}
