// Package statusapi exposes the supervisor's admin and observability
// surface over HTTP: registry-slot introspection and the two admin
// operations the pool registry exposes, evict_database and
// shutdown_pooled, alongside health and Prometheus metrics endpoints.
package statusapi

import (
	"context"
	"encoding/json"
	"log"
	"net/http"
	"runtime"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/poolcore/poolcore/internal/collab"
	"github.com/poolcore/poolcore/internal/metrics"
	"github.com/poolcore/poolcore/internal/registry"
)

// Supervisor is the subset of *supervisor.Supervisor the status API drives.
// Defined as an interface here so this package doesn't import
// internal/supervisor and can be tested without a real accept loop.
type Supervisor interface {
	EvictDatabase(databaseID int64)
	ShutdownPooled()
}

// Server is the REST API and metrics server for the supervisor.
type Server struct {
	registry   *registry.Registry
	catalog    *collab.Catalog
	supervisor Supervisor
	metrics    *metrics.Collector
	httpServer *http.Server
	startTime  time.Time
	addr       string
}

// NewServer creates a new status API server.
func NewServer(reg *registry.Registry, cat *collab.Catalog, sup Supervisor, m *metrics.Collector, addr string) *Server {
	return &Server{
		registry:   reg,
		catalog:    cat,
		supervisor: sup,
		metrics:    m,
		startTime:  time.Now(),
		addr:       addr,
	}
}

// Start starts the HTTP API server.
func (s *Server) Start() error {
	r := mux.NewRouter()

	r.HandleFunc("/slots", s.listSlots).Methods("GET")
	r.HandleFunc("/databases/{name}/evict", s.evictDatabase).Methods("POST")
	r.HandleFunc("/shutdown_pooled", s.shutdownPooled).Methods("POST")

	r.HandleFunc("/status", s.statusHandler).Methods("GET")
	r.HandleFunc("/health", s.healthHandler).Methods("GET")
	r.HandleFunc("/ready", s.healthHandler).Methods("GET")

	if s.metrics != nil {
		r.Handle("/metrics", promhttp.HandlerFor(s.metrics.Registry, promhttp.HandlerOpts{}))
	}

	s.httpServer = &http.Server{
		Addr:         s.addr,
		Handler:      r,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
	}

	log.Printf("[statusapi] listening on %s", s.addr)

	go func() {
		if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Printf("[statusapi] server error: %v", err)
		}
	}()

	return nil
}

// Stop gracefully shuts down the API server.
func (s *Server) Stop() error {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return s.httpServer.Shutdown(ctx)
}

type slotResponse struct {
	Index        int    `json:"index"`
	PID          int64  `json:"pid,omitempty"`
	WorkerKey    int64  `json:"worker_key,omitempty"`
	DatabaseID   int64  `json:"database_id,omitempty"`
	DatabaseName string `json:"database_name,omitempty"`
	Status       string `json:"status"`
}

func (s *Server) listSlots(w http.ResponseWriter, r *http.Request) {
	snap := s.registry.Snapshot()

	result := make([]slotResponse, 0, len(snap))
	for _, sv := range snap {
		result = append(result, slotResponse{
			Index:        sv.Index,
			PID:          sv.PID,
			WorkerKey:    sv.WorkerKey,
			DatabaseID:   sv.DatabaseID,
			DatabaseName: sv.DatabaseName,
			Status:       sv.Status.String(),
		})
	}

	writeJSON(w, http.StatusOK, result)
}

func (s *Server) evictDatabase(w http.ResponseWriter, r *http.Request) {
	name := mux.Vars(r)["name"]

	info, ok := s.catalog.Lookup(name)
	if !ok {
		writeError(w, http.StatusNotFound, "database not found")
		return
	}

	s.supervisor.EvictDatabase(info.ID)
	log.Printf("[statusapi] database %s (id=%d) evicted", name, info.ID)

	writeJSON(w, http.StatusOK, map[string]string{"status": "evicted", "database": name})
}

func (s *Server) shutdownPooled(w http.ResponseWriter, r *http.Request) {
	s.supervisor.ShutdownPooled()
	log.Printf("[statusapi] shutdown_pooled triggered")

	writeJSON(w, http.StatusOK, map[string]string{"status": "draining"})
}

func (s *Server) healthHandler(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) statusHandler(w http.ResponseWriter, r *http.Request) {
	var mem runtime.MemStats
	runtime.ReadMemStats(&mem)

	snap := s.registry.Snapshot()
	counts := map[string]int{}
	for _, sv := range snap {
		counts[sv.Status.String()]++
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"uptime_seconds": int(time.Since(s.startTime).Seconds()),
		"go_version":     runtime.Version(),
		"goroutines":     runtime.NumGoroutine(),
		"memory_mb":      float64(mem.Alloc) / 1024 / 1024,
		"capacity":       s.registry.Capacity(),
		"slot_counts":    counts,
	})
}

func writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}
