// Package api exposes the node's operational surface over HTTP: status,
// peer listings, backend health and the recent message log. It is a
// read-only reporting plane; all swarm traffic goes through the discovery
// service.
package api

import (
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"
	logging "github.com/ipfs/go-log/v2"
	"github.com/rs/cors"

	"github.com/OmniSwarmV1/omni-swarm/config"
	"github.com/OmniSwarmV1/omni-swarm/network/discovery"
)

var log = logging.Logger("api")

// Server serves the ops endpoints for a single discovery service.
type Server struct {
	cfg       config.APIConfig
	discovery *discovery.Service
	router    *mux.Router
	server    *http.Server
	startedAt time.Time
}

func NewServer(cfg config.APIConfig, svc *discovery.Service) *Server {
	s := &Server{
		cfg:       cfg,
		discovery: svc,
		startedAt: time.Now(),
	}
	s.setupRoutes()
	return s
}

func (s *Server) setupRoutes() {
	s.router = mux.NewRouter()
	s.router.Use(s.loggingMiddleware)

	v1 := s.router.PathPrefix("/api/v1").Subrouter()
	v1.HandleFunc("/status", s.handleStatus).Methods("GET")
	v1.HandleFunc("/peers", s.handlePeers).Methods("GET")
	v1.HandleFunc("/health", s.handleHealth).Methods("GET")
	v1.HandleFunc("/messages", s.handleMessages).Methods("GET")
}

// Handler returns the routed handler, with CORS applied when enabled.
// Exposed separately from Start for embedding in tests.
func (s *Server) Handler() http.Handler {
	if !s.cfg.EnableCORS {
		return s.router
	}
	c := cors.New(cors.Options{
		AllowedOrigins: []string{"*"},
		AllowedMethods: []string{"GET", "OPTIONS"},
		AllowedHeaders: []string{"Content-Type"},
	})
	return c.Handler(s.router)
}

// Start serves until Stop is called.
func (s *Server) Start() error {
	s.server = &http.Server{
		Addr:         s.cfg.ListenAddr,
		Handler:      s.Handler(),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
	}
	log.Infow("api server starting", "addr", s.cfg.ListenAddr)
	return s.server.ListenAndServe()
}

func (s *Server) Stop() error {
	if s.server != nil {
		return s.server.Close()
	}
	return nil
}

func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		next.ServeHTTP(w, r)
		log.Debugw("request", "method", r.Method, "path", r.URL.Path,
			"duration", time.Since(start))
	})
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	stats := s.discovery.GetStats()
	stats["uptime_seconds"] = time.Since(s.startedAt).Seconds()
	s.writeJSON(w, stats)
}

func (s *Server) handlePeers(w http.ResponseWriter, r *http.Request) {
	aliveOnly := false
	if v := r.URL.Query().Get("alive"); v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			s.writeError(w, "invalid alive parameter", http.StatusBadRequest)
			return
		}
		aliveOnly = b
	}
	peers := s.discovery.GetPeers(aliveOnly)
	s.writeJSON(w, map[string]interface{}{
		"peers": peers,
		"count": len(peers),
	})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	snapshot := s.discovery.Health().Snapshot()
	code := http.StatusOK
	if degraded, ok := snapshot["degraded"].(bool); ok && degraded {
		code = http.StatusServiceUnavailable
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(snapshot); err != nil {
		log.Warnw("failed to write response", "err", err)
	}
}

func (s *Server) handleMessages(w http.ResponseWriter, r *http.Request) {
	entries := s.discovery.MessageLog()
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			s.writeError(w, "invalid limit", http.StatusBadRequest)
			return
		}
		if n < len(entries) {
			entries = entries[len(entries)-n:]
		}
	}
	s.writeJSON(w, map[string]interface{}{
		"messages": entries,
		"count":    len(entries),
	})
}

func (s *Server) writeJSON(w http.ResponseWriter, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Warnw("failed to write response", "err", err)
	}
}

func (s *Server) writeError(w http.ResponseWriter, msg string, code int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(map[string]string{"error": msg})
}
