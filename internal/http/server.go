package http

import (
	"context"
	"encoding/json"
	"net"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

// WorkerStatus abstracts the connector's source-topic join state.
type WorkerStatus interface {
	IsJoined() bool
}

// CatalogChecker abstracts the catalog health check for testability.
type CatalogChecker interface {
	Ping(ctx context.Context) error
}

type Server struct {
	srv            *http.Server
	catalogChecker CatalogChecker
	worker         WorkerStatus
	logger         *zap.Logger
}

func NewServer(addr string, catalogChecker CatalogChecker, worker WorkerStatus, logger *zap.Logger) *Server {
	s := &Server{
		catalogChecker: catalogChecker,
		worker:         worker,
		logger:         logger,
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", s.handleHealthz)
	mux.HandleFunc("/readyz", s.handleReadyz)
	mux.Handle("/metrics", promhttp.Handler())

	s.srv = &http.Server{
		Addr:    addr,
		Handler: mux,
	}

	return s
}

func (s *Server) Start() error {
	ln, err := net.Listen("tcp", s.srv.Addr)
	if err != nil {
		return err
	}
	s.logger.Info("HTTP server listening", zap.String("addr", s.srv.Addr))
	go func() {
		if err := s.srv.Serve(ln); err != nil && err != http.ErrServerClosed {
			s.logger.Error("HTTP server error", zap.Error(err))
		}
	}()
	return nil
}

func (s *Server) Shutdown(ctx context.Context) error {
	return s.srv.Shutdown(ctx)
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	json.NewEncoder(w).Encode(map[string]string{"status": "ok"})
}

func (s *Server) handleReadyz(w http.ResponseWriter, r *http.Request) {
	checks := map[string]string{}
	allOK := true

	if s.catalogChecker != nil {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()

		if err := s.catalogChecker.Ping(ctx); err != nil {
			checks["catalog"] = "error"
			allOK = false
		} else {
			checks["catalog"] = "ok"
		}
	} else {
		checks["catalog"] = "error"
		allOK = false
	}

	if s.worker != nil && s.worker.IsJoined() {
		checks["source"] = "ok"
	} else {
		checks["source"] = "not_joined"
		allOK = false
	}

	w.Header().Set("Content-Type", "application/json")
	status := "ready"
	httpStatus := http.StatusOK
	if !allOK {
		status = "not_ready"
		httpStatus = http.StatusServiceUnavailable
	}

	w.WriteHeader(httpStatus)
	json.NewEncoder(w).Encode(map[string]any{
		"status": status,
		"checks": checks,
	})
}
