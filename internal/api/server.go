package api

import (
	"context"
	"fmt"
	"net/http"
	"time"

	httpSwagger "github.com/swaggo/http-swagger"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethindex/erc20indexer/internal/config"
	"github.com/ethindex/erc20indexer/internal/logger"
	"github.com/ethindex/erc20indexer/internal/query"
	"github.com/ethindex/erc20indexer/internal/store"
)

const shutdownTimeout = 10 * time.Second

// Server is the read-only HTTP query surface for a single tracked token.
type Server struct {
	cfg  *config.APIConfig
	http *http.Server
	log  *logger.Logger
}

// NewServer wires the handler and route table for the tracked token.
func NewServer(cfg *config.APIConfig, svc *query.Service, token *store.TokenRepository, addr common.Address, log *logger.Logger) *Server {
	handler := NewHandler(svc, token, addr, log)

	mux := http.NewServeMux()
	mux.HandleFunc("GET /health", handler.Health)
	mux.HandleFunc("GET /api/v1/balance/{address}", handler.Balance)
	mux.HandleFunc("GET /api/v1/transfers", handler.Transfers)
	mux.HandleFunc("GET /api/v1/holders", handler.TopHolders)
	mux.HandleFunc("GET /api/v1/stats", handler.Stats)
	mux.HandleFunc("GET /schema", handler.Schema)
	mux.Handle("GET /swagger/", httpSwagger.Handler(
		httpSwagger.URL("/swagger/doc.json"),
		httpSwagger.DeepLinking(true),
	))

	var h http.Handler = mux
	h = loggingMiddleware(log)(h)
	h = recoveryMiddleware(log)(h)

	return &Server{
		cfg: cfg,
		log: log.WithComponent("api"),
		http: &http.Server{
			Addr:         cfg.Addr,
			Handler:      h,
			ReadTimeout:  15 * time.Second,
			WriteTimeout: 15 * time.Second,
			IdleTimeout:  60 * time.Second,
		},
	}
}

// Start runs the server until ctx is cancelled, then shuts it down
// gracefully. A disabled server returns immediately.
func (s *Server) Start(ctx context.Context) error {
	if !s.cfg.Enabled {
		s.log.Infow("api server disabled")
		return nil
	}

	s.log.Infow("starting api server", "addr", s.cfg.Addr)
	errCh := make(chan error, 1)
	go func() {
		if err := s.http.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return fmt.Errorf("api: serve: %w", err)
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	s.log.Infow("stopping api server")
	if err := s.http.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("api: shutdown: %w", err)
	}
	return nil
}
