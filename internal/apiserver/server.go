// Package apiserver is the HTTP control plane: start/pause/resume/cancel
// workflows, resolve human tasks, and inspect metrics, grounded on the
// teacher's internal/http package (Server/NewServer/Run over a gin.Engine).
package apiserver

import (
	"context"
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
)

type Server struct {
	Engine *gin.Engine
	http   *http.Server
}

func NewServer(cfg RouterConfig) *Server {
	return &Server{Engine: NewRouter(cfg)}
}

// Run serves address until Shutdown is called, or until the listener itself
// fails. http.ErrServerClosed from a clean Shutdown is swallowed, matching
// the net/http convention.
func (s *Server) Run(address string) error {
	s.http = &http.Server{Addr: address, Handler: s.Engine}
	if err := s.http.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Shutdown stops accepting new connections and waits for in-flight requests
// to finish, or for ctx to expire, whichever comes first.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.http == nil {
		return nil
	}
	return s.http.Shutdown(ctx)
}
