package daemon

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"

	"github.com/gorilla/handlers"
	"github.com/hirelink/chatsync/internal/api"
	"github.com/hirelink/chatsync/internal/session"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zapio"
)

// Server serves the control API over the session's Unix domain socket.
type Server struct {
	httpServer *http.Server
	listener   net.Listener
	socketPath string
	logger     *zap.Logger
}

// NewServer binds the control API to the session's Unix domain socket.
func NewServer(p Params, logger *zap.Logger, a *api.API) (*Server, error) {
	socketPath := p.SocketPath
	if socketPath == "" {
		socketPath = session.SocketPath(p.SessionName)
	}

	// Clean stale socket if it exists.
	if _, err := os.Stat(socketPath); err == nil {
		_ = os.Remove(socketPath)
	}

	listener, err := net.Listen("unix", socketPath)
	if err != nil {
		return nil, fmt.Errorf("listen unix socket: %w", err)
	}

	// Set socket permissions to 0600.
	if err := os.Chmod(socketPath, 0600); err != nil {
		_ = listener.Close()
		return nil, fmt.Errorf("chmod socket: %w", err)
	}

	accessLog := &zapio.Writer{Log: logger.Named("http"), Level: zapcore.DebugLevel}
	srv := &http.Server{
		Handler: handlers.CombinedLoggingHandler(accessLog, a.Routes()),
	}

	return &Server{
		httpServer: srv,
		listener:   listener,
		socketPath: socketPath,
		logger:     logger,
	}, nil
}

// Start begins serving control requests. Blocks until stopped.
func (s *Server) Start() error {
	s.logger.Info("control server starting", zap.String("socket", s.socketPath))
	if err := s.httpServer.Serve(s.listener); !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Stop performs a graceful shutdown and removes the socket file.
func (s *Server) Stop(ctx context.Context) {
	s.logger.Info("control server stopping")
	_ = s.httpServer.Shutdown(ctx)
	_ = os.Remove(s.socketPath)
}
