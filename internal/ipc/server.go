package ipc

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"os"
	"path/filepath"
	"sync"
)

// RequestHandler answers one control socket request
type RequestHandler func(ctx context.Context, req Message) (Message, error)

// Server is the control socket used by operational tooling. Each
// connection carries a single request and its reply.
type Server struct {
	socketPath string
	listener   *net.UnixListener
	handler    RequestHandler
	wg         sync.WaitGroup
	stopChan   chan struct{}
	mu         sync.Mutex
}

// NewServer creates a new control socket server
func NewServer(socketPath string, handler RequestHandler) *Server {
	return &Server{
		socketPath: socketPath,
		handler:    handler,
		stopChan:   make(chan struct{}),
	}
}

// Start starts the control socket server
func (s *Server) Start(ctx context.Context) error {
	dir := filepath.Dir(s.socketPath)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create socket directory: %w", err)
	}

	// Remove old socket if it exists
	if err := os.Remove(s.socketPath); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("failed to remove old socket: %w", err)
	}

	listener, err := net.ListenUnix("unixpacket", &net.UnixAddr{Name: s.socketPath, Net: "unixpacket"})
	if err != nil {
		return fmt.Errorf("failed to create listener: %w", err)
	}

	// Session listings name users and addresses, so only the owner and
	// its group may connect.
	if err := os.Chmod(s.socketPath, 0660); err != nil {
		_ = listener.Close()
		return fmt.Errorf("failed to set socket permissions: %w", err)
	}

	s.mu.Lock()
	s.listener = listener
	s.mu.Unlock()

	slog.Info("control socket started", "socket", s.socketPath)

	s.wg.Add(1)
	go s.acceptLoop(ctx)

	return nil
}

// acceptLoop accepts incoming connections
func (s *Server) acceptLoop(ctx context.Context) {
	defer s.wg.Done()

	for {
		select {
		case <-s.stopChan:
			return
		default:
		}

		conn, err := s.listener.AcceptUnix()
		if err != nil {
			select {
			case <-s.stopChan:
				return
			default:
				slog.Error("failed to accept connection", "error", err)
				continue
			}
		}

		s.wg.Add(1)
		go s.handleConnection(ctx, newConn(conn, MaxControlPayload))
	}
}

// handleConnection serves a single request
func (s *Server) handleConnection(ctx context.Context, conn *Conn) {
	defer s.wg.Done()
	defer func() { _ = conn.Close() }()

	req, files, err := conn.Recv()
	CloseFiles(files)
	if err != nil {
		slog.Error("failed to decode request", "error", err)
		s.sendErrorResponse(conn, req.Command, ResultFromError(err))
		return
	}

	slog.Debug("control request received", "cmd", req.Command.String())

	resp, err := s.handler(ctx, req)
	if err != nil {
		slog.Error("handler error", "cmd", req.Command.String(), "error", err)
		s.sendErrorResponse(conn, req.Command, ResultFromError(err))
		return
	}

	if err := conn.Send(resp); err != nil {
		slog.Error("failed to send response", "error", err)
	}
}

// sendErrorResponse replies with a bare result code
func (s *Server) sendErrorResponse(conn *Conn, cmd Command, result Result) {
	if !cmd.Valid() {
		cmd = CmdSessionInfo
	}
	if err := conn.Send(Message{Command: cmd, Result: result}); err != nil {
		slog.Error("failed to send error response", "error", err)
	}
}

// Stop stops the control socket server gracefully
func (s *Server) Stop() error {
	slog.Info("stopping control socket")

	close(s.stopChan)

	s.mu.Lock()
	if s.listener != nil {
		if err := s.listener.Close(); err != nil {
			slog.Warn("failed to close listener", "error", err)
		}
	}
	s.mu.Unlock()

	s.wg.Wait()

	if err := os.Remove(s.socketPath); err != nil && !os.IsNotExist(err) {
		slog.Warn("failed to remove socket file", "error", err)
	}

	slog.Info("control socket stopped")
	return nil
}
