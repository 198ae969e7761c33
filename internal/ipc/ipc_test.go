package ipc

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func startServer(t *testing.T, handler RequestHandler) string {
	t.Helper()

	socketPath := filepath.Join(t.TempDir(), "control.sock")
	server := NewServer(socketPath, handler)
	if err := server.Start(context.Background()); err != nil {
		t.Fatalf("failed to start server: %v", err)
	}
	t.Cleanup(func() {
		if err := server.Stop(); err != nil {
			t.Errorf("server.Stop failed: %v", err)
		}
	})
	return socketPath
}

func TestClientServerCommunication(t *testing.T) {
	handler := func(ctx context.Context, req Message) (Message, error) {
		if req.Command != CmdSessionInfo {
			return Message{}, ErrBadCommand
		}
		return Message{Command: CmdSessionInfo, Payload: &SessionInfo{Entries: []SessionEntry{
			{WorkerID: "w1", Username: "alice", RemoteIP: "192.0.2.1", State: "connected"},
			{WorkerID: "w2", Username: "bob", RemoteIP: "192.0.2.2", State: "authenticating"},
		}}}, nil
	}
	socketPath := startServer(t, handler)

	client := NewClient(socketPath)
	entries, err := client.Sessions(context.Background())
	if err != nil {
		t.Fatalf("Sessions failed: %v", err)
	}
	if len(entries) != 2 {
		t.Fatalf("got %d entries, want 2", len(entries))
	}
	if entries[0].Username != "alice" || entries[1].WorkerID != "w2" {
		t.Errorf("unexpected entries: %+v", entries)
	}
}

func TestServerHandlerError(t *testing.T) {
	handler := func(ctx context.Context, req Message) (Message, error) {
		return Message{}, ErrBadCommand
	}
	socketPath := startServer(t, handler)

	client := NewClient(socketPath)
	_, err := client.Do(context.Background(), Message{Command: CmdSessionInfo})
	if !errors.Is(err, ErrBadCommand) {
		t.Fatalf("Do error = %v, want ErrBadCommand", err)
	}
}

func TestServerEmptyListing(t *testing.T) {
	handler := func(ctx context.Context, req Message) (Message, error) {
		return Message{Command: CmdSessionInfo}, nil
	}
	socketPath := startServer(t, handler)

	entries, err := NewClient(socketPath).Sessions(context.Background())
	if err != nil {
		t.Fatalf("Sessions failed: %v", err)
	}
	if len(entries) != 0 {
		t.Errorf("got %d entries, want 0", len(entries))
	}
}

func TestClientConnectionFailure(t *testing.T) {
	client := NewClient("/nonexistent/path/control.sock")
	client.SetTimeout(time.Second)

	if _, err := client.Sessions(context.Background()); err == nil {
		t.Error("expected error when connecting to non-existent socket")
	}
}

func TestServerSocketPermissions(t *testing.T) {
	socketPath := startServer(t, func(ctx context.Context, req Message) (Message, error) {
		return req, nil
	})

	info, err := os.Stat(socketPath)
	if err != nil {
		t.Fatalf("failed to stat socket: %v", err)
	}
	if perm := info.Mode().Perm(); perm != 0660 {
		t.Errorf("socket permissions = %o, want 0660", perm)
	}
}
