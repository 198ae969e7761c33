package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"golang.org/x/crypto/bcrypt"

	"github.com/al-bashkir/tlsvpnd/internal/ipc"
)

func writeTestConfig(t *testing.T, dir, socket string) string {
	t.Helper()

	cert := filepath.Join(dir, "server.crt")
	key := filepath.Join(dir, "server.key")
	for _, p := range []string{cert, key} {
		if err := os.WriteFile(p, []byte("placeholder"), 0600); err != nil {
			t.Fatal(err)
		}
	}

	data := fmt.Sprintf(`listen:
  tcp: "127.0.0.1:0"
  udp: ""
  control_socket: %q
tls:
  cert_file: %q
  key_file: %q
auth:
  types: [plain]
  plain_passwd: "/etc/tlsvpnd/passwd"
log:
  level: "info"
  format: "json"
`, socket, cert, key)

	path := filepath.Join(dir, "tlsvpnd.yaml")
	if err := os.WriteFile(path, []byte(data), 0600); err != nil {
		t.Fatalf("failed to write test config: %v", err)
	}
	return path
}

// withGlobals restores the command globals after the test
func withGlobals(t *testing.T) *bytes.Buffer {
	t.Helper()
	oldCfg, oldExit := configFile, overrideExitCode
	oldSocket, oldJSON, oldReason := socketPath, jsonOutput, reason
	oldOut, oldIn := out, in
	t.Cleanup(func() {
		configFile, overrideExitCode = oldCfg, oldExit
		socketPath, jsonOutput, reason = oldSocket, oldJSON, oldReason
		out, in = oldOut, oldIn
	})
	overrideExitCode = -1
	buf := &bytes.Buffer{}
	out = buf
	return buf
}

func TestRunCheckConfig_Valid(t *testing.T) {
	withGlobals(t)
	dir := t.TempDir()
	configFile = writeTestConfig(t, dir, filepath.Join(dir, "control.sock"))

	if err := runCheckConfig(nil, nil); err != nil {
		t.Fatalf("runCheckConfig failed: %v", err)
	}
	if overrideExitCode != -1 {
		t.Fatalf("overrideExitCode = %d, want -1 (unset)", overrideExitCode)
	}
}

func TestRunCheckConfig_Invalid(t *testing.T) {
	withGlobals(t)
	cfgPath := filepath.Join(t.TempDir(), "tlsvpnd.yaml")

	// Missing certificate and key
	data := `listen:
  tcp: ":443"
auth:
  types: [plain]
  plain_passwd: "/etc/tlsvpnd/passwd"
`
	if err := os.WriteFile(cfgPath, []byte(data), 0600); err != nil {
		t.Fatalf("failed to write test config: %v", err)
	}
	configFile = cfgPath

	if err := runCheckConfig(nil, nil); err != nil {
		t.Fatalf("runCheckConfig returned unexpected error: %v", err)
	}
	if overrideExitCode != ExitConfig {
		t.Fatalf("overrideExitCode = %d, want %d (ExitConfig)", overrideExitCode, ExitConfig)
	}
}

func TestRunServe_ConfigLoadFailure(t *testing.T) {
	withGlobals(t)
	configFile = filepath.Join(t.TempDir(), "does-not-exist.yaml")

	if err := runServe(nil, nil); err == nil {
		t.Fatal("expected runServe to fail, got nil")
	}
}

func TestRunWorker_RequiresControllerEnvironment(t *testing.T) {
	withGlobals(t)
	dir := t.TempDir()
	configFile = writeTestConfig(t, dir, filepath.Join(dir, "control.sock"))
	t.Setenv("TLSVPND_WORKER_ID", "")

	err := runWorker(nil, nil)
	if err == nil || !strings.Contains(err.Error(), "controller") {
		t.Fatalf("expected refusal outside the controller, got %v", err)
	}
}

func TestRunVersion(t *testing.T) {
	buf := withGlobals(t)
	oldVersion, oldCommit, oldBuildDate := version, commit, buildDate
	t.Cleanup(func() {
		version, commit, buildDate = oldVersion, oldCommit, oldBuildDate
	})

	version = "1.2.3"
	commit = "deadbeef"
	buildDate = "2026-02-17"

	runVersion(nil, nil)

	for _, want := range []string{"1.2.3", "deadbeef", "2026-02-17"} {
		if !strings.Contains(buf.String(), want) {
			t.Errorf("output missing %q:\n%s", want, buf.String())
		}
	}
}

func TestRunHashPassword(t *testing.T) {
	tests := []struct {
		name    string
		input   string
		wantErr bool
	}{
		{name: "line", input: "s3cret\n"},
		{name: "no newline", input: "s3cret"},
		{name: "crlf", input: "s3cret\r\n"},
		{name: "empty", input: "\n", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			buf := withGlobals(t)
			in = strings.NewReader(tt.input)

			err := runHashPassword(nil, nil)
			if tt.wantErr {
				if err == nil {
					t.Fatal("expected error")
				}
				return
			}
			if err != nil {
				t.Fatalf("runHashPassword failed: %v", err)
			}
			hash := strings.TrimSpace(buf.String())
			if err := bcrypt.CompareHashAndPassword([]byte(hash), []byte("s3cret")); err != nil {
				t.Errorf("hash %q does not match: %v", hash, err)
			}
		})
	}
}

// startControl runs a control socket server answering with handler
func startControl(t *testing.T, handler ipc.RequestHandler) string {
	t.Helper()
	socket := filepath.Join(t.TempDir(), "control.sock")
	server := ipc.NewServer(socket, handler)
	if err := server.Start(context.Background()); err != nil {
		t.Fatalf("failed to start control socket: %v", err)
	}
	t.Cleanup(func() {
		if err := server.Stop(); err != nil {
			t.Errorf("server.Stop failed: %v", err)
		}
	})
	return socket
}

func TestRunSessions(t *testing.T) {
	entries := []ipc.SessionEntry{{
		WorkerID:    "7f1c",
		Username:    "alice",
		Group:       "staff",
		RemoteIP:    "192.0.2.10",
		State:       "connected",
		ConnectedAt: 1760000000,
		BytesIn:     100,
		BytesOut:    200,
		IPv4:        "192.168.99.2",
	}}
	socket := startControl(t, func(_ context.Context, req ipc.Message) (ipc.Message, error) {
		return ipc.Message{Command: ipc.CmdSessionInfo, Payload: &ipc.SessionInfo{Entries: entries}}, nil
	})

	t.Run("table", func(t *testing.T) {
		buf := withGlobals(t)
		socketPath = socket

		if err := runSessions(nil, nil); err != nil {
			t.Fatalf("runSessions failed: %v", err)
		}
		for _, want := range []string{"WORKER", "7f1c", "alice", "staff", "192.168.99.2", "connected"} {
			if !strings.Contains(buf.String(), want) {
				t.Errorf("output missing %q:\n%s", want, buf.String())
			}
		}
	})

	t.Run("json", func(t *testing.T) {
		buf := withGlobals(t)
		socketPath = socket
		jsonOutput = true

		if err := runSessions(nil, nil); err != nil {
			t.Fatalf("runSessions failed: %v", err)
		}
		var got []ipc.SessionEntry
		if err := json.Unmarshal(buf.Bytes(), &got); err != nil {
			t.Fatalf("invalid JSON: %v\n%s", err, buf.String())
		}
		if len(got) != 1 || got[0].Username != "alice" || got[0].BytesOut != 200 {
			t.Errorf("got %+v", got)
		}
	})
}

func TestRunSessions_NoController(t *testing.T) {
	withGlobals(t)
	socketPath = filepath.Join(t.TempDir(), "missing.sock")

	if err := runSessions(nil, nil); err == nil {
		t.Fatal("expected error without a controller")
	}
}

func TestRunDisconnect(t *testing.T) {
	var mu sync.Mutex
	var got []ipc.Terminate
	socket := startControl(t, func(_ context.Context, req ipc.Message) (ipc.Message, error) {
		term, err := ipc.Payload[ipc.Terminate](req)
		if err != nil {
			return ipc.Message{}, err
		}
		if term.WorkerID != "7f1c" {
			return ipc.Message{}, fmt.Errorf("%w: unknown worker", ipc.ErrBadCommand)
		}
		mu.Lock()
		got = append(got, *term)
		mu.Unlock()
		return ipc.Message{Command: ipc.CmdTerminate}, nil
	})

	t.Run("known worker", func(t *testing.T) {
		buf := withGlobals(t)
		socketPath = socket
		reason = "maintenance"

		if err := runDisconnect(nil, []string{"7f1c"}); err != nil {
			t.Fatalf("runDisconnect failed: %v", err)
		}
		if !strings.Contains(buf.String(), "7f1c") {
			t.Errorf("unexpected output %q", buf.String())
		}
		mu.Lock()
		defer mu.Unlock()
		if len(got) != 1 || got[0].Reason != "maintenance" {
			t.Errorf("controller received %+v", got)
		}
	})

	t.Run("unknown worker", func(t *testing.T) {
		withGlobals(t)
		socketPath = socket

		if err := runDisconnect(nil, []string{"nope"}); err == nil {
			t.Fatal("expected error for unknown worker")
		}
	})
}
