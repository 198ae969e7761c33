package ipc

import (
	"errors"
	"io"
	"os"
	"reflect"
	"testing"
	"time"
)

func newPair(t *testing.T) (*Conn, *Conn) {
	t.Helper()
	local, remoteFile, err := SocketPair()
	if err != nil {
		t.Fatalf("SocketPair failed: %v", err)
	}
	remote, err := FileConn(remoteFile)
	if err != nil {
		t.Fatalf("FileConn failed: %v", err)
	}
	t.Cleanup(func() {
		_ = local.Close()
		_ = remote.Close()
	})
	return local, remote
}

func TestConnSendRecv(t *testing.T) {
	a, b := newPair(t)

	for _, m := range sampleMessages() {
		if err := a.Send(m); err != nil {
			t.Fatalf("Send %s failed: %v", m.Command, err)
		}
		got, files, err := b.Recv()
		if err != nil {
			t.Fatalf("Recv %s failed: %v", m.Command, err)
		}
		if len(files) != 0 {
			t.Errorf("%s: unexpected descriptors", m.Command)
		}
		if !reflect.DeepEqual(got, m) {
			t.Errorf("%s: got %#v", m.Command, got)
		}
	}
}

func TestConnPassesDescriptors(t *testing.T) {
	a, b := newPair(t)

	r, w, err := os.Pipe()
	if err != nil {
		t.Fatal(err)
	}
	defer func() { _ = r.Close() }()

	msg := Message{Command: AuthRep, Payload: &AuthReply{Username: "alice"}}
	if err := a.Send(msg, w); err != nil {
		t.Fatalf("Send failed: %v", err)
	}
	_ = w.Close()

	got, files, err := b.Recv()
	if err != nil {
		t.Fatalf("Recv failed: %v", err)
	}
	defer CloseFiles(files)

	if got.Command != AuthRep {
		t.Errorf("Command = %s", got.Command)
	}
	if len(files) != 1 {
		t.Fatalf("received %d descriptors, want 1", len(files))
	}

	if _, err := files[0].Write([]byte("ping")); err != nil {
		t.Fatalf("write through passed descriptor failed: %v", err)
	}
	buf := make([]byte, 4)
	if _, err := io.ReadFull(r, buf); err != nil || string(buf) != "ping" {
		t.Errorf("read %q, %v", buf, err)
	}
}

func TestConnRejectsMalformedFrame(t *testing.T) {
	a, b := newPair(t)

	if _, err := a.c.Write([]byte{byte(AuthReq), 0, 0, 0, 0, 9, '{'}); err != nil {
		t.Fatal(err)
	}
	_, _, err := b.Recv()
	if !errors.Is(err, ErrFrameLength) {
		t.Fatalf("Recv error = %v, want ErrFrameLength", err)
	}

	// The channel stays usable after a bad frame.
	if err := a.Send(Message{Command: AuthReinit}); err != nil {
		t.Fatal(err)
	}
	if m, _, err := b.Recv(); err != nil || m.Command != AuthReinit {
		t.Fatalf("Recv after bad frame = %v, %v", m.Command, err)
	}
}

func TestConnRejectsOversizedFrame(t *testing.T) {
	a, b := newPair(t)

	big := make([]byte, MaxFrame+100)
	big[0] = byte(ResumeStoreReq)
	if _, err := a.c.Write(big); err != nil {
		t.Fatal(err)
	}
	_, _, err := b.Recv()
	if !errors.Is(err, ErrPayloadTooLarge) {
		t.Fatalf("Recv error = %v, want ErrPayloadTooLarge", err)
	}
}

func TestConnEOF(t *testing.T) {
	a, b := newPair(t)
	_ = a.Close()

	if err := b.SetReadDeadline(time.Now().Add(2 * time.Second)); err != nil {
		t.Fatal(err)
	}
	if _, _, err := b.Recv(); !errors.Is(err, io.EOF) {
		t.Fatalf("Recv after peer close = %v, want io.EOF", err)
	}
}
