package controller

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"os/user"
	"strconv"
	"sync"
	"syscall"

	"golang.org/x/sys/unix"
)

// Worker descriptors as seen by the worker process
const (
	ChannelFD = 3
	ClientFD  = 4
)

// EnvWorkerID names the environment variable carrying the worker id
const EnvWorkerID = "TLSVPND_WORKER_ID"

// Process is a running worker
type Process interface {
	// Done is closed once the worker has exited
	Done() <-chan struct{}
	Kill() error
}

// Spawner starts a worker for one client connection. channel and client
// belong to the caller, which closes them once Spawn returns.
type Spawner interface {
	Spawn(ctx context.Context, id string, channel, client *os.File) (Process, error)
}

// ExecSpawner re-executes the server binary as "worker". The channel and
// the client socket become descriptors 3 and 4 of the child.
type ExecSpawner struct {
	Path       string   // executable, defaults to the running binary
	Args       []string // extra arguments after "worker"
	User       string   // account to run as, empty keeps the current one
	Group      string
	credential *syscall.Credential
	once       sync.Once
	credErr    error
}

// Spawn starts the worker process
func (s *ExecSpawner) Spawn(ctx context.Context, id string, channel, client *os.File) (Process, error) {
	path := s.Path
	if path == "" {
		self, err := os.Executable()
		if err != nil {
			return nil, fmt.Errorf("failed to locate executable: %w", err)
		}
		path = self
	}

	s.once.Do(func() { s.credential, s.credErr = lookupCredential(s.User, s.Group) })
	if s.credErr != nil {
		return nil, s.credErr
	}

	cmd := exec.Command(path, append([]string{"worker"}, s.Args...)...)
	cmd.ExtraFiles = []*os.File{channel, client}
	cmd.Env = append(os.Environ(), EnvWorkerID+"="+id)
	cmd.Stdout = os.Stderr
	cmd.Stderr = os.Stderr
	cmd.SysProcAttr = &syscall.SysProcAttr{
		Credential: s.credential,
		Pdeathsig:  syscall.SIGKILL,
	}

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("failed to start worker: %w", err)
	}

	p := &execProcess{cmd: cmd, done: make(chan struct{})}
	go func() {
		_ = cmd.Wait()
		close(p.done)
	}()
	return p, nil
}

type execProcess struct {
	cmd  *exec.Cmd
	done chan struct{}
}

func (p *execProcess) Done() <-chan struct{} {
	return p.done
}

func (p *execProcess) Kill() error {
	return p.cmd.Process.Kill()
}

func lookupCredential(name, group string) (*syscall.Credential, error) {
	if name == "" {
		return nil, nil
	}
	u, err := user.Lookup(name)
	if err != nil {
		return nil, fmt.Errorf("worker user: %w", err)
	}
	uid, err := strconv.ParseUint(u.Uid, 10, 32)
	if err != nil {
		return nil, fmt.Errorf("worker user %s: bad uid %q", name, u.Uid)
	}
	gidStr := u.Gid
	if group != "" {
		g, err := user.LookupGroup(group)
		if err != nil {
			return nil, fmt.Errorf("worker group: %w", err)
		}
		gidStr = g.Gid
	}
	gid, err := strconv.ParseUint(gidStr, 10, 32)
	if err != nil {
		return nil, fmt.Errorf("worker group: bad gid %q", gidStr)
	}
	return &syscall.Credential{Uid: uint32(uid), Gid: uint32(gid)}, nil
}

// WorkerFunc is a worker run inside the current process. It must return
// once ctx is cancelled.
type WorkerFunc func(ctx context.Context, id string, channel, client *os.File) error

// InProcessSpawner runs workers as goroutines. The descriptors are
// duplicated first, so the worker still talks to the controller only
// through its channel.
type InProcessSpawner struct {
	Run WorkerFunc
}

// Spawn starts fn in a goroutine
func (s InProcessSpawner) Spawn(ctx context.Context, id string, channel, client *os.File) (Process, error) {
	ch, err := dupFile(channel)
	if err != nil {
		return nil, err
	}
	cl, err := dupFile(client)
	if err != nil {
		_ = ch.Close()
		return nil, err
	}

	wctx, cancel := context.WithCancel(context.Background())
	p := &goProcess{cancel: cancel, done: make(chan struct{})}
	go func() {
		defer close(p.done)
		defer func() { _ = ch.Close(); _ = cl.Close() }()
		_ = s.Run(wctx, id, ch, cl)
	}()
	return p, nil
}

type goProcess struct {
	cancel context.CancelFunc
	done   chan struct{}
}

func (p *goProcess) Done() <-chan struct{} {
	return p.done
}

func (p *goProcess) Kill() error {
	p.cancel()
	return nil
}

func dupFile(f *os.File) (*os.File, error) {
	fd, err := unix.FcntlInt(f.Fd(), unix.F_DUPFD_CLOEXEC, 0)
	if err != nil {
		return nil, fmt.Errorf("dup %s: %w", f.Name(), err)
	}
	return os.NewFile(uintptr(fd), f.Name()), nil
}
