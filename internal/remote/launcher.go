package remote

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/seantiz/specrun/internal/agent"
	"github.com/seantiz/specrun/internal/fixture"
	"github.com/seantiz/specrun/internal/model"
	"github.com/seantiz/specrun/internal/protocol"
)

// LaunchSpec describes the engine a controller wants.
type LaunchSpec struct {
	SystemName  string
	Mode        model.EngineMode
	ProjectPath string
	Timeout     time.Duration
}

// Engine is a launched engine as seen by the controller.
type Engine interface {
	// Transport is the connection to the engine.
	Transport() protocol.Transport
	// Exited is closed once the engine has terminated.
	Exited() <-chan struct{}
	// ExitErr is the reason the engine terminated. Valid after Exited.
	ExitErr() error
	// Kill terminates the engine without waiting for it.
	Kill() error
}

// Launcher starts engines. Launch returns once a transport to the engine is
// connected; the readiness handshake is left to the controller.
type Launcher interface {
	Launch(ctx context.Context, spec LaunchSpec) (Engine, error)
}

// Process launches each engine as a child process listening on a private
// unix socket. The child's stderr is forwarded to Logger line by line.
type Process struct {
	// Path is the executable. Defaults to the running binary.
	Path string
	// Args precede the generated engine flags. Defaults to ["engine"].
	Args []string
	// Env is appended to the parent environment.
	Env    []string
	Logger *slog.Logger
}

type processEngine struct {
	cmd       *exec.Cmd
	tr        protocol.Transport
	socketDir string
	exited    chan struct{}
	exitErr   error
	killOnce  sync.Once
}

// Launch starts the engine process and connects to it.
func (p *Process) Launch(ctx context.Context, spec LaunchSpec) (Engine, error) {
	path := p.Path
	if path == "" {
		exe, err := os.Executable()
		if err != nil {
			return nil, fmt.Errorf("locate engine executable: %w", err)
		}
		path = exe
	}
	args := p.Args
	if args == nil {
		args = []string{"engine"}
	}
	logger := p.Logger
	if logger == nil {
		logger = slog.New(slog.NewJSONHandler(io.Discard, nil))
	}

	socketDir, err := os.MkdirTemp("", "specrun-engine-")
	if err != nil {
		return nil, fmt.Errorf("create socket dir: %w", err)
	}
	addr := protocol.SchemeUnix + ":" + filepath.Join(socketDir, "engine.sock")

	argv := append([]string{}, args...)
	argv = append(argv,
		"--listen", addr,
		"--mode", string(spec.Mode),
		"--timeout", spec.Timeout.String(),
	)
	if spec.SystemName != "" {
		argv = append(argv, "--system", spec.SystemName)
	}
	if spec.ProjectPath != "" {
		argv = append(argv, "--project", spec.ProjectPath)
	}

	cmd := exec.Command(path, argv...)
	cmd.Env = append(os.Environ(), p.Env...)
	stderr, err := cmd.StderrPipe()
	if err != nil {
		os.RemoveAll(socketDir)
		return nil, fmt.Errorf("engine stderr pipe: %w", err)
	}
	if err := cmd.Start(); err != nil {
		os.RemoveAll(socketDir)
		return nil, fmt.Errorf("start engine: %w", err)
	}

	e := &processEngine{cmd: cmd, socketDir: socketDir, exited: make(chan struct{})}
	log := logger.With("engine_pid", cmd.Process.Pid)
	log.Debug("engine process started", "path", path, "addr", addr)

	go func() {
		// Wait must not run before every read from the pipe has completed.
		forwardLines(stderr, log)
		e.exitErr = cmd.Wait()
		os.RemoveAll(socketDir)
		close(e.exited)
		log.Debug("engine process exited", "error", e.exitErr)
	}()

	dialCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	go func() {
		select {
		case <-e.exited:
			cancel()
		case <-dialCtx.Done():
		}
	}()

	tr, err := protocol.Dial(dialCtx, addr)
	if err != nil {
		select {
		case <-e.exited:
			return nil, &StartupFaultError{Err: exitReason(e.exitErr)}
		default:
		}
		e.Kill()
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, &StartupFaultError{Err: err}
	}
	e.tr = tr
	return e, nil
}

func (e *processEngine) Transport() protocol.Transport { return e.tr }
func (e *processEngine) Exited() <-chan struct{}       { return e.exited }
func (e *processEngine) ExitErr() error                { return e.exitErr }

func (e *processEngine) Kill() error {
	var err error
	e.killOnce.Do(func() {
		if e.tr != nil {
			e.tr.Close()
		}
		if killErr := e.cmd.Process.Kill(); killErr != nil && !errors.Is(killErr, os.ErrProcessDone) {
			err = fmt.Errorf("kill engine: %w", killErr)
		}
	})
	return err
}

func forwardLines(r io.Reader, log *slog.Logger) {
	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		log.Info("engine", "line", scanner.Text())
	}
}

func exitReason(err error) error {
	if err == nil {
		return errors.New("engine exited")
	}
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		return fmt.Errorf("engine exited with status %d: %w", exitErr.ExitCode(), err)
	}
	return err
}

// InProcess runs the engine inside the current process over an in-memory
// pipe. Systems resolves LaunchSpec.SystemName; Source supplies specification
// bodies not sent inline.
type InProcess struct {
	Systems *fixture.Systems
	Source  agent.SpecSource
	Logger  logrus.FieldLogger
}

type inProcessEngine struct {
	tr      protocol.Transport
	cancel  context.CancelFunc
	exited  chan struct{}
	exitErr error
}

// Launch starts an agent goroutine.
func (p *InProcess) Launch(_ context.Context, spec LaunchSpec) (Engine, error) {
	if p.Systems == nil {
		return nil, &StartupFaultError{Err: errors.New("no systems registered")}
	}
	sys, err := p.Systems.Resolve(spec.SystemName)
	if err != nil {
		return nil, &StartupFaultError{Err: err}
	}

	a := agent.New(sys, p.Source, agent.Options{
		Mode:    spec.Mode,
		Timeout: spec.Timeout,
		Logger:  p.Logger,
	})

	local, remote := protocol.Pipe()
	ctx, cancel := context.WithCancel(context.Background())
	e := &inProcessEngine{tr: local, cancel: cancel, exited: make(chan struct{})}
	go func() {
		e.exitErr = a.Serve(ctx, remote)
		close(e.exited)
	}()
	return e, nil
}

func (e *inProcessEngine) Transport() protocol.Transport { return e.tr }
func (e *inProcessEngine) Exited() <-chan struct{}       { return e.exited }
func (e *inProcessEngine) ExitErr() error                { return e.exitErr }

func (e *inProcessEngine) Kill() error {
	e.cancel()
	return e.tr.Close()
}

// Attach connects to an engine that is already listening at Addr, such as
// one started by hand or inside a microVM. Killing an attached engine only
// drops the connection.
type Attach struct {
	Addr string
}

type attachedEngine struct {
	tr     protocol.Transport
	exited chan struct{}
	once   sync.Once
}

// Launch dials Addr.
func (a *Attach) Launch(ctx context.Context, _ LaunchSpec) (Engine, error) {
	tr, err := protocol.Dial(ctx, a.Addr)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, &StartupFaultError{Err: err}
	}
	return &attachedEngine{tr: tr, exited: make(chan struct{})}, nil
}

func (e *attachedEngine) Transport() protocol.Transport { return e.tr }
func (e *attachedEngine) Exited() <-chan struct{}       { return e.exited }
func (e *attachedEngine) ExitErr() error                { return nil }

func (e *attachedEngine) Kill() error {
	err := e.tr.Close()
	e.once.Do(func() { close(e.exited) })
	return err
}
