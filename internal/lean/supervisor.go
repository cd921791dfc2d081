package lean

// supervisor.go — owns the `lake serve` subprocess and the workspace build
// lifecycle. The client handle is only ever reached through Lease, so every
// caller observes the same state machine:
//
//	NotBuilt → Building → Ready ⇄ Degraded → Building → Ready|Failed
//
// Dead is terminal, reached when launching keeps failing past the retry
// budget; from there every operation fails fast with ErrProcess.

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"strings"
	"sync"
	"time"

	"go.lsp.dev/uri"
	"go.uber.org/zap"
)

// Status is the build state of the workspace.
type Status int

const (
	StatusNotBuilt Status = iota
	StatusBuilding
	StatusReady
	StatusDegraded
	StatusFailed
	StatusDead
)

func (s Status) String() string {
	switch s {
	case StatusNotBuilt:
		return "not-built"
	case StatusBuilding:
		return "building"
	case StatusReady:
		return "ready"
	case StatusDegraded:
		return "degraded"
	case StatusFailed:
		return "failed"
	case StatusDead:
		return "dead"
	}
	return "unknown"
}

// Workspace is the single project a supervisor manages.
type Workspace struct {
	Root      string
	Status    Status
	LastBuild time.Time
}

type launcher func(ctx context.Context, root string, log *zap.Logger) (*Client, error)
type builder func(ctx context.Context, root string, clean bool) (string, error)

const (
	initTimeout = 30 * time.Second

	// Consecutive request timeouts before Ready degrades.
	degradeAfter = 3

	// Launch attempts before the supervisor gives up for good.
	maxLaunchRetries = 3
)

// Supervisor owns one language server process per workspace.
type Supervisor struct {
	mu       sync.Mutex
	ws       Workspace
	client   *Client
	launch   launcher
	build    builder
	launches int
	timeouts int
	buildErr error // retained while Failed so queries keep reporting it
	log      *zap.Logger
}

// NewSupervisor creates a supervisor for the project at root. The server is
// not started until the first Ensure or Restart.
func NewSupervisor(root string, log *zap.Logger) *Supervisor {
	return &Supervisor{
		ws:     Workspace{Root: root, Status: StatusNotBuilt},
		launch: launchLakeServe,
		build:  runLakeBuild,
		log:    log,
	}
}

// Workspace returns a snapshot of the workspace state.
func (s *Supervisor) Workspace() Workspace {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.ws
}

// Lease returns the live client, or the typed error describing why there is
// none. It never starts a server; use Ensure for that.
func (s *Supervisor) Lease() (*Client, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	switch s.ws.Status {
	case StatusReady, StatusDegraded:
		if s.client != nil && s.client.Alive() {
			return s.client, nil
		}
		// The server died underneath us. Drop out of Ready so the next
		// Ensure relaunches under the usual retry budget.
		s.client = nil
		s.ws.Status = StatusNotBuilt
		return nil, fmt.Errorf("language server exited: %w", ErrProcess)
	case StatusBuilding:
		return nil, ErrSessionBusy
	case StatusFailed:
		return nil, s.buildErr
	case StatusDead:
		return nil, fmt.Errorf("restart budget exhausted: %w", ErrProcess)
	default:
		return nil, fmt.Errorf("workspace not started: %w", ErrProcess)
	}
}

// Ensure makes the workspace Ready, performing the initial build and launch
// on first use. Concurrent callers during a build get ErrSessionBusy.
func (s *Supervisor) Ensure(ctx context.Context) error {
	s.mu.Lock()
	switch s.ws.Status {
	case StatusReady, StatusDegraded:
		s.mu.Unlock()
		return nil
	case StatusBuilding:
		s.mu.Unlock()
		return ErrSessionBusy
	case StatusFailed:
		err := s.buildErr
		s.mu.Unlock()
		return err
	case StatusDead:
		s.mu.Unlock()
		return fmt.Errorf("restart budget exhausted: %w", ErrProcess)
	}
	s.ws.Status = StatusBuilding
	s.mu.Unlock()

	_, err := s.bringUp(ctx, false)
	return err
}

// Restart performs a full rebuild: fence new requests, drain in-flight ones
// with ErrSessionRestarted, replace the process, and rebuild. Returns the
// captured build output. Exclusive; concurrent restarts get ErrSessionBusy.
func (s *Supervisor) Restart(ctx context.Context, clean bool) (string, error) {
	s.mu.Lock()
	if s.ws.Status == StatusDead {
		s.mu.Unlock()
		return "", fmt.Errorf("restart budget exhausted: %w", ErrProcess)
	}
	if s.ws.Status == StatusBuilding {
		s.mu.Unlock()
		return "", ErrSessionBusy
	}
	s.ws.Status = StatusBuilding
	old := s.client
	s.client = nil
	s.mu.Unlock()

	if old != nil {
		old.FailPending(ErrSessionRestarted)
		if err := old.Close(); err != nil {
			s.log.Warn("closing previous session", zap.Error(err))
		}
	}

	return s.bringUp(ctx, clean)
}

// bringUp runs the build and launches a fresh server. Status is Building on
// entry; bringUp settles it to Ready, Failed, or Dead.
func (s *Supervisor) bringUp(ctx context.Context, clean bool) (string, error) {
	output, err := s.build(ctx, s.ws.Root, clean)
	if err != nil {
		berr := &BuildError{Output: strings.TrimSpace(output + "\n" + err.Error())}
		s.mu.Lock()
		s.ws.Status = StatusFailed
		s.buildErr = berr
		s.mu.Unlock()
		s.log.Error("project build failed", zap.String("root", s.ws.Root))
		return output, berr
	}

	client, err := s.launch(ctx, s.ws.Root, s.log)
	if err == nil {
		err = client.Initialize(ctx, uri.File(s.ws.Root), initTimeout)
		if err != nil {
			_ = client.Close()
		}
	}
	if err != nil {
		s.mu.Lock()
		s.launches++
		attempt := s.launches
		dead := attempt >= maxLaunchRetries
		if dead {
			s.ws.Status = StatusDead
		} else {
			s.ws.Status = StatusNotBuilt
		}
		s.mu.Unlock()
		if dead {
			s.log.Error("language server launch failed, giving up", zap.Error(err))
			return output, fmt.Errorf("launch: %v: %w", err, ErrProcess)
		}
		s.log.Warn("language server launch failed", zap.Error(err), zap.Int("attempt", attempt))
		return output, fmt.Errorf("launch: %w", err)
	}

	s.mu.Lock()
	s.client = client
	s.ws.Status = StatusReady
	s.ws.LastBuild = time.Now()
	s.launches = 0
	s.timeouts = 0
	s.buildErr = nil
	s.mu.Unlock()
	s.log.Info("workspace ready", zap.String("root", s.ws.Root))
	return output, nil
}

// NoteTimeout records a request timeout. Repeated timeouts degrade the
// session so callers know responses are unreliable until a restart.
func (s *Supervisor) NoteTimeout() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.timeouts++
	if s.timeouts >= degradeAfter && s.ws.Status == StatusReady {
		s.ws.Status = StatusDegraded
		s.log.Warn("session degraded after repeated timeouts", zap.Int("timeouts", s.timeouts))
	}
}

// NoteSuccess records a completed round-trip, recovering from Degraded.
func (s *Supervisor) NoteSuccess() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.timeouts = 0
	if s.ws.Status == StatusDegraded {
		s.ws.Status = StatusReady
	}
}

// Shutdown terminates the server. The handle is released unconditionally.
func (s *Supervisor) Shutdown() error {
	s.mu.Lock()
	client := s.client
	s.client = nil
	if s.ws.Status != StatusDead {
		s.ws.Status = StatusNotBuilt
	}
	s.mu.Unlock()
	if client == nil {
		return nil
	}
	client.FailPending(ErrSessionRestarted)
	return client.Close()
}

// launchLakeServe starts the Lean toolchain's language server.
func launchLakeServe(ctx context.Context, root string, log *zap.Logger) (*Client, error) {
	cmd := exec.CommandContext(ctx, "lake", "serve", "--")
	cmd.Dir = root
	cmd.Stderr = os.Stderr
	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("stdin pipe: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("stdout pipe: %w", err)
	}
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("start lake serve: %w", err)
	}
	return NewClient(stdout, stdin, cmd, log), nil
}

// runLakeBuild builds the project, optionally after `lake clean`. The exit
// code decides success: warnings such as incomplete-proof placeholders still
// exit zero and must leave the workspace usable.
func runLakeBuild(ctx context.Context, root string, clean bool) (string, error) {
	if clean {
		cleanCmd := exec.CommandContext(ctx, "lake", "clean")
		cleanCmd.Dir = root
		if out, err := cleanCmd.CombinedOutput(); err != nil {
			return string(out), fmt.Errorf("lake clean: %w", err)
		}
	}
	cmd := exec.CommandContext(ctx, "lake", "build")
	cmd.Dir = root
	out, err := cmd.CombinedOutput()
	if err != nil {
		return string(out), fmt.Errorf("lake build: %w", err)
	}
	return string(out), nil
}
