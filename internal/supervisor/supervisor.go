// Package supervisor materializes approved scripts and launches them as
// detached processes. Run returns as soon as the process has started; a
// monitor goroutine per process records the exit and publishes it on Events.
package supervisor

import (
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"tg_script_gateway_bot/internal/domain"
	"tg_script_gateway_bot/internal/idgen"
	"tg_script_gateway_bot/internal/logging"
)

const eventBuffer = 64

// Process states.
const (
	StateRunning = "running"
	StateExited  = "exited"
	StateStopped = "stopped"
)

// Process is a snapshot of a supervised script.
type Process struct {
	SubmissionID string
	Script       string
	PID          int
	State        string
	ExitCode     int
	StartedAt    time.Time
	EndedAt      time.Time
}

// Exit reports the end of a supervised process.
type Exit struct {
	SubmissionID string
	PID          int
	ExitCode     int
	Stopped      bool
	Err          error
	Runtime      time.Duration
}

type entry struct {
	info    Process
	process *os.Process
	stopped bool
}

// Supervisor owns the registry of launched scripts.
type Supervisor struct {
	dir         string
	interpreter string
	logger      *logrus.Entry

	mu     sync.Mutex
	procs  map[string]*entry
	events chan Exit
}

// New prepares dir for scripts and returns a Supervisor that launches them
// with interpreter.
func New(dir, interpreter string, logger *logrus.Entry) (*Supervisor, error) {
	if interpreter == "" {
		return nil, errors.New("script interpreter is required")
	}
	if logger == nil {
		logger = logging.Logger()
	}

	abs, err := filepath.Abs(dir)
	if err != nil {
		return nil, fmt.Errorf("resolve scripts dir: %w", err)
	}
	if err := os.MkdirAll(abs, 0o750); err != nil {
		return nil, fmt.Errorf("create scripts dir: %w", err)
	}

	return &Supervisor{
		dir:         abs,
		interpreter: interpreter,
		logger:      logger,
		procs:       make(map[string]*entry),
		events:      make(chan Exit, eventBuffer),
	}, nil
}

// Materialize writes source to bot_<id>.py in the scripts directory and
// returns the absolute path.
func (s *Supervisor) Materialize(submissionID, source string) (string, error) {
	if !idgen.Valid(submissionID) {
		return "", fmt.Errorf("submission id %q: %w", submissionID, domain.ErrMalformedInput)
	}

	path := filepath.Join(s.dir, "bot_"+submissionID+".py")
	if err := os.WriteFile(path, []byte(source), 0o640); err != nil {
		return "", fmt.Errorf("write script: %w", err)
	}

	return path, nil
}

// Run starts script as a new process group and returns without waiting for
// it. Start failures wrap domain.ErrSpawnFailure. A process that Stop has
// already signalled does not block a new run.
func (s *Supervisor) Run(submissionID, script string) error {
	s.mu.Lock()
	if existing, ok := s.procs[submissionID]; ok && existing.info.State == StateRunning && !existing.stopped {
		s.mu.Unlock()
		return fmt.Errorf("submission %s already running as pid %d: %w", submissionID, existing.info.PID, domain.ErrSpawnFailure)
	}
	s.mu.Unlock()

	logPath := filepath.Join(s.dir, "bot_"+submissionID+".log")
	logFile, err := os.OpenFile(logPath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o640)
	if err != nil {
		return fmt.Errorf("open script log: %w: %w", domain.ErrSpawnFailure, err)
	}

	cmd := exec.Command(s.interpreter, script) //nolint:gosec // scripts are approved by the moderator before launch
	cmd.Dir = s.dir
	cmd.Stdout = logFile
	cmd.Stderr = logFile
	detach(cmd)

	if err := cmd.Start(); err != nil {
		_ = logFile.Close()
		s.logger.WithFields(logging.Fields{
			"event":         "process_spawn_failed",
			"submission_id": submissionID,
			"script":        script,
		}).WithError(err).Error("failed to start script")
		return fmt.Errorf("start %s: %w: %w", filepath.Base(script), domain.ErrSpawnFailure, err)
	}

	e := &entry{
		info: Process{
			SubmissionID: submissionID,
			Script:       script,
			PID:          cmd.Process.Pid,
			State:        StateRunning,
			StartedAt:    time.Now().UTC(),
		},
		process: cmd.Process,
	}

	s.mu.Lock()
	s.procs[submissionID] = e
	s.mu.Unlock()

	s.logger.WithFields(logging.Fields{
		"event":         "process_started",
		"submission_id": submissionID,
		"pid":           e.info.PID,
	}).Info("started script")

	go s.monitor(e, cmd, logFile)

	return nil
}

func (s *Supervisor) monitor(e *entry, cmd *exec.Cmd, logFile *os.File) {
	waitErr := cmd.Wait()
	_ = logFile.Close()

	exitCode := -1
	if cmd.ProcessState != nil {
		exitCode = cmd.ProcessState.ExitCode()
	}

	s.mu.Lock()
	e.info.EndedAt = time.Now().UTC()
	e.info.ExitCode = exitCode
	e.info.State = StateExited
	if e.stopped {
		e.info.State = StateStopped
	}
	exit := Exit{
		SubmissionID: e.info.SubmissionID,
		PID:          e.info.PID,
		ExitCode:     exitCode,
		Stopped:      e.stopped,
		Runtime:      e.info.EndedAt.Sub(e.info.StartedAt),
	}
	s.mu.Unlock()

	var exitErr *exec.ExitError
	if waitErr != nil && !errors.As(waitErr, &exitErr) {
		exit.Err = waitErr
	}

	s.logger.WithFields(logging.Fields{
		"event":         "process_exited",
		"submission_id": exit.SubmissionID,
		"pid":           exit.PID,
		"exit_code":     exit.ExitCode,
		"stopped":       exit.Stopped,
		"runtime":       exit.Runtime.String(),
	}).Info("script exited")

	select {
	case s.events <- exit:
	default:
		s.logger.WithFields(logging.Fields{
			"event":         "process_exit_dropped",
			"submission_id": exit.SubmissionID,
		}).Warn("exit event buffer full, dropping notification")
	}
}

// Events delivers one Exit per process that ends.
func (s *Supervisor) Events() <-chan Exit {
	return s.events
}

// Get returns the registry entry for a submission.
func (s *Supervisor) Get(submissionID string) (Process, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.procs[submissionID]
	if !ok {
		return Process{}, false
	}
	return e.info, true
}

// List returns all registry entries ordered by start time.
func (s *Supervisor) List() []Process {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]Process, 0, len(s.procs))
	for _, e := range s.procs {
		out = append(out, e.info)
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].StartedAt.Before(out[j].StartedAt)
	})
	return out
}

// Stop terminates a running script and its process group.
func (s *Supervisor) Stop(submissionID string) error {
	s.mu.Lock()
	e, ok := s.procs[submissionID]
	if !ok {
		s.mu.Unlock()
		return fmt.Errorf("process for %s: %w", submissionID, domain.ErrNotFound)
	}
	if e.info.State != StateRunning {
		s.mu.Unlock()
		return nil
	}
	e.stopped = true
	proc := e.process
	s.mu.Unlock()

	if err := terminate(proc); err != nil {
		return fmt.Errorf("stop %s: %w", submissionID, err)
	}

	s.logger.WithFields(logging.Fields{
		"event":         "process_stop_requested",
		"submission_id": submissionID,
		"pid":           proc.Pid,
	}).Info("stopping script")

	return nil
}
