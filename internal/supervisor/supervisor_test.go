//go:build unix

package supervisor

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	logtest "github.com/sirupsen/logrus/hooks/test"

	"tg_script_gateway_bot/internal/domain"
)

const testID = "sub-abcdefghijkl"

func newTestSupervisor(t *testing.T, interpreter string) (*Supervisor, *logtest.Hook) {
	t.Helper()
	logger, hook := logtest.NewNullLogger()
	sup, err := New(t.TempDir(), interpreter, logrus.NewEntry(logger))
	if err != nil {
		t.Fatalf("New returned error: %v", err)
	}
	return sup, hook
}

func waitExit(t *testing.T, sup *Supervisor) Exit {
	t.Helper()
	select {
	case exit := <-sup.Events():
		return exit
	case <-time.After(5 * time.Second):
		t.Fatalf("timed out waiting for exit event")
		return Exit{}
	}
}

func TestMaterializeWritesScript(t *testing.T) {
	sup, _ := newTestSupervisor(t, "sh")

	path, err := sup.Materialize(testID, "\nprint('hi')\n")
	if err != nil {
		t.Fatalf("Materialize returned error: %v", err)
	}
	if filepath.Base(path) != "bot_"+testID+".py" || !filepath.IsAbs(path) {
		t.Fatalf("unexpected script path %s", path)
	}

	content, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read script: %v", err)
	}
	if string(content) != "\nprint('hi')\n" {
		t.Fatalf("unexpected script content %q", content)
	}
}

func TestMaterializeRejectsInvalidIDs(t *testing.T) {
	sup, _ := newTestSupervisor(t, "sh")

	for _, id := range []string{"", "../etc/passwd", "sub-x/../../y"} {
		if _, err := sup.Materialize(id, "x"); !errors.Is(err, domain.ErrMalformedInput) {
			t.Fatalf("Materialize(%q) expected ErrMalformedInput, got %v", id, err)
		}
	}
}

func TestRunReturnsImmediatelyAndReportsExit(t *testing.T) {
	sup, _ := newTestSupervisor(t, "sh")

	script, err := sup.Materialize(testID, "echo started\nsleep 1\nexit 3\n")
	if err != nil {
		t.Fatalf("Materialize returned error: %v", err)
	}

	began := time.Now()
	if err := sup.Run(testID, script); err != nil {
		t.Fatalf("Run returned error: %v", err)
	}
	if elapsed := time.Since(began); elapsed > 500*time.Millisecond {
		t.Fatalf("expected Run to return before the script finished, took %v", elapsed)
	}

	proc, ok := sup.Get(testID)
	if !ok || proc.PID == 0 {
		t.Fatalf("expected process to be registered, got %+v", proc)
	}

	exit := waitExit(t, sup)
	if exit.SubmissionID != testID || exit.ExitCode != 3 || exit.Stopped || exit.Err != nil {
		t.Fatalf("unexpected exit %+v", exit)
	}

	proc, _ = sup.Get(testID)
	if proc.State != StateExited || proc.ExitCode != 3 || proc.EndedAt.IsZero() {
		t.Fatalf("expected exited registry entry, got %+v", proc)
	}

	logContent, err := os.ReadFile(filepath.Join(filepath.Dir(script), "bot_"+testID+".log"))
	if err != nil {
		t.Fatalf("read script log: %v", err)
	}
	if !strings.Contains(string(logContent), "started") {
		t.Fatalf("expected script output in log, got %q", logContent)
	}
}

func TestRunWrapsSpawnFailure(t *testing.T) {
	sup, hook := newTestSupervisor(t, "/nonexistent/interpreter")

	script, err := sup.Materialize(testID, "print(1)")
	if err != nil {
		t.Fatalf("Materialize returned error: %v", err)
	}

	err = sup.Run(testID, script)
	if !errors.Is(err, domain.ErrSpawnFailure) {
		t.Fatalf("expected ErrSpawnFailure, got %v", err)
	}
	if _, ok := sup.Get(testID); ok {
		t.Fatalf("failed spawn must not be registered")
	}
	if last := hook.LastEntry(); last == nil || last.Data["event"] != "process_spawn_failed" {
		t.Fatalf("expected process_spawn_failed log, got %v", last)
	}
}

func TestRunRefusesDuplicateWhileRunning(t *testing.T) {
	sup, _ := newTestSupervisor(t, "sh")

	script, err := sup.Materialize(testID, "sleep 30\n")
	if err != nil {
		t.Fatalf("Materialize returned error: %v", err)
	}
	if err := sup.Run(testID, script); err != nil {
		t.Fatalf("Run returned error: %v", err)
	}
	t.Cleanup(func() { _ = sup.Stop(testID) })

	if err := sup.Run(testID, script); !errors.Is(err, domain.ErrSpawnFailure) {
		t.Fatalf("expected duplicate run to fail, got %v", err)
	}
}

func TestStopTerminatesProcessGroup(t *testing.T) {
	sup, _ := newTestSupervisor(t, "sh")

	script, err := sup.Materialize(testID, "sleep 30\n")
	if err != nil {
		t.Fatalf("Materialize returned error: %v", err)
	}
	if err := sup.Run(testID, script); err != nil {
		t.Fatalf("Run returned error: %v", err)
	}

	if err := sup.Stop(testID); err != nil {
		t.Fatalf("Stop returned error: %v", err)
	}

	exit := waitExit(t, sup)
	if !exit.Stopped {
		t.Fatalf("expected stopped exit, got %+v", exit)
	}
	if procs := sup.List(); len(procs) != 1 || procs[0].State != StateStopped {
		t.Fatalf("expected stopped registry entry, got %+v", procs)
	}

	if err := sup.Stop("sub-zzzzzzzzzzzz"); !errors.Is(err, domain.ErrNotFound) {
		t.Fatalf("expected ErrNotFound for unknown submission, got %v", err)
	}
}

func TestRunAfterStopStartsFreshProcess(t *testing.T) {
	sup, _ := newTestSupervisor(t, "sh")

	script, err := sup.Materialize(testID, "sleep 30\n")
	if err != nil {
		t.Fatalf("Materialize returned error: %v", err)
	}
	if err := sup.Run(testID, script); err != nil {
		t.Fatalf("Run returned error: %v", err)
	}
	first, _ := sup.Get(testID)

	if err := sup.Stop(testID); err != nil {
		t.Fatalf("Stop returned error: %v", err)
	}
	if err := sup.Run(testID, script); err != nil {
		t.Fatalf("expected run after stop to succeed, got %v", err)
	}
	t.Cleanup(func() { _ = sup.Stop(testID) })

	second, ok := sup.Get(testID)
	if !ok || second.State != StateRunning || second.PID == first.PID {
		t.Fatalf("expected a new running process, got %+v (first pid %d)", second, first.PID)
	}

	if exit := waitExit(t, sup); !exit.Stopped || exit.PID != first.PID {
		t.Fatalf("expected stop of the first process, got %+v", exit)
	}
}

func TestNewRequiresInterpreter(t *testing.T) {
	if _, err := New(t.TempDir(), "", nil); err == nil {
		t.Fatalf("expected error without interpreter")
	}
}
