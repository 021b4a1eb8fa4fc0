// Package compiler invokes the project's compiler as a subprocess
// with the target triple, output directory, and release flags the
// build orchestrator needs.
package compiler

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"syscall"
	"time"

	"github.com/google/uuid"

	"github.com/krust-build/krust/internal/krusterr"
)

// GracePeriod is how long Invoke waits after sending SIGTERM before
// escalating to SIGKILL on cancellation, giving the compiler a chance
// to flush build artifacts.
const GracePeriod = 5 * time.Second

// Invocation describes one compiler run for a single target platform.
type Invocation struct {
	ProjectDir string
	Target     string // compiler target triple, e.g. "x86_64-unknown-linux-musl"
	ExtraArgs  []string
	Env        []string // additional KEY=VALUE pairs appended to os.Environ()
}

// Result is what a successful invocation produced.
type Result struct {
	BinaryPath string
	Stdout     []byte
	Stderr     []byte
}

// Invoke runs "compiler build --target <triple> --target-dir <dir>
// --release [extra-args]" in in.ProjectDir, streaming neither stdout
// nor stderr to the parent process but capturing both so the
// orchestrator can attribute failures to the right platform when
// several invocations run concurrently.
func Invoke(ctx context.Context, in Invocation) (Result, error) {
	// Each concurrent per-platform invocation gets its own target
	// directory; a uuid suffix keeps them from colliding even when two
	// invocations for the same target triple run back to back within
	// the same process.
	targetDir := filepath.Join(os.TempDir(), "krust-target-"+uuid.New().String())
	if err := os.MkdirAll(targetDir, 0o755); err != nil {
		return Result{}, krusterr.New(krusterr.Compile, "Invoke", in.Target, fmt.Errorf("creating target dir: %w", err))
	}

	args := append([]string{"build", "--target", in.Target, "--target-dir", targetDir, "--release"}, in.ExtraArgs...)
	cmd := exec.Command("compiler", args...)
	cmd.Dir = in.ProjectDir
	cmd.Env = append(os.Environ(), in.Env...)

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if err := cmd.Start(); err != nil {
		return Result{}, krusterr.New(krusterr.Compile, "Invoke", in.Target, fmt.Errorf("starting compiler: %w", err))
	}

	done := make(chan error, 1)
	go func() { done <- cmd.Wait() }()

	select {
	case err := <-done:
		if err != nil {
			return Result{}, krusterr.New(krusterr.Compile, "Invoke", in.Target,
				fmt.Errorf("compiler exited: %w\nstderr:\n%s", err, stderr.String()))
		}
	case <-ctx.Done():
		terminate(cmd)
		select {
		case <-done:
		case <-time.After(GracePeriod):
			if cmd.Process != nil {
				cmd.Process.Kill()
			}
			<-done
		}
		return Result{}, krusterr.New(krusterr.Cancelled, "Invoke", in.Target, ctx.Err())
	}

	binary, err := findBinary(targetDir, in.Target)
	if err != nil {
		return Result{}, krusterr.New(krusterr.Compile, "Invoke", in.Target, err)
	}
	return Result{BinaryPath: binary, Stdout: stdout.Bytes(), Stderr: stderr.Bytes()}, nil
}

func terminate(cmd *exec.Cmd) {
	if cmd.Process == nil {
		return
	}
	cmd.Process.Signal(syscall.SIGTERM)
}

// findBinary locates the single release-profile executable under
// targetDir/<target>/release; the compiler contract guarantees exactly
// one top-level executable there per invocation.
func findBinary(targetDir, target string) (string, error) {
	releaseDir := filepath.Join(targetDir, target, "release")
	entries, err := os.ReadDir(releaseDir)
	if err != nil {
		return "", fmt.Errorf("reading release dir %s: %w", releaseDir, err)
	}
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		info, err := e.Info()
		if err != nil {
			continue
		}
		if info.Mode()&0111 != 0 {
			return filepath.Join(releaseDir, e.Name()), nil
		}
	}
	return "", fmt.Errorf("no executable found in %s", releaseDir)
}
