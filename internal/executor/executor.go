// Package executor runs the external packaging tools (kernel make,
// mkfs.erofs, mksquashfs, xorriso, qemu-img) that stages delegate to.
package executor

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/exec"
	"strings"
	"syscall"
	"time"

	"golang.org/x/sys/unix"
)

// Command is one external tool invocation.
type Command struct {
	Name string
	Args []string
	Dir  string
	Env  []string // appended to the current environment

	Stdout io.Writer
	Stderr io.Writer
}

func (c Command) String() string {
	return strings.TrimSpace(c.Name + " " + strings.Join(c.Args, " "))
}

// Runner is the only way stages start processes.
type Runner interface {
	Run(ctx context.Context, cmd Command) error
}

// Executor is the os/exec Runner.
type Executor struct {
	ApplyIdlePriority bool // Apply nice -n 19 to every command
}

// New returns an Executor with default settings.
func New() *Executor {
	return &Executor{}
}

// Run starts cmd, isolates it in its own process group and kills the whole
// group when ctx is cancelled.
func (e *Executor) Run(ctx context.Context, cmd Command) error {
	if cmd.Name == "" {
		return fmt.Errorf("empty command")
	}

	name, args := cmd.Name, cmd.Args
	if e.ApplyIdlePriority {
		args = append([]string{"-n", "19", name}, args...)
		name = "nice"
	}

	c := exec.CommandContext(ctx, name, args...)
	c.Dir = cmd.Dir
	c.Env = append(os.Environ(), cmd.Env...)
	c.Stdin = nil
	c.Stdout = cmd.Stdout
	c.Stderr = cmd.Stderr
	if c.Stdout == nil {
		c.Stdout = os.Stdout
	}
	if c.Stderr == nil {
		c.Stderr = os.Stderr
	}

	c.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}

	if err := c.Start(); err != nil {
		return fmt.Errorf("failed to start %s: %w", cmd.Name, err)
	}

	pgid := c.Process.Pid
	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-ctx.Done():
			_ = unix.Kill(-pgid, unix.SIGKILL)
		case <-done:
		}
	}()

	if waitErr := c.Wait(); waitErr != nil {
		if ctx.Err() != nil {
			time.Sleep(100 * time.Millisecond)
			return fmt.Errorf("%s aborted: %w", cmd.Name, ctx.Err())
		}
		return fmt.Errorf("%s failed: %w", cmd, waitErr)
	}
	return nil
}

// LookPath reports whether a tool is installed.
func LookPath(name string) bool {
	_, err := exec.LookPath(name)
	return err == nil
}
