// Package toolchain runs the external host tools of the pipeline: the
// cross compiler and, optionally, objcopy and st-flash.
package toolchain

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"os/exec"
	"strings"

	"github.com/golang/glog"
	"github.com/juju/errors"
)

// Command describes one external process invocation.
type Command struct {
	Dir  string
	Name string
	Args []string
	Env  []string // appended to the current environment
}

func (c Command) String() string {
	if len(c.Args) == 0 {
		return c.Name
	}
	return c.Name + " " + strings.Join(c.Args, " ")
}

// Output holds what a process wrote.
type Output struct {
	Stdout []byte
	Stderr []byte
}

// Combined returns stdout followed by stderr.
func (o *Output) Combined() string {
	if o == nil {
		return ""
	}
	return string(o.Stdout) + string(o.Stderr)
}

// ExitError is returned when a tool ran and exited non-zero.
type ExitError struct {
	Command Command
	Code    int
	Stderr  string
}

func (e *ExitError) Error() string {
	msg := fmt.Sprintf("%s: exit status %d", e.Command.Name, e.Code)
	if s := strings.TrimSpace(e.Stderr); s != "" {
		msg += "\n" + s
	}
	return msg
}

// NotFoundError is returned when the tool is not installed.
type NotFoundError struct {
	Name string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("%s: executable not found in PATH", e.Name)
}

// Runner starts external processes.
type Runner interface {
	Run(ctx context.Context, c Command) (*Output, error)
}

// ExecRunner runs commands with os/exec. Output is always returned, also
// together with an error, so callers can classify tool messages.
type ExecRunner struct{}

// Run executes c and waits for it to finish.
func (ExecRunner) Run(ctx context.Context, c Command) (*Output, error) {
	if _, err := exec.LookPath(c.Name); err != nil {
		return nil, &NotFoundError{Name: c.Name}
	}

	glog.V(1).Infof("exec: %s (dir %q)", c, c.Dir)

	cmd := exec.CommandContext(ctx, c.Name, c.Args...)
	cmd.Dir = c.Dir
	if len(c.Env) > 0 {
		cmd.Env = append(os.Environ(), c.Env...)
	}

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	err := cmd.Run()
	out := &Output{Stdout: stdout.Bytes(), Stderr: stderr.Bytes()}
	if err == nil {
		glog.V(2).Infof("%s: ok, %d bytes stdout, %d bytes stderr", c.Name, len(out.Stdout), len(out.Stderr))
		return out, nil
	}

	if ctx.Err() != nil {
		return out, errors.Annotatef(ctx.Err(), "%s interrupted", c.Name)
	}
	if exitErr, ok := err.(*exec.ExitError); ok {
		return out, &ExitError{Command: c, Code: exitErr.ExitCode(), Stderr: stderr.String()}
	}
	return out, errors.Annotatef(err, "failed to run %s", c.Name)
}
