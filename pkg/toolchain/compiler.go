package toolchain

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/golang/glog"
)

// Request is what a compiler needs to produce one executable.
type Request struct {
	SourceDir  string
	Triple     string
	TargetDir  string // absolute, cargo's --target-dir
	Profile    string // "release" when empty
	BinaryName string
}

// ExecutablePath returns <target-dir>/<triple>/<profile>/<binary>, the
// location cargo writes the linked executable to.
func (r Request) ExecutablePath() string {
	return filepath.Join(r.TargetDir, r.Triple, ProfileDir(r.Profile), r.BinaryName)
}

// ProfileDir maps a cargo profile name to its output directory.
func ProfileDir(profile string) string {
	switch profile {
	case "", "release":
		return "release"
	case "dev", "test":
		return "debug"
	default:
		return profile
	}
}

// Compiler produces the executable described by a Request.
type Compiler interface {
	Compile(ctx context.Context, req Request) error
}

// CompilerFunc adapts a function to the Compiler interface.
type CompilerFunc func(ctx context.Context, req Request) error

func (f CompilerFunc) Compile(ctx context.Context, req Request) error {
	return f(ctx, req)
}

// Cargo cross compiles a Rust crate.
type Cargo struct {
	Tool   string // "cargo" when empty
	Runner Runner
}

// NewCargo returns a Cargo compiler backed by os/exec.
func NewCargo() *Cargo {
	return &Cargo{Tool: "cargo", Runner: ExecRunner{}}
}

// Args returns the cargo command line for req.
func (c *Cargo) Args(req Request) []string {
	args := []string{"build"}
	switch req.Profile {
	case "", "release":
		args = append(args, "--release")
	default:
		args = append(args, "--profile", req.Profile)
	}
	args = append(args, "--target", req.Triple)
	if req.TargetDir != "" {
		args = append(args, "--target-dir", req.TargetDir)
	}
	if req.BinaryName != "" {
		args = append(args, "--bin", req.BinaryName)
	}
	return args
}

// Compile runs cargo build in the source directory.
func (c *Cargo) Compile(ctx context.Context, req Request) error {
	tool := c.Tool
	if tool == "" {
		tool = "cargo"
	}
	runner := c.Runner
	if runner == nil {
		runner = ExecRunner{}
	}

	if _, err := runner.Run(ctx, Command{Dir: req.SourceDir, Name: tool, Args: c.Args(req)}); err != nil {
		return err
	}
	return nil
}

// Prebuilt is a compiler for executables built outside the pipeline, for
// example by an IDE or a CI job. It only checks that the executable exists.
type Prebuilt struct{}

func (Prebuilt) Compile(ctx context.Context, req Request) error {
	path := req.ExecutablePath()
	info, err := os.Stat(path)
	if err != nil {
		return fmt.Errorf("prebuilt executable: %w", err)
	}
	if info.IsDir() {
		return fmt.Errorf("prebuilt executable %s is a directory", path)
	}
	glog.Infof("using prebuilt %s", path)
	return nil
}
