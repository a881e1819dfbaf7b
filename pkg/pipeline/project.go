package pipeline

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/OpenTraceLab/OpenTraceFlash/pkg/sexp"
)

// ProjectFileName is the project file looked up in the source tree.
const ProjectFileName = "otflash.sexp"

// LoadProjectFile applies the project file at path to cfg. A missing file
// is not an error; found reports whether one was read.
func LoadProjectFile(path string, cfg *Config) (found bool, err error) {
	f, err := os.Open(path)
	if errors.Is(err, os.ErrNotExist) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	defer f.Close()

	if err := ApplyProject(f, cfg); err != nil {
		return true, fmt.Errorf("%s: %w", filepath.Base(path), err)
	}
	return true, nil
}

// ApplyProject reads an (otflash ...) expression and overrides the fields
// of cfg it names.
func ApplyProject(r io.Reader, cfg *Config) error {
	exprs, err := sexp.Parse(r)
	if err != nil {
		return err
	}
	if len(exprs) != 1 || sexp.Key(exprs[0]) != "otflash" {
		return fmt.Errorf("expected a single (otflash ...) expression")
	}

	for _, node := range sexp.GetListItems(exprs[0]) {
		if err := applyField(node, cfg); err != nil {
			if l, ok := node.(*sexp.List); ok {
				return fmt.Errorf("line %d: %w", l.Line(), err)
			}
			return err
		}
	}
	return nil
}

func applyField(node sexp.Sexp, cfg *Config) error {
	var err error
	str := func(dst *string) {
		*dst, err = sexp.GetString(node, 1)
	}
	switch key := sexp.Key(node); key {
	case "target":
		str(&cfg.TargetTriple)
	case "binary":
		str(&cfg.BinaryName)
	case "output":
		str(&cfg.OutputDir)
	case "profile":
		str(&cfg.Profile)
	case "memory":
		str(&cfg.MemoryFile)
	case "compiler":
		str(&cfg.Compiler)
	case "cargo":
		str(&cfg.CargoTool)
	case "converter":
		str(&cfg.Converter)
	case "objcopy":
		str(&cfg.ObjcopyTool)
	case "flasher":
		str(&cfg.Flasher)
	case "st-flash":
		str(&cfg.STFlashTool)
	case "serial":
		str(&cfg.Serial)
	case "verify":
		cfg.Verify, err = sexp.GetBool(node, 1)
	case "reset":
		cfg.ResetAfter, err = sexp.GetBool(node, 1)
	case "handshake-timeout":
		cfg.HandshakeTimeout, err = sexp.GetDuration(node, 1)
	case "io-timeout":
		cfg.IOTimeout, err = sexp.GetDuration(node, 1)
	case "chunk":
		var n int64
		n, err = sexp.GetInt(node, 1)
		cfg.ChunkSize = int(n)
	case "":
		return fmt.Errorf("unexpected %s", node)
	default:
		return fmt.Errorf("unknown setting (%s)", key)
	}
	return err
}
