package shim

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"strings"

	"github.com/containerd/errdefs"
)

const configFilename = "config.json"

// Extensions accepted for the container entrypoint.
var Extensions = []string{".bf", ".b", ".brainfuck"}

// The subset of the OCI runtime config the shim cares about.
type ociSpec struct {
	Root struct {
		Path string `json:"path"`
	} `json:"root"`
	Process struct {
		Args []string `json:"args"`
		Env  []string `json:"env"`
	} `json:"process"`
}

// Bundle is a validated container bundle: a rootfs with a single brainfuck
// program to run.
type Bundle struct {
	Root       string
	Entrypoint string
	Path       []string
}

// ReadBundle reads and validates config.json in the bundle directory.
func ReadBundle(dir string) (*Bundle, error) {
	data, err := os.ReadFile(filepath.Join(dir, configFilename))
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("%s in %s: %w", configFilename, dir, errdefs.ErrNotFound)
		}
		return nil, err
	}

	var spec ociSpec
	if err := json.Unmarshal(data, &spec); err != nil {
		return nil, fmt.Errorf("parsing %s: %w", configFilename, err)
	}

	if spec.Root.Path == "" {
		return nil, fmt.Errorf("root path missing from %s: %w", configFilename, errdefs.ErrInvalidArgument)
	}
	root := spec.Root.Path
	if !filepath.IsAbs(root) {
		root = filepath.Join(dir, root)
	}

	if len(spec.Process.Args) != 1 {
		return nil, fmt.Errorf("expected exactly 1 arg in the CMD, got %d: %w", len(spec.Process.Args), errdefs.ErrInvalidArgument)
	}
	entrypoint := spec.Process.Args[0]
	if !slices.Contains(Extensions, filepath.Ext(entrypoint)) {
		return nil, fmt.Errorf("entry point %s is not a brainfuck file: %w", entrypoint, errdefs.ErrInvalidArgument)
	}

	b := &Bundle{
		Root:       root,
		Entrypoint: entrypoint,
	}
	if _, err := os.Stat(b.Script()); err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("script %s: %w", entrypoint, errdefs.ErrNotFound)
		}
		return nil, fmt.Errorf("checking script %s: %w", entrypoint, err)
	}

	for _, env := range spec.Process.Env {
		if path, ok := strings.CutPrefix(env, "PATH="); ok {
			b.Path = strings.Split(path, ":")
			break
		}
	}
	return b, nil
}

// Script is the host path of the program to run.
func (b *Bundle) Script() string {
	return filepath.Join(b.Root, b.Entrypoint)
}
