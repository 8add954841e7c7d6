// Package kernels provides the kernel programs run by the workloads: their
// source text for each device dialect and the Go implementations executed by
// the host backend.
package kernels

import (
	"embed"
	"io/fs"
	"os"
	"path/filepath"

	"github.com/notargets/kdispatch/device"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// Source file base names
const (
	VectorAddSource     = "vector_add"
	VaddSource          = "vadd"
	ApproximatePiSource = "approximate_pi"
)

// Entry point names
const (
	VectorAddEntry     = "VectorAdd"
	VaddEntry          = "vadd"
	ApproximatePiEntry = "ApproximatePi"
)

// ErrSourceNotFound means no kernel source exists under the requested name
var ErrSourceNotFound = errors.New("kernel source not found")

//go:embed src/*.cl src/*.okl
var embedded embed.FS

// Provider returns kernel program text by name
type Provider interface {
	Load(name string) (string, error)
}

// FileName returns the source file name of base for a dialect
func FileName(base string, dialect device.Dialect) string {
	return base + "." + string(dialect)
}

// Source loads kernel files from Dir, falling back to the sources compiled
// into the binary when Dir is empty or lacks the file
type Source struct {
	Dir string
}

// Load returns the text of the named kernel file
func (s Source) Load(name string) (string, error) {
	if s.Dir != "" {
		path := filepath.Join(s.Dir, name)
		data, err := os.ReadFile(path)
		if err == nil {
			klog.V(2).Infof("loaded kernel source %s", path)
			return string(data), nil
		}
		if !errors.Is(err, fs.ErrNotExist) {
			return "", errors.Wrapf(err, "failed to read kernel source %s", path)
		}
	}
	data, err := embedded.ReadFile("src/" + name)
	if err != nil {
		return "", errors.Wrapf(ErrSourceNotFound, "%s (dir %q)", name, s.Dir)
	}
	return string(data), nil
}

// Names lists the embedded kernel source files
func Names() ([]string, error) {
	entries, err := embedded.ReadDir("src")
	if err != nil {
		return nil, err
	}
	names := make([]string, 0, len(entries))
	for _, e := range entries {
		names = append(names, e.Name())
	}
	return names, nil
}
