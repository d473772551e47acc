package artifact

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
)

// Artifact is anything that has a name and can produce its bytes.
type Artifact interface {
	Name() string
	Download(ctx context.Context) ([]byte, error)
}

// Sink persists sandbox artifacts in a local output directory.
type Sink struct {
	dir string
}

// NewSink creates the output directory if needed.
func NewSink(dir string) (*Sink, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("creating output dir: %w", err)
	}
	return &Sink{dir: dir}, nil
}

// Dir returns the output directory.
func (s *Sink) Dir() string { return s.dir }

// Save downloads the artifact and writes it to <dir>/<base name>,
// overwriting any previous file of the same name.
func (s *Sink) Save(ctx context.Context, a Artifact) (string, error) {
	slog.Info("New chart generated", "name", a.Name())

	data, err := a.Download(ctx)
	if err != nil {
		return "", fmt.Errorf("downloading artifact %s: %w", a.Name(), err)
	}

	local := filepath.Join(s.dir, filepath.Base(a.Name()))
	if err := os.WriteFile(local, data, 0o644); err != nil {
		return "", fmt.Errorf("writing artifact: %w", err)
	}
	return local, nil
}
