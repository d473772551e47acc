package sandbox

import (
	"context"
	"errors"
)

// ErrClosed is returned when a closed handle is used.
var ErrClosed = errors.New("sandbox closed")

// Result represents the output of a sandbox code execution.
type Result struct {
	// Output is the combined stdout and stderr.
	Output string `json:"output,omitempty"`
	// Stdout is the standard output (if split).
	Stdout string `json:"stdout,omitempty"`
	// Stderr is the standard error (if split).
	Stderr string `json:"stderr,omitempty"`
	// Artifacts are the files produced by the execution, in creation order.
	Artifacts []Artifact `json:"-"`
}

// Artifact is a file produced inside the sandbox (e.g. a chart).
type Artifact struct {
	name     string
	download func(ctx context.Context) ([]byte, error)
}

// NewArtifact creates an artifact named by its remote path.
func NewArtifact(name string, download func(ctx context.Context) ([]byte, error)) Artifact {
	return Artifact{name: name, download: download}
}

// Name returns the artifact's remote path.
func (a Artifact) Name() string { return a.name }

// Download retrieves the artifact's bytes from the sandbox.
func (a Artifact) Download(ctx context.Context) ([]byte, error) {
	if a.download == nil {
		return nil, errors.New("artifact has no download source")
	}
	return a.download(ctx)
}

// Callbacks are invoked while code runs in a sandbox.
type Callbacks struct {
	// OnStdout receives each stdout line.
	OnStdout func(line string)
	// OnStderr receives each stderr line.
	OnStderr func(line string)
	// OnArtifact receives each produced artifact. Returned errors fail the run.
	OnArtifact func(ctx context.Context, a Artifact) error
}

// File is a file uploaded into a sandbox.
type File struct {
	// Name is the file's base name.
	Name string `json:"name"`
	// RemotePath is the path inside the sandbox.
	RemotePath string `json:"remote_path"`
	// Description tells the model what the file contains.
	Description string `json:"description"`
}

// Handle is a single remote execution environment.
type Handle interface {
	// ID returns the handle's unique identifier.
	ID() string

	// Upload copies a file into the sandbox and returns its remote path.
	Upload(ctx context.Context, name string, data []byte, description string) (string, error)

	// Files lists the files uploaded so far.
	Files() []File

	// Run executes python code, invoking the callbacks for output and
	// artifacts before returning.
	Run(ctx context.Context, code string) (*Result, error)

	// Close releases the remote environment. Closing twice is a no-op.
	Close(ctx context.Context) error
}

// Manager creates sandbox handles.
type Manager interface {
	// Open starts a new sandbox wired to the given callbacks.
	Open(ctx context.Context, cb Callbacks) (Handle, error)

	// Close releases any resources held by the manager (e.g. docker client).
	Close() error
}
