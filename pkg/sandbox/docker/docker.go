package docker

import (
	"archive/tar"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"path"
	"strings"
	"sync"
	"time"

	"github.com/docker/docker/api/types"
	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/filters"
	"github.com/docker/docker/client"
	"github.com/docker/go-connections/nat"
	"github.com/google/uuid"
	"github.com/nstogner/datachat/pkg/logging"
	"github.com/nstogner/datachat/pkg/sandbox"
)

const (
	// LabelManager is the label used to identify containers managed by this system.
	LabelManager = "manager"
	// LabelManagerValue is the value of the manager label.
	LabelManagerValue = "datachat"
	// LabelHandleID is the label used to identify which handle a container belongs to.
	LabelHandleID = "sandbox-id"
	// DefaultImage is the default sandbox container image.
	DefaultImage = "datachat-sandbox:latest"
	// ServerPort is the HTTP port exposed by the sandbox container.
	ServerPort = "8000"
	// HomeDir is where uploaded files are placed inside the container.
	HomeDir = "/home/user"
	// ReconcileInterval is how often the Run loop checks for orphans.
	ReconcileInterval = 30 * time.Second
)

// Manager implements sandbox.Manager using one Docker container per handle.
type Manager struct {
	client *client.Client
	image  string

	mu      sync.Mutex
	handles map[string]*Handle
}

// Verify interface compliance.
var _ sandbox.Manager = (*Manager)(nil)

// New creates a new Docker sandbox manager. An empty image selects DefaultImage.
func New(image string) (*Manager, error) {
	cli, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	if err != nil {
		return nil, fmt.Errorf("creating docker client: %w", err)
	}
	if image == "" {
		image = DefaultImage
	}
	return &Manager{client: cli, image: image, handles: map[string]*Handle{}}, nil
}

// Open starts a new sandbox container and waits until it is healthy.
func (m *Manager) Open(ctx context.Context, cb sandbox.Callbacks) (sandbox.Handle, error) {
	id := uuid.New().String()
	containerID, port, err := m.createAndStart(ctx, id)
	if err != nil {
		return nil, err
	}

	h := &Handle{
		id:          id,
		containerID: containerID,
		baseURL:     "http://127.0.0.1:" + port,
		httpClient:  http.DefaultClient,
		callbacks:   cb,
		docker:      m.client,
		release:     m.forget,
	}
	m.mu.Lock()
	m.handles[id] = h
	m.mu.Unlock()
	return h, nil
}

// Run starts a long-running reconciliation loop that removes managed
// containers which no longer belong to an open handle (e.g. left over
// from a previous process). Blocks until ctx is cancelled.
func (m *Manager) Run(ctx context.Context) error {
	slog.Info("Sandbox manager reconciliation loop starting")

	if err := m.reconcile(ctx); err != nil {
		slog.Error("Initial reconciliation failed", "error", err)
	}

	ticker := time.NewTicker(ReconcileInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			slog.Info("Sandbox manager reconciliation loop stopping")
			return ctx.Err()
		case <-ticker.C:
			if err := m.reconcile(ctx); err != nil {
				slog.Error("Reconciliation failed", "error", err)
			}
		}
	}
}

func (m *Manager) reconcile(ctx context.Context) error {
	containers, err := m.client.ContainerList(ctx, types.ContainerListOptions{
		All: true,
		Filters: filters.NewArgs(
			filters.Arg("label", LabelManager+"="+LabelManagerValue),
		),
	})
	if err != nil {
		return fmt.Errorf("listing managed containers: %w", err)
	}

	open := m.openIDs()
	for _, c := range containers {
		id := c.Labels[LabelHandleID]
		if open[id] {
			continue
		}
		slog.Info("Removing orphaned sandbox", "sandboxID", id, "containerID", c.ID)
		if err := m.client.ContainerRemove(ctx, c.ID, types.ContainerRemoveOptions{Force: true}); err != nil {
			slog.Warn("Failed to remove container", "id", c.ID, "error", err)
		}
	}
	return nil
}

func (m *Manager) openIDs() map[string]bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	ids := make(map[string]bool, len(m.handles))
	for id := range m.handles {
		ids[id] = true
	}
	return ids
}

func (m *Manager) forget(id string) {
	m.mu.Lock()
	delete(m.handles, id)
	m.mu.Unlock()
}

// Close releases the Docker client resources.
func (m *Manager) Close() error {
	return m.client.Close()
}

// createAndStart creates a new sandbox container and starts it.
func (m *Manager) createAndStart(ctx context.Context, id string) (string, string, error) {
	if _, _, err := m.client.ImageInspectWithRaw(ctx, m.image); err != nil {
		return "", "", fmt.Errorf("sandbox image '%s' not found, run 'make build-sandbox': %w", m.image, err)
	}

	cfg := &container.Config{
		Image: m.image,
		Labels: map[string]string{
			LabelManager:  LabelManagerValue,
			LabelHandleID: id,
		},
		ExposedPorts: nat.PortSet{
			nat.Port(ServerPort + "/tcp"): {},
		},
	}

	hostCfg := &container.HostConfig{
		PortBindings: nat.PortMap{
			nat.Port(ServerPort + "/tcp"): []nat.PortBinding{
				{
					HostIP:   "127.0.0.1",
					HostPort: "0", // Dynamically assigned port.
				},
			},
		},
	}

	resp, err := m.client.ContainerCreate(ctx, cfg, hostCfg, nil, nil, "datachat-sandbox-"+id)
	if err != nil {
		return "", "", fmt.Errorf("creating container: %w", err)
	}

	if err := m.client.ContainerStart(ctx, resp.ID, types.ContainerStartOptions{}); err != nil {
		m.removeQuietly(resp.ID)
		return "", "", fmt.Errorf("starting container: %w", err)
	}

	c, err := m.client.ContainerInspect(ctx, resp.ID)
	if err != nil {
		m.removeQuietly(resp.ID)
		return "", "", fmt.Errorf("inspecting container: %w", err)
	}
	port, err := hostPort(c)
	if err != nil {
		m.removeQuietly(resp.ID)
		return "", "", err
	}

	if err := waitForHealth(ctx, "http://127.0.0.1:"+port); err != nil {
		m.removeQuietly(resp.ID)
		return "", "", err
	}
	slog.Info("Sandbox started", "sandboxID", id, "port", port)
	return resp.ID, port, nil
}

func (m *Manager) removeQuietly(containerID string) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := m.client.ContainerRemove(ctx, containerID, types.ContainerRemoveOptions{Force: true}); err != nil {
		slog.Warn("Failed to remove container", "id", containerID, "error", err)
	}
}

func hostPort(c types.ContainerJSON) (string, error) {
	if c.NetworkSettings == nil {
		return "", fmt.Errorf("container has no network settings")
	}
	ports := c.NetworkSettings.Ports[nat.Port(ServerPort+"/tcp")]
	if len(ports) > 0 {
		return ports[0].HostPort, nil
	}
	return "", fmt.Errorf("container running but port not mapped")
}

func waitForHealth(ctx context.Context, baseURL string) error {
	// Initial startup can be slow while the kernel boots.
	timeoutCtx, cancel := context.WithTimeout(ctx, 60*time.Second)
	defer cancel()

	ticker := time.NewTicker(500 * time.Millisecond)
	defer ticker.Stop()

	for {
		select {
		case <-timeoutCtx.Done():
			return fmt.Errorf("timeout waiting for sandbox health")
		case <-ticker.C:
			req, err := http.NewRequestWithContext(timeoutCtx, http.MethodGet, baseURL+"/healthz", nil)
			if err != nil {
				return err
			}
			resp, err := http.DefaultClient.Do(req)
			if err != nil {
				continue
			}
			resp.Body.Close()
			if resp.StatusCode == http.StatusOK {
				return nil
			}
		}
	}
}

// Handle is a single sandbox container.
type Handle struct {
	id          string
	containerID string
	baseURL     string
	httpClient  *http.Client
	callbacks   sandbox.Callbacks
	docker      client.APIClient
	release     func(id string)

	mu     sync.Mutex
	files  []sandbox.File
	closed bool
}

var _ sandbox.Handle = (*Handle)(nil)

func (h *Handle) ID() string { return h.id }

// Upload copies data into the container's home directory.
func (h *Handle) Upload(ctx context.Context, name string, data []byte, description string) (string, error) {
	if h.isClosed() {
		return "", sandbox.ErrClosed
	}
	name = path.Base(name)
	archive, err := tarFile(name, data)
	if err != nil {
		return "", err
	}
	if err := h.docker.CopyToContainer(ctx, h.containerID, HomeDir, archive, types.CopyToContainerOptions{}); err != nil {
		return "", fmt.Errorf("copying %s to sandbox: %w", name, err)
	}

	remote := path.Join(HomeDir, name)
	h.mu.Lock()
	h.files = append(h.files, sandbox.File{Name: name, RemotePath: remote, Description: description})
	h.mu.Unlock()
	return remote, nil
}

// Files lists the files uploaded so far.
func (h *Handle) Files() []sandbox.File {
	h.mu.Lock()
	defer h.mu.Unlock()
	out := make([]sandbox.File, len(h.files))
	copy(out, h.files)
	return out
}

type runCellRequest struct {
	Code        string `json:"code"`
	SplitOutput bool   `json:"split_output"`
}

type runCellResponse struct {
	Output    string   `json:"output"`
	Stdout    string   `json:"stdout"`
	Stderr    string   `json:"stderr"`
	Artifacts []string `json:"artifacts"`
}

// Run executes a code cell in the container.
func (h *Handle) Run(ctx context.Context, code string) (*sandbox.Result, error) {
	if h.isClosed() {
		return nil, sandbox.ErrClosed
	}
	slog.Log(ctx, logging.LevelTrace, "Running cell", "sandboxID", h.id, "code", code)

	body, err := json.Marshal(runCellRequest{Code: code, SplitOutput: true})
	if err != nil {
		return nil, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, h.baseURL+"/tools:run_ipython_cell", bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := h.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("calling sandbox: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		msg, _ := io.ReadAll(resp.Body)
		return nil, fmt.Errorf("sandbox error %d: %s", resp.StatusCode, string(msg))
	}

	var cell runCellResponse
	if err := json.NewDecoder(resp.Body).Decode(&cell); err != nil {
		return nil, fmt.Errorf("decoding sandbox response: %w", err)
	}

	res := &sandbox.Result{Output: cell.Output, Stdout: cell.Stdout, Stderr: cell.Stderr}
	eachLine(cell.Stdout, h.callbacks.OnStdout)
	eachLine(cell.Stderr, h.callbacks.OnStderr)

	for _, p := range cell.Artifacts {
		a := sandbox.NewArtifact(p, h.downloader(p))
		res.Artifacts = append(res.Artifacts, a)
		if h.callbacks.OnArtifact != nil {
			if err := h.callbacks.OnArtifact(ctx, a); err != nil {
				return nil, fmt.Errorf("handling artifact %s: %w", p, err)
			}
		}
	}
	return res, nil
}

func (h *Handle) downloader(remote string) func(ctx context.Context) ([]byte, error) {
	return func(ctx context.Context) ([]byte, error) {
		rc, _, err := h.docker.CopyFromContainer(ctx, h.containerID, remote)
		if err != nil {
			return nil, fmt.Errorf("copying %s from sandbox: %w", remote, err)
		}
		defer rc.Close()
		return untarFirst(rc)
	}
}

// Close removes the container. Subsequent calls are no-ops.
func (h *Handle) Close(ctx context.Context) error {
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return nil
	}
	h.closed = true
	h.mu.Unlock()

	if h.release != nil {
		h.release(h.id)
	}
	slog.Info("Closing sandbox", "sandboxID", h.id)
	if err := h.docker.ContainerRemove(ctx, h.containerID, types.ContainerRemoveOptions{Force: true}); err != nil {
		if client.IsErrNotFound(err) {
			return nil
		}
		return fmt.Errorf("removing sandbox container: %w", err)
	}
	return nil
}

func (h *Handle) isClosed() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.closed
}

func eachLine(s string, fn func(string)) {
	if fn == nil || s == "" {
		return
	}
	for _, line := range strings.Split(strings.TrimRight(s, "\n"), "\n") {
		fn(line)
	}
}

// tarFile wraps a single file in a tar stream as CopyToContainer expects.
func tarFile(name string, data []byte) (io.Reader, error) {
	var buf bytes.Buffer
	tw := tar.NewWriter(&buf)
	hdr := &tar.Header{
		Name:    name,
		Mode:    0o644,
		Size:    int64(len(data)),
		ModTime: time.Now(),
	}
	if err := tw.WriteHeader(hdr); err != nil {
		return nil, fmt.Errorf("writing tar header: %w", err)
	}
	if _, err := tw.Write(data); err != nil {
		return nil, fmt.Errorf("writing tar body: %w", err)
	}
	if err := tw.Close(); err != nil {
		return nil, fmt.Errorf("closing tar: %w", err)
	}
	return &buf, nil
}

// untarFirst returns the contents of the first regular file in a tar stream.
func untarFirst(r io.Reader) ([]byte, error) {
	tr := tar.NewReader(r)
	for {
		hdr, err := tr.Next()
		if errors.Is(err, io.EOF) {
			return nil, fmt.Errorf("no file in archive")
		}
		if err != nil {
			return nil, fmt.Errorf("reading tar: %w", err)
		}
		if hdr.Typeflag == tar.TypeReg {
			return io.ReadAll(tr)
		}
	}
}
