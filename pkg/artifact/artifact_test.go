package artifact

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
)

type fakeArtifact struct {
	name string
	data []byte
	err  error
}

func (f fakeArtifact) Name() string { return f.name }

func (f fakeArtifact) Download(context.Context) ([]byte, error) { return f.data, f.err }

func TestSave(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "outputs")
	s, err := NewSink(dir)
	if err != nil {
		t.Fatalf("NewSink: %v", err)
	}

	ctx := context.Background()
	local, err := s.Save(ctx, fakeArtifact{name: "/home/user/artifacts/chart.png", data: []byte("png1")})
	if err != nil {
		t.Fatalf("Save: %v", err)
	}
	if want := filepath.Join(dir, "chart.png"); local != want {
		t.Errorf("local = %q, want %q", local, want)
	}

	// Same base name overwrites.
	if _, err := s.Save(ctx, fakeArtifact{name: "/other/chart.png", data: []byte("png2")}); err != nil {
		t.Fatalf("Save: %v", err)
	}
	got, err := os.ReadFile(local)
	if err != nil {
		t.Fatal(err)
	}
	if string(got) != "png2" {
		t.Errorf("contents = %q, want png2", got)
	}
}

func TestSaveDownloadError(t *testing.T) {
	s, err := NewSink(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	boom := errors.New("gone")
	if _, err := s.Save(context.Background(), fakeArtifact{name: "a.png", err: boom}); !errors.Is(err, boom) {
		t.Errorf("Save error = %v, want %v", err, boom)
	}
	if _, err := os.Stat(filepath.Join(s.Dir(), "a.png")); !os.IsNotExist(err) {
		t.Error("no file should be written on failure")
	}
}
