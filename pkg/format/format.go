package format

import (
	"errors"
	"path/filepath"
	"regexp"
	"strings"

	"github.com/nstogner/datachat/pkg/domain"
)

const (
	// Marker signals that an answer references sandbox files.
	Marker = "sandbox"
	// RemotePrefix is the URL prefix the model uses for sandbox charts.
	RemotePrefix = "sandbox:/home/user/artifacts/"
)

// ErrMalformedAnswer is returned when an answer mentions the sandbox but
// contains no image reference.
var ErrMalformedAnswer = errors.New("malformed answer: sandbox mentioned without image reference")

var imageRef = regexp.MustCompile(`!\[.*?\]\((.*?)\)`)

// Formatter splits raw agent output into typed display segments.
type Formatter struct {
	localDir string
}

// New returns a formatter mapping sandbox chart URLs into localDir. The
// directory is cleaned so image paths match the paths the artifact sink
// writes to.
func New(localDir string) *Formatter {
	return &Formatter{localDir: filepath.Clean(localDir)}
}

// Format returns [text] for plain answers and [text, image] when the
// answer references a sandbox chart.
func (f *Formatter) Format(raw string) ([]domain.Segment, error) {
	if !strings.Contains(raw, Marker) {
		return []domain.Segment{{Type: domain.SegmentText, Output: raw}}, nil
	}

	m := imageRef.FindStringSubmatch(raw)
	if m == nil {
		return nil, ErrMalformedAnswer
	}

	text := strings.TrimSpace(imageRef.ReplaceAllString(raw, ""))
	image := strings.ReplaceAll(m[1], RemotePrefix, f.localDir+"/")
	return []domain.Segment{
		{Type: domain.SegmentText, Output: text},
		{Type: domain.SegmentImage, Output: image},
	}, nil
}

// AppendArtifacts adds an image segment for every saved local path that the
// segments do not already show. Paths are compared in cleaned form.
func AppendArtifacts(segs []domain.Segment, saved []string) []domain.Segment {
	shown := make(map[string]bool, len(segs))
	for _, s := range segs {
		if s.Type == domain.SegmentImage {
			shown[filepath.Clean(s.Output)] = true
		}
	}
	for _, p := range saved {
		key := filepath.Clean(p)
		if shown[key] {
			continue
		}
		shown[key] = true
		segs = append(segs, domain.Segment{Type: domain.SegmentImage, Output: p})
	}
	return segs
}
