package render

import (
	"fmt"
	"strings"

	"github.com/charmbracelet/glamour"
	"github.com/nstogner/datachat/pkg/domain"
)

// Terminal renders answers as styled Markdown for a terminal.
type Terminal struct {
	r *glamour.TermRenderer
}

// NewTerminal creates a renderer wrapping at width using the given glamour
// style (e.g. "dark", "light", "notty").
func NewTerminal(style string, width int) (*Terminal, error) {
	r, err := glamour.NewTermRenderer(
		glamour.WithStandardStyle(style),
		glamour.WithWordWrap(width),
	)
	if err != nil {
		return nil, fmt.Errorf("creating terminal renderer: %w", err)
	}
	return &Terminal{r: r}, nil
}

// Answer renders one answer under a "Response #n" heading. Images are
// shown as their local path.
func (t *Terminal) Answer(index int, a domain.Answer) (string, error) {
	var md strings.Builder
	fmt.Fprintf(&md, "## Response #%d\n\n", index)
	for _, seg := range a.Segments {
		switch seg.Type {
		case domain.SegmentImage:
			fmt.Fprintf(&md, "Chart saved to `%s`\n\n", seg.Output)
		default:
			md.WriteString(seg.Output + "\n\n")
		}
	}
	return t.r.Render(md.String())
}

// Answers renders the full history, numbered from 1.
func (t *Terminal) Answers(answers []domain.Answer) (string, error) {
	var out strings.Builder
	for i, a := range answers {
		s, err := t.Answer(i+1, a)
		if err != nil {
			return "", err
		}
		out.WriteString(s)
	}
	return out.String(), nil
}

// Markdown renders arbitrary Markdown.
func (t *Terminal) Markdown(md string) (string, error) {
	return t.r.Render(md)
}
