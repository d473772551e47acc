package render

import (
	"bytes"
	"fmt"
	"html/template"
	"io"
	"net/url"
	"path/filepath"

	"github.com/nstogner/datachat/pkg/domain"
	"github.com/nstogner/datachat/pkg/session"
	"github.com/nstogner/datachat/web"
	"github.com/yuin/goldmark"
	"github.com/yuin/goldmark/extension"
)

// PreviewRows is how many dataset rows the page shows.
const PreviewRows = 20

// OutputsPath is the URL prefix artifact images are served from.
const OutputsPath = "/outputs/"

// Notice carries per-request messages shown on the page.
type Notice struct {
	Query   string
	Warning string
	Error   string
}

type pageData struct {
	SessionID   string
	UploaderKey int
	Uploaded    bool
	Query       string
	Warning     string
	Error       string
	Dataset     *datasetView
	Answers     []answerView
}

type datasetView struct {
	Columns []string
	Rows    [][]string
}

type answerView struct {
	Index    int
	Segments []segmentView
}

type segmentView struct {
	HTML template.HTML
	Src  string
}

// HTML renders the full page for a session.
type HTML struct {
	tmpl *template.Template
	md   goldmark.Markdown
}

// NewHTML parses the embedded page template.
func NewHTML() (*HTML, error) {
	tmpl, err := template.ParseFS(web.FS, "templates/index.html")
	if err != nil {
		return nil, fmt.Errorf("parsing templates: %w", err)
	}
	return &HTML{
		tmpl: tmpl,
		md:   goldmark.New(goldmark.WithExtensions(extension.GFM)),
	}, nil
}

// Render writes the page: the dataset preview followed by every answer,
// numbered from 1, in submission order.
func (h *HTML) Render(w io.Writer, st *session.State, n Notice) error {
	data := pageData{
		SessionID:   st.ID(),
		UploaderKey: st.UploaderKey(),
		Uploaded:    st.Uploaded(),
		Query:       n.Query,
		Warning:     n.Warning,
		Error:       n.Error,
	}
	if d := st.Dataset(); d != nil {
		data.Dataset = &datasetView{Columns: d.Columns, Rows: d.Preview(PreviewRows)}
	}

	for i, a := range st.Answers() {
		av := answerView{Index: i + 1}
		for _, seg := range a.Segments {
			sv, err := h.segment(seg)
			if err != nil {
				return err
			}
			av.Segments = append(av.Segments, sv)
		}
		data.Answers = append(data.Answers, av)
	}

	var buf bytes.Buffer
	if err := h.tmpl.ExecuteTemplate(&buf, "index.html", data); err != nil {
		return fmt.Errorf("executing template: %w", err)
	}
	_, err := buf.WriteTo(w)
	return err
}

func (h *HTML) segment(seg domain.Segment) (segmentView, error) {
	switch seg.Type {
	case domain.SegmentImage:
		return segmentView{Src: ImageURL(seg.Output)}, nil
	default:
		var buf bytes.Buffer
		if err := h.md.Convert([]byte(seg.Output), &buf); err != nil {
			return segmentView{}, fmt.Errorf("rendering markdown: %w", err)
		}
		return segmentView{HTML: template.HTML(buf.String())}, nil
	}
}

// ImageURL maps a local artifact path to the URL it is served from.
func ImageURL(localPath string) string {
	return OutputsPath + url.PathEscape(filepath.Base(localPath))
}
