// Package tgi implements model.Provider against a local
// text-generation-inference server. It has no tool calling: every request
// is rendered into a single instruction prompt and answered with text.
package tgi

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/nstogner/datachat/pkg/domain"
	"github.com/nstogner/datachat/pkg/model"
)

const maxErrorBodyBytes = 2048

// Parameters are the decoding parameters sent with every request.
type Parameters struct {
	MaxNewTokens      int     `json:"max_new_tokens"`
	TopK              int     `json:"top_k"`
	TopP              float64 `json:"top_p"`
	TypicalP          float64 `json:"typical_p"`
	Temperature       float64 `json:"temperature"`
	RepetitionPenalty float64 `json:"repetition_penalty"`
}

// DefaultParameters are tuned for short code answers.
var DefaultParameters = Parameters{
	MaxNewTokens:      512,
	TopK:              10,
	TopP:              0.95,
	TypicalP:          0.95,
	Temperature:       0.01,
	RepetitionPenalty: 1.03,
}

// Provider talks to a TGI server over its REST API.
type Provider struct {
	baseURL string
	client  *http.Client
	params  Parameters
}

var _ model.Provider = (*Provider)(nil)

// New creates a provider for the server at baseURL (e.g. http://localhost:8010).
func New(baseURL string) *Provider {
	return &Provider{
		baseURL: strings.TrimRight(baseURL, "/"),
		client:  &http.Client{Timeout: 5 * time.Minute},
		params:  DefaultParameters,
	}
}

func (p *Provider) Name() string { return "tgi" }

// List reports the single model served by the TGI instance.
func (p *Provider) List(ctx context.Context) ([]domain.Model, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, p.baseURL+"/info", nil)
	if err != nil {
		return nil, err
	}
	resp, err := p.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("tgi info: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, statusError(resp)
	}

	var info struct {
		ModelID        string `json:"model_id"`
		MaxInputLength int    `json:"max_input_length"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&info); err != nil {
		return nil, fmt.Errorf("decoding tgi info: %w", err)
	}
	return []domain.Model{{
		ID:        info.ModelID,
		Name:      info.ModelID,
		Provider:  "tgi",
		MaxTokens: info.MaxInputLength,
	}}, nil
}

// Stream renders the request into a prompt and calls /generate.
func (p *Provider) Stream(ctx context.Context, req model.Request) (model.ModelStream, error) {
	if len(req.Tools) > 0 {
		slog.Debug("TGI provider ignores tool declarations", "tools", len(req.Tools))
	}

	params := p.params
	if req.Temperature != nil && *req.Temperature > 0 {
		// TGI rejects a temperature of exactly zero.
		params.Temperature = float64(*req.Temperature)
	}

	body, err := json.Marshal(map[string]any{
		"inputs":     Prompt(req.Instructions, req.Messages),
		"parameters": params,
	})
	if err != nil {
		return nil, err
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, p.baseURL+"/generate", bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := p.client.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("tgi generate: %w", err)
	}
	return &tgiStream{resp: resp}, nil
}

// Prompt builds the instruction template used by the local model:
//
//	Instruction: {instruction}
//	Input: {input}
//	Output:
//
// The input is the text of the user and tool messages, in order.
func Prompt(instructions string, messages []model.Message) string {
	var input []string
	for _, m := range messages {
		for _, c := range m.Content {
			switch {
			case c.Type == domain.ContentTypeText && m.Role != domain.RoleAssistant:
				input = append(input, strings.Trim(c.Text, "\n"))
			case c.Type == domain.ContentTypeToolResult && c.ToolResult != nil:
				input = append(input, strings.Trim(c.ToolResult.Content, "\n"))
			}
		}
	}
	return fmt.Sprintf("Instruction: %s\nInput: %s\nOutput:",
		strings.Trim(instructions, "\n"), strings.Join(input, "\n"))
}

type tgiStream struct {
	resp *http.Response
}

func (s *tgiStream) FullMessage() (model.Message, error) {
	if s.resp.StatusCode != http.StatusOK {
		return model.Message{}, statusError(s.resp)
	}
	var out struct {
		GeneratedText string `json:"generated_text"`
	}
	if err := json.NewDecoder(s.resp.Body).Decode(&out); err != nil {
		return model.Message{}, fmt.Errorf("decoding tgi response: %w", err)
	}
	return model.Message{
		Role: domain.RoleAssistant,
		Content: []model.Content{{
			Type: domain.ContentTypeText,
			Text: strings.TrimSpace(out.GeneratedText),
		}},
	}, nil
}

func (s *tgiStream) Close() error {
	return s.resp.Body.Close()
}

func statusError(resp *http.Response) error {
	body, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBodyBytes))
	return fmt.Errorf("tgi error %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
}
