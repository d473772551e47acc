package agent

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/google/uuid"
	"github.com/nstogner/datachat/pkg/domain"
	"github.com/nstogner/datachat/pkg/model"
	"github.com/nstogner/datachat/pkg/tools"
)

// DefaultMaxIterations bounds the model/tool loop.
const DefaultMaxIterations = 15

// StoppedMessage is returned as the answer when the loop hits its limit.
const StoppedMessage = "Agent stopped due to iteration limit or time limit."

// invalidResponse is fed back to the model after an unusable reply.
const invalidResponse = "Invalid or incomplete response"

// ErrOutputParse is returned when the model produces neither text nor a
// tool call and parsing errors are not tolerated.
var ErrOutputParse = errors.New("could not parse model output")

// Config configures an agent.
type Config struct {
	// Model is the provider model ID.
	Model string
	// Instructions is the system prompt.
	Instructions string
	// Temperature is the decoding temperature.
	Temperature float32
	// HandleParsingErrors turns unusable replies, unknown tools and invalid
	// tool arguments into feedback for the model instead of failing the run.
	HandleParsingErrors bool
	// MaxIterations caps model calls per run. Zero means DefaultMaxIterations.
	MaxIterations int
	// Observer, if set, receives tool activity.
	Observer func(domain.Event)
}

// Agent answers a query by calling the model and executing its tool calls
// until the model replies with text.
type Agent struct {
	provider model.Provider
	tools    *tools.Registry
	cfg      Config
}

// New creates an agent.
func New(provider model.Provider, registry *tools.Registry, cfg Config) *Agent {
	if cfg.MaxIterations <= 0 {
		cfg.MaxIterations = DefaultMaxIterations
	}
	if registry == nil {
		registry = tools.NewRegistry()
	}
	return &Agent{provider: provider, tools: registry, cfg: cfg}
}

// Tools returns the agent's tool registry.
func (a *Agent) Tools() *tools.Registry { return a.tools }

// Run executes the loop for a single query and returns the final answer text.
func (a *Agent) Run(ctx context.Context, query string) (string, error) {
	messages := []model.Message{{
		Role:    domain.RoleUser,
		Content: []model.Content{{Type: domain.ContentTypeText, Text: query}},
	}}

	temp := a.cfg.Temperature
	decls := a.declarations()

	for i := 0; i < a.cfg.MaxIterations; i++ {
		msg, err := a.callModel(ctx, model.Request{
			Model:        a.cfg.Model,
			Instructions: a.cfg.Instructions,
			Temperature:  &temp,
			Tools:        decls,
			Messages:     messages,
		})
		if err != nil {
			return "", err
		}

		calls := msg.ToolCalls()
		if len(calls) == 0 {
			text := msg.Text()
			if strings.TrimSpace(text) != "" {
				return text, nil
			}
			if !a.cfg.HandleParsingErrors {
				return "", ErrOutputParse
			}
			slog.Warn("Model returned an empty response, retrying", "iteration", i)
			messages = append(messages, model.Message{
				Role:    domain.RoleUser,
				Content: []model.Content{{Type: domain.ContentTypeText, Text: invalidResponse}},
			})
			continue
		}

		messages = append(messages, msg)
		results := make([]model.Content, 0, len(calls))
		for _, tc := range calls {
			if tc.ID == "" {
				tc.ID = uuid.New().String()
			}
			res, err := a.executeTool(ctx, tc)
			if err != nil {
				return "", err
			}
			results = append(results, model.Content{Type: domain.ContentTypeToolResult, ToolResult: res})
		}
		messages = append(messages, model.Message{Role: domain.RoleTool, Content: results})
	}

	slog.Warn("Agent hit iteration limit", "maxIterations", a.cfg.MaxIterations)
	return StoppedMessage, nil
}

func (a *Agent) callModel(ctx context.Context, req model.Request) (model.Message, error) {
	stream, err := a.provider.Stream(ctx, req)
	if err != nil {
		return model.Message{}, fmt.Errorf("streaming model: %w", err)
	}
	defer stream.Close()

	msg, err := stream.FullMessage()
	if err != nil {
		return model.Message{}, fmt.Errorf("getting model response: %w", err)
	}
	return msg, nil
}

// executeTool runs one tool call. Recoverable failures become error results
// when parsing errors are tolerated. Other tool failures are returned.
func (a *Agent) executeTool(ctx context.Context, tc *domain.ToolCall) (*domain.ToolResult, error) {
	input, err := json.Marshal(tc.Input)
	if err != nil {
		slog.Warn("Failed to encode tool input", "tool", tc.Name, "id", tc.ID, "error", err)
		input = []byte(fmt.Sprint(tc.Input))
	}
	a.observe(domain.EventToolCall, fmt.Sprintf("%s %s", tc.Name, input))
	slog.Debug("Executing tool", "tool", tc.Name, "id", tc.ID)

	t, ok := a.tools.Get(tc.Name)
	if !ok {
		err := fmt.Errorf("%s is not a valid tool, try one of [%s]", tc.Name, strings.Join(a.toolNames(), ", "))
		if !a.cfg.HandleParsingErrors {
			return nil, err
		}
		return a.errorResult(tc, err), nil
	}

	out, err := t.Execute(ctx, tc.Input)
	if err != nil {
		if a.cfg.HandleParsingErrors && errors.Is(err, tools.ErrInvalidInput) {
			return a.errorResult(tc, err), nil
		}
		return nil, fmt.Errorf("executing tool %s: %w", tc.Name, err)
	}

	content, err := stringify(out)
	if err != nil {
		return nil, fmt.Errorf("encoding %s result: %w", tc.Name, err)
	}
	a.observe(domain.EventToolResult, content)
	return &domain.ToolResult{ToolCallID: tc.ID, Name: tc.Name, Content: content}, nil
}

func (a *Agent) errorResult(tc *domain.ToolCall, err error) *domain.ToolResult {
	slog.Warn("Tool call failed", "tool", tc.Name, "error", err)
	content := fmt.Sprintf("Error: %v", err)
	a.observe(domain.EventToolResult, content)
	return &domain.ToolResult{ToolCallID: tc.ID, Name: tc.Name, Content: content, IsError: true}
}

func (a *Agent) observe(t domain.EventType, content string) {
	if a.cfg.Observer != nil {
		a.cfg.Observer(domain.Event{Type: t, Content: content})
	}
}

func (a *Agent) declarations() []model.ToolDeclaration {
	list := a.tools.List()
	decls := make([]model.ToolDeclaration, 0, len(list))
	for _, t := range list {
		decls = append(decls, model.ToolDeclaration{
			Name:        t.Name(),
			Description: t.Description(),
			Parameters:  t.InputSchema(),
		})
	}
	return decls
}

func (a *Agent) toolNames() []string {
	var names []string
	for _, t := range a.tools.List() {
		names = append(names, t.Name())
	}
	return names
}

func stringify(v any) (string, error) {
	if s, ok := v.(string); ok {
		return s, nil
	}
	b, err := json.Marshal(v)
	if err != nil {
		return "", err
	}
	return string(b), nil
}
