package sandbox

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/nstogner/datachat/pkg/tools"
)

// ToolNameDataAnalysis is the name the model uses to run code.
const ToolNameDataAnalysis = "data_analysis"

// ArtifactsDir is where code must save charts to have them shown to the user.
const ArtifactsDir = "/home/user/artifacts"

// AnalysisTool exposes a sandbox handle to the agent.
type AnalysisTool struct {
	handle Handle
}

var _ tools.Tool = (*AnalysisTool)(nil)

// NewAnalysisTool wraps a handle as an agent tool.
func NewAnalysisTool(h Handle) *AnalysisTool {
	return &AnalysisTool{handle: h}
}

func (t *AnalysisTool) Name() string { return ToolNameDataAnalysis }

func (t *AnalysisTool) Description() string {
	var sb strings.Builder
	sb.WriteString("Evaluates python code in a sandbox environment. The environment resets on every execution. ")
	sb.WriteString("You must send the whole script every time and print your outputs. ")
	sb.WriteString("Script should be pure python code that can be evaluated. It should be in python format NOT markdown. ")
	sb.WriteString("The code should NOT be wrapped in backticks. All python packages including requests, matplotlib, scipy, numpy, pandas, etc are available. ")
	fmt.Fprintf(&sb, "If you have any files outputted write them to \"%s/\" directory path and reference them in your answer as ![title](sandbox:%s/<file name>).", ArtifactsDir, ArtifactsDir)

	files := t.handle.Files()
	if len(files) > 0 {
		sb.WriteString("\n\nThe following files available in the sandbox:")
		for _, f := range files {
			if f.Description == "" {
				fmt.Fprintf(&sb, "\n- path: `%s`", f.RemotePath)
			} else {
				fmt.Fprintf(&sb, "\n- path: `%s` \n description: `%s`", f.RemotePath, f.Description)
			}
		}
	}
	return sb.String()
}

func (t *AnalysisTool) InputSchema() map[string]any {
	return map[string]any{
		"type": "object",
		"properties": map[string]any{
			"python_code": map[string]any{
				"type":        "string",
				"description": "The python script to be evaluated. The contents will be in main.py. It should not be in markdown format.",
			},
		},
		"required": []string{"python_code"},
	}
}

// Execute runs the code and reports stdout, stderr and produced artifacts.
func (t *AnalysisTool) Execute(ctx context.Context, input map[string]any) (any, error) {
	code, err := tools.StringArg(input, "python_code")
	if err != nil {
		return nil, err
	}

	slog.Info("Executing sandbox code", "sandboxID", t.handle.ID())
	res, err := t.handle.Run(ctx, code)
	if err != nil {
		return nil, fmt.Errorf("running code: %w", err)
	}

	artifacts := make([]string, 0, len(res.Artifacts))
	for _, a := range res.Artifacts {
		artifacts = append(artifacts, a.Name())
	}

	stdout, stderr := res.Stdout, res.Stderr
	if stdout == "" && stderr == "" {
		stdout = res.Output
	}
	return map[string]any{
		"stdout":    stdout,
		"stderr":    stderr,
		"artifacts": artifacts,
	}, nil
}
