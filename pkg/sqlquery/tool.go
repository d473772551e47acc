package sqlquery

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/nstogner/datachat/pkg/tools"
)

// ToolNameSQL is the name the model uses to query the dataset.
const ToolNameSQL = "sql_query"

// Tool exposes a DB to the agent.
type Tool struct {
	db          *DB
	description string
}

var _ tools.Tool = (*Tool)(nil)

// NewTool wraps db as an agent tool. description describes the data.
func NewTool(db *DB, description string) *Tool {
	return &Tool{db: db, description: description}
}

func (t *Tool) Name() string { return ToolNameSQL }

func (t *Tool) Description() string {
	quoted := make([]string, len(t.db.Columns()))
	for i, c := range t.db.Columns() {
		quoted[i] = quote(c)
	}
	return fmt.Sprintf("Runs a read-only SQLite query against the user's data, stored in the table %q with columns %s. %s "+
		"Only SELECT statements are allowed. Results are returned as a Markdown table.",
		TableName, strings.Join(quoted, ", "), t.description)
}

func (t *Tool) InputSchema() map[string]any {
	return map[string]any{
		"type": "object",
		"properties": map[string]any{
			"query": map[string]any{
				"type":        "string",
				"description": "The SQLite SELECT statement to run.",
			},
		},
		"required": []string{"query"},
	}
}

// Execute runs the query. SQL and read-only errors are reported to the
// model as invalid input so it can correct itself.
func (t *Tool) Execute(ctx context.Context, input map[string]any) (any, error) {
	q, err := tools.StringArg(input, "query")
	if err != nil {
		return nil, err
	}
	res, err := t.db.Query(ctx, q)
	if err != nil {
		if errors.Is(err, ErrReadOnly) || ctx.Err() == nil {
			return nil, fmt.Errorf("%w: %v", tools.ErrInvalidInput, err)
		}
		return nil, err
	}
	return res.Markdown(), nil
}
