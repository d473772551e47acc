package sqlquery

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strconv"
	"strings"

	_ "github.com/mattn/go-sqlite3"

	"github.com/nstogner/datachat/pkg/dataset"
)

// TableName is the table the dataset is loaded into.
const TableName = "data"

// MaxRows caps the rows returned to the model.
const MaxRows = 100

// ErrReadOnly is returned for statements other than SELECT/WITH.
var ErrReadOnly = errors.New("only read-only SELECT queries are allowed")

// DB is an in-memory SQLite copy of a dataset.
type DB struct {
	db      *sql.DB
	columns []string
}

// Load creates an in-memory database holding the dataset in TableName.
func Load(ctx context.Context, d *dataset.Dataset) (*DB, error) {
	db, err := sql.Open("sqlite3", ":memory:")
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	// Each connection to :memory: is a separate database.
	db.SetMaxOpenConns(1)
	db.SetConnMaxLifetime(0)

	s := &DB{db: db, columns: columnNames(d.Columns)}
	if err := s.load(ctx, d); err != nil {
		db.Close()
		return nil, fmt.Errorf("loading dataset: %w", err)
	}
	if _, err := db.ExecContext(ctx, `PRAGMA query_only = ON`); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

func (s *DB) load(ctx context.Context, d *dataset.Dataset) error {
	defs := make([]string, len(s.columns))
	for i, c := range s.columns {
		defs[i] = quote(c) + " " + inferType(d.Rows, i)
	}
	if _, err := s.db.ExecContext(ctx, fmt.Sprintf("CREATE TABLE %s (%s)", TableName, strings.Join(defs, ", "))); err != nil {
		return err
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	marks := strings.TrimSuffix(strings.Repeat("?, ", len(s.columns)), ", ")
	stmt, err := tx.PrepareContext(ctx, fmt.Sprintf("INSERT INTO %s VALUES (%s)", TableName, marks))
	if err != nil {
		return err
	}
	defer stmt.Close()

	for _, row := range d.Rows {
		args := make([]any, len(s.columns))
		for i := range args {
			if i < len(row) && row[i] != "" {
				args[i] = row[i]
			}
		}
		if _, err := stmt.ExecContext(ctx, args...); err != nil {
			return err
		}
	}
	return tx.Commit()
}

// Columns returns the table's column names.
func (s *DB) Columns() []string { return s.columns }

// Result is a query result.
type Result struct {
	Columns   []string
	Rows      [][]string
	Truncated bool
}

// Query runs a read-only statement.
func (s *DB) Query(ctx context.Context, query string) (*Result, error) {
	if !readOnly(query) {
		return nil, ErrReadOnly
	}

	rows, err := s.db.QueryContext(ctx, query)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	cols, err := rows.Columns()
	if err != nil {
		return nil, err
	}
	res := &Result{Columns: cols}
	for rows.Next() {
		if len(res.Rows) == MaxRows {
			res.Truncated = true
			break
		}
		vals := make([]any, len(cols))
		ptrs := make([]any, len(cols))
		for i := range vals {
			ptrs[i] = &vals[i]
		}
		if err := rows.Scan(ptrs...); err != nil {
			return nil, err
		}
		row := make([]string, len(cols))
		for i, v := range vals {
			row[i] = cell(v)
		}
		res.Rows = append(res.Rows, row)
	}
	return res, rows.Err()
}

// Close closes the database.
func (s *DB) Close() error {
	return s.db.Close()
}

// Markdown renders the result as a Markdown table.
func (r *Result) Markdown() string {
	var sb strings.Builder
	sb.WriteString("| " + strings.Join(r.Columns, " | ") + " |\n")
	sb.WriteString("|" + strings.Repeat(" --- |", len(r.Columns)) + "\n")
	for _, row := range r.Rows {
		sb.WriteString("| " + strings.Join(row, " | ") + " |\n")
	}
	if r.Truncated {
		fmt.Fprintf(&sb, "\n(truncated to %d rows)\n", MaxRows)
	}
	return sb.String()
}

func readOnly(q string) bool {
	q = strings.ToLower(strings.TrimSpace(q))
	return strings.HasPrefix(q, "select") || strings.HasPrefix(q, "with")
}

func cell(v any) string {
	switch x := v.(type) {
	case nil:
		return "NULL"
	case []byte:
		return string(x)
	case float64:
		return strconv.FormatFloat(x, 'f', -1, 64)
	default:
		return fmt.Sprint(x)
	}
}

// inferType picks the narrowest SQLite type that fits every non-empty value.
func inferType(rows [][]string, col int) string {
	isInt, isReal, seen := true, true, false
	for _, row := range rows {
		if col >= len(row) || row[col] == "" {
			continue
		}
		seen = true
		v := strings.TrimSpace(row[col])
		if _, err := strconv.ParseInt(v, 10, 64); err != nil {
			isInt = false
		}
		if _, err := strconv.ParseFloat(v, 64); err != nil {
			isReal = false
		}
	}
	switch {
	case !seen:
		return "TEXT"
	case isInt:
		return "INTEGER"
	case isReal:
		return "REAL"
	default:
		return "TEXT"
	}
}

func columnNames(header []string) []string {
	out := make([]string, len(header))
	// SQLite column names are case-insensitive.
	used := map[string]bool{}
	for i, h := range header {
		base := strings.TrimSpace(h)
		if base == "" {
			base = fmt.Sprintf("column_%d", i+1)
		}
		name := base
		for n := 2; used[strings.ToLower(name)]; n++ {
			name = fmt.Sprintf("%s_%d", base, n)
		}
		used[strings.ToLower(name)] = true
		out[i] = name
	}
	return out
}

func quote(ident string) string {
	return `"` + strings.ReplaceAll(ident, `"`, `""`) + `"`
}
