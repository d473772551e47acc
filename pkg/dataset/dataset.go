package dataset

import (
	"bytes"
	"crypto/sha256"
	"encoding/csv"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"strings"
)

// ErrEmpty is returned when an upload has no header row.
var ErrEmpty = errors.New("dataset is empty")

// Dataset is a parsed tabular upload. Its identity is derived from the
// normalized CSV content, so the same data uploaded twice has the same ID.
type Dataset struct {
	Name    string
	Columns []string
	Rows    [][]string

	id  string
	csv []byte
}

// Parse reads CSV data. The first record is the header.
func Parse(name string, r io.Reader) (*Dataset, error) {
	cr := csv.NewReader(r)
	cr.FieldsPerRecord = -1
	records, err := cr.ReadAll()
	if err != nil {
		return nil, fmt.Errorf("parsing %s: %w", name, err)
	}
	if len(records) == 0 || len(records[0]) == 0 {
		return nil, ErrEmpty
	}

	d := &Dataset{
		Name:    name,
		Columns: records[0],
		Rows:    records[1:],
	}

	var buf bytes.Buffer
	w := csv.NewWriter(&buf)
	if err := w.WriteAll(records); err != nil {
		return nil, fmt.Errorf("serializing %s: %w", name, err)
	}
	d.csv = buf.Bytes()
	sum := sha256.Sum256(d.csv)
	d.id = hex.EncodeToString(sum[:])
	return d, nil
}

// ID identifies the dataset by content.
func (d *Dataset) ID() string { return d.id }

// CSV returns the dataset serialized as CSV.
func (d *Dataset) CSV() []byte { return d.csv }

// Description lists the columns for the agent.
func (d *Dataset) Description() string {
	return "Data columns consist of " + strings.Join(d.Columns, ", ") + "."
}

// Preview returns up to n rows.
func (d *Dataset) Preview(n int) [][]string {
	if n > len(d.Rows) {
		n = len(d.Rows)
	}
	return d.Rows[:n]
}
