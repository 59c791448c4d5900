// Package operators declares the external contracts the engine components
// (C5 data sources, C6 training agents, C7 model servers) delegate to, plus
// deterministic in-memory reference implementations sufficient to exercise
// those engines' own tests without reaching into any real external system
// — concrete cloud/database/file-system adapters are out of scope per
// spec.md's own Non-goals.
package operators

import (
	"bufio"
	"bytes"
	"context"
	"encoding/csv"
	"encoding/json"
	"fmt"
	"io"

	"github.com/flowforge/orchestrator/internal/domain"
)

// Dataset is what Ingest produces for one source: rows plus the schema the
// engine inferred from them.
type Dataset struct {
	ID       string
	SourceID string
	Rows     []map[string]any
	Metadata map[string]any
	Schema   map[string]string // field name -> inferred type ("number", "string", "bool", "null")
}

// DataSource is the external contract a data pipeline source delegates to.
// Concrete database/api/stream bindings live outside this module; Memory
// below is the in-memory file-format reference implementation.
type DataSource interface {
	Ingest(ctx context.Context, spec domain.DataSourceSpec) (Dataset, error)
}

// ErrUnsupportedFormat is returned when a SourceFile spec names a format
// the reference adapter cannot parse.
var ErrUnsupportedFormat = fmt.Errorf("unsupported format")

// Memory is a DataSource backed by in-memory byte content keyed by source
// id, standing in for a real filesystem/database/API/stream — it parses
// the three file formats spec.md §4.5 names (json, csv, jsonl) and treats
// non-file source kinds as pre-supplied row sets.
type Memory struct {
	// Content holds raw bytes for SourceFile specs, keyed by spec.ID.
	Content map[string][]byte
	// Rows holds pre-supplied rows for non-file source kinds, keyed by
	// spec.ID — the reference stand-in for a database/api/stream fetch.
	Rows map[string][]map[string]any
}

func NewMemory() *Memory {
	return &Memory{Content: make(map[string][]byte), Rows: make(map[string][]map[string]any)}
}

func (m *Memory) Ingest(ctx context.Context, spec domain.DataSourceSpec) (Dataset, error) {
	select {
	case <-ctx.Done():
		return Dataset{}, ctx.Err()
	default:
	}

	if spec.Kind != domain.SourceFile {
		rows := m.Rows[spec.ID]
		return Dataset{
			ID:       spec.ID + ":dataset",
			SourceID: spec.ID,
			Rows:     rows,
			Metadata: map[string]any{"kind": string(spec.Kind)},
			Schema:   inferSchema(rows),
		}, nil
	}

	content := m.Content[spec.ID]
	rows, err := parseFile(spec.Format, content)
	if err != nil {
		return Dataset{}, err
	}
	return Dataset{
		ID:       spec.ID + ":dataset",
		SourceID: spec.ID,
		Rows:     rows,
		Metadata: map[string]any{"kind": string(spec.Kind), "format": spec.Format},
		Schema:   inferSchema(rows),
	}, nil
}

func parseFile(format string, content []byte) ([]map[string]any, error) {
	switch format {
	case "json", "":
		var rows []map[string]any
		if err := json.Unmarshal(content, &rows); err != nil {
			return nil, fmt.Errorf("parse json source: %w", err)
		}
		return rows, nil
	case "jsonl":
		var rows []map[string]any
		scanner := bufio.NewScanner(bytes.NewReader(content))
		for scanner.Scan() {
			line := bytes.TrimSpace(scanner.Bytes())
			if len(line) == 0 {
				continue
			}
			var row map[string]any
			if err := json.Unmarshal(line, &row); err != nil {
				return nil, fmt.Errorf("parse jsonl source: %w", err)
			}
			rows = append(rows, row)
		}
		return rows, scanner.Err()
	case "csv":
		r := csv.NewReader(bytes.NewReader(content))
		header, err := r.Read()
		if err != nil {
			if err == io.EOF {
				return nil, nil
			}
			return nil, fmt.Errorf("parse csv source: %w", err)
		}
		var rows []map[string]any
		for {
			record, err := r.Read()
			if err == io.EOF {
				break
			}
			if err != nil {
				return nil, fmt.Errorf("parse csv source: %w", err)
			}
			row := make(map[string]any, len(header))
			for i, col := range header {
				if i < len(record) {
					row[col] = record[i]
				}
			}
			rows = append(rows, row)
		}
		return rows, nil
	default:
		return nil, fmt.Errorf("format %q: %w", format, ErrUnsupportedFormat)
	}
}

func inferSchema(rows []map[string]any) map[string]string {
	schema := make(map[string]string)
	for _, row := range rows {
		for field, v := range row {
			if _, known := schema[field]; known {
				continue
			}
			schema[field] = inferType(v)
		}
	}
	return schema
}

func inferType(v any) string {
	switch v.(type) {
	case nil:
		return "null"
	case bool:
		return "bool"
	case float64, int, int64:
		return "number"
	default:
		return "string"
	}
}
