package operators

import (
	"context"
	"testing"

	"github.com/flowforge/orchestrator/internal/domain"
)

func TestMemoryIngestJSON(t *testing.T) {
	m := NewMemory()
	m.Content["s1"] = []byte(`[{"a":1,"b":"x"},{"a":2,"b":"y"}]`)
	ds, err := m.Ingest(context.Background(), domain.DataSourceSpec{ID: "s1", Kind: domain.SourceFile, Format: "json"})
	if err != nil {
		t.Fatalf("Ingest: %v", err)
	}
	if len(ds.Rows) != 2 {
		t.Fatalf("expected 2 rows, got %d", len(ds.Rows))
	}
	if ds.Schema["a"] != "number" || ds.Schema["b"] != "string" {
		t.Fatalf("unexpected schema: %+v", ds.Schema)
	}
}

func TestMemoryIngestCSV(t *testing.T) {
	m := NewMemory()
	m.Content["s1"] = []byte("a,b\n1,x\n2,y\n")
	ds, err := m.Ingest(context.Background(), domain.DataSourceSpec{ID: "s1", Kind: domain.SourceFile, Format: "csv"})
	if err != nil {
		t.Fatalf("Ingest: %v", err)
	}
	if len(ds.Rows) != 2 || ds.Rows[0]["a"] != "1" {
		t.Fatalf("unexpected csv rows: %+v", ds.Rows)
	}
}

func TestMemoryIngestJSONL(t *testing.T) {
	m := NewMemory()
	m.Content["s1"] = []byte("{\"a\":1}\n{\"a\":2}\n")
	ds, err := m.Ingest(context.Background(), domain.DataSourceSpec{ID: "s1", Kind: domain.SourceFile, Format: "jsonl"})
	if err != nil {
		t.Fatalf("Ingest: %v", err)
	}
	if len(ds.Rows) != 2 {
		t.Fatalf("expected 2 rows, got %d", len(ds.Rows))
	}
}

func TestMemoryIngestUnsupportedFormat(t *testing.T) {
	m := NewMemory()
	m.Content["s1"] = []byte("whatever")
	_, err := m.Ingest(context.Background(), domain.DataSourceSpec{ID: "s1", Kind: domain.SourceFile, Format: "xml"})
	if err == nil {
		t.Fatalf("expected unsupported format error")
	}
}

func TestInMemoryServerTrafficSplit(t *testing.T) {
	server := NewInMemoryServer(func() float64 { return 0.3 })
	server.Deploy(context.Background(), "v1", &Reference{Output: map[string]any{"v": "one"}})
	server.Deploy(context.Background(), "v2", &Reference{Output: map[string]any{"v": "two"}})
	server.SetTrafficSplit(context.Background(), "v1", 0.5)
	server.SetTrafficSplit(context.Background(), "v2", 0.5)

	out, err := server.Predict(context.Background(), nil)
	if err != nil {
		t.Fatalf("Predict: %v", err)
	}
	if out["v"] != "one" {
		t.Fatalf("expected weighted pick to route to v1 at r=0.3, got %v", out["v"])
	}
}
