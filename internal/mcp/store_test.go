package mcp

import (
	"encoding/json"
	"math"
	"path/filepath"
	"testing"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	store, err := OpenStore(filepath.Join(t.TempDir(), "catalog.db"))
	if err != nil {
		t.Fatalf("OpenStore: %v", err)
	}
	t.Cleanup(func() { store.Close() })
	return store
}

func sampleTools() []ToolSchema {
	return []ToolSchema{
		{
			Name:        "search",
			Description: "Search the index",
			InputSchema: json.RawMessage(`{"type":"object","properties":{"query":{"type":"string"}},"required":["query"]}`),
			Required:    []string{"query"},
		},
		{
			Name:        "fetch",
			Description: "Fetch a document",
			InputSchema: json.RawMessage(`{"type":"object","properties":{"id":{"type":"string"}},"required":["id"]}`),
			Required:    []string{"id"},
		},
	}
}

func TestStoreRecordAndGetTool(t *testing.T) {
	store := newTestStore(t)

	if err := store.RecordServer("alpha", "alpha-server --stdio", StateReady); err != nil {
		t.Fatalf("RecordServer: %v", err)
	}
	if err := store.RecordTools("alpha", sampleTools()); err != nil {
		t.Fatalf("RecordTools: %v", err)
	}

	rec, err := store.GetTool("alpha", "search")
	if err != nil {
		t.Fatalf("GetTool: %v", err)
	}
	if rec.ToolID != "alpha/search" {
		t.Errorf("tool id = %q", rec.ToolID)
	}
	if rec.Description != "Search the index" {
		t.Errorf("description = %q", rec.Description)
	}
	if rec.UsageCount != 0 || rec.SuccessRate != 0 {
		t.Errorf("fresh tool has usage %d rate %f", rec.UsageCount, rec.SuccessRate)
	}

	schema, err := store.SchemaFor("alpha", "search")
	if err != nil {
		t.Fatalf("SchemaFor: %v", err)
	}
	if got := requiredParams(schema); len(got) != 1 || got[0] != "query" {
		t.Errorf("persisted schema required = %v", got)
	}
}

func TestStoreUsageStatistics(t *testing.T) {
	store := newTestStore(t)
	if err := store.RecordTools("alpha", sampleTools()); err != nil {
		t.Fatalf("RecordTools: %v", err)
	}

	for _, u := range []struct {
		ok      bool
		latency int64
	}{
		{true, 100},
		{true, 200},
		{false, 300},
	} {
		if err := store.RecordToolUsage("alpha", "search", u.ok, u.latency); err != nil {
			t.Fatalf("RecordToolUsage: %v", err)
		}
	}

	rec, err := store.GetTool("alpha", "search")
	if err != nil {
		t.Fatalf("GetTool: %v", err)
	}
	if rec.UsageCount != 3 {
		t.Errorf("usage count = %d, want 3", rec.UsageCount)
	}
	if math.Abs(rec.SuccessRate-2.0/3.0) > 1e-9 {
		t.Errorf("success rate = %f, want 2/3", rec.SuccessRate)
	}
	if math.Abs(rec.AvgLatency-200) > 1e-9 {
		t.Errorf("avg latency = %f, want 200", rec.AvgLatency)
	}
}

func TestStoreUpsertPreservesStatistics(t *testing.T) {
	store := newTestStore(t)
	if err := store.RecordTools("alpha", sampleTools()); err != nil {
		t.Fatal(err)
	}
	if err := store.RecordToolUsage("alpha", "search", true, 50); err != nil {
		t.Fatal(err)
	}

	// A rediscovery refreshes descriptions but keeps the statistics.
	updated := sampleTools()
	updated[0].Description = "Search the index (v2)"
	if err := store.RecordTools("alpha", updated); err != nil {
		t.Fatal(err)
	}

	rec, err := store.GetTool("alpha", "search")
	if err != nil {
		t.Fatal(err)
	}
	if rec.Description != "Search the index (v2)" {
		t.Errorf("description = %q, want refreshed", rec.Description)
	}
	if rec.UsageCount != 1 {
		t.Errorf("usage count = %d, want 1 after upsert", rec.UsageCount)
	}
}

func TestStoreUsageUnknownTool(t *testing.T) {
	store := newTestStore(t)
	if err := store.RecordToolUsage("alpha", "ghost", true, 10); err == nil {
		t.Error("recording usage for unknown tool did not error")
	}
}

func TestStoreListTools(t *testing.T) {
	store := newTestStore(t)
	if err := store.RecordTools("beta", sampleTools()[:1]); err != nil {
		t.Fatal(err)
	}
	if err := store.RecordTools("alpha", sampleTools()); err != nil {
		t.Fatal(err)
	}

	list, err := store.ListTools()
	if err != nil {
		t.Fatalf("ListTools: %v", err)
	}
	if len(list) != 3 {
		t.Fatalf("len = %d, want 3", len(list))
	}
	// Ordered by server, then name.
	if list[0].Server != "alpha" || list[0].Name != "fetch" {
		t.Errorf("first row = %s/%s", list[0].Server, list[0].Name)
	}
	if list[2].Server != "beta" {
		t.Errorf("last row server = %s, want beta", list[2].Server)
	}
}

func TestNilStoreIsNoop(t *testing.T) {
	var store *Store

	if err := store.RecordServer("alpha", "cmd", StateReady); err != nil {
		t.Errorf("RecordServer on nil store: %v", err)
	}
	if err := store.RecordTools("alpha", sampleTools()); err != nil {
		t.Errorf("RecordTools on nil store: %v", err)
	}
	if err := store.RecordToolUsage("alpha", "search", true, 1); err != nil {
		t.Errorf("RecordToolUsage on nil store: %v", err)
	}
	if err := store.Close(); err != nil {
		t.Errorf("Close on nil store: %v", err)
	}
	if list, err := store.ListTools(); err != nil || list != nil {
		t.Errorf("ListTools on nil store = %v, %v", list, err)
	}
}
