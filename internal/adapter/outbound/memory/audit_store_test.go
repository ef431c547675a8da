package memory

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/Sentinel-Gate/credgate/internal/domain/audit"
)

func TestAuditStore_Append(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	buf := &bytes.Buffer{}
	store := NewAuditStoreWithWriter(buf)

	record := audit.AuditRecord{
		RequestID:     "req-1",
		CredentialID:  "cred-1",
		ApplicationID: "app-1",
		Operation:     "s3:GetObject",
		Status:        audit.StatusApproved,
		Timestamp:     time.Now().UTC(),
	}

	if err := store.Append(ctx, record); err != nil {
		t.Fatalf("Append() error: %v", err)
	}

	var decoded audit.AuditRecord
	if err := json.Unmarshal([]byte(strings.TrimSpace(buf.String())), &decoded); err != nil {
		t.Fatalf("Written output is not valid JSON: %v", err)
	}
	if decoded.RequestID != "req-1" {
		t.Errorf("RequestID = %q, want %q", decoded.RequestID, "req-1")
	}
	if decoded.Operation != "s3:GetObject" {
		t.Errorf("Operation = %q, want %q", decoded.Operation, "s3:GetObject")
	}
}

func TestAuditStore_AppendMultiple(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	buf := &bytes.Buffer{}
	store := NewAuditStoreWithWriter(buf)

	records := []audit.AuditRecord{
		{RequestID: "req-1", Status: audit.StatusApproved},
		{RequestID: "req-2", Status: audit.StatusDenied},
		{RequestID: "req-3", Status: audit.StatusPending},
	}
	if err := store.Append(ctx, records...); err != nil {
		t.Fatalf("Append() error: %v", err)
	}

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	if len(lines) != 3 {
		t.Fatalf("Expected 3 JSON lines, got %d", len(lines))
	}
	for i, line := range lines {
		var decoded audit.AuditRecord
		if err := json.Unmarshal([]byte(line), &decoded); err != nil {
			t.Errorf("Line %d is not valid JSON: %v", i, err)
		}
		if want := fmt.Sprintf("req-%d", i+1); decoded.RequestID != want {
			t.Errorf("Line %d RequestID = %q, want %q", i, decoded.RequestID, want)
		}
	}
}

func TestAuditStore_AppendEmpty(t *testing.T) {
	t.Parallel()

	buf := &bytes.Buffer{}
	store := NewAuditStoreWithWriter(buf)

	if err := store.Append(context.Background()); err != nil {
		t.Errorf("Append() with no records error: %v", err)
	}
	if buf.Len() != 0 {
		t.Errorf("Buffer should be empty, got %d bytes", buf.Len())
	}
}

func TestAuditStore_RingBuffer(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	store := NewAuditStoreWithWriter(&bytes.Buffer{}, 3)

	for i := 1; i <= 5; i++ {
		_ = store.Append(ctx, audit.AuditRecord{RequestID: fmt.Sprintf("req-%d", i)})
	}

	recent := store.GetRecent(10)
	if len(recent) != 3 {
		t.Fatalf("GetRecent() returned %d, want 3", len(recent))
	}
	for i, want := range []string{"req-5", "req-4", "req-3"} {
		if recent[i].RequestID != want {
			t.Errorf("recent[%d] = %q, want %q", i, recent[i].RequestID, want)
		}
	}
	if got := store.GetRecent(0); got != nil {
		t.Errorf("GetRecent(0) = %v, want nil", got)
	}
}

func TestAuditStore_Query(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	store := NewAuditStoreWithWriter(&bytes.Buffer{})
	base := time.Date(2026, 5, 4, 12, 0, 0, 0, time.UTC)

	_ = store.Append(ctx,
		audit.AuditRecord{RequestID: "a", CredentialID: "cred-1", ApplicationID: "app-1", Operation: "read", Status: audit.StatusApproved, Timestamp: base},
		audit.AuditRecord{RequestID: "b", CredentialID: "cred-1", ApplicationID: "app-2", Operation: "delete", Status: audit.StatusDenied, Timestamp: base.Add(time.Minute)},
		audit.AuditRecord{RequestID: "c", CredentialID: "cred-2", ApplicationID: "app-1", Operation: "read", Status: audit.StatusPending, Timestamp: base.Add(2 * time.Minute)},
	)

	tests := []struct {
		name   string
		filter audit.AuditFilter
		want   []string
	}{
		{"all newest first", audit.AuditFilter{}, []string{"c", "b", "a"}},
		{"by credential", audit.AuditFilter{CredentialID: "cred-1"}, []string{"b", "a"}},
		{"by application", audit.AuditFilter{ApplicationID: "app-1"}, []string{"c", "a"}},
		{"by status case-insensitive", audit.AuditFilter{Status: "denied"}, []string{"b"}},
		{"by operation", audit.AuditFilter{Operation: "read"}, []string{"c", "a"}},
		{"time range", audit.AuditFilter{StartTime: base.Add(30 * time.Second), EndTime: base.Add(90 * time.Second)}, []string{"b"}},
		{"limit", audit.AuditFilter{Limit: 1}, []string{"c"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := store.Query(tt.filter)
			if len(got) != len(tt.want) {
				t.Fatalf("Query() returned %d records, want %d", len(got), len(tt.want))
			}
			for i, id := range tt.want {
				if got[i].RequestID != id {
					t.Errorf("record[%d] = %q, want %q", i, got[i].RequestID, id)
				}
			}
		})
	}
}

func TestAuditStore_ConcurrentAppend(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	buf := &bytes.Buffer{}
	store := NewAuditStoreWithWriter(buf)

	var wg sync.WaitGroup
	for i := 0; i < 100; i++ {
		wg.Add(1)
		go func(idx int) {
			defer wg.Done()
			if err := store.Append(ctx, audit.AuditRecord{RequestID: fmt.Sprintf("req-%d", idx)}); err != nil {
				t.Errorf("Append() error: %v", err)
			}
		}(i)
	}
	wg.Wait()

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	if len(lines) != 100 {
		t.Errorf("Expected 100 JSON lines, got %d", len(lines))
	}
}

func TestAuditStore_File(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "audit.jsonl")
	store, err := OpenAuditFile(path)
	if err != nil {
		t.Fatalf("OpenAuditFile() error: %v", err)
	}
	ctx := context.Background()
	if err := store.Append(ctx, audit.AuditRecord{RequestID: "file-1", Status: audit.StatusDenied}); err != nil {
		t.Fatal(err)
	}
	if err := store.Flush(ctx); err != nil {
		t.Errorf("Flush() error: %v", err)
	}
	if err := store.Close(); err != nil {
		t.Errorf("Close() error: %v", err)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(string(data), `"request_id":"file-1"`) {
		t.Errorf("file content = %s", data)
	}
}

func TestAuditStore_DefaultStdout(t *testing.T) {
	store := NewAuditStore()
	if store == nil {
		t.Fatal("NewAuditStore() returned nil")
	}
	if err := store.Close(); err != nil {
		t.Errorf("Close() on default store error: %v", err)
	}
}
