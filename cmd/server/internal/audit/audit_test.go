package audit

import (
	"bytes"
	"encoding/json"
	"strings"
	"testing"
)

func TestLogConnectionEvent(t *testing.T) {
	var buf bytes.Buffer
	l := NewWithWriter(&buf)

	l.LogConnectionEvent("connection_accepted", "u1", "doc1", "c1", "")
	l.LogConnectionEvent("connection_rejected", "u2", "doc1", "", "TOKEN_EXPIRED")

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	if len(lines) != 2 {
		t.Fatalf("Expected 2 records, got %d", len(lines))
	}

	var first map[string]any
	if err := json.Unmarshal([]byte(lines[0]), &first); err != nil {
		t.Fatalf("first record is not valid JSON: %v", err)
	}
	if first["event"] != "connection_accepted" {
		t.Errorf("Expected connection_accepted, got %v", first["event"])
	}
	if first["conn_id"] != "c1" {
		t.Errorf("Expected conn_id c1, got %v", first["conn_id"])
	}
	if _, ok := first["detail"]; ok {
		t.Error("Empty detail must be omitted")
	}
	if first["timestamp"] == "" {
		t.Error("Expected timestamp")
	}

	var second map[string]any
	if err := json.Unmarshal([]byte(lines[1]), &second); err != nil {
		t.Fatalf("second record is not valid JSON: %v", err)
	}
	if second["detail"] != "TOKEN_EXPIRED" {
		t.Errorf("Expected detail TOKEN_EXPIRED, got %v", second["detail"])
	}
	if _, ok := second["conn_id"]; ok {
		t.Error("Empty conn_id must be omitted")
	}
}

func TestCloseWithoutFileIsNoop(t *testing.T) {
	l := NewWithWriter(&bytes.Buffer{})
	if err := l.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}
}
