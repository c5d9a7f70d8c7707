package forwardlog

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestNopSink_DiscardsEvents(t *testing.T) {
	var s Sink = NopSink{}
	s.Record(Event{Protocol: "dot", OriginalSNI: "a.example.org"})
	if err := s.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
}

func TestTextSink_WritesOneLinePerEvent(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "forward.log")

	sink, err := NewTextSink(path, false)
	if err != nil {
		t.Fatalf("NewTextSink: %v", err)
	}
	defer sink.Close()

	sink.Record(Event{
		Time:        time.Now(),
		Protocol:    "dot",
		OriginalSNI: "shop.example.org",
		Target:      "shop.example.cn",
		ClientAddr:  "203.0.113.7:51820",
		BytesIn:     120,
		BytesOut:    340,
		Outcome:     "ok",
	})
	sink.Record(Event{
		Protocol:    "doh",
		OriginalSNI: "bad.example.org",
		Outcome:     "error",
		Error:       "upstream dial timed out",
	})
	sink.Close()

	entries, err := os.ReadDir(dir)
	if err != nil {
		t.Fatalf("ReadDir: %v", err)
	}
	if len(entries) != 1 {
		t.Fatalf("expected exactly one rotated log file, got %d", len(entries))
	}

	data, err := os.ReadFile(filepath.Join(dir, entries[0].Name()))
	if err != nil {
		t.Fatalf("ReadFile: %v", err)
	}
	lines := strings.Split(strings.TrimRight(string(data), "\n"), "\n")
	if len(lines) != 2 {
		t.Fatalf("expected 2 lines, got %d: %q", len(lines), string(data))
	}
	if !strings.Contains(lines[0], "sni=shop.example.org") || !strings.Contains(lines[0], "target=shop.example.cn") {
		t.Errorf("line 0 missing expected fields: %q", lines[0])
	}
	if !strings.Contains(lines[1], `error="upstream dial timed out"`) {
		t.Errorf("line 1 missing error field: %q", lines[1])
	}
}

func TestTextSink_AnonymizesClientIPWhenConfigured(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "forward.log")

	sink, err := NewTextSink(path, true)
	if err != nil {
		t.Fatalf("NewTextSink: %v", err)
	}
	sink.Record(Event{
		Protocol:   "dot",
		ClientAddr: "203.0.113.7:51820",
		Outcome:    "ok",
	})
	sink.Close()

	entries, _ := os.ReadDir(dir)
	data, _ := os.ReadFile(filepath.Join(dir, entries[0].Name()))
	if strings.Contains(string(data), "203.0.113.7:51820") {
		t.Errorf("expected client address to be anonymized, got %q", string(data))
	}
	if !strings.Contains(string(data), "203.0.113.0") {
		t.Errorf("expected a /24-truncated address, got %q", string(data))
	}
}
