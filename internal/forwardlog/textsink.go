package forwardlog

import (
	"fmt"
	"net"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/tternquist/dns-sni-gateway/internal/anonymize"
)

// textSink writes one line per Event to a daily-rotating plain-text file.
type textSink struct {
	dir         string
	prefix      string
	anonymize   bool
	mu          sync.Mutex
	file        *os.File
	currentDate string
}

// NewTextSink opens (or creates) the log file derived from path, rotating
// to a new date-suffixed file at local-day boundaries.
func NewTextSink(path string, anonymizeClientIP bool) (Sink, error) {
	dir := filepath.Dir(path)
	if dir == "" {
		dir = "."
	}
	base := filepath.Base(path)
	ext := filepath.Ext(base)
	prefix := base[:len(base)-len(ext)]
	if prefix == "" {
		prefix = "forward"
	}
	s := &textSink{dir: dir, prefix: prefix, anonymize: anonymizeClientIP}
	if err := s.rotateIfNeeded(time.Now()); err != nil {
		return nil, fmt.Errorf("forwardlog: opening %s: %w", path, err)
	}
	return s, nil
}

func (s *textSink) Record(ev Event) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.rotateIfNeeded(time.Now()); err != nil {
		return
	}

	client := ev.ClientAddr
	if s.anonymize {
		if host, _, err := net.SplitHostPort(client); err == nil {
			client = anonymize.IP(host, "truncate")
		} else {
			client = anonymize.IP(client, "truncate")
		}
	}

	stamp := ev.Time
	if stamp.IsZero() {
		stamp = time.Now()
	}

	line := fmt.Sprintf(
		"%s protocol=%s sni=%s target=%s client=%s bytes_in=%d bytes_out=%d outcome=%s",
		stamp.Format(time.RFC3339), ev.Protocol, ev.OriginalSNI, ev.Target, client, ev.BytesIn, ev.BytesOut, ev.Outcome,
	)
	if ev.Error != "" {
		line += fmt.Sprintf(" error=%q", ev.Error)
	}
	line += "\n"

	_, _ = s.file.WriteString(line)
}

func (s *textSink) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.file == nil {
		return nil
	}
	err := s.file.Close()
	s.file = nil
	return err
}

func (s *textSink) rotateIfNeeded(now time.Time) error {
	date := now.Format("2006-01-02")
	if date == s.currentDate && s.file != nil {
		return nil
	}
	if err := os.MkdirAll(s.dir, 0o755); err != nil {
		return err
	}
	path := filepath.Join(s.dir, fmt.Sprintf("%s-%s.log", s.prefix, date))
	file, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return err
	}
	if s.file != nil {
		_ = s.file.Close()
	}
	s.file = file
	s.currentDate = date
	return nil
}
