package sinks

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/JakeFAU/crawl-frontier/internal/journal"
)

// FileSink appends events to a local file as JSON lines. Each Consume ends
// with a flush so a batch is either fully written to the OS or reported as an
// error.
type FileSink struct {
	mu   sync.Mutex
	f    *os.File
	w    *bufio.Writer
	enc  *json.Encoder
	sync bool
}

// NewFileSink opens (creating if needed) path in append mode. When syncEach is
// set every batch is fsynced before Consume returns.
func NewFileSink(path string, syncEach bool) (*FileSink, error) {
	if path == "" {
		return nil, fmt.Errorf("journal file path is required")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create journal dir: %w", err)
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, fmt.Errorf("open journal file: %w", err)
	}
	w := bufio.NewWriter(f)
	return &FileSink{f: f, w: w, enc: json.NewEncoder(w), sync: syncEach}, nil
}

// Consume appends one line per event.
func (s *FileSink) Consume(_ context.Context, batch []journal.Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.f == nil {
		return fmt.Errorf("journal file closed")
	}
	for _, evt := range batch {
		if err := s.enc.Encode(evt); err != nil {
			return fmt.Errorf("encode journal event: %w", err)
		}
	}
	if err := s.w.Flush(); err != nil {
		return fmt.Errorf("flush journal file: %w", err)
	}
	if s.sync {
		if err := s.f.Sync(); err != nil {
			return fmt.Errorf("sync journal file: %w", err)
		}
	}
	return nil
}

// Close flushes and closes the file. Further calls are no-ops.
func (s *FileSink) Close(context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.f == nil {
		return nil
	}
	flushErr := s.w.Flush()
	closeErr := s.f.Close()
	s.f = nil
	if flushErr != nil {
		return fmt.Errorf("flush journal file: %w", flushErr)
	}
	if closeErr != nil {
		return fmt.Errorf("close journal file: %w", closeErr)
	}
	return nil
}
