package telemetry

import (
	"bufio"
	"encoding/json"
	"os"
	"path/filepath"
	"sync"

	log "github.com/sirupsen/logrus"
)

// spill persists undeliverable telemetry as NDJSON, one Event per line.
// When the file exceeds maxBytes it rotates once: the current file becomes
// <path>.1, replacing any previous rotation. Oldest data is lost first.
type spill struct {
	mu       sync.Mutex
	path     string
	maxBytes int64
}

func newSpill(path string, maxBytes int64) *spill {
	if maxBytes <= 0 {
		maxBytes = 32 << 20
	}
	return &spill{path: path, maxBytes: maxBytes}
}

func (s *spill) write(b *batch) {
	if s.path == "" {
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	s.rotateLocked()

	if err := os.MkdirAll(filepath.Dir(s.path), 0o755); err != nil {
		log.WithError(err).Warn("Failed to create telemetry spill directory")
		return
	}
	f, err := os.OpenFile(s.path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		log.WithError(err).Warn("Failed to open telemetry spill file")
		return
	}
	defer f.Close()

	w := bufio.NewWriter(f)
	enc := json.NewEncoder(w)
	for i := range b.Requests {
		enc.Encode(Event{Kind: "request", Request: &b.Requests[i]})
	}
	for i := range b.Violations {
		enc.Encode(Event{Kind: "violation", Violation: &b.Violations[i]})
	}
	if err := w.Flush(); err != nil {
		log.WithError(err).Warn("Failed to flush telemetry spill file")
	}
}

func (s *spill) rotateLocked() {
	info, err := os.Stat(s.path)
	if err != nil || info.Size() < s.maxBytes {
		return
	}
	if err := os.Rename(s.path, s.path+".1"); err != nil {
		log.WithError(err).Warn("Failed to rotate telemetry spill file")
		return
	}
	log.WithField("spill_path", s.path).Info("Rotated telemetry spill file")
}

// drain reads up to limit spilled events back into a batch and removes
// them from disk. The rotated file drains first since it holds the older
// events. Returns nil when nothing is spilled.
func (s *spill) drain(limit int) *batch {
	if s.path == "" {
		return nil
	}
	if limit <= 0 {
		limit = 100
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	out := &batch{}
	for _, path := range []string{s.path + ".1", s.path} {
		if out.size() >= limit {
			break
		}
		remaining := s.drainFile(path, out, limit)
		if !remaining {
			os.Remove(path)
		}
	}
	if out.empty() {
		return nil
	}
	return out
}

// drainFile reads events from path into out until limit, rewriting the
// file with whatever was not consumed. Returns true if the file still has
// content.
func (s *spill) drainFile(path string, out *batch, limit int) bool {
	f, err := os.Open(path)
	if err != nil {
		return false
	}

	var leftover [][]byte
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 1<<20)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		if out.size() >= limit {
			leftover = append(leftover, append([]byte(nil), line...))
			continue
		}
		var ev Event
		if err := json.Unmarshal(line, &ev); err != nil {
			// Corrupt line, likely a partial write before a crash. Skip it.
			continue
		}
		out.add(ev)
	}
	f.Close()

	if len(leftover) == 0 {
		return false
	}

	tmp := path + ".tmp"
	w, err := os.OpenFile(tmp, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		log.WithError(err).Warn("Failed to rewrite telemetry spill file")
		return true
	}
	bw := bufio.NewWriter(w)
	for _, line := range leftover {
		bw.Write(line)
		bw.WriteByte('\n')
	}
	bw.Flush()
	w.Close()
	if err := os.Rename(tmp, path); err != nil {
		log.WithError(err).Warn("Failed to replace telemetry spill file")
	}
	return true
}
