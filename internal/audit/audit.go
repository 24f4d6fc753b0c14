// Package audit provides the append-only, hash-chained audit log. Every
// intent, decision, execution, and task transition is recorded as one JSON
// line whose hash covers the entry and whose prev_hash links to the entry
// before it, making after-the-fact tampering detectable.
package audit

import (
	"bufio"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/go-logr/logr"
)

// EventType classifies audit entries.
type EventType string

const (
	EventIntent            EventType = "intent"
	EventDenied            EventType = "denied"
	EventExecuted          EventType = "executed"
	EventSimulated         EventType = "simulated"
	EventApprovalRequested EventType = "approval_requested"
	EventApproved          EventType = "approved"
	EventRejected          EventType = "rejected"
	EventTimeout           EventType = "timeout"
	EventError             EventType = "error"
	EventPolicyLoaded      EventType = "policy_loaded"
)

// Logger appends hash-chained entries to a JSON-lines file.
//
// The append critical section takes an in-process mutex plus an advisory
// file lock (where the platform has one) and re-reads the last line inside
// the lock, so the chain stays correct even when several processes share
// the file.
type Logger struct {
	path string
	mu   sync.Mutex
	log  logr.Logger
	now  func() time.Time

	onAppend func(event EventType)
}

// New creates the audit logger, creating the parent directory if needed.
func New(path string, log logr.Logger) (*Logger, error) {
	if dir := filepath.Dir(path); dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create audit dir: %w", err)
		}
	}
	return &Logger{path: path, log: log, now: time.Now}, nil
}

// WithAppendHook registers a callback fired after every successful append,
// used for the audit-entries metric.
func (l *Logger) WithAppendHook(fn func(event EventType)) *Logger {
	l.onAppend = fn
	return l
}

// Path returns the backing file path.
func (l *Logger) Path() string { return l.path }

// Append writes one entry. The ambient request id and subject are folded
// in from ctx when present. A failed append means the entry was not
// written; callers log and continue rather than failing the operation.
func (l *Logger) Append(ctx context.Context, event EventType, fields map[string]any) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	entry := make(map[string]any, len(fields)+5)
	for k, v := range fields {
		if v == nil {
			continue
		}
		entry[k] = v
	}
	entry["ts"] = l.now().UTC().Format(time.RFC3339Nano)
	entry["event"] = string(event)
	if rid := RequestIDFrom(ctx); rid != "" {
		entry["request_id"] = rid
	}
	if sub := SubjectFrom(ctx); sub != "" {
		entry["subject"] = sub
	}

	f, err := os.OpenFile(l.path, os.O_CREATE|os.O_RDWR|os.O_APPEND, 0o644)
	if err != nil {
		return fmt.Errorf("open audit log: %w", err)
	}
	defer f.Close()

	if err := lockFile(f); err != nil {
		l.log.Error(err, "audit file lock unavailable, relying on process mutex")
	} else {
		defer unlockFile(f)
	}

	// Another process may have appended since our last write; the real
	// prev_hash is whatever the file ends with right now.
	prev, err := lastHash(f)
	if err != nil {
		return fmt.Errorf("read last audit entry: %w", err)
	}
	entry["prev_hash"] = prev

	h, err := entryHash(entry)
	if err != nil {
		return fmt.Errorf("hash audit entry: %w", err)
	}
	entry["hash"] = h

	line, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("marshal audit entry: %w", err)
	}
	if _, err := f.Write(append(line, '\n')); err != nil {
		return fmt.Errorf("write audit entry: %w", err)
	}
	if err := f.Sync(); err != nil {
		return fmt.Errorf("fsync audit log: %w", err)
	}
	if l.onAppend != nil {
		l.onAppend(event)
	}
	return nil
}

// VerifyChain rewalks the whole file and returns whether the chain is
// intact, plus the 1-based line numbers of broken entries. Lines that do
// not parse (including a truncated final line) are reported as broken.
func (l *Logger) VerifyChain() (bool, []int, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	f, err := os.Open(l.path)
	if err != nil {
		if os.IsNotExist(err) {
			return true, nil, nil
		}
		return false, nil, fmt.Errorf("open audit log: %w", err)
	}
	defer f.Close()

	var broken []int
	prevHash := ""
	lineNo := 0

	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	for sc.Scan() {
		lineNo++
		line := sc.Bytes()
		if len(line) == 0 {
			continue
		}

		var entry map[string]any
		if err := json.Unmarshal(line, &entry); err != nil {
			broken = append(broken, lineNo)
			prevHash = ""
			continue
		}

		stored, _ := entry["hash"].(string)
		prev, _ := entry["prev_hash"].(string)

		delete(entry, "hash")
		recomputed, err := entryHash(entry)
		if err != nil || recomputed != stored || prev != prevHash {
			broken = append(broken, lineNo)
		}
		prevHash = stored
	}
	if err := sc.Err(); err != nil {
		return false, broken, fmt.Errorf("scan audit log: %w", err)
	}
	return len(broken) == 0, broken, nil
}

// entryHash computes SHA-256 over the canonical JSON of the entry without
// its hash field. encoding/json sorts map keys at every depth, which is
// the canonical form the chain relies on.
func entryHash(entry map[string]any) (string, error) {
	b, err := json.Marshal(entry)
	if err != nil {
		return "", err
	}
	sum := sha256.Sum256(b)
	return hex.EncodeToString(sum[:]), nil
}

// lastHash returns the hash of the final parseable line, or "" for an
// empty or fresh file. A truncated trailing line yields "" so the chain
// break stays observable instead of propagating.
func lastHash(f *os.File) (string, error) {
	st, err := f.Stat()
	if err != nil {
		return "", err
	}
	size := st.Size()
	if size == 0 {
		return "", nil
	}

	const step = 64 * 1024
	var tail []byte
	offset := size
	for offset > 0 {
		n := int64(step)
		if offset < n {
			n = offset
		}
		offset -= n
		buf := make([]byte, n)
		if _, err := f.ReadAt(buf, offset); err != nil {
			return "", err
		}
		tail = append(buf, tail...)
		if idx := lastLineStart(tail); idx >= 0 || offset == 0 {
			break
		}
	}

	line := tail
	if idx := lastLineStart(tail); idx >= 0 {
		line = tail[idx:]
	}
	line = trimNewlines(line)
	if len(line) == 0 {
		return "", nil
	}
	var entry map[string]any
	if err := json.Unmarshal(line, &entry); err != nil {
		return "", nil
	}
	h, _ := entry["hash"].(string)
	return h, nil
}

// lastLineStart finds the byte offset just past the newline that precedes
// the final non-empty line, or -1 if the buffer holds no newline before it.
func lastLineStart(b []byte) int {
	end := len(b)
	for end > 0 && (b[end-1] == '\n' || b[end-1] == '\r') {
		end--
	}
	for i := end - 1; i >= 0; i-- {
		if b[i] == '\n' {
			return i + 1
		}
	}
	return -1
}

func trimNewlines(b []byte) []byte {
	for len(b) > 0 && (b[len(b)-1] == '\n' || b[len(b)-1] == '\r') {
		b = b[:len(b)-1]
	}
	return b
}
