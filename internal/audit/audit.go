// Package audit implements the append-only audit trail described by spec
// §4.5.4: every filesystem effect the Executor performs is bracketed by a
// "started" event and either a "completed" or "failed" event, written to
// two parallel sinks — a line-oriented text log for humans and a
// JSON-lines log for tooling — before the corresponding effect proceeds.
//
// The teacher has no audit log of its own; this package is a new,
// supplemented component built in the teacher's idiom: the teacher emits
// one slog.Info/slog.Error call per lifecycle event inside trash.Manager
// (see internal/trash), and this package generalizes that same
// one-line-per-event habit into a persistent, durable writer instead of
// process-lifetime-only logging.
package audit

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/dustin/go-humanize"
)

// Kind enumerates the audit event kinds from spec §6.
type Kind string

const (
	ScanStarted                Kind = "scan_started"
	ScanCompleted              Kind = "scan_completed"
	ScanFailed                 Kind = "scan_failed"
	ScanCancelled              Kind = "scan_cancelled"
	FileProcessed              Kind = "file_processed"
	DuplicateFound             Kind = "duplicate_found"
	PlanCreated                Kind = "plan_created"
	PlanExecuted               Kind = "plan_executed"
	ApplyStarted               Kind = "apply_started"
	ApplyCompleted             Kind = "apply_completed"
	ApplyFailed                Kind = "apply_failed"
	FileDeleted                Kind = "file_deleted"
	FileMoved                  Kind = "file_moved"
	FileCopied                 Kind = "file_copied"
	FileHardlinked             Kind = "file_hardlinked"
	BackupCreated              Kind = "backup_created"
	BackupRestored             Kind = "backup_restored"
	BackupFailed               Kind = "backup_failed"
	RollbackStarted            Kind = "rollback_started"
	RollbackCompleted          Kind = "rollback_completed"
	RollbackFailed             Kind = "rollback_failed"
	RollbackOperationStarted   Kind = "rollback_operation_started"
	RollbackOperationCompleted Kind = "rollback_operation_completed"
	RollbackOperationFailed    Kind = "rollback_operation_failed"
	UserConfirmation           Kind = "user_confirmation"
	SystemError                Kind = "system_error"
)

// startedSuffix maps a "_started" event kind to the kinds that would
// legitimately close it out. Reconcile uses this to decide whether a
// started event was left dangling by a crash.
var startedSuffix = map[Kind][]Kind{
	ScanStarted:              {ScanCompleted, ScanFailed, ScanCancelled},
	ApplyStarted:             {ApplyCompleted, ApplyFailed},
	RollbackOperationStarted: {RollbackOperationCompleted, RollbackOperationFailed},
}

// UnmatchedEvent describes a "started" event found in the log with no
// corresponding completion event, per spec §7's reconciliation policy.
type UnmatchedEvent struct {
	Event
	Index int
}

// Reconcile scans path (the .jsonl sink) for "started" events that have no
// matching completion event later in the log, surfacing them so the
// caller (the Executor, on startup) can report and resolve them. A
// missing file is treated as zero events, not an error, since a fresh
// base directory has no audit log yet.
func Reconcile(path string) ([]UnmatchedEvent, error) {
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("audit: open %q: %w", path, err)
	}
	defer f.Close()

	dec := json.NewDecoder(f)
	var events []Event
	for {
		var e Event
		if err := dec.Decode(&e); err != nil {
			if errors.Is(err, io.EOF) {
				break
			}
			return nil, fmt.Errorf("audit: decode %q: %w", path, err)
		}
		events = append(events, e)
	}

	closed := make([]bool, len(events))
	var unmatched []UnmatchedEvent
	for i, e := range events {
		completions, tracked := startedSuffix[e.Kind]
		if !tracked {
			continue
		}
		found := false
		for j := i + 1; j < len(events); j++ {
			if closed[j] {
				continue
			}
			for _, c := range completions {
				if events[j].Kind == c && sameSubject(e, events[j]) {
					closed[j] = true
					found = true
					break
				}
			}
			if found {
				break
			}
		}
		if !found {
			unmatched = append(unmatched, UnmatchedEvent{Event: e, Index: i})
		}
	}
	return unmatched, nil
}

// sameSubject reports whether two events refer to the same operation or
// scan session, using whichever correlating key ("operation_id" or
// "session_id") both payloads carry.
func sameSubject(a, b Event) bool {
	for _, key := range []string{"operation_id", "session_id"} {
		av, aok := a.Payload[key]
		bv, bok := b.Payload[key]
		if aok && bok {
			return fmt.Sprintf("%v", av) == fmt.Sprintf("%v", bv)
		}
	}
	// Neither event carries a correlating key: treat the nearest
	// completion of the right kind as a match.
	return true
}

// Event is one append-only audit record. Payload holds arbitrary
// structured detail (paths, ids, error text) and is serialized as JSON in
// the .jsonl sink and as "key=value" pairs in the text sink.
type Event struct {
	Timestamp time.Time      `json:"timestamp"`
	Kind      Kind           `json:"event_kind"`
	Payload   map[string]any `json:"payload,omitempty"`
}

// Log is the dual-sink audit writer. A single mutex serializes both
// sinks' writes, matching spec §5's "each has a single writer mutex held
// for the duration of a record's write."
type Log struct {
	mu       sync.Mutex
	textFile *os.File
	jsonFile *os.File
}

// Open creates or appends to <baseDir>/audit.log and <baseDir>/audit.jsonl
// (spec §6's persisted layout), creating baseDir if needed.
func Open(baseDir string) (*Log, error) {
	if err := os.MkdirAll(baseDir, 0o755); err != nil {
		return nil, fmt.Errorf("audit: create base dir %q: %w", baseDir, err)
	}
	textFile, err := os.OpenFile(filepath.Join(baseDir, "audit.log"), os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, fmt.Errorf("audit: open audit.log: %w", err)
	}
	jsonFile, err := os.OpenFile(filepath.Join(baseDir, "audit.jsonl"), os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		textFile.Close()
		return nil, fmt.Errorf("audit: open audit.jsonl: %w", err)
	}
	return &Log{textFile: textFile, jsonFile: jsonFile}, nil
}

// Emit appends an event to both sinks and fsyncs both files before
// returning: the write-ahead discipline of spec §4.5.4 requires the audit
// record to be durable before the filesystem effect it describes
// proceeds, so callers must call Emit(..._started) and wait for it to
// return before performing the effect.
func (l *Log) Emit(kind Kind, payload map[string]any) error {
	event := Event{Timestamp: time.Now(), Kind: kind, Payload: payload}

	l.mu.Lock()
	defer l.mu.Unlock()

	line := formatText(event)
	if _, err := l.textFile.WriteString(line); err != nil {
		return fmt.Errorf("audit: write text sink: %w", err)
	}
	if err := l.textFile.Sync(); err != nil {
		return fmt.Errorf("audit: sync text sink: %w", err)
	}

	jsonLine, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("audit: marshal event: %w", err)
	}
	jsonLine = append(jsonLine, '\n')
	if _, err := l.jsonFile.Write(jsonLine); err != nil {
		return fmt.Errorf("audit: write json sink: %w", err)
	}
	if err := l.jsonFile.Sync(); err != nil {
		return fmt.Errorf("audit: sync json sink: %w", err)
	}

	return nil
}

// Close flushes and closes both sinks.
func (l *Log) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	textErr := l.textFile.Close()
	jsonErr := l.jsonFile.Close()
	if textErr != nil {
		return textErr
	}
	return jsonErr
}

func formatText(event Event) string {
	var b strings.Builder
	b.WriteString(event.Timestamp.Format(time.RFC3339))
	b.WriteByte(' ')
	b.WriteString(string(event.Kind))
	for _, k := range sortedKeys(event.Payload) {
		b.WriteByte(' ')
		b.WriteString(k)
		b.WriteByte('=')
		b.WriteString(formatValue(k, event.Payload[k]))
	}
	b.WriteByte('\n')
	return b.String()
}

func sortedKeys(m map[string]any) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// isByteField reports whether key names a byte count, so its value can be
// rendered as "1.2 MB" instead of a bare integer in the text sink.
func isByteField(key string) bool {
	switch key {
	case "bytes", "bytes_hashed", "bytes_freed", "size", "file_size":
		return true
	default:
		return false
	}
}

func formatValue(key string, v any) string {
	switch val := v.(type) {
	case int64:
		if isByteField(key) {
			return humanize.Bytes(uint64(val))
		}
		return fmt.Sprintf("%d", val)
	case int:
		if isByteField(key) {
			return humanize.Bytes(uint64(val))
		}
		return fmt.Sprintf("%d", val)
	case string:
		return val
	default:
		return fmt.Sprintf("%v", val)
	}
}
