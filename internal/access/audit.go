package access

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/123ashny/KENYASHIP/internal/logging"
)

// Result classifies the outcome of an audited action.
type Result string

const (
	ResultSuccess Result = "success"
	ResultDenied  Result = "denied"
	ResultFailure Result = "failure"
)

// Entry is a single audit record. Entries are hash-chained: EntryHash covers
// the canonical JSON of the record plus the previous entry's hash, so any
// in-place edit or deletion breaks the chain.
type Entry struct {
	Sequence     uint64                 `json:"sequence"`
	ActorID      string                 `json:"actorId"`
	ActorRole    Role                   `json:"actorRole"`
	Action       string                 `json:"action"`
	ResourceType string                 `json:"resourceType"`
	ResourceID   string                 `json:"resourceId,omitempty"`
	Metadata     map[string]interface{} `json:"metadata,omitempty"`
	Result       Result                 `json:"result"`
	At           time.Time              `json:"at"`
	PrevHash     string                 `json:"prevHash"`
	EntryHash    string                 `json:"entryHash"`
}

// Log is the append-only audit sink shared by every component.
type Log struct {
	mu       sync.RWMutex
	entries  []Entry
	lastHash string
	logger   *zap.Logger
}

// NewLog creates an empty audit log.
func NewLog(logger *zap.Logger) *Log {
	return &Log{logger: logger}
}

// Record appends an entry, stamping sequence, time, and chain hashes.
// Metadata is scrubbed of sensitive keys before it is stored — the audit log
// itself must never hold raw coordinates or secrets.
func (l *Log) Record(actor Identity, action, resourceType, resourceID string, result Result, metadata map[string]interface{}) Entry {
	l.mu.Lock()
	defer l.mu.Unlock()

	e := Entry{
		Sequence:     uint64(len(l.entries) + 1),
		ActorID:      actor.UserID,
		ActorRole:    actor.Role,
		Action:       action,
		ResourceType: resourceType,
		ResourceID:   resourceID,
		Metadata:     logging.Redact(metadata),
		Result:       result,
		At:           time.Now().UTC(),
		PrevHash:     l.lastHash,
	}
	e.EntryHash = hashEntry(e)

	l.entries = append(l.entries, e)
	l.lastHash = e.EntryHash

	if l.logger != nil {
		l.logger.Debug("audit entry recorded",
			zap.Uint64("sequence", e.Sequence),
			zap.String("action", action),
			zap.String("result", string(result)),
		)
	}
	return e
}

// Entries returns a copy of all entries in append order.
func (l *Log) Entries() []Entry {
	l.mu.RLock()
	defer l.mu.RUnlock()
	out := make([]Entry, len(l.entries))
	copy(out, l.entries)
	return out
}

// Len returns the number of recorded entries.
func (l *Log) Len() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return len(l.entries)
}

// Verify walks the hash chain and reports whether it is intact.
func (l *Log) Verify() bool {
	l.mu.RLock()
	defer l.mu.RUnlock()

	prev := ""
	for _, e := range l.entries {
		if e.PrevHash != prev {
			return false
		}
		stored := e.EntryHash
		e.EntryHash = ""
		if hashEntry(e) != stored {
			return false
		}
		prev = stored
	}
	return true
}

func hashEntry(e Entry) string {
	e.EntryHash = ""
	canonical, _ := json.Marshal(e)
	sum := sha256.Sum256(canonical)
	return hex.EncodeToString(sum[:])
}
