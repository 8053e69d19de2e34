package store

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	badger "github.com/dgraph-io/badger/v4"

	"github.com/quantbot/goquant/internal/domain"
	"github.com/quantbot/goquant/internal/metrics"
)

// AuditStore is an append-only decision/alert log on Badger.
//
// The bus gives no durable replay (a subscriber that is down misses the
// message), so the orchestrator and the reconciler write their audit records
// here directly. Records are never updated or deleted.
type AuditStore struct {
	db  *badger.DB
	seq *badger.Sequence
}

// AuditAlert is a reconciliation/risk alert record.
type AuditAlert struct {
	Severity   string    `json:"severity"` // WARNING / CRITICAL
	Kind       string    `json:"kind"`     // e.g. reconcile_break, kill_switch
	Symbol     string    `json:"symbol,omitempty"`
	Detail     string    `json:"detail"`
	RecordedAt time.Time `json:"recorded_at"`
}

// OpenAudit opens (or creates) the audit store at dir.
func OpenAudit(dir string) (*AuditStore, error) {
	if strings.TrimSpace(dir) == "" {
		return nil, errors.New("audit: path is required")
	}
	opts := badger.DefaultOptions(dir).WithLogger(nil)
	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("audit: open badger: %w", err)
	}
	seq, err := db.GetSequence([]byte("audit:seq"), 128)
	if err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("audit: sequence: %w", err)
	}
	return &AuditStore{db: db, seq: seq}, nil
}

// Close releases the sequence and closes the DB.
func (s *AuditStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	if s.seq != nil {
		_ = s.seq.Release()
	}
	return s.db.Close()
}

// AppendDecision writes one decision record. Keys are monotonically
// increasing, so iteration order is append order.
func (s *AuditStore) AppendDecision(d domain.Decision) error {
	if s == nil || s.db == nil {
		return errors.New("audit: not opened")
	}
	n, err := s.seq.Next()
	if err != nil {
		return err
	}
	key := fmt.Sprintf("decision:%012d:%s", n, d.RequestID)
	val, err := json.Marshal(d)
	if err != nil {
		return err
	}
	err = s.db.Update(func(txn *badger.Txn) error {
		return txn.Set([]byte(key), val)
	})
	if err == nil {
		metrics.AuditWrites.Add(1)
	}
	return err
}

// AppendAlert writes one alert record.
func (s *AuditStore) AppendAlert(a AuditAlert) error {
	if s == nil || s.db == nil {
		return errors.New("audit: not opened")
	}
	if a.RecordedAt.IsZero() {
		a.RecordedAt = time.Now()
	}
	n, err := s.seq.Next()
	if err != nil {
		return err
	}
	key := fmt.Sprintf("alert:%012d:%s", n, a.Kind)
	val, err := json.Marshal(a)
	if err != nil {
		return err
	}
	err = s.db.Update(func(txn *badger.Txn) error {
		return txn.Set([]byte(key), val)
	})
	if err == nil {
		metrics.AuditWrites.Add(1)
	}
	return err
}

// RecentDecisions returns up to limit decisions, newest first.
func (s *AuditStore) RecentDecisions(limit int) ([]domain.Decision, error) {
	if s == nil || s.db == nil {
		return nil, errors.New("audit: not opened")
	}
	if limit <= 0 {
		limit = 50
	}
	var out []domain.Decision
	err := s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Reverse = true
		opts.Prefix = []byte("decision:")
		it := txn.NewIterator(opts)
		defer it.Close()
		// reverse iteration needs a seek past the prefix range
		for it.Seek([]byte("decision:~")); it.ValidForPrefix([]byte("decision:")) && len(out) < limit; it.Next() {
			var d domain.Decision
			if err := it.Item().Value(func(v []byte) error {
				return json.Unmarshal(v, &d)
			}); err != nil {
				return err
			}
			out = append(out, d)
		}
		return nil
	})
	return out, err
}
