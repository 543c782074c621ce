// Package journal keeps a seed's append-only record of committed
// membership changes on a write-ahead log. The journal is an audit trail:
// it is never replayed into the peer list at startup, so a restarted seed
// still comes up empty as the protocol requires.
package journal

import (
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"gossipmesh/internal/identity"

	"github.com/tidwall/wal"
)

const (
	OpRegister = "register"
	OpDeath    = "death"
)

type Record struct {
	Op   string          `json:"op"`
	Peer identity.NodeID `json:"peer"`
	At   time.Time       `json:"at"`
}

type Journal struct {
	mu   sync.Mutex
	log  *wal.Log
	next uint64
}

func Open(dir string) (*Journal, error) {
	log, err := wal.Open(dir, nil)
	if err != nil {
		return nil, fmt.Errorf("open journal: %w", err)
	}
	last, err := log.LastIndex()
	if err != nil {
		log.Close()
		return nil, fmt.Errorf("journal last index: %w", err)
	}
	return &Journal{log: log, next: last + 1}, nil
}

// Append writes one committed membership change.
func (j *Journal) Append(op string, peer identity.NodeID) error {
	rec := Record{Op: op, Peer: peer, At: time.Now()}
	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("marshal journal record: %w", err)
	}

	j.mu.Lock()
	defer j.mu.Unlock()
	if err := j.log.Write(j.next, data); err != nil {
		return fmt.Errorf("journal write: %w", err)
	}
	j.next++
	return nil
}

// Scan calls fn for every record in append order.
func (j *Journal) Scan(fn func(Record) error) error {
	j.mu.Lock()
	defer j.mu.Unlock()

	first, err := j.log.FirstIndex()
	if err != nil {
		return fmt.Errorf("journal first index: %w", err)
	}
	last, err := j.log.LastIndex()
	if err != nil {
		return fmt.Errorf("journal last index: %w", err)
	}
	if last == 0 {
		return nil
	}
	for idx := first; idx <= last; idx++ {
		data, err := j.log.Read(idx)
		if err != nil {
			return fmt.Errorf("journal read %d: %w", idx, err)
		}
		var rec Record
		if err := json.Unmarshal(data, &rec); err != nil {
			return fmt.Errorf("journal record %d: %w", idx, err)
		}
		if err := fn(rec); err != nil {
			return err
		}
	}
	return nil
}

func (j *Journal) Close() error {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.log.Close()
}
