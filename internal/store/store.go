package store

import (
	"fmt"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	ethtypes "github.com/ethereum/go-ethereum/core/types"
	"github.com/sirupsen/logrus"

	"github.com/0xmhha/txkeeper/pkg/types"
)

// EventType identifies what kind of store mutation an event describes
type EventType string

const (
	EventAdded         EventType = "added"
	EventStatusUpdated EventType = "statusUpdated"
	EventUpdated       EventType = "updated"
	EventPruned        EventType = "pruned"
)

// Event is emitted on every store mutation. Record is a copy; consumers may
// retain it freely.
type Event struct {
	Type   EventType
	Record *types.TxRecord
	Reason string
}

// transitions is the legal forward-only status graph. A status missing from
// the map is terminal.
var transitions = map[types.TxStatus][]types.TxStatus{
	types.StatusUnapproved: {types.StatusApproved, types.StatusRejected},
	types.StatusApproved:   {types.StatusSigned, types.StatusRejected, types.StatusFailed, types.StatusConfirmed, types.StatusDropped},
	types.StatusSigned:     {types.StatusSubmitted, types.StatusFailed, types.StatusConfirmed, types.StatusDropped},
	types.StatusSubmitted:  {types.StatusConfirmed, types.StatusFailed, types.StatusDropped},
}

func transitionAllowed(from, to types.TxStatus) bool {
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// Store is the sole authority over the transaction collection. All reads
// return copies and all writes replace stored records wholesale, so no caller
// ever shares a mutable record across a suspension point.
type Store struct {
	mu      sync.RWMutex
	records map[uint64]*types.TxRecord
	order   []uint64
	nextID  uint64

	listeners []func(Event)
	log       *logrus.Entry
}

// New creates an empty store
func New(log *logrus.Entry) *Store {
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	return &Store{
		records: make(map[uint64]*types.TxRecord),
		log:     log.WithField("component", "txstore"),
	}
}

// OnEvent registers a listener invoked synchronously on every mutation.
// Listeners must not call back into the store.
func (s *Store) OnEvent(fn func(Event)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.listeners = append(s.listeners, fn)
}

func (s *Store) emit(ev Event) {
	for _, fn := range s.listeners {
		fn(ev)
	}
}

// NextID hands out the next monotonically increasing record id
func (s *Store) NextID() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nextID++
	return s.nextID
}

// Add inserts a new record. The record must carry status unapproved and an
// id not already present.
func (s *Store) Add(rec *types.TxRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.records[rec.ID]; ok {
		return fmt.Errorf("id %d: %w", rec.ID, ErrDuplicateID)
	}
	if rec.Status == "" {
		rec.Status = types.StatusUnapproved
	}
	if rec.Status != types.StatusUnapproved {
		return fmt.Errorf("new record must be unapproved, got %s: %w", rec.Status, ErrInvalidTransition)
	}

	cp := rec.Copy()
	cp.History = append(cp.History, types.StatusEntry{Status: cp.Status, Reason: "created", Time: time.Now()})
	s.records[cp.ID] = cp
	s.order = append(s.order, cp.ID)
	if cp.ID > s.nextID {
		s.nextID = cp.ID
	}

	s.log.WithFields(logrus.Fields{"id": cp.ID, "from": cp.From.Hex(), "kind": cp.Kind}).Debug("record added")
	s.emit(Event{Type: EventAdded, Record: cp.Copy()})
	return nil
}

// Get returns a copy of the record, or false if absent
func (s *Store) Get(id uint64) (*types.TxRecord, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rec, ok := s.records[id]
	if !ok {
		return nil, false
	}
	return rec.Copy(), true
}

// UpdateStatus transitions a record along the lifecycle graph. Backward or
// sideways moves fail with ErrInvalidTransition. The reason is recorded in
// the audit history.
func (s *Store) UpdateStatus(id uint64, newStatus types.TxStatus, reason string) (*types.TxRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.updateStatusLocked(id, newStatus, reason, nil)
}

// Confirm atomically attaches the receipt and transitions the record to
// confirmed, so no observer ever sees a confirmed record without a receipt.
func (s *Store) Confirm(id uint64, receipt *ethtypes.Receipt, baseFeePerGas *hexutil.Big, reason string) (*types.TxRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.updateStatusLocked(id, types.StatusConfirmed, reason, func(rec *types.TxRecord) {
		rec.Receipt = receipt
		rec.BaseFeePerGas = baseFeePerGas
	})
}

func (s *Store) updateStatusLocked(id uint64, newStatus types.TxStatus, reason string, mutate func(*types.TxRecord)) (*types.TxRecord, error) {
	rec, ok := s.records[id]
	if !ok {
		return nil, fmt.Errorf("id %d: %w", id, ErrNotFound)
	}
	if rec.Status == newStatus {
		return rec.Copy(), nil
	}
	if !transitionAllowed(rec.Status, newStatus) {
		return nil, fmt.Errorf("id %d: %s -> %s: %w", id, rec.Status, newStatus, ErrInvalidTransition)
	}

	cp := rec.Copy()
	cp.Status = newStatus
	if mutate != nil {
		mutate(cp)
	}
	cp.History = append(cp.History, types.StatusEntry{Status: newStatus, Reason: reason, Time: time.Now()})
	s.records[id] = cp

	s.log.WithFields(logrus.Fields{
		"id":     id,
		"status": newStatus,
		"reason": reason,
	}).Debug("status updated")
	s.emit(Event{Type: EventStatusUpdated, Record: cp.Copy(), Reason: reason})
	return cp.Copy(), nil
}

// Update replaces the stored record's mutable fields. Identity and status are
// preserved from the stored record; status changes go through UpdateStatus.
// Terminal records refuse further mutation, so a writer racing a terminal
// transition loses here rather than corrupting settled state. Receipt
// attachment goes through Confirm.
func (s *Store) Update(rec *types.TxRecord, reason string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	old, ok := s.records[rec.ID]
	if !ok {
		return fmt.Errorf("id %d: %w", rec.ID, ErrNotFound)
	}
	if old.Status.Terminal() {
		return fmt.Errorf("id %d: record is %s: %w", rec.ID, old.Status, ErrInvalidTransition)
	}

	cp := rec.Copy()
	cp.Status = old.Status
	cp.History = append([]types.StatusEntry(nil), old.History...)
	s.records[rec.ID] = cp

	s.log.WithFields(logrus.Fields{"id": rec.ID, "reason": reason}).Debug("record updated")
	s.emit(Event{Type: EventUpdated, Record: cp.Copy(), Reason: reason})
	return nil
}

// Filter selects records in Query. Nil fields match everything.
type Filter struct {
	Status *types.TxStatus
	From   *common.Address
	Nonce  *uint64
	Limit  int
}

// Query returns copies of matching records in insertion order
func (s *Store) Query(f Filter) []*types.TxRecord {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*types.TxRecord
	for _, id := range s.order {
		rec, ok := s.records[id]
		if !ok {
			continue
		}
		if f.Status != nil && rec.Status != *f.Status {
			continue
		}
		if f.From != nil && rec.From != *f.From {
			continue
		}
		if f.Nonce != nil {
			if rec.Nonce == nil || uint64(*rec.Nonce) != *f.Nonce {
				continue
			}
		}
		out = append(out, rec.Copy())
		if f.Limit > 0 && len(out) >= f.Limit {
			break
		}
	}
	return out
}

// All returns copies of every record in insertion order
func (s *Store) All() []*types.TxRecord {
	return s.Query(Filter{})
}

// ByFrom returns copies of every record sent from the given address
func (s *Store) ByFrom(addr common.Address) []*types.TxRecord {
	return s.Query(Filter{From: &addr})
}

// Prune removes the oldest terminal records until the collection holds at
// most limit entries. Non-terminal records are never removed, so the total
// may stay above limit while transactions are in flight.
func (s *Store) Prune(limit int) int {
	s.mu.Lock()
	defer s.mu.Unlock()

	if limit <= 0 || len(s.order) <= limit {
		return 0
	}

	removed := 0
	excess := len(s.order) - limit
	kept := s.order[:0]
	for _, id := range s.order {
		rec := s.records[id]
		if removed < excess && rec.Status.Terminal() {
			delete(s.records, id)
			removed++
			s.emit(Event{Type: EventPruned, Record: rec.Copy()})
			continue
		}
		kept = append(kept, id)
	}
	s.order = kept

	if removed > 0 {
		s.log.WithField("removed", removed).Debug("pruned terminal records")
	}
	return removed
}

// Load replaces the store contents with a persisted snapshot. Used once at
// startup before any listeners are registered.
func (s *Store) Load(recs []*types.TxRecord) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.records = make(map[uint64]*types.TxRecord, len(recs))
	s.order = s.order[:0]
	for _, rec := range recs {
		cp := rec.Copy()
		s.records[cp.ID] = cp
		s.order = append(s.order, cp.ID)
		if cp.ID > s.nextID {
			s.nextID = cp.ID
		}
	}
}
