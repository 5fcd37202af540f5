// Package nonce serializes nonce assignment per sender address. Two approval
// attempts for the same sender never observe the same next nonce; different
// senders proceed fully concurrently.
package nonce

import (
	"context"
	"fmt"
	"sync"

	"github.com/ethereum/go-ethereum/common"
	"github.com/sirupsen/logrus"

	"github.com/0xmhha/txkeeper/pkg/types"
)

// NonceReader is the network query the allocator cross-checks against
type NonceReader interface {
	PendingNonceAt(ctx context.Context, account common.Address) (uint64, error)
}

// RecordSource supplies the locally known transactions for an address.
// Pending and confirmed records both count as nonce consumers.
type RecordSource interface {
	ByFrom(addr common.Address) []*types.TxRecord
}

// Lock is a live exclusive reservation of the next nonce for one address.
// Release must be called on every exit path; it is idempotent.
type Lock struct {
	Nonce   uint64
	release func()
	once    sync.Once
}

// Release returns the address slot to the allocator. Safe to call more than
// once.
func (l *Lock) Release() {
	l.once.Do(l.release)
}

// Allocator hands out per-address nonce locks
type Allocator struct {
	client  NonceReader
	records RecordSource

	mu    sync.Mutex
	slots map[common.Address]chan struct{}

	log *logrus.Entry
}

// New creates an allocator backed by the given network and record sources
func New(client NonceReader, records RecordSource, log *logrus.Entry) *Allocator {
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	return &Allocator{
		client:  client,
		records: records,
		slots:   make(map[common.Address]chan struct{}),
		log:     log.WithField("component", "nonce"),
	}
}

func (a *Allocator) slot(addr common.Address) chan struct{} {
	a.mu.Lock()
	defer a.mu.Unlock()
	ch, ok := a.slots[addr]
	if !ok {
		ch = make(chan struct{}, 1)
		a.slots[addr] = ch
	}
	return ch
}

// Acquire blocks until the address slot is free, then computes the next
// nonce as max(networkReportedNonce, highestLocalPendingOrConfirmed+1).
// If the network query fails the slot is released and no nonce is granted.
func (a *Allocator) Acquire(ctx context.Context, addr common.Address) (*Lock, error) {
	ch := a.slot(addr)

	select {
	case ch <- struct{}{}:
	case <-ctx.Done():
		return nil, ctx.Err()
	}

	networkNonce, err := a.client.PendingNonceAt(ctx, addr)
	if err != nil {
		<-ch
		return nil, fmt.Errorf("failed to query network nonce for %s: %w", addr.Hex(), err)
	}

	next := networkNonce
	if local, ok := a.highestLocalNonce(addr); ok && local+1 > next {
		next = local + 1
	}

	a.log.WithFields(logrus.Fields{
		"address":       addr.Hex(),
		"network_nonce": networkNonce,
		"next_nonce":    next,
	}).Debug("nonce lock acquired")

	return &Lock{
		Nonce:   next,
		release: func() { <-ch },
	}, nil
}

// highestLocalNonce scans pending and confirmed records for the address and
// returns the highest assigned nonce, or false when none carry one
func (a *Allocator) highestLocalNonce(addr common.Address) (uint64, bool) {
	var highest uint64
	found := false
	for _, rec := range a.records.ByFrom(addr) {
		if rec.Nonce == nil {
			continue
		}
		if !rec.Status.Pending() && rec.Status != types.StatusConfirmed {
			continue
		}
		n := uint64(*rec.Nonce)
		if !found || n > highest {
			highest = n
			found = true
		}
	}
	return highest, found
}
