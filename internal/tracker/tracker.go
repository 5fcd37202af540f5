// Package tracker reconciles in-flight transaction records against chain
// state on every new block: confirmation, drop detection, and resubmission
// of stuck transactions.
package tracker

import (
	"context"
	"errors"
	"math/big"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	ethtypes "github.com/ethereum/go-ethereum/core/types"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"github.com/0xmhha/txkeeper/internal/metrics"
	"github.com/0xmhha/txkeeper/internal/store"
	"github.com/0xmhha/txkeeper/pkg/types"
)

// Lifecycle is the controller surface the tracker drives terminal
// transitions through
type Lifecycle interface {
	MarkConfirmed(id uint64, receipt *ethtypes.Receipt, baseFeePerGas *big.Int) error
	MarkDropped(id uint64) error
}

// ChainClient is the chain query surface the tracker needs
type ChainClient interface {
	BlockNumber(ctx context.Context) (uint64, error)
	HeaderByNumber(ctx context.Context, number *big.Int) (*ethtypes.Header, error)
	TransactionReceipt(ctx context.Context, txHash common.Hash) (*ethtypes.Receipt, error)
	NonceAt(ctx context.Context, account common.Address) (uint64, error)
	SendRawTransaction(ctx context.Context, rawTx []byte) (common.Hash, error)
}

// Config holds tracker tuning
type Config struct {
	// PollInterval is how often the latest block number is checked
	PollInterval time.Duration
	// RetryAfterBlocks is how many blocks a transaction may sit without a
	// receipt before its signed raw bytes are rebroadcast
	RetryAfterBlocks uint64
	// MaxConcurrent bounds per-block receipt queries in flight
	MaxConcurrent int
	// ResubmitPerSecond throttles rebroadcasts
	ResubmitPerSecond float64
}

// DefaultConfig returns the default tracker configuration
func DefaultConfig() *Config {
	return &Config{
		PollInterval:      3 * time.Second,
		RetryAfterBlocks:  3,
		MaxConcurrent:     10,
		ResubmitPerSecond: 5,
	}
}

// Tracker drives per-block reconciliation passes. Passes never overlap: a
// block arriving while a pass runs is picked up by the next poll.
type Tracker struct {
	cfg       *Config
	store     *store.Store
	client    ChainClient
	lifecycle Lifecycle
	metrics   *metrics.Metrics
	limiter   *rate.Limiter
	log       *logrus.Entry

	passActive atomic.Bool

	mu        sync.Mutex
	firstSeen map[uint64]uint64 // record id -> block the tracker first saw it pending
}

// New creates a tracker
func New(cfg *Config, st *store.Store, client ChainClient, lifecycle Lifecycle, m *metrics.Metrics, log *logrus.Entry) *Tracker {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	return &Tracker{
		cfg:       cfg,
		store:     st,
		client:    client,
		lifecycle: lifecycle,
		metrics:   m,
		limiter:   rate.NewLimiter(rate.Limit(cfg.ResubmitPerSecond), 1),
		log:       log.WithField("component", "tracker"),
		firstSeen: make(map[uint64]uint64),
	}
}

// Run polls for new blocks until the context is cancelled, running one
// reconciliation pass per new block
func (t *Tracker) Run(ctx context.Context) {
	ticker := time.NewTicker(t.cfg.PollInterval)
	defer ticker.Stop()

	var lastBlock uint64

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			blockNum, err := t.client.BlockNumber(ctx)
			if err != nil {
				t.log.WithError(err).Warn("failed to fetch block number")
				continue
			}
			if blockNum > lastBlock {
				lastBlock = blockNum
				t.OnNewBlock(ctx, blockNum)
			}
		}
	}
}

// OnNewBlock runs one reconciliation pass for the given block. If a previous
// pass is still running the call is skipped; the next block retries.
func (t *Tracker) OnNewBlock(ctx context.Context, blockNumber uint64) {
	if !t.passActive.CompareAndSwap(false, true) {
		t.log.WithField("block", blockNumber).Debug("previous pass still running, skipping")
		return
	}
	defer t.passActive.Store(false)

	pending := t.pendingRecords()
	if t.metrics != nil {
		t.metrics.SetPendingCount(len(pending))
	}
	t.gcFirstSeen(pending)
	if len(pending) == 0 {
		return
	}

	var baseFee *big.Int
	if header, err := t.client.HeaderByNumber(ctx, new(big.Int).SetUint64(blockNumber)); err == nil {
		baseFee = header.BaseFee
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(t.cfg.MaxConcurrent)
	for _, rec := range pending {
		g.Go(func() error {
			// One record's query failure never blocks the rest of
			// the pass.
			t.checkRecord(gctx, rec, blockNumber, baseFee)
			return nil
		})
	}
	_ = g.Wait()
}

// pendingRecords returns records awaiting on-chain resolution that have
// actually been broadcast
func (t *Tracker) pendingRecords() []*types.TxRecord {
	var out []*types.TxRecord
	for _, rec := range t.store.All() {
		if rec.Status == types.StatusSubmitted || rec.Status == types.StatusApproved {
			out = append(out, rec)
		}
	}
	return out
}

func (t *Tracker) checkRecord(ctx context.Context, rec *types.TxRecord, blockNumber uint64, baseFee *big.Int) {
	if rec.Hash == (common.Hash{}) {
		// Approved but never broadcast; crash recovery owns these.
		return
	}

	receipt, err := t.client.TransactionReceipt(ctx, rec.Hash)
	switch {
	case err == nil && receipt != nil:
		// On-chain reverts still confirm: the record reached a block.
		if err := t.lifecycle.MarkConfirmed(rec.ID, receipt, baseFee); err != nil {
			t.log.WithError(err).WithField("id", rec.ID).Error("failed to mark confirmed")
		}
		return
	case errors.Is(err, ethereum.NotFound):
		// Not mined; fall through to drop/resubmit checks.
	default:
		t.log.WithError(err).WithFields(logrus.Fields{"id": rec.ID, "hash": rec.Hash.Hex()}).
			Warn("receipt query failed, retrying next block")
		return
	}

	if rec.Nonce != nil {
		onchainNonce, err := t.client.NonceAt(ctx, rec.From)
		if err != nil {
			t.log.WithError(err).WithField("id", rec.ID).Warn("nonce query failed, retrying next block")
			return
		}
		if onchainNonce > uint64(*rec.Nonce) {
			// Another transaction consumed this nonce.
			if err := t.lifecycle.MarkDropped(rec.ID); err != nil {
				t.log.WithError(err).WithField("id", rec.ID).Error("failed to mark dropped")
			}
			return
		}
	}

	t.maybeResubmit(ctx, rec, blockNumber)
}

// maybeResubmit rebroadcasts the already-signed raw transaction once the
// record has sat pending past the retry threshold, and on the same cadence
// after that. Retries are unbounded; cancel/speed-up is the escalation path.
func (t *Tracker) maybeResubmit(ctx context.Context, rec *types.TxRecord, blockNumber uint64) {
	if len(rec.RawTx) == 0 || t.cfg.RetryAfterBlocks == 0 {
		return
	}

	t.mu.Lock()
	first, seen := t.firstSeen[rec.ID]
	if !seen {
		t.firstSeen[rec.ID] = blockNumber
		t.mu.Unlock()
		return
	}
	t.mu.Unlock()

	blocksPending := blockNumber - first
	if blocksPending < t.cfg.RetryAfterBlocks || blocksPending%t.cfg.RetryAfterBlocks != 0 {
		return
	}

	if err := t.limiter.Wait(ctx); err != nil {
		return
	}

	if _, err := t.client.SendRawTransaction(ctx, rec.RawTx); err != nil {
		t.log.WithError(err).WithFields(logrus.Fields{"id": rec.ID, "hash": rec.Hash.Hex()}).
			Warn("resubmission failed")
		return
	}

	rec.RetryCount++
	if err := t.store.Update(rec, "stuck transaction rebroadcast"); err != nil {
		// The record may have reached a terminal state while this pass ran;
		// the store refuses the stale write.
		t.log.WithError(err).WithField("id", rec.ID).Debug("retry count not recorded")
	}
	if t.metrics != nil {
		t.metrics.TxResubmitted.Inc()
	}
	t.log.WithFields(logrus.Fields{
		"id":      rec.ID,
		"hash":    rec.Hash.Hex(),
		"retries": rec.RetryCount,
	}).Info("stuck transaction rebroadcast")
}

// gcFirstSeen drops bookkeeping for records no longer pending
func (t *Tracker) gcFirstSeen(pending []*types.TxRecord) {
	live := make(map[uint64]struct{}, len(pending))
	for _, rec := range pending {
		live[rec.ID] = struct{}{}
	}
	t.mu.Lock()
	for id := range t.firstSeen {
		if _, ok := live[id]; !ok {
			delete(t.firstSeen, id)
		}
	}
	t.mu.Unlock()
}
