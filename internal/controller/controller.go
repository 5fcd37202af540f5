// Package controller orchestrates the transaction lifecycle: intake and
// validation, gas defaulting, approval (nonce, sign, broadcast), replacement
// primitives, and terminal-state bookkeeping.
package controller

import (
	"context"
	"fmt"
	"math/big"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	ethtypes "github.com/ethereum/go-ethereum/core/types"
	"github.com/sirupsen/logrus"

	"github.com/0xmhha/txkeeper/internal/feesource"
	"github.com/0xmhha/txkeeper/internal/gas"
	"github.com/0xmhha/txkeeper/internal/metrics"
	"github.com/0xmhha/txkeeper/internal/nonce"
	"github.com/0xmhha/txkeeper/internal/signer"
	"github.com/0xmhha/txkeeper/internal/store"
	"github.com/0xmhha/txkeeper/pkg/types"
)

// ChainClient is the network surface the controller needs
type ChainClient interface {
	CodeAt(ctx context.Context, account common.Address) ([]byte, error)
	SendRawTransaction(ctx context.Context, rawTx []byte) (common.Hash, error)
}

// Authorizer answers who may send from which address. The selected account
// and origin permissions live outside the controller so tests and multi
// account callers can supply their own.
type Authorizer interface {
	SelectedAccount() common.Address
	OriginPermitted(origin string, from common.Address) bool
}

// EventKind identifies a lifecycle event for telemetry consumers
type EventKind string

const (
	EventTxAdded     EventKind = "added"
	EventTxApproved  EventKind = "approved"
	EventTxSubmitted EventKind = "submitted"
	EventTxFinalized EventKind = "finalized"
	EventTxRejected  EventKind = "rejected"
)

// Event is a lifecycle notification. Record is a copy.
type Event struct {
	Kind   EventKind
	Record *types.TxRecord
}

// Config holds the controller's chain parameters
type Config struct {
	ChainID          *big.Int
	EIP1559Supported bool
	// HistoryLimit caps the number of retained records; oldest terminal
	// records are pruned past it. Zero disables pruning.
	HistoryLimit int
}

// Controller drives transaction records through the lifecycle state machine
type Controller struct {
	cfg       Config
	store     *store.Store
	alloc     *nonce.Allocator
	estimator *gas.Estimator
	source    feesource.Source
	signer    signer.Signer
	client    ChainClient
	auth      Authorizer
	metrics   *metrics.Metrics
	log       *logrus.Entry

	// Coalescing guard: ids with an approval attempt in flight. A second
	// ApproveAndSend for the same id is a no-op while the first runs.
	inflightMu sync.Mutex
	inflight   map[uint64]struct{}

	eventsMu sync.Mutex
	events   []chan Event
}

// New creates a lifecycle controller
func New(cfg Config, st *store.Store, alloc *nonce.Allocator, estimator *gas.Estimator,
	source feesource.Source, sgn signer.Signer, client ChainClient, auth Authorizer,
	m *metrics.Metrics, log *logrus.Entry) *Controller {
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	return &Controller{
		cfg:       cfg,
		store:     st,
		alloc:     alloc,
		estimator: estimator,
		source:    source,
		signer:    sgn,
		client:    client,
		auth:      auth,
		metrics:   m,
		log:       log.WithField("component", "controller"),
		inflight:  make(map[uint64]struct{}),
	}
}

// Events returns a channel of lifecycle events. Slow consumers lose events
// rather than blocking the state machine.
func (c *Controller) Events() <-chan Event {
	ch := make(chan Event, 64)
	c.eventsMu.Lock()
	c.events = append(c.events, ch)
	c.eventsMu.Unlock()
	return ch
}

func (c *Controller) emit(kind EventKind, rec *types.TxRecord) {
	c.eventsMu.Lock()
	defer c.eventsMu.Unlock()
	for _, ch := range c.events {
		select {
		case ch <- Event{Kind: kind, Record: rec.Copy()}:
		default:
			c.log.WithField("kind", kind).Warn("event dropped: slow consumer")
		}
	}
}

// Store exposes the transaction collection for queries
func (c *Controller) Store() *store.Store {
	return c.store
}

// Submit validates and classifies a draft, persists it as unapproved, and
// fills gas defaults. A defaulting failure still leaves the record in the
// store, flagged, and is returned to the caller alongside the record.
func (c *Controller) Submit(ctx context.Context, draft *types.TxDraft, origin string) (*types.TxRecord, error) {
	if err := validateDraft(draft); err != nil {
		return nil, err
	}
	if err := c.authorize(draft.From, origin); err != nil {
		return nil, err
	}

	rec := &types.TxRecord{
		ID:        c.store.NextID(),
		Status:    types.StatusUnapproved,
		Kind:      c.classify(ctx, draft),
		Origin:    origin,
		ChainID:   types.NewBig(c.cfg.ChainID),
		From:      draft.From,
		To:        draft.To,
		Value:     draft.Value,
		Data:      draft.Data,
		CreatedAt: time.Now(),
	}
	if err := c.store.Add(rec); err != nil {
		return nil, err
	}
	if c.cfg.HistoryLimit > 0 {
		c.store.Prune(c.cfg.HistoryLimit)
	}

	c.log.WithFields(logrus.Fields{
		"id":     rec.ID,
		"from":   rec.From.Hex(),
		"kind":   rec.Kind,
		"origin": origin,
	}).Info("transaction submitted")
	c.emit(EventTxAdded, rec)

	rec, err := c.fillDefaults(ctx, rec.ID, draft)
	if err != nil {
		return rec, err
	}
	return rec, nil
}

// fillDefaults runs the gas defaulting step for an unapproved record and
// merges the results. On failure the record is flagged rather than failed so
// the draft stays visible and retryable.
func (c *Controller) fillDefaults(ctx context.Context, id uint64, draft *types.TxDraft) (*types.TxRecord, error) {
	gasLimit, limitErr := c.estimator.EstimateGasLimit(ctx, draft)
	var fees *gas.FeeDefaults
	feesErr := error(nil)
	if limitErr == nil {
		fees, feesErr = c.estimator.EstimateFees(ctx, draft, c.cfg.EIP1559Supported)
	}

	rec, ok := c.store.Get(id)
	if !ok {
		return nil, fmt.Errorf("id %d: %w", id, store.ErrNotFound)
	}

	if limitErr != nil || feesErr != nil {
		err := limitErr
		if err == nil {
			err = feesErr
		}
		rec.DefaultsFailed = true
		rec.Err = err.Error()
		if updErr := c.store.Update(rec, "gas defaulting failed"); updErr != nil {
			return nil, updErr
		}
		c.log.WithError(err).WithField("id", id).Warn("gas defaulting failed")
		return rec, fmt.Errorf("failed to fill gas defaults for tx %d: %w", id, err)
	}

	rec.Gas = types.NewUint64(gasLimit)
	rec.GasPrice = types.NewBig(fees.GasPrice)
	rec.MaxFeePerGas = types.NewBig(fees.MaxFeePerGas)
	rec.MaxPriorityFeePerGas = types.NewBig(fees.MaxPriorityFeePerGas)
	rec.FeeLevel = fees.Level
	rec.DefaultsFailed = false
	rec.Err = ""
	if err := c.store.Update(rec, "gas defaults filled"); err != nil {
		return nil, err
	}
	return rec, nil
}

// RetryDefaults re-runs the defaulting step for an unapproved record, used
// after a transient estimation failure and during crash recovery
func (c *Controller) RetryDefaults(ctx context.Context, id uint64) (*types.TxRecord, error) {
	rec, ok := c.store.Get(id)
	if !ok {
		return nil, fmt.Errorf("id %d: %w", id, store.ErrNotFound)
	}
	if rec.Status != types.StatusUnapproved {
		return nil, fmt.Errorf("id %d: cannot retry defaults in status %s: %w", id, rec.Status, store.ErrInvalidTransition)
	}
	return c.fillDefaults(ctx, id, draftFromRecord(rec))
}

// ApproveAndSend drives an unapproved record through nonce assignment,
// signing, and broadcast. A second call for an id already in flight is a
// no-op. Any failure in the sequence transitions the record to failed and is
// returned. The nonce lock is released on every exit path.
func (c *Controller) ApproveAndSend(ctx context.Context, id uint64) error {
	c.inflightMu.Lock()
	if _, busy := c.inflight[id]; busy {
		c.inflightMu.Unlock()
		c.log.WithField("id", id).Debug("approval already in flight, coalescing")
		return nil
	}
	c.inflight[id] = struct{}{}
	c.inflightMu.Unlock()

	defer func() {
		c.inflightMu.Lock()
		delete(c.inflight, id)
		c.inflightMu.Unlock()
	}()

	rec, ok := c.store.Get(id)
	if !ok {
		return fmt.Errorf("id %d: %w", id, store.ErrNotFound)
	}
	if rec.Status != types.StatusUnapproved && rec.Status != types.StatusApproved {
		return fmt.Errorf("id %d: cannot approve in status %s: %w", id, rec.Status, store.ErrInvalidTransition)
	}
	if rec.DefaultsFailed {
		return fmt.Errorf("id %d: %w", id, ErrDefaultsNotFilled)
	}

	if rec.Status == types.StatusUnapproved {
		if _, err := c.store.UpdateStatus(id, types.StatusApproved, "user approved"); err != nil {
			return err
		}
		c.emit(EventTxApproved, rec)
	}

	lock, err := c.alloc.Acquire(ctx, rec.From)
	if err != nil {
		return c.failApproval(id, fmt.Errorf("nonce acquisition failed: %w", err))
	}
	defer lock.Release()

	nonceValue := lock.Nonce
	if rec.PreviousGasParams != nil {
		// Replacement transactions reuse the nonce they are replacing;
		// a replacement without one is a construction bug.
		if rec.Nonce == nil {
			return c.failApproval(id, ErrNonceMissing)
		}
		nonceValue = uint64(*rec.Nonce)
	}

	rec, ok = c.store.Get(id)
	if !ok {
		return fmt.Errorf("id %d: %w", id, store.ErrNotFound)
	}
	rec.Nonce = types.NewUint64(nonceValue)
	if err := c.store.Update(rec, "nonce assigned"); err != nil {
		return c.failApproval(id, err)
	}

	unsigned, err := buildUnsignedTx(rec, c.cfg.ChainID)
	if err != nil {
		return c.failApproval(id, err)
	}

	signed, err := c.signer.Sign(ctx, unsigned, rec.From)
	if err != nil {
		return c.failApproval(id, fmt.Errorf("signing failed: %w", err))
	}

	raw, err := signed.MarshalBinary()
	if err != nil {
		return c.failApproval(id, fmt.Errorf("failed to encode signed transaction: %w", err))
	}

	rec, ok = c.store.Get(id)
	if !ok {
		return fmt.Errorf("id %d: %w", id, store.ErrNotFound)
	}
	rec.RawTx = raw
	rec.Hash = signed.Hash()
	if err := c.store.Update(rec, "transaction signed"); err != nil {
		return c.failApproval(id, err)
	}
	if _, err := c.store.UpdateStatus(id, types.StatusSigned, "signature obtained"); err != nil {
		return err
	}

	hash, err := c.client.SendRawTransaction(ctx, raw)
	if err != nil {
		return c.failApproval(id, fmt.Errorf("broadcast failed: %w", err))
	}

	now := time.Now()
	rec, ok = c.store.Get(id)
	if !ok {
		return fmt.Errorf("id %d: %w", id, store.ErrNotFound)
	}
	rec.Hash = hash
	rec.SubmittedAt = &now
	if err := c.store.Update(rec, "transaction broadcast"); err != nil {
		return c.failApproval(id, err)
	}
	rec, err = c.store.UpdateStatus(id, types.StatusSubmitted, "broadcast accepted")
	if err != nil {
		return err
	}

	if c.metrics != nil {
		c.metrics.TxSubmitted.Inc()
	}
	c.log.WithFields(logrus.Fields{
		"id":    id,
		"hash":  hash.Hex(),
		"nonce": nonceValue,
	}).Info("transaction broadcast")
	c.emit(EventTxSubmitted, rec)
	return nil
}

// failApproval records an approval-path failure on the record and returns
// the original error
func (c *Controller) failApproval(id uint64, cause error) error {
	if rec, ok := c.store.Get(id); ok && !rec.Status.Terminal() {
		rec.Err = cause.Error()
		if err := c.store.Update(rec, "approval error recorded"); err != nil {
			c.log.WithError(err).WithField("id", id).Error("failed to record approval error")
		}
		if rec, err := c.store.UpdateStatus(id, types.StatusFailed, cause.Error()); err != nil {
			c.log.WithError(err).WithField("id", id).Error("failed to transition to failed")
		} else {
			if c.metrics != nil {
				c.metrics.TxFailed.Inc()
			}
			c.emit(EventTxFinalized, rec)
		}
	}
	return fmt.Errorf("approval of tx %d failed: %w", id, cause)
}

// Reject moves an unapproved or approved record to the rejected terminal
// state, e.g. when the user dismisses a dapp request
func (c *Controller) Reject(id uint64, reason string) error {
	rec, err := c.store.UpdateStatus(id, types.StatusRejected, reason)
	if err != nil {
		return err
	}
	if c.metrics != nil {
		c.metrics.TxRejected.Inc()
	}
	c.emit(EventTxRejected, rec)
	return nil
}

// MarkConfirmed attaches the receipt, transitions to confirmed, and drops
// every other record sharing the same (sender, nonce). A missing record is a
// no-op: the confirmation may race with pruning.
func (c *Controller) MarkConfirmed(id uint64, receipt *ethtypes.Receipt, baseFeePerGas *big.Int) error {
	rec, ok := c.store.Get(id)
	if !ok {
		return nil
	}
	if rec.Status.Terminal() {
		return nil
	}

	confirmed, err := c.store.Confirm(id, receipt, types.NewBig(baseFeePerGas), "receipt found on-chain")
	if err != nil {
		return err
	}

	if c.metrics != nil {
		latency := time.Duration(0)
		if confirmed.SubmittedAt != nil {
			latency = time.Since(*confirmed.SubmittedAt)
		}
		c.metrics.RecordConfirmed(latency)
	}
	c.log.WithFields(logrus.Fields{"id": id, "hash": confirmed.Hash.Hex()}).Info("transaction confirmed")
	c.emit(EventTxFinalized, confirmed)

	c.resolveNonceDuplicates(confirmed)
	return nil
}

// resolveNonceDuplicates drops every other non-terminal record at the
// confirmed record's (sender, nonce), stamping each with the winner's hash
func (c *Controller) resolveNonceDuplicates(confirmed *types.TxRecord) {
	if confirmed.Nonce == nil {
		return
	}
	n := uint64(*confirmed.Nonce)
	for _, other := range c.store.Query(store.Filter{From: &confirmed.From, Nonce: &n}) {
		if other.ID == confirmed.ID || other.Status.Terminal() {
			continue
		}
		h := confirmed.Hash
		other.ReplacedBy = &h
		if err := c.store.Update(other, "superseded at nonce"); err != nil {
			c.log.WithError(err).WithField("id", other.ID).Error("failed to stamp replacedBy")
			continue
		}
		if err := c.MarkDropped(other.ID); err != nil {
			c.log.WithError(err).WithField("id", other.ID).Error("failed to drop superseded record")
		}
	}
}

// MarkFailed transitions a record to failed with the given cause. Safe to
// call on missing or already-terminal records.
func (c *Controller) MarkFailed(id uint64, cause error) error {
	rec, ok := c.store.Get(id)
	if !ok || rec.Status.Terminal() {
		return nil
	}
	if cause != nil {
		rec.Err = cause.Error()
		if err := c.store.Update(rec, "failure recorded"); err != nil {
			return err
		}
	}
	reason := "transaction failed"
	if cause != nil {
		reason = cause.Error()
	}
	rec, err := c.store.UpdateStatus(id, types.StatusFailed, reason)
	if err != nil {
		return err
	}
	if c.metrics != nil {
		c.metrics.TxFailed.Inc()
	}
	c.emit(EventTxFinalized, rec)
	return nil
}

// MarkDropped transitions a record to dropped. Safe to call on missing or
// already-terminal records.
func (c *Controller) MarkDropped(id uint64) error {
	rec, ok := c.store.Get(id)
	if !ok || rec.Status.Terminal() {
		return nil
	}
	rec, err := c.store.UpdateStatus(id, types.StatusDropped, "superseded by another transaction at this nonce")
	if err != nil {
		return err
	}
	if c.metrics != nil {
		c.metrics.TxDropped.Inc()
	}
	c.emit(EventTxFinalized, rec)
	return nil
}

// Recover applies the crash-recovery rules after a restart: records caught
// mid-approval are failed, and unapproved records with missing defaults get
// the defaulting step re-run.
func (c *Controller) Recover(ctx context.Context) {
	for _, rec := range c.store.All() {
		switch rec.Status {
		case types.StatusApproved, types.StatusSigned:
			if err := c.MarkFailed(rec.ID, fmt.Errorf("interrupted during signing")); err != nil {
				c.log.WithError(err).WithField("id", rec.ID).Error("recovery: failed to mark record failed")
			}
		case types.StatusUnapproved:
			if rec.DefaultsFailed || rec.Gas == nil {
				if _, err := c.RetryDefaults(ctx, rec.ID); err != nil {
					c.log.WithError(err).WithField("id", rec.ID).Warn("recovery: defaulting retry failed")
				}
			}
		}
	}
}

// authorize enforces the sender rules: internal requests must come from the
// selected account, external origins need a grant for the sender
func (c *Controller) authorize(from common.Address, origin string) error {
	if origin == types.OriginInternal {
		if c.auth.SelectedAccount() != from {
			return fmt.Errorf("%s: %w", from.Hex(), ErrUnauthorizedSender)
		}
		return nil
	}
	if !c.auth.OriginPermitted(origin, from) {
		return fmt.Errorf("origin %q, sender %s: %w", origin, from.Hex(), ErrUnauthorizedOrigin)
	}
	return nil
}

func validateDraft(draft *types.TxDraft) error {
	if draft == nil {
		return fmt.Errorf("draft is nil: %w", ErrInvalidParams)
	}
	if draft.From == (common.Address{}) {
		return fmt.Errorf("from address is zero: %w", ErrInvalidParams)
	}
	if draft.To == nil && len(draft.Data) == 0 {
		return fmt.Errorf("no recipient and no deploy data: %w", ErrInvalidParams)
	}
	if draft.Value != nil && (*big.Int)(draft.Value).Sign() < 0 {
		return fmt.Errorf("negative value: %w", ErrInvalidParams)
	}
	if draft.GasPrice != nil && (draft.MaxFeePerGas != nil || draft.MaxPriorityFeePerGas != nil) {
		return fmt.Errorf("legacy and fee-market fee fields are mutually exclusive: %w", ErrInvalidParams)
	}
	return nil
}

// buildUnsignedTx constructs the envelope matching the record's fee shape
func buildUnsignedTx(rec *types.TxRecord, chainID *big.Int) (*ethtypes.Transaction, error) {
	if rec.Nonce == nil || rec.Gas == nil {
		return nil, fmt.Errorf("record %d missing nonce or gas limit", rec.ID)
	}

	var value *big.Int
	if rec.Value != nil {
		value = (*big.Int)(rec.Value)
	} else {
		value = new(big.Int)
	}

	if rec.IsFeeMarket() {
		if rec.GasPrice != nil {
			return nil, fmt.Errorf("record %d carries both legacy and fee-market fee fields", rec.ID)
		}
		return ethtypes.NewTx(&ethtypes.DynamicFeeTx{
			ChainID:   chainID,
			Nonce:     uint64(*rec.Nonce),
			GasTipCap: (*big.Int)(rec.MaxPriorityFeePerGas),
			GasFeeCap: (*big.Int)(rec.MaxFeePerGas),
			Gas:       uint64(*rec.Gas),
			To:        rec.To,
			Value:     value,
			Data:      rec.Data,
		}), nil
	}

	if rec.GasPrice == nil {
		return nil, fmt.Errorf("record %d has no fee fields", rec.ID)
	}
	return ethtypes.NewTx(&ethtypes.LegacyTx{
		Nonce:    uint64(*rec.Nonce),
		GasPrice: (*big.Int)(rec.GasPrice),
		Gas:      uint64(*rec.Gas),
		To:       rec.To,
		Value:    value,
		Data:     rec.Data,
	}), nil
}

// draftFromRecord rebuilds the defaulting input from a stored record
func draftFromRecord(rec *types.TxRecord) *types.TxDraft {
	return &types.TxDraft{
		From:                 rec.From,
		To:                   rec.To,
		Value:                rec.Value,
		Data:                 rec.Data,
		Gas:                  rec.Gas,
		GasPrice:             rec.GasPrice,
		MaxFeePerGas:         rec.MaxFeePerGas,
		MaxPriorityFeePerGas: rec.MaxPriorityFeePerGas,
	}
}
