package controller

import (
	"context"
	"fmt"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/params"
	"github.com/sirupsen/logrus"

	"github.com/0xmhha/txkeeper/internal/store"
	"github.com/0xmhha/txkeeper/internal/util/txmath"
	"github.com/0xmhha/txkeeper/pkg/types"
)

// replacementBumpPercent is the minimum fee increase peers accept for a
// transaction replacing another at the same nonce. Anything lower is
// silently rejected by the network.
const replacementBumpPercent = 110

// CreateCancelTransaction builds and auto-approves a zero-value self-transfer
// at the same nonce as id's record, with fees bumped past the replacement
// floor. The user requesting the cancel is the approval.
func (c *Controller) CreateCancelTransaction(ctx context.Context, id uint64, overrides *types.GasParams) (*types.TxRecord, error) {
	original, err := c.replaceableRecord(id)
	if err != nil {
		return nil, err
	}

	rec := c.newReplacementRecord(original, types.KindCancel)
	rec.To = &original.From
	rec.Value = nil
	rec.Data = nil
	rec.Gas = types.NewUint64(params.TxGas)

	if err := c.applyReplacementFees(ctx, rec, original, overrides); err != nil {
		return nil, err
	}
	return c.addAndApprove(ctx, rec)
}

// CreateSpeedUpTransaction builds and auto-approves a copy of id's record at
// the same nonce with fees bumped past the replacement floor
func (c *Controller) CreateSpeedUpTransaction(ctx context.Context, id uint64, overrides *types.GasParams) (*types.TxRecord, error) {
	original, err := c.replaceableRecord(id)
	if err != nil {
		return nil, err
	}

	rec := c.newReplacementRecord(original, types.KindRetry)
	rec.To = original.To
	rec.Value = original.Value
	rec.Data = original.Data
	rec.Gas = original.Gas

	if err := c.applyReplacementFees(ctx, rec, original, overrides); err != nil {
		return nil, err
	}
	return c.addAndApprove(ctx, rec)
}

func (c *Controller) replaceableRecord(id uint64) (*types.TxRecord, error) {
	original, ok := c.store.Get(id)
	if !ok {
		return nil, fmt.Errorf("id %d: %w", id, store.ErrNotFound)
	}
	if !original.Status.Pending() {
		return nil, fmt.Errorf("id %d in status %s: %w", id, original.Status, ErrNotReplaceable)
	}
	if original.Nonce == nil {
		return nil, fmt.Errorf("id %d: %w", id, ErrNonceMissing)
	}
	return original, nil
}

func (c *Controller) newReplacementRecord(original *types.TxRecord, kind types.TxKind) *types.TxRecord {
	n := *original.Nonce
	return &types.TxRecord{
		ID:                c.store.NextID(),
		Status:            types.StatusUnapproved,
		Kind:              kind,
		Origin:            types.OriginInternal,
		ChainID:           original.ChainID,
		From:              original.From,
		Nonce:             &n,
		CreatedAt:         time.Now(),
		PreviousGasParams: original.GasParamsSnapshot(),
		FeeLevel:          types.FeeLevelCustom,
	}
}

// applyReplacementFees sets the replacement's fee fields: explicit overrides
// win; otherwise each original fee is bumped to max(original * 1.10, current
// medium-tier estimate) with integer arithmetic.
func (c *Controller) applyReplacementFees(ctx context.Context, rec, original *types.TxRecord, overrides *types.GasParams) error {
	if overrides != nil && (overrides.GasPrice != nil || overrides.MaxFeePerGas != nil || overrides.MaxPriorityFeePerGas != nil) {
		if overrides.GasPrice != nil && (overrides.MaxFeePerGas != nil || overrides.MaxPriorityFeePerGas != nil) {
			return fmt.Errorf("override carries both fee shapes: %w", ErrInvalidParams)
		}
		rec.GasPrice = overrides.GasPrice
		rec.MaxFeePerGas = overrides.MaxFeePerGas
		rec.MaxPriorityFeePerGas = overrides.MaxPriorityFeePerGas
		return nil
	}

	estimates, err := c.source.FetchGasFeeEstimates(ctx)
	if err != nil {
		c.log.WithError(err).Warn("fee estimates unavailable for replacement, bumping original fees only")
		estimates = &types.GasFeeEstimates{}
	}

	if original.IsFeeMarket() {
		var estMaxFee, estTip *big.Int
		if estimates.Medium != nil {
			estMaxFee = estimates.Medium.MaxFeePerGas
			estTip = estimates.Medium.MaxPriorityFeePerGas
		}
		rec.MaxFeePerGas = bumpedFee(original.MaxFeePerGas, estMaxFee)
		rec.MaxPriorityFeePerGas = bumpedFee(original.MaxPriorityFeePerGas, estTip)
		return nil
	}

	rec.GasPrice = bumpedFee(original.GasPrice, estimates.GasPrice)
	return nil
}

// bumpedFee returns max(original * 1.10, current), in integer math
func bumpedFee(original *hexutil.Big, current *big.Int) *hexutil.Big {
	if original == nil {
		return types.NewBig(current)
	}
	bumped := txmath.PercentBump((*big.Int)(original), replacementBumpPercent)
	if current != nil {
		bumped = txmath.MaxBig(bumped, current)
	}
	return types.NewBig(bumped)
}

func (c *Controller) addAndApprove(ctx context.Context, rec *types.TxRecord) (*types.TxRecord, error) {
	if err := c.store.Add(rec); err != nil {
		return nil, err
	}
	c.log.WithFields(logrus.Fields{
		"id":       rec.ID,
		"kind":     rec.Kind,
		"nonce":    uint64(*rec.Nonce),
		"replaces": rec.PreviousGasParams != nil,
	}).Info("replacement transaction created")
	c.emit(EventTxAdded, rec)

	if err := c.ApproveAndSend(ctx, rec.ID); err != nil {
		return nil, err
	}

	out, _ := c.store.Get(rec.ID)
	return out, nil
}
