package controller

import (
	"context"
	"errors"
	"math/big"
	"testing"

	"github.com/ethereum/go-ethereum/params"

	"github.com/0xmhha/txkeeper/internal/testutil"
	"github.com/0xmhha/txkeeper/pkg/types"
)

func TestCreateCancelTransaction(t *testing.T) {
	f := newFixture(t)
	original := submitted(t, f, simpleDraft())

	cancel, err := f.ctrl.CreateCancelTransaction(context.Background(), original.ID, nil)
	if err != nil {
		t.Fatalf("CreateCancelTransaction failed: %v", err)
	}

	if cancel.Kind != types.KindCancel {
		t.Errorf("expected cancel kind, got %s", cancel.Kind)
	}
	if cancel.To == nil || *cancel.To != original.From {
		t.Error("cancel must be a self-transfer")
	}
	if cancel.Value != nil {
		t.Error("cancel must carry no value")
	}
	if cancel.Gas == nil || uint64(*cancel.Gas) != params.TxGas {
		t.Errorf("expected fixed transfer gas, got %v", cancel.Gas)
	}
	if cancel.Nonce == nil || *cancel.Nonce != *original.Nonce {
		t.Errorf("cancel must reuse nonce %v, got %v", original.Nonce, cancel.Nonce)
	}
	if cancel.Origin != types.OriginInternal {
		t.Errorf("expected internal origin, got %s", cancel.Origin)
	}
	if cancel.PreviousGasParams == nil {
		t.Error("original fees not snapshotted")
	}
	if cancel.Status != types.StatusSubmitted {
		t.Errorf("cancel must be auto-approved, got %s", cancel.Status)
	}
}

func TestCreateSpeedUpTransaction(t *testing.T) {
	f := newFixture(t)
	original := submitted(t, f, simpleDraft())

	speedup, err := f.ctrl.CreateSpeedUpTransaction(context.Background(), original.ID, nil)
	if err != nil {
		t.Fatalf("CreateSpeedUpTransaction failed: %v", err)
	}

	if speedup.Kind != types.KindRetry {
		t.Errorf("expected retry kind, got %s", speedup.Kind)
	}
	if *speedup.To != *original.To {
		t.Error("speed-up must keep the recipient")
	}
	if (*big.Int)(speedup.Value).Cmp((*big.Int)(original.Value)) != 0 {
		t.Error("speed-up must keep the value")
	}
	if *speedup.Nonce != *original.Nonce {
		t.Error("speed-up must reuse the nonce")
	}
	if speedup.FeeLevel != types.FeeLevelCustom {
		t.Errorf("expected custom fee level, got %s", speedup.FeeLevel)
	}
	if speedup.Status != types.StatusSubmitted {
		t.Errorf("speed-up must be auto-approved, got %s", speedup.Status)
	}
}

func TestReplacementFeeBumpFloor(t *testing.T) {
	f := newFixture(t, legacyChain)
	// Current network estimate well below the original fee
	f.source.Estimates = testutil.LegacyEstimates(5)

	original := submitted(t, f, &types.TxDraft{
		From:     selected,
		To:       &eoa,
		GasPrice: types.NewBig(big.NewInt(10)),
	})

	speedup, err := f.ctrl.CreateSpeedUpTransaction(context.Background(), original.ID, nil)
	if err != nil {
		t.Fatalf("CreateSpeedUpTransaction failed: %v", err)
	}

	// max(10 * 1.10, 5) = 11, exact integer arithmetic
	if got := (*big.Int)(speedup.GasPrice).Int64(); got != 11 {
		t.Errorf("expected bumped gas price 11, got %d", got)
	}
}

func TestReplacementPrefersHigherCurrentEstimate(t *testing.T) {
	f := newFixture(t, legacyChain)
	f.source.Estimates = testutil.LegacyEstimates(100)

	original := submitted(t, f, &types.TxDraft{
		From:     selected,
		To:       &eoa,
		GasPrice: types.NewBig(big.NewInt(10)),
	})

	speedup, err := f.ctrl.CreateSpeedUpTransaction(context.Background(), original.ID, nil)
	if err != nil {
		t.Fatalf("CreateSpeedUpTransaction failed: %v", err)
	}

	// max(10 * 1.10, 100) = 100
	if got := (*big.Int)(speedup.GasPrice).Int64(); got != 100 {
		t.Errorf("expected current estimate 100, got %d", got)
	}
}

func TestReplacementBumpsFeeMarketFields(t *testing.T) {
	f := newFixture(t)
	f.source.Estimates = testutil.FeeMarketEstimates(2, 1)

	original := submitted(t, f, &types.TxDraft{
		From:                 selected,
		To:                   &eoa,
		MaxFeePerGas:         types.NewBig(big.NewInt(1000)),
		MaxPriorityFeePerGas: types.NewBig(big.NewInt(100)),
	})

	speedup, err := f.ctrl.CreateSpeedUpTransaction(context.Background(), original.ID, nil)
	if err != nil {
		t.Fatalf("CreateSpeedUpTransaction failed: %v", err)
	}

	if got := (*big.Int)(speedup.MaxFeePerGas).Int64(); got != 1100 {
		t.Errorf("expected max fee 1100, got %d", got)
	}
	if got := (*big.Int)(speedup.MaxPriorityFeePerGas).Int64(); got != 110 {
		t.Errorf("expected tip 110, got %d", got)
	}
	if speedup.GasPrice != nil {
		t.Error("fee-market replacement must not carry a legacy gas price")
	}
}

func TestReplacementExplicitOverridesWin(t *testing.T) {
	f := newFixture(t)
	original := submitted(t, f, simpleDraft())

	overrides := &types.GasParams{
		MaxFeePerGas:         types.NewBig(big.NewInt(5e9)),
		MaxPriorityFeePerGas: types.NewBig(big.NewInt(4e9)),
	}
	speedup, err := f.ctrl.CreateSpeedUpTransaction(context.Background(), original.ID, overrides)
	if err != nil {
		t.Fatalf("CreateSpeedUpTransaction failed: %v", err)
	}
	if got := (*big.Int)(speedup.MaxFeePerGas).Int64(); got != 5e9 {
		t.Errorf("expected override max fee, got %d", got)
	}
	if got := (*big.Int)(speedup.MaxPriorityFeePerGas).Int64(); got != 4e9 {
		t.Errorf("expected override tip, got %d", got)
	}
}

func TestReplacementOverrideBothShapesRejected(t *testing.T) {
	f := newFixture(t)
	original := submitted(t, f, simpleDraft())

	overrides := &types.GasParams{
		GasPrice:     types.NewBig(big.NewInt(1)),
		MaxFeePerGas: types.NewBig(big.NewInt(1)),
	}
	if _, err := f.ctrl.CreateSpeedUpTransaction(context.Background(), original.ID, overrides); !errors.Is(err, ErrInvalidParams) {
		t.Errorf("expected ErrInvalidParams, got %v", err)
	}
}

func TestReplacementRequiresPendingStatus(t *testing.T) {
	f := newFixture(t)
	rec := submitted(t, f, simpleDraft())

	receipt := testutil.CreateSuccessReceipt(rec.Hash, 1001, 21000)
	if err := f.ctrl.MarkConfirmed(rec.ID, receipt, nil); err != nil {
		t.Fatalf("MarkConfirmed failed: %v", err)
	}

	if _, err := f.ctrl.CreateSpeedUpTransaction(context.Background(), rec.ID, nil); !errors.Is(err, ErrNotReplaceable) {
		t.Errorf("expected ErrNotReplaceable, got %v", err)
	}
	if _, err := f.ctrl.CreateCancelTransaction(context.Background(), rec.ID, nil); !errors.Is(err, ErrNotReplaceable) {
		t.Errorf("expected ErrNotReplaceable, got %v", err)
	}
}

func TestReplacementRequiresNonce(t *testing.T) {
	f := newFixture(t)

	rec, err := f.ctrl.Submit(context.Background(), simpleDraft(), types.OriginInternal)
	if err != nil {
		t.Fatalf("Submit failed: %v", err)
	}
	// Pending but never given a nonce
	if _, err := f.store.UpdateStatus(rec.ID, types.StatusApproved, ""); err != nil {
		t.Fatalf("UpdateStatus failed: %v", err)
	}

	if _, err := f.ctrl.CreateSpeedUpTransaction(context.Background(), rec.ID, nil); !errors.Is(err, ErrNonceMissing) {
		t.Errorf("expected ErrNonceMissing, got %v", err)
	}
}
