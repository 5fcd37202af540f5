package feesource

import (
	"context"
	"errors"
	"math/big"
	"testing"

	"github.com/0xmhha/txkeeper/internal/testutil"
	"github.com/0xmhha/txkeeper/pkg/types"
)

func TestFetchFeeMarketTiers(t *testing.T) {
	client := testutil.NewMockClient()
	client.BaseFeeValue = big.NewInt(100)
	client.GasTipCapValue = big.NewInt(10)

	s := New(client, nil)
	got, err := s.FetchGasFeeEstimates(context.Background())
	if err != nil {
		t.Fatalf("FetchGasFeeEstimates failed: %v", err)
	}

	if got.EstimateType != types.EstimateFeeMarket {
		t.Fatalf("expected fee-market estimates, got %s", got.EstimateType)
	}
	if got.GasPrice != nil {
		t.Error("fee-market estimates must not carry a legacy gas price")
	}

	// max fee = 2 * baseFee + tip per tier
	checks := []struct {
		name    string
		tier    *types.FeeTier
		wantTip int64
		wantFee int64
	}{
		{"low", got.Low, 5, 205},
		{"medium", got.Medium, 10, 210},
		{"high", got.High, 20, 220},
	}
	for _, c := range checks {
		if c.tier == nil {
			t.Fatalf("%s tier missing", c.name)
		}
		if c.tier.MaxPriorityFeePerGas.Int64() != c.wantTip {
			t.Errorf("%s tip = %s, want %d", c.name, c.tier.MaxPriorityFeePerGas, c.wantTip)
		}
		if c.tier.MaxFeePerGas.Int64() != c.wantFee {
			t.Errorf("%s max fee = %s, want %d", c.name, c.tier.MaxFeePerGas, c.wantFee)
		}
	}
}

func TestFetchLegacyPrice(t *testing.T) {
	client := testutil.NewMockClient()
	client.BaseFeeValue = nil
	client.GasPriceValue = big.NewInt(20e9)

	s := New(client, nil)
	got, err := s.FetchGasFeeEstimates(context.Background())
	if err != nil {
		t.Fatalf("FetchGasFeeEstimates failed: %v", err)
	}

	if got.EstimateType != types.EstimateLegacy {
		t.Fatalf("expected legacy estimates, got %s", got.EstimateType)
	}
	if got.GasPrice.Int64() != 20e9 {
		t.Errorf("expected gas price 20 gwei, got %s", got.GasPrice)
	}
	if got.Medium != nil {
		t.Error("legacy estimates must not carry tiers")
	}
}

func TestFetchErrors(t *testing.T) {
	client := testutil.NewMockClient()
	client.BaseFeeValue = nil
	client.GasPriceError = errors.New("rpc down")

	s := New(client, nil)
	if _, err := s.FetchGasFeeEstimates(context.Background()); err == nil {
		t.Fatal("expected error when gas price suggestion fails")
	}

	client = testutil.NewMockClient()
	client.GasTipCapError = errors.New("rpc down")
	s = New(client, nil)
	if _, err := s.FetchGasFeeEstimates(context.Background()); err == nil {
		t.Fatal("expected error when tip suggestion fails")
	}
}
