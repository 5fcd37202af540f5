// Package feesource produces tiered gas fee estimates from a chain client.
package feesource

import (
	"context"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/core/types"
	"github.com/sirupsen/logrus"

	txktypes "github.com/0xmhha/txkeeper/pkg/types"
)

// Source is the external fee-estimate collaborator consumed by the gas
// estimation helper and the retry primitives
type Source interface {
	FetchGasFeeEstimates(ctx context.Context) (*txktypes.GasFeeEstimates, error)
}

// Client is the chain query surface the client-backed source needs
type Client interface {
	SuggestGasPrice(ctx context.Context) (*big.Int, error)
	SuggestGasTipCap(ctx context.Context) (*big.Int, error)
	HeaderByNumber(ctx context.Context, number *big.Int) (*types.Header, error)
}

// ClientSource derives estimates from node suggestions. On fee-market chains
// the medium tier uses the suggested tip directly, low halves it and high
// doubles it; the max fee leaves headroom of twice the current base fee.
type ClientSource struct {
	client Client
	log    *logrus.Entry
}

// New creates a client-backed fee estimate source
func New(client Client, log *logrus.Entry) *ClientSource {
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	return &ClientSource{client: client, log: log.WithField("component", "feesource")}
}

// FetchGasFeeEstimates returns fee-market tiers when the latest block carries
// a base fee, and a single legacy gas price otherwise
func (s *ClientSource) FetchGasFeeEstimates(ctx context.Context) (*txktypes.GasFeeEstimates, error) {
	header, err := s.client.HeaderByNumber(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch latest header: %w", err)
	}

	if header.BaseFee == nil {
		price, err := s.client.SuggestGasPrice(ctx)
		if err != nil {
			return nil, fmt.Errorf("failed to suggest gas price: %w", err)
		}
		return &txktypes.GasFeeEstimates{
			EstimateType: txktypes.EstimateLegacy,
			GasPrice:     price,
		}, nil
	}

	tip, err := s.client.SuggestGasTipCap(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to suggest gas tip cap: %w", err)
	}

	return &txktypes.GasFeeEstimates{
		EstimateType: txktypes.EstimateFeeMarket,
		Low:          tier(header.BaseFee, new(big.Int).Div(tip, big.NewInt(2))),
		Medium:       tier(header.BaseFee, tip),
		High:         tier(header.BaseFee, new(big.Int).Mul(tip, big.NewInt(2))),
	}, nil
}

func tier(baseFee, tip *big.Int) *txktypes.FeeTier {
	maxFee := new(big.Int).Mul(baseFee, big.NewInt(2))
	maxFee.Add(maxFee, tip)
	return &txktypes.FeeTier{
		MaxFeePerGas:         maxFee,
		MaxPriorityFeePerGas: new(big.Int).Set(tip),
	}
}
