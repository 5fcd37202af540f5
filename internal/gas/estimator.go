// Package gas computes safe gas limit and fee defaults for fields the caller
// left unset. Caller-supplied values are never overwritten.
package gas

import (
	"context"
	"errors"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/params"
	"github.com/sirupsen/logrus"

	"github.com/0xmhha/txkeeper/internal/feesource"
	"github.com/0xmhha/txkeeper/internal/util/txmath"
	txktypes "github.com/0xmhha/txkeeper/pkg/types"
)

// ErrNonContractCall is returned when a draft carries call data but the
// target address holds no contract code
var ErrNonContractCall = errors.New("transaction data supplied for a non-contract address")

// Default gas limit buffer: raw estimate scaled by 1.5x
const (
	defaultBufferNum = 3
	defaultBufferDen = 2
)

// ChainReader is the chain query surface the estimator needs
type ChainReader interface {
	CodeAt(ctx context.Context, account common.Address) ([]byte, error)
	EstimateGas(ctx context.Context, msg ethereum.CallMsg) (uint64, error)
	SuggestGasPrice(ctx context.Context) (*big.Int, error)
	HeaderByNumber(ctx context.Context, number *big.Int) (*types.Header, error)
}

// FeeDefaults is the transient fee computation result merged into a record
// during the defaulting step
type FeeDefaults struct {
	GasPrice             *big.Int
	MaxFeePerGas         *big.Int
	MaxPriorityFeePerGas *big.Int
	Level                txktypes.FeeLevel
}

// Estimator computes gas limit and fee defaults
type Estimator struct {
	client ChainReader
	source feesource.Source

	// Buffer multiplier applied over the simulated estimate, as num/den.
	// Chains with heavier state drift can configure a larger buffer.
	bufferNum uint64
	bufferDen uint64

	log *logrus.Entry
}

// Option configures the estimator
type Option func(*Estimator)

// WithBuffer overrides the proportional safety buffer applied to simulated
// gas estimates
func WithBuffer(num, den uint64) Option {
	return func(e *Estimator) {
		if num > 0 && den > 0 {
			e.bufferNum = num
			e.bufferDen = den
		}
	}
}

// New creates an estimator with the default 1.5x buffer
func New(client ChainReader, source feesource.Source, log *logrus.Entry, opts ...Option) *Estimator {
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	e := &Estimator{
		client:    client,
		source:    source,
		bufferNum: defaultBufferNum,
		bufferDen: defaultBufferDen,
		log:       log.WithField("component", "gas"),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// EstimateGasLimit returns the gas limit for a draft. A caller-supplied limit
// is returned unchanged. Plain transfers to accounts without code get the
// fixed transfer cost; everything else is simulated and buffered, capped at
// the current block gas limit.
func (e *Estimator) EstimateGasLimit(ctx context.Context, draft *txktypes.TxDraft) (uint64, error) {
	if draft.Gas != nil {
		return uint64(*draft.Gas), nil
	}

	if draft.To != nil {
		code, err := e.client.CodeAt(ctx, *draft.To)
		if err != nil {
			return 0, fmt.Errorf("failed to fetch code at %s: %w", draft.To.Hex(), err)
		}
		if len(code) == 0 {
			if len(draft.Data) > 0 {
				return 0, fmt.Errorf("%s: %w", draft.To.Hex(), ErrNonContractCall)
			}
			return params.TxGas, nil
		}
	}

	msg := ethereum.CallMsg{
		From: draft.From,
		To:   draft.To,
		Data: draft.Data,
	}
	if draft.Value != nil {
		msg.Value = (*big.Int)(draft.Value)
	}

	estimate, err := e.client.EstimateGas(ctx, msg)
	if err != nil {
		return 0, fmt.Errorf("gas simulation failed: %w", err)
	}

	header, err := e.client.HeaderByNumber(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("failed to fetch latest header: %w", err)
	}

	buffered := txmath.BufferedEstimate(estimate, header.GasLimit, e.bufferNum, e.bufferDen)
	e.log.WithFields(logrus.Fields{
		"estimate": estimate,
		"buffered": buffered,
		"cap":      header.GasLimit,
	}).Debug("gas limit estimated")
	return buffered, nil
}

// EstimateFees fills the fee fields the caller left unset. The result carries
// exactly one fee shape: a legacy gas price, or the fee-market pair.
func (e *Estimator) EstimateFees(ctx context.Context, draft *txktypes.TxDraft, eip1559Supported bool) (*FeeDefaults, error) {
	if !eip1559Supported {
		return e.legacyFees(ctx, draft)
	}
	return e.feeMarketFees(ctx, draft)
}

func (e *Estimator) legacyFees(ctx context.Context, draft *txktypes.TxDraft) (*FeeDefaults, error) {
	if draft.GasPrice != nil {
		return &FeeDefaults{GasPrice: (*big.Int)(draft.GasPrice), Level: txktypes.FeeLevelCustom}, nil
	}

	estimates, err := e.source.FetchGasFeeEstimates(ctx)
	if err == nil && estimates.GasPrice != nil {
		return &FeeDefaults{GasPrice: estimates.GasPrice, Level: txktypes.FeeLevelMedium}, nil
	}

	price, err := e.client.SuggestGasPrice(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to suggest gas price: %w", err)
	}
	return &FeeDefaults{GasPrice: price, Level: txktypes.FeeLevelMedium}, nil
}

func (e *Estimator) feeMarketFees(ctx context.Context, draft *txktypes.TxDraft) (*FeeDefaults, error) {
	// A caller-supplied legacy price on a fee-market network becomes both
	// fee-market fields; the legacy field is dropped.
	if draft.GasPrice != nil && draft.MaxFeePerGas == nil && draft.MaxPriorityFeePerGas == nil {
		price := (*big.Int)(draft.GasPrice)
		return &FeeDefaults{
			MaxFeePerGas:         new(big.Int).Set(price),
			MaxPriorityFeePerGas: new(big.Int).Set(price),
			Level:                txktypes.FeeLevelCustom,
		}, nil
	}

	var medium *txktypes.FeeTier
	if draft.MaxFeePerGas == nil || draft.MaxPriorityFeePerGas == nil {
		estimates, err := e.source.FetchGasFeeEstimates(ctx)
		if err != nil {
			return nil, fmt.Errorf("failed to fetch fee estimates: %w", err)
		}
		medium = estimates.Medium
	}

	out := &FeeDefaults{Level: txktypes.FeeLevelMedium}
	if draft.MaxFeePerGas != nil || draft.MaxPriorityFeePerGas != nil {
		out.Level = txktypes.FeeLevelCustom
	}

	// Each field fills independently: caller value, then the medium tier,
	// then the sibling field.
	switch {
	case draft.MaxFeePerGas != nil:
		out.MaxFeePerGas = (*big.Int)(draft.MaxFeePerGas)
	case medium != nil && medium.MaxFeePerGas != nil:
		out.MaxFeePerGas = medium.MaxFeePerGas
	case draft.MaxPriorityFeePerGas != nil:
		out.MaxFeePerGas = (*big.Int)(draft.MaxPriorityFeePerGas)
	}

	switch {
	case draft.MaxPriorityFeePerGas != nil:
		out.MaxPriorityFeePerGas = (*big.Int)(draft.MaxPriorityFeePerGas)
	case medium != nil && medium.MaxPriorityFeePerGas != nil:
		out.MaxPriorityFeePerGas = medium.MaxPriorityFeePerGas
	case out.MaxFeePerGas != nil:
		out.MaxPriorityFeePerGas = new(big.Int).Set(out.MaxFeePerGas)
	}

	if out.MaxFeePerGas == nil || out.MaxPriorityFeePerGas == nil {
		return nil, errors.New("no fee source available for fee-market defaults")
	}
	return out, nil
}
