package types

import (
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	ethtypes "github.com/ethereum/go-ethereum/core/types"
)

// TxStatus represents the lifecycle status of a transaction record
type TxStatus string

const (
	StatusUnapproved TxStatus = "unapproved"
	StatusApproved   TxStatus = "approved"
	StatusSigned     TxStatus = "signed"
	StatusSubmitted  TxStatus = "submitted"
	StatusConfirmed  TxStatus = "confirmed"
	StatusFailed     TxStatus = "failed"
	StatusDropped    TxStatus = "dropped"
	StatusRejected   TxStatus = "rejected"
)

// Terminal reports whether the status admits no further transitions
func (s TxStatus) Terminal() bool {
	switch s {
	case StatusConfirmed, StatusFailed, StatusDropped, StatusRejected:
		return true
	}
	return false
}

// Pending reports whether the transaction is awaiting on-chain resolution
func (s TxStatus) Pending() bool {
	return s == StatusApproved || s == StatusSigned || s == StatusSubmitted
}

// TxKind classifies what a transaction does, decoded at intake
type TxKind string

const (
	KindSimpleSend     TxKind = "simpleSend"
	KindContractDeploy TxKind = "contractDeployment"
	KindContractCall   TxKind = "contractInteraction"
	KindTokenTransfer  TxKind = "tokenTransfer"
	KindTokenApprove   TxKind = "tokenApprove"
	KindCancel         TxKind = "cancel"
	KindRetry          TxKind = "retry"
)

// OriginInternal marks records created by the wallet itself rather than a dapp
const OriginInternal = "internal"

// FeeLevel records where the fee values of a record came from
type FeeLevel string

const (
	FeeLevelMedium FeeLevel = "medium"
	FeeLevelCustom FeeLevel = "custom"
)

// GasParams is a snapshot of the fee fields of a record. Exactly one of
// GasPrice or the MaxFeePerGas/MaxPriorityFeePerGas pair is set.
type GasParams struct {
	GasPrice             *hexutil.Big `json:"gasPrice,omitempty"`
	MaxFeePerGas         *hexutil.Big `json:"maxFeePerGas,omitempty"`
	MaxPriorityFeePerGas *hexutil.Big `json:"maxPriorityFeePerGas,omitempty"`
}

// TxDraft is the caller-supplied transaction request before defaulting.
// Fee fields left nil are filled by the gas estimation helper.
type TxDraft struct {
	From                 common.Address  `json:"from"`
	To                   *common.Address `json:"to,omitempty"`
	Value                *hexutil.Big    `json:"value,omitempty"`
	Data                 hexutil.Bytes   `json:"data,omitempty"`
	Gas                  *hexutil.Uint64 `json:"gas,omitempty"`
	GasPrice             *hexutil.Big    `json:"gasPrice,omitempty"`
	MaxFeePerGas         *hexutil.Big    `json:"maxFeePerGas,omitempty"`
	MaxPriorityFeePerGas *hexutil.Big    `json:"maxPriorityFeePerGas,omitempty"`
}

// StatusEntry is one audit log entry of a status transition
type StatusEntry struct {
	Status TxStatus  `json:"status"`
	Reason string    `json:"reason,omitempty"`
	Time   time.Time `json:"time"`
}

// TxRecord is the authoritative record of a wallet transaction. Records are
// treated as values: components read copies and write replacements through
// the store, never mutating a shared instance in place.
type TxRecord struct {
	ID     uint64   `json:"id"`
	Status TxStatus `json:"status"`
	Kind   TxKind   `json:"kind"`
	Origin string   `json:"origin"`

	ChainID *hexutil.Big `json:"chainId,omitempty"`

	From  common.Address  `json:"from"`
	To    *common.Address `json:"to,omitempty"`
	Value *hexutil.Big    `json:"value,omitempty"`
	Data  hexutil.Bytes   `json:"data,omitempty"`
	Nonce *hexutil.Uint64 `json:"nonce,omitempty"`

	Gas                  *hexutil.Uint64 `json:"gas,omitempty"`
	GasPrice             *hexutil.Big    `json:"gasPrice,omitempty"`
	MaxFeePerGas         *hexutil.Big    `json:"maxFeePerGas,omitempty"`
	MaxPriorityFeePerGas *hexutil.Big    `json:"maxPriorityFeePerGas,omitempty"`
	FeeLevel             FeeLevel        `json:"feeLevel,omitempty"`

	Hash  common.Hash   `json:"hash,omitempty"`
	RawTx hexutil.Bytes `json:"rawTx,omitempty"`

	CreatedAt   time.Time  `json:"createdAt"`
	SubmittedAt *time.Time `json:"submittedAt,omitempty"`

	// Set on cancel/speed-up records: the fee fields of the record being
	// replaced. Presence signals nonce reuse during approval.
	PreviousGasParams *GasParams `json:"previousGasParams,omitempty"`
	// Hash of the transaction that confirmed at this record's nonce,
	// set when this record is dropped as superseded.
	ReplacedBy *common.Hash `json:"replacedBy,omitempty"`

	Receipt       *ethtypes.Receipt `json:"receipt,omitempty"`
	BaseFeePerGas *hexutil.Big      `json:"baseFeePerGas,omitempty"`

	Err            string `json:"err,omitempty"`
	DefaultsFailed bool   `json:"defaultsFailed,omitempty"`
	RetryCount     int    `json:"retryCount,omitempty"`

	History []StatusEntry `json:"history,omitempty"`
}

// IsFeeMarket reports whether the record carries EIP-1559 fee fields
func (r *TxRecord) IsFeeMarket() bool {
	return r.MaxFeePerGas != nil || r.MaxPriorityFeePerGas != nil
}

// GasParamsSnapshot returns a copy of the record's fee fields
func (r *TxRecord) GasParamsSnapshot() *GasParams {
	return &GasParams{
		GasPrice:             copyBig(r.GasPrice),
		MaxFeePerGas:         copyBig(r.MaxFeePerGas),
		MaxPriorityFeePerGas: copyBig(r.MaxPriorityFeePerGas),
	}
}

// Copy returns a deep copy of the record
func (r *TxRecord) Copy() *TxRecord {
	cp := *r
	cp.Value = copyBig(r.Value)
	cp.Data = append(hexutil.Bytes(nil), r.Data...)
	cp.Nonce = copyUint64(r.Nonce)
	cp.Gas = copyUint64(r.Gas)
	cp.GasPrice = copyBig(r.GasPrice)
	cp.MaxFeePerGas = copyBig(r.MaxFeePerGas)
	cp.MaxPriorityFeePerGas = copyBig(r.MaxPriorityFeePerGas)
	cp.ChainID = copyBig(r.ChainID)
	cp.BaseFeePerGas = copyBig(r.BaseFeePerGas)
	cp.RawTx = append(hexutil.Bytes(nil), r.RawTx...)
	if r.To != nil {
		to := *r.To
		cp.To = &to
	}
	if r.SubmittedAt != nil {
		at := *r.SubmittedAt
		cp.SubmittedAt = &at
	}
	if r.PreviousGasParams != nil {
		cp.PreviousGasParams = &GasParams{
			GasPrice:             copyBig(r.PreviousGasParams.GasPrice),
			MaxFeePerGas:         copyBig(r.PreviousGasParams.MaxFeePerGas),
			MaxPriorityFeePerGas: copyBig(r.PreviousGasParams.MaxPriorityFeePerGas),
		}
	}
	if r.ReplacedBy != nil {
		h := *r.ReplacedBy
		cp.ReplacedBy = &h
	}
	cp.History = append([]StatusEntry(nil), r.History...)
	return &cp
}

// GasFeeEstimateType distinguishes the shape of a fee estimate response
type GasFeeEstimateType string

const (
	EstimateFeeMarket GasFeeEstimateType = "fee-market"
	EstimateLegacy    GasFeeEstimateType = "legacy"
)

// FeeTier holds the fee-market fields suggested for one priority level
type FeeTier struct {
	MaxFeePerGas         *big.Int
	MaxPriorityFeePerGas *big.Int
}

// GasFeeEstimates is the fee estimate source response. Fee-market responses
// carry the three tiers; legacy responses carry only GasPrice.
type GasFeeEstimates struct {
	EstimateType GasFeeEstimateType
	Low          *FeeTier
	Medium       *FeeTier
	High         *FeeTier
	GasPrice     *big.Int
}

func copyBig(v *hexutil.Big) *hexutil.Big {
	if v == nil {
		return nil
	}
	return (*hexutil.Big)(new(big.Int).Set((*big.Int)(v)))
}

func copyUint64(v *hexutil.Uint64) *hexutil.Uint64 {
	if v == nil {
		return nil
	}
	cp := *v
	return &cp
}

// NewBig wraps a big.Int as a hex-encoded quantity
func NewBig(v *big.Int) *hexutil.Big {
	if v == nil {
		return nil
	}
	return (*hexutil.Big)(new(big.Int).Set(v))
}

// NewUint64 wraps a uint64 as a hex-encoded quantity
func NewUint64(v uint64) *hexutil.Uint64 {
	h := hexutil.Uint64(v)
	return &h
}
