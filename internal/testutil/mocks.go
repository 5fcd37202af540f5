// Package testutil provides mock chain collaborators shared by package tests
package testutil

import (
	"context"
	"crypto/ecdsa"
	"math/big"
	"sync"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	ethtypes "github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"

	"github.com/0xmhha/txkeeper/pkg/types"
)

// MockClient is a mock chain client for testing
type MockClient struct {
	mu sync.RWMutex

	// Configurable return values
	BlockNumberValue   uint64
	PendingNonceValue  uint64
	OnchainNonceValue  uint64
	GasPriceValue      *big.Int
	GasTipCapValue     *big.Int
	EstimateGasValue   uint64
	BlockGasLimitValue uint64
	BaseFeeValue       *big.Int

	// Code returned per address. Addresses not in the map have no code.
	Code map[common.Address][]byte

	// Error responses
	BlockNumberError error
	NonceError       error
	GasPriceError    error
	GasTipCapError   error
	EstimateGasError error
	CodeError        error
	SendError        error
	ReceiptError     error

	// Receipts storage
	Receipts map[common.Hash]*ethtypes.Receipt

	// Sent transactions tracking
	SentRawTxs [][]byte

	// Call counters
	CallCounts map[string]int
}

// NewMockClient creates a new mock client with default values
func NewMockClient() *MockClient {
	return &MockClient{
		BlockNumberValue:   1000,
		PendingNonceValue:  0,
		OnchainNonceValue:  0,
		GasPriceValue:      big.NewInt(1e9), // 1 Gwei
		GasTipCapValue:     big.NewInt(1e9),
		EstimateGasValue:   21000,
		BlockGasLimitValue: 30000000,
		BaseFeeValue:       big.NewInt(1e9),
		Code:               make(map[common.Address][]byte),
		Receipts:           make(map[common.Hash]*ethtypes.Receipt),
		SentRawTxs:         make([][]byte, 0),
		CallCounts:         make(map[string]int),
	}
}

func (m *MockClient) incrementCallCount(method string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.CallCounts[method]++
}

// GetCallCount returns the number of times a method was called
func (m *MockClient) GetCallCount(method string) int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.CallCounts[method]
}

// BlockNumber returns the configured block number
func (m *MockClient) BlockNumber(ctx context.Context) (uint64, error) {
	m.incrementCallCount("BlockNumber")
	if m.BlockNumberError != nil {
		return 0, m.BlockNumberError
	}
	return m.BlockNumberValue, nil
}

// PendingNonceAt returns the configured pending nonce
func (m *MockClient) PendingNonceAt(ctx context.Context, account common.Address) (uint64, error) {
	m.incrementCallCount("PendingNonceAt")
	if m.NonceError != nil {
		return 0, m.NonceError
	}
	return m.PendingNonceValue, nil
}

// NonceAt returns the configured confirmed nonce
func (m *MockClient) NonceAt(ctx context.Context, account common.Address) (uint64, error) {
	m.incrementCallCount("NonceAt")
	if m.NonceError != nil {
		return 0, m.NonceError
	}
	return m.OnchainNonceValue, nil
}

// CodeAt returns the configured code for the account
func (m *MockClient) CodeAt(ctx context.Context, account common.Address) ([]byte, error) {
	m.incrementCallCount("CodeAt")
	if m.CodeError != nil {
		return nil, m.CodeError
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.Code[account], nil
}

// SuggestGasPrice returns the configured gas price
func (m *MockClient) SuggestGasPrice(ctx context.Context) (*big.Int, error) {
	m.incrementCallCount("SuggestGasPrice")
	if m.GasPriceError != nil {
		return nil, m.GasPriceError
	}
	return m.GasPriceValue, nil
}

// SuggestGasTipCap returns the configured gas tip cap
func (m *MockClient) SuggestGasTipCap(ctx context.Context) (*big.Int, error) {
	m.incrementCallCount("SuggestGasTipCap")
	if m.GasTipCapError != nil {
		return nil, m.GasTipCapError
	}
	return m.GasTipCapValue, nil
}

// EstimateGas returns the configured gas estimate
func (m *MockClient) EstimateGas(ctx context.Context, msg ethereum.CallMsg) (uint64, error) {
	m.incrementCallCount("EstimateGas")
	if m.EstimateGasError != nil {
		return 0, m.EstimateGasError
	}
	return m.EstimateGasValue, nil
}

// HeaderByNumber returns a mock header with the configured gas limit and base fee
func (m *MockClient) HeaderByNumber(ctx context.Context, number *big.Int) (*ethtypes.Header, error) {
	m.incrementCallCount("HeaderByNumber")
	if number == nil {
		number = new(big.Int).SetUint64(m.BlockNumberValue)
	}
	return &ethtypes.Header{
		Number:   number,
		GasLimit: m.BlockGasLimitValue,
		BaseFee:  m.BaseFeeValue,
	}, nil
}

// TransactionReceipt returns the receipt for a transaction
func (m *MockClient) TransactionReceipt(ctx context.Context, txHash common.Hash) (*ethtypes.Receipt, error) {
	m.incrementCallCount("TransactionReceipt")
	if m.ReceiptError != nil {
		return nil, m.ReceiptError
	}
	m.mu.RLock()
	receipt, ok := m.Receipts[txHash]
	m.mu.RUnlock()
	if !ok {
		return nil, ethereum.NotFound
	}
	return receipt, nil
}

// SendRawTransaction stores the raw transaction
func (m *MockClient) SendRawTransaction(ctx context.Context, rawTx []byte) (common.Hash, error) {
	m.incrementCallCount("SendRawTransaction")
	if m.SendError != nil {
		return common.Hash{}, m.SendError
	}
	m.mu.Lock()
	m.SentRawTxs = append(m.SentRawTxs, rawTx)
	m.mu.Unlock()
	return crypto.Keccak256Hash(rawTx), nil
}

// AddReceipt adds a receipt to the mock storage
func (m *MockClient) AddReceipt(txHash common.Hash, receipt *ethtypes.Receipt) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Receipts[txHash] = receipt
}

// SetCode configures contract code at an address
func (m *MockClient) SetCode(account common.Address, code []byte) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Code[account] = code
}

// CreateSuccessReceipt creates a successful receipt for testing
func CreateSuccessReceipt(txHash common.Hash, blockNumber uint64, gasUsed uint64) *ethtypes.Receipt {
	return &ethtypes.Receipt{
		Status:      ethtypes.ReceiptStatusSuccessful,
		TxHash:      txHash,
		BlockNumber: big.NewInt(int64(blockNumber)),
		GasUsed:     gasUsed,
	}
}

// CreateFailedReceipt creates a reverted receipt for testing
func CreateFailedReceipt(txHash common.Hash, blockNumber uint64, gasUsed uint64) *ethtypes.Receipt {
	return &ethtypes.Receipt{
		Status:      ethtypes.ReceiptStatusFailed,
		TxHash:      txHash,
		BlockNumber: big.NewInt(int64(blockNumber)),
		GasUsed:     gasUsed,
	}
}

// MockSigner signs with a throwaway key so records flow through the
// lifecycle without real key material
type MockSigner struct {
	SignError error
	Signed    []*ethtypes.Transaction

	mu  sync.Mutex
	key *ecdsa.PrivateKey
}

// Sign returns the transaction signed with the throwaway key
func (s *MockSigner) Sign(_ context.Context, tx *ethtypes.Transaction, from common.Address) (*ethtypes.Transaction, error) {
	if s.SignError != nil {
		return nil, s.SignError
	}
	s.mu.Lock()
	if s.key == nil {
		key, err := crypto.GenerateKey()
		if err != nil {
			s.mu.Unlock()
			return nil, err
		}
		s.key = key
	}
	key := s.key
	s.mu.Unlock()
	signed, err := ethtypes.SignTx(tx, ethtypes.LatestSignerForChainID(tx.ChainId()), key)
	if err != nil {
		return nil, err
	}
	s.mu.Lock()
	s.Signed = append(s.Signed, signed)
	s.mu.Unlock()
	return signed, nil
}

// MockFeeSource returns configured fee estimates
type MockFeeSource struct {
	Estimates *types.GasFeeEstimates
	Err       error
}

// FetchGasFeeEstimates returns the configured estimates
func (s *MockFeeSource) FetchGasFeeEstimates(ctx context.Context) (*types.GasFeeEstimates, error) {
	if s.Err != nil {
		return nil, s.Err
	}
	return s.Estimates, nil
}

// FeeMarketEstimates builds a three-tier fee-market estimate around a medium tip
func FeeMarketEstimates(maxFee, tip int64) *types.GasFeeEstimates {
	return &types.GasFeeEstimates{
		EstimateType: types.EstimateFeeMarket,
		Low:          &types.FeeTier{MaxFeePerGas: big.NewInt(maxFee / 2), MaxPriorityFeePerGas: big.NewInt(tip / 2)},
		Medium:       &types.FeeTier{MaxFeePerGas: big.NewInt(maxFee), MaxPriorityFeePerGas: big.NewInt(tip)},
		High:         &types.FeeTier{MaxFeePerGas: big.NewInt(maxFee * 2), MaxPriorityFeePerGas: big.NewInt(tip * 2)},
	}
}

// LegacyEstimates builds a legacy gas price estimate
func LegacyEstimates(gasPrice int64) *types.GasFeeEstimates {
	return &types.GasFeeEstimates{
		EstimateType: types.EstimateLegacy,
		GasPrice:     big.NewInt(gasPrice),
	}
}

// StaticAuthorizer permits a fixed selected account and origin set
type StaticAuthorizer struct {
	Selected common.Address
	// Origins maps origin -> permitted sender addresses
	Origins map[string][]common.Address
}

// SelectedAccount returns the configured selected account
func (a *StaticAuthorizer) SelectedAccount() common.Address {
	return a.Selected
}

// OriginPermitted reports whether the origin may send from the address
func (a *StaticAuthorizer) OriginPermitted(origin string, from common.Address) bool {
	for _, addr := range a.Origins[origin] {
		if addr == from {
			return true
		}
	}
	return false
}
