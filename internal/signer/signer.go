// Package signer provides the opaque signing collaborator: it takes an
// unsigned transaction and a sender address and returns a signed transaction.
package signer

import (
	"context"
	"crypto/ecdsa"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	hdwallet "github.com/miguelmota/go-ethereum-hdwallet"
)

// Signer signs a transaction on behalf of a managed address
type Signer interface {
	Sign(ctx context.Context, tx *types.Transaction, from common.Address) (*types.Transaction, error)
}

// Local holds in-memory keys derived from a private key or a mnemonic
type Local struct {
	keys    map[common.Address]*ecdsa.PrivateKey
	order   []common.Address
	chainID *big.Int
}

// NewFromPrivateKey creates a signer managing a single hex-encoded key
func NewFromPrivateKey(privateKeyHex string, chainID *big.Int) (*Local, error) {
	if len(privateKeyHex) >= 2 && privateKeyHex[:2] == "0x" {
		privateKeyHex = privateKeyHex[2:]
	}

	key, err := crypto.HexToECDSA(privateKeyHex)
	if err != nil {
		return nil, fmt.Errorf("invalid private key: %w", err)
	}

	s := &Local{keys: make(map[common.Address]*ecdsa.PrivateKey), chainID: chainID}
	s.addKey(key)
	return s, nil
}

// NewFromMnemonic creates a signer managing count accounts derived from a
// BIP39 mnemonic on the standard Ethereum path
func NewFromMnemonic(mnemonic string, count uint64, chainID *big.Int) (*Local, error) {
	wallet, err := hdwallet.NewFromMnemonic(mnemonic)
	if err != nil {
		return nil, fmt.Errorf("invalid mnemonic: %w", err)
	}

	s := &Local{keys: make(map[common.Address]*ecdsa.PrivateKey), chainID: chainID}
	for i := uint64(0); i < count; i++ {
		path := hdwallet.MustParseDerivationPath(fmt.Sprintf("m/44'/60'/0'/0/%d", i))
		account, err := wallet.Derive(path, false)
		if err != nil {
			return nil, fmt.Errorf("failed to derive account %d: %w", i, err)
		}
		key, err := wallet.PrivateKey(account)
		if err != nil {
			return nil, fmt.Errorf("failed to get account %d private key: %w", i, err)
		}
		s.addKey(key)
	}
	return s, nil
}

func (s *Local) addKey(key *ecdsa.PrivateKey) {
	addr := crypto.PubkeyToAddress(key.PublicKey)
	if _, ok := s.keys[addr]; !ok {
		s.order = append(s.order, addr)
	}
	s.keys[addr] = key
}

// Addresses returns the managed addresses in derivation order
func (s *Local) Addresses() []common.Address {
	return append([]common.Address(nil), s.order...)
}

// Sign signs the transaction with the key for from. The signer scheme is
// selected from the transaction envelope type.
func (s *Local) Sign(_ context.Context, tx *types.Transaction, from common.Address) (*types.Transaction, error) {
	key, ok := s.keys[from]
	if !ok {
		return nil, fmt.Errorf("no key for address %s", from.Hex())
	}
	return types.SignTx(tx, types.LatestSignerForChainID(s.chainID), key)
}
