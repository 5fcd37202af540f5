// Package keeper assembles the transaction lifecycle components into a
// runnable unit: chain client, store with persistence, nonce allocator, gas
// estimator, controller and pending transaction tracker.
package keeper

import (
	"context"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common"

	"github.com/sirupsen/logrus"

	"github.com/0xmhha/txkeeper/internal/client"
	"github.com/0xmhha/txkeeper/internal/config"
	"github.com/0xmhha/txkeeper/internal/controller"
	"github.com/0xmhha/txkeeper/internal/feesource"
	"github.com/0xmhha/txkeeper/internal/gas"
	"github.com/0xmhha/txkeeper/internal/metrics"
	"github.com/0xmhha/txkeeper/internal/nonce"
	"github.com/0xmhha/txkeeper/internal/signer"
	"github.com/0xmhha/txkeeper/internal/store"
	"github.com/0xmhha/txkeeper/internal/tracker"
)

// selectedAccountAuthorizer treats the signer's first address as the wallet's
// selected account and permits no external origins. A richer permission
// system plugs in through controller.Authorizer.
type selectedAccountAuthorizer struct {
	signer *signer.Local
}

func (a *selectedAccountAuthorizer) SelectedAccount() common.Address {
	addrs := a.signer.Addresses()
	if len(addrs) == 0 {
		return common.Address{}
	}
	return addrs[0]
}

func (a *selectedAccountAuthorizer) OriginPermitted(origin string, from common.Address) bool {
	for _, addr := range a.signer.Addresses() {
		if addr == from {
			return true
		}
	}
	return false
}

// Keeper wires the lifecycle components against one RPC endpoint
type Keeper struct {
	cfg        *config.Config
	log        *logrus.Entry
	client     *client.Client
	signer     *signer.Local
	store      *store.Store
	persister  *store.Persister
	controller *controller.Controller
	tracker    *tracker.Tracker
	metrics    *metrics.Metrics
	chainID    *big.Int
}

// New connects to the RPC endpoint and assembles all components. The store
// is loaded from the configured snapshot path and crash recovery runs before
// anything else touches the records.
func New(ctx context.Context, cfg *config.Config, log *logrus.Entry) (*Keeper, error) {
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}

	cli, err := client.New(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("failed to create client: %w", err)
	}

	chainID := new(big.Int).SetUint64(cfg.ChainID)
	if cfg.ChainID == 0 {
		chainID, err = cli.ChainID(ctx)
		if err != nil {
			cli.Close()
			return nil, fmt.Errorf("failed to detect chain id: %w", err)
		}
	}

	var sgn *signer.Local
	if cfg.Mnemonic != "" {
		sgn, err = signer.NewFromMnemonic(cfg.Mnemonic, uint64(cfg.Accounts), chainID)
	} else {
		sgn, err = signer.NewFromPrivateKey(cfg.PrivateKey, chainID)
	}
	if err != nil {
		cli.Close()
		return nil, fmt.Errorf("failed to create signer: %w", err)
	}

	st := store.New(log)
	persister := store.NewPersister(cfg.StorePath, log)
	if recs, err := persister.Load(); err != nil {
		log.WithError(err).Warn("failed to load transaction snapshot, starting empty")
	} else {
		st.Load(recs)
	}

	var m *metrics.Metrics
	if cfg.MetricsEnabled {
		m = metrics.NewMetrics("txkeeper")
	}

	// EIP-1559 support follows the latest block header
	eip1559 := false
	if header, err := cli.HeaderByNumber(ctx, nil); err == nil && header.BaseFee != nil {
		eip1559 = true
	}

	alloc := nonce.New(cli, st, log)
	source := feesource.New(cli, log)
	estimator := gas.New(cli, source, log)

	ctrl := controller.New(controller.Config{
		ChainID:          chainID,
		EIP1559Supported: eip1559,
		HistoryLimit:     cfg.HistoryLimit,
	}, st, alloc, estimator, source, sgn, cli, &selectedAccountAuthorizer{signer: sgn}, m, log)

	trk := tracker.New(&tracker.Config{
		PollInterval:      cfg.PollInterval,
		RetryAfterBlocks:  cfg.RetryAfterBlocks,
		MaxConcurrent:     cfg.MaxConcurrent,
		ResubmitPerSecond: cfg.ResubmitPerSecond,
	}, st, cli, ctrl, m, log)

	k := &Keeper{
		cfg:        cfg,
		log:        log,
		client:     cli,
		signer:     sgn,
		store:      st,
		persister:  persister,
		controller: ctrl,
		tracker:    trk,
		metrics:    m,
		chainID:    chainID,
	}

	ctrl.Recover(ctx)
	persister.Attach(st)

	return k, nil
}

// Run starts the metrics endpoint and the tracker loop, blocking until the
// context is cancelled
func (k *Keeper) Run(ctx context.Context) error {
	if k.metrics != nil {
		if err := k.metrics.Start(ctx, k.cfg.MetricsPort); err != nil {
			return fmt.Errorf("failed to start metrics server: %w", err)
		}
		defer func() {
			if err := k.metrics.Stop(context.Background()); err != nil {
				k.log.WithError(err).Warn("failed to stop metrics server")
			}
		}()
	}

	k.tracker.Run(ctx)
	return nil
}

// Controller exposes the lifecycle controller
func (k *Keeper) Controller() *controller.Controller { return k.controller }

// Store exposes the transaction store
func (k *Keeper) Store() *store.Store { return k.store }

// Tracker exposes the pending transaction tracker
func (k *Keeper) Tracker() *tracker.Tracker { return k.tracker }

// ChainID returns the connected chain's id
func (k *Keeper) ChainID() *big.Int { return new(big.Int).Set(k.chainID) }

// Addresses returns the signer's addresses
func (k *Keeper) Addresses() []common.Address {
	return k.signer.Addresses()
}

// Close releases the RPC connection
func (k *Keeper) Close() {
	k.client.Close()
}
