package main

import (
	"context"
	"fmt"
	"math/big"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/olekukonko/tablewriter"
	"github.com/schollz/progressbar/v3"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/0xmhha/txkeeper/internal/config"
	"github.com/0xmhha/txkeeper/internal/keeper"
	"github.com/0xmhha/txkeeper/internal/store"
	"github.com/0xmhha/txkeeper/internal/tracker"
	"github.com/0xmhha/txkeeper/internal/util/progress"
	"github.com/0xmhha/txkeeper/pkg/types"
)

var (
	version = "dev"
	cfg     = &config.Config{}
)

func main() {
	rootCmd := &cobra.Command{
		Use:     "txkeeper",
		Short:   "Ethereum transaction lifecycle keeper",
		Long:    `TxKeeper tracks wallet transactions from intake through approval, signing, submission and on-chain resolution.`,
		Version: version,
	}

	registerFlags(rootCmd)

	rootCmd.AddCommand(
		runCmd(),
		sendCmd(),
		listCmd(),
		watchCmd(),
		cancelCmd(),
		speedUpCmd(),
		rejectCmd(),
	)

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func registerFlags(cmd *cobra.Command) {
	flags := cmd.PersistentFlags()

	flags.StringVar(&cfg.URL, "url", "", "RPC endpoint URL (required)")
	flags.StringVar(&cfg.PrivateKey, "private-key", "", "Account private key (hex)")
	flags.StringVar(&cfg.Mnemonic, "mnemonic", "", "BIP39 mnemonic (alternative to private-key)")
	flags.IntVar(&cfg.Accounts, "accounts", 1, "Number of accounts to derive from the mnemonic")

	flags.Uint64Var(&cfg.ChainID, "chain-id", 0, "Chain ID (auto-detect if not specified)")

	flags.IntVar(&cfg.HistoryLimit, "history-limit", 100, "Max retained transaction records")
	flags.StringVar(&cfg.StorePath, "store", "./txkeeper.json", "Transaction snapshot file path")

	flags.DurationVar(&cfg.PollInterval, "poll-interval", 3*time.Second, "Block polling interval")
	flags.Uint64Var(&cfg.RetryAfterBlocks, "retry-after", 3, "Blocks without a receipt before resubmission")
	flags.IntVar(&cfg.MaxConcurrent, "max-concurrent", 10, "Max concurrent receipt queries per block")
	flags.Float64Var(&cfg.ResubmitPerSecond, "resubmit-rate", 5, "Max resubmissions per second")

	flags.BoolVar(&cfg.Verbose, "verbose", false, "Enable verbose logging")
	flags.DurationVar(&cfg.Timeout, "timeout", 0, "Max time to wait for pending transactions to resolve (default: 5m)")

	flags.BoolVar(&cfg.MetricsEnabled, "metrics", false, "Enable Prometheus metrics endpoint")
	flags.IntVar(&cfg.MetricsPort, "metrics-port", 9090, "Port for Prometheus metrics endpoint")

	_ = cmd.MarkPersistentFlagRequired("url")
}

func newLogger() *logrus.Entry {
	log := logrus.New()
	if cfg.Verbose {
		log.SetLevel(logrus.DebugLevel)
	}
	return logrus.NewEntry(log)
}

// setup validates the configuration and assembles the keeper with signal
// driven cancellation
func setup(cmd *cobra.Command) (*keeper.Keeper, context.Context, context.CancelFunc, error) {
	if err := cfg.Validate(); err != nil {
		return nil, nil, nil, fmt.Errorf("invalid configuration: %w", err)
	}

	ctx, cancel := context.WithCancel(cmd.Context())

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigCh
		fmt.Println("\nReceived interrupt signal, shutting down...")
		cancel()
	}()

	k, err := keeper.New(ctx, cfg, newLogger())
	if err != nil {
		cancel()
		return nil, nil, nil, err
	}
	return k, ctx, cancel, nil
}

func runCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "run",
		Short: "Run the tracker daemon over the stored transactions",
		RunE: func(cmd *cobra.Command, args []string) error {
			k, ctx, cancel, err := setup(cmd)
			if err != nil {
				return err
			}
			defer cancel()
			defer k.Close()

			return k.Run(ctx)
		},
	}
}

func sendCmd() *cobra.Command {
	var (
		to     string
		value  string
		data   string
		gas    uint64
		gasP   string
		maxFee string
		maxTip string
		noWait bool
	)
	cmd := &cobra.Command{
		Use:   "send",
		Short: "Submit, approve and broadcast a transaction",
		RunE: func(cmd *cobra.Command, args []string) error {
			k, ctx, cancel, err := setup(cmd)
			if err != nil {
				return err
			}
			defer cancel()
			defer k.Close()

			draft := &types.TxDraft{From: k.Addresses()[0]}
			if to != "" {
				if !common.IsHexAddress(to) {
					return fmt.Errorf("invalid to address: %s", to)
				}
				addr := common.HexToAddress(to)
				draft.To = &addr
			}
			if draft.Value, err = parseBigFlag(value); err != nil {
				return fmt.Errorf("invalid value: %w", err)
			}
			if data != "" {
				raw, err := hexutil.Decode(data)
				if err != nil {
					return fmt.Errorf("invalid data: %w", err)
				}
				draft.Data = raw
			}
			if gas > 0 {
				draft.Gas = types.NewUint64(gas)
			}
			if draft.GasPrice, err = parseBigFlag(gasP); err != nil {
				return fmt.Errorf("invalid gas-price: %w", err)
			}
			if draft.MaxFeePerGas, err = parseBigFlag(maxFee); err != nil {
				return fmt.Errorf("invalid max-fee: %w", err)
			}
			if draft.MaxPriorityFeePerGas, err = parseBigFlag(maxTip); err != nil {
				return fmt.Errorf("invalid max-tip: %w", err)
			}

			rec, err := k.Controller().Submit(ctx, draft, types.OriginInternal)
			if err != nil {
				return fmt.Errorf("failed to submit transaction: %w", err)
			}
			if err := k.Controller().ApproveAndSend(ctx, rec.ID); err != nil {
				return fmt.Errorf("failed to send transaction: %w", err)
			}

			rec, _ = k.Store().Get(rec.ID)
			fmt.Printf("Transaction %d submitted: %s\n", rec.ID, rec.Hash.Hex())

			if noWait {
				return nil
			}
			return waitForResolution(ctx, k.Tracker(), k.Store(), cfg.Timeout, "confirming")
		},
	}
	flags := cmd.Flags()
	flags.StringVar(&to, "to", "", "Recipient address (omit for contract deployment)")
	flags.StringVar(&value, "value", "", "Value in wei")
	flags.StringVar(&data, "data", "", "Call data (hex)")
	flags.Uint64Var(&gas, "gas", 0, "Gas limit (estimated if not specified)")
	flags.StringVar(&gasP, "gas-price", "", "Legacy gas price in wei")
	flags.StringVar(&maxFee, "max-fee", "", "Max fee per gas in wei")
	flags.StringVar(&maxTip, "max-tip", "", "Max priority fee per gas in wei")
	flags.BoolVar(&noWait, "no-wait", false, "Return without waiting for confirmation")
	return cmd
}

func listCmd() *cobra.Command {
	var status string
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List stored transaction records",
		RunE: func(cmd *cobra.Command, args []string) error {
			k, _, cancel, err := setup(cmd)
			if err != nil {
				return err
			}
			defer cancel()
			defer k.Close()

			recs := k.Store().All()
			table := tablewriter.NewWriter(os.Stdout)
			table.SetHeader([]string{"ID", "Status", "Kind", "From", "To", "Nonce", "Hash", "Retries"})
			table.SetBorder(true)

			for _, rec := range recs {
				if status != "" && string(rec.Status) != strings.ToLower(status) {
					continue
				}
				to := "-"
				if rec.To != nil {
					to = rec.To.Hex()
				}
				nonce := "-"
				if rec.Nonce != nil {
					nonce = fmt.Sprintf("%d", uint64(*rec.Nonce))
				}
				hash := "-"
				if rec.Hash != (common.Hash{}) {
					hash = rec.Hash.Hex()
				}
				table.Append([]string{
					fmt.Sprintf("%d", rec.ID),
					string(rec.Status),
					string(rec.Kind),
					rec.From.Hex(),
					to,
					nonce,
					hash,
					fmt.Sprintf("%d", rec.RetryCount),
				})
			}
			table.Render()
			return nil
		},
	}
	cmd.Flags().StringVar(&status, "status", "", "Filter by status")
	return cmd
}

func watchCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "watch",
		Short: "Track pending transactions until they resolve",
		RunE: func(cmd *cobra.Command, args []string) error {
			k, ctx, cancel, err := setup(cmd)
			if err != nil {
				return err
			}
			defer cancel()
			defer k.Close()

			return waitForResolution(ctx, k.Tracker(), k.Store(), cfg.Timeout, "tracking pending txs")
		},
	}
}

func cancelCmd() *cobra.Command {
	var id uint64
	cmd := &cobra.Command{
		Use:   "cancel",
		Short: "Replace a pending transaction with a zero-value self-transfer",
		RunE: func(cmd *cobra.Command, args []string) error {
			k, ctx, cancel, err := setup(cmd)
			if err != nil {
				return err
			}
			defer cancel()
			defer k.Close()

			rec, err := k.Controller().CreateCancelTransaction(ctx, id, nil)
			if err != nil {
				return fmt.Errorf("failed to cancel transaction %d: %w", id, err)
			}
			fmt.Printf("Cancel transaction %d submitted: %s\n", rec.ID, rec.Hash.Hex())
			return waitForResolution(ctx, k.Tracker(), k.Store(), cfg.Timeout, "confirming cancel")
		},
	}
	cmd.Flags().Uint64Var(&id, "id", 0, "Record id to cancel")
	_ = cmd.MarkFlagRequired("id")
	return cmd
}

func speedUpCmd() *cobra.Command {
	var id uint64
	cmd := &cobra.Command{
		Use:   "speedup",
		Short: "Replace a pending transaction with a higher-fee copy",
		RunE: func(cmd *cobra.Command, args []string) error {
			k, ctx, cancel, err := setup(cmd)
			if err != nil {
				return err
			}
			defer cancel()
			defer k.Close()

			rec, err := k.Controller().CreateSpeedUpTransaction(ctx, id, nil)
			if err != nil {
				return fmt.Errorf("failed to speed up transaction %d: %w", id, err)
			}
			fmt.Printf("Speed-up transaction %d submitted: %s\n", rec.ID, rec.Hash.Hex())
			return waitForResolution(ctx, k.Tracker(), k.Store(), cfg.Timeout, "confirming replacement")
		},
	}
	cmd.Flags().Uint64Var(&id, "id", 0, "Record id to speed up")
	_ = cmd.MarkFlagRequired("id")
	return cmd
}

func rejectCmd() *cobra.Command {
	var (
		id     uint64
		reason string
	)
	cmd := &cobra.Command{
		Use:   "reject",
		Short: "Reject an unapproved transaction",
		RunE: func(cmd *cobra.Command, args []string) error {
			k, _, cancel, err := setup(cmd)
			if err != nil {
				return err
			}
			defer cancel()
			defer k.Close()

			if err := k.Controller().Reject(id, reason); err != nil {
				return fmt.Errorf("failed to reject transaction %d: %w", id, err)
			}
			fmt.Printf("Transaction %d rejected\n", id)
			return nil
		},
	}
	cmd.Flags().Uint64Var(&id, "id", 0, "Record id to reject")
	cmd.Flags().StringVar(&reason, "reason", "user rejected", "Rejection reason")
	_ = cmd.MarkFlagRequired("id")
	return cmd
}

// waitForResolution runs the tracker until every pending record reaches a
// terminal status, showing progress as records resolve. A non-zero timeout
// bounds the wait.
func waitForResolution(ctx context.Context, trk *tracker.Tracker, st *store.Store, timeout time.Duration, label string) error {
	pending := pendingCount(st)
	if pending == 0 {
		return nil
	}

	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	trackCtx, stop := context.WithCancel(ctx)
	defer stop()
	done := make(chan struct{})
	go func() {
		trk.Run(trackCtx)
		close(done)
	}()

	bar := progressbar.Default(int64(pending), label)
	resolved := 0

	ticker := time.NewTicker(500 * time.Millisecond)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			stop()
			<-done
			return ctx.Err()
		case <-ticker.C:
			left := pendingCount(st)
			if total := resolved + left; total > pending {
				// Replacements add new pending records mid-watch
				pending = total
				bar.ChangeMax(pending)
			}
			if delta := pending - left - resolved; delta > 0 {
				progress.Add(bar, delta)
				resolved += delta
			}
			if left == 0 {
				stop()
				<-done
				fmt.Println()
				return nil
			}
		}
	}
}

func pendingCount(st *store.Store) int {
	n := 0
	for _, rec := range st.All() {
		if rec.Status.Pending() {
			n++
		}
	}
	return n
}

func parseBigFlag(v string) (*hexutil.Big, error) {
	if v == "" {
		return nil, nil
	}
	n, ok := new(big.Int).SetString(v, 10)
	if !ok {
		if strings.HasPrefix(v, "0x") {
			if n, ok = new(big.Int).SetString(v[2:], 16); !ok {
				return nil, fmt.Errorf("not a number: %s", v)
			}
			return types.NewBig(n), nil
		}
		return nil, fmt.Errorf("not a number: %s", v)
	}
	return types.NewBig(n), nil
}
