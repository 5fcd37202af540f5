package tracker

import (
	"context"
	"errors"
	"math/big"
	"sync"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	ethtypes "github.com/ethereum/go-ethereum/core/types"

	"github.com/0xmhha/txkeeper/internal/store"
	"github.com/0xmhha/txkeeper/internal/testutil"
	"github.com/0xmhha/txkeeper/pkg/types"
)

type fakeLifecycle struct {
	mu        sync.Mutex
	confirmed map[uint64]*ethtypes.Receipt
	baseFees  map[uint64]*big.Int
	dropped   []uint64
}

func newFakeLifecycle() *fakeLifecycle {
	return &fakeLifecycle{
		confirmed: make(map[uint64]*ethtypes.Receipt),
		baseFees:  make(map[uint64]*big.Int),
	}
}

func (f *fakeLifecycle) MarkConfirmed(id uint64, receipt *ethtypes.Receipt, baseFeePerGas *big.Int) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.confirmed[id] = receipt
	f.baseFees[id] = baseFeePerGas
	return nil
}

func (f *fakeLifecycle) MarkDropped(id uint64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.dropped = append(f.dropped, id)
	return nil
}

var sender = common.HexToAddress("0x1111111111111111111111111111111111111111")

func newTracker(client *testutil.MockClient, recs ...*types.TxRecord) (*Tracker, *store.Store, *fakeLifecycle) {
	st := store.New(nil)
	st.Load(recs)
	lc := newFakeLifecycle()
	trk := New(&Config{
		PollInterval:      1,
		RetryAfterBlocks:  3,
		MaxConcurrent:     4,
		ResubmitPerSecond: 1000,
	}, st, client, lc, nil, nil)
	return trk, st, lc
}

func pendingRecord(id uint64, nonce uint64) *types.TxRecord {
	return &types.TxRecord{
		ID:     id,
		Status: types.StatusSubmitted,
		From:   sender,
		Nonce:  types.NewUint64(nonce),
		Hash:   common.BytesToHash([]byte{byte(id)}),
		RawTx:  []byte{0x02, byte(id)},
	}
}

func TestPassConfirmsOnReceipt(t *testing.T) {
	client := testutil.NewMockClient()
	rec := pendingRecord(1, 0)
	receipt := testutil.CreateSuccessReceipt(rec.Hash, 1001, 21000)
	client.AddReceipt(rec.Hash, receipt)
	client.BaseFeeValue = big.NewInt(42)

	trk, _, lc := newTracker(client, rec)
	trk.OnNewBlock(context.Background(), 1001)

	if lc.confirmed[1] == nil {
		t.Fatal("record with receipt not confirmed")
	}
	if lc.baseFees[1] == nil || lc.baseFees[1].Int64() != 42 {
		t.Errorf("block base fee not passed through, got %v", lc.baseFees[1])
	}
}

func TestPassConfirmsRevertedReceipt(t *testing.T) {
	client := testutil.NewMockClient()
	rec := pendingRecord(1, 0)
	client.AddReceipt(rec.Hash, testutil.CreateFailedReceipt(rec.Hash, 1001, 21000))

	trk, _, lc := newTracker(client, rec)
	trk.OnNewBlock(context.Background(), 1001)

	// A reverted transaction still reached a block: it confirms
	got := lc.confirmed[1]
	if got == nil || got.Status != ethtypes.ReceiptStatusFailed {
		t.Fatalf("reverted receipt should still confirm, got %+v", got)
	}
}

func TestPassDropsWhenNonceConsumed(t *testing.T) {
	client := testutil.NewMockClient()
	client.OnchainNonceValue = 6

	trk, _, lc := newTracker(client, pendingRecord(1, 5))
	trk.OnNewBlock(context.Background(), 1001)

	if len(lc.dropped) != 1 || lc.dropped[0] != 1 {
		t.Errorf("expected record 1 dropped, got %v", lc.dropped)
	}
}

func TestPassResubmitsStuckTransaction(t *testing.T) {
	client := testutil.NewMockClient()
	rec := pendingRecord(1, 0)

	trk, st, lc := newTracker(client, rec)

	// First sighting only registers the record
	trk.OnNewBlock(context.Background(), 1000)
	if len(client.SentRawTxs) != 0 {
		t.Fatal("resubmitted before retry threshold")
	}

	// Below threshold
	trk.OnNewBlock(context.Background(), 1002)
	if len(client.SentRawTxs) != 0 {
		t.Fatal("resubmitted below retry threshold")
	}

	// At threshold
	trk.OnNewBlock(context.Background(), 1003)
	if len(client.SentRawTxs) != 1 {
		t.Fatalf("expected 1 resubmission, got %d", len(client.SentRawTxs))
	}
	got, _ := st.Get(1)
	if got.RetryCount != 1 {
		t.Errorf("expected retry count 1, got %d", got.RetryCount)
	}

	// Retries are unbounded: the next threshold multiple fires again
	trk.OnNewBlock(context.Background(), 1006)
	if len(client.SentRawTxs) != 2 {
		t.Errorf("expected 2 resubmissions, got %d", len(client.SentRawTxs))
	}

	if len(lc.confirmed) != 0 || len(lc.dropped) != 0 {
		t.Error("stuck record must stay pending")
	}
}

func TestPassSkipsRecordOnQueryError(t *testing.T) {
	client := testutil.NewMockClient()
	client.ReceiptError = errors.New("rpc flake")

	trk, _, lc := newTracker(client, pendingRecord(1, 0))
	trk.OnNewBlock(context.Background(), 1001)

	if len(lc.confirmed) != 0 || len(lc.dropped) != 0 {
		t.Error("record with failed query must be left for the next pass")
	}
	if len(client.SentRawTxs) != 0 {
		t.Error("record with failed query must not be resubmitted")
	}
}

func TestPassSkipsUnbroadcastRecords(t *testing.T) {
	client := testutil.NewMockClient()
	rec := &types.TxRecord{ID: 1, Status: types.StatusApproved, From: sender}

	trk, _, lc := newTracker(client, rec)
	trk.OnNewBlock(context.Background(), 1001)

	if client.GetCallCount("TransactionReceipt") != 0 {
		t.Error("record without a hash must not be queried")
	}
	if len(lc.confirmed) != 0 || len(lc.dropped) != 0 {
		t.Error("record without a hash must be left alone")
	}
}

func TestPassIgnoresTerminalRecords(t *testing.T) {
	client := testutil.NewMockClient()
	rec := pendingRecord(1, 0)
	rec.Status = types.StatusConfirmed

	trk, _, _ := newTracker(client, rec)
	trk.OnNewBlock(context.Background(), 1001)

	if client.GetCallCount("TransactionReceipt") != 0 {
		t.Error("terminal records must not be queried")
	}
}

func TestPassNotReentrant(t *testing.T) {
	client := testutil.NewMockClient()
	rec := pendingRecord(1, 0)
	client.AddReceipt(rec.Hash, testutil.CreateSuccessReceipt(rec.Hash, 1001, 21000))

	trk, _, lc := newTracker(client, rec)
	trk.passActive.Store(true)

	trk.OnNewBlock(context.Background(), 1001)
	if len(lc.confirmed) != 0 {
		t.Error("pass must be skipped while another pass runs")
	}

	trk.passActive.Store(false)
	trk.OnNewBlock(context.Background(), 1002)
	if len(lc.confirmed) != 1 {
		t.Error("pass must resume once the previous pass finishes")
	}
}

func TestFirstSeenGarbageCollected(t *testing.T) {
	client := testutil.NewMockClient()
	rec := pendingRecord(1, 0)

	trk, st, _ := newTracker(client, rec)
	trk.OnNewBlock(context.Background(), 1000)

	trk.mu.Lock()
	_, tracked := trk.firstSeen[1]
	trk.mu.Unlock()
	if !tracked {
		t.Fatal("pending record not registered")
	}

	// Resolve the record out of band; the next pass forgets it
	if _, err := st.UpdateStatus(1, types.StatusConfirmed, "test"); err != nil {
		t.Fatalf("UpdateStatus failed: %v", err)
	}
	trk.OnNewBlock(context.Background(), 1001)

	trk.mu.Lock()
	_, tracked = trk.firstSeen[1]
	trk.mu.Unlock()
	if tracked {
		t.Error("resolved record still tracked")
	}
}
