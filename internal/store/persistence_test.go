package store

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/ethereum/go-ethereum/common"

	"github.com/0xmhha/txkeeper/pkg/types"
)

func TestPersisterRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "txkeeper.json")
	p := NewPersister(path, nil)

	recs := []*types.TxRecord{
		{
			ID:     1,
			Status: types.StatusSubmitted,
			Kind:   types.KindSimpleSend,
			From:   common.HexToAddress("0x1111111111111111111111111111111111111111"),
			Nonce:  types.NewUint64(5),
			Hash:   common.HexToHash("0xdeadbeef"),
		},
		{ID: 2, Status: types.StatusConfirmed},
	}
	if err := p.Save(recs); err != nil {
		t.Fatalf("Save failed: %v", err)
	}

	loaded, err := p.Load()
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if len(loaded) != 2 {
		t.Fatalf("expected 2 records, got %d", len(loaded))
	}
	if loaded[0].Status != types.StatusSubmitted || uint64(*loaded[0].Nonce) != 5 {
		t.Errorf("record fields lost in round trip: %+v", loaded[0])
	}
}

func TestPersisterLoadMissingFile(t *testing.T) {
	p := NewPersister(filepath.Join(t.TempDir(), "missing.json"), nil)
	recs, err := p.Load()
	if err != nil {
		t.Fatalf("missing file should not error: %v", err)
	}
	if recs != nil {
		t.Errorf("expected nil records, got %d", len(recs))
	}
}

func TestPersisterAttachSavesOnMutation(t *testing.T) {
	path := filepath.Join(t.TempDir(), "txkeeper.json")
	p := NewPersister(path, nil)

	s := New(nil)
	p.Attach(s)

	rec := &types.TxRecord{ID: s.NextID(), Status: types.StatusUnapproved}
	if err := s.Add(rec); err != nil {
		t.Fatalf("Add failed: %v", err)
	}

	if _, err := os.Stat(path); err != nil {
		t.Fatalf("snapshot not written after mutation: %v", err)
	}

	loaded, err := p.Load()
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if len(loaded) != 1 || loaded[0].ID != rec.ID {
		t.Errorf("snapshot does not reflect store contents: %+v", loaded)
	}
}
