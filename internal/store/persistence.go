package store

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/sirupsen/logrus"

	"github.com/0xmhha/txkeeper/pkg/types"
)

// snapshot is the serialized form of the store: every record in insertion
// order. This is the unit of crash-recoverable state.
type snapshot struct {
	Records []*types.TxRecord `json:"records"`
}

// Persister saves store snapshots to a JSON file on every mutation and
// restores them on startup.
type Persister struct {
	path string
	log  *logrus.Entry
}

// NewPersister creates a persister writing to the given file path
func NewPersister(path string, log *logrus.Entry) *Persister {
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	return &Persister{path: path, log: log.WithField("component", "persister")}
}

// Attach subscribes the persister to the store's mutation events
func (p *Persister) Attach(s *Store) {
	s.OnEvent(func(Event) {
		if err := p.Save(s.All()); err != nil {
			p.log.WithError(err).Warn("failed to persist transaction state")
		}
	})
}

// Save writes the snapshot atomically via a temp file rename
func (p *Persister) Save(recs []*types.TxRecord) error {
	data, err := json.MarshalIndent(snapshot{Records: recs}, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal snapshot: %w", err)
	}

	if dir := filepath.Dir(p.path); dir != "." {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return fmt.Errorf("failed to create state directory: %w", err)
		}
	}

	tmp := p.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0600); err != nil {
		return fmt.Errorf("failed to write snapshot: %w", err)
	}
	return os.Rename(tmp, p.path)
}

// Load reads the persisted snapshot. A missing file yields an empty slice.
func (p *Persister) Load() ([]*types.TxRecord, error) {
	data, err := os.ReadFile(p.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to read snapshot: %w", err)
	}

	var snap snapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		return nil, fmt.Errorf("failed to decode snapshot: %w", err)
	}
	return snap.Records, nil
}
