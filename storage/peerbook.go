// Package storage provides the persistent peer book: a BadgerDB-backed
// store of trust-on-first-use pinned keys so a restarted node keeps the
// same trust decisions it made in previous runs.
package storage

import (
	"fmt"
	"os"
	"sync"

	"github.com/dgraph-io/badger/v3"
	"github.com/fxamacker/cbor/v2"
	logging "github.com/ipfs/go-log/v2"
)

var log = logging.Logger("storage")

var pinPrefix = []byte("pin/")

// PinRecord is the durable form of a pinned peer key.
type PinRecord struct {
	NodeID      string  `cbor:"node_id"`
	PublicKey   []byte  `cbor:"public_key"`
	Address     string  `cbor:"address"`
	FirstPinned float64 `cbor:"first_pinned"`
	LastSeen    float64 `cbor:"last_seen"`
}

// PeerBook wraps a Badger keyspace holding CBOR-encoded pin records.
type PeerBook struct {
	db *badger.DB
	mu sync.RWMutex
}

// OpenPeerBook opens (creating if needed) the peer book under dataDir.
func OpenPeerBook(dataDir string) (*PeerBook, error) {
	if err := os.MkdirAll(dataDir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create data directory: %w", err)
	}
	opts := badger.DefaultOptions(dataDir).
		WithLogger(nil).
		WithNumVersionsToKeep(1)
	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("failed to open peer book: %w", err)
	}
	log.Infow("peer book opened", "dir", dataDir)
	return &PeerBook{db: db}, nil
}

func pinKey(nodeID string) []byte {
	return append(append([]byte(nil), pinPrefix...), nodeID...)
}

// PutPin stores or refreshes a pin record.
func (pb *PeerBook) PutPin(rec PinRecord) error {
	pb.mu.Lock()
	defer pb.mu.Unlock()

	data, err := cbor.Marshal(rec)
	if err != nil {
		return fmt.Errorf("failed to encode pin record: %w", err)
	}
	err = pb.db.Update(func(txn *badger.Txn) error {
		return txn.Set(pinKey(rec.NodeID), data)
	})
	if err != nil {
		return fmt.Errorf("failed to store pin for %s: %w", rec.NodeID, err)
	}
	return nil
}

// GetPin returns the pin record for nodeID. A missing record is reported
// via found=false, not an error.
func (pb *PeerBook) GetPin(nodeID string) (rec PinRecord, found bool, err error) {
	pb.mu.RLock()
	defer pb.mu.RUnlock()

	err = pb.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(pinKey(nodeID))
		if err == badger.ErrKeyNotFound {
			return nil
		}
		if err != nil {
			return err
		}
		found = true
		return item.Value(func(val []byte) error {
			return cbor.Unmarshal(val, &rec)
		})
	})
	if err != nil {
		return PinRecord{}, false, fmt.Errorf("failed to read pin for %s: %w", nodeID, err)
	}
	return rec, found, nil
}

// Pins returns all stored pin records.
func (pb *PeerBook) Pins() ([]PinRecord, error) {
	pb.mu.RLock()
	defer pb.mu.RUnlock()

	var out []PinRecord
	err := pb.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = pinPrefix
		it := txn.NewIterator(opts)
		defer it.Close()
		for it.Seek(pinPrefix); it.ValidForPrefix(pinPrefix); it.Next() {
			var rec PinRecord
			err := it.Item().Value(func(val []byte) error {
				return cbor.Unmarshal(val, &rec)
			})
			if err != nil {
				return err
			}
			out = append(out, rec)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to iterate pins: %w", err)
	}
	return out, nil
}

// DeletePin removes a pin record. Deleting an absent record is a no-op.
func (pb *PeerBook) DeletePin(nodeID string) error {
	pb.mu.Lock()
	defer pb.mu.Unlock()

	err := pb.db.Update(func(txn *badger.Txn) error {
		return txn.Delete(pinKey(nodeID))
	})
	if err != nil {
		return fmt.Errorf("failed to delete pin for %s: %w", nodeID, err)
	}
	return nil
}

// Close releases the underlying database.
func (pb *PeerBook) Close() error {
	pb.mu.Lock()
	defer pb.mu.Unlock()
	return pb.db.Close()
}
