package localstore

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"

	"github.com/dgraph-io/badger/v2"
)

// BadgerStore is a Store backed by an embedded github.com/dgraph-io/badger/v2
// database, one per node. Keys are namespaced
// shares/<comp_id>/<contributor_id>, partial_sums/<comp_id>,
// responses/<comp_id>, actions/<comp_id>/<seq>. Every method runs in its
// own Badger transaction, so concurrent calls are safe whether or not the
// caller holds the computation's state lock.
type BadgerStore struct {
	db *badger.DB
}

// NewBadgerStore opens (or creates) a Badger database rooted at dir.
// Badger's own logger is disabled in favor of the node's structured logger.
func NewBadgerStore(dir string) (*BadgerStore, error) {
	opts := badger.DefaultOptions(dir).WithLogger(nil)
	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("opening badger store at %s: %w", dir, err)
	}
	return &BadgerStore{db: db}, nil
}

func shareKey(compID, contributorID string) []byte {
	return []byte("shares/" + compID + "/" + contributorID)
}

func shareScanPrefix(compID string) []byte {
	return []byte("shares/" + compID + "/")
}

func partialSumKey(compID string) []byte {
	return []byte("partial_sums/" + compID)
}

func responseKey(compID string) []byte {
	return []byte("responses/" + compID)
}

func actionScanPrefix(compID string) []byte {
	return []byte("actions/" + compID + "/")
}

func actionKey(compID string, seq int) []byte {
	return []byte(string(actionScanPrefix(compID)) + strconv.Itoa(seq))
}

func (s *BadgerStore) PutShare(compID, contributorID string, share uint32) error {
	return s.db.Update(func(txn *badger.Txn) error {
		key := shareKey(compID, contributorID)
		if _, err := txn.Get(key); err == nil {
			return ErrDuplicateShare
		} else if err != badger.ErrKeyNotFound {
			return err
		}
		var buf [4]byte
		binary.BigEndian.PutUint32(buf[:], share)
		return txn.Set(key, buf[:])
	})
}

func (s *BadgerStore) GetShare(compID, contributorID string) (uint32, error) {
	var value uint32
	err := s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(shareKey(compID, contributorID))
		if err == badger.ErrKeyNotFound {
			return ErrNotFound
		}
		if err != nil {
			return err
		}
		return item.Value(func(v []byte) error {
			value = binary.BigEndian.Uint32(v)
			return nil
		})
	})
	return value, err
}

func (s *BadgerStore) ListShares(compID string) (map[string]uint32, error) {
	out := make(map[string]uint32)
	err := s.db.View(func(txn *badger.Txn) error {
		prefix := shareScanPrefix(compID)
		it := txn.NewIterator(badger.DefaultIteratorOptions)
		defer it.Close()
		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			item := it.Item()
			contributorID := strings.TrimPrefix(string(item.Key()), string(prefix))
			if err := item.Value(func(v []byte) error {
				out[contributorID] = binary.BigEndian.Uint32(v)
				return nil
			}); err != nil {
				return err
			}
		}
		return nil
	})
	return out, err
}

func (s *BadgerStore) PutResponse(compID string, r Response) error {
	data, err := json.Marshal(r)
	if err != nil {
		return err
	}
	return s.db.Update(func(txn *badger.Txn) error {
		return txn.Set(responseKey(compID), data)
	})
}

func (s *BadgerStore) GetResponse(compID string) (Response, error) {
	var r Response
	err := s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(responseKey(compID))
		if err == badger.ErrKeyNotFound {
			return ErrNotFound
		}
		if err != nil {
			return err
		}
		return item.Value(func(v []byte) error {
			return json.Unmarshal(v, &r)
		})
	})
	return r, err
}

func (s *BadgerStore) PutPartialSum(compID string, ps PartialSum) error {
	data, err := json.Marshal(ps)
	if err != nil {
		return err
	}
	return s.db.Update(func(txn *badger.Txn) error {
		return txn.Set(partialSumKey(compID), data)
	})
}

func (s *BadgerStore) GetPartialSum(compID string) (PartialSum, error) {
	var ps PartialSum
	err := s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(partialSumKey(compID))
		if err == badger.ErrKeyNotFound {
			return ErrNotFound
		}
		if err != nil {
			return err
		}
		return item.Value(func(v []byte) error {
			return json.Unmarshal(v, &ps)
		})
	})
	return ps, err
}

func (s *BadgerStore) AppendAction(a Action) error {
	data, err := json.Marshal(a)
	if err != nil {
		return err
	}
	return s.db.Update(func(txn *badger.Txn) error {
		return txn.Set(actionKey(a.CompID, a.Seq), data)
	})
}

func (s *BadgerStore) ListActions(compID string) ([]Action, error) {
	var out []Action
	err := s.db.View(func(txn *badger.Txn) error {
		prefix := actionScanPrefix(compID)
		it := txn.NewIterator(badger.DefaultIteratorOptions)
		defer it.Close()
		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			var a Action
			if err := it.Item().Value(func(v []byte) error {
				return json.Unmarshal(v, &a)
			}); err != nil {
				return err
			}
			out = append(out, a)
		}
		return nil
	})
	return out, err
}

func (s *BadgerStore) DeleteComputation(compID string) error {
	prefixes := [][]byte{
		shareScanPrefix(compID),
		actionScanPrefix(compID),
	}
	return s.db.Update(func(txn *badger.Txn) error {
		for _, prefix := range prefixes {
			it := txn.NewIterator(badger.DefaultIteratorOptions)
			var keys [][]byte
			for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
				keys = append(keys, append([]byte{}, it.Item().Key()...))
			}
			it.Close()
			for _, k := range keys {
				if err := txn.Delete(k); err != nil {
					return err
				}
			}
		}
		for _, k := range [][]byte{partialSumKey(compID), responseKey(compID)} {
			if err := txn.Delete(k); err != nil && err != badger.ErrKeyNotFound {
				return err
			}
		}
		return nil
	})
}

func (s *BadgerStore) Close() error {
	return s.db.Close()
}
