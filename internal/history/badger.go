// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

package history

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/ManuGH/tspipe/internal/pipeline"
	"github.com/dgraph-io/badger/v4"
)

// Badger keeps reports in a badger directory:
//   - run:<id>            report JSON
//   - idx:<started>:<id>  empty, ordered by start time (20-digit nanoseconds)
type Badger struct {
	db *badger.DB
}

const (
	runPrefix = "run:"
	idxPrefix = "idx:"
)

func OpenBadger(path string) (*Badger, error) {
	opts := badger.DefaultOptions(path).WithLogger(nil)
	if path == "" {
		opts = opts.WithInMemory(true)
	}
	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("open badger history %s: %w", path, err)
	}
	return &Badger{db: db}, nil
}

func runKey(id string) []byte { return []byte(runPrefix + id) }

func indexKey(rep pipeline.Report) []byte {
	return []byte(fmt.Sprintf("%s%020d:%s", idxPrefix, rep.StartedAt.UnixNano(), rep.RunID))
}

func (b *Badger) Put(_ context.Context, rep pipeline.Report) error {
	if err := checkReport(rep); err != nil {
		return err
	}
	buf, err := json.Marshal(rep)
	if err != nil {
		return fmt.Errorf("encode report: %w", err)
	}
	return b.db.Update(func(txn *badger.Txn) error {
		// A replaced report may have moved in time.
		if old, err := getReport(txn, rep.RunID); err == nil {
			if err := txn.Delete(indexKey(old)); err != nil {
				return err
			}
		} else if !errors.Is(err, ErrNotFound) {
			return err
		}
		if err := txn.Set(runKey(rep.RunID), buf); err != nil {
			return err
		}
		return txn.Set(indexKey(rep), nil)
	})
}

func getReport(txn *badger.Txn, id string) (pipeline.Report, error) {
	item, err := txn.Get(runKey(id))
	if errors.Is(err, badger.ErrKeyNotFound) {
		return pipeline.Report{}, ErrNotFound
	}
	if err != nil {
		return pipeline.Report{}, err
	}
	var rep pipeline.Report
	err = item.Value(func(val []byte) error {
		return json.Unmarshal(val, &rep)
	})
	return rep, err
}

func (b *Badger) Get(_ context.Context, runID string) (pipeline.Report, error) {
	var rep pipeline.Report
	err := b.db.View(func(txn *badger.Txn) error {
		var err error
		rep, err = getReport(txn, runID)
		return err
	})
	return rep, err
}

// newest walks the index from the most recent start time, calling fn with
// each run ID until fn returns false.
func newest(txn *badger.Txn, fn func(id string, key []byte) bool) {
	opts := badger.DefaultIteratorOptions
	opts.PrefetchValues = false
	opts.Reverse = true
	it := txn.NewIterator(opts)
	defer it.Close()

	// Reverse iteration seeks to the last key not greater than the seek key.
	seek := append([]byte(idxPrefix), 0xFF)
	prefix := []byte(idxPrefix)
	for it.Seek(seek); it.ValidForPrefix(prefix); it.Next() {
		key := it.Item().KeyCopy(nil)
		// idx: + 20 digits + ':'
		id := string(key[len(idxPrefix)+21:])
		if !fn(id, key) {
			return
		}
	}
}

func (b *Badger) List(_ context.Context, limit int) ([]pipeline.Report, error) {
	limit = limitOrDefault(limit)
	var out []pipeline.Report
	err := b.db.View(func(txn *badger.Txn) error {
		var ids []string
		newest(txn, func(id string, _ []byte) bool {
			ids = append(ids, id)
			return len(ids) < limit
		})
		for _, id := range ids {
			rep, err := getReport(txn, id)
			if err != nil {
				return fmt.Errorf("load run %s: %w", id, err)
			}
			out = append(out, rep)
		}
		return nil
	})
	return out, err
}

func (b *Badger) Prune(_ context.Context, keep int) (int, error) {
	if keep < 0 {
		keep = 0
	}
	removed := 0
	err := b.db.Update(func(txn *badger.Txn) error {
		type victim struct {
			id  string
			key []byte
		}
		var victims []victim
		seen := 0
		newest(txn, func(id string, key []byte) bool {
			seen++
			if seen > keep {
				victims = append(victims, victim{id, key})
			}
			return true
		})
		for _, v := range victims {
			if err := txn.Delete(v.key); err != nil {
				return err
			}
			if err := txn.Delete(runKey(v.id)); err != nil {
				return err
			}
		}
		removed = len(victims)
		return nil
	})
	if err != nil {
		return 0, err
	}
	return removed, nil
}

func (b *Badger) Close() error { return b.db.Close() }
