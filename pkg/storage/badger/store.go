// Copyright 2023 The gnatmq-go Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package badger implements storage.Store on top of BadgerDB, giving
// persistent sessions and retained messages a durable home across broker
// restarts.
package badger

import (
	"time"

	"github.com/dgraph-io/badger/v4"

	"github.com/turtacn/gnatmq-go/pkg/storage"
)

var _ storage.Store = (*Store)(nil)

// Store is a BadgerDB-backed storage.Store.
type Store struct {
	db       *badger.DB
	gcStopCh chan struct{}
	gcDone   chan struct{}
}

// Open opens (or creates) a BadgerDB store in dir and starts background
// value-log garbage collection.
func Open(dir string) (*Store, error) {
	opts := badger.DefaultOptions(dir)
	opts.Logger = nil
	// Session records are small and re-creatable from the live broker;
	// fsync per write costs far more than it buys here.
	opts.SyncWrites = false
	opts.NumVersionsToKeep = 1

	db, err := badger.Open(opts)
	if err != nil {
		return nil, err
	}

	s := &Store{
		db:       db,
		gcStopCh: make(chan struct{}),
		gcDone:   make(chan struct{}),
	}
	go s.runGC()
	return s, nil
}

// Get retrieves the value stored under key, or storage.ErrNotFound.
func (s *Store) Get(key string) ([]byte, error) {
	var value []byte
	err := s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get([]byte(key))
		if err != nil {
			if err == badger.ErrKeyNotFound {
				return storage.ErrNotFound
			}
			return err
		}
		value, err = item.ValueCopy(nil)
		return err
	})
	if err != nil {
		return nil, err
	}
	return value, nil
}

// Set adds or replaces the value stored under key.
func (s *Store) Set(key string, value []byte) error {
	return s.db.Update(func(txn *badger.Txn) error {
		return txn.Set([]byte(key), value)
	})
}

// Delete removes key.
func (s *Store) Delete(key string) error {
	return s.db.Update(func(txn *badger.Txn) error {
		return txn.Delete([]byte(key))
	})
}

// Scan returns every key/value pair whose key starts with prefix.
func (s *Store) Scan(prefix string) (map[string][]byte, error) {
	out := make(map[string][]byte)
	err := s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = []byte(prefix)
		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Rewind(); it.Valid(); it.Next() {
			item := it.Item()
			value, err := item.ValueCopy(nil)
			if err != nil {
				return err
			}
			out[string(item.Key())] = value
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// Close stops garbage collection and closes the database.
func (s *Store) Close() error {
	close(s.gcStopCh)
	<-s.gcDone
	return s.db.Close()
}

// runGC periodically rewrites the value log to reclaim space.
func (s *Store) runGC() {
	defer close(s.gcDone)
	ticker := time.NewTicker(5 * time.Minute)
	defer ticker.Stop()

	for {
		select {
		case <-s.gcStopCh:
			return
		case <-ticker.C:
			// ErrNoRewrite just means there was nothing to reclaim.
			for s.db.RunValueLogGC(0.5) == nil {
			}
		}
	}
}
