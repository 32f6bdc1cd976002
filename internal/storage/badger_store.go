// Package storage keeps the latest state of every live machine in Badger so
// a restarted simulator can restore its cluster.
package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"path/filepath"
	"sort"

	"github.com/3cpo-dev/fleetsim/internal/sim"
	badger "github.com/dgraph-io/badger/v4"
	"github.com/rs/zerolog/log"
)

var ErrNotFound = errors.New("not found")

const machinePrefix = "machine:"

// BadgerStore persists machines as JSON under machine:<id>.
type BadgerStore struct {
	db *badger.DB
}

func NewBadgerStore(path string) (*BadgerStore, error) {
	opts := badger.DefaultOptions(filepath.Clean(path))
	opts.Logger = nil                         // badger logs are noise next to zerolog
	opts = opts.WithValueLogFileSize(1 << 20) // small value log, records are tiny
	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("open badger %s: %w", path, err)
	}
	return &BadgerStore{db: db}, nil
}

func (s *BadgerStore) Close() error {
	return s.db.Close()
}

func machineKey(id string) []byte {
	return []byte(machinePrefix + id)
}

func (s *BadgerStore) SaveMachine(ctx context.Context, m sim.Machine) error {
	data, err := json.Marshal(m)
	if err != nil {
		return err
	}
	return s.db.Update(func(txn *badger.Txn) error {
		return txn.Set(machineKey(m.ID), data)
	})
}

func (s *BadgerStore) GetMachine(ctx context.Context, id string) (*sim.Machine, error) {
	var out sim.Machine
	err := s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(machineKey(id))
		if err != nil {
			if errors.Is(err, badger.ErrKeyNotFound) {
				return ErrNotFound
			}
			return err
		}
		return item.Value(func(v []byte) error {
			return json.Unmarshal(v, &out)
		})
	})
	if err != nil {
		return nil, err
	}
	return &out, nil
}

func (s *BadgerStore) DeleteMachine(ctx context.Context, id string) error {
	return s.db.Update(func(txn *badger.Txn) error {
		return txn.Delete(machineKey(id))
	})
}

// ListMachines returns every stored machine ordered by creation time.
func (s *BadgerStore) ListMachines(ctx context.Context) ([]sim.Machine, error) {
	var out []sim.Machine
	err := s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = []byte(machinePrefix)
		it := txn.NewIterator(opts)
		defer it.Close()
		for it.Rewind(); it.Valid(); it.Next() {
			if err := ctx.Err(); err != nil {
				return err
			}
			var m sim.Machine
			if err := it.Item().Value(func(v []byte) error {
				return json.Unmarshal(v, &m)
			}); err != nil {
				return fmt.Errorf("decode %s: %w", it.Item().Key(), err)
			}
			out = append(out, m)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

// Tracker keeps the store in step with the orchestrator. Every status change
// is saved, including ones that emit no event, and a machine is dropped once
// it starts being destroyed.
func (s *BadgerStore) Tracker() sim.TransitionListener {
	return func(m sim.Machine) {
		ctx := context.Background()
		var err error
		switch m.Status {
		case sim.MachineDestroying, sim.MachineDestroyed:
			err = s.DeleteMachine(ctx, m.ID)
		default:
			err = s.SaveMachine(ctx, m)
		}
		if err != nil {
			log.Warn().Err(err).Str("machine", m.ID).Str("status", string(m.Status)).Msg("Failed to persist machine")
		}
	}
}
