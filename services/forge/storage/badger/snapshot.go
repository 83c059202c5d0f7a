// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package badger

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/dgraph-io/badger/v4"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/AleutianAI/forge/pkg/validation"
	"github.com/AleutianAI/forge/services/forge/graph"
)

var tracer = otel.Tracer("forge.storage")

var (
	// ErrSnapshotNotFound is returned for an unknown snapshot name.
	ErrSnapshotNotFound = errors.New("snapshot not found")

	// ErrRecordNotFound is returned for a key missing from a snapshot.
	ErrRecordNotFound = errors.New("record not found in snapshot")

	// ErrKeyTooLarge is returned by Export for a node key badger cannot store.
	ErrKeyTooLarge = errors.New("snapshot key too large")
)

// maxKeySize mirrors badger's own limit on key length.
const maxKeySize = 65000

// Manifest describes an exported snapshot.
type Manifest struct {
	Name       string    `json:"name"`
	Version    uint64    `json:"version"`
	Records    int       `json:"records"`
	Errors     int       `json:"errors"`
	ExportedAt time.Time `json:"exported_at"`
}

// Record is one exported node.
type Record struct {
	Key        string          `json:"key"`
	Kind       string          `json:"kind"`
	State      string          `json:"state"`
	Value      json.RawMessage `json:"value,omitempty"`
	Error      string          `json:"error,omitempty"`
	Deps       []string        `json:"deps,omitempty"`
	ChangedAt  uint64          `json:"changed_at"`
	VerifiedAt uint64          `json:"verified_at"`

	// Opaque is set when the value could not be encoded as JSON; Value then
	// holds its printed form as a JSON string.
	Opaque bool `json:"opaque,omitempty"`
}

// NewRecord converts a snapshot entry.
func NewRecord(e graph.Entry) Record {
	r := Record{
		Key:        e.Key.String(),
		Kind:       string(e.Key.Kind),
		State:      e.State.String(),
		ChangedAt:  uint64(e.ChangedAt),
		VerifiedAt: uint64(e.VerifiedAt),
	}
	if e.Err != nil {
		r.Error = e.Err.Error()
	}
	for _, d := range e.Deps {
		r.Deps = append(r.Deps, d.String())
	}
	if e.State == graph.StateDone {
		data, err := json.Marshal(e.Value)
		if err != nil {
			data, _ = json.Marshal(fmt.Sprint(e.Value))
			r.Opaque = true
		}
		r.Value = data
	}
	return r
}

func prefix(name string) []byte      { return []byte("snap/" + name + "/") }
func manifestKey(name string) []byte { return []byte("snap/" + name + "/manifest") }
func nodeKey(name, key string) []byte {
	return []byte("snap/" + name + "/node/" + key)
}

// Export writes snap under name, replacing any previous export of that name.
//
// Outputs:
//
//	Manifest - What was written.
//	error - Encoding or storage failure.
func (s *Store) Export(ctx context.Context, name string, snap *graph.Snapshot) (Manifest, error) {
	ctx, span := tracer.Start(ctx, "storage.Export",
		trace.WithAttributes(attribute.String("snapshot.name", name), attribute.Int("snapshot.entries", snap.Len())),
	)
	defer span.End()

	if err := validation.ValidateSnapshotName(name); err != nil {
		return Manifest{}, err
	}
	if err := ctx.Err(); err != nil {
		return Manifest{}, err
	}

	m := Manifest{Name: name, Version: uint64(snap.Version()), ExportedAt: time.Now().UTC()}
	type kv struct{ key, value []byte }
	entries := make([]kv, 0, snap.Len()+1)

	var encodeErr error
	snap.Range(func(e graph.Entry) bool {
		rec := NewRecord(e)
		k := nodeKey(name, rec.Key)
		if len(k) > maxKeySize {
			encodeErr = fmt.Errorf("%w: %d bytes", ErrKeyTooLarge, len(k))
			return false
		}
		data, err := json.Marshal(rec)
		if err != nil {
			encodeErr = fmt.Errorf("encode %s: %w", rec.Key, err)
			return false
		}
		entries = append(entries, kv{k, data})
		m.Records++
		if rec.Error != "" {
			m.Errors++
		}
		return true
	})
	if encodeErr != nil {
		return Manifest{}, encodeErr
	}
	data, err := json.Marshal(m)
	if err != nil {
		return Manifest{}, err
	}
	entries = append(entries, kv{manifestKey(name), data})
	if err := ctx.Err(); err != nil {
		return Manifest{}, err
	}

	// The previous export is only dropped once the new one is fully encoded.
	if err := s.db.DropPrefix(prefix(name)); err != nil {
		return Manifest{}, fmt.Errorf("drop previous snapshot %s: %w", name, err)
	}
	wb := s.db.NewWriteBatch()
	defer wb.Cancel()
	for _, e := range entries {
		if err := wb.Set(e.key, e.value); err != nil {
			return Manifest{}, fmt.Errorf("write %s: %w", e.key, err)
		}
	}
	if err := wb.Flush(); err != nil {
		return Manifest{}, fmt.Errorf("flush snapshot %s: %w", name, err)
	}

	s.logger.Info("snapshot exported",
		slog.String("name", name),
		slog.Int("records", m.Records),
		slog.Uint64("version", m.Version),
	)
	return m, nil
}

// Manifest returns the manifest of an exported snapshot.
func (s *Store) Manifest(ctx context.Context, name string) (Manifest, error) {
	var m Manifest
	err := s.read(ctx, func(txn *badger.Txn) error {
		item, err := txn.Get(manifestKey(name))
		if errors.Is(err, badger.ErrKeyNotFound) {
			return fmt.Errorf("%w: %s", ErrSnapshotNotFound, name)
		}
		if err != nil {
			return err
		}
		return item.Value(func(v []byte) error { return json.Unmarshal(v, &m) })
	})
	return m, err
}

// Get returns one record by its key string, e.g. "build:app".
func (s *Store) Get(ctx context.Context, name, key string) (Record, error) {
	var r Record
	err := s.read(ctx, func(txn *badger.Txn) error {
		item, err := txn.Get(nodeKey(name, key))
		if errors.Is(err, badger.ErrKeyNotFound) {
			return fmt.Errorf("%w: %s", ErrRecordNotFound, key)
		}
		if err != nil {
			return err
		}
		return item.Value(func(v []byte) error { return json.Unmarshal(v, &r) })
	})
	return r, err
}

// List calls fn for each record of a snapshot in key order, optionally only
// those of one kind, until fn returns false.
func (s *Store) List(ctx context.Context, name string, kind string, fn func(Record) bool) error {
	p := []byte("snap/" + name + "/node/")
	if kind != "" {
		p = append(p, kind+":"...)
	}
	return s.read(ctx, func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = p
		it := txn.NewIterator(opts)
		defer it.Close()
		for it.Rewind(); it.Valid(); it.Next() {
			if err := ctx.Err(); err != nil {
				return err
			}
			var r Record
			if err := it.Item().Value(func(v []byte) error { return json.Unmarshal(v, &r) }); err != nil {
				return err
			}
			if !fn(r) {
				return nil
			}
		}
		return nil
	})
}

// Names returns the names of all exported snapshots, sorted.
func (s *Store) Names(ctx context.Context) ([]string, error) {
	var names []string
	err := s.read(ctx, func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.PrefetchValues = false
		opts.Prefix = []byte("snap/")
		it := txn.NewIterator(opts)
		defer it.Close()
		for it.Rewind(); it.Valid(); it.Next() {
			k := string(it.Item().Key())
			if rest, ok := strings.CutSuffix(strings.TrimPrefix(k, "snap/"), "/manifest"); ok && !strings.Contains(rest, "/") {
				names = append(names, rest)
			}
		}
		return nil
	})
	return names, err
}

func (s *Store) read(ctx context.Context, fn func(*badger.Txn) error) error {
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("context cancelled: %w", err)
	}
	return s.db.View(fn)
}
