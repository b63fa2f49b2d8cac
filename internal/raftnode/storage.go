package raftnode

import (
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/gogo/protobuf/proto"
	bolt "go.etcd.io/bbolt"
	"go.etcd.io/etcd/raft/v3"
	"go.etcd.io/etcd/raft/v3/raftpb"
)

var (
	bucketEntries = []byte("entries")
	bucketMeta    = []byte("meta")

	keyHardState = []byte("hardstate")
	keyConfState = []byte("confstate")
	keySnapshot  = []byte("snapshot")
	keyCompacted = []byte("compacted")
	keyApplied   = []byte("applied")
	keyPeers     = []byte("peers")
)

const storageFile = "raft.db"

// Storage is a raft.Storage persisted in bbolt. The log is mirrored in
// memory; ents[0] is a dummy entry carrying the index and term of the
// last compacted entry.
type Storage struct {
	mu sync.RWMutex
	db *bolt.DB

	hardState raftpb.HardState
	confState raftpb.ConfState
	snapshot  raftpb.Snapshot
	ents      []raftpb.Entry
	applied   uint64
	peers     []string
}

// OpenStorage opens or creates the log under dir.
func OpenStorage(dir string) (*Storage, error) {
	if dir == "" {
		return nil, fmt.Errorf("raft storage dir is empty")
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}
	db, err := bolt.Open(filepath.Join(dir, storageFile), 0o600, &bolt.Options{Timeout: time.Second})
	if err != nil {
		return nil, fmt.Errorf("open raft storage: %w", err)
	}
	s := &Storage{db: db, ents: make([]raftpb.Entry, 1)}
	if err := s.load(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

func (s *Storage) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.db == nil {
		return nil
	}
	err := s.db.Close()
	s.db = nil
	return err
}

func (s *Storage) load() error {
	return s.db.Update(func(tx *bolt.Tx) error {
		meta, err := tx.CreateBucketIfNotExists(bucketMeta)
		if err != nil {
			return err
		}
		entries, err := tx.CreateBucketIfNotExists(bucketEntries)
		if err != nil {
			return err
		}
		if err := getMessage(meta, keyHardState, &s.hardState); err != nil {
			return err
		}
		if err := getMessage(meta, keyConfState, &s.confState); err != nil {
			return err
		}
		if err := getMessage(meta, keySnapshot, &s.snapshot); err != nil {
			return err
		}
		if v := meta.Get(keyCompacted); len(v) == 16 {
			s.ents[0].Index = binary.BigEndian.Uint64(v[:8])
			s.ents[0].Term = binary.BigEndian.Uint64(v[8:])
		}
		if v := meta.Get(keyApplied); len(v) == 8 {
			s.applied = binary.BigEndian.Uint64(v)
		}
		if v := meta.Get(keyPeers); v != nil {
			if err := json.Unmarshal(v, &s.peers); err != nil {
				return fmt.Errorf("raft storage: decode peers: %w", err)
			}
		}
		return entries.ForEach(func(_, v []byte) error {
			var e raftpb.Entry
			if err := e.Unmarshal(v); err != nil {
				return err
			}
			if e.Index <= s.ents[0].Index {
				return nil
			}
			if want := s.lastIndexLocked() + 1; e.Index != want {
				return fmt.Errorf("raft storage: gap at index %d, want %d", e.Index, want)
			}
			s.ents = append(s.ents, e)
			return nil
		})
	})
}

// IsEmpty reports whether nothing was ever persisted.
func (s *Storage) IsEmpty() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return raft.IsEmptyHardState(s.hardState) && raft.IsEmptySnap(s.snapshot) &&
		len(s.ents) == 1 && len(s.confState.Voters) == 0
}

func (s *Storage) InitialState() (raftpb.HardState, raftpb.ConfState, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.hardState, *proto.Clone(&s.confState).(*raftpb.ConfState), nil
}

func (s *Storage) Entries(lo, hi, maxSize uint64) ([]raftpb.Entry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	offset := s.ents[0].Index
	if lo <= offset {
		return nil, raft.ErrCompacted
	}
	if hi > s.lastIndexLocked()+1 {
		return nil, raft.ErrUnavailable
	}
	if len(s.ents) == 1 {
		return nil, raft.ErrUnavailable
	}
	ents := cloneEntries(s.ents[lo-offset : hi-offset])
	return limitSize(ents, maxSize), nil
}

func (s *Storage) Term(i uint64) (uint64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	offset := s.ents[0].Index
	if i < offset {
		return 0, raft.ErrCompacted
	}
	if int(i-offset) >= len(s.ents) {
		return 0, raft.ErrUnavailable
	}
	return s.ents[i-offset].Term, nil
}

func (s *Storage) LastIndex() (uint64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.lastIndexLocked(), nil
}

func (s *Storage) FirstIndex() (uint64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.ents[0].Index + 1, nil
}

func (s *Storage) Snapshot() (raftpb.Snapshot, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return cloneSnapshot(s.snapshot), nil
}

func (s *Storage) lastIndexLocked() uint64 {
	return s.ents[0].Index + uint64(len(s.ents)) - 1
}

// Save persists one Ready in a single transaction: snapshot first, then
// entries, then the hard state.
func (s *Storage) Save(hs raftpb.HardState, ents []raftpb.Entry, snap raftpb.Snapshot) error {
	if !raft.IsEmptySnap(snap) {
		if err := s.ApplySnapshot(snap); err != nil {
			return err
		}
	}
	if err := s.Append(ents); err != nil {
		return err
	}
	if !raft.IsEmptyHardState(hs) {
		return s.SetHardState(hs)
	}
	return nil
}

func (s *Storage) SetHardState(hs raftpb.HardState) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.update(func(meta, _ *bolt.Bucket) error {
		return putMessage(meta, keyHardState, &hs)
	}); err != nil {
		return err
	}
	s.hardState = hs
	return nil
}

func (s *Storage) SetConfState(cs *raftpb.ConfState) error {
	if cs == nil {
		return nil
	}
	cloned := proto.Clone(cs).(*raftpb.ConfState)
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.update(func(meta, _ *bolt.Bucket) error {
		return putMessage(meta, keyConfState, cloned)
	}); err != nil {
		return err
	}
	s.confState = *cloned
	return nil
}

func (s *Storage) ConfState() raftpb.ConfState {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return *proto.Clone(&s.confState).(*raftpb.ConfState)
}

// SetApplied records the highest applied index so a restart does not
// apply entries twice.
func (s *Storage) SetApplied(index uint64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if index <= s.applied {
		return nil
	}
	if err := s.update(func(meta, _ *bolt.Bucket) error {
		return meta.Put(keyApplied, u64(index))
	}); err != nil {
		return err
	}
	s.applied = index
	return nil
}

func (s *Storage) Applied() uint64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.applied
}

// SetPeers records the addresses of the current members.
func (s *Storage) SetPeers(peers []string) error {
	data, err := json.Marshal(peers)
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.update(func(meta, _ *bolt.Bucket) error {
		return meta.Put(keyPeers, data)
	}); err != nil {
		return err
	}
	s.peers = append([]string(nil), peers...)
	return nil
}

func (s *Storage) Peers() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]string(nil), s.peers...)
}

// Append adds entries, replacing any conflicting suffix.
func (s *Storage) Append(entries []raftpb.Entry) error {
	if len(entries) == 0 {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	first := s.ents[0].Index + 1
	last := entries[0].Index + uint64(len(entries)) - 1
	if last < first {
		return nil
	}
	if first > entries[0].Index {
		entries = entries[first-entries[0].Index:]
	}

	offset := entries[0].Index - s.ents[0].Index
	if uint64(len(s.ents)) < offset {
		return fmt.Errorf("raft storage: missing log entry [last: %d, append at: %d]",
			s.lastIndexLocked(), entries[0].Index)
	}

	if err := s.update(func(_, bucket *bolt.Bucket) error {
		// drop the conflicting suffix
		var stale [][]byte
		c := bucket.Cursor()
		for k, _ := c.Seek(u64(entries[0].Index)); k != nil; k, _ = c.Next() {
			stale = append(stale, append([]byte(nil), k...))
		}
		for _, k := range stale {
			if err := bucket.Delete(k); err != nil {
				return err
			}
		}
		for i := range entries {
			data, err := entries[i].Marshal()
			if err != nil {
				return err
			}
			if err := bucket.Put(u64(entries[i].Index), data); err != nil {
				return err
			}
		}
		return nil
	}); err != nil {
		return err
	}

	kept := append([]raftpb.Entry{}, s.ents[:offset]...)
	s.ents = append(kept, cloneEntries(entries)...)
	return nil
}

// ApplySnapshot replaces the log with the snapshot's state.
func (s *Storage) ApplySnapshot(snap raftpb.Snapshot) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if snap.Metadata.Index <= s.snapshot.Metadata.Index {
		return raft.ErrSnapOutOfDate
	}
	cs := snap.Metadata.ConfState
	if err := s.update(func(meta, bucket *bolt.Bucket) error {
		if err := clearBucket(bucket, nil); err != nil {
			return err
		}
		if err := putMessage(meta, keySnapshot, &snap); err != nil {
			return err
		}
		if err := putMessage(meta, keyConfState, &cs); err != nil {
			return err
		}
		return meta.Put(keyCompacted, indexTerm(snap.Metadata.Index, snap.Metadata.Term))
	}); err != nil {
		return err
	}
	s.snapshot = cloneSnapshot(snap)
	s.confState = *proto.Clone(&cs).(*raftpb.ConfState)
	s.ents = []raftpb.Entry{{Index: snap.Metadata.Index, Term: snap.Metadata.Term}}
	return nil
}

// CreateSnapshot records a snapshot at index i. The log is untouched; call
// Compact to release entries.
func (s *Storage) CreateSnapshot(i uint64, cs *raftpb.ConfState, data []byte) (raftpb.Snapshot, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if i <= s.snapshot.Metadata.Index {
		return raftpb.Snapshot{}, raft.ErrSnapOutOfDate
	}
	offset := s.ents[0].Index
	if i > s.lastIndexLocked() {
		return raftpb.Snapshot{}, fmt.Errorf("raft storage: snapshot %d is out of bound lastindex(%d)",
			i, s.lastIndexLocked())
	}

	snap := raftpb.Snapshot{
		Data: append([]byte(nil), data...),
		Metadata: raftpb.SnapshotMetadata{
			Index: i,
			Term:  s.ents[i-offset].Term,
		},
	}
	if cs != nil {
		snap.Metadata.ConfState = *proto.Clone(cs).(*raftpb.ConfState)
	} else {
		snap.Metadata.ConfState = *proto.Clone(&s.confState).(*raftpb.ConfState)
	}
	if err := s.update(func(meta, _ *bolt.Bucket) error {
		return putMessage(meta, keySnapshot, &snap)
	}); err != nil {
		return raftpb.Snapshot{}, err
	}
	s.snapshot = snap
	return cloneSnapshot(snap), nil
}

// Compact discards entries up to and including compactIndex.
func (s *Storage) Compact(compactIndex uint64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	offset := s.ents[0].Index
	if compactIndex <= offset {
		return raft.ErrCompacted
	}
	if compactIndex > s.lastIndexLocked() {
		return fmt.Errorf("raft storage: compact %d is out of bound lastindex(%d)",
			compactIndex, s.lastIndexLocked())
	}
	i := compactIndex - offset
	term := s.ents[i].Term
	if err := s.update(func(meta, bucket *bolt.Bucket) error {
		if err := clearBucket(bucket, u64(compactIndex)); err != nil {
			return err
		}
		return meta.Put(keyCompacted, indexTerm(compactIndex, term))
	}); err != nil {
		return err
	}
	ents := make([]raftpb.Entry, 1, uint64(len(s.ents))-i)
	ents[0].Index = compactIndex
	ents[0].Term = term
	s.ents = append(ents, s.ents[i+1:]...)
	return nil
}

var errClosed = errors.New("raft storage: closed")

func (s *Storage) update(fn func(meta, entries *bolt.Bucket) error) error {
	if s.db == nil {
		return errClosed
	}
	return s.db.Update(func(tx *bolt.Tx) error {
		return fn(tx.Bucket(bucketMeta), tx.Bucket(bucketEntries))
	})
}

// clearBucket deletes keys up to and including upTo, or every key when
// upTo is nil.
func clearBucket(b *bolt.Bucket, upTo []byte) error {
	var keys [][]byte
	c := b.Cursor()
	for k, _ := c.First(); k != nil; k, _ = c.Next() {
		if upTo != nil && string(k) > string(upTo) {
			break
		}
		keys = append(keys, append([]byte(nil), k...))
	}
	for _, k := range keys {
		if err := b.Delete(k); err != nil {
			return err
		}
	}
	return nil
}

func putMessage(b *bolt.Bucket, key []byte, msg proto.Message) error {
	data, err := proto.Marshal(msg)
	if err != nil {
		return err
	}
	return b.Put(key, data)
}

func getMessage(b *bolt.Bucket, key []byte, msg proto.Message) error {
	v := b.Get(key)
	if v == nil {
		return nil
	}
	return proto.Unmarshal(v, msg)
}

func u64(v uint64) []byte {
	var buf [8]byte
	binary.BigEndian.PutUint64(buf[:], v)
	return buf[:]
}

func indexTerm(index, term uint64) []byte {
	buf := make([]byte, 16)
	binary.BigEndian.PutUint64(buf[:8], index)
	binary.BigEndian.PutUint64(buf[8:], term)
	return buf
}

func cloneEntries(entries []raftpb.Entry) []raftpb.Entry {
	if len(entries) == 0 {
		return nil
	}
	cp := make([]raftpb.Entry, len(entries))
	for i := range entries {
		cp[i] = entries[i]
		if entries[i].Data != nil {
			cp[i].Data = append([]byte(nil), entries[i].Data...)
		}
	}
	return cp
}

func limitSize(entries []raftpb.Entry, maxSize uint64) []raftpb.Entry {
	if len(entries) == 0 || maxSize == 0 {
		return entries
	}
	size := uint64(entries[0].Size())
	for i := 1; i < len(entries); i++ {
		size += uint64(entries[i].Size())
		if size > maxSize {
			return entries[:i]
		}
	}
	return entries
}

func cloneSnapshot(snap raftpb.Snapshot) raftpb.Snapshot {
	cp := snap
	if snap.Data != nil {
		cp.Data = append([]byte(nil), snap.Data...)
	}
	return cp
}
