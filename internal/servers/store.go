package servers

import (
	"sync"
	"time"
)

// Store is the narrow persistence contract the engine and sweeper depend on.
// Implementations must return copies: a caller never holds a pointer into
// store-internal state, so commits are atomic with respect to readers.
type Store interface {
	// Find looks a record up by identity: world UUID when set, otherwise the
	// (address, port) pair.
	Find(id Identity) (Record, bool)
	// Upsert commits a record, replacing any record with the same identity.
	Upsert(rec Record)
	// Update atomically applies fn to the record for id and commits the
	// result. fn runs inside the store's critical section, so concurrent
	// read-modify-write sequences for one identity cannot interleave.
	Update(id Identity, fn func(old Record, found bool) Record)
	// MarkOffline transitions a record to offline, keeping its data.
	MarkOffline(id Identity, now time.Time) bool
	// Online returns all currently online records.
	Online() []Record
	// PurgeOffline removes offline records whose last update is older than
	// cutoff, returning how many were dropped.
	PurgeOffline(cutoff time.Time) int
}

// MemoryStore is the in-process Store: a map of records behind one coarse
// mutex. Simple to reason about, and plenty for the announce rates a public
// list sees.
type MemoryStore struct {
	mu     sync.Mutex
	byUUID map[string]*Record
	byAddr map[string]*Record
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		byUUID: make(map[string]*Record),
		byAddr: make(map[string]*Record),
	}
}

// find returns the live pointer; callers must hold mu.
func (s *MemoryStore) find(id Identity) *Record {
	if id.WorldUUID != "" {
		if rec, ok := s.byUUID[id.WorldUUID]; ok {
			return rec
		}
		return nil
	}
	return s.byAddr[id.addrKey()]
}

func (s *MemoryStore) Find(id Identity) (Record, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec := s.find(id)
	if rec == nil {
		return Record{}, false
	}
	return *rec, true
}

func (s *MemoryStore) Upsert(rec Record) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.upsertLocked(rec)
}

func (s *MemoryStore) Update(id Identity, fn func(old Record, found bool) Record) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var old Record
	rec := s.find(id)
	if rec != nil {
		old = *rec
	}
	s.upsertLocked(fn(old, rec != nil))
}

// upsertLocked commits rec; callers must hold mu. A record displaced from the
// address index by a different identity is evicted from the uuid index too,
// so it cannot linger unreachable by Online or PurgeOffline.
func (s *MemoryStore) upsertLocked(rec Record) {
	old := s.find(rec.Identity())
	if old != nil {
		// The address may change for UUID-keyed records (server migrating
		// networks); keep the address index in sync.
		delete(s.byAddr, old.Identity().addrKey())
		if old.WorldUUID != "" && old.WorldUUID != rec.WorldUUID {
			delete(s.byUUID, old.WorldUUID)
		}
	}
	stored := rec
	key := stored.Identity().addrKey()
	if displaced, ok := s.byAddr[key]; ok && displaced.WorldUUID != "" && displaced.WorldUUID != stored.WorldUUID {
		delete(s.byUUID, displaced.WorldUUID)
	}
	if stored.WorldUUID != "" {
		s.byUUID[stored.WorldUUID] = &stored
	}
	s.byAddr[key] = &stored
}

func (s *MemoryStore) MarkOffline(id Identity, now time.Time) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec := s.find(id)
	if rec == nil || !rec.Online {
		return false
	}
	rec.SetOffline(now)
	return true
}

func (s *MemoryStore) Online() []Record {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Record, 0, len(s.byAddr))
	for _, rec := range s.byAddr {
		if rec.Online {
			out = append(out, *rec)
		}
	}
	return out
}

func (s *MemoryStore) PurgeOffline(cutoff time.Time) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	purged := 0
	for key, rec := range s.byAddr {
		if !rec.Online && rec.LastUpdate.Before(cutoff) {
			delete(s.byAddr, key)
			if rec.WorldUUID != "" {
				delete(s.byUUID, rec.WorldUUID)
			}
			purged++
		}
	}
	return purged
}
