package storage

import (
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"
)

// StreamID is the (milliseconds, sequence) pair that totally orders
// stream entries.
type StreamID struct {
	Ms  uint64
	Seq uint64
}

var (
	streamIDMin = StreamID{0, 0}
	streamIDMax = StreamID{^uint64(0), ^uint64(0)}
)

func (id StreamID) Less(other StreamID) bool {
	if id.Ms != other.Ms {
		return id.Ms < other.Ms
	}
	return id.Seq < other.Seq
}

func (id StreamID) LessEq(other StreamID) bool {
	return !other.Less(id)
}

func (id StreamID) String() string {
	return fmt.Sprintf("%d-%d", id.Ms, id.Seq)
}

// StreamEntry is one appended record: an ID plus a flat, even-length
// sequence of field/value strings.
type StreamEntry struct {
	ID     StreamID
	Fields []string
}

// StreamStore holds every stream key and wakes blocked XREAD callers
// whenever any key is appended to.
type StreamStore struct {
	mu      sync.Mutex
	cond    *sync.Cond
	streams map[string][]StreamEntry
}

func NewStreamStore() *StreamStore {
	s := &StreamStore{streams: make(map[string][]StreamEntry)}
	s.cond = sync.NewCond(&s.mu)
	return s
}

// Exists reports whether key already holds a stream (even an empty
// append target created implicitly doesn't count — only a successful
// XADD creates the key).
func (s *StreamStore) Exists(key string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.streams[key]
	return ok
}

// Keys returns every stream key currently present, in unspecified order.
func (s *StreamStore) Keys() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	keys := make([]string, 0, len(s.streams))
	for k := range s.streams {
		keys = append(keys, k)
	}
	return keys
}

func (s *StreamStore) lastIDLocked(key string) (StreamID, bool) {
	entries := s.streams[key]
	if len(entries) == 0 {
		return StreamID{}, false
	}
	return entries[len(entries)-1].ID, true
}

// ResolveAndAppend resolves the ID an XADD call with the given id-spec
// should use, per spec.md's §4.3 table, and appends the entry under the
// same lock acquisition. Resolving and appending separately would let
// two concurrent XADDs on the same key with id-spec "*" both resolve to
// the same ID before either appends, so this is the only entry point
// XADD uses. nowMs is the caller-supplied current time in milliseconds
// (a parameter so tests are deterministic).
func (s *StreamStore) ResolveAndAppend(key, idSpec string, nowMs uint64, fields []string) (StreamID, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	last, hasLast := s.lastIDLocked(key)
	id, err := resolveStreamID(idSpec, nowMs, last, hasLast)
	if err != nil {
		return StreamID{}, err
	}

	s.streams[key] = append(s.streams[key], StreamEntry{ID: id, Fields: fields})
	s.cond.Broadcast()
	return id, nil
}

func resolveStreamID(idSpec string, nowMs uint64, last StreamID, hasLast bool) (StreamID, error) {
	if idSpec == "*" {
		if hasLast && last.Ms == nowMs {
			return StreamID{Ms: nowMs, Seq: last.Seq + 1}, nil
		}
		return StreamID{Ms: nowMs, Seq: 0}, nil
	}

	msPart, seqPart, hasSeqPart := strings.Cut(idSpec, "-")

	ms, err := strconv.ParseUint(msPart, 10, 64)
	if err != nil {
		return StreamID{}, fmt.Errorf("invalid stream ID %q", idSpec)
	}

	if hasSeqPart && seqPart == "*" {
		var seq uint64
		if hasLast && last.Ms == ms {
			seq = last.Seq + 1
		} else if ms == 0 {
			seq = 1
		}
		id := StreamID{Ms: ms, Seq: seq}
		return checkMonotonic(id, last, hasLast)
	}

	if !hasSeqPart {
		return StreamID{}, fmt.Errorf("invalid stream ID %q", idSpec)
	}

	seq, err := strconv.ParseUint(seqPart, 10, 64)
	if err != nil {
		return StreamID{}, fmt.Errorf("invalid stream ID %q", idSpec)
	}

	id := StreamID{Ms: ms, Seq: seq}
	return checkMonotonic(id, last, hasLast)
}

func checkMonotonic(id, last StreamID, hasLast bool) (StreamID, error) {
	if id == streamIDMin {
		return StreamID{}, ErrStreamIDZero
	}
	if hasLast && id.LessEq(last) {
		return StreamID{}, ErrStreamIDTooSmall
	}
	return id, nil
}

// LastID returns the current max ID for key, or (0,0)/false if the
// stream is empty or absent — used by XREAD's "$" horizon snapshot.
func (s *StreamStore) LastID(key string) (StreamID, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastIDLocked(key)
}

// Range returns every entry with start <= id <= end, in stored order.
func (s *StreamStore) Range(key string, start, end StreamID) []StreamEntry {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []StreamEntry
	for _, e := range s.streams[key] {
		if start.LessEq(e.ID) && e.ID.LessEq(end) {
			out = append(out, e)
		}
	}
	return out
}

// After returns every entry with id strictly greater than after.
func (s *StreamStore) After(key string, after StreamID) []StreamEntry {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []StreamEntry
	for _, e := range s.streams[key] {
		if after.Less(e.ID) {
			out = append(out, e)
		}
	}
	return out
}

// collectAfterLocked must be called with s.mu held.
func (s *StreamStore) collectAfterLocked(keys []string, ids []StreamID) map[string][]StreamEntry {
	results := make(map[string][]StreamEntry)
	for i, key := range keys {
		var entries []StreamEntry
		for _, e := range s.streams[key] {
			if ids[i].Less(e.ID) {
				entries = append(entries, e)
			}
		}
		if len(entries) > 0 {
			results[key] = entries
		}
	}
	return results
}

// ReadBlocking implements XREAD's collect-or-wait loop. ids must be
// already resolved (a "$" id-spec is expected to have been translated
// to a concrete snapshot id by the caller before this is invoked,
// before any wait begins). block selects behavior: nil means
// non-blocking, a zero duration means wait indefinitely, a positive
// duration is the timeout.
func (s *StreamStore) ReadBlocking(keys []string, ids []StreamID, block *time.Duration) map[string][]StreamEntry {
	s.mu.Lock()
	defer s.mu.Unlock()

	if results := s.collectAfterLocked(keys, ids); len(results) > 0 {
		return results
	}
	if block == nil {
		return nil
	}

	var timedOut bool
	if *block > 0 {
		timer := time.AfterFunc(*block, func() {
			s.mu.Lock()
			timedOut = true
			s.cond.Broadcast()
			s.mu.Unlock()
		})
		defer timer.Stop()
	}

	for {
		s.cond.Wait()
		if results := s.collectAfterLocked(keys, ids); len(results) > 0 {
			return results
		}
		if timedOut {
			return nil
		}
	}
}
