package memory

import (
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Persister is the durability collaborator. The store calls it from flush
// paths only; implementations must tolerate being called repeatedly with
// the same data.
type Persister interface {
	SaveWindow(sessionID string, msgs []Message) error
	SaveArchiveEntries(entries []ArchiveEntry) error
}

// Store keeps per-session conversation windows in memory, bounded by
// message count and token budget. Appends compress overflow into archive
// entries before either bound is exceeded in the served window.
type Store struct {
	mu       sync.Mutex
	sessions map[string]*sessionMemory

	maxMessages int
	maxTokens   int
	persister   Persister
	logger      *slog.Logger
	now         func() time.Time
}

type sessionMemory struct {
	msgs     []Message
	archives []ArchiveEntry

	// persistedArchives counts archive entries already flushed; entries
	// are append-only so only the tail needs saving.
	persistedArchives int
	dirty             bool
	lastActive        time.Time
}

// NewStore creates a Store. maxMessages and maxTokens default to 50 and
// 4000 when out of range. persister may be nil; flushes then become no-ops.
func NewStore(maxMessages, maxTokens int, persister Persister) *Store {
	if maxMessages <= 0 {
		maxMessages = 50
	}
	if maxTokens <= 0 {
		maxTokens = 4000
	}
	return &Store{
		sessions:    make(map[string]*sessionMemory),
		maxMessages: maxMessages,
		maxTokens:   maxTokens,
		persister:   persister,
		logger:      slog.Default(),
		now:         time.Now,
	}
}

// Append records a completed turn. Missing ID, timestamp, and token
// estimate are filled in. The stored message is returned.
func (s *Store) Append(sessionID string, m Message) Message {
	if m.ID == "" {
		m.ID = uuid.New().String()
	}
	m.SessionID = sessionID
	if m.Timestamp.IsZero() {
		m.Timestamp = s.now().UTC()
	}
	if m.TokenEstimate <= 0 {
		m.TokenEstimate = EstimateTokens(m.Text)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	sm := s.session(sessionID)
	sm.msgs = append(sm.msgs, m)
	sm.dirty = true
	sm.lastActive = s.now()
	s.compressLocked(sessionID, sm, false)
	return m
}

// Context returns the session's current window: the newest messages that
// fit both the count cap and the token budget.
func (s *Store) Context(sessionID string) Window {
	s.mu.Lock()
	defer s.mu.Unlock()

	sm, ok := s.sessions[sessionID]
	if !ok {
		return Window{}
	}
	start := s.windowStart(sm.msgs)
	w := Window{Messages: make([]Message, len(sm.msgs)-start)}
	copy(w.Messages, sm.msgs[start:])
	for _, m := range w.Messages {
		w.TokenSum += m.TokenEstimate
	}
	return w
}

// Archives returns the session's archive entries, oldest first.
func (s *Store) Archives(sessionID string) []ArchiveEntry {
	s.mu.Lock()
	defer s.mu.Unlock()

	sm, ok := s.sessions[sessionID]
	if !ok {
		return nil
	}
	out := make([]ArchiveEntry, len(sm.archives))
	copy(out, sm.archives)
	return out
}

// Compress forces archival of any overflow currently buffered beyond the
// window. Returns the new entry, or false when there was nothing to drop.
func (s *Store) Compress(sessionID string) (ArchiveEntry, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	sm, ok := s.sessions[sessionID]
	if !ok {
		return ArchiveEntry{}, false
	}
	return s.compressLocked(sessionID, sm, true)
}

// compressLocked archives the overflow span in front of the window as a
// single entry. On the append path (force=false) it waits until the
// overflow itself outgrows a window's worth of messages or tokens, so
// entries summarize a meaningful span instead of one message each.
func (s *Store) compressLocked(sessionID string, sm *sessionMemory, force bool) (ArchiveEntry, bool) {
	start := s.windowStart(sm.msgs)
	if start == 0 {
		return ArchiveEntry{}, false
	}

	if !force {
		overflowTokens := 0
		for _, m := range sm.msgs[:start] {
			overflowTokens += m.TokenEstimate
		}
		if start <= s.maxMessages && overflowTokens <= s.maxTokens {
			return ArchiveEntry{}, false
		}
	}

	dropped := sm.msgs[:start]
	entry := ArchiveEntry{
		ID:                   uuid.New().String(),
		SessionID:            sessionID,
		Summary:              summarize(dropped),
		OriginalMessageCount: len(dropped),
		CreatedAt:            s.now().UTC(),
	}
	droppedTokens := 0
	for _, m := range dropped {
		droppedTokens += m.TokenEstimate
	}
	entry.Weight = fidelity(EstimateTokens(entry.Summary), droppedTokens)

	sm.archives = append(sm.archives, entry)
	sm.msgs = append([]Message(nil), sm.msgs[start:]...)
	sm.dirty = true
	return entry, true
}

// windowStart returns the index of the first message in the largest
// suffix that satisfies both the count cap and the token budget.
func (s *Store) windowStart(msgs []Message) int {
	start := len(msgs)
	tokens := 0
	for start > 0 {
		next := msgs[start-1]
		if len(msgs)-start+1 > s.maxMessages {
			break
		}
		if tokens+next.TokenEstimate > s.maxTokens {
			break
		}
		tokens += next.TokenEstimate
		start--
	}
	return start
}

// Search scores the session's window and archive summaries against the
// query by term overlap and returns matches, best first. Best-effort
// relevance; limit <= 0 means no limit.
func (s *Store) Search(sessionID, query string, limit int) []Message {
	terms := searchTerms(query)
	if len(terms) == 0 {
		return nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	sm, ok := s.sessions[sessionID]
	if !ok {
		return nil
	}

	type hit struct {
		msg   Message
		score float64
	}
	var hits []hit

	for _, m := range sm.msgs {
		if score := overlapScore(terms, m.Text); score > 0 {
			hits = append(hits, hit{msg: m, score: score})
		}
	}
	for _, a := range sm.archives {
		if score := overlapScore(terms, a.Summary); score > 0 {
			hits = append(hits, hit{
				msg: Message{
					ID:            a.ID,
					SessionID:     sessionID,
					Role:          RoleSystem,
					Text:          a.Summary,
					Timestamp:     a.CreatedAt,
					TokenEstimate: EstimateTokens(a.Summary),
				},
				// Archive hits are lossy summaries; their weight
				// discounts the match.
				score: score * a.Weight,
			})
		}
	}

	sort.SliceStable(hits, func(i, j int) bool {
		if hits[i].score != hits[j].score {
			return hits[i].score > hits[j].score
		}
		return hits[i].msg.Timestamp.After(hits[j].msg.Timestamp)
	})

	if limit > 0 && len(hits) > limit {
		hits = hits[:limit]
	}
	out := make([]Message, len(hits))
	for i, h := range hits {
		out[i] = h.msg
	}
	return out
}

// FlushOnce persists every dirty session. A failed save leaves the
// session dirty so the next cycle retries it; the first error is
// returned after all sessions have been attempted.
func (s *Store) FlushOnce() error {
	if s.persister == nil {
		return nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	var firstErr error
	for id, sm := range s.sessions {
		if !sm.dirty {
			continue
		}
		if err := s.flushSessionLocked(id, sm); err != nil {
			if firstErr == nil {
				firstErr = err
			}
			s.logger.Warn("session flush failed", "session_id", id, "error", err)
		}
	}
	return firstErr
}

func (s *Store) flushSessionLocked(id string, sm *sessionMemory) error {
	start := s.windowStart(sm.msgs)
	if err := s.persister.SaveWindow(id, sm.msgs[start:]); err != nil {
		return fmt.Errorf("saving window: %w", err)
	}
	if tail := sm.archives[sm.persistedArchives:]; len(tail) > 0 {
		if err := s.persister.SaveArchiveEntries(tail); err != nil {
			return fmt.Errorf("saving archive entries: %w", err)
		}
		sm.persistedArchives = len(sm.archives)
	}
	sm.dirty = false
	return nil
}

// Evict flushes a session one last time and discards its in-memory state.
// The flush error is returned but the session is dropped regardless.
func (s *Store) Evict(sessionID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	sm, ok := s.sessions[sessionID]
	if !ok {
		return nil
	}

	var err error
	if s.persister != nil && sm.dirty {
		err = s.flushSessionLocked(sessionID, sm)
	}
	delete(s.sessions, sessionID)
	return err
}

// IdleSessions returns the ids of sessions with no activity within
// maxIdle.
func (s *Store) IdleSessions(maxIdle time.Duration) []string {
	s.mu.Lock()
	defer s.mu.Unlock()

	cutoff := s.now().Add(-maxIdle)
	var ids []string
	for id, sm := range s.sessions {
		if sm.lastActive.Before(cutoff) {
			ids = append(ids, id)
		}
	}
	sort.Strings(ids)
	return ids
}

// Hydrate seeds a session from persisted state. A no-op when the session
// already exists in memory; live state always wins over storage.
func (s *Store) Hydrate(sessionID string, msgs []Message, archives []ArchiveEntry) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.sessions[sessionID]; ok {
		return
	}
	s.sessions[sessionID] = &sessionMemory{
		msgs:              append([]Message(nil), msgs...),
		archives:          append([]ArchiveEntry(nil), archives...),
		persistedArchives: len(archives),
		lastActive:        s.now(),
	}
}

// Touch bumps a session's activity clock without appending, creating the
// session if needed.
func (s *Store) Touch(sessionID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.session(sessionID).lastActive = s.now()
}

// SessionCount returns the number of sessions currently held in memory.
func (s *Store) SessionCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.sessions)
}

func (s *Store) session(id string) *sessionMemory {
	sm, ok := s.sessions[id]
	if !ok {
		sm = &sessionMemory{lastActive: s.now()}
		s.sessions[id] = sm
	}
	return sm
}

// fidelity is the archive weight: how much of the dropped span's token
// mass the summary retains, clamped to (0, 1].
func fidelity(summaryTokens, droppedTokens int) float64 {
	if droppedTokens <= 0 {
		return 1
	}
	w := float64(summaryTokens) / float64(droppedTokens)
	if w > 1 {
		return 1
	}
	if w < 0.05 {
		return 0.05
	}
	return w
}

func searchTerms(query string) []string {
	fields := strings.FieldsFunc(strings.ToLower(query), func(r rune) bool {
		return !('a' <= r && r <= 'z' || '0' <= r && r <= '9')
	})
	seen := make(map[string]bool, len(fields))
	var terms []string
	for _, f := range fields {
		if len(f) < 2 || seen[f] {
			continue
		}
		seen[f] = true
		terms = append(terms, f)
	}
	return terms
}

func overlapScore(terms []string, text string) float64 {
	lower := strings.ToLower(text)
	matched := 0
	for _, t := range terms {
		if strings.Contains(lower, t) {
			matched++
		}
	}
	return float64(matched) / float64(len(terms))
}
