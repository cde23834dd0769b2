// Package session coordinates one widget visitor's realtime session: the
// message timeline of the active conversation and the call lifecycle.
package session

import (
	"sort"
	"sync"

	"supportwidget-backend/internal/domain"
)

// Phase of the coordinator as shown to the page
type Phase string

const (
	PhaseIdle          Phase = "idle"
	PhaseNotConfigured Phase = "not_configured"
	PhaseAuthFailed    Phase = "auth_failed"
	PhaseUnavailable   Phase = "unavailable"
	PhaseReady         Phase = "ready"
	PhaseLoggedOut     Phase = "logged_out"
	PhaseClosed        Phase = "closed"
)

// Slot names where a call session currently lives
type Slot string

const (
	SlotNone     Slot = ""
	SlotIncoming Slot = "incoming"
	SlotOutgoing Slot = "outgoing"
	SlotActive   Slot = "active"
)

// CallSlots is a copy of the three call slots
type CallSlots struct {
	Incoming []domain.CallSession `json:"incoming"`
	Outgoing *domain.CallSession  `json:"outgoing,omitempty"`
	Active   *domain.CallSession  `json:"active,omitempty"`
}

// Snapshot is an immutable copy of the store
type Snapshot struct {
	Version    uint64           `json:"version"`
	Phase      Phase            `json:"phase"`
	Identity   *domain.Identity `json:"identity,omitempty"`
	PeerUID    string           `json:"peer_uid,omitempty"`
	Page       domain.Page      `json:"page"`
	AIPriority bool             `json:"ai_priority"`
	Timeline   []domain.Message `json:"timeline"`
	Calls      CallSlots        `json:"calls"`
}

// Store is the single mutable owner of identity, timeline and call slots.
// Every mutation bumps the version and notifies watchers.
type Store struct {
	mu sync.Mutex

	version  uint64
	phase    Phase
	identity *domain.Identity
	peer     string
	settings domain.WidgetSettings

	timeline []domain.Message
	index    map[string]int

	incoming []domain.CallSession
	outgoing *domain.CallSession
	active   *domain.CallSession

	watchers map[chan Snapshot]struct{}
}

// NewStore creates an empty store
func NewStore(settings domain.WidgetSettings) *Store {
	return &Store{
		phase:    PhaseIdle,
		settings: settings,
		index:    make(map[string]int),
		watchers: make(map[chan Snapshot]struct{}),
	}
}

func (s *Store) Phase() Phase {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.phase
}

func (s *Store) SetPhase(p Phase) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.phase == p {
		return
	}
	s.phase = p
	s.changedLocked()
}

// Identity returns a copy of the authenticated identity, or nil
func (s *Store) Identity() *domain.Identity {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.identity == nil {
		return nil
	}
	id := *s.identity
	return &id
}

// SelfUID is the authenticated uid or ""
func (s *Store) SelfUID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.identity == nil {
		return ""
	}
	return s.identity.UID
}

func (s *Store) SetIdentity(id *domain.Identity) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if id == nil {
		s.identity = nil
	} else {
		cp := *id
		s.identity = &cp
	}
	s.changedLocked()
}

// PeerUID of the active conversation
func (s *Store) PeerUID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.peer
}

// AdoptPeer makes uid the active conversation if none is set
func (s *Store) AdoptPeer(uid string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.peer != "" || uid == "" {
		return s.peer == uid
	}
	s.peer = uid
	s.changedLocked()
	return true
}

func (s *Store) Settings() domain.WidgetSettings {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.settings
}

func (s *Store) SetSettings(settings domain.WidgetSettings) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.settings = settings
	s.changedLocked()
}

// SetConversation switches the active conversation and replaces the
// timeline with msgs
func (s *Store) SetConversation(peer string, msgs []domain.Message) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.peer = peer
	s.timeline = nil
	s.index = make(map[string]int, len(msgs))
	s.mergeLocked(msgs)
	s.changedLocked()
}

// LoadConversation installs a freshly fetched page. Reloading the active
// peer merges the page so pushes and local entries that arrived during the
// fetch survive; any other peer replaces the timeline.
func (s *Store) LoadConversation(peer string, msgs []domain.Message) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if peer != s.peer {
		s.peer = peer
		s.timeline = nil
		s.index = make(map[string]int, len(msgs))
	}
	s.mergeLocked(msgs)
	s.changedLocked()
}

// UpsertMessages merges msgs into the timeline. A known id is replaced in
// place; the result stays ordered by SentAt, ties in arrival order.
func (s *Store) UpsertMessages(msgs ...domain.Message) {
	if len(msgs) == 0 {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.mergeLocked(msgs)
	s.changedLocked()
}

func (s *Store) mergeLocked(msgs []domain.Message) {
	for _, m := range msgs {
		if i, ok := s.index[m.ID]; ok {
			s.timeline[i] = m
			continue
		}
		s.index[m.ID] = len(s.timeline)
		s.timeline = append(s.timeline, m)
	}
	sort.SliceStable(s.timeline, func(i, j int) bool {
		return s.timeline[i].SentAt < s.timeline[j].SentAt
	})
	for i, m := range s.timeline {
		s.index[m.ID] = i
	}
}

// Message looks up a timeline entry by id
func (s *Store) Message(id string) (domain.Message, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	i, ok := s.index[id]
	if !ok {
		return domain.Message{}, false
	}
	return s.timeline[i], true
}

// SlotOf reports which slot holds sessionID
func (s *Store) SlotOf(sessionID string) Slot {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.slotOfLocked(sessionID)
}

func (s *Store) slotOfLocked(sessionID string) Slot {
	switch {
	case s.active != nil && s.active.SessionID == sessionID:
		return SlotActive
	case s.outgoing != nil && s.outgoing.SessionID == sessionID:
		return SlotOutgoing
	}
	for _, cs := range s.incoming {
		if cs.SessionID == sessionID {
			return SlotIncoming
		}
	}
	return SlotNone
}

// Call returns the session held in any slot
func (s *Store) Call(sessionID string) (domain.CallSession, Slot) {
	s.mu.Lock()
	defer s.mu.Unlock()
	switch s.slotOfLocked(sessionID) {
	case SlotActive:
		return *s.active, SlotActive
	case SlotOutgoing:
		return *s.outgoing, SlotOutgoing
	case SlotIncoming:
		for _, cs := range s.incoming {
			if cs.SessionID == sessionID {
				return cs, SlotIncoming
			}
		}
	}
	return domain.CallSession{}, SlotNone
}

// Outgoing returns the outgoing call, if any
func (s *Store) Outgoing() *domain.CallSession {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.outgoing == nil {
		return nil
	}
	cs := *s.outgoing
	return &cs
}

// Active returns the connected call, if any
func (s *Store) Active() *domain.CallSession {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.active == nil {
		return nil
	}
	cs := *s.active
	return &cs
}

// AddIncoming offers cs unless its session is already in a slot
func (s *Store) AddIncoming(cs domain.CallSession) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.slotOfLocked(cs.SessionID) != SlotNone {
		return false
	}
	s.incoming = append(s.incoming, cs)
	s.changedLocked()
	return true
}

// PlaceOutgoing puts cs in the outgoing slot and returns the call it
// displaced
func (s *Store) PlaceOutgoing(cs domain.CallSession) *domain.CallSession {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.removeLocked(cs.SessionID)
	prev := s.outgoing
	s.outgoing = &cs
	s.changedLocked()
	return prev
}

// PlaceActive puts cs in the active slot and returns the call it displaced
func (s *Store) PlaceActive(cs domain.CallSession) *domain.CallSession {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.removeLocked(cs.SessionID)
	prev := s.active
	s.active = &cs
	s.changedLocked()
	return prev
}

// RemoveCall takes sessionID out of whichever slot holds it
func (s *Store) RemoveCall(sessionID string) Slot {
	s.mu.Lock()
	defer s.mu.Unlock()
	slot := s.removeLocked(sessionID)
	if slot != SlotNone {
		s.changedLocked()
	}
	return slot
}

func (s *Store) removeLocked(sessionID string) Slot {
	slot := s.slotOfLocked(sessionID)
	switch slot {
	case SlotActive:
		s.active = nil
	case SlotOutgoing:
		s.outgoing = nil
	case SlotIncoming:
		kept := s.incoming[:0]
		for _, cs := range s.incoming {
			if cs.SessionID != sessionID {
				kept = append(kept, cs)
			}
		}
		s.incoming = kept
	}
	return slot
}

// ClearCalls empties every slot and returns the sessions removed
func (s *Store) ClearCalls() []domain.CallSession {
	s.mu.Lock()
	defer s.mu.Unlock()
	var removed []domain.CallSession
	removed = append(removed, s.incoming...)
	if s.outgoing != nil {
		removed = append(removed, *s.outgoing)
	}
	if s.active != nil {
		removed = append(removed, *s.active)
	}
	s.incoming, s.outgoing, s.active = nil, nil, nil
	if len(removed) > 0 {
		s.changedLocked()
	}
	return removed
}

// Reset clears identity, conversation and calls. Settings are kept.
func (s *Store) Reset(phase Phase) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.phase = phase
	s.identity = nil
	s.peer = ""
	s.timeline = nil
	s.index = make(map[string]int)
	s.incoming, s.outgoing, s.active = nil, nil, nil
	s.changedLocked()
}

// Snapshot copies the current state
func (s *Store) Snapshot() Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.snapshotLocked()
}

func (s *Store) snapshotLocked() Snapshot {
	snap := Snapshot{
		Version:    s.version,
		Phase:      s.phase,
		PeerUID:    s.peer,
		Page:       s.settings.InitialPage(),
		AIPriority: s.settings.IsAIPriority(),
		Timeline:   append([]domain.Message(nil), s.timeline...),
		Calls: CallSlots{
			Incoming: append([]domain.CallSession(nil), s.incoming...),
		},
	}
	if s.identity != nil {
		id := *s.identity
		snap.Identity = &id
	}
	if s.outgoing != nil {
		cs := *s.outgoing
		snap.Calls.Outgoing = &cs
	}
	if s.active != nil {
		cs := *s.active
		snap.Calls.Active = &cs
	}
	return snap
}

// Watch delivers a snapshot after every change. Slow readers only see the
// latest one. The returned func stops the watch and closes the channel.
func (s *Store) Watch() (<-chan Snapshot, func()) {
	ch := make(chan Snapshot, 1)

	s.mu.Lock()
	s.watchers[ch] = struct{}{}
	ch <- s.snapshotLocked()
	s.mu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			s.mu.Lock()
			if _, ok := s.watchers[ch]; ok {
				delete(s.watchers, ch)
				close(ch)
			}
			s.mu.Unlock()
		})
	}
}

// CloseWatchers ends every watch
func (s *Store) CloseWatchers() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for ch := range s.watchers {
		delete(s.watchers, ch)
		close(ch)
	}
}

func (s *Store) changedLocked() {
	s.version++
	if len(s.watchers) == 0 {
		return
	}
	snap := s.snapshotLocked()
	for ch := range s.watchers {
		select {
		case <-ch:
		default:
		}
		select {
		case ch <- snap:
		default:
		}
	}
}
