package presence

import (
	"hash/fnv"
	"sort"
	"sync"
	"sync/atomic"

	"campushub/internal/metrics"
	"campushub/pkg/interfaces"
)

// DefaultShards is the bucket count used by NewRegistry.
const DefaultShards = 32

// Member is one room subscriber. UserID is zero for sessions that joined a
// room before registering.
type Member struct {
	Session interfaces.Session
	UserID  int64
}

// Stats is a point-in-time view of the registry.
type Stats struct {
	OnlineUsers int `json:"online_users"`
	Sessions    int `json:"sessions"`
	Rooms       int `json:"rooms"`
}

type sessionEntry struct {
	session interfaces.Session
	userID  int64
	rooms   map[string]struct{}
}

type sessionBucket struct {
	mu      sync.RWMutex
	entries map[string]*sessionEntry
}

type userBucket struct {
	mu    sync.RWMutex
	users map[int64]map[string]interfaces.Session
}

type roomBucket struct {
	mu    sync.RWMutex
	rooms map[string]map[string]interfaces.Session
}

// Registry tracks live sessions, the user each one registered as, and the
// rooms each one joined. State is split into independently locked buckets;
// no lock is held while another is taken and none is held across I/O.
type Registry struct {
	sessions []*sessionBucket
	users    []*userBucket
	rooms    []*roomBucket

	online atomic.Int64
	live   atomic.Int64
	nrooms atomic.Int64
}

// NewRegistry creates a registry with DefaultShards buckets per index.
func NewRegistry() *Registry {
	return NewShardedRegistry(DefaultShards)
}

// NewShardedRegistry creates a registry with n buckets per index.
func NewShardedRegistry(n int) *Registry {
	if n <= 0 {
		n = 1
	}
	r := &Registry{
		sessions: make([]*sessionBucket, n),
		users:    make([]*userBucket, n),
		rooms:    make([]*roomBucket, n),
	}
	for i := 0; i < n; i++ {
		r.sessions[i] = &sessionBucket{entries: make(map[string]*sessionEntry)}
		r.users[i] = &userBucket{users: make(map[int64]map[string]interfaces.Session)}
		r.rooms[i] = &roomBucket{rooms: make(map[string]map[string]interfaces.Session)}
	}
	return r
}

func hashString(s string) uint32 {
	h := fnv.New32a()
	_, _ = h.Write([]byte(s))
	return h.Sum32()
}

func (r *Registry) sessionBucketFor(id string) *sessionBucket {
	return r.sessions[hashString(id)%uint32(len(r.sessions))]
}

func (r *Registry) userBucketFor(userID int64) *userBucket {
	return r.users[uint64(userID)%uint64(len(r.users))]
}

func (r *Registry) roomBucketFor(room string) *roomBucket {
	return r.rooms[hashString(room)%uint32(len(r.rooms))]
}

// Connect starts tracking s. Connecting an already tracked session is a no-op.
func (r *Registry) Connect(s interfaces.Session) error {
	if s == nil {
		return ErrNilSession
	}

	b := r.sessionBucketFor(s.ID())
	b.mu.Lock()
	defer b.mu.Unlock()

	if _, ok := b.entries[s.ID()]; ok {
		return nil
	}
	b.entries[s.ID()] = &sessionEntry{session: s, rooms: make(map[string]struct{})}
	metrics.LiveSessions.Set(float64(r.live.Add(1)))
	return nil
}

// Register binds s to userID, connecting it first if needed. first is true
// when s is the user's only live session afterwards. A session must not be
// reused once Unregister has run for it; a Register racing that Unregister
// fails with ErrUnknownSession and leaves nothing behind.
func (r *Registry) Register(userID int64, s interfaces.Session) (first bool, err error) {
	if s == nil {
		return false, ErrNilSession
	}
	if userID <= 0 {
		return false, ErrInvalidUserID
	}
	if err := r.Connect(s); err != nil {
		return false, err
	}

	sb := r.sessionBucketFor(s.ID())
	sb.mu.Lock()
	entry := sb.entries[s.ID()]
	if entry == nil {
		sb.mu.Unlock()
		return false, ErrUnknownSession
	}
	switch entry.userID {
	case userID:
		sb.mu.Unlock()
		return false, nil
	case 0:
		entry.userID = userID
	default:
		sb.mu.Unlock()
		return false, ErrBoundToOtherUser
	}
	sb.mu.Unlock()

	ub := r.userBucketFor(userID)
	ub.mu.Lock()
	set, ok := ub.users[userID]
	if !ok {
		set = make(map[string]interfaces.Session)
		ub.users[userID] = set
	}
	set[s.ID()] = s
	first = len(set) == 1
	ub.mu.Unlock()

	if first {
		metrics.OnlineUsers.Set(float64(r.online.Add(1)))
	}

	// Unregister deletes the entry before cleaning the user index, so either
	// it saw our insert or we see its delete here.
	if !r.tracked(s.ID(), entry) {
		r.removeFromUser(userID, s.ID())
		return false, ErrUnknownSession
	}
	return first, nil
}

// tracked reports whether entry is still the live entry for sessionID.
func (r *Registry) tracked(sessionID string, entry *sessionEntry) bool {
	sb := r.sessionBucketFor(sessionID)
	sb.mu.RLock()
	defer sb.mu.RUnlock()
	return sb.entries[sessionID] == entry
}

// removeFromUser drops sessionID from the user index. last is true when it
// was the user's final session.
func (r *Registry) removeFromUser(userID int64, sessionID string) (last bool) {
	ub := r.userBucketFor(userID)
	ub.mu.Lock()
	if set, ok := ub.users[userID]; ok {
		if _, ok := set[sessionID]; ok {
			delete(set, sessionID)
			if len(set) == 0 {
				delete(ub.users, userID)
				last = true
			}
		}
	}
	ub.mu.Unlock()

	if last {
		metrics.OnlineUsers.Set(float64(r.online.Add(-1)))
	}
	return last
}

// Unregister forgets s, removing it from its user and from every room it
// joined. last is true when s was the user's final live session.
func (r *Registry) Unregister(s interfaces.Session) (userID int64, last bool) {
	if s == nil {
		return 0, false
	}

	sb := r.sessionBucketFor(s.ID())
	sb.mu.Lock()
	entry, ok := sb.entries[s.ID()]
	if ok {
		delete(sb.entries, s.ID())
	}
	sb.mu.Unlock()
	if !ok {
		return 0, false
	}
	metrics.LiveSessions.Set(float64(r.live.Add(-1)))

	for room := range entry.rooms {
		r.removeFromRoom(room, s.ID())
	}

	if entry.userID == 0 {
		return 0, false
	}

	return entry.userID, r.removeFromUser(entry.userID, s.ID())
}

// UserOf returns the user s registered as.
func (r *Registry) UserOf(s interfaces.Session) (int64, bool) {
	if s == nil {
		return 0, false
	}
	sb := r.sessionBucketFor(s.ID())
	sb.mu.RLock()
	defer sb.mu.RUnlock()

	entry, ok := sb.entries[s.ID()]
	if !ok || entry.userID == 0 {
		return 0, false
	}
	return entry.userID, true
}

// SessionsFor returns a snapshot of the user's live sessions. An empty
// result means the user is offline.
func (r *Registry) SessionsFor(userID int64) []interfaces.Session {
	ub := r.userBucketFor(userID)
	ub.mu.RLock()
	defer ub.mu.RUnlock()

	set := ub.users[userID]
	out := make([]interfaces.Session, 0, len(set))
	for _, s := range set {
		out = append(out, s)
	}
	return out
}

// IsOnline reports whether the user has at least one live session.
func (r *Registry) IsOnline(userID int64) bool {
	ub := r.userBucketFor(userID)
	ub.mu.RLock()
	defer ub.mu.RUnlock()
	return len(ub.users[userID]) > 0
}

// Join subscribes s to room. Sessions that were never connected are
// connected implicitly. Like Register, a Join racing Unregister fails with
// ErrUnknownSession instead of leaving a stale room member.
func (r *Registry) Join(room string, s interfaces.Session) error {
	if s == nil {
		return ErrNilSession
	}
	if room == "" {
		return ErrEmptyRoom
	}
	if err := r.Connect(s); err != nil {
		return err
	}

	sb := r.sessionBucketFor(s.ID())
	sb.mu.Lock()
	entry := sb.entries[s.ID()]
	if entry == nil {
		sb.mu.Unlock()
		return ErrUnknownSession
	}
	entry.rooms[room] = struct{}{}
	sb.mu.Unlock()

	rb := r.roomBucketFor(room)
	rb.mu.Lock()
	members, ok := rb.rooms[room]
	if !ok {
		members = make(map[string]interfaces.Session)
		rb.rooms[room] = members
		r.nrooms.Add(1)
	}
	members[s.ID()] = s
	rb.mu.Unlock()

	if !r.tracked(s.ID(), entry) {
		r.removeFromRoom(room, s.ID())
		return ErrUnknownSession
	}
	return nil
}

// Leave unsubscribes s from room. Leaving a room that was never joined is a no-op.
func (r *Registry) Leave(room string, s interfaces.Session) {
	if s == nil {
		return
	}

	sb := r.sessionBucketFor(s.ID())
	sb.mu.Lock()
	if entry, ok := sb.entries[s.ID()]; ok {
		delete(entry.rooms, room)
	}
	sb.mu.Unlock()

	r.removeFromRoom(room, s.ID())
}

func (r *Registry) removeFromRoom(room, sessionID string) {
	rb := r.roomBucketFor(room)
	rb.mu.Lock()
	defer rb.mu.Unlock()

	members, ok := rb.rooms[room]
	if !ok {
		return
	}
	delete(members, sessionID)
	if len(members) == 0 {
		delete(rb.rooms, room)
		r.nrooms.Add(-1)
	}
}

// RoomMembers returns a snapshot of the sessions subscribed to room with the
// user each one registered as.
func (r *Registry) RoomMembers(room string) []Member {
	rb := r.roomBucketFor(room)
	rb.mu.RLock()
	sessions := make([]interfaces.Session, 0, len(rb.rooms[room]))
	for _, s := range rb.rooms[room] {
		sessions = append(sessions, s)
	}
	rb.mu.RUnlock()

	members := make([]Member, 0, len(sessions))
	for _, s := range sessions {
		userID, _ := r.UserOf(s)
		members = append(members, Member{Session: s, UserID: userID})
	}
	return members
}

// AllSessions returns a snapshot of every tracked session.
func (r *Registry) AllSessions() []interfaces.Session {
	var out []interfaces.Session
	for _, b := range r.sessions {
		b.mu.RLock()
		for _, e := range b.entries {
			out = append(out, e.session)
		}
		b.mu.RUnlock()
	}
	return out
}

// OnlineUsers returns the ids of users with at least one live session, ascending.
func (r *Registry) OnlineUsers() []int64 {
	var out []int64
	for _, b := range r.users {
		b.mu.RLock()
		for id := range b.users {
			out = append(out, id)
		}
		b.mu.RUnlock()
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// Stats returns registry counters.
func (r *Registry) Stats() Stats {
	return Stats{
		OnlineUsers: int(r.online.Load()),
		Sessions:    int(r.live.Load()),
		Rooms:       int(r.nrooms.Load()),
	}
}
