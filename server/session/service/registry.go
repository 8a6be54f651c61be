package service

import (
	"context"
	"encoding/json"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"workshop_rt/server/common/apperr"
	"workshop_rt/server/common/log"
	"workshop_rt/server/common/metrics"
	"workshop_rt/server/session/domain"
)

const (
	EventLocationUpdated = "location.updated"
	defaultLocale        = "en"
)

type sessionEntry struct {
	session domain.Session
	groups  map[string]struct{}
	peer    Peer
}

// Registry tracks live sessions and their group membership and fans frames
// out to them. All maps are guarded by mu; peer I/O always happens outside
// the lock.
type Registry struct {
	mu        sync.RWMutex
	sessions  map[string]*sessionEntry
	groups    map[string]map[string]struct{}
	actors    map[string]map[string]struct{}
	locations map[string]domain.Location

	fanout       *RedisFanout
	onDisconnect []func(domain.Session)
	logger       log.Logger
	metrics      *metrics.Metrics
	now          func() time.Time
	dropped      atomic.Int64
}

type RegistryOption func(*Registry)

func WithLogger(l log.Logger) RegistryOption {
	return func(r *Registry) { r.logger = log.OrNop(l) }
}

func WithMetrics(m *metrics.Metrics) RegistryOption {
	return func(r *Registry) { r.metrics = m }
}

func WithClock(now func() time.Time) RegistryOption {
	return func(r *Registry) { r.now = now }
}

func NewRegistry(opts ...RegistryOption) *Registry {
	r := &Registry{
		sessions:  map[string]*sessionEntry{},
		groups:    map[string]map[string]struct{}{},
		actors:    map[string]map[string]struct{}{},
		locations: map[string]domain.Location{},
		logger:    log.Nop(),
		now:       func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// UseFanout routes broadcasts through Redis so every instance delivers to
// its own local sessions.
func (r *Registry) UseFanout(f *RedisFanout) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.fanout = f
}

func WorkshopGroup(workshopID string) string {
	return "workshop:" + workshopID
}

func (r *Registry) Connect(req domain.ConnectRequest, peer Peer) (domain.Session, error) {
	req.ActorID = strings.TrimSpace(req.ActorID)
	req.WorkshopID = strings.TrimSpace(req.WorkshopID)
	if req.ActorID == "" {
		return domain.Session{}, apperr.Invalid("actor_id", "is required")
	}
	if !req.Role.Valid() {
		return domain.Session{}, apperr.Invalid("role", "unknown role")
	}
	if !req.DeviceClass.Valid() {
		return domain.Session{}, apperr.Invalid("device_class", "must be one of mobile|tablet|desktop|kiosk")
	}
	if peer == nil {
		return domain.Session{}, apperr.Invalid("peer", "is required")
	}
	locale := strings.TrimSpace(req.Locale)
	if locale == "" {
		locale = defaultLocale
	}

	now := r.now()
	entry := &sessionEntry{
		session: domain.Session{
			SessionID:      uuid.NewString(),
			ActorID:        req.ActorID,
			WorkshopID:     req.WorkshopID,
			Role:           req.Role,
			Locale:         locale,
			DeviceClass:    req.DeviceClass,
			ConnectedAt:    now,
			LastActivityAt: now,
		},
		groups: map[string]struct{}{},
		peer:   peer,
	}
	id := entry.session.SessionID

	r.mu.Lock()
	r.sessions[id] = entry
	addMember(r.actors, req.ActorID, id)
	if req.WorkshopID != "" {
		group := WorkshopGroup(req.WorkshopID)
		entry.groups[group] = struct{}{}
		addMember(r.groups, group, id)
	}
	snapshot := r.snapshotLocked(entry)
	count := len(r.sessions)
	r.mu.Unlock()

	r.metrics.SetSessionsActive(count)
	r.logger.Infof("event=session action=connect session_id=%s actor_id=%s device_class=%s", id, req.ActorID, req.DeviceClass)
	return snapshot, nil
}

// OnDisconnect registers fn to run after a session is removed, whether its
// socket closed or the idle sweep dropped it.
func (r *Registry) OnDisconnect(fn func(domain.Session)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.onDisconnect = append(r.onDisconnect, fn)
}

// Disconnect removes the session from every group and clears its cached
// location before returning. Calling it twice is harmless.
func (r *Registry) Disconnect(sessionID string) bool {
	r.mu.Lock()
	entry, ok := r.sessions[sessionID]
	if !ok {
		r.mu.Unlock()
		return false
	}
	gone := r.snapshotLocked(entry)
	hooks := r.onDisconnect
	for group := range entry.groups {
		removeMember(r.groups, group, sessionID)
	}
	removeMember(r.actors, entry.session.ActorID, sessionID)
	delete(r.locations, sessionID)
	delete(r.sessions, sessionID)
	count := len(r.sessions)
	r.mu.Unlock()

	_ = entry.peer.Close()
	r.metrics.SetSessionsActive(count)
	r.logger.Infof("event=session action=disconnect session_id=%s actor_id=%s", sessionID, entry.session.ActorID)
	for _, fn := range hooks {
		fn(gone)
	}
	return true
}

func (r *Registry) JoinGroup(sessionID, groupID string) error {
	groupID = strings.TrimSpace(groupID)
	if groupID == "" {
		return apperr.Invalid("group_id", "is required")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	entry, ok := r.sessions[sessionID]
	if !ok {
		return apperr.ErrNotFound
	}
	entry.groups[groupID] = struct{}{}
	addMember(r.groups, groupID, sessionID)
	return nil
}

func (r *Registry) LeaveGroup(sessionID, groupID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	entry, ok := r.sessions[sessionID]
	if !ok {
		return apperr.ErrNotFound
	}
	delete(entry.groups, groupID)
	removeMember(r.groups, groupID, sessionID)
	return nil
}

// Touch records client activity.
func (r *Registry) Touch(sessionID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if entry, ok := r.sessions[sessionID]; ok {
		entry.session.LastActivityAt = r.now()
	}
}

// UpdateLocation caches a live position for a mobile session and shares it
// with the session's groups.
func (r *Registry) UpdateLocation(ctx context.Context, sessionID string, loc domain.Location) error {
	if !loc.Valid() {
		return apperr.Invalid("location", "coordinates out of range")
	}
	r.mu.Lock()
	entry, ok := r.sessions[sessionID]
	if !ok {
		r.mu.Unlock()
		return apperr.ErrNotFound
	}
	if !entry.session.DeviceClass.SharesLocation() {
		r.mu.Unlock()
		return apperr.Invalid("device_class", "location updates are only accepted from mobile sessions")
	}
	now := r.now()
	if loc.RecordedAt.IsZero() {
		loc.RecordedAt = now
	}
	r.locations[sessionID] = loc
	entry.session.LastActivityAt = now
	groups := sortedKeys(entry.groups)
	actorID := entry.session.ActorID
	r.mu.Unlock()

	payload := map[string]any{"session_id": sessionID, "actor_id": actorID, "location": loc}
	for _, group := range groups {
		r.BroadcastGroup(ctx, group, EventLocationUpdated, payload)
	}
	return nil
}

func (r *Registry) Get(sessionID string) (domain.Session, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	entry, ok := r.sessions[sessionID]
	if !ok {
		return domain.Session{}, false
	}
	return r.snapshotLocked(entry), true
}

func (r *Registry) GroupMembers(groupID string) []domain.Session {
	r.mu.RLock()
	defer r.mu.RUnlock()
	members := r.groups[groupID]
	out := make([]domain.Session, 0, len(members))
	for id := range members {
		out = append(out, r.snapshotLocked(r.sessions[id]))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ConnectedAt.Before(out[j].ConnectedAt) })
	return out
}

// ActorSessionCount counts local live sessions of an actor.
func (r *Registry) ActorSessionCount(actorID string) int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.actors[actorID])
}

func (r *Registry) Stats() domain.Stats {
	r.mu.RLock()
	defer r.mu.RUnlock()
	byDevice := map[string]int{}
	for _, entry := range r.sessions {
		byDevice[string(entry.session.DeviceClass)]++
	}
	return domain.Stats{
		Sessions: len(r.sessions),
		Actors:   len(r.actors),
		Groups:   len(r.groups),
		ByDevice: byDevice,
		Dropped:  r.dropped.Load(),
	}
}

// SweepIdle disconnects sessions with no activity for longer than maxIdle.
func (r *Registry) SweepIdle(maxIdle time.Duration) int {
	cutoff := r.now().Add(-maxIdle)
	r.mu.RLock()
	stale := make([]string, 0)
	for id, entry := range r.sessions {
		if entry.session.LastActivityAt.Before(cutoff) {
			stale = append(stale, id)
		}
	}
	r.mu.RUnlock()

	removed := 0
	for _, id := range stale {
		if r.Disconnect(id) {
			removed++
		}
	}
	if removed > 0 {
		r.logger.Infof("event=session action=sweep_idle removed=%d max_idle=%s", removed, maxIdle)
	}
	return removed
}

// BroadcastGroup sends an event to every session in the group. It returns
// the number of local peers the frame was handed to.
func (r *Registry) BroadcastGroup(ctx context.Context, groupID, eventName string, payload any) int {
	frame, ok := r.encode(eventName, groupID, payload)
	if !ok {
		return 0
	}
	if r.publishFanout(ctx, fanoutTargetGroup, groupID, frame) {
		return r.countLocal(fanoutTargetGroup, groupID)
	}
	return r.deliverLocal(fanoutTargetGroup, groupID, frame)
}

// BroadcastActor sends an event to every live session of one actor.
func (r *Registry) BroadcastActor(ctx context.Context, actorID, eventName string, payload any) int {
	frame, ok := r.encode(eventName, "", payload)
	if !ok {
		return 0
	}
	if r.publishFanout(ctx, fanoutTargetActor, actorID, frame) {
		return r.countLocal(fanoutTargetActor, actorID)
	}
	return r.deliverLocal(fanoutTargetActor, actorID, frame)
}

func (r *Registry) encode(eventName, groupID string, payload any) ([]byte, bool) {
	frame, err := json.Marshal(domain.Envelope{Type: eventName, Group: groupID, Payload: payload, SentAt: r.now()})
	if err != nil {
		r.logger.Errorf("event=session_broadcast action=encode status=failed type=%s error=%v", eventName, err)
		return nil, false
	}
	return frame, true
}

func (r *Registry) publishFanout(ctx context.Context, kind, target string, frame []byte) bool {
	r.mu.RLock()
	fanout := r.fanout
	r.mu.RUnlock()
	if fanout == nil {
		return false
	}
	return fanout.Publish(ctx, kind, target, frame)
}

func (r *Registry) countLocal(kind, target string) int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if kind == fanoutTargetActor {
		return len(r.actors[target])
	}
	return len(r.groups[target])
}

// deliverLocal hands frame to every matching local peer. Failures are logged
// per peer and never stop the loop.
func (r *Registry) deliverLocal(kind, target string, frame []byte) int {
	type recipient struct {
		sessionID string
		peer      Peer
	}
	r.mu.RLock()
	index := r.groups
	if kind == fanoutTargetActor {
		index = r.actors
	}
	members := index[target]
	recipients := make([]recipient, 0, len(members))
	for id := range members {
		if entry, ok := r.sessions[id]; ok {
			recipients = append(recipients, recipient{sessionID: id, peer: entry.peer})
		}
	}
	r.mu.RUnlock()

	delivered := 0
	for _, rc := range recipients {
		if err := rc.peer.Send(frame); err != nil {
			r.dropped.Add(1)
			r.metrics.IncBroadcastSend("failed")
			r.logger.Warnf("event=session_broadcast action=send status=failed kind=%s target=%s session_id=%s error=%v", kind, target, rc.sessionID, err)
			continue
		}
		r.metrics.IncBroadcastSend("ok")
		delivered++
	}
	return delivered
}

func (r *Registry) snapshotLocked(entry *sessionEntry) domain.Session {
	out := entry.session
	out.Groups = sortedKeys(entry.groups)
	if loc, ok := r.locations[entry.session.SessionID]; ok {
		l := loc
		out.Location = &l
	}
	return out
}

func addMember(index map[string]map[string]struct{}, key, sessionID string) {
	members, ok := index[key]
	if !ok {
		members = map[string]struct{}{}
		index[key] = members
	}
	members[sessionID] = struct{}{}
}

func removeMember(index map[string]map[string]struct{}, key, sessionID string) {
	if members, ok := index[key]; ok {
		delete(members, sessionID)
		if len(members) == 0 {
			delete(index, key)
		}
	}
}

func sortedKeys(set map[string]struct{}) []string {
	out := make([]string, 0, len(set))
	for k := range set {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}
