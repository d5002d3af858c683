// Package room owns the relay's membership state: which connections are known,
// which room each one is in, and the per-client record behind both maps.
package room

import (
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/google/uuid"

	"github.com/decibelapp/decibel-relay/internal/metrics"
)

var (
	// ErrNotFound marks a lookup for a connection or room the registry does not
	// know. Router wiring guarantees these cannot occur on production traffic,
	// so a surfaced ErrNotFound is a defect signal.
	ErrNotFound = errors.New("not found")

	// ErrRoomMismatch is returned when an already-joined connection names a
	// different room. A connection belongs to at most one room at a time.
	ErrRoomMismatch = errors.New("connection already joined a different room")
)

// IDGenerator produces unique client ids. The default is a UUID-v4 string;
// tests inject deterministic generators.
type IDGenerator func() string

// Registry maps room ids to member-connection sets and connections to their
// Client records.
//
// All methods are safe for concurrent use: the WebSocket transport runs one
// read goroutine per connection and the status reporter snapshots membership
// on its own ticker, so the registry cannot assume a single writer.
type Registry struct {
	mu  sync.RWMutex
	gen IDGenerator
	m   *metrics.Metrics

	rooms   map[string]map[string]struct{} // room id -> session id set
	members map[string]*Client             // session id -> record
}

func NewRegistry(gen IDGenerator, m *metrics.Metrics) *Registry {
	if gen == nil {
		gen = uuid.NewString
	}
	if m == nil {
		m = metrics.New()
	}
	return &Registry{
		gen:     gen,
		m:       m,
		rooms:   make(map[string]map[string]struct{}),
		members: make(map[string]*Client),
	}
}

// JoinOrGet is the idempotent join. An unknown connection gets a fresh Client
// record before anything else. The boolean result reports whether the
// connection was newly added to the room; re-sending the same room code
// returns the existing membership unchanged.
//
// A connection that already joined a different room is rejected with
// ErrRoomMismatch and no state changes.
func (r *Registry) JoinOrGet(roomID, sessionID string) (*Client, bool, error) {
	if roomID == "" {
		return nil, false, fmt.Errorf("join: empty room id")
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	client, ok := r.members[sessionID]
	if !ok {
		client = newClient(r.gen())
		r.members[sessionID] = client
	}

	if !client.Unassigned() && client.Room() != roomID {
		return client, false, fmt.Errorf("%w: in %q, requested %q", ErrRoomMismatch, client.Room(), roomID)
	}

	members, ok := r.rooms[roomID]
	if !ok {
		members = make(map[string]struct{})
		r.rooms[roomID] = members
		r.m.Inc(metrics.RoomsCreated)
	}

	if _, present := members[sessionID]; present {
		return client, false, nil
	}

	members[sessionID] = struct{}{}
	client.assignRoom(roomID)
	r.m.Inc(metrics.ClientsJoined)
	return client, true, nil
}

// Remove deletes the connection from its room and from membership, erasing the
// room if it became empty. It returns the vacated room id and the departing
// client's id for peer notification. The room id is empty when the connection
// never joined a room.
func (r *Registry) Remove(sessionID string) (roomID, clientID string, err error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	client, ok := r.members[sessionID]
	if !ok {
		return "", "", fmt.Errorf("remove %q: %w", sessionID, ErrNotFound)
	}

	roomID = client.Room()
	clientID = client.ID()
	delete(r.members, sessionID)

	if roomID != "" {
		if members, ok := r.rooms[roomID]; ok {
			delete(members, sessionID)
		}
		r.closeIfEmptyLocked(roomID)
	}

	return roomID, clientID, nil
}

// CloseIfEmpty erases the room entry if it exists and has no members left.
func (r *Registry) CloseIfEmpty(roomID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.closeIfEmptyLocked(roomID)
}

func (r *Registry) closeIfEmptyLocked(roomID string) bool {
	members, ok := r.rooms[roomID]
	if !ok || len(members) != 0 {
		return false
	}
	delete(r.rooms, roomID)
	r.m.Inc(metrics.RoomsClosed)
	return true
}

// Peers returns the session ids of every current room member, the caller
// included. Fan-out callers filter out the sender themselves.
func (r *Registry) Peers(roomID string) ([]string, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	members, ok := r.rooms[roomID]
	if !ok {
		return nil, fmt.Errorf("room %q: %w", roomID, ErrNotFound)
	}

	ids := make([]string, 0, len(members))
	for sid := range members {
		ids = append(ids, sid)
	}
	return ids, nil
}

// Lookup returns the Client record for a known connection.
func (r *Registry) Lookup(sessionID string) (*Client, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	client, ok := r.members[sessionID]
	return client, ok
}

// Snapshot returns a copy of the room map (room id -> sorted client ids) for
// diagnostic output. It never exposes live registry state.
func (r *Registry) Snapshot() map[string][]string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make(map[string][]string, len(r.rooms))
	for roomID, members := range r.rooms {
		ids := make([]string, 0, len(members))
		for sid := range members {
			if client, ok := r.members[sid]; ok {
				ids = append(ids, client.ID())
			}
		}
		sort.Strings(ids)
		out[roomID] = ids
	}
	return out
}
