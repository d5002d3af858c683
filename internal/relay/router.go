package relay

import (
	"errors"
	"log/slog"
	"sync"

	"github.com/decibelapp/decibel-relay/internal/metrics"
	"github.com/decibelapp/decibel-relay/internal/protocol"
	"github.com/decibelapp/decibel-relay/internal/room"
	"github.com/decibelapp/decibel-relay/internal/spatial"
)

// Peer is the transport-side handle for one connected client. SendText hands
// a fully-formed message to the transport's send path; implementations must
// not block on slow receivers indefinitely.
type Peer interface {
	SendText(data []byte) error
}

// Router binds the transport lifecycle events to the room registry and
// performs all message dispatch.
//
// A single mutex serializes HandleOpen/HandleMessage/HandleClose, so every
// inbound message completes its room join, field mutation and full fan-out
// before the next message on any connection is processed. The registry
// carries its own lock only for the status reporter's concurrent reads.
type Router struct {
	log      *slog.Logger
	m        *metrics.Metrics
	registry *room.Registry

	mu    sync.Mutex
	peers map[string]Peer // session id -> transport handle
}

func NewRouter(registry *room.Registry, m *metrics.Metrics, log *slog.Logger) *Router {
	if m == nil {
		m = metrics.New()
	}
	if log == nil {
		log = slog.Default()
	}
	return &Router{
		log:      log,
		m:        m,
		registry: registry,
		peers:    make(map[string]Peer),
	}
}

// HandleOpen records the transport handle for a new connection. No room
// bookkeeping happens here; a connection only becomes known to the registry
// once its first message names a room.
func (rt *Router) HandleOpen(sessionID string, peer Peer) {
	rt.mu.Lock()
	rt.peers[sessionID] = peer
	rt.mu.Unlock()

	rt.m.Inc(metrics.ConnectionsOpened)
	rt.log.Debug("connection opened", "session_id", sessionID)
}

// HandleMessage decodes one inbound message and dispatches it by kind.
// Malformed input and unrecognized kinds are logged and dropped without
// touching state or closing the connection.
func (rt *Router) HandleMessage(sessionID string, data []byte) {
	rt.mu.Lock()
	defer rt.mu.Unlock()

	env, err := protocol.Parse(data)
	if err != nil {
		if errors.Is(err, protocol.ErrUnknownMessageType) {
			rt.m.Inc(metrics.UnknownMessageTypes)
			rt.log.Warn("unrecognized message kind", "session_id", sessionID, "err", err)
		} else {
			rt.m.Inc(metrics.MalformedMessages)
			rt.log.Warn("malformed message", "session_id", sessionID, "err", err)
		}
		return
	}

	client, added, err := rt.registry.JoinOrGet(env.Code, sessionID)
	if err != nil {
		if errors.Is(err, room.ErrRoomMismatch) {
			rt.m.Inc(metrics.RoomMismatchDrops)
			rt.log.Warn("room mismatch rejected", "session_id", sessionID, "room", env.Code, "err", err)
			return
		}
		rt.log.Error("join failed", "session_id", sessionID, "room", env.Code, "err", err)
		return
	}

	if added {
		rt.log.Debug("client joined", "room", env.Code, "client_id", client.ID())
		if ack, err := protocol.JoinAck(client.ID()); err == nil {
			rt.sendLocked(sessionID, ack)
		}
	}

	switch {
	case env.Type.Relay():
		rt.relayLocked(sessionID, client, env)
	case env.Type == protocol.MessageTypePosition:
		rt.handlePositionLocked(sessionID, client, env)
	}
}

// HandleClose broadcasts the departure notice to remaining room peers and
// erases the connection's bookkeeping. Connections that never joined a room
// are simply forgotten.
func (rt *Router) HandleClose(sessionID string) {
	rt.mu.Lock()
	defer rt.mu.Unlock()

	defer func() {
		delete(rt.peers, sessionID)
		rt.m.Inc(metrics.ConnectionsClosed)
	}()

	client, ok := rt.registry.Lookup(sessionID)
	if !ok {
		rt.log.Debug("connection closed before joining", "session_id", sessionID)
		return
	}

	if !client.Unassigned() {
		if notice, err := protocol.DepartureNotice(client.ID()); err == nil {
			rt.fanOutLocked(client.Room(), sessionID, notice)
		}
	}

	roomID, clientID, err := rt.registry.Remove(sessionID)
	if err != nil {
		// Only reachable through a wiring defect: close is the sole caller and
		// runs once per connection.
		rt.log.Error("remove failed", "session_id", sessionID, "err", err)
		return
	}
	rt.log.Debug("client removed", "room", roomID, "client_id", clientID)
}

// relayLocked forwards the envelope to every other room member, stamped with
// the sender's id.
func (rt *Router) relayLocked(sessionID string, client *room.Client, env *protocol.Envelope) {
	stamped, err := env.WithPeerID(client.ID())
	if err != nil {
		rt.log.Error("stamp failed", "session_id", sessionID, "err", err)
		return
	}

	rt.fanOutLocked(env.Code, sessionID, stamped)
	rt.m.Inc(metrics.MessagesRelayed)
}

func (rt *Router) handlePositionLocked(sessionID string, client *room.Client, env *protocol.Envelope) {
	pc := env.PositionContent()

	switch {
	case pc.Position != nil:
		x, y, z := pc.Position.Coords()
		if client.UpdatePosition(spatial.Position{X: x, Y: y, Z: z}) {
			rt.broadcastVolumesLocked(sessionID, client, env.Code)
		}

	case pc.PeerID != "":
		rt.replyPeerDistanceLocked(sessionID, client, env.Code, pc.PeerID)

	default:
		rt.replySnapshotLocked(sessionID, client, env.Code)
	}
}

// broadcastVolumesLocked sends the pairwise attenuation for the moved client
// against every other room member: one directed VOLUME message to the peer
// (framed with the mover's id) and one to the mover (framed with the peer's
// id). Volume is a function of the single shared distance, so both carry the
// same value.
func (rt *Router) broadcastVolumesLocked(sessionID string, client *room.Client, roomID string) {
	sids, err := rt.registry.Peers(roomID)
	if err != nil {
		rt.log.Error("peer lookup failed", "room", roomID, "err", err)
		return
	}

	for _, sid := range sids {
		if sid == sessionID {
			continue
		}
		peerClient, ok := rt.registry.Lookup(sid)
		if !ok {
			continue
		}

		vol := spatial.Volume(client.DistanceTo(peerClient))

		if msg, err := protocol.VolumeUpdate(client.ID(), vol); err == nil {
			rt.sendLocked(sid, msg)
			rt.m.Inc(metrics.VolumeUpdatesSent)
		}
		if msg, err := protocol.VolumeUpdate(peerClient.ID(), vol); err == nil {
			rt.sendLocked(sessionID, msg)
			rt.m.Inc(metrics.VolumeUpdatesSent)
		}
	}
}

// replyPeerDistanceLocked answers a single-peer distance query. The requested
// id may be the requester's own (distance 0); an id not present in the room
// produces no reply.
func (rt *Router) replyPeerDistanceLocked(sessionID string, client *room.Client, roomID, peerID string) {
	sids, err := rt.registry.Peers(roomID)
	if err != nil {
		rt.log.Error("peer lookup failed", "room", roomID, "err", err)
		return
	}

	for _, sid := range sids {
		peerClient, ok := rt.registry.Lookup(sid)
		if !ok || peerClient.ID() != peerID {
			continue
		}
		msg, err := protocol.PositionReport(map[string]float64{peerID: client.DistanceTo(peerClient)})
		if err == nil {
			rt.sendLocked(sessionID, msg)
			rt.m.Inc(metrics.PositionReports)
		}
		return
	}
}

// replySnapshotLocked answers a whole-room distance snapshot covering every
// other member.
func (rt *Router) replySnapshotLocked(sessionID string, client *room.Client, roomID string) {
	sids, err := rt.registry.Peers(roomID)
	if err != nil {
		rt.log.Error("peer lookup failed", "room", roomID, "err", err)
		return
	}

	distances := make(map[string]float64, len(sids)-1)
	for _, sid := range sids {
		if sid == sessionID {
			continue
		}
		if peerClient, ok := rt.registry.Lookup(sid); ok {
			distances[peerClient.ID()] = client.DistanceTo(peerClient)
		}
	}

	msg, err := protocol.PositionReport(distances)
	if err == nil {
		rt.sendLocked(sessionID, msg)
		rt.m.Inc(metrics.PositionReports)
	}
}

// fanOutLocked delivers data to every room member except the excluded sender.
// Sends are independent and best-effort; one failed recipient never aborts
// the rest.
func (rt *Router) fanOutLocked(roomID, excludeSessionID string, data []byte) {
	sids, err := rt.registry.Peers(roomID)
	if err != nil {
		rt.log.Error("peer lookup failed", "room", roomID, "err", err)
		return
	}

	for _, sid := range sids {
		if sid == excludeSessionID {
			continue
		}
		rt.sendLocked(sid, data)
	}
}

func (rt *Router) sendLocked(sessionID string, data []byte) {
	peer := rt.peers[sessionID]
	if peer == nil {
		return
	}
	if err := peer.SendText(data); err != nil {
		rt.m.Inc(metrics.FailedSends)
		rt.log.Warn("send failed", "session_id", sessionID, "err", err)
	}
}
