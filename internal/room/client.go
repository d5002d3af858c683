package room

import "github.com/decibelapp/decibel-relay/internal/spatial"

// Client is the per-connection bookkeeping record: server-assigned id, current
// room, and last reported position. Records are created and owned by the
// Registry; the id never changes for the lifetime of the connection.
type Client struct {
	id   string
	room string
	pos  spatial.Position
}

func newClient(id string) *Client {
	return &Client{id: id}
}

func (c *Client) ID() string   { return c.id }
func (c *Client) Room() string { return c.room }

// Unassigned reports whether the client has not yet joined a room.
func (c *Client) Unassigned() bool { return c.room == "" }

func (c *Client) assignRoom(roomID string) { c.room = roomID }

// UpdatePosition replaces the client's position and reports whether it
// actually changed. Unchanged positions must not trigger volume broadcasts,
// so callers key off the return value.
func (c *Client) UpdatePosition(p spatial.Position) bool {
	if p == c.pos {
		return false
	}
	c.pos = p
	return true
}

func (c *Client) Position() spatial.Position { return c.pos }

// DistanceTo is the Euclidean distance between two clients' positions.
func (c *Client) DistanceTo(other *Client) float64 {
	return spatial.Distance(c.pos, other.pos)
}
