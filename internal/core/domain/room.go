package domain

import (
	"fmt"
	"sort"
)

type RoomID string
type ParticipantID string

// Room is a catalog entry. Rooms are never created at runtime.
type Room struct {
	ID       RoomID `json:"id"`
	Name     string `json:"name"`
	Capacity int    `json:"capacity"`
}

// Catalog is the immutable set of rooms loaded at startup.
type Catalog struct {
	rooms []Room
	byID  map[RoomID]Room
}

func NewCatalog(rooms []Room) (*Catalog, error) {
	if len(rooms) == 0 {
		return nil, fmt.Errorf("room catalog must not be empty")
	}

	c := &Catalog{
		rooms: make([]Room, 0, len(rooms)),
		byID:  make(map[RoomID]Room, len(rooms)),
	}
	for _, r := range rooms {
		if r.ID == "" {
			return nil, fmt.Errorf("room id must not be empty")
		}
		if r.Capacity <= 0 {
			return nil, fmt.Errorf("room %s: capacity must be > 0", r.ID)
		}
		if _, dup := c.byID[r.ID]; dup {
			return nil, fmt.Errorf("duplicate room id %s", r.ID)
		}
		c.rooms = append(c.rooms, r)
		c.byID[r.ID] = r
	}
	return c, nil
}

func (c *Catalog) Lookup(id RoomID) (Room, bool) {
	r, ok := c.byID[id]
	return r, ok
}

// Rooms returns the catalog in configuration order.
func (c *Catalog) Rooms() []Room {
	out := make([]Room, len(c.rooms))
	copy(out, c.rooms)
	return out
}

func (c *Catalog) Len() int {
	return len(c.rooms)
}

// Member is the room-scoped snapshot of a participant. It is a value, never a
// reference into the registry's participant table.
type Member struct {
	ID       ParticipantID `json:"id"`
	Name     string        `json:"name"`
	Role     Role          `json:"role"`
	Avatar   string        `json:"avatar"`
	Muted    bool          `json:"muted"`
	Speaking bool          `json:"speaking"`
}

// Roster is a room's full membership map.
type Roster map[ParticipantID]Member

func (r Roster) Clone() Roster {
	out := make(Roster, len(r))
	for id, m := range r {
		out[id] = m
	}
	return out
}

// IDs returns member ids in sorted order.
func (r Roster) IDs() []ParticipantID {
	ids := make([]ParticipantID, 0, len(r))
	for id := range r {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

func (r Roster) Has(id ParticipantID) bool {
	_, ok := r[id]
	return ok
}
