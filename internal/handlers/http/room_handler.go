package http

import (
	"net/http"

	"voicemesh/internal/core/domain"
	"voicemesh/internal/core/ports"
	"voicemesh/pkg/errors"
	"voicemesh/pkg/validation"

	"github.com/gin-gonic/gin"
)

type RoomHandler struct {
	catalog  *domain.Catalog
	registry ports.RoomRegistry
}

var _ ports.HTTPHandler = (*RoomHandler)(nil)

func NewRoomHandler(catalog *domain.Catalog, registry ports.RoomRegistry) *RoomHandler {
	return &RoomHandler{
		catalog:  catalog,
		registry: registry,
	}
}

func (h *RoomHandler) SetupRoutes(router gin.IRouter) {
	api := router.Group("/api/v1")
	{
		api.GET("/rooms", h.ListRooms)
		api.GET("/rooms/:id", h.GetRoom)
		api.GET("/occupancy", h.GetOccupancy)
	}
}

type roomView struct {
	ID       domain.RoomID `json:"id"`
	Name     string        `json:"name"`
	Capacity int           `json:"capacity"`
	Members  int           `json:"members"`
	Speaking int           `json:"speaking"`
}

func (h *RoomHandler) ListRooms(c *gin.Context) {
	stats := make(map[domain.RoomID]domain.RoomMetrics)
	for _, s := range h.registry.RoomStats() {
		stats[s.RoomID] = s
	}

	rooms := make([]roomView, 0, h.catalog.Len())
	for _, r := range h.catalog.Rooms() {
		s := stats[r.ID]
		rooms = append(rooms, roomView{
			ID:       r.ID,
			Name:     r.Name,
			Capacity: r.Capacity,
			Members:  s.Members,
			Speaking: s.Speaking,
		})
	}

	c.JSON(http.StatusOK, gin.H{
		"rooms": rooms,
		"count": len(rooms),
	})
}

func (h *RoomHandler) GetRoom(c *gin.Context) {
	id := c.Param("id")
	if err := validation.ValidateRoomID(id); err != nil {
		c.Error(errors.NewInvalidInputError(err.Error()))
		return
	}

	roomID := domain.RoomID(id)
	room, ok := h.catalog.Lookup(roomID)
	if !ok {
		c.Error(errors.NewRoomNotFoundError(id))
		return
	}

	roster, err := h.registry.Roster(roomID)
	if err != nil {
		c.Error(errors.FromDomain(err))
		return
	}

	members := make([]domain.Member, 0, len(roster))
	for _, memberID := range roster.IDs() {
		members = append(members, roster[memberID])
	}

	c.JSON(http.StatusOK, gin.H{
		"room": roomView{
			ID:       room.ID,
			Name:     room.Name,
			Capacity: room.Capacity,
			Members:  len(members),
		},
		"members": members,
	})
}

func (h *RoomHandler) GetOccupancy(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"counts": h.registry.OccupancyCounts(),
	})
}
