package handlers

import (
	"crypto/rand"
	"math/big"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/mossy-p/sfu-signaling/internal/middleware"
	"github.com/mossy-p/sfu-signaling/internal/models"
)

const (
	roomCodeLength  = 6
	defaultMaxPeers = 8
	codeChars       = "ABCDEFGHJKLMNPQRSTUVWXYZ23456789" // Removed ambiguous chars
)

// GetRouterRtpCapabilities returns the capabilities of the room's router,
// creating the room if needed.
func (h *Handler) GetRouterRtpCapabilities(c *gin.Context) {
	rm, err := h.registry.GetOrCreate(c.Request.Context(), c.Param("roomId"))
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, rm.RtpCapabilities())
}

// CreateRoom allocates a room id and a short shareable code (requires
// authentication). The media room itself is created on first connection.
func (h *Handler) CreateRoom(c *gin.Context) {
	userID := c.GetString(middleware.UserIDKey)

	var req models.CreateRoomRequest
	if c.Request.ContentLength != 0 && !h.bindJSON(c, &req) {
		return
	}
	if req.MaxPeers == 0 {
		req.MaxPeers = defaultMaxPeers
	}

	meta := models.RoomMetadata{
		ID:        uuid.New().String(),
		Code:      generateRoomCode(),
		CreatorID: userID,
		CreatedAt: time.Now(),
		MaxPeers:  req.MaxPeers,
	}
	if err := h.presence.SaveRoom(c.Request.Context(), meta); err != nil {
		h.respondError(c, err)
		return
	}

	h.logger.Info("room allocated", "roomId", meta.ID, "code", meta.Code, "userId", userID)
	c.JSON(http.StatusCreated, models.CreateRoomResponse{
		RoomID: meta.ID,
		Code:   meta.Code,
	})
}

// GetRoom gets room information by code or ID (public)
func (h *Handler) GetRoom(c *gin.Context) {
	meta, err := h.presence.GetRoom(c.Request.Context(), c.Param("roomId"))
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, meta)
}

// DeleteRoom closes a room and drops its directory record (requires
// authentication; only the creator may delete an allocated room).
func (h *Handler) DeleteRoom(c *gin.Context) {
	userID := c.GetString(middleware.UserIDKey)
	ctx := c.Request.Context()

	meta, err := h.presence.GetRoom(ctx, c.Param("roomId"))
	if err != nil {
		h.respondError(c, err)
		return
	}
	if meta.CreatorID != "" && meta.CreatorID != userID {
		h.respondError(c, models.ErrForbidden.WithMessage("Only the room creator can delete the room"))
		return
	}

	if rm, ok := h.registry.Get(meta.ID); ok {
		rm.Close()
	}
	if err := h.presence.DeleteRoom(ctx, meta.ID); err != nil {
		h.respondError(c, err)
		return
	}

	h.logger.Info("room deleted", "roomId", meta.ID, "userId", userID)
	c.JSON(http.StatusOK, gin.H{"message": "Room deleted"})
}

// generateRoomCode generates a random room code
func generateRoomCode() string {
	code := make([]byte, roomCodeLength)
	for i := range code {
		n, _ := rand.Int(rand.Reader, big.NewInt(int64(len(codeChars))))
		code[i] = codeChars[n.Int64()]
	}
	return string(code)
}
