package handlers

import (
	"context"
	"errors"

	"github.com/gin-gonic/gin"
	"github.com/jiyeyuran/go-protoo"

	"github.com/mossy-p/sfu-signaling/internal/models"
	"github.com/mossy-p/sfu-signaling/internal/room"
)

// maxAdmitAttempts bounds how often a connection is retried when it races
// with its room closing.
const maxAdmitAttempts = 3

// HandleSignaling upgrades GET /ws?roomId=&peerId= to a signaling
// connection and hands it to the room.
func (h *Handler) HandleSignaling(c *gin.Context) {
	roomID := c.Query("roomId")
	peerID := c.Query("peerId")
	if roomID == "" || peerID == "" {
		h.respondError(c, models.ErrInvalidRequest.WithMessage("Connection request without roomId and/or peerId"))
		return
	}
	logger := h.logger.With("roomId", roomID, "peerId", peerID)

	conn, err := h.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		logger.Warn("failed to upgrade connection", "error", err)
		return
	}
	logger.Info("websocket connection request", "remoteAddr", conn.RemoteAddr().String())

	transport := protoo.NewWebsocketTransport(conn)
	if err := h.admit(c.Request.Context(), roomID, peerID, transport); err != nil {
		logger.Error("room creation or room joining failed", "error", err)
		transport.Close()
		return
	}
	// Run pumps the connection until it closes.
	transport.Run()
}

func (h *Handler) admit(ctx context.Context, roomID, peerID string, transport protoo.Transport) error {
	var err error
	for attempt := 0; attempt < maxAdmitAttempts; attempt++ {
		var rm *room.Room
		rm, err = h.registry.GetOrCreate(ctx, roomID)
		if err != nil {
			return err
		}
		err = rm.HandleConnection(peerID, transport)
		if !errors.Is(err, room.ErrRoomClosed) {
			return err
		}
	}
	return err
}
