package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/mossy-p/sfu-signaling/internal/models"
	"github.com/mossy-p/sfu-signaling/internal/room"
)

// withRoom resolves :roomId to a live room, creating it if needed.
func (h *Handler) withRoom(c *gin.Context) (*room.Room, bool) {
	rm, err := h.registry.GetOrCreate(c.Request.Context(), c.Param("roomId"))
	if err != nil {
		h.respondError(c, err)
		return nil, false
	}
	return rm, true
}

func (h *Handler) CreateBroadcaster(c *gin.Context) {
	rm, ok := h.withRoom(c)
	if !ok {
		return
	}
	var req models.CreateBroadcasterRequest
	if !h.bindJSON(c, &req) {
		return
	}

	resp, err := rm.CreateBroadcaster(c.Request.Context(), req)
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, resp)
}

func (h *Handler) DeleteBroadcaster(c *gin.Context) {
	rm, ok := h.withRoom(c)
	if !ok {
		return
	}
	if err := rm.DeleteBroadcaster(c.Request.Context(), c.Param("broadcasterId")); err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"message": "Broadcaster deleted"})
}

func (h *Handler) CreateBroadcasterTransport(c *gin.Context) {
	rm, ok := h.withRoom(c)
	if !ok {
		return
	}
	var req models.CreateBroadcasterTransportRequest
	if !h.bindJSON(c, &req) {
		return
	}

	info, err := rm.CreateBroadcasterTransport(c.Request.Context(), c.Param("broadcasterId"), req)
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, info)
}

func (h *Handler) ConnectBroadcasterTransport(c *gin.Context) {
	rm, ok := h.withRoom(c)
	if !ok {
		return
	}
	var req models.ConnectBroadcasterTransportRequest
	if !h.bindJSON(c, &req) {
		return
	}

	if err := rm.ConnectBroadcasterTransport(c.Request.Context(), c.Param("broadcasterId"), c.Param("transportId"), req); err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{})
}

func (h *Handler) CreateBroadcasterProducer(c *gin.Context) {
	rm, ok := h.withRoom(c)
	if !ok {
		return
	}
	var req models.CreateBroadcasterProducerRequest
	if !h.bindJSON(c, &req) {
		return
	}

	resp, err := rm.CreateBroadcasterProducer(c.Request.Context(), c.Param("broadcasterId"), c.Param("transportId"), req)
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, resp)
}

func (h *Handler) CreateBroadcasterConsumer(c *gin.Context) {
	rm, ok := h.withRoom(c)
	if !ok {
		return
	}
	producerID := c.Query("producerId")
	if producerID == "" {
		h.respondError(c, models.ErrInvalidRequest.WithMessage("missing producerId"))
		return
	}

	info, err := rm.CreateBroadcasterConsumer(c.Request.Context(), c.Param("broadcasterId"), c.Param("transportId"), producerID)
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, info)
}

func (h *Handler) CreateBroadcasterDataConsumer(c *gin.Context) {
	rm, ok := h.withRoom(c)
	if !ok {
		return
	}
	dataProducerID := c.Query("dataProducerId")
	if dataProducerID == "" {
		h.respondError(c, models.ErrInvalidRequest.WithMessage("missing dataProducerId"))
		return
	}

	info, err := rm.CreateBroadcasterDataConsumer(c.Request.Context(), c.Param("broadcasterId"), c.Param("transportId"), dataProducerID)
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, info)
}

func (h *Handler) CreateBroadcasterDataProducer(c *gin.Context) {
	rm, ok := h.withRoom(c)
	if !ok {
		return
	}
	var req models.CreateBroadcasterDataProducerRequest
	if !h.bindJSON(c, &req) {
		return
	}

	resp, err := rm.CreateBroadcasterDataProducer(c.Request.Context(), c.Param("broadcasterId"), c.Param("transportId"), req)
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, resp)
}

// GetBroadcasterStats returns stats for the transport, producer or consumer
// named by query parameter.
func (h *Handler) GetBroadcasterStats(c *gin.Context) {
	rm, ok := h.withRoom(c)
	if !ok {
		return
	}

	stats, err := rm.GetBroadcasterStats(c.Request.Context(), c.Param("broadcasterId"),
		c.Query("transportId"), c.Query("producerId"), c.Query("consumerId"))
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, stats)
}
