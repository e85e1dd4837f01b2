package handlers

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"

	"github.com/mossy-p/watchparty/internal/bus"
	"github.com/mossy-p/watchparty/internal/middleware"
	"github.com/mossy-p/watchparty/internal/models"
	"github.com/mossy-p/watchparty/internal/playback"
	"github.com/mossy-p/watchparty/internal/room"
)

// Rooms groups the room endpoints around their shared dependencies.
type Rooms struct {
	Store    *room.Store
	Bus      bus.Bus
	Playback playback.Store
	Logger   *logrus.Entry
}

// roomError maps store errors onto HTTP responses.
func roomError(c *gin.Context, logger *logrus.Entry, err error) {
	switch {
	case errors.Is(err, room.ErrNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": "Room not found"})
	case errors.Is(err, room.ErrFull):
		c.JSON(http.StatusConflict, gin.H{"error": "Room is full"})
	case errors.Is(err, room.ErrForbidden):
		c.JSON(http.StatusForbidden, gin.H{"error": "Only the room host can delete the room"})
	default:
		logger.WithError(err).Error("room store failure")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Internal server error"})
	}
}

// Create makes the authenticated user host of a new room.
func (h *Rooms) Create() gin.HandlerFunc {
	return func(c *gin.Context) {
		userID := c.GetString(middleware.UserIDKey)
		if userID == "" {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "User not authenticated"})
			return
		}

		rm, err := h.Store.Create(c.Request.Context(), userID)
		if err != nil {
			roomError(c, h.Logger, err)
			return
		}
		h.Logger.WithFields(logrus.Fields{"room_id": rm.ID, "code": rm.Code, "host": userID}).Info("room created")

		c.JSON(http.StatusCreated, models.CreateRoomResponse{RoomID: rm.ID, Code: rm.Code})
	}
}

// Get returns room metadata by id or code, with the live member count.
func (h *Rooms) Get() gin.HandlerFunc {
	return func(c *gin.Context) {
		rm, err := h.Store.Get(c.Request.Context(), c.Param("roomId"))
		if err != nil {
			roomError(c, h.Logger, err)
			return
		}
		if h.Bus != nil {
			if members, err := h.Bus.Presence(c.Request.Context(), bus.PresenceTopic(rm.ID)); err == nil {
				rm.Online = len(members)
			}
		}
		c.JSON(http.StatusOK, rm)
	}
}

// Join claims the partner slot of a room.
func (h *Rooms) Join() gin.HandlerFunc {
	return func(c *gin.Context) {
		userID := c.GetString(middleware.UserIDKey)
		if userID == "" {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "User not authenticated"})
			return
		}

		rm, err := h.Store.Join(c.Request.Context(), c.Param("roomId"), userID)
		if err != nil {
			roomError(c, h.Logger, err)
			return
		}

		c.JSON(http.StatusOK, models.JoinRoomResponse{
			Room:      rm,
			IsHost:    rm.HostID == userID,
			PartnerID: rm.Partner(userID),
		})
	}
}

// Delete removes a room (host only) and its playback snapshot.
func (h *Rooms) Delete() gin.HandlerFunc {
	return func(c *gin.Context) {
		userID := c.GetString(middleware.UserIDKey)
		rm, err := h.Store.Delete(c.Request.Context(), c.Param("roomId"), userID)
		if err != nil {
			roomError(c, h.Logger, err)
			return
		}
		if h.Playback != nil {
			if err := h.Playback.Delete(c.Request.Context(), rm.ID); err != nil {
				h.Logger.WithError(err).WithField("room_id", rm.ID).Warn("failed to delete playback snapshot")
			}
		}

		c.JSON(http.StatusOK, gin.H{"message": "Room deleted successfully"})
	}
}
