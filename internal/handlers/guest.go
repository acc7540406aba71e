package handlers

import (
	"errors"
	"net/http"

	"github.com/duocall/duocall/internal/guest"

	"github.com/gin-gonic/gin"
)

type guestRoomRequest struct {
	DisplayName string `json:"display_name" binding:"required"`
}

// CreateGuestRoom starts a quick call: no account, just a display name.
func (h *Handlers) CreateGuestRoom(c *gin.Context) {
	var req guestRoomRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	session, err := h.guests.CreateRoom(req.DisplayName)
	if err != nil {
		h.writeGuestError(c, err)
		return
	}
	c.JSON(http.StatusCreated, session)
}

// JoinGuestRoom lets anyone holding the share link into the room.
func (h *Handlers) JoinGuestRoom(c *gin.Context) {
	var req guestRoomRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	session, err := h.guests.JoinRoom(c.Param("room_id"), req.DisplayName)
	if err != nil {
		h.writeGuestError(c, err)
		return
	}
	c.JSON(http.StatusOK, session)
}

// ValidateGuestToken checks a previously issued token and reports the room
// it grants.
func (h *Handlers) ValidateGuestToken(c *gin.Context) {
	token := c.Query("token")
	if token == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "token is required"})
		return
	}

	roomID, err := h.guests.ValidateToken(token)
	if err != nil {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "Invalid token"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"room_id": roomID})
}

func (h *Handlers) writeGuestError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, guest.ErrEmptyName), errors.Is(err, guest.ErrInvalidToken):
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
	default:
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to create guest session"})
	}
}
