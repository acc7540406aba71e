package handlers

import (
	"net/http"
	"time"

	"github.com/duocall/duocall/internal/models"

	"github.com/gin-gonic/gin"
)

type userPresence struct {
	ID       string     `json:"id"`
	Username string     `json:"username"`
	Online   bool       `json:"online"`
	LastSeen *time.Time `json:"last_seen,omitempty"`
}

// ListUsers returns every registered user with their live presence.
func (h *Handlers) ListUsers(c *gin.Context) {
	var users []models.User
	if err := h.db.Order("username ASC").Find(&users).Error; err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Database error"})
		return
	}

	out := make([]userPresence, 0, len(users))
	for _, u := range users {
		p := userPresence{
			ID:       u.ID,
			Username: u.Username,
			Online:   h.tracker.IsOnline(u.ID),
		}
		if lastSeen, ok := h.tracker.LastSeen(u.ID); ok {
			p.LastSeen = &lastSeen
		}
		out = append(out, p)
	}
	c.JSON(http.StatusOK, gin.H{"users": out})
}

// CallHistory returns the requesting user's finished calls, newest first.
func (h *Handlers) CallHistory(c *gin.Context) {
	userID := c.GetString("user_id")

	calls, err := h.store.History(userID)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Database error"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"calls": calls})
}
