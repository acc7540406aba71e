package handlers

import (
	"github.com/duocall/duocall/internal/hub"
	"github.com/duocall/duocall/internal/models"
	"github.com/duocall/duocall/internal/push"
	"github.com/duocall/duocall/internal/signal"

	"gorm.io/gorm"
)

// CallNotifier delivers server-owned call events over the websocket and,
// for missed calls, through web push so a closed browser still learns
// about them.
type CallNotifier struct {
	Hub  *hub.Hub
	Push *push.Service
	DB   *gorm.DB
}

func (n *CallNotifier) NotifyCall(userID, event string, c models.Call) {
	n.Hub.NotifyCall(userID, event, c)

	if event == signal.EventCallMissed && userID == c.ReceiverID {
		n.Push.NotifyMissedCall(c, n.callerName(c.CallerID))
	}
}

func (n *CallNotifier) callerName(userID string) string {
	var user models.User
	if err := n.DB.First(&user, "id = ?", userID).Error; err != nil {
		return "Someone"
	}
	return user.Username
}
