package handlers

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/duocall/duocall/internal/call"
	"github.com/duocall/duocall/internal/emergency"
	"github.com/duocall/duocall/internal/hub"
	"github.com/duocall/duocall/internal/models"
	"github.com/duocall/duocall/internal/relay"
	"github.com/duocall/duocall/internal/signal"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
)

const (
	wsWriteWait  = 10 * time.Second
	wsPongWait   = 70 * time.Second
	wsPingPeriod = 30 * time.Second
)

// HandleWebSocket authenticates and upgrades a signaling connection. The
// token travels in the query string because browsers cannot set headers on
// websocket upgrades.
func (h *Handlers) HandleWebSocket(c *gin.Context) {
	userID, ok := h.verifyToken(c.Query("token"))
	if !ok {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "Invalid token"})
		return
	}

	conn, err := h.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		h.log.Warn("ws upgrade failed", "user_id", userID, "error", err)
		return
	}

	client := hub.NewClient(userID, conn)
	h.hub.Add(client)

	go h.writePump(client)
	h.readPump(client)
}

func (h *Handlers) readPump(client *hub.Client) {
	defer func() {
		_ = client.Conn.Close()
		h.hub.Remove(client)
	}()

	_ = client.Conn.SetReadDeadline(time.Now().Add(wsPongWait))
	client.Conn.SetPongHandler(func(string) error {
		_ = client.Conn.SetReadDeadline(time.Now().Add(wsPongWait))
		return nil
	})

	for {
		_, payload, err := client.Conn.ReadMessage()
		if err != nil {
			h.log.Debug("ws read error", "user_id", client.UserID(), "conn_id", client.ID(), "error", err)
			return
		}

		var env signal.Envelope
		if err := json.Unmarshal(payload, &env); err != nil {
			h.log.Debug("ws bad json", "user_id", client.UserID(), "error", err)
			continue
		}

		h.dispatch(client, env)
	}
}

func (h *Handlers) writePump(client *hub.Client) {
	defer func() {
		_ = client.Conn.Close()
	}()

	ticker := time.NewTicker(wsPingPeriod)
	defer ticker.Stop()

	for {
		select {
		case msg, ok := <-client.Outbound():
			if !ok {
				return
			}
			_ = client.Conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
			if err := client.Conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				return
			}
		case <-ticker.C:
			_ = client.Conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
			if err := client.Conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// dispatch routes one inbound envelope. Signaling errors never tear down
// the connection; they are answered in-band or absorbed.
func (h *Handlers) dispatch(client *hub.Client, env signal.Envelope) {
	userID := client.UserID()

	// SDP and candidate payloads may contain addresses; log type and size
	// only.
	h.log.Debug("ws recv", "user_id", userID, "type", env.Type, "to", env.To,
		"bytes", len(env.Offer)+len(env.Answer)+len(env.Candidate))

	switch env.Type {
	case signal.EventPing:
		// Keepalive on top of protocol-level pings; nothing to do.

	case signal.EventModeReport:
		h.hub.SetMode(userID, emergency.ParseMode(env.Mode))

	case signal.EventCallRequest:
		h.handleCallRequest(client, env)

	case signal.EventOffer:
		if err := h.relay.RelayOffer(client, env.To, env.Offer); err != nil {
			h.log.Debug("offer not relayed", "user_id", userID, "to", env.To, "error", err)
		}

	case signal.EventAnswer:
		if err := h.relay.RelayAnswer(client, env.To, env.Answer); err != nil {
			h.log.Debug("answer not relayed", "user_id", userID, "to", env.To, "error", err)
		}

	case signal.EventIceCandidate:
		if err := h.relay.RelayIceCandidate(client, env.To, env.Candidate); err != nil {
			h.log.Debug("candidate not relayed", "user_id", userID, "to", env.To, "error", err)
		}

	case signal.EventCallReject:
		h.applyPairTransition(userID, env.To, signal.EventCallRejected, h.calls.RejectFrom)

	case signal.EventCallCancel:
		h.applyPairTransition(userID, env.To, signal.EventCallCancelled, h.calls.CancelFrom)

	case signal.EventCallEnd:
		h.applyPairTransition(userID, env.To, signal.EventCallEnded, h.calls.EndFrom)

	case signal.EventMediaFailed:
		h.applyPairTransition(userID, env.To, signal.EventCallFailed, h.calls.FailMediaFrom)

	default:
		h.log.Debug("ws unknown event", "user_id", userID, "type", env.Type)
	}
}

// handleCallRequest originates a call and delivers the initial offer. The
// receiver must be online before any call record comes to exist.
func (h *Handlers) handleCallRequest(client *hub.Client, env signal.Envelope) {
	userID := client.UserID()

	if err := signal.ValidateDescription(env.Offer, "offer"); err != nil {
		h.log.Debug("call request without valid offer", "user_id", userID, "error", err)
		return
	}

	typ := models.CallType(env.CallType)
	if typ == "" {
		typ = models.CallTypeAudio
	}
	mode := call.CombineModes(h.hub.ModeOf(userID), h.hub.ModeOf(env.To))

	newCall, err := h.calls.Originate(userID, env.To, typ, mode)
	if err != nil {
		h.rejectCallRequest(client, env.To, err)
		return
	}

	payload, _ := json.Marshal(newCall)
	request := signal.Envelope{
		Type:     signal.EventCallRequest,
		From:     userID,
		To:       env.To,
		CallID:   newCall.ID,
		CallType: string(newCall.Type),
		Mode:     string(newCall.Mode),
		Call:     payload,
		Offer:    env.Offer,
	}
	if !h.deliverToUser(env.To, signal.Encode(request)) {
		// The receiver dropped off between the presence check and now.
		if failed, err := h.calls.FailUnreachable(newCall.ID); err == nil {
			h.hub.NotifyCall(userID, signal.EventCallFailed, failed)
		}
		return
	}

	ringing, err := h.calls.RingDelivered(newCall.ID)
	if err != nil {
		h.log.Debug("ring transition lost", "call_id", newCall.ID, "error", err)
		return
	}
	h.hub.NotifyCall(userID, signal.EventCallRinging, ringing)

	caller := h.username(userID)
	h.push.NotifyIncomingCall(ringing, caller)
}

func (h *Handlers) rejectCallRequest(client *hub.Client, to string, err error) {
	reason := ""
	switch {
	case errors.Is(err, call.ErrReceiverOffline):
		reason = signal.ReasonUnavailable
	case errors.Is(err, call.ErrPairBusy):
		reason = "busy"
	case errors.Is(err, call.ErrSelfCall):
		reason = "self"
	default:
		h.log.Warn("call origination failed", "user_id", client.UserID(), "to", to, "error", err)
		reason = "error"
	}
	client.TrySend(signal.Encode(signal.Envelope{
		Type:   signal.EventCallFailed,
		From:   to,
		Reason: reason,
	}))
}

// applyPairTransition runs a client-triggered lifecycle transition and, on
// success, tells both participants. Late or unauthorized events are
// absorbed.
func (h *Handlers) applyPairTransition(userID, otherID, event string, apply func(string, string) (models.Call, error)) {
	c, err := apply(userID, otherID)
	if err != nil {
		h.log.Debug("call transition ignored", "user_id", userID, "other_id", otherID, "event", event, "error", err)
		return
	}
	h.hub.NotifyCall(c.CallerID, event, c)
	h.hub.NotifyCall(c.ReceiverID, event, c)
}

func (h *Handlers) deliverToUser(userID string, payload []byte) bool {
	delivered := false
	for _, conn := range h.hub.Connections(userID) {
		if conn.TrySend(payload) {
			delivered = true
		}
	}
	return delivered
}

func (h *Handlers) username(userID string) string {
	var user models.User
	if err := h.db.First(&user, "id = ?", userID).Error; err != nil {
		return "Someone"
	}
	return user.Username
}

// compile-time check that hub clients satisfy the relay's view of a
// connection.
var _ relay.Conn = (*hub.Client)(nil)
