// Package relay routes signaling messages between users. Delivery is
// best-effort and acknowledgment-free: a message reaches every live
// connection of the recipient at most once, and messages to offline users
// are dropped with a failure event back to the sender.
//
// Ordering: each relay call enqueues synchronously into every recipient
// connection's ordered send queue, and every inbound connection is drained
// by a single reader goroutine. Messages from one sender to one recipient
// therefore arrive in send order; nothing is guaranteed across different
// sender/recipient pairs.
package relay

import (
	"encoding/json"
	"errors"
	"log/slog"

	"github.com/duocall/duocall/internal/models"
	"github.com/duocall/duocall/internal/signal"
)

var ErrRecipientUnavailable = errors.New("recipient has no live connection")

// Conn is one live connection of a user. TrySend must enqueue without
// blocking and report false when the connection cannot take the message.
type Conn interface {
	ID() string
	UserID() string
	TrySend(payload []byte) bool
}

// Directory resolves a user to the current snapshot of their connections.
// The snapshot may be stale the moment it is taken; a connection that went
// away mid-relay just drops the message.
type Directory interface {
	Connections(userID string) []Conn
}

// CallRegistry is the slice of the call state machine the relay drives:
// the ICE gate for a pair and the answer transition.
type CallRegistry interface {
	SignalingOpen(a, b string) bool
	AnswerFrom(calleeID, callerID string) (models.Call, error)
}

type Relay struct {
	conns Directory
	calls CallRegistry
	log   *slog.Logger
}

func New(conns Directory, calls CallRegistry, logger *slog.Logger) *Relay {
	return &Relay{conns: conns, calls: calls, log: logger}
}

// RelayOffer forwards an SDP offer to every connection of the recipient.
// With no live recipient connection the sender gets call-failed instead.
func (r *Relay) RelayOffer(from Conn, to string, offer json.RawMessage) error {
	if err := signal.ValidateDescription(offer, "offer"); err != nil {
		return err
	}
	env := signal.Envelope{
		Type:  signal.EventOffer,
		From:  from.UserID(),
		To:    to,
		Offer: offer,
	}
	if !r.fanOut(to, signal.Encode(env)) {
		r.notifyUnavailable(from, to)
		return ErrRecipientUnavailable
	}
	return nil
}

// RelayAnswer forwards an SDP answer to the caller and moves the pair's
// call to ANSWERED. The answering user's other devices are told to stop
// ringing.
func (r *Relay) RelayAnswer(from Conn, to string, answer json.RawMessage) error {
	if err := signal.ValidateDescription(answer, "answer"); err != nil {
		return err
	}
	env := signal.Envelope{
		Type:   signal.EventAnswer,
		From:   from.UserID(),
		To:     to,
		Answer: answer,
	}
	if !r.fanOut(to, signal.Encode(env)) {
		r.notifyUnavailable(from, to)
		return ErrRecipientUnavailable
	}

	call, err := r.calls.AnswerFrom(from.UserID(), to)
	if err != nil {
		// A racing cancel or timeout got there first; the answer is a
		// no-op, never a session error.
		r.log.Debug("answer ignored", "from", from.UserID(), "to", to, "error", err)
		return nil
	}
	r.stopRingingElsewhere(from, call)
	return nil
}

// RelayIceCandidate forwards an ICE candidate while the pair's call is
// still in a non-terminal state; afterwards candidates are dropped
// silently. The payload is passed through byte-identical.
func (r *Relay) RelayIceCandidate(from Conn, to string, candidate json.RawMessage) error {
	if err := signal.ValidateCandidate(candidate); err != nil {
		return err
	}
	if !r.calls.SignalingOpen(from.UserID(), to) {
		r.log.Debug("ice candidate dropped, signaling closed", "from", from.UserID(), "to", to)
		return nil
	}
	env := signal.Envelope{
		Type:      signal.EventIceCandidate,
		From:      from.UserID(),
		To:        to,
		Candidate: candidate,
	}
	if !r.fanOut(to, signal.Encode(env)) {
		// Recipient went offline mid-call: drop, tell the sender once.
		r.trySendEnvelope(from, signal.Envelope{Type: signal.EventUserOffline, From: to})
	}
	return nil
}

// fanOut enqueues payload on every connection of userID, reporting whether
// at least one connection took it.
func (r *Relay) fanOut(userID string, payload []byte) bool {
	delivered := false
	for _, conn := range r.conns.Connections(userID) {
		if conn.TrySend(payload) {
			delivered = true
		} else {
			r.log.Debug("relay send dropped", "user_id", userID, "conn_id", conn.ID())
		}
	}
	return delivered
}

func (r *Relay) notifyUnavailable(sender Conn, to string) {
	r.trySendEnvelope(sender, signal.Envelope{
		Type:   signal.EventCallFailed,
		From:   to,
		Reason: signal.ReasonUnavailable,
	})
}

// stopRingingElsewhere tells the callee's other devices the call was picked
// up on this one.
func (r *Relay) stopRingingElsewhere(answered Conn, call models.Call) {
	payload, err := json.Marshal(call)
	if err != nil {
		return
	}
	env := signal.Envelope{
		Type:   signal.EventCallAnswered,
		From:   answered.UserID(),
		CallID: call.ID,
		Call:   payload,
	}
	encoded := signal.Encode(env)
	for _, conn := range r.conns.Connections(answered.UserID()) {
		if conn.ID() == answered.ID() {
			continue
		}
		conn.TrySend(encoded)
	}
}

func (r *Relay) trySendEnvelope(conn Conn, env signal.Envelope) {
	if !conn.TrySend(signal.Encode(env)) {
		r.log.Debug("relay feedback dropped", "user_id", conn.UserID(), "conn_id", conn.ID())
	}
}
