// Package signal defines the wire envelopes exchanged over the real-time
// transport. SDP and ICE payloads are carried as json.RawMessage end to end
// so the relay never re-encodes them: explicit nulls (sdpMid, sdpMLineIndex)
// reach the recipient byte-identical.
package signal

import (
	"encoding/json"
	"errors"
)

// Client-to-server and server-to-client event names.
const (
	EventOffer        = "offer"
	EventAnswer       = "answer"
	EventIceCandidate = "ice-candidate"

	EventCallRequest   = "call-request"
	EventCallRinging   = "call-ringing"
	EventCallAnswered  = "call-answered"
	EventCallEnd       = "call-end"
	EventCallEnded     = "call-ended"
	EventCallCancel    = "call-cancel"
	EventCallCancelled = "call-cancelled"
	EventCallReject    = "call-reject"
	EventCallRejected  = "call-rejected"
	EventCallMissed    = "call-missed"
	EventCallFailed    = "call-failed"
	EventMediaFailed   = "media-failed"

	EventUserOnline  = "user-online"
	EventUserOffline = "user-offline"

	EventModeReport = "mode-report"
	EventPing       = "ping"
)

// ReasonUnavailable is reported on call-failed when the recipient has no
// live connection.
const ReasonUnavailable = "unavailable"

var (
	ErrMissingSDP       = errors.New("signal: session description requires type and sdp")
	ErrMissingCandidate = errors.New("signal: ice payload requires candidate")
)

// Envelope is the single message shape on the websocket. Exactly one of
// Offer, Answer and Candidate is set depending on Type.
type Envelope struct {
	Type      string          `json:"type"`
	To        string          `json:"to,omitempty"`
	From      string          `json:"from,omitempty"`
	CallID    string          `json:"call_id,omitempty"`
	CallType  string          `json:"call_type,omitempty"`
	Mode      string          `json:"mode,omitempty"`
	Reason    string          `json:"reason,omitempty"`
	Offer     json.RawMessage `json:"offer,omitempty"`
	Answer    json.RawMessage `json:"answer,omitempty"`
	Candidate json.RawMessage `json:"candidate,omitempty"`
	Call      json.RawMessage `json:"call,omitempty"`
}

// Encode marshals an envelope, panicking never: an envelope is always
// marshalable since payloads are raw JSON already.
func Encode(env Envelope) []byte {
	b, _ := json.Marshal(env)
	return b
}

// SessionDescription mirrors the fields the relay validates before
// forwarding an offer or answer. The full payload stays opaque.
type SessionDescription struct {
	Type string `json:"type"`
	SDP  string `json:"sdp"`
}

// IceCandidate mirrors the required ICE fields. sdpMid and sdpMLineIndex
// are legitimately null for end-of-candidates style payloads.
type IceCandidate struct {
	Candidate        string  `json:"candidate"`
	SDPMid           *string `json:"sdpMid"`
	SDPMLineIndex    *uint16 `json:"sdpMLineIndex"`
	UsernameFragment *string `json:"usernameFragment,omitempty"`
}

// ValidateDescription checks that raw carries a session description of the
// wanted type ("offer" or "answer") with a non-empty sdp.
func ValidateDescription(raw json.RawMessage, want string) error {
	var desc SessionDescription
	if err := json.Unmarshal(raw, &desc); err != nil {
		return err
	}
	if desc.Type != want || desc.SDP == "" {
		return ErrMissingSDP
	}
	return nil
}

// ValidateCandidate checks that raw carries an ICE candidate with the
// required candidate field present.
func ValidateCandidate(raw json.RawMessage) error {
	var cand struct {
		Candidate *string `json:"candidate"`
	}
	if err := json.Unmarshal(raw, &cand); err != nil {
		return err
	}
	if cand.Candidate == nil {
		return ErrMissingCandidate
	}
	return nil
}
