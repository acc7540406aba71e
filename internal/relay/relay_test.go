package relay

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"testing"

	"github.com/duocall/duocall/internal/models"
	"github.com/duocall/duocall/internal/signal"
)

type fakeConn struct {
	id     string
	userID string

	mu   sync.Mutex
	msgs [][]byte
	full bool
}

func (c *fakeConn) ID() string     { return c.id }
func (c *fakeConn) UserID() string { return c.userID }

func (c *fakeConn) TrySend(payload []byte) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.full {
		return false
	}
	c.msgs = append(c.msgs, append([]byte(nil), payload...))
	return true
}

func (c *fakeConn) envelopes(t *testing.T) []signal.Envelope {
	t.Helper()
	c.mu.Lock()
	defer c.mu.Unlock()
	envs := make([]signal.Envelope, 0, len(c.msgs))
	for _, raw := range c.msgs {
		var env signal.Envelope
		if err := json.Unmarshal(raw, &env); err != nil {
			t.Fatalf("bad envelope %q: %v", raw, err)
		}
		envs = append(envs, env)
	}
	return envs
}

type fakeDirectory map[string][]*fakeConn

func (d fakeDirectory) Connections(userID string) []Conn {
	conns := make([]Conn, 0, len(d[userID]))
	for _, c := range d[userID] {
		conns = append(conns, c)
	}
	return conns
}

type fakeCalls struct {
	mu        sync.Mutex
	open      bool
	answerErr error
	answered  []string // "callee->caller"
	call      models.Call
}

func (f *fakeCalls) SignalingOpen(a, b string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.open
}

func (f *fakeCalls) AnswerFrom(calleeID, callerID string) (models.Call, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.answerErr != nil {
		return models.Call{}, f.answerErr
	}
	f.answered = append(f.answered, calleeID+"->"+callerID)
	return f.call, nil
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

const testOffer = `{"type":"offer","sdp":"v=0 caller"}`
const testAnswer = `{"type":"answer","sdp":"v=0 callee"}`

func TestOfferFansOutToAllRecipientConnections(t *testing.T) {
	sender := &fakeConn{id: "c-a1", userID: "alice"}
	phone := &fakeConn{id: "c-b1", userID: "bob"}
	laptop := &fakeConn{id: "c-b2", userID: "bob"}
	dir := fakeDirectory{"alice": {sender}, "bob": {phone, laptop}}
	r := New(dir, &fakeCalls{open: true}, testLogger())

	if err := r.RelayOffer(sender, "bob", json.RawMessage(testOffer)); err != nil {
		t.Fatalf("relay offer: %v", err)
	}

	for _, conn := range []*fakeConn{phone, laptop} {
		envs := conn.envelopes(t)
		if len(envs) != 1 {
			t.Fatalf("%s: expected 1 message, got %d", conn.id, len(envs))
		}
		env := envs[0]
		if env.Type != signal.EventOffer || env.From != "alice" || env.To != "bob" {
			t.Fatalf("%s: bad envelope %+v", conn.id, env)
		}
		if string(env.Offer) != testOffer {
			t.Fatalf("%s: offer payload changed: %s", conn.id, env.Offer)
		}
	}
	if len(sender.envelopes(t)) != 0 {
		t.Fatalf("sender must get no feedback on success")
	}
}

func TestOfferToOfflineUserFailsBackToSender(t *testing.T) {
	sender := &fakeConn{id: "c-a1", userID: "alice"}
	dir := fakeDirectory{"alice": {sender}}
	r := New(dir, &fakeCalls{open: true}, testLogger())

	err := r.RelayOffer(sender, "bob", json.RawMessage(testOffer))
	if !errors.Is(err, ErrRecipientUnavailable) {
		t.Fatalf("expected ErrRecipientUnavailable, got %v", err)
	}

	envs := sender.envelopes(t)
	if len(envs) != 1 {
		t.Fatalf("expected 1 failure event, got %d", len(envs))
	}
	if envs[0].Type != signal.EventCallFailed || envs[0].Reason != signal.ReasonUnavailable || envs[0].From != "bob" {
		t.Fatalf("bad failure envelope %+v", envs[0])
	}
}

func TestOfferValidation(t *testing.T) {
	sender := &fakeConn{id: "c-a1", userID: "alice"}
	r := New(fakeDirectory{}, &fakeCalls{}, testLogger())

	cases := []string{
		`{"type":"offer"}`,
		`{"type":"answer","sdp":"v=0"}`,
		`{"sdp":"v=0"}`,
		`not json`,
	}
	for _, raw := range cases {
		if err := r.RelayOffer(sender, "bob", json.RawMessage(raw)); err == nil {
			t.Fatalf("offer %q should be rejected", raw)
		}
	}
}

func TestAnswerForwardsAndDrivesStateMachine(t *testing.T) {
	callerConn := &fakeConn{id: "c-a1", userID: "alice"}
	calleePhone := &fakeConn{id: "c-b1", userID: "bob"}
	calleeLaptop := &fakeConn{id: "c-b2", userID: "bob"}
	dir := fakeDirectory{"alice": {callerConn}, "bob": {calleePhone, calleeLaptop}}
	calls := &fakeCalls{open: true, call: models.Call{ID: "call-1", CallerID: "alice", ReceiverID: "bob", Status: models.CallStatusAnswered}}
	r := New(dir, calls, testLogger())

	if err := r.RelayAnswer(calleePhone, "alice", json.RawMessage(testAnswer)); err != nil {
		t.Fatalf("relay answer: %v", err)
	}

	envs := callerConn.envelopes(t)
	if len(envs) != 1 || envs[0].Type != signal.EventAnswer || string(envs[0].Answer) != testAnswer {
		t.Fatalf("caller got %+v", envs)
	}
	if len(calls.answered) != 1 || calls.answered[0] != "bob->alice" {
		t.Fatalf("state machine not driven: %v", calls.answered)
	}

	// The callee's second device stops ringing.
	laptopEnvs := calleeLaptop.envelopes(t)
	if len(laptopEnvs) != 1 || laptopEnvs[0].Type != signal.EventCallAnswered || laptopEnvs[0].CallID != "call-1" {
		t.Fatalf("other device got %+v", laptopEnvs)
	}
	// But not the answering device itself.
	if len(calleePhone.envelopes(t)) != 0 {
		t.Fatalf("answering device must not be told to stop ringing")
	}
}

func TestLateAnswerIsAbsorbed(t *testing.T) {
	callerConn := &fakeConn{id: "c-a1", userID: "alice"}
	calleeConn := &fakeConn{id: "c-b1", userID: "bob"}
	dir := fakeDirectory{"alice": {callerConn}, "bob": {calleeConn}}
	calls := &fakeCalls{open: true, answerErr: errors.New("call not found")}
	r := New(dir, calls, testLogger())

	if err := r.RelayAnswer(calleeConn, "alice", json.RawMessage(testAnswer)); err != nil {
		t.Fatalf("a racing cancel must not surface as an error, got %v", err)
	}
}

func TestIceCandidateRoundTripsNullFieldsByteIdentical(t *testing.T) {
	sender := &fakeConn{id: "c-a1", userID: "alice"}
	recipient := &fakeConn{id: "c-b1", userID: "bob"}
	dir := fakeDirectory{"alice": {sender}, "bob": {recipient}}
	r := New(dir, &fakeCalls{open: true}, testLogger())

	raw := `{"candidate":"candidate:0 1 UDP 2122 192.0.2.1 54400 typ host","sdpMid":null,"sdpMLineIndex":null}`
	if err := r.RelayIceCandidate(sender, "bob", json.RawMessage(raw)); err != nil {
		t.Fatalf("relay ice: %v", err)
	}

	envs := recipient.envelopes(t)
	if len(envs) != 1 {
		t.Fatalf("expected 1 candidate, got %d", len(envs))
	}
	if string(envs[0].Candidate) != raw {
		t.Fatalf("candidate was re-encoded:\n got %s\nwant %s", envs[0].Candidate, raw)
	}
}

func TestIceDroppedOnceSignalingClosed(t *testing.T) {
	sender := &fakeConn{id: "c-a1", userID: "alice"}
	recipient := &fakeConn{id: "c-b1", userID: "bob"}
	dir := fakeDirectory{"alice": {sender}, "bob": {recipient}}
	calls := &fakeCalls{open: false}
	r := New(dir, calls, testLogger())

	raw := `{"candidate":"candidate:0 1 UDP 2122 192.0.2.1 54400 typ host","sdpMid":"0","sdpMLineIndex":0}`
	if err := r.RelayIceCandidate(sender, "bob", json.RawMessage(raw)); err != nil {
		t.Fatalf("drop must be silent, got %v", err)
	}
	if len(recipient.envelopes(t)) != 0 {
		t.Fatalf("candidate must not be forwarded after teardown")
	}
	if len(sender.envelopes(t)) != 0 {
		t.Fatalf("silent drop means no feedback either")
	}
}

func TestIceToOfflineUserTellsSenderOnce(t *testing.T) {
	sender := &fakeConn{id: "c-a1", userID: "alice"}
	dir := fakeDirectory{"alice": {sender}}
	r := New(dir, &fakeCalls{open: true}, testLogger())

	raw := `{"candidate":"candidate:0 1 UDP 2122 192.0.2.1 54400 typ host","sdpMid":"0","sdpMLineIndex":0}`
	if err := r.RelayIceCandidate(sender, "bob", json.RawMessage(raw)); err != nil {
		t.Fatalf("relay ice: %v", err)
	}

	envs := sender.envelopes(t)
	if len(envs) != 1 || envs[0].Type != signal.EventUserOffline || envs[0].From != "bob" {
		t.Fatalf("sender got %+v", envs)
	}
}

func TestCandidateValidation(t *testing.T) {
	sender := &fakeConn{id: "c-a1", userID: "alice"}
	r := New(fakeDirectory{}, &fakeCalls{open: true}, testLogger())

	if err := r.RelayIceCandidate(sender, "bob", json.RawMessage(`{"sdpMid":"0"}`)); err == nil {
		t.Fatalf("candidate without candidate field should be rejected")
	}
	if err := r.RelayIceCandidate(sender, "bob", json.RawMessage(`broken`)); err == nil {
		t.Fatalf("broken json should be rejected")
	}
}

func TestPerPairOrderingIsPreserved(t *testing.T) {
	sender := &fakeConn{id: "c-a1", userID: "alice"}
	recipient := &fakeConn{id: "c-b1", userID: "bob"}
	dir := fakeDirectory{"alice": {sender}, "bob": {recipient}}
	r := New(dir, &fakeCalls{open: true}, testLogger())

	const n = 20
	for i := 0; i < n; i++ {
		raw := fmt.Sprintf(`{"candidate":"candidate:%d 1 UDP 2122 192.0.2.1 54400 typ host","sdpMid":"0","sdpMLineIndex":0}`, i)
		if err := r.RelayIceCandidate(sender, "bob", json.RawMessage(raw)); err != nil {
			t.Fatalf("relay ice %d: %v", i, err)
		}
	}

	envs := recipient.envelopes(t)
	if len(envs) != n {
		t.Fatalf("expected %d candidates, got %d", n, len(envs))
	}
	for i, env := range envs {
		var cand signal.IceCandidate
		if err := json.Unmarshal(env.Candidate, &cand); err != nil {
			t.Fatalf("candidate %d: %v", i, err)
		}
		want := fmt.Sprintf("candidate:%d ", i)
		if len(cand.Candidate) < len(want) || cand.Candidate[:len(want)] != want {
			t.Fatalf("candidate %d out of order: %s", i, cand.Candidate)
		}
	}
}

func TestSaturatedConnectionDoesNotBlockOthers(t *testing.T) {
	sender := &fakeConn{id: "c-a1", userID: "alice"}
	stuck := &fakeConn{id: "c-b1", userID: "bob", full: true}
	healthy := &fakeConn{id: "c-b2", userID: "bob"}
	dir := fakeDirectory{"alice": {sender}, "bob": {stuck, healthy}}
	r := New(dir, &fakeCalls{open: true}, testLogger())

	if err := r.RelayOffer(sender, "bob", json.RawMessage(testOffer)); err != nil {
		t.Fatalf("one healthy connection is enough: %v", err)
	}
	if len(healthy.envelopes(t)) != 1 {
		t.Fatalf("healthy connection must receive the offer")
	}
	if len(stuck.envelopes(t)) != 0 {
		t.Fatalf("stuck connection drops the message")
	}
}
