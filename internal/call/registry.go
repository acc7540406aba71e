// Package call owns the authoritative call lifecycle. Every ongoing call
// lives in the registry until it reaches a terminal status; transitions are
// serialized per call so racing events (answer vs cancel) resolve to exactly
// one outcome.
package call

import (
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/duocall/duocall/internal/emergency"
	"github.com/duocall/duocall/internal/models"
	"github.com/duocall/duocall/internal/signal"

	gonanoid "github.com/matoous/go-nanoid/v2"
)

var (
	ErrCallNotFound      = errors.New("call not found")
	ErrInvalidTransition = errors.New("invalid call transition")
	ErrReceiverOffline   = errors.New("receiver has no live connection")
	ErrPairBusy          = errors.New("a call between these users is already in progress")
	ErrSelfCall          = errors.New("cannot call yourself")
)

// Store persists terminal call records. A failing store never rolls back a
// transition; the registry retries the write in the background.
type Store interface {
	SaveCall(call *models.Call) error
}

// Notifier delivers a call lifecycle event to every live connection of a
// user. Used for server-owned transitions (the ring timeout) that no client
// message triggers.
type Notifier interface {
	NotifyCall(userID, event string, call models.Call)
}

// PresenceIndex is the read side of the presence tracker consulted at
// origination to short-circuit calls to offline users.
type PresenceIndex interface {
	IsOnline(userID string) bool
}

const (
	DefaultRingTimeout = 45 * time.Second

	persistRetries    = 5
	persistRetryDelay = 2 * time.Second
)

type pairKey struct{ a, b string }

func newPairKey(x, y string) pairKey {
	if x < y {
		return pairKey{x, y}
	}
	return pairKey{y, x}
}

type entry struct {
	mu        sync.Mutex
	call      models.Call
	ringTimer *time.Timer
}

type Registry struct {
	store    Store
	notifier Notifier
	presence PresenceIndex
	log      *slog.Logger

	ringTimeout time.Duration
	retryDelay  time.Duration
	nowFn       func() time.Time

	mu     sync.Mutex
	active map[string]*entry
	byPair map[pairKey]string
}

func NewRegistry(store Store, notifier Notifier, presence PresenceIndex, ringTimeout time.Duration, logger *slog.Logger) *Registry {
	if ringTimeout <= 0 {
		ringTimeout = DefaultRingTimeout
	}
	return &Registry{
		store:       store,
		notifier:    notifier,
		presence:    presence,
		log:         logger,
		ringTimeout: ringTimeout,
		retryDelay:  persistRetryDelay,
		nowFn:       time.Now,
		active:      make(map[string]*entry),
		byPair:      make(map[pairKey]string),
	}
}

// CombineModes derives the call mode from both parties' detector modes at
// origination time.
func CombineModes(caller, receiver emergency.Mode) models.CallMode {
	if caller != receiver {
		return models.CallModeAsymmetric
	}
	if caller == emergency.ModeEmergency {
		return models.CallModeEmergency
	}
	return models.CallModeNormal
}

// Originate creates a call in INITIATED state. Calls to offline receivers
// are short-circuited before any record exists.
func (r *Registry) Originate(callerID, receiverID string, typ models.CallType, mode models.CallMode) (models.Call, error) {
	if callerID == receiverID {
		return models.Call{}, ErrSelfCall
	}
	if !r.presence.IsOnline(receiverID) {
		return models.Call{}, ErrReceiverOffline
	}

	id, err := gonanoid.New(16)
	if err != nil {
		return models.Call{}, err
	}

	now := r.nowFn()
	call := models.Call{
		ID:         id,
		CallerID:   callerID,
		ReceiverID: receiverID,
		Type:       typ,
		Mode:       mode,
		Status:     models.CallStatusInitiated,
		CreatedAt:  now,
		UpdatedAt:  now,
	}

	key := newPairKey(callerID, receiverID)

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, busy := r.byPair[key]; busy {
		return models.Call{}, ErrPairBusy
	}
	r.active[id] = &entry{call: call}
	r.byPair[key] = id
	return call, nil
}

// Get returns a snapshot of an ongoing call.
func (r *Registry) Get(callID string) (models.Call, bool) {
	r.mu.Lock()
	e := r.active[callID]
	r.mu.Unlock()
	if e == nil {
		return models.Call{}, false
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.call, true
}

// FindActive returns the ongoing call between two users, if any.
func (r *Registry) FindActive(a, b string) (models.Call, bool) {
	r.mu.Lock()
	id, ok := r.byPair[newPairKey(a, b)]
	r.mu.Unlock()
	if !ok {
		return models.Call{}, false
	}
	return r.Get(id)
}

// SignalingOpen reports whether signaling between the pair may still be
// forwarded. It is false once the pair's call is terminal or gone.
func (r *Registry) SignalingOpen(a, b string) bool {
	_, ok := r.FindActive(a, b)
	return ok
}

// RingDelivered marks the offer as delivered to the receiver and arms the
// server-owned ring timeout.
func (r *Registry) RingDelivered(callID string) (models.Call, error) {
	return r.transition(callID, models.CallStatusRinging, models.CallStatusInitiated)
}

// Answer transitions RINGING to ANSWERED and stamps the talk start.
func (r *Registry) Answer(callID string) (models.Call, error) {
	return r.transition(callID, models.CallStatusAnswered, models.CallStatusRinging)
}

// Reject is the callee declining a ringing call.
func (r *Registry) Reject(callID string) (models.Call, error) {
	return r.transition(callID, models.CallStatusRejected, models.CallStatusRinging)
}

// Cancel is the caller withdrawing before the callee answered.
func (r *Registry) Cancel(callID string) (models.Call, error) {
	return r.transition(callID, models.CallStatusCancelled, models.CallStatusInitiated, models.CallStatusRinging)
}

// End finishes an answered call and fixes its duration.
func (r *Registry) End(callID string) (models.Call, error) {
	return r.transition(callID, models.CallStatusEnded, models.CallStatusAnswered)
}

// FailUnreachable marks an INITIATED call whose offer could not be
// delivered.
func (r *Registry) FailUnreachable(callID string) (models.Call, error) {
	return r.transition(callID, models.CallStatusFailed, models.CallStatusInitiated)
}

// FailMedia marks an answered call whose media connection broke down.
func (r *Registry) FailMedia(callID string) (models.Call, error) {
	return r.transition(callID, models.CallStatusFailed, models.CallStatusAnswered)
}

// AnswerFrom applies the answer of calleeID for the pair's ongoing call,
// verifying the sender really is the receiver of that call.
func (r *Registry) AnswerFrom(calleeID, callerID string) (models.Call, error) {
	return r.pairTransition(calleeID, callerID, func(c models.Call) bool { return c.ReceiverID == calleeID }, r.Answer)
}

// RejectFrom applies the rejection of calleeID for the pair's ongoing call.
func (r *Registry) RejectFrom(calleeID, callerID string) (models.Call, error) {
	return r.pairTransition(calleeID, callerID, func(c models.Call) bool { return c.ReceiverID == calleeID }, r.Reject)
}

// CancelFrom applies the caller's cancel for the pair's ongoing call.
func (r *Registry) CancelFrom(callerID, calleeID string) (models.Call, error) {
	return r.pairTransition(callerID, calleeID, func(c models.Call) bool { return c.CallerID == callerID }, r.Cancel)
}

// EndFrom ends the pair's ongoing call; either party may end.
func (r *Registry) EndFrom(userID, otherID string) (models.Call, error) {
	return r.pairTransition(userID, otherID, participant(userID), r.End)
}

// FailMediaFrom records a media failure reported by either party.
func (r *Registry) FailMediaFrom(userID, otherID string) (models.Call, error) {
	return r.pairTransition(userID, otherID, participant(userID), r.FailMedia)
}

func participant(userID string) func(models.Call) bool {
	return func(c models.Call) bool { return c.CallerID == userID || c.ReceiverID == userID }
}

func (r *Registry) pairTransition(from, to string, authorized func(models.Call) bool, apply func(string) (models.Call, error)) (models.Call, error) {
	call, ok := r.FindActive(from, to)
	if !ok {
		return models.Call{}, ErrCallNotFound
	}
	if !authorized(call) {
		return call, ErrInvalidTransition
	}
	return apply(call.ID)
}

func (r *Registry) transition(callID string, next models.CallStatus, allowed ...models.CallStatus) (models.Call, error) {
	r.mu.Lock()
	e := r.active[callID]
	r.mu.Unlock()
	if e == nil {
		return models.Call{}, ErrCallNotFound
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	if e.call.Status.Terminal() {
		return e.call, ErrInvalidTransition
	}
	ok := false
	for _, s := range allowed {
		if e.call.Status == s {
			ok = true
			break
		}
	}
	if !ok {
		return e.call, ErrInvalidTransition
	}

	now := r.nowFn()
	e.call.Status = next
	e.call.UpdatedAt = now

	switch next {
	case models.CallStatusRinging:
		e.ringTimer = time.AfterFunc(r.ringTimeout, func() { r.ringTimeoutFired(callID) })
	case models.CallStatusAnswered:
		e.call.StartedAt = &now
	case models.CallStatusEnded:
		e.call.EndedAt = &now
	}

	if next.Terminal() {
		if e.ringTimer != nil {
			e.ringTimer.Stop()
			e.ringTimer = nil
		}
		r.detach(e.call)
		r.persistAsync(e.call)
	}
	return e.call, nil
}

// ringTimeoutFired moves a still-ringing call to MISSED. Detaching the pair
// also closes the relay's ICE gate for it. A call answered or cancelled in
// the meantime makes this a no-op.
func (r *Registry) ringTimeoutFired(callID string) {
	call, err := r.transition(callID, models.CallStatusMissed, models.CallStatusRinging)
	if err != nil {
		return
	}
	r.log.Info("ring timeout, call missed", "call_id", call.ID, "caller_id", call.CallerID, "receiver_id", call.ReceiverID)
	if r.notifier != nil {
		r.notifier.NotifyCall(call.CallerID, signal.EventCallMissed, call)
		r.notifier.NotifyCall(call.ReceiverID, signal.EventCallMissed, call)
	}
}

// detach is called with the entry lock held; lock order is always entry
// before registry here, and registry alone during lookups.
func (r *Registry) detach(call models.Call) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.active, call.ID)
	key := newPairKey(call.CallerID, call.ReceiverID)
	if r.byPair[key] == call.ID {
		delete(r.byPair, key)
	}
}

// persistAsync writes the terminal record. The in-memory transition already
// happened and is never rolled back; failures are retried with a delay.
func (r *Registry) persistAsync(call models.Call) {
	go func() {
		var lastErr error
		for attempt := 0; attempt <= persistRetries; attempt++ {
			if attempt > 0 {
				time.Sleep(r.retryDelay)
			}
			if lastErr = r.store.SaveCall(&call); lastErr == nil {
				return
			}
			r.log.Warn("saving call record failed", "call_id", call.ID, "attempt", attempt+1, "error", lastErr)
		}
		r.log.Error("giving up on call record", "call_id", call.ID, "error", lastErr)
	}()
}
