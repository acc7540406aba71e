package models

import "time"

// CallStatus is the lifecycle state of a call.
// Keep values stable because they are part of the public API.
type CallStatus string

const (
	CallStatusInitiated CallStatus = "initiated"
	CallStatusRinging   CallStatus = "ringing"
	CallStatusAnswered  CallStatus = "answered"
	CallStatusEnded     CallStatus = "ended"
	CallStatusMissed    CallStatus = "missed"
	CallStatusRejected  CallStatus = "rejected"
	CallStatusCancelled CallStatus = "cancelled"
	CallStatusFailed    CallStatus = "failed"
)

// Terminal reports whether no further transitions are accepted from s.
func (s CallStatus) Terminal() bool {
	switch s {
	case CallStatusEnded, CallStatusMissed, CallStatusRejected, CallStatusCancelled, CallStatusFailed:
		return true
	}
	return false
}

type CallType string

const (
	CallTypeAudio  CallType = "audio"
	CallTypeVideo  CallType = "video"
	CallTypeScreen CallType = "screen"
)

// CallMode records how both parties reached the signaling server when the
// call was originated. It is fixed at origination and never re-evaluated.
type CallMode string

const (
	CallModeNormal     CallMode = "normal"
	CallModeEmergency  CallMode = "emergency"
	CallModeAsymmetric CallMode = "asymmetric"
)

type Call struct {
	ID         string     `gorm:"type:varchar(21);primaryKey" json:"id"`
	CallerID   string     `gorm:"type:varchar(36);not null;index" json:"caller_id"`
	ReceiverID string     `gorm:"type:varchar(36);not null;index" json:"receiver_id"`
	Type       CallType   `gorm:"type:varchar(16);not null" json:"type"`
	Mode       CallMode   `gorm:"type:varchar(16);not null" json:"mode"`
	Status     CallStatus `gorm:"type:varchar(16);not null;index" json:"status"`
	StartedAt  *time.Time `json:"started_at,omitempty"`
	EndedAt    *time.Time `json:"ended_at,omitempty"`
	CreatedAt  time.Time  `json:"created_at"`
	UpdatedAt  time.Time  `json:"updated_at"`
}

// Duration is the answered time of the call. It is defined only once the
// call was answered and then ended, never for missed or failed calls.
func (c Call) Duration() (time.Duration, bool) {
	if c.StartedAt == nil || c.EndedAt == nil {
		return 0, false
	}
	return c.EndedAt.Sub(*c.StartedAt), true
}
