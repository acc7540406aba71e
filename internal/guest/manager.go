// Package guest issues short-lived media room access for quick calls.
// A guest session is a single room plus a join token; guests never appear
// in the user table and leave no call records behind.
package guest

import (
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/livekit/protocol/auth"
	gonanoid "github.com/matoous/go-nanoid/v2"
)

var (
	ErrInvalidToken = errors.New("invalid guest token")
	ErrEmptyName    = errors.New("display name required")
)

const (
	DefaultSessionTTL = 2 * time.Hour

	roomIDLength = 12
)

// Session is what a quick-call participant needs to join: the room, a
// token scoped to exactly that room, and where to connect.
type Session struct {
	RoomID    string    `json:"roomId"`
	Token     string    `json:"token"`
	ServerURL string    `json:"serverUrl"`
	ExpiresAt time.Time `json:"expiresAt"`
}

type Manager struct {
	apiKey    string
	apiSecret string
	serverURL string
	ttl       time.Duration
	log       *slog.Logger

	nowFn func() time.Time
}

func NewManager(apiKey, apiSecret, serverURL string, ttl time.Duration, logger *slog.Logger) *Manager {
	if ttl <= 0 {
		ttl = DefaultSessionTTL
	}
	return &Manager{
		apiKey:    apiKey,
		apiSecret: apiSecret,
		serverURL: serverURL,
		ttl:       ttl,
		log:       logger,
		nowFn:     time.Now,
	}
}

// CreateRoom starts a fresh quick-call room and returns the host's session.
func (m *Manager) CreateRoom(displayName string) (Session, error) {
	id, err := gonanoid.New(roomIDLength)
	if err != nil {
		return Session{}, err
	}
	return m.issue(id, displayName)
}

// JoinRoom issues a session for an existing room. The room id comes from
// the share link; nothing else identifies a guest.
func (m *Manager) JoinRoom(roomID, displayName string) (Session, error) {
	if strings.TrimSpace(roomID) == "" {
		return Session{}, ErrInvalidToken
	}
	return m.issue(roomID, displayName)
}

func (m *Manager) issue(roomID, displayName string) (Session, error) {
	displayName = strings.TrimSpace(displayName)
	if displayName == "" {
		return Session{}, ErrEmptyName
	}

	identity, err := gonanoid.New(roomIDLength)
	if err != nil {
		return Session{}, err
	}

	grant := &auth.VideoGrant{
		Room:     roomID,
		RoomJoin: true,
	}
	tk := auth.NewAccessToken(m.apiKey, m.apiSecret)
	tk.AddGrant(grant).
		SetIdentity("guest-" + identity).
		SetName(displayName).
		SetValidFor(m.ttl)

	jwt, err := tk.ToJWT()
	if err != nil {
		return Session{}, fmt.Errorf("signing guest token: %w", err)
	}

	s := Session{
		RoomID:    roomID,
		Token:     jwt,
		ServerURL: m.serverURL,
		ExpiresAt: m.nowFn().Add(m.ttl),
	}
	m.log.Info("guest session issued", "room_id", roomID, "expires_at", s.ExpiresAt)
	return s, nil
}

// ValidateToken checks a guest token's signature and returns the room it
// grants access to. Tokens scoped to no room, or to room admin rights a
// guest never gets, are rejected.
func (m *Manager) ValidateToken(token string) (string, error) {
	verifier, err := auth.ParseAPIToken(token)
	if err != nil {
		return "", ErrInvalidToken
	}
	if verifier.APIKey() != m.apiKey {
		return "", ErrInvalidToken
	}
	claims, err := verifier.Verify(m.apiSecret)
	if err != nil {
		return "", ErrInvalidToken
	}
	if claims.Video == nil || claims.Video.Room == "" || !claims.Video.RoomJoin {
		return "", ErrInvalidToken
	}
	return claims.Video.Room, nil
}
