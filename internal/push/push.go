// Package push delivers web push notifications for calls the recipient
// cannot see on a live connection. Delivery is best-effort; stale
// subscriptions are pruned when the push service rejects them.
package push

import (
	"encoding/json"
	"errors"
	"log/slog"

	"github.com/duocall/duocall/internal/models"

	webpush "github.com/SherClockHolmes/webpush-go"
	"gorm.io/gorm"
)

var ErrSubscriptionNotFound = errors.New("push subscription not found")

const notificationTTL = 30 // seconds, push service side

type Service struct {
	db         *gorm.DB
	publicKey  string
	privateKey string
	subject    string
	log        *slog.Logger
}

func NewService(db *gorm.DB, publicKey, privateKey, subject string, logger *slog.Logger) *Service {
	return &Service{
		db:         db,
		publicKey:  publicKey,
		privateKey: privateKey,
		subject:    subject,
		log:        logger,
	}
}

// PublicKey is the VAPID public key clients subscribe with.
func (s *Service) PublicKey() string { return s.publicKey }

// Subscribe stores a browser subscription for the user, replacing any
// previous ones. One device per user is enough for call alerts.
func (s *Service) Subscribe(userID, endpoint, p256dh, auth string) (models.PushSubscription, error) {
	if err := s.db.Where("user_id = ?", userID).Delete(&models.PushSubscription{}).Error; err != nil {
		s.log.Warn("deleting old push subscriptions failed", "user_id", userID, "error", err)
	}
	sub := models.PushSubscription{
		UserID:   userID,
		Endpoint: endpoint,
		P256DH:   p256dh,
		Auth:     auth,
	}
	if err := s.db.Create(&sub).Error; err != nil {
		return models.PushSubscription{}, err
	}
	return sub, nil
}

func (s *Service) Unsubscribe(userID, endpoint string) error {
	var sub models.PushSubscription
	err := s.db.Where("user_id = ? AND endpoint = ?", userID, endpoint).First(&sub).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return ErrSubscriptionNotFound
	}
	if err != nil {
		return err
	}
	return s.db.Delete(&sub).Error
}

// NotifyIncomingCall alerts a callee whose browser may be closed.
func (s *Service) NotifyIncomingCall(call models.Call, callerName string) {
	go s.send(call.ReceiverID, "Incoming call", callerName+" is calling you", map[string]any{
		"type":    "incoming-call",
		"call_id": call.ID,
		"from":    call.CallerID,
	})
}

// NotifyMissedCall follows a ring timeout.
func (s *Service) NotifyMissedCall(call models.Call, callerName string) {
	go s.send(call.ReceiverID, "Missed call", "You missed a call from "+callerName, map[string]any{
		"type":    "missed-call",
		"call_id": call.ID,
		"from":    call.CallerID,
	})
}

func (s *Service) send(userID, title, body string, data map[string]any) {
	var subs []models.PushSubscription
	if err := s.db.Where("user_id = ?", userID).Find(&subs).Error; err != nil {
		s.log.Warn("querying push subscriptions failed", "user_id", userID, "error", err)
		return
	}
	if len(subs) == 0 {
		return
	}

	payload, err := json.Marshal(map[string]any{
		"title":   title,
		"body":    body,
		"data":    data,
		"urgency": "high",
	})
	if err != nil {
		return
	}

	for _, sub := range subs {
		resp, err := webpush.SendNotification(payload, &webpush.Subscription{
			Endpoint: sub.Endpoint,
			Keys: webpush.Keys{
				P256dh: sub.P256DH,
				Auth:   sub.Auth,
			},
		}, &webpush.Options{
			Subscriber:      s.subject,
			VAPIDPublicKey:  s.publicKey,
			VAPIDPrivateKey: s.privateKey,
			TTL:             notificationTTL,
		})
		if err != nil {
			s.log.Warn("push delivery failed", "user_id", userID, "error", err)
			continue
		}
		if resp.StatusCode == 404 || resp.StatusCode == 410 {
			// The push service no longer knows this subscription.
			s.db.Delete(&sub)
		}
		resp.Body.Close()
	}
}
