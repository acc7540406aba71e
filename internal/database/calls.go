package database

import (
	"github.com/duocall/duocall/internal/models"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

const historyLimit = 100

// CallStore persists terminal call records. It is the registry's Store;
// upsert semantics absorb persistence retries after a partial failure.
type CallStore struct {
	db *gorm.DB
}

func NewCallStore(db *gorm.DB) *CallStore {
	return &CallStore{db: db}
}

func (s *CallStore) SaveCall(call *models.Call) error {
	return s.db.Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "id"}},
		UpdateAll: true,
	}).Create(call).Error
}

// History returns a user's persisted calls, newest first. Ongoing calls
// live only in the registry and never show up here.
func (s *CallStore) History(userID string) ([]models.Call, error) {
	var calls []models.Call
	err := s.db.
		Where("caller_id = ? OR receiver_id = ?", userID, userID).
		Order("created_at DESC").
		Limit(historyLimit).
		Find(&calls).Error
	return calls, err
}
