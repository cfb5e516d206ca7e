package repo

import (
	"context"

	"gorm.io/gorm"

	"echohub/internal/models"
)

// AccessLogStore — только append и чтение: журнал не правится и не чистится ядром.
type AccessLogStore struct{ db *gorm.DB }

func NewAccessLogStore(db *gorm.DB) *AccessLogStore { return &AccessLogStore{db: db} }

func (s *AccessLogStore) Append(ctx context.Context, e *models.AccessLog) error {
	return s.db.WithContext(ctx).Create(e).Error
}

func (s *AccessLogStore) ListForApp(ctx context.Context, appID uint, limit int) ([]models.AccessLog, error) {
	if limit <= 0 {
		limit = 50
	}
	var logsOut []models.AccessLog
	err := s.db.WithContext(ctx).
		Where("app_id = ?", appID).
		Order("id desc").Limit(limit).
		Find(&logsOut).Error
	return logsOut, err
}

func (s *AccessLogStore) ListForUser(ctx context.Context, userID uint, limit int) ([]models.AccessLog, error) {
	if limit <= 0 {
		limit = 50
	}
	var logsOut []models.AccessLog
	err := s.db.WithContext(ctx).
		Where("user_id = ?", userID).
		Order("id desc").Limit(limit).
		Find(&logsOut).Error
	return logsOut, err
}

// CountForApp — для admin-страницы приложения.
func (s *AccessLogStore) CountForApp(ctx context.Context, appID uint) (int64, error) {
	var cnt int64
	err := s.db.WithContext(ctx).Model(&models.AccessLog{}).
		Where("app_id = ?", appID).Count(&cnt).Error
	return cnt, err
}
