package repo

import (
	"context"
	"errors"
	"time"

	"gorm.io/datatypes"
	"gorm.io/gorm"

	"echohub/internal/models"
)

type PermissionStore struct{ db *gorm.DB }

func NewPermissionStore(db *gorm.DB) *PermissionStore { return &PermissionStore{db: db} }

// Get — строка для пары (user, app); nil без ошибки, если строки нет.
func (s *PermissionStore) Get(ctx context.Context, userID, appID uint) (*models.Permission, error) {
	var p models.Permission
	err := s.db.WithContext(ctx).
		Where("user_id = ? AND app_id = ?", userID, appID).
		First(&p).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	return &p, err
}

// Upsert — одна активная строка на пару: existing обновляется целиком,
// гонка двух грантов решается как last-writer-wins.
func (s *PermissionStore) Upsert(ctx context.Context, userID, appID uint, scopes datatypes.JSON, expiresAt *time.Time) (*models.Permission, error) {
	existing, err := s.Get(ctx, userID, appID)
	if err != nil {
		return nil, err
	}
	if existing != nil {
		existing.GrantedScopes = scopes
		existing.ExpiresAt = expiresAt
		if err := s.db.WithContext(ctx).Save(existing).Error; err != nil {
			return nil, err
		}
		return existing, nil
	}
	p := models.Permission{
		UserID:        userID,
		AppID:         appID,
		GrantedScopes: scopes,
		ExpiresAt:     expiresAt,
	}
	if err := s.db.WithContext(ctx).Create(&p).Error; err != nil {
		return nil, err
	}
	return &p, nil
}

func (s *PermissionStore) Save(ctx context.Context, p *models.Permission) error {
	return s.db.WithContext(ctx).Save(p).Error
}

// Delete сообщает, была ли строка (revoke vs "нечего отзывать" — оба не ошибка).
func (s *PermissionStore) Delete(ctx context.Context, userID, appID uint) (bool, error) {
	res := s.db.WithContext(ctx).
		Where("user_id = ? AND app_id = ?", userID, appID).
		Delete(&models.Permission{})
	return res.RowsAffected > 0, res.Error
}

func (s *PermissionStore) DeleteByUsers(ctx context.Context, userIDs []uint, appID uint) (int64, error) {
	if len(userIDs) == 0 {
		return 0, nil
	}
	res := s.db.WithContext(ctx).
		Where("app_id = ? AND user_id IN ?", appID, userIDs).
		Delete(&models.Permission{})
	return res.RowsAffected, res.Error
}

// AppsForUser — приложения, доступные пользователю (onlyValid отсекает просроченные).
func (s *PermissionStore) AppsForUser(ctx context.Context, userID uint, onlyValid bool) ([]models.App, error) {
	tx := s.db.WithContext(ctx).Model(&models.App{}).
		Joins("JOIN permissions ON permissions.app_id = apps.id").
		Where("permissions.user_id = ?", userID)
	if onlyValid {
		tx = tx.Where("permissions.expires_at IS NULL OR permissions.expires_at > ?", time.Now().UTC())
	}
	var apps []models.App
	err := tx.Find(&apps).Error
	return apps, err
}

// UsersForApp — пользователи с доступом к приложению.
func (s *PermissionStore) UsersForApp(ctx context.Context, appID uint, onlyValid bool) ([]models.User, error) {
	tx := s.db.WithContext(ctx).Model(&models.User{}).
		Joins("JOIN permissions ON permissions.user_id = users.id").
		Where("permissions.app_id = ?", appID)
	if onlyValid {
		tx = tx.Where("permissions.expires_at IS NULL OR permissions.expires_at > ?", time.Now().UTC())
	}
	var users []models.User
	err := tx.Find(&users).Error
	return users, err
}

// ListForApp — все строки прав приложения (для admin-страниц).
func (s *PermissionStore) ListForApp(ctx context.Context, appID uint) ([]models.Permission, error) {
	var perms []models.Permission
	err := s.db.WithContext(ctx).
		Where("app_id = ?", appID).
		Order("user_id asc").
		Find(&perms).Error
	return perms, err
}

// Expired — просроченные, но ещё не выметенные строки.
func (s *PermissionStore) Expired(ctx context.Context) ([]models.Permission, error) {
	var perms []models.Permission
	err := s.db.WithContext(ctx).
		Where("expires_at IS NOT NULL AND expires_at <= ?", time.Now().UTC()).
		Find(&perms).Error
	return perms, err
}

// DeleteExpired — явная уборка; повторный вызов удаляет 0 строк.
func (s *PermissionStore) DeleteExpired(ctx context.Context) (int64, error) {
	res := s.db.WithContext(ctx).
		Where("expires_at IS NOT NULL AND expires_at <= ?", time.Now().UTC()).
		Delete(&models.Permission{})
	return res.RowsAffected, res.Error
}
