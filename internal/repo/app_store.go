package repo

import (
	"context"
	"errors"
	"time"

	"gorm.io/gorm"

	"echohub/internal/models"
)

var (
	ErrNotFound  = errors.New("not found")
	ErrDuplicate = errors.New("already exists")
)

type AppStore struct{ db *gorm.DB }

func NewAppStore(db *gorm.DB) *AppStore { return &AppStore{db: db} }

func (s *AppStore) Create(ctx context.Context, a *models.App) error {
	// домен уникален; ловим дубликат заранее, чтобы не зависеть от текста ошибки драйвера
	var cnt int64
	if err := s.db.WithContext(ctx).Model(&models.App{}).
		Where("domain = ?", a.Domain).Count(&cnt).Error; err != nil {
		return err
	}
	if cnt > 0 {
		return ErrDuplicate
	}
	if a.Status == "" {
		a.Status = models.AppStatusOffline
	}
	return s.db.WithContext(ctx).Create(a).Error
}

func (s *AppStore) Save(ctx context.Context, a *models.App) error {
	return s.db.WithContext(ctx).Save(a).Error
}

func (s *AppStore) GetByID(ctx context.Context, id uint) (*models.App, error) {
	var a models.App
	err := s.db.WithContext(ctx).First(&a, id).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	return &a, err
}

func (s *AppStore) GetByDomain(ctx context.Context, domain string) (*models.App, error) {
	var a models.App
	err := s.db.WithContext(ctx).Where("domain = ?", domain).First(&a).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	return &a, err
}

// List — все незарегистрированные как удалённые приложения; q фильтрует по name/domain.
func (s *AppStore) List(ctx context.Context, q string) ([]models.App, error) {
	var apps []models.App
	tx := s.db.WithContext(ctx).Order("name asc")
	if q != "" {
		like := "%" + q + "%"
		tx = tx.Where("name LIKE ? OR domain LIKE ?", like, like)
	}
	err := tx.Find(&apps).Error
	return apps, err
}

// Delete — soft delete приложения; зависимые права и журнал удаляются насовсем.
func (s *AppStore) Delete(ctx context.Context, id uint) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		res := tx.Delete(&models.App{}, id)
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			return ErrNotFound
		}
		if err := tx.Unscoped().Where("app_id = ?", id).Delete(&models.Permission{}).Error; err != nil {
			return err
		}
		return tx.Unscoped().Where("app_id = ?", id).Delete(&models.AccessLog{}).Error
	})
}

func (s *AppStore) UpdateStatus(ctx context.Context, id uint, status string, checkedAt time.Time) error {
	return s.db.WithContext(ctx).Model(&models.App{}).
		Where("id = ?", id).
		Updates(map[string]any{
			"status":          status,
			"last_checked_at": checkedAt,
		}).Error
}

func (s *AppStore) UpdateServiceKey(ctx context.Context, id uint, enc []byte) error {
	return s.db.WithContext(ctx).Model(&models.App{}).
		Where("id = ?", id).
		Update("service_api_key_enc", enc).Error
}
