// Package permissions — гранты доступа пользователей к приложениям.
// Чистый CRUD с валидацией, без ретраев и фоновых задач: просроченные
// строки живут до явного CleanupExpired.
package permissions

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"echohub/internal/logs"
	"echohub/internal/models"
	"echohub/internal/repo"
	"echohub/internal/scopes"
)

var (
	// ErrNoPermission — у пары (user, app) нет строки гранта.
	ErrNoPermission = errors.New("no permission for this app")
	// ErrPastExpiry — expires_at в прошлом не принимается публичным API.
	ErrPastExpiry = errors.New("expires_at must be in the future")
)

// InvalidScopesError — запрошены scope вне available_scopes приложения.
// Грант не применяется частично: либо весь набор валиден, либо отказ.
type InvalidScopesError struct {
	Invalid   []string
	Available []string
}

func (e *InvalidScopesError) Error() string {
	return fmt.Sprintf("invalid scopes: %s (available: %s)",
		strings.Join(e.Invalid, ", "), strings.Join(e.Available, ", "))
}

type Service struct {
	perms *repo.PermissionStore
	users *repo.UserStore
}

func New(perms *repo.PermissionStore, users *repo.UserStore) *Service {
	return &Service{perms: perms, users: users}
}

// Grant создаёт или целиком заменяет грант пары (user, app).
// Scope-набор заменяется, не сливается — слияние делает AddScopes.
func (s *Service) Grant(ctx context.Context, user *models.User, app *models.App, scopeList []string, expiresAt *time.Time) (*models.Permission, error) {
	if invalid := scopes.Diff(scopeList, app.AvailableScopeList()); len(invalid) > 0 {
		return nil, &InvalidScopesError{Invalid: invalid, Available: app.AvailableScopeList()}
	}
	if expiresAt != nil && !expiresAt.After(time.Now()) {
		return nil, ErrPastExpiry
	}
	return s.perms.Upsert(ctx, user.ID, app.ID,
		models.MustJSON(scopes.Normalize(scopeList)), expiresAt)
}

// Revoke: true — строка была и удалена, false — отзывать было нечего.
// Оба исхода не ошибка.
func (s *Service) Revoke(ctx context.Context, user *models.User, app *models.App) (bool, error) {
	return s.perms.Delete(ctx, user.ID, app.ID)
}

// AddScopes — объединение с текущим набором. Ошибка, если гранта ещё нет
// или среди новых scope есть недоступные приложению.
func (s *Service) AddScopes(ctx context.Context, user *models.User, app *models.App, scopeList []string) (*models.Permission, error) {
	p, err := s.perms.Get(ctx, user.ID, app.ID)
	if err != nil {
		return nil, err
	}
	if p == nil {
		return nil, ErrNoPermission
	}
	if invalid := scopes.Diff(scopeList, app.AvailableScopeList()); len(invalid) > 0 {
		return nil, &InvalidScopesError{Invalid: invalid, Available: app.AvailableScopeList()}
	}
	p.GrantedScopes = models.MustJSON(scopes.Union(p.ScopeList(), scopeList))
	if err := s.perms.Save(ctx, p); err != nil {
		return nil, err
	}
	return p, nil
}

// RemoveScopes — вычитание; нет строки — no-op (nil, nil), не ошибка.
func (s *Service) RemoveScopes(ctx context.Context, user *models.User, app *models.App, scopeList []string) (*models.Permission, error) {
	p, err := s.perms.Get(ctx, user.ID, app.ID)
	if err != nil {
		return nil, err
	}
	if p == nil {
		return nil, nil
	}
	p.GrantedScopes = models.MustJSON(scopes.Subtract(p.ScopeList(), scopeList))
	if err := s.perms.Save(ctx, p); err != nil {
		return nil, err
	}
	return p, nil
}

// Has: строка существует, не просрочена и покрывает required.
// Пустой required — достаточно любого действующего гранта.
func (s *Service) Has(ctx context.Context, user *models.User, app *models.App, required []string) (bool, error) {
	p, err := s.perms.Get(ctx, user.ID, app.ID)
	if err != nil {
		return false, err
	}
	if p == nil || !p.ValidAt(time.Now()) {
		return false, nil
	}
	ok, _ := scopes.ContainsAll(p.ScopeList(), required)
	return ok, nil
}

// Extend переносит срок гранта; только в будущее.
func (s *Service) Extend(ctx context.Context, user *models.User, app *models.App, newExpiresAt time.Time) (*models.Permission, error) {
	if !newExpiresAt.After(time.Now()) {
		return nil, ErrPastExpiry
	}
	p, err := s.perms.Get(ctx, user.ID, app.ID)
	if err != nil || p == nil {
		return nil, err
	}
	p.ExpiresAt = &newExpiresAt
	if err := s.perms.Save(ctx, p); err != nil {
		return nil, err
	}
	return p, nil
}

// MakePermanent снимает срок действия. Нет строки — no-op.
func (s *Service) MakePermanent(ctx context.Context, user *models.User, app *models.App) (*models.Permission, error) {
	p, err := s.perms.Get(ctx, user.ID, app.ID)
	if err != nil || p == nil {
		return nil, err
	}
	p.ExpiresAt = nil
	if err := s.perms.Save(ctx, p); err != nil {
		return nil, err
	}
	return p, nil
}

func (s *Service) UserApps(ctx context.Context, user *models.User, onlyValid bool) ([]models.App, error) {
	return s.perms.AppsForUser(ctx, user.ID, onlyValid)
}

func (s *Service) AppUsers(ctx context.Context, app *models.App, onlyValid bool) ([]models.User, error) {
	return s.perms.UsersForApp(ctx, app.ID, onlyValid)
}

// BulkGrant — Grant на каждого существующего пользователя из набора.
// Неизвестные id пропускаются; отказ по одному пользователю логируется
// и не валит остальных. Возвращаются только успешные гранты.
func (s *Service) BulkGrant(ctx context.Context, userIDs []uint, app *models.App, scopeList []string, expiresAt *time.Time) ([]models.Permission, error) {
	users, err := s.users.ListByIDs(ctx, userIDs)
	if err != nil {
		return nil, err
	}
	granted := make([]models.Permission, 0, len(users))
	for i := range users {
		p, err := s.Grant(ctx, &users[i], app, scopeList, expiresAt)
		if err != nil {
			logs.Logger.Warnf("bulk grant: user=%d app=%d: %v", users[i].ID, app.ID, err)
			continue
		}
		granted = append(granted, *p)
	}
	return granted, nil
}

func (s *Service) BulkRevoke(ctx context.Context, userIDs []uint, app *models.App) (int64, error) {
	return s.perms.DeleteByUsers(ctx, userIDs, app.ID)
}

func (s *Service) Expired(ctx context.Context) ([]models.Permission, error) {
	return s.perms.Expired(ctx)
}

// CleanupExpired — явная уборка по запросу администратора, не фон.
func (s *Service) CleanupExpired(ctx context.Context) (int64, error) {
	return s.perms.DeleteExpired(ctx)
}
