// Package integration — вызовы внешних приложений от имени пользователя.
// CallApp — единственный метод, который возвращает ошибки наружу;
// TestConnection и SyncMetadata — best-effort, глотают и логируют.
package integration

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"gorm.io/datatypes"

	"echohub/internal/logs"
	"echohub/internal/metrics"
	"echohub/internal/models"
	"echohub/internal/permissions"
	"echohub/internal/repo"
	"echohub/internal/scopes"
	"echohub/internal/secrets"
)

// ErrAppOffline — приложение не online по данным последней health-пробы.
// Это кэшированный флаг, живой проверки перед вызовом нет.
var ErrAppOffline = errors.New("app is offline")

// MissingScopeError — у гранта нет требуемого scope.
type MissingScopeError struct{ Scope string }

func (e *MissingScopeError) Error() string {
	return fmt.Sprintf("permission does not include required scope %q", e.Scope)
}

// UpstreamError — приложение ответило не-2xx; статус и тело сохраняются.
type UpstreamError struct {
	StatusCode int
	Body       string
}

func (e *UpstreamError) Error() string {
	return fmt.Sprintf("app returned status %d: %s", e.StatusCode, e.Body)
}

type Service struct {
	client *Client // 30s + ретраи
	health *Client // 5s, без ретраев
	apps   *repo.AppStore
	perms  *repo.PermissionStore
	alog   *repo.AccessLogStore
	keys   *secrets.Service
}

type Options struct {
	Timeout       time.Duration
	HealthTimeout time.Duration
	Retries       int
	RetryInterval time.Duration
}

func New(apps *repo.AppStore, perms *repo.PermissionStore, alog *repo.AccessLogStore, keys *secrets.Service, o Options) *Service {
	return &Service{
		client: NewClient(o.Timeout, o.Retries, o.RetryInterval),
		health: NewClient(o.HealthTimeout, 1, 0),
		apps:   apps,
		perms:  perms,
		alog:   alog,
		keys:   keys,
	}
}

// CallApp — центральный шлюз. Порядок гейтов фиксированный: грант → scope →
// статус приложения; срезанный гейтом вызов НЕ попадает в журнал — журнал
// фиксирует только реально предпринятые HTTP-попытки.
func (s *Service) CallApp(ctx context.Context, user *models.User, app *models.App, endpoint, method string, data map[string]any, requiredScopes []string) (json.RawMessage, error) {
	p, err := s.perms.Get(ctx, user.ID, app.ID)
	if err != nil {
		return nil, err
	}
	if p == nil || !p.ValidAt(time.Now()) {
		metrics.AppCallsTotal.WithLabelValues(app.Domain, "denied").Inc()
		return nil, permissions.ErrNoPermission
	}
	if ok, missing := scopes.ContainsAll(p.ScopeList(), requiredScopes); !ok {
		metrics.AppCallsTotal.WithLabelValues(app.Domain, "denied").Inc()
		return nil, &MissingScopeError{Scope: missing}
	}
	if app.Status != models.AppStatusOnline {
		metrics.AppCallsTotal.WithLabelValues(app.Domain, "denied").Inc()
		return nil, ErrAppOffline
	}

	bearer, err := s.keys.Decrypt(app.ServiceKeyEnc)
	if err != nil {
		return nil, err
	}

	var body []byte
	if len(data) > 0 {
		if body, err = json.Marshal(data); err != nil {
			return nil, err
		}
	}

	url := JoinURL(app.AppURL, endpoint)
	start := time.Now()
	status, respBody, err := s.client.Do(ctx, method, url, bearer, body)
	metrics.AppCallDuration.WithLabelValues(app.Domain).Observe(time.Since(start).Seconds())

	// журналируем любую попытку, дошедшую до сети (код 0 — транспорт упал)
	s.logAttempt(ctx, user, app, endpoint, method, status, body, respBody, err)

	if err != nil {
		metrics.AppCallsTotal.WithLabelValues(app.Domain, "transport_error").Inc()
		return nil, err
	}
	if status < 200 || status >= 300 {
		metrics.AppCallsTotal.WithLabelValues(app.Domain, "upstream_error").Inc()
		return nil, &UpstreamError{StatusCode: status, Body: string(respBody)}
	}
	metrics.AppCallsTotal.WithLabelValues(app.Domain, "ok").Inc()
	return json.RawMessage(respBody), nil
}

// канонические виды статистики; остальное уходит как stats/{type}
var statsEndpoints = map[string]string{
	"summary":  "stats/summary",
	"bookings": "stats/bookings",
	"users":    "stats/users",
	"revenue":  "stats/revenue",
}

// AppStats — обёртка над CallApp для stats-эндпоинтов (scope stats:read).
func (s *Service) AppStats(ctx context.Context, user *models.User, app *models.App, statsType string) (json.RawMessage, error) {
	if statsType == "" {
		statsType = "summary"
	}
	endpoint, ok := statsEndpoints[statsType]
	if !ok {
		endpoint = "stats/" + statsType
	}
	return s.CallApp(ctx, user, app, endpoint, http.MethodGet, nil, []string{"stats:read"})
}

// RecentActivity — activity/recent (scope activity:read).
func (s *Service) RecentActivity(ctx context.Context, user *models.User, app *models.App, limit int) (json.RawMessage, error) {
	if limit <= 0 {
		limit = 10
	}
	endpoint := fmt.Sprintf("activity/recent?limit=%d", limit)
	return s.CallApp(ctx, user, app, endpoint, http.MethodGet, nil, []string{"activity:read"})
}

// TestConnection — health-проба без permission-гейта. Никогда не возвращает
// ошибку: итог — новый статус, он же пишется в строку приложения.
// 2xx → online, ответил не-2xx → degraded, транспорт упал → offline.
func (s *Service) TestConnection(ctx context.Context, app *models.App) string {
	bearer, err := s.keys.Decrypt(app.ServiceKeyEnc)
	if err != nil {
		logs.Logger.Errorf("test connection app=%s: key decrypt: %v", app.Domain, err)
		return s.setStatus(ctx, app, models.AppStatusOffline)
	}

	status, _, err := s.health.Do(ctx, http.MethodGet, JoinURL(app.AppURL, "health"), bearer, nil)
	switch {
	case err != nil:
		logs.Logger.Warnf("health probe app=%s: %v", app.Domain, err)
		return s.setStatus(ctx, app, models.AppStatusOffline)
	case status >= 200 && status < 300:
		return s.setStatus(ctx, app, models.AppStatusOnline)
	default:
		logs.Logger.Warnf("health probe app=%s: status %d", app.Domain, status)
		return s.setStatus(ctx, app, models.AppStatusDegraded)
	}
}

func (s *Service) setStatus(ctx context.Context, app *models.App, status string) string {
	now := time.Now().UTC()
	if err := s.apps.UpdateStatus(ctx, app.ID, status, now); err != nil {
		logs.Logger.Errorf("update status app=%s: %v", app.Domain, err)
	}
	app.Status = status
	app.LastCheckedAt = &now
	metrics.SetAppStatus(app.Domain, status)
	return status
}

// метаданные, которые приложение отдаёт на GET /metadata
type metadataResponse struct {
	Capabilities []string       `json:"capabilities"`
	Scopes       []string       `json:"scopes"`
	Metadata     map[string]any `json:"metadata"`
}

// SyncMetadata — best-effort обогащение строки приложения с его /metadata.
// capabilities/scopes заменяются, metadata сливается поверх существующей
// (ключи из ответа побеждают). Любой сбой — warn в лог и false.
func (s *Service) SyncMetadata(ctx context.Context, app *models.App) bool {
	bearer, err := s.keys.Decrypt(app.ServiceKeyEnc)
	if err != nil {
		logs.Logger.Errorf("sync metadata app=%s: key decrypt: %v", app.Domain, err)
		return false
	}

	status, body, err := s.health.Do(ctx, http.MethodGet, JoinURL(app.AppURL, "metadata"), bearer, nil)
	if err != nil {
		logs.Logger.Warnf("sync metadata app=%s: %v", app.Domain, err)
		return false
	}
	if status < 200 || status >= 300 {
		logs.Logger.Warnf("sync metadata app=%s: status %d", app.Domain, status)
		return false
	}

	var meta metadataResponse
	if err := json.Unmarshal(body, &meta); err != nil {
		logs.Logger.Warnf("sync metadata app=%s: bad payload: %v", app.Domain, err)
		return false
	}

	if meta.Capabilities != nil {
		app.Capabilities = models.MustJSON(scopes.Normalize(meta.Capabilities))
	}
	if meta.Scopes != nil {
		app.AvailableScopes = models.MustJSON(scopes.Normalize(meta.Scopes))
	}
	if len(meta.Metadata) > 0 {
		merged := app.MetadataMap()
		for k, v := range meta.Metadata {
			merged[k] = v
		}
		app.Metadata = models.MustJSON(merged)
	}
	if err := s.apps.Save(ctx, app); err != nil {
		logs.Logger.Errorf("sync metadata app=%s: save: %v", app.Domain, err)
		return false
	}
	return true
}

func (s *Service) logAttempt(ctx context.Context, user *models.User, app *models.App, endpoint, method string, status int, reqBody, respBody []byte, callErr error) {
	entry := models.AccessLog{
		UserID:       user.ID,
		AppID:        app.ID,
		Endpoint:     endpoint,
		Method:       method,
		ResponseCode: status,
	}
	if len(reqBody) > 0 {
		entry.RequestData = datatypes.JSON(reqBody)
	}
	switch {
	case callErr != nil:
		entry.ResponseData = models.MustJSON(map[string]any{"error": callErr.Error()})
	case json.Valid(respBody):
		entry.ResponseData = datatypes.JSON(respBody)
	case len(respBody) > 0:
		entry.ResponseData = models.MustJSON(map[string]any{"raw": string(respBody)})
	}
	if err := s.alog.Append(ctx, &entry); err != nil {
		logs.Logger.Errorf("access log append user=%d app=%d: %v", user.ID, app.ID, err)
	}
}
