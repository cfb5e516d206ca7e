// Package hub — HTTP-адаптеры над сервисами прав и интеграции.
// Обработчики только валидируют форму запроса, резолвят модели и дёргают
// ровно один метод сервиса; вся логика живёт ниже.
package hub

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/gorilla/mux"

	"echohub/internal/integration"
	"echohub/internal/models"
	"echohub/internal/permissions"
	"echohub/internal/repo"
	"echohub/internal/secrets"
)

type Handler struct {
	users *repo.UserStore
	apps  *repo.AppStore
	alog  *repo.AccessLogStore
	perms *permissions.Service
	integ *integration.Service
	keys  *secrets.Service
}

func NewHandler(users *repo.UserStore, apps *repo.AppStore, alog *repo.AccessLogStore,
	perms *permissions.Service, integ *integration.Service, keys *secrets.Service) *Handler {
	return &Handler{users: users, apps: apps, alog: alog, perms: perms, integ: integ, keys: keys}
}

func decode(w http.ResponseWriter, r *http.Request, v any) bool {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		models.WriteProblem(w, http.StatusBadRequest, "Bad Request", "invalid JSON body: "+err.Error(), nil)
		return false
	}
	return true
}

// writeServiceError — единое отображение ошибок сервисов в problem+json.
// Стектрейсы наружу не утекают, детали — только в сообщении.
func writeServiceError(w http.ResponseWriter, err error) {
	var ise *permissions.InvalidScopesError
	var mse *integration.MissingScopeError
	var ue *integration.UpstreamError
	switch {
	case errors.As(err, &ise):
		models.WriteProblem(w, http.StatusUnprocessableEntity, "Invalid Scopes", err.Error(), map[string]any{
			"invalid_scopes":   ise.Invalid,
			"available_scopes": ise.Available,
		})
	case errors.Is(err, permissions.ErrPastExpiry):
		models.WriteProblem(w, http.StatusUnprocessableEntity, "Invalid Expiry", err.Error(), nil)
	case errors.Is(err, permissions.ErrNoPermission):
		models.WriteProblem(w, http.StatusForbidden, "No Permission", err.Error(), nil)
	case errors.As(err, &mse):
		models.WriteProblem(w, http.StatusForbidden, "Missing Scope", err.Error(), map[string]any{
			"missing_scope": mse.Scope,
		})
	case errors.Is(err, integration.ErrAppOffline):
		models.WriteProblem(w, http.StatusConflict, "App Offline", err.Error(), nil)
	case errors.As(err, &ue):
		models.WriteProblem(w, http.StatusBadGateway, "Upstream Error", err.Error(), map[string]any{
			"upstream_status": ue.StatusCode,
		})
	case errors.Is(err, repo.ErrDuplicate):
		models.WriteProblem(w, http.StatusConflict, "Conflict", err.Error(), nil)
	case errors.Is(err, repo.ErrNotFound):
		models.WriteProblem(w, http.StatusNotFound, "Not Found", err.Error(), nil)
	default:
		models.WriteProblem(w, http.StatusInternalServerError, "Internal Server Error", err.Error(), nil)
	}
}

// resolvePair — User и App по id из тела запроса; nil-модель → 404.
func (h *Handler) resolvePair(w http.ResponseWriter, r *http.Request, userID, appID uint) (*models.User, *models.App, bool) {
	u, err := h.users.GetByID(r.Context(), userID)
	if err != nil {
		writeServiceError(w, err)
		return nil, nil, false
	}
	if u == nil {
		models.WriteProblem(w, http.StatusNotFound, "Not Found", "unknown user", nil)
		return nil, nil, false
	}
	a, err := h.apps.GetByID(r.Context(), appID)
	if err != nil {
		writeServiceError(w, err)
		return nil, nil, false
	}
	if a == nil {
		models.WriteProblem(w, http.StatusNotFound, "Not Found", "unknown app", nil)
		return nil, nil, false
	}
	return u, a, true
}

func (h *Handler) appFromPath(w http.ResponseWriter, r *http.Request) (*models.App, bool) {
	id, err := strconv.ParseUint(mux.Vars(r)["app"], 10, 32)
	if err != nil {
		models.WriteProblem(w, http.StatusBadRequest, "Bad Request", "invalid app id", nil)
		return nil, false
	}
	a, aerr := h.apps.GetByID(r.Context(), uint(id))
	if aerr != nil {
		writeServiceError(w, aerr)
		return nil, false
	}
	if a == nil {
		models.WriteProblem(w, http.StatusNotFound, "Not Found", "unknown app", nil)
		return nil, false
	}
	return a, true
}

/* ───── Permissions ───── */

func (h *Handler) Grant(w http.ResponseWriter, r *http.Request) {
	var req grantRequest
	if !decode(w, r, &req) {
		return
	}
	if len(req.Scopes) == 0 {
		models.WriteProblem(w, http.StatusUnprocessableEntity, "Validation Error", "scopes must not be empty", nil)
		return
	}
	u, a, ok := h.resolvePair(w, r, req.UserID, req.AppID)
	if !ok {
		return
	}
	p, err := h.perms.Grant(r.Context(), u, a, req.Scopes, req.ExpiresAt.Time())
	if err != nil {
		writeServiceError(w, err)
		return
	}
	models.WriteSuccess(w, http.StatusCreated, map[string]any{"permission": p})
}

func (h *Handler) Revoke(w http.ResponseWriter, r *http.Request) {
	var req pairRequest
	if !decode(w, r, &req) {
		return
	}
	u, a, ok := h.resolvePair(w, r, req.UserID, req.AppID)
	if !ok {
		return
	}
	revoked, err := h.perms.Revoke(r.Context(), u, a)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	// revoked=false — отзывать было нечего; это тоже успех
	models.WriteSuccess(w, http.StatusOK, map[string]any{"revoked": revoked})
}

func (h *Handler) AddScopes(w http.ResponseWriter, r *http.Request) {
	var req scopesRequest
	if !decode(w, r, &req) {
		return
	}
	u, a, ok := h.resolvePair(w, r, req.UserID, req.AppID)
	if !ok {
		return
	}
	p, err := h.perms.AddScopes(r.Context(), u, a, req.Scopes)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	models.WriteSuccess(w, http.StatusOK, map[string]any{"permission": p})
}

func (h *Handler) RemoveScopes(w http.ResponseWriter, r *http.Request) {
	var req scopesRequest
	if !decode(w, r, &req) {
		return
	}
	u, a, ok := h.resolvePair(w, r, req.UserID, req.AppID)
	if !ok {
		return
	}
	p, err := h.perms.RemoveScopes(r.Context(), u, a, req.Scopes)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	models.WriteSuccess(w, http.StatusOK, map[string]any{"permission": p})
}

func (h *Handler) Extend(w http.ResponseWriter, r *http.Request) {
	var req extendRequest
	if !decode(w, r, &req) {
		return
	}
	if req.ExpiresAt.Time() == nil {
		models.WriteProblem(w, http.StatusUnprocessableEntity, "Validation Error", "expires_at is required", nil)
		return
	}
	u, a, ok := h.resolvePair(w, r, req.UserID, req.AppID)
	if !ok {
		return
	}
	p, err := h.perms.Extend(r.Context(), u, a, *req.ExpiresAt.Time())
	if err != nil {
		writeServiceError(w, err)
		return
	}
	models.WriteSuccess(w, http.StatusOK, map[string]any{"permission": p})
}

func (h *Handler) MakePermanent(w http.ResponseWriter, r *http.Request) {
	var req pairRequest
	if !decode(w, r, &req) {
		return
	}
	u, a, ok := h.resolvePair(w, r, req.UserID, req.AppID)
	if !ok {
		return
	}
	p, err := h.perms.MakePermanent(r.Context(), u, a)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	models.WriteSuccess(w, http.StatusOK, map[string]any{"permission": p})
}

func (h *Handler) Check(w http.ResponseWriter, r *http.Request) {
	var req scopesRequest
	if !decode(w, r, &req) {
		return
	}
	u, a, ok := h.resolvePair(w, r, req.UserID, req.AppID)
	if !ok {
		return
	}
	allowed, err := h.perms.Has(r.Context(), u, a, req.Scopes)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	models.WriteSuccess(w, http.StatusOK, map[string]any{"allowed": allowed})
}

func (h *Handler) BulkGrant(w http.ResponseWriter, r *http.Request) {
	var req bulkGrantRequest
	if !decode(w, r, &req) {
		return
	}
	if len(req.Scopes) == 0 || len(req.UserIDs) == 0 {
		models.WriteProblem(w, http.StatusUnprocessableEntity, "Validation Error", "user_ids and scopes must not be empty", nil)
		return
	}
	a, err := h.apps.GetByID(r.Context(), req.AppID)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	if a == nil {
		models.WriteProblem(w, http.StatusNotFound, "Not Found", "unknown app", nil)
		return
	}
	granted, err := h.perms.BulkGrant(r.Context(), req.UserIDs, a, req.Scopes, req.ExpiresAt.Time())
	if err != nil {
		writeServiceError(w, err)
		return
	}
	models.WriteSuccess(w, http.StatusOK, map[string]any{
		"permissions": granted,
		"granted":     len(granted),
		"requested":   len(req.UserIDs),
	})
}

func (h *Handler) BulkRevoke(w http.ResponseWriter, r *http.Request) {
	var req bulkRevokeRequest
	if !decode(w, r, &req) {
		return
	}
	a, err := h.apps.GetByID(r.Context(), req.AppID)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	if a == nil {
		models.WriteProblem(w, http.StatusNotFound, "Not Found", "unknown app", nil)
		return
	}
	removed, err := h.perms.BulkRevoke(r.Context(), req.UserIDs, a)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	models.WriteSuccess(w, http.StatusOK, map[string]any{"removed": removed})
}

func (h *Handler) UserApps(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.ParseUint(mux.Vars(r)["user"], 10, 32)
	if err != nil {
		models.WriteProblem(w, http.StatusBadRequest, "Bad Request", "invalid user id", nil)
		return
	}
	u, uerr := h.users.GetByID(r.Context(), uint(id))
	if uerr != nil {
		writeServiceError(w, uerr)
		return
	}
	if u == nil {
		models.WriteProblem(w, http.StatusNotFound, "Not Found", "unknown user", nil)
		return
	}
	onlyValid := r.URL.Query().Get("all") != "1"
	apps, err := h.perms.UserApps(r.Context(), u, onlyValid)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	models.WriteSuccess(w, http.StatusOK, map[string]any{"apps": apps})
}

func (h *Handler) AppUsers(w http.ResponseWriter, r *http.Request) {
	a, ok := h.appFromPath(w, r)
	if !ok {
		return
	}
	onlyValid := r.URL.Query().Get("all") != "1"
	users, err := h.perms.AppUsers(r.Context(), a, onlyValid)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	models.WriteSuccess(w, http.StatusOK, map[string]any{"users": users})
}

func (h *Handler) Expired(w http.ResponseWriter, r *http.Request) {
	perms, err := h.perms.Expired(r.Context())
	if err != nil {
		writeServiceError(w, err)
		return
	}
	models.WriteSuccess(w, http.StatusOK, map[string]any{"permissions": perms})
}

func (h *Handler) Cleanup(w http.ResponseWriter, r *http.Request) {
	removed, err := h.perms.CleanupExpired(r.Context())
	if err != nil {
		writeServiceError(w, err)
		return
	}
	models.WriteSuccess(w, http.StatusOK, map[string]any{"removed": removed})
}

/* ───── Users (минимальный служебный CRUD) ───── */

func (h *Handler) CreateUser(w http.ResponseWriter, r *http.Request) {
	var req userRequest
	if !decode(w, r, &req) {
		return
	}
	if req.Email == "" {
		models.WriteProblem(w, http.StatusUnprocessableEntity, "Validation Error", "email is required", nil)
		return
	}
	u := models.User{Email: req.Email, Name: req.Name}
	if err := h.users.Create(r.Context(), &u); err != nil {
		writeServiceError(w, err)
		return
	}
	models.WriteSuccess(w, http.StatusCreated, map[string]any{"user": u})
}
