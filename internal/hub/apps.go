package hub

import (
	"net/http"
	"strconv"
	"strings"

	"echohub/internal/models"
	"echohub/internal/scopes"
)

/* ───── App management ───── */

func (h *Handler) ListApps(w http.ResponseWriter, r *http.Request) {
	apps, err := h.apps.List(r.Context(), strings.TrimSpace(r.URL.Query().Get("q")))
	if err != nil {
		writeServiceError(w, err)
		return
	}
	models.WriteSuccess(w, http.StatusOK, map[string]any{"apps": apps})
}

// CreateApp — регистрация приложения. Plain service key отдаётся один раз
// в ответе; дальше живёт только шифртекст.
func (h *Handler) CreateApp(w http.ResponseWriter, r *http.Request) {
	var req appRequest
	if !decode(w, r, &req) {
		return
	}
	if req.Name == "" || req.Domain == "" || req.AppURL == "" {
		models.WriteProblem(w, http.StatusUnprocessableEntity, "Validation Error",
			"name, domain and app_url are required", nil)
		return
	}

	key, enc, err := h.keys.Rotate()
	if err != nil {
		writeServiceError(w, err)
		return
	}
	a := models.App{
		Name:            req.Name,
		Domain:          req.Domain,
		AppURL:          strings.TrimRight(req.AppURL, "/"),
		ServiceKeyEnc:   enc,
		AvailableScopes: models.MustJSON(scopes.Normalize(req.AvailableScopes)),
		Capabilities:    models.MustJSON(scopes.Normalize(req.Capabilities)),
		Status:          models.AppStatusOffline, // до первой пробы
	}
	if len(req.Metadata) > 0 {
		a.Metadata = models.MustJSON(req.Metadata)
	}
	if err := h.apps.Create(r.Context(), &a); err != nil {
		writeServiceError(w, err)
		return
	}
	models.WriteSuccess(w, http.StatusCreated, map[string]any{
		"app":             a,
		"service_api_key": key,
	})
}

func (h *Handler) GetApp(w http.ResponseWriter, r *http.Request) {
	a, ok := h.appFromPath(w, r)
	if !ok {
		return
	}
	models.WriteSuccess(w, http.StatusOK, map[string]any{"app": a})
}

func (h *Handler) UpdateApp(w http.ResponseWriter, r *http.Request) {
	a, ok := h.appFromPath(w, r)
	if !ok {
		return
	}
	var req appRequest
	if !decode(w, r, &req) {
		return
	}
	if req.Name != "" {
		a.Name = req.Name
	}
	if req.Domain != "" {
		a.Domain = req.Domain
	}
	if req.AppURL != "" {
		a.AppURL = strings.TrimRight(req.AppURL, "/")
	}
	if req.AvailableScopes != nil {
		a.AvailableScopes = models.MustJSON(scopes.Normalize(req.AvailableScopes))
	}
	if req.Capabilities != nil {
		a.Capabilities = models.MustJSON(scopes.Normalize(req.Capabilities))
	}
	if req.Metadata != nil {
		a.Metadata = models.MustJSON(req.Metadata)
	}
	if err := h.apps.Save(r.Context(), a); err != nil {
		writeServiceError(w, err)
		return
	}
	models.WriteSuccess(w, http.StatusOK, map[string]any{"app": a})
}

func (h *Handler) DeleteApp(w http.ResponseWriter, r *http.Request) {
	a, ok := h.appFromPath(w, r)
	if !ok {
		return
	}
	if err := h.apps.Delete(r.Context(), a.ID); err != nil {
		writeServiceError(w, err)
		return
	}
	models.WriteSuccess(w, http.StatusOK, nil)
}

/* ───── Integration actions ───── */

func (h *Handler) TestConnection(w http.ResponseWriter, r *http.Request) {
	a, ok := h.appFromPath(w, r)
	if !ok {
		return
	}
	status := h.integ.TestConnection(r.Context(), a)
	models.WriteSuccess(w, http.StatusOK, map[string]any{
		"status": status,
		"online": status == models.AppStatusOnline,
	})
}

func (h *Handler) SyncMetadata(w http.ResponseWriter, r *http.Request) {
	a, ok := h.appFromPath(w, r)
	if !ok {
		return
	}
	synced := h.integ.SyncMetadata(r.Context(), a)
	models.WriteSuccess(w, http.StatusOK, map[string]any{
		"synced": synced,
		"app":    a,
	})
}

// RotateKey — новый service key; прежний перестаёт действовать сразу.
func (h *Handler) RotateKey(w http.ResponseWriter, r *http.Request) {
	a, ok := h.appFromPath(w, r)
	if !ok {
		return
	}
	key, enc, err := h.keys.Rotate()
	if err != nil {
		writeServiceError(w, err)
		return
	}
	if err := h.apps.UpdateServiceKey(r.Context(), a.ID, enc); err != nil {
		writeServiceError(w, err)
		return
	}
	models.WriteSuccess(w, http.StatusOK, map[string]any{"service_api_key": key})
}

func (h *Handler) AppStats(w http.ResponseWriter, r *http.Request) {
	a, ok := h.appFromPath(w, r)
	if !ok {
		return
	}
	u, ok := h.userFromQuery(w, r)
	if !ok {
		return
	}
	out, err := h.integ.AppStats(r.Context(), u, a, r.URL.Query().Get("type"))
	if err != nil {
		writeServiceError(w, err)
		return
	}
	models.WriteSuccess(w, http.StatusOK, map[string]any{"stats": out})
}

func (h *Handler) AppActivity(w http.ResponseWriter, r *http.Request) {
	a, ok := h.appFromPath(w, r)
	if !ok {
		return
	}
	u, ok := h.userFromQuery(w, r)
	if !ok {
		return
	}
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	out, err := h.integ.RecentActivity(r.Context(), u, a, limit)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	models.WriteSuccess(w, http.StatusOK, map[string]any{"activity": out})
}

// CallApp — общий шлюз для произвольных эндпоинтов приложения.
func (h *Handler) CallApp(w http.ResponseWriter, r *http.Request) {
	a, ok := h.appFromPath(w, r)
	if !ok {
		return
	}
	var req callRequest
	if !decode(w, r, &req) {
		return
	}
	if req.Endpoint == "" {
		models.WriteProblem(w, http.StatusUnprocessableEntity, "Validation Error", "endpoint is required", nil)
		return
	}
	u, err := h.users.GetByID(r.Context(), req.UserID)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	if u == nil {
		models.WriteProblem(w, http.StatusNotFound, "Not Found", "unknown user", nil)
		return
	}
	method := strings.ToUpper(req.Method)
	if method == "" {
		method = http.MethodGet
	}
	out, err := h.integ.CallApp(r.Context(), u, a, req.Endpoint, method, req.Data, req.Scopes)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	models.WriteSuccess(w, http.StatusOK, map[string]any{"result": out})
}

func (h *Handler) AppLogs(w http.ResponseWriter, r *http.Request) {
	a, ok := h.appFromPath(w, r)
	if !ok {
		return
	}
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	entries, err := h.alog.ListForApp(r.Context(), a.ID, limit)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	models.WriteSuccess(w, http.StatusOK, map[string]any{"logs": entries})
}

func (h *Handler) userFromQuery(w http.ResponseWriter, r *http.Request) (*models.User, bool) {
	id, err := strconv.ParseUint(r.URL.Query().Get("user_id"), 10, 32)
	if err != nil {
		models.WriteProblem(w, http.StatusBadRequest, "Bad Request", "user_id query param is required", nil)
		return nil, false
	}
	u, uerr := h.users.GetByID(r.Context(), uint(id))
	if uerr != nil {
		writeServiceError(w, uerr)
		return nil, false
	}
	if u == nil {
		models.WriteProblem(w, http.StatusNotFound, "Not Found", "unknown user", nil)
		return nil, false
	}
	return u, true
}
