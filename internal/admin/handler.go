package admin

import (
	"encoding/json"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gorilla/mux"

	"echohub/internal/models"
)

type Handler struct {
	d Dependencies
	t pageTemplates // наборы шаблонов по страницам, см. templates.go
}

func (h *Handler) redirect(path string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		http.Redirect(w, r, path, http.StatusFound)
	}
}

func (h *Handler) render(w http.ResponseWriter, page string, data any) {
	t, ok := h.t[page]
	if !ok {
		http.Error(w, "template not found: "+page, http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	if err := t.ExecuteTemplate(w, "layout", data); err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
	}
}

func (h *Handler) appByID(w http.ResponseWriter, r *http.Request) *models.App {
	id, _ := strconv.Atoi(mux.Vars(r)["id"])
	app, err := h.d.APPS.GetByID(r.Context(), uint(id))
	if err != nil || app == nil {
		http.NotFound(w, r)
		return nil
	}
	return app
}

// ---------- Pages ----------

func (h *Handler) AppsList(w http.ResponseWriter, r *http.Request) {
	q := strings.TrimSpace(r.URL.Query().Get("q"))
	rows, _ := h.d.APPS.List(r.Context(), q)
	h.render(w, "apps_list.tmpl", map[string]any{
		"Title": "Apps",
		"Rows":  rows,
		"Query": q,
	})
}

func (h *Handler) AppDetail(w http.ResponseWriter, r *http.Request) {
	app := h.appByID(w, r)
	if app == nil {
		return
	}

	// активные гранты с именами пользователей
	type GrantRow struct {
		UserID    uint
		Email     string
		Scopes    string
		ExpiresAt *time.Time
	}
	var grants []GrantRow
	_ = h.d.DB.Table("permissions").
		Select("permissions.user_id, users.email, permissions.granted_scopes as scopes, permissions.expires_at").
		Joins("JOIN users ON users.id = permissions.user_id").
		Where("permissions.app_id = ?", app.ID).
		Order("permissions.user_id asc").Scan(&grants).Error

	calls, _ := h.d.ALOG.CountForApp(r.Context(), app.ID)

	h.render(w, "app_detail.tmpl", map[string]any{
		"Title":  "App " + app.Name,
		"App":    app,
		"Grants": grants,
		"Scopes": app.AvailableScopeList(),
		"Calls":  calls,
	})
}

func (h *Handler) AppLogs(w http.ResponseWriter, r *http.Request) {
	app := h.appByID(w, r)
	if app == nil {
		return
	}
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	rows, _ := h.d.ALOG.ListForApp(r.Context(), app.ID, limit)
	h.render(w, "app_logs.tmpl", map[string]any{
		"Title": "Access log " + app.Name,
		"App":   app,
		"Rows":  rows,
	})
}

func (h *Handler) ExpiredPage(w http.ResponseWriter, r *http.Request) {
	rows, _ := h.d.PERMS.Expired(r.Context())
	h.render(w, "expired.tmpl", map[string]any{
		"Title": "Expired grants",
		"Rows":  rows,
	})
}

// ---------- API ----------

func (h *Handler) APITestConnection(w http.ResponseWriter, r *http.Request) {
	app := h.appByID(w, r)
	if app == nil {
		return
	}
	status := h.d.INTEG.TestConnection(r.Context(), app)
	writeJSON(w, map[string]any{"status": status})
}

func (h *Handler) APISyncMetadata(w http.ResponseWriter, r *http.Request) {
	app := h.appByID(w, r)
	if app == nil {
		return
	}
	ok := h.d.INTEG.SyncMetadata(r.Context(), app)
	writeJSON(w, map[string]any{"synced": ok})
}

func (h *Handler) APIRotateKey(w http.ResponseWriter, r *http.Request) {
	app := h.appByID(w, r)
	if app == nil {
		return
	}
	key, enc, err := h.d.KEYS.Rotate()
	if err != nil {
		http.Error(w, err.Error(), 500)
		return
	}
	if err := h.d.APPS.UpdateServiceKey(r.Context(), app.ID, enc); err != nil {
		http.Error(w, err.Error(), 500)
		return
	}
	// показываем ключ один раз
	writeJSON(w, map[string]any{"service_api_key": key})
}

func (h *Handler) APICleanupExpired(w http.ResponseWriter, r *http.Request) {
	n, err := h.d.PERMS.CleanupExpired(r.Context())
	if err != nil {
		http.Error(w, err.Error(), 500)
		return
	}
	writeJSON(w, map[string]any{"removed": n})
}

// ---------- utils ----------

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(v)
}
