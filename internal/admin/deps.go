package admin

import (
	"github.com/gorilla/mux"
	"gorm.io/gorm"

	"echohub/config"
	"echohub/internal/integration"
	"echohub/internal/permissions"
	"echohub/internal/repo"
	"echohub/internal/secrets"
)

type Dependencies struct {
	DB    *gorm.DB
	APPS  *repo.AppStore
	ALOG  *repo.AccessLogStore
	PERMS *permissions.Service
	INTEG *integration.Service
	KEYS  *secrets.Service
	CFG   *config.Config
}

func Attach(r *mux.Router, d Dependencies) {
	h := &Handler{d: d, t: parseTemplates()}
	sub := r.PathPrefix("/admin").Subrouter()

	// pages
	sub.HandleFunc("", h.redirect("/admin/apps")).Methods("GET")
	sub.HandleFunc("/", h.redirect("/admin/apps")).Methods("GET")
	sub.HandleFunc("/apps", h.AppsList).Methods("GET")
	sub.HandleFunc("/apps/{id:[0-9]+}", h.AppDetail).Methods("GET")
	sub.HandleFunc("/apps/{id:[0-9]+}/logs", h.AppLogs).Methods("GET")
	sub.HandleFunc("/permissions/expired", h.ExpiredPage).Methods("GET")

	// api (JSON or redirect back)
	sub.HandleFunc("/api/apps/{id:[0-9]+}/test", h.APITestConnection).Methods("POST")
	sub.HandleFunc("/api/apps/{id:[0-9]+}/sync", h.APISyncMetadata).Methods("POST")
	sub.HandleFunc("/api/apps/{id:[0-9]+}/rotate_key", h.APIRotateKey).Methods("POST")
	sub.HandleFunc("/api/permissions/cleanup", h.APICleanupExpired).Methods("POST")

	// static (very small)
	sub.HandleFunc("/static/style.css", serveCSS).Methods("GET")
	sub.HandleFunc("/static/app.js", serveJS).Methods("GET")
}
