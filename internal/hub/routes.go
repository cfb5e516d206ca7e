package hub

import (
	"net/http"

	"github.com/gorilla/mux"
)

// RegisterRoutes вешает hub API на /hub/api за bearer-токеном.
func RegisterRoutes(r *mux.Router, h *Handler, apiToken string) {
	sub := r.PathPrefix("/hub/api").Subrouter()
	sub.Use(bearerAuth(apiToken))

	// permissions
	sub.HandleFunc("/permissions/grant", h.Grant).Methods(http.MethodPost)
	sub.HandleFunc("/permissions/revoke", h.Revoke).Methods(http.MethodPost)
	sub.HandleFunc("/permissions/add-scopes", h.AddScopes).Methods(http.MethodPost)
	sub.HandleFunc("/permissions/remove-scopes", h.RemoveScopes).Methods(http.MethodPost)
	sub.HandleFunc("/permissions/extend", h.Extend).Methods(http.MethodPost)
	sub.HandleFunc("/permissions/make-permanent", h.MakePermanent).Methods(http.MethodPost)
	sub.HandleFunc("/permissions/check", h.Check).Methods(http.MethodPost)
	sub.HandleFunc("/permissions/bulk-grant", h.BulkGrant).Methods(http.MethodPost)
	sub.HandleFunc("/permissions/bulk-revoke", h.BulkRevoke).Methods(http.MethodPost)
	sub.HandleFunc("/permissions/user/{user:[0-9]+}/apps", h.UserApps).Methods(http.MethodGet)
	sub.HandleFunc("/permissions/app/{app:[0-9]+}/users", h.AppUsers).Methods(http.MethodGet)
	sub.HandleFunc("/permissions/expired", h.Expired).Methods(http.MethodGet)
	sub.HandleFunc("/permissions/cleanup", h.Cleanup).Methods(http.MethodPost)

	// apps
	sub.HandleFunc("/apps", h.ListApps).Methods(http.MethodGet)
	sub.HandleFunc("/apps", h.CreateApp).Methods(http.MethodPost)
	sub.HandleFunc("/apps/{app:[0-9]+}", h.GetApp).Methods(http.MethodGet)
	sub.HandleFunc("/apps/{app:[0-9]+}", h.UpdateApp).Methods(http.MethodPut)
	sub.HandleFunc("/apps/{app:[0-9]+}", h.DeleteApp).Methods(http.MethodDelete)
	sub.HandleFunc("/apps/{app:[0-9]+}/test-connection", h.TestConnection).Methods(http.MethodPost)
	sub.HandleFunc("/apps/{app:[0-9]+}/sync-metadata", h.SyncMetadata).Methods(http.MethodPost)
	sub.HandleFunc("/apps/{app:[0-9]+}/rotate-key", h.RotateKey).Methods(http.MethodPost)
	sub.HandleFunc("/apps/{app:[0-9]+}/stats", h.AppStats).Methods(http.MethodGet)
	sub.HandleFunc("/apps/{app:[0-9]+}/activity", h.AppActivity).Methods(http.MethodGet)
	sub.HandleFunc("/apps/{app:[0-9]+}/call", h.CallApp).Methods(http.MethodPost)
	sub.HandleFunc("/apps/{app:[0-9]+}/logs", h.AppLogs).Methods(http.MethodGet)

	// users (служебное)
	sub.HandleFunc("/users", h.CreateUser).Methods(http.MethodPost)
}
