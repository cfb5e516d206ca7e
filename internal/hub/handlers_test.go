package hub

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/glebarez/sqlite"
	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
	glogger "gorm.io/gorm/logger"

	"echohub/internal/integration"
	"echohub/internal/logs"
	"echohub/internal/models"
	"echohub/internal/permissions"
	"echohub/internal/repo"
	"echohub/internal/secrets"
)

const testToken = "hub-test-token"

func newTestRouter(t *testing.T) (*mux.Router, *gorm.DB) {
	t.Helper()
	logs.Init(logs.Options{Level: "error"})
	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", uuid.NewString())
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{Logger: glogger.Default.LogMode(glogger.Silent)})
	require.NoError(t, err)
	require.NoError(t, db.AutoMigrate(&models.User{}, &models.App{}, &models.Permission{}, &models.AccessLog{}))

	users := repo.NewUserStore(db)
	apps := repo.NewAppStore(db)
	permStore := repo.NewPermissionStore(db)
	alog := repo.NewAccessLogStore(db)

	keys, err := secrets.New("test-master-key")
	require.NoError(t, err)

	perms := permissions.New(permStore, users)
	integ := integration.New(apps, permStore, alog, keys, integration.Options{
		Timeout:       2 * time.Second,
		HealthTimeout: time.Second,
		Retries:       1,
		RetryInterval: time.Millisecond,
	})

	r := mux.NewRouter()
	RegisterRoutes(r, NewHandler(users, apps, alog, perms, integ, keys), testToken)
	return r, db
}

// do шлёт запрос через роутер с авторизацией и декодирует ответ в map.
func do(t *testing.T, r *mux.Router, method, path string, body any) (int, map[string]any) {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Authorization", "Bearer "+testToken)
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)

	out := map[string]any{}
	if w.Body.Len() > 0 {
		require.NoError(t, json.Unmarshal(w.Body.Bytes(), &out))
	}
	return w.Code, out
}

func createUser(t *testing.T, r *mux.Router, email string) uint {
	code, resp := do(t, r, http.MethodPost, "/hub/api/users", map[string]any{"email": email, "name": email})
	require.Equal(t, http.StatusCreated, code)
	u := resp["user"].(map[string]any)
	return uint(u["id"].(float64))
}

func createApp(t *testing.T, r *mux.Router, domain, url string, available ...string) (uint, string) {
	code, resp := do(t, r, http.MethodPost, "/hub/api/apps", map[string]any{
		"name":             domain,
		"domain":           domain,
		"app_url":          url,
		"available_scopes": available,
	})
	require.Equal(t, http.StatusCreated, code)
	a := resp["app"].(map[string]any)
	return uint(a["id"].(float64)), resp["service_api_key"].(string)
}

func TestBearerAuth(t *testing.T) {
	r, _ := newTestRouter(t)

	req := httptest.NewRequest(http.MethodGet, "/hub/api/apps", nil)
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	assert.Equal(t, http.StatusUnauthorized, w.Code)
	assert.Contains(t, w.Header().Get("Content-Type"), "application/problem+json")

	req = httptest.NewRequest(http.MethodGet, "/hub/api/apps", nil)
	req.Header.Set("Authorization", "Bearer wrong")
	w = httptest.NewRecorder()
	r.ServeHTTP(w, req)
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	code, _ := do(t, r, http.MethodGet, "/hub/api/apps", nil)
	assert.Equal(t, http.StatusOK, code)
}

func TestCreateAppReturnsKeyOnce(t *testing.T) {
	r, _ := newTestRouter(t)

	id, key := createApp(t, r, "crm.example.com", "https://crm.example.com/api", "stats:read")
	assert.Regexp(t, "^ehk_[0-9a-f]{32}$", key)

	// в последующих ответах ключа нет даже в зашифрованном виде
	code, resp := do(t, r, http.MethodGet, fmt.Sprintf("/hub/api/apps/%d", id), nil)
	require.Equal(t, http.StatusOK, code)
	app := resp["app"].(map[string]any)
	assert.Equal(t, "offline", app["status"])
	assert.NotContains(t, app, "service_api_key")
	assert.NotContains(t, app, "ServiceKeyEnc")
}

func TestCreateAppDuplicateDomain(t *testing.T) {
	r, _ := newTestRouter(t)
	createApp(t, r, "dup.example.com", "https://dup.example.com")

	code, resp := do(t, r, http.MethodPost, "/hub/api/apps", map[string]any{
		"name": "other", "domain": "dup.example.com", "app_url": "https://other.example.com",
	})
	assert.Equal(t, http.StatusConflict, code)
	assert.EqualValues(t, http.StatusConflict, resp["status"])
}

func TestGrantCheckRevoke(t *testing.T) {
	r, _ := newTestRouter(t)
	uid := createUser(t, r, "alice@example.com")
	aid, _ := createApp(t, r, "booking.example.com", "https://booking.example.com", "bookings:read", "bookings:write")

	code, resp := do(t, r, http.MethodPost, "/hub/api/permissions/grant", map[string]any{
		"user_id": uid, "app_id": aid, "scopes": []string{"bookings:read"},
	})
	require.Equal(t, http.StatusCreated, code)
	assert.Equal(t, true, resp["success"])

	code, resp = do(t, r, http.MethodPost, "/hub/api/permissions/check", map[string]any{
		"user_id": uid, "app_id": aid, "scopes": []string{"bookings:read"},
	})
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, true, resp["allowed"])

	code, resp = do(t, r, http.MethodPost, "/hub/api/permissions/check", map[string]any{
		"user_id": uid, "app_id": aid, "scopes": []string{"bookings:write"},
	})
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, false, resp["allowed"])

	code, resp = do(t, r, http.MethodPost, "/hub/api/permissions/revoke", map[string]any{
		"user_id": uid, "app_id": aid,
	})
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, true, resp["revoked"])

	// повторный revoke — нечего отзывать, но это не ошибка
	code, resp = do(t, r, http.MethodPost, "/hub/api/permissions/revoke", map[string]any{
		"user_id": uid, "app_id": aid,
	})
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, false, resp["revoked"])
}

func TestGrantInvalidScopesProblem(t *testing.T) {
	r, _ := newTestRouter(t)
	uid := createUser(t, r, "bob@example.com")
	aid, _ := createApp(t, r, "inv.example.com", "https://inv.example.com", "stats:read")

	code, resp := do(t, r, http.MethodPost, "/hub/api/permissions/grant", map[string]any{
		"user_id": uid, "app_id": aid, "scopes": []string{"stats:read", "admin:all"},
	})
	assert.Equal(t, http.StatusUnprocessableEntity, code)
	extra := resp["extra"].(map[string]any)
	assert.Equal(t, []any{"admin:all"}, extra["invalid_scopes"])
}

func TestGrantUnknownUserOrApp(t *testing.T) {
	r, _ := newTestRouter(t)
	aid, _ := createApp(t, r, "u404.example.com", "https://u404.example.com", "stats:read")

	code, _ := do(t, r, http.MethodPost, "/hub/api/permissions/grant", map[string]any{
		"user_id": 999, "app_id": aid, "scopes": []string{"stats:read"},
	})
	assert.Equal(t, http.StatusNotFound, code)

	uid := createUser(t, r, "carol@example.com")
	code, _ = do(t, r, http.MethodPost, "/hub/api/permissions/grant", map[string]any{
		"user_id": uid, "app_id": 999, "scopes": []string{"stats:read"},
	})
	assert.Equal(t, http.StatusNotFound, code)
}

func TestExtendAcceptsUnixSeconds(t *testing.T) {
	r, _ := newTestRouter(t)
	uid := createUser(t, r, "dave@example.com")
	aid, _ := createApp(t, r, "ext.example.com", "https://ext.example.com", "stats:read")

	code, _ := do(t, r, http.MethodPost, "/hub/api/permissions/grant", map[string]any{
		"user_id": uid, "app_id": aid, "scopes": []string{"stats:read"},
	})
	require.Equal(t, http.StatusCreated, code)

	code, resp := do(t, r, http.MethodPost, "/hub/api/permissions/extend", map[string]any{
		"user_id": uid, "app_id": aid, "expires_at": time.Now().Add(time.Hour).Unix(),
	})
	require.Equal(t, http.StatusOK, code)
	p := resp["permission"].(map[string]any)
	assert.NotNil(t, p["expires_at"])

	code, resp = do(t, r, http.MethodPost, "/hub/api/permissions/make-permanent", map[string]any{
		"user_id": uid, "app_id": aid,
	})
	require.Equal(t, http.StatusOK, code)
	p = resp["permission"].(map[string]any)
	assert.Nil(t, p["expires_at"])
}

func TestBulkGrantReportsCounts(t *testing.T) {
	r, _ := newTestRouter(t)
	u1 := createUser(t, r, "e1@example.com")
	u2 := createUser(t, r, "e2@example.com")
	aid, _ := createApp(t, r, "bulk.example.com", "https://bulk.example.com", "stats:read")

	code, resp := do(t, r, http.MethodPost, "/hub/api/permissions/bulk-grant", map[string]any{
		"user_ids": []uint{u1, u2, 999}, "app_id": aid, "scopes": []string{"stats:read"},
	})
	require.Equal(t, http.StatusOK, code)
	assert.EqualValues(t, 2, resp["granted"])
	assert.EqualValues(t, 3, resp["requested"])
}

func TestUserAppsListing(t *testing.T) {
	r, _ := newTestRouter(t)
	uid := createUser(t, r, "list@example.com")
	a1, _ := createApp(t, r, "l1.example.com", "https://l1.example.com", "stats:read")
	a2, _ := createApp(t, r, "l2.example.com", "https://l2.example.com", "stats:read")

	code, _ := do(t, r, http.MethodPost, "/hub/api/permissions/grant", map[string]any{
		"user_id": uid, "app_id": a1, "scopes": []string{"stats:read"},
	})
	require.Equal(t, http.StatusCreated, code)
	// просроченный грант на второе приложение
	code, _ = do(t, r, http.MethodPost, "/hub/api/permissions/grant", map[string]any{
		"user_id": uid, "app_id": a2, "scopes": []string{"stats:read"},
		"expires_at": time.Now().Add(50 * time.Millisecond).Format(time.RFC3339Nano),
	})
	require.Equal(t, http.StatusCreated, code)
	time.Sleep(60 * time.Millisecond)

	code, resp := do(t, r, http.MethodGet, fmt.Sprintf("/hub/api/permissions/user/%d/apps", uid), nil)
	require.Equal(t, http.StatusOK, code)
	assert.Len(t, resp["apps"], 1)

	code, resp = do(t, r, http.MethodGet, fmt.Sprintf("/hub/api/permissions/user/%d/apps?all=1", uid), nil)
	require.Equal(t, http.StatusOK, code)
	assert.Len(t, resp["apps"], 2)

	code, resp = do(t, r, http.MethodPost, "/hub/api/permissions/cleanup", nil)
	require.Equal(t, http.StatusOK, code)
	assert.EqualValues(t, 1, resp["removed"])
}

func TestCallGatewayEndToEnd(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/orders", r.URL.Path)
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprint(w, `{"orders":[]}`)
	}))
	defer upstream.Close()

	r, db := newTestRouter(t)
	uid := createUser(t, r, "gw@example.com")
	aid, _ := createApp(t, r, "gw.example.com", upstream.URL+"/api", "orders:read")

	// шлюз пускает только к online-приложениям
	require.NoError(t, db.Model(&models.App{}).Where("id = ?", aid).
		Update("status", models.AppStatusOnline).Error)

	code, _ := do(t, r, http.MethodPost, "/hub/api/permissions/grant", map[string]any{
		"user_id": uid, "app_id": aid, "scopes": []string{"orders:read"},
	})
	require.Equal(t, http.StatusCreated, code)

	code, resp := do(t, r, http.MethodPost, fmt.Sprintf("/hub/api/apps/%d/call", aid), map[string]any{
		"user_id": uid, "endpoint": "orders", "scopes": []string{"orders:read"},
	})
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, map[string]any{"orders": []any{}}, resp["result"])

	// вызов попал в журнал
	code, resp = do(t, r, http.MethodGet, fmt.Sprintf("/hub/api/apps/%d/logs", aid), nil)
	require.Equal(t, http.StatusOK, code)
	require.Len(t, resp["logs"], 1)
}

func TestCallGatewayDenials(t *testing.T) {
	r, db := newTestRouter(t)
	uid := createUser(t, r, "deny@example.com")
	aid, _ := createApp(t, r, "deny.example.com", "https://deny.example.com/api", "orders:read")

	// нет гранта → 403
	code, _ := do(t, r, http.MethodPost, fmt.Sprintf("/hub/api/apps/%d/call", aid), map[string]any{
		"user_id": uid, "endpoint": "orders", "scopes": []string{"orders:read"},
	})
	assert.Equal(t, http.StatusForbidden, code)

	// грант есть, но приложение offline → 409
	code, _ = do(t, r, http.MethodPost, "/hub/api/permissions/grant", map[string]any{
		"user_id": uid, "app_id": aid, "scopes": []string{"orders:read"},
	})
	require.Equal(t, http.StatusCreated, code)
	code, resp := do(t, r, http.MethodPost, fmt.Sprintf("/hub/api/apps/%d/call", aid), map[string]any{
		"user_id": uid, "endpoint": "orders", "scopes": []string{"orders:read"},
	})
	assert.Equal(t, http.StatusConflict, code)

	// недостающий scope → 403 с именем scope
	require.NoError(t, db.Model(&models.App{}).Where("id = ?", aid).
		Update("status", models.AppStatusOnline).Error)
	code, resp = do(t, r, http.MethodPost, fmt.Sprintf("/hub/api/apps/%d/call", aid), map[string]any{
		"user_id": uid, "endpoint": "orders", "scopes": []string{"orders:write"},
	})
	assert.Equal(t, http.StatusForbidden, code)
	assert.Equal(t, "orders:write", resp["extra"].(map[string]any)["missing_scope"])

	// у всех отказов по гейтам нет следа в журнале
	code, resp = do(t, r, http.MethodGet, fmt.Sprintf("/hub/api/apps/%d/logs", aid), nil)
	require.Equal(t, http.StatusOK, code)
	assert.Empty(t, resp["logs"])
}

func TestRotateKeyInvalidatesOld(t *testing.T) {
	r, db := newTestRouter(t)
	aid, oldKey := createApp(t, r, "rot.example.com", "https://rot.example.com")

	code, resp := do(t, r, http.MethodPost, fmt.Sprintf("/hub/api/apps/%d/rotate-key", aid), nil)
	require.Equal(t, http.StatusOK, code)
	newKey := resp["service_api_key"].(string)
	assert.NotEqual(t, oldKey, newKey)
	assert.Regexp(t, "^ehk_[0-9a-f]{32}$", newKey)

	// в базе лежит шифртекст нового ключа
	keys, err := secrets.New("test-master-key")
	require.NoError(t, err)
	var app models.App
	require.NoError(t, db.First(&app, aid).Error)
	stored, err := keys.Decrypt(app.ServiceKeyEnc)
	require.NoError(t, err)
	assert.Equal(t, newKey, stored)
}

func TestDeleteAppCascades(t *testing.T) {
	r, db := newTestRouter(t)
	uid := createUser(t, r, "del@example.com")
	aid, _ := createApp(t, r, "del.example.com", "https://del.example.com", "stats:read")

	code, _ := do(t, r, http.MethodPost, "/hub/api/permissions/grant", map[string]any{
		"user_id": uid, "app_id": aid, "scopes": []string{"stats:read"},
	})
	require.Equal(t, http.StatusCreated, code)

	code, _ = do(t, r, http.MethodDelete, fmt.Sprintf("/hub/api/apps/%d", aid), nil)
	require.Equal(t, http.StatusOK, code)

	code, _ = do(t, r, http.MethodGet, fmt.Sprintf("/hub/api/apps/%d", aid), nil)
	assert.Equal(t, http.StatusNotFound, code)

	var n int64
	require.NoError(t, db.Unscoped().Model(&models.Permission{}).Where("app_id = ?", aid).Count(&n).Error)
	assert.EqualValues(t, 0, n)
}
