package integration

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/glebarez/sqlite"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
	glogger "gorm.io/gorm/logger"

	"echohub/internal/logs"
	"echohub/internal/models"
	"echohub/internal/permissions"
	"echohub/internal/repo"
	"echohub/internal/secrets"
)

const testBearer = "ehk_0123456789abcdef0123456789abcdef"

type fixture struct {
	db   *gorm.DB
	svc  *Service
	keys *secrets.Service
	user *models.User
	app  *models.App
}

func newFixture(t *testing.T, appURL string) *fixture {
	t.Helper()
	logs.Init(logs.Options{Level: "error"})

	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", uuid.NewString())
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{Logger: glogger.Default.LogMode(glogger.Silent)})
	require.NoError(t, err)
	require.NoError(t, db.AutoMigrate(&models.User{}, &models.App{}, &models.Permission{}, &models.AccessLog{}))

	keys, err := secrets.New("test-master-key")
	require.NoError(t, err)
	enc, err := keys.Encrypt(testBearer)
	require.NoError(t, err)

	user := &models.User{Email: "alice@example.com"}
	require.NoError(t, db.Create(user).Error)
	app := &models.App{
		Name:            "Travel",
		Domain:          "travel.example.com",
		AppURL:          appURL,
		Status:          models.AppStatusOnline,
		ServiceKeyEnc:   enc,
		AvailableScopes: models.MustJSON([]string{"stats:read", "activity:read", "booking:write"}),
		Metadata:        models.MustJSON(map[string]any{"region": "eu", "tier": "gold"}),
	}
	require.NoError(t, db.Create(app).Error)

	svc := New(repo.NewAppStore(db), repo.NewPermissionStore(db), repo.NewAccessLogStore(db), keys, Options{
		Timeout:       2 * time.Second,
		HealthTimeout: time.Second,
		Retries:       3,
		RetryInterval: 10 * time.Millisecond,
	})
	return &fixture{db: db, svc: svc, keys: keys, user: user, app: app}
}

func (f *fixture) grant(t *testing.T, scopeList []string, expiresAt *time.Time) {
	t.Helper()
	require.NoError(t, f.db.Create(&models.Permission{
		UserID:        f.user.ID,
		AppID:         f.app.ID,
		GrantedScopes: models.MustJSON(scopeList),
		ExpiresAt:     expiresAt,
	}).Error)
}

func (f *fixture) logCount(t *testing.T) int64 {
	t.Helper()
	var cnt int64
	require.NoError(t, f.db.Model(&models.AccessLog{}).Count(&cnt).Error)
	return cnt
}

func TestCallAppSuccess(t *testing.T) {
	var gotAuth, gotPath string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		gotPath = r.URL.Path
		_ = json.NewEncoder(w).Encode(map[string]any{"ok": true})
	}))
	defer srv.Close()

	f := newFixture(t, srv.URL)
	f.grant(t, []string{"stats:read"}, nil)

	out, err := f.svc.CallApp(context.Background(), f.user, f.app, "stats/summary", http.MethodGet, nil, []string{"stats:read"})
	require.NoError(t, err)
	assert.JSONEq(t, `{"ok":true}`, string(out))
	assert.Equal(t, "Bearer "+testBearer, gotAuth)
	assert.Equal(t, "/stats/summary", gotPath)

	var entry models.AccessLog
	require.NoError(t, f.db.First(&entry).Error)
	assert.Equal(t, f.user.ID, entry.UserID)
	assert.Equal(t, "stats/summary", entry.Endpoint)
	assert.Equal(t, http.MethodGet, entry.Method)
	assert.Equal(t, http.StatusOK, entry.ResponseCode)
}

func TestCallAppGates(t *testing.T) {
	var hits int
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		hits++
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	f := newFixture(t, srv.URL)
	ctx := context.Background()

	// нет гранта — отказ до сети и без строки журнала
	_, err := f.svc.CallApp(ctx, f.user, f.app, "x", http.MethodGet, nil, nil)
	assert.ErrorIs(t, err, permissions.ErrNoPermission)
	assert.Zero(t, hits)
	assert.Zero(t, f.logCount(t))

	// просроченный грант равнозначен отсутствию
	expired := time.Now().Add(-time.Minute)
	f.grant(t, []string{"stats:read"}, &expired)
	_, err = f.svc.CallApp(ctx, f.user, f.app, "x", http.MethodGet, nil, nil)
	assert.ErrorIs(t, err, permissions.ErrNoPermission)

	require.NoError(t, f.db.Where("1=1").Delete(&models.Permission{}).Error)
	f.grant(t, []string{"stats:read"}, nil)

	// недостающий scope называется в ошибке
	_, err = f.svc.CallApp(ctx, f.user, f.app, "x", http.MethodGet, nil, []string{"booking:write"})
	var mse *MissingScopeError
	require.ErrorAs(t, err, &mse)
	assert.Equal(t, "booking:write", mse.Scope)

	// offline-флаг (кэш от прошлой пробы) режет вызов
	f.app.Status = models.AppStatusOffline
	_, err = f.svc.CallApp(ctx, f.user, f.app, "x", http.MethodGet, nil, nil)
	assert.ErrorIs(t, err, ErrAppOffline)

	assert.Zero(t, hits, "no gated call reaches the app")
	assert.Zero(t, f.logCount(t), "gated calls are not logged")
}

func TestCallAppUpstreamError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
		_, _ = w.Write([]byte(`{"error":"backend down"}`))
	}))
	defer srv.Close()

	f := newFixture(t, srv.URL)
	f.grant(t, []string{"stats:read"}, nil)

	_, err := f.svc.CallApp(context.Background(), f.user, f.app, "stats/summary", http.MethodGet, nil, nil)
	var ue *UpstreamError
	require.ErrorAs(t, err, &ue)
	assert.Equal(t, http.StatusBadGateway, ue.StatusCode)
	assert.Contains(t, ue.Body, "backend down")

	// неуспех тоже журналируется
	var entry models.AccessLog
	require.NoError(t, f.db.First(&entry).Error)
	assert.Equal(t, http.StatusBadGateway, entry.ResponseCode)
}

func TestCallAppTransportErrorRetriesAndLogs(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {}))
	srv.Close() // мёртвый адрес — каждая попытка падает на транспорте

	f := newFixture(t, srv.URL)
	f.grant(t, []string{"stats:read"}, nil)

	_, err := f.svc.CallApp(context.Background(), f.user, f.app, "stats/summary", http.MethodGet,
		map[string]any{"period": "7d"}, nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "after 3 attempt(s)")

	var entry models.AccessLog
	require.NoError(t, f.db.First(&entry).Error)
	assert.Zero(t, entry.ResponseCode, "transport failure logs response_code 0")
	assert.Contains(t, string(entry.ResponseData), "attempt")
	assert.JSONEq(t, `{"period":"7d"}`, string(entry.RequestData))
}

func TestWrappersHitCanonicalEndpoints(t *testing.T) {
	paths := make([]string, 0, 2)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		paths = append(paths, r.URL.Path+"?"+r.URL.RawQuery)
		_, _ = w.Write([]byte(`{}`))
	}))
	defer srv.Close()

	f := newFixture(t, srv.URL)
	f.grant(t, []string{"stats:read", "activity:read"}, nil)
	ctx := context.Background()

	_, err := f.svc.AppStats(ctx, f.user, f.app, "")
	require.NoError(t, err)
	_, err = f.svc.AppStats(ctx, f.user, f.app, "custom-widget")
	require.NoError(t, err)
	_, err = f.svc.RecentActivity(ctx, f.user, f.app, 25)
	require.NoError(t, err)

	require.Len(t, paths, 3)
	assert.Equal(t, "/stats/summary?", paths[0])
	assert.Equal(t, "/stats/custom-widget?", paths[1])
	assert.Equal(t, "/activity/recent?limit=25", paths[2])
}

func TestWrapperScopeEnforced(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte(`{}`))
	}))
	defer srv.Close()

	f := newFixture(t, srv.URL)
	f.grant(t, []string{"stats:read"}, nil)

	_, err := f.svc.RecentActivity(context.Background(), f.user, f.app, 0)
	var mse *MissingScopeError
	require.ErrorAs(t, err, &mse)
	assert.Equal(t, "activity:read", mse.Scope)
}

func TestTestConnectionStateMachine(t *testing.T) {
	healthStatus := http.StatusOK
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/health", r.URL.Path)
		w.WriteHeader(healthStatus)
	}))

	f := newFixture(t, srv.URL)
	ctx := context.Background()

	assert.Equal(t, models.AppStatusOnline, f.svc.TestConnection(ctx, f.app))

	healthStatus = http.StatusServiceUnavailable
	assert.Equal(t, models.AppStatusDegraded, f.svc.TestConnection(ctx, f.app),
		"reachable but unhealthy app is degraded, not offline")

	srv.Close()
	assert.Equal(t, models.AppStatusOffline, f.svc.TestConnection(ctx, f.app))

	// статус и отметка времени сохранены
	var stored models.App
	require.NoError(t, f.db.First(&stored, f.app.ID).Error)
	assert.Equal(t, models.AppStatusOffline, stored.Status)
	assert.NotNil(t, stored.LastCheckedAt)
}

func TestSyncMetadataMerge(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/metadata", r.URL.Path)
		_ = json.NewEncoder(w).Encode(map[string]any{
			"capabilities": []string{"chat", "booking"},
			"scopes":       []string{"stats:read", "booking:write"},
			"metadata":     map[string]any{"tier": "platinum", "version": "2.1"},
		})
	}))
	defer srv.Close()

	f := newFixture(t, srv.URL)
	require.True(t, f.svc.SyncMetadata(context.Background(), f.app))

	var stored models.App
	require.NoError(t, f.db.First(&stored, f.app.ID).Error)
	assert.ElementsMatch(t, []string{"chat", "booking"}, stored.CapabilityList())
	assert.ElementsMatch(t, []string{"stats:read", "booking:write"}, stored.AvailableScopeList())

	meta := stored.MetadataMap()
	assert.Equal(t, "eu", meta["region"], "existing keys survive the shallow merge")
	assert.Equal(t, "platinum", meta["tier"], "returned keys overwrite")
	assert.Equal(t, "2.1", meta["version"])
}

func TestSyncMetadataBestEffort(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	f := newFixture(t, srv.URL)
	assert.False(t, f.svc.SyncMetadata(context.Background(), f.app))

	srv.Close()
	assert.False(t, f.svc.SyncMetadata(context.Background(), f.app), "transport failure is swallowed")
}

func TestJoinURL(t *testing.T) {
	assert.Equal(t, "https://a.example.com/health", JoinURL("https://a.example.com/", "/health"))
	assert.Equal(t, "https://a.example.com/stats/summary", JoinURL("https://a.example.com", "stats/summary"))
}
