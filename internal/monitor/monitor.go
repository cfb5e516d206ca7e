// Package monitor — периодический свип статусов приложений.
// Единственное, что он трогает — App.status/last_checked_at (и metadata при
// включённом sync). Права пользователей свип не выметает: уборка
// просроченных грантов остаётся явным действием администратора.
package monitor

import (
	"context"
	"time"

	"github.com/robfig/cron/v3"

	"echohub/internal/integration"
	"echohub/internal/logs"
	"echohub/internal/models"
	"echohub/internal/repo"
)

type Monitor struct {
	apps         *repo.AppStore
	integ        *integration.Service
	syncMetadata bool

	cron *cron.Cron
}

func New(apps *repo.AppStore, integ *integration.Service, syncMetadata bool) *Monitor {
	return &Monitor{apps: apps, integ: integ, syncMetadata: syncMetadata}
}

// Start вешает свип на cron-расписание. Пустое расписание — монитор выключен.
func (m *Monitor) Start(schedule string) error {
	if schedule == "" {
		logs.Logger.Info("monitor disabled (empty schedule)")
		return nil
	}
	m.cron = cron.New()
	if _, err := m.cron.AddFunc(schedule, func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
		defer cancel()
		m.Sweep(ctx)
	}); err != nil {
		return err
	}
	m.cron.Start()
	logs.Logger.Infof("monitor started, schedule=%q", schedule)
	return nil
}

func (m *Monitor) Stop() {
	if m.cron != nil {
		<-m.cron.Stop().Done()
	}
}

// Sweep — один проход по всем приложениям; доступен и как ручное действие.
func (m *Monitor) Sweep(ctx context.Context) {
	apps, err := m.apps.List(ctx, "")
	if err != nil {
		logs.Logger.Errorf("monitor: list apps: %v", err)
		return
	}
	for i := range apps {
		app := &apps[i]
		prev := app.Status
		status := m.integ.TestConnection(ctx, app)
		if status != prev {
			logs.Logger.Infof("monitor: app=%s %s -> %s", app.Domain, prev, status)
		}
		if status == models.AppStatusOnline && m.syncMetadata {
			m.integ.SyncMetadata(ctx, app)
		}
		if ctx.Err() != nil {
			return
		}
	}
}
