package models

import (
	"encoding/json"
	"time"

	"gorm.io/datatypes"
	"gorm.io/gorm"
)

// Статусы внешнего приложения. Меняются только health-пробой.
const (
	AppStatusOnline   = "online"
	AppStatusOffline  = "offline"
	AppStatusDegraded = "degraded" // /health отвечает, но не 2xx
)

// App — зарегистрированный внешний сервис, до которого hub проксирует вызовы.
type App struct {
	ID        uint           `gorm:"primaryKey" json:"id"`
	CreatedAt time.Time      `json:"created_at"`
	UpdatedAt time.Time      `json:"updated_at"`
	DeletedAt gorm.DeletedAt `gorm:"index" json:"-"`

	Name   string `gorm:"size:255;not null" json:"name"`
	Domain string `gorm:"uniqueIndex;size:255;not null" json:"domain"`
	AppURL string `gorm:"size:512;not null" json:"app_url"`

	// Ключ для Authorization: Bearer при вызовах наружу.
	// Храним только шифртекст (AES-GCM), см. internal/secrets.
	ServiceKeyEnc []byte `gorm:"column:service_api_key_enc" json:"-"`

	AvailableScopes datatypes.JSON `json:"available_scopes"` // []string
	Capabilities    datatypes.JSON `json:"capabilities"`     // []string
	Metadata        datatypes.JSON `json:"metadata"`         // произвольный объект

	Status        string     `gorm:"size:32;index;default:offline" json:"status"`
	LastCheckedAt *time.Time `json:"last_checked_at,omitempty"`
}

// AvailableScopeList распаковывает available_scopes в []string.
// Пустая/битая колонка — пустой список, не ошибка.
func (a *App) AvailableScopeList() []string {
	return decodeStrings(a.AvailableScopes)
}

func (a *App) CapabilityList() []string {
	return decodeStrings(a.Capabilities)
}

// MetadataMap распаковывает metadata в map (пустая колонка — пустая map).
func (a *App) MetadataMap() map[string]any {
	if len(a.Metadata) == 0 {
		return map[string]any{}
	}
	var m map[string]any
	if err := json.Unmarshal(a.Metadata, &m); err != nil || m == nil {
		return map[string]any{}
	}
	return m
}

func decodeStrings(raw datatypes.JSON) []string {
	if len(raw) == 0 {
		return nil
	}
	var out []string
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil
	}
	return out
}

// MustJSON — хелпер для записи []string/map в JSON-колонку.
func MustJSON(v any) datatypes.JSON {
	b, err := json.Marshal(v)
	if err != nil {
		return datatypes.JSON(`null`)
	}
	return datatypes.JSON(b)
}
