package models

import (
	"time"

	"gorm.io/datatypes"
)

// Permission — грант доступа (user, app) → набор scope со сроком действия.
// Одна активная строка на пару; upsert в PermissionStore.
type Permission struct {
	ID        uint      `gorm:"primaryKey" json:"id"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`

	UserID uint `gorm:"index;not null;uniqueIndex:uniq_user_app,priority:1" json:"user_id"`
	AppID  uint `gorm:"index;not null;uniqueIndex:uniq_user_app,priority:2" json:"app_id"`

	GrantedScopes datatypes.JSON `json:"granted_scopes"` // []string

	// nil — бессрочный грант.
	ExpiresAt *time.Time `gorm:"index" json:"expires_at,omitempty"`
}

// ScopeList распаковывает granted_scopes в []string.
func (p *Permission) ScopeList() []string {
	return decodeStrings(p.GrantedScopes)
}

// ValidAt: грант действует, если срок не задан или ещё не прошёл.
func (p *Permission) ValidAt(now time.Time) bool {
	return p.ExpiresAt == nil || p.ExpiresAt.After(now)
}
