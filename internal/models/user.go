package models

import "time"

// User — участник организации. Полноценная идентификация (sso/сессии)
// живёт снаружи; здесь только то, на что ссылаются права и журнал.
type User struct {
	ID        uint      `gorm:"primaryKey" json:"id"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`

	Email string `gorm:"uniqueIndex;size:255;not null" json:"email"`
	Name  string `gorm:"size:255" json:"name"`
}
