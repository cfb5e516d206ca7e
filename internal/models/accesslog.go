package models

import (
	"time"

	"gorm.io/datatypes"
)

// AccessLog — append-only запись одного исходящего вызова.
// Пишется один раз на попытку (успех или ошибка транспорта/upstream),
// никогда не обновляется. response_code=0 — транспортная ошибка.
type AccessLog struct {
	ID        uint      `gorm:"primaryKey" json:"id"`
	CreatedAt time.Time `gorm:"index" json:"created_at"`

	UserID uint `gorm:"index;not null" json:"user_id"`
	AppID  uint `gorm:"index;not null" json:"app_id"`

	Endpoint     string         `gorm:"size:512;not null" json:"endpoint"`
	Method       string         `gorm:"size:16;not null" json:"method"`
	ResponseCode int            `json:"response_code"`
	RequestData  datatypes.JSON `json:"request_data,omitempty"`
	ResponseData datatypes.JSON `json:"response_data,omitempty"`
}
