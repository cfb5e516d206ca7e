package hub

import (
	"encoding/json"
	"time"
)

// FlexTime принимает RFC3339 или unix-секунды; null/пусто — нет срока.
type FlexTime struct {
	t *time.Time
}

func (f *FlexTime) UnmarshalJSON(b []byte) error {
	if string(b) == "null" || string(b) == `""` {
		f.t = nil
		return nil
	}
	var s string
	if err := json.Unmarshal(b, &s); err == nil && s != "" {
		t, err := time.Parse(time.RFC3339Nano, s)
		if err != nil {
			return err
		}
		f.t = &t
		return nil
	}
	var ts int64
	if err := json.Unmarshal(b, &ts); err != nil {
		return err
	}
	if ts > 0 {
		t := time.Unix(ts, 0).UTC()
		f.t = &t
	}
	return nil
}

func (f *FlexTime) Time() *time.Time { return f.t }

type grantRequest struct {
	UserID    uint     `json:"user_id"`
	AppID     uint     `json:"app_id"`
	Scopes    []string `json:"scopes"`
	ExpiresAt FlexTime `json:"expires_at"`
}

type pairRequest struct {
	UserID uint `json:"user_id"`
	AppID  uint `json:"app_id"`
}

type scopesRequest struct {
	UserID uint     `json:"user_id"`
	AppID  uint     `json:"app_id"`
	Scopes []string `json:"scopes"`
}

type extendRequest struct {
	UserID    uint     `json:"user_id"`
	AppID     uint     `json:"app_id"`
	ExpiresAt FlexTime `json:"expires_at"`
}

type bulkGrantRequest struct {
	UserIDs   []uint   `json:"user_ids"`
	AppID     uint     `json:"app_id"`
	Scopes    []string `json:"scopes"`
	ExpiresAt FlexTime `json:"expires_at"`
}

type bulkRevokeRequest struct {
	UserIDs []uint `json:"user_ids"`
	AppID   uint   `json:"app_id"`
}

type appRequest struct {
	Name            string         `json:"name"`
	Domain          string         `json:"domain"`
	AppURL          string         `json:"app_url"`
	AvailableScopes []string       `json:"available_scopes"`
	Capabilities    []string       `json:"capabilities"`
	Metadata        map[string]any `json:"metadata"`
}

type callRequest struct {
	UserID   uint           `json:"user_id"`
	Endpoint string         `json:"endpoint"`
	Method   string         `json:"method"`
	Data     map[string]any `json:"data"`
	Scopes   []string       `json:"scopes"`
}

type userRequest struct {
	Email string `json:"email"`
	Name  string `json:"name"`
}
