package models

import "time"

// RateWindow is the fixed-window counter state for one (client, route class) key.
type RateWindow struct {
	Key     string    `json:"key"`
	Count   int64     `json:"count"`
	ResetAt time.Time `json:"reset_at"`
}
