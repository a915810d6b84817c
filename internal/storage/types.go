package storage

import (
	"errors"
	"time"

	"signboard/internal/schedule"
)

var (
	ErrDisabled = errors.New("storage disabled")
	ErrClosed   = errors.New("storage closed")
)

// Config configures storage.
//
// If Driver is empty or "none", storage is disabled and the timeline lives
// in memory only.
type Config struct {
	Driver      string
	Path        string
	BusyTimeout time.Duration // sqlite only; 0 means default
}

// row is the persisted form of an entry. Instants are unix milliseconds.
type row struct {
	ID          string `json:"id"`
	ScheduledAt int64  `json:"scheduled_at"`
	AssetRef    string `json:"asset_ref"`
	CreatedAt   int64  `json:"created_at"`
}

func toRow(e schedule.Entry) row {
	return row{
		ID:          e.ID,
		ScheduledAt: e.ScheduledAt.UnixMilli(),
		AssetRef:    e.AssetRef,
		CreatedAt:   e.CreatedAt.UnixMilli(),
	}
}

func (r row) entry() schedule.Entry {
	return schedule.Entry{
		ID:          r.ID,
		ScheduledAt: time.UnixMilli(r.ScheduledAt).UTC(),
		AssetRef:    r.AssetRef,
		CreatedAt:   time.UnixMilli(r.CreatedAt).UTC(),
	}
}
