package storage

import (
	"context"
	"errors"
	"sort"
	"strings"

	"github.com/spf13/afero"

	"signboard/internal/schedule"
	logx "signboard/pkg/logx"
)

// Store is the persistence API used by the mutation service and startup.
type Store interface {
	// LoadEntries returns every stored entry in timeline order.
	LoadEntries(ctx context.Context) ([]schedule.Entry, error)
	// PutEntry inserts or replaces an entry by id.
	PutEntry(ctx context.Context, e schedule.Entry) error
	DeleteEntry(ctx context.Context, id string) error
	// Compact folds write-ahead state into the main store.
	Compact(ctx context.Context) error
	Close() error
}

// Open initializes the configured store.
// It returns (nil, nil) if storage is disabled.
func Open(cfg Config, log logx.Logger) (Store, error) {
	driver := strings.ToLower(strings.TrimSpace(cfg.Driver))
	if driver == "" || driver == "none" {
		return nil, nil
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	log = log.With(logx.String("comp", "storage"), logx.String("driver", driver))

	switch driver {
	case "file":
		st, err := openFile(afero.NewOsFs(), cfg, log)
		if err != nil {
			return nil, err
		}
		return st, nil
	case "sqlite", "sqlite3":
		st, err := openSQLite(cfg, log)
		if err != nil {
			return nil, err
		}
		return st, nil
	default:
		return nil, errors.New("unknown storage driver: " + driver)
	}
}

func sortEntries(out []schedule.Entry) {
	sort.Slice(out, func(i, j int) bool { return schedule.Less(out[i], out[j]) })
}
