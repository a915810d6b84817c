package mutation

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"signboard/internal/assets"
)

// Input is a create or update request as submitted by a client.
//
// ScheduledAt accepts RFC 3339 timestamps or a "+duration" offset from now
// ("+90s", "+2h").
type Input struct {
	ScheduledAt string `json:"scheduledAt"`
	AssetRef    string `json:"assetRef"`
}

// ParseInstant parses an absolute or relative instant.
func ParseInstant(raw string, now time.Time) (time.Time, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return time.Time{}, errors.New("empty instant")
	}
	if rest, ok := strings.CutPrefix(raw, "+"); ok {
		d, err := time.ParseDuration(rest)
		if err != nil {
			return time.Time{}, fmt.Errorf("invalid offset %q: %w", raw, err)
		}
		return now.Add(d), nil
	}
	if t, err := time.Parse(time.RFC3339Nano, raw); err == nil {
		return t, nil
	}
	return time.Time{}, fmt.Errorf("invalid instant %q: want RFC 3339 or +duration", raw)
}

type validated struct {
	at    time.Time
	asset assets.Asset
}

// validate checks every field and reports all problems together. Catalog
// failures other than "not found" are returned as plain errors.
func validate(ctx context.Context, catalog assets.Catalog, in Input, now time.Time) (validated, error) {
	var (
		out validated
		ve  ValidationError
	)

	if strings.TrimSpace(in.ScheduledAt) == "" {
		ve.add("scheduledAt", "is required")
	} else if at, err := ParseInstant(in.ScheduledAt, now); err != nil {
		ve.add("scheduledAt", "is not a valid instant: "+err.Error())
	} else {
		out.at = at
	}

	ref := strings.TrimSpace(in.AssetRef)
	switch {
	case ref == "":
		ve.add("assetRef", "is required")
	case catalog == nil:
		ve.add("assetRef", "cannot be checked: no asset catalog")
	default:
		a, err := catalog.Lookup(ctx, ref)
		switch {
		case err == nil:
			out.asset = a
		case errors.Is(err, assets.ErrAssetNotFound):
			ve.add("assetRef", fmt.Sprintf("%q does not exist", ref))
		case errors.Is(err, assets.ErrInvalidRef):
			ve.add("assetRef", err.Error())
		default:
			return validated{}, fmt.Errorf("asset lookup: %w", err)
		}
	}

	if err := ve.orNil(); err != nil {
		return validated{}, err
	}
	return out, nil
}
