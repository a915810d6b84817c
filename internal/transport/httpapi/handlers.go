package httpapi

import (
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi"

	"signboard/internal/mutation"
	"signboard/internal/transition"
	"signboard/internal/viewer"
)

// resolveAt reads the optional "at" query parameter; absent means now.
func (a *api) resolveAt(r *http.Request) (time.Time, error) {
	raw := strings.TrimSpace(r.URL.Query().Get("at"))
	if raw == "" {
		return a.Mutations.Now(), nil
	}
	return mutation.ParseInstant(raw, a.Mutations.Now())
}

// GET /api/schedules?maxFutureItems=N&at=T
func (a *api) listSchedules(w http.ResponseWriter, r *http.Request) {
	var msgs []string

	limit := a.FutureItems()
	if raw := strings.TrimSpace(r.URL.Query().Get("maxFutureItems")); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 0 {
			msgs = append(msgs, "maxFutureItems must be a non-negative integer")
		}
		limit = n
	}
	at, err := a.resolveAt(r)
	if err != nil {
		msgs = append(msgs, "at "+err.Error())
	}
	if len(msgs) > 0 {
		writeMessages(w, http.StatusBadRequest, msgs...)
		return
	}

	res, err := a.Store.Resolve(at, limit)
	if err != nil {
		writeError(w, a.Log, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (a *api) getSchedule(w http.ResponseWriter, r *http.Request) {
	e, err := a.Mutations.Get(chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, a.Log, err)
		return
	}
	writeJSON(w, http.StatusOK, e)
}

func (a *api) createSchedule(w http.ResponseWriter, r *http.Request) {
	var in mutation.Input
	if !decodeBody(w, r, &in) {
		return
	}
	e, err := a.Mutations.Create(r.Context(), in)
	if err != nil {
		writeError(w, a.Log, err)
		return
	}
	w.Header().Set("Location", "/api/schedules/"+e.ID)
	writeJSON(w, http.StatusCreated, e)
}

func (a *api) updateSchedule(w http.ResponseWriter, r *http.Request) {
	var in mutation.Input
	if !decodeBody(w, r, &in) {
		return
	}
	e, err := a.Mutations.Update(r.Context(), chi.URLParam(r, "id"), in)
	if err != nil {
		writeError(w, a.Log, err)
		return
	}
	writeJSON(w, http.StatusOK, e)
}

func (a *api) deleteSchedule(w http.ResponseWriter, r *http.Request) {
	if err := a.Mutations.Delete(r.Context(), chi.URLParam(r, "id")); err != nil {
		writeError(w, a.Log, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// GET /api/viewer/current is the polling form of a viewer subscription.
func (a *api) viewerCurrent(w http.ResponseWriter, r *http.Request) {
	at, err := a.resolveAt(r)
	if err != nil {
		writeMessages(w, http.StatusBadRequest, "at "+err.Error())
		return
	}
	res, err := a.Store.Resolve(at, 0)
	if err != nil {
		writeError(w, a.Log, err)
		return
	}
	writeJSON(w, http.StatusOK, viewer.FromEvent(transition.Event{At: res.At, Revision: res.Revision, Active: res.Active}))
}

func (a *api) listAssets(w http.ResponseWriter, r *http.Request) {
	list, err := a.Catalog.List(r.Context())
	if err != nil {
		writeError(w, a.Log, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"assets": list})
}

func (a *api) getAsset(w http.ResponseWriter, r *http.Request) {
	asset, err := a.Catalog.Lookup(r.Context(), chi.URLParam(r, "*"))
	if err != nil {
		writeError(w, a.Log, err)
		return
	}
	writeJSON(w, http.StatusOK, asset)
}

func (a *api) health(w http.ResponseWriter, r *http.Request) {
	if a.Health == nil {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
		return
	}
	doc, ok := a.Health()
	status := http.StatusOK
	if !ok {
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, status, doc)
}

func (a *api) recentLogs(w http.ResponseWriter, r *http.Request) {
	if a.Recent == nil {
		writeMessages(w, http.StatusNotFound, "recent log capture disabled")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"records": a.Recent.Snapshot(),
		"dropped": a.Recent.Dropped(),
	})
}
