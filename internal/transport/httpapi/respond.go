package httpapi

import (
	"encoding/json"
	"errors"
	"net/http"

	"signboard/internal/assets"
	"signboard/internal/mutation"
	"signboard/internal/schedule"
	logx "signboard/pkg/logx"
)

// errorBody lists every problem with a request at once.
type errorBody struct {
	Message []string `json:"message"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	if v == nil {
		return
	}
	_ = json.NewEncoder(w).Encode(v)
}

func writeMessages(w http.ResponseWriter, status int, msgs ...string) {
	writeJSON(w, status, errorBody{Message: msgs})
}

// writeError maps domain errors to status codes. Unknown errors are logged
// and reported as 500 without detail.
func writeError(w http.ResponseWriter, log logx.Logger, err error) {
	var ve *mutation.ValidationError
	switch {
	case errors.As(err, &ve):
		writeMessages(w, http.StatusBadRequest, ve.Messages()...)
	case errors.Is(err, schedule.ErrNotFound), errors.Is(err, assets.ErrAssetNotFound):
		writeMessages(w, http.StatusNotFound, err.Error())
	case errors.Is(err, schedule.ErrInvalidLimit), errors.Is(err, schedule.ErrEmptyID), errors.Is(err, assets.ErrInvalidRef):
		writeMessages(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, schedule.ErrDuplicateID):
		writeMessages(w, http.StatusConflict, err.Error())
	default:
		log.Error("request failed", logx.Err(err))
		writeMessages(w, http.StatusInternalServerError, "internal error")
	}
}

// decodeBody reads a single strict JSON object.
func decodeBody(w http.ResponseWriter, r *http.Request, dst any) bool {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		writeMessages(w, http.StatusBadRequest, "malformed request body: "+err.Error())
		return false
	}
	if dec.More() {
		writeMessages(w, http.StatusBadRequest, "malformed request body: trailing data")
		return false
	}
	return true
}
