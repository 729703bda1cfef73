package api

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/gaspardpetit/framecast/core/logx"
)

// ErrNoSuchView is returned by a Disconnecter for unknown process ids.
var ErrNoSuchView = errors.New("no such view")

// Disconnecter closes the connection of a view.
type Disconnecter interface {
	Disconnect(processID int) error
}

// DisconnectHandler serves DELETE /api/views/{pid}. The view is free to
// reconnect.
func DisconnectHandler(d Disconnecter, isUnknown func(error) bool) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		pid, err := strconv.Atoi(chi.URLParam(r, "pid"))
		if err != nil || pid <= 0 {
			writeError(w, http.StatusBadRequest, "invalid process id")
			return
		}
		if err := d.Disconnect(pid); err != nil {
			if isUnknown != nil && isUnknown(err) {
				writeError(w, http.StatusNotFound, ErrNoSuchView.Error())
				return
			}
			logx.Log.Warn().Err(err).Int("process_id", pid).Msg("disconnect view")
			writeError(w, http.StatusInternalServerError, "disconnect failed")
			return
		}
		w.WriteHeader(http.StatusNoContent)
	}
}
