package api

import (
	"context"
	"encoding/json"
	"net/http"

	"github.com/gaspardpetit/framecast/sdk/api/ipc"
	"github.com/gaspardpetit/framecast/sdk/base/broadcast"
)

// Broadcaster fans a message out from the host.
type Broadcaster interface {
	Broadcast(ctx context.Context, channel string, args ...any) broadcast.Report
}

// BroadcastRequest is the body of POST /api/broadcast.
type BroadcastRequest struct {
	Channel string            `json:"channel"`
	Args    []json.RawMessage `json:"args"`
}

// BroadcastResponse reports the fan-out.
type BroadcastResponse struct {
	Attempts int `json:"attempts"`
	Failures int `json:"failures"`
	Skipped  int `json:"skipped"`
}

// BroadcastHandler lets operators and tools broadcast on application channels.
func BroadcastHandler(b Broadcaster) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req BroadcastRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, http.StatusBadRequest, "invalid json")
			return
		}
		if req.Channel == "" {
			writeError(w, http.StatusBadRequest, "channel is required")
			return
		}
		if ipc.Reserved(req.Channel) {
			writeError(w, http.StatusBadRequest, "channel is reserved")
			return
		}
		args := make([]any, len(req.Args))
		for i, a := range req.Args {
			args[i] = a
		}
		rep := b.Broadcast(r.Context(), req.Channel, args...)
		writeJSON(w, http.StatusOK, BroadcastResponse{Attempts: rep.Attempts, Failures: rep.Failures, Skipped: rep.Skipped})
	}
}
