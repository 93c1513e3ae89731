package api

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/marcus/kept/internal/remote"
	"github.com/marcus/kept/internal/rowstore"
)

// handleMutation handles POST /v1/collections/{collection}/mutations.
func (s *Server) handleMutation(w http.ResponseWriter, r *http.Request) {
	user := getUserFromContext(r.Context())
	collection := r.PathValue("collection")

	var req remote.MutationRequest
	dec := json.NewDecoder(r.Body)
	dec.UseNumber()
	if err := dec.Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, ErrCodeBadRequest, "invalid json body")
		return
	}

	res, err := s.store.Apply(r.Context(), user.UserID, collection, rowstore.Mutation{
		Op:             req.Op,
		ID:             req.ID,
		IdempotencyKey: req.IdempotencyKey,
		BaseUpdatedAt:  req.BaseUpdatedAt,
		Force:          req.Force,
		Row:            req.Row,
	})
	if err != nil {
		s.writeStoreError(w, r, err)
		return
	}

	s.metrics.RecordMutation(res.Replayed)
	if !res.Replayed {
		s.hub.Publish(user.UserID, user.DeviceID, remote.Change{
			Collection: collection,
			Op:         req.Op,
			ID:         req.ID,
			Row:        res.Row,
		})
	}
	writeJSON(w, http.StatusOK, remote.MutationResponse{Row: res.Row})
}

// handleRows handles GET /v1/collections/{collection}/rows.
func (s *Server) handleRows(w http.ResponseWriter, r *http.Request) {
	user := getUserFromContext(r.Context())
	collection := r.PathValue("collection")

	rows, err := s.store.List(r.Context(), user.UserID, collection, r.URL.Query().Get("since"))
	if err != nil {
		s.writeStoreError(w, r, err)
		return
	}
	s.metrics.RecordList()

	out := remote.RowsResponse{Rows: make([]map[string]any, len(rows))}
	for i, row := range rows {
		out.Rows[i] = row
	}
	writeJSON(w, http.StatusOK, out)
}

// writeStoreError maps row store errors to API responses.
func (s *Server) writeStoreError(w http.ResponseWriter, r *http.Request, err error) {
	var verr *rowstore.ValidationError
	var cerr *rowstore.ConflictError
	switch {
	case errors.Is(err, rowstore.ErrUnknownCollection):
		writeError(w, http.StatusNotFound, ErrCodeNotFound, err.Error())
	case errors.As(err, &verr):
		writeError(w, http.StatusUnprocessableEntity, ErrCodeValidation, verr.Error())
	case errors.Is(err, rowstore.ErrForbidden):
		writeError(w, http.StatusForbidden, ErrCodeForbidden, err.Error())
	case errors.As(err, &cerr):
		s.metrics.RecordConflict()
		writeJSON(w, http.StatusConflict, ErrorResponse{
			Error: APIError{Code: ErrCodeConflict, Message: cerr.Reason},
			Row:   cerr.Current,
		})
	default:
		logFor(r.Context()).Error("row store", "err", err)
		writeError(w, http.StatusInternalServerError, ErrCodeInternal, "internal server error")
	}
}
