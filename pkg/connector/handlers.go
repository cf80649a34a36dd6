package connector

import (
	"encoding/json"
	"net/http"

	"github.com/gorilla/mux"
	"github.com/sirupsen/logrus"

	"github.com/wikiforge/discourse-connect/pkg/httputil"
	"github.com/wikiforge/discourse-connect/pkg/link"
	"github.com/wikiforge/discourse-connect/pkg/observability"
)

// Handlers serves the cached forum-side user records to other services that
// need forum attributes keyed by local account id.
type Handlers struct {
	records *link.RecordCache
	metrics *observability.Metrics
	log     *logrus.Logger
}

// NewHandlers creates the connector HTTP handlers. metrics may be nil.
func NewHandlers(records *link.RecordCache, metrics *observability.Metrics, log *logrus.Logger) *Handlers {
	if log == nil {
		log = logrus.New()
	}
	return &Handlers{records: records, metrics: metrics, log: log}
}

// RegisterRoutes registers the connector routes
func (h *Handlers) RegisterRoutes(router *mux.Router) {
	router.HandleFunc("/connector/users/{wikiID}/discourse", h.getUserRecord).Methods("GET")
}

// userRecordResponse is the wire form of a cached record.
type userRecordResponse struct {
	DiscourseID int64           `json:"discourse_id"`
	User        json.RawMessage `json:"user"`
	LastUpdate  string          `json:"last_update"`
	LastEvent   string          `json:"last_event"`
	LastEventID int64           `json:"last_event_id"`
}

// getUserRecord handles GET /connector/users/{wikiID}/discourse
func (h *Handlers) getUserRecord(w http.ResponseWriter, r *http.Request) {
	wikiID, err := httputil.PathID(r, "wikiID")
	if err != nil {
		httputil.WriteError(w, http.StatusBadRequest, "invalid user id")
		return
	}

	rec, err := h.records.FetchUserRecordByWikiID(r.Context(), wikiID)
	if err != nil {
		h.log.WithError(err).WithField("wiki_id", wikiID).Error("Record lookup failed")
		httputil.WriteError(w, http.StatusInternalServerError, "lookup failed")
		return
	}
	if rec == nil {
		httputil.WriteError(w, http.StatusNotFound, "no discourse record for user")
		return
	}

	httputil.WriteJSON(w, http.StatusOK, userRecordResponse{
		DiscourseID: rec.DiscourseID,
		User:        rec.Record,
		LastUpdate:  rec.LastUpdate.UTC().Format("2006-01-02T15:04:05Z07:00"),
		LastEvent:   rec.LastEvent,
		LastEventID: rec.LastEventID,
	})
}
