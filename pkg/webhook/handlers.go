package webhook

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"
	"github.com/sirupsen/logrus"

	"github.com/wikiforge/discourse-connect/pkg/middleware"
	"github.com/wikiforge/discourse-connect/pkg/observability"
)

// Headers Discourse sets on every delivery.
const (
	HeaderEventType = "X-Discourse-Event-Type"
	HeaderEvent     = "X-Discourse-Event"
	HeaderEventID   = "X-Discourse-Event-Id"
	HeaderSignature = "X-Discourse-Event-Signature"
)

// maxBodyBytes caps event bodies; real user events are a few KB.
const maxBodyBytes = 1 << 20

// Handlers exposes the webhook ingestion endpoint.
type Handlers struct {
	ingestor *Ingestor
	metrics  *observability.Metrics
	log      *logrus.Logger
}

// NewHandlers creates the webhook HTTP handlers. metrics may be nil.
func NewHandlers(ingestor *Ingestor, metrics *observability.Metrics, log *logrus.Logger) *Handlers {
	if log == nil {
		log = logrus.New()
	}
	return &Handlers{ingestor: ingestor, metrics: metrics, log: log}
}

// RegisterRoutes registers the webhook routes
func (h *Handlers) RegisterRoutes(router *mux.Router) {
	router.HandleFunc("/webhook/discourse", h.receive).Methods("POST")
}

// receive handles POST /webhook/discourse. Responses before the signature
// check are deliberately uniform so the endpoint leaks nothing to unsigned
// callers; after authentication the body describes what happened, which the
// forum surfaces in its delivery log.
func (h *Handlers) receive(w http.ResponseWriter, r *http.Request) {
	start := time.Now()

	if !h.ingestor.cfg.Enabled {
		h.deny(w, r, "disabled")
		return
	}

	if !h.ingestor.SourceAllowed(middleware.ClientIP(r)) {
		h.deny(w, r, "source not allowed")
		return
	}

	body, err := io.ReadAll(io.LimitReader(r.Body, maxBodyBytes))
	if err != nil {
		h.deny(w, r, "body read failed")
		return
	}

	if !h.verifySignature(body, r.Header.Get(HeaderSignature)) {
		h.deny(w, r, "bad signature")
		return
	}

	eventType := r.Header.Get(HeaderEventType)
	eventName := r.Header.Get(HeaderEvent)
	eventID, _ := strconv.ParseInt(r.Header.Get(HeaderEventID), 10, 64)

	logger := h.log.WithFields(logrus.Fields{
		"event_type": eventType,
		"event":      eventName,
		"event_id":   eventID,
	})

	var outcome *Outcome
	switch eventType {
	case "ping":
		outcome = &Outcome{Result: "ok", Detail: "pong"}
	case "user":
		outcome, err = h.ingestor.ProcessUserEvent(r.Context(), eventName, eventID, body)
	default:
		outcome = &Outcome{Result: "unknown", Detail: fmt.Sprintf("event type %s is not handled", eventType)}
	}

	if h.metrics != nil {
		h.metrics.WebhookEventDuration.WithLabelValues(eventName).Observe(time.Since(start).Seconds())
	}

	if err != nil {
		logger.WithError(err).Error("Webhook event failed")
		h.count(eventName, "error")
		w.Header().Set("Content-Type", "text/plain; charset=utf-8")
		w.WriteHeader(http.StatusInternalServerError)
		fmt.Fprintf(w, "event processing failed: %v\n", err)
		return
	}

	logger.WithField("result", outcome.Result).Info("Webhook event handled")
	h.count(eventName, outcome.Result)

	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	fmt.Fprintf(w, "%s: %s\n", outcome.Result, outcome.Detail)
}

// verifySignature checks the sha256=<hex> HMAC over the raw body.
func (h *Handlers) verifySignature(body []byte, header string) bool {
	if header == "" {
		return false
	}
	mac := hmac.New(sha256.New, []byte(h.ingestor.cfg.Secret))
	mac.Write(body)
	expected := "sha256=" + hex.EncodeToString(mac.Sum(nil))
	return hmac.Equal([]byte(expected), []byte(header))
}

// deny rejects a request pre-authentication. The response is a deliberately
// uninformative 500 so an unsigned caller cannot tell a signature failure
// from a disabled endpoint or an IP rejection.
func (h *Handlers) deny(w http.ResponseWriter, r *http.Request, reason string) {
	h.log.WithFields(logrus.Fields{
		"remote": middleware.ClientIP(r),
		"reason": reason,
	}).Warn("Webhook delivery rejected")
	h.count(r.Header.Get(HeaderEvent), "rejected")
	http.Error(w, "error", http.StatusInternalServerError)
}

func (h *Handlers) count(event, result string) {
	if h.metrics == nil {
		return
	}
	if event == "" {
		event = "none"
	}
	h.metrics.WebhookEventsTotal.WithLabelValues(event, result).Inc()
}
