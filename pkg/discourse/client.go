package discourse

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/wikiforge/discourse-connect/pkg/observability"
)

// APIClient issues authenticated REST calls to the forum.
type APIClient struct {
	baseURL        string
	logoutEndpoint string
	apiKey         string
	apiUsername    string
	client         *http.Client
	metrics        *observability.Metrics
	log            *logrus.Logger
}

// NewAPIClient creates an API client. logoutEndpoint is a path template with
// an {id} placeholder, for example /admin/users/{id}/log_out. metrics may be
// nil.
func NewAPIClient(baseURL, logoutEndpoint, apiKey, apiUsername string,
	metrics *observability.Metrics, log *logrus.Logger) *APIClient {
	if log == nil {
		log = logrus.New()
	}
	return &APIClient{
		baseURL:        strings.TrimRight(baseURL, "/"),
		logoutEndpoint: logoutEndpoint,
		apiKey:         apiKey,
		apiUsername:    apiUsername,
		client:         &http.Client{Timeout: 10 * time.Second},
		metrics:        metrics,
		log:            log,
	}
}

// Logout ends every forum-side session of the given external user. Success
// requires HTTP 200 and a body of {"success":"OK"}; anything else is
// ErrRemoteLogoutFailed. Local side effects already applied by the caller
// are not rolled back on failure.
func (c *APIClient) Logout(ctx context.Context, discourseID int64) error {
	err := c.logout(ctx, discourseID)
	if c.metrics != nil {
		result := "success"
		if err != nil {
			result = "failure"
		}
		c.metrics.RemoteLogoutsTotal.WithLabelValues(result).Inc()
	}
	return err
}

func (c *APIClient) logout(ctx context.Context, discourseID int64) error {
	path := strings.ReplaceAll(c.logoutEndpoint, "{id}", strconv.FormatInt(discourseID, 10))

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, nil)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrRemoteLogoutFailed, err)
	}
	req.Header.Set("Api-Key", c.apiKey)
	req.Header.Set("Api-Username", c.apiUsername)

	resp, err := c.client.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrRemoteLogoutFailed, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("%w: unexpected status %d", ErrRemoteLogoutFailed, resp.StatusCode)
	}

	var body struct {
		Success string `json:"success"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return fmt.Errorf("%w: unreadable response body: %v", ErrRemoteLogoutFailed, err)
	}
	if body.Success != "OK" {
		return fmt.Errorf("%w: forum reported %q", ErrRemoteLogoutFailed, body.Success)
	}

	c.log.WithField("discourse_id", discourseID).Info("Remote logout confirmed by forum")
	return nil
}
