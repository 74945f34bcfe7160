package snapshot

import (
	"bytes"
	"net/http"
	"time"

	"uiscout/internal/logging"
)

// HTTPPublisher delivers payloads with a POST per entry. The destination is
// appended to the base URL as a path segment.
type HTTPPublisher struct {
	BaseURL string
	Client  *http.Client
}

// NewHTTPPublisher builds a publisher with a bounded request timeout.
func NewHTTPPublisher(baseURL string) *HTTPPublisher {
	return &HTTPPublisher{
		BaseURL: baseURL,
		Client:  &http.Client{Timeout: 10 * time.Second},
	}
}

// Publish implements Publisher. Any 2xx response counts as delivered.
func (p *HTTPPublisher) Publish(destination string, payload []byte) bool {
	url := p.BaseURL + "/" + destination
	resp, err := p.Client.Post(url, "application/json", bytes.NewReader(payload))
	if err != nil {
		logging.SnapshotDebug("Publish to %s failed: %v", url, err)
		return false
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		logging.SnapshotDebug("Publish to %s rejected: %s", url, resp.Status)
		return false
	}
	return true
}
