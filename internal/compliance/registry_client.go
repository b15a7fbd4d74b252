package compliance

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"time"
)

// HTTPRegistry queries an external do-not-call registry over HTTP. A 404 for
// a number means it is not listed.
type HTTPRegistry struct {
	baseURL string
	client  *http.Client
}

// NewHTTPRegistry constructs a registry client for the given base URL.
func NewHTTPRegistry(baseURL string, timeout time.Duration) *HTTPRegistry {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &HTTPRegistry{
		baseURL: baseURL,
		client:  &http.Client{Timeout: timeout},
	}
}

// IsListed looks up a phone number in the registry.
func (r *HTTPRegistry) IsListed(ctx context.Context, phoneNumber string) (bool, error) {
	endpoint := fmt.Sprintf("%s/v1/numbers/%s", r.baseURL, url.PathEscape(phoneNumber))
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return false, fmt.Errorf("dnc registry: build request: %w", err)
	}

	resp, err := r.client.Do(req)
	if err != nil {
		return false, fmt.Errorf("dnc registry: lookup: %w", err)
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusNotFound:
		return false, nil
	case http.StatusOK:
		var body struct {
			Listed bool `json:"listed"`
		}
		if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
			return false, fmt.Errorf("dnc registry: decode response: %w", err)
		}
		return body.Listed, nil
	default:
		return false, fmt.Errorf("dnc registry: unexpected status %d", resp.StatusCode)
	}
}
