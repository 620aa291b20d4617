// Package payments implements the settlement detection collaborator.
package payments

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/nexavpn/worker/internal/domain"
)

// HTTPDetector asks an external detection service whether an invoice's
// payment has reached the required confirmations. The call is
// read-only; it never mutates invoice or payment records.
type HTTPDetector struct {
	baseURL string
	http    *http.Client
}

var _ domain.PaymentDetector = (*HTTPDetector)(nil)

func NewHTTPDetector(baseURL string) *HTTPDetector {
	return &HTTPDetector{
		baseURL: baseURL,
		http:    &http.Client{Timeout: 15 * time.Second},
	}
}

func (d *HTTPDetector) Settled(ctx context.Context, invoiceID string) (bool, error) {
	url := fmt.Sprintf("%s/v1/invoices/%s/settlement", d.baseURL, invoiceID)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return false, fmt.Errorf("failed to build detection request: %w", err)
	}

	res, err := d.http.Do(req)
	if err != nil {
		return false, fmt.Errorf("settlement check failed: %w", err)
	}
	defer res.Body.Close()

	if res.StatusCode < 200 || res.StatusCode > 299 {
		return false, fmt.Errorf("settlement check failed: %d", res.StatusCode)
	}

	var out struct {
		Settled bool `json:"settled"`
	}
	if err := json.NewDecoder(res.Body).Decode(&out); err != nil {
		return false, fmt.Errorf("failed to decode settlement response: %w", err)
	}
	return out.Settled, nil
}

// NullDetector reports every invoice as unsettled. Used when no
// detection service is configured, keeping the watch tick a pure
// read-only sweep.
type NullDetector struct{}

var _ domain.PaymentDetector = NullDetector{}

func (NullDetector) Settled(_ context.Context, _ string) (bool, error) {
	return false, nil
}
