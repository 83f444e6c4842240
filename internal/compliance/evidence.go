package compliance

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"
)

// HTTPEvidenceStore resolves certificate hashes from the compliance
// evidence service.
type HTTPEvidenceStore struct {
	baseURL string
	client  *http.Client
}

// NewHTTPEvidenceStore creates an HTTPEvidenceStore for the given base URL.
func NewHTTPEvidenceStore(baseURL string) *HTTPEvidenceStore {
	return &HTTPEvidenceStore{
		baseURL: baseURL,
		client:  &http.Client{Timeout: 10 * time.Second},
	}
}

func (s *HTTPEvidenceStore) CertificateHash(ctx context.Context, lotID string) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, s.baseURL+"/lots/"+lotID+"/certificate", nil)
	if err != nil {
		return "", fmt.Errorf("failed to build request: %w", err)
	}
	resp, err := s.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("evidence request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("evidence store returned status %d", resp.StatusCode)
	}

	var out struct {
		Hash string `json:"hash"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return "", fmt.Errorf("failed to decode evidence response: %w", err)
	}
	return out.Hash, nil
}
