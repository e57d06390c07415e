// Package verify resolves attestation ids for inbound proposals and
// requests against a verify service. Resolution is best effort: a peer
// whose attestation cannot be resolved is reported as unknown, never
// rejected here.
package verify

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/rs/zerolog"
)

var ErrUnavailable = errors.New("verify: service unavailable")

// Verifier resolves a message digest to the origin that registered it.
type Verifier interface {
	Resolve(ctx context.Context, attestationID string) (string, error)
}

const DefaultServerURL = "https://verify.walletconnect.com"

// HTTPVerifier queries a verify service over HTTP.
type HTTPVerifier struct {
	log     zerolog.Logger
	baseURL string
	client  *http.Client
}

func NewHTTPVerifier(baseURL string, log zerolog.Logger) *HTTPVerifier {
	if baseURL == "" {
		baseURL = DefaultServerURL
	}
	return &HTTPVerifier{
		log:     log.With().Str("module", "verify").Logger(),
		baseURL: baseURL,
		client:  &http.Client{Timeout: 5 * time.Second},
	}
}

type attestationReply struct {
	Origin        string `json:"origin"`
	AttestationID string `json:"attestationId"`
}

// Resolve returns the origin registered for attestationID. Transport and
// decode failures return ErrUnavailable so callers can degrade to an
// unknown validation instead of failing the message.
func (v *HTTPVerifier) Resolve(ctx context.Context, attestationID string) (string, error) {
	url := fmt.Sprintf("%s/attestation/%s", v.baseURL, attestationID)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	resp, err := v.client.Do(req)
	if err != nil {
		v.log.Debug().Err(err).Msg("attestation lookup failed")
		return "", fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("%w: status %d", ErrUnavailable, resp.StatusCode)
	}
	var reply attestationReply
	if err := json.NewDecoder(resp.Body).Decode(&reply); err != nil {
		return "", fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	return reply.Origin, nil
}
