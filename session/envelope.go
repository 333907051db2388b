package session

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
)

// Envelope is the response shape shared by CookieCMS endpoints.
type Envelope[T any] struct {
	Error bool   `json:"error"`
	Msg   string `json:"msg,omitempty"`
	Data  T      `json:"data,omitempty"`
}

// DecodeEnvelope reads and closes resp.Body and decodes it as an Envelope.
// A declared error is returned as an error matching ErrBackendRejected.
func DecodeEnvelope[T any](resp *http.Response) (T, error) {
	defer resp.Body.Close()

	var env Envelope[T]
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return env.Data, fmt.Errorf("failed to read response: %w", err)
	}
	if err := json.Unmarshal(body, &env); err != nil {
		return env.Data, fmt.Errorf(
			"failed to parse response (status %d): %w",
			resp.StatusCode,
			err,
		)
	}
	if env.Error {
		return env.Data, fmt.Errorf("%w: %s", ErrBackendRejected, env.Msg)
	}
	return env.Data, nil
}
