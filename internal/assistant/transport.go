package assistant

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"

	"github.com/Savinicomunicacao/cozinhai-receitas-inteligentes/internal/models"
)

// HTTPTransport opens chat streams against the chat endpoint of the service.
type HTTPTransport struct {
	endpoint string
	apiKey   string

	client *http.Client
}

var errNoBody = errors.New("No response body")

// NewHTTPTransport creates a transport posting to endpoint. A non-empty apiKey is sent as a bearer
// token.
func NewHTTPTransport(endpoint, apiKey string) HTTPTransport {
	return HTTPTransport{
		endpoint: endpoint,
		apiKey:   apiKey,
		client:   &http.Client{},
	}
}

// Open posts req and returns the event-stream body. A non-2xx answer becomes an error carrying the
// "error" field of the JSON body, or the status code when the body has none.
func (t HTTPTransport) Open(ctx context.Context, req models.ChatRequest) (io.ReadCloser, error) {
	jsonBody, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("error marshaling request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, t.endpoint, bytes.NewReader(jsonBody))
	if err != nil {
		return nil, fmt.Errorf("error creating request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Accept", "text/event-stream")
	if t.apiKey != "" {
		httpReq.Header.Set("Authorization", "Bearer "+t.apiKey)
	}

	resp, err := t.client.Do(httpReq)
	if err != nil {
		return nil, err
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		defer resp.Body.Close()
		var body struct {
			Error string `json:"error"`
		}
		if err := json.NewDecoder(resp.Body).Decode(&body); err == nil && body.Error != "" {
			return nil, errors.New(body.Error)
		}
		return nil, fmt.Errorf("Erro: %d", resp.StatusCode)
	}

	if resp.Body == nil || resp.Body == http.NoBody {
		return nil, errNoBody
	}
	return resp.Body, nil
}
