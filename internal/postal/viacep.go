// Package postal resolves Brazilian postal codes (CEP) to address components.
package postal

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/BTreeMap/IntakePipe/internal/models"
)

// ErrNotFound is returned for codes the service does not know.
var ErrNotFound = models.ErrPostalCodeNotFound

// DefaultBaseURL is the public ViaCEP endpoint.
const DefaultBaseURL = "https://viacep.com.br/ws"

// DefaultTimeout bounds one lookup.
const DefaultTimeout = 10 * time.Second

// Opts holds configuration for the ViaCEP client.
type Opts struct {
	BaseURL    string
	HTTPClient *http.Client
}

// Option configures the client.
type Option func(*Opts)

// WithBaseURL overrides the service URL (used by tests).
func WithBaseURL(u string) Option {
	return func(o *Opts) { o.BaseURL = u }
}

// WithHTTPClient sets the HTTP client used for lookups.
func WithHTTPClient(c *http.Client) Option {
	return func(o *Opts) { o.HTTPClient = c }
}

// ViaCEPClient looks up postal codes on ViaCEP.
type ViaCEPClient struct {
	baseURL string
	http    *http.Client
}

// NewViaCEPClient creates a lookup client.
func NewViaCEPClient(opts ...Option) *ViaCEPClient {
	cfg := Opts{BaseURL: DefaultBaseURL}
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.HTTPClient == nil {
		cfg.HTTPClient = &http.Client{Timeout: DefaultTimeout}
	}
	return &ViaCEPClient{baseURL: strings.TrimRight(cfg.BaseURL, "/"), http: cfg.HTTPClient}
}

type viaCEPResponse struct {
	CEP        string          `json:"cep"`
	Logradouro string          `json:"logradouro"`
	Bairro     string          `json:"bairro"`
	Localidade string          `json:"localidade"`
	UF         string          `json:"uf"`
	Erro       json.RawMessage `json:"erro"`
}

// notFound reports the "erro" marker, which ViaCEP sends either as a boolean or a string.
func (r viaCEPResponse) notFound() bool {
	v := strings.Trim(strings.TrimSpace(string(r.Erro)), `"`)
	return v == "true"
}

// Lookup resolves an 8-digit postal code.
func (c *ViaCEPClient) Lookup(ctx context.Context, postalCode string) (models.Address, error) {
	code := digits(postalCode)
	if len(code) != 8 {
		return models.Address{}, fmt.Errorf("postal code %q: %w", postalCode, ErrNotFound)
	}

	url := fmt.Sprintf("%s/%s/json/", c.baseURL, code)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return models.Address{}, fmt.Errorf("build viacep request: %w", err)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return models.Address{}, fmt.Errorf("viacep request failed: %w", err)
	}
	defer func() {
		_ = resp.Body.Close()
	}()

	switch {
	case resp.StatusCode == http.StatusBadRequest || resp.StatusCode == http.StatusNotFound:
		return models.Address{}, fmt.Errorf("postal code %s: %w", code, ErrNotFound)
	case resp.StatusCode >= http.StatusMultipleChoices:
		data, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return models.Address{}, fmt.Errorf("viacep returned %d: %s", resp.StatusCode, strings.TrimSpace(string(data)))
	}

	var body viaCEPResponse
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return models.Address{}, fmt.Errorf("decode viacep response: %w", err)
	}
	if body.notFound() {
		return models.Address{}, fmt.Errorf("postal code %s: %w", code, ErrNotFound)
	}

	slog.Debug("ViaCEPClient.Lookup: resolved", "postalCode", code, "city", body.Localidade, "state", body.UF)
	return models.Address{
		PostalCode:   code,
		Street:       body.Logradouro,
		Neighborhood: body.Bairro,
		City:         body.Localidade,
		State:        body.UF,
	}, nil
}

func digits(s string) string {
	return strings.Map(func(r rune) rune {
		if r >= '0' && r <= '9' {
			return r
		}
		return -1
	}, s)
}
