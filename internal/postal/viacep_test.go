package postal

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
)

func newTestServer(t *testing.T) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		switch r.URL.Path {
		case "/01001000/json/":
			_, _ = w.Write([]byte(`{"cep":"01001-000","logradouro":"Praça da Sé","complemento":"lado ímpar","bairro":"Sé","localidade":"São Paulo","uf":"SP"}`))
		case "/99999999/json/":
			_, _ = w.Write([]byte(`{"erro": true}`))
		case "/88888888/json/":
			_, _ = w.Write([]byte(`{"erro": "true"}`))
		case "/77777777/json/":
			w.WriteHeader(http.StatusInternalServerError)
			_, _ = w.Write([]byte(`upstream down`))
		default:
			w.WriteHeader(http.StatusBadRequest)
		}
	}))
	t.Cleanup(srv.Close)
	return srv
}

func TestViaCEPClient_Lookup(t *testing.T) {
	srv := newTestServer(t)
	c := NewViaCEPClient(WithBaseURL(srv.URL), WithHTTPClient(srv.Client()))

	addr, err := c.Lookup(context.Background(), "01001-000")
	if err != nil {
		t.Fatalf("Lookup error: %v", err)
	}
	if addr.PostalCode != "01001000" || addr.Street != "Praça da Sé" || addr.Neighborhood != "Sé" || addr.City != "São Paulo" || addr.State != "SP" {
		t.Fatalf("unexpected address: %+v", addr)
	}
}

func TestViaCEPClient_NotFound(t *testing.T) {
	srv := newTestServer(t)
	c := NewViaCEPClient(WithBaseURL(srv.URL))

	for _, code := range []string{"99999999", "88888888", "12345678", "123"} {
		if _, err := c.Lookup(context.Background(), code); !errors.Is(err, ErrNotFound) {
			t.Errorf("Lookup(%s) = %v, want ErrNotFound", code, err)
		}
	}
}

func TestViaCEPClient_ServiceError(t *testing.T) {
	srv := newTestServer(t)
	c := NewViaCEPClient(WithBaseURL(srv.URL))

	_, err := c.Lookup(context.Background(), "77777777")
	if err == nil || errors.Is(err, ErrNotFound) {
		t.Fatalf("expected a service error, got %v", err)
	}
}

func TestViaCEPClient_ContextCanceled(t *testing.T) {
	srv := newTestServer(t)
	c := NewViaCEPClient(WithBaseURL(srv.URL))
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := c.Lookup(ctx, "01001000"); err == nil {
		t.Fatal("expected error for canceled context")
	}
}
