package scraper

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync/atomic"
	"testing"

	"github.com/shopspring/decimal"
)

// rewriteTransport envia qualquer requisição para o servidor de teste
type rewriteTransport struct {
	target *url.URL
}

func (rt rewriteTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	req = req.Clone(req.Context())
	req.URL.Scheme = rt.target.Scheme
	req.URL.Host = rt.target.Host
	return http.DefaultTransport.RoundTrip(req)
}

func clientFor(t *testing.T, srv *httptest.Server) *http.Client {
	t.Helper()
	u, err := url.Parse(srv.URL)
	if err != nil {
		t.Fatal(err)
	}
	return &http.Client{Transport: rewriteTransport{target: u}}
}

const mercadoLivrePage = `<html><head><link rel="canonical" href="https://produto.mercadolivre.com.br/MLB-1-fone"></head><body>
<ol><li class="andes-breadcrumb__item"><a>Eletrônicos</a></li><li class="andes-breadcrumb__item"><a>Fones de Ouvido</a></li></ol>
<h1 class="ui-pdp-title">Fone Bluetooth XYZ</h1>
<div class="ui-pdp-price__first-line"><span class="andes-money-amount__fraction">1.299</span></div>
<div class="ui-pdp-price__second-line"><span class="andes-money-amount__fraction">1.099</span></div>
<table><tr class="andes-table__row"><th>Marca</th><td>Sony</td></tr></table>
</body></html>`

func TestMercadoLivreFetch(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Accept-Language") == "" {
			t.Error("Accept-Language ausente")
		}
		fmt.Fprint(w, mercadoLivrePage)
	}))
	defer srv.Close()

	ml := NewMercadoLivreAdapter(clientFor(t, srv))
	snap, err := ml.Fetch(context.Background(), "https://produto.mercadolivre.com.br/MLB-1-fone#reviews")
	if err != nil {
		t.Fatalf("Fetch: %v", err)
	}
	if !snap.Price.Equal(decimal.NewFromInt(1099)) || snap.Currency != "BRL" {
		t.Errorf("preço = %s %s, want 1099 BRL", snap.Price, snap.Currency)
	}
	if snap.Title != "Fone Bluetooth XYZ" || snap.Brand != "Sony" || snap.Category != "Fones de Ouvido" {
		t.Errorf("metadados inesperados: %+v", snap)
	}
}

func TestMercadoLivreStatusMapping(t *testing.T) {
	tests := []struct {
		status int
		header string
		want   FetchErrorKind
	}{
		{http.StatusNotFound, "", NotFound},
		{http.StatusTooManyRequests, "7", RateLimited},
		{http.StatusBadGateway, "", Transient},
		{http.StatusForbidden, "", Malformed},
	}
	for _, tt := range tests {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if tt.header != "" {
				w.Header().Set("Retry-After", tt.header)
			}
			w.WriteHeader(tt.status)
		}))
		_, err := NewMercadoLivreAdapter(clientFor(t, srv)).Fetch(context.Background(), "https://mercadolivre.com.br/x")
		srv.Close()

		fe := AsFetchError(err)
		if fe == nil || fe.Kind != tt.want {
			t.Errorf("status %d: esperava %s, obteve %v", tt.status, tt.want, err)
			continue
		}
		if tt.status == http.StatusTooManyRequests && fe.RetryAfter.Seconds() != 7 {
			t.Errorf("RetryAfter = %s", fe.RetryAfter)
		}
	}
}

func TestEbayFetchUsesClientCredentials(t *testing.T) {
	var tokenCalls int32
	mux := http.NewServeMux()
	mux.HandleFunc("/identity/v1/oauth2/token", func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&tokenCalls, 1)
		if user, pass, ok := r.BasicAuth(); !ok || user != "id" || pass != "secret" {
			http.Error(w, "bad client", http.StatusUnauthorized)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprint(w, `{"access_token":"tok-123","token_type":"Bearer","expires_in":7200}`)
	})
	mux.HandleFunc("/buy/browse/v1/item/get_item_by_legacy_id", func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") != "Bearer tok-123" {
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}
		switch r.URL.Query().Get("legacy_item_id") {
		case "1234567890":
			fmt.Fprint(w, `{"title":"Câmera","price":{"value":"249.99","currency":"USD"},"brand":"Canon",
				"categoryPath":"Electronics|Cameras","itemWebUrl":"https://www.ebay.com/itm/1234567890",
				"estimatedAvailabilities":[{"estimatedAvailabilityStatus":"IN_STOCK"}]}`)
		case "999999999":
			w.WriteHeader(http.StatusNotFound)
		default:
			fmt.Fprint(w, `{"title":"quebrado","price":{"value":"n/a"}}`)
		}
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	e, err := NewEbayAdapter(EbayConfig{
		ClientID:     "id",
		ClientSecret: "secret",
		BaseURL:      srv.URL,
		TokenURL:     srv.URL + "/identity/v1/oauth2/token",
	}, srv.Client())
	if err != nil {
		t.Fatal(err)
	}

	if !e.CanHandle("https://www.ebay.com/itm/1234567890") || e.CanHandle("fixture://x") {
		t.Error("CanHandle inesperado")
	}

	snap, err := e.Fetch(context.Background(), "https://www.ebay.com/itm/camera-canon/1234567890?hash=x")
	if err != nil {
		t.Fatalf("Fetch: %v", err)
	}
	if !snap.Price.Equal(decimal.RequireFromString("249.99")) || snap.Currency != "USD" {
		t.Errorf("preço = %s %s", snap.Price, snap.Currency)
	}
	if snap.Brand != "Canon" || snap.Category != "Cameras" {
		t.Errorf("metadados inesperados: %+v", snap)
	}

	_, err = e.Fetch(context.Background(), "ebay:999999999")
	if fe := AsFetchError(err); fe.Kind != NotFound {
		t.Errorf("esperava NotFound, obteve %v", err)
	}
	_, err = e.Fetch(context.Background(), "ebay:1")
	if fe := AsFetchError(err); fe.Kind != Malformed {
		t.Errorf("esperava Malformed, obteve %v", err)
	}
	_, err = e.Fetch(context.Background(), "https://www.ebay.com/sch/i.html")
	if fe := AsFetchError(err); fe.Kind != Malformed || !strings.Contains(fe.Reason, "id do item") {
		t.Errorf("esperava Malformed por id ausente, obteve %v", err)
	}

	if n := atomic.LoadInt32(&tokenCalls); n != 1 {
		t.Errorf("token solicitado %d vezes, want 1", n)
	}
}

func TestNewEbayAdapterRequiresCredentials(t *testing.T) {
	if _, err := NewEbayAdapter(EbayConfig{}, nil); err == nil {
		t.Error("esperava erro sem credenciais")
	}
}
