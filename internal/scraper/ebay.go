package scraper

import (
	"context"
	"encoding/json"
	"net/http"
	"net/url"
	"regexp"
	"strings"

	"github.com/juju/errors"
	"github.com/shopspring/decimal"
	"golang.org/x/oauth2"
	"golang.org/x/oauth2/clientcredentials"

	"monitor-precos/internal/models"
)

const ebayScope = "https://api.ebay.com/oauth/api_scope"

// EbayConfig contém as credenciais da Browse API
type EbayConfig struct {
	ClientID     string
	ClientSecret string
	Environment  string // "sandbox" ou "production"
	BaseURL      string // sobrescreve o endereço da API (testes)
	TokenURL     string // sobrescreve o endereço de token (testes)
}

func (c EbayConfig) endpoints() (api, token string) {
	api, token = "https://api.sandbox.ebay.com", "https://api.sandbox.ebay.com/identity/v1/oauth2/token"
	if c.Environment == "production" {
		api, token = "https://api.ebay.com", "https://api.ebay.com/identity/v1/oauth2/token"
	}
	if c.BaseURL != "" {
		api = strings.TrimRight(c.BaseURL, "/")
	}
	if c.TokenURL != "" {
		token = c.TokenURL
	}
	return api, token
}

// EbayAdapter consulta itens pela Browse API usando um token de aplicação
type EbayAdapter struct {
	baseURL string
	client  *http.Client
}

// NewEbayAdapter cria o adaptador. O token OAuth é obtido e renovado pelo cliente HTTP.
func NewEbayAdapter(cfg EbayConfig, base *http.Client) (*EbayAdapter, error) {
	if cfg.ClientID == "" || cfg.ClientSecret == "" {
		return nil, errors.NotValidf("credenciais do eBay")
	}
	if base == nil {
		base = newHTTPClient()
	}
	api, token := cfg.endpoints()
	cc := clientcredentials.Config{
		ClientID:     cfg.ClientID,
		ClientSecret: cfg.ClientSecret,
		TokenURL:     token,
		Scopes:       []string{ebayScope},
		AuthStyle:    oauth2.AuthStyleInHeader,
	}
	client := cc.Client(context.WithValue(context.Background(), oauth2.HTTPClient, base))
	client.Timeout = base.Timeout
	return &EbayAdapter{baseURL: api, client: client}, nil
}

func (e *EbayAdapter) Name() string { return "ebay" }

var ebayItemPath = regexp.MustCompile(`/itm/(?:[^/?#]+/)?(\d{6,})`)

// CanHandle aceita URLs do eBay e identificadores "ebay:<id>"
func (e *EbayAdapter) CanHandle(identifier string) bool {
	return strings.HasPrefix(identifier, "ebay:") || hostMatches(identifier, "ebay.com", "ebay.co.uk", "ebay.de")
}

type ebayItem struct {
	Title string `json:"title"`
	Price struct {
		Value    string `json:"value"`
		Currency string `json:"currency"`
	} `json:"price"`
	Brand                   string `json:"brand"`
	CategoryPath            string `json:"categoryPath"`
	ItemWebURL              string `json:"itemWebUrl"`
	EstimatedAvailabilities []struct {
		Status string `json:"estimatedAvailabilityStatus"`
	} `json:"estimatedAvailabilities"`
}

// Fetch consulta o item pelo ID legado
func (e *EbayAdapter) Fetch(ctx context.Context, identifier string) (models.ProductSnapshot, error) {
	id, err := ebayItemID(identifier)
	if err != nil {
		return models.ProductSnapshot{}, err
	}

	req, err := newGet(ctx, e.baseURL+"/buy/browse/v1/item/get_item_by_legacy_id?legacy_item_id="+url.QueryEscape(id))
	if err != nil {
		return models.ProductSnapshot{}, err
	}
	req.Header.Set("Accept", "application/json")

	resp, err := doRequest(e.client, req)
	if err != nil {
		// falhas ao obter o token chegam aqui como erro de rede (transitório)
		return models.ProductSnapshot{}, err
	}
	defer resp.Body.Close()

	var item ebayItem
	if err := json.NewDecoder(resp.Body).Decode(&item); err != nil {
		return models.ProductSnapshot{}, errMalformed("json inválido: %v", err)
	}
	price, err := decimal.NewFromString(item.Price.Value)
	if err != nil || !price.IsPositive() {
		return models.ProductSnapshot{}, errMalformed("preço inválido %q", item.Price.Value)
	}

	snap := models.ProductSnapshot{
		Title:        item.Title,
		Price:        price,
		Currency:     strings.ToUpper(item.Price.Currency),
		Availability: models.Unknown,
		CanonicalURL: item.ItemWebURL,
		Brand:        item.Brand,
	}
	if path := strings.Split(item.CategoryPath, "|"); len(path) > 0 {
		snap.Category = strings.TrimSpace(path[len(path)-1])
	}
	if len(item.EstimatedAvailabilities) > 0 {
		switch item.EstimatedAvailabilities[0].Status {
		case "IN_STOCK", "LIMITED_STOCK":
			snap.Availability = models.InStock
		case "OUT_OF_STOCK":
			snap.Availability = models.OutOfStock
		}
	}
	if snap.Currency == "" {
		snap.Currency = "USD"
	}
	return snap, nil
}

func ebayItemID(identifier string) (string, error) {
	if id, ok := strings.CutPrefix(identifier, "ebay:"); ok && id != "" {
		return id, nil
	}
	if m := ebayItemPath.FindStringSubmatch(identifier); m != nil {
		return m[1], nil
	}
	if u, err := url.Parse(identifier); err == nil {
		if id := u.Query().Get("item"); id != "" {
			return id, nil
		}
	}
	return "", errMalformed("id do item não encontrado em %q", identifier)
}
