package scraper

import (
	"context"
	"net/http"
	"regexp"
	"strings"

	"github.com/PuerkitoBio/goquery"
	"github.com/shopspring/decimal"

	"monitor-precos/internal/models"
)

// MercadoLivreAdapter lê páginas de produto do Mercado Livre
type MercadoLivreAdapter struct {
	client *http.Client
}

// NewMercadoLivreAdapter cria uma nova instância do adaptador do Mercado Livre
func NewMercadoLivreAdapter(client *http.Client) *MercadoLivreAdapter {
	if client == nil {
		client = newHTTPClient()
	}
	return &MercadoLivreAdapter{client: client}
}

func (m *MercadoLivreAdapter) Name() string { return "mercadolivre" }

// CanHandle verifica se o adaptador pode lidar com a URL fornecida
func (m *MercadoLivreAdapter) CanHandle(url string) bool {
	return hostMatches(url, "mercadolivre.com.br", "mercadolibre.com")
}

var (
	ldOfferPrice = regexp.MustCompile(`"offers"[^}]*"price"\s*:\s*"?([0-9.]+)"?`)
	ldAnyPrice   = regexp.MustCompile(`"price"\s*:\s*"?([0-9.]+)"?`)
	ldName       = regexp.MustCompile(`"name"\s*:\s*"([^"]+)"`)
	ldBrand      = regexp.MustCompile(`"brand"\s*:\s*(?:\{[^}]*"name"\s*:\s*)?"([^"]+)"`)
)

// Fetch busca a página uma única vez e extrai preço, nome, marca e categoria
func (m *MercadoLivreAdapter) Fetch(ctx context.Context, url string) (models.ProductSnapshot, error) {
	req, err := newGet(ctx, cleanURL(url))
	if err != nil {
		return models.ProductSnapshot{}, err
	}
	req.Header.Set("Accept", "text/html,application/xhtml+xml,application/xml;q=0.9,*/*;q=0.8")
	req.Header.Set("Accept-Language", "pt-BR,pt;q=0.9,en-US;q=0.8,en;q=0.7")

	resp, err := doRequest(m.client, req)
	if err != nil {
		return models.ProductSnapshot{}, err
	}
	defer resp.Body.Close()

	doc, err := goquery.NewDocumentFromReader(resp.Body)
	if err != nil {
		return models.ProductSnapshot{}, errMalformed("html inválido: %v", err)
	}
	return parseMercadoLivre(doc, url)
}

func parseMercadoLivre(doc *goquery.Document, url string) (models.ProductSnapshot, error) {
	if doc.Find(".ui-pdp-message--not-found, .ui-empty-state").Length() > 0 {
		return models.ProductSnapshot{}, errNotFound("anúncio não encontrado")
	}

	price, ok := mercadoLivrePrice(doc)
	if !ok {
		return models.ProductSnapshot{}, errMalformed("preço não encontrado na página")
	}

	snap := models.ProductSnapshot{
		Title:        mercadoLivreName(doc),
		Price:        price,
		Currency:     "BRL",
		Availability: models.InStock,
		CanonicalURL: cleanURL(url),
		Brand:        mercadoLivreBrand(doc),
	}
	if canonical, ok := doc.Find("link[rel='canonical']").Attr("href"); ok && canonical != "" {
		snap.CanonicalURL = canonical
	}
	if crumbs := doc.Find(".andes-breadcrumb__item a"); crumbs.Length() > 0 {
		snap.Category = strings.TrimSpace(crumbs.Last().Text())
	}
	if strings.Contains(strings.ToLower(doc.Find(".ui-pdp-stock-information__title").Text()), "esgotado") {
		snap.Availability = models.OutOfStock
	}
	return snap, nil
}

// mercadoLivrePrice procura primeiro o preço promocional; sem ele, o menor preço visível
func mercadoLivrePrice(doc *goquery.Document) (decimal.Decimal, bool) {
	promotionalSelectors := []string{
		".ui-pdp-price__second-line .andes-money-amount__fraction",
		".ui-pdp-price__second-line .andes-money-amount",
		".ui-pdp-price--size-large .andes-money-amount__fraction",
	}
	for _, selector := range promotionalSelectors {
		if text := strings.TrimSpace(doc.Find(selector).First().Text()); text != "" {
			if p := parseBRL(text); p.IsPositive() {
				return p, true
			}
		}
	}

	priceSelectors := []string{
		"[data-testid='price'] .andes-money-amount__fraction",
		".ui-pdp-price__first-line .andes-money-amount__fraction",
		".andes-money-amount__fraction",
		".price-tag-fraction",
	}
	var (
		lowest decimal.Decimal
		found  bool
	)
	for _, selector := range priceSelectors {
		doc.Find(selector).Each(func(i int, s *goquery.Selection) {
			p := parseBRL(strings.TrimSpace(s.Text()))
			if p.IsPositive() && (!found || p.LessThan(lowest)) {
				lowest, found = p, true
			}
		})
	}
	if found {
		return lowest, true
	}

	if content, ok := doc.Find("meta[property='product:price:amount']").Attr("content"); ok {
		if p, err := decimal.NewFromString(strings.TrimSpace(content)); err == nil && p.IsPositive() {
			return p, true
		}
	}

	var ld decimal.Decimal
	doc.Find("script[type='application/ld+json']").EachWithBreak(func(i int, s *goquery.Selection) bool {
		text := s.Text()
		m := ldOfferPrice.FindStringSubmatch(text)
		if m == nil {
			m = ldAnyPrice.FindStringSubmatch(text)
		}
		if m != nil {
			if p, err := decimal.NewFromString(m[1]); err == nil && p.IsPositive() {
				ld, found = p, true
				return false
			}
		}
		return true
	})
	return ld, found
}

func mercadoLivreName(doc *goquery.Document) string {
	nameSelectors := []string{
		"h1.ui-pdp-title",
		"h1[data-testid='title']",
		".ui-pdp-title",
		"h1",
	}
	for _, selector := range nameSelectors {
		if name := strings.TrimSpace(doc.Find(selector).First().Text()); name != "" {
			return name
		}
	}

	var name string
	doc.Find("script[type='application/ld+json']").EachWithBreak(func(i int, s *goquery.Selection) bool {
		if m := ldName.FindStringSubmatch(s.Text()); m != nil {
			name = m[1]
			return false
		}
		return true
	})
	if name == "" {
		name = "Produto sem nome"
	}
	return name
}

func mercadoLivreBrand(doc *goquery.Document) string {
	var brand string
	doc.Find(".andes-table__row").EachWithBreak(func(i int, s *goquery.Selection) bool {
		if strings.EqualFold(strings.TrimSpace(s.Find("th").Text()), "Marca") {
			brand = strings.TrimSpace(s.Find("td").Text())
			return false
		}
		return true
	})
	if brand != "" {
		return brand
	}
	doc.Find("script[type='application/ld+json']").EachWithBreak(func(i int, s *goquery.Selection) bool {
		if m := ldBrand.FindStringSubmatch(s.Text()); m != nil {
			brand = m[1]
			return false
		}
		return true
	})
	return brand
}

func cleanURL(url string) string {
	parts := strings.Split(url, "#")
	return parts[0]
}
