package scraper

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/PuerkitoBio/goquery"

	"monitor-precos/internal/models"
)

// FixtureAdapter serve páginas determinísticas de um diretório ou da memória.
// Identificadores: "fixture://<nome>" e "demo://<nome>".
//
// Formato da página:
//
//	<h1 class="title">Notebook</h1>
//	<span class="price">$100.00</span>
//	<span class="brand">Acme</span>
//	<span class="category">Notebooks</span>
//	<meta name="fixture-status" content="rate_limited">  (opcional, simula falhas)
type FixtureAdapter struct {
	dir string

	mu    sync.Mutex
	pages map[string][]string
	calls map[string]int
}

// NewFixtureAdapter cria o adaptador lendo páginas de dir (pode ser vazio)
func NewFixtureAdapter(dir string) *FixtureAdapter {
	return &FixtureAdapter{
		dir:   dir,
		pages: make(map[string][]string),
		calls: make(map[string]int),
	}
}

func (f *FixtureAdapter) Name() string { return "fixture" }

func (f *FixtureAdapter) CanHandle(identifier string) bool {
	return strings.HasPrefix(identifier, "fixture://") || strings.HasPrefix(identifier, "demo://")
}

// SetPages define a sequência de páginas de um item. Cada Fetch consome uma página;
// a última se repete.
func (f *FixtureAdapter) SetPages(name string, pages ...string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.pages[name] = pages
}

// Calls retorna quantas vezes o item foi consultado
func (f *FixtureAdapter) Calls(name string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[name]
}

func (f *FixtureAdapter) Fetch(ctx context.Context, identifier string) (models.ProductSnapshot, error) {
	if err := ctx.Err(); err != nil {
		return models.ProductSnapshot{}, err
	}
	name := fixtureName(identifier)
	if name == "" {
		return models.ProductSnapshot{}, errMalformed("identificador vazio")
	}

	page, err := f.page(name)
	if err != nil {
		return models.ProductSnapshot{}, err
	}
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(page))
	if err != nil {
		return models.ProductSnapshot{}, errMalformed("html inválido: %v", err)
	}
	return parseFixture(doc, identifier)
}

func (f *FixtureAdapter) page(name string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls[name]++

	if queue, ok := f.pages[name]; ok && len(queue) > 0 {
		page := queue[0]
		if len(queue) > 1 {
			f.pages[name] = queue[1:]
		}
		return page, nil
	}
	if f.dir == "" {
		return "", errNotFound(name)
	}
	data, err := os.ReadFile(filepath.Join(f.dir, filepath.Base(name)+".html"))
	if os.IsNotExist(err) {
		return "", errNotFound(name)
	}
	if err != nil {
		return "", errTransient("lendo fixture: %v", err)
	}
	return string(data), nil
}

func fixtureName(identifier string) string {
	for _, prefix := range []string{"fixture://", "demo://"} {
		if rest, ok := strings.CutPrefix(identifier, prefix); ok {
			return strings.Trim(rest, "/")
		}
	}
	return ""
}

func parseFixture(doc *goquery.Document, identifier string) (models.ProductSnapshot, error) {
	if status, ok := doc.Find("meta[name='fixture-status']").Attr("content"); ok {
		switch status {
		case "not_found":
			return models.ProductSnapshot{}, errNotFound("fixture")
		case "rate_limited":
			return models.ProductSnapshot{}, errRateLimited(0)
		case "transient":
			return models.ProductSnapshot{}, errTransient("fixture")
		case "malformed":
			return models.ProductSnapshot{}, errMalformed("fixture")
		}
	}

	price, currency, ok := parsePrice(doc.Find(".price").First().Text())
	if !ok {
		return models.ProductSnapshot{}, errMalformed("preço não encontrado na página")
	}

	snap := models.ProductSnapshot{
		Title:        strings.TrimSpace(doc.Find(".title").First().Text()),
		Price:        price,
		Currency:     currency,
		Availability: models.InStock,
		CanonicalURL: identifier,
		Brand:        strings.TrimSpace(doc.Find(".brand").First().Text()),
		Category:     strings.TrimSpace(doc.Find(".category").First().Text()),
	}
	if c, ok := doc.Find(".price").First().Attr("data-currency"); ok && c != "" {
		snap.Currency = strings.ToUpper(c)
	}
	if doc.Find(".out-of-stock").Length() > 0 {
		snap.Availability = models.OutOfStock
	}
	if canonical, ok := doc.Find("link[rel='canonical']").Attr("href"); ok && canonical != "" {
		snap.CanonicalURL = canonical
	}
	return snap, nil
}
