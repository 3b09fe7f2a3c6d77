package subscriptions

import (
	"context"
	"testing"

	"github.com/juju/errors"
	"github.com/shopspring/decimal"

	"monitor-precos/internal/database"
	"monitor-precos/internal/models"
	"monitor-precos/internal/monitor"
	"monitor-precos/internal/scraper"
)

type fakeChecker struct {
	calls []int64
}

func (f *fakeChecker) RunScrapeJob(ctx context.Context, targetID int64, attempt int) (monitor.JobResult, error) {
	f.calls = append(f.calls, targetID)
	return monitor.JobResult{TargetID: targetID, Outcome: monitor.OutcomeSuccess, Attempts: 1}, nil
}

func newTestService(t *testing.T) (*Service, *database.DB, *fakeChecker) {
	t.Helper()
	db, err := database.New(":memory:")
	if err != nil {
		t.Fatalf("database.New: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	checker := &fakeChecker{}
	registry := scraper.NewRegistry(scraper.NewFixtureAdapter(""))
	return NewService(db, registry, checker), db, checker
}

func threshold(v int64) models.Trigger {
	return models.ThresholdTrigger(decimal.NewFromInt(v))
}

func TestCreateProductSubscription(t *testing.T) {
	svc, db, _ := newTestService(t)
	ctx := context.Background()

	a, err := svc.CreateSubscription(ctx, 7, models.KindProduct, "fixture://tv", threshold(90), "telegram")
	if err != nil {
		t.Fatalf("CreateSubscription: %v", err)
	}
	b, err := svc.CreateSubscription(ctx, 8, models.KindProduct, "fixture://tv", threshold(80), "telegram")
	if err != nil {
		t.Fatalf("CreateSubscription: %v", err)
	}
	if a.TargetID != b.TargetID {
		t.Errorf("mesma URL deveria compartilhar o alvo: %d, %d", a.TargetID, b.TargetID)
	}
	target, err := db.GetTarget(ctx, a.TargetID)
	if err != nil {
		t.Fatal(err)
	}
	if target.Adapter != "fixture" {
		t.Errorf("adaptador = %q", target.Adapter)
	}
}

func TestCreateSubscriptionRejectsInvalidInput(t *testing.T) {
	svc, _, _ := newTestService(t)
	ctx := context.Background()

	if _, err := svc.CreateSubscription(ctx, 7, models.KindProduct, "https://loja.invalida/x", threshold(90), "telegram"); !errors.Is(err, scraper.ErrAdapterNotFound) {
		t.Errorf("URL sem adaptador: %v", err)
	}
	if _, err := svc.CreateSubscription(ctx, 7, models.KindProduct, "fixture://tv", threshold(0), "telegram"); !errors.Is(err, errors.NotValid) {
		t.Errorf("gatilho zero: %v", err)
	}
	pct := models.PercentageTrigger(decimal.NewFromInt(150))
	if _, err := svc.CreateSubscription(ctx, 7, models.KindBrand, "sony", pct, "telegram"); !errors.Is(err, errors.NotValid) {
		t.Errorf("percentual acima de 100: %v", err)
	}
	if _, err := svc.CreateSubscription(ctx, 7, models.KindKeyword, "  ", threshold(10), "telegram"); !errors.Is(err, errors.NotValid) {
		t.Errorf("rótulo vazio: %v", err)
	}
}

func TestLabelSubscriptionAndList(t *testing.T) {
	svc, _, _ := newTestService(t)
	ctx := context.Background()

	sub, err := svc.CreateSubscription(ctx, 7, models.KindBrand, " Sony ", threshold(500), "telegram")
	if err != nil {
		t.Fatal(err)
	}
	if sub.Label != "sony" {
		t.Errorf("rótulo = %q", sub.Label)
	}
	if _, err := svc.CreateSubscription(ctx, 9, models.KindKeyword, "notebook", threshold(500), "telegram"); err != nil {
		t.Fatal(err)
	}

	entries, err := svc.List(ctx, 7)
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != 1 || entries[0].Target.Kind != models.KindBrand {
		t.Fatalf("inscrições do usuário 7: %+v", entries)
	}
}

func TestDeactivateChecksOwner(t *testing.T) {
	svc, _, _ := newTestService(t)
	ctx := context.Background()

	sub, err := svc.CreateSubscription(ctx, 7, models.KindProduct, "fixture://tv", threshold(90), "telegram")
	if err != nil {
		t.Fatal(err)
	}
	if _, err := svc.DeactivateSubscription(ctx, 8, sub.ID); !errors.Is(err, errors.NotFound) {
		t.Errorf("outro usuário removeu a inscrição: %v", err)
	}
	if _, err := svc.DeactivateSubscription(ctx, 7, sub.ID); err != nil {
		t.Fatalf("DeactivateSubscription: %v", err)
	}
	if _, err := svc.DeactivateSubscription(ctx, 7, sub.ID); !errors.Is(err, errors.NotFound) {
		t.Errorf("segunda remoção: %v", err)
	}
	entries, _ := svc.List(ctx, 7)
	if len(entries) != 0 {
		t.Errorf("lista após remoção: %+v", entries)
	}
}

func TestCheckAndHistory(t *testing.T) {
	svc, _, checker := newTestService(t)
	ctx := context.Background()

	sub, err := svc.CreateSubscription(ctx, 7, models.KindProduct, "fixture://tv", threshold(90), "telegram")
	if err != nil {
		t.Fatal(err)
	}
	entry, res, err := svc.Check(ctx, 7, sub.ID)
	if err != nil {
		t.Fatalf("Check: %v", err)
	}
	if res.Outcome != monitor.OutcomeSuccess || entry.Target.ID != sub.TargetID {
		t.Errorf("Check = %+v, %+v", entry, res)
	}
	if len(checker.calls) != 1 || checker.calls[0] != sub.TargetID {
		t.Errorf("consultas = %v", checker.calls)
	}

	_, points, err := svc.History(ctx, 7, sub.ID, 10)
	if err != nil {
		t.Fatalf("History: %v", err)
	}
	if len(points) != 0 {
		t.Errorf("histórico deveria estar vazio: %+v", points)
	}

	label, err := svc.CreateSubscription(ctx, 7, models.KindCategory, "tv", threshold(90), "telegram")
	if err != nil {
		t.Fatal(err)
	}
	if _, _, err := svc.Check(ctx, 7, label.ID); !errors.Is(err, errors.NotSupported) {
		t.Errorf("Check em rótulo: %v", err)
	}
}

func TestParseRef(t *testing.T) {
	tests := []struct {
		in    string
		kind  models.TargetKind
		ref   string
		valid bool
	}{
		{"https://produto.mercadolivre.com.br/MLB-123", models.KindProduct, "https://produto.mercadolivre.com.br/MLB-123", true},
		{"brand:Sony", models.KindBrand, "Sony", true},
		{"categoria:TVs", models.KindCategory, "TVs", true},
		{"keyword:air fryer", models.KindKeyword, "air fryer", true},
		{"marca:", models.KindBrand, "", false},
		{"", models.KindProduct, "", false},
	}
	for _, tt := range tests {
		kind, ref, err := ParseRef(tt.in)
		if (err == nil) != tt.valid {
			t.Errorf("ParseRef(%q) err = %v", tt.in, err)
			continue
		}
		if tt.valid && (kind != tt.kind || ref != tt.ref) {
			t.Errorf("ParseRef(%q) = %s %q", tt.in, kind, ref)
		}
	}
}

func TestParseTrigger(t *testing.T) {
	tests := []struct {
		in   string
		want string
		ok   bool
	}{
		{"3000", "3000.00", true},
		{"2.999,90", "2999.90", true},
		{"149.90", "149.90", true},
		{"15%", "15%", true},
		{"12,5%", "12.5%", true},
		{"0", "", false},
		{"150%", "", false},
		{"barato", "", false},
	}
	for _, tt := range tests {
		got, err := ParseTrigger(tt.in)
		if (err == nil) != tt.ok {
			t.Errorf("ParseTrigger(%q) err = %v", tt.in, err)
			continue
		}
		if tt.ok && got.String() != tt.want {
			t.Errorf("ParseTrigger(%q) = %s, quer %s", tt.in, got, tt.want)
		}
	}
}
