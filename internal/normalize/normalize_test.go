package normalize

import (
	"testing"

	"github.com/marketgw/gateway/internal/domain"
)

func TestAlternativeMeFNG(t *testing.T) {
	n, ok := For("alternative_me_fng")
	if !ok {
		t.Fatal("expected alternative_me_fng registered")
	}
	body := []byte(`{"data":[{"value":"72"}]}`)
	out, err := n.Normalize("alternative-me", body)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	sentiment := out.(domain.CanonicalSentiment)
	if sentiment.FearGreedValue != 72 || sentiment.FearGreedLabel != domain.Greed {
		t.Fatalf("unexpected sentiment: %+v", sentiment)
	}
}

func TestCoingeckoQuotesFiltersNonFinite(t *testing.T) {
	n, _ := For("coingecko_quotes")
	body := []byte(`{"bitcoin":{"usd":50000,"usd_24h_change":1.5,"usd_24h_vol":1000,"usd_market_cap":900000}}`)
	out, err := n.Normalize("coingecko", body)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	quotes := out.(map[string]domain.CanonicalPrice)
	if quotes["bitcoin"].PriceUSD != 50000 {
		t.Fatalf("unexpected price: %+v", quotes["bitcoin"])
	}
}

func TestOKXQuotesRejectsErrorCode(t *testing.T) {
	n, _ := For("okx_quotes")
	body := []byte(`{"code":"1","msg":"bad request","data":[]}`)
	if _, err := n.Normalize("okx", body); err == nil {
		t.Fatal("expected error for non-zero okx code")
	}
}

func TestWhaleAlertUnknownChainSkipped(t *testing.T) {
	n, _ := For("whale_alert_tx")
	body := []byte(`{"transactions":[{"hash":"0x1","blockchain":"solana","amount":1,"amount_usd":1,"timestamp":1700000000}]}`)
	out, err := n.Normalize("whale-alert", body)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	txs := out.([]domain.CanonicalWhaleTx)
	if len(txs) != 0 {
		t.Fatalf("expected unknown chain filtered out, got %d", len(txs))
	}
}
