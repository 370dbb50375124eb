package normalize

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/marketgw/gateway/internal/domain"
)

func init() {
	register("whale_alert_tx", NormalizerFunc(whaleAlertTx))
}

type whaleAlertResponse struct {
	Transactions []struct {
		Hash      string  `json:"hash"`
		Blockchain string `json:"blockchain"`
		From      struct {
			Address string `json:"address"`
		} `json:"from"`
		To struct {
			Address string `json:"address"`
		} `json:"to"`
		Amount      float64 `json:"amount"`
		AmountUSD   float64 `json:"amount_usd"`
		Timestamp   int64   `json:"timestamp"` // unix seconds
	} `json:"transactions"`
}

var chainAliases = map[string]domain.Chain{
	"ethereum": domain.ChainEthereum,
	"bsc":      domain.ChainBSC,
	"tron":     domain.ChainTron,
	"bitcoin":  domain.ChainBitcoin,
	"polygon":  domain.ChainPolygon,
}

func whaleAlertTx(providerID string, body []byte) (interface{}, error) {
	var resp whaleAlertResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, fmt.Errorf("whale_alert_tx: decode: %w", err)
	}

	out := make([]domain.CanonicalWhaleTx, 0, len(resp.Transactions))
	for _, tx := range resp.Transactions {
		chain, known := chainAliases[tx.Blockchain]
		if !known {
			continue
		}
		if !finite(tx.Amount, tx.AmountUSD) {
			continue
		}
		out = append(out, domain.CanonicalWhaleTx{
			TxHash:           tx.Hash,
			Chain:            chain,
			From:             tx.From.Address,
			To:               tx.To.Address,
			AmountNative:     tx.Amount,
			AmountUSD:        tx.AmountUSD,
			Timestamp:        time.Unix(tx.Timestamp, 0).UTC(),
			SourceProviderID: providerID,
		})
	}
	return out, nil
}
