package normalize

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/marketgw/gateway/internal/domain"
)

func init() {
	register("defillama_tvl", NormalizerFunc(defillamaTVL))
	register("thegraph_tvl", NormalizerFunc(thegraphTVL))
}

// defillamaResponse mirrors api.llama.fi's /protocol/{protocol} shape: a
// chain-keyed TVL map plus a chronological tvl history array.
type defillamaResponse struct {
	Name string `json:"name"`
	TVL  []struct {
		Date              int64   `json:"date"`
		TotalLiquidityUSD float64 `json:"totalLiquidityUsd"`
	} `json:"tvl"`
}

func defillamaTVL(providerID string, body []byte) (interface{}, error) {
	var resp defillamaResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, fmt.Errorf("defillama_tvl: decode: %w", err)
	}
	if len(resp.TVL) == 0 {
		return nil, fmt.Errorf("defillama_tvl: empty tvl history")
	}

	latest := resp.TVL[len(resp.TVL)-1]
	var changePct float64
	if len(resp.TVL) >= 2 {
		prev := resp.TVL[len(resp.TVL)-2].TotalLiquidityUSD
		if prev != 0 {
			changePct = (latest.TotalLiquidityUSD - prev) / prev * 100
		}
	}

	metric := domain.CanonicalExplorerMetric{
		Protocol:         resp.Name,
		TVLUSD:           latest.TotalLiquidityUSD,
		TVLChange24hPct:  changePct,
		SourceProviderID: providerID,
		FetchedAt:        time.Now().UnixMilli(),
	}
	if !finite(metric.TVLUSD, metric.TVLChange24hPct) {
		return nil, fmt.Errorf("defillama_tvl: non-finite tvl value")
	}
	return metric, nil
}

// thegraphResponse mirrors a subgraph GraphQL response's data envelope for
// a protocol-level aggregate query (totalValueLockedUSD, volume).
type thegraphResponse struct {
	Data struct {
		Protocol struct {
			TotalValueLockedUSD string `json:"totalValueLockedUSD"`
			CumulativeVolumeUSD string `json:"cumulativeVolumeUSD"`
		} `json:"protocol"`
	} `json:"data"`
}

func thegraphTVL(providerID string, body []byte) (interface{}, error) {
	var resp thegraphResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, fmt.Errorf("thegraph_tvl: decode: %w", err)
	}

	var tvl, vol float64
	if _, err := fmt.Sscanf(resp.Data.Protocol.TotalValueLockedUSD, "%f", &tvl); err != nil {
		return nil, fmt.Errorf("thegraph_tvl: parse tvl: %w", err)
	}
	fmt.Sscanf(resp.Data.Protocol.CumulativeVolumeUSD, "%f", &vol)

	metric := domain.CanonicalExplorerMetric{
		TVLUSD:           tvl,
		Volume24hUSD:     vol,
		SourceProviderID: providerID,
		FetchedAt:        time.Now().UnixMilli(),
	}
	if !finite(metric.TVLUSD, metric.Volume24hUSD) {
		return nil, fmt.Errorf("thegraph_tvl: non-finite value")
	}
	return metric, nil
}
