package normalize

import (
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/marketgw/gateway/internal/domain"
)

func init() {
	register("alternative_me_fng", NormalizerFunc(alternativeMeFNG))
}

// alternativeMeResponse mirrors alternative.me's /fng/ endpoint, where the
// value is carried as a JSON string.
type alternativeMeResponse struct {
	Data []struct {
		Value string `json:"value"`
	} `json:"data"`
}

func alternativeMeFNG(providerID string, body []byte) (interface{}, error) {
	var resp alternativeMeResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, fmt.Errorf("alternative_me_fng: decode: %w", err)
	}
	if len(resp.Data) == 0 {
		return nil, fmt.Errorf("alternative_me_fng: empty data array")
	}

	value, err := strconv.Atoi(resp.Data[0].Value)
	if err != nil {
		return nil, fmt.Errorf("alternative_me_fng: parse value: %w", err)
	}
	if value < 0 || value > 100 {
		return nil, fmt.Errorf("alternative_me_fng: value %d out of range", value)
	}

	return domain.CanonicalSentiment{
		FearGreedValue:   value,
		FearGreedLabel:   domain.FearGreedLabel(value),
		SourceProviderID: providerID,
		FetchedAt:        time.Now().UnixMilli(),
	}, nil
}
