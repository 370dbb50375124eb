package normalize

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/marketgw/gateway/internal/domain"
)

func init() {
	register("cryptopanic_news", NormalizerFunc(cryptopanicNews))
	register("newsapi_news", NormalizerFunc(newsapiNews))
}

type cryptopanicResponse struct {
	Results []struct {
		Title     string `json:"title"`
		URL       string `json:"url"`
		Published string `json:"published_at"`
		Source    struct {
			Title string `json:"title"`
		} `json:"source"`
		Votes struct {
			Positive int `json:"positive"`
			Negative int `json:"negative"`
		} `json:"votes"`
	} `json:"results"`
}

func cryptopanicNews(providerID string, body []byte) (interface{}, error) {
	var resp cryptopanicResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, fmt.Errorf("cryptopanic_news: decode: %w", err)
	}

	out := make([]domain.CanonicalNewsArticle, 0, len(resp.Results))
	for _, r := range resp.Results {
		published, err := time.Parse(time.RFC3339, r.Published)
		if err != nil {
			published = time.Time{}
		}
		out = append(out, domain.CanonicalNewsArticle{
			ID:               articleID(r.URL),
			Title:            r.Title,
			URL:              r.URL,
			SourceName:       r.Source.Title,
			PublishedAt:      published,
			Sentiment:        voteSentiment(r.Votes.Positive, r.Votes.Negative),
			SourceProviderID: providerID,
		})
	}
	return out, nil
}

type newsapiResponse struct {
	Articles []struct {
		Title       string `json:"title"`
		Description string `json:"description"`
		URL         string `json:"url"`
		PublishedAt string `json:"publishedAt"`
		Source      struct {
			Name string `json:"name"`
		} `json:"source"`
	} `json:"articles"`
}

func newsapiNews(providerID string, body []byte) (interface{}, error) {
	var resp newsapiResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, fmt.Errorf("newsapi_news: decode: %w", err)
	}

	out := make([]domain.CanonicalNewsArticle, 0, len(resp.Articles))
	for _, a := range resp.Articles {
		published, err := time.Parse(time.RFC3339, a.PublishedAt)
		if err != nil {
			published = time.Time{}
		}
		out = append(out, domain.CanonicalNewsArticle{
			ID:               articleID(a.URL),
			Title:            a.Title,
			Description:      a.Description,
			URL:              a.URL,
			SourceName:       a.Source.Name,
			PublishedAt:      published,
			Sentiment:        domain.SentimentUnknown,
			SourceProviderID: providerID,
		})
	}
	return out, nil
}

func articleID(url string) string {
	sum := sha256.Sum256([]byte(strings.TrimSpace(url)))
	return hex.EncodeToString(sum[:])[:16]
}

func voteSentiment(positive, negative int) domain.ArticleSentiment {
	switch {
	case positive > negative:
		return domain.SentimentPositive
	case negative > positive:
		return domain.SentimentNegative
	default:
		return domain.SentimentNeutral
	}
}
