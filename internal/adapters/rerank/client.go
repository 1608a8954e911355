package rerank

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/avast/retry-go/v4"

	"rolodex/internal/adapters/config"
	"rolodex/pkg/errors"
	"rolodex/pkg/logger"
)

// Result is one reranked document reference
type Result struct {
	Index int     `json:"index"`
	Score float64 `json:"score"`
}

// Reranker scores documents against a query, most relevant first
type Reranker interface {
	Rerank(ctx context.Context, query string, documents []string) ([]Result, error)
}

// Client talks to the cross-encoder rerank sidecar over HTTP
type Client struct {
	baseURL string
	http    *http.Client
	retries uint
	log     *logger.Logger
}

// NewClient creates a rerank client
func NewClient(cfg config.RerankConfig) *Client {
	retries := cfg.Retries
	if retries == 0 {
		retries = 3
	}

	return &Client{
		baseURL: cfg.BaseURL,
		http:    &http.Client{Timeout: cfg.Timeout},
		retries: retries,
		log:     logger.Get().With("component", "rerank_client"),
	}
}

type rerankRequest struct {
	Query     string   `json:"query"`
	Documents []string `json:"documents"`
}

type rerankResponse struct {
	Results []Result `json:"results"`
	TookMs  float64  `json:"took_ms"`
}

// Rerank scores documents against the query. Transient failures are retried;
// the returned slice is ordered by descending relevance.
func (c *Client) Rerank(ctx context.Context, query string, documents []string) ([]Result, error) {
	if query == "" || len(documents) == 0 {
		return nil, errors.Wrapf(errors.ErrInvalidInput, "query and documents are required")
	}

	body, err := json.Marshal(rerankRequest{Query: query, Documents: documents})
	if err != nil {
		return nil, errors.Wrap(err, "failed to marshal rerank request")
	}

	var parsed rerankResponse
	err = retry.Do(
		func() error {
			req, err := http.NewRequestWithContext(ctx, http.MethodPost,
				c.baseURL+"/rerank", bytes.NewReader(body))
			if err != nil {
				return retry.Unrecoverable(err)
			}
			req.Header.Set("Content-Type", "application/json")

			resp, err := c.http.Do(req)
			if err != nil {
				return err
			}
			defer resp.Body.Close()

			data, err := io.ReadAll(resp.Body)
			if err != nil {
				return err
			}

			if resp.StatusCode != http.StatusOK {
				err := fmt.Errorf("rerank service returned %d: %s", resp.StatusCode, data)
				if resp.StatusCode >= 400 && resp.StatusCode < 500 {
					return retry.Unrecoverable(err)
				}
				return err
			}

			return json.Unmarshal(data, &parsed)
		},
		retry.Context(ctx),
		retry.Attempts(c.retries),
		retry.Delay(200*time.Millisecond),
		retry.LastErrorOnly(true),
	)
	if err != nil {
		return nil, errors.Wrap(err, "rerank request failed")
	}

	c.log.Debugw("reranked documents",
		"query_length", len(query),
		"documents", len(documents),
		"took_ms", parsed.TookMs)

	return parsed.Results, nil
}
