// Package summary calls the external text-completion service that condenses
// a closed conversation.
package summary

import (
	"context"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/rs/zerolog/log"

	"zapdesk/pkg/httputil"
)

// Summary is what the service returns for one conversation.
type Summary struct {
	Summary         string   `json:"summary"`
	Topics          []string `json:"topics"`
	InteractionType string   `json:"interactionType"`
	Sentiment       string   `json:"sentiment"`
}

type summarizeRequest struct {
	Text string `json:"text"`
}

// Client talks to the summary service. A nil *Client is valid and always
// returns no summary.
type Client struct {
	httpClient *resty.Client
}

// NewClient returns nil when baseURL is empty, so callers can treat the
// service as absent without branching.
func NewClient(baseURL, apiKey string, timeout time.Duration) *Client {
	baseURL = strings.TrimRight(strings.TrimSpace(baseURL), "/")
	if baseURL == "" {
		log.Info().Msg("Summary service not configured, conversation summaries disabled")
		return nil
	}
	hc := httputil.NewDefaultRestyClient(baseURL, timeout)
	if apiKey != "" {
		hc.SetAuthToken(apiKey)
	}
	log.Info().Str("baseURL", baseURL).Msg("Summary client configured")
	return &Client{httpClient: hc}
}

// Summarize returns nil, nil when the service is absent, fails or answers
// with an empty summary.
func (c *Client) Summarize(ctx context.Context, text string) (*Summary, error) {
	if c == nil || strings.TrimSpace(text) == "" {
		return nil, nil
	}
	const url = "/v1/summaries"

	var out Summary
	resp, err := c.httpClient.R().
		SetContext(ctx).
		SetBody(summarizeRequest{Text: text}).
		SetResult(&out).
		Post(url)
	if err != nil {
		log.Warn().Err(err).Str("url", url).Msg("Summary service request failed")
		return nil, nil
	}
	if resp.IsError() {
		log.Warn().Str("url", url).Int("statusCode", resp.StatusCode()).Str("responseBody", resp.String()).Msg("Summary service returned an error")
		return nil, nil
	}
	if out.Summary == "" {
		return nil, nil
	}
	log.Info().Int("topics", len(out.Topics)).Str("sentiment", out.Sentiment).Msg("Conversation summarized")
	return &out, nil
}
