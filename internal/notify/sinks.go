package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/rs/zerolog"

	"github.com/arbrun/arbrun/internal/domain/opportunity"
	"github.com/arbrun/arbrun/internal/infrastructure/httpclient"
)

// LogSink writes one structured line per event. Always registered; it
// is the notification of record when no external sink is configured.
type LogSink struct {
	logger zerolog.Logger
}

// NewLogSink builds the log sink.
func NewLogSink(logger zerolog.Logger) *LogSink {
	return &LogSink{logger: logger.With().Str("component", "notify.log").Logger()}
}

func (s *LogSink) Name() string { return "log" }

func (s *LogSink) DeliverResult(_ context.Context, res opportunity.ExecutionResult) error {
	evt := s.logger.Info()
	if !res.Success {
		evt = s.logger.Warn()
	}
	evt.
		Str("opportunity", res.OpportunityID).
		Str("kind", string(res.Kind)).
		Str("chain", res.Chain).
		Str("state", string(res.State)).
		Str("profit_usd", res.ProfitUSD.StringFixed(2)).
		Str("gas_usd", res.GasCostUSD.StringFixed(2)).
		Dur("elapsed", res.Elapsed).
		Str("cause", res.ErrorCause).
		Msg("execution finished")
	return nil
}

func (s *LogSink) DeliverCrossChain(_ context.Context, cc opportunity.CrossChainOpportunity) error {
	s.logger.Info().
		Str("pair", cc.Pair.String()).
		Str("chain_a", cc.ChainA).
		Str("chain_b", cc.ChainB).
		Str("delta_pct", cc.DeltaPct.StringFixed(4)).
		Msg("cross-chain price divergence")
	return nil
}

// WebhookSink POSTs each event as JSON to a configured URL through the
// shared client pool.
type WebhookSink struct {
	url  string
	pool *httpclient.Pool
}

// NewWebhookSink builds a webhook sink for url.
func NewWebhookSink(url string, pool *httpclient.Pool) *WebhookSink {
	return &WebhookSink{url: url, pool: pool}
}

func (s *WebhookSink) Name() string { return "webhook" }

func (s *WebhookSink) post(ctx context.Context, kind string, payload any) error {
	body, err := json.Marshal(map[string]any{"type": kind, "data": payload})
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.url, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := s.pool.Do(ctx, req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return fmt.Errorf("webhook returned %d", resp.StatusCode)
	}
	return nil
}

func (s *WebhookSink) DeliverResult(ctx context.Context, res opportunity.ExecutionResult) error {
	return s.post(ctx, "execution_result", res)
}

func (s *WebhookSink) DeliverCrossChain(ctx context.Context, cc opportunity.CrossChainOpportunity) error {
	return s.post(ctx, "cross_chain", cc)
}
