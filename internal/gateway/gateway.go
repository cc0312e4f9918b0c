// Package gateway talks to the payment processors: checkout creation,
// refund reversal and reversal status.
package gateway

import (
	"context"
	stderrors "errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"application-lifecycle/internal/common/config"
	"application-lifecycle/internal/common/errors"
	httpclient "application-lifecycle/internal/common/http"
	"application-lifecycle/internal/common/logger"
	"application-lifecycle/internal/models"

	"github.com/shopspring/decimal"
)

type processor struct {
	name    string
	baseURL string
	apiKey  string
	client  *httpclient.Client
}

// HTTPGateway routes each call to the configured processor by name.
type HTTPGateway struct {
	processors map[string]*processor
	logger     logger.Logger
}

func New(cfg config.PaymentsConfig, log logger.Logger) (*HTTPGateway, error) {
	g := &HTTPGateway{
		processors: make(map[string]*processor, len(cfg.Processors)),
		logger:     log.WithFields(map[string]interface{}{"component": "payment_gateway"}),
	}
	for name, pc := range cfg.Processors {
		if pc.BaseURL == "" {
			return nil, fmt.Errorf("payments.processors.%s.base_url is required", name)
		}
		timeout := time.Duration(pc.Timeout) * time.Millisecond
		if timeout <= 0 {
			timeout = 10 * time.Second
		}
		g.processors[strings.ToLower(name)] = &processor{
			name:    strings.ToLower(name),
			baseURL: strings.TrimRight(pc.BaseURL, "/"),
			apiKey:  pc.APIKey,
			client:  httpclient.NewClient(timeout),
		}
	}
	return g, nil
}

// Processors lists the configured processor names.
func (g *HTTPGateway) Processors() []string {
	out := make([]string, 0, len(g.processors))
	for name := range g.processors {
		out = append(out, name)
	}
	return out
}

type checkoutBody struct {
	ApplicationID   string          `json:"applicationId"`
	ReferenceNumber string          `json:"referenceNumber"`
	Amount          decimal.Decimal `json:"amount"`
	Currency        string          `json:"currency"`
}

type reversalBody struct {
	ExternalReference string          `json:"externalReference"`
	RefundID          string          `json:"refundId"`
	Amount            decimal.Decimal `json:"amount"`
	Currency          string          `json:"currency"`
}

type reversalStatusBody struct {
	Status string `json:"status"`
}

func (g *HTTPGateway) CreateCheckout(ctx context.Context, req models.CheckoutRequest) (*models.Checkout, error) {
	p, err := g.processor(req.Processor)
	if err != nil {
		return nil, err
	}

	var out models.Checkout
	err = p.client.DoJSON(ctx, http.MethodPost, p.baseURL+"/checkouts", p.headers(req.IdempotencyKey), checkoutBody{
		ApplicationID:   req.ApplicationID,
		ReferenceNumber: req.ReferenceNumber,
		Amount:          req.Amount,
		Currency:        req.Currency,
	}, &out)
	if err != nil {
		return nil, g.fail(p, "create checkout", err)
	}
	if out.ExternalReference == "" {
		return nil, g.fail(p, "create checkout", stderrors.New("response has no external reference"))
	}
	return &out, nil
}

// Reverse asks the processor to return req.Amount against the original charge.
// The refund id doubles as the idempotency key.
func (g *HTTPGateway) Reverse(ctx context.Context, req models.ReversalRequest) error {
	p, err := g.processor(req.Processor)
	if err != nil {
		return err
	}
	err = p.client.DoJSON(ctx, http.MethodPost, p.baseURL+"/reversals", p.headers(req.RefundID), reversalBody{
		ExternalReference: req.ExternalReference,
		RefundID:          req.RefundID,
		Amount:            req.Amount,
		Currency:          req.Currency,
	}, nil)
	if err != nil {
		return g.fail(p, "reverse", err)
	}
	return nil
}

func (g *HTTPGateway) ReversalStatus(ctx context.Context, processorName, externalReference string) (models.ReversalState, error) {
	p, err := g.processor(processorName)
	if err != nil {
		return models.ReversalUnknown, err
	}

	var out reversalStatusBody
	endpoint := p.baseURL + "/reversals/" + url.PathEscape(externalReference)
	if err := p.client.DoJSON(ctx, http.MethodGet, endpoint, p.headers(""), nil, &out); err != nil {
		var se *httpclient.StatusError
		if stderrors.As(err, &se) && se.StatusCode == http.StatusNotFound {
			return models.ReversalFailed, nil
		}
		return models.ReversalUnknown, g.fail(p, "reversal status", err)
	}

	switch s := models.ReversalState(strings.ToLower(out.Status)); s {
	case models.ReversalSucceeded, models.ReversalPending, models.ReversalFailed:
		return s, nil
	default:
		return models.ReversalUnknown, nil
	}
}

func (g *HTTPGateway) processor(name string) (*processor, error) {
	p, ok := g.processors[strings.ToLower(name)]
	if !ok {
		return nil, errors.NewValidationErrorf("unsupported payment processor %q", name)
	}
	return p, nil
}

func (p *processor) headers(idempotencyKey string) map[string]string {
	h := map[string]string{"Authorization": "Bearer " + p.apiKey}
	if idempotencyKey != "" {
		h["Idempotency-Key"] = idempotencyKey
	}
	return h
}

// fail logs the raw processor error for staff and returns a generic one.
func (g *HTTPGateway) fail(p *processor, op string, err error) error {
	fields := map[string]interface{}{
		"processor": p.name,
		"operation": op,
		"error":     err.Error(),
	}
	std := errors.NewExternalServiceError(p.name, err)
	var se *httpclient.StatusError
	if stderrors.As(err, &se) {
		fields["status"] = se.StatusCode
		if se.StatusCode < http.StatusInternalServerError && se.StatusCode != http.StatusTooManyRequests {
			std.Retryable = false
		}
	}
	g.logger.Error("payment processor call failed", fields)
	return std
}
