package api

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	stderrors "errors"
	"io"
	"net/http"
	"strings"

	"application-lifecycle/internal/common/errors"
	"application-lifecycle/internal/lifecycle/payments"
	"application-lifecycle/internal/lifecycle/refunds"
	"application-lifecycle/internal/lifecycle/service"

	"github.com/gorilla/mux"
)

// HeaderSignature carries the hex HMAC-SHA256 of the webhook body.
const HeaderSignature = "X-Signature"

type startPaymentBody struct {
	Processor string `json:"processor"`
}

type refundBody struct {
	Reason        string `json:"reason"`
	Justification string `json:"justification"`
}

type reviewBody struct {
	Decision refunds.Decision `json:"decision"`
	Note     string           `json:"note"`
}

func (s *Server) startPayment(w http.ResponseWriter, r *http.Request) {
	actor, err := actorFrom(r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	var body startPaymentBody
	if err := decode(r, &body); err != nil {
		s.writeError(w, r, err)
		return
	}
	p, err := s.engine.StartPayment(r.Context(), actor, mux.Vars(r)["id"], body.Processor)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, p)
}

// paymentWebhook receives processor notifications. Replays are answered with
// 200 and applied=false so the processor stops retrying.
func (s *Server) paymentWebhook(w http.ResponseWriter, r *http.Request) {
	raw, err := io.ReadAll(io.LimitReader(r.Body, maxBodyBytes))
	if err != nil {
		s.writeError(w, r, errors.NewValidationError("unreadable request body"))
		return
	}
	if s.webhookSecret != "" && !validSignature(s.webhookSecret, raw, r.Header.Get(HeaderSignature)) {
		s.writeError(w, r, errors.NewForbiddenError("invalid webhook signature"))
		return
	}

	if res := s.webhookSchema.ValidateJSON(raw); !res.Valid {
		s.writeError(w, r, errors.NewValidationError("invalid payment notification").
			WithMetadata("fields", res.GetErrorMessages()))
		return
	}
	var n payments.Notification
	if err := json.Unmarshal(raw, &n); err != nil {
		s.writeError(w, r, errors.NewValidationErrorf("malformed payment notification: %v", err))
		return
	}

	res, err := s.engine.RecordPaymentOutcome(r.Context(), n)
	switch {
	case err == nil:
	case stderrors.Is(err, errors.ErrPaymentMismatch) && res != nil:
		// recorded and alerted; nothing for the processor to retry
	default:
		s.logger.Warn("payment notification not applied", map[string]interface{}{
			"externalReference": n.ExternalReference,
			"outcome":           string(n.Outcome),
			"amount":            n.Amount,
			"currency":          n.Currency,
			"processorReason":   n.Reason,
			"code":              string(errors.AsStandard(err).Code),
			"error":             err.Error(),
		})
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func validSignature(secret string, body []byte, signature string) bool {
	got, err := hex.DecodeString(strings.TrimPrefix(strings.TrimSpace(signature), "sha256="))
	if err != nil || len(got) == 0 {
		return false
	}
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return hmac.Equal(got, mac.Sum(nil))
}

// Sign returns the signature header value for body.
func Sign(secret string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return "sha256=" + hex.EncodeToString(mac.Sum(nil))
}

func (s *Server) refundEligibility(w http.ResponseWriter, r *http.Request) {
	actor, err := actorFrom(r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	e, err := s.engine.RefundEligibility(r.Context(), actor, mux.Vars(r)["id"])
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, e)
}

func (s *Server) requestRefund(w http.ResponseWriter, r *http.Request) {
	actor, err := actorFrom(r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	var body refundBody
	if r.ContentLength != 0 {
		if err := decode(r, &body); err != nil {
			s.writeError(w, r, err)
			return
		}
	}
	req, err := s.engine.RequestRefund(r.Context(), actor, service.RefundInput{
		ApplicationID: mux.Vars(r)["id"],
		Reason:        body.Reason,
		Justification: body.Justification,
	})
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, req)
}

func (s *Server) listRefunds(w http.ResponseWriter, r *http.Request) {
	actor, err := actorFrom(r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	list, err := s.engine.RefundRequests(r.Context(), actor, mux.Vars(r)["id"])
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"refunds": list})
}

func (s *Server) reviewRefund(w http.ResponseWriter, r *http.Request) {
	actor, err := actorFrom(r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	var body reviewBody
	if err := decode(r, &body); err != nil {
		s.writeError(w, r, err)
		return
	}
	req, err := s.engine.ReviewRefund(r.Context(), actor, mux.Vars(r)["id"], body.Decision, body.Note)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, req)
}

func (s *Server) reconcile(w http.ResponseWriter, r *http.Request) {
	if _, ok := s.staff(w, r); !ok {
		return
	}
	report, err := s.engine.ReconcileRefunds(r.Context())
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, report)
}
