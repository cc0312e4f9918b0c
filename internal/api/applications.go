package api

import (
	"net/http"
	"strconv"

	"application-lifecycle/internal/common/errors"
	"application-lifecycle/internal/lifecycle/pricing"
	"application-lifecycle/internal/lifecycle/service"
	"application-lifecycle/internal/lifecycle/statemachine"
	"application-lifecycle/internal/models"
	"application-lifecycle/internal/search"

	"github.com/gorilla/mux"
)

type tierBody struct {
	TierID string `json:"tierId"`
}

type addOnsBody struct {
	AddOns []pricing.Change `json:"addons"`
}

type previewBody struct {
	TierID string           `json:"tierId"`
	AddOns []pricing.Change `json:"addons"`
}

type transitionBody struct {
	Event           statemachine.Event `json:"event"`
	Note            string             `json:"note"`
	ExpectedVersion int64              `json:"expectedVersion"`
}

type noteBody struct {
	Note string `json:"note"`
}

type forceBody struct {
	To              models.Status `json:"to"`
	Note            string        `json:"note"`
	Override        bool          `json:"override"`
	ExpectedVersion int64         `json:"expectedVersion"`
}

type adminNotesBody struct {
	Notes           string `json:"notes"`
	ExpectedVersion int64  `json:"expectedVersion"`
}

func (s *Server) listTiers(w http.ResponseWriter, r *http.Request) {
	if s.catalog == nil {
		s.writeError(w, r, errors.NewNotFoundError("catalog", "tiers"))
		return
	}
	tiers, err := s.catalog.ListTiers(r.Context())
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"tiers": tiers})
}

func (s *Server) listAddOns(w http.ResponseWriter, r *http.Request) {
	if s.catalog == nil {
		s.writeError(w, r, errors.NewNotFoundError("catalog", "addons"))
		return
	}
	addOns, err := s.catalog.ListAddOns(r.Context())
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"addons": addOns})
}

func (s *Server) previewPricing(w http.ResponseWriter, r *http.Request) {
	var body previewBody
	if err := decode(r, &body); err != nil {
		s.writeError(w, r, err)
		return
	}
	preview, err := s.engine.PreviewPricing(r.Context(), body.TierID, body.AddOns)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, preview)
}

func (s *Server) createApplication(w http.ResponseWriter, r *http.Request) {
	actor, err := actorFrom(r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	var body tierBody
	if err := decode(r, &body); err != nil {
		s.writeError(w, r, err)
		return
	}
	app, err := s.engine.CreateApplication(r.Context(), actor, body.TierID)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, app)
}

func (s *Server) getApplication(w http.ResponseWriter, r *http.Request) {
	actor, err := actorFrom(r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	app, err := s.engine.GetApplication(r.Context(), actor, mux.Vars(r)["id"])
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, app)
}

func (s *Server) selectTier(w http.ResponseWriter, r *http.Request) {
	actor, err := actorFrom(r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	var body tierBody
	if err := decode(r, &body); err != nil {
		s.writeError(w, r, err)
		return
	}
	app, err := s.engine.SelectTier(r.Context(), actor, mux.Vars(r)["id"], body.TierID)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, app)
}

func (s *Server) updateAddOns(w http.ResponseWriter, r *http.Request) {
	actor, err := actorFrom(r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	var body addOnsBody
	if err := decode(r, &body); err != nil {
		s.writeError(w, r, err)
		return
	}
	totals, err := s.engine.UpdateAddOns(r.Context(), actor, mux.Vars(r)["id"], body.AddOns)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, totals)
}

func (s *Server) submit(w http.ResponseWriter, r *http.Request) {
	actor, err := actorFrom(r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	app, err := s.engine.Submit(r.Context(), actor, mux.Vars(r)["id"])
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, app)
}

func (s *Server) transition(w http.ResponseWriter, r *http.Request) {
	actor, err := actorFrom(r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	var body transitionBody
	if err := decode(r, &body); err != nil {
		s.writeError(w, r, err)
		return
	}
	app, err := s.engine.Transition(r.Context(), actor, service.TransitionRequest{
		ApplicationID:   mux.Vars(r)["id"],
		Event:           body.Event,
		Note:            body.Note,
		ExpectedVersion: body.ExpectedVersion,
	})
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, app)
}

func (s *Server) cancel(w http.ResponseWriter, r *http.Request) {
	actor, err := actorFrom(r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	var body noteBody
	if r.ContentLength != 0 {
		if err := decode(r, &body); err != nil {
			s.writeError(w, r, err)
			return
		}
	}
	app, err := s.engine.Cancel(r.Context(), actor, mux.Vars(r)["id"], body.Note)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, app)
}

func (s *Server) forceTransition(w http.ResponseWriter, r *http.Request) {
	actor, err := actorFrom(r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	var body forceBody
	if err := decode(r, &body); err != nil {
		s.writeError(w, r, err)
		return
	}
	app, err := s.engine.ForceTransition(r.Context(), actor, service.ForceRequest{
		ApplicationID:   mux.Vars(r)["id"],
		To:              body.To,
		Note:            body.Note,
		Override:        body.Override,
		ExpectedVersion: body.ExpectedVersion,
	})
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, app)
}

func (s *Server) updateAdminNotes(w http.ResponseWriter, r *http.Request) {
	actor, err := actorFrom(r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	var body adminNotesBody
	if err := decode(r, &body); err != nil {
		s.writeError(w, r, err)
		return
	}
	app, err := s.engine.UpdateAdminNotes(r.Context(), actor, mux.Vars(r)["id"], body.Notes, body.ExpectedVersion)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, app)
}

func (s *Server) auditTrail(w http.ResponseWriter, r *http.Request) {
	actor, err := actorFrom(r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	trail, err := s.engine.AuditTrail(r.Context(), actor, mux.Vars(r)["id"])
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"records": trail})
}

func (s *Server) verify(w http.ResponseWriter, r *http.Request) {
	if _, ok := s.staff(w, r); !ok {
		return
	}
	report, err := s.engine.Verify(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, report)
}

func (s *Server) searchApplications(w http.ResponseWriter, r *http.Request) {
	if _, ok := s.staff(w, r); !ok {
		return
	}
	if s.searcher == nil {
		s.writeError(w, r, errors.NewNotFoundError("search", "applications"))
		return
	}

	q := r.URL.Query()
	query := search.Query{
		Text:          q.Get("q"),
		Status:        models.Status(q.Get("status")),
		PaymentStatus: models.PaymentStatus(q.Get("paymentStatus")),
		OwnerID:       q.Get("ownerId"),
	}
	if query.Status != "" && !query.Status.Valid() {
		s.writeError(w, r, errors.NewValidationErrorf("unknown status %q", query.Status))
		return
	}
	query.From, _ = strconv.Atoi(q.Get("from"))
	query.Size, _ = strconv.Atoi(q.Get("size"))

	res, err := s.searcher.Search(r.Context(), query)
	if err != nil {
		s.writeError(w, r, errors.NewExternalServiceError("search", err))
		return
	}
	writeJSON(w, http.StatusOK, res)
}

// staff resolves the caller and insists on the staff role.
func (s *Server) staff(w http.ResponseWriter, r *http.Request) (models.Actor, bool) {
	actor, err := actorFrom(r)
	if err == nil && actor.Role != models.RoleStaff {
		err = errors.NewForbiddenError("staff only")
	}
	if err != nil {
		s.writeError(w, r, err)
		return models.Actor{}, false
	}
	return actor, true
}
