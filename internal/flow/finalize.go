package flow

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/BTreeMap/IntakePipe/internal/models"
)

// advance decides the next step after any mutation: derive computed fields, then ask the first
// pending question or finalize when nothing is left.
func (t *turn) advance(ctx context.Context) {
	s := t.s
	assembleIfReady(s)
	settleOrigin(s)

	pending := PendingFields(s.Route, s)
	if len(pending) == 0 {
		s.Stage = models.StageNone
		t.finalize(ctx)
		return
	}
	next := pending[0]
	s.Stage = next.Key
	if next.Key == models.StageConfirm {
		t.say(Summary(s))
	}
	t.ask(next)
}

// settleOrigin marks the survey done once its answer (and detail, when required) is in.
func settleOrigin(s *models.Session) {
	if s.Flags.OriginDone || !s.Has(models.FieldOrigin) {
		return
	}
	o := s.Get(models.FieldOrigin)
	if (o == OriginReferral || o == OriginOther) && !s.Has(models.FieldOriginDetail) {
		return
	}
	s.Flags.OriginDone = true
}

// correct restarts the form on the same route. Only the origin survey survives.
func (t *turn) correct(ctx context.Context) {
	s := t.s
	slog.Info("Engine.correct: restarting form", "contactID", s.ContactID, "route", s.Route)
	origin, detail, done := s.Get(models.FieldOrigin), s.Get(models.FieldOriginDetail), s.Flags.OriginDone
	started := s.StartedAt

	s.Restart(s.Route, t.now)
	s.StartedAt = started
	if done {
		s.Set(models.FieldOrigin, origin)
		if detail != "" {
			s.Set(models.FieldOriginDetail, detail)
		}
		s.Flags.OriginDone = true
	}
	t.say(msgCorrecting)
	t.advance(ctx)
}

// finalize hands the record to the recorder, closes the route and resets the session to root.
func (t *turn) finalize(ctx context.Context) {
	s := t.s
	route := s.Route
	if route.IsMenu() {
		t.showMenu(models.RouteRoot, t.welcome())
		return
	}

	rec := BuildRecord(s, t.now)
	t.e.record(ctx, s, rec)

	switch route {
	case models.RouteAppointment:
		t.say(msgAppointmentClosed)
	case models.RouteExam:
		t.say(msgExamClosed)
	case models.RouteReturnVisit, models.RouteExamResult:
		t.say(msgRequestReceived)
	case models.RouteEditAddress:
		t.say(fmt.Sprintf(msgAddressUpdated, s.Get(models.FieldAddress)))
	case models.RouteInquiry:
		t.say(msgInquiryReceived)
	case models.RouteSuggestion:
		t.say(msgSuggestionThanks)
	}

	s.Restart(models.RouteRoot, t.now)
	if !route.IsBooking() {
		t.showMenu(models.RouteRoot, msgAnythingElse)
	}
}

// record calls the recorder once. Failures are logged with the record snapshot; the user is
// still acknowledged.
func (e *Engine) record(ctx context.Context, s *models.Session, rec models.IntakeRecord) {
	if e.recorder == nil {
		slog.Warn("Engine.record: no recorder configured, record not persisted", "contactID", rec.ContactID, "route", s.Route, "recordID", rec.ID, "data", rec.Data)
		e.metrics.ObserveRecord(rec.ServiceType, "skipped")
		return
	}
	if err := e.recorder.Record(ctx, rec); err != nil {
		slog.Error("Engine.record: persistence failed", "contactID", rec.ContactID, "route", s.Route,
			"recordID", rec.ID, "idempotencyKey", rec.IdempotencyKey, "data", rec.Data, "error", err)
		e.metrics.ObserveRecord(rec.ServiceType, "failed")
		return
	}
	slog.Info("Engine.record: record persisted", "contactID", rec.ContactID, "serviceType", rec.ServiceType, "recordID", rec.ID)
	e.metrics.ObserveRecord(rec.ServiceType, "delivered")
}

// RecordKindFor classifies a route's record by the downstream sheet.
func RecordKindFor(r models.Route) models.RecordKind {
	switch r {
	case models.RouteAppointment, models.RouteExam:
		return models.RecordBooking
	case models.RouteInquiry:
		return models.RecordInquiry
	case models.RouteSuggestion:
		return models.RecordSuggestion
	}
	return models.RecordRequest
}

// BuildRecord snapshots a completed session as an intake record.
func BuildRecord(s *models.Session, now time.Time) models.IntakeRecord {
	service := s.Route.ServiceType()
	data := make(map[string]string, len(s.Data)+3)
	for k, v := range s.Data {
		if v != "" {
			data[string(k)] = v
		}
	}
	data["service_type"] = service
	if s.ProfileName != "" {
		data["profile_name"] = s.ProfileName
	}
	if s.Flags.PatientTargetDecided {
		data["patient_target"] = "self"
		if s.Flags.PatientIsOther {
			data["patient_target"] = "other"
		}
	}
	return models.IntakeRecord{
		ID:             uuid.NewString(),
		IdempotencyKey: IdempotencyKey(s.ContactID, service, s.StartedAt),
		ContactID:      s.ContactID,
		Kind:           RecordKindFor(s.Route),
		ServiceType:    service,
		Data:           data,
		CreatedAt:      now,
	}
}

// IdempotencyKey derives the per-record key from contact, service type and the instant the
// route was started. StartedAt survives Correct and redelivery, so retries share the key.
func IdempotencyKey(contactID, serviceType string, startedAt time.Time) string {
	started := startedAt.UTC().Format(time.RFC3339Nano)
	sum := sha256.Sum256([]byte(contactID + "|" + serviceType + "|" + started))
	return hex.EncodeToString(sum[:])
}

var fieldLabels = map[models.FieldKey]string{
	models.FieldPaymentForm:      "Payment",
	models.FieldInsurer:          "Insurance plan",
	models.FieldSpecialty:        "Specialty",
	models.FieldExamType:         "Exam",
	models.FieldPatientName:      "Patient",
	models.FieldPatientBirthDate: "Patient's date of birth",
	models.FieldPatientDocument:  "Patient's document",
	models.FieldName:             "Name",
	models.FieldNationalID:       "CPF",
	models.FieldBirthDate:        "Date of birth",
	models.FieldAddress:          "Address",
	models.FieldOrigin:           "How you found us",
	models.FieldOriginDetail:     "Details",
}

// summaryOrder lists the fields shown in the confirmation summary.
var summaryOrder = []models.FieldKey{
	models.FieldPaymentForm,
	models.FieldInsurer,
	models.FieldSpecialty,
	models.FieldExamType,
	models.FieldName,
	models.FieldNationalID,
	models.FieldBirthDate,
	models.FieldPatientName,
	models.FieldPatientBirthDate,
	models.FieldPatientDocument,
	models.FieldAddress,
	models.FieldOrigin,
	models.FieldOriginDetail,
}

// Summary renders every collected field for confirmation.
func Summary(s *models.Session) string {
	var b strings.Builder
	b.WriteString(msgConfirmHeader)
	fmt.Fprintf(&b, "\n• Service: %s", s.Route.ServiceType())
	for _, k := range summaryOrder {
		if v := s.Get(k); v != "" {
			fmt.Fprintf(&b, "\n• %s: %s", fieldLabels[k], v)
		}
	}
	if s.Flags.PatientTargetDecided && !s.Flags.PatientIsOther {
		b.WriteString("\n• Patient: the contact")
	}
	return b.String()
}
