package flow

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/BTreeMap/IntakePipe/internal/models"
	"github.com/BTreeMap/IntakePipe/internal/recorder"
	"github.com/BTreeMap/IntakePipe/internal/store"
)

// bookAppointmentToConfirm drives an appointment up to the confirmation summary.
func bookAppointmentToConfirm(h *harness) {
	h.t.Helper()
	h.text("book appointment")
	h.expectStage(models.FieldPaymentForm)
	h.tap(ButtonPayInsurance)
	h.expectStage(models.FieldInsurer)
	h.text("Acme Health")
	h.expectStage(models.FieldSpecialty)
	h.text("Pediatrics")
	h.expectStage(models.StagePatientTarget)
	h.tap(ButtonPatientSelf)
	h.expectStage(models.FieldName)
	h.text("Maria Silva")
	h.expectStage(models.FieldNationalID)
	h.text("123.456.789-01")
	h.expectStage(models.FieldBirthDate)
	h.text("15031990")
	h.expectStage(models.FieldPostalCode)
	h.text("01001-000")
	h.expectStage(models.FieldStreetNumber)
	h.text("42")
	h.expectStage(models.StageComplementChoice)
	h.text("no")
}

func TestEngine_AppointmentEndToEnd(t *testing.T) {
	h := newHarness(t)

	bookAppointmentToConfirm(h)
	h.expectStage(models.FieldOrigin)
	if !strings.Contains(h.msgs.last().text, "1) Instagram") {
		t.Fatalf("origin survey should be a numbered menu, got %q", h.msgs.last().text)
	}

	h.text("Instagram")
	h.expectStage(models.StageConfirm)

	msgs := h.msgs.all()
	summary := msgs[len(msgs)-2].text
	for _, want := range []string{"Insurance", "Acme Health", "Pediatrics", "Maria Silva", "12345678901",
		"15/03/1990", "Praça da Sé, 42 - Sé - São Paulo/SP - CEP 01001-000", "Instagram"} {
		if !strings.Contains(summary, want) {
			t.Fatalf("summary missing %q:\n%s", want, summary)
		}
	}
	if last := h.msgs.last(); !hasChoice(last, ButtonConfirm) || !hasChoice(last, ButtonCorrect) {
		t.Fatalf("expected confirm/correct choice, got %+v", last)
	}

	h.tap(ButtonConfirm)

	records := h.recorder.all()
	if len(records) != 1 {
		t.Fatalf("expected exactly one record, got %d", len(records))
	}
	rec := records[0]
	want := map[string]string{
		"service_type": "appointment",
		"payment_form": "Insurance",
		"insurer":      "Acme Health",
		"specialty":    "Pediatrics",
		"origin":       "Instagram",
		"national_id":  "12345678901",
		"birth_date":   "15/03/1990",
		"address":      "Praça da Sé, 42 - Sé - São Paulo/SP - CEP 01001-000",
	}
	for k, v := range want {
		if got := rec.Value(k); got != v {
			t.Fatalf("record[%s] = %q, want %q", k, got, v)
		}
	}
	if rec.ServiceType != "appointment" || rec.Kind != models.RecordBooking {
		t.Fatalf("unexpected record classification: %+v", rec)
	}
	if rec.IdempotencyKey == "" || rec.ID == "" {
		t.Fatalf("record must carry an id and idempotency key: %+v", rec)
	}
	if h.msgs.last().text != msgAppointmentClosed {
		t.Fatalf("expected closing message, got %q", h.msgs.last().text)
	}

	s := h.session()
	if s.Route != models.RouteRoot || s.Stage != models.StageNone || len(s.Data) != 0 {
		t.Fatalf("session should be reset to root, got %+v", s)
	}
}

func TestEngine_CorrectKeepsRouteAndOrigin(t *testing.T) {
	h := newHarness(t)

	bookAppointmentToConfirm(h)
	h.text("4")
	h.expectStage(models.FieldOriginDetail)
	h.text("Dr. Souza")
	h.expectStage(models.StageConfirm)

	h.tap(ButtonCorrect)
	s := h.session()
	if s.Route != models.RouteAppointment {
		t.Fatalf("route = %s, want %s", s.Route, models.RouteAppointment)
	}
	if s.Stage != models.FieldPaymentForm {
		t.Fatalf("stage = %q, want payment_form", s.Stage)
	}
	for _, k := range []models.FieldKey{models.FieldInsurer, models.FieldSpecialty, models.FieldName, models.FieldNationalID, models.FieldAddress} {
		if s.Has(k) {
			t.Fatalf("field %s should be cleared after correct", k)
		}
	}
	if !s.Flags.OriginDone || s.Get(models.FieldOrigin) != OriginReferral || s.Get(models.FieldOriginDetail) != "Dr. Souza" {
		t.Fatalf("origin survey should survive correct: %+v %+v", s.Flags, s.Data)
	}
	if s.Flags.PatientTargetDecided || s.PostalLookup != nil {
		t.Fatalf("branch decisions should be cleared: %+v", s.Flags)
	}

	h.tap(ButtonPaySelf)
	h.expectStage(models.FieldSpecialty)
	h.text("3")
	h.tap(ButtonPatientSelf)
	h.text("Maria Silva")
	h.text("12345678901")
	h.text("15/03/1990")
	h.text("01001000")
	h.text("42")
	h.tap(ButtonComplementYes)
	h.expectStage(models.FieldComplement)
	h.text("Apt 12")
	h.expectStage(models.StageConfirm)

	if n := h.msgs.count(fieldOrigin.Prompt); n != 1 {
		t.Fatalf("origin survey asked %d times, want 1", n)
	}

	h.text("yes")
	records := h.recorder.all()
	if len(records) != 1 {
		t.Fatalf("expected one record, got %d", len(records))
	}
	rec := records[0]
	if rec.Value("payment_form") != models.PaymentSelfPay || rec.Value("insurer") != "" {
		t.Fatalf("unexpected payment data: %+v", rec.Data)
	}
	if rec.Value("specialty") != "Dermatology" {
		t.Fatalf("specialty = %q, want Dermatology", rec.Value("specialty"))
	}
	if rec.Value("address") != "Praça da Sé, 42 - Apt 12 - Sé - São Paulo/SP - CEP 01001-000" {
		t.Fatalf("address = %q", rec.Value("address"))
	}
	if rec.Value("origin") != OriginReferral || rec.Value("origin_detail") != "Dr. Souza" {
		t.Fatalf("origin lost: %+v", rec.Data)
	}
}

func TestEngine_ValidationDoesNotAdvance(t *testing.T) {
	h := newHarness(t)
	h.tap(ButtonReturnVisit)
	h.expectStage(models.FieldNationalID)

	h.text("1234567890")
	h.expectStage(models.FieldNationalID)
	msgs := h.msgs.all()
	if got := msgs[len(msgs)-2].text; !strings.Contains(got, "11 digits") {
		t.Fatalf("expected CPF error, got %q", got)
	}
	if h.session().Has(models.FieldNationalID) {
		t.Fatal("invalid CPF must not be stored")
	}

	h.text("12345678901")
	h.text("31/02/1990")
	h.expectStage(models.FieldBirthDate)
	if !h.session().Has(models.FieldNationalID) {
		t.Fatal("earlier answer must survive a rejected one")
	}
}

func TestEngine_ExamWithDependentPatient(t *testing.T) {
	h := newHarness(t)
	h.tap(ButtonExam)
	h.expectStage(models.FieldPaymentForm)
	h.text("particular")
	h.expectStage(models.FieldName)
	h.text("Ana Costa")
	h.text("98765432100")
	h.text("01-02-1985")
	h.expectStage(models.FieldExamType)
	h.text("Blood test")
	h.expectStage(models.StagePatientTarget)
	h.text("2")
	h.expectStage(models.FieldPatientName)
	h.text("Joao Costa")
	h.text("10102015")
	h.expectStage(models.StagePatientDocChoice)
	h.text("nao")
	h.expectStage(models.FieldPostalCode)

	s := h.session()
	if s.Get(models.FieldPaymentForm) != models.PaymentSelfPay {
		t.Fatalf("payment_form = %q", s.Get(models.FieldPaymentForm))
	}
	if s.Get(models.FieldPatientBirthDate) != "10/10/2015" || s.Get(models.FieldBirthDate) != "01/02/1985" {
		t.Fatalf("dates not normalized: %+v", s.Data)
	}
	if !s.Flags.PatientIsOther || s.Flags.PatientHasDoc {
		t.Fatalf("unexpected flags: %+v", s.Flags)
	}
}

func TestEngine_PostalLookupFailureAndTypedAddress(t *testing.T) {
	h := newHarness(t)
	h.tap(ButtonEditAddress)
	h.expectStage(models.FieldPostalCode)

	h.text("99999-999")
	h.expectStage(models.FieldPostalCode)
	if h.msgs.last().text != msgPostalNotFound {
		t.Fatalf("expected not-found guidance, got %q", h.msgs.last().text)
	}
	s := h.session()
	if !s.Flags.LookupFailed || s.Has(models.FieldPostalCode) {
		t.Fatalf("failed lookup must not store the code: %+v", s)
	}

	h.text("Rua das Flores, 100, Centro, Campinas")
	records := h.recorder.all()
	if len(records) != 1 {
		t.Fatalf("expected one record, got %d", len(records))
	}
	if got := records[0].Value("address"); got != "Rua das Flores, 100, Centro, Campinas" {
		t.Fatalf("address = %q", got)
	}
	if records[0].Kind != models.RecordRequest || records[0].ServiceType != "edit_address" {
		t.Fatalf("unexpected record: %+v", records[0])
	}
	if last := h.msgs.last(); last.text != msgAnythingElse || !hasChoice(last, ButtonAppointment) {
		t.Fatalf("expected root menu after request, got %+v", last)
	}
}

func TestEngine_PostalLookupUnavailable(t *testing.T) {
	h := newHarness(t)
	h.lookup.err = errors.New("connection refused")
	h.tap(ButtonEditAddress)
	h.text("01001000")
	h.expectStage(models.FieldPostalCode)
	if h.msgs.last().text != msgPostalUnavailable {
		t.Fatalf("expected unavailable guidance, got %q", h.msgs.last().text)
	}

	h.lookup.err = nil
	h.text("01001000")
	h.expectStage(models.FieldStreetNumber)
	if h.session().Flags.LookupFailed {
		t.Fatal("successful lookup should clear the failure flag")
	}
}

func TestEngine_SessionExpiry(t *testing.T) {
	h := newHarness(t)
	h.text("book appointment")
	h.tap(ButtonPayInsurance)
	h.expectStage(models.FieldInsurer)

	h.clock.Advance(DefaultSessionTTL + time.Minute)
	h.msgs.reset()
	h.text("Book exam")

	msgs := h.msgs.all()
	if len(msgs) == 0 || msgs[0].text != msgSessionExpired {
		t.Fatalf("expected expiry notice first, got %+v", msgs)
	}
	s := h.session()
	if s.Route != models.RouteExam || s.Stage != models.FieldPaymentForm {
		t.Fatalf("expired session should be replaced and the event treated as a selection: %+v", s)
	}
	if s.Has(models.FieldPaymentForm) {
		t.Fatal("old answers must not leak into the fresh session")
	}
}

func TestEngine_ExpiryOfIdleRootIsSilent(t *testing.T) {
	h := newHarness(t)
	h.text("hi")
	h.clock.Advance(2 * time.Hour)
	h.msgs.reset()
	h.text("hi")
	if h.msgs.count(msgSessionExpired) != 0 {
		t.Fatal("no expiry notice expected for an idle menu session")
	}
}

func TestEngine_UnrecognizedInputShowsRootMenu(t *testing.T) {
	h := newHarness(t)
	h.handle(models.InboundEvent{ContactID: h.contact, ProfileName: "Maria Silva", Kind: models.EventText, Body: "blah"})
	last := h.msgs.last()
	if !hasChoice(last, ButtonAppointment) || !hasChoice(last, ButtonMore) {
		t.Fatalf("expected root menu, got %+v", last)
	}
	if !strings.Contains(last.text, "Hello, Maria!") {
		t.Fatalf("expected personalized welcome, got %q", last.text)
	}

	h.tap("unknown_button")
	if !hasChoice(h.msgs.last(), ButtonAppointment) {
		t.Fatal("unknown button should fall back to the root menu")
	}
}

func TestEngine_MenuNavigation(t *testing.T) {
	h := newHarness(t)
	h.text("hello")
	h.text("3")
	s := h.session()
	if s.Route != models.RouteMenuMore || s.Stage != models.StageNone {
		t.Fatalf("expected more-options menu, got %+v", s)
	}
	if !hasChoice(h.msgs.last(), ButtonExamResult) {
		t.Fatalf("expected second menu, got %+v", h.msgs.last())
	}
	h.tap(ButtonMore2)
	h.tap(ButtonMore3)
	h.tap(ButtonBackToStart)
	if h.session().Route != models.RouteRoot {
		t.Fatal("back to start should return to root")
	}
	h.tap(ButtonMore)
	h.text("exam result")
	h.expectStage(models.FieldNationalID)
	if h.session().Route != models.RouteExamResult {
		t.Fatalf("route = %s", h.session().Route)
	}
}

func TestEngine_ResetKeywordAndRouteButtonsRestart(t *testing.T) {
	h := newHarness(t)
	h.tap(ButtonAppointment)
	h.tap(ButtonPayInsurance)
	h.text("Acme")

	h.tap(ButtonExam)
	s := h.session()
	if s.Route != models.RouteExam || s.Has(models.FieldInsurer) {
		t.Fatalf("route button should restart: %+v", s)
	}

	h.text("  Start Over ")
	s = h.session()
	if s.Route != models.RouteRoot || s.Stage != models.StageNone || len(s.Data) != 0 {
		t.Fatalf("reset keyword should return to root: %+v", s)
	}
}

func TestEngine_ClinicInfo(t *testing.T) {
	clinic := ClinicInfo{Name: "Clínica Vida", Address: "Rua A, 1", Phone: "+55 11 4000-0000"}
	h := newHarness(t, WithClinicInfo(clinic))
	h.text("what is your address?")
	msgs := h.msgs.all()
	if len(msgs) != 2 || !strings.Contains(msgs[0].text, "Rua A, 1") || !strings.Contains(msgs[0].text, "+55 11 4000-0000") {
		t.Fatalf("expected clinic card then menu, got %+v", msgs)
	}
	if msgs[1].text != msgAnythingElse {
		t.Fatalf("expected follow-up menu, got %q", msgs[1].text)
	}
}

func TestEngine_SuggestionBox(t *testing.T) {
	h := newHarness(t)
	h.tap(ButtonSuggestion)
	h.expectStage(models.FieldSuggestionCategory)
	if h.msgs.count(msgSuggestionIntro) != 1 {
		t.Fatal("expected suggestion intro")
	}
	h.tap(ButtonSuggestExams)
	h.expectStage(models.FieldSuggestionText)
	h.text("MRI and CT scans")

	records := h.recorder.all()
	if len(records) != 1 || records[0].Kind != models.RecordSuggestion {
		t.Fatalf("expected one suggestion record, got %+v", records)
	}
	if records[0].Value("suggestion_category") != "Exams" || records[0].Value("suggestion_text") != "MRI and CT scans" {
		t.Fatalf("unexpected suggestion data: %+v", records[0].Data)
	}
	if h.msgs.count(msgSuggestionThanks) != 1 {
		t.Fatal("expected thanks message")
	}
}

func TestEngine_SameServiceRecordsInOneMinuteAreDistinct(t *testing.T) {
	h := newHarness(t)
	h.engine = NewEngine(h.store, h.msgs,
		WithRecorder(recorder.NewIdempotent(h.recorder, h.store)),
		WithAddressLookup(h.lookup),
		WithClock(h.clock.Now),
	)

	h.tap(ButtonSuggestion)
	h.tap(ButtonSuggestSpecial)
	h.text("Neurosurgery please")

	h.clock.Advance(10 * time.Second)
	h.tap(ButtonSuggestion)
	h.tap(ButtonSuggestExams)
	h.text("MRI scans")

	records := h.recorder.all()
	if len(records) != 2 {
		t.Fatalf("expected both suggestions to reach the writer, got %d", len(records))
	}
	if records[0].IdempotencyKey == records[1].IdempotencyKey {
		t.Fatalf("distinct records share idempotency key %s", records[0].IdempotencyKey)
	}
	if records[1].Value("suggestion_text") != "MRI scans" {
		t.Fatalf("unexpected second record: %+v", records[1].Data)
	}
}

func TestEngine_AddressShortcuts(t *testing.T) {
	h := newHarness(t)
	h.text("update my address")
	if s := h.session(); s.Route != models.RouteEditAddress {
		t.Fatalf("route = %s, want %s", s.Route, models.RouteEditAddress)
	}
	h.expectStage(models.FieldPostalCode)

	h.text("menu")
	h.text("what is the clinic address?")
	if s := h.session(); s.Route == models.RouteEditAddress {
		t.Fatal("asking for the clinic address must not open the address update")
	}
}

func TestIdempotencyKey(t *testing.T) {
	start := time.Date(2025, 3, 10, 9, 0, 5, 0, time.UTC)
	k := IdempotencyKey("5511999990000", "suggestion", start)
	if k != IdempotencyKey("5511999990000", "suggestion", start.In(time.FixedZone("BRT", -3*3600))) {
		t.Fatal("key must not depend on the time zone")
	}
	if k == IdempotencyKey("5511999990000", "suggestion", start.Add(10*time.Second)) {
		t.Fatal("routes started 10s apart must get different keys")
	}
	if k == IdempotencyKey("5511999990000", "appointment", start) {
		t.Fatal("service type must be part of the key")
	}
}

func TestEngine_InquiryRoute(t *testing.T) {
	h := newHarness(t)
	h.tap(ButtonInquiry)
	h.text("Carlos Lima")
	h.text("11122233344")
	h.text("05/05/1970")
	h.text("Av. Paulista 1000, São Paulo")
	h.text("cardiology")
	h.text("none")

	records := h.recorder.all()
	if len(records) != 1 || records[0].Kind != models.RecordInquiry {
		t.Fatalf("expected one inquiry record, got %+v", records)
	}
	if records[0].Value("specialty") != "Cardiology" || records[0].Value("exam_type") != "none" {
		t.Fatalf("unexpected inquiry data: %+v", records[0].Data)
	}
}

func TestEngine_PersistenceFailureStillAcknowledges(t *testing.T) {
	h := newHarness(t)
	h.recorder.err = errors.New("sheets unavailable")
	h.tap(ButtonReturnVisit)
	h.text("12345678901")
	h.text("15/03/1990")

	if len(h.recorder.all()) != 1 {
		t.Fatal("expected exactly one persistence attempt")
	}
	if h.msgs.count(msgRequestReceived) != 1 {
		t.Fatal("user should still be acknowledged")
	}
	if s := h.session(); s.Route != models.RouteRoot {
		t.Fatalf("session should reset to root, got %s", s.Route)
	}
}

func TestEngine_SendFailureDoesNotLoseState(t *testing.T) {
	h := newHarness(t)
	h.msgs.err = errors.New("channel down")
	h.tap(ButtonReturnVisit)
	h.expectStage(models.FieldNationalID)
}

func TestEngine_StoreFailureIsFatal(t *testing.T) {
	msgs := &fakeMessenger{}
	st := &failingStore{InMemoryStore: store.NewInMemoryStore(), failSave: true}
	e := NewEngine(st, msgs)
	err := e.Handle(context.Background(), models.TextEvent("5511988887777", "book appointment"))
	if !errors.Is(err, errStoreDown) {
		t.Fatalf("expected store error, got %v", err)
	}
	if len(msgs.all()) != 0 {
		t.Fatal("nothing should be sent when the session cannot be saved")
	}

	st.failSave, st.failGet = false, true
	if err := e.Handle(context.Background(), models.TextEvent("5511988887777", "hi")); !errors.Is(err, errStoreDown) {
		t.Fatalf("expected load error, got %v", err)
	}
}

func TestEngine_InvalidEvents(t *testing.T) {
	e := NewEngine(store.NewInMemoryStore(), &fakeMessenger{})
	cases := []models.InboundEvent{
		{Kind: models.EventText, Body: "hi"},
		{ContactID: "1", Kind: models.EventButton},
		{ContactID: "1", Kind: "audio"},
	}
	for _, ev := range cases {
		if err := e.Handle(context.Background(), ev); !errors.Is(err, ErrInvalidEvent) {
			t.Fatalf("Handle(%+v) = %v, want ErrInvalidEvent", ev, err)
		}
	}
}

func TestEngine_ConcurrentContacts(t *testing.T) {
	st := store.NewInMemoryStore()
	msgs := &fakeMessenger{}
	e := NewEngine(st, msgs)

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		contact := fmt.Sprintf("55119000000%02d", i)
		wg.Add(1)
		go func() {
			defer wg.Done()
			ctx := context.Background()
			if err := e.Handle(ctx, models.TextEvent(contact, "book exam")); err != nil {
				t.Errorf("Handle error: %v", err)
				return
			}
			if err := e.Handle(ctx, models.ButtonEvent(contact, ButtonPaySelf)); err != nil {
				t.Errorf("Handle error: %v", err)
			}
		}()
	}
	wg.Wait()

	for i := 0; i < 20; i++ {
		contact := fmt.Sprintf("55119000000%02d", i)
		s, err := st.GetSession(context.Background(), contact)
		if err != nil || s == nil {
			t.Fatalf("missing session for %s: %v", contact, err)
		}
		if s.Route != models.RouteExam || s.Stage != models.FieldName {
			t.Fatalf("contact %s: route=%s stage=%s", contact, s.Route, s.Stage)
		}
	}
	if n := e.Sessions().locks.size(); n != 0 {
		t.Fatalf("lock entries leaked: %d", n)
	}
}
