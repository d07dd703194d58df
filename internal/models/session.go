package models

import "time"

// Route identifies the service a contact is currently talking to.
type Route string

const (
	RouteRoot        Route = "root"
	RouteAppointment Route = "book_appointment"
	RouteExam        Route = "book_exam"
	RouteReturnVisit Route = "return_visit"
	RouteExamResult  Route = "exam_result"
	RouteEditAddress Route = "edit_address"
	RouteInquiry     Route = "specialty_or_exam_inquiry"
	RouteSuggestion  Route = "suggestion_box"
	RouteMenuMore    Route = "menu_more"
	RouteMenuMore2   Route = "menu_more_2"
	RouteMenuMore3   Route = "menu_more_3"
)

// IsMenu reports whether the route only presents navigation buttons.
func (r Route) IsMenu() bool {
	switch r {
	case RouteRoot, RouteMenuMore, RouteMenuMore2, RouteMenuMore3, "":
		return true
	}
	return false
}

// IsBooking reports whether the route collects a full booking with survey and confirmation.
func (r Route) IsBooking() bool {
	return r == RouteAppointment || r == RouteExam
}

// ServiceType is the record classification written downstream for the route.
func (r Route) ServiceType() string {
	switch r {
	case RouteAppointment:
		return "appointment"
	case RouteExam:
		return "exam"
	case RouteReturnVisit:
		return "return_visit"
	case RouteExamResult:
		return "exam_result"
	case RouteEditAddress:
		return "edit_address"
	case RouteInquiry:
		return "inquiry"
	case RouteSuggestion:
		return "suggestion"
	}
	return string(r)
}

// FieldKey names either a collected field or a control stage awaiting a decision.
type FieldKey string

const (
	FieldPaymentForm        FieldKey = "payment_form"
	FieldInsurer            FieldKey = "insurer"
	FieldSpecialty          FieldKey = "specialty"
	FieldExamType           FieldKey = "exam_type"
	FieldName               FieldKey = "name"
	FieldNationalID         FieldKey = "national_id"
	FieldBirthDate          FieldKey = "birth_date"
	FieldPatientName        FieldKey = "patient_name"
	FieldPatientBirthDate   FieldKey = "patient_birth_date"
	FieldPatientDocument    FieldKey = "patient_document"
	FieldPostalCode         FieldKey = "postal_code"
	FieldStreetNumber       FieldKey = "street_number"
	FieldComplement         FieldKey = "complement"
	FieldAddress            FieldKey = "address"
	FieldOrigin             FieldKey = "origin"
	FieldOriginDetail       FieldKey = "origin_detail"
	FieldSuggestionCategory FieldKey = "suggestion_category"
	FieldSuggestionText     FieldKey = "suggestion_text"

	// Control stages. They hold a decision in Flags rather than a value in Data.
	StagePatientTarget    FieldKey = "patient_target"
	StagePatientDocChoice FieldKey = "patient_doc_choice"
	StageComplementChoice FieldKey = "complement_choice"
	StageConfirm          FieldKey = "confirm"

	StageNone FieldKey = ""
)

// Payment form canonical values.
const (
	PaymentInsurance = "Insurance"
	PaymentSelfPay   = "Self-pay"
)

// SessionFlags are the decisions a session has taken that are not answers themselves.
type SessionFlags struct {
	PatientTargetDecided bool `json:"patient_target_decided,omitempty"`
	PatientIsOther       bool `json:"patient_is_other,omitempty"`
	PatientDocDecided    bool `json:"patient_doc_decided,omitempty"`
	PatientHasDoc        bool `json:"patient_has_doc,omitempty"`
	ComplementDecided    bool `json:"complement_decided,omitempty"`
	HasComplement        bool `json:"has_complement,omitempty"`
	LookupFailed         bool `json:"lookup_failed,omitempty"`
	OriginDone           bool `json:"origin_done,omitempty"`
	Confirmed            bool `json:"confirmed,omitempty"`
}

// Session is the conversation state kept per contact.
type Session struct {
	ContactID      string              `json:"contact_id"`
	ProfileName    string              `json:"profile_name,omitempty"`
	Route          Route               `json:"route"`
	Stage          FieldKey            `json:"stage,omitempty"`
	Data           map[FieldKey]string `json:"data,omitempty"`
	Flags          SessionFlags        `json:"flags"`
	PostalLookup   *Address            `json:"postal_lookup,omitempty"`
	StartedAt      time.Time           `json:"started_at"`
	LastActivityAt time.Time           `json:"last_activity_at"`
	CreatedAt      time.Time           `json:"created_at"`
}

// NewSession returns a fresh root session for the contact.
func NewSession(contactID string, now time.Time) *Session {
	return &Session{
		ContactID:      contactID,
		Route:          RouteRoot,
		Data:           make(map[FieldKey]string),
		StartedAt:      now,
		LastActivityAt: now,
		CreatedAt:      now,
	}
}

// Get returns the stored value for key, or "" when absent.
func (s *Session) Get(key FieldKey) string {
	if s.Data == nil {
		return ""
	}
	return s.Data[key]
}

// Set stores a canonical value for key.
func (s *Session) Set(key FieldKey, value string) {
	if s.Data == nil {
		s.Data = make(map[FieldKey]string)
	}
	s.Data[key] = value
}

// Has reports whether key was answered with a non-empty value.
func (s *Session) Has(key FieldKey) bool {
	return s.Get(key) != ""
}

// Restart clears everything collected and points the session at route.
func (s *Session) Restart(route Route, now time.Time) {
	s.Route = route
	s.Stage = StageNone
	s.Data = make(map[FieldKey]string)
	s.Flags = SessionFlags{}
	s.PostalLookup = nil
	s.StartedAt = now
}

// Clone returns a deep copy of the session.
func (s *Session) Clone() *Session {
	if s == nil {
		return nil
	}
	c := *s
	c.Data = make(map[FieldKey]string, len(s.Data))
	for k, v := range s.Data {
		c.Data[k] = v
	}
	if s.PostalLookup != nil {
		addr := *s.PostalLookup
		c.PostalLookup = &addr
	}
	return &c
}
