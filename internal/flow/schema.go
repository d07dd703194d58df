package flow

import "github.com/BTreeMap/IntakePipe/internal/models"

// AskKind selects how a field's question is rendered.
type AskKind int

const (
	// AskText sends the prompt as a plain message.
	AskText AskKind = iota
	// AskChoice sends the prompt with up to three reply buttons.
	AskChoice
	// AskNumbered sends the prompt followed by a numbered list answered by ordinal.
	AskNumbered
)

// Field describes one question of a route's form.
type Field struct {
	Key     models.FieldKey
	Prompt  string
	Ask     AskKind
	Options []models.Choice
	// YesNo lets free-text yes/no words pick the first/second option.
	YesNo bool
	// Include decides whether the field belongs to the form given the answers so far. Nil means always.
	Include func(*models.Session) bool
	// Answered reports whether the field is settled. Nil means a non-empty value in Data.
	Answered func(*models.Session) bool
}

func (f Field) included(s *models.Session) bool {
	return f.Include == nil || f.Include(s)
}

func (f Field) answered(s *models.Session) bool {
	if f.Answered != nil {
		return f.Answered(s)
	}
	return s.Has(f.Key)
}

// PendingFields returns, in order, every field of route that is included and still unanswered.
// It is recomputed on every call because inclusion depends on earlier answers.
func PendingFields(route models.Route, s *models.Session) []Field {
	var pending []Field
	for _, f := range schemas[route] {
		if f.included(s) && !f.answered(s) {
			pending = append(pending, f)
		}
	}
	return pending
}

// fieldFor finds the definition of key within route's form.
func fieldFor(route models.Route, key models.FieldKey) (Field, bool) {
	for _, f := range schemas[route] {
		if f.Key == key {
			return f, true
		}
	}
	return Field{}, false
}

// Inclusion predicates.

func paysWithInsurance(s *models.Session) bool {
	return s.Get(models.FieldPaymentForm) == models.PaymentInsurance
}

func patientIsOther(s *models.Session) bool {
	return s.Flags.PatientIsOther
}

func patientDocWanted(s *models.Session) bool {
	return s.Flags.PatientIsOther && s.Flags.PatientDocDecided && s.Flags.PatientHasDoc
}

func addressMissing(s *models.Session) bool {
	return !s.Has(models.FieldAddress)
}

func complementWanted(s *models.Session) bool {
	return addressMissing(s) && s.Flags.ComplementDecided && s.Flags.HasComplement
}

func originOpen(s *models.Session) bool {
	return !s.Flags.OriginDone
}

func originDetailWanted(s *models.Session) bool {
	o := s.Get(models.FieldOrigin)
	return !s.Flags.OriginDone && (o == OriginReferral || o == OriginOther)
}

// Field definitions shared between routes.
var (
	fieldPaymentForm = Field{
		Key: models.FieldPaymentForm, Prompt: "Will you use health insurance or pay privately?",
		Ask: AskChoice, Options: paymentChoices,
	}
	fieldInsurer = Field{
		Key: models.FieldInsurer, Prompt: "What is the name of your insurance plan?",
		Include: paysWithInsurance,
	}
	fieldSpecialty = Field{
		Key: models.FieldSpecialty, Prompt: "Which specialty? Reply with the number or type the name:",
		Ask: AskNumbered, Options: specialtyChoices(),
	}
	fieldExamType = Field{
		Key: models.FieldExamType, Prompt: "Which exam do you need?",
	}
	fieldName = Field{
		Key: models.FieldName, Prompt: "Your full name:",
	}
	fieldNationalID = Field{
		Key: models.FieldNationalID, Prompt: "Your CPF (numbers only):",
	}
	fieldBirthDate = Field{
		Key: models.FieldBirthDate, Prompt: "Your date of birth (DD/MM/YYYY):",
	}
	fieldPatientTarget = Field{
		Key: models.StagePatientTarget, Prompt: "Is this for yourself or for another patient (child/dependent)?",
		Ask: AskChoice, Options: patientChoices,
		Answered: func(s *models.Session) bool { return s.Flags.PatientTargetDecided },
	}
	fieldPatientName = Field{
		Key: models.FieldPatientName, Prompt: "Patient's full name:",
		Include: patientIsOther,
	}
	fieldPatientBirthDate = Field{
		Key: models.FieldPatientBirthDate, Prompt: "Patient's date of birth (DD/MM/YYYY):",
		Include: patientIsOther,
	}
	fieldPatientDocChoice = Field{
		Key: models.StagePatientDocChoice, Prompt: "Does the patient have a CPF or RG?",
		Ask: AskChoice, Options: docChoices, YesNo: true,
		Include:  patientIsOther,
		Answered: func(s *models.Session) bool { return s.Flags.PatientDocDecided },
	}
	fieldPatientDocument = Field{
		Key: models.FieldPatientDocument, Prompt: "Patient's CPF or RG:",
		Include: patientDocWanted,
	}
	fieldPostalCode = Field{
		Key: models.FieldPostalCode, Prompt: "Your postal code (CEP, 8 digits):",
		Include: addressMissing,
	}
	fieldStreetNumber = Field{
		Key: models.FieldStreetNumber, Prompt: "Street number:",
		Include: addressMissing,
	}
	fieldComplementChoice = Field{
		Key: models.StageComplementChoice, Prompt: "Does the address have a complement (apartment, block, suite)?",
		Ask: AskChoice, Options: complementChoices, YesNo: true,
		Include:  addressMissing,
		Answered: func(s *models.Session) bool { return s.Flags.ComplementDecided },
	}
	fieldComplement = Field{
		Key: models.FieldComplement, Prompt: "Type the complement (apartment, block, suite):",
		Include: complementWanted,
	}
	fieldOrigin = Field{
		Key: models.FieldOrigin, Prompt: "One last question: how did you hear about us?",
		Ask: AskNumbered, Options: originChoices,
		Include: originOpen,
	}
	fieldOriginDetail = Field{
		Key: models.FieldOriginDetail, Prompt: "Could you tell us a bit more (who referred you, or where you found us)?",
		Include: originDetailWanted,
	}
	fieldConfirm = Field{
		Key: models.StageConfirm, Prompt: msgIsThisCorrect,
		Ask: AskChoice, Options: confirmChoices, YesNo: true,
		Answered: func(s *models.Session) bool { return s.Flags.Confirmed },
	}
)

var (
	patientFields = []Field{fieldPatientTarget, fieldPatientName, fieldPatientBirthDate, fieldPatientDocChoice, fieldPatientDocument}
	addressFields = []Field{fieldPostalCode, fieldStreetNumber, fieldComplementChoice, fieldComplement}
	closingFields = []Field{fieldOrigin, fieldOriginDetail, fieldConfirm}
)

func concat(groups ...[]Field) []Field {
	var out []Field
	for _, g := range groups {
		out = append(out, g...)
	}
	return out
}

// schemas holds the ordered form of every route that collects data.
var schemas = map[models.Route][]Field{
	models.RouteAppointment: concat(
		[]Field{fieldPaymentForm, fieldInsurer, fieldSpecialty},
		patientFields,
		[]Field{fieldName, fieldNationalID, fieldBirthDate},
		addressFields,
		closingFields,
	),
	models.RouteExam: concat(
		[]Field{fieldPaymentForm, fieldInsurer, fieldName, fieldNationalID, fieldBirthDate, fieldExamType},
		patientFields,
		addressFields,
		closingFields,
	),
	models.RouteReturnVisit: {fieldNationalID, fieldBirthDate},
	models.RouteExamResult:  {fieldNationalID, fieldBirthDate},
	models.RouteEditAddress: addressFields,
	models.RouteInquiry: {
		fieldName, fieldNationalID, fieldBirthDate,
		{Key: models.FieldAddress, Prompt: "Your address (street, number, neighborhood, city):"},
		{Key: models.FieldSpecialty, Prompt: "Which specialty are you interested in? (type \"none\" if only exams)"},
		{Key: models.FieldExamType, Prompt: "Which exam are you interested in? (type \"none\" if only a specialty)"},
	},
	models.RouteSuggestion: {
		{
			Key: models.FieldSuggestionCategory, Prompt: "What would you like to suggest?",
			Ask: AskChoice, Options: suggestionChoices,
		},
		{Key: models.FieldSuggestionText, Prompt: "Tell us which ones you would like the clinic to offer:"},
	},
}
