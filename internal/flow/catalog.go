package flow

import (
	"fmt"
	"strings"

	"github.com/BTreeMap/IntakePipe/internal/models"
)

// Button ids for menu navigation. Route buttons always restart the selected route.
const (
	ButtonAppointment = "op_appointment"
	ButtonExam        = "op_exam"
	ButtonMore        = "op_more"
	ButtonReturnVisit = "op_return_visit"
	ButtonExamResult  = "op_exam_result"
	ButtonMore2       = "op_more_2"
	ButtonClinicInfo  = "op_clinic_info"
	ButtonEditAddress = "op_edit_address"
	ButtonMore3       = "op_more_3"
	ButtonInquiry     = "op_inquiry"
	ButtonSuggestion  = "op_suggestion"
	ButtonBackToStart = "op_back_to_start"
)

// Button ids for control stages.
const (
	ButtonPayInsurance   = "pay_insurance"
	ButtonPaySelf        = "pay_self"
	ButtonPatientSelf    = "patient_self"
	ButtonPatientOther   = "patient_other"
	ButtonDocYes         = "doc_yes"
	ButtonDocNo          = "doc_no"
	ButtonComplementYes  = "compl_yes"
	ButtonComplementNo   = "compl_no"
	ButtonConfirm        = "confirm_yes"
	ButtonCorrect        = "confirm_fix"
	ButtonSuggestSpecial = "sug_specialties"
	ButtonSuggestExams   = "sug_exams"
)

// routeButtons maps navigation button ids to the route they open.
var routeButtons = map[string]models.Route{
	ButtonAppointment: models.RouteAppointment,
	ButtonExam:        models.RouteExam,
	ButtonMore:        models.RouteMenuMore,
	ButtonReturnVisit: models.RouteReturnVisit,
	ButtonExamResult:  models.RouteExamResult,
	ButtonMore2:       models.RouteMenuMore2,
	ButtonEditAddress: models.RouteEditAddress,
	ButtonMore3:       models.RouteMenuMore3,
	ButtonInquiry:     models.RouteInquiry,
	ButtonSuggestion:  models.RouteSuggestion,
	ButtonBackToStart: models.RouteRoot,
}

// menus lists the buttons shown for each navigation route.
var menus = map[models.Route][]models.Choice{
	models.RouteRoot: {
		{ID: ButtonAppointment, Label: "Book appointment"},
		{ID: ButtonExam, Label: "Book exam"},
		{ID: ButtonMore, Label: "More options"},
	},
	models.RouteMenuMore: {
		{ID: ButtonReturnVisit, Label: "Return visit"},
		{ID: ButtonExamResult, Label: "Exam result"},
		{ID: ButtonMore2, Label: "More options"},
	},
	models.RouteMenuMore2: {
		{ID: ButtonClinicInfo, Label: "Clinic address"},
		{ID: ButtonEditAddress, Label: "Update my address"},
		{ID: ButtonMore3, Label: "More options"},
	},
	models.RouteMenuMore3: {
		{ID: ButtonInquiry, Label: "Specialties & exams"},
		{ID: ButtonSuggestion, Label: "Suggestions"},
		{ID: ButtonBackToStart, Label: "Back to start"},
	},
}

var (
	paymentChoices = []models.Choice{
		{ID: ButtonPayInsurance, Label: models.PaymentInsurance},
		{ID: ButtonPaySelf, Label: models.PaymentSelfPay},
	}
	patientChoices = []models.Choice{
		{ID: ButtonPatientSelf, Label: "Myself"},
		{ID: ButtonPatientOther, Label: "Someone else"},
	}
	docChoices = []models.Choice{
		{ID: ButtonDocYes, Label: "Yes"},
		{ID: ButtonDocNo, Label: "No"},
	}
	complementChoices = []models.Choice{
		{ID: ButtonComplementYes, Label: "Yes"},
		{ID: ButtonComplementNo, Label: "No"},
	}
	confirmChoices = []models.Choice{
		{ID: ButtonConfirm, Label: "Confirm"},
		{ID: ButtonCorrect, Label: "Correct"},
	}
	suggestionChoices = []models.Choice{
		{ID: ButtonSuggestSpecial, Label: "Specialties"},
		{ID: ButtonSuggestExams, Label: "Exams"},
	}
)

// Specialties offered by the clinic, shown as a numbered menu.
var Specialties = []string{
	"General practice",
	"Pediatrics",
	"Dermatology",
	"Cardiology",
	"Gynecology",
	"Orthopedics",
	"Ophthalmology",
	"Dentistry",
	"Psychology",
	"Otolaryngology",
	"Endocrinology",
	"Urology",
	"Neurology",
	"Nutrition",
	"Physiotherapy",
}

// Origin survey answers. Referral and Other ask for a detail.
const (
	OriginReferral = "Referral"
	OriginOther    = "Other"
)

var originChoices = []models.Choice{
	{ID: "origin_instagram", Label: "Instagram"},
	{ID: "origin_facebook", Label: "Facebook"},
	{ID: "origin_google", Label: "Google"},
	{ID: "origin_referral", Label: OriginReferral},
	{ID: "origin_walk_by", Label: "Walked by the clinic"},
	{ID: "origin_other", Label: OriginOther},
}

func specialtyChoices() []models.Choice {
	out := make([]models.Choice, len(Specialties))
	for i, s := range Specialties {
		out[i] = models.Choice{ID: fmt.Sprintf("spec_%d", i+1), Label: s}
	}
	return out
}

// ClinicInfo is the static contact card sent from the menu.
type ClinicInfo struct {
	Name      string
	Address   string
	Phone     string
	Website   string
	Instagram string
	Hours     string
}

// DefaultClinicInfo is used when no clinic details are configured.
var DefaultClinicInfo = ClinicInfo{
	Name:    "our clinic",
	Address: "Address available at the front desk",
	Hours:   "Mon-Fri 8am-6pm, Sat 8am-12pm",
}

// Text renders the contact card.
func (c ClinicInfo) Text() string {
	var b strings.Builder
	fmt.Fprintf(&b, "📍 %s\n%s", c.Name, c.Address)
	if c.Hours != "" {
		fmt.Fprintf(&b, "\nHours: %s", c.Hours)
	}
	if c.Phone != "" {
		fmt.Fprintf(&b, "\nPhone: %s", c.Phone)
	}
	if c.Website != "" {
		fmt.Fprintf(&b, "\nWebsite: %s", c.Website)
	}
	if c.Instagram != "" {
		fmt.Fprintf(&b, "\nInstagram: %s", c.Instagram)
	}
	return b.String()
}

// User-facing copy.
const (
	msgAnythingElse      = "Can I help you with anything else?"
	msgMoreOptions       = "More options:"
	msgSessionExpired    = "Your previous conversation expired after a period of inactivity, so we are starting over."
	msgPickOption        = "Please choose one of the options."
	msgUseText           = "Please type your answer."
	msgCorrecting        = "No problem, let's fix it. First:"
	msgPostalFound       = "Found: %s"
	msgPostalNotFound    = "I couldn't find that postal code. Send the 8 digits again or type your full address (street, number, neighborhood, city)."
	msgPostalUnavailable = "The address lookup is unavailable right now. Send the 8-digit postal code again or type your full address (street, number, neighborhood, city)."
	msgAppointmentClosed = "✅ Request received! Our team will contact you shortly to confirm the date and time of your appointment."
	msgExamClosed        = "✅ Request received! Our team will contact you shortly to schedule your exam."
	msgRequestReceived   = "✅ Received! Our team will check and get back to you."
	msgAddressUpdated    = "✅ Address updated:\n%s"
	msgInquiryReceived   = "✅ Thanks! Our team will send you the information you asked for."
	msgSuggestionThanks  = "🙏 Thank you for the suggestion! It helps us improve every day."
	msgSuggestionIntro   = "💡 Help us improve! Tell us which specialties or exams you would like us to offer."
	msgConfirmHeader     = "✅ Please confirm your details:"
	msgIsThisCorrect     = "Is everything correct?"
)

func welcome(profileName, clinic string) string {
	first := strings.Fields(profileName)
	if len(first) > 0 {
		return fmt.Sprintf("Hello, %s! 👋 Welcome to %s. How can we help you today?", first[0], clinic)
	}
	return fmt.Sprintf("Hello! 👋 Welcome to %s. How can we help you today?", clinic)
}

