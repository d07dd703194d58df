package flow

import (
	"strconv"
	"strings"
	"time"
	"unicode"

	"github.com/BTreeMap/IntakePipe/internal/models"
)

// ValidationError is a user-facing rejection of an answer.
type ValidationError struct {
	Field   models.FieldKey
	Message string
}

func (e *ValidationError) Error() string {
	return e.Message
}

func invalid(key models.FieldKey, msg string) error {
	return &ValidationError{Field: key, Message: msg}
}

const birthDateLayout = "02/01/2006"

// Validate checks a raw answer for key against the rules for that field.
// Rules that depend on earlier answers read them from s, which may be nil.
func Validate(key models.FieldKey, raw string, s *models.Session) error {
	v := strings.TrimSpace(raw)
	switch key {
	case models.FieldNationalID:
		if len(digitsOnly(v)) != 11 {
			return invalid(key, "Invalid CPF. It must have 11 digits.")
		}
	case models.FieldBirthDate, models.FieldPatientBirthDate:
		if _, err := time.Parse(birthDateLayout, Normalize(key, v)); err != nil {
			return invalid(key, "Invalid date. Use the format DD/MM/YYYY.")
		}
	case models.FieldPostalCode:
		if len(digitsOnly(v)) != 8 {
			return invalid(key, "Invalid postal code (8 digits).")
		}
	case models.FieldStreetNumber:
		if v == "" {
			return invalid(key, "Please enter the street number.")
		}
	case models.FieldPaymentForm:
		if Normalize(key, v) == "" {
			return invalid(key, "Please answer Insurance or Self-pay.")
		}
	case models.FieldInsurer:
		if v == "" && (s == nil || s.Get(models.FieldPaymentForm) == models.PaymentInsurance) {
			return invalid(key, "Please enter the name of your insurance plan.")
		}
	case models.FieldSpecialty:
		if v == "" {
			return invalid(key, "Required.")
		}
		if n, err := strconv.Atoi(v); err == nil && (n < 1 || n > len(Specialties)) {
			return invalid(key, "Please pick a number from the list.")
		}
	default:
		if v == "" {
			return invalid(key, "Required.")
		}
	}
	return nil
}

// Normalize returns the canonical form of a raw answer for key.
func Normalize(key models.FieldKey, raw string) string {
	v := strings.TrimSpace(raw)
	switch key {
	case models.FieldNationalID:
		return digitsOnly(v)
	case models.FieldBirthDate, models.FieldPatientBirthDate:
		if d := digitsOnly(v); len(d) == 8 && len(d) == len(v) {
			return d[:2] + "/" + d[2:4] + "/" + d[4:]
		}
		return strings.ReplaceAll(v, "-", "/")
	case models.FieldPostalCode:
		d := digitsOnly(v)
		if len(d) > 8 {
			d = d[:8]
		}
		return d
	case models.FieldPaymentForm:
		l := strings.ToLower(v)
		switch {
		case strings.Contains(l, "insur"), strings.Contains(l, "conv"):
			return models.PaymentInsurance
		case strings.Contains(l, "self"), strings.Contains(l, "private"), strings.Contains(l, "part"):
			return models.PaymentSelfPay
		}
		return ""
	case models.FieldSpecialty:
		return canonicalSpecialty(v)
	}
	return v
}

func canonicalSpecialty(v string) string {
	if n, err := strconv.Atoi(v); err == nil && n >= 1 && n <= len(Specialties) {
		return Specialties[n-1]
	}
	for _, s := range Specialties {
		if strings.EqualFold(s, v) {
			return s
		}
	}
	return v
}

func digitsOnly(s string) string {
	return strings.Map(func(r rune) rune {
		if r >= '0' && r <= '9' {
			return r
		}
		return -1
	}, s)
}

func isYes(s string) bool {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "yes", "y", "sim", "s":
		return true
	}
	return false
}

func isNo(s string) bool {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "no", "n", "nao", "não":
		return true
	}
	return false
}

// looksLikeFullAddress accepts a typed address as a substitute for a failed lookup.
func looksLikeFullAddress(s string) bool {
	v := strings.TrimSpace(s)
	if len([]rune(v)) < 10 {
		return false
	}
	var letters, digits bool
	for _, r := range v {
		switch {
		case unicode.IsLetter(r):
			letters = true
		case unicode.IsDigit(r):
			digits = true
		}
	}
	return letters && digits
}
