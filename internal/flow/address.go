package flow

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/BTreeMap/IntakePipe/internal/models"
)

// ErrPostalCodeNotFound is returned by an AddressLookup when the code does not exist.
var ErrPostalCodeNotFound = models.ErrPostalCodeNotFound

// AssembleAddress renders the mailing address from lookup components, number and complement:
// "<street>, <number>[ - <complement>] - <neighborhood> - <city>/<state> - CEP <12345-678>".
// Empty components are skipped.
func AssembleAddress(a models.Address, number, complement string) string {
	head := strings.TrimSpace(a.Street)
	if n := strings.TrimSpace(number); n != "" {
		if head != "" {
			head += ", " + n
		} else {
			head = n
		}
	}
	if c := strings.TrimSpace(complement); c != "" {
		head += " - " + c
	}

	parts := []string{head}
	if nb := strings.TrimSpace(a.Neighborhood); nb != "" {
		parts = append(parts, nb)
	}
	city := strings.TrimSpace(a.City)
	if st := strings.TrimSpace(a.State); st != "" {
		city = strings.TrimSuffix(city+"/"+st, "/")
		city = strings.TrimPrefix(city, "/")
	}
	if city != "" {
		parts = append(parts, city)
	}
	if a.PostalCode != "" {
		parts = append(parts, "CEP "+models.FormatPostalCode(a.PostalCode))
	}
	return strings.Join(parts, " - ")
}

// handlePostalCode validates the code, resolves it through the lookup collaborator and
// stores the components for later assembly. After a failed lookup, a typed full address is
// accepted in place of the code.
func (t *turn) handlePostalCode(ctx context.Context, f Field) {
	s := t.s
	raw := t.ev.Body
	if t.ev.Kind != models.EventText {
		t.say(msgUseText)
		t.ask(f)
		return
	}

	if err := Validate(f.Key, raw, s); err != nil {
		if s.Flags.LookupFailed && looksLikeFullAddress(raw) {
			slog.Info("Engine.handlePostalCode: accepting typed address after failed lookup", "contactID", s.ContactID, "route", s.Route)
			s.Set(models.FieldAddress, strings.TrimSpace(raw))
			s.Flags.LookupFailed = false
			t.advance(ctx)
			return
		}
		t.reject(f, err)
		return
	}

	code := Normalize(f.Key, raw)
	addr, err := t.e.lookupAddress(ctx, code)
	if err != nil {
		s.Flags.LookupFailed = true
		s.PostalLookup = nil
		if errors.Is(err, ErrPostalCodeNotFound) {
			slog.Info("Engine.handlePostalCode: postal code not found", "contactID", s.ContactID, "postalCode", code)
			t.e.metrics.ObserveLookup("not_found")
			t.say(msgPostalNotFound)
		} else {
			slog.Warn("Engine.handlePostalCode: lookup failed", "contactID", s.ContactID, "postalCode", code, "error", err)
			t.e.metrics.ObserveLookup("error")
			t.say(msgPostalUnavailable)
		}
		return
	}

	t.e.metrics.ObserveLookup("found")
	if addr.PostalCode == "" {
		addr.PostalCode = code
	}
	s.Flags.LookupFailed = false
	s.PostalLookup = &addr
	s.Set(models.FieldPostalCode, code)
	t.say(fmt.Sprintf(msgPostalFound, AssembleAddress(addr, "", "")))
	t.advance(ctx)
}

// assembleIfReady fills the address field once code, number and complement are settled.
func assembleIfReady(s *models.Session) bool {
	if s.Has(models.FieldAddress) || s.PostalLookup == nil {
		return false
	}
	if !s.Has(models.FieldPostalCode) || !s.Has(models.FieldStreetNumber) || !s.Flags.ComplementDecided {
		return false
	}
	if s.Flags.HasComplement && !s.Has(models.FieldComplement) {
		return false
	}
	s.Set(models.FieldAddress, AssembleAddress(*s.PostalLookup, s.Get(models.FieldStreetNumber), s.Get(models.FieldComplement)))
	return true
}
