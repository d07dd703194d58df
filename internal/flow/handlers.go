package flow

import (
	"context"
	"strconv"
	"strings"

	"github.com/BTreeMap/IntakePipe/internal/models"
)

type stageHandler func(t *turn, ctx context.Context, f Field)

// stageHandlers dispatches stages that need more than the generic field handler.
var stageHandlers = map[models.FieldKey]stageHandler{
	models.FieldPaymentForm:        choiceHandler(applyPayment),
	models.StagePatientTarget:      choiceHandler(applyPatientTarget),
	models.StagePatientDocChoice:   choiceHandler(applyPatientDoc),
	models.StageComplementChoice:   choiceHandler(applyComplement),
	models.FieldOrigin:             choiceHandler(applyOrigin),
	models.FieldSuggestionCategory: choiceHandler(applySuggestionCategory),
	models.StageConfirm:            (*turn).handleConfirm,
	models.FieldPostalCode:         (*turn).handlePostalCode,
}

// handleField validates a typed answer (or the label of a tapped option) and stores its
// canonical form.
func (t *turn) handleField(ctx context.Context, f Field) {
	raw, ok := answerText(f, t.ev)
	if !ok {
		t.say(msgUseText)
		t.ask(f)
		return
	}
	if err := Validate(f.Key, raw, t.s); err != nil {
		t.reject(f, err)
		return
	}
	t.s.Set(f.Key, Normalize(f.Key, raw))
	t.advance(ctx)
}

func answerText(f Field, ev models.InboundEvent) (string, bool) {
	if ev.Kind == models.EventText {
		return ev.Body, true
	}
	for _, o := range f.Options {
		if o.ID == ev.ButtonID {
			return o.Label, true
		}
	}
	return "", false
}

// choiceHandler wraps apply with option matching. Unmatched answers repeat the question.
func choiceHandler(apply func(s *models.Session, c models.Choice)) stageHandler {
	return func(t *turn, ctx context.Context, f Field) {
		c, ok := matchChoice(f, t.ev)
		if !ok {
			t.e.metrics.ObserveValidationFailure(string(f.Key))
			t.say(msgPickOption)
			t.ask(f)
			return
		}
		apply(t.s, c)
		t.advance(ctx)
	}
}

// matchChoice resolves an event to one of f's options: by button id, by ordinal, by label,
// by yes/no words for yes/no questions, or by the payment-form normalizer.
func matchChoice(f Field, ev models.InboundEvent) (models.Choice, bool) {
	if ev.Kind == models.EventButton {
		for _, o := range f.Options {
			if o.ID == ev.ButtonID {
				return o, true
			}
		}
		return models.Choice{}, false
	}
	body := strings.TrimSpace(ev.Body)
	if c, ok := matchOption(f.Options, body); ok {
		return c, true
	}
	if f.YesNo && len(f.Options) == 2 {
		switch {
		case isYes(body):
			return f.Options[0], true
		case isNo(body):
			return f.Options[1], true
		}
	}
	if f.Key == models.FieldPaymentForm {
		if v := Normalize(f.Key, body); v != "" {
			for _, o := range f.Options {
				if o.Label == v {
					return o, true
				}
			}
		}
	}
	return models.Choice{}, false
}

// matchOption picks an option by 1-based ordinal or case-insensitive label.
func matchOption(options []models.Choice, body string) (models.Choice, bool) {
	body = strings.TrimSpace(body)
	if n, err := strconv.Atoi(body); err == nil {
		if n >= 1 && n <= len(options) {
			return options[n-1], true
		}
		return models.Choice{}, false
	}
	for _, o := range options {
		if strings.EqualFold(o.Label, body) {
			return o, true
		}
	}
	return models.Choice{}, false
}

func applyPayment(s *models.Session, c models.Choice) {
	s.Set(models.FieldPaymentForm, c.Label)
}

func applyPatientTarget(s *models.Session, c models.Choice) {
	s.Flags.PatientTargetDecided = true
	s.Flags.PatientIsOther = c.ID == ButtonPatientOther
}

func applyPatientDoc(s *models.Session, c models.Choice) {
	s.Flags.PatientDocDecided = true
	s.Flags.PatientHasDoc = c.ID == ButtonDocYes
}

func applyComplement(s *models.Session, c models.Choice) {
	s.Flags.ComplementDecided = true
	s.Flags.HasComplement = c.ID == ButtonComplementYes
}

func applyOrigin(s *models.Session, c models.Choice) {
	s.Set(models.FieldOrigin, c.Label)
}

func applySuggestionCategory(s *models.Session, c models.Choice) {
	s.Set(models.FieldSuggestionCategory, c.Label)
}

// handleConfirm finalizes on Confirm and restarts the form on Correct.
func (t *turn) handleConfirm(ctx context.Context, f Field) {
	c, ok := matchChoice(f, t.ev)
	if !ok {
		t.say(msgPickOption)
		t.ask(f)
		return
	}
	if c.ID == ButtonCorrect {
		t.correct(ctx)
		return
	}
	t.s.Flags.Confirmed = true
	t.advance(ctx)
}
