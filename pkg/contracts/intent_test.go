package contracts

import (
	"errors"
	"testing"
)

func TestTransitionGraph(t *testing.T) {
	legal := []struct{ from, to IntentStatus }{
		{StatusCreated, StatusRequiresAction},
		{StatusCreated, StatusProcessing},
		{StatusCreated, StatusFailed},
		{StatusCreated, StatusCanceled},
		{StatusRequiresAction, StatusProcessing},
		{StatusRequiresAction, StatusFailed},
		{StatusRequiresAction, StatusCanceled},
		{StatusProcessing, StatusSucceeded},
		{StatusProcessing, StatusFailed},
	}
	for _, c := range legal {
		if !CanTransition(c.from, c.to) {
			t.Errorf("expected %s -> %s to be legal", c.from, c.to)
		}
	}

	illegal := []struct{ from, to IntentStatus }{
		{StatusProcessing, StatusCanceled}, // settlement already dispatched
		{StatusSucceeded, StatusFailed},
		{StatusSucceeded, StatusCanceled},
		{StatusFailed, StatusProcessing},
		{StatusCanceled, StatusCreated},
		{StatusCreated, StatusSucceeded}, // must pass through processing
		{StatusRequiresAction, StatusSucceeded},
	}
	for _, c := range illegal {
		if CanTransition(c.from, c.to) {
			t.Errorf("expected %s -> %s to be illegal", c.from, c.to)
		}
	}
}

func TestTerminalStatuses(t *testing.T) {
	for _, s := range []IntentStatus{StatusSucceeded, StatusFailed, StatusCanceled} {
		if !s.IsTerminal() {
			t.Errorf("%s should be terminal", s)
		}
	}
	for _, s := range []IntentStatus{StatusCreated, StatusRequiresAction, StatusProcessing} {
		if s.IsTerminal() {
			t.Errorf("%s should not be terminal", s)
		}
	}
}

func TestEventForStatusCoversAll(t *testing.T) {
	for _, s := range []IntentStatus{
		StatusCreated, StatusRequiresAction, StatusProcessing,
		StatusSucceeded, StatusFailed, StatusCanceled,
	} {
		if EventForStatus(s) == "" {
			t.Errorf("no event type for status %s", s)
		}
	}
}

func TestCloneIsDeep(t *testing.T) {
	orig := &PaymentIntent{
		ID:       "pi_x",
		Metadata: map[string]string{"order": "42"},
		Risk:     &RiskAssessment{Score: 0.3, Decision: RiskAllow},
	}
	cp := orig.Clone()

	cp.Metadata["order"] = "changed"
	cp.Risk.Score = 0.9

	if orig.Metadata["order"] != "42" {
		t.Error("Clone shares metadata map")
	}
	if orig.Risk.Score != 0.3 {
		t.Error("Clone shares risk snapshot")
	}
}

func TestErrorClasses(t *testing.T) {
	verr := Invalid("amount", "must be positive")
	if !errors.Is(verr, ErrValidation) {
		t.Error("ValidationError should match ErrValidation")
	}

	var ve *ValidationError
	if !errors.As(verr, &ve) || ve.Field != "amount" {
		t.Error("errors.As should recover the field")
	}

	rle := &RateLimitError{RetryAfter: 0}
	if !errors.Is(rle, ErrRateLimited) {
		t.Error("RateLimitError should match ErrRateLimited")
	}
}
