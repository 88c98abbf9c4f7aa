package workflow

import (
	"strings"
	"unicode/utf8"

	"griddesk/internal/model"

	validation "github.com/go-ozzo/ozzo-validation/v4"
)

// ReasonMaxLength caps the cancellation reason. The backend stores it as
// free text with no documented bound, so the cap is enforced client-side.
const ReasonMaxLength = 500

// IsNonEmptyTrimmed reports whether s contains anything beyond whitespace
func IsNonEmptyTrimmed(s string) bool {
	return strings.TrimSpace(s) != ""
}

// IsWithinLength reports whether s is at most max runes long
func IsWithinLength(s string, max int) bool {
	return utf8.RuneCountInString(s) <= max
}

// BuildCancellationErrors computes the field-level validation errors that
// gate submission. Deterministic and total: it never panics and performs no
// I/O, so the controller can call it inside every transition. An empty map
// means submission is permitted.
func BuildCancellationErrors(st model.WorkflowState) map[string]string {
	errs := make(map[string]string)

	reason := strings.TrimSpace(st.Reason)
	if err := validation.Validate(reason,
		validation.Required.Error("reason is required"),
		validation.RuneLength(0, ReasonMaxLength).Error("reason is too long"),
	); err != nil {
		errs["reason"] = err.Error()
	}

	switch st.Mode {
	case model.ModeByReference:
		ref := strings.TrimSpace(st.ReferenceText)
		switch {
		case ref == "":
			errs["reference"] = "payment reference is required"
		case st.ReferenceLookup == nil || st.ReferenceLookup.Reference != ref:
			// An edited reference invalidates the previous lookup, so a
			// stale verification can never authorize a cancellation.
			errs["reference"] = "payment reference must be verified"
		}
	case model.ModeByMeter:
		if st.SelectedCandidate == nil {
			errs["candidate"] = "a transaction must be selected"
		}
	default:
		errs["mode"] = "unknown cancellation mode"
	}

	if len(errs) == 0 {
		return nil
	}
	return errs
}
