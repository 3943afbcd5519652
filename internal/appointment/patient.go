package appointment

import (
	"fmt"
	"strings"

	"github.com/nyaruka/phonenumbers"
)

const defaultPhoneRegion = "BR"

// NormalizePhone returns the E.164 form of raw, read as a Brazilian number
// when it has no country code.
func NormalizePhone(raw string) (string, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return "", invalid("phone", "required")
	}
	number, err := phonenumbers.Parse(trimmed, defaultPhoneRegion)
	if err != nil {
		return "", &ValidationError{Field: "phone", Reason: "unparseable", Err: err}
	}
	if !phonenumbers.IsValidNumber(number) {
		return "", invalid("phone", fmt.Sprintf("%q is not a valid number", trimmed))
	}
	return phonenumbers.Format(number, phonenumbers.E164), nil
}
