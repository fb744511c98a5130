package call

import (
	"errors"
	"strings"
)

// ErrInvalidCallerID is returned by [NormalizeCallerID] for empty input.
var ErrInvalidCallerID = errors.New("call: invalid caller id")

// NormalizeCallerID reduces the many spellings of a caller identity to one
// lookup key. Telephone numbers become "+" followed by digits; "tel:" and
// "sip:" URIs are unwrapped first, and a leading international "00" is
// treated like "+". Non-numeric SIP users (such as "anonymous") are returned
// lower-cased.
//
//	"tel:+1-555-000-1234"          -> "+15550001234"
//	"sip:+4930123@pbx.example;u=p" -> "+4930123"
//	"(555) 000 1234"               -> "+5550001234"
//	"0049 30 123"                  -> "+4930123"
func NormalizeCallerID(raw string) (string, error) {
	s := strings.TrimSpace(raw)
	lower := strings.ToLower(s)
	for _, scheme := range []string{"tel:", "sips:", "sip:"} {
		if strings.HasPrefix(lower, scheme) {
			s = s[len(scheme):]
			break
		}
	}
	if i := strings.IndexAny(s, "@;"); i >= 0 {
		s = s[:i]
	}
	s = strings.TrimSpace(s)
	if s == "" {
		return "", ErrInvalidCallerID
	}

	var digits strings.Builder
	for _, r := range s {
		switch {
		case r >= '0' && r <= '9':
			digits.WriteRune(r)
		case r == '+' || r == '-' || r == '.' || r == ' ' || r == '(' || r == ')':
		default:
			return strings.ToLower(s), nil
		}
	}
	d := digits.String()
	if d == "" {
		return "", ErrInvalidCallerID
	}
	if !strings.HasPrefix(s, "+") {
		d = strings.TrimPrefix(d, "00")
	}
	return "+" + d, nil
}
