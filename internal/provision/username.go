package provision

import (
	"strings"

	"github.com/loginbridge/loginbridge/internal/settings"
)

// FormatUsername builds the base username for a new account from the
// profile's name parts according to the configured policy. The result is
// lowercased and stripped of anything outside [a-z0-9]; "Ana" + "Lee" with
// the first-last policy becomes "analee".
func FormatUsername(format settings.UsernameFormat, firstName, lastName string) string {
	var raw string
	switch format {
	case settings.FormatLastFirst:
		raw = lastName + firstName
	case settings.FormatFirstOnly:
		raw = firstName
	case settings.FormatLastOnly:
		raw = lastName
	default:
		raw = firstName + lastName
	}
	return slugify(raw)
}

func slugify(s string) string {
	var b strings.Builder
	for _, r := range strings.ToLower(s) {
		if (r >= 'a' && r <= 'z') || (r >= '0' && r <= '9') {
			b.WriteRune(r)
		}
	}
	return b.String()
}
