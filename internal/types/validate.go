package types

import "regexp"

// phonePattern is the national format the gateway accepts: 254 followed by
// nine digits, e.g. 254712345678.
var phonePattern = regexp.MustCompile(`^254\d{9}$`)

// ValidPhone reports whether phone matches the required national format.
func ValidPhone(phone string) bool {
	return phonePattern.MatchString(phone)
}
