package cases

import (
	"strings"
	"time"
	"unicode"

	"github.com/google/uuid"
)

// NumberFunc produces a candidate case number for an organization.
type NumberFunc func(orgName string, now time.Time) string

// GenerateCaseNumber builds ORG-YYYYMMDD-XXXXXX from the first three
// alphanumerics of the organization name, the UTC date and a random suffix.
func GenerateCaseNumber(orgName string, now time.Time) string {
	var prefix []rune
	for _, r := range strings.ToUpper(orgName) {
		if unicode.IsLetter(r) || unicode.IsDigit(r) {
			prefix = append(prefix, r)
			if len(prefix) == 3 {
				break
			}
		}
	}
	if len(prefix) == 0 {
		prefix = []rune("ORG")
	}
	suffix := strings.ToUpper(strings.ReplaceAll(uuid.NewString(), "-", "")[:6])
	return string(prefix) + "-" + now.UTC().Format("20060102") + "-" + suffix
}
