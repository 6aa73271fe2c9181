package claims

import (
	"fmt"
	"regexp"
	"strings"
)

var postalCodeRe = regexp.MustCompile(`\b(\d{5})\b`)

// MaskAddress reduces a precise street address to "City (DD)", exposing
// only the city and the two-digit department. The city is the text
// following the postal code inside its comma segment, falling back to the
// text before the code in that segment. Without a postal code the last
// comma segment wins, then the last two words of the address.
func MaskAddress(addr string) string {
	addr = strings.TrimSpace(addr)
	if addr == "" {
		return ""
	}
	if loc := postalCodeRe.FindStringIndex(addr); loc != nil {
		code := addr[loc[0]:loc[1]]
		dept := code[:2]
		segStart := strings.LastIndex(addr[:loc[0]], ",") + 1
		segEnd := len(addr)
		if i := strings.Index(addr[loc[1]:], ","); i >= 0 {
			segEnd = loc[1] + i
		}
		city := strings.TrimSpace(addr[loc[1]:segEnd])
		if city == "" {
			city = strings.TrimSpace(addr[segStart:loc[0]])
		}
		if city == "" {
			return fmt.Sprintf("(%s)", dept)
		}
		return fmt.Sprintf("%s (%s)", city, dept)
	}
	if i := strings.LastIndex(addr, ","); i >= 0 {
		if seg := strings.TrimSpace(addr[i+1:]); seg != "" {
			return seg
		}
	}
	words := strings.Fields(addr)
	if len(words) <= 2 {
		return strings.Join(words, " ")
	}
	return strings.Join(words[len(words)-2:], " ")
}
