package monitor

import (
	"encoding/json"
	"fmt"
	"html"
	"regexp"
	"strings"

	"github.com/tailscale/hujson"
)

// excerptLen bounds how much offending text a ParseError carries.
const excerptLen = 800

// ParseError means every decode strategy rejected a portal response.
type ParseError struct {
	Excerpt string
	Reasons []string
}

func (e *ParseError) Error() string {
	return fmt.Sprintf("undecodable portal response: %s", strings.Join(e.Reasons, "; "))
}

// SiteList is one page of the portal's site listing.
type SiteList struct {
	Records    []SiteRecord `json:"records"`
	TotalCount int          `json:"totalCount"`
}

// SiteRecord is one raw site row from the portal listing. Fields stay
// as the portal sends them; mapping to types.Site happens in
// pkg/importer.
type SiteRecord struct {
	ID                int64      `json:"id"`
	URLName           string     `json:"urlName"`
	Name              string     `json:"name"`
	Type              string     `json:"type"`
	Status            int        `json:"status"`
	LastReportingTime string     `json:"lastReportingTime"`
	InstallationDate  string     `json:"installationDate"`
	Country           string     `json:"country"`
	State             string     `json:"state"`
	City              string     `json:"city"`
	Zip               string     `json:"zip"`
	Address           string     `json:"address"`
	SecondaryAddress  string     `json:"secondaryAddress"`
	Location          string     `json:"location"`
	Latitude          float64    `json:"latitude"`
	Longitude         float64    `json:"longitude"`
	PeakPower         PowerValue `json:"peakPower"`
}

// PowerValue tolerates the portal sending peak power as either a bare
// number or a display string like "7.2 kWp".
type PowerValue string

func (p *PowerValue) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err == nil {
		*p = PowerValue(s)
		return nil
	}
	var n json.Number
	if err := json.Unmarshal(data, &n); err != nil {
		return fmt.Errorf("peakPower is neither string nor number: %s", data)
	}
	*p = PowerValue(n.String())
	return nil
}

// decodeStrategies are tried in order; the first success wins.
var decodeStrategies = []struct {
	name string
	fn   func([]byte) (*SiteList, error)
}{
	{"strict", decodeStrict},
	{"cleanup", decodeCleanup},
	{"hujson", decodeHuJSON},
}

// DecodeSiteList parses a site-list response body, tolerating the
// malformed JSON the portal has been seen to emit under error
// conditions. It is a pure function with no side effects.
func DecodeSiteList(data []byte) (*SiteList, error) {
	var reasons []string
	for _, s := range decodeStrategies {
		list, err := s.fn(data)
		if err == nil {
			return list, nil
		}
		reasons = append(reasons, fmt.Sprintf("%s: %v", s.name, err))
	}
	return nil, &ParseError{
		Excerpt: excerpt(data),
		Reasons: reasons,
	}
}

func excerpt(data []byte) string {
	if len(data) > excerptLen {
		data = data[:excerptLen]
	}
	return string(data)
}

func decodeStrict(data []byte) (*SiteList, error) {
	var list SiteList
	if err := json.Unmarshal(data, &list); err != nil {
		return nil, err
	}
	// an empty page decodes to an empty non-nil slice; nil means the
	// key itself was absent
	if list.Records == nil {
		return nil, fmt.Errorf("response has no %q key", "records")
	}
	return &list, nil
}

func decodeCleanup(data []byte) (*SiteList, error) {
	return decodeStrict(cleanup(data))
}

func decodeHuJSON(data []byte) (*SiteList, error) {
	std, err := hujson.Standardize(data)
	if err != nil {
		return nil, err
	}
	return decodeStrict(std)
}

var (
	// JavaScript view-state fields the portal leaks into listings,
	// e.g. `viewDashboard: fieldAccessDirective,`
	viewFieldRE = regexp.MustCompile(`\s*view[A-Za-z]+\s*:\s*[^,\n]+,?`)
	// unevaluated boolean expressions, e.g. `"x": true && a.b,`
	boolExprRE = regexp.MustCompile(`\s*:\s*true\s*&&[^,]*,`)
	// trailing commas before a closing brace/bracket
	trailingCommaRE = regexp.MustCompile(`,\s*([}\]])`)
	// a backslash plus whatever follows it; validity is checked in
	// code since RE2 has no lookahead
	backslashRE = regexp.MustCompile(`\\[\s\S]?`)
)

// cleanup applies fixes for the malformations observed in the wild
// before re-attempting a strict parse.
func cleanup(data []byte) []byte {
	s := string(data)
	s = viewFieldRE.ReplaceAllString(s, "")
	s = boolExprRE.ReplaceAllString(s, ": false,")
	s = trailingCommaRE.ReplaceAllString(s, "$1")
	s = backslashRE.ReplaceAllStringFunc(s, func(m string) string {
		if len(m) == 2 && strings.ContainsRune(`"\/bfnrtu`, rune(m[1])) {
			return m
		}
		return `\\` + m[1:]
	})
	s = html.UnescapeString(s)
	s = stripControlChars(s)
	return []byte(s)
}

// stripControlChars drops raw control characters that are invalid
// inside JSON strings, keeping the whitespace JSON allows between
// tokens.
func stripControlChars(s string) string {
	return strings.Map(func(r rune) rune {
		if r < 0x20 && r != '\t' && r != '\n' && r != '\r' {
			return -1
		}
		return r
	}, s)
}
