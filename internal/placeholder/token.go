// Package placeholder discovers {{token}} placeholders in spreadsheet templates
// and classifies them.
package placeholder

import (
	"regexp"
	"strconv"
	"strings"
)

// Kind classifies a placeholder token.
type Kind string

const (
	KindScalar    Kind = "scalar"
	KindRow       Kind = "row"
	KindSignature Kind = "signature"
	KindBreak     Kind = "break"
)

// BreakToken is a layout marker, never a data field.
const BreakToken = "_break"

var (
	signaturePattern = regexp.MustCompile(`(?i)^signature(\d*)$`)
	rowPattern       = regexp.MustCompile(`^(.*?)(\d+)$`)
)

// Token is a placeholder parsed once into its kind.
type Token struct {
	Raw   string `json:"raw"`
	Kind  Kind   `json:"kind"`
	Name  string `json:"name,omitempty"`
	Row   int    `json:"row,omitempty"`
	Level int    `json:"level,omitempty"`
}

// Parse classifies a raw placeholder.
//
// signature, signature1 and signature3 are signature slots (a bare
// "signature" is level 1). Any other token ending in digits is a row field
// (description3 -> description, row 3). Everything else is a scalar.
func Parse(raw string) Token {
	if raw == BreakToken {
		return Token{Raw: raw, Kind: KindBreak}
	}
	if m := signaturePattern.FindStringSubmatch(raw); m != nil {
		level := 1
		if m[1] != "" {
			n, err := strconv.Atoi(m[1])
			if err != nil || n < 1 {
				// No signatory can hold an unrepresentable or zero level.
				return Token{Raw: raw, Kind: KindScalar, Name: raw}
			}
			level = n
		}
		return Token{Raw: raw, Kind: KindSignature, Name: "signature", Level: level}
	}
	if m := rowPattern.FindStringSubmatch(raw); m != nil {
		if n, err := strconv.Atoi(m[2]); err == nil {
			return Token{Raw: raw, Kind: KindRow, Name: m[1], Row: n}
		}
	}
	return Token{Raw: raw, Kind: KindScalar, Name: raw}
}

// SignatureToken is the placeholder of the signature slot at level.
func SignatureToken(level int) string {
	return "signature" + strconv.Itoa(level)
}

// Companion placeholders are filled alongside a signature of the same level.
func NameToken(level int) string        { return "name" + strconv.Itoa(level) + ":" }
func DesignationToken(level int) string { return "designation" + strconv.Itoa(level) + ":" }
func DateToken(level int) string        { return "date" + strconv.Itoa(level) + ":" }

// Companions lists the companion placeholders of level.
func Companions(level int) []string {
	return []string{NameToken(level), DesignationToken(level), DateToken(level)}
}

// CompanionLevel reports the signature level a companion placeholder belongs
// to, or false if raw is not a companion.
func CompanionLevel(raw string) (int, bool) {
	if !strings.HasSuffix(raw, ":") {
		return 0, false
	}
	body := strings.TrimSuffix(raw, ":")
	for _, prefix := range []string{"name", "designation", "date"} {
		if !strings.HasPrefix(body, prefix) {
			continue
		}
		n, err := strconv.Atoi(body[len(prefix):])
		if err == nil && n > 0 {
			return n, true
		}
	}
	return 0, false
}

// Label turns a placeholder into a human label: trailing colons dropped,
// camelCase and underscores split into words.
func Label(raw string) string {
	raw = strings.TrimSuffix(raw, ":")
	var b strings.Builder
	prevLower := false
	for _, r := range raw {
		switch {
		case r == '_' || r == '-':
			b.WriteByte(' ')
			prevLower = false
			continue
		case r >= 'A' && r <= 'Z' && prevLower:
			b.WriteByte(' ')
		}
		b.WriteRune(r)
		prevLower = (r >= 'a' && r <= 'z') || (r >= '0' && r <= '9')
	}
	label := strings.TrimSpace(b.String())
	if label == "" {
		return raw
	}
	return strings.ToUpper(label[:1]) + label[1:]
}
