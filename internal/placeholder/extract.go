package placeholder

import (
	"bytes"
	"errors"
	"fmt"
	"strings"

	"github.com/xuri/excelize/v2"
)

// ErrTemplateParse is returned when template bytes are not a readable workbook.
var ErrTemplateParse = errors.New("template parse error")

// Extract returns the distinct placeholders of the first sheet of an xlsx
// workbook, in first-seen order scanning rows top to bottom and cells left to
// right. Tokens are trimmed; empty tokens and unterminated "{{" are ignored.
func Extract(content []byte) ([]string, error) {
	f, err := excelize.OpenReader(bytes.NewReader(content))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrTemplateParse, err)
	}
	defer f.Close()

	sheets := f.GetSheetList()
	if len(sheets) == 0 {
		return nil, fmt.Errorf("%w: workbook has no sheets", ErrTemplateParse)
	}
	rows, err := f.GetRows(sheets[0])
	if err != nil {
		return nil, fmt.Errorf("%w: read sheet %q: %v", ErrTemplateParse, sheets[0], err)
	}

	seen := make(map[string]struct{})
	placeholders := make([]string, 0)
	for _, row := range rows {
		for _, cell := range row {
			for _, token := range Scan(cell) {
				if _, ok := seen[token]; ok {
					continue
				}
				seen[token] = struct{}{}
				placeholders = append(placeholders, token)
			}
		}
	}
	return placeholders, nil
}

// Scan returns the trimmed tokens of every non-overlapping {{...}} in text.
func Scan(text string) []string {
	var tokens []string
	for {
		start := strings.Index(text, "{{")
		if start < 0 {
			return tokens
		}
		rest := text[start+2:]
		end := strings.IndexByte(rest, '}')
		if end < 0 {
			return tokens
		}
		if !strings.HasPrefix(rest[end:], "}}") {
			text = rest[end+1:]
			continue
		}
		if token := strings.TrimSpace(rest[:end]); token != "" {
			tokens = append(tokens, token)
		}
		text = rest[end+2:]
	}
}

// Replace substitutes every {{token}} in text with values[token]; tokens
// without a value become empty strings.
func Replace(text string, values map[string]string) string {
	if !strings.Contains(text, "{{") {
		return text
	}
	var b strings.Builder
	for {
		start := strings.Index(text, "{{")
		if start < 0 {
			b.WriteString(text)
			return b.String()
		}
		rest := text[start+2:]
		end := strings.IndexByte(rest, '}')
		if end < 0 || !strings.HasPrefix(rest[end:], "}}") {
			cut := start + 2
			if end >= 0 {
				cut = start + 2 + end + 1
			}
			b.WriteString(text[:cut])
			text = text[cut:]
			continue
		}
		b.WriteString(text[:start])
		b.WriteString(values[strings.TrimSpace(rest[:end])])
		text = rest[end+2:]
	}
}
