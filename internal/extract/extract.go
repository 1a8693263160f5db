// Package extract pulls structured fields out of noisy recognized receipt
// text. Every field is extracted by an ordered list of independent
// strategies: anchored strategies search near a label keyword, fallback
// strategies scan the whole document. Absence of a field is an empty string,
// never an error.
package extract

import (
	"regexp"
	"strconv"
	"strings"
)

// Result holds the best-effort fields extracted from recognized text.
// Empty fields mean the heuristics found nothing; the caller decides the
// fallback (manual entry, current date).
type Result struct {
	Date           string `json:"date"`            // YYYY-MM-DD
	DocumentNumber string `json:"document_number"` //
	Amount         string `json:"amount"`          // two fractional digits
}

// line pairs the raw text of a line with its normalized form used for
// anchor matching.
type line struct {
	raw  string
	norm string
}

// document is the pre-split, pre-normalized input shared by all strategies
type document struct {
	lines []line
}

// accentReplacer folds the Spanish diacritics that receipt OCR renders
// inconsistently, so anchors match "emisión" and "emision" alike.
var accentReplacer = strings.NewReplacer(
	"á", "a", "é", "e", "í", "i", "ó", "o", "ú", "u", "ü", "u", "ñ", "n",
	"Á", "a", "É", "e", "Í", "i", "Ó", "o", "Ú", "u", "Ü", "u", "Ñ", "n",
)

func normalize(s string) string {
	return accentReplacer.Replace(strings.ToLower(s))
}

func newDocument(text string) document {
	var doc document
	for _, raw := range strings.Split(text, "\n") {
		raw = strings.TrimSpace(raw)
		if raw == "" {
			continue
		}
		doc.lines = append(doc.lines, line{raw: raw, norm: normalize(raw)})
	}
	return doc
}

// Fields runs the full heuristic cascade over recognized text. Each field is
// independent: a miss in one never affects the others.
func Fields(text string) Result {
	doc := newDocument(text)
	return Result{
		Date:           extractDate(doc),
		DocumentNumber: extractDocumentNumber(doc),
		Amount:         extractAmount(doc),
	}
}

// ----------------------------------------------------------------------------
// Document number

// documentAnchors are the label tokens that localize an identifier search.
// Guatemalan electronic invoices (DTE) label the number with these.
var documentAnchors = []string{
	"numero de autorizacion",
	"autorizacion",
	"authorization",
	"serie",
	"series",
	"dte",
	"documento",
	"factura",
	"numero",
	"number",
}

// identifierPatterns match structured identifiers, strongest shape first
var identifierPatterns = []*regexp.Regexp{
	// UUID-shaped authorization numbers
	regexp.MustCompile(`[0-9A-Fa-f]{8}-[0-9A-Fa-f]{4}-[0-9A-Fa-f]{4}-[0-9A-Fa-f]{4}-[0-9A-Fa-f]{12}`),
	// hyphen-delimited alphanumeric groups
	regexp.MustCompile(`[A-Z0-9]{4,}(?:-[A-Z0-9]{4,})+`),
	// long plain numeric codes
	regexp.MustCompile(`[0-9]{8,}`),
}

// anchorWindow is how many lines below an anchor the identifier may sit
const anchorWindow = 3

func matchIdentifier(raw string) (string, bool) {
	for _, pattern := range identifierPatterns {
		if m := pattern.FindString(raw); m != "" {
			return m, true
		}
	}
	return "", false
}

func hasAnchor(norm string, anchors []string) bool {
	for _, anchor := range anchors {
		if strings.Contains(norm, anchor) {
			return true
		}
	}
	return false
}

// anchoredDocumentNumber searches each anchor line and the few lines below
// it for an identifier. First match under an anchor wins.
func anchoredDocumentNumber(doc document) (string, bool) {
	for i, ln := range doc.lines {
		if !hasAnchor(ln.norm, documentAnchors) {
			continue
		}
		for j := i; j <= i+anchorWindow && j < len(doc.lines); j++ {
			if id, ok := matchIdentifier(doc.lines[j].raw); ok {
				return id, true
			}
		}
	}
	return "", false
}

// anyIdentifier is the unanchored fallback: first identifier-shaped token
// anywhere in the document.
func anyIdentifier(doc document) (string, bool) {
	for _, ln := range doc.lines {
		if id, ok := matchIdentifier(ln.raw); ok {
			return id, true
		}
	}
	return "", false
}

var documentNumberStrategies = []func(document) (string, bool){
	anchoredDocumentNumber,
	anyIdentifier,
}

func extractDocumentNumber(doc document) string {
	for _, strategy := range documentNumberStrategies {
		if id, ok := strategy(doc); ok {
			return id
		}
	}
	return ""
}

// ----------------------------------------------------------------------------
// Amount

var amountAnchors = []string{"total", "monto", "valor"}

// currencyPattern matches a currency-marked decimal token (Q for quetzales,
// $ for OCR output that renders the symbol that way).
var currencyPattern = regexp.MustCompile(`[Q$]\s*([0-9]+(?:[.,][0-9]+)*)`)

// parseMoney converts a locale-ambiguous decimal token to a float. When both
// separators appear, the rightmost one is the decimal separator; a lone comma
// is a decimal comma.
func parseMoney(token string) (float64, bool) {
	lastComma := strings.LastIndex(token, ",")
	lastPeriod := strings.LastIndex(token, ".")

	switch {
	case lastComma >= 0 && lastPeriod >= 0:
		if lastComma > lastPeriod {
			token = strings.ReplaceAll(token, ".", "")
			token = strings.Replace(token, ",", ".", 1)
		} else {
			token = strings.ReplaceAll(token, ",", "")
		}
	case lastComma >= 0:
		token = strings.Replace(token, ",", ".", 1)
	}

	value, err := strconv.ParseFloat(token, 64)
	if err != nil || value <= 0 {
		return 0, false
	}
	return value, true
}

func formatMoney(value float64) string {
	return strconv.FormatFloat(value, 'f', 2, 64)
}

// anchoredAmount takes the first positive currency-marked value on a line
// carrying a total anchor.
func anchoredAmount(doc document) (string, bool) {
	for _, ln := range doc.lines {
		if !hasAnchor(ln.norm, amountAnchors) {
			continue
		}
		for _, m := range currencyPattern.FindAllStringSubmatch(ln.raw, -1) {
			if value, ok := parseMoney(m[1]); ok {
				return formatMoney(value), true
			}
		}
	}
	return "", false
}

// maxCurrencyAmount is the unanchored fallback: the grand total is typically
// the largest monetary figure on a receipt dominated by smaller line items,
// so take the maximum over every currency-marked token.
func maxCurrencyAmount(doc document) (string, bool) {
	var best float64
	var found bool
	for _, ln := range doc.lines {
		for _, m := range currencyPattern.FindAllStringSubmatch(ln.raw, -1) {
			if value, ok := parseMoney(m[1]); ok && value > best {
				best = value
				found = true
			}
		}
	}
	if !found {
		return "", false
	}
	return formatMoney(best), true
}

func extractAmount(doc document) string {
	if amount, ok := anchoredAmount(doc); ok {
		return amount
	}
	if amount, ok := maxCurrencyAmount(doc); ok {
		return amount
	}
	return ""
}

// ----------------------------------------------------------------------------
// Date

var dateAnchors = []string{"fecha de emision", "fecha emision", "emision", "fecha", "issue date", "date"}

// datePattern matches day-month-year with a 4-digit year
var datePattern = regexp.MustCompile(`(\d{1,2})[/\-](\d{1,2})[/\-](\d{4})`)

// matchDate scans every date-shaped token on a line, skipping candidates
// that fail range validation.
func matchDate(raw string) (string, bool) {
	for _, m := range datePattern.FindAllStringSubmatch(raw, -1) {
		day, _ := strconv.Atoi(m[1])
		month, _ := strconv.Atoi(m[2])
		year, _ := strconv.Atoi(m[3])
		if month < 1 || month > 12 || day < 1 || day > 31 {
			continue
		}
		return itoaPad(year, 4) + "-" + itoaPad(month, 2) + "-" + itoaPad(day, 2), true
	}
	return "", false
}

func itoaPad(n, width int) string {
	s := strconv.Itoa(n)
	for len(s) < width {
		s = "0" + s
	}
	return s
}

// anchoredDate searches lines carrying an issue-date anchor
func anchoredDate(doc document) (string, bool) {
	for _, ln := range doc.lines {
		if !hasAnchor(ln.norm, dateAnchors) {
			continue
		}
		if date, ok := matchDate(ln.raw); ok {
			return date, true
		}
	}
	return "", false
}

// anyDate is the unanchored fallback: first valid date anywhere
func anyDate(doc document) (string, bool) {
	for _, ln := range doc.lines {
		if date, ok := matchDate(ln.raw); ok {
			return date, true
		}
	}
	return "", false
}

var dateStrategies = []func(document) (string, bool){
	anchoredDate,
	anyDate,
}

func extractDate(doc document) string {
	for _, strategy := range dateStrategies {
		if date, ok := strategy(doc); ok {
			return date
		}
	}
	return ""
}
