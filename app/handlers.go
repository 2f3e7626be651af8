package app

import (
	"context"
	"encoding/base64"
	"fmt"
	"net/url"
	"regexp"
	"sort"
	"strconv"
	"strings"
	"unicode"
	"unicode/utf8"

	"github.com/smartpaste/smartpaste/pkg/models"
	"github.com/smartpaste/smartpaste/processor"
)

const (
	maxKeywords      = 5
	maxSummaryLength = 200
)

// DefaultHandlers returns the built-in handler for every content type.
// Handlers are cheap and pure; a nil result means the content did not have
// the expected shape after all.
func DefaultHandlers() map[models.ContentType]processor.Handler {
	return map[models.ContentType]processor.Handler{
		models.ContentURL:    handleURL,
		models.ContentEmail:  handleEmail,
		models.ContentNumber: handleNumber,
		models.ContentMath:   handleMath,
		models.ContentCode:   handleCode,
		models.ContentText:   handleText,
		models.ContentImage:  handleImage,
	}
}

func handleURL(_ context.Context, content string) (models.Result, error) {
	raw := strings.TrimSpace(content)
	if strings.HasPrefix(strings.ToLower(raw), "www.") {
		raw = "https://" + raw
	}
	u, err := url.Parse(raw)
	if err != nil || u.Host == "" {
		return nil, nil
	}

	host := strings.ToLower(u.Hostname())
	return models.Result{
		"url":          u.String(),
		"scheme":       u.Scheme,
		"host":         host,
		"domain":       strings.TrimPrefix(host, "www."),
		"path":         u.Path,
		"query_params": len(u.Query()),
		"secure":       u.Scheme == "https",
	}, nil
}

func handleEmail(_ context.Context, content string) (models.Result, error) {
	s := strings.TrimSpace(content)
	at := strings.LastIndexByte(s, '@')
	if at <= 0 || at == len(s)-1 {
		return nil, nil
	}
	domain := strings.ToLower(s[at+1:])
	return models.Result{
		"email":      s,
		"local_part": s[:at],
		"domain":     domain,
		"is_valid":   emailPattern.MatchString(s),
	}, nil
}

var numberParts = regexp.MustCompile(`^([-+]?\d[\d,]*(?:\.\d+)?)\s*(?i:(` + unitAlternation + `))?$`)

type unitInfo struct {
	category string
	factor   float64 // to the category's base unit
}

// units maps canonical unit names to their category. Temperatures convert
// through convertTemperature instead of a factor.
var units = map[string]unitInfo{
	"km": {"length", 1000}, "m": {"length", 1}, "cm": {"length", 0.01}, "mm": {"length", 0.001},
	"mi": {"length", 1609.344}, "yd": {"length", 0.9144}, "ft": {"length", 0.3048}, "in": {"length", 0.0254},
	"kg": {"weight", 1000}, "g": {"weight", 1}, "mg": {"weight", 0.001},
	"lb": {"weight", 453.59237}, "oz": {"weight", 28.349523125},
	"l": {"volume", 1}, "ml": {"volume", 0.001}, "gal": {"volume", 3.785411784},
	"C": {"temperature", 0}, "F": {"temperature", 0}, "K": {"temperature", 0},
	"%": {"percentage", 0},
}

var unitOrder = map[string][]string{
	"length":      {"km", "m", "cm", "mm", "mi", "yd", "ft", "in"},
	"weight":      {"kg", "g", "mg", "lb", "oz"},
	"volume":      {"l", "ml", "gal"},
	"temperature": {"C", "F", "K"},
}

var unitAliases = map[string]string{
	"°c": "C", "c": "C", "celsius": "C", "°": "C",
	"°f": "F", "f": "F", "fahrenheit": "F",
	"°k": "K", "k": "K", "kelvin": "K",
	"mile": "mi", "miles": "mi", "feet": "ft", "inch": "in", "inches": "in",
	"lbs": "lb",
}

func canonicalUnit(u string) string {
	lower := strings.ToLower(u)
	if alias, ok := unitAliases[lower]; ok {
		return alias
	}
	return lower
}

func handleNumber(_ context.Context, content string) (models.Result, error) {
	m := numberParts.FindStringSubmatch(strings.TrimSpace(content))
	if m == nil {
		return nil, nil
	}
	value, err := strconv.ParseFloat(strings.ReplaceAll(m[1], ",", ""), 64)
	if err != nil {
		return nil, nil
	}

	result := models.Result{
		"value":     value,
		"formatted": groupThousands(value),
	}
	if m[2] == "" {
		return result, nil
	}

	unit := canonicalUnit(m[2])
	info, ok := units[unit]
	if !ok {
		return result, nil
	}
	result["unit"] = unit
	result["category"] = info.category

	switch info.category {
	case "percentage":
		result["fraction"] = value / 100
	case "temperature":
		result["conversions"] = convertTemperature(value, unit)
	default:
		var conversions []string
		for _, to := range unitOrder[info.category] {
			if to == unit {
				continue
			}
			converted := value * info.factor / units[to].factor
			conversions = append(conversions, formatQuantity(converted, to))
		}
		result["conversions"] = conversions
	}
	return result, nil
}

func convertTemperature(v float64, from string) []string {
	var celsius float64
	switch from {
	case "F":
		celsius = (v - 32) * 5 / 9
	case "K":
		celsius = v - 273.15
	default:
		celsius = v
	}

	var out []string
	for _, to := range unitOrder["temperature"] {
		if to == from {
			continue
		}
		switch to {
		case "C":
			out = append(out, formatQuantity(celsius, "°C"))
		case "F":
			out = append(out, formatQuantity(celsius*9/5+32, "°F"))
		case "K":
			out = append(out, formatQuantity(celsius+273.15, "K"))
		}
	}
	return out
}

func formatQuantity(v float64, unit string) string {
	if strings.HasPrefix(unit, "°") {
		return fmt.Sprintf("%.2f%s", v, unit)
	}
	return fmt.Sprintf("%.2f %s", v, unit)
}

// groupThousands renders v with comma separators and at most six decimals.
func groupThousands(v float64) string {
	s := strconv.FormatFloat(v, 'f', -1, 64)
	sign := ""
	if strings.HasPrefix(s, "-") {
		sign, s = "-", s[1:]
	}
	intPart, frac, hasFrac := strings.Cut(s, ".")
	if hasFrac && len(frac) > 6 {
		frac = frac[:6]
	}

	var b strings.Builder
	for i, r := range intPart {
		if i > 0 && (len(intPart)-i)%3 == 0 {
			b.WriteByte(',')
		}
		b.WriteRune(r)
	}
	if hasFrac {
		b.WriteByte('.')
		b.WriteString(frac)
	}
	return sign + b.String()
}

func handleMath(_ context.Context, content string) (models.Result, error) {
	expr := strings.TrimSpace(content)
	v, err := evalExpr(expr)
	if err != nil {
		return nil, nil
	}
	return models.Result{
		"expression": expr,
		"result":     v,
		"formatted":  strconv.FormatFloat(v, 'f', -1, 64),
	}, nil
}

// languageMarkers are substrings that vote for a language.
var languageMarkers = []struct {
	language string
	markers  []string
}{
	{"go", []string{"package ", "func ", ":=", "fmt.", "err != nil", "go func"}},
	{"python", []string{"def ", "import ", "elif ", "self.", "print(", "__init__", "None"}},
	{"javascript", []string{"function ", "const ", "let ", "=>", "console.log", "===", "require("}},
	{"java", []string{"public class", "System.out", "private ", "void ", "new ", "@Override"}},
	{"c", []string{"#include", "printf(", "int main", "malloc(", "->"}},
	{"rust", []string{"fn ", "let mut", "impl ", "println!", "::new", "pub fn"}},
	{"sql", []string{"SELECT ", "FROM ", "WHERE ", "INSERT INTO", "UPDATE ", "JOIN "}},
}

func detectLanguage(code string) string {
	best, bestScore := "unknown", 0
	for _, lm := range languageMarkers {
		score := 0
		for _, m := range lm.markers {
			if strings.Contains(code, m) {
				score++
			}
		}
		if score > bestScore {
			best, bestScore = lm.language, score
		}
	}
	return best
}

func handleCode(_ context.Context, content string) (models.Result, error) {
	lines := strings.Split(strings.TrimRight(content, "\n"), "\n")
	nonEmpty := 0
	for _, l := range lines {
		if strings.TrimSpace(l) != "" {
			nonEmpty++
		}
	}
	return models.Result{
		"language":        detectLanguage(content),
		"lines":           len(lines),
		"non_empty_lines": nonEmpty,
		"characters":      utf8.RuneCountInString(content),
	}, nil
}

var (
	sentenceEnd = regexp.MustCompile(`[.!?]+(?:\s|$)`)

	stopWords = map[string]struct{}{
		"about": {}, "after": {}, "also": {}, "been": {}, "before": {}, "being": {}, "could": {},
		"does": {}, "each": {}, "from": {}, "have": {}, "here": {}, "into": {}, "just": {},
		"like": {}, "more": {}, "most": {}, "only": {}, "other": {}, "over": {}, "said": {},
		"same": {}, "should": {}, "some": {}, "such": {}, "than": {}, "that": {}, "their": {},
		"them": {}, "then": {}, "there": {}, "these": {}, "they": {}, "this": {}, "those": {},
		"very": {}, "were": {}, "what": {}, "when": {}, "where": {}, "which": {}, "while": {},
		"will": {}, "with": {}, "would": {}, "your": {},
	}
)

func handleText(_ context.Context, content string) (models.Result, error) {
	text := strings.TrimSpace(content)
	if text == "" {
		return nil, nil
	}

	sentences := len(sentenceEnd.FindAllStringIndex(text, -1))
	if sentences == 0 {
		sentences = 1
	}

	return models.Result{
		"word_count":      len(strings.Fields(text)),
		"character_count": utf8.RuneCountInString(text),
		"line_count":      strings.Count(text, "\n") + 1,
		"sentence_count":  sentences,
		"keywords":        keywords(text, maxKeywords),
		"summary":         summarize(text),
	}, nil
}

// keywords returns the n most frequent words of four or more letters that
// are not stop words. Ties sort alphabetically.
func keywords(text string, n int) []string {
	counts := make(map[string]int)
	for _, w := range strings.FieldsFunc(strings.ToLower(text), func(r rune) bool {
		return !unicode.IsLetter(r) && r != '\''
	}) {
		w = strings.Trim(w, "'")
		if utf8.RuneCountInString(w) < 4 {
			continue
		}
		if _, stop := stopWords[w]; stop {
			continue
		}
		counts[w]++
	}

	words := make([]string, 0, len(counts))
	for w := range counts {
		words = append(words, w)
	}
	sort.Slice(words, func(i, j int) bool {
		if counts[words[i]] != counts[words[j]] {
			return counts[words[i]] > counts[words[j]]
		}
		return words[i] < words[j]
	})
	if len(words) > n {
		words = words[:n]
	}
	return words
}

func summarize(text string) string {
	summary := text
	if loc := sentenceEnd.FindStringIndex(text); loc != nil {
		summary = strings.TrimSpace(text[:loc[1]])
	}
	if utf8.RuneCountInString(summary) > maxSummaryLength {
		runes := []rune(summary)
		summary = string(runes[:maxSummaryLength]) + "..."
	}
	return summary
}

func handleImage(_ context.Context, content string) (models.Result, error) {
	s := strings.TrimSpace(content)
	header, payload, ok := strings.Cut(s, ",")
	if !ok || !strings.HasPrefix(header, "data:image/") {
		return models.Result{
			"format":     "binary",
			"size_bytes": len(content),
		}, nil
	}

	mediaType := strings.TrimPrefix(header, "data:")
	format, params, _ := strings.Cut(strings.TrimPrefix(mediaType, "image/"), ";")
	result := models.Result{
		"format":     format,
		"media_type": "image/" + format,
	}

	if strings.Contains(params, "base64") {
		decoded, err := base64.StdEncoding.DecodeString(payload)
		result["encoding"] = "base64"
		result["valid"] = err == nil
		if err == nil {
			result["size_bytes"] = len(decoded)
		}
		return result, nil
	}

	result["encoding"] = "url"
	result["valid"] = true
	result["size_bytes"] = len(payload)
	return result, nil
}
