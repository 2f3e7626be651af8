package app

import (
	"regexp"
	"strings"
	"unicode"
	"unicode/utf8"

	"github.com/smartpaste/smartpaste/pkg/models"
)

// binaryThreshold is the length above which non-printable content is
// treated as image data.
const binaryThreshold = 1000

var (
	emailPattern = regexp.MustCompile(`^[A-Za-z0-9._%+\-]+@[A-Za-z0-9.\-]+\.[A-Za-z]{2,}$`)

	numberPattern = regexp.MustCompile(`^[-+]?\d{1,3}(?:,\d{3})*(?:\.\d+)?\s*(?i:` + unitAlternation + `)?$|^[-+]?\d+(?:\.\d+)?\s*(?i:` + unitAlternation + `)?$`)

	mathCharset  = regexp.MustCompile(`^[\d\s.+\-*/^%()]+$`)
	mathOperator = regexp.MustCompile(`[\d)]\s*[-+*/^%]\s*[-+]?[\d(]`)

	// Dates, phone numbers and similar dash-joined digit groups.
	dashedDigits = regexp.MustCompile(`^\d+(?:-\d+)+$`)

	codeSignals = []*regexp.Regexp{
		regexp.MustCompile(`(?m)^\s*(?:func|def|class|import|from|package|public|private|static|const|let|var|fn|impl|struct|interface|#include|using)\b`),
		regexp.MustCompile(`(?m)[;{]\s*$`),
		regexp.MustCompile(`(?m)^\s*[}\])]`),
		regexp.MustCompile(`=>|->|:=|==|!=|&&|\|\|`),
		regexp.MustCompile(`\b(?:return|if|for|while|else|elif)\b.*[:({]`),
		regexp.MustCompile(`(?m)\w+\([^()]*\)\s*[{;:]?\s*$`),
		regexp.MustCompile(`(?m)^\s*(?://|#|/\*|\*)\s`),
	}
)

// unitAlternation lists the units a number may carry. Longer spellings come
// first so the regexp prefers them.
const unitAlternation = `°[CFK]|°|celsius|fahrenheit|kelvin|km|cm|mm|m|mi|miles?|ft|feet|in|inch(?:es)?|yd|kg|mg|g|lbs?|oz|ml|l|gal|%|[CFK]`

// minCodeSignals is how many distinct code signals content needs.
const minCodeSignals = 2

// Classify returns the content type for clipboard content. Checks run from
// the most specific shape to the least: url, image, email, number, math,
// code, then text.
func Classify(content string) models.ContentType {
	s := strings.TrimSpace(content)
	if s == "" {
		return models.ContentText
	}

	switch {
	case isURL(s):
		return models.ContentURL
	case isImage(s):
		return models.ContentImage
	case emailPattern.MatchString(s):
		return models.ContentEmail
	case numberPattern.MatchString(s):
		return models.ContentNumber
	case isMath(s):
		return models.ContentMath
	case isCode(s):
		return models.ContentCode
	default:
		return models.ContentText
	}
}

func isURL(s string) bool {
	lower := strings.ToLower(s)
	if !strings.HasPrefix(lower, "http://") && !strings.HasPrefix(lower, "https://") && !strings.HasPrefix(lower, "www.") {
		return false
	}
	return !strings.ContainsFunc(s, unicode.IsSpace)
}

func isImage(s string) bool {
	if strings.HasPrefix(s, "data:image/") {
		return true
	}
	return len(s) > binaryThreshold && !printable(s)
}

func printable(s string) bool {
	if !utf8.ValidString(s) {
		return false
	}
	for _, r := range s {
		if r == '\n' || r == '\r' || r == '\t' {
			continue
		}
		if !unicode.IsPrint(r) {
			return false
		}
	}
	return true
}

func isMath(s string) bool {
	if dashedDigits.MatchString(s) {
		return false
	}
	return mathCharset.MatchString(s) && mathOperator.MatchString(s)
}

func isCode(s string) bool {
	hits := 0
	for _, re := range codeSignals {
		if re.MatchString(s) {
			hits++
			if hits >= minCodeSignals {
				return true
			}
		}
	}
	return false
}
