package models

import (
	"fmt"
	"strings"
)

// ContentType classifies a piece of clipboard content.
type ContentType string

const (
	ContentURL    ContentType = "url"
	ContentText   ContentType = "text"
	ContentImage  ContentType = "image"
	ContentCode   ContentType = "code"
	ContentEmail  ContentType = "email"
	ContentMath   ContentType = "math"
	ContentNumber ContentType = "number"
)

// AllContentTypes returns every known content type.
func AllContentTypes() []ContentType {
	return []ContentType{
		ContentURL,
		ContentText,
		ContentImage,
		ContentCode,
		ContentEmail,
		ContentMath,
		ContentNumber,
	}
}

// Valid reports whether t is one of the known content types.
func (t ContentType) Valid() bool {
	switch t {
	case ContentURL, ContentText, ContentImage, ContentCode, ContentEmail, ContentMath, ContentNumber:
		return true
	}
	return false
}

func (t ContentType) String() string {
	return string(t)
}

// ParseContentType parses a content type label, case-insensitively.
func ParseContentType(s string) (ContentType, error) {
	t := ContentType(strings.ToLower(strings.TrimSpace(s)))
	if !t.Valid() {
		return "", fmt.Errorf("unknown content type %q", s)
	}
	return t, nil
}
