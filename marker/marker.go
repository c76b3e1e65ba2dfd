package marker

import (
	"errors"
	"strings"
)

// These must match byte-for-byte on both sides of the boundary.
// A mismatch is not detected, the markup is just never spliced.
const (
	HeadMarker = "<!-- SSR_HEAD -->"
	BodyMarker = "<!-- SSR_BODY -->"
)

var ErrMissingBodyMarker = errors.New("template missing " + BodyMarker + " marker")

// Segments is a template split once on the body marker.
// BeforeBody may still contain the head marker.
type Segments struct {
	BeforeBody string
	AfterBody  string
}

// Split splits the template on the first occurrence of bodyMarker.
// Any later occurrences are left in AfterBody untouched.
func Split(template, bodyMarker string) (Segments, error) {
	before, after, found := strings.Cut(template, bodyMarker)
	if !found {
		return Segments{}, ErrMissingBodyMarker
	}
	return Segments{BeforeBody: before, AfterBody: after}, nil
}

// Join is the inverse of Split.
func Join(s Segments, bodyMarker string) string {
	return s.BeforeBody + bodyMarker + s.AfterBody
}

// InjectHead replaces the first headMarker in segment with head.
// It returns false and the segment unchanged when the marker is absent.
func InjectHead(segment, headMarker, head string) (string, bool) {
	before, after, found := strings.Cut(segment, headMarker)
	if !found {
		return segment, false
	}
	return before + head + after, true
}

// Warnings are non-fatal problems found in a template.
type Warnings []string

// Validate checks a template for streaming use. A missing body marker is an error,
// a missing head marker only disables head injection.
func Validate(template string) (Warnings, error) {
	if !strings.Contains(template, BodyMarker) {
		return nil, ErrMissingBodyMarker
	}
	var w Warnings
	if !strings.Contains(template, HeadMarker) {
		w = append(w, "template missing "+HeadMarker+" marker, head content will not be injected")
	}
	return w, nil
}
