package service

import (
	"fmt"
	"strings"
	"unicode/utf8"
)

const (
	maxTags      = 32
	maxTagLength = 64
)

// ParseTags splits a comma-separated tag string and normalizes the result.
func ParseTags(raw string) ([]string, error) {
	if strings.TrimSpace(raw) == "" {
		return []string{}, nil
	}
	return NormalizeTags(strings.Split(raw, ","))
}

// NormalizeTags trims every tag, drops empties and duplicates, and keeps
// first-seen order.
func NormalizeTags(tags []string) ([]string, error) {
	seen := make(map[string]bool, len(tags))
	out := make([]string, 0, len(tags))
	for _, tag := range tags {
		tag = strings.TrimSpace(tag)
		if tag == "" || seen[tag] {
			continue
		}
		if utf8.RuneCountInString(tag) > maxTagLength {
			return nil, fmt.Errorf("%w: tag %q longer than %d characters", ErrValidation, tag, maxTagLength)
		}
		seen[tag] = true
		out = append(out, tag)
	}
	if len(out) > maxTags {
		return nil, fmt.Errorf("%w: at most %d tags allowed", ErrValidation, maxTags)
	}
	return out, nil
}
