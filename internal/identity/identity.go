// Package identity computes record digests and classifies discovered records
// against existing entities. Everything here is pure and deterministic.
package identity

import (
	"crypto/sha256"
	"encoding/hex"
	"net/url"
	"regexp"
	"sort"
	"strings"
	"unicode/utf8"

	"github.com/opendatanet/harvester/internal/harvest"
)

const (
	// tagDelimiter joins the normalized tag set inside the content digest
	// input. It is not expected to appear in tag text.
	tagDelimiter = ","
	// fieldDelimiter separates title, description and tags in the content
	// digest input.
	fieldDelimiter = "|"
	// maxTagLen caps individual tag length; longer tags are dropped during
	// normalization.
	maxTagLen = 50
	// minTitleLen is the shortest cleaned title accepted as valid.
	minTitleLen = 3
)

var whitespace = regexp.MustCompile(`\s+`)

// CleanText trims, lowercases nothing, and collapses runs of whitespace
// (including newlines and tabs) into single spaces.
func CleanText(s string) string {
	return whitespace.ReplaceAllString(strings.TrimSpace(s), " ")
}

// NormalizeURL lowercases and trims a URL for identity hashing. Two records
// with the same normalized URL always share an IdentityDigest.
func NormalizeURL(raw string) string {
	return strings.ToLower(strings.TrimSpace(raw))
}

// NormalizeTags lowercases, cleans, deduplicates and sorts tags
// lexicographically. Empty and over-long tags are dropped.
func NormalizeTags(tags []string) []string {
	seen := make(map[string]struct{}, len(tags))
	out := make([]string, 0, len(tags))
	for _, tag := range tags {
		cleaned := strings.ToLower(CleanText(tag))
		if cleaned == "" || utf8.RuneCountInString(cleaned) > maxTagLen {
			continue
		}
		if _, dup := seen[cleaned]; dup {
			continue
		}
		seen[cleaned] = struct{}{}
		out = append(out, cleaned)
	}
	sort.Strings(out)
	return out
}

// IdentityDigest returns the SHA-256 hex digest of the normalized URL. The
// URL alone is the entity's stable identity: content-identical records at
// different URLs are independent entities.
func IdentityDigest(rawURL string) string {
	sum := sha256.Sum256([]byte(NormalizeURL(rawURL)))
	return hex.EncodeToString(sum[:])
}

// ContentDigest returns the SHA-256 hex digest of the normalized title,
// description and tag set. It changes exactly when one of those three
// normalized fields changes and does not depend on the URL.
func ContentDigest(title, description string, tags []string) string {
	normTitle := strings.ToLower(CleanText(title))
	normDesc := strings.ToLower(CleanText(description))
	normTags := strings.Join(NormalizeTags(tags), tagDelimiter)
	input := normTitle + fieldDelimiter + normDesc + fieldDelimiter + normTags
	sum := sha256.Sum256([]byte(input))
	return hex.EncodeToString(sum[:])
}

// Validate checks that a discovered record is classifiable: it needs an
// absolute URL and a cleaned title of at least three characters. Missing
// description or tags are fine.
func Validate(rec harvest.DiscoveredRecord) error {
	if strings.TrimSpace(rec.URL) == "" {
		return &harvest.ValidationError{Field: "url", Reason: "is required"}
	}
	parsed, err := url.Parse(strings.TrimSpace(rec.URL))
	if err != nil || parsed.Scheme == "" || parsed.Host == "" {
		return &harvest.ValidationError{Field: "url", Reason: "must be absolute"}
	}
	if utf8.RuneCountInString(CleanText(rec.Title)) < minTitleLen {
		return &harvest.ValidationError{Field: "title", Reason: "too short"}
	}
	return nil
}

// Classify decides the outcome for a candidate record against the existing
// entity with the same IdentityDigest, if any. It mutates nothing; the
// caller is responsible for persisting the outcome and for timestamps.
func Classify(candidate harvest.DiscoveredRecord, existing *harvest.PersistedEntity) harvest.Outcome {
	entity := harvest.PersistedEntity{
		IdentityDigest: IdentityDigest(candidate.URL),
		ContentDigest:  ContentDigest(candidate.Title, candidate.Description, candidate.Tags),
		URL:            strings.TrimSpace(candidate.URL),
		Title:          CleanText(candidate.Title),
		Description:    CleanText(candidate.Description),
		Tags:           NormalizeTags(candidate.Tags),
		Source:         candidate.Source,
		Status:         harvest.EntityActive,
	}

	if existing == nil {
		return harvest.Outcome{Kind: harvest.OutcomeCreate, Entity: entity}
	}
	if existing.ContentDigest != entity.ContentDigest {
		return harvest.Outcome{Kind: harvest.OutcomeUpdate, Entity: entity}
	}
	// Same content: keep the stored field values, only the touch timestamp
	// advances downstream.
	unchanged := *existing
	unchanged.Tags = append([]string(nil), existing.Tags...)
	return harvest.Outcome{Kind: harvest.OutcomeUnchanged, Entity: unchanged}
}
