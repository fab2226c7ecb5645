// Package identifier extracts and validates document identifiers from chat
// text and filenames.
//
// Two identifier shapes are recognized by default: CURP-style codes
// (4 letters + 6 digits + 6 letters + 2 alphanumerics, 18 characters) and
// plain 20-digit codes. The patterns are injectable so deployments can add
// their own recognizers without touching the pipeline.
package identifier

import (
	"regexp"
	"strings"

	"github.com/BTreeMap/DocPipe/internal/models"
)

var (
	// The candidate shape is deliberately looser than the validator so a
	// near-miss (digit where a letter belongs) surfaces as a format error
	// instead of being silently ignored.
	curpCandidateRE = regexp.MustCompile(`^[A-Za-z]{4}\d{6}[A-Za-z0-9]{8}$`)
	curpExactRE     = regexp.MustCompile(`^[A-Z]{4}\d{6}[A-Z]{6}[0-9A-Z]{2}$`)
	// Every 20-digit candidate is already exact, so one regex serves both roles.
	numeric20RE = regexp.MustCompile(`^\d{20}$`)
)

// Extraction holds the outcome of scanning a piece of text.
type Extraction struct {
	Valid   []string
	Invalid []string
}

// Extractor scans text for identifiers using a configurable pattern set.
// The zero value is not usable; construct with NewExtractor.
type Extractor struct {
	patterns []Pattern
}

// Pattern pairs a loose candidate recognizer with a strict validator. Both
// are matched against whole tokens; the validator sees the uppercased token.
type Pattern struct {
	Candidate *regexp.Regexp
	Exact     *regexp.Regexp
}

// DefaultPatterns returns the built-in CURP and 20-digit recognizers.
func DefaultPatterns() []Pattern {
	return []Pattern{
		{Candidate: curpCandidateRE, Exact: curpExactRE},
		{Candidate: numeric20RE, Exact: numeric20RE},
	}
}

// NewExtractor creates an Extractor. With no patterns the defaults are used.
func NewExtractor(patterns ...Pattern) *Extractor {
	if len(patterns) == 0 {
		patterns = DefaultPatterns()
	}
	return &Extractor{patterns: patterns}
}

// Extract scans text and returns deduplicated valid and invalid candidates
// in order of appearance. The text is split on everything that is not a
// letter or digit, so identifiers embedded in filenames
// (MARS850101HDFLRN02_scan.pdf) and prose alike come out as whole tokens.
// Candidates are uppercased before validation so lowercased submissions
// still match.
func (e *Extractor) Extract(text string) Extraction {
	var result Extraction
	if text == "" {
		return result
	}

	tokens := strings.FieldsFunc(text, func(r rune) bool {
		return !((r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z') || (r >= '0' && r <= '9'))
	})

	seenValid := make(map[string]bool)
	seenInvalid := make(map[string]bool)

	for _, token := range tokens {
		for _, p := range e.patterns {
			if !p.Candidate.MatchString(token) {
				continue
			}
			upper := strings.ToUpper(token)
			if p.Exact.MatchString(upper) {
				if !seenValid[upper] {
					seenValid[upper] = true
					result.Valid = append(result.Valid, upper)
				}
			} else if !seenInvalid[upper] {
				seenInvalid[upper] = true
				result.Invalid = append(result.Invalid, upper)
			}
			break
		}
	}

	return result
}

// FirstFromFilename returns the first valid identifier embedded in a
// filename, or "" if none is found.
func (e *Extractor) FirstFromFilename(name string) string {
	extraction := e.Extract(name)
	if len(extraction.Valid) == 0 {
		return ""
	}
	return extraction.Valid[0]
}

// ParseDocumentType inspects message text for a document-type keyword.
// Unrecognized or absent keywords default to birth certificates.
func ParseDocumentType(text string) models.DocumentType {
	lower := strings.ToLower(text)
	switch {
	case strings.Contains(lower, "mat"):
		return models.DocumentTypeMarriage
	case strings.Contains(lower, "def"):
		return models.DocumentTypeDeath
	case strings.Contains(lower, "div"):
		return models.DocumentTypeDivorce
	default:
		return models.DocumentTypeBirth
	}
}

// ParseFormatRequest reads matting and folio keywords from message text.
func ParseFormatRequest(text string) (wantsMatting, wantsFolio bool) {
	lower := strings.ToLower(text)
	return strings.Contains(lower, "marco"), strings.Contains(lower, "folio")
}
