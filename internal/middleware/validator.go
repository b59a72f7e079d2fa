package middleware

import (
	"fmt"
	"strings"
	"unicode/utf8"

	"github.com/google/uuid"

	"github.com/bryanwahyu/deeptm/internal/domain/threatmodel"
)

// DefaultMaxInputRunes bounds user_input when no limit is configured.
const DefaultMaxInputRunes = 32000

const maxKeyLength = 512

var knownKeys = map[string]bool{
	threatmodel.KeyOpenAI:       true,
	threatmodel.KeyGoogleSearch: true,
	threatmodel.KeyGoogleCSE:    true,
}

// ValidationError is returned for a request the client must fix.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Message)
}

// ValidateAnalysisRequest returns a sanitized copy of req, or a
// *ValidationError. maxRunes <= 0 uses DefaultMaxInputRunes.
func ValidateAnalysisRequest(req threatmodel.AnalysisRequest, maxRunes int) (threatmodel.AnalysisRequest, error) {
	if maxRunes <= 0 {
		maxRunes = DefaultMaxInputRunes
	}

	out := threatmodel.AnalysisRequest{UserInput: SanitizeString(req.UserInput)}
	if out.UserInput == "" {
		return out, &ValidationError{Field: "user_input", Message: "must not be empty"}
	}
	if n := utf8.RuneCountInString(out.UserInput); n > maxRunes {
		return out, &ValidationError{Field: "user_input", Message: fmt.Sprintf("%d characters exceeds limit of %d", n, maxRunes)}
	}

	if len(req.APIKeys) > 0 {
		out.APIKeys = make(map[string]string, len(req.APIKeys))
		for k, v := range req.APIKeys {
			// clients send extra fields (e.g. google_cse); only known keys pass
			if !knownKeys[k] {
				continue
			}
			v = strings.TrimSpace(v)
			if len(v) > maxKeyLength || strings.ContainsAny(v, " \t\r\n") {
				return out, &ValidationError{Field: "api_keys", Message: fmt.Sprintf("malformed value for %q", k)}
			}
			out.APIKeys[k] = v
		}
	}
	return out, nil
}

// SanitizeString removes dangerous characters from strings
func SanitizeString(input string) string {
	input = strings.ToValidUTF8(input, "")

	var result strings.Builder
	result.Grow(len(input))
	for _, r := range input {
		if r >= 32 || r == '\t' || r == '\n' {
			result.WriteRune(r)
		}
	}

	return strings.TrimSpace(result.String())
}

// ValidateReportID checks that id is a UUID as minted by the reports service.
func ValidateReportID(id string) error {
	if id == "" {
		return &ValidationError{Field: "id", Message: "must not be empty"}
	}
	if _, err := uuid.Parse(id); err != nil {
		return &ValidationError{Field: "id", Message: "not a valid report id"}
	}
	return nil
}
