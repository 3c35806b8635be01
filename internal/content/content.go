package content

import (
	"fmt"
	"html"
	"strings"
	"unicode"
	"unicode/utf8"

	"duet/internal/models"

	"github.com/microcosm-cc/bluemonday"
)

const (
	MaxTextLength        = 4000
	MaxDisplayNameLength = 64
	MaxDescriptionLength = 500
)

var (
	messagePolicy = bluemonday.UGCPolicy()
	plainPolicy   = bluemonday.StrictPolicy()
)

// Sanitize removes unsafe HTML from message text.
func Sanitize(input string) string {
	return messagePolicy.Sanitize(input)
}

// SanitizePlain strips all markup and returns plain text, so names like
// O'Brien survive. The result must still be escaped when rendered as HTML.
func SanitizePlain(input string) string {
	return html.UnescapeString(plainPolicy.Sanitize(input))
}

// ValidateText checks an optional message text. Empty text is allowed here,
// the store decides whether a message has any payload at all.
func ValidateText(text string) error {
	if !utf8.ValidString(text) {
		return fmt.Errorf("%w: text is not valid UTF-8", models.ErrValidation)
	}
	if utf8.RuneCountInString(text) > MaxTextLength {
		return fmt.Errorf("%w: text is longer than %d characters", models.ErrValidation, MaxTextLength)
	}
	return nil
}

// ValidateDisplayName checks a user's full name.
func ValidateDisplayName(name string) error {
	trimmed := strings.TrimSpace(name)
	if trimmed == "" {
		return fmt.Errorf("%w: name cannot be empty", models.ErrValidation)
	}
	if utf8.RuneCountInString(trimmed) > MaxDisplayNameLength {
		return fmt.Errorf("%w: name is longer than %d characters", models.ErrValidation, MaxDisplayNameLength)
	}
	for _, r := range trimmed {
		if unicode.IsControl(r) {
			return fmt.Errorf("%w: name contains control characters", models.ErrValidation)
		}
	}
	return nil
}

// ValidateDescription checks a profile description.
func ValidateDescription(description string) error {
	if utf8.RuneCountInString(description) > MaxDescriptionLength {
		return fmt.Errorf("%w: description is longer than %d characters", models.ErrValidation, MaxDescriptionLength)
	}
	return nil
}
