package content

import (
	"errors"
	"regexp"
	"strings"

	"github.com/microcosm-cc/bluemonday"

	"chattr/internal/models"
)

var (
	policy = bluemonday.StrictPolicy()

	usernameRegex = regexp.MustCompile(`^[a-z0-9._-]+$`)
)

// Sanitize strips all HTML from user-supplied text. Used for message
// content, display names and bios before they are stored.
func Sanitize(input string) string {
	return policy.Sanitize(input)
}

// NormalizeUsername lowercases and trims a username, dropping a leading "@"
// so both "@ana" and "ana" resolve to the same account.
func NormalizeUsername(username string) string {
	return strings.TrimPrefix(strings.ToLower(strings.TrimSpace(username)), "@")
}

// ValidateUsername checks the normalized form: non-empty, lowercase
// alphanumeric plus dot, dash, underscore. No whitespace.
func ValidateUsername(username string) error {
	if username == "" {
		return errors.New("username cannot be empty")
	}
	if !usernameRegex.MatchString(username) {
		return errors.New("username contains invalid characters (allowed: lowercase alphanumeric, dot, dash, underscore)")
	}
	return nil
}

// PreviewLabel renders the one-line conversation list preview for a message.
func PreviewLabel(msg models.Message) string {
	if msg.Type == models.MessageFile && msg.Attachment != nil {
		return "\U0001F4CE " + msg.Attachment.Name
	}
	return msg.Content
}
