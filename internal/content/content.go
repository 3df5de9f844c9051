package content

import (
	"bytes"
	"errors"
	"html"
	"regexp"
	"strings"

	"github.com/microcosm-cc/bluemonday"
	"github.com/yuin/goldmark"
	"github.com/yuin/goldmark/extension"
)

var (
	ugcPolicy    = bluemonday.UGCPolicy()
	strictPolicy = bluemonday.StrictPolicy()

	md = goldmark.New(goldmark.WithExtensions(extension.Linkify, extension.Strikethrough))

	whitespaceRegex = regexp.MustCompile(`\s+`)
	usernameRegex   = regexp.MustCompile(`^[a-zA-Z0-9._-]+$`)
)

// ValidateUsername checks if the username contains only allowed characters
// (alphanumeric, dot, dash, underscore) and is not empty.
func ValidateUsername(username string) error {
	if username == "" {
		return errors.New("username cannot be empty")
	}
	if !usernameRegex.MatchString(username) {
		return errors.New("username contains invalid characters (allowed: alphanumeric, dot, dash, underscore)")
	}
	return nil
}

// Sanitize strips unsafe HTML from user-supplied message text while keeping
// harmless inline markup. Applied once on write; stored content is trusted
// on the way out.
func Sanitize(input string) string {
	return strings.TrimSpace(ugcPolicy.Sanitize(input))
}

// Render converts message markdown to sanitized HTML for clients that want
// a rich view.
func Render(input string) (string, error) {
	var buf bytes.Buffer
	if err := md.Convert([]byte(input), &buf); err != nil {
		return "", err
	}
	return ugcPolicy.Sanitize(buf.String()), nil
}

// Preview reduces message markdown to a single plain-text line of at most
// max runes, for unread signals and push notifications.
func Preview(input string, max int) string {
	var buf bytes.Buffer
	text := input
	if err := md.Convert([]byte(input), &buf); err == nil {
		text = buf.String()
	}
	text = html.UnescapeString(strictPolicy.Sanitize(text))
	text = strings.TrimSpace(whitespaceRegex.ReplaceAllString(text, " "))

	runes := []rune(text)
	if len(runes) <= max {
		return text
	}
	return string(runes[:max-1]) + "…"
}
