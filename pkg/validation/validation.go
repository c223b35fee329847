package validation

import (
	"fmt"
	"net/url"
	"regexp"
	"strings"
	"unicode/utf8"
)

var (
	// HangoutIDRegex validates hangout ID format
	HangoutIDRegex = regexp.MustCompile(`^[a-zA-Z0-9_-]+$`)

	// UserIDRegex validates user ID format
	UserIDRegex = regexp.MustCompile(`^[a-zA-Z0-9_.@-]+$`)
)

// ValidateHangoutID validates hangout ID
func ValidateHangoutID(id string) error {
	if id == "" {
		return fmt.Errorf("hangout ID is required")
	}
	if len(id) > 100 {
		return fmt.Errorf("hangout ID is too long (max 100 characters)")
	}
	if !HangoutIDRegex.MatchString(id) {
		return fmt.Errorf("invalid hangout ID format")
	}
	return nil
}

// ValidateUserID validates user ID
func ValidateUserID(id string) error {
	if id == "" {
		return fmt.Errorf("user ID is required")
	}
	if len(id) > 100 {
		return fmt.Errorf("user ID is too long (max 100 characters)")
	}
	if !UserIDRegex.MatchString(id) {
		return fmt.Errorf("invalid user ID format")
	}
	return nil
}

// ValidateHangoutName validates an optional display name
func ValidateHangoutName(name string) error {
	name = strings.TrimSpace(name)
	if name == "" {
		return nil // display name is optional
	}
	if utf8.RuneCountInString(name) > 120 {
		return fmt.Errorf("hangout name is too long (max 120 characters)")
	}
	return nil
}

// ValidateBroadcastURL validates an egress endpoint URL
func ValidateBroadcastURL(raw string) error {
	if raw == "" {
		return fmt.Errorf("broadcast URL is required")
	}
	u, err := url.Parse(raw)
	if err != nil {
		return fmt.Errorf("invalid broadcast URL: %w", err)
	}
	switch u.Scheme {
	case "http", "https", "ws", "wss":
	default:
		return fmt.Errorf("unsupported broadcast URL scheme %q", u.Scheme)
	}
	if u.Host == "" {
		return fmt.Errorf("broadcast URL must include a host")
	}
	return nil
}

// ValidateMaxParticipants validates the room capacity bound
func ValidateMaxParticipants(n int) error {
	if n < 2 {
		return fmt.Errorf("max participants must be at least 2")
	}
	if n > 50 {
		return fmt.Errorf("max participants must be at most 50")
	}
	return nil
}
