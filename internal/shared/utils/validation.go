package utils

import (
	"fmt"
	"regexp"
	"strings"
	"unicode/utf8"
)

// String length limits
const (
	MaxNameLength  = 128
	MaxEventLength = 64
)

var (
	// NamePattern allows the characters of script and extension file stems,
	// plus the colon of virtual sandbox names
	NamePattern = regexp.MustCompile(`^[a-zA-Z0-9._:-]+$`)
	// EventPattern allows dotted identifiers such as "game.tick"
	EventPattern = regexp.MustCompile(`^[a-zA-Z_][a-zA-Z0-9_.]*$`)
)

// ValidateString validates a string field with length and content checks
func ValidateString(value, fieldName string, minLen, maxLen int, required bool) error {
	if required && value == "" {
		return fmt.Errorf("%s is required", fieldName)
	}
	if value == "" {
		return nil
	}

	length := utf8.RuneCountInString(value)
	if length < minLen {
		return fmt.Errorf("%s must be at least %d characters", fieldName, minLen)
	}
	if length > maxLen {
		return fmt.Errorf("%s must not exceed %d characters", fieldName, maxLen)
	}
	if strings.Contains(value, "\x00") {
		return fmt.Errorf("%s contains invalid characters", fieldName)
	}
	return nil
}

// ValidateName validates a script, sandbox or extension name
func ValidateName(name, fieldName string) error {
	if err := ValidateString(name, fieldName, 1, MaxNameLength, true); err != nil {
		return err
	}
	if !NamePattern.MatchString(name) || strings.Contains(name, "..") {
		return fmt.Errorf("%s contains invalid characters (only alphanumeric, dots, colons, hyphens, and underscores allowed)", fieldName)
	}
	return nil
}

// ValidateEvent validates an event name passed to Invoke
func ValidateEvent(event string) error {
	if err := ValidateString(event, "event", 1, MaxEventLength, true); err != nil {
		return err
	}
	if !EventPattern.MatchString(event) {
		return fmt.Errorf("event must be an identifier, got %q", event)
	}
	return nil
}
