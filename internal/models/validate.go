package models

import (
	"fmt"
	"strings"
	"time"
)

// DateLayout is the wire format of PricePayload.Date
const DateLayout = "2006-01-02"

// ValidationError names the first invalid field of a payload
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("%s: %s", e.Field, e.Message)
}

func invalid(field, format string, args ...any) error {
	return &ValidationError{Field: field, Message: fmt.Sprintf(format, args...)}
}

// Validate checks a full price submission
func (p PricePayload) Validate() error {
	if strings.TrimSpace(p.Region) == "" {
		return invalid("region", "is required")
	}
	if strings.TrimSpace(p.Quality) == "" {
		return invalid("quality", "is required")
	}
	if p.Amount <= 0 {
		return invalid("amount", "must be positive")
	}
	if err := validateDate(p.Date); err != nil {
		return err
	}
	if err := validateCurrency(p.Currency); err != nil {
		return err
	}
	if p.Location != nil {
		if err := p.Location.Validate(); err != nil {
			return err
		}
	}
	return nil
}

// Validate checks the fields an update sets
func (u PriceUpdate) Validate() error {
	if u.IsEmpty() {
		return invalid("update", "changes nothing")
	}
	if u.Region != nil && strings.TrimSpace(*u.Region) == "" {
		return invalid("region", "cannot be blank")
	}
	if u.Amount != nil && *u.Amount <= 0 {
		return invalid("amount", "must be positive")
	}
	if u.Date != nil {
		if err := validateDate(*u.Date); err != nil {
			return err
		}
	}
	if u.Currency != nil {
		if err := validateCurrency(*u.Currency); err != nil {
			return err
		}
	}
	if u.Location != nil {
		return u.Location.Validate()
	}
	return nil
}

// Validate checks a verification
func (v VerifyPayload) Validate() error {
	if !IsValidVerdict(v.Verdict) {
		return invalid("verdict", "must be confirm or dispute, got %q", v.Verdict)
	}
	return nil
}

// Validate checks that the point is on the globe
func (c Coordinates) Validate() error {
	if c.Lat < -90 || c.Lat > 90 {
		return invalid("location.lat", "out of range")
	}
	if c.Lng < -180 || c.Lng > 180 {
		return invalid("location.lng", "out of range")
	}
	return nil
}

func validateDate(s string) error {
	if s == "" {
		return invalid("date", "is required")
	}
	if _, err := time.Parse(DateLayout, s); err != nil {
		return invalid("date", "must be YYYY-MM-DD, got %q", s)
	}
	return nil
}

func validateCurrency(s string) error {
	if s == "" {
		return nil
	}
	if len(s) != 3 || strings.ToUpper(s) != s {
		return invalid("currency", "must be a 3-letter ISO code, got %q", s)
	}
	return nil
}
