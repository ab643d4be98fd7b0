// Package validation provides input validation for the rentledger API.
package validation

import (
	"net/http"
	"regexp"
	"strings"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/propertyops/rentledger/internal/money"
)

// MaxRequestSize is the maximum request body size (1MB)
const MaxRequestSize = 1 << 20 // 1MB

// MaxStringLength is the maximum length for free-text fields
const MaxStringLength = 10000

var (
	// periodRegex validates billing periods ("2024-01")
	periodRegex = regexp.MustCompile(`^\d{4}-(0[1-9]|1[0-2])$`)
	// idRegex validates entity IDs (prefix_hex or bare UUID)
	idRegex = regexp.MustCompile(`^[a-z]+_[a-f0-9]{24}$|^[a-f0-9-]{36}$`)
)

// RequestSizeMiddleware limits request body size
func RequestSizeMiddleware(maxSize int64) gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, maxSize)
		c.Next()
	}
}

// IsValidPeriod checks if a string is a valid YYYY-MM billing period
func IsValidPeriod(period string) bool {
	return periodRegex.MatchString(period)
}

// IsValidID checks if a string looks like a ledger entity ID
func IsValidID(id string) bool {
	return idRegex.MatchString(id)
}

// SanitizeString removes dangerous characters and limits length
func SanitizeString(s string, maxLen int) string {
	s = strings.TrimSpace(s)
	if len(s) > maxLen {
		s = s[:maxLen]
	}
	s = strings.ReplaceAll(s, "\x00", "")
	return s
}

// ValidationError represents a validation error
type ValidationError struct {
	Field   string `json:"field"`
	Message string `json:"message"`
}

// ValidationErrors is a collection of validation errors
type ValidationErrors []ValidationError

// Error implements the error interface
func (e ValidationErrors) Error() string {
	if len(e) == 0 {
		return "validation failed"
	}
	return e[0].Field + ": " + e[0].Message
}

// Validate runs validators and collects their errors
func Validate(validators ...func() *ValidationError) ValidationErrors {
	var errors ValidationErrors
	for _, v := range validators {
		if err := v(); err != nil {
			errors = append(errors, *err)
		}
	}
	return errors
}

// Required checks if a field is non-empty
func Required(field, value string) func() *ValidationError {
	return func() *ValidationError {
		if strings.TrimSpace(value) == "" {
			return &ValidationError{Field: field, Message: "is required"}
		}
		return nil
	}
}

// ValidAmount checks if a value is a positive monetary amount
func ValidAmount(field, value string) func() *ValidationError {
	return func() *ValidationError {
		if value == "" {
			return nil // Use Required for required fields
		}
		if _, ok := money.Parse(value); !ok {
			return &ValidationError{Field: field, Message: "invalid amount format"}
		}
		if !money.IsPositive(value) {
			return &ValidationError{Field: field, Message: "amount must be greater than zero"}
		}
		return nil
	}
}

// ValidPeriod checks if a value is a YYYY-MM billing period
func ValidPeriod(field, value string) func() *ValidationError {
	return func() *ValidationError {
		if value == "" {
			return nil
		}
		if !IsValidPeriod(value) {
			return &ValidationError{Field: field, Message: "must be a YYYY-MM period"}
		}
		return nil
	}
}

// ValidDate checks if a value is an RFC 3339 date or date-time
func ValidDate(field, value string) func() *ValidationError {
	return func() *ValidationError {
		if value == "" {
			return nil
		}
		if _, err := time.Parse(time.RFC3339, value); err == nil {
			return nil
		}
		if _, err := time.Parse("2006-01-02", value); err == nil {
			return nil
		}
		return &ValidationError{Field: field, Message: "must be an RFC 3339 date"}
	}
}

// MaxLength checks if a field exceeds max length
func MaxLength(field, value string, max int) func() *ValidationError {
	return func() *ValidationError {
		if len(value) > max {
			return &ValidationError{Field: field, Message: "exceeds maximum length"}
		}
		return nil
	}
}

// ParseDate parses an RFC 3339 date-time or bare date string.
func ParseDate(value string) (time.Time, bool) {
	if t, err := time.Parse(time.RFC3339, value); err == nil {
		return t, true
	}
	if t, err := time.Parse("2006-01-02", value); err == nil {
		return t, true
	}
	return time.Time{}, false
}
