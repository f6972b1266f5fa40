package validation

import (
	stderrors "errors"
	"io"
	"net/http"
	"strconv"

	"github.com/goccy/go-json"
	"github.com/nkkko/chatwatch/internal/api/errors"
)

// Validator defines the interface for request validation
type Validator interface {
	Validate() error
}

// ParseAndValidate parses a JSON request body and validates it
func ParseAndValidate(r *http.Request, v Validator) error {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		if stderrors.Is(err, io.EOF) {
			return errors.ValidationError("empty_request_body", "Request body is empty")
		}
		return errors.ValidationError("invalid_json", "Invalid JSON format: "+err.Error())
	}

	return v.Validate()
}

// ParseOptional is ParseAndValidate for endpoints where the body may be omitted.
// It reports whether a body was present.
func ParseOptional(r *http.Request, v Validator) (bool, error) {
	if r.Body == nil || r.ContentLength == 0 {
		return false, nil
	}

	err := ParseAndValidate(r, v)
	var apiErr *errors.APIError
	if stderrors.As(err, &apiErr) && apiErr.Code == "empty_request_body" {
		return false, nil
	}
	return err == nil, err
}

// MaxLength validates that a string is not longer than the specified max length
func MaxLength(field, value string, maxLen int) error {
	if len(value) > maxLen {
		return errors.ValidationError(
			"max_length_exceeded",
			field+" must be at most "+strconv.Itoa(maxLen)+" characters",
		)
	}
	return nil
}

// Required validates that a string is not empty
func Required(field, value string) error {
	if value == "" {
		return errors.ValidationError(
			"required_field_missing",
			field+" is required",
		)
	}
	return nil
}

// Max validates that a number is not greater than the specified max value
func Max(field string, value, max int) error {
	if value > max {
		return errors.ValidationError(
			"max_value_exceeded",
			field+" must be at most "+strconv.Itoa(max),
		)
	}
	return nil
}
