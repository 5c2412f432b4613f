// Package server provides HTTP and WebSocket handlers for the meter web view.
package server

import (
	"encoding/json"
	"errors"
	"fmt"
	"reflect"
	"strings"

	"github.com/go-playground/validator/v10"
)

// validate is the shared validator instance for request validation.
var validate *validator.Validate

func init() {
	validate = validator.New(validator.WithRequiredStructEnabled())

	// Use JSON tag names in error messages instead of struct field names
	validate.RegisterTagNameFunc(func(fld reflect.StructField) string {
		name := strings.SplitN(fld.Tag.Get("json"), ",", 2)[0]
		if name == "-" {
			return fld.Name
		}
		return name
	})
}

// Responder receives command results. *Client implements it.
type Responder interface {
	Send(v any)
}

// FieldError describes one invalid request field.
type FieldError struct {
	Field   string `json:"field"`
	Message string `json:"message"`
	Value   any    `json:"value,omitempty"`
}

// ValidationError collects field validation errors.
type ValidationError struct {
	Errors []FieldError `json:"errors"`
}

// Add adds a field error to the collection.
func (v *ValidationError) Add(field, message string, value any) {
	v.Errors = append(v.Errors, FieldError{Field: field, Message: message, Value: value})
}

// Error implements the error interface.
func (v *ValidationError) Error() string {
	msgs := make([]string, len(v.Errors))
	for i, e := range v.Errors {
		msgs[i] = strings.TrimSpace(e.Field + " " + e.Message)
	}
	return strings.Join(msgs, "; ")
}

// DecodeAndValidate decodes JSON and validates the struct.
// Returns true if successful, false if an error response was already sent.
func DecodeAndValidate[T any](cmd WSCommand, r Responder, data *T) bool {
	if err := json.Unmarshal(cmd.Data, data); err != nil {
		SendError(r, cmd.Type, fmt.Errorf("invalid JSON: %w", err))
		return false
	}

	if err := validate.Struct(data); err != nil {
		SendValidationErrors(r, cmd.Type, err)
		return false
	}

	return true
}

// HandleCommand decodes, validates, and processes a command with automatic response handling.
// The process function receives the validated data and returns an error if processing fails.
func HandleCommand[T any](cmd WSCommand, r Responder, process func(*T) error) {
	var data T
	if !DecodeAndValidate(cmd, r, &data) {
		return
	}

	if err := process(&data); err != nil {
		SendError(r, cmd.Type, err)
		return
	}

	SendSuccess(r, cmd.Type, nil)
}

// SendSuccess sends a success response for a command.
func SendSuccess(r Responder, cmdType string, data any) {
	result := map[string]any{
		"type":    cmdType + "_result",
		"success": true,
	}
	if data != nil {
		result["data"] = data
	}
	r.Send(result)
}

// SendError sends an error response for a command.
func SendError(r Responder, cmdType string, err error) {
	r.Send(map[string]any{
		"type":    cmdType + "_result",
		"success": false,
		"error":   err.Error(),
	})
}

// SendValidationErrors converts validator errors to our format and sends them.
func SendValidationErrors(r Responder, cmdType string, err error) {
	verr := &ValidationError{Errors: make([]FieldError, 0)}

	var validationErrors validator.ValidationErrors
	if errors.As(err, &validationErrors) {
		for _, e := range validationErrors {
			verr.Add(e.Field(), formatValidationMessage(e), e.Value())
		}
	} else {
		verr.Add("", err.Error(), nil)
	}

	r.Send(map[string]any{
		"type":    cmdType + "_result",
		"success": false,
		"error":   verr,
	})
}

// formatValidationMessage creates a human-readable message from a validator error.
func formatValidationMessage(e validator.FieldError) string {
	switch e.Tag() {
	case "required":
		return "is required"
	case "min":
		return fmt.Sprintf("must be at least %s", e.Param())
	case "max":
		return fmt.Sprintf("must be at most %s", e.Param())
	case "gt":
		return fmt.Sprintf("must be greater than %s", e.Param())
	case "lte":
		return fmt.Sprintf("must be less than or equal to %s", e.Param())
	case "oneof":
		return fmt.Sprintf("must be one of: %s", e.Param())
	case "hexcolor":
		return "must be a hex color"
	default:
		return fmt.Sprintf("failed validation '%s'", e.Tag())
	}
}
