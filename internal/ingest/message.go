// Package ingest defines the message record that flows through the pipeline
// and the validation applied at the ingestion boundary.
package ingest

import (
	"encoding/json"
	"fmt"
	"reflect"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
)

// Message is the unit of work. It is created at the ingestion endpoint,
// carried through the buffer as one JSON list entry, staged by the
// coordinator and finally persisted as one relational row.
type Message struct {
	TrackingID string    `json:"tracking_id"`
	UserID     int64     `json:"user_id"`
	ChannelID  int64     `json:"channel_id"`
	Content    string    `json:"content"`
	CreatedAt  time.Time `json:"created_at"`
}

// EnqueueRequest is the payload accepted by POST /messages
type EnqueueRequest struct {
	UserID    int64      `json:"user_id" validate:"required,gt=0"`
	ChannelID int64      `json:"channel_id" validate:"required,gt=0"`
	Content   string     `json:"content" validate:"required,max=2000"`
	CreatedAt *time.Time `json:"created_at,omitempty"`
}

// Validate rejects content that is blank after trimming. The tag rules
// cannot express this because a string of spaces satisfies required.
func (r *EnqueueRequest) Validate() *ValidationErrors {
	if strings.TrimSpace(r.Content) == "" {
		return &ValidationErrors{
			Errors: []ValidationError{{Field: "content", Message: "content must not be blank"}},
		}
	}
	return nil
}

// NewMessage assigns a tracking identifier and stamps the enqueue time
// when the producer did not supply one.
func NewMessage(req *EnqueueRequest) *Message {
	createdAt := time.Now().UTC()
	if req.CreatedAt != nil {
		createdAt = req.CreatedAt.UTC()
	}
	return &Message{
		TrackingID: NewTrackingID(),
		UserID:     req.UserID,
		ChannelID:  req.ChannelID,
		Content:    req.Content,
		CreatedAt:  createdAt,
	}
}

// NewTrackingID returns the 8-character opaque identifier assigned at
// ingest and carried through buffer, staging and persistence events.
func NewTrackingID() string {
	return uuid.NewString()[:8]
}

// Encode renders the message as a single self-describing buffer entry
func (m *Message) Encode() ([]byte, error) {
	data, err := json.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("failed to encode message %s: %w", m.TrackingID, err)
	}
	return data, nil
}

// DecodeMessage parses a buffer entry. The caller discards malformed entries.
func DecodeMessage(data []byte) (*Message, error) {
	var m Message
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("malformed buffer entry: %w", err)
	}
	return &m, nil
}

// Global validator instance, reporting fields by their json names
var validate = newValidator()

func newValidator() *validator.Validate {
	v := validator.New()
	v.RegisterTagNameFunc(func(fld reflect.StructField) string {
		name := strings.SplitN(fld.Tag.Get("json"), ",", 2)[0]
		if name == "-" {
			return ""
		}
		return name
	})
	return v
}

// ValidationError represents a field-level validation error
type ValidationError struct {
	Field   string `json:"field"`
	Message string `json:"message"`
}

// ValidationErrors holds multiple validation errors
type ValidationErrors struct {
	Errors []ValidationError `json:"errors"`
}

// Error implements the error interface for ValidationErrors
func (v *ValidationErrors) Error() string {
	if len(v.Errors) == 0 {
		return "validation failed"
	}
	messages := make([]string, len(v.Errors))
	for i, e := range v.Errors {
		messages[i] = fmt.Sprintf("%s: %s", e.Field, e.Message)
	}
	return fmt.Sprintf("validation failed: %s", strings.Join(messages, "; "))
}

// ValidatePayload validates a request payload and returns detailed
// field-level errors suitable for a 400 response body.
func ValidatePayload(payload interface{}) error {
	err := validate.Struct(payload)
	if err != nil {
		validationErrs := &ValidationErrors{}
		for _, e := range err.(validator.ValidationErrors) {
			validationErrs.Errors = append(validationErrs.Errors, ValidationError{
				Field:   e.Field(),
				Message: formatValidationMessage(e),
			})
		}
		return validationErrs
	}

	// Check for custom Validate method
	if v, ok := payload.(interface{ Validate() *ValidationErrors }); ok {
		if verr := v.Validate(); verr != nil {
			return verr
		}
	}
	return nil
}

// formatValidationMessage creates human-readable error messages
func formatValidationMessage(e validator.FieldError) string {
	field := e.Field()
	switch e.Tag() {
	case "required":
		return fmt.Sprintf("%s is required", field)
	case "gt":
		return fmt.Sprintf("%s must be greater than %s", field, e.Param())
	case "gte":
		return fmt.Sprintf("%s must be at least %s", field, e.Param())
	case "lte":
		return fmt.Sprintf("%s must be at most %s", field, e.Param())
	case "min":
		if e.Kind() == reflect.String {
			return fmt.Sprintf("%s must be at least %s characters", field, e.Param())
		}
		return fmt.Sprintf("%s must be at least %s", field, e.Param())
	case "max":
		if e.Kind() == reflect.String {
			return fmt.Sprintf("%s must be at most %s characters", field, e.Param())
		}
		return fmt.Sprintf("%s must be at most %s", field, e.Param())
	case "oneof":
		return fmt.Sprintf("%s must be one of: %s", field, e.Param())
	default:
		return fmt.Sprintf("%s failed %s validation", field, e.Tag())
	}
}
