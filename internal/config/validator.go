package config

import (
	"errors"
	"fmt"
	"strings"

	"github.com/go-playground/validator/v10"
)

// RegisterCustomValidators registers vaultgate-specific validation rules.
func RegisterCustomValidators(v *validator.Validate) error {
	if err := v.RegisterValidation("peer_id", validatePeerID); err != nil {
		return fmt.Errorf("failed to register peer_id validator: %w", err)
	}
	return nil
}

// validatePeerID checks the peer ID shape: the lowercase hex encoding of a
// 32-byte key digest.
func validatePeerID(fl validator.FieldLevel) bool {
	id := fl.Field().String()
	if len(id) != 64 {
		return false
	}
	for _, ch := range id {
		if (ch < '0' || ch > '9') && (ch < 'a' || ch > 'f') {
			return false
		}
	}
	return true
}

// Validate validates the config using struct tags plus cross-field rules.
func (c *Config) Validate() error {
	v := validator.New(validator.WithRequiredStructEnabled())
	if err := RegisterCustomValidators(v); err != nil {
		return err
	}
	if err := v.Struct(c); err != nil {
		return formatValidationErrors(err)
	}
	return c.validatePeerEntries()
}

// validatePeerEntries rejects duplicate peer IDs and peers carrying both a
// permissions block and an expression rule.
func (c *Config) validatePeerEntries() error {
	seen := make(map[string]struct{}, len(c.Peers))
	for i, pc := range c.Peers {
		if _, dup := seen[pc.ID]; dup {
			return fmt.Errorf("peers[%d]: duplicate peer id %s", i, pc.ID)
		}
		seen[pc.ID] = struct{}{}
		if pc.Rule != "" && pc.Permissions != nil {
			return fmt.Errorf("peers[%d]: specify permissions OR rule, not both", i)
		}
	}
	return nil
}

// formatValidationErrors converts validator.ValidationErrors to actionable
// messages.
func formatValidationErrors(err error) error {
	var validationErrors validator.ValidationErrors
	if errors.As(err, &validationErrors) {
		var messages []string
		for _, e := range validationErrors {
			messages = append(messages, formatSingleValidationError(e))
		}
		return errors.New(strings.Join(messages, "; "))
	}
	return err
}

func formatSingleValidationError(e validator.FieldError) string {
	field := e.Namespace()
	switch e.Tag() {
	case "required":
		return fmt.Sprintf("%s is required", field)
	case "oneof":
		return fmt.Sprintf("%s must be one of: %s", field, e.Param())
	case "hostname_port":
		return fmt.Sprintf("%s must be a valid host:port", field)
	case "min":
		return fmt.Sprintf("%s must be at least %s", field, e.Param())
	case "peer_id":
		return fmt.Sprintf("%s must be 64 lowercase hex characters", field)
	default:
		return fmt.Sprintf("%s failed validation: %s", field, e.Tag())
	}
}
