package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"

	"github.com/svmp/svmp-proxy/pkg/protocol"
)

// RegisterCustomValidators registers proxy-specific validation rules.
// Must be called before validating ProxyConfig.
func RegisterCustomValidators(v *validator.Validate) error {
	if err := v.RegisterValidation("duration", validateDuration); err != nil {
		return fmt.Errorf("failed to register duration validator: %w", err)
	}
	if err := v.RegisterValidation("request_type", validateRequestType); err != nil {
		return fmt.Errorf("failed to register request_type validator: %w", err)
	}
	return nil
}

// validateDuration accepts Go duration strings that are not negative.
func validateDuration(fl validator.FieldLevel) bool {
	d, err := time.ParseDuration(fl.Field().String())
	return err == nil && d >= 0
}

// validateRequestType accepts wire request type names such as "TOUCHEVENT".
func validateRequestType(fl validator.FieldLevel) bool {
	_, ok := protocol.ParseRequestType(fl.Field().String())
	return ok
}

// Validate validates the ProxyConfig using struct tags and cross-field rules.
// Returns an error if validation fails, with actionable error messages.
func (c *ProxyConfig) Validate() error {
	v := validator.New(validator.WithRequiredStructEnabled())

	if err := RegisterCustomValidators(v); err != nil {
		return err
	}

	if err := v.Struct(c); err != nil {
		return formatValidationErrors(err)
	}

	if err := c.validateAuthMode(); err != nil {
		return err
	}

	if err := c.validateDockerFlavor(); err != nil {
		return err
	}

	return nil
}

// validateAuthMode checks the settings each authentication mode depends on.
func (c *ProxyConfig) validateAuthMode() error {
	switch c.Auth.Mode {
	case "external":
		if c.Auth.External.Command == "" {
			return errors.New("auth.external.command is required when auth.mode is external")
		}
	case "certificate":
		if !c.TLS.Enabled {
			return errors.New("auth.mode certificate requires tls.enabled")
		}
		if c.TLS.CACert == "" {
			return errors.New("auth.mode certificate requires tls.ca_cert")
		}
	}
	return nil
}

// validateDockerFlavor ensures the default flavor names a configured docker flavor.
func (c *ProxyConfig) validateDockerFlavor() error {
	if c.VMs.Provider != "docker" || c.VMs.Defaults.Flavor == "" {
		return nil
	}
	for _, f := range c.VMs.Docker.Flavors {
		if f.Name == c.VMs.Defaults.Flavor {
			return nil
		}
	}
	return fmt.Errorf("vms.defaults.flavor: unknown docker flavor %q", c.VMs.Defaults.Flavor)
}

// formatValidationErrors converts validator.ValidationErrors to user-friendly messages.
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

// formatSingleValidationError creates a user-friendly message for a single validation error.
func formatSingleValidationError(e validator.FieldError) string {
	field := e.Namespace()
	tag := e.Tag()

	switch tag {
	case "required", "required_if":
		return fmt.Sprintf("%s is required", field)
	case "min":
		return fmt.Sprintf("%s must be at least %s", field, e.Param())
	case "max":
		return fmt.Sprintf("%s must be at most %s", field, e.Param())
	case "oneof":
		return fmt.Sprintf("%s must be one of: %s", field, e.Param())
	case "startswith":
		return fmt.Sprintf("%s must start with %q", field, e.Param())
	case "hostname_port":
		return fmt.Sprintf("%s must be a valid host:port", field)
	case "cidrv4":
		return fmt.Sprintf("%s must be an IPv4 CIDR", field)
	case "duration":
		return fmt.Sprintf("%s must be a duration such as \"30s\" or \"5m\"", field)
	case "request_type":
		return fmt.Sprintf("%s: unknown request type %q", field, e.Value())
	default:
		return fmt.Sprintf("%s failed validation: %s", field, tag)
	}
}
