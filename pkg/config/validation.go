package config

import (
	"fmt"
	"strings"
	"sync"

	"github.com/go-playground/validator/v10"

	"github.com/XiaoConstantine/ace-go/pkg/ace"
)

// ValidationError describes a single failed configuration rule.
type ValidationError struct {
	Field   string
	Tag     string
	Value   interface{}
	Message string
}

func (e *ValidationError) Error() string {
	if e.Message != "" {
		return e.Message
	}
	return fmt.Sprintf("%s failed validation", e.Field)
}

// ValidationErrors collects every failed rule from one validation pass.
type ValidationErrors []ValidationError

func (e ValidationErrors) Error() string {
	if len(e) == 0 {
		return ""
	}
	messages := make([]string, 0, len(e))
	for i := range e {
		messages = append(messages, e[i].Error())
	}
	return fmt.Sprintf("validation failed: %s", strings.Join(messages, "; "))
}

// Validator checks configurations against the struct tag rules plus the
// engine-specific cross-field rules.
type Validator struct {
	validate *validator.Validate
}

// NewValidator creates a validator with all custom rules registered.
func NewValidator() (*Validator, error) {
	validate := validator.New()
	if err := registerAllValidators(validate); err != nil {
		return nil, err
	}
	return &Validator{validate: validate}, nil
}

// ValidateConfig validates a configuration struct.
func (v *Validator) ValidateConfig(config *Config) error {
	if config == nil {
		return ValidationErrors{
			ValidationError{Field: "config", Tag: "required", Message: "config is nil"},
		}
	}

	var validationErrors ValidationErrors

	if err := v.validate.Struct(config); err != nil {
		if errs, ok := err.(validator.ValidationErrors); ok {
			for _, e := range errs {
				validationErrors = append(validationErrors, ValidationError{
					Field:   e.Namespace(),
					Tag:     e.Tag(),
					Value:   e.Value(),
					Message: validationMessage(e),
				})
			}
		} else {
			validationErrors = append(validationErrors, ValidationError{Message: err.Error()})
		}
	}

	validationErrors = append(validationErrors, v.crossFieldRules(config)...)

	if len(validationErrors) > 0 {
		return validationErrors
	}
	return nil
}

// crossFieldRules holds the checks struct tags cannot express.
func (v *Validator) crossFieldRules(config *Config) ValidationErrors {
	var errs ValidationErrors

	// The engine needs embeddings for dedup and retrieval; Anthropic has
	// no embedding endpoint.
	if strings.EqualFold(config.Embedding.Provider, "anthropic") {
		errs = append(errs, ValidationError{
			Field:   "Config.Embedding.Provider",
			Tag:     "provider",
			Value:   config.Embedding.Provider,
			Message: "anthropic exposes no embedding API; use an ollama embedding model",
		})
	}

	for i, out := range config.Logging.Outputs {
		if out.Type == OutputFile && out.Path == "" {
			errs = append(errs, ValidationError{
				Field:   fmt.Sprintf("Config.Logging.Outputs[%d].Path", i),
				Tag:     "required",
				Message: "file log outputs need a path",
			})
		}
	}

	return errs
}

// validationMessage renders a readable message for a failed tag.
func validationMessage(e validator.FieldError) string {
	switch e.Tag() {
	case "required":
		return fmt.Sprintf("%s is required", e.Namespace())
	case "min", "gte":
		return fmt.Sprintf("%s must be at least %s", e.Namespace(), e.Param())
	case "max", "lte":
		return fmt.Sprintf("%s must be at most %s", e.Namespace(), e.Param())
	case "gt":
		return fmt.Sprintf("%s must be greater than %s", e.Namespace(), e.Param())
	case "provider":
		return fmt.Sprintf("%s must name a supported provider", e.Namespace())
	case "log_level":
		return fmt.Sprintf("%s must be one of DEBUG, INFO, WARN, ERROR, FATAL", e.Namespace())
	case "output_type":
		return fmt.Sprintf("%s must be console or file", e.Namespace())
	case "cache_backend":
		return fmt.Sprintf("%s must be file or sqlite", e.Namespace())
	case "lock_policy":
		return fmt.Sprintf("%s must be block or fail_fast", e.Namespace())
	default:
		return fmt.Sprintf("%s failed %s validation", e.Namespace(), e.Tag())
	}
}

// registerAllValidators registers all custom validators.
func registerAllValidators(validate *validator.Validate) error {
	validators := map[string]validator.Func{
		"provider":      validateProvider,
		"log_level":     validateLogLevel,
		"output_type":   validateOutputType,
		"cache_backend": validateCacheBackend,
		"lock_policy":   validateLockPolicy,
	}

	for name, fn := range validators {
		if err := validate.RegisterValidation(name, fn); err != nil {
			return fmt.Errorf("failed to register validator %q: %w", name, err)
		}
	}
	return nil
}

func validateProvider(fl validator.FieldLevel) bool {
	switch strings.ToLower(fl.Field().String()) {
	case "anthropic", "ollama":
		return true
	}
	return false
}

func validateLogLevel(fl validator.FieldLevel) bool {
	switch fl.Field().String() {
	case "DEBUG", "INFO", "WARN", "ERROR", "FATAL":
		return true
	}
	return false
}

func validateOutputType(fl validator.FieldLevel) bool {
	switch fl.Field().String() {
	case OutputConsole, OutputFile:
		return true
	}
	return false
}

func validateCacheBackend(fl validator.FieldLevel) bool {
	switch ace.CacheBackend(fl.Field().String()) {
	case ace.CacheBackendFile, ace.CacheBackendSQLite:
		return true
	}
	return false
}

func validateLockPolicy(fl validator.FieldLevel) bool {
	switch ace.LockPolicy(fl.Field().String()) {
	case ace.LockBlock, ace.LockFailFast:
		return true
	}
	return false
}

var (
	defaultValidator     *Validator
	defaultValidatorOnce sync.Once
	defaultValidatorErr  error
)

// ValidateConfig validates a configuration with a lazily constructed
// shared validator.
func ValidateConfig(config *Config) error {
	defaultValidatorOnce.Do(func() {
		defaultValidator, defaultValidatorErr = NewValidator()
	})
	if defaultValidatorErr != nil {
		return defaultValidatorErr
	}
	return defaultValidator.ValidateConfig(config)
}
