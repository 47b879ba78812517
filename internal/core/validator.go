package core

import (
	"log/slog"
	"strings"

	"github.com/go-playground/validator/v10"

	"paysync/internal/types"
)

// Validator wraps go-playground/validator and translates field failures into
// the platform's AppError shape so handlers never deal with raw validator
// errors.
type Validator struct {
	validate *validator.Validate
	logger   *slog.Logger
}

// NewValidator creates a new Validator and registers domain-specific rules.
func NewValidator(logger *slog.Logger) *Validator {
	if logger == nil {
		logger = slog.Default()
	}

	v := validator.New(validator.WithRequiredStructEnabled())

	// pause_behavior: one of the three provider pause behaviors.
	_ = v.RegisterValidation("pause_behavior", func(fl validator.FieldLevel) bool {
		return types.PauseBehavior(fl.Field().String()).Valid()
	})

	return &Validator{
		validate: v,
		logger:   logger,
	}
}

// ValidateStruct validates the given struct against its validate tags.
// Returns a *types.AppError (400) listing each failed field, or nil.
func (v *Validator) ValidateStruct(s interface{}) error {
	err := v.validate.Struct(s)
	if err == nil {
		return nil
	}

	fieldErrs, ok := err.(validator.ValidationErrors)
	if !ok {
		// InvalidValidationError: the caller passed a non-struct.
		return types.NewAppError(
			types.ErrCodeInternalUnexpected,
			"validation was attempted on a non-struct value",
			err,
		)
	}

	details := make(map[string]any, len(fieldErrs))
	for _, fe := range fieldErrs {
		details[strings.ToLower(fe.Field())] = fe.Tag()
	}

	return types.NewAppErrorWithDetails(
		types.ErrCodeValidationInvalidField,
		"request validation failed",
		err,
		details,
	)
}
