package idemkey

import (
	"errors"
	"fmt"

	"github.com/go-playground/validator/v10"
)

// MaxKeyLength bounds client-supplied keys.
const MaxKeyLength = 255

var validate = validator.New(validator.WithRequiredStructEnabled())

// suppliedKey carries the validation rules for a client-supplied key.
type suppliedKey struct {
	Key string `validate:"required,printascii,max=255"`
}

// KeyError describes why a supplied key was rejected.
type KeyError struct {
	Rule    string
	Message string
}

func (e *KeyError) Error() string {
	return fmt.Sprintf("invalid idempotency key: %s", e.Message)
}

// ValidateSuppliedKey checks a client-supplied key: non-empty, printable ASCII,
// at most MaxKeyLength characters. Keys are opaque and used verbatim.
func ValidateSuppliedKey(key string) error {
	err := validate.Struct(suppliedKey{Key: key})
	if err == nil {
		return nil
	}

	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) || len(verrs) == 0 {
		return fmt.Errorf("validate key: %w", err)
	}

	rule := verrs[0].Tag()
	switch rule {
	case "required":
		return &KeyError{Rule: rule, Message: "key must not be empty"}
	case "printascii":
		return &KeyError{Rule: rule, Message: "key must contain printable ASCII characters only"}
	case "max":
		return &KeyError{Rule: rule, Message: fmt.Sprintf("key must be at most %d characters", MaxKeyLength)}
	default:
		return &KeyError{Rule: rule, Message: verrs[0].Error()}
	}
}
