package security

import (
	"errors"
	"fmt"
	"reflect"
	"regexp"
	"strings"

	"github.com/go-playground/validator/v10"
	"github.com/go-playground/validator/v10/non-standard/validators"

	"servicebot/internal/apperr"
)

const (
	MaxUserID         = 999_999_999
	MaxQuestionLength = 1000
	MaxTitleLength    = 200
)

// ErrUnsafeInput marks input rejected by the markup denylist.
var ErrUnsafeInput = errors.New("unsafe input")

var dangerousPatterns = []*regexp.Regexp{
	regexp.MustCompile(`(?is)<script[^>]*>.*?</script>`),
	regexp.MustCompile(`(?i)javascript:`),
	regexp.MustCompile(`(?i)on\w+\s*=`),
	regexp.MustCompile(`(?is)<iframe[^>]*>.*?</iframe>`),
	regexp.MustCompile(`(?is)<object[^>]*>.*?</object>`),
	regexp.MustCompile(`(?is)<embed[^>]*>.*?</embed>`),
}

// validate is shared by every request type. Besides the built-in rules it
// knows "notblank" and "safe_markup", and it reports fields by their json
// names.
var validate = newValidator()

func newValidator() *validator.Validate {
	v := validator.New()
	v.RegisterTagNameFunc(func(f reflect.StructField) string {
		name, _, _ := strings.Cut(f.Tag.Get("json"), ",")
		if name == "-" {
			return ""
		}
		return name
	})
	if err := v.RegisterValidation("notblank", validators.NotBlank); err != nil {
		panic(err)
	}
	if err := v.RegisterValidation("safe_markup", safeMarkup); err != nil {
		panic(err)
	}
	return v
}

func safeMarkup(fl validator.FieldLevel) bool {
	text := fl.Field().String()
	for _, pattern := range dangerousPatterns {
		if pattern.MatchString(text) {
			return false
		}
	}
	return true
}

// Validate checks req against its `validate` struct tags. Rule violations
// come back as apperr validation errors; markup hits also wrap ErrUnsafeInput.
func Validate(req any) error {
	err := validate.Struct(req)
	if err == nil {
		return nil
	}
	var fieldErrs validator.ValidationErrors
	if !errors.As(err, &fieldErrs) || len(fieldErrs) == 0 {
		return fmt.Errorf("validate request: %w", err)
	}
	return fieldError(fieldErrs[0])
}

func fieldError(fe validator.FieldError) error {
	field := fe.Field()
	switch fe.Tag() {
	case "safe_markup":
		return &apperr.Error{
			Kind:    apperr.KindValidation,
			Message: field + " contains unsafe content",
			Err:     ErrUnsafeInput,
		}
	case "required", "notblank", "min":
		return apperr.Validation("%s cannot be empty", field)
	case "max":
		return apperr.Validation("%s is too long, maximum length is %s characters", field, fe.Param())
	case "gt":
		return apperr.Validation("%s must be greater than %s", field, fe.Param())
	case "gte":
		return apperr.Validation("%s cannot be less than %s", field, fe.Param())
	case "lte":
		return apperr.Validation("%s is out of range", field)
	default:
		return apperr.Validation("%s is invalid", field)
	}
}

type userRef struct {
	UserID int64 `json:"user_id" validate:"gt=0,lte=999999999"`
}

// ValidateUserID accepts ids in (0, MaxUserID].
func ValidateUserID(userID int64) error {
	return Validate(userRef{UserID: userID})
}

var htmlEscaper = strings.NewReplacer(
	"&", "&amp;",
	`"`, "&quot;",
	"'", "&#x27;",
	">", "&gt;",
	"<", "&lt;",
)

// SanitizeOutput HTML-escapes text before it is echoed back to a browser.
func SanitizeOutput(text string) string {
	if text == "" {
		return ""
	}
	return htmlEscaper.Replace(text)
}
