// Package validate checks struct tags with go-playground/validator and reports failures
// through the errs envelope.
package validate

import (
	"errors"
	"reflect"
	"strings"

	"github.com/go-playground/locales/en"
	ut "github.com/go-playground/universal-translator"
	"github.com/go-playground/validator/v10"
	en_translations "github.com/go-playground/validator/v10/translations/en"

	"github.com/coachpo/pricegate/errs"
)

var (
	validate   *validator.Validate
	translator ut.Translator
)

func init() {
	validate = validator.New(validator.WithRequiredStructEnabled())
	var ok bool
	translator, ok = ut.New(en.New(), en.New()).GetTranslator("en")
	if !ok {
		panic("validate: failed to get 'en' translator")
	}
	if err := en_translations.RegisterDefaultTranslations(validate, translator); err != nil {
		panic(err)
	}

	validate.RegisterTagNameFunc(func(fld reflect.StructField) string {
		for _, tag := range []string{"json", "yaml"} {
			name := strings.SplitN(fld.Tag.Get(tag), ",", 2)[0]
			if name == "-" {
				return ""
			}
			if name != "" {
				return name
			}
		}
		return fld.Name
	})
}

// Struct validates val against its declared tags. Failures are returned as a
// CodeInvalid error carrying one field per offending property.
func Struct(component string, val any) error {
	err := validate.Struct(val)
	if err == nil {
		return nil
	}
	var verrors validator.ValidationErrors
	if !errors.As(err, &verrors) {
		return errs.New(component, errs.CodeInvalid, errs.WithMessage("validation failed"), errs.WithCause(err))
	}

	opts := make([]errs.Option, 0, len(verrors)+1)
	messages := make([]string, 0, len(verrors))
	for _, verror := range verrors {
		msg := message(verror)
		messages = append(messages, msg)
		opts = append(opts, errs.WithField(fieldPath(verror), msg))
	}
	opts = append(opts, errs.WithMessage(strings.Join(messages, "; ")))
	return errs.New(component, errs.CodeInvalid, opts...)
}

func fieldPath(verror validator.FieldError) string {
	ns := verror.Namespace()
	if idx := strings.IndexByte(ns, '.'); idx >= 0 {
		return ns[idx+1:]
	}
	return verror.Field()
}

func message(verror validator.FieldError) string {
	switch verror.Tag() {
	case "required":
		return fieldPath(verror) + " is required"
	default:
		return verror.Translate(translator)
	}
}
