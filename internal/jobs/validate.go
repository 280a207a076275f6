package jobs

import (
	"encoding/json"
	"errors"
	"fmt"
	"reflect"
	"strings"

	"github.com/go-playground/validator/v10"

	"enhancer/internal/domain"
)

// maxAspectRatio bounds the long side against the short side.
const maxAspectRatio = 4.0

var messages = map[string]string{
	"required": "is required",
	"url":      "must be a valid URL",
	"min":      "must have at least %s items",
	"max":      "must be at most %s long",
	"gt":       "must be greater than %s",
	"gte":      "must be greater than or equal to %s",
	"dive":     "is invalid",
}

func newValidator() *validator.Validate {
	v := validator.New(validator.WithRequiredStructEnabled())
	v.RegisterTagNameFunc(func(f reflect.StructField) string {
		name := strings.SplitN(f.Tag.Get("json"), ",", 2)[0]
		if name == "-" {
			return ""
		}
		return name
	})
	return v
}

// toValidationError turns the first validator failure into the error
// surfaced to callers.
func toValidationError(err error) error {
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) || len(verrs) == 0 {
		return domain.NewValidationError("", "invalid request")
	}
	fe := verrs[0]
	field := strings.TrimPrefix(fe.Namespace(), "CreateInput.")
	msg, ok := messages[fe.Tag()]
	if !ok {
		return domain.NewValidationError(field, "is invalid (%s)", fe.Tag())
	}
	if strings.Contains(msg, "%s") {
		return domain.NewValidationError(field, msg, fe.Param())
	}
	return domain.NewValidationError(field, "%s", msg)
}

func (s *Service) validateCreate(in CreateInput) error {
	if err := s.validate.Struct(in); err != nil {
		return toValidationError(err)
	}
	limit := s.cfg.MaxDimension
	if in.Width > limit || in.Height > limit {
		return domain.NewValidationError("width", "image %dx%d exceeds the %dpx limit", in.Width, in.Height, limit)
	}
	long, short := max(in.Width, in.Height), min(in.Width, in.Height)
	if float64(long)/float64(short) > maxAspectRatio {
		return domain.NewValidationError("height", "aspect ratio %d:%d is not supported", in.Width, in.Height)
	}
	if len(in.Masks) > s.cfg.MaxMasks {
		return domain.NewValidationError("masks", "at most %d masks are allowed", s.cfg.MaxMasks)
	}
	seen := make(map[string]struct{}, len(in.Masks))
	for i, m := range in.Masks {
		if _, dup := seen[m.ID]; dup {
			return domain.NewValidationError(fmt.Sprintf("masks[%d].id", i), "duplicate mask id %q", m.ID)
		}
		seen[m.ID] = struct{}{}
		for _, p := range m.Points {
			if p.X < 0 || p.Y < 0 || p.X > float64(in.Width) || p.Y > float64(in.Height) {
				return domain.NewValidationError(fmt.Sprintf("masks[%d].points", i), "point (%g,%g) lies outside the image", p.X, p.Y)
			}
		}
	}
	if err := objectOrNull("options", in.Options); err != nil {
		return err
	}
	return objectOrNull("calibration", in.Calibration)
}

func objectOrNull(field string, raw json.RawMessage) error {
	if len(raw) == 0 {
		return nil
	}
	var v any
	if err := json.Unmarshal(raw, &v); err != nil {
		return domain.NewValidationError(field, "must be valid JSON")
	}
	switch v.(type) {
	case nil, map[string]any:
		return nil
	}
	return domain.NewValidationError(field, "must be an object")
}
