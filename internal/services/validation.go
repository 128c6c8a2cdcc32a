package services

import (
	"fmt"
	"reflect"
	"strings"

	"github.com/go-playground/validator/v10"
	"github.com/pkg/errors"

	"example.com/backstage/services/citysync/internal/models"
)

// RequiredEventFields lists the fields every city event must carry
var RequiredEventFields = []string{"eventId", "type", "entityId", "data"}

var validate *validator.Validate

func init() {
	validate = validator.New()
	validate.RegisterTagNameFunc(func(fld reflect.StructField) string {
		name := strings.SplitN(fld.Tag.Get("json"), ",", 2)[0]
		if name == "-" {
			return ""
		}
		return name
	})
}

// ValidationError is a structurally invalid event. It is terminal: the
// event is neither applied nor worth redelivering.
type ValidationError struct {
	Message  string
	Required []string
	Missing  []string
}

func (e *ValidationError) Error() string {
	if len(e.Missing) > 0 {
		return fmt.Sprintf("%s: missing %s", e.Message, strings.Join(e.Missing, ", "))
	}
	return e.Message
}

// IsValidationError reports whether err is a ValidationError
func IsValidationError(err error) bool {
	var ve *ValidationError
	return errors.As(err, &ve)
}

// ValidateEvent checks the event shape before anything touches the replica.
// An unrecognized but non-empty type passes; it is handled as a skip.
func ValidateEvent(event *models.CityEvent) error {
	if event == nil {
		return &ValidationError{
			Message:  "Invalid event structure",
			Required: RequiredEventFields,
			Missing:  RequiredEventFields,
		}
	}

	if err := validate.Struct(event); err != nil {
		var fieldErrs validator.ValidationErrors
		if !errors.As(err, &fieldErrs) {
			return errors.Wrap(err, "failed to validate event")
		}
		missing := make([]string, 0, len(fieldErrs))
		for _, fe := range fieldErrs {
			missing = append(missing, fe.Field())
		}
		return &ValidationError{
			Message:  "Invalid event structure",
			Required: RequiredEventFields,
			Missing:  missing,
		}
	}

	if event.Version != 0 && event.Version != event.Data.Version {
		return &ValidationError{
			Message:  fmt.Sprintf("Event version %d does not match data version %d", event.Version, event.Data.Version),
			Required: RequiredEventFields,
		}
	}

	if event.Data.ID != "" && event.Data.ID != event.EntityID {
		return &ValidationError{
			Message:  fmt.Sprintf("Data id %s does not match entity id %s", event.Data.ID, event.EntityID),
			Required: RequiredEventFields,
		}
	}

	return nil
}
