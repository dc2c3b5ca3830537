// Package validator validates inbound REST payloads: Request, WebhookSpec,
// and bulk device lists. It wraps go-playground/validator/v10 with struct
// tags plus a FieldError-to-message translator.
package validator

import (
	"fmt"
	"strings"

	playground "github.com/go-playground/validator/v10"

	"github.com/netpulse/netpulse/pkg/errors"
	"github.com/netpulse/netpulse/pkg/types"
)

// ValidationError describes a single failed field.
type ValidationError struct {
	Field   string `json:"field"`
	Tag     string `json:"tag"`
	Message string `json:"message"`
}

func (e ValidationError) Error() string { return e.Message }

// ValidationErrors joins every failed field into one error.
type ValidationErrors []ValidationError

func (es ValidationErrors) Error() string {
	msgs := make([]string, len(es))
	for i, e := range es {
		msgs[i] = e.Message
	}
	return strings.Join(msgs, "; ")
}

// Validator wraps go-playground/validator/v10 with NetPulse's field message
// translation and the domain-specific checks struct tags can't express
// (operation shape, bulk device list non-emptiness).
type Validator struct {
	v *playground.Validate
}

// New builds a Validator.
func New() *Validator {
	return &Validator{v: playground.New()}
}

// ValidateStruct runs struct-tag validation, translating failures into
// ValidationErrors.
func (vv *Validator) ValidateStruct(s interface{}) error {
	if err := vv.v.Struct(s); err != nil {
		fieldErrs, ok := err.(playground.ValidationErrors)
		if !ok {
			return err
		}
		out := make(ValidationErrors, 0, len(fieldErrs))
		for _, fe := range fieldErrs {
			out = append(out, ValidationError{Field: fe.Field(), Tag: fe.Tag(), Message: getErrorMessage(fe)})
		}
		return out
	}
	return nil
}

// ValidateRequest validates a device Request: struct tags cover
// driver/connection_args/webhook bounds; the operation-shape and host checks
// below aren't expressible as tags on an interface{}-valued map.
func (vv *Validator) ValidateRequest(req *types.Request) error {
	if err := vv.ValidateStruct(req); err != nil {
		return asAppError(err)
	}
	if req.Host() == "" {
		return errors.NewValidationError("connection_args.host is required")
	}
	switch req.Operation.Kind {
	case types.OperationQuery:
		if len(req.Operation.Command) == 0 {
			return errors.NewValidationError("operation.command is required for a query operation")
		}
	case types.OperationConfig:
		if len(req.Operation.Config) == 0 {
			return errors.NewValidationError("operation.config is required for a config operation")
		}
	case types.OperationTestConnection:
		// no command/config payload expected
	default:
		return errors.NewValidationError("operation.kind must be one of query, config, test_connection")
	}
	if req.Options.Webhook != nil {
		if err := vv.ValidateStruct(req.Options.Webhook); err != nil {
			return asAppError(err)
		}
	}
	return nil
}

// ValidateBulkDevices checks the devices list of a POST /device/bulk request:
// non-empty, and every entry names a host.
func (vv *Validator) ValidateBulkDevices(devices []map[string]interface{}) error {
	if len(devices) == 0 {
		return errors.NewValidationError("devices must contain at least one entry")
	}
	for i, d := range devices {
		host, _ := d["host"].(string)
		if host == "" {
			return errors.Newf(errors.ValidationError, "VALIDATION_FAILED", "devices[%d].host is required", i)
		}
	}
	return nil
}

func asAppError(err error) error {
	if verrs, ok := err.(ValidationErrors); ok {
		return errors.NewValidationError(verrs.Error())
	}
	return errors.NewValidationError(err.Error())
}

func getErrorMessage(fe playground.FieldError) string {
	switch fe.Tag() {
	case "required":
		return fmt.Sprintf("%s is required", fe.Field())
	case "url":
		return fmt.Sprintf("%s must be a valid URL", fe.Field())
	case "gte":
		return fmt.Sprintf("%s must be >= %s", fe.Field(), fe.Param())
	case "lte":
		return fmt.Sprintf("%s must be <= %s", fe.Field(), fe.Param())
	case "oneof":
		return fmt.Sprintf("%s must be one of [%s]", fe.Field(), fe.Param())
	default:
		return fmt.Sprintf("%s failed validation on tag %q", fe.Field(), fe.Tag())
	}
}

// Global validator instance, so handlers don't each thread a *Validator
// through by hand.
var global *Validator

// Init initializes the global validator.
func Init() {
	global = New()
}

// Get returns the global validator, lazily initializing it if needed.
func Get() *Validator {
	if global == nil {
		global = New()
	}
	return global
}
