package validation

import (
	"bytes"
	"errors"
	"fmt"

	"github.com/go-playground/validator/v10"
)

var validate *validator.Validate

func init() {
	validate = validator.New()
}

// RangeRequest describes a [from, to) key range argument to open_range,
// snapshot_range or blocking_range.
type RangeRequest struct {
	From []byte
	To   []byte
}

// TransactOp mirrors the shape of one operation inside a transact batch,
// used to validate the batch before it's handed to the nursery.
type TransactOp struct {
	Kind       string `validate:"required,oneof=put delete"`
	Key        []byte `validate:"required,min=1"`
	ExpirySecs int64  `validate:"omitempty,min=0"`
}

// ValidateTransactBatch validates a batch of operations destined for a
// single Transact call.
func ValidateTransactBatch(ops []TransactOp) error {
	if len(ops) == 0 {
		return errors.New("transact: batch must contain at least one operation")
	}
	for i, op := range ops {
		if err := validate.Struct(op); err != nil {
			return fmt.Errorf("transact: op %d: %w", i, formatValidationError(err))
		}
	}
	return nil
}

// ValidateRange validates a range argument: to, if present, must not sort
// before from.
func ValidateRange(r RangeRequest) error {
	if r.To != nil && bytes.Compare(r.From, r.To) > 0 {
		return fmt.Errorf("range: from (%x) must sort at or before to (%x)", r.From, r.To)
	}
	return nil
}

// ValidateKey validates a key argument to get/put/delete.
func ValidateKey(key []byte) error {
	if len(key) == 0 {
		return errors.New("key: must not be empty")
	}
	return nil
}

// ValidateExpiry validates an expiry argument in seconds since the epoch.
func ValidateExpiry(expirySecs int64) error {
	if expirySecs < 0 {
		return fmt.Errorf("expiry_secs: must be non-negative, got %d", expirySecs)
	}
	return nil
}

// formatValidationError converts validator errors to a more user-friendly format
func formatValidationError(err error) error {
	if err == nil {
		return nil
	}

	validationErrs, ok := err.(validator.ValidationErrors)
	if !ok {
		return err
	}

	for _, e := range validationErrs {
		field := e.Field()
		tag := e.Tag()
		param := e.Param()

		switch tag {
		case "required":
			return fmt.Errorf("%s: field is required", field)
		case "min":
			return fmt.Errorf("%s: must be at least %s", field, param)
		case "max":
			return fmt.Errorf("%s: must not exceed %s", field, param)
		case "oneof":
			return fmt.Errorf("%s: must be one of %s", field, param)
		default:
			return fmt.Errorf("%s: validation failed (%s)", field, tag)
		}
	}

	return err
}
