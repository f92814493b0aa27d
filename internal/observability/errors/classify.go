// Package errors maps Go errors to low-cardinality class names used as
// metric tags and stored in the job store's last_error_class column.
package errors

import (
	"context"
	goerrors "errors"
	"net"
	"reflect"
	"strings"

	apperrors "github.com/clientpilot/clientpilot/internal/errors"
)

// Classify returns a stable class name for an error. Application errors
// report their taxonomy code (validation, budget_exceeded, ...), context and
// network failures get fixed names, and anything else falls back to the
// innermost concrete type in snake_case.
func Classify(err error) string {
	if err == nil {
		return ""
	}

	if code := apperrors.GetCode(err); code != "" {
		return string(code)
	}

	switch {
	case goerrors.Is(err, context.DeadlineExceeded):
		return string(apperrors.ErrCodeTimeout)
	case goerrors.Is(err, context.Canceled):
		return string(apperrors.ErrCodeCanceled)
	}

	var netErr net.Error
	if goerrors.As(err, &netErr) {
		if netErr.Timeout() {
			return string(apperrors.ErrCodeTimeout)
		}
		return "net_error"
	}

	return typeName(err)
}

// typeName unwraps to the innermost error and snake_cases its concrete type.
func typeName(err error) string {
	for {
		inner := goerrors.Unwrap(err)
		if inner == nil {
			break
		}
		err = inner
	}

	t := reflect.TypeOf(err)
	for t != nil && t.Kind() == reflect.Pointer {
		t = t.Elem()
	}
	if t == nil {
		return "unknown"
	}

	name := strings.NewReplacer("*", "", ".", "_").Replace(strings.ToLower(t.String()))
	if name == "" {
		return "unknown"
	}
	return name
}
