package errors

import (
	goerrors "errors"
	"reflect"
	"strings"
)

// Classify derives a stable, lowercase tag from an error's innermost concrete
// type, e.g. "net_opError". Used for metric and notification tagging where
// raw error strings would explode cardinality.
func Classify(err error) string {
	if err == nil {
		return ""
	}

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

	tag := strings.ToLower(strings.ReplaceAll(t.String(), "*", ""))
	tag = strings.ReplaceAll(tag, ".", "_")
	if tag == "" {
		return "unknown"
	}
	return tag
}
