package repository

import (
	"fmt"
	"strings"
)

// ValidationError rejects a request before anything is persisted.
type ValidationError struct {
	Name   string
	Reason string
	Err    error
}

func (e *ValidationError) Error() string {
	if e.Name == "" {
		return "invalid file: " + e.Reason
	}
	return fmt.Sprintf("invalid file %q: %s", e.Name, e.Reason)
}

func (e *ValidationError) Unwrap() error { return e.Err }

// NotFoundError names every requested file that is absent.
type NotFoundError struct {
	Names []string
}

func (e *NotFoundError) Error() string {
	if len(e.Names) == 1 {
		return fmt.Sprintf("file %q not found", e.Names[0])
	}
	return "files not found: " + strings.Join(e.Names, ", ")
}

// IOError wraps a filesystem failure that happened after validation passed.
type IOError struct {
	Op   string
	Name string
	Err  error
}

func (e *IOError) Error() string {
	if e.Name == "" {
		return fmt.Sprintf("%s: %v", e.Op, e.Err)
	}
	return fmt.Sprintf("%s %q: %v", e.Op, e.Name, e.Err)
}

func (e *IOError) Unwrap() error { return e.Err }

// PartialFailure is returned by DeleteAll when some files could not be
// removed. Names is sorted; files not listed were deleted.
type PartialFailure struct {
	Names []string
	Errs  []error
}

func (e *PartialFailure) Error() string {
	return fmt.Sprintf("%d file(s) could not be deleted: %s", len(e.Names), strings.Join(e.Names, ", "))
}

func (e *PartialFailure) Unwrap() []error { return e.Errs }
