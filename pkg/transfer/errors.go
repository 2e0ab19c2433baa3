package transfer

import (
	"errors"
	"fmt"
	"strings"

	"skyvault/pkg/types"
)

// 操作级的终止结果
var (
	ErrAllPortalsExhausted      = errors.New("all portals exhausted")
	ErrIntegrityMismatch        = errors.New("integrity mismatch")
	ErrPortalIntegrityViolation = errors.New("portal integrity violation")
	ErrOperationTimeout         = errors.New("operation timed out")
	ErrCancelled                = errors.New("operation cancelled")
	ErrNoPortals                = errors.New("no portals configured")
)

// IntegrityError 携带期望的 Root 与本地重算的 Root
type IntegrityError struct {
	Expected types.Hash
	Actual   types.Hash
	Suspects []string
}

func (e *IntegrityError) Error() string {
	return fmt.Sprintf("%s: expected root %s, got %s (suspect portals: %s)",
		ErrIntegrityMismatch, e.Expected, e.Actual, strings.Join(e.Suspects, ", "))
}

func (e *IntegrityError) Unwrap() error { return ErrIntegrityMismatch }

// ExhaustedError 说明每个 portal 都试过且失败
type ExhaustedError struct {
	Op       string
	Attempts []Attempt
}

func (e *ExhaustedError) Error() string {
	var b strings.Builder
	fmt.Fprintf(&b, "%s: %s failed after %d attempts", ErrAllPortalsExhausted, e.Op, len(e.Attempts))
	if n := len(e.Attempts); n > 0 {
		last := e.Attempts[n-1]
		fmt.Fprintf(&b, " (last: %s %s", last.Portal, last.Outcome)
		if last.Err != nil {
			fmt.Fprintf(&b, ": %v", last.Err)
		}
		b.WriteString(")")
	}
	return b.String()
}

func (e *ExhaustedError) Unwrap() error { return ErrAllPortalsExhausted }
