// Package errors re-exports github.com/cockroachdb/errors for stack-traced,
// wrappable errors, and defines the MASC domain error taxonomy (see spec §7).
package errors

import (
	crdb "github.com/cockroachdb/errors"
)

// Core error creation and wrapping.
var (
	New          = crdb.New
	Newf         = crdb.Newf
	Wrap         = crdb.Wrap
	Wrapf        = crdb.Wrapf
	WithStack    = crdb.WithStack
	WithMessage  = crdb.WithMessage
	WithMessagef = crdb.WithMessagef
	WithDetail   = crdb.WithDetail
	WithDetailf  = crdb.WithDetailf
)

// Inspection.
var (
	Is = crdb.Is
	As = crdb.As
)
