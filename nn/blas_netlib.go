//go:build netlib

package nn

import (
	"gonum.org/v1/gonum/blas/blas64"
	"gonum.org/v1/netlib/blas/netlib"
)

// Builds with `-tags netlib` route gonum's dense operations through the
// system BLAS.
func init() {
	blas64.Use(netlib.Implementation{})
}
