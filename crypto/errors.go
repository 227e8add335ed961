// Package crypto holds the sentinel errors shared by the certificate
// implementations.
package crypto

import "errors"

// ErrHashMismatch is the error used when a certificate hash does not match the hash of a block.
var ErrHashMismatch = errors.New("certificate hash does not match block hash")

// ErrWrongType is the error used when a certificate of an incompatible crypto scheme is combined.
var ErrWrongType = errors.New("certificate has incompatible type")

// ErrOverlap is the error used when two aggregates with partially overlapping
// contributor sets cannot be unioned by the scheme.
var ErrOverlap = errors.New("cannot merge partially overlapping contributions")
