// Package vsoaerr declares the sentinel errors shared across the VSOA
// runtime's server, client and auto-client packages, so callers can branch on
// failure kind with errors.Is instead of string matching.
package vsoaerr

import "errors"

var (
	ErrBindFailed      = errors.New("vsoa: bind failed")
	ErrListenFailed    = errors.New("vsoa: listen failed")
	ErrDuplicateURL    = errors.New("vsoa: duplicate exact url")
	ErrNotFound        = errors.New("vsoa: not found")
	ErrInUse           = errors.New("vsoa: in use")
	ErrRefused         = errors.New("vsoa: connection refused")
	ErrTimeout         = errors.New("vsoa: timeout")
	ErrBadPassword     = errors.New("vsoa: bad password")
	ErrProtocolError   = errors.New("vsoa: protocol error")
	ErrNoResponding    = errors.New("vsoa: no responding")
	ErrNoMemory        = errors.New("vsoa: no memory")
	ErrNoPermission    = errors.New("vsoa: no permission")
	ErrClosed          = errors.New("vsoa: closed")
	ErrInvalidURL      = errors.New("vsoa: invalid url")
	ErrDuplicateSeqno  = errors.New("vsoa: duplicate seqno in outstanding window")
)
