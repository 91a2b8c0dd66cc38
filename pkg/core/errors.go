// Package core defines the shared types and error taxonomy of the
// settlement protocol. Every failure here is synchronous and atomic:
// the operation that raised it leaves persistent state untouched.
package core

import "errors"

var (
	// ErrExpired: the order's expiry timestamp is in the past. Once past
	// expiry an order can never be filled, even if the maker wants it.
	ErrExpired = errors.New("order expired")

	// ErrAlreadySettled: the order hash is no longer open. Keepers racing
	// on the same hash must treat this as an expected, non-retryable outcome.
	ErrAlreadySettled = errors.New("order already settled")

	// ErrInvalidSignature: signature malformed, or the recovered signer is
	// not the order's maker.
	ErrInvalidSignature = errors.New("invalid signature")

	// ErrInsufficientEscrow: the maker's escrow entry cannot cover the order.
	ErrInsufficientEscrow = errors.New("insufficient escrow")

	// ErrTransferRejected wraps the reason an underlying asset transfer
	// failed: ErrInsufficientBalance, ErrInsufficientAllowance or
	// ErrComplianceDenied.
	ErrTransferRejected = errors.New("transfer rejected")

	// ErrUnauthorized: a privileged write attempted by an account without
	// the required role (registry agent, whitelist admin, ledger admin).
	ErrUnauthorized = errors.New("unauthorized")
)

// Nested transfer-rejection reasons.
var (
	ErrInsufficientBalance   = errors.New("insufficient balance")
	ErrInsufficientAllowance = errors.New("insufficient allowance")
	ErrComplianceDenied      = errors.New("compliance denied")
)
