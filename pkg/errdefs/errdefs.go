/*
 * Copyright 2025 SREDiag Authors
 *
 * Licensed under the Apache License, Version 2.0 (the "License");
 * you may not use this file except in compliance with the License.
 * You may obtain a copy of the License at
 *
 *     http://www.apache.org/licenses/LICENSE-2.0
 *
 * Unless required by applicable law or agreed to in writing, software
 * distributed under the License is distributed on an "AS IS" BASIS,
 * WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
 * See the License for the specific language governing permissions and
 * limitations under the License.
 */

// Package errdefs defines the structured errors shared by the protocol layer,
// the registry, the lifecycle manager and the manager facade.
//
// Every error carries a stable Code so callers can decide on a consequence
// (terminate the peer, surface to the user, retry) without string matching.
package errdefs

import (
	"errors"
	"fmt"
)

// Code is a stable, machine-readable error code.
type Code string

const (
	CodeUnknown Code = "UNKNOWN"

	// Protocol errors. Always fatal to the frame they were raised for.
	CodeInvalidHeader         Code = "INVALID_HEADER"
	CodeVersionMismatch       Code = "VERSION_MISMATCH"
	CodeChecksumMismatch      Code = "CHECKSUM_MISMATCH"
	CodeMessageTooLarge       Code = "MESSAGE_TOO_LARGE"
	CodeDeserializationFailed Code = "DESERIALIZATION_FAILED"
	CodeSerializationFailed   Code = "SERIALIZATION_FAILED"
	CodeDecryptionFailed      Code = "DECRYPTION_FAILED"
	CodeProtocolViolation     Code = "PROTOCOL_VIOLATION"

	// Lifecycle errors. Reported to the caller, never crash the manager.
	CodePluginNotFound          Code = "PLUGIN_NOT_FOUND"
	CodeInstanceNotFound        Code = "INSTANCE_NOT_FOUND"
	CodeDependencyUnsatisfied   Code = "DEPENDENCY_UNSATISFIED"
	CodeSecurityPolicyViolation Code = "SECURITY_POLICY_VIOLATION"
	CodeConfigInvalid           Code = "CONFIG_INVALID"
	CodeInvalidManifest         Code = "INVALID_MANIFEST"
	CodeInvalidStateTransition  Code = "INVALID_STATE_TRANSITION"
	CodeCapacityExceeded        Code = "CAPACITY_EXCEEDED"
	CodeManagerClosed           Code = "MANAGER_CLOSED"

	// Runtime errors. Recovered locally by a state transition.
	CodeInstanceCrashed Code = "INSTANCE_CRASHED"
	CodeHandshakeFailed Code = "HANDSHAKE_FAILED"
	CodeTimeout         Code = "TIMEOUT"
	CodeRemote          Code = "REMOTE_ERROR"
)

// Error is the structured error type used across the module.
type Error struct {
	Code    Code
	Message string
	Cause   error
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Unwrap returns the underlying cause for error chain traversal.
func (e *Error) Unwrap() error {
	return e.Cause
}

// Is reports whether target is an *Error with the same code.
func (e *Error) Is(target error) bool {
	var t *Error
	if errors.As(target, &t) {
		return e.Code == t.Code
	}
	return false
}

// New creates an error with a code and message.
func New(code Code, message string) *Error {
	return &Error{Code: code, Message: message}
}

// Newf creates an error with a code and a formatted message.
func Newf(code Code, format string, a ...any) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, a...)}
}

// Wrap creates an error with a code that wraps an underlying cause.
func Wrap(code Code, message string, cause error) *Error {
	return &Error{Code: code, Message: message, Cause: cause}
}

// Sentinel values for errors.Is checks. Only the code is compared.
var (
	ErrInvalidHeader           = New(CodeInvalidHeader, "invalid header")
	ErrVersionMismatch         = New(CodeVersionMismatch, "version mismatch")
	ErrChecksumMismatch        = New(CodeChecksumMismatch, "checksum mismatch")
	ErrMessageTooLarge         = New(CodeMessageTooLarge, "message too large")
	ErrDeserializationFailed   = New(CodeDeserializationFailed, "deserialization failed")
	ErrSerializationFailed     = New(CodeSerializationFailed, "serialization failed")
	ErrDecryptionFailed        = New(CodeDecryptionFailed, "decryption failed")
	ErrProtocolViolation       = New(CodeProtocolViolation, "protocol violation")
	ErrPluginNotFound          = New(CodePluginNotFound, "plugin not found")
	ErrInstanceNotFound        = New(CodeInstanceNotFound, "instance not found")
	ErrDependencyUnsatisfied   = New(CodeDependencyUnsatisfied, "dependency unsatisfied")
	ErrSecurityPolicyViolation = New(CodeSecurityPolicyViolation, "security policy violation")
	ErrConfigInvalid           = New(CodeConfigInvalid, "config invalid")
	ErrInvalidManifest         = New(CodeInvalidManifest, "invalid manifest")
	ErrInvalidStateTransition  = New(CodeInvalidStateTransition, "invalid state transition")
	ErrCapacityExceeded        = New(CodeCapacityExceeded, "capacity exceeded")
	ErrManagerClosed           = New(CodeManagerClosed, "manager closed")
	ErrInstanceCrashed         = New(CodeInstanceCrashed, "instance crashed")
	ErrHandshakeFailed         = New(CodeHandshakeFailed, "handshake failed")
	ErrTimeout                 = New(CodeTimeout, "timeout")
)

// CodeOf returns the code of the first *Error in err's chain, or CodeUnknown.
func CodeOf(err error) Code {
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return CodeUnknown
}

// IsFatalProtocol reports whether err means the peer is misbehaving and its
// connection must be torn down. Deserialization failures are treated as a
// transient malformed message.
func IsFatalProtocol(err error) bool {
	switch CodeOf(err) {
	case CodeInvalidHeader, CodeVersionMismatch, CodeChecksumMismatch,
		CodeMessageTooLarge, CodeDecryptionFailed, CodeProtocolViolation:
		return true
	}
	return false
}
