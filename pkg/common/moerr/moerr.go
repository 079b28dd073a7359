// Copyright 2021 Matrix Origin
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//      http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package moerr defines the small set of typed errors the shuffle data
// plane surfaces, built on top of github.com/cockroachdb/errors so causes
// and stack traces survive the wrap chain across goroutine and RPC
// boundaries.
package moerr

import (
	"fmt"
	"strings"

	"github.com/cockroachdb/errors"
)

// Code distinguishes the error kinds of spec §7.
type Code int

const (
	_ Code = iota
	ErrMetadataFetchFailed
	ErrIllegalConfig
	ErrIllegalStateTransition
	ErrConnectError
	ErrMergeFinalized
)

func (c Code) String() string {
	switch c {
	case ErrMetadataFetchFailed:
		return "MetadataFetchFailed"
	case ErrIllegalConfig:
		return "IllegalConfig"
	case ErrIllegalStateTransition:
		return "IllegalStateTransition"
	case ErrConnectError:
		return "ConnectError"
	case ErrMergeFinalized:
		return "MergeFinalized"
	default:
		return "Unknown"
	}
}

// codedError carries a Code alongside the wrapped cause so predicates like
// IsConnectError can classify an error without string matching on the
// happy path; the message chain produced by Error() is still inspected as
// a fallback for errors that cross an RPC boundary and lose their type.
type codedError struct {
	code  Code
	cause error
}

func (e *codedError) Error() string {
	if e.cause != nil {
		return fmt.Sprintf("%s: %s", e.code, e.cause)
	}
	return e.code.String()
}

func (e *codedError) Unwrap() error { return e.cause }

func newCoded(code Code, format string, args ...interface{}) error {
	return &codedError{code: code, cause: errors.Newf(format, args...)}
}

// NewMetadataFetchFailed reports that a MapStatus or MergeStatus required
// to build a fetch plan was unavailable (§4.D, §8 scenario 2).
func NewMetadataFetchFailed(shuffleID int64, partition int) error {
	return newCoded(ErrMetadataFetchFailed, "metadata fetch failed for shuffle %d partition %d", shuffleID, partition)
}

// NewIllegalConfig reports a fatal configuration precondition violation
// (§4.B: minBroadcastSize <= maxRpcMessageSize).
func NewIllegalConfig(format string, args ...interface{}) error {
	return newCoded(ErrIllegalConfig, format, args...)
}

// NewIllegalStateTransition reports a programming error: registerShuffle of
// an existing id, or unregister of an unknown one (§4.B).
func NewIllegalStateTransition(format string, args ...interface{}) error {
	return newCoded(ErrIllegalStateTransition, format, args...)
}

// NewConnectError wraps a transport-level connection failure to a
// destination block manager; recoverable-local per §7.
func NewConnectError(dest fmt.Stringer, cause error) error {
	return &codedError{code: ErrConnectError, cause: errors.Wrapf(cause, "connect error to %s", dest)}
}

// NewMergeFinalized is the sentinel failure meaning a merger will accept no
// further pushes for a partition (§7, §8 scenario 6 neighbor).
func NewMergeFinalized(format string, args ...interface{}) error {
	return newCoded(ErrMergeFinalized, format, args...)
}

func codeOf(err error) (Code, bool) {
	var ce *codedError
	if errors.As(err, &ce) {
		return ce.code, true
	}
	if err == nil {
		return 0, false
	}
	// Fallback for an error that lost its type: codedError.Error() prefixes
	// the message with "<Code>: ", so look for that marker in the chain.
	msg := err.Error()
	for c := ErrMetadataFetchFailed; c <= ErrMergeFinalized; c++ {
		if strings.Contains(msg, c.String()+": ") {
			return c, true
		}
	}
	return 0, false
}

// IsConnectError reports whether err (or its cause chain) is a connection
// failure to a destination.
func IsConnectError(err error) bool {
	c, ok := codeOf(err)
	return ok && c == ErrConnectError
}

// IsMergeFinalized reports whether err signals that the merger has stopped
// accepting blocks for the target partition.
func IsMergeFinalized(err error) bool {
	c, ok := codeOf(err)
	return ok && c == ErrMergeFinalized
}

// IsMetadataFetchFailed reports whether err is a MetadataFetchFailed error.
func IsMetadataFetchFailed(err error) bool {
	c, ok := codeOf(err)
	return ok && c == ErrMetadataFetchFailed
}

// IsIllegalConfig reports whether err is a fatal configuration error.
func IsIllegalConfig(err error) bool {
	c, ok := codeOf(err)
	return ok && c == ErrIllegalConfig
}

// IsIllegalStateTransition reports whether err is a programming-error
// state transition (double register, unregister of an unknown id).
func IsIllegalStateTransition(err error) bool {
	c, ok := codeOf(err)
	return ok && c == ErrIllegalStateTransition
}
