package memcache

import (
	"fmt"
)

// A connect, write or response deadline elapsed.  The connection involved is
// removed from the pool since its request pipeline can no longer be trusted.
type TimeoutError struct {
	Address   string
	Operation string
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf(
		"memcache %s timed out. server=%s",
		e.Operation,
		e.Address)
}

func NewTimeoutError(address string, operation string) error {
	return &TimeoutError{Address: address, Operation: operation}
}

func IsTimeout(err error) bool {
	_, ok := err.(*TimeoutError)
	return ok
}

// A malformed response frame: bad magic, non-zero data type, or a total body
// length smaller than key plus extras.  Fatal for the connection.
type FramingError struct {
	Address string
	Reason  string
}

func (e *FramingError) Error() string {
	return fmt.Sprintf(
		"malformed memcache response (%s). server=%s",
		e.Reason,
		e.Address)
}

func NewFramingError(address string, reason string) error {
	return &FramingError{Address: address, Reason: reason}
}

func IsFraming(err error) bool {
	_, ok := err.(*FramingError)
	return ok
}

// The response opcode does not match the oldest in-flight non-quiet request.
// Positional correlation is broken, so the connection is torn down.
type ProtocolMismatchError struct {
	Address  string
	Expected uint8
	Actual   uint8
}

func (e *ProtocolMismatchError) Error() string {
	return fmt.Sprintf(
		"response opcode 0x%02x does not match pipelined request "+
			"opcode 0x%02x. server=%s",
		e.Actual,
		e.Expected,
		e.Address)
}

func NewProtocolMismatchError(
	address string,
	expected opCode,
	actual opCode) error {

	return &ProtocolMismatchError{
		Address:  address,
		Expected: uint8(expected),
		Actual:   uint8(actual),
	}
}

func IsProtocolMismatch(err error) bool {
	_, ok := err.(*ProtocolMismatchError)
	return ok
}

// A socket level read or write failure.  The connection is removed.
type TransportError struct {
	Address string
	Cause   error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf(
		"memcache transport failure: %v. server=%s",
		e.Cause,
		e.Address)
}

func NewTransportError(address string, cause error) error {
	return &TransportError{Address: address, Cause: cause}
}

func IsTransport(err error) bool {
	_, ok := err.(*TransportError)
	return ok
}

// SASL family operations are reserved but not implemented.
type UnsupportedOperationError struct {
	Operation string
}

func (e *UnsupportedOperationError) Error() string {
	return fmt.Sprintf("unsupported memcache operation: %s", e.Operation)
}

func NewUnsupportedOperationError(operation string) error {
	return &UnsupportedOperationError{Operation: operation}
}

func IsUnsupportedOperation(err error) bool {
	_, ok := err.(*UnsupportedOperationError)
	return ok
}
