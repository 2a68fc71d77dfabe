// Package portalerr defines the error taxonomy of spec.md §7 as sentinel
// values, wrapped with fmt.Errorf("...: %w", ...) at the point of origin
// in the teacher's idiom (no errors-helper library appears anywhere in
// the example corpus).
package portalerr

import "errors"

var (
	// ErrConfig is malformed configuration or a missing handler factory.
	ErrConfig = errors.New("portal: configuration error")
	// ErrBind is a listener creation failure.
	ErrBind = errors.New("portal: bind failure")
	// ErrTransportClosed is a peer EOF or reset; ordinary, not logged as a fault.
	ErrTransportClosed = errors.New("portal: transport closed")
	// ErrTransportFault is an unexpected I/O failure.
	ErrTransportFault = errors.New("portal: transport fault")
	// ErrProtocol is a malformed Telnet sequence or oversized frame exceeding bounds.
	ErrProtocol = errors.New("portal: protocol error")
	// ErrHandlerTimeout is an application callback exceeding its deadline.
	ErrHandlerTimeout = errors.New("portal: handler timeout")
	// ErrHandlerFault is a handler callback raising or returning an unexpected failure.
	ErrHandlerFault = errors.New("portal: handler fault")
	// ErrSlowConsumer is a monitor subscriber queue overflow.
	ErrSlowConsumer = errors.New("portal: slow consumer")
	// ErrOvercapacity is an accept while the registry is already full.
	ErrOvercapacity = errors.New("portal: server at capacity")
)
