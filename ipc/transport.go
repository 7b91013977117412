package ipc

import (
	"context"
	"time"

	"github.com/sdxlforge/orchestrator/envconfig"
)

// Transport is the uniform call surface both the stdio and HTTP-bridge
// transports implement: identical call semantics regardless of wire
// mechanism.
type Transport interface {
	// Initialize performs the one-shot handshake. Must succeed before any
	// other call is accepted.
	Initialize(ctx context.Context) error

	// Call sends req and waits for the framed reply, subject to the
	// transport's configured deadlines. Returns ErrTransportFailure or
	// ErrApplicationFailure (via errors.Is) on failure.
	Call(ctx context.Context, req Request) (Response, error)

	// Healthy reports whether the transport still trusts its connection.
	// False once a transport failure has occurred; a fresh transport must
	// be created to recover.
	Healthy() bool

	// Dispose closes the connection/subprocess. Idempotent.
	Dispose(ctx context.Context) error
}

// Deadlines bounds a call: InactivityTimeout resets on any observed
// activity (e.g. a streamed progress frame); HardTimeout is an absolute
// ceiling from the moment the call is issued.
type Deadlines struct {
	InactivityTimeout time.Duration
	HardTimeout       time.Duration
}

// DefaultControlDeadlines applies to non-inference calls (load/unload/
// cleanup/get_status).
func DefaultControlDeadlines() Deadlines {
	return Deadlines{InactivityTimeout: 60 * time.Second, HardTimeout: 30 * time.Second}
}

// DefaultInferenceDeadlines applies to generate_sdxl_enhanced and friends.
func DefaultInferenceDeadlines() Deadlines {
	return Deadlines{InactivityTimeout: 5 * time.Second, HardTimeout: 600 * time.Second}
}

// inferenceMessageTypes are the message types long-running enough that
// they need DefaultInferenceDeadlines instead of DefaultControlDeadlines.
var inferenceMessageTypes = map[string]bool{
	MessageGenerateSDXLEnhanced: true,
	MessageBatchProcess:         true,
	MessageControlnetInference:  true,
	MessageLoraInference:        true,
	MessageInpaintImage:         true,
}

// deadlinesFor picks control or inference deadlines by message type, so a
// single transport enforces the right bound for every call it carries
// rather than one bound fixed at construction time. Inference deadlines
// take envconfig.IPCInactivityTimeoutSeconds / IPCHardTimeoutSeconds when
// those are non-zero.
func deadlinesFor(msgType string) Deadlines {
	if !inferenceMessageTypes[msgType] {
		return DefaultControlDeadlines()
	}
	d := DefaultInferenceDeadlines()
	if s := envconfig.IPCInactivityTimeoutSeconds(); s > 0 {
		d.InactivityTimeout = time.Duration(s) * time.Second
	}
	if s := envconfig.IPCHardTimeoutSeconds(); s > 0 {
		d.HardTimeout = time.Duration(s) * time.Second
	}
	return d
}
