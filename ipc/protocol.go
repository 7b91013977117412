// Package ipc frames requests to, and responses from, the Python worker
// subprocesses. It treats payloads as opaque maps by design — the core
// never types the inner payloads — only message_type/session_id on the
// way out and success/error on the way in are structured.
package ipc

import (
	"encoding/json"
	"errors"
	"fmt"
)

// Request is the outbound envelope: {"message_type", "session_id", ...payload}.
type Request struct {
	MessageType string
	SessionID   string
	Payload     map[string]any
}

// MarshalJSON flattens Payload alongside message_type/session_id at the
// top level, matching the southbound wire shape exactly.
func (r Request) MarshalJSON() ([]byte, error) {
	out := make(map[string]any, len(r.Payload)+2)
	for k, v := range r.Payload {
		out[k] = v
	}
	out["message_type"] = r.MessageType
	out["session_id"] = r.SessionID
	return json.Marshal(out)
}

// Response is the inbound envelope: {"success", "error", ...payload}.
// Everything but success/error is carried in Payload, untyped.
type Response struct {
	Success bool
	Error   string
	Payload map[string]any
}

// UnmarshalJSON lifts success/error out to fields and leaves the rest in
// Payload, so callers never need to know the inner message shape.
func (r *Response) UnmarshalJSON(data []byte) error {
	var raw map[string]any
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}

	if v, ok := raw["success"]; ok {
		b, ok := v.(bool)
		if !ok {
			return fmt.Errorf("response success field is not a bool: %v", v)
		}
		r.Success = b
		delete(raw, "success")
	}

	if v, ok := raw["error"]; ok {
		if v != nil {
			s, ok := v.(string)
			if !ok {
				return fmt.Errorf("response error field is not a string: %v", v)
			}
			r.Error = s
		}
		delete(raw, "error")
	}

	r.Payload = raw
	return nil
}

// MessageType constants for the contract-level message types the worker
// protocol names. Not exhaustive — callers may use ad hoc message types,
// the dispatch only requires success/error at the top level.
const (
	MessageInitialize           = "initialize"
	MessageLoadModel             = "load_model"
	MessageUnloadModel           = "unload_model"
	MessageCleanup               = "cleanup"
	MessageGetStatus             = "get_status"
	MessageGenerateSDXLEnhanced  = "generate_sdxl_enhanced"
	MessageBatchProcess          = "batch_process"
	MessageGetBatchStatus        = "get_batch_status"
	MessageControlnetInference   = "controlnet_inference"
	MessageLoraInference         = "lora_inference"
	MessageInpaintImage          = "inpaint_image"
	MessageAnalyzeMask           = "analyze_mask"
	MessageGetSessionAnalytics   = "get_session_analytics"
)

// Error taxonomy: TransportFailure marks the owning Worker Error;
// ApplicationFailure leaves it Ready.
var (
	// ErrTransportFailure wraps EOF, parse errors, non-2xx HTTP status and
	// timeouts — anything that destroys trust in the connection itself.
	ErrTransportFailure = errors.New("ipc: transport failure")

	// ErrApplicationFailure wraps a reply with success:false over an
	// otherwise healthy channel.
	ErrApplicationFailure = errors.New("ipc: application failure")
)

// ApplicationError carries the worker's own error string from a
// success:false reply.
type ApplicationError struct {
	Message string
}

func (e *ApplicationError) Error() string { return e.Message }
func (e *ApplicationError) Unwrap() error { return ErrApplicationFailure }

// TransportError carries the underlying cause of a transport failure.
type TransportError struct {
	Cause error
}

func (e *TransportError) Error() string { return fmt.Sprintf("transport failure: %v", e.Cause) }
func (e *TransportError) Unwrap() error { return ErrTransportFailure }

func transportErr(cause error) error {
	return &TransportError{Cause: cause}
}

func applicationErr(message string) error {
	return &ApplicationError{Message: message}
}

// asCallError converts a parsed Response into an error if it signals
// failure, or nil if the call succeeded.
func asCallError(resp Response) error {
	if resp.Success {
		return nil
	}
	msg := resp.Error
	if msg == "" {
		msg = "worker reported failure with no message"
	}
	return applicationErr(msg)
}
