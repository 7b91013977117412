// Package api defines the uniform response envelope the HTTP surface
// wraps every reply in, plus the error taxonomy that maps onto HTTP
// status codes.
//
// Grounded on server/routes_models_crud.go, which reports failures as a
// bare {"error": "..."} JSON body at the matching status code; this
// package generalizes that shape to a {success, data, error} envelope,
// with a Code field so clients can branch on failure kind without
// string-matching Message.
package api

// Code classifies a Response's failure.
type Code string

const (
	CodeNotFound    Code = "not_found"
	CodeConflict    Code = "conflict"
	CodeInvalid     Code = "invalid_argument"
	CodeUnavailable Code = "unavailable"
	CodeInternal    Code = "internal"
)

// Error is the envelope's error field.
type Error struct {
	Code    Code   `json:"code"`
	Message string `json:"message"`
	Details any    `json:"details,omitempty"`
}

// Response is the uniform shape every handler returns, success or not.
type Response struct {
	Success bool   `json:"success"`
	Data    any    `json:"data,omitempty"`
	Error   *Error `json:"error,omitempty"`
}

// Ok wraps a successful payload.
func Ok(data any) Response {
	return Response{Success: true, Data: data}
}

// Fail wraps a failure under code/message.
func Fail(code Code, message string) Response {
	return Response{Success: false, Error: &Error{Code: code, Message: message}}
}

// FailDetails is Fail plus a details payload (e.g. per-path validation
// warnings, per-device batch_load results).
func FailDetails(code Code, message string, details any) Response {
	return Response{Success: false, Error: &Error{Code: code, Message: message, Details: details}}
}

// StatusFor maps a Code onto the HTTP status it should produce.
func StatusFor(code Code) int {
	switch code {
	case CodeNotFound:
		return 404
	case CodeConflict:
		return 409
	case CodeInvalid:
		return 400
	case CodeUnavailable:
		return 503
	default:
		return 500
	}
}
