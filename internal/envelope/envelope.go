// Package envelope implements the flat single-object framing spoken by
// legacy clients. A request is one JSON object carrying the action, an
// optional session_id, and the operation's parameters flattened alongside
// them. Responses mirror the shape with a status marker instead of an
// action. Decoding and re-encoding an envelope is lossless, so messages
// can be translated to the structured form and back without drift.
package envelope

import (
	"encoding/json"
	"fmt"
	"sort"

	"github.com/toolwire/toolwire/protocol"
)

// Reserved top-level request fields. Everything else is a parameter.
const (
	fieldAction    = "action"
	fieldSessionID = "session_id"
)

// Reserved top-level response fields.
const (
	fieldStatus  = "status"
	fieldCode    = "code"
	fieldMessage = "message"
	fieldDetail  = "detail"
)

const (
	// StatusOK marks a successful legacy response.
	StatusOK = "ok"
	// StatusError marks a failed legacy response.
	StatusError = "error"
)

// Request is the structured form of one legacy request.
type Request struct {
	Action    string
	SessionID string
	// Params holds every non-reserved top-level field, keyed by name.
	Params map[string]json.RawMessage
}

// DecodeRequest parses a legacy flat request.
func DecodeRequest(raw []byte) (*Request, error) {
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(raw, &fields); err != nil {
		return nil, fmt.Errorf("legacy request is not a JSON object: %w", err)
	}

	action, err := takeString(fields, fieldAction)
	if err != nil {
		return nil, err
	}
	if action == "" {
		return nil, fmt.Errorf("legacy request is missing %q", fieldAction)
	}
	sessionID, err := takeString(fields, fieldSessionID)
	if err != nil {
		return nil, err
	}

	return &Request{Action: action, SessionID: sessionID, Params: fields}, nil
}

// takeString removes fields[name] and returns its string value. Absent
// fields yield "".
func takeString(fields map[string]json.RawMessage, name string) (string, error) {
	raw, ok := fields[name]
	if !ok {
		return "", nil
	}
	delete(fields, name)
	var s string
	if err := json.Unmarshal(raw, &s); err != nil {
		return "", fmt.Errorf("field %q must be a string: %w", name, err)
	}
	return s, nil
}

// ParamsJSON reassembles the flattened parameters into one params object,
// ready to unmarshal into an operation's request struct.
func (r *Request) ParamsJSON() (json.RawMessage, error) {
	if len(r.Params) == 0 {
		return json.RawMessage(`{}`), nil
	}
	return json.Marshal(r.Params)
}

// StringParam returns the named parameter as a string, or "" when absent
// or not a string.
func (r *Request) StringParam(name string) string {
	raw, ok := r.Params[name]
	if !ok {
		return ""
	}
	var s string
	if err := json.Unmarshal(raw, &s); err != nil {
		return ""
	}
	return s
}

// EncodeRequest renders a legacy flat request. params may be nil, a
// struct, or a map; its top-level fields are flattened beside the
// envelope fields.
func EncodeRequest(action, sessionID string, params any) ([]byte, error) {
	if action == "" {
		return nil, fmt.Errorf("action is required")
	}
	reserved := []string{fieldAction}
	if sessionID != "" {
		reserved = append(reserved, fieldSessionID)
	}
	out, err := flatten(params, reserved...)
	if err != nil {
		return nil, err
	}
	out[fieldAction] = mustRaw(action)
	if sessionID != "" {
		out[fieldSessionID] = mustRaw(sessionID)
	}
	return json.Marshal(out)
}

// Response is the structured form of one legacy response.
type Response struct {
	Status    string
	Action    string
	SessionID string

	// Error surface, populated when Status is StatusError.
	Code    protocol.Code
	Message string
	Detail  map[string]any

	// Result holds the flattened result fields of a successful response.
	Result map[string]json.RawMessage
}

// DecodeResponse parses a legacy flat response.
func DecodeResponse(raw []byte) (*Response, error) {
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(raw, &fields); err != nil {
		return nil, fmt.Errorf("legacy response is not a JSON object: %w", err)
	}

	status, err := takeString(fields, fieldStatus)
	if err != nil {
		return nil, err
	}
	if status != StatusOK && status != StatusError {
		return nil, fmt.Errorf("legacy response has invalid status %q", status)
	}
	action, err := takeString(fields, fieldAction)
	if err != nil {
		return nil, err
	}
	sessionID, err := takeString(fields, fieldSessionID)
	if err != nil {
		return nil, err
	}

	resp := &Response{Status: status, Action: action, SessionID: sessionID}
	if status == StatusError {
		code, err := takeString(fields, fieldCode)
		if err != nil {
			return nil, err
		}
		resp.Code = protocol.Code(code)
		if resp.Message, err = takeString(fields, fieldMessage); err != nil {
			return nil, err
		}
		if raw, ok := fields[fieldDetail]; ok {
			delete(fields, fieldDetail)
			if err := json.Unmarshal(raw, &resp.Detail); err != nil {
				return nil, fmt.Errorf("field %q must be an object: %w", fieldDetail, err)
			}
		}
	}
	resp.Result = fields
	return resp, nil
}

// EncodeResult renders a successful legacy response with the result's
// fields flattened beside the envelope fields. A result may carry its own
// session_id field (the handshake result does) as long as the sessionID
// argument is left empty.
func EncodeResult(action, sessionID string, result any) ([]byte, error) {
	reserved := []string{fieldStatus, fieldCode, fieldMessage, fieldDetail}
	if action != "" {
		reserved = append(reserved, fieldAction)
	}
	if sessionID != "" {
		reserved = append(reserved, fieldSessionID)
	}
	out, err := flatten(result, reserved...)
	if err != nil {
		return nil, err
	}
	out[fieldStatus] = mustRaw(StatusOK)
	if action != "" {
		out[fieldAction] = mustRaw(action)
	}
	if sessionID != "" {
		out[fieldSessionID] = mustRaw(sessionID)
	}
	return json.Marshal(out)
}

// EncodeError renders a failed legacy response. It never fails: an
// unmarshalable detail degrades to a detail-free error body.
func EncodeError(action, sessionID string, perr *protocol.Error) []byte {
	if perr == nil {
		perr = protocol.NewError(protocol.CodeExecutionError, "unknown error")
	}

	out := map[string]json.RawMessage{
		fieldStatus:  mustRaw(StatusError),
		fieldCode:    mustRaw(string(perr.Code)),
		fieldMessage: mustRaw(perr.Message),
	}
	if action != "" {
		out[fieldAction] = mustRaw(action)
	}
	if sessionID != "" {
		out[fieldSessionID] = mustRaw(sessionID)
	}
	if len(perr.Detail) > 0 {
		if raw, err := json.Marshal(perr.Detail); err == nil {
			out[fieldDetail] = raw
		}
	}

	body, err := json.Marshal(out)
	if err != nil {
		return []byte(`{"status":"error","code":"EXECUTION_ERROR","message":"failed to encode error"}`)
	}
	return body
}

// flatten marshals v and splays its top-level fields into a map,
// rejecting any that collide with reserved envelope fields.
func flatten(v any, reserved ...string) (map[string]json.RawMessage, error) {
	if v == nil {
		return make(map[string]json.RawMessage), nil
	}
	encoded, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("marshal payload: %w", err)
	}

	var fields map[string]json.RawMessage
	if err := json.Unmarshal(encoded, &fields); err != nil {
		return nil, fmt.Errorf("payload must be a JSON object: %w", err)
	}
	if fields == nil {
		fields = make(map[string]json.RawMessage)
	}

	var clashes []string
	for _, name := range reserved {
		if _, ok := fields[name]; ok {
			clashes = append(clashes, name)
		}
	}
	if len(clashes) > 0 {
		sort.Strings(clashes)
		return nil, fmt.Errorf("payload fields collide with envelope fields: %v", clashes)
	}
	return fields, nil
}

func mustRaw(s string) json.RawMessage {
	raw, _ := json.Marshal(s)
	return raw
}
