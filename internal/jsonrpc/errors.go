package jsonrpc

import "github.com/toolwire/toolwire/protocol"

// ErrorCode is a JSON-RPC 2.0 error code.
type ErrorCode int

const (
	// ErrorCodeParseError indicates invalid JSON was received by the server.
	ErrorCodeParseError ErrorCode = -32700
	// ErrorCodeInvalidRequest indicates the JSON sent is not a valid Request object.
	ErrorCodeInvalidRequest ErrorCode = -32600
	// ErrorCodeMethodNotFound indicates the method does not exist / is not available.
	ErrorCodeMethodNotFound ErrorCode = -32601
	// ErrorCodeInvalidParams indicates invalid method parameters.
	ErrorCodeInvalidParams ErrorCode = -32602
	// ErrorCodeInternalError indicates an internal JSON-RPC error.
	ErrorCodeInternalError ErrorCode = -32603
)

// Server-defined codes in the JSON-RPC implementation-reserved range.
// Stable: clients key retry behavior off these numbers, so they never
// change meaning.
const (
	ErrorCodeInvalidHandshake      ErrorCode = -32001
	ErrorCodeVersionMismatch       ErrorCode = -32002
	ErrorCodeUnsupportedCapability ErrorCode = -32003
	ErrorCodeDuplicateRequest      ErrorCode = -32010
	ErrorCodeJobNotFound           ErrorCode = -32011
	ErrorCodeExecutionError        ErrorCode = -32012
	ErrorCodeCancelled             ErrorCode = -32013
	ErrorCodeToolNotFound          ErrorCode = -32020
	ErrorCodeValidationFailed      ErrorCode = -32021
	ErrorCodeSessionEvicted        ErrorCode = -32030
	ErrorCodeSchemaCacheMiss       ErrorCode = -32031
)

var codeByProtocol = map[protocol.Code]ErrorCode{
	protocol.CodeInvalidHandshake:      ErrorCodeInvalidHandshake,
	protocol.CodeVersionMismatch:       ErrorCodeVersionMismatch,
	protocol.CodeUnsupportedCapability: ErrorCodeUnsupportedCapability,
	protocol.CodeDuplicateRequest:      ErrorCodeDuplicateRequest,
	protocol.CodeJobNotFound:           ErrorCodeJobNotFound,
	protocol.CodeExecutionError:        ErrorCodeExecutionError,
	protocol.CodeCancelled:             ErrorCodeCancelled,
	protocol.CodeToolNotFound:          ErrorCodeToolNotFound,
	protocol.CodeValidationFailed:      ErrorCodeValidationFailed,
	protocol.CodeSessionEvicted:        ErrorCodeSessionEvicted,
	protocol.CodeSchemaCacheMiss:       ErrorCodeSchemaCacheMiss,
}

// CodeFor maps a protocol error code to its wire-level JSON-RPC code.
// Unknown codes map to the internal error code.
func CodeFor(c protocol.Code) ErrorCode {
	if code, ok := codeByProtocol[c]; ok {
		return code
	}
	return ErrorCodeInternalError
}
