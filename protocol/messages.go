package protocol

import "encoding/json"

// Method names an operation a client can invoke.
type Method string

const (
	MethodHandshake   Method = "handshake"
	MethodToolsCall   Method = "tools/call"
	MethodToolsSearch Method = "tools/search"
	MethodJobsPoll    Method = "jobs/poll"
	MethodJobsCancel  Method = "jobs/cancel"
	MethodPing        Method = "ping"

	// MethodProgress is a server-initiated notification carrying job
	// progress to sessions that negotiated the stream capability.
	MethodProgress Method = "notifications/progress"
)

// CallMode selects synchronous or asynchronous tool execution.
type CallMode string

const (
	CallModeSync  CallMode = "sync"
	CallModeAsync CallMode = "async"
)

// JobStatus is the lifecycle state of an asynchronous job.
type JobStatus string

const (
	JobQueued    JobStatus = "queued"
	JobRunning   JobStatus = "running"
	JobCompleted JobStatus = "completed"
	JobFailed    JobStatus = "failed"
	JobCancelled JobStatus = "cancelled"
)

// Terminal reports whether the status is an end state.
func (s JobStatus) Terminal() bool {
	switch s {
	case JobCompleted, JobFailed, JobCancelled:
		return true
	default:
		return false
	}
}

// DetailLevel selects how much of each tool a search response includes.
type DetailLevel string

const (
	DetailNamesOnly DetailLevel = "names-only"
	DetailBasic     DetailLevel = "basic"
	DetailFull      DetailLevel = "full"
)

// ValidDetailLevel reports whether d names a defined detail level.
func ValidDetailLevel(d DetailLevel) bool {
	switch d {
	case DetailNamesOnly, DetailBasic, DetailFull:
		return true
	default:
		return false
	}
}

// HandshakeRequest opens a session. A missing version marks the client as
// legacy and pins it to the oldest supported revision.
type HandshakeRequest struct {
	Version              string   `json:"version,omitzero"`
	ClientID             string   `json:"client_id"`
	Transport            string   `json:"transport,omitzero"`
	Capabilities         []string `json:"capabilities,omitempty"`
	RequiredCapabilities []string `json:"required_capabilities,omitempty"`
}

// HandshakeResult reports the negotiated revision and capabilities together
// with the session identifier the client presents on subsequent requests.
type HandshakeResult struct {
	AgreedVersion      string   `json:"agreed_version"`
	AgreedCapabilities []string `json:"agreed_capabilities"`
	SessionID          string   `json:"session_id"`
}

// NegotiationResult is the outcome of version/capability negotiation.
// Immutable once produced.
type NegotiationResult struct {
	AgreedVersion      Version       `json:"agreed_version"`
	AgreedCapabilities CapabilitySet `json:"agreed_capabilities"`
	IsLegacy           bool          `json:"is_legacy"`
}

// AgreedCapabilityStrings returns the agreed capabilities in wire order.
func (n NegotiationResult) AgreedCapabilityStrings() []string {
	return n.AgreedCapabilities.Sorted()
}

// ToolCallRequest invokes a tool. Mode defaults to sync when empty.
// TimeoutMs, when positive, bounds handler wall-clock time; a trip reports
// EXECUTION_ERROR with sub-code TIMEOUT.
type ToolCallRequest struct {
	RequestID string          `json:"request_id"`
	ToolID    string          `json:"tool_id"`
	Arguments json.RawMessage `json:"arguments,omitempty"`
	Mode      CallMode        `json:"mode,omitzero"`
	TimeoutMs int64           `json:"timeout_ms,omitzero"`
}

// ToolCallResult is the synchronous-mode response.
type ToolCallResult struct {
	Result json.RawMessage `json:"result"`
}

// JobAccepted is the asynchronous-mode response.
type JobAccepted struct {
	JobID  string    `json:"job_id"`
	Status JobStatus `json:"status"`
}

// JobPollRequest fetches a job snapshot.
type JobPollRequest struct {
	JobID string `json:"job_id"`
}

// JobPollResult is a point-in-time view of a job.
type JobPollResult struct {
	JobID           string          `json:"job_id"`
	Status          JobStatus       `json:"status"`
	Progress        float64         `json:"progress"`
	ProgressMessage string          `json:"progress_message,omitzero"`
	Result          json.RawMessage `json:"result,omitempty"`
	Error           *Error          `json:"error,omitempty"`
}

// JobCancelRequest requests cooperative cancellation.
type JobCancelRequest struct {
	JobID string `json:"job_id"`
}

// JobCancelResult reports whether cancellation was requested. Cancellation
// is cooperative; callers poll to observe the terminal state.
type JobCancelResult struct {
	Cancelled bool `json:"cancelled"`
}

// SearchRequest filters the tool catalog at a chosen detail level.
type SearchRequest struct {
	Query       string      `json:"query,omitzero"`
	Category    string      `json:"category,omitzero"`
	Tags        []string    `json:"tags,omitempty"`
	DetailLevel DetailLevel `json:"detail_level"`
	Limit       int         `json:"limit,omitzero"`
}

// ToolSummary is one search hit. Fields beyond Name are populated according
// to the requested detail level.
type ToolSummary struct {
	Name         string          `json:"name"`
	Description  string          `json:"description,omitzero"`
	Category     string          `json:"category,omitzero"`
	Tags         []string        `json:"tags,omitempty"`
	InputSchema  json.RawMessage `json:"input_schema,omitempty"`
	OutputSchema json.RawMessage `json:"output_schema,omitempty"`
}

// TokenSavings compares the serialized size of a response against the full
// baseline over the same result set.
type TokenSavings struct {
	BaselineBytes    int     `json:"baseline_bytes"`
	ActualBytes      int     `json:"actual_bytes"`
	ReductionPercent float64 `json:"reduction_percent"`
}

// SearchResult is the tools/search response.
type SearchResult struct {
	Tools        []ToolSummary `json:"tools"`
	DetailLevel  DetailLevel   `json:"detail_level"`
	TokenSavings TokenSavings  `json:"token_savings"`
}

// ProgressNotification is pushed to streaming sessions as a job advances.
type ProgressNotification struct {
	JobID    string    `json:"job_id"`
	Progress float64   `json:"progress"`
	Message  string    `json:"message,omitzero"`
	Status   JobStatus `json:"status,omitzero"`
}
