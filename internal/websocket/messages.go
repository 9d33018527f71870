package websocket

// Request is one console frame from the browser. Body is encoded exactly
// like the body of the equivalent HTTP POST.
type Request struct {
	ID     string `json:"id"`     // echoed back, chosen by the client
	Action string `json:"action"` // "run_opcode" or "run_sql"
	Body   string `json:"body"`
}

// Reply carries the complete output of one Request. There are no partial
// replies.
type Reply struct {
	ID           string `json:"id"`
	InvocationID string `json:"invocation_id,omitempty"`
	Action       string `json:"action"`
	Output       string `json:"output"`
	ExitCode     int    `json:"exit_code"`
	TimedOut     bool   `json:"timed_out"`
	DurationMS   int64  `json:"duration_ms"`
	Error        string `json:"error,omitempty"` // malformed request frames only
}
