package cnst

// Tracer names used across the services
const (
	// TraceRouter is the tracer name for message dispatch
	TraceRouter = "imgate/router"
	// TraceAdmin is the tracer name for the operator HTTP endpoint
	TraceAdmin = "imgate/admin"
)

// Common span names and prefixes
const (
	// SpanDispatchPrefix prefixes spans for handling one message type
	SpanDispatchPrefix = "imgate.dispatch."
)

// Common attribute keys
const (
	AttrSessionID   = "imgate.session_id"
	AttrMessageType = "imgate.message_type"
	AttrSequence    = "imgate.sequence"
	AttrHandler     = "imgate.handler"
	AttrUserID      = "imgate.user_id"
	AttrErrorCode   = "imgate.error_code"
	AttrClientAddr  = "client.remote_addr"
)
