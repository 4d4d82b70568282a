package cqrpc

// Well-known metadata keys used by the TCP transport. These appear as
// custom_metadata on Arrow IPC RecordBatch messages.
const (
	MetaMethod         = "cqrpc.method"
	MetaRequestVersion = "cqrpc.request_version"
	MetaRequestID      = "cqrpc.request_id"
	MetaTimeoutMs      = "cqrpc.timeout_ms"
	MetaFrame          = "cqrpc.frame"
	MetaStatusCode     = "cqrpc.status_code"
	MetaStatusMessage  = "cqrpc.status_message"
	MetaServerID       = "cqrpc.server_id"

	ProtocolVersion = "1"

	reservedMetaPrefix = "cqrpc."
)

// Frame kinds carried in MetaFrame.
const (
	FrameRequest = "request"
	FrameMessage = "message"
	FrameReply   = "reply"
	FrameStatus  = "status"
)

// DescribeMethod is the built-in server-stream method listing the
// registered methods.
const DescribeMethod = "__describe__"
