package log

// Canonical field names for structured logging.
const (
	FieldComponent    = "component"
	FieldSessionID    = "session_id"
	FieldViewerID     = "viewer_id"
	FieldStreamID     = "stream_id"
	FieldConnectionID = "connection_id"
	FieldMode         = "mode"
	FieldRemoteAddr   = "remote_addr"
	FieldEvent        = "event"
)
