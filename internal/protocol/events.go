package protocol

// Desktop-facing hub methods.
const (
	MethodGetSessionID                             = "GetSessionID"
	MethodReceiveUnattendedSessionInfo             = "ReceiveUnattendedSessionInfo"
	MethodNotifyRequesterUnattendedReady           = "NotifyRequesterUnattendedReady"
	MethodNotifyViewersRelaunchedScreenCasterReady = "NotifyViewersRelaunchedScreenCasterReady"
	MethodSendDtoToViewer                          = "SendDtoToViewer"
	MethodDisconnectViewer                         = "DisconnectViewer"
)

// Viewer-facing hub methods.
const (
	MethodSendScreenCastRequestToDevice = "SendScreenCastRequestToDevice"
	MethodSendDtoToClient               = "SendDtoToClient"
	MethodChangeWindowsSession          = "ChangeWindowsSession"
	MethodInvokeCtrlAltDel              = "InvokeCtrlAltDel"
)

// Server-to-desktop events and invocations.
const (
	EventRequestScreenCast  = "RequestScreenCast"
	EventPromptForAccess    = "PromptForAccess"
	EventViewerDisconnected = "ViewerDisconnected"
)

// EventReceiveDto carries one serialized DTO wrapper to either side.
const EventReceiveDto = "ReceiveDto"

// Server-to-viewer events.
const (
	EventConnected                   = "Connected"
	EventCursorChange                = "CursorChange"
	EventShowMessage                 = "ShowMessage"
	EventConnectionFailed            = "ConnectionFailed"
	EventConnectionRequestDenied     = "ConnectionRequestDenied"
	EventUnauthorized                = "Unauthorized"
	EventSessionIDNotFound           = "SessionIDNotFound"
	EventViewerRemoved               = "ViewerRemoved"
	EventScreenCasterDisconnected    = "ScreenCasterDisconnected"
	EventRelaunchedScreenCasterReady = "RelaunchedScreenCasterReady"
	EventWindowsSessions             = "WindowsSessions"
	EventUnattendedSessionReady      = "UnattendedSessionReady"
)

// Status text shown to viewers for the push events above.
const (
	StatusConnectionDenied   = "Connection request denied"
	StatusSessionNotFound    = "Session ID not found"
	StatusUnauthorized       = "Authorization failed"
	StatusHostDisconnected   = "The host has disconnected"
	StatusHostReconnecting   = "The host is reconnecting"
	StatusViewerRemoved      = "You have been removed from the session"
	StatusRateLimited        = "Too many connection attempts"
	StatusSessionNotReady    = "The session is not ready"
	StatusCastRequestInvalid = "Invalid screen cast request"
)

// Hub payloads.

// ConnectedPayload tells a peer the connection ID the server assigned it.
type ConnectedPayload struct {
	ConnectionID string `json:"connection_id"`
}

// UnattendedSessionInfo is sent by a desktop registering unattended access.
type UnattendedSessionInfo struct {
	SessionID        string `json:"session_id"`
	AccessKey        string `json:"access_key"`
	MachineName      string `json:"machine_name"`
	RequesterName    string `json:"requester_name"`
	OrganizationName string `json:"organization_name"`
}

// SessionIDResult is the reply to GetSessionID.
type SessionIDResult struct {
	Result
	SessionID string `json:"session_id,omitempty"`
}

// ViewerIDs lists viewer connections.
type ViewerIDs struct {
	ViewerIDs []string `json:"viewer_ids"`
}

// DtoToViewer relays one serialized DTO wrapper to a viewer.
type DtoToViewer struct {
	Dto      []byte `json:"dto"`
	ViewerID string `json:"viewer_id"`
}

// DtoToClient relays one serialized DTO wrapper from a viewer to its desktop.
type DtoToClient struct {
	Dto      []byte `json:"dto"`
	ViewerID string `json:"viewer_id,omitempty"`
}

// DisconnectViewerRequest removes a viewer from the desktop's session.
type DisconnectViewerRequest struct {
	ViewerID string `json:"viewer_id"`
	Notify   bool   `json:"notify"`
}

// ScreenCastRequest is sent by a viewer asking to watch a session.
type ScreenCastRequest struct {
	SessionID     string `json:"session_id"`
	AccessKey     string `json:"access_key"`
	RequesterName string `json:"requester_name"`
}

// AccessPrompt asks the desktop's local user to approve a viewer.
type AccessPrompt struct {
	RequesterName    string `json:"requester_name"`
	OrganizationName string `json:"organization_name"`
}

// AccessDecision is the desktop's reply to an AccessPrompt.
type AccessDecision struct {
	Allowed bool `json:"allowed"`
}

// StartCast tells a desktop to begin casting to a viewer.
type StartCast struct {
	ViewerID      string `json:"viewer_id"`
	RequesterName string `json:"requester_name"`
	StreamID      string `json:"stream_id"`
	Unattended    bool   `json:"unattended"`
	NotifyUser    bool   `json:"notify_user"`
}

// ViewerEvent names a single viewer.
type ViewerEvent struct {
	ViewerID string `json:"viewer_id"`
}

// WindowsSessionChange asks the desktop to switch host sessions.
type WindowsSessionChange struct {
	ViewerID        string `json:"viewer_id"`
	TargetSessionID string `json:"target_session_id"`
}

// SessionEvent names a session, e.g. for readiness or relaunch notices.
type SessionEvent struct {
	SessionID string `json:"session_id"`
}

// StatusMessage carries user-visible status text.
type StatusMessage struct {
	Message string `json:"message"`
}

// Hub endpoint paths.
const (
	PathDesktopHub    = "/hub/desktop"
	PathDesktopStream = "/hub/desktop/stream"
	PathViewerHub     = "/hub/viewer"
	PathViewerStream  = "/hub/viewer/stream"
)

// Query parameters on the stream endpoints.
const (
	QueryConnectionID = "connection_id"
	QueryStreamID     = "stream_id"
)
