// Package protocol defines the wire types exchanged between the agent and
// the control server. Frames are JSON envelopes of {event, data}; request
// events carry a caller-assigned correlation id that the matching response
// echoes verbatim.
package protocol

import "encoding/json"

// AgentVersion is reported in the handshake.
const AgentVersion = "0.3.0"

// AuthType identifies this agent family to the server at connect time.
const AuthType = "legion"

// Event names.
const (
	// EventAuth is the first frame the agent sends after the socket opens.
	EventAuth = "legion:auth"
	// EventConnect is the server's acknowledgement of a successful auth.
	EventConnect = "legion:connect"
	// EventError carries a server-reported error message.
	EventError = "legion:error"
	// EventHandshake is the agent's first message after EventConnect.
	EventHandshake = "legion:handshake"
	// EventServerPing is a server liveness probe; the agent replies with EventPong.
	EventServerPing = "server:ping"
	// EventPong is the reply to EventServerPing.
	EventPong = "legion:pong"
	// EventTokenRotation is a server-pushed credential replacement.
	EventTokenRotation = "legion:token"
)

// Operation names. Each inbound operation event produces exactly one
// "<operation>:response" event while connected.
const (
	OpFSList      = "legion:fs:list"
	OpFSRead      = "legion:fs:read"
	OpProjectBind = "legion:project:bind"
)

// ResponseEvent returns the response event name for an operation.
func ResponseEvent(operation string) string {
	return operation + ":response"
}

// Envelope is the outer frame of every message in either direction.
type Envelope struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data,omitempty"`
}

// AuthPayload is sent as the data of EventAuth.
type AuthPayload struct {
	ID    string `json:"id,omitempty"`
	Token string `json:"token"`
	Type  string `json:"type"`
}

// Request is an inbound operation invocation. Operation is the event name;
// Payload holds the operation-specific fields alongside the id.
type Request struct {
	ID        string
	Operation string
	Payload   json.RawMessage
}

// Response statuses.
const (
	StatusOK    = "ok"
	StatusError = "error"
)

// Response is the correlated reply to a Request.
type Response struct {
	ID     string `json:"id"`
	Status string `json:"status"`
	Data   any    `json:"data,omitempty"`
	Error  string `json:"error,omitempty"`
}

// OK builds a success response.
func OK(id string, data any) Response {
	return Response{ID: id, Status: StatusOK, Data: data}
}

// Error builds an error response.
func Error(id, message string) Response {
	return Response{ID: id, Status: StatusError, Error: message}
}

// Handshake identifies the device to the server after connecting.
type Handshake struct {
	Fingerprint string `json:"fingerprint"`
	Version     string `json:"version"`
	Hostname    string `json:"hostname"`
	Platform    string `json:"platform"`
	Release     string `json:"release"`
	CWD         string `json:"cwd"`
}

// Pong is the reply payload for server pings.
type Pong struct {
	TS int64 `json:"ts"`
}

// TokenRotation is the payload of EventTokenRotation: a provisional token
// being upgraded to a permanent one.
type TokenRotation struct {
	TokenID string `json:"token_id"`
	Secret  string `json:"secret"`
}

// ErrorPayload is the data of EventError.
type ErrorPayload struct {
	Message string `json:"message"`
}

// ListParams is the payload of OpFSList.
type ListParams struct {
	Path  string `json:"path,omitempty"`
	Depth int    `json:"depth,omitempty"`
}

// Entry is one element of a directory listing. Size is set for files only.
type Entry struct {
	Name string `json:"name"`
	Path string `json:"path"`
	Type string `json:"type"`
	Size int64  `json:"size,omitempty"`
}

// Entry types.
const (
	EntryFile      = "file"
	EntryDirectory = "directory"
)

// ReadParams is the payload of OpFSRead.
type ReadParams struct {
	Path    string `json:"path"`
	MaxSize int64  `json:"maxSize,omitempty"`
}

// ReadResult is the data of an OpFSRead response. Text files carry utf-8
// content; binary files carry base64 content with a sniffed mime type. Files
// above the size limit carry metadata only, with Error set to "too_large".
type ReadResult struct {
	Type     string `json:"type"`
	Content  string `json:"content,omitempty"`
	Encoding string `json:"encoding,omitempty"`
	MimeType string `json:"mimeType,omitempty"`
	Size     int64  `json:"size"`
	Error    string `json:"error,omitempty"`
}

// Read result types and markers.
const (
	ReadTypeText      = "text"
	ReadTypeBlob      = "blob"
	EncodingUTF8      = "utf-8"
	EncodingBase64    = "base64"
	ReadErrorTooLarge = "too_large"
)

// BindParams is the payload of OpProjectBind.
type BindParams struct {
	Path        string `json:"path"`
	ProjectID   string `json:"projectId"`
	ProjectName string `json:"projectName,omitempty"`
}

// BindResult is the data of an OpProjectBind response.
type BindResult struct {
	ConfigPath string `json:"configPath"`
}
