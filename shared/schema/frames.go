package schema

// Push-channel event names.
const (
	EventChunk  = "chunk"
	EventStatus = "status"
	EventError  = "error"
	EventDone   = "done"
)

// ChunkFrame carries one increment of task output.
type ChunkFrame struct {
	Text string `json:"text"`
}

// StatusFrame is an informational status update sent over the push channel.
// It never drives terminal transitions; the poll endpoint does.
type StatusFrame struct {
	Status   TaskState `json:"status"`
	Progress float64   `json:"progress,omitempty"`
}

// ErrorFrame reports a server-side problem with the stream.
type ErrorFrame struct {
	Code    string `json:"code,omitempty"`
	Message string `json:"message"`
}
