package types

// LogLevel is the severity of an execution log entry.
type LogLevel string

const (
	LevelDebug   LogLevel = "Debug"
	LevelInfo    LogLevel = "Info"
	LevelWarning LogLevel = "Warning"
	LevelError   LogLevel = "Error"
)

// ExecutionLogEntry is one immutable line of an instance's audit trail.
type ExecutionLogEntry struct {
	ID           uint64   `json:"id"`
	InstanceID   uint64   `json:"instanceId"`
	NodeID       string   `json:"nodeId"`
	NodeName     string   `json:"nodeName"`
	NodeType     NodeType `json:"nodeType"`
	Level        LogLevel `json:"level"`
	Message      string   `json:"message"`
	Data         string   `json:"data,omitempty"`
	Timestamp    int64    `json:"timestamp"`
	ExecutedBy   string   `json:"executedBy,omitempty"`
	IsError      bool     `json:"isError"`
	ErrorDetails string   `json:"errorDetails,omitempty"`
}
