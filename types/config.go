package types

import (
	"encoding/json"
	"fmt"
)

// NodeConfig is the per-type configuration document of a node. The concrete
// type is chosen by the node's Type when decoding.
type NodeConfig interface {
	isNodeConfig()
}

// EmptyConfig is used by Start and End nodes.
type EmptyConfig struct{}

// TaskConfig configures a human task. Assignee is kept undecoded: it may be a
// JSON array of usernames or a delimited string, and a malformed value must
// not prevent the definition from loading.
type TaskConfig struct {
	Title       string          `json:"title,omitempty"`
	Description string          `json:"description,omitempty"`
	Priority    TaskPriority    `json:"priority,omitempty"`
	Assignee    json.RawMessage `json:"assignee,omitempty"`
	Notes       string          `json:"notes,omitempty"`
}

// ApprovalConfig configures an approval step.
type ApprovalConfig struct {
	TaskConfig
	RequiredApprovals int `json:"requiredApprovals,omitempty"`
}

// ServiceConfig configures an automated node. Endpoint fields override the
// named ServiceConfiguration when both are present.
type ServiceConfig struct {
	ServiceType       ServiceType            `json:"serviceType"`
	ServiceName       string                 `json:"serviceName,omitempty"`
	ConfigurationName string                 `json:"configurationName,omitempty"`
	Endpoint          string                 `json:"endpoint,omitempty"`
	Method            string                 `json:"method,omitempty"`
	TimeoutSeconds    int                    `json:"timeoutSeconds,omitempty"`
	Headers           map[string]string      `json:"headers,omitempty"`
	Auth              *AuthConfig            `json:"auth,omitempty"`
	Payload           map[string]interface{} `json:"payload,omitempty"`

	// Validation
	Rule string `json:"rule,omitempty"`
	// Transformation: output field -> expression
	Mappings map[string]string `json:"mappings,omitempty"`
	// Notification, Email, Sms
	Recipients []string `json:"recipients,omitempty"`
	Subject    string   `json:"subject,omitempty"`
	Template   string   `json:"template,omitempty"`
	// Database
	Query string `json:"query,omitempty"`
	// FileProcessing
	Path string `json:"path,omitempty"`
	// DataSync, Integration
	Target string `json:"target,omitempty"`
}

// DecisionConfig is stored for documentation only; decisions are not evaluated.
type DecisionConfig struct {
	Description string `json:"description,omitempty"`
}

// DelayConfig describes a wait. The engine has no timer loop and passes through.
type DelayConfig struct {
	DurationSeconds int `json:"durationSeconds,omitempty"`
}

// NotificationConfig describes a message sent when the node is entered.
type NotificationConfig struct {
	Channel    string   `json:"channel,omitempty"`
	Recipients []string `json:"recipients,omitempty"`
	Message    string   `json:"message,omitempty"`
}

// ScriptConfig holds an inline script. It is stored, not run.
type ScriptConfig struct {
	Language string `json:"language,omitempty"`
	Source   string `json:"source,omitempty"`
}

func (EmptyConfig) isNodeConfig()        {}
func (TaskConfig) isNodeConfig()         {}
func (ApprovalConfig) isNodeConfig()     {}
func (ServiceConfig) isNodeConfig()      {}
func (DecisionConfig) isNodeConfig()     {}
func (DelayConfig) isNodeConfig()        {}
func (NotificationConfig) isNodeConfig() {}
func (ScriptConfig) isNodeConfig()       {}

// DecodeNodeConfig decodes raw into the configuration variant of t.
func DecodeNodeConfig(t NodeType, raw json.RawMessage) (NodeConfig, error) {
	switch t {
	case NodeStart, NodeEnd:
		return EmptyConfig{}, nil
	case NodeTask:
		return decodeConfig[TaskConfig](t, raw)
	case NodeApproval:
		return decodeConfig[ApprovalConfig](t, raw)
	case NodeService:
		return decodeConfig[ServiceConfig](t, raw)
	case NodeDecision:
		return decodeConfig[DecisionConfig](t, raw)
	case NodeDelay:
		return decodeConfig[DelayConfig](t, raw)
	case NodeNotification:
		return decodeConfig[NotificationConfig](t, raw)
	case NodeScript:
		return decodeConfig[ScriptConfig](t, raw)
	default:
		return nil, fmt.Errorf("unknown node type %q", t)
	}
}

func decodeConfig[T NodeConfig](t NodeType, raw json.RawMessage) (NodeConfig, error) {
	var c T
	if len(raw) == 0 || string(raw) == "null" {
		return c, nil
	}
	if err := json.Unmarshal(raw, &c); err != nil {
		return nil, fmt.Errorf("decode %s configuration: %w", t, err)
	}
	return c, nil
}

type nodeWire struct {
	ID            string          `json:"nodeId"`
	Type          NodeType        `json:"type"`
	Name          string          `json:"name"`
	Configuration json.RawMessage `json:"configuration,omitempty"`
	IsStart       bool            `json:"isStart"`
	IsEnd         bool            `json:"isEnd"`
}

// MarshalJSON encodes the node with its configuration under "configuration".
func (n Node) MarshalJSON() ([]byte, error) {
	w := nodeWire{ID: n.ID, Type: n.Type, Name: n.Name, IsStart: n.IsStart, IsEnd: n.IsEnd}
	if n.Config != nil {
		raw, err := json.Marshal(n.Config)
		if err != nil {
			return nil, err
		}
		w.Configuration = raw
	}
	return json.Marshal(w)
}

// UnmarshalJSON decodes the configuration according to the node type.
func (n *Node) UnmarshalJSON(data []byte) error {
	var w nodeWire
	if err := json.Unmarshal(data, &w); err != nil {
		return err
	}
	cfg, err := DecodeNodeConfig(w.Type, w.Configuration)
	if err != nil {
		return fmt.Errorf("node %s: %w", w.ID, err)
	}
	*n = Node{ID: w.ID, Type: w.Type, Name: w.Name, Config: cfg, IsStart: w.IsStart, IsEnd: w.IsEnd}
	return nil
}

// TaskSettings returns the human-task configuration of an actionable node.
func (n Node) TaskSettings() (TaskConfig, bool) {
	switch c := n.Config.(type) {
	case TaskConfig:
		return c, true
	case ApprovalConfig:
		return c.TaskConfig, true
	}
	return TaskConfig{}, false
}

// ServiceSettings returns the configuration of a Service node.
func (n Node) ServiceSettings() (ServiceConfig, bool) {
	c, ok := n.Config.(ServiceConfig)
	return c, ok
}
