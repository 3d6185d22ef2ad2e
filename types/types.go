package types

// DefinitionStatus is the publication state of a workflow definition.
type DefinitionStatus string

const (
	DefinitionDraft     DefinitionStatus = "Draft"
	DefinitionPublished DefinitionStatus = "Published"
	DefinitionArchived  DefinitionStatus = "Archived"
)

// NodeType identifies the kind of step a node represents.
type NodeType string

const (
	NodeStart        NodeType = "Start"
	NodeEnd          NodeType = "End"
	NodeTask         NodeType = "Task"
	NodeDecision     NodeType = "Decision"
	NodeService      NodeType = "Service"
	NodeApproval     NodeType = "Approval"
	NodeDelay        NodeType = "Delay"
	NodeNotification NodeType = "Notification"
	NodeScript       NodeType = "Script"
)

// Actionable reports whether the node waits for an external action.
func (t NodeType) Actionable() bool {
	return t == NodeTask || t == NodeApproval
}

// Valid reports whether t is one of the known node types.
func (t NodeType) Valid() bool {
	switch t {
	case NodeStart, NodeEnd, NodeTask, NodeDecision, NodeService,
		NodeApproval, NodeDelay, NodeNotification, NodeScript:
		return true
	}
	return false
}

// Definition is an immutable-per-version workflow template.
type Definition struct {
	ID      uint64           `json:"id"`
	Name    string           `json:"name"`
	Version int              `json:"version"`
	Status  DefinitionStatus `json:"status"`
	Nodes   []Node           `json:"nodes"`
	Edges   []Edge           `json:"edges"`
}

// Node is a typed step of a definition. Config holds the per-type configuration
// document and is encoded as "configuration" on the wire.
type Node struct {
	ID      string     `json:"nodeId"`
	Type    NodeType   `json:"type"`
	Name    string     `json:"name"`
	Config  NodeConfig `json:"-"`
	IsStart bool       `json:"isStart"`
	IsEnd   bool       `json:"isEnd"`
}

// Edge connects two nodes. Condition is stored but never evaluated by traversal.
type Edge struct {
	Source    string `json:"sourceNodeId"`
	Target    string `json:"targetNodeId"`
	Label     string `json:"label"`
	Condition string `json:"condition,omitempty"`
}

// InstanceStatus is the lifecycle state of an instance.
type InstanceStatus string

const (
	InstanceRunning   InstanceStatus = "Running"
	InstanceSuspended InstanceStatus = "Suspended"
	InstanceCompleted InstanceStatus = "Completed"
	InstanceFailed    InstanceStatus = "Failed"
	InstanceCancelled InstanceStatus = "Cancelled"
)

// Terminal reports whether no further transition is allowed. Failed is
// recoverable through a retry and therefore not terminal.
func (s InstanceStatus) Terminal() bool {
	return s == InstanceCompleted || s == InstanceCancelled
}

// Instance is one run of a definition for an application.
type Instance struct {
	ID             uint64                 `json:"id"`
	DefinitionID   uint64                 `json:"definitionId"`
	ApplicationID  string                 `json:"applicationId"`
	Status         InstanceStatus         `json:"status"`
	CurrentNodeID  string                 `json:"currentNodeId"`
	Variables      map[string]interface{} `json:"variables"`
	RetryCount     int                    `json:"retryCount"`
	MaxRetries     int                    `json:"maxRetries"`
	StartedBy      string                 `json:"startedBy"`
	StartedAt      int64                  `json:"startedAt"`
	CompletedAt    int64                  `json:"completedAt,omitempty"`
	LastActivityAt int64                  `json:"lastActivityAt"`
	Version        int64                  `json:"version"`

	// Populated by GetInstance only.
	Definition   *Definition         `json:"definition,omitempty"`
	Tasks        []Task              `json:"tasks,omitempty"`
	ExecutionLog []ExecutionLogEntry `json:"executionLog,omitempty"`
}

// Shallow returns a copy of the instance without the eagerly loaded relations.
func (i Instance) Shallow() Instance {
	i.Definition = nil
	i.Tasks = nil
	i.ExecutionLog = nil
	return i
}
