package workflow

// Attribute keys used in structured logs.
const (
	logKeyInstanceID    = "instance_id"
	logKeyDefinitionID  = "definition_id"
	logKeyApplicationID = "application_id"
	logKeyNodeID        = "node_id"
	logKeyNodeType      = "node_type"
	logKeyTaskID        = "task_id"
	logKeyStatus        = "status"
	logKeyExecutionID   = "execution_id"
	logKeyAttempt       = "attempt"
	logKeyRetryCount    = "retry_count"
	logKeyExecutedBy    = "executed_by"
)
