package tracing

// TracerName is the instrumentation scope of the engine's spans.
const TracerName = "github.com/songzhibin97/process-engine"

const (
	InstanceID    = "process.instance_id"
	DefinitionID  = "process.definition_id"
	ApplicationID = "process.application_id"
	NodeID        = "process.node_id"
	Action        = "process.action"

	ServiceType        = "service.type"
	ServiceExecutionID = "service.execution_id"
	HTTPStatusCode     = "http.status_code"
)
