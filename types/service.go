package types

// ServiceType selects the adapter used for an automated node.
type ServiceType string

const (
	ServiceExternalAPI    ServiceType = "ExternalApi"
	ServiceInternal       ServiceType = "InternalService"
	ServiceDatabase       ServiceType = "Database"
	ServiceValidation     ServiceType = "Validation"
	ServiceTransformation ServiceType = "Transformation"
	ServiceNotification   ServiceType = "Notification"
	ServiceEmail          ServiceType = "Email"
	ServiceSms            ServiceType = "Sms"
	ServiceWebhook        ServiceType = "Webhook"
	ServiceFileProcessing ServiceType = "FileProcessing"
	ServiceDataSync       ServiceType = "DataSync"
	ServiceIntegration    ServiceType = "Integration"
)

// ExecutionStatus is the state of a service execution.
type ExecutionStatus string

const (
	ExecutionPending   ExecutionStatus = "Pending"
	ExecutionRunning   ExecutionStatus = "Running"
	ExecutionCompleted ExecutionStatus = "Completed"
	ExecutionFailed    ExecutionStatus = "Failed"
	ExecutionCancelled ExecutionStatus = "Cancelled"
	ExecutionRetrying  ExecutionStatus = "Retrying"
)

// ServiceExecutionResult records one automated-node invocation.
type ServiceExecutionResult struct {
	ID             string          `json:"id"`
	InstanceID     uint64          `json:"instanceId"`
	NodeID         string          `json:"nodeId"`
	ServiceName    string          `json:"serviceName"`
	ServiceType    ServiceType     `json:"serviceType"`
	Status         ExecutionStatus `json:"status"`
	StartedAt      int64           `json:"startedAt"`
	CompletedAt    int64           `json:"completedAt,omitempty"`
	RequestData    string          `json:"requestData,omitempty"`
	ResponseData   string          `json:"responseData,omitempty"`
	HTTPStatusCode int             `json:"httpStatusCode,omitempty"`
	ErrorMessage   string          `json:"errorMessage,omitempty"`
	ErrorDetails   string          `json:"errorDetails,omitempty"`
	IsSuccess      bool            `json:"isSuccess"`
}

// AuthType names an outbound authentication scheme.
type AuthType string

const (
	AuthNone   AuthType = ""
	AuthBasic  AuthType = "basic"
	AuthBearer AuthType = "bearer"
	AuthAPIKey AuthType = "api-key"
)

// AuthConfig holds credentials for an outbound call.
type AuthConfig struct {
	Type       AuthType `json:"type" yaml:"type"`
	Username   string   `json:"username,omitempty" yaml:"username,omitempty"`
	Password   string   `json:"password,omitempty" yaml:"password,omitempty"`
	Token      string   `json:"token,omitempty" yaml:"token,omitempty"`
	HeaderName string   `json:"headerName,omitempty" yaml:"headerName,omitempty"`
	APIKey     string   `json:"apiKey,omitempty" yaml:"apiKey,omitempty"`
}

// ServiceConfiguration is a named, reusable endpoint description.
type ServiceConfiguration struct {
	Name           string            `json:"name" yaml:"name"`
	Endpoint       string            `json:"endpoint" yaml:"endpoint"`
	Method         string            `json:"method,omitempty" yaml:"method,omitempty"`
	TimeoutSeconds int               `json:"timeoutSeconds,omitempty" yaml:"timeoutSeconds,omitempty"`
	Headers        map[string]string `json:"headers,omitempty" yaml:"headers,omitempty"`
	Auth           *AuthConfig       `json:"auth,omitempty" yaml:"auth,omitempty"`
	// RateLimit caps requests per second; zero disables limiting.
	RateLimit float64 `json:"rateLimit,omitempty" yaml:"rateLimit,omitempty"`
}
