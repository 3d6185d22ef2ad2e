package types

// TaskStatus is the state of a human task.
type TaskStatus string

const (
	TaskPending    TaskStatus = "Pending"
	TaskInProgress TaskStatus = "InProgress"
	TaskCompleted  TaskStatus = "Completed"
	TaskCancelled  TaskStatus = "Cancelled"
	TaskOverdue    TaskStatus = "Overdue"
	TaskReassigned TaskStatus = "Reassigned"
)

// Open reports whether the task still blocks its node.
func (s TaskStatus) Open() bool {
	return s == TaskPending || s == TaskInProgress
}

// TaskPriority orders tasks for the people working them.
type TaskPriority string

const (
	PriorityLow      TaskPriority = "Low"
	PriorityNormal   TaskPriority = "Normal"
	PriorityHigh     TaskPriority = "High"
	PriorityCritical TaskPriority = "Critical"
)

// AssignmentType records how a task got its assignee.
type AssignmentType string

const (
	AssignmentManual         AssignmentType = "Manual"
	AssignmentAutomatic      AssignmentType = "Automatic"
	AssignmentNodeConfigured AssignmentType = "NodeConfigured"
	AssignmentLeastBusy      AssignmentType = "LeastBusy"
)

// SystemUsername is the display name used when nobody could be assigned.
const SystemUsername = "System"

// Task is the work item created when an instance enters an actionable node.
type Task struct {
	ID               uint64         `json:"taskId"`
	InstanceID       uint64         `json:"instanceId"`
	NodeID           string         `json:"nodeId"`
	Title            string         `json:"title"`
	Description      string         `json:"description,omitempty"`
	Status           TaskStatus     `json:"status"`
	Priority         TaskPriority   `json:"priority"`
	AssignedToUserID uint64         `json:"assignedToUserId,omitempty"`
	AssignedTo       string         `json:"assignedTo"`
	AssignmentType   AssignmentType `json:"assignmentType"`
	Notes            string         `json:"notes,omitempty"`
	CreatedAt        int64          `json:"createdAt"`
	CompletedAt      int64          `json:"completedAt,omitempty"`
	CompletedBy      string         `json:"completedBy,omitempty"`
	Result           string         `json:"result,omitempty"`
}

// AssignmentResult is the transient outcome of an assignment decision.
type AssignmentResult struct {
	UserID         uint64         `json:"userId"`
	Username       string         `json:"username"`
	Email          string         `json:"email,omitempty"`
	FullName       string         `json:"fullName,omitempty"`
	Reason         string         `json:"reason"`
	AssignmentType AssignmentType `json:"assignmentType"`
}

// SystemAssignment is the fallback used when no candidate user is available.
func SystemAssignment(reason string) AssignmentResult {
	return AssignmentResult{
		Username:       SystemUsername,
		FullName:       SystemUsername,
		Reason:         reason,
		AssignmentType: AssignmentAutomatic,
	}
}

// IsSystem reports whether r is the system fallback rather than a real user.
func (r AssignmentResult) IsSystem() bool {
	return r.UserID == 0 && r.Username == SystemUsername
}

// UserStatus is the account state of a user.
type UserStatus string

const (
	UserActive    UserStatus = "Active"
	UserInactive  UserStatus = "Inactive"
	UserSuspended UserStatus = "Suspended"
)

// User is a person tasks can be assigned to.
type User struct {
	ID         uint64     `json:"id"`
	Username   string     `json:"username"`
	Email      string     `json:"email,omitempty"`
	FullName   string     `json:"fullName,omitempty"`
	Department string     `json:"department,omitempty"`
	Role       string     `json:"role,omitempty"`
	Status     UserStatus `json:"status"`
}
