// Package v1 holds the wire/persisted shapes shared between the dispatcher
// core and its transports.
package v1

import "time"

// AgentStatus is the status of a registered Agent.
type AgentStatus string

const (
	AgentStatusIdle    AgentStatus = "IDLE"
	AgentStatusBusy    AgentStatus = "BUSY"
	AgentStatusError   AgentStatus = "ERROR"
	AgentStatusOffline AgentStatus = "OFFLINE"
)

// legalAgentTransitions enumerates the allowed AgentStatus state graph.
var legalAgentTransitions = map[AgentStatus]map[AgentStatus]bool{
	AgentStatusIdle:    {AgentStatusBusy: true, AgentStatusOffline: true, AgentStatusError: true},
	AgentStatusBusy:    {AgentStatusIdle: true, AgentStatusError: true, AgentStatusOffline: true},
	AgentStatusError:   {AgentStatusIdle: true, AgentStatusOffline: true},
	AgentStatusOffline: {AgentStatusIdle: true},
}

// CanTransitionAgent reports whether from -> to is a legal Agent status change.
func CanTransitionAgent(from, to AgentStatus) bool {
	if from == to {
		return false
	}
	return legalAgentTransitions[from][to]
}

// Agent is a registered logical worker tied to a repository path and a
// connector type.
type Agent struct {
	ID              string    `json:"id"`
	Name            string    `json:"name"`
	Type            string    `json:"type"`
	RepositoryPath  string    `json:"repositoryPath"`
	Status          AgentStatus `json:"status"`
	LastHeartbeat   time.Time `json:"lastHeartbeat"`
	CurrentTaskID   *string   `json:"currentTaskId,omitempty"`
	SessionID       *string   `json:"sessionId,omitempty"`
	CreatedAt       time.Time `json:"createdAt"`
	UpdatedAt       time.Time `json:"updatedAt"`
	SoftDeleted     bool      `json:"softDeleted"`
	RepositoryID    *string   `json:"repositoryId,omitempty"`
}

// Repository is a discovered working directory that agents are bound to.
type Repository struct {
	ID     string `json:"id"`
	Name   string `json:"name"`
	Path   string `json:"path"`
	Active bool   `json:"active"`
}

// Priority is task scheduling priority. Higher values are serviced first.
type Priority int

const (
	PriorityLow Priority = iota
	PriorityNormal
	PriorityHigh
	PriorityCritical
)

func (p Priority) String() string {
	switch p {
	case PriorityLow:
		return "Low"
	case PriorityNormal:
		return "Normal"
	case PriorityHigh:
		return "High"
	case PriorityCritical:
		return "Critical"
	default:
		return "Normal"
	}
}

// ParsePriority parses a priority name, defaulting to Normal on no match.
func ParsePriority(s string) Priority {
	switch s {
	case "Low", "low":
		return PriorityLow
	case "High", "high":
		return PriorityHigh
	case "Critical", "critical":
		return PriorityCritical
	default:
		return PriorityNormal
	}
}

// IsHighPriorityPool reports whether a task of this priority is scheduled
// from the high-priority worker pool (Critical, High) rather than the
// default pool (Normal, Low). See Design Notes on the two priority mappings.
func (p Priority) IsHighPriorityPool() bool {
	return p == PriorityCritical || p == PriorityHigh
}

// TaskStatus is the status of a submitted Task.
type TaskStatus string

const (
	TaskStatusPending    TaskStatus = "PENDING"
	TaskStatusAssigned   TaskStatus = "ASSIGNED"
	TaskStatusInProgress TaskStatus = "IN_PROGRESS"
	TaskStatusCompleted  TaskStatus = "COMPLETED"
	TaskStatusFailed     TaskStatus = "FAILED"
	TaskStatusCancelled  TaskStatus = "CANCELLED"
)

var legalTaskTransitions = map[TaskStatus]map[TaskStatus]bool{
	TaskStatusPending:    {TaskStatusAssigned: true, TaskStatusCancelled: true},
	TaskStatusAssigned:   {TaskStatusInProgress: true, TaskStatusCancelled: true},
	TaskStatusInProgress: {TaskStatusCompleted: true, TaskStatusFailed: true, TaskStatusCancelled: true},
}

// CanTransitionTask reports whether from -> to is a legal Task status change.
func CanTransitionTask(from, to TaskStatus) bool {
	return legalTaskTransitions[from][to]
}

// IsTerminal reports whether the status is a sink state.
func (s TaskStatus) IsTerminal() bool {
	return s == TaskStatusCompleted || s == TaskStatusFailed || s == TaskStatusCancelled
}

// MaxCommandLength is the maximum accepted length of Task.Command.
const MaxCommandLength = 5000

// Task is a single command submitted for execution against some repository.
type Task struct {
	ID                 string     `json:"id"`
	Command            string     `json:"command"`
	RepositoryPath     string     `json:"repositoryPath"`
	Priority           Priority   `json:"priority"`
	Status             TaskStatus `json:"status"`
	CreatedAt          time.Time  `json:"createdAt"`
	StartedAt          *time.Time `json:"startedAt,omitempty"`
	CompletedAt        *time.Time `json:"completedAt,omitempty"`
	AssignedAgentID    *string    `json:"assignedAgentId,omitempty"`
	Result             *string    `json:"result,omitempty"`
	ErrorMessage       *string    `json:"errorMessage,omitempty"`
	OriginSubscriberID *string    `json:"originSubscriberId,omitempty"`
	RetryCount         int        `json:"retryCount"`
	RetryOfTaskID      *string    `json:"retryOfTaskId,omitempty"`
}

// AgentSessionStatus is the lifecycle state of a SubprocessConnector.
type AgentSessionStatus string

const (
	SessionDisconnected  AgentSessionStatus = "DISCONNECTED"
	SessionConnecting    AgentSessionStatus = "CONNECTING"
	SessionConnected     AgentSessionStatus = "CONNECTED"
	SessionDisconnecting AgentSessionStatus = "DISCONNECTING"
	SessionError         AgentSessionStatus = "ERROR"
)

// CommandResult is the final framed reply from an agent subprocess, parsed
// from the `{"type":"result"...}` sentinel line.
type CommandResult struct {
	Type              string   `json:"type"`
	Subtype           string   `json:"subtype,omitempty"`
	IsError           bool     `json:"is_error"`
	Result            string   `json:"result"`
	SessionID         string   `json:"session_id,omitempty"`
	DurationMS        int64    `json:"duration_ms,omitempty"`
	TotalCostUSD      *float64 `json:"total_cost_usd,omitempty"`
	PermissionDenials []string `json:"permission_denials,omitempty"`
}
