package httpapi

// RegisterAgentRequest is the body for POST /api/v1/agents.
type RegisterAgentRequest struct {
	ID             string `json:"id" binding:"required"`
	Name           string `json:"name" binding:"required"`
	Type           string `json:"type" binding:"required"`
	RepositoryPath string `json:"repositoryPath"`
}

// HeartbeatAgentRequest is the body for POST /api/v1/agents/:id/heartbeat.
type HeartbeatAgentRequest struct {
	Status        string  `json:"status" binding:"required"`
	CurrentTaskID *string `json:"currentTaskId,omitempty"`
}

// EnqueueTaskRequest is the body for POST /api/v1/tasks.
type EnqueueTaskRequest struct {
	Command            string  `json:"command" binding:"required"`
	RepositoryPath      string  `json:"repositoryPath"`
	Priority            string  `json:"priority"`
	OriginSubscriberID  *string `json:"originSubscriberId,omitempty"`
}

// SendCommandRequest is the body for POST /api/v1/agents/:id/command, the
// HTTP-surface counterpart of ClientSessionHub's sendCommandToAgent for
// callers that already hold a subscriberId from a prior websocket connect.
type SendCommandRequest struct {
	SubscriberID string `json:"subscriberId" binding:"required"`
	Command      string `json:"command" binding:"required"`
}
