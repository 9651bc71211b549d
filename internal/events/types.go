// Package events provides in-process pub/sub for orca's progress notifications.
package events

import "time"

// Topic identifies the kind of event published on the bus.
type Topic string

const (
	// TopicTaskUpdated fires whenever a task's durable row changes.
	TopicTaskUpdated Topic = "task:updated"
	// TopicInvocationStarted fires when the run pool spawns an agent.
	TopicInvocationStarted Topic = "invocation:started"
	// TopicInvocationCompleted fires when an invocation is closed (any outcome).
	TopicInvocationCompleted Topic = "invocation:completed"
	// TopicStatusUpdated fires on every orca_status transition.
	TopicStatusUpdated Topic = "status:updated"
)

// Event is the payload carried on the bus. Data is topic-specific.
type Event struct {
	Topic  Topic     `json:"topic"`
	TaskID string    `json:"task_id"`
	Data   any       `json:"data"`
	Time   time.Time `json:"time"`
}

// New creates an Event stamped with the current time.
func New(topic Topic, taskID string, data any) Event {
	return Event{Topic: topic, TaskID: taskID, Data: data, Time: time.Now()}
}

// StatusChange is the Data payload for TopicStatusUpdated.
type StatusChange struct {
	From string `json:"from"`
	To   string `json:"to"`
}

// InvocationStarted is the Data payload for TopicInvocationStarted.
type InvocationStarted struct {
	InvocationID int64  `json:"invocation_id"`
	Phase        string `json:"phase"`
	BranchName   string `json:"branch_name,omitempty"`
}

// InvocationCompleted is the Data payload for TopicInvocationCompleted.
type InvocationCompleted struct {
	InvocationID int64   `json:"invocation_id"`
	Phase        string  `json:"phase"`
	Status       string  `json:"status"`
	CostUSD      float64 `json:"cost_usd,omitempty"`
}
