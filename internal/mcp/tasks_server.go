package mcp

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

// TasksServerName is the shared task-list server.
const TasksServerName = "task-management"

// TaskStatus is the lifecycle state of one task.
type TaskStatus string

const (
	TaskPending    TaskStatus = "pending"
	TaskInProgress TaskStatus = "in_progress"
	TaskCompleted  TaskStatus = "completed"
)

// Task is one entry on the network's shared task list.
type Task struct {
	ID          string     `json:"id"`
	Title       string     `json:"title"`
	Description string     `json:"description,omitempty"`
	Status      TaskStatus `json:"status"`
	AssignedTo  string     `json:"assigned_to,omitempty"`
	CreatedAt   time.Time  `json:"created_at"`
	UpdatedAt   time.Time  `json:"updated_at"`
}

// TasksServer is the shared task list every agent in a network can read and
// update. State lives in memory for the lifetime of the network.
type TasksServer struct {
	BaseServer
	mu    sync.Mutex
	tasks []*Task
}

// NewTasksServer creates an empty task list server.
func NewTasksServer() *TasksServer {
	return &TasksServer{BaseServer: NewBaseServer(TasksServerName, "1.0.0")}
}

// TasksSnapshot returns a copy of the current task list.
func (s *TasksServer) TasksSnapshot() []Task {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Task, len(s.tasks))
	for i, t := range s.tasks {
		out[i] = *t
	}
	return out
}

// CurrentTaskName returns the title of the first in-progress task assigned
// to agentID, for event attribution.
func (s *TasksServer) CurrentTaskName(agentID string) string {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, t := range s.tasks {
		if t.Status == TaskInProgress && t.AssignedTo == agentID {
			return t.Title
		}
	}
	return ""
}

func (s *TasksServer) Tools() []Tool {
	return []Tool{
		{
			Name:        "create_task",
			Description: "Add a task to the shared task list.",
			InputSchema: ObjectSchema(map[string]any{
				"title":       StringProp("Short task title."),
				"description": StringProp("Optional longer description."),
				"assigned_to": StringProp("Agent id the task is assigned to."),
			}, "title"),
			Handler: s.create,
		},
		{
			Name:        "update_task",
			Description: "Update a task's status or assignment.",
			InputSchema: ObjectSchema(map[string]any{
				"task_id":     StringProp("Task id to update."),
				"status":      StringProp("New status: pending, in_progress or completed."),
				"assigned_to": StringProp("Agent id the task is assigned to."),
			}, "task_id"),
			Handler: s.update,
		},
		{
			Name:        "list_tasks",
			Description: "List every task with status and assignment.",
			InputSchema: ObjectSchema(map[string]any{}),
			Handler:     s.list,
		},
	}
}

func (s *TasksServer) create(ctx context.Context, args map[string]any) (*ToolResult, error) {
	title, _ := args["title"].(string)
	description, _ := args["description"].(string)
	assignedTo, _ := args["assigned_to"].(string)
	now := time.Now()
	task := &Task{
		ID:          uuid.NewString(),
		Title:       title,
		Description: description,
		Status:      TaskPending,
		AssignedTo:  assignedTo,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	s.mu.Lock()
	s.tasks = append(s.tasks, task)
	s.mu.Unlock()
	return &ToolResult{Content: TextContent(fmt.Sprintf("Created task %s: %s", task.ID, task.Title))}, nil
}

func (s *TasksServer) update(ctx context.Context, args map[string]any) (*ToolResult, error) {
	taskID, _ := args["task_id"].(string)
	status, _ := args["status"].(string)
	assignedTo, _ := args["assigned_to"].(string)

	if status != "" {
		switch TaskStatus(status) {
		case TaskPending, TaskInProgress, TaskCompleted:
		default:
			return Errorf("invalid status %q", status), nil
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	for _, t := range s.tasks {
		if t.ID != taskID {
			continue
		}
		if status != "" {
			t.Status = TaskStatus(status)
		}
		if assignedTo != "" {
			t.AssignedTo = assignedTo
		}
		t.UpdatedAt = time.Now()
		return &ToolResult{Content: TextContent(fmt.Sprintf("Updated task %s (%s)", t.ID, t.Status))}, nil
	}
	return Errorf("no task with id %q", taskID), nil
}

func (s *TasksServer) list(ctx context.Context, args map[string]any) (*ToolResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.tasks) == 0 {
		return &ToolResult{Content: TextContent("No tasks.")}, nil
	}
	var b strings.Builder
	for _, t := range s.tasks {
		fmt.Fprintf(&b, "[%s] %s: %s", t.Status, t.ID, t.Title)
		if t.AssignedTo != "" {
			fmt.Fprintf(&b, " (assigned to %s)", t.AssignedTo)
		}
		b.WriteByte('\n')
	}
	return &ToolResult{Content: TextContent(b.String())}, nil
}
