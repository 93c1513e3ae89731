package models

import (
	"time"
)

// Record is implemented by every syncable domain entity.
type Record interface {
	Base() *Meta
}

// Meta holds the fields every entity carries.
type Meta struct {
	ID        string     `json:"id"`
	UserID    string     `json:"userId"`
	CreatedAt time.Time  `json:"createdAt"`
	UpdatedAt time.Time  `json:"updatedAt"`
	DeletedAt *time.Time `json:"deletedAt"`

	// Extra carries columns this build does not know about, keyed by column
	// name, so they survive a decode/encode cycle untouched.
	Extra map[string]any `json:"-"`
}

// Base returns the entity metadata.
func (m *Meta) Base() *Meta { return m }

// TaskStatus represents task lifecycle state
type TaskStatus string

const (
	TaskTodo       TaskStatus = "todo"
	TaskInProgress TaskStatus = "in_progress"
	TaskDone       TaskStatus = "done"
	TaskArchived   TaskStatus = "archived"
)

// Priority represents task / work item priority
type Priority string

const (
	PriorityHigh   Priority = "high"
	PriorityMedium Priority = "medium"
	PriorityLow    Priority = "low"
)

// SubTask is a checklist item nested inside a task
type SubTask struct {
	ID    string `json:"id"`
	Title string `json:"title"`
	Done  bool   `json:"done"`
}

// Task represents a to-do item
type Task struct {
	Meta
	Title       string     `json:"title"`
	Notes       string     `json:"notes"`
	Status      TaskStatus `json:"status"`
	Priority    Priority   `json:"priority"`
	DueDate     string     `json:"dueDate"`
	ProjectID   string     `json:"projectId"`
	GoalID      string     `json:"goalId"`
	SubTasks    []SubTask  `json:"subTasks"`
	Tags        []string   `json:"tags"`
	Position    int        `json:"position"`
	CompletedAt *time.Time `json:"completedAt"`
}

// Project groups tasks and work items
type Project struct {
	Meta
	Name        string `json:"name"`
	Description string `json:"description"`
	Color       string `json:"color"`
	Status      string `json:"status"`
}

// Milestone is a checkpoint nested inside a goal
type Milestone struct {
	Title string `json:"title"`
	Done  bool   `json:"done"`
}

// Goal represents a long-running objective
type Goal struct {
	Meta
	Title       string      `json:"title"`
	Description string      `json:"description"`
	TargetDate  string      `json:"targetDate"`
	Progress    float64     `json:"progress"`
	Status      string      `json:"status"`
	Milestones  []Milestone `json:"milestones"`
}

// Habit represents a recurring behaviour to track
type Habit struct {
	Meta
	Name          string `json:"name"`
	Frequency     string `json:"frequency"`
	TargetPerWeek int    `json:"targetPerWeek"`
	DaysOfWeek    []int  `json:"daysOfWeek"`
	Color         string `json:"color"`
	ReminderTime  string `json:"reminderTime"`
}

// HabitCheckin records a habit completion on a day
type HabitCheckin struct {
	Meta
	HabitID string `json:"habitId"`
	Date    string `json:"date"`
	Count   int    `json:"count"`
	Note    string `json:"note"`
}

// Transaction is a single money movement
type Transaction struct {
	Meta
	AccountID   string   `json:"accountId"`
	Amount      float64  `json:"amount"`
	Currency    string   `json:"currency"`
	Kind        string   `json:"kind"` // income, expense, transfer
	Category    string   `json:"category"`
	Description string   `json:"description"`
	Date        string   `json:"date"`
	Tags        []string `json:"tags"`
}

// Account is a money container transactions belong to
type Account struct {
	Meta
	Name        string  `json:"name"`
	Kind        string  `json:"kind"`
	Currency    string  `json:"currency"`
	Balance     float64 `json:"balance"`
	Institution string  `json:"institution"`
}

// Budget caps spending for a category over a period
type Budget struct {
	Meta
	Name      string  `json:"name"`
	Category  string  `json:"category"`
	Limit     float64 `json:"limit"`
	Period    string  `json:"period"`
	StartDate string  `json:"startDate"`
}

// JournalEntry is a dated free-form journal page
type JournalEntry struct {
	Meta
	Title string   `json:"title"`
	Body  string   `json:"body"`
	Mood  int      `json:"mood"`
	Date  string   `json:"date"`
	Tags  []string `json:"tags"`
}

// Attendee is a participant nested inside a calendar event
type Attendee struct {
	Name     string `json:"name"`
	Email    string `json:"email"`
	Response string `json:"response"`
}

// CalendarEvent is a scheduled block of time
type CalendarEvent struct {
	Meta
	Title       string     `json:"title"`
	Description string     `json:"description"`
	Location    string     `json:"location"`
	StartsAt    time.Time  `json:"startsAt"`
	EndsAt      time.Time  `json:"endsAt"`
	AllDay      bool       `json:"allDay"`
	Attendees   []Attendee `json:"attendees"`
	Recurrence  string     `json:"recurrence"`
}

// Note is a free-form note
type Note struct {
	Meta
	Title     string   `json:"title"`
	Body      string   `json:"body"`
	Pinned    bool     `json:"pinned"`
	Tags      []string `json:"tags"`
	ProjectID string   `json:"projectId"`
}

// Contact is a person in the address book
type Contact struct {
	Meta
	Name        string            `json:"name"`
	Email       string            `json:"email"`
	Phone       string            `json:"phone"`
	Company     string            `json:"company"`
	Birthday    string            `json:"birthday"`
	SocialLinks map[string]string `json:"socialLinks"`
	Notes       string            `json:"notes"`
}

// WorkItem is a unit of work-management work (ticket, story)
type WorkItem struct {
	Meta
	Title       string   `json:"title"`
	Description string   `json:"description"`
	Status      string   `json:"status"`
	Priority    Priority `json:"priority"`
	ProjectID   string   `json:"projectId"`
	AssigneeID  string   `json:"assigneeId"`
	Estimate    float64  `json:"estimate"`
	DueDate     string   `json:"dueDate"`
	Labels      []string `json:"labels"`
}

// TimeEntry is tracked time against a work item or project
type TimeEntry struct {
	Meta
	WorkItemID      string     `json:"workItemId"`
	ProjectID       string     `json:"projectId"`
	StartedAt       time.Time  `json:"startedAt"`
	EndedAt         *time.Time `json:"endedAt"`
	DurationMinutes int        `json:"durationMinutes"`
	Note            string     `json:"note"`
	Billable        bool       `json:"billable"`
}
