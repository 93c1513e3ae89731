package schema

import "github.com/marcus/kept/internal/models"

func str(name string) Field  { return Field{Name: name, Kind: String} }
func num(name string) Field  { return Field{Name: name, Kind: Int} }
func flt(name string) Field  { return Field{Name: name, Kind: Float} }
func flag(name string) Field { return Field{Name: name, Kind: Bool} }
func ts(name string) Field   { return Field{Name: name, Kind: Timestamp} }
func date(name string) Field { return Field{Name: name, Kind: Date} }
func doc(name string) Field  { return Field{Name: name, Kind: JSON} }

func required(f Field) Field {
	f.Required = true
	return f
}

func column(f Field, col string) Field {
	f.Column = col
	return f
}

// Collection names.
const (
	Tasks          = "tasks"
	Projects       = "projects"
	Goals          = "goals"
	Habits         = "habits"
	HabitCheckins  = "habit_checkins"
	Transactions   = "transactions"
	Accounts       = "accounts"
	Budgets        = "budgets"
	JournalEntries = "journal_entries"
	CalendarEvents = "calendar_events"
	Notes          = "notes"
	Contacts       = "contacts"
	WorkItems      = "work_items"
	TimeEntries    = "time_entries"
)

// Default is the registry of every collection the app syncs.
var Default = NewRegistry(
	newSchema(Tasks, false, func() models.Record { return &models.Task{} },
		required(str("title")), str("notes"), str("status"), str("priority"),
		date("dueDate"), str("projectId"), str("goalId"),
		doc("subTasks"), doc("tags"), num("position"), ts("completedAt"),
	),
	newSchema(Projects, true, func() models.Record { return &models.Project{} },
		required(str("name")), str("description"), str("color"), str("status"),
	),
	newSchema(Goals, true, func() models.Record { return &models.Goal{} },
		required(str("title")), str("description"), date("targetDate"),
		flt("progress"), str("status"), doc("milestones"),
	),
	newSchema(Habits, true, func() models.Record { return &models.Habit{} },
		required(str("name")), str("frequency"), num("targetPerWeek"),
		doc("daysOfWeek"), str("color"), str("reminderTime"),
	),
	newSchema(HabitCheckins, false, func() models.Record { return &models.HabitCheckin{} },
		str("habitId"), date("date"), num("count"), str("note"),
	),
	newSchema(Transactions, false, func() models.Record { return &models.Transaction{} },
		str("accountId"), flt("amount"), str("currency"), str("kind"),
		str("category"), str("description"), date("date"), doc("tags"),
	),
	newSchema(Accounts, true, func() models.Record { return &models.Account{} },
		required(str("name")), str("kind"), str("currency"), flt("balance"), str("institution"),
	),
	newSchema(Budgets, false, func() models.Record { return &models.Budget{} },
		required(str("name")), str("category"), column(flt("limit"), "amount_limit"),
		str("period"), date("startDate"),
	),
	newSchema(JournalEntries, false, func() models.Record { return &models.JournalEntry{} },
		str("title"), str("body"), num("mood"), date("date"), doc("tags"),
	),
	newSchema(CalendarEvents, false, func() models.Record { return &models.CalendarEvent{} },
		required(str("title")), str("description"), str("location"),
		ts("startsAt"), ts("endsAt"), flag("allDay"), doc("attendees"), str("recurrence"),
	),
	newSchema(Notes, false, func() models.Record { return &models.Note{} },
		str("title"), str("body"), flag("pinned"), doc("tags"), str("projectId"),
	),
	newSchema(Contacts, true, func() models.Record { return &models.Contact{} },
		required(str("name")), str("email"), str("phone"), str("company"),
		date("birthday"), doc("socialLinks"), str("notes"),
	),
	newSchema(WorkItems, true, func() models.Record { return &models.WorkItem{} },
		required(str("title")), str("description"), str("status"), str("priority"),
		str("projectId"), str("assigneeId"), flt("estimate"), date("dueDate"), doc("labels"),
	),
	newSchema(TimeEntries, false, func() models.Record { return &models.TimeEntry{} },
		str("workItemId"), str("projectId"), ts("startedAt"), ts("endedAt"),
		num("durationMinutes"), str("note"), flag("billable"),
	),
)
