package messages

// ─── Task notifications ──────────────────────────────────────────────────────

const (
	TaskAssignedTitle   = "New task assigned"
	TaskAssignedBody    = "You have been assigned a task at %s."
	TaskUnassignedTitle = "Task unassigned"
	TaskStatusTitle     = "Task status changed"
	TaskDefaultTitle    = "Task notification"
)

// ─── Facility tasks ──────────────────────────────────────────────────────────

const (
	FacilityTaskCreatedTitle = "Facility task created"
	FacilityTaskCreatedBody  = "Task '%s' was created."

	FacilityTaskUpdatedTitle = "Facility task updated"
	FacilityTaskUpdatedBody  = "Task '%s' was updated."

	FacilityTaskDeletedTitle = "Facility task removed"
	FacilityTaskDeletedBody  = "Task '%s' was removed."
)

// ─── Fallbacks ───────────────────────────────────────────────────────────────

const (
	DefaultTitle = "Notification"
)
