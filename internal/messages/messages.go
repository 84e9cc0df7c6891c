package messages

import "fmt"

// ─── Task notification builders ──────────────────────────────────────────────

// TaskTitle derives the display title from a task notification_type.
func TaskTitle(notificationType string) string {
	switch notificationType {
	case "assignment":
		return TaskAssignedTitle
	case "unassignment":
		return TaskUnassignedTitle
	case "status_change":
		return TaskStatusTitle
	default:
		return TaskDefaultTitle
	}
}

// TaskAssigned is used when an assignment row carries no message of its own.
func TaskAssigned(businessName string) (string, string) {
	return TaskAssignedTitle, fmt.Sprintf(TaskAssignedBody, businessName)
}

// ─── Facility task builders ──────────────────────────────────────────────────

func FacilityTaskCreated(name string) (string, string) {
	return FacilityTaskCreatedTitle, fmt.Sprintf(FacilityTaskCreatedBody, name)
}

func FacilityTaskUpdated(name string) (string, string) {
	return FacilityTaskUpdatedTitle, fmt.Sprintf(FacilityTaskUpdatedBody, name)
}

func FacilityTaskDeleted(name string) (string, string) {
	return FacilityTaskDeletedTitle, fmt.Sprintf(FacilityTaskDeletedBody, name)
}
