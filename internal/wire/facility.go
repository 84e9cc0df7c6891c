package wire

import (
	"time"

	"vn.io.arda/notification-delivery/internal/domain"
	"vn.io.arda/notification-delivery/internal/messages"
)

// EntityTTL bounds how long an entity-change notification stays visible.
var EntityTTL = 24 * time.Hour

func init() {
	Register("facility_tasks", adaptFacilityTask)
}

// adaptFacilityTask turns a facility_tasks row change into a notification. Every change is
// its own notification, keyed by task id, event type and the row's modification time, so
// redelivery of the same change deduplicates while later changes do not.
func adaptFacilityTask(ev domain.RawEvent) (Decoded, bool) {
	row := ev.Record()
	taskID := row.String("id")
	if taskID == "" {
		return Decoded{}, false
	}

	at, ok := row.Time("updated_at")
	if !ok || ev.Type == domain.EventInsert {
		at = createdAt(row)
	}

	name := row.String("title")
	if name == "" {
		name = row.String("business_name")
	}
	var title, message string
	switch ev.Type {
	case domain.EventInsert:
		title, message = messages.FacilityTaskCreated(name)
	case domain.EventUpdate:
		title, message = messages.FacilityTaskUpdated(name)
	case domain.EventDelete:
		title, message = messages.FacilityTaskDeleted(name)
	default:
		return Decoded{}, false
	}

	priority, _ := domain.ParsePriority(row.String("priority"))
	n := domain.Notification{
		ID:        "facility_tasks:" + taskID + ":" + string(ev.Type) + ":" + at.UTC().Format(time.RFC3339Nano),
		Title:     title,
		Message:   message,
		Category:  "facility_task",
		Priority:  priority,
		CreatedAt: at,
		ExpiresAt: at.Add(EntityTTL),
		Metadata: map[string]any{
			"task_id":       taskID,
			"event":         string(ev.Type),
			"status":        row.String("status"),
			"business_name": row.String("business_name"),
		},
		RelatedResource: &domain.ResourceRef{Type: "facility_task", ID: taskID, URL: TaskURL(taskID)},
	}
	return Decoded{Notification: n}, true
}
