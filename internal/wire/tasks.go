package wire

import (
	"vn.io.arda/notification-delivery/internal/domain"
	"vn.io.arda/notification-delivery/internal/messages"
)

func init() {
	Register("task_notifications", adaptTask)
}

// TaskURL is the deep link for a task notification.
func TaskURL(taskID string) string {
	return "/admin/tasks?task=" + taskID
}

// adaptTask handles per-user task notification rows. Their priority vocabulary is
// normal/high/urgent and the title is derived from notification_type.
func adaptTask(ev domain.RawEvent) (Decoded, bool) {
	row := ev.Record()
	id := row.String("id")
	if id == "" {
		return Decoded{}, false
	}
	if ev.Type == domain.EventDelete {
		return Decoded{Notification: domain.Notification{ID: id}, Action: ActionRemove}, true
	}

	priority, _ := domain.ParsePriority(row.String("priority"))
	if priority < domain.PriorityMedium {
		priority = domain.PriorityMedium
	}

	kind := row.String("notification_type")
	business := row.String("business_name")
	title := messages.TaskTitle(kind)
	message := row.String("message")
	if message == "" && kind == "assignment" {
		title, message = messages.TaskAssigned(business)
	}

	meta := map[string]any{}
	for k, v := range row.Map("metadata") {
		meta[k] = v
	}
	taskID := row.String("task_id")
	if taskID != "" {
		meta["task_id"] = taskID
	}
	if business != "" {
		meta["business_name"] = business
	}

	n := domain.Notification{
		ID:       id,
		Title:    title,
		Message:  message,
		Category: kind,
		Priority: priority,
		Read:     row.Bool("is_read"),
		Metadata: meta,
	}
	n.CreatedAt = createdAt(row)
	n.ExpiresAt, _ = row.Time("expires_at")
	if taskID != "" {
		n.RelatedResource = &domain.ResourceRef{Type: "task", ID: taskID, URL: TaskURL(taskID)}
	}
	return Decoded{Notification: n}, true
}
