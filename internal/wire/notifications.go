package wire

import (
	"time"

	"vn.io.arda/notification-delivery/internal/domain"
	"vn.io.arda/notification-delivery/internal/messages"
)

func init() {
	Register("notifications", adaptGlobal)
}

// adaptGlobal handles rows of the broadcast notifications table.
func adaptGlobal(ev domain.RawEvent) (Decoded, bool) {
	row := ev.Record()
	id := row.String("id")
	if id == "" {
		return Decoded{}, false
	}
	if ev.Type == domain.EventDelete {
		return Decoded{Notification: domain.Notification{ID: id}, Action: ActionRemove}, true
	}

	priority, _ := domain.ParsePriority(row.String("priority"))
	title := row.String("title")
	if title == "" {
		title = messages.DefaultTitle
	}

	n := domain.Notification{
		ID:       id,
		Title:    title,
		Message:  row.String("message"),
		Category: row.String("category"),
		Priority: priority,
		Read:     row.Bool("is_read"),
		Metadata: row.Map("metadata"),
	}
	n.CreatedAt = createdAt(row)
	n.ExpiresAt, _ = row.Time("expires_at")

	if ref := resourceRef(row.String("related_resource_type"), row.String("related_resource_id"), row.String("related_url")); ref != nil {
		n.RelatedResource = ref
	}
	if row.Bool("is_system_notification") {
		if n.Metadata == nil {
			n.Metadata = map[string]any{}
		}
		n.Metadata["system"] = true
	}
	return Decoded{Notification: n}, true
}

func createdAt(row domain.Row) time.Time {
	if t, ok := row.Time("created_at"); ok {
		return t
	}
	return time.Now().UTC()
}

func resourceRef(typ, id, url string) *domain.ResourceRef {
	if typ == "" && id == "" && url == "" {
		return nil
	}
	return &domain.ResourceRef{Type: typ, ID: id, URL: url}
}
