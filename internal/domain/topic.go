package domain

import (
	"errors"
	"fmt"
	"regexp"
)

var (
	ErrUnknownTopic   = errors.New("unknown topic")
	ErrFilterRequired = errors.New("topic requires a filter key")
)

var identPattern = regexp.MustCompile(`^[a-z_][a-z0-9_]*$`)

// ValidIdent reports whether s is safe to use as a table or column name.
func ValidIdent(s string) bool {
	return identPattern.MatchString(s)
}

// Topic is a logical category of notifications and how to reach it on the wire.
type Topic struct {
	Name   string
	Source string
	// Broadcast topics deliver every event to every subscription on the topic.
	Broadcast    bool
	FilterColumn string
	// TrackReads means the source has an is_read column that acknowledge writes back.
	TrackReads bool
	Events     []EventType
}

// Descriptor builds the push descriptor for a subscription with filterKey.
func (t Topic) Descriptor(filterKey string) Descriptor {
	d := Descriptor{Topic: t.Name, Source: t.Source, Events: t.Events}
	if !t.Broadcast {
		d.Filter = EqFilter(t.FilterColumn, filterKey)
	}
	return d
}

// PollTarget builds the pull target for a subscription with filterKey.
func (t Topic) PollTarget(filterKey string) PollTarget {
	p := PollTarget{Topic: t.Name, Source: t.Source}
	if !t.Broadcast {
		p.FilterColumn = t.FilterColumn
		p.FilterKey = filterKey
	}
	return p
}

// Catalog maps topic names to topics.
type Catalog map[string]Topic

// NewCatalog validates topics and indexes them by name.
func NewCatalog(topics ...Topic) (Catalog, error) {
	c := make(Catalog, len(topics))
	for _, t := range topics {
		if t.Name == "" {
			return nil, errors.New("topic name is required")
		}
		if !ValidIdent(t.Source) {
			return nil, fmt.Errorf("topic %s: invalid source %q", t.Name, t.Source)
		}
		if !t.Broadcast && !ValidIdent(t.FilterColumn) {
			return nil, fmt.Errorf("topic %s: invalid filter column %q", t.Name, t.FilterColumn)
		}
		if _, dup := c[t.Name]; dup {
			return nil, fmt.Errorf("topic %s: duplicate", t.Name)
		}
		c[t.Name] = t
	}
	return c, nil
}

// Lookup returns the topic or ErrUnknownTopic.
func (c Catalog) Lookup(name string) (Topic, error) {
	t, ok := c[name]
	if !ok {
		return Topic{}, fmt.Errorf("%w: %s", ErrUnknownTopic, name)
	}
	return t, nil
}

const (
	TopicBroadcast     = "broadcast"
	TopicUserTasks     = "user-tasks"
	TopicFacilityTasks = "facility-tasks"
)

// DefaultTopics mirrors the three streams the facility application consumes.
func DefaultTopics() []Topic {
	all := []EventType{EventInsert, EventUpdate, EventDelete}
	return []Topic{
		{Name: TopicBroadcast, Source: "notifications", Broadcast: true, Events: all},
		{Name: TopicUserTasks, Source: "task_notifications", FilterColumn: "user_id", TrackReads: true, Events: all},
		{Name: TopicFacilityTasks, Source: "facility_tasks", Broadcast: true, Events: all},
	}
}
