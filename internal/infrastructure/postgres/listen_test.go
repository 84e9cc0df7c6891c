package postgres

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestQuoteLiteral(t *testing.T) {
	assert.Equal(t, `'notification_changes'`, quoteLiteral("notification_changes"))
	assert.Equal(t, `'it''s'`, quoteLiteral("it's"))
}

func TestIdent(t *testing.T) {
	assert.Equal(t, `"task_notifications"`, ident("task_notifications"))
	assert.Equal(t, `"weird""name"`, ident(`weird"name`))
}
