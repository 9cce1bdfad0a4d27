package util

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestNewSortableIDOrdersWithinMillisecond(t *testing.T) {
	now := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)
	prev := NewSortableID(now)
	for i := 0; i < 100; i++ {
		next := NewSortableID(now)
		assert.Less(t, prev, next)
		prev = next
	}
	assert.Less(t, prev, NewSortableID(now.Add(time.Millisecond)))
	assert.Len(t, prev, 26)
}

func TestNewIDIsRandomHex(t *testing.T) {
	a, b := NewID(), NewID()
	assert.Len(t, a, 24)
	assert.NotEqual(t, a, b)
	assert.Regexp(t, "^[0-9a-f]+$", a)
}
