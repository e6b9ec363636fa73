package idgen

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestWithPrefix(t *testing.T) {
	id := WithPrefix(PrefixRequest)
	assert.True(t, strings.HasPrefix(id, "req_"))
	assert.Len(t, id, len("req_")+32)
	assert.True(t, HasPrefix(id, PrefixRequest))
	assert.False(t, HasPrefix(id, PrefixUser))
	assert.NotContains(t, id, "-")
}

func TestWithPrefix_Unique(t *testing.T) {
	seen := make(map[string]bool)
	for i := 0; i < 1000; i++ {
		id := WithPrefix(PrefixUser)
		assert.False(t, seen[id], "duplicate id %s", id)
		seen[id] = true
	}
}

func TestHasPrefix_RejectsWrongLength(t *testing.T) {
	assert.False(t, HasPrefix("req_abc", PrefixRequest))
	assert.False(t, HasPrefix("", PrefixRequest))
}

func TestNew(t *testing.T) {
	assert.Len(t, New(), 36)
	assert.NotEqual(t, New(), New())
}
