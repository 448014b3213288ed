package ids

import (
	"sort"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestNewIsPrefixedAndSortable(t *testing.T) {
	generated := make([]string, 0, 50)
	for i := 0; i < 50; i++ {
		generated = append(generated, NewPodID())
	}

	assert.True(t, sort.StringsAreSorted(generated))

	seen := map[string]bool{}
	for _, id := range generated {
		assert.True(t, HasPrefix(id, PodPrefix), id)
		assert.False(t, seen[id], "duplicate id %s", id)
		seen[id] = true
	}
}

func TestHasPrefix(t *testing.T) {
	type scenario struct {
		id       string
		prefix   string
		expected bool
	}

	scenarios := []scenario{
		{NewServerID(), ServerPrefix, true},
		{NewServerID(), PodPrefix, false},
		{"server_notaulid", ServerPrefix, false},
		{"", ServerPrefix, false},
	}

	for _, s := range scenarios {
		assert.Equal(t, s.expected, HasPrefix(s.id, s.prefix))
	}
}
