package slices

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestFilter(t *testing.T) {
	notSPDY := func(s string) bool {
		return !strings.HasPrefix(s, "spdy")
	}

	testCases := []struct {
		name     string
		slice    []string
		expected []string
	}{
		{
			name: "nil",
		},
		{
			name:     "keeps order",
			slice:    []string{"h2", "spdy/3.1", "http/1.1"},
			expected: []string{"h2", "http/1.1"},
		},
		{
			name:  "drops everything",
			slice: []string{"spdy/3", "spdy/2"},
		},
	}

	for _, tc := range testCases {
		assert.Equal(t, tc.expected, Filter(tc.slice, notSPDY), tc.name)
	}
}
