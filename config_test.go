package tracemon

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestNormalizeConfig(t *testing.T) {
	tests := []struct {
		name     string
		input    Config
		expected Config
	}{
		{
			name:  "default config",
			input: Config{},
			expected: Config{
				FrequencyInterval:       time.Second,
				WorkingSetInterval:      time.Second,
				WorkingSetBufferEntries: 100_000,
			},
		},
		{
			name: "custom intervals preserved",
			input: Config{
				FrequencyInterval:  250 * time.Millisecond,
				WorkingSetInterval: 5 * time.Second,
				ProcessFilter:      "chrome;firefox",
			},
			expected: Config{
				FrequencyInterval:       250 * time.Millisecond,
				WorkingSetInterval:      5 * time.Second,
				ProcessFilter:           "chrome;firefox",
				WorkingSetBufferEntries: 100_000,
			},
		},
		{
			name: "negative values replaced",
			input: Config{
				FrequencyInterval:       -time.Second,
				WorkingSetInterval:      -time.Second,
				WorkingSetBufferEntries: -5,
			},
			expected: Config{
				FrequencyInterval:       time.Second,
				WorkingSetInterval:      time.Second,
				WorkingSetBufferEntries: 100_000,
			},
		},
		{
			name: "custom buffer size preserved",
			input: Config{
				WorkingSetBufferEntries: 1000,
			},
			expected: Config{
				FrequencyInterval:       time.Second,
				WorkingSetInterval:      time.Second,
				WorkingSetBufferEntries: 1000,
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.expected, normalizeConfig(tt.input))
		})
	}
}
