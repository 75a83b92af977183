package strings

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestDedupeAndTrim(t *testing.T) {
	tests := []struct {
		name     string
		input    []string
		expected []string
	}{
		{name: "nil stays nil", input: nil, expected: nil},
		{name: "empty stays empty", input: []string{}, expected: []string{}},
		{name: "trims and drops blanks", input: []string{" doctor ", "", "  ", "nurse"}, expected: []string{"doctor", "nurse"}},
		{name: "first occurrence wins", input: []string{"nurse", "doctor", "nurse "}, expected: []string{"nurse", "doctor"}},
		{name: "case is kept", input: []string{"ICU", "icu"}, expected: []string{"ICU", "icu"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.expected, DedupeAndTrim(tt.input))
		})
	}
}

func TestDedupeAndTrimLower(t *testing.T) {
	assert.Equal(t, []string{"admin", "doctor"}, DedupeAndTrimLower([]string{" Admin", "DOCTOR", "admin"}))
}

func TestSplitList(t *testing.T) {
	assert.Equal(t, []string{"k1:9092", "k2:9092"}, SplitList("k1:9092, k2:9092,,k1:9092", ","))
	assert.Nil(t, SplitList("", ","))
	assert.Nil(t, SplitList(" , ", ","))
}
