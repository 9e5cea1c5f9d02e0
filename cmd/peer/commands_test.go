package main

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseCommand(t *testing.T) {
	tests := []struct {
		line string
		want command
	}{
		{"i 0 hello", command{kind: cmdInsert, index: 0, text: "hello"}},
		{"i 3  two spaces", command{kind: cmdInsert, index: 3, text: " two spaces"}},
		{"d 2 5", command{kind: cmdDelete, index: 2, count: 5}},
		{"p", command{kind: cmdPrint}},
		{"q\r\n", command{kind: cmdQuit}},
		{"   ", command{kind: cmdNone}},
	}

	for _, tt := range tests {
		t.Run(tt.line, func(t *testing.T) {
			got, err := parseCommand(tt.line)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestParseCommandErrors(t *testing.T) {
	for _, line := range []string{"i", "i 0", "i x text", "d 1", "d a 1", "d 1 b", "x"} {
		_, err := parseCommand(line)
		assert.Error(t, err, line)
	}
}
