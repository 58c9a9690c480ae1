package client

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseLine(t *testing.T) {
	tests := []struct {
		line     string
		wantType string
		wantData string
		wantErr  bool
	}{
		{line: "ping", wantType: "ping"},
		{line: `echo {"a": 1}`, wantType: "echo", wantData: `{"a": 1}`},
		{line: "echo   [1,2]  ", wantType: "echo", wantData: "[1,2]"},
		{line: "echo {broken", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.line, func(t *testing.T) {
			msgType, data, err := parseLine(tt.line)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.wantType, msgType)
			if tt.wantData == "" {
				assert.Nil(t, data)
				return
			}
			assert.Equal(t, json.RawMessage(tt.wantData), data)
		})
	}
}
