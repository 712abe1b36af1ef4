package benq

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestEncode(t *testing.T) {
	assert.Equal(t, "\r*pow=?#\r", string(Encode(Query("POW"))))
	assert.Equal(t, "\r*sour=hdmi#\r", string(Encode(Set("sour", "hdmi"))))
}

func TestCommand_String(t *testing.T) {
	assert.Equal(t, "pow=?", Query("pow").String())
	assert.Equal(t, "vol=5", Set("vol", "5").String())
	assert.True(t, Query("pow").IsQuery())
	assert.False(t, Set("pow", "on").IsQuery())
}

func TestCommand_Validate(t *testing.T) {
	tests := []struct {
		name    string
		cmd     Command
		wantErr bool
	}{
		{"query", Query("pow"), false},
		{"set", Set("asp", "16:9"), false},
		{"numeric key", Query("3d"), false},
		{"empty key", Query(""), true},
		{"key with space", Query("po w"), true},
		{"key with dash", Query("h-keystone"), true},
		{"value with terminator", Set("pow", "on#"), true},
		{"value with star", Set("pow", "*on"), true},
		{"value with newline", Set("pow", "on\r"), true},
		{"value with prompt", Set("pow", ">"), true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.cmd.Validate()
			if tt.wantErr {
				assert.ErrorIs(t, err, ErrInvalidCommand)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}
