package policy

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseMode(t *testing.T) {
	tests := []struct {
		input string
		want  PermissionMode
	}{
		{"manual", ModeManual},
		{"MANUAL", ModeManual},
		{"autoApproveEdits", ModeAutoApproveEdits},
		{"auto_approve_edits", ModeAutoApproveEdits},
		{"auto-approve-all", ModeAutoApproveAll},
		{" autoApproveAll ", ModeAutoApproveAll},
	}

	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			got, err := ParseMode(tt.input)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
			assert.True(t, got.Valid())
		})
	}
}

func TestParseMode_Unknown(t *testing.T) {
	for _, input := range []string{"", "yolo", "auto"} {
		_, err := ParseMode(input)
		assert.ErrorIs(t, err, ErrUnknownMode, input)
	}
}

func TestPermissionMode_Valid(t *testing.T) {
	for _, m := range Modes() {
		assert.True(t, m.Valid(), m)
	}
	assert.False(t, PermissionMode("").Valid())
	assert.False(t, PermissionMode("Manual").Valid())
}
