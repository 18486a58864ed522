package policy

import (
	"fmt"
	"strings"
)

// PermissionMode controls how approval requests from the runtime are handled
// for a session.
type PermissionMode string

const (
	// ModeManual sends every approval request to a human.
	ModeManual PermissionMode = "manual"
	// ModeAutoApproveEdits approves edit-class tools and asks for the rest.
	ModeAutoApproveEdits PermissionMode = "autoApproveEdits"
	// ModeAutoApproveAll approves everything.
	ModeAutoApproveAll PermissionMode = "autoApproveAll"
)

var modeAliases = map[string]PermissionMode{
	"manual":             ModeManual,
	"autoapproveedits":   ModeAutoApproveEdits,
	"auto_approve_edits": ModeAutoApproveEdits,
	"auto-approve-edits": ModeAutoApproveEdits,
	"autoapproveall":     ModeAutoApproveAll,
	"auto_approve_all":   ModeAutoApproveAll,
	"auto-approve-all":   ModeAutoApproveAll,
}

// ParseMode accepts the canonical camelCase names plus snake and kebab
// spellings, case-insensitively.
func ParseMode(s string) (PermissionMode, error) {
	if m, ok := modeAliases[strings.ToLower(strings.TrimSpace(s))]; ok {
		return m, nil
	}
	return "", fmt.Errorf("%w: %q", ErrUnknownMode, s)
}

// Valid reports whether m is one of the three known modes.
func (m PermissionMode) Valid() bool {
	switch m {
	case ModeManual, ModeAutoApproveEdits, ModeAutoApproveAll:
		return true
	}
	return false
}

func (m PermissionMode) String() string {
	return string(m)
}

// Modes lists the known modes in order of increasing autonomy.
func Modes() []PermissionMode {
	return []PermissionMode{ModeManual, ModeAutoApproveEdits, ModeAutoApproveAll}
}
