// Package policy decides what happens to a tool-call approval request given
// the session's permission mode.
package policy

// Decision is the outcome of evaluating an approval request.
type Decision int

const (
	// RequireHuman suspends the session until a person decides.
	RequireHuman Decision = iota
	// AutoApprove lets the tool run without asking.
	AutoApprove
	// AutoDecline refuses the tool without asking.
	AutoDecline
)

func (d Decision) String() string {
	switch d {
	case AutoApprove:
		return "auto_approve"
	case AutoDecline:
		return "auto_decline"
	default:
		return "require_human"
	}
}

// Config tunes an Engine. The zero value yields the plain mode table.
type Config struct {
	// EditTools are added to the built-in edit group. Group references and
	// wildcards are allowed.
	EditTools []string
	// BlockedTools are auto-declined under every mode.
	BlockedTools []string
}

// Engine is an immutable decision table. Build a new one to change policy.
type Engine struct {
	editTools    []string
	blockedTools []string
	matcher      *Matcher
}

// NewEngine builds an Engine from cfg.
func NewEngine(cfg Config) *Engine {
	edit := append([]string{EditGroup}, cfg.EditTools...)
	return &Engine{
		editTools:    ExpandGroups(edit),
		blockedTools: ExpandGroups(cfg.BlockedTools),
		matcher:      NewMatcher(),
	}
}

// Decide maps (mode, tool) to a Decision. It is total: unknown modes and
// unknown tools fall through to RequireHuman.
func (e *Engine) Decide(mode PermissionMode, toolName string) Decision {
	if len(e.blockedTools) > 0 && e.matcher.MatchTool(toolName, e.blockedTools) {
		return AutoDecline
	}

	switch mode {
	case ModeAutoApproveAll:
		return AutoApprove
	case ModeAutoApproveEdits:
		if e.IsEditTool(toolName) {
			return AutoApprove
		}
		return RequireHuman
	default:
		return RequireHuman
	}
}

// IsEditTool reports whether toolName is edit-class.
func (e *Engine) IsEditTool(toolName string) bool {
	return e.matcher.MatchTool(toolName, e.editTools)
}

// EditTools returns the expanded edit-class patterns.
func (e *Engine) EditTools() []string {
	return append([]string(nil), e.editTools...)
}

// BlockedTools returns the expanded blocklist.
func (e *Engine) BlockedTools() []string {
	return append([]string(nil), e.blockedTools...)
}

var defaultEngine = NewEngine(Config{})

// Decide evaluates against the default engine (built-in edit group, empty
// blocklist).
func Decide(mode PermissionMode, toolName string) Decision {
	return defaultEngine.Decide(mode, toolName)
}
