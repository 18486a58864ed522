package policy

import "strings"

// EditGroup names the group of tools that only modify workspace files.
const EditGroup = "group:edit"

// ToolGroups defines predefined groups of related tools.
var ToolGroups = map[string][]string{
	EditGroup: {
		"write_file",
		"edit_file",
		"multi_edit",
		"apply_patch",
		"delete_file",
		"create_directory",
		"move_file",
	},
	"group:read": {
		"read_file",
		"list_dir",
		"glob",
		"grep",
	},
	"group:runtime": {
		"shell",
		"exec",
		"run_command",
	},
	"group:web": {
		"http_request",
		"web_search",
		"web_fetch",
	},
	"group:mcp": {
		"mcp_*",
	},
}

// ExpandGroups expands group references in a list of tool patterns.
// For example, ["group:runtime", "deploy"] -> ["shell", "exec", "run_command", "deploy"].
// Duplicates are dropped; order of first appearance is kept.
func ExpandGroups(patterns []string) []string {
	var result []string
	seen := make(map[string]bool)

	for _, pattern := range patterns {
		for _, tool := range expandSinglePattern(pattern) {
			tool = NormalizeName(tool)
			if tool == "" || seen[tool] {
				continue
			}
			seen[tool] = true
			result = append(result, tool)
		}
	}

	return result
}

func expandSinglePattern(pattern string) []string {
	if IsGroupReference(pattern) {
		if tools, ok := ToolGroups[NormalizeName(pattern)]; ok {
			return tools
		}
	}
	// unknown groups stay as-is and never match a real tool
	return []string{pattern}
}

// NormalizeName lower-cases and trims a tool name for matching.
func NormalizeName(name string) string {
	return strings.ToLower(strings.TrimSpace(name))
}

// IsGroupReference returns true if the pattern is a group reference.
func IsGroupReference(pattern string) bool {
	return strings.HasPrefix(NormalizeName(pattern), "group:")
}
