package agent

import "encoding/json"

// ChunkKind discriminates the two kinds of chunk a runtime emits.
type ChunkKind string

const (
	// ChunkContent is ordinary output: text deltas, tool progress, results.
	ChunkContent ChunkKind = "content"
	// ChunkApprovalRequest asks permission to run a tool.
	ChunkApprovalRequest ChunkKind = "approval_request"
)

// Chunk is one item of a run's output.
type Chunk struct {
	Kind  ChunkKind `json:"kind"`
	RunID string    `json:"run_id,omitempty"`

	// Content carries the text of a content chunk.
	Content string `json:"content,omitempty"`
	// Data carries any structured payload of a content chunk verbatim.
	Data json.RawMessage `json:"data,omitempty"`

	// Approval is set only for ChunkApprovalRequest.
	Approval *ApprovalRequest `json:"approval,omitempty"`
}

// ApprovalRequest describes the tool call awaiting permission.
type ApprovalRequest struct {
	ID        string          `json:"id"`
	ToolName  string          `json:"tool_name"`
	Arguments json.RawMessage `json:"arguments,omitempty"`
}

// IsApprovalRequest reports whether c asks for permission.
func (c Chunk) IsApprovalRequest() bool {
	return c.Kind == ChunkApprovalRequest && c.Approval != nil
}

// ToolName returns the requested tool, or "" for content chunks.
func (c Chunk) ToolName() string {
	if c.Approval == nil {
		return ""
	}
	return c.Approval.ToolName
}

// ContentChunk builds a text chunk.
func ContentChunk(text string) Chunk {
	return Chunk{Kind: ChunkContent, Content: text}
}

// ApprovalChunk builds an approval request chunk.
func ApprovalChunk(id, toolName string, args json.RawMessage) Chunk {
	return Chunk{
		Kind:     ChunkApprovalRequest,
		Approval: &ApprovalRequest{ID: id, ToolName: toolName, Arguments: args},
	}
}
