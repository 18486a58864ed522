package agent

import (
	"context"
	"io"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSliceStream(t *testing.T) {
	s := NewSliceStream("run-1", ContentChunk("hi"), ApprovalChunk("a1", "shell", nil))
	ctx := context.Background()

	c, err := s.Next(ctx)
	require.NoError(t, err)
	assert.Equal(t, "hi", c.Content)
	assert.Equal(t, "run-1", c.RunID)
	assert.False(t, c.IsApprovalRequest())

	c, err = s.Next(ctx)
	require.NoError(t, err)
	assert.True(t, c.IsApprovalRequest())
	assert.Equal(t, "shell", c.ToolName())

	_, err = s.Next(ctx)
	assert.ErrorIs(t, err, io.EOF)
	assert.Equal(t, "run-1", s.RunID())
}

func TestSliceStream_ContextAndClose(t *testing.T) {
	s := NewSliceStream("r", ContentChunk("a"), ContentChunk("b"))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := s.Next(ctx)
	assert.ErrorIs(t, err, context.Canceled)

	require.NoError(t, s.Close())
	require.NoError(t, s.Close())
	_, err = s.Next(context.Background())
	assert.ErrorIs(t, err, io.EOF)
}

func TestChunk_ToolNameOnContent(t *testing.T) {
	assert.Equal(t, "", ContentChunk("x").ToolName())
	assert.False(t, Chunk{Kind: ChunkApprovalRequest}.IsApprovalRequest())
}
