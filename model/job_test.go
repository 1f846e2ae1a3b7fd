package model

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestNewJobID(t *testing.T) {
	t.Parallel()

	id := NewJobID()
	require.Len(t, string(id), 32)

	parsed, err := ParseJobID(string(id))
	require.NoError(t, err)
	require.Equal(t, id, parsed)

	// freshly generated ids must not collide
	require.NotEqual(t, id, NewJobID())
}

func TestParseJobID(t *testing.T) {
	t.Parallel()

	// mixed case normalizes to lower case
	parsed, err := ParseJobID("00112233445566778899AABBCCDDEEFF")
	require.NoError(t, err)
	require.Equal(t, JobID("00112233445566778899aabbccddeeff"), parsed)

	_, err = ParseJobID("not-a-hex-string")
	require.Error(t, err)

	// too short
	_, err = ParseJobID("abcd")
	require.Error(t, err)
}

func TestJobStatusTerminal(t *testing.T) {
	t.Parallel()

	require.True(t, JobStatusFinished.IsGloballyTerminal())
	require.True(t, JobStatusCanceled.IsGloballyTerminal())
	require.True(t, JobStatusFailed.IsGloballyTerminal())
	require.False(t, JobStatusSuspended.IsGloballyTerminal())
	require.False(t, JobStatusUnknown.IsGloballyTerminal())
}

func TestGraphResourceConfiguration(t *testing.T) {
	t.Parallel()

	res := &ResourceSpec{CPUCores: 1, MemoryMB: 512}
	g := &ExecutionGraph{
		ID: NewJobID(),
		Vertices: []*Vertex{
			{ID: "source", Resources: res},
			{ID: "sink"},
		},
	}
	require.False(t, g.IsEmpty())
	require.True(t, g.IsPartialResourceConfigured())

	g.Vertices[1].Resources = res
	require.False(t, g.IsPartialResourceConfigured())

	for _, v := range g.Vertices {
		v.Resources = nil
	}
	require.False(t, g.IsPartialResourceConfigured())

	empty := &ExecutionGraph{ID: NewJobID()}
	require.True(t, empty.IsEmpty())
	require.False(t, empty.IsPartialResourceConfigured())
}
