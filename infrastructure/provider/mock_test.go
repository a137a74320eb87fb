package provider

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMockEmbedder_Deterministic(t *testing.T) {
	m := NewMockEmbedder(64)

	v1, err := m.Embed(context.Background(), []string{"hello world"})
	require.NoError(t, err)
	v2, err := m.Embed(context.Background(), []string{"hello world"})
	require.NoError(t, err)

	assert.Equal(t, v1[0], v2[0])
}

func TestMockEmbedder_DistinctTextsDiffer(t *testing.T) {
	m := NewMockEmbedder(64)

	v, err := m.Embed(context.Background(), []string{"hello", "goodbye"})
	require.NoError(t, err)
	assert.NotEqual(t, v[0], v[1])
}

func TestMockEmbedder_UnitNorm(t *testing.T) {
	m := NewMockEmbedder(32)

	v, err := m.Embed(context.Background(), []string{"some text to embed"})
	require.NoError(t, err)
	assert.InDelta(t, 1.0, v[0].Norm(), 1e-6)
}

func TestMockEmbedder_CaseInsensitive(t *testing.T) {
	m := NewMockEmbedder(32)

	v, err := m.Embed(context.Background(), []string{"Hello World", "hello world"})
	require.NoError(t, err)
	assert.Equal(t, v[0], v[1])
}

func TestMockEmbedder_EmptyTextRejected(t *testing.T) {
	m := NewMockEmbedder(32)

	_, err := m.Embed(context.Background(), []string{""})
	assert.ErrorIs(t, err, ErrEmptyText)
}

func TestMockEmbedder_ReportsMockCapability(t *testing.T) {
	m := NewMockEmbedder(32)
	assert.True(t, m.Mock())
}

func TestMockEmbedder_Dimension(t *testing.T) {
	m := NewMockEmbedder(48)

	v, err := m.Embed(context.Background(), []string{"x"})
	require.NoError(t, err)
	assert.Equal(t, 48, v[0].Dim())
}
