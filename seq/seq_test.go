package seq

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLookupFindsRegisteredFamilyByName(t *testing.T) {
	s := Lookup("ATSAMD5x-E5x")
	require.NotNil(t, s)
	assert.Equal(t, "ATSAMD5x-E5x", s.Name)
}

func TestLookupReturnsNilForUnknownFamily(t *testing.T) {
	assert.Nil(t, Lookup("no-such-family"))
}

func TestRunOnNilSequenceRunsDefault(t *testing.T) {
	var s *Sequence
	runDefault, err := s.Run(context.Background(), PointResetEnd, Context{})
	require.NoError(t, err)
	assert.True(t, runDefault)
}

func TestRunOnUnhookedPointRunsDefault(t *testing.T) {
	s := &Sequence{Name: "test", Hooks: map[Point]Hook{}}
	runDefault, err := s.Run(context.Background(), PointResetEnd, Context{})
	require.NoError(t, err)
	assert.True(t, runDefault)
}

func TestRunSuppressesDefaultWhenHookHandles(t *testing.T) {
	s := &Sequence{Name: "test", Hooks: map[Point]Hook{
		PointResetEnd: func(ctx context.Context, sc Context) (bool, error) { return true, nil },
	}}
	runDefault, err := s.Run(context.Background(), PointResetEnd, Context{})
	require.NoError(t, err)
	assert.False(t, runDefault)
}

func TestRunPropagatesHookError(t *testing.T) {
	s := &Sequence{Name: "test", Hooks: map[Point]Hook{
		PointResetEnd: func(ctx context.Context, sc Context) (bool, error) {
			return false, assert.AnError
		},
	}}
	_, err := s.Run(context.Background(), PointResetEnd, Context{})
	assert.Error(t, err)
}
