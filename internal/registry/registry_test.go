package registry

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sequor/sequor/internal/domain"
	seqerrors "github.com/sequor/sequor/internal/errors"
)

func noopHandler() domain.Handler {
	return domain.HandlerFunc(func(context.Context, *domain.Task, *domain.StepSequence, *domain.WorkflowStep) (any, error) {
		return nil, nil
	})
}

func TestRegisterAndResolve(t *testing.T) {
	reg := New()
	require.NoError(t, reg.Register("provision", noopHandler()))

	handler, err := reg.Resolve("provision")
	require.NoError(t, err)
	assert.NotNil(t, handler)
}

func TestRegisterRejectsEmptyName(t *testing.T) {
	reg := New()
	err := reg.Register("", noopHandler())
	require.ErrorIs(t, err, seqerrors.ErrEmptyValue)
}

func TestRegisterRejectsNilHandler(t *testing.T) {
	reg := New()
	err := reg.Register("provision", nil)
	require.ErrorIs(t, err, seqerrors.ErrEmptyValue)
}

func TestRegisterRejectsDuplicate(t *testing.T) {
	reg := New()
	require.NoError(t, reg.Register("provision", noopHandler()))
	err := reg.Register("provision", noopHandler())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "already registered")
}

func TestResolveUnknown(t *testing.T) {
	reg := New()
	_, err := reg.Resolve("missing")
	require.ErrorIs(t, err, seqerrors.ErrHandlerNotFound)
}

func TestNamesSorted(t *testing.T) {
	reg := New()
	require.NoError(t, reg.Register("charlie", noopHandler()))
	require.NoError(t, reg.Register("alpha", noopHandler()))
	require.NoError(t, reg.Register("bravo", noopHandler()))

	assert.Equal(t, []string{"alpha", "bravo", "charlie"}, reg.Names())
}

func TestValidateDefinition(t *testing.T) {
	reg := New()
	require.NoError(t, reg.Register("known", noopHandler()))

	def := &domain.WorkflowDefinition{
		Name:    "wf",
		Version: "1.0.0",
		Steps: []domain.StepTemplate{
			{Name: "a", Handler: "known"},
		},
	}
	require.NoError(t, reg.ValidateDefinition(def))

	def.Steps = append(def.Steps, domain.StepTemplate{Name: "b", Handler: "unknown"})
	err := reg.ValidateDefinition(def)
	require.ErrorIs(t, err, seqerrors.ErrHandlerNotFound)
}
