package analysis_test

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/kiranshivaraju/celljobs/internal/analysis"
	"github.com/kiranshivaraju/celljobs/internal/joberr"
	"github.com/kiranshivaraju/celljobs/pkg/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type stubHandler struct{ kind string }

func (s stubHandler) Kind() string                        { return s.kind }
func (s stubHandler) Params(json.RawMessage) (any, error) { return nil, nil }
func (s stubHandler) Execute(context.Context, analysis.Request) (*analysis.Result, error) {
	return &analysis.Result{}, nil
}

func TestNewRegistry_RejectsEmptyKind(t *testing.T) {
	_, err := analysis.NewRegistry(stubHandler{kind: ""})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "empty kind")
}

func TestNewRegistry_RejectsDuplicateKind(t *testing.T) {
	_, err := analysis.NewRegistry(stubHandler{kind: "a"}, stubHandler{kind: "a"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), `duplicate kind "a"`)
}

func TestRegistry_Resolve(t *testing.T) {
	r, err := analysis.NewRegistry(stubHandler{kind: "b"}, stubHandler{kind: "a"})
	require.NoError(t, err)

	h, err := r.Resolve("a")
	require.NoError(t, err)
	assert.Equal(t, "a", h.Kind())
	assert.Equal(t, []string{"a", "b"}, r.Kinds())

	_, err = r.Resolve("c")
	require.Error(t, err)
	assert.Equal(t, joberr.KindUnknownKind, joberr.KindOf(err))
	assert.ErrorIs(t, err, analysis.ErrUnknownKind)
}

func TestNewFromConfig_Builtins(t *testing.T) {
	r, err := analysis.NewFromConfig(analysis.Commands{
		Clustering:             "Rscript /app/scripts/clustering.R",
		Annotation:             "python /app/scripts/annotation.py",
		DifferentialExpression: "Rscript /app/scripts/differential_expression.R",
	}, "", analysis.ScriptOptions{})
	require.NoError(t, err)
	assert.Equal(t, []string{
		models.KindAnnotation,
		models.KindClustering,
		models.KindDifferentialExpression,
	}, r.Kinds())

	p, err := r.ParseParams(models.KindClustering, json.RawMessage(`{"n_pcs": 10}`))
	require.NoError(t, err)
	assert.Equal(t, models.ClusteringParams{Resolution: 0.8, NPCs: 10}, p)

	_, err = r.ParseParams("nope", nil)
	assert.True(t, joberr.IsKind(err, joberr.KindUnknownKind))
}
