package evalmetrics

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestComputeBinary(t *testing.T) {
	yTrue := []int{0, 0, 1, 1}
	yPred := []int{0, 1, 1, 1}

	report, err := Compute(yTrue, yPred, []string{"neg", "pos"})
	require.NoError(t, err)

	assert.Equal(t, 4, report.Total)
	assert.InDelta(t, 0.75, report.Accuracy, 1e-9)
	assert.Equal(t, [][]int{{1, 1}, {0, 2}}, report.Confusion)

	neg := report.Classes[0]
	assert.Equal(t, "neg", neg.Label)
	assert.InDelta(t, 1.0, neg.Precision, 1e-9)
	assert.InDelta(t, 0.5, neg.Recall, 1e-9)
	assert.InDelta(t, 2.0/3.0, neg.F1, 1e-9)
	assert.Equal(t, 2, neg.Support)

	pos := report.Classes[1]
	assert.InDelta(t, 2.0/3.0, pos.Precision, 1e-9)
	assert.InDelta(t, 1.0, pos.Recall, 1e-9)
	assert.InDelta(t, 0.8, pos.F1, 1e-9)

	assert.InDelta(t, (2.0/3.0+0.8)/2, report.F1Macro, 1e-9)
	assert.InDelta(t, (2.0/3.0*2+0.8*2)/4, report.F1Weighted, 1e-9)
}

func TestComputePerfectPredictions(t *testing.T) {
	report, err := Compute([]int{0, 1, 2}, []int{0, 1, 2}, []string{"a", "b", "c"})
	require.NoError(t, err)
	assert.Equal(t, 1.0, report.Accuracy)
	assert.Equal(t, 1.0, report.F1Macro)
	assert.Equal(t, 1.0, report.F1Weighted)
}

func TestComputeUnpredictedClassScoresZero(t *testing.T) {
	// Class "c" never appears in truth or predictions; its F1 is 0, not
	// NaN, and drags the macro average down.
	report, err := Compute([]int{0, 1}, []int{0, 1}, []string{"a", "b", "c"})
	require.NoError(t, err)
	assert.Equal(t, 0.0, report.Classes[2].F1)
	assert.InDelta(t, 2.0/3.0, report.F1Macro, 1e-9)
	// Weighted F1 ignores zero-support classes.
	assert.InDelta(t, 1.0, report.F1Weighted, 1e-9)
}

func TestComputeValidation(t *testing.T) {
	_, err := Compute([]int{0}, []int{0, 1}, []string{"a", "b"})
	require.Error(t, err)

	_, err = Compute(nil, nil, []string{"a"})
	require.Error(t, err)

	_, err = Compute([]int{5}, []int{0}, []string{"a", "b"})
	require.Error(t, err)
}

func TestFormatReport(t *testing.T) {
	report, err := Compute([]int{0, 0, 1, 1}, []int{0, 1, 1, 1}, []string{"neg", "pos"})
	require.NoError(t, err)

	text := report.Format()
	assert.Contains(t, text, "precision")
	assert.Contains(t, text, "neg")
	assert.Contains(t, text, "pos")
	assert.Contains(t, text, "macro f1")
	assert.Contains(t, text, "confusion matrix")
}
