package evalmetrics

import "fmt"

// ClassReport holds per-class precision/recall/F1 and support.
type ClassReport struct {
	Label     string  `json:"label"`
	Precision float64 `json:"precision"`
	Recall    float64 `json:"recall"`
	F1        float64 `json:"f1"`
	Support   int     `json:"support"`
}

// Report aggregates classification quality over one prediction pass.
type Report struct {
	Accuracy   float64       `json:"accuracy"`
	F1Macro    float64       `json:"f1_macro"`
	F1Weighted float64       `json:"f1_weighted"`
	Classes    []ClassReport `json:"classes"`
	Confusion  [][]int       `json:"confusion"`
	Total      int           `json:"total"`
}

// Compute builds a Report from parallel true/predicted class id slices.
func Compute(yTrue, yPred []int, labels []string) (Report, error) {
	if len(yTrue) != len(yPred) {
		return Report{}, fmt.Errorf("true and predicted lengths differ: %d vs %d", len(yTrue), len(yPred))
	}
	if len(yTrue) == 0 {
		return Report{}, fmt.Errorf("no predictions to score")
	}
	n := len(labels)

	confusion := make([][]int, n)
	for i := range confusion {
		confusion[i] = make([]int, n)
	}
	correct := 0
	for i := range yTrue {
		t, p := yTrue[i], yPred[i]
		if t < 0 || t >= n || p < 0 || p >= n {
			return Report{}, fmt.Errorf("class id out of range at index %d: true=%d pred=%d classes=%d", i, t, p, n)
		}
		confusion[t][p]++
		if t == p {
			correct++
		}
	}

	report := Report{
		Confusion: confusion,
		Total:     len(yTrue),
		Accuracy:  float64(correct) / float64(len(yTrue)),
		Classes:   make([]ClassReport, n),
	}

	var macroSum, weightedSum float64
	for c := 0; c < n; c++ {
		tp := confusion[c][c]
		fp, fn := 0, 0
		for other := 0; other < n; other++ {
			if other == c {
				continue
			}
			fp += confusion[other][c]
			fn += confusion[c][other]
		}
		support := tp + fn

		precision := safeDiv(float64(tp), float64(tp+fp))
		recall := safeDiv(float64(tp), float64(tp+fn))
		f1 := safeDiv(2*precision*recall, precision+recall)

		report.Classes[c] = ClassReport{
			Label:     labels[c],
			Precision: precision,
			Recall:    recall,
			F1:        f1,
			Support:   support,
		}
		macroSum += f1
		weightedSum += f1 * float64(support)
	}
	report.F1Macro = macroSum / float64(n)
	report.F1Weighted = weightedSum / float64(len(yTrue))
	return report, nil
}

func safeDiv(num, den float64) float64 {
	if den == 0 {
		return 0
	}
	return num / den
}
