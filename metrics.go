package main

import (
	"github.com/pkg/errors"
	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/integrate"
	"gonum.org/v1/gonum/stat"
)

// ErrSingleClass is returned by ROCAUC when the labels hold only one class.
var ErrSingleClass = errors.New("auc: labels contain a single class")

// ROCAUC returns the area under the ROC curve of scores against 0/1
// labels. Scores may be logits or probabilities; only their order matters.
func ROCAUC(scores, labels []float64) (float64, error) {
	if len(scores) != len(labels) {
		return 0, errors.Errorf("auc: %d scores for %d labels", len(scores), len(labels))
	}
	if len(scores) == 0 {
		return 0, errors.New("auc: no samples")
	}

	sorted := append([]float64(nil), scores...)
	order := make([]int, len(sorted))
	floats.Argsort(sorted, order)

	classes := make([]bool, len(order))
	positives := 0
	for i, idx := range order {
		classes[i] = labels[idx] > 0.5
		if classes[i] {
			positives++
		}
	}
	if positives == 0 || positives == len(classes) {
		return 0, ErrSingleClass
	}

	tpr, fpr, _ := stat.ROC(nil, sorted, classes, nil)
	return integrate.Trapezoidal(fpr, tpr), nil
}
