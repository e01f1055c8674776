package nn

import (
	"math"

	"gonum.org/v1/gonum/mat"
)

// CrossEntropy computes the mean negative log-likelihood of integer
// targets under row-wise softmax, plus the gradient with respect to the
// logits: (softmax - onehot) / batch.
func CrossEntropy(logits *mat.Dense, targets []int) (float64, *mat.Dense) {
	b, k := logits.Dims()
	grad := mat.NewDense(b, k, nil)
	loss := 0.0
	for i := 0; i < b; i++ {
		// stable softmax per row
		mx := logits.At(i, 0)
		for j := 1; j < k; j++ {
			if logits.At(i, j) > mx {
				mx = logits.At(i, j)
			}
		}
		sum := 0.0
		for j := 0; j < k; j++ {
			e := math.Exp(logits.At(i, j) - mx)
			grad.Set(i, j, e)
			sum += e
		}
		for j := 0; j < k; j++ {
			p := grad.At(i, j) / sum
			g := p
			if j == targets[i] {
				loss -= math.Log(p + 1e-12)
				g -= 1
			}
			grad.Set(i, j, g/float64(b))
		}
	}
	return loss / float64(b), grad
}

// MSE computes the mean squared error of a (B x 1) prediction column and
// its gradient 2*(pred-target)/B.
func MSE(pred *mat.Dense, targets []float64) (float64, *mat.Dense) {
	b, _ := pred.Dims()
	grad := mat.NewDense(b, 1, nil)
	loss := 0.0
	for i := 0; i < b; i++ {
		d := pred.At(i, 0) - targets[i]
		loss += d * d
		grad.Set(i, 0, 2*d/float64(b))
	}
	return loss / float64(b), grad
}

// Accuracy returns the exact-match rate of row-wise argmax against the
// targets.
func Accuracy(logits *mat.Dense, targets []int) float64 {
	b, k := logits.Dims()
	if b == 0 {
		return 0
	}
	correct := 0
	for i := 0; i < b; i++ {
		best := 0
		for j := 1; j < k; j++ {
			if logits.At(i, j) > logits.At(i, best) {
				best = j
			}
		}
		if best == targets[i] {
			correct++
		}
	}
	return float64(correct) / float64(b)
}

// MAE returns the mean absolute error of a (B x 1) prediction column.
func MAE(pred *mat.Dense, targets []float64) float64 {
	b, _ := pred.Dims()
	if b == 0 {
		return 0
	}
	sum := 0.0
	for i := 0; i < b; i++ {
		sum += math.Abs(pred.At(i, 0) - targets[i])
	}
	return sum / float64(b)
}
