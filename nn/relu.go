package nn

import "gonum.org/v1/gonum/mat"

// ReLU is a stateless activation layer; Forward caches the mask Backward
// needs.
type ReLU struct {
	lastOut *mat.Dense
}

// Forward clamps negatives to zero.
func (r *ReLU) Forward(x *mat.Dense) *mat.Dense {
	rows, cols := x.Dims()
	out := mat.NewDense(rows, cols, nil)
	for i := 0; i < rows; i++ {
		for j := 0; j < cols; j++ {
			v := x.At(i, j)
			if v > 0 {
				out.Set(i, j, v)
			}
		}
	}
	r.lastOut = out
	return out
}

// Backward zeroes gradients where the activation was clamped.
func (r *ReLU) Backward(dY *mat.Dense) *mat.Dense {
	rows, cols := dY.Dims()
	dX := mat.NewDense(rows, cols, nil)
	for i := 0; i < rows; i++ {
		for j := 0; j < cols; j++ {
			if r.lastOut.At(i, j) > 0 {
				dX.Set(i, j, dY.At(i, j))
			}
		}
	}
	return dX
}
