// Package tensor provides flat row-major float32 tensors and the pure-Go
// CPU kernels (matmul, softmax, gelu) used by the MoE routing layer.
package tensor

import (
	"fmt"
	"math/rand"
)

// Tensor represents a multi-dimensional array. Storage is a contiguous
// []float32 in row-major order: the last dimension varies fastest.
type Tensor struct {
	data  []float32
	shape Shape
	dtype DType
}

// New creates a new zero-filled tensor with the given shape and dtype.
func New(shape Shape, dtype DType) *Tensor {
	return &Tensor{
		data:  make([]float32, shape.Numel()),
		shape: shape,
		dtype: dtype,
	}
}

// Zeros creates a zero-filled tensor.
func Zeros(shape Shape, dtype DType) *Tensor {
	return New(shape, dtype)
}

// FromSlice creates a tensor by copying the provided data.
func FromSlice(data []float32, shape Shape) *Tensor {
	if len(data) != shape.Numel() {
		panic(fmt.Sprintf("data length %d != shape numel %d", len(data), shape.Numel()))
	}
	d := make([]float32, len(data))
	copy(d, data)
	return &Tensor{
		data:  d,
		shape: shape,
		dtype: F32,
	}
}

// FromSliceNoCopy creates a tensor that directly owns the provided slice
// (no copy). The caller must NOT retain or mutate the slice after this call.
// Used in performance-critical paths where the data is freshly allocated.
func FromSliceNoCopy(data []float32, shape Shape) *Tensor {
	if len(data) != shape.Numel() {
		panic(fmt.Sprintf("data length %d != shape numel %d", len(data), shape.Numel()))
	}
	return &Tensor{data: data, shape: shape, dtype: F32}
}

// Randn creates a tensor with standard normal random values.
func Randn(shape Shape, dtype DType) *Tensor {
	t := New(shape, dtype)
	for i := range t.data {
		t.data[i] = float32(rand.NormFloat64())
	}
	return t
}

// RandnFrom creates a tensor with normal random values drawn from rng.
// Callers that need identical weights across expert-parallel ranks draw the
// full master tensor from the same seeded source before slicing their shard.
func RandnFrom(rng *rand.Rand, shape Shape, dtype DType, std float32) *Tensor {
	t := New(shape, dtype)
	for i := range t.data {
		t.data[i] = float32(rng.NormFloat64()) * std
	}
	return t
}

// Shape returns the tensor's shape.
func (t *Tensor) Shape() Shape {
	return t.shape
}

// DType returns the tensor's dtype.
func (t *Tensor) DType() DType {
	return t.dtype
}

// Data returns a copy of the underlying data.
func (t *Tensor) Data() []float32 {
	d := make([]float32, len(t.data))
	copy(d, t.data)
	return d
}

// DataPtr returns the underlying data slice directly (no copy).
// Callers may mutate elements in place; use Data() for a safe copy.
func (t *Tensor) DataPtr() []float32 {
	return t.data
}

// At returns the value at the given indices.
func (t *Tensor) At(indices ...int) float32 {
	return t.data[t.flatIndex(indices)]
}

// Set sets the value at the given indices.
func (t *Tensor) Set(value float32, indices ...int) {
	t.data[t.flatIndex(indices)] = value
}

func (t *Tensor) flatIndex(indices []int) int {
	if len(indices) != t.shape.NDim() {
		panic(fmt.Sprintf("expected %d indices, got %d", t.shape.NDim(), len(indices)))
	}
	idx := 0
	strides := t.shape.Strides()
	for i, index := range indices {
		if index < 0 || index >= t.shape.At(i) {
			panic(fmt.Sprintf("index %d out of bounds for dim %d with size %d", index, i, t.shape.At(i)))
		}
		idx += index * strides[i]
	}
	return idx
}

// Clone creates a deep copy of the tensor.
func (t *Tensor) Clone() *Tensor {
	return FromSlice(t.data, t.shape)
}

// Reshape returns a new tensor sharing the same backing data but with a
// different shape. The total number of elements must be unchanged.
// WARNING: because data is shared, mutations to one affect the other.
func (t *Tensor) Reshape(newShape Shape) *Tensor {
	if t.shape.Numel() != newShape.Numel() {
		panic(fmt.Sprintf("cannot reshape %v to %v: different numel", t.shape, newShape))
	}
	return &Tensor{
		data:  t.data, // shared data
		shape: newShape,
		dtype: t.dtype,
	}
}

func (t *Tensor) assertShape(other *Tensor) {
	if !t.shape.Equal(other.shape) {
		panic(fmt.Sprintf("shape mismatch: %v vs %v", t.shape, other.shape))
	}
}

// Add performs element-wise addition.
func (t *Tensor) Add(other *Tensor) *Tensor {
	t.assertShape(other)
	result := New(t.shape, t.dtype)
	a, b, dst := t.data, other.data, result.data
	for i := range dst {
		dst[i] = a[i] + b[i]
	}
	return result
}

// AddInPlace adds other to t element-wise, mutating t.
func (t *Tensor) AddInPlace(other *Tensor) {
	t.assertShape(other)
	a, b := t.data, other.data
	for i := range a {
		a[i] += b[i]
	}
}

// Scale multiplies by a scalar.
func (t *Tensor) Scale(s float32) *Tensor {
	result := New(t.shape, t.dtype)
	src, dst := t.data, result.data
	for i := range dst {
		dst[i] = src[i] * s
	}
	return result
}

// GELU applies the GELU activation element-wise (tanh approximation):
//
//	gelu(x) = 0.5 * x * (1 + tanh(sqrt(2/pi) * (x + 0.044715*x^3)))
func (t *Tensor) GELU() *Tensor {
	result := New(t.shape, t.dtype)
	src, dst := t.data, result.data
	for i, x := range src {
		dst[i] = GELUF32(x)
	}
	return result
}

// GELUInPlace applies the GELU activation in place, avoiding a temporary.
func (t *Tensor) GELUInPlace() {
	for i, x := range t.data {
		t.data[i] = GELUF32(x)
	}
}

// Softmax computes row-wise softmax along the last dimension.
//
//	p_i = exp(x_i - max(x)) / sum_j(exp(x_j - max(x)))
//
// The max-subtraction provides numerical stability by preventing overflow
// in the exponential. Applied independently to each row (last-dim vector).
func (t *Tensor) Softmax() *Tensor {
	if t.shape.NDim() < 1 {
		panic("softmax requires at least 1 dimension")
	}
	result := New(t.shape, t.dtype)
	lastDim := t.shape.At(-1)
	numVectors := t.shape.Numel() / lastDim

	for v := 0; v < numVectors; v++ {
		off := v * lastDim
		sRow := t.data[off : off+lastDim]
		dRow := result.data[off : off+lastDim]

		maxVal := sRow[0]
		for i := 1; i < lastDim; i++ {
			if sRow[i] > maxVal {
				maxVal = sRow[i]
			}
		}
		sum := float32(0)
		for i := 0; i < lastDim; i++ {
			e := ExpF32(sRow[i] - maxVal)
			dRow[i] = e
			sum += e
		}
		invSum := 1.0 / sum
		for i := 0; i < lastDim; i++ {
			dRow[i] *= invSum
		}
	}
	return result
}

// Matmul performs matrix multiplication C = A @ B.
//
//	C[i,j] = sum_k A[i,k] * B[k,j]
//
// Supports 2D [M,K] x [K,N] -> [M,N] and batched 3D [B,M,K] x [B,K,N] ->
// [B,M,N]. Pure-Go CPU kernel with a transposed accumulation order (k outer,
// j inner) so the inner loop streams both B and C rows sequentially.
func Matmul(a, b *Tensor) *Tensor {
	if a.shape.NDim() < 2 || b.shape.NDim() < 2 {
		panic("matmul requires at least 2D tensors")
	}
	aM, aK := a.shape.At(-2), a.shape.At(-1)
	bK, bN := b.shape.At(-2), b.shape.At(-1)
	if aK != bK {
		panic(fmt.Sprintf("matmul dimension mismatch: %d vs %d", aK, bK))
	}

	var batchSize int
	var resultShape Shape
	switch {
	case a.shape.NDim() == 2 && b.shape.NDim() == 2:
		batchSize = 1
		resultShape = NewShape(aM, bN)
	case a.shape.NDim() == 3 && b.shape.NDim() == 3:
		if a.shape.At(0) != b.shape.At(0) {
			panic(fmt.Sprintf("matmul batch mismatch: %d vs %d", a.shape.At(0), b.shape.At(0)))
		}
		batchSize = a.shape.At(0)
		resultShape = NewShape(batchSize, aM, bN)
	default:
		panic("unsupported batch dimensions")
	}

	result := New(resultShape, a.dtype)
	aStride, bStride, cStride := aM*aK, bK*bN, aM*bN

	for batch := 0; batch < batchSize; batch++ {
		aOff, bOff, cOff := batch*aStride, batch*bStride, batch*cStride
		for i := 0; i < aM; i++ {
			cRow := result.data[cOff+i*bN : cOff+(i+1)*bN]
			for k := 0; k < aK; k++ {
				av := a.data[aOff+i*aK+k]
				if av == 0 {
					continue
				}
				bRow := b.data[bOff+k*bN : bOff+(k+1)*bN]
				for j := range cRow {
					cRow[j] += av * bRow[j]
				}
			}
		}
	}
	return result
}

// Sum returns the sum of all elements.
func (t *Tensor) Sum() float32 {
	sum := float32(0.0)
	for _, v := range t.data {
		sum += v
	}
	return sum
}

// Mean returns the mean of all elements.
func (t *Tensor) Mean() float32 {
	return t.Sum() / float32(len(t.data))
}
