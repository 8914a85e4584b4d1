package tensor

// Tensor is a dense row-major float32 tensor.
//
// Image tensors use NHWC layout; fully connected activations use [N, F].
// Tensor does not perform any memory safety beyond the checks performed by
// Go's slice types.
type Tensor struct {
	Shape []int
	Data  []float32
}

// New allocates a zeroed tensor with the given shape.
func New(shape ...int) *Tensor {
	n, err := NumElements(shape)
	if err != nil {
		panic(err)
	}
	return &Tensor{
		Shape: append([]int(nil), shape...),
		Data:  make([]float32, n),
	}
}

// FromData wraps data in a tensor, checking that the shape covers it exactly.
func FromData(shape []int, data []float32) (*Tensor, error) {
	n, err := NumElements(shape)
	if err != nil {
		return nil, err
	}
	if n != len(data) {
		return nil, errDataSizeMismatch
	}
	return &Tensor{
		Shape: append([]int(nil), shape...),
		Data:  data,
	}, nil
}

// Len returns the number of elements.
func (t *Tensor) Len() int { return len(t.Data) }

// Rank returns the number of dimensions.
func (t *Tensor) Rank() int { return len(t.Shape) }

// Clone returns a deep copy.
func (t *Tensor) Clone() *Tensor {
	return &Tensor{
		Shape: append([]int(nil), t.Shape...),
		Data:  append([]float32(nil), t.Data...),
	}
}

// Reshape returns a view with a new shape over the same data.
func (t *Tensor) Reshape(shape ...int) (*Tensor, error) {
	n, err := NumElements(shape)
	if err != nil {
		return nil, err
	}
	if n != len(t.Data) {
		return nil, errDataSizeMismatch
	}
	return &Tensor{Shape: append([]int(nil), shape...), Data: t.Data}, nil
}

// NumElements returns the product of shape, rejecting empty shapes,
// non-positive dims and overflow.
func NumElements(shape []int) (int, error) {
	if len(shape) == 0 {
		return 0, errEmptyShape
	}
	n := 1
	for _, d := range shape {
		if d <= 0 {
			return 0, errNonPositiveDim
		}
		if n > (int(^uint(0)>>1))/d {
			return 0, errTensorTooLarge
		}
		n *= d
	}
	return n, nil
}

// SameShape reports whether a and b are identical shapes.
func SameShape(a, b []int) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

var (
	errEmptyShape       = fmtError("empty shape")
	errNonPositiveDim   = fmtError("non-positive dimension")
	errTensorTooLarge   = fmtError("tensor too large")
	errDataSizeMismatch = fmtError("data length does not match shape")
	errRank             = fmtError("unexpected tensor rank")
	errWeightSize       = fmtError("weight length does not match layer geometry")
	errWindow           = fmtError("window does not fit input")
)

type fmtError string

func (e fmtError) Error() string { return string(e) }
