package tensor

import (
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/google/go-cmp/cmp/cmpopts"
)

func seq(n int) []float32 {
	out := make([]float32, n)
	for i := range out {
		out[i] = float32(i + 1)
	}
	return out
}

func TestNewWindow(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name                  string
		in, k, stride         int
		pad                   Padding
		wantOut, wantPadFront int
	}{
		{"same stride1", 28, 3, 1, PaddingSame, 28, 1},
		{"same stride2 even", 28, 2, 2, PaddingSame, 14, 0},
		{"same stride2 odd", 7, 3, 2, PaddingSame, 4, 1},
		{"valid", 28, 3, 1, PaddingValid, 26, 0},
		{"valid pool", 14, 2, 2, PaddingValid, 7, 0},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			w, err := NewWindow(tc.in, tc.in, tc.k, tc.k, tc.stride, tc.pad)
			if err != nil {
				t.Fatalf("NewWindow: %v", err)
			}
			if w.OutH != tc.wantOut || w.OutW != tc.wantOut {
				t.Fatalf("out = %dx%d, want %d", w.OutH, w.OutW, tc.wantOut)
			}
			if w.PadTop != tc.wantPadFront || w.PadLeft != tc.wantPadFront {
				t.Fatalf("pad = %d/%d, want %d", w.PadTop, w.PadLeft, tc.wantPadFront)
			}
		})
	}

	if _, err := NewWindow(2, 2, 3, 3, 1, PaddingValid); err == nil {
		t.Fatalf("expected error for oversized valid window")
	}
	if _, err := ParsePadding("reflect"); err == nil {
		t.Fatalf("expected error for unknown padding")
	}
}

func TestConv2DIdentityKernel(t *testing.T) {
	t.Parallel()

	in, err := FromData([]int{1, 3, 3, 1}, seq(9))
	if err != nil {
		t.Fatalf("FromData: %v", err)
	}
	// 3x3 kernel with a single 1 in the centre reproduces the input under
	// same padding.
	kernel := make([]float32, 9)
	kernel[4] = 1
	out, err := Conv2D(in, kernel, []float32{0.5}, 3, 3, 1, 1, PaddingSame)
	if err != nil {
		t.Fatalf("Conv2D: %v", err)
	}
	want := seq(9)
	for i := range want {
		want[i] += 0.5
	}
	if diff := cmp.Diff(want, out.Data); diff != "" {
		t.Fatalf("conv output mismatch (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff([]int{1, 3, 3, 1}, out.Shape); diff != "" {
		t.Fatalf("shape mismatch (-want +got):\n%s", diff)
	}
}

func TestConv2DSumsChannels(t *testing.T) {
	t.Parallel()

	// 1x1 input with two channels, 1x1 kernel mapping to two outputs.
	in, _ := FromData([]int{1, 1, 1, 2}, []float32{2, 3})
	kernel := []float32{
		1, 10, // ci=0 -> co0, co1
		100, 1000, // ci=1
	}
	out, err := Conv2D(in, kernel, nil, 1, 1, 2, 1, PaddingValid)
	if err != nil {
		t.Fatalf("Conv2D: %v", err)
	}
	if diff := cmp.Diff([]float32{302, 3020}, out.Data); diff != "" {
		t.Fatalf("mismatch (-want +got):\n%s", diff)
	}

	if _, err := Conv2D(in, kernel[:3], nil, 1, 1, 2, 1, PaddingValid); err == nil {
		t.Fatalf("expected weight size error")
	}
}

func TestMaxPool2D(t *testing.T) {
	t.Parallel()

	in, _ := FromData([]int{1, 4, 4, 1}, seq(16))
	out, err := MaxPool2D(in, 2, 2, PaddingValid)
	if err != nil {
		t.Fatalf("MaxPool2D: %v", err)
	}
	if diff := cmp.Diff([]float32{6, 8, 14, 16}, out.Data); diff != "" {
		t.Fatalf("mismatch (-want +got):\n%s", diff)
	}

	avg, err := AvgPool2D(in, 2, 2, PaddingValid)
	if err != nil {
		t.Fatalf("AvgPool2D: %v", err)
	}
	if diff := cmp.Diff([]float32{3.5, 5.5, 11.5, 13.5}, avg.Data); diff != "" {
		t.Fatalf("avg mismatch (-want +got):\n%s", diff)
	}
}

func TestDenseAndFlatten(t *testing.T) {
	t.Parallel()

	in, _ := FromData([]int{1, 1, 2, 2}, []float32{1, 2, 3, 4})
	flat, err := Flatten(in)
	if err != nil {
		t.Fatalf("Flatten: %v", err)
	}
	if diff := cmp.Diff([]int{1, 4}, flat.Shape); diff != "" {
		t.Fatalf("flatten shape (-want +got):\n%s", diff)
	}

	// kernel [4, 2]: column 0 sums inputs, column 1 picks the last.
	kernel := []float32{
		1, 0,
		1, 0,
		1, 0,
		1, 1,
	}
	out, err := Dense(flat, kernel, []float32{0, -1}, 2)
	if err != nil {
		t.Fatalf("Dense: %v", err)
	}
	if diff := cmp.Diff([]float32{10, 3}, out.Data); diff != "" {
		t.Fatalf("dense mismatch (-want +got):\n%s", diff)
	}
}

func TestActivations(t *testing.T) {
	t.Parallel()

	x := []float32{-2, 0.5, 7}
	ReLU(x)
	if diff := cmp.Diff([]float32{0, 0.5, 7}, x); diff != "" {
		t.Fatalf("relu (-want +got):\n%s", diff)
	}
	ReLU6(x)
	if diff := cmp.Diff([]float32{0, 0.5, 6}, x); diff != "" {
		t.Fatalf("relu6 (-want +got):\n%s", diff)
	}

	s := []float32{1, 1}
	Softmax(s)
	if diff := cmp.Diff([]float32{0.5, 0.5}, s, cmpopts.EquateApprox(0, 1e-6)); diff != "" {
		t.Fatalf("softmax (-want +got):\n%s", diff)
	}
	g := []float32{0}
	Sigmoid(g)
	if g[0] != 0.5 {
		t.Fatalf("sigmoid(0) = %v", g[0])
	}
}

func TestNumElements(t *testing.T) {
	t.Parallel()

	if _, err := NumElements(nil); err == nil {
		t.Fatalf("expected error for empty shape")
	}
	if _, err := NumElements([]int{2, 0}); err == nil {
		t.Fatalf("expected error for zero dim")
	}
	n, err := NumElements([]int{1, 28, 28, 1})
	if err != nil || n != 784 {
		t.Fatalf("NumElements = %d, %v", n, err)
	}
	if _, err := FromData([]int{2, 2}, make([]float32, 3)); err == nil {
		t.Fatalf("expected size mismatch")
	}
}
