package artifact

import (
	"bytes"
	"fmt"
	"path/filepath"
	"strconv"
	"strings"
	"time"
)

const (
	bytesPerLine  = 16
	pixelsPerLine = 28
)

func banner(b *bytes.Buffer, file, brief string, extra []string, ts time.Time) {
	fmt.Fprintf(b, "/**\n * @file %s\n * @brief %s\n", file, brief)
	for _, line := range extra {
		fmt.Fprintf(b, " * %s\n", line)
	}
	fmt.Fprintf(b, " * Auto-generated on %s\n */\n\n", ts.Format(TimestampLayout))
}

func guard(file string) string {
	return strings.NewReplacer(".", "_", "-", "_").Replace(strings.ToUpper(file))
}

func define(b *bytes.Buffer, name string, value any) {
	fmt.Fprintf(b, "#define %s %v\n", name, value)
}

// RenderModelData renders the blob as an aligned read-only byte array. The
// source label and base name go into the comment block only.
func RenderModelData(blob []byte, src Source, ts time.Time) []byte {
	var b bytes.Buffer
	b.Grow(len(blob)*6 + 512)
	g := guard(ModelDataFile)

	var extra []string
	if src.Path != "" {
		extra = append(extra, fmt.Sprintf("Source: %s (%s)", src.Label, filepath.Base(src.Path)))
	}
	banner(&b, ModelDataFile, "MNIST Model Data for Ethos-U55 NPU", extra, ts)
	fmt.Fprintf(&b, "#ifndef %s\n#define %s\n\n", g, g)
	b.WriteString("#include <stdint.h>\n#include <stddef.h>\n\n")
	define(&b, "MNIST_MODEL_SIZE", len(blob))
	b.WriteString("\n__attribute__((aligned(16), section(\".rodata\")))\n")
	b.WriteString("const uint8_t mnist_model_data[MNIST_MODEL_SIZE] = {\n")
	for i := 0; i < len(blob); i += bytesPerLine {
		end := min(i+bytesPerLine, len(blob))
		b.WriteString("    ")
		for j, v := range blob[i:end] {
			if j > 0 {
				b.WriteString(", ")
			}
			fmt.Fprintf(&b, "0x%02X", v)
		}
		if end < len(blob) {
			b.WriteByte(',')
		}
		b.WriteByte('\n')
	}
	fmt.Fprintf(&b, "};\n\n#endif /* %s */\n", g)
	return b.Bytes()
}

// RenderTestData renders the quantized test image, one image row per line.
func RenderTestData(tv TestVector, t Target, ts time.Time) []byte {
	var b bytes.Buffer
	g := guard(TestDataFile)

	banner(&b, TestDataFile, "Test Data - Expected digit: "+strconv.Itoa(tv.Label), nil, ts)
	fmt.Fprintf(&b, "#ifndef %s\n#define %s\n\n", g, g)
	b.WriteString("#include <stdint.h>\n\n")
	define(&b, "TEST_IMAGE_SIZE", len(tv.Image))
	define(&b, "NUM_CLASSES", t.NumClasses)
	define(&b, "EXPECTED_DIGIT", tv.Label)
	b.WriteString("\n__attribute__((aligned(16)))\n")
	b.WriteString("const int8_t test_input_data[TEST_IMAGE_SIZE] = {\n")
	perLine := t.InputCols
	if perLine <= 0 {
		perLine = pixelsPerLine
	}
	for i := 0; i < len(tv.Image); i += perLine {
		end := min(i+perLine, len(tv.Image))
		b.WriteString("    ")
		for j, v := range tv.Image[i:end] {
			if j > 0 {
				b.WriteString(", ")
			}
			fmt.Fprintf(&b, "%4d", v)
		}
		if end < len(tv.Image) {
			b.WriteByte(',')
		}
		b.WriteByte('\n')
	}
	fmt.Fprintf(&b, "};\n\n#endif /* %s */\n", g)
	return b.Bytes()
}

// RenderConfig renders model dimensions, quantization params and the
// target's passthrough literals.
func RenderConfig(p Params, t Target, ts time.Time) []byte {
	var b bytes.Buffer
	g := guard(ConfigFile)

	banner(&b, ConfigFile, "Model Configuration", nil, ts)
	fmt.Fprintf(&b, "#ifndef %s\n#define %s\n\n", g, g)
	b.WriteString("#include <stdint.h>\n\n")

	b.WriteString("/* Generator schema */\n")
	define(&b, "ARTIFACT_SCHEMA_VERSION", SchemaVersion)

	b.WriteString("\n/* Model dimensions */\n")
	define(&b, "MODEL_INPUT_WIDTH", t.InputCols)
	define(&b, "MODEL_INPUT_HEIGHT", t.InputRows)
	define(&b, "MODEL_INPUT_CHANNELS", t.Channels)
	define(&b, "MODEL_INPUT_SIZE", t.inputSize())
	define(&b, "MODEL_OUTPUT_SIZE", t.NumClasses)
	define(&b, "MODEL_NUM_CLASSES", t.NumClasses)

	b.WriteString("\n/* Quantization parameters */\n")
	define(&b, "INPUT_SCALE", fmt.Sprintf("%.10ff", p.InputScale))
	define(&b, "INPUT_ZERO_POINT", p.InputZeroPoint)
	define(&b, "OUTPUT_SCALE", fmt.Sprintf("%.10ff", p.OutputScale))
	define(&b, "OUTPUT_ZERO_POINT", p.OutputZeroPoint)

	b.WriteString("\n/* Memory configuration */\n")
	define(&b, "TENSOR_ARENA_SIZE", t.ArenaSize)

	b.WriteString("\n/* Hardware addresses */\n")
	define(&b, "ETHOS_U_BASE_ADDR", t.NPUBase)
	define(&b, "SYSTEM_CLOCK_HZ", t.ClockHz)

	fmt.Fprintf(&b, "\n#endif /* %s */\n", g)
	return b.Bytes()
}
