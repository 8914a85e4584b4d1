package graph

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"

	"github.com/goccy/go-json"

	"github.com/samcharles93/npuexport/internal/safetensors"
	"github.com/samcharles93/npuexport/internal/tensor"
)

// Load reads a model directory and checks the input/output contract.
func Load(dir string) (*Model, error) {
	raw, err := os.ReadFile(filepath.Join(dir, SpecFile))
	if err != nil {
		return nil, fmt.Errorf("read model spec: %w", err)
	}
	var spec Spec
	if err := json.Unmarshal(raw, &spec); err != nil {
		return nil, fmt.Errorf("parse model spec: %w", err)
	}

	st, err := safetensors.Open(filepath.Join(dir, WeightsFile))
	if err != nil {
		return nil, fmt.Errorf("open weights: %w", err)
	}
	weights := make(map[string]*tensor.Tensor, len(st.Tensors))
	for _, name := range st.Names() {
		data, info, err := st.ReadTensorF32(name)
		if err != nil {
			return nil, fmt.Errorf("read weights: %w", err)
		}
		t, err := tensor.FromData(info.Shape, data)
		if err != nil {
			return nil, fmt.Errorf("weight %s: %w", name, err)
		}
		weights[name] = t
	}

	m := &Model{Spec: spec, Weights: weights, Source: dir}
	if err := m.CheckContract(); err != nil {
		return nil, err
	}
	return m, nil
}

// Save writes m as a model directory, creating dir if needed.
func Save(dir string, m *Model) error {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	raw, err := json.MarshalIndent(m.Spec, "", "  ")
	if err != nil {
		return err
	}
	if err := os.WriteFile(filepath.Join(dir, SpecFile), append(raw, '\n'), 0o644); err != nil {
		return err
	}

	names := make([]string, 0, len(m.Weights))
	for name := range m.Weights {
		names = append(names, name)
	}
	sort.Strings(names)
	tensors := make([]safetensors.Tensor, 0, len(names))
	for _, name := range names {
		w := m.Weights[name]
		tensors = append(tensors, safetensors.Tensor{Name: name, Shape: w.Shape, Data: w.Data})
	}
	meta := map[string]string{"name": m.Spec.Name}
	return safetensors.WriteFile(filepath.Join(dir, WeightsFile), tensors, meta)
}
