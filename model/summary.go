package model

import (
	"gonum.org/v1/gonum/stat"

	"hydronn/nn"
)

// Summary describes a built model.
type Summary struct {
	Kind        Kind
	Tensors     int
	Parameters  int
	InputSize   int
	WeightMean  float64
	WeightStd   float64
	Frequencies []string
}

// Summarize counts the parameters of m and reports their spread.
func Summarize(m Model) Summary {
	ps := m.Parameters()
	s := Summary{Kind: m.Kind(), Tensors: len(ps), Parameters: nn.CountParameters(ps)}

	values := make([]float64, 0, s.Parameters)
	for _, p := range ps {
		values = append(values, p.Value.RawMatrix().Data...)
	}
	if len(values) > 1 {
		s.WeightMean, s.WeightStd = stat.MeanStdDev(values, nil)
	}

	switch v := m.(type) {
	case *MTSLSTM:
		s.Frequencies = v.Frequencies()
		for _, in := range v.inputs {
			s.InputSize = max(s.InputSize, in.OutputSize())
		}
	case interface{ InputSize() int }:
		s.InputSize = v.InputSize()
	}
	return s
}
