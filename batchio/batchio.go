// Package batchio reads model inputs and writes model outputs as JSON.
//
// A batch document looks like
//
//	{"x_d": {"1D": {"prcp": [[...], ...]}}, "x_s": [[...]], "x_one_hot": [[...]]}
//
// where every dynamic feature is a [batch][seq] array and the frequency key
// is "" for single-frequency models. Predictions are written as one
// [seq][batch][width] array per output key.
package batchio

import (
	"fmt"
	"io"
	"os"

	"github.com/goccy/go-json"
	"gonum.org/v1/gonum/mat"

	"hydronn/model"
	"hydronn/nn"
)

type batchDoc struct {
	XD      map[string]map[string][][]float64 `json:"x_d"`
	XS      [][]float64                       `json:"x_s,omitempty"`
	XOneHot [][]float64                       `json:"x_one_hot,omitempty"`
}

// ReadBatch decodes the batch stored at path.
func ReadBatch(path string) (model.Batch, error) {
	f, err := os.Open(path)
	if err != nil {
		return model.Batch{}, fmt.Errorf("opening batch: %w", err)
	}
	defer f.Close()
	return DecodeBatch(f)
}

// DecodeBatch reads one batch document from r.
func DecodeBatch(r io.Reader) (model.Batch, error) {
	var doc batchDoc
	if err := json.NewDecoder(r).Decode(&doc); err != nil {
		return model.Batch{}, fmt.Errorf("decoding batch: %w", err)
	}
	if len(doc.XD) == 0 {
		return model.Batch{}, fmt.Errorf("decoding batch: x_d is empty")
	}

	b := model.Batch{XD: make(map[string]model.Dynamic, len(doc.XD))}
	for freq, features := range doc.XD {
		d := make(model.Dynamic, len(features))
		for name, rows := range features {
			m, err := toDense(rows)
			if err != nil {
				return model.Batch{}, fmt.Errorf("x_d[%q][%q]: %w", freq, name, err)
			}
			d[name] = m
		}
		b.XD[freq] = d
	}

	var err error
	if doc.XS != nil {
		if b.XS, err = toDense(doc.XS); err != nil {
			return model.Batch{}, fmt.Errorf("x_s: %w", err)
		}
	}
	if doc.XOneHot != nil {
		if b.XOneHot, err = toDense(doc.XOneHot); err != nil {
			return model.Batch{}, fmt.Errorf("x_one_hot: %w", err)
		}
	}
	return b, nil
}

// EncodeBatch writes b to w.
func EncodeBatch(w io.Writer, b model.Batch) error {
	doc := batchDoc{XD: make(map[string]map[string][][]float64, len(b.XD))}
	for freq, d := range b.XD {
		features := make(map[string][][]float64, len(d))
		for name, m := range d {
			features[name] = fromDense(m)
		}
		doc.XD[freq] = features
	}
	if b.XS != nil {
		doc.XS = fromDense(b.XS)
	}
	if b.XOneHot != nil {
		doc.XOneHot = fromDense(b.XOneHot)
	}
	return encode(w, doc)
}

// EncodePrediction writes p to w.
func EncodePrediction(w io.Writer, p model.Prediction) error {
	doc := make(map[string][][][]float64, len(p))
	for key, seq := range p {
		steps := make([][][]float64, len(seq))
		for t, m := range seq {
			steps[t] = fromDense(m)
		}
		doc[key] = steps
	}
	return encode(w, doc)
}

// DecodePrediction reads a prediction written by EncodePrediction.
func DecodePrediction(r io.Reader) (model.Prediction, error) {
	var doc map[string][][][]float64
	if err := json.NewDecoder(r).Decode(&doc); err != nil {
		return nil, fmt.Errorf("decoding prediction: %w", err)
	}
	p := make(model.Prediction, len(doc))
	for key, steps := range doc {
		seq := make(nn.Sequence, len(steps))
		for t, rows := range steps {
			m, err := toDense(rows)
			if err != nil {
				return nil, fmt.Errorf("%s step %d: %w", key, t, err)
			}
			seq[t] = m
		}
		p[key] = seq
	}
	return p, nil
}

func encode(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	if err := enc.Encode(v); err != nil {
		return fmt.Errorf("encoding: %w", err)
	}
	return nil
}

func toDense(rows [][]float64) (*mat.Dense, error) {
	if len(rows) == 0 || len(rows[0]) == 0 {
		return nil, fmt.Errorf("empty array")
	}
	cols := len(rows[0])
	data := make([]float64, 0, len(rows)*cols)
	for i, row := range rows {
		if len(row) != cols {
			return nil, fmt.Errorf("row %d has %d values, want %d", i, len(row), cols)
		}
		data = append(data, row...)
	}
	return mat.NewDense(len(rows), cols, data), nil
}

func fromDense(m *mat.Dense) [][]float64 {
	r, _ := m.Dims()
	rows := make([][]float64, r)
	for i := range rows {
		rows[i] = mat.Row(nil, i, m)
	}
	return rows
}
