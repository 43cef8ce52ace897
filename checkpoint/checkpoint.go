// Package checkpoint saves and restores named model parameters.
//
// A checkpoint is a directory holding one gonum binary file per parameter
// (<index>.wgt) and a manifest.json listing names and shapes.
package checkpoint

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/goccy/go-json"
	"gonum.org/v1/gonum/mat"

	"hydronn/nn"
)

const manifestName = "manifest.json"

// Entry describes one stored parameter.
type Entry struct {
	Name string `json:"name"`
	Rows int    `json:"rows"`
	Cols int    `json:"cols"`
	File string `json:"file"`
}

// Manifest lists the parameters of a checkpoint in save order.
type Manifest struct {
	Model   string    `json:"model"`
	Created time.Time `json:"created"`
	Params  []Entry   `json:"params"`
}

// Save writes ps to dir, creating it if needed.
func Save(dir, model string, ps []nn.Param) error {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("creating checkpoint dir: %w", err)
	}
	man := Manifest{Model: model, Created: time.Now().UTC()}
	for i, p := range ps {
		r, c := p.Value.Dims()
		e := Entry{Name: p.Name, Rows: r, Cols: c, File: fmt.Sprintf("%d.wgt", i)}
		if err := writeMatrix(filepath.Join(dir, e.File), p.Value); err != nil {
			return fmt.Errorf("saving %s: %w", p.Name, err)
		}
		man.Params = append(man.Params, e)
	}
	data, err := json.MarshalIndent(man, "", "  ")
	if err != nil {
		return fmt.Errorf("marshalling manifest: %w", err)
	}
	return os.WriteFile(filepath.Join(dir, manifestName), data, 0o644)
}

// ReadManifest loads the manifest stored in dir.
func ReadManifest(dir string) (*Manifest, error) {
	data, err := os.ReadFile(filepath.Join(dir, manifestName))
	if err != nil {
		return nil, fmt.Errorf("reading manifest: %w", err)
	}
	var man Manifest
	if err := json.Unmarshal(data, &man); err != nil {
		return nil, fmt.Errorf("unmarshalling manifest: %w", err)
	}
	return &man, nil
}

// Load overwrites the values of ps in place with the parameters stored in
// dir. Every parameter must be present with a matching shape.
func Load(dir string, ps []nn.Param) error {
	man, err := ReadManifest(dir)
	if err != nil {
		return err
	}
	byName := make(map[string]Entry, len(man.Params))
	for _, e := range man.Params {
		byName[e.Name] = e
	}
	for _, p := range ps {
		e, ok := byName[p.Name]
		if !ok {
			return fmt.Errorf("checkpoint %s: parameter %s not found", dir, p.Name)
		}
		r, c := p.Value.Dims()
		if e.Rows != r || e.Cols != c {
			return fmt.Errorf("checkpoint %s: parameter %s is %dx%d, model expects %dx%d",
				dir, p.Name, e.Rows, e.Cols, r, c)
		}
		var m mat.Dense
		if err := readMatrix(filepath.Join(dir, e.File), &m); err != nil {
			return fmt.Errorf("loading %s: %w", p.Name, err)
		}
		if mr, mc := m.Dims(); mr != r || mc != c {
			return fmt.Errorf("checkpoint %s: file %s holds %dx%d, manifest says %dx%d",
				dir, e.File, mr, mc, r, c)
		}
		p.Value.Copy(&m)
	}
	return nil
}

func writeMatrix(path string, m *mat.Dense) error {
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	if _, err := m.MarshalBinaryTo(f); err != nil {
		f.Close()
		return fmt.Errorf("marshalling weights: %w", err)
	}
	return f.Close()
}

func readMatrix(path string, m *mat.Dense) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()
	if _, err := m.UnmarshalBinaryFrom(f); err != nil {
		return fmt.Errorf("unmarshalling weights: %w", err)
	}
	return nil
}
