package nn

import (
	"errors"
	"fmt"
	"math"
	"strings"

	"gonum.org/v1/gonum/mat"
)

// ErrUnknownActivation is returned for activation names outside
// ActivatorLookup.
var ErrUnknownActivation = errors.New("unknown activation")

type Activator interface {
	Activate(i, j int, sum float64) float64
	fmt.Stringer
}

var ActivatorLookup = map[string]Activator{
	"linear":   Identity{},
	"sigmoid":  Sigmoid{},
	"tanh":     Tanh{},
	"relu":     ReLU{},
	"softplus": Softplus{},
}

// LookupActivator returns the activation registered under name, ignoring case.
func LookupActivator(name string) (Activator, error) {
	a, ok := ActivatorLookup[strings.ToLower(name)]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownActivation, name)
	}
	return a, nil
}

// Activate applies a element-wise and returns a new matrix.
func Activate(a Activator, m mat.Matrix) *mat.Dense {
	return apply(a.Activate, m)
}

// Identity is the "linear" activation.
type Identity struct{}

func (Identity) Activate(i, j int, sum float64) float64 { return sum }
func (Identity) String() string { return "linear" }

type Sigmoid struct{}

func (Sigmoid) Activate(i, j int, sum float64) float64 {
	return 1.0 / (1.0 + math.Exp(-sum))
}

func (Sigmoid) String() string { return "sigmoid" }

type Tanh struct{}

func (Tanh) Activate(i, j int, sum float64) float64 {
	return math.Tanh(sum)
}

func (Tanh) String() string { return "tanh" }

type ReLU struct{}

func (ReLU) Activate(i, j int, sum float64) float64 {
	if sum < 0 {
		return 0
	}
	return sum
}

func (ReLU) String() string { return "relu" }

// Softplus is log(1 + e^x), switching to the identity above 20 like torch.
type Softplus struct{}

func (Softplus) Activate(i, j int, sum float64) float64 {
	if sum > 20 {
		return sum
	}
	return math.Log1p(math.Exp(sum))
}

func (Softplus) String() string { return "softplus" }

// Softmax normalises every row of m to a probability distribution.
func Softmax(m mat.Matrix) *mat.Dense {
	r, c := m.Dims()
	o := mat.NewDense(r, c, nil)
	for i := 0; i < r; i++ {
		maxV := math.Inf(-1)
		for j := 0; j < c; j++ {
			maxV = math.Max(maxV, m.At(i, j))
		}
		sum := 0.0
		for j := 0; j < c; j++ {
			e := math.Exp(m.At(i, j) - maxV)
			o.Set(i, j, e)
			sum += e
		}
		for j := 0; j < c; j++ {
			o.Set(i, j, o.At(i, j)/sum)
		}
	}
	return o
}
