// Package secure evaluates a regression head on encrypted hidden states.
//
// The client holds the secret key and encrypts the final hidden state of a
// model, one ciphertext per batch row with slots [h_0 ... h_{H-1}, 1]. The
// server holds the head weights and computes every output as an inner
// product with [W_o, b_o] under CKKS. Only the client can decrypt.
package secure

import (
	"fmt"

	"github.com/tuneinsight/lattigo/v5/core/rlwe"
	"github.com/tuneinsight/lattigo/v5/he/hefloat"
	"gonum.org/v1/gonum/mat"
)

// DefaultLiteral is enough for one plaintext multiplication followed by
// rotations.
var DefaultLiteral = hefloat.ParametersLiteral{
	LogN:            13,
	LogQ:            []int{55, 45, 45},
	LogP:            []int{61},
	LogDefaultScale: 45,
}

// Client owns the keys.
type Client struct {
	params    hefloat.Parameters
	encoder   *hefloat.Encoder
	encryptor *rlwe.Encryptor
	decryptor *rlwe.Decryptor
	evk       *rlwe.MemEvaluationKeySet
	width     int
}

// NewClient generates keys for vectors of up to width slots, including the
// rotation keys the server needs to sum them.
func NewClient(lit hefloat.ParametersLiteral, width int) (*Client, error) {
	params, err := hefloat.NewParametersFromLiteral(lit)
	if err != nil {
		return nil, fmt.Errorf("ckks parameters: %w", err)
	}
	if width < 1 || width > params.MaxSlots() {
		return nil, fmt.Errorf("width %d does not fit %d slots", width, params.MaxSlots())
	}

	kgen := hefloat.NewKeyGenerator(params)
	sk, pk := kgen.GenKeyPairNew()
	rlk := kgen.GenRelinearizationKeyNew(sk)

	var galEls []uint64
	for _, k := range rotations(width) {
		galEls = append(galEls, params.GaloisElement(k))
	}

	return &Client{
		params:    params,
		encoder:   hefloat.NewEncoder(params),
		encryptor: hefloat.NewEncryptor(params, pk),
		decryptor: hefloat.NewDecryptor(params, sk),
		evk:       rlwe.NewMemEvaluationKeySet(rlk, kgen.GenGaloisKeysNew(galEls, sk)...),
		width:     width,
	}, nil
}

// Params returns the public CKKS parameters.
func (c *Client) Params() hefloat.Parameters { return c.params }

// EvaluationKeys returns the public keys a server evaluates with.
func (c *Client) EvaluationKeys() *rlwe.MemEvaluationKeySet { return c.evk }

// Encrypt encodes v followed by a constant 1 and encrypts it.
func (c *Client) Encrypt(v []float64) (*rlwe.Ciphertext, error) {
	if len(v)+1 > c.width {
		return nil, fmt.Errorf("vector of %d values exceeds width %d", len(v), c.width-1)
	}
	slots := make([]float64, c.params.MaxSlots())
	copy(slots, v)
	slots[len(v)] = 1

	pt := hefloat.NewPlaintext(c.params, c.params.MaxLevel())
	if err := c.encoder.Encode(slots, pt); err != nil {
		return nil, fmt.Errorf("encoding: %w", err)
	}
	ct, err := c.encryptor.EncryptNew(pt)
	if err != nil {
		return nil, fmt.Errorf("encrypting: %w", err)
	}
	return ct, nil
}

// Decrypt returns the value in the first slot of ct.
func (c *Client) Decrypt(ct *rlwe.Ciphertext) (float64, error) {
	pt := c.decryptor.DecryptNew(ct)
	values := make([]complex128, c.params.MaxSlots())
	if err := c.encoder.Decode(pt, values); err != nil {
		return 0, fmt.Errorf("decoding: %w", err)
	}
	return real(values[0]), nil
}

// Server holds the head weights in the clear and never sees a secret key.
type Server struct {
	params  hefloat.Parameters
	encoder *hefloat.Encoder
	eval    *hefloat.Evaluator
	rows    [][]float64 // [W_o..., b_o] per output
	width   int
}

// NewServer prepares the evaluation of x Wᵀ + b, with w of shape out x H and
// b of shape 1 x out.
func NewServer(params hefloat.Parameters, evk rlwe.EvaluationKeySet, w, b *mat.Dense) (*Server, error) {
	out, hidden := w.Dims()
	if br, bc := b.Dims(); br != 1 || bc != out {
		return nil, fmt.Errorf("bias is %dx%d, want 1x%d", br, bc, out)
	}
	rows := make([][]float64, out)
	for o := range rows {
		rows[o] = make([]float64, hidden+1)
		mat.Row(rows[o][:hidden], o, w)
		rows[o][hidden] = b.At(0, o)
	}
	return &Server{
		params:  params,
		encoder: hefloat.NewEncoder(params),
		eval:    hefloat.NewEvaluator(params, evk),
		rows:    rows,
		width:   hidden + 1,
	}, nil
}

// Outputs is the number of ciphertexts Evaluate returns.
func (s *Server) Outputs() int { return len(s.rows) }

// Evaluate returns one ciphertext per output whose first slot holds the
// output value for the encrypted row ct.
func (s *Server) Evaluate(ct *rlwe.Ciphertext) ([]*rlwe.Ciphertext, error) {
	out := make([]*rlwe.Ciphertext, len(s.rows))
	for o, row := range s.rows {
		slots := make([]float64, s.params.MaxSlots())
		copy(slots, row)
		pt := hefloat.NewPlaintext(s.params, ct.Level())
		if err := s.encoder.Encode(slots, pt); err != nil {
			return nil, fmt.Errorf("encoding output %d: %w", o, err)
		}

		acc, err := s.eval.MulNew(ct, pt)
		if err != nil {
			return nil, fmt.Errorf("output %d: %w", o, err)
		}
		if err := s.eval.Rescale(acc, acc); err != nil {
			return nil, fmt.Errorf("output %d: rescale: %w", o, err)
		}
		for _, k := range rotations(s.width) {
			rot, err := s.eval.RotateNew(acc, k)
			if err != nil {
				return nil, fmt.Errorf("output %d: rotate %d: %w", o, k, err)
			}
			if err := s.eval.Add(acc, rot, acc); err != nil {
				return nil, fmt.Errorf("output %d: %w", o, err)
			}
		}
		out[o] = acc
	}
	return out, nil
}

// rotations lists the power-of-two steps that fold width slots into slot 0.
func rotations(width int) []int {
	var rots []int
	for k := 1; k < width; k *= 2 {
		rots = append(rots, k)
	}
	return rots
}
