package secure

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"

	"github.com/tuneinsight/lattigo/v5/core/rlwe"
	"gonum.org/v1/gonum/mat"

	"hydronn/ctxlog"
	"hydronn/nn"
)

// SendHidden encrypts every row of h and writes it to p, followed by a done
// message.
func (c *Client) SendHidden(ctx context.Context, p *Protocol, h *mat.Dense) error {
	rows, _ := h.Dims()
	for r := 0; r < rows; r++ {
		if err := ctx.Err(); err != nil {
			return err
		}
		ct, err := c.Encrypt(h.RawRowView(r))
		if err != nil {
			return fmt.Errorf("row %d: %w", r, err)
		}
		payload, err := toPayload(ct, r, 0)
		if err != nil {
			return err
		}
		if err := p.SendHidden(payload); err != nil {
			return fmt.Errorf("sending row %d: %w", r, err)
		}
	}
	return p.SendDone()
}

// ReceiveOutputs decrypts outputs from p until the server is done and
// returns them as a rows x outputs matrix.
func (c *Client) ReceiveOutputs(ctx context.Context, p *Protocol, rows, outputs int) (*mat.Dense, error) {
	out := mat.NewDense(rows, outputs, nil)
	seen := 0
	for {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		payload, err := p.ReceivePayload(MsgOutput)
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, err
		}
		if payload.Row < 0 || payload.Row >= rows || payload.Output < 0 || payload.Output >= outputs {
			return nil, fmt.Errorf("output (%d, %d) outside %dx%d", payload.Row, payload.Output, rows, outputs)
		}
		ct, err := fromPayload(payload)
		if err != nil {
			return nil, err
		}
		v, err := c.Decrypt(ct)
		if err != nil {
			return nil, err
		}
		out.Set(payload.Row, payload.Output, v)
		seen++
	}
	if seen != rows*outputs {
		return nil, fmt.Errorf("received %d outputs, want %d", seen, rows*outputs)
	}
	return out, nil
}

// Serve evaluates every hidden row read from in and writes the outputs to
// out. Failures are reported to the client before being returned.
func (s *Server) Serve(ctx context.Context, in, out *Protocol) error {
	logger := ctxlog.FromContext(ctx)
	served := 0
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		payload, err := in.ReceivePayload(MsgHidden)
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return err
		}
		if err := s.serveRow(out, payload); err != nil {
			if sendErr := out.SendError(err); sendErr != nil {
				return errors.Join(err, sendErr)
			}
			return err
		}
		served++
	}
	logger.Debug("Encrypted head evaluated.", "rows", served, "outputs", s.Outputs())
	return out.SendDone()
}

func (s *Server) serveRow(out *Protocol, payload *CipherPayload) error {
	ct, err := fromPayload(payload)
	if err != nil {
		return err
	}
	results, err := s.Evaluate(ct)
	if err != nil {
		return fmt.Errorf("row %d: %w", payload.Row, err)
	}
	for o, res := range results {
		p, err := toPayload(res, payload.Row, o)
		if err != nil {
			return err
		}
		if err := out.SendOutput(p); err != nil {
			return err
		}
	}
	return nil
}

// PredictHead runs the full exchange in memory: the client encrypts h, the
// server evaluates the head on the ciphertexts and the client decrypts and
// applies act.
func PredictHead(ctx context.Context, c *Client, s *Server, h *mat.Dense, act nn.Activator) (*mat.Dense, error) {
	var toServer, toClient bytes.Buffer
	if err := c.SendHidden(ctx, NewProtocol(nil, &toServer), h); err != nil {
		return nil, fmt.Errorf("client: %w", err)
	}
	if err := s.Serve(ctx, NewProtocol(&toServer, nil), NewProtocol(nil, &toClient)); err != nil {
		return nil, fmt.Errorf("server: %w", err)
	}
	rows, _ := h.Dims()
	y, err := c.ReceiveOutputs(ctx, NewProtocol(&toClient, nil), rows, s.Outputs())
	if err != nil {
		return nil, fmt.Errorf("client: %w", err)
	}
	return nn.Activate(act, y), nil
}

func toPayload(ct *rlwe.Ciphertext, row, output int) (CipherPayload, error) {
	data, err := ct.MarshalBinary()
	if err != nil {
		return CipherPayload{}, fmt.Errorf("marshalling ciphertext: %w", err)
	}
	return CipherPayload{
		Row:        row,
		Output:     output,
		Ciphertext: data,
		Level:      ct.Level(),
		ScaleFloat: ct.Scale.Float64(),
	}, nil
}

func fromPayload(p *CipherPayload) (*rlwe.Ciphertext, error) {
	ct := new(rlwe.Ciphertext)
	if err := ct.UnmarshalBinary(p.Ciphertext); err != nil {
		return nil, fmt.Errorf("unmarshalling ciphertext: %w", err)
	}
	return ct, nil
}
