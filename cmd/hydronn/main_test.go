package main

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"strconv"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"hydronn/batchio"
	"hydronn/model"
)

const (
	exampleConfig = "../../configs/gru_example.yml"
	exampleBatch  = "../../configs/batch_example.json"
)

func execute(t *testing.T, args ...string) (stdout, stderr string, err error) {
	t.Helper()
	cmd := newRootCmd()
	var out, errOut bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(&errOut)
	cmd.SetArgs(args)
	err = cmd.ExecuteContext(context.Background())
	return out.String(), errOut.String(), err
}

func TestVersion(t *testing.T) {
	out, _, err := execute(t, "version")
	require.NoError(t, err)
	assert.Contains(t, out, "hydronn version dev")
}

func TestModels(t *testing.T) {
	out, _, err := execute(t, "models")
	require.NoError(t, err)
	for _, want := range []string{"cudalstm", "mtslstm", "multi-frequency", "embcudalstm", "gmm"} {
		assert.Contains(t, out, want)
	}
}

func TestLogFlags(t *testing.T) {
	_, _, err := execute(t, "--log-level", "loud", "version")
	require.ErrorContains(t, err, "unknown log level")

	_, _, err = execute(t, "--log-format", "xml", "version")
	require.ErrorContains(t, err, "unknown log format")
}

func TestBuild(t *testing.T) {
	dir := t.TempDir()
	db := filepath.Join(dir, "runs.duckdb")
	weights := filepath.Join(dir, "weights")

	out, stderr, err := execute(t, "--log-level", "debug", "build", "-c", exampleConfig, "--runs", db, "--save-weights", weights)
	require.NoError(t, err)
	assert.Contains(t, out, "model:       gru")
	assert.Contains(t, out, "hidden size: 20")
	assert.Contains(t, out, "input size:  7")
	assert.Contains(t, stderr, "Run recorded.")
	assert.FileExists(t, filepath.Join(weights, "manifest.json"))

	out, _, err = execute(t, "runs", "--db", db, "list")
	require.NoError(t, err)
	assert.Contains(t, out, "gru_example")
}

func TestBuildOverrides(t *testing.T) {
	out, _, err := execute(t, "build", "-c", exampleConfig, "--model", "cudalstm", "--hidden-size", "3")
	require.NoError(t, err)
	assert.Contains(t, out, "model:       cudalstm")
	assert.Contains(t, out, "hidden size: 3")

	_, _, err = execute(t, "build", "-c", exampleConfig, "--model", "transformer")
	require.ErrorIs(t, err, model.ErrUnsupportedModel)

	_, _, err = execute(t, "build")
	require.Error(t, err)
}

func TestPredict(t *testing.T) {
	dir := t.TempDir()
	weights := filepath.Join(dir, "weights")
	_, _, err := execute(t, "build", "-c", exampleConfig, "--save-weights", weights)
	require.NoError(t, err)

	outPath := filepath.Join(dir, "pred.json")
	_, _, err = execute(t, "predict", "-c", exampleConfig, "-b", exampleBatch, "--weights", weights, "--encrypted-head", "-o", outPath)
	require.NoError(t, err)

	f, err := os.Open(outPath)
	require.NoError(t, err)
	defer f.Close()
	pred, err := batchio.DecodePrediction(f)
	require.NoError(t, err)

	require.Len(t, pred["y_hat"], 4)
	require.Len(t, pred["y_hat_encrypted"], 1)
	assert.InDelta(t, pred["y_hat"][3].At(0, 0), pred["y_hat_encrypted"][0].At(0, 0), 1e-3)
}

func TestRuns(t *testing.T) {
	db := filepath.Join(t.TempDir(), "runs.duckdb")
	_, _, err := execute(t, "build", "-c", exampleConfig, "--runs", db)
	require.NoError(t, err)

	for i, loss := range []string{"0.9", "0.8", "0.85", "0.86", "0.87"} {
		_, _, err := execute(t, "runs", "--db", db, "record", "gru_example", "--epoch", strconv.Itoa(i+1), "--loss", loss)
		require.NoError(t, err)
	}

	out, _, err := execute(t, "runs", "--db", db, "best", "gru_example")
	require.NoError(t, err)
	assert.Equal(t, "epoch 2: validation loss 0.8\n", out)

	out, _, err = execute(t, "runs", "--db", db, "early-stop", "gru_example", "--patience", "3")
	require.NoError(t, err)
	assert.Equal(t, "stop after epoch 5\n", out)

	out, _, err = execute(t, "runs", "--db", db, "early-stop", "gru_example", "-c", exampleConfig)
	require.NoError(t, err)
	assert.Equal(t, "no early stop through epoch 5\n", out)

	_, _, err = execute(t, "runs", "--db", db, "record", "missing", "--epoch", "1", "--loss", "1")
	require.Error(t, err)
}
