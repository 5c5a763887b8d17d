package cli

import (
	"bytes"
	"encoding/json"
	"errors"
	"testing"

	"github.com/sebdah/goldie/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// run executes the root command with args and returns stdout.
func run(t *testing.T, args ...string) (string, error) {
	t.Helper()
	out, errOut := &bytes.Buffer{}, &bytes.Buffer{}
	cmd := NewRootCommand()
	cmd.SetOut(out)
	cmd.SetErr(errOut)
	cmd.SetArgs(args)
	err := cmd.Execute()
	return out.String(), err
}

func golden(t *testing.T) *goldie.Goldie {
	return goldie.New(t,
		goldie.WithFixtureDir("testdata/golden"),
		goldie.WithNameSuffix(".golden"),
	)
}

func TestClassify_Text(t *testing.T) {
	out, err := run(t, "classify", "testdata/kernels.yaml")
	require.NoError(t, err)
	golden(t).Assert(t, "classify_text", []byte(out))
}

func TestClassify_JSON(t *testing.T) {
	out, err := run(t, "--format", "json", "classify", "testdata/sum.yaml")
	require.NoError(t, err)
	golden(t).Assert(t, "classify_json", []byte(out))

	var resp CLIResponse
	require.NoError(t, json.Unmarshal([]byte(out), &resp))
	assert.Equal(t, "ok", resp.Status)
}

func TestClassify_IRText(t *testing.T) {
	// The printed form of sum.yaml classifies exactly like the fixture
	out, err := run(t, "--format", "json", "classify", "testdata/sum.ir")
	require.NoError(t, err)
	golden(t).Assert(t, "classify_json", []byte(out))
}

func TestClassify_MultipleFiles(t *testing.T) {
	out, err := run(t, "classify", "testdata/sum.yaml", "testdata/kernels.yaml")
	require.NoError(t, err)
	assert.Contains(t, out, "module sum\nfunc sum\n")
	assert.Contains(t, out, "\n\nmodule kernels\n")
}

func TestClassify_Errors(t *testing.T) {
	tests := []struct {
		name     string
		file     string
		code     string
		contains string
	}{
		{"missing file", "testdata/nope.yaml", ErrCodeNotFound, "failed to read fixture file"},
		{"bad fixture", "testdata/broken.yaml", ErrCodeLoadFailed, `unknown opcode "frobnicate"`},
		{"missing ir file", "testdata/nope.ir", ErrCodeNotFound, "failed to read IR file"},
		{"bad ir file", "testdata/broken.ir", ErrCodeLoadFailed, "testdata/broken.ir:3:16: undefined value %missing"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			out, err := run(t, "classify", tt.file)
			require.Error(t, err)
			assert.Equal(t, ExitCommandError, GetExitCode(err))
			assert.Contains(t, err.Error(), tt.code)
			assert.Contains(t, out, "Error ["+tt.code+"]")
			assert.Contains(t, out, tt.contains)
		})
	}
}

func TestClassify_ErrorJSON(t *testing.T) {
	out, err := run(t, "--format", "json", "classify", "testdata/broken.yaml")
	require.Error(t, err)

	var resp CLIResponse
	require.NoError(t, json.Unmarshal([]byte(out), &resp))
	assert.Equal(t, "error", resp.Status)
	require.NotNil(t, resp.Error)
	assert.Equal(t, ErrCodeLoadFailed, resp.Error.Code)
}

func TestClassify_NoArgs(t *testing.T) {
	_, err := run(t, "classify")
	require.Error(t, err)
}

func TestInvalidFormat(t *testing.T) {
	_, err := run(t, "--format", "xml", "classify", "testdata/sum.yaml")
	require.Error(t, err)
	assert.Equal(t, ExitCommandError, GetExitCode(err))
	assert.Contains(t, err.Error(), `invalid format "xml"`)
}

func TestFlagsReachAnalyzer(t *testing.T) {
	opts := &RootOptions{NoNaNs: true, AllowAssumptions: true}
	got := opts.analyzerOptions()
	assert.True(t, got.FP.NoNaNs)
	assert.False(t, got.FP.NoSignedZeros)
	assert.True(t, got.AllowAssumptions)
}

func TestVerboseLogsStats(t *testing.T) {
	buf, errBuf := &bytes.Buffer{}, &bytes.Buffer{}
	cmd := NewClassifyCommand(&RootOptions{Format: "text", Verbose: true})
	cmd.SetOut(buf)
	cmd.SetErr(errBuf)
	cmd.SetArgs([]string{"testdata/kernels.yaml"})

	require.NoError(t, cmd.Execute())
	assert.Contains(t, errBuf.String(), "Loading testdata/kernels.yaml")
	assert.Contains(t, errBuf.String(), "Analysis Stats:")
	assert.Contains(t, errBuf.String(), "Functions: 4")
	assert.NotContains(t, buf.String(), "Analysis Stats:")
}

func TestGetExitCode(t *testing.T) {
	assert.Equal(t, ExitSuccess, GetExitCode(nil))
	assert.Equal(t, ExitFailure, GetExitCode(errors.New("plain")))
	assert.Equal(t, ExitCommandError, GetExitCode(NewExitError(ExitCommandError, "bad")))

	wrapped := WrapExitError(ExitFailure, "analysis", errors.New("boom"))
	assert.Equal(t, "analysis: boom", wrapped.Error())
	assert.Equal(t, "boom", errors.Unwrap(wrapped).Error())
}
