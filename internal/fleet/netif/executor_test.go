package netif

import (
	"context"
	"os/exec"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeCmd struct {
	out []byte
	err error
}

func (f *fakeCmd) Output() ([]byte, error) { return f.out, f.err }

type call struct {
	name string
	args []string
}

func stubExec(t *testing.T, out []byte, err error) *[]call {
	t.Helper()
	var calls []call
	orig := ExecCommandContext
	ExecCommandContext = func(_ context.Context, name string, arg ...string) cmd {
		calls = append(calls, call{name: name, args: arg})
		return &fakeCmd{out: out, err: err}
	}
	t.Cleanup(func() { ExecCommandContext = orig })
	return &calls
}

func TestExists(t *testing.T) {
	calls := stubExec(t, []byte("2: eth0    inet 203.0.113.10/32 scope global eth0\n"), nil)

	ok, err := NewExecutor().Exists(context.Background(), "203.0.113.10")
	require.NoError(t, err)
	assert.True(t, ok)

	require.Len(t, *calls, 1)
	assert.Equal(t, "ip", (*calls)[0].name)
	assert.Equal(t, []string{"-4", "addr", "show", "to", "203.0.113.10"}, (*calls)[0].args)
}

func TestExistsEmptyOutput(t *testing.T) {
	stubExec(t, []byte("  \n"), nil)

	ok, err := NewExecutor().Exists(context.Background(), "203.0.113.10")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestBind(t *testing.T) {
	calls := stubExec(t, nil, nil)

	err := NewExecutor().Bind(context.Background(), "203.0.113.10", 32, "eth0")
	require.NoError(t, err)

	require.Len(t, *calls, 1)
	assert.Equal(t, []string{"addr", "add", "203.0.113.10/32", "dev", "eth0"}, (*calls)[0].args)
}

func TestBindAlreadyBoundIsNotAnError(t *testing.T) {
	stubExec(t, nil, &exec.ExitError{Stderr: []byte("RTNETLINK answers: File exists\n")})

	err := NewExecutor().Bind(context.Background(), "203.0.113.10", 32, "eth0")
	assert.NoError(t, err)
}

func TestBindFailure(t *testing.T) {
	stubExec(t, nil, &exec.ExitError{Stderr: []byte("RTNETLINK answers: Operation not permitted\n")})

	err := NewExecutor().Bind(context.Background(), "203.0.113.10", 32, "eth0")
	require.Error(t, err)
	assert.True(t, strings.Contains(err.Error(), "Operation not permitted"))

	cmdErr, ok := asCommandError(err)
	require.True(t, ok)
	assert.Equal(t, "RTNETLINK answers: Operation not permitted", cmdErr.Stderr)
}

func TestUnbindAbsentAddressIsNotAnError(t *testing.T) {
	stubExec(t, nil, &exec.ExitError{Stderr: []byte("RTNETLINK answers: Cannot assign requested address\n")})

	err := NewExecutor().Unbind(context.Background(), "203.0.113.10", 32, "eth0")
	assert.NoError(t, err)
}
