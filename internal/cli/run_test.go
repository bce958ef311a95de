package cli

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestExitCodeFor(t *testing.T) {
	require.Equal(t, exitValidationFailed, exitCodeFor(&validationErr{errors.New("bad config")}))
	require.Equal(t, exitConnectivityFailed, exitCodeFor(&connectivityErr{errors.New("dial failed")}))
	require.Equal(t, exitPartialSuccess, exitCodeFor(&partialErr{errors.New("one job failed")}))
	require.Equal(t, exitConnectivityFailed, exitCodeFor(errors.New("unrecognized error")))
}

func TestExitCodeFor_UnwrapsWrapped(t *testing.T) {
	wrapped := &validationErr{errors.New("nested")}
	require.Equal(t, exitValidationFailed, exitCodeFor(wrapped))
	require.ErrorIs(t, wrapped, wrapped.err)
}
