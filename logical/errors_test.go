package logical

import (
	"errors"
	"fmt"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestKindHTTPStatus(t *testing.T) {
	assert.Equal(t, http.StatusBadRequest, KindValidation.HTTPStatus())
	assert.Equal(t, http.StatusNotFound, KindNotFoundOrExpired.HTTPStatus())
	assert.Equal(t, http.StatusForbidden, KindUnauthorized.HTTPStatus())
	assert.Equal(t, http.StatusBadGateway, KindUpstream.HTTPStatus())
	assert.Equal(t, http.StatusInternalServerError, KindInternal.HTTPStatus())
}

func TestCodedErrorMessage(t *testing.T) {
	err := Validation("bad input")
	assert.Equal(t, "bad input", err.Error())

	wrapped := Upstream(errors.New("connection refused"), "directory unreachable")
	assert.Equal(t, "directory unreachable: connection refused", wrapped.Error())
	assert.EqualError(t, errors.Unwrap(wrapped), "connection refused")
}

func TestKindOfWalksWrappedChains(t *testing.T) {
	inner := NotFoundOrExpired("token not found or expired")
	outer := fmt.Errorf("while verifying: %w", inner)

	assert.Equal(t, KindNotFoundOrExpired, KindOf(outer))
	assert.True(t, IsKind(outer, KindNotFoundOrExpired))
	assert.False(t, IsKind(outer, KindUnauthorized))
}

func TestKindOfPlainError(t *testing.T) {
	assert.Equal(t, KindInternal, KindOf(errors.New("boom")))
	assert.Equal(t, KindNone, KindOf(nil))
}

func TestGetErrorCode(t *testing.T) {
	assert.Equal(t, http.StatusOK, GetErrorCode(nil))
	assert.Equal(t, http.StatusForbidden, GetErrorCode(Unauthorized("nope")))
	assert.Equal(t, http.StatusInternalServerError, GetErrorCode(errors.New("boom")))
}

func TestFormattedConstructors(t *testing.T) {
	err := Validationf("invalid user name %q", "a b")
	require.Equal(t, KindValidation, err.Kind)
	assert.Equal(t, `invalid user name "a b"`, err.Message)
}
