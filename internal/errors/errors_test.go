package errors

import (
	stderrors "errors"
	"fmt"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/R3E-Network/confidential_layer/internal/app/domain/computation"
)

func TestFromDomain(t *testing.T) {
	cases := []struct {
		err    error
		code   ErrorCode
		status int
		class  computation.ErrorClass
	}{
		{fmt.Errorf("lookup: %w", computation.ErrUnknownCircuit), CodeUnknownCircuit, http.StatusNotFound, computation.ClassConfiguration},
		{computation.ErrAlreadyRegistered, CodeAlreadyRegistered, http.StatusConflict, computation.ClassConfiguration},
		{computation.ErrClusterNotConfigured, CodeClusterNotConfigured, http.StatusPreconditionFailed, computation.ClassConfiguration},
		{computation.ErrDuplicateRequest, CodeDuplicateRequest, http.StatusConflict, computation.ClassPrecondition},
		{computation.ErrMalformedOperands, CodeMalformedOperands, http.StatusUnprocessableEntity, computation.ClassPrecondition},
		{computation.ErrAbortedComputation, CodeAbortedComputation, http.StatusUnprocessableEntity, computation.ClassVerificationFailure},
		{computation.ErrUnknownRequest, CodeUnknownRequest, http.StatusNotFound, computation.ClassCorrelation},
		{computation.ErrAlreadyResolved, CodeAlreadyResolved, http.StatusConflict, computation.ClassCorrelation},
	}
	for _, tc := range cases {
		se := FromDomain(tc.err)
		require.NotNil(t, se)
		assert.Equal(t, tc.code, se.Code, tc.err.Error())
		assert.Equal(t, tc.status, se.HTTPStatus, tc.err.Error())
		assert.Equal(t, string(tc.class), se.Details["class"])
		assert.True(t, stderrors.Is(se, tc.err))
	}
}

func TestFromDomainPassesServiceErrorsThrough(t *testing.T) {
	orig := BadRequest("nope")
	wrapped := fmt.Errorf("decode: %w", orig)
	require.Same(t, orig, FromDomain(wrapped))
}

func TestFromDomainUnknownIsInternal(t *testing.T) {
	se := FromDomain(stderrors.New("disk on fire"))
	require.Equal(t, CodeInternal, se.Code)
	require.Equal(t, http.StatusInternalServerError, se.HTTPStatus)
	require.Nil(t, FromDomain(nil))
}

func TestWithDetails(t *testing.T) {
	se := InvalidToken(nil).WithDetails("reason", "expired")
	require.Equal(t, "expired", se.Details["reason"])
	require.Equal(t, http.StatusUnauthorized, se.HTTPStatus)
}
