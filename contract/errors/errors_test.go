package errors_test

import (
	"errors"
	"fmt"
	"testing"

	berr "github.com/next-trace/scg-event-bus/contract/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCodeAndVars(t *testing.T) {
	e := berr.Code(berr.ErrCodePublishFailed)
	require.Equal(t, berr.ErrCodePublishFailed, e.Error())

	// exported variables must carry their codes
	tests := []struct {
		err  error
		code string
	}{
		{berr.ErrConnectionUnavailable, berr.ErrCodeConnectionUnavailable},
		{berr.ErrTopologyConflict, berr.ErrCodeTopologyConflict},
		{berr.ErrSerializationFailed, berr.ErrCodeSerializationFailed},
		{berr.ErrHandlerFailed, berr.ErrCodeHandlerFailed},
		{berr.ErrPublishFailed, berr.ErrCodePublishFailed},
		{berr.ErrInvalidEventType, berr.ErrCodeInvalidEventType},
		{berr.ErrInvalidVersion, berr.ErrCodeInvalidVersion},
		{berr.ErrMissingCorrelation, berr.ErrCodeMissingCorrelation},
		{berr.ErrSchemaNotRegistered, berr.ErrCodeSchemaNotRegistered},
		{berr.ErrSubscriptionNotFound, berr.ErrCodeSubscriptionNotFound},
		{berr.ErrBusClosed, berr.ErrCodeBusClosed},
		{berr.ErrForwardFailed, berr.ErrCodeForwardFailed},
	}

	for _, tc := range tests {
		assert.ErrorIs(t, tc.err, berr.Code(tc.code), "expected %s to be %s", tc.err, tc.code)
	}
}

func TestJoinedCodesRemainDetectable(t *testing.T) {
	conn := fmt.Errorf("dial: %w", errors.Join(berr.ErrConnectionUnavailable, errors.New("refused")))
	err := fmt.Errorf("publish order.created: %w", errors.Join(berr.ErrPublishFailed, conn))

	assert.ErrorIs(t, err, berr.ErrPublishFailed)
	assert.ErrorIs(t, err, berr.ErrConnectionUnavailable)
	assert.NotErrorIs(t, err, berr.ErrTopologyConflict)
}
