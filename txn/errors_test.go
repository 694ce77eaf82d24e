package txn

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestCodeOf(t *testing.T) {
	base := errors.New("disk full")
	cases := []struct {
		name string
		err  error
		want Code
	}{
		{"nil", nil, CodeNone},
		{"typed", Errorf(CodeUnknownTx, 4, "no context"), CodeUnknownTx},
		{"wrapped typed", fmt.Errorf("start: %w", Wrap(CodeInvalid, 2, base)), CodeInvalid},
		{"deadline", context.DeadlineExceeded, CodeCommFailure},
		{"plain", base, CodeInternal},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			assert.Equal(t, c.want, CodeOf(c.err))
		})
	}
}

func TestRollbackClass(t *testing.T) {
	for _, c := range []Code{CodeRollback, CodeDeadlock, CodeIntegrity, CodeTimeout} {
		assert.True(t, c.RollbackClass(), c.String())
	}
	for _, c := range []Code{CodeNone, CodeCommFailure, CodeUnknownTx, CodeProtocol, CodeUnavailable, CodeInternal, CodeInvalid} {
		assert.False(t, c.RollbackClass(), c.String())
	}
}

func TestErrorMessageAndUnwrap(t *testing.T) {
	base := errors.New("boom")
	err := Wrap(CodeInternal, 9, base)
	assert.ErrorIs(t, err, base)
	assert.Equal(t, "tx 9: RMERR: boom", err.Error())
	assert.Nil(t, Wrap(CodeInternal, 9, nil))
	assert.Equal(t, "CODE(99)", Code(99).String())
}

func TestStatusTerminal(t *testing.T) {
	assert.False(t, StatusPending.Terminal())
	assert.False(t, StatusPrepared.Terminal())
	assert.True(t, StatusCommitted.Terminal())
	assert.True(t, StatusRolledBack.Terminal())
	assert.Equal(t, "ROLLED_BACK", StatusRolledBack.String())
}
