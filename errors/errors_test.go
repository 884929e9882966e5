package errors

import (
	"context"
	"testing"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
)

func TestKindOf_WrappedErrorKeepsKind(t *testing.T) {
	err := errors.Wrap(TransportError(context.DeadlineExceeded, "dial smtp"), "send")

	assert.Equal(t, KindTransport, KindOf(err))
	assert.True(t, IsRetryable(err))
	assert.True(t, errors.Is(err, context.DeadlineExceeded))
}

func TestIsPermanent(t *testing.T) {
	cases := []struct {
		name      string
		err       error
		permanent bool
	}{
		{"validation", ValidationError(nil, "bad recipient"), true},
		{"configuration", ConfigurationError(ErrNoBounceCredential, "example.com"), true},
		{"suppressed", SuppressedRecipientError("a@x.com"), true},
		{"transport", TransportError(nil, "connection reset"), false},
		{"quota", QuotaExceededError("sndr_1"), false},
		{"plain", errors.New("db timeout"), false},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.permanent, IsPermanent(tc.err))
		})
	}
}

func TestIsRetryable_Nil(t *testing.T) {
	assert.False(t, IsRetryable(nil))
	assert.Equal(t, Kind(""), KindOf(nil))
}
