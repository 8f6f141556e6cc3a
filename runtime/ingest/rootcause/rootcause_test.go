package rootcause

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/require"
)

type emptyError struct{}

func (emptyError) Error() string { return "" }

type envelope struct {
	msg   string
	cause error
}

func (e *envelope) Error() string { return e.msg }
func (e *envelope) Unwrap() error { return e.cause }

func TestMessage(t *testing.T) {
	cases := []struct {
		name string
		err  error
		want string
	}{
		{
			name: "nil",
			err:  nil,
			want: "",
		},
		{
			name: "plain",
			err:  errors.New("connection refused"),
			want: "connection refused",
		},
		{
			name: "wrapped chain returns innermost",
			err:  fmt.Errorf("run sync: %w", fmt.Errorf("open source: %w", errors.New("connection refused"))),
			want: "connection refused",
		},
		{
			name: "runtime prefixes stripped",
			err:  &envelope{msg: "workflow execution error: activity error: ApplicationError: rate limited", cause: nil},
			want: "rate limited",
		},
		{
			name: "prefixed envelope around real cause",
			err: &envelope{
				msg:   "activity error: ApplicationError: rate limited",
				cause: errors.New("rate limited"),
			},
			want: "rate limited",
		},
		{
			name: "empty innermost falls back to nearest message",
			err:  fmt.Errorf("flush batch: %w", emptyError{}),
			want: "flush batch:",
		},
		{
			name: "all empty falls back to type name",
			err:  emptyError{},
			want: "rootcause.emptyError",
		},
		{
			name: "envelope with only prefixes is treated as empty",
			err: &envelope{
				msg:   "ApplicationError: ",
				cause: errors.New("disk full"),
			},
			want: "disk full",
		},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			require.Equal(t, tc.want, Message(tc.err))
		})
	}
}

// TestMessageStopsAtJoin verifies that multi-error joins keep their combined
// message instead of arbitrarily picking one branch.
func TestMessageStopsAtJoin(t *testing.T) {
	joined := errors.Join(errors.New("destination a failed"), errors.New("destination b failed"))
	got := Message(fmt.Errorf("flush: %w", joined))
	require.Contains(t, got, "destination a failed")
	require.Contains(t, got, "destination b failed")
}
