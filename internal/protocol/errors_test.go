package protocol

import (
	"testing"

	"github.com/pkg/errors"

	"voxelshard.ai/internal/encoding"
)

func TestReason(t *testing.T) {
	cases := []struct {
		err  error
		want string
	}{
		{nil, ""},
		{errors.Wrap(ErrTruncatedHeader, "x"), ReasonTruncatedHeader},
		{ErrUnknownType, ReasonUnknownType},
		{errors.Wrapf(ErrBadVersion, "v%d", 9), ReasonBadVersion},
		{errors.Wrap(encoding.ErrTruncated, "tail"), ReasonTruncatedRecord},
		{encoding.ErrPathTooDeep, ReasonPathTooDeep},
		{ErrMalformedPacket, ReasonMalformed},
	}
	for _, c := range cases {
		got := Reason(c.err)
		if got != c.want {
			t.Fatalf("Reason(%v)=%q want %q", c.err, got, c.want)
		}
		if got != "" && !IsKnownReason(got) {
			t.Fatalf("reason %q not registered", got)
		}
	}
	if IsKnownReason("nope") {
		t.Fatalf("expected unknown reason rejected")
	}
}

func TestMalformedFamily(t *testing.T) {
	for _, err := range []error{ErrTruncatedHeader, ErrUnknownType, ErrBadVersion} {
		if !errors.Is(err, ErrMalformedPacket) {
			t.Fatalf("%v should be a malformed packet error", err)
		}
	}
}
