package storage

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestValueEncodeDecodeRoundTrip(t *testing.T) {
	cases := []Value{
		NullValue(),
		BoolValue(true),
		BoolValue(false),
		IntValue(-42),
		FloatValue(3.5),
		StringValue("hello"),
		BlobValue([]byte{1, 2, 3}),
		ListValue([]Value{IntValue(1), StringValue("x")}),
	}
	for _, v := range cases {
		enc := Encode(v)
		got, err := Decode(enc)
		require.NoError(t, err)
		require.True(t, v.Equal(got))
	}
}

func TestDecodeRejectsTruncatedPayload(t *testing.T) {
	enc := Encode(StringValue("hello world"))
	_, err := Decode(enc[:len(enc)-2])
	require.Error(t, err)
}

func TestDecodeRejectsEmptyInput(t *testing.T) {
	_, err := Decode(nil)
	require.Error(t, err)
}
