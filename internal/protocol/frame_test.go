package protocol

import (
	"testing"

	nostr "github.com/nbd-wtf/go-nostr"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseFrame(t *testing.T) {
	t.Run("well formed", func(t *testing.T) {
		f, err := ParseFrame([]byte(`["EOSE","s1"]`))
		require.NoError(t, err)
		assert.Equal(t, TypeEOSE, f.Type)
		assert.Equal(t, "s1", f.SubID)

		f, err = ParseFrame([]byte(`["OK","abc",false,"rate-limited"]`))
		require.NoError(t, err)
		assert.Equal(t, "abc", f.EventID)
		assert.False(t, f.OK)
		assert.Equal(t, "rate-limited", f.Message)

		f, err = ParseFrame([]byte(`["COUNT","s2",{"count":42}]`))
		require.NoError(t, err)
		assert.Equal(t, int64(42), f.Count)

		f, err = ParseFrame([]byte(`["CLOSED","s3","auth-required: sign in"]`))
		require.NoError(t, err)
		assert.Equal(t, "auth-required: sign in", f.Message)

		f, err = ParseFrame([]byte(`["EVENT","s4",{"id":"x","kind":1,"content":"hi"}]`))
		require.NoError(t, err)
		assert.Equal(t, "s4", f.SubID)
		assert.Equal(t, "hi", f.Event.Content)
	})

	malformed := []struct {
		name string
		data string
	}{
		{"not json", `["EOSE"`},
		{"not an array", `{"type":"EOSE"}`},
		{"empty array", `[]`},
		{"label only", `["NOTICE"]`},
		{"label not a string", `[1,"s1"]`},
		{"eose id not a string", `["EOSE",7]`},
		{"event id not a string", `["EVENT",{},{"kind":1}]`},
		{"event missing body", `["EVENT","s1"]`},
		{"event body not an object", `["EVENT","s1","oops"]`},
		{"ok missing flag", `["OK","abc"]`},
		{"ok flag not a bool", `["OK","abc","yes"]`},
		{"count missing body", `["COUNT","s1"]`},
		{"count body not an object", `["COUNT","s1","many"]`},
		{"count value not a number", `["COUNT","s1",{"count":"many"}]`},
	}
	for _, tt := range malformed {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ParseFrame([]byte(tt.data))
			assert.ErrorIs(t, err, ErrMalformedFrame)
		})
	}

	t.Run("unknown label", func(t *testing.T) {
		_, err := ParseFrame([]byte(`["HELLO","x"]`))
		assert.ErrorIs(t, err, ErrUnknownFrame)
	})
}

func TestEncodeReqRoundTrip(t *testing.T) {
	data, err := EncodeReq("s1", nostr.Filters{{Kinds: []int{1}}, {Authors: []string{"x"}}})
	require.NoError(t, err)
	assert.JSONEq(t, `["REQ","s1",{"kinds":[1]},{"authors":["x"]}]`, string(data))
}
