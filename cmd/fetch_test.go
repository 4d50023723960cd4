package main

import (
	"testing"

	"github.com/nbd-wtf/go-nostr"
	"github.com/nbd-wtf/go-nostr/nip19"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/murachue/nosteen-sub000/internal/fetch"
)

func TestDecodeRef(t *testing.T) {
	pub, err := nostr.GetPublicKey(nostr.GeneratePrivateKey())
	require.NoError(t, err)
	npub, err := nip19.EncodePublicKey(pub)
	require.NoError(t, err)
	id := "5c83da77af1dec6d7289834998ad7aafbd9e2191396d75ec3cc27f5a77226f36"
	note, err := nip19.EncodeNote(id)
	require.NoError(t, err)

	tests := []struct {
		name     string
		ref      string
		eventRef bool
		want     string
		wantErr  bool
	}{
		{"hex pubkey", pub, false, pub, false},
		{"npub", npub, false, pub, false},
		{"note", note, true, id, false},
		{"npub where an event is expected", npub, true, "", true},
		{"note where a pubkey is expected", note, false, "", true},
		{"garbage", "not-a-key", false, "", true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := decodeRef(tt.ref, tt.eventRef)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestFetchPredicates(t *testing.T) {
	a := "0000000000000000000000000000000000000000000000000000000000000001"
	b := "0000000000000000000000000000000000000000000000000000000000000002"

	preds, err := fetchPredicates([]string{a}, []string{a, b}, nil, []string{b})
	require.NoError(t, err)
	require.Len(t, preds, 3)
	assert.Equal(t, fetch.KindByID, preds[0].Kind())
	assert.Equal(t, []string{a, b}, preds[1].Values())
	assert.Equal(t, fetch.KindByFollowers, preds[2].Kind())

	_, err = fetchPredicates([]string{"nope"}, nil, nil, nil)
	assert.Error(t, err)
}

func TestVersionStrings(t *testing.T) {
	assert.Contains(t, GetVersionWithPrefix(), GetVersion())
	assert.Contains(t, GetFullVersionInfo(), "Commit: ")
}
