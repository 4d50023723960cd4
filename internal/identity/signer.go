// Package identity loads the signing key used to publish.
package identity

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	nostr "github.com/nbd-wtf/go-nostr"
	"github.com/nbd-wtf/go-nostr/nip19"

	"github.com/murachue/nosteen-sub000/internal/constants"
)

const (
	// KeyFileName is the name of the file holding the secret key
	KeyFileName = "secret.key"
	// KeyDir is the directory under the home directory holding identity files
	KeyDir = ".nosteen"
)

// Signer holds a secret key and its public key.
type Signer struct {
	PublicKey string
	secret    string
}

// Parse accepts a 64-character hex secret or an nsec string.
func Parse(key string) (*Signer, error) {
	key = strings.TrimSpace(key)
	if strings.HasPrefix(key, "nsec") {
		prefix, value, err := nip19.Decode(key)
		if err != nil {
			return nil, fmt.Errorf("decode nsec: %w", err)
		}
		if prefix != "nsec" {
			return nil, fmt.Errorf("unexpected bech32 prefix %q", prefix)
		}
		key, _ = value.(string)
	}
	if !nostr.IsValid32ByteHex(key) {
		return nil, fmt.Errorf("secret key must be 64 hex characters or nsec")
	}
	pub, err := nostr.GetPublicKey(key)
	if err != nil {
		return nil, fmt.Errorf("derive public key: %w", err)
	}
	return &Signer{PublicKey: pub, secret: key}, nil
}

// Generate creates a fresh key.
func Generate() (*Signer, error) {
	return Parse(nostr.GeneratePrivateKey())
}

// DefaultPath returns ~/.nosteen/secret.key.
func DefaultPath() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("failed to get home directory: %w", err)
	}
	return filepath.Join(home, KeyDir, KeyFileName), nil
}

// LoadFile reads a key written by Save.
func LoadFile(path string) (*Signer, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read key file: %w", err)
	}
	return Parse(string(data))
}

// Save writes the secret to path, readable by the owner only.
func (s *Signer) Save(path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return fmt.Errorf("failed to create key directory: %w", err)
	}
	if err := os.WriteFile(path, []byte(s.secret+"\n"), 0o600); err != nil {
		return fmt.Errorf("failed to write key file: %w", err)
	}
	return nil
}

// Npub returns the bech32 form of the public key.
func (s *Signer) Npub() string {
	npub, err := nip19.EncodePublicKey(s.PublicKey)
	if err != nil {
		return s.PublicKey
	}
	return npub
}

// Sign sets the author, id and signature of evt.
func (s *Signer) Sign(evt *nostr.Event) error {
	evt.PubKey = s.PublicKey
	if evt.Tags == nil {
		evt.Tags = nostr.Tags{}
	}
	return evt.Sign(s.secret)
}

// Note builds and signs a kind-1 text note.
func (s *Signer) Note(content string, tags nostr.Tags) (*nostr.Event, error) {
	evt := &nostr.Event{
		CreatedAt: nostr.Now(),
		Kind:      constants.KindNote,
		Tags:      tags,
		Content:   content,
	}
	if err := s.Sign(evt); err != nil {
		return nil, err
	}
	return evt, nil
}
