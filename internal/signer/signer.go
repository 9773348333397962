// Package signer defines the boundary to the signer collaborator (spec
// §1: "signer/encryption primitives ... out of scope"). The engine only
// needs to ask "sign this event" and "decrypt this ciphertext to
// ourselves"; key storage, ncryptsec-at-rest, and NIP-04/44 cipher
// internals are someone else's problem.
package signer

import (
	"context"
	"fmt"

	nostr "github.com/nbd-wtf/go-nostr"
	"github.com/nbd-wtf/go-nostr/keyer"

	"github.com/gossipnostr/gossip/internal/xerr"
)

// Signer is the minimal collaborator interface the Overlord and Minion
// depend on: signing outgoing events (including NIP-42 AUTH events) and
// self-decrypting content the engine needs to read (e.g. NIP-51 list
// bodies). A richer UI-facing signer (hardware, NIP-46 bunker, ncryptsec)
// implements the same interface; none of that is implemented here.
type Signer interface {
	PubKey(ctx context.Context) (string, error)
	Sign(ctx context.Context, evt *nostr.Event) error
	SelfDecrypt(ctx context.Context, ciphertext string) (string, error)
	SelfEncrypt(ctx context.Context, plaintext string) (string, error)
}

// PlainSigner wraps go-nostr's in-memory keyer for tests and for users
// who accept the "key lives in a plaintext file" tradeoff documented in
// spec §1 (ncryptsec at-rest format is an out-of-scope collaborator
// concern). It is deliberately the simplest possible Signer, matching
// the teacher's own keyer.NewPlainKeySigner usage in main.go.
type PlainSigner struct {
	kr nostr.Keyer
}

// NewPlain builds a PlainSigner from a raw hex private key.
func NewPlain(sk string) (*PlainSigner, error) {
	kr, err := keyer.NewPlainKeySigner(sk)
	if err != nil {
		return nil, fmt.Errorf("signer: %w", err)
	}
	return &PlainSigner{kr: kr}, nil
}

func (p *PlainSigner) PubKey(ctx context.Context) (string, error) {
	return p.kr.GetPublicKey(ctx)
}

func (p *PlainSigner) Sign(ctx context.Context, evt *nostr.Event) error {
	return p.kr.SignEvent(ctx, evt)
}

func (p *PlainSigner) SelfDecrypt(ctx context.Context, ciphertext string) (string, error) {
	pk, err := p.PubKey(ctx)
	if err != nil {
		return "", err
	}
	return p.kr.Decrypt(ctx, ciphertext, pk)
}

func (p *PlainSigner) SelfEncrypt(ctx context.Context, plaintext string) (string, error) {
	pk, err := p.PubKey(ctx)
	if err != nil {
		return "", err
	}
	return p.kr.Encrypt(ctx, plaintext, pk)
}

// Locked is the collaborator state when no key material is available yet
// (spec §7 SignerLocked). Every method returns xerr.SignerLocked.
type Locked struct{}

func (Locked) PubKey(context.Context) (string, error)             { return "", &xerr.SignerLocked{} }
func (Locked) Sign(context.Context, *nostr.Event) error            { return &xerr.SignerLocked{} }
func (Locked) SelfDecrypt(context.Context, string) (string, error) { return "", &xerr.SignerLocked{} }
func (Locked) SelfEncrypt(context.Context, string) (string, error) { return "", &xerr.SignerLocked{} }
