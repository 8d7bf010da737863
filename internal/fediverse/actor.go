package fediverse

import (
	"crypto/rsa"
	"fmt"
	"net/url"

	"github.com/fedimirror/fedimirror/internal/httpsig"
)

// Actor is the subset of a remote actor document the relay needs: identity,
// inbox routes, and the signature verification key.
type Actor struct {
	ID                string `json:"id"`
	Type              string `json:"type"`
	PreferredUsername string `json:"preferredUsername"`
	Inbox             string `json:"inbox"`
	Endpoints         struct {
		SharedInbox string `json:"sharedInbox"`
	} `json:"endpoints"`
	PublicKey struct {
		ID           string `json:"id"`
		Owner        string `json:"owner"`
		PublicKeyPem string `json:"publicKeyPem"`
	} `json:"publicKey"`
}

// Host returns the actor's home host, from its id URI.
func (a *Actor) Host() string {
	u, err := url.Parse(a.ID)
	if err != nil {
		return ""
	}
	return u.Host
}

// Acct returns the webfinger-style account name, username@host.
func (a *Actor) Acct() string {
	return a.PreferredUsername + "@" + a.Host()
}

// KeyRing holds the relay's single RSA key pair. Every mirror actor on the
// instance signs with the same key under its own keyId.
type KeyRing struct {
	domain    string
	key       *rsa.PrivateKey
	publicPEM string
}

// NewKeyRing builds a KeyRing for the instance domain.
func NewKeyRing(domain string, key *rsa.PrivateKey) (*KeyRing, error) {
	if domain == "" {
		return nil, fmt.Errorf("instance domain is required")
	}
	if key == nil {
		return nil, fmt.Errorf("instance key is required")
	}
	pemStr, err := httpsig.MarshalPublicKeyPEM(&key.PublicKey)
	if err != nil {
		return nil, err
	}
	return &KeyRing{domain: domain, key: key, publicPEM: pemStr}, nil
}

// Domain returns the instance domain.
func (k *KeyRing) Domain() string { return k.domain }

// InstanceActorURI returns the service actor the relay signs with when no
// mirror actor is in play (actor resolution, Delete handling).
func (k *KeyRing) InstanceActorURI() string {
	return "https://" + k.domain + "/actor"
}

// ActorURI returns the local actor URI for a mirrored handle.
func (k *KeyRing) ActorURI(handle string) string {
	return "https://" + k.domain + "/users/" + handle
}

// KeyID returns the signature keyId for a local actor.
func (k *KeyRing) KeyID(actorURI string) string {
	return actorURI + "#main-key"
}

// PrivateKey returns the signing key.
func (k *KeyRing) PrivateKey() *rsa.PrivateKey { return k.key }

// PublicKeyPEM returns the PKIX PEM published in actor documents.
func (k *KeyRing) PublicKeyPEM() string { return k.publicPEM }
