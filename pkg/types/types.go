// Package types defines the data model shared by every layer of the
// module: actor and space identifiers, access levels, operations and
// their action payloads, and the canonical wire encoding that operation
// identity is derived from.
package types

import (
	"bytes"
	"crypto/ed25519"
	"fmt"

	"github.com/ipfs/go-cid"
	"github.com/multiformats/go-multicodec"
	mh "github.com/multiformats/go-multihash"
	"github.com/storacha/go-ucanto/principal/ed25519/verifier"
)

// ActorID is the stable identifier of an actor, the did:key DID of its
// long-term ed25519 public key. Immutable once created.
type ActorID string

// SpaceID names a collaboration group.
type SpaceID string

// ActorIDFromPublicKey derives the ActorID for an ed25519 public key.
func ActorIDFromPublicKey(pub ed25519.PublicKey) (ActorID, error) {
	v, err := verifier.FromRaw(pub)
	if err != nil {
		return "", fmt.Errorf("derive actor ID: %w", err)
	}
	return ActorID(v.DID().String()), nil
}

// OperationID is the content identifier of an operation: a CIDv1 with
// the CBOR multicodec over a SHA2-256 multihash of the operation's
// canonical encoding. Globally unique assuming hash collision
// resistance; used both as a lookup key and as a causal-dependency
// reference.
type OperationID struct {
	c cid.Cid
}

// NewOperationID hashes canonical operation bytes into an OperationID.
func NewOperationID(data []byte) (OperationID, error) {
	hash, err := mh.Sum(data, mh.SHA2_256, -1)
	if err != nil {
		return OperationID{}, fmt.Errorf("hash operation: %w", err)
	}
	return OperationID{c: cid.NewCidV1(uint64(multicodec.Cbor), hash)}, nil
}

// OperationIDFromBytes parses the binary form produced by Bytes.
func OperationIDFromBytes(data []byte) (OperationID, error) {
	c, err := cid.Cast(data)
	if err != nil {
		return OperationID{}, fmt.Errorf("parse operation ID: %w", err)
	}
	return OperationID{c: c}, nil
}

// ParseOperationID parses the string form produced by String.
func ParseOperationID(s string) (OperationID, error) {
	c, err := cid.Decode(s)
	if err != nil {
		return OperationID{}, fmt.Errorf("parse operation ID: %w", err)
	}
	return OperationID{c: c}, nil
}

// Defined reports whether the ID holds a value. The zero OperationID is
// undefined.
func (id OperationID) Defined() bool {
	return id.c.Defined()
}

// Bytes returns the binary CID form used on the wire.
func (id OperationID) Bytes() []byte {
	return id.c.Bytes()
}

// String returns the multibase string form of the CID.
func (id OperationID) String() string {
	return id.c.String()
}

// Less orders operation IDs by their binary form. Used to keep
// dependency sets canonically sorted on the wire.
func (id OperationID) Less(other OperationID) bool {
	return bytes.Compare(id.c.Bytes(), other.c.Bytes()) < 0
}

// AccessLevel is the ordered access enumeration for space members.
// Higher values dominate: Admin may add, remove, and change others.
type AccessLevel uint8

const (
	// AccessNone is the zero value: not a member.
	AccessNone AccessLevel = iota
	// AccessRead permits decrypting space content.
	AccessRead
	// AccessWrite permits sending content.
	AccessWrite
	// AccessAdmin permits membership and access changes.
	AccessAdmin
)

// Valid reports whether the level is one a grant may carry.
func (l AccessLevel) Valid() bool {
	return l >= AccessRead && l <= AccessAdmin
}

// String returns the textual level name.
func (l AccessLevel) String() string {
	switch l {
	case AccessNone:
		return "none"
	case AccessRead:
		return "read"
	case AccessWrite:
		return "write"
	case AccessAdmin:
		return "admin"
	default:
		return "unknown"
	}
}

// Grant pairs a member with an access level, used in CreateSpace
// payloads and derived membership views.
type Grant struct {
	Member ActorID
	Access AccessLevel
}
