package types

import (
	"fmt"
	"sort"
)

// Action is the closed variant of operation payloads. The marker method
// keeps the set closed to this package; every apply/resolve site
// switches exhaustively over the concrete types and fails on anything
// else, so a new variant cannot be added without visiting those sites.
type Action interface {
	isAction()
}

// CreateSpace establishes a new space. The author becomes Admin
// implicitly; Members lists the other initial grants.
type CreateSpace struct {
	Space   SpaceID
	Members []Grant
}

// AddMember grants an actor membership at the given level.
type AddMember struct {
	Space  SpaceID
	Member ActorID
	Access AccessLevel
}

// RemoveMember revokes an actor's membership.
type RemoveMember struct {
	Space  SpaceID
	Member ActorID
}

// ChangeAccess replaces an existing member's access level.
type ChangeAccess struct {
	Space  SpaceID
	Member ActorID
	Access AccessLevel
}

// SendContent carries ciphertext encrypted under a space epoch key.
// KeyOp identifies the key-rotating operation the key was distributed
// with; an undefined KeyOp means the key travels in this operation's
// own envelope and is indexed by this operation's ID. Epoch is the key
// epoch number, bound into the AEAD additional data.
type SendContent struct {
	Space      SpaceID
	Epoch      uint64
	KeyOp      OperationID
	Nonce      []byte
	Ciphertext []byte
}

func (CreateSpace) isAction()  {}
func (AddMember) isAction()    {}
func (RemoveMember) isAction() {}
func (ChangeAccess) isAction() {}
func (SendContent) isAction()  {}

// SpaceOf returns the space an action addresses.
func SpaceOf(a Action) (SpaceID, error) {
	switch act := a.(type) {
	case CreateSpace:
		return act.Space, nil
	case AddMember:
		return act.Space, nil
	case RemoveMember:
		return act.Space, nil
	case ChangeAccess:
		return act.Space, nil
	case SendContent:
		return act.Space, nil
	default:
		return "", fmt.Errorf("%w: unknown action %T", ErrValidation, a)
	}
}

// IsAuth reports whether the action affects membership or access
// levels, and therefore triggers a key epoch rotation when accepted.
func IsAuth(a Action) bool {
	switch a.(type) {
	case CreateSpace, AddMember, RemoveMember, ChangeAccess:
		return true
	case SendContent:
		return false
	default:
		return false
	}
}

// Action kind tags on the wire.
const (
	kindCreateSpace  = "create"
	kindAddMember    = "add"
	kindRemoveMember = "remove"
	kindChangeAccess = "access"
	kindSendContent  = "content"
)

// wireAction is the single encoded shape for all action variants. Only
// the fields a variant uses are set; CBOR Core Deterministic Encoding
// plus omitempty gives every variant exactly one byte representation.
type wireAction struct {
	Kind       string      `cbor:"kind"`
	Space      string      `cbor:"space"`
	Member     string      `cbor:"member,omitempty"`
	Access     uint8       `cbor:"access,omitempty"`
	Members    []wireGrant `cbor:"members,omitempty"`
	Epoch      uint64      `cbor:"epoch,omitempty"`
	KeyOp      []byte      `cbor:"keyop,omitempty"`
	Nonce      []byte      `cbor:"nonce,omitempty"`
	Ciphertext []byte      `cbor:"ciphertext,omitempty"`
}

type wireGrant struct {
	Member string `cbor:"member"`
	Access uint8  `cbor:"access"`
}

func actionToWire(a Action) (wireAction, error) {
	switch act := a.(type) {
	case CreateSpace:
		grants := make([]wireGrant, len(act.Members))
		for i, g := range act.Members {
			if !g.Access.Valid() {
				return wireAction{}, fmt.Errorf("%w: invalid access level %d", ErrValidation, g.Access)
			}
			grants[i] = wireGrant{Member: string(g.Member), Access: uint8(g.Access)}
		}
		// Initial grants are a set; fix their order in the encoding.
		sort.Slice(grants, func(i, j int) bool { return grants[i].Member < grants[j].Member })
		for i := 1; i < len(grants); i++ {
			if grants[i].Member == grants[i-1].Member {
				return wireAction{}, fmt.Errorf("%w: duplicate initial member %s", ErrValidation, grants[i].Member)
			}
		}
		return wireAction{Kind: kindCreateSpace, Space: string(act.Space), Members: grants}, nil
	case AddMember:
		if !act.Access.Valid() {
			return wireAction{}, fmt.Errorf("%w: invalid access level %d", ErrValidation, act.Access)
		}
		return wireAction{Kind: kindAddMember, Space: string(act.Space), Member: string(act.Member), Access: uint8(act.Access)}, nil
	case RemoveMember:
		return wireAction{Kind: kindRemoveMember, Space: string(act.Space), Member: string(act.Member)}, nil
	case ChangeAccess:
		if !act.Access.Valid() {
			return wireAction{}, fmt.Errorf("%w: invalid access level %d", ErrValidation, act.Access)
		}
		return wireAction{Kind: kindChangeAccess, Space: string(act.Space), Member: string(act.Member), Access: uint8(act.Access)}, nil
	case SendContent:
		var keyOp []byte
		if act.KeyOp.Defined() {
			keyOp = act.KeyOp.Bytes()
		}
		return wireAction{
			Kind:       kindSendContent,
			Space:      string(act.Space),
			Epoch:      act.Epoch,
			KeyOp:      keyOp,
			Nonce:      act.Nonce,
			Ciphertext: act.Ciphertext,
		}, nil
	default:
		return wireAction{}, fmt.Errorf("%w: unknown action %T", ErrValidation, a)
	}
}

func actionFromWire(w wireAction) (Action, error) {
	if w.Space == "" {
		return nil, fmt.Errorf("%w: action without space", ErrValidation)
	}
	space := SpaceID(w.Space)

	switch w.Kind {
	case kindCreateSpace:
		members := make([]Grant, len(w.Members))
		for i, g := range w.Members {
			level := AccessLevel(g.Access)
			if g.Member == "" || !level.Valid() {
				return nil, fmt.Errorf("%w: invalid initial grant", ErrValidation)
			}
			if i > 0 && g.Member <= w.Members[i-1].Member {
				return nil, fmt.Errorf("%w: initial grants not canonically ordered", ErrValidation)
			}
			members[i] = Grant{Member: ActorID(g.Member), Access: level}
		}
		return CreateSpace{Space: space, Members: members}, nil
	case kindAddMember:
		level := AccessLevel(w.Access)
		if w.Member == "" || !level.Valid() {
			return nil, fmt.Errorf("%w: invalid add-member payload", ErrValidation)
		}
		return AddMember{Space: space, Member: ActorID(w.Member), Access: level}, nil
	case kindRemoveMember:
		if w.Member == "" {
			return nil, fmt.Errorf("%w: invalid remove-member payload", ErrValidation)
		}
		return RemoveMember{Space: space, Member: ActorID(w.Member)}, nil
	case kindChangeAccess:
		level := AccessLevel(w.Access)
		if w.Member == "" || !level.Valid() {
			return nil, fmt.Errorf("%w: invalid change-access payload", ErrValidation)
		}
		return ChangeAccess{Space: space, Member: ActorID(w.Member), Access: level}, nil
	case kindSendContent:
		var keyOp OperationID
		if len(w.KeyOp) > 0 {
			var err error
			keyOp, err = OperationIDFromBytes(w.KeyOp)
			if err != nil {
				return nil, fmt.Errorf("%w: %v", ErrValidation, err)
			}
		}
		return SendContent{
			Space:      space,
			Epoch:      w.Epoch,
			KeyOp:      keyOp,
			Nonce:      w.Nonce,
			Ciphertext: w.Ciphertext,
		}, nil
	default:
		return nil, fmt.Errorf("%w: unknown action kind %q", ErrValidation, w.Kind)
	}
}
