// Package mlsgroup is C4's room-policy and state-machine layer: it
// drives an mlsengine.Engine and persists the result through store.Tx,
// owning the parts of group management that sit above raw MLS
// operations (role bookkeeping, the Clean/Dirty/Resyncing state
// machine, system-message emission for membership changes).
package mlsgroup

import (
	"encoding/json"
	"time"

	"github.com/aethermsg/chatcore/errors"
	"github.com/aethermsg/chatcore/mlsengine"
)

// Role is a per-group room-policy role (§4.4).
type Role string

const (
	RoleOwner    Role = "owner"
	RoleRegular  Role = "regular"
	RoleOutsider Role = "outsider"
)

// RoomPolicy is the per-group {user_id: role} table, serialized into
// store.Group.RoomState as JSON.
type RoomPolicy map[string]Role

func (p RoomPolicy) marshal() ([]byte, error) {
	b, err := json.Marshal(p)
	if err != nil {
		return nil, errors.Wrap(err, "marshal room policy")
	}
	return b, nil
}

func unmarshalRoomPolicy(b []byte) (RoomPolicy, error) {
	if len(b) == 0 {
		return RoomPolicy{}, nil
	}
	var p RoomPolicy
	if err := json.Unmarshal(b, &p); err != nil {
		return nil, errors.Wrap(err, "unmarshal room policy")
	}
	return p, nil
}

// canChangeRole enforces §4.4's "only callers holding a role that
// permits the transition may invoke it": an Owner may add or remove
// anyone; a Regular member may add but not remove an Owner; an
// Outsider holds no privileges. Grounded on
// original_source/coreclient/src/clients/mod.rs's role bookkeeping,
// which gates add/remove the same way without naming a richer ACL.
func canChangeRole(actorRole Role, newRole Role, subjectCurrentRole Role) bool {
	switch actorRole {
	case RoleOwner:
		return true
	case RoleRegular:
		if newRole == RoleOutsider && subjectCurrentRole == RoleOwner {
			return false
		}
		return true
	default:
		return false
	}
}

// SystemMessage is a timestamped, locally-synthesized event describing
// a membership change (§4.4: "emits timestamped system messages for
// every add/remove").
type SystemMessage struct {
	GroupID   string
	Kind      SystemMessageKind
	Subject   string // user id added or removed
	Timestamp time.Time
}

type SystemMessageKind string

const (
	SystemMessageMemberAdded   SystemMessageKind = "member_added"
	SystemMessageMemberRemoved SystemMessageKind = "member_removed"
	SystemMessageSelfRemoved   SystemMessageKind = "self_removed"
	SystemMessageAcceptedOffer SystemMessageKind = "accepted_connection_request"
)

// persistedGroupState is the JSON shape stored in store.Group's opaque
// blob columns, letting mlsengine.Group round-trip through the store
// without the store package interpreting MLS internals (per its own
// doc comment: "opaque blobs owned by mlsengine").
type persistedGroupState struct {
	Members        []mlsengine.Member
	TranscriptHash []byte
}

func marshalGroupState(g *mlsengine.Group) ([]byte, error) {
	b, err := json.Marshal(persistedGroupState{Members: g.Members, TranscriptHash: g.TranscriptHash})
	if err != nil {
		return nil, errors.Wrap(err, "marshal group state")
	}
	return b, nil
}

func unmarshalGroupState(b []byte) (persistedGroupState, error) {
	var s persistedGroupState
	if len(b) == 0 {
		return s, nil
	}
	if err := json.Unmarshal(b, &s); err != nil {
		return s, errors.Wrap(err, "unmarshal group state")
	}
	return s, nil
}

func marshalProposals(p []mlsengine.Proposal) ([]byte, error) {
	if len(p) == 0 {
		return nil, nil
	}
	b, err := json.Marshal(p)
	if err != nil {
		return nil, errors.Wrap(err, "marshal pending proposals")
	}
	return b, nil
}

func unmarshalProposals(b []byte) ([]mlsengine.Proposal, error) {
	if len(b) == 0 {
		return nil, nil
	}
	var p []mlsengine.Proposal
	if err := json.Unmarshal(b, &p); err != nil {
		return nil, errors.Wrap(err, "unmarshal pending proposals")
	}
	return p, nil
}
