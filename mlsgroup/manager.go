package mlsgroup

import (
	"context"
	"time"

	"github.com/aethermsg/chatcore/crypto"
	"github.com/aethermsg/chatcore/errors"
	"github.com/aethermsg/chatcore/mlsengine"
	"github.com/aethermsg/chatcore/store"
)

// Manager drives an mlsengine.Engine and persists its results through a
// store.Tx, owning room-policy roles and the Clean/Dirty/Resyncing
// state machine layered on top of raw group operations (§4.4). C4's
// callers (C5's message processor, C7's outbound service) operate
// exclusively through Manager, never touching mlsengine.Engine
// directly.
type Manager struct {
	engine mlsengine.Engine
}

func NewManager(engine mlsengine.Engine) *Manager {
	return &Manager{engine: engine}
}

// roleOf defaults an unrecognized user to Outsider, matching a group
// member list that predates role bookkeeping (e.g. a freshly-joined
// group whose other members' roles are not yet known).
func roleOf(policy RoomPolicy, userID string) Role {
	if r, ok := policy[userID]; ok {
		return r
	}
	return RoleOutsider
}

func toEngineGroup(g *store.Group) (*mlsengine.Group, error) {
	state, err := unmarshalGroupState(g.RatchetTree)
	if err != nil {
		return nil, err
	}
	pending, err := unmarshalProposals(g.PendingProposals)
	if err != nil {
		return nil, err
	}
	return &mlsengine.Group{
		GroupID:                g.GroupID,
		Epoch:                  g.Epoch,
		Members:                state.Members,
		OwnLeafIndex:           g.OwnLeafIndex,
		Secret:                 g.GroupStateEARKey,
		GroupData:              g.GroupData,
		IdentityLinkWrapperKey: g.IdentityLinkWrapperKey,
		TranscriptHash:         state.TranscriptHash,
		PendingProposals:       pending,
	}, nil
}

// buildStoreGroup serializes an mlsengine.Group and a room policy back
// into the store's opaque-blob representation, preserving createdAt
// across updates.
func buildStoreGroup(eg *mlsengine.Group, policy RoomPolicy, state store.GroupState, createdAt, updatedAt time.Time) (*store.Group, error) {
	ratchetTree, err := marshalGroupState(eg)
	if err != nil {
		return nil, err
	}
	roomState, err := policy.marshal()
	if err != nil {
		return nil, err
	}
	proposals, err := marshalProposals(eg.PendingProposals)
	if err != nil {
		return nil, err
	}
	return &store.Group{
		GroupID:                eg.GroupID,
		Epoch:                  eg.Epoch,
		OwnLeafIndex:           eg.OwnLeafIndex,
		RatchetTree:            ratchetTree,
		GroupStateEARKey:       eg.Secret,
		IdentityLinkWrapperKey: eg.IdentityLinkWrapperKey,
		RoomState:              roomState,
		PendingProposals:       proposals,
		GroupData:              eg.GroupData,
		State:                  state,
		CreatedAt:              createdAt,
		UpdatedAt:              updatedAt,
	}, nil
}

// CreateGroup initializes a new MLS group and room policy with the
// creator as Owner, per §4.4's create_group.
func (m *Manager) CreateGroup(ctx context.Context, tx *store.Tx, groupID string, creator mlsengine.Credential, creatorEncKey, groupData, identityLinkWrapperKey []byte, now time.Time) (*store.Group, error) {
	eg, err := m.engine.CreateGroup(groupID, creator, creatorEncKey, groupData, identityLinkWrapperKey)
	if err != nil {
		return nil, err
	}
	policy := RoomPolicy{creator.UserID: RoleOwner}
	sg, err := buildStoreGroup(eg, policy, store.GroupStateClean, now, now)
	if err != nil {
		return nil, err
	}
	if err := tx.InsertGroup(ctx, sg); err != nil {
		return nil, err
	}
	return sg, nil
}

// JoinGroup consumes a Welcome (§4.4's join_group). The leaf-0 member is
// assumed to be the group's creator and recorded as Owner; every other
// member (including self) defaults to Regular until a later
// room_state_change_role call or membership commit corrects it — the
// Welcome carries no role information of its own, so this convention
// is the best available default and is documented here rather than
// left implicit.
func (m *Manager) JoinGroup(ctx context.Context, tx *store.Tx, welcome *mlsengine.Welcome, ownLeafIndex uint32, recipient crypto.HPKEKeyPair, now time.Time) (*store.Group, error) {
	eg, err := m.engine.JoinGroup(welcome, ownLeafIndex, recipient)
	if err != nil {
		return nil, err
	}
	policy := defaultPolicyFromMembers(eg.Members)
	sg, err := buildStoreGroup(eg, policy, store.GroupStateClean, now, now)
	if err != nil {
		return nil, err
	}
	if err := tx.InsertGroup(ctx, sg); err != nil {
		return nil, err
	}
	return sg, nil
}

// JoinExternally performs an external commit to join a brand-new group
// (AADTagJoinConnectionGroup), per §4.4's join_group_externally.
func (m *Manager) JoinExternally(ctx context.Context, tx *store.Tx, info *mlsengine.ExternalCommitInfo, joiner mlsengine.Credential, joinerEncKey []byte, aad mlsengine.AAD, signer *crypto.Signer, now time.Time) (*store.Group, *mlsengine.Commit, error) {
	eg, commit, err := m.engine.JoinExternally(info, joiner, joinerEncKey, aad, signer)
	if err != nil {
		return nil, nil, err
	}
	policy := defaultPolicyFromMembers(eg.Members)
	sg, err := buildStoreGroup(eg, policy, store.GroupStateClean, now, now)
	if err != nil {
		return nil, nil, err
	}
	if err := tx.InsertGroup(ctx, sg); err != nil {
		return nil, nil, err
	}
	return sg, commit, nil
}

// Resync performs an external commit against an existing (previously
// Resyncing) group, tagging the commit AADTagResync and transitioning
// the group back to Clean on success, per §4.4's state machine
// ("external commit accepted after missed commits → Resyncing →
// Clean") and original_source/coreclient/src/outbound_service/resync.rs.
func (m *Manager) Resync(ctx context.Context, tx *store.Tx, existing *store.Group, info *mlsengine.ExternalCommitInfo, self mlsengine.Credential, selfEncKey []byte, signer *crypto.Signer, now time.Time) (*store.Group, *mlsengine.Commit, error) {
	eg, commit, err := m.engine.JoinExternally(info, self, selfEncKey, mlsengine.AAD{Tag: mlsengine.AADTagResync}, signer)
	if err != nil {
		return nil, nil, err
	}
	policy, err := unmarshalRoomPolicy(existing.RoomState)
	if err != nil {
		return nil, nil, err
	}
	policy = reconcilePolicy(policy, eg.Members)
	sg, err := buildStoreGroup(eg, policy, store.GroupStateClean, existing.CreatedAt, now)
	if err != nil {
		return nil, nil, err
	}
	if err := tx.UpdateGroup(ctx, sg); err != nil {
		return nil, nil, err
	}
	return sg, commit, nil
}

// EncryptApplication seals plaintext as an application message at g's
// current epoch, for a caller (C6's targeted-message connection request,
// C7's outbound service) that already holds the group in memory and
// only needs the wire ciphertext — no state transition results, so this
// takes no *store.Tx.
func (m *Manager) EncryptApplication(g *store.Group, plaintext []byte) (ciphertext, nonce []byte, err error) {
	eg, err := toEngineGroup(g)
	if err != nil {
		return nil, nil, err
	}
	return m.engine.EncryptApplication(eg, plaintext)
}

// Members decodes g's current membership list without requiring a
// caller to hold an *mlsengine.Group — used by callers that only need to
// resolve a leaf index to a credential (e.g. C5's sender lookups).
func Members(g *store.Group) ([]mlsengine.Member, error) {
	state, err := unmarshalGroupState(g.RatchetTree)
	if err != nil {
		return nil, err
	}
	return state.Members, nil
}

// AddMember proposes adding member to g, enforcing that actorUserID
// currently holds a role permitting the change.
func (m *Manager) AddMember(g *store.Group, actorUserID string, member mlsengine.Credential, memberEncKey []byte, signer *crypto.Signer) (*mlsengine.Commit, *mlsengine.Welcome, error) {
	policy, err := unmarshalRoomPolicy(g.RoomState)
	if err != nil {
		return nil, nil, err
	}
	if !canChangeRole(roleOf(policy, actorUserID), RoleRegular, RoleOutsider) {
		return nil, nil, errors.WithKind(
			errors.Newf("user %s is not permitted to add members to group %s", actorUserID, g.GroupID),
			errors.KindFailedPrecondition)
	}
	eg, err := toEngineGroup(g)
	if err != nil {
		return nil, nil, err
	}
	return m.engine.AddMember(eg, member, memberEncKey, signer)
}

// RemoveMember proposes removing the member at leafIndex, enforcing the
// same role-permission invariant as AddMember.
func (m *Manager) RemoveMember(g *store.Group, actorUserID string, leafIndex uint32, signer *crypto.Signer) (*mlsengine.Commit, error) {
	policy, err := unmarshalRoomPolicy(g.RoomState)
	if err != nil {
		return nil, err
	}
	eg, err := toEngineGroup(g)
	if err != nil {
		return nil, err
	}
	subjectUserID := ""
	for _, mem := range eg.Members {
		if mem.LeafIndex == leafIndex {
			subjectUserID = mem.Credential.UserID
			break
		}
	}
	if !canChangeRole(roleOf(policy, actorUserID), RoleOutsider, roleOf(policy, subjectUserID)) {
		return nil, errors.WithKind(
			errors.Newf("user %s is not permitted to remove leaf %d from group %s", actorUserID, leafIndex, g.GroupID),
			errors.KindFailedPrecondition)
	}
	return m.engine.RemoveMember(eg, leafIndex, signer)
}

// ProcessMessage decrypts/validates an incoming protocol message and,
// for a proposal, transitions the group to Dirty and persists the
// pending proposal — the Clean→Dirty edge of §4.4's state machine.
func (m *Manager) ProcessMessage(ctx context.Context, tx *store.Tx, g *store.Group, msg *mlsengine.ProtocolMessage, now time.Time) (*mlsengine.ProcessedMessage, error) {
	eg, err := toEngineGroup(g)
	if err != nil {
		return nil, err
	}
	result, err := m.engine.ProcessMessage(eg, msg)
	if err != nil {
		return nil, err
	}
	if result.Proposal != nil {
		eg.PendingProposals = append(eg.PendingProposals, *result.Proposal)
		policy, perr := unmarshalRoomPolicy(g.RoomState)
		if perr != nil {
			return nil, perr
		}
		// A remove proposal records its subject as Outsider immediately,
		// not only once the commit merges; this applies whoever proposed
		// the removal, the subject itself included.
		if result.Proposal.Kind == mlsengine.ProposalRemove && result.Proposal.RemoveIdx != nil {
			for _, mem := range eg.Members {
				if mem.LeafIndex == *result.Proposal.RemoveIdx {
					policy[mem.Credential.UserID] = RoleOutsider
				}
			}
		}
		updated, berr := buildStoreGroup(eg, policy, store.GroupStateDirty, g.CreatedAt, now)
		if berr != nil {
			return nil, berr
		}
		if err := tx.UpdateGroup(ctx, updated); err != nil {
			return nil, err
		}
		*g = *updated
	}
	return result, nil
}

// MergeCommit applies a staged commit, updates the room policy for any
// add/remove it performed, emits SystemMessages for each change, and
// resolves the group back to Clean — covering both "our commit sent →
// Clean on confirmation" and "external commit accepted after missed
// commits → Resyncing → Clean", since merging always clears pending
// proposals (mlsengine's own key-schedule invariant) and there is no
// intermediate state a successful merge can leave the group in.
func (m *Manager) MergeCommit(ctx context.Context, tx *store.Tx, g *store.Group, staged *mlsengine.StagedCommit, envelopeTimestamp time.Time) (*mlsengine.MergeResult, []SystemMessage, error) {
	eg, err := toEngineGroup(g)
	if err != nil {
		return nil, nil, err
	}
	previousMembers := eg.Members
	result, err := m.engine.MergePendingCommit(eg, staged)
	if err != nil {
		return nil, nil, err
	}

	policy, err := unmarshalRoomPolicy(g.RoomState)
	if err != nil {
		return nil, nil, err
	}
	var sysMsgs []SystemMessage
	for _, added := range result.Added {
		policy[added.UserID] = RoleRegular
		sysMsgs = append(sysMsgs, SystemMessage{
			GroupID: g.GroupID, Kind: SystemMessageMemberAdded, Subject: added.UserID, Timestamp: envelopeTimestamp,
		})
	}
	for _, idx := range result.Removed {
		userID := ""
		for _, mem := range previousMembers {
			if mem.LeafIndex == idx {
				userID = mem.Credential.UserID
				break
			}
		}
		if userID == "" {
			continue
		}
		policy[userID] = RoleOutsider
		kind := SystemMessageMemberRemoved
		if idx == g.OwnLeafIndex {
			kind = SystemMessageSelfRemoved
		}
		sysMsgs = append(sysMsgs, SystemMessage{
			GroupID: g.GroupID, Kind: kind, Subject: userID, Timestamp: envelopeTimestamp,
		})
	}

	updated, err := buildStoreGroup(result.Group, policy, store.GroupStateClean, g.CreatedAt, envelopeTimestamp)
	if err != nil {
		return nil, nil, err
	}
	if err := tx.UpdateGroup(ctx, updated); err != nil {
		return nil, nil, err
	}
	return result, sysMsgs, nil
}

// MarkResyncing transitions a group into Resyncing and updates g in
// place. No other package in this module calls it; a ratchet or DS
// TooDistantInThePast error does not by itself set this state.
func (m *Manager) MarkResyncing(ctx context.Context, tx *store.Tx, g *store.Group, now time.Time) error {
	updated := *g
	updated.State = store.GroupStateResyncing
	updated.UpdatedAt = now
	if err := tx.UpdateGroup(ctx, &updated); err != nil {
		return err
	}
	*g = updated
	return nil
}

// ChangeRole implements room_state_change_role directly (§4.4), for
// cases outside the add/remove commit flow (e.g. promoting a Regular
// member to Owner).
func (m *Manager) ChangeRole(ctx context.Context, tx *store.Tx, g *store.Group, actorUserID, subjectUserID string, newRole Role, now time.Time) error {
	policy, err := unmarshalRoomPolicy(g.RoomState)
	if err != nil {
		return err
	}
	if !canChangeRole(roleOf(policy, actorUserID), newRole, roleOf(policy, subjectUserID)) {
		return errors.WithKind(
			errors.Newf("user %s is not permitted to change %s's role to %s in group %s", actorUserID, subjectUserID, newRole, g.GroupID),
			errors.KindFailedPrecondition)
	}
	policy[subjectUserID] = newRole
	roomState, err := policy.marshal()
	if err != nil {
		return err
	}
	updated := *g
	updated.RoomState = roomState
	updated.UpdatedAt = now
	if err := tx.UpdateGroup(ctx, &updated); err != nil {
		return err
	}
	*g = updated
	return nil
}

func defaultPolicyFromMembers(members []mlsengine.Member) RoomPolicy {
	policy := make(RoomPolicy, len(members))
	for _, mem := range members {
		if mem.LeafIndex == 0 {
			policy[mem.Credential.UserID] = RoleOwner
		} else {
			policy[mem.Credential.UserID] = RoleRegular
		}
	}
	return policy
}

// reconcilePolicy keeps known roles for members still present after a
// resync and defaults any newly-visible member to Regular.
func reconcilePolicy(existing RoomPolicy, members []mlsengine.Member) RoomPolicy {
	next := make(RoomPolicy, len(members))
	for _, mem := range members {
		if r, ok := existing[mem.Credential.UserID]; ok {
			next[mem.Credential.UserID] = r
			continue
		}
		next[mem.Credential.UserID] = RoleRegular
	}
	return next
}
