package transport

import (
	"context"
	"crypto/ed25519"

	"go.uber.org/zap"

	"github.com/aethermsg/chatcore/config"
	"github.com/aethermsg/chatcore/contact"
	"github.com/aethermsg/chatcore/crypto"
	"github.com/aethermsg/chatcore/mlsengine"
)

// DSClient implements contact.DS plus the rest of the Delivery Service's
// named RPC surface (§6: create_group, group_operation, welcome_info,
// external_commit_info, connection_group_info, join_connection_group,
// resync, self_remove, send_message, targeted_message, delete_group,
// update_profile_key, request_group_id, provision_attachment,
// get_attachment_url), each a signed POST mirroring the shape
// original_source/coreclient/src/clients/add_contact.rs's ds_* calls
// (ds_request_group_id, ds_targeted_message) generalize to.
type DSClient struct {
	baseClient
	verifyKey ed25519.PublicKey
}

var _ contact.DS = (*DSClient)(nil)

func NewDSClient(ep config.ServerEndpoint, signer *crypto.Signer, log *zap.SugaredLogger) *DSClient {
	c := &DSClient{baseClient: newBaseClient(ep.BaseURL, ep.Timeout, signer, log)}
	if len(ep.VerifyKey) > 0 {
		c.verifyKey = ed25519.PublicKey(ep.VerifyKey)
	}
	return c
}

type emptyRequest struct{ label string }

func (r emptyRequest) Label() string                   { return r.label }
func (r emptyRequest) CanonicalBytes() ([]byte, error) { return crypto.CanonicalJSON(struct{}{}) }

type reserveGroupIDResponse struct {
	GroupID string `json:"group_id"`
}

// ReserveGroupID implements request_group_id.
func (c *DSClient) ReserveGroupID(ctx context.Context) (string, error) {
	body, err := signedEnvelope(emptyRequest{label: "chatcore.ds.request-group-id.v1"}, c.signer)
	if err != nil {
		return "", err
	}
	var out reserveGroupIDResponse
	if err := c.postJSON(ctx, "/ds/group-ids", body, &out); err != nil {
		return "", err
	}
	return out.GroupID, nil
}

type createConnectionGroupRequest struct {
	GroupID                 string `json:"group_id"`
	GroupStateEARKey        []byte `json:"group_state_ear_key"`
	OwnClientReference      []byte `json:"own_client_reference"`
	EncryptedUserProfileKey []byte `json:"encrypted_user_profile_key"`
}

func (r createConnectionGroupRequest) Label() string { return "chatcore.ds.create-group.v1" }
func (r createConnectionGroupRequest) CanonicalBytes() ([]byte, error) {
	return crypto.CanonicalJSON(r)
}

// CreateConnectionGroup implements create_group for a fresh two-party
// connection group (§4.6 step 2).
func (c *DSClient) CreateConnectionGroup(ctx context.Context, groupID string, earKey []byte, ownClientReference, encryptedUserProfileKey []byte) error {
	body, err := signedEnvelope(createConnectionGroupRequest{
		GroupID: groupID, GroupStateEARKey: earKey,
		OwnClientReference: ownClientReference, EncryptedUserProfileKey: encryptedUserProfileKey,
	}, c.signer)
	if err != nil {
		return err
	}
	return c.postJSON(ctx, "/ds/groups", body, nil)
}

type groupInfoRequest struct {
	GroupID          string `json:"group_id"`
	GroupStateEARKey []byte `json:"group_state_ear_key"`
}

func (r groupInfoRequest) Label() string                   { return "chatcore.ds.connection-group-info.v1" }
func (r groupInfoRequest) CanonicalBytes() ([]byte, error) { return crypto.CanonicalJSON(r) }

// ConnectionGroupInfo implements connection_group_info: the DS's
// authoritative membership/group-data snapshot an external commit needs.
func (c *DSClient) ConnectionGroupInfo(ctx context.Context, groupID string, earKey []byte) (*mlsengine.ExternalCommitInfo, error) {
	body, err := signedEnvelope(groupInfoRequest{GroupID: groupID, GroupStateEARKey: earKey}, c.signer)
	if err != nil {
		return nil, err
	}
	var out mlsengine.ExternalCommitInfo
	if err := c.postJSONVerified(ctx, "/ds/groups/connection-info", body, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// ExternalCommitInfo implements external_commit_info: the general-group
// counterpart to ConnectionGroupInfo, used by the resync path (§4.7,
// outbound's processResync) rather than the two-party handshake.
func (c *DSClient) ExternalCommitInfo(ctx context.Context, groupID string, earKey []byte) (*mlsengine.ExternalCommitInfo, error) {
	body, err := signedEnvelope(groupInfoRequest{GroupID: groupID, GroupStateEARKey: earKey}, c.signer)
	if err != nil {
		return nil, err
	}
	var out mlsengine.ExternalCommitInfo
	if err := c.postJSON(ctx, "/ds/groups/external-commit-info", body, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

type joinConnectionGroupRequest struct {
	Commit             *mlsengine.Commit `json:"commit"`
	OwnClientReference []byte            `json:"own_client_reference"`
	GroupStateEARKey   []byte            `json:"group_state_ear_key"`
}

func (r joinConnectionGroupRequest) Label() string                   { return "chatcore.ds.join-connection-group.v1" }
func (r joinConnectionGroupRequest) CanonicalBytes() ([]byte, error) { return crypto.CanonicalJSON(r) }

// JoinConnectionGroup implements join_connection_group: submits the
// external commit produced by mlsgroup.Manager.JoinExternally.
func (c *DSClient) JoinConnectionGroup(ctx context.Context, commit *mlsengine.Commit, ownClientReference, earKey []byte) error {
	body, err := signedEnvelope(joinConnectionGroupRequest{
		Commit: commit, OwnClientReference: ownClientReference, GroupStateEARKey: earKey,
	}, c.signer)
	if err != nil {
		return err
	}
	return c.postJSON(ctx, "/ds/groups/join-connection", body, nil)
}

type targetedMessageRequest struct {
	GroupID       string `json:"group_id"`
	RecipientLeaf uint32 `json:"recipient_leaf"`
	Ciphertext    []byte `json:"ciphertext"`
	Nonce         []byte `json:"nonce"`
}

func (r targetedMessageRequest) Label() string                   { return "chatcore.ds.targeted-message.v1" }
func (r targetedMessageRequest) CanonicalBytes() ([]byte, error) { return crypto.CanonicalJSON(r) }

// SendTargetedMessage implements targeted_message: deliver ciphertext to
// exactly one group member's leaf, bypassing the rest (§4.6's
// add-contact-via-targeted-message path).
func (c *DSClient) SendTargetedMessage(ctx context.Context, groupID string, recipientLeaf uint32, ciphertext, nonce []byte) error {
	body, err := signedEnvelope(targetedMessageRequest{
		GroupID: groupID, RecipientLeaf: recipientLeaf, Ciphertext: ciphertext, Nonce: nonce,
	}, c.signer)
	if err != nil {
		return err
	}
	return c.postJSON(ctx, "/ds/messages/targeted", body, nil)
}

// sendMessageRequest's SuppressNotifications is optional (§4.1, §9): a
// nil value means the sender doesn't know about the field yet, and
// CanonicalBytes drops it entirely before signing so the signature
// matches what a pre-suppress_notifications DS/peer computes over the
// same payload — the legacy-compat shape CanonicalJSON's omit parameter
// exists for.
type sendMessageRequest struct {
	GroupID               string `json:"group_id"`
	Epoch                 uint64 `json:"epoch"`
	Ciphertext            []byte `json:"ciphertext"`
	Nonce                 []byte `json:"nonce"`
	SuppressNotifications *bool  `json:"suppress_notifications,omitempty"`
}

func (r sendMessageRequest) Label() string { return "chatcore.ds.send-message.v1" }

func (r sendMessageRequest) CanonicalBytes() ([]byte, error) {
	if r.SuppressNotifications == nil {
		return crypto.CanonicalJSON(r, "suppress_notifications")
	}
	return crypto.CanonicalJSON(r)
}

// SendMessage implements send_message: fan an application ciphertext out
// to every current member of groupID (the ordinary, non-targeted path).
// suppressNotifications is nil when the caller has no opinion, canonicalized
// to the legacy pre-suppress_notifications shape before signing (§4.1).
func (c *DSClient) SendMessage(ctx context.Context, groupID string, epoch uint64, ciphertext, nonce []byte, suppressNotifications *bool) error {
	body, err := signedEnvelope(sendMessageRequest{
		GroupID: groupID, Epoch: epoch, Ciphertext: ciphertext, Nonce: nonce,
		SuppressNotifications: suppressNotifications,
	}, c.signer)
	if err != nil {
		return err
	}
	return c.postJSON(ctx, "/ds/messages", body, nil)
}

type groupOperationRequest struct {
	GroupID string             `json:"group_id"`
	Commit  *mlsengine.Commit  `json:"commit"`
	Welcome *mlsengine.Welcome `json:"welcome,omitempty"`
}

func (r groupOperationRequest) Label() string                   { return "chatcore.ds.group-operation.v1" }
func (r groupOperationRequest) CanonicalBytes() ([]byte, error) { return crypto.CanonicalJSON(r) }

// GroupOperation implements group_operation: submit an add/remove commit
// (and, for an add, the resulting Welcome) against groupID's current
// epoch. The DS rejects a commit against a stale FromEpoch; that
// rejection comes back as an ordinary error and does not enqueue a
// resync.
func (c *DSClient) GroupOperation(ctx context.Context, groupID string, commit *mlsengine.Commit, welcome *mlsengine.Welcome) error {
	body, err := signedEnvelope(groupOperationRequest{GroupID: groupID, Commit: commit, Welcome: welcome}, c.signer)
	if err != nil {
		return err
	}
	return c.postJSON(ctx, "/ds/groups/operation", body, nil)
}

type welcomeInfoRequest struct {
	GroupID          string `json:"group_id"`
	GroupStateEARKey []byte `json:"group_state_ear_key"`
	AsOfEpoch        uint64 `json:"as_of_epoch"`
}

func (r welcomeInfoRequest) Label() string                   { return "chatcore.ds.welcome-info.v1" }
func (r welcomeInfoRequest) CanonicalBytes() ([]byte, error) { return crypto.CanonicalJSON(r) }

// WelcomeInfo implements welcome_info: fetch the ratchet-tree state a
// freshly-joined member's local Welcome omitted (the full membership
// list at the epoch the commit produced).
func (c *DSClient) WelcomeInfo(ctx context.Context, groupID string, earKey []byte, asOfEpoch uint64) (*mlsengine.ExternalCommitInfo, error) {
	body, err := signedEnvelope(welcomeInfoRequest{GroupID: groupID, GroupStateEARKey: earKey, AsOfEpoch: asOfEpoch}, c.signer)
	if err != nil {
		return nil, err
	}
	var out mlsengine.ExternalCommitInfo
	if err := c.postJSONVerified(ctx, "/ds/groups/welcome-info", body, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

type resyncRequest struct {
	GroupID          string            `json:"group_id"`
	GroupStateEARKey []byte            `json:"group_state_ear_key"`
	Commit           *mlsengine.Commit `json:"commit"`
}

func (r resyncRequest) Label() string                   { return "chatcore.ds.resync.v1" }
func (r resyncRequest) CanonicalBytes() ([]byte, error) { return crypto.CanonicalJSON(r) }

// Resync implements resync: submit the external-commit recovery
// mlsgroup.Manager.Resync produces after a TooDistantInThePast error
// (§4.7, grounded on original_source's outbound_service/resync.rs).
func (c *DSClient) Resync(ctx context.Context, groupID string, earKey []byte, commit *mlsengine.Commit) error {
	body, err := signedEnvelope(resyncRequest{GroupID: groupID, GroupStateEARKey: earKey, Commit: commit}, c.signer)
	if err != nil {
		return err
	}
	return c.postJSON(ctx, "/ds/groups/resync", body, nil)
}

type selfRemoveRequest struct {
	GroupID          string `json:"group_id"`
	GroupStateEARKey []byte `json:"group_state_ear_key"`
}

func (r selfRemoveRequest) Label() string                   { return "chatcore.ds.self-remove.v1" }
func (r selfRemoveRequest) CanonicalBytes() ([]byte, error) { return crypto.CanonicalJSON(r) }

// SelfRemove implements self_remove: leave groupID voluntarily.
func (c *DSClient) SelfRemove(ctx context.Context, groupID string, earKey []byte) error {
	body, err := signedEnvelope(selfRemoveRequest{GroupID: groupID, GroupStateEARKey: earKey}, c.signer)
	if err != nil {
		return err
	}
	return c.postJSON(ctx, "/ds/groups/self-remove", body, nil)
}

type deleteGroupRequest struct {
	GroupID          string `json:"group_id"`
	GroupStateEARKey []byte `json:"group_state_ear_key"`
}

func (r deleteGroupRequest) Label() string                   { return "chatcore.ds.delete-group.v1" }
func (r deleteGroupRequest) CanonicalBytes() ([]byte, error) { return crypto.CanonicalJSON(r) }

// DeleteGroup implements delete_group: the owner tears down groupID for
// every member (distinct from SelfRemove, which only leaves it).
func (c *DSClient) DeleteGroup(ctx context.Context, groupID string, earKey []byte) error {
	body, err := signedEnvelope(deleteGroupRequest{GroupID: groupID, GroupStateEARKey: earKey}, c.signer)
	if err != nil {
		return err
	}
	return c.postJSON(ctx, "/ds/groups/delete", body, nil)
}

type updateProfileKeyRequest struct {
	GroupID                 string `json:"group_id"`
	GroupStateEARKey        []byte `json:"group_state_ear_key"`
	EncryptedUserProfileKey []byte `json:"encrypted_user_profile_key"`
}

func (r updateProfileKeyRequest) Label() string                   { return "chatcore.ds.update-profile-key.v1" }
func (r updateProfileKeyRequest) CanonicalBytes() ([]byte, error) { return crypto.CanonicalJSON(r) }

// UpdateProfileKey implements update_profile_key: rotate the
// IdentityLinkWrapperKey-wrapped profile key every member of groupID
// sees, without requiring an epoch-advancing commit (§4.4/§9).
func (c *DSClient) UpdateProfileKey(ctx context.Context, groupID string, earKey, encryptedUserProfileKey []byte) error {
	body, err := signedEnvelope(updateProfileKeyRequest{
		GroupID: groupID, GroupStateEARKey: earKey, EncryptedUserProfileKey: encryptedUserProfileKey,
	}, c.signer)
	if err != nil {
		return err
	}
	return c.postJSON(ctx, "/ds/groups/update-profile-key", body, nil)
}

// AttachmentUploadInfo is what provision_attachment returns: either a
// presigned PUT URL or a presigned POST policy document (§4.8).
type AttachmentUploadInfo struct {
	Method string            `json:"method"` // "PUT" or "POST"
	URL    string            `json:"url"`
	Fields map[string]string `json:"fields,omitempty"` // POST policy fields, echoed verbatim
}

type provisionAttachmentRequest struct {
	ChatID      string `json:"chat_id"`
	ContentHash string `json:"content_hash"`
	Size        int64  `json:"size"`
}

func (r provisionAttachmentRequest) Label() string                   { return "chatcore.ds.provision-attachment.v1" }
func (r provisionAttachmentRequest) CanonicalBytes() ([]byte, error) { return crypto.CanonicalJSON(r) }

// ProvisionAttachment implements provision_attachment: request upload
// credentials for a ciphertext blob of the given size/hash (§4.8).
func (c *DSClient) ProvisionAttachment(ctx context.Context, chatID, contentHash string, size int64) (*AttachmentUploadInfo, error) {
	body, err := signedEnvelope(provisionAttachmentRequest{ChatID: chatID, ContentHash: contentHash, Size: size}, c.signer)
	if err != nil {
		return nil, err
	}
	var out AttachmentUploadInfo
	if err := c.postJSON(ctx, "/ds/attachments/provision", body, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

type getAttachmentURLRequest struct {
	AttachmentID string `json:"attachment_id"`
}

func (r getAttachmentURLRequest) Label() string                   { return "chatcore.ds.get-attachment-url.v1" }
func (r getAttachmentURLRequest) CanonicalBytes() ([]byte, error) { return crypto.CanonicalJSON(r) }

type getAttachmentURLResponse struct {
	URL string `json:"url"`
}

// GetAttachmentURL implements get_attachment_url: a presigned GET for
// downloading an already-uploaded ciphertext blob.
func (c *DSClient) GetAttachmentURL(ctx context.Context, attachmentID string) (string, error) {
	body, err := signedEnvelope(getAttachmentURLRequest{AttachmentID: attachmentID}, c.signer)
	if err != nil {
		return "", err
	}
	var out getAttachmentURLResponse
	if err := c.postJSON(ctx, "/ds/attachments/url", body, &out); err != nil {
		return "", err
	}
	return out.URL, nil
}
