package transport

import (
	"context"

	"go.uber.org/zap"

	"github.com/aethermsg/chatcore/config"
	"github.com/aethermsg/chatcore/crypto"
	"github.com/aethermsg/chatcore/mlsengine"
)

// QSClient implements the Queue Service's named RPC surface (§6:
// publish_key_packages, listen_queue, update_client, create_client,
// delete_client, update_user, delete_user) — the client-registration and
// message-queue side of the federation, consumed by the outbound
// package's timed tasks (KeyPackageUpload, PushTokenResubmit) and by
// C3's queue ratchet (listen_queue feeds the encrypted frames
// ratchet.State decrypts).
type QSClient struct {
	baseClient
}

func NewQSClient(ep config.ServerEndpoint, signer *crypto.Signer, log *zap.SugaredLogger) *QSClient {
	return &QSClient{baseClient: newBaseClient(ep.BaseURL, ep.Timeout, signer, log)}
}

// KeyPackage is the self-certifying bundle a client publishes to the QS
// so others can Add it to a group without a prior handshake — the same
// self-signed shape as contact.ConnectionPackage, mirrored here rather
// than imported to keep transport free of a dependency on contact.
type KeyPackage struct {
	KeyPackageID  string               `json:"key_package_id"`
	Credential    mlsengine.Credential `json:"credential"`
	EncryptionKey []byte               `json:"encryption_key"`
	LastResort    bool                 `json:"last_resort"`
}

func (p KeyPackage) Label() string                   { return "chatcore.qs.key-package.v1" }
func (p KeyPackage) CanonicalBytes() ([]byte, error) { return crypto.CanonicalJSON(p) }

type publishKeyPackagesRequest struct {
	ClientID    string       `json:"client_id"`
	KeyPackages []KeyPackage `json:"key_packages"`
}

func (r publishKeyPackagesRequest) Label() string                   { return "chatcore.qs.publish-key-packages.v1" }
func (r publishKeyPackagesRequest) CanonicalBytes() ([]byte, error) { return crypto.CanonicalJSON(r) }

// PublishKeyPackages implements publish_key_packages: uploads a fresh
// batch (N fresh + at most one last-resort, per §4.7's KeyPackageUpload
// timed task).
func (c *QSClient) PublishKeyPackages(ctx context.Context, clientID string, packages []KeyPackage) error {
	body, err := signedEnvelope(publishKeyPackagesRequest{ClientID: clientID, KeyPackages: packages}, c.signer)
	if err != nil {
		return err
	}
	return c.postJSON(ctx, "/qs/key-packages", body, nil)
}

// QueueFrame is one frame of the listen_queue stream: an encrypted,
// sequence-numbered envelope C3's ratchet decrypts (§4.3).
type QueueFrame struct {
	QueueID        string `json:"queue_id"`
	SequenceNumber uint64 `json:"sequence_number"`
	Ciphertext     []byte `json:"ciphertext"`
	Nonce          []byte `json:"nonce"`
	EnqueuedAtUnix int64  `json:"enqueued_at_unix"`
}

// ListenQueue implements listen_queue: the long-lived stream of
// encrypted frames destined for queueID, fed to ratchet.State then
// inbound.Processor.ProcessBatch.
func (c *QSClient) ListenQueue(ctx context.Context, queueID string) (<-chan QueueFrame, func(), error) {
	url, err := c.wsURL("/qs/listen-queue?queue_id=" + queueID)
	if err != nil {
		return nil, nil, err
	}
	return listenStream[QueueFrame](ctx, url, c.log)
}

type clientRequest struct {
	label              string
	ClientID           string `json:"client_id"`
	QueueEncryptionKey []byte `json:"queue_encryption_key,omitempty"`
}

func (r clientRequest) Label() string                   { return r.label }
func (r clientRequest) CanonicalBytes() ([]byte, error) { return crypto.CanonicalJSON(r) }

// CreateClient implements create_client: register a new client id and
// its queue encryption key with the QS.
func (c *QSClient) CreateClient(ctx context.Context, clientID string, queueEncryptionKey []byte) error {
	body, err := signedEnvelope(clientRequest{label: "chatcore.qs.create-client.v1", ClientID: clientID, QueueEncryptionKey: queueEncryptionKey}, c.signer)
	if err != nil {
		return err
	}
	return c.postJSON(ctx, "/qs/clients", body, nil)
}

// UpdateClient implements update_client: rotate clientID's queue
// encryption key (the queue ratchet's re-keying path, §4.3).
func (c *QSClient) UpdateClient(ctx context.Context, clientID string, queueEncryptionKey []byte) error {
	body, err := signedEnvelope(clientRequest{label: "chatcore.qs.update-client.v1", ClientID: clientID, QueueEncryptionKey: queueEncryptionKey}, c.signer)
	if err != nil {
		return err
	}
	return c.postJSON(ctx, "/qs/clients/update", body, nil)
}

// DeleteClient implements delete_client.
func (c *QSClient) DeleteClient(ctx context.Context, clientID string) error {
	body, err := signedEnvelope(clientRequest{label: "chatcore.qs.delete-client.v1", ClientID: clientID}, c.signer)
	if err != nil {
		return err
	}
	return c.postJSON(ctx, "/qs/clients/delete", body, nil)
}

type resubmitPushTokenRequest struct {
	ClientID  string `json:"client_id"`
	PushToken string `json:"push_token"`
}

func (r resubmitPushTokenRequest) Label() string                   { return "chatcore.qs.resubmit-push-token.v1" }
func (r resubmitPushTokenRequest) CanonicalBytes() ([]byte, error) { return crypto.CanonicalJSON(r) }

// ResubmitPushToken re-submits clientID's push token to the QS, sharing
// update_client's endpoint with UpdateClient (§12's
// supplemented PushTokenResubmit timed task) but carrying only the
// token field, since a push-token resubmission never also rotates the
// queue encryption key.
func (c *QSClient) ResubmitPushToken(ctx context.Context, clientID, pushToken string) error {
	body, err := signedEnvelope(resubmitPushTokenRequest{ClientID: clientID, PushToken: pushToken}, c.signer)
	if err != nil {
		return err
	}
	return c.postJSON(ctx, "/qs/clients/update", body, nil)
}

type userRequest struct {
	label  string
	UserID string `json:"user_id"`
}

func (r userRequest) Label() string                   { return r.label }
func (r userRequest) CanonicalBytes() ([]byte, error) { return crypto.CanonicalJSON(r) }

// UpdateUser implements update_user: re-associate a user id with a
// (possibly changed) set of clients after a device add/remove.
func (c *QSClient) UpdateUser(ctx context.Context, userID string) error {
	body, err := signedEnvelope(userRequest{label: "chatcore.qs.update-user.v1", UserID: userID}, c.signer)
	if err != nil {
		return err
	}
	return c.postJSON(ctx, "/qs/users/update", body, nil)
}

// DeleteUser implements the QS-side delete_user, distinct from the AS's
// delete_user (ASClient.DeleteUser): this one tears down the user's
// queue registrations, not their directory identity.
func (c *QSClient) DeleteUser(ctx context.Context, userID string) error {
	body, err := signedEnvelope(userRequest{label: "chatcore.qs.delete-user.v1", UserID: userID}, c.signer)
	if err != nil {
		return err
	}
	return c.postJSON(ctx, "/qs/users/delete", body, nil)
}
