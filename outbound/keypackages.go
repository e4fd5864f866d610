package outbound

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/aethermsg/chatcore/crypto"
	"github.com/aethermsg/chatcore/errors"
	"github.com/aethermsg/chatcore/internal/util"
	"github.com/aethermsg/chatcore/store"
)

// runKeyPackageUpload tops the client's published key package pool back
// up to cfg.KeyPackageTargetCount (§12 item 3's supplemented timed
// task). The low-level MLS key package format itself is out of scope
// (mlsengine's non-goal: "low-level MLS primitives assumed provided"),
// so the bundle here is the same self-certifying {credential,
// encryption key} shape contact.ConnectionPackage already uses for
// connection handshakes.
func (w *Worker) runKeyPackageUpload(ctx context.Context) error {
	live, err := w.store.CountLiveKeyPackages(ctx)
	if err != nil {
		return err
	}
	need := w.cfg.KeyPackageTargetCount - live
	if need <= 0 {
		return nil
	}

	packages := make([]KeyPackage, 0, need)
	records := make([]*store.KeyPackageRecord, 0, need)
	now := time.Now()

	for i := 0; i < need; i++ {
		kp, err := crypto.GenerateHPKEKeyPair()
		if err != nil {
			return errors.Wrap(err, "generate key package HPKE keypair")
		}
		pub, err := crypto.MarshalHPKEPublicKey(kp.Public)
		if err != nil {
			return errors.Wrap(err, "marshal key package public key")
		}

		id := uuid.New().String()
		lastResort := live == 0 && i == 0

		packages = append(packages, KeyPackage{
			KeyPackageID:  id,
			Credential:    w.self,
			EncryptionKey: pub,
			LastResort:    lastResort,
		})
		records = append(records, &store.KeyPackageRecord{
			KeyPackageID: id,
			Status:       store.KeyPackageLive,
			LastResort:   lastResort,
			CreatedAt:    now,
		})
	}

	if err := w.qs.PublishKeyPackages(ctx, w.clientID, packages); err != nil {
		return err
	}

	return w.store.WithTx(ctx, func(tx *store.Tx) error {
		for _, rec := range records {
			if err := tx.UpsertKeyPackage(ctx, rec); err != nil {
				return err
			}
		}
		return nil
	})
}

// runPushTokenResubmit re-submits the client's current push token to the
// QS when due, per §13 Open Question (c): the RFC3339Nano-stored
// RetryAfter clamp gates resubmission, with a flat backoff on failure
// since PushTokenState carries no attempt counter to escalate from.
func (w *Worker) runPushTokenResubmit(ctx context.Context) error {
	state, err := w.store.GetPushTokenState(ctx, w.clientID)
	if errors.IsKind(err, errors.KindNotFound) {
		return nil
	}
	if err != nil {
		return err
	}

	now := time.Now()
	if state.RetryAfter != nil && state.RetryAfter.After(now) {
		return nil
	}

	submitErr := w.qs.ResubmitPushToken(ctx, w.clientID, state.Token)

	next := *state
	if submitErr != nil {
		next.RetryAfter = util.Ptr(now.Add(w.cfg.ResyncBackoffBase))
	} else {
		next.LastSubmittedAt = util.Ptr(now)
		next.RetryAfter = nil
	}

	if err := w.store.WithTx(ctx, func(tx *store.Tx) error {
		return tx.UpsertPushTokenState(ctx, &next)
	}); err != nil {
		return err
	}

	return submitErr
}
