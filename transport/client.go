// Package transport implements HTTP+JSON clients for the three federated
// services the chat core depends on (§6): the Authentication Service
// (AS), the Delivery Service (DS), and the Queue Service (QS). Every RPC
// in the distilled spec's surface is modeled as a signed JSON POST over
// internal/httpclient.SaferClient, with streaming RPCs (listen_handle,
// listen_queue) carried over a gorilla/websocket connection instead of
// long-polling.
//
// No literal gRPC stubs are generated here (see DESIGN.md for why); the
// request-signing discipline (label mixed into the signature, per §6)
// is the same crypto.Sign/crypto.Verify envelope C1 already defines for
// ConnectionPackage and connection offers.
package transport

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/aethermsg/chatcore/crypto"
	"github.com/aethermsg/chatcore/errors"
	"github.com/aethermsg/chatcore/internal/httpclient"
)

// baseClient is embedded by ASClient/DSClient/QSClient: the shared
// signed-request/JSON-decode/retry plumbing every RPC method funnels
// through.
type baseClient struct {
	baseURL string
	http    *httpclient.SaferClient
	signer  *crypto.Signer
	log     *zap.SugaredLogger
	retry   retryConfig
}

func newBaseClient(baseURL string, timeout time.Duration, signer *crypto.Signer, log *zap.SugaredLogger) baseClient {
	return baseClient{
		baseURL: baseURL,
		http:    httpclient.NewSaferClient(timeout),
		signer:  signer,
		log:     log,
		retry:   defaultRetry,
	}
}

// signedEnvelope marshals a crypto.Payload through crypto.Sign (§6's
// "per-payload-type label mixed into the signature") and returns the
// resulting crypto.Request's own JSON encoding as the HTTP body.
func signedEnvelope(payload crypto.Payload, signer *crypto.Signer) ([]byte, error) {
	req, err := crypto.Sign(payload, signer)
	if err != nil {
		return nil, errors.Wrap(err, "sign request")
	}
	body, err := json.Marshal(req)
	if err != nil {
		return nil, errors.Wrap(err, "marshal signed request")
	}
	return body, nil
}

// doRequest POSTs body to path, retrying per c.retry, and returns the raw
// response body and headers (the latter needed by callers like
// postJSONVerified that must inspect a response header before decoding).
func (c *baseClient) doRequest(ctx context.Context, path string, body []byte) ([]byte, http.Header, error) {
	var respBody []byte
	var header http.Header
	err := withRetry(ctx, c.log, c.retry, path, func() error {
		httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(body))
		if err != nil {
			return errors.Wrap(err, "build request")
		}
		httpReq.Header.Set("Content-Type", "application/json")

		resp, err := c.http.Do(httpReq)
		if err != nil {
			return errors.WithKind(errors.Wrapf(err, "%s: request failed", path), errors.KindTransport)
		}
		defer resp.Body.Close()

		respBody, err = io.ReadAll(resp.Body)
		if err != nil {
			return errors.WithKind(errors.Wrapf(err, "%s: read response", path), errors.KindTransport)
		}

		if resp.StatusCode < 200 || resp.StatusCode >= 300 {
			return errors.WithKind(errors.Newf("%s: status %d: %s", path, resp.StatusCode, string(respBody)), statusToKind(resp.StatusCode))
		}
		header = resp.Header
		return nil
	})
	return respBody, header, err
}

// postJSON POSTs body to path, retrying per c.retry, and decodes the
// response into out (skipped if out is nil, e.g. for RPCs with an empty
// response body like delete_user).
func (c *baseClient) postJSON(ctx context.Context, path string, body []byte, out interface{}) error {
	respBody, _, err := c.doRequest(ctx, path, body)
	if err != nil {
		return err
	}
	if out == nil || len(respBody) == 0 {
		return nil
	}
	if err := json.Unmarshal(respBody, out); err != nil {
		return errors.Wrapf(err, "%s: decode response", path)
	}
	return nil
}

// statusToKind maps an HTTP status to §7's error taxonomy, the same
// mapping every one of the three clients shares.
func statusToKind(status int) errors.Kind {
	switch status {
	case http.StatusUnauthorized, http.StatusForbidden:
		return errors.KindUnauthenticated
	case http.StatusNotFound:
		return errors.KindNotFound
	case http.StatusConflict:
		return errors.KindAlreadyExists
	case http.StatusBadRequest, http.StatusUnprocessableEntity:
		return errors.KindInvalidArgument
	case http.StatusPreconditionFailed:
		return errors.KindFailedPrecondition
	case http.StatusTooManyRequests, http.StatusServiceUnavailable, http.StatusGatewayTimeout:
		return errors.KindResourceExhausted
	case http.StatusInternalServerError, http.StatusBadGateway:
		return errors.KindTransport
	default:
		if status >= 500 {
			return errors.KindTransport
		}
		return errors.KindUnknown
	}
}

// wsURL rewrites the client's http(s) base URL to a ws(s) URL for a
// streaming endpoint.
func (c *baseClient) wsURL(path string) (string, error) {
	switch {
	case len(c.baseURL) >= 8 && c.baseURL[:8] == "https://":
		return "wss://" + c.baseURL[8:] + path, nil
	case len(c.baseURL) >= 7 && c.baseURL[:7] == "http://":
		return "ws://" + c.baseURL[7:] + path, nil
	default:
		return "", errors.Newf("unrecognized base URL scheme: %s", c.baseURL)
	}
}
