package sessions

import (
	"crypto/hmac"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/base64"
	"encoding/json"
	"errors"

	"github.com/relaymesh/plansolve/pkg/models"
)

// ErrStateInvalid is returned when a signed state blob fails integrity
// verification (unknown key, wrong signature, or corrupt payload).
var ErrStateInvalid = errors.New("session: signed state integrity check failed")

// exportedState is the canonical payload signed into a state blob.
type exportedState struct {
	SessionID         string            `json:"session_id"`
	PipelineState     models.PipelineState `json:"pipeline_state"`
	Tasks             []*models.Task    `json:"tasks"`
	LastSeq           int64             `json:"last_seq"`
	LastClientAckSeq  int64             `json:"last_client_ack_seq"`
	AgentSnapshot     json.RawMessage   `json:"agent_snapshot,omitempty"`
}

// StateSigner produces and verifies signed state blobs using a
// process-held HMAC key. The key is read-only after init and rotated only
// by restarting the process, per the concurrency model.
type StateSigner struct {
	key []byte
}

// NewStateSigner creates a signer from the configured secret.
func NewStateSigner(secret string) *StateSigner {
	return &StateSigner{key: []byte(secret)}
}

// Export serializes the session's resumable state into an opaque,
// base64-encoded blob with an appended HMAC-SHA256 signature.
func (s *StateSigner) Export(sess *Session) (string, error) {
	sess.mu.Lock()
	payload := exportedState{
		SessionID:        sess.ID,
		PipelineState:    sess.PipelineState,
		Tasks:            sess.Tasks,
		LastSeq:          sess.seq,
		LastClientAckSeq: sess.LastClientAckSeq,
		AgentSnapshot:    sess.AgentSnapshot,
	}
	sess.mu.Unlock()

	body, err := json.Marshal(payload)
	if err != nil {
		return "", err
	}

	mac := hmac.New(sha256.New, s.key)
	mac.Write(body)
	sig := mac.Sum(nil)

	blob := struct {
		Payload json.RawMessage `json:"payload"`
		Sig     string          `json:"sig"`
	}{
		Payload: body,
		Sig:     base64.StdEncoding.EncodeToString(sig),
	}

	out, err := json.Marshal(blob)
	if err != nil {
		return "", err
	}
	return base64.StdEncoding.EncodeToString(out), nil
}

// Verify checks the blob's signature and returns the decoded state.
// Any single-bit mutation of payload or signature is rejected.
func (s *StateSigner) Verify(blob string) (*exportedState, error) {
	raw, err := base64.StdEncoding.DecodeString(blob)
	if err != nil {
		return nil, ErrStateInvalid
	}

	var wrapped struct {
		Payload json.RawMessage `json:"payload"`
		Sig     string          `json:"sig"`
	}
	if err := json.Unmarshal(raw, &wrapped); err != nil {
		return nil, ErrStateInvalid
	}

	wantSig, err := base64.StdEncoding.DecodeString(wrapped.Sig)
	if err != nil {
		return nil, ErrStateInvalid
	}

	mac := hmac.New(sha256.New, s.key)
	mac.Write(wrapped.Payload)
	gotSig := mac.Sum(nil)

	if subtle.ConstantTimeCompare(wantSig, gotSig) != 1 {
		return nil, ErrStateInvalid
	}

	var state exportedState
	if err := json.Unmarshal(wrapped.Payload, &state); err != nil {
		return nil, ErrStateInvalid
	}
	return &state, nil
}
