package panel

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"

	"github.com/gridflow/gridflow/pkg/schema"
)

// SignatureHeader carries the hex HMAC-SHA256 of the raw request body,
// keyed by the graph's webhook signing secret.
const SignatureHeader = "X-Gridflow-Signature"

const maxWebhookBody = 1 << 20 // 1MB

// webhookSecretKey composes the vault key for a graph's signing secret.
func webhookSecretKey(tenantID, graphID string) string {
	return fmt.Sprintf("%s/webhook.%s", tenantID, graphID)
}

// handleInboundWebhook accepts an external delivery and starts the graph
// asynchronously. When a signing secret exists for the graph, the delivery
// must carry a valid signature; without one, the endpoint is open and the
// graph's trigger accept-list is the only filter.
func (s *Server) handleInboundWebhook(w http.ResponseWriter, r *http.Request) {
	tenantID := tenantOf(r)
	graphID := r.PathValue("graphID")

	body, err := io.ReadAll(io.LimitReader(r.Body, maxWebhookBody))
	if err != nil {
		writeError(w, http.StatusBadRequest, "failed to read body")
		return
	}

	if ok, verr := s.verifySignature(r, tenantID, graphID, body); verr != nil {
		writeFlowError(w, verr)
		return
	} else if !ok {
		writeError(w, http.StatusUnauthorized, "invalid webhook signature")
		return
	}

	var payload map[string]any
	if len(body) > 0 {
		if err := json.Unmarshal(body, &payload); err != nil {
			writeError(w, http.StatusBadRequest, fmt.Sprintf("invalid JSON: %v", err))
			return
		}
	}

	if err := s.deps.Flows.Webhook(r.Context(), tenantID, graphID, r.URL.Path, payload); err != nil {
		writeFlowError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]any{"accepted": true, "graph_id": graphID})
}

// verifySignature checks the delivery against the graph's signing secret.
// No vault or no stored secret means the check is skipped.
func (s *Server) verifySignature(r *http.Request, tenantID, graphID string, body []byte) (bool, error) {
	if s.deps.Vault == nil {
		return true, nil
	}

	secret, err := s.deps.Vault.Resolve(r.Context(), webhookSecretKey(tenantID, graphID))
	if err != nil {
		var flowErr *schema.FlowError
		if asFlowError(err, &flowErr) && flowErr.Code == schema.ErrCodeNotFound {
			return true, nil
		}
		return false, err
	}

	mac := hmac.New(sha256.New, secret)
	mac.Write(body)
	want := hex.EncodeToString(mac.Sum(nil))
	return hmac.Equal([]byte(want), []byte(r.Header.Get(SignatureHeader))), nil
}

// --- Signing secret management ---

func (s *Server) handleListSecrets(w http.ResponseWriter, r *http.Request) {
	if s.deps.Vault == nil {
		writeError(w, http.StatusServiceUnavailable, "secret vault is not configured")
		return
	}
	tenantID := tenantOf(r)

	keys, err := s.deps.Vault.List(r.Context(), tenantID+"/")
	if err != nil {
		writeFlowError(w, err)
		return
	}
	names := make([]string, 0, len(keys))
	for _, k := range keys {
		names = append(names, k[len(tenantID)+1:])
	}
	writeJSON(w, http.StatusOK, map[string]any{"secrets": names})
}

func (s *Server) handlePutSecret(w http.ResponseWriter, r *http.Request) {
	if s.deps.Vault == nil {
		writeError(w, http.StatusServiceUnavailable, "secret vault is not configured")
		return
	}

	var body struct {
		Value string `json:"value"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("invalid JSON: %v", err))
		return
	}
	if body.Value == "" {
		writeError(w, http.StatusBadRequest, "value is required")
		return
	}

	key := tenantOf(r) + "/" + r.PathValue("name")
	if err := s.deps.Vault.Store(r.Context(), key, []byte(body.Value)); err != nil {
		writeFlowError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"name": r.PathValue("name")})
}

func (s *Server) handleDeleteSecret(w http.ResponseWriter, r *http.Request) {
	if s.deps.Vault == nil {
		writeError(w, http.StatusServiceUnavailable, "secret vault is not configured")
		return
	}

	key := tenantOf(r) + "/" + r.PathValue("name")
	if err := s.deps.Vault.Delete(r.Context(), key); err != nil {
		writeFlowError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"name": r.PathValue("name")})
}
