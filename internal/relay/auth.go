package relay

import (
	"context"
	"net/http"
	"time"

	icrypto "github.com/inkline-dev/inkline/internal/crypto"
)

type contextKey string

const deviceIDContextKey contextKey = "relay-device-id"

// currentDeviceID extracts the authenticated device id the auth
// middleware attached to the request context.
func currentDeviceID(ctx context.Context) (string, bool) {
	id, ok := ctx.Value(deviceIDContextKey).(string)
	return id, ok
}

// authMiddleware verifies the per-request Ed25519 signature over
// `timestamp || METHOD || path || query` (spec.md §6). A missing
// credential is only tolerated for POST /api/key-package, the
// bootstrapping endpoint — mirrors original_source/bolik_server's
// router::verify_signature.
func (s *Server) authMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		deviceID := r.Header.Get("device-id")
		timestamp := r.Header.Get("timestamp")
		signature := r.Header.Get("signature")

		if deviceID == "" || timestamp == "" || signature == "" {
			http.Error(w, "missing auth headers", http.StatusUnauthorized)
			return
		}

		sigBytes, err := icrypto.KeyFromID(signature)
		if err != nil {
			http.Error(w, "malformed signature", http.StatusUnauthorized)
			return
		}

		sigPub, err := s.store.credentialSigPub(r.Context(), deviceID)
		if err != nil {
			http.Error(w, "internal error", http.StatusInternalServerError)
			return
		}

		if sigPub == nil {
			if r.Method == http.MethodPost && r.URL.Path == "/api/key-package" {
				ctx := context.WithValue(r.Context(), deviceIDContextKey, deviceID)
				next.ServeHTTP(w, r.WithContext(ctx))
				return
			}
			http.Error(w, "unknown device", http.StatusUnauthorized)
			return
		}

		payload := buildSignedPayload(timestamp, r.Method, r.URL.Path, r.URL.RawQuery)
		if err := icrypto.Verify(sigPub, payload, icrypto.SignatureRecord{Algorithm: icrypto.AlgorithmEd25519, Bytes: sigBytes}); err != nil {
			http.Error(w, "invalid signature", http.StatusUnauthorized)
			return
		}

		ctx := context.WithValue(r.Context(), deviceIDContextKey, deviceID)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func buildSignedPayload(timestamp, method, path, query string) []byte {
	payload := make([]byte, 0, len(timestamp)+len(method)+len(path)+len(query))
	payload = append(payload, timestamp...)
	payload = append(payload, method...)
	payload = append(payload, path...)
	payload = append(payload, query...)
	return payload
}

// SignRequest is the client-side counterpart: it produces the
// timestamp/signature header pair for an outgoing request.
func SignRequest(signer icrypto.Signer, method, path, query string) (timestamp, signature string) {
	ts := time.Now().UTC().Format(time.RFC3339)
	payload := buildSignedPayload(ts, method, path, query)
	rec, err := signer.Sign(payload)
	if err != nil {
		return ts, ""
	}
	return ts, icrypto.IDFromKey(rec.Bytes)
}
