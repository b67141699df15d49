package renewal

import (
	"context"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"log/slog"
	"net/http"
	"strings"
	"time"
)

// TriggerToken derives the shared secret for the out-of-schedule trigger
// from the master token and the public listening address. Both sides derive
// it independently; the token itself is never stored.
func TriggerToken(masterToken, addr string) string {
	sum := sha256.Sum256([]byte(masterToken + addr))
	return hex.EncodeToString(sum[:])
}

// TriggerHandler returns the HTTP handler kicking off an out-of-schedule
// renewal sweep. It responds immediately with 202; the sweep continues in
// the background.
func TriggerHandler(engine *Engine, masterToken, addr string, log *slog.Logger) http.Handler {
	expected := []byte(TriggerToken(masterToken, addr))

	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			w.WriteHeader(http.StatusMethodNotAllowed)
			return
		}
		presented := strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer ")
		if subtle.ConstantTimeCompare([]byte(presented), expected) != 1 {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}

		log.Info("renewal sweep triggered via http")
		go func() {
			ctx, cancel := context.WithTimeout(context.Background(), 2*time.Hour)
			defer cancel()
			if _, err := engine.Sweep(ctx); err != nil {
				log.Error("triggered renewal sweep failed", "error", err)
			}
		}()
		w.WriteHeader(http.StatusAccepted)
	})
}
