package server

import (
	"context"
	"log"
	"time"

	"github.com/antigravityto/vrcomms/internal/services/chat/storage"
)

// startCleanupWorker reaps stale presence rows and expired recovery sessions
// on a fixed interval. It is the safety net for the case where a transport
// disconnect notification never reached the coordinator.
func startCleanupWorker(ctx context.Context, store storage.Store, interval, staleThreshold time.Duration) chan struct{} {
	done := make(chan struct{})
	go func() {
		defer close(done)

		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				runCleanupPass(ctx, store, staleThreshold)
			}
		}
	}()
	return done
}

func runCleanupPass(ctx context.Context, store storage.Store, staleThreshold time.Duration) {
	passCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 30*time.Second)
	defer cancel()

	stale, err := store.CleanupStalePresence(passCtx, staleThreshold)
	if err != nil {
		log.Printf("chat: stale presence cleanup: %v", err)
	} else if stale > 0 {
		log.Printf("chat: marked %d stale presence records offline", stale)
	}

	expired, err := store.CleanupExpiredSessions(passCtx)
	if err != nil {
		log.Printf("chat: expired session cleanup: %v", err)
	} else if expired > 0 {
		log.Printf("chat: removed %d expired sessions", expired)
	}
}
