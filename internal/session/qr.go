package session

import (
	"fmt"
	"os"
	"time"

	"github.com/mdp/qrterminal/v3"
	"github.com/patrickmn/go-cache"
	"github.com/rs/zerolog/log"
)

// QRCache keeps the latest QR code per session for a limited time. It is the
// fallback for clients that missed the session.qr broadcast.
type QRCache struct {
	c *cache.Cache
}

func NewQRCache(ttl time.Duration) *QRCache {
	if ttl <= 0 {
		ttl = 2 * time.Minute
	}
	return &QRCache{c: cache.New(ttl, 2*ttl)}
}

func (q *QRCache) Set(sessionID, code string) {
	q.c.SetDefault(sessionID, code)
}

// Get returns the cached code if it is younger than the TTL.
func (q *QRCache) Get(sessionID string) (string, bool) {
	v, ok := q.c.Get(sessionID)
	if !ok {
		return "", false
	}
	return v.(string), true
}

func (q *QRCache) Delete(sessionID string) {
	q.c.Delete(sessionID)
}

// PrintQRToTerminal renders a QR code on stdout for local pairing.
func PrintQRToTerminal(sessionID, code string) {
	fmt.Fprintf(os.Stdout, "QR code for session %s:\n", sessionID)
	qrterminal.GenerateHalfBlock(code, qrterminal.L, os.Stdout)
	log.Info().Str("sessionId", sessionID).Msg("QR code printed to terminal")
}
