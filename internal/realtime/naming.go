package realtime

import (
	"fmt"
	"strings"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
)

// DefaultNamePrefix is the base of generated channel prefixes.
const DefaultNamePrefix = "realtime"

var prefixSeq atomic.Uint64

// NewPrefix returns "<base>-<unix millis>-<seq>-<token>". The process-wide
// sequence keeps prefixes distinct within a millisecond; the random token keeps
// them distinct across processes.
func NewPrefix(base string) string {
	if base == "" {
		base = DefaultNamePrefix
	}
	token := strings.ReplaceAll(uuid.NewString(), "-", "")[:8]
	return fmt.Sprintf("%s-%d-%d-%s", base, time.Now().UnixMilli(), prefixSeq.Add(1), token)
}

// SystemChannelName is the lifecycle channel of a prefix.
func SystemChannelName(prefix string) string {
	return prefix + ":system"
}

// DataChannelName is the channel of the i-th subscription of a prefix.
func DataChannelName(prefix string, i int, req SubscriptionRequest) string {
	return fmt.Sprintf("%s:%d:%s:%s", prefix, i, req.Table, req.Event.slug())
}
