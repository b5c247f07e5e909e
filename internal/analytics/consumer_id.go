package analytics

import (
	"fmt"
	"os"
	"sync/atomic"
	"time"
)

var consumerSeq atomic.Uint64

// NewConsumerTag returns a broker consumer tag unique to this process and
// registration. Every re-registration gets a fresh tag.
func NewConsumerTag() string {
	host, err := os.Hostname()
	if err != nil || host == "" {
		host = "worker"
	}
	return fmt.Sprintf("linkpulse-%s-%d-%d-%d", host, os.Getpid(), time.Now().Unix(), consumerSeq.Add(1))
}
