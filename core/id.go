package core

import (
	"crypto/rand"
	"fmt"
	"os"
	"time"
)

// NewWorkerID returns the identifier this process heartbeats under,
// `<hostname>-<pid>-<suffix>`. Hostname and pid locate the process on a
// box; the random suffix keeps restarts from reusing a heartbeat key before
// the old one expires. When the random source fails the start time stands
// in, which is unique enough for that purpose.
func NewWorkerID() string {
	hostname, err := os.Hostname()
	if err != nil || hostname == "" {
		hostname = "judge"
	}
	var suffix [6]byte
	if _, err := rand.Read(suffix[:]); err != nil {
		return fmt.Sprintf("%s-%d-%x", hostname, os.Getpid(), time.Now().UnixNano())
	}
	return fmt.Sprintf("%s-%d-%x", hostname, os.Getpid(), suffix)
}
