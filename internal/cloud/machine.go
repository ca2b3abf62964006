// Package cloud runs the best-effort bridge to the hosted relay API:
// a heartbeat loop that publishes the local roster, pulls queued
// cross-machine messages and surfaces commands and credential updates.
package cloud

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

const machineIDFile = "machine-id"

// MachineID returns the persisted machine identifier, minting
// "<hostname>-<16 random hex>" on first use. The id survives restarts so
// the cloud side can correlate heartbeats.
func MachineID(dataDir string) (string, error) {
	path := filepath.Join(dataDir, machineIDFile)
	if raw, err := os.ReadFile(path); err == nil {
		if id := strings.TrimSpace(string(raw)); id != "" {
			return id, nil
		}
	}

	host, err := os.Hostname()
	if err != nil || host == "" {
		host = "unknown"
	}
	var buf [8]byte
	if _, err := rand.Read(buf[:]); err != nil {
		return "", fmt.Errorf("cloud: generate machine id: %w", err)
	}
	id := host + "-" + hex.EncodeToString(buf[:])

	if err := os.MkdirAll(dataDir, 0o755); err != nil {
		return "", fmt.Errorf("cloud: create data dir: %w", err)
	}
	if err := os.WriteFile(path, []byte(id+"\n"), 0o644); err != nil {
		return "", fmt.Errorf("cloud: persist machine id: %w", err)
	}
	return id, nil
}
