package serve

import (
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"time"
)

const (
	lockFileName     = "broker.json"
	lockGuardName    = "broker.json.lock"
	instancePrefix   = "hub_"
	healthTimeout    = 2 * time.Second
	lockWaitDeadline = 5 * time.Second
)

// BrokerInfo is the metadata written to the broker file when the process
// starts. The status command and second-instance checks read it back.
type BrokerInfo struct {
	APIAddr    string    `json:"api_addr"`
	WSAddr     string    `json:"ws_addr"`
	PID        int       `json:"pid"`
	StartedAt  time.Time `json:"started_at"`
	InstanceID string    `json:"instance_id"`
}

// GenerateInstanceID creates a random instance ID with the hub_ prefix and 6
// hex characters (e.g. "hub_8f3b2c").
func GenerateInstanceID() (string, error) {
	b := make([]byte, 3)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("generate instance id: %w", err)
	}
	return instancePrefix + hex.EncodeToString(b), nil
}

func brokerFilePath(stateDir string) string {
	return filepath.Join(stateDir, lockFileName)
}

func brokerGuardPath(stateDir string) string {
	return filepath.Join(stateDir, lockGuardName)
}

// WriteBrokerFile registers this process as the broker for the state
// directory. It acquires an exclusive lock on the guard file, re-checks for a
// live broker under the lock, and refuses to register over one. Stale records
// (dead PID, or live PID that fails the health probe) are reclaimed.
func WriteBrokerFile(stateDir string, info *BrokerInfo) error {
	if err := os.MkdirAll(stateDir, 0755); err != nil {
		return fmt.Errorf("create state dir: %w", err)
	}

	guard, err := os.OpenFile(brokerGuardPath(stateDir), os.O_CREATE|os.O_RDWR, 0600)
	if err != nil {
		return fmt.Errorf("open broker guard: %w", err)
	}
	defer guard.Close()

	if err := acquireFileLockTimeout(guard, lockWaitDeadline); err != nil {
		return fmt.Errorf("acquire broker lock: %w", err)
	}
	defer releaseFileLock(guard)

	// Re-check under lock to avoid a startup race between parallel processes.
	if existing, err := ReadBrokerFile(stateDir); err == nil {
		if !IsBrokerStale(existing) {
			return fmt.Errorf("agenthub already running at %s (pid %d)", existing.APIAddr, existing.PID)
		}
	}

	data, err := json.MarshalIndent(info, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal broker info: %w", err)
	}
	if err := os.WriteFile(brokerFilePath(stateDir), data, 0644); err != nil {
		return fmt.Errorf("write broker file: %w", err)
	}
	return nil
}

// ReadBrokerFile reads and validates the broker file.
func ReadBrokerFile(stateDir string) (*BrokerInfo, error) {
	data, err := os.ReadFile(brokerFilePath(stateDir))
	if err != nil {
		return nil, fmt.Errorf("read broker file: %w", err)
	}

	var info BrokerInfo
	if err := json.Unmarshal(data, &info); err != nil {
		return nil, fmt.Errorf("parse broker file: %w", err)
	}
	if info.APIAddr == "" {
		return nil, fmt.Errorf("broker file missing required field: api_addr")
	}
	if info.PID == 0 {
		return nil, fmt.Errorf("broker file missing required field: pid")
	}
	if info.InstanceID == "" {
		return nil, fmt.Errorf("broker file missing required field: instance_id")
	}
	return &info, nil
}

// DeleteBrokerFile removes the broker file. Called on shutdown; callers may
// ignore errors during cleanup.
func DeleteBrokerFile(stateDir string) error {
	if err := os.Remove(brokerFilePath(stateDir)); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("remove broker file: %w", err)
	}
	return nil
}

// IsBrokerHealthy probes the broker's health endpoint.
func IsBrokerHealthy(apiAddr string) bool {
	client := &http.Client{Timeout: healthTimeout}
	resp, err := client.Get("http://" + apiAddr + "/health")
	if err != nil {
		return false
	}
	defer resp.Body.Close()
	return resp.StatusCode == http.StatusOK
}

// IsBrokerStale reports whether the broker file describes a process that is
// no longer serving: dead PID, or a live PID whose health endpoint does not
// answer.
func IsBrokerStale(info *BrokerInfo) bool {
	if !isProcessAlive(info.PID) {
		return true
	}
	return !IsBrokerHealthy(info.APIAddr)
}
