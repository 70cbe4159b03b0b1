// Package hostinfo identifies the running instance and issues operator
// tokens bound to it.
package hostinfo

import (
	"log"
	"os"

	"github.com/denisbrodbeck/machineid"
)

const appID = "tez-core"

// MachineID resolves an app-scoped, hashed machine identifier. Hosts without
// a machine id (some containers) fall back to the hostname. Callers resolve
// it once at startup and pass the result along in Info.
func MachineID() string {
	v, err := machineid.ProtectedID(appID)
	if err != nil {
		log.Printf("⚠️ machine id unavailable (%v), using hostname", err)
		v, _ = os.Hostname()
	}
	if v == "" {
		v = "unknown"
	}
	return v
}

// Info is reported in health responses and as notification source.
type Info struct {
	MachineID string `json:"machine_id"`
	Hostname  string `json:"hostname"`
	PID       int    `json:"pid"`
	Version   string `json:"version"`
}

// Describe collects instance details.
func Describe(version string) Info {
	host, _ := os.Hostname()
	return Info{MachineID: MachineID(), Hostname: host, PID: os.Getpid(), Version: version}
}
