// Package identity reports node metadata for control-plane registration.
package identity

import (
	"bufio"
	"os"
	"runtime"
	"strings"

	"github.com/binproxy/agent/internal/config"
)

// Info is the node info block carried in both the manifest and the
// keepalive-post payload.
type Info struct {
	CPUArch         string `json:"cpuArch"`
	OSRelease       string `json:"osRelease"`
	NodeName        string `json:"nodeName"`
	BinProxyVersion string `json:"binProxyVersion"`
}

// Probe gathers {cpuArch, osRelease, nodeName, binProxyVersion}. NodeName
// doubles as the stable node_id used by the control-plane client.
func Probe() (Info, error) {
	hostname, err := os.Hostname()
	if err != nil {
		return Info{}, err
	}

	return Info{
		CPUArch:         runtime.GOARCH,
		OSRelease:       osRelease(),
		NodeName:        hostname,
		BinProxyVersion: config.AgentVersion,
	}, nil
}

// NodeID returns the stable node identifier: the hostname.
func (i Info) NodeID() string {
	return i.NodeName
}

// osRelease reads PRETTY_NAME out of /etc/os-release, falling back to
// runtime.GOOS when the file is absent or unparsable.
func osRelease() string {
	f, err := os.Open("/etc/os-release")
	if err != nil {
		return runtime.GOOS
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := scanner.Text()
		if strings.HasPrefix(line, "PRETTY_NAME=") {
			v := strings.TrimPrefix(line, "PRETTY_NAME=")
			return strings.Trim(v, `"`)
		}
	}
	return runtime.GOOS
}
