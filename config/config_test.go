package config

import (
	"encoding/json"
	"net"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

// loopbackInterfaceName picks an interface guaranteed to exist and carry
// an IPv4 address in any test environment.
func loopbackInterfaceName(t *testing.T) string {
	t.Helper()
	ifaces, err := net.Interfaces()
	require.NoError(t, err)
	for _, ifc := range ifaces {
		if ifc.Flags&net.FlagLoopback == 0 {
			continue
		}
		addrs, err := ifc.Addrs()
		require.NoError(t, err)
		for _, a := range addrs {
			if ipNet, ok := a.(*net.IPNet); ok && ipNet.IP.To4() != nil {
				return ifc.Name
			}
		}
	}
	t.Skip("no loopback interface with an IPv4 address in this environment")
	return ""
}

func writeConfig(t *testing.T, doc document) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.json")
	buf, err := json.Marshal(doc)
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(path, buf, 0o644))
	return path
}

func TestLoad_DropsSelfFromPeerList(t *testing.T) {
	iface := loopbackInterfaceName(t)
	myIP, err := ipOnInterface(iface)
	require.NoError(t, err)

	path := writeConfig(t, document{Hosts: []Host{
		{Host: myIP, MemoryPort: 9000, MetadataPort: 9001},
		{Host: "10.0.0.5", MemoryPort: 9000, MetadataPort: 9001},
	}})

	cfg, err := Load(path, iface)
	require.NoError(t, err)
	require.Equal(t, myIP, cfg.MyIP)
	require.Len(t, cfg.Peers, 1)
	require.Equal(t, "10.0.0.5", cfg.Peers[0].Host)
}

func TestLoad_UnknownInterfaceErrors(t *testing.T) {
	path := writeConfig(t, document{})
	_, err := Load(path, "no-such-interface-xyz")
	require.Error(t, err)
}
