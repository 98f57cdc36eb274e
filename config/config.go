// Package config loads the peer topology a node needs to join the
// cluster: the other nodes' addresses and ports, and this node's own IP
// on the network interface RDMA traffic runs over.
package config

import (
	"encoding/json"
	"net"
	"os"

	"github.com/pkg/errors"
)

// Host is one entry in the cluster's peer list.
type Host struct {
	Host         string `json:"host"`
	MemoryPort   int    `json:"Memory_port"`
	MetadataPort int    `json:"metadata_port"`
}

// Config is a fully loaded, self-aware view of the cluster: every peer
// other than the node running the process, plus this node's own address
// on the configured network interface.
type Config struct {
	MyIP  string
	Peers []Host
}

// document is the on-disk shape: {"hosts": [{"host":..., "Memory_port":
// ..., "metadata_port": ...}, ...]}.
type document struct {
	Hosts []Host `json:"hosts"`
}

// Load reads path and resolves myIP from iface, dropping any entry in
// the file whose host matches this node's own address.
func Load(path, iface string) (*Config, error) {
	myIP, err := ipOnInterface(iface)
	if err != nil {
		return nil, errors.Wrapf(err, "config: resolve address on %s", iface)
	}

	f, err := os.Open(path)
	if err != nil {
		return nil, errors.Wrapf(err, "config: open %s", path)
	}
	defer f.Close()

	var doc document
	if err := json.NewDecoder(f).Decode(&doc); err != nil {
		return nil, errors.Wrapf(err, "config: parse %s", path)
	}

	peers := make([]Host, 0, len(doc.Hosts))
	for _, h := range doc.Hosts {
		if h.Host == myIP {
			continue
		}
		peers = append(peers, h)
	}

	return &Config{MyIP: myIP, Peers: peers}, nil
}

// ipOnInterface returns the first IPv4 address bound to the named
// network interface, the interface RDMA (or its TCP stand-in) traffic
// is expected to run over.
func ipOnInterface(iface string) (string, error) {
	ifc, err := net.InterfaceByName(iface)
	if err != nil {
		return "", errors.Wrapf(err, "lookup interface %s", iface)
	}
	addrs, err := ifc.Addrs()
	if err != nil {
		return "", errors.Wrapf(err, "list addresses on %s", iface)
	}
	for _, a := range addrs {
		ipNet, ok := a.(*net.IPNet)
		if !ok {
			continue
		}
		if v4 := ipNet.IP.To4(); v4 != nil {
			return v4.String(), nil
		}
	}
	return "", errors.Errorf("no IPv4 address bound to interface %s", iface)
}
