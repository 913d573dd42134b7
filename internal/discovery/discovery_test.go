package discovery

import (
	"context"
	"net"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPeer_Addr(t *testing.T) {
	p := Peer{Host: "box.local.", Port: 8081}
	assert.Equal(t, "box.local.:8081", p.Addr())

	p.Addrs = []net.IP{net.ParseIP("192.168.1.20")}
	assert.Equal(t, "192.168.1.20:8081", p.Addr())

	p.Addrs = []net.IP{net.ParseIP("fe80::1")}
	assert.Equal(t, "[fe80::1]:8081", p.Addr())
}

func TestSortPeers(t *testing.T) {
	peers := sortPeers(map[string]Peer{
		"b": {Instance: "b"},
		"a": {Instance: "a"},
	})
	require.Len(t, peers, 2)
	assert.Equal(t, "a", peers[0].Instance)
	assert.Equal(t, "b", peers[1].Instance)
}

func TestInstanceName(t *testing.T) {
	assert.True(t, strings.HasPrefix(InstanceName(), "CollabText-"))
}

// Set COLLAB_TEST_MDNS=1 on a host with multicast networking.
func TestAdvertiseAndBrowse(t *testing.T) {
	if os.Getenv("COLLAB_TEST_MDNS") == "" {
		t.Skip("COLLAB_TEST_MDNS not set")
	}
	a, err := Advertise("collabtext-test", 18081, []string{"txtv=0"})
	require.NoError(t, err)
	defer a.Close()

	peers, err := Browse(context.Background(), 3*time.Second)
	require.NoError(t, err)

	var found bool
	for _, p := range peers {
		if p.Instance == "collabtext-test" {
			found = true
			assert.Equal(t, 18081, p.Port)
		}
	}
	assert.True(t, found, "advertised instance not found in %v", peers)
}
