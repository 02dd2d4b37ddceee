package node

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tafallen/ProjectTeleprinter/pkg/telex"
)

func testConfig(address string, machines ...string) *Config {
	conf := DefaultConfig()
	conf.Node.Address = address
	conf.Store.Type = "memory"
	conf.Links.ListenAddr = "127.0.0.1:0"
	conf.Relay.Interval = Duration(20 * time.Millisecond)
	conf.Relay.SweepInterval = Duration(time.Second)
	conf.Machines = machines
	conf.Interfaces.HTTPAddress = ""
	return conf
}

func newTestNode(t *testing.T, conf *Config) *Node {
	t.Helper()
	n, err := New(conf, nil, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = n.Close() })
	return n
}

func TestNodeEnqueueDedup(t *testing.T) {
	n := newTestNode(t, testConfig("1230", "4"))

	first, fresh, err := n.Enqueue("1234", "5671", []byte("MOM RING ME"))
	require.NoError(t, err)
	assert.True(t, fresh)

	second, fresh, err := n.Enqueue("1234", "5671", []byte("MOM RING ME"))
	require.NoError(t, err)
	assert.False(t, fresh)
	assert.Equal(t, first.Fingerprint, second.Fingerprint)
}

func TestNodeEnqueueRejectsWildcardOrigin(t *testing.T) {
	n := newTestNode(t, testConfig("1230", "4"))

	_, _, err := n.Enqueue("1230", "5671", []byte("HELLO"))
	require.Error(t, err)
}

func TestNodeRejectsBadConfig(t *testing.T) {
	conf := testConfig("12345")
	_, err := New(conf, nil, nil)
	require.Error(t, err)

	conf = testConfig("1230")
	conf.Links.Neighbors = []NeighborConfig{{Address: "1239", Addr: "127.0.0.1:1"}}
	_, err = New(conf, nil, nil)
	require.Error(t, err, "neighbor at own location must be rejected")

	conf = testConfig("1230")
	conf.Routing.Routes = map[string]string{"456": "0022"}
	_, err = New(conf, nil, nil)
	require.Error(t, err, "route to unconfigured neighbor must be rejected")

	conf = testConfig("1230", "0")
	_, err = New(conf, nil, nil)
	require.Error(t, err, "machine digit 0 must be rejected")
}

func TestNodeDeliversToLocalMachine(t *testing.T) {
	n := newTestNode(t, testConfig("1230", "4"))
	require.NoError(t, n.Start(context.Background()))

	msg, fresh, err := n.Enqueue("5671", "1234", []byte("ARRIVING TUESDAY"))
	require.NoError(t, err)
	require.True(t, fresh)

	select {
	case d := <-n.Deliveries():
		assert.Equal(t, byte(4), d.Machine)
		assert.Equal(t, msg.Fingerprint, d.Message.Fingerprint)
	case <-time.After(2 * time.Second):
		t.Fatal("message was not delivered locally")
	}

	require.Eventually(t, func() bool {
		got, err := n.Message(msg.Fingerprint)
		return err == nil && got.State == telex.StateDelivered
	}, 2*time.Second, 20*time.Millisecond)
}

func TestNodeWildcardFailover(t *testing.T) {
	n := newTestNode(t, testConfig("1230", "7", "3"))
	require.NoError(t, n.Start(context.Background()))

	_, _, err := n.Enqueue("5671", "1230", []byte("ANY MACHINE WILL DO"))
	require.NoError(t, err)

	select {
	case d := <-n.Deliveries():
		assert.Equal(t, byte(3), d.Machine, "lowest online digit wins")
	case <-time.After(2 * time.Second):
		t.Fatal("message was not delivered locally")
	}
}

func TestNodeRelaysBetweenExchanges(t *testing.T) {
	// B hosts the destination machine; A learns B's endpoint and
	// floods the message across.
	b := newTestNode(t, testConfig("4560", "2"))
	require.NoError(t, b.Start(context.Background()))

	confA := testConfig("1230")
	confA.Links.Neighbors = []NeighborConfig{{Address: "4560", Addr: b.LinkAddr()}}
	a := newTestNode(t, confA)
	require.NoError(t, a.Start(context.Background()))

	msg, fresh, err := a.Enqueue("1231", "4562", []byte("SEND 40 CRATES"))
	require.NoError(t, err)
	require.True(t, fresh)

	select {
	case d := <-b.Deliveries():
		assert.Equal(t, byte(2), d.Machine)
		assert.Equal(t, msg.Fingerprint, d.Message.Fingerprint)
		assert.Equal(t, uint8(1), d.Message.HopCount)
	case <-time.After(5 * time.Second):
		t.Fatal("message did not cross to the peer exchange")
	}

	require.Eventually(t, func() bool {
		got, err := a.Message(msg.Fingerprint)
		return err == nil && got.State == telex.StateDelivered
	}, 2*time.Second, 20*time.Millisecond)
}

func TestNodeAPI(t *testing.T) {
	n := newTestNode(t, testConfig("1230", "4"))
	srv := httptest.NewServer(n.apiHandler())
	t.Cleanup(srv.Close)

	// Submit a message.
	body := `{"origin":"5671","destination":"1234","payload":"` +
		base64.StdEncoding.EncodeToString([]byte("TEST MSG")) + `"}`
	resp, err := http.Post(srv.URL+"/api/messages", "application/json", strings.NewReader(body))
	require.NoError(t, err)
	require.Equal(t, http.StatusCreated, resp.StatusCode)

	var receipt struct {
		Fingerprint string `json:"fingerprint"`
		Fresh       bool   `json:"fresh"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&receipt))
	require.NoError(t, resp.Body.Close())
	assert.True(t, receipt.Fresh)

	// Fetch it back by fingerprint.
	resp, err = http.Get(srv.URL + "/api/messages/" + receipt.Fingerprint)
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var got telex.Message
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&got))
	require.NoError(t, resp.Body.Close())
	assert.Equal(t, "1234", got.Destination.String())

	// List includes it.
	resp, err = http.Get(srv.URL + "/api/messages")
	require.NoError(t, err)
	var list []json.RawMessage
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&list))
	require.NoError(t, resp.Body.Close())
	assert.Len(t, list, 1)

	// Summary reflects the queue and machines.
	resp, err = http.Get(srv.URL + "/api/summary")
	require.NoError(t, err)
	var summary Summary
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&summary))
	require.NoError(t, resp.Body.Close())
	assert.Equal(t, "1230", summary.Address)
	assert.Equal(t, []string{"4"}, summary.Machines)
	assert.Equal(t, 1, summary.Queue.Total)

	// Unknown fingerprint is a 404.
	resp, err = http.Get(srv.URL + "/api/messages/" + strings.Repeat("00", 16))
	require.NoError(t, err)
	require.NoError(t, resp.Body.Close())
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestNodeAPIMachineToggle(t *testing.T) {
	n := newTestNode(t, testConfig("1230"))
	srv := httptest.NewServer(n.apiHandler())
	t.Cleanup(srv.Close)

	resp, err := http.Post(srv.URL+"/api/machines/4", "application/json", nil)
	require.NoError(t, err)
	require.NoError(t, resp.Body.Close())
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.True(t, n.machines.IsOnline(4))

	req, err := http.NewRequest(http.MethodDelete, srv.URL+"/api/machines/4", nil)
	require.NoError(t, err)
	resp, err = http.DefaultClient.Do(req)
	require.NoError(t, err)
	require.NoError(t, resp.Body.Close())
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.False(t, n.machines.IsOnline(4))

	// The wildcard digit is not a machine.
	resp, err = http.Post(srv.URL+"/api/machines/0", "application/json", nil)
	require.NoError(t, err)
	require.NoError(t, resp.Body.Close())
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}
