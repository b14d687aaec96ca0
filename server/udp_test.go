package server

import (
	"context"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"locate-go/logging"
)

type syncDeliverer struct {
	mu sync.Mutex
	memDeliverer
}

func (d *syncDeliverer) Deliver(topic string, payload []byte) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.memDeliverer.Deliver(topic, payload)
}

func (d *syncDeliverer) count() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.topics)
}

func TestUDPListener(t *testing.T) {
	out := &syncDeliverer{}
	l, err := ListenUDP("127.0.0.1:0", out, logging.Discard())
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- l.Serve(ctx) }()

	conn, err := net.Dial("udp", l.Addr().String())
	require.NoError(t, err)
	defer conn.Close()

	_, err = conn.Write([]byte("esp/AA:BB:CC:DD:EE:01/ble/phone/rssi -61\n\ngarbage\nesp/AA:BB:CC:DD:EE:02/ble/phone/rssi\t-70\r\n"))
	require.NoError(t, err)

	require.Eventually(t, func() bool { return out.count() == 2 }, 2*time.Second, 5*time.Millisecond)
	out.mu.Lock()
	assert.Equal(t, []string{"esp/AA:BB:CC:DD:EE:01/ble/phone/rssi", "esp/AA:BB:CC:DD:EE:02/ble/phone/rssi"}, out.topics)
	assert.Equal(t, [][]byte{[]byte("-61"), []byte("-70")}, out.payloads)
	out.mu.Unlock()

	cancel()
	select {
	case err := <-done:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(2 * time.Second):
		t.Fatal("Serve did not return")
	}
}
