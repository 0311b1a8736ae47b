package pgn

import (
	"fmt"
	"net"
	"sync"

	"github.com/agsteer/agsteer/internal/logger"
	"github.com/agsteer/agsteer/internal/metrics"
	"go.uber.org/zap"
)

// Sender is the outbound side of the transport; the control loop and the
// handlers hand complete datagrams to it.
type Sender interface {
	Send(buf []byte) error
}

// UDPTransport binds the module port, feeds inbound datagrams to the router
// and sends replies to the subnet broadcast address. Sends are single-packet
// with no retries at this layer.
type UDPTransport struct {
	conn     *net.UDPConn
	destAddr *net.UDPAddr
	metrics  *metrics.Metrics

	mu       sync.RWMutex
	stopChan chan struct{}
	running  bool
}

// NewUDPTransport opens the listen socket and resolves the send destination
// from the module IP (x.x.x.255).
func NewUDPTransport(listenPort, sendPort int, ip [4]byte, m *metrics.Metrics) (*UDPTransport, error) {
	laddr, err := net.ResolveUDPAddr("udp", fmt.Sprintf(":%d", listenPort))
	if err != nil {
		return nil, fmt.Errorf("failed to resolve listen address: %w", err)
	}
	conn, err := net.ListenUDP("udp", laddr)
	if err != nil {
		return nil, fmt.Errorf("failed to listen: %w", err)
	}

	dest := &net.UDPAddr{
		IP:   net.IPv4(ip[0], ip[1], ip[2], 255),
		Port: sendPort,
	}

	return &UDPTransport{
		conn:     conn,
		destAddr: dest,
		metrics:  m,
		stopChan: make(chan struct{}),
	}, nil
}

// Start launches the read loop. Each datagram is handed to dispatch with
// the arrival time in milliseconds.
func (t *UDPTransport) Start(dispatch func(buf []byte, nowMS int64), now func() int64) {
	t.mu.Lock()
	if t.running {
		t.mu.Unlock()
		return
	}
	t.running = true
	t.mu.Unlock()

	go t.readLoop(dispatch, now)
	logger.Info("PGN transport listening",
		zap.String("addr", t.conn.LocalAddr().String()),
		zap.String("dest", t.destAddr.String()))
}

func (t *UDPTransport) readLoop(dispatch func(buf []byte, nowMS int64), now func() int64) {
	buffer := make([]byte, 512)

	for {
		select {
		case <-t.stopChan:
			return
		default:
		}

		n, _, err := t.conn.ReadFromUDP(buffer)
		if err != nil {
			continue
		}

		data := make([]byte, n)
		copy(data, buffer[:n])
		dispatch(data, now())
	}
}

// Send transmits one datagram to the broadcast destination.
func (t *UDPTransport) Send(buf []byte) error {
	t.mu.RLock()
	dest := t.destAddr
	t.mu.RUnlock()

	_, err := t.conn.WriteToUDP(buf, dest)
	if err != nil {
		if t.metrics != nil {
			t.metrics.IncSendFailures()
		}
		return fmt.Errorf("udp send failed: %w", err)
	}
	return nil
}

// SetDestination retargets replies, used after a subnet change.
func (t *UDPTransport) SetDestination(ip [4]byte, port int) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.destAddr = &net.UDPAddr{IP: net.IPv4(ip[0], ip[1], ip[2], 255), Port: port}
}

// Close stops the read loop and closes the socket.
func (t *UDPTransport) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.running {
		close(t.stopChan)
		t.running = false
	}
	return t.conn.Close()
}
