package sink

import (
	"io"
	"log/slog"
	"net"
	"sync/atomic"

	"github.com/pkg/errors"
	"github.com/scgolang/osc"

	"github.com/Bubobubobubobubo/topos/pkg/clock"
	"github.com/Bubobubobubobubo/topos/pkg/logger"
)

// oscsync addresses and rate.
const (
	AddressPulse = "/sync/pulse"
	AddressTempo = "/sync/tempo"

	// PulsesPerBar is the oscsync pulse count of a 4/4 bar.
	PulsesPerBar = 96
)

// PacketSender is implemented by *osc.UDPConn.
type PacketSender interface {
	Send(p osc.Packet) error
}

// OSCOut sends script messages to one OSC peer.
type OSCOut struct {
	conn   PacketSender
	closer io.Closer
	log    *slog.Logger
}

// DialOSC connects to a peer at host:port over UDP.
func DialOSC(addr string) (*OSCOut, error) {
	raddr, err := net.ResolveUDPAddr("udp", addr)
	if err != nil {
		return nil, errors.Wrap(err, "resolving OSC address")
	}
	conn, err := osc.DialUDP("udp", nil, raddr)
	if err != nil {
		return nil, errors.Wrap(err, "dialing OSC peer")
	}
	out := NewOSCOut(conn)
	out.closer = conn
	return out, nil
}

// NewOSCOut wraps a connection.
func NewOSCOut(conn PacketSender) *OSCOut {
	return &OSCOut{conn: conn, log: logger.GetLogger()}
}

// Send builds a message from Go values and sends it. Supported arguments are
// float64, float32, int, int32, int64, string, bool and []byte.
func (o *OSCOut) Send(address string, args ...any) error {
	msg, err := NewMessage(address, args...)
	if err != nil {
		return err
	}
	return errors.Wrapf(o.conn.Send(msg), "sending %s", address)
}

// Conn returns the underlying connection, for sharing it with OSCSync.
func (o *OSCOut) Conn() PacketSender {
	return o.conn
}

// Close closes the connection.
func (o *OSCOut) Close() error {
	if o.closer == nil {
		return nil
	}
	return o.closer.Close()
}

// NewMessage converts Go values into an OSC message.
func NewMessage(address string, args ...any) (osc.Message, error) {
	msg := osc.Message{Address: address}
	for i, arg := range args {
		var a osc.Argument
		switch v := arg.(type) {
		case float64:
			a = osc.Float(float32(v))
		case float32:
			a = osc.Float(v)
		case int:
			a = osc.Int(int32(v))
		case int32:
			a = osc.Int(v)
		case int64:
			a = osc.Int(int32(v))
		case string:
			a = osc.String(v)
		case bool:
			a = osc.Bool(v)
		case []byte:
			a = osc.Blob(v)
		default:
			return msg, errors.Errorf("argument %d of %s: unsupported type %T", i, address, arg)
		}
		msg.Arguments = append(msg.Arguments, a)
	}
	return msg, nil
}

// OSCSync is an oscsync master: it sends /sync/pulse with the tempo and a
// running count, 96 pulses per 4/4 bar, while the transport runs.
type OSCSync struct {
	conn  PacketSender
	count atomic.Int32
	fails atomic.Int64
	log   *slog.Logger
}

var _ clock.Notifier = (*OSCSync)(nil)

// NewOSCSync creates a sync sender.
func NewOSCSync(conn PacketSender) *OSCSync {
	return &OSCSync{conn: conn, log: logger.GetLogger()}
}

// TransportStarted announces the tempo.
func (s *OSCSync) TransportStarted(st clock.State) {
	if st.Tick == 0 {
		s.count.Store(0)
	}
	s.send(osc.Message{
		Address:   AddressTempo,
		Arguments: []osc.Argument{osc.Float(float32(st.BPM))},
	})
}

// TransportStopped resets the count when the clock went back to the origin.
func (s *OSCSync) TransportStopped(st clock.State) {
	if st.Tick == 0 {
		s.count.Store(0)
	}
}

// Pulse sends the sync pulses due on this tick.
func (s *OSCSync) Pulse(st clock.State) {
	for n := ClockPulses(st.Tick, st.PPQN, PulsesPerBar/4); n > 0; n-- {
		s.send(osc.Message{
			Address:   AddressPulse,
			Arguments: []osc.Argument{osc.Float(float32(st.BPM)), osc.Int(s.count.Add(1) - 1)},
		})
	}
}

// Count returns the number of pulses sent since the origin.
func (s *OSCSync) Count() int32 {
	return s.count.Load()
}

func (s *OSCSync) send(msg osc.Message) {
	if err := s.conn.Send(msg); err != nil {
		if s.fails.Add(1) == 1 {
			s.log.Warn("OSC sync send failed", "address", msg.Address, "error", err)
		}
	}
}
