package transport

import (
	"net"

	"github.com/sirupsen/logrus"
	"golang.org/x/net/ipv4"

	"github.com/opd-ai/tftpd/limits"
)

// Listener is the well-known request endpoint. When bound to the IPv4
// wildcard it recovers the destination address of every request so the
// transfer endpoint can answer from the address the client contacted.
type Listener struct {
	conn    net.PacketConn
	pktinfo *ipv4.PacketConn
	buffer  []byte
}

// Request is one datagram received on the listener.
type Request struct {
	Packet  Packet
	Source  net.Addr
	LocalIP net.IP
}

// Listen binds the well-known endpoint on addr.
func Listen(addr string) (*Listener, error) {
	network := "udp"
	if host, _, err := net.SplitHostPort(addr); err == nil {
		if ip := net.ParseIP(host); ip != nil && ip.To4() != nil {
			network = "udp4"
		}
	}

	pc, err := net.ListenPacket(network, addr)
	if err != nil {
		return nil, err
	}

	l := &Listener{
		conn:   pc,
		buffer: make([]byte, limits.MaxDatagramSize),
	}

	if udpAddr, ok := pc.LocalAddr().(*net.UDPAddr); ok && network == "udp4" && udpAddr.IP.IsUnspecified() {
		p := ipv4.NewPacketConn(pc)
		if err := p.SetControlMessage(ipv4.FlagDst, true); err != nil {
			logrus.WithFields(logrus.Fields{
				"function": "Listen",
				"address":  addr,
				"error":    err.Error(),
			}).Warn("Destination address recovery unavailable, transfers will bind the wildcard")
		} else {
			l.pktinfo = p
		}
	}

	logrus.WithFields(logrus.Fields{
		"function": "Listen",
		"address":  pc.LocalAddr().String(),
		"pktinfo":  l.pktinfo != nil,
	}).Info("Request listener bound")

	return l, nil
}

// Accept blocks for the next datagram. A datagram that does not decode is
// returned with its Source set, a nil Packet and the decode error. Any
// other error comes from the socket and has a nil Request.
func (l *Listener) Accept() (*Request, error) {
	var (
		n       int
		src     net.Addr
		localIP net.IP
		err     error
	)

	if l.pktinfo != nil {
		var cm *ipv4.ControlMessage
		n, cm, src, err = l.pktinfo.ReadFrom(l.buffer)
		if cm != nil {
			localIP = cm.Dst
		}
	} else {
		n, src, err = l.conn.ReadFrom(l.buffer)
	}
	if err != nil {
		return nil, err
	}

	if localIP == nil {
		if udpAddr, ok := l.conn.LocalAddr().(*net.UDPAddr); ok {
			localIP = udpAddr.IP
		}
	}

	req := &Request{Source: src, LocalIP: localIP}
	packet, err := ParsePacket(l.buffer[:n])
	if err != nil {
		return req, err
	}
	req.Packet = packet
	return req, nil
}

// SendError answers a request with an ERROR packet from the well-known port.
func (l *Listener) SendError(code ErrorCode, message string, addr net.Addr) {
	data, err := NewError(code, message).Serialize()
	if err == nil {
		_, err = l.conn.WriteTo(data, addr)
	}
	if err != nil {
		logrus.WithFields(logrus.Fields{
			"function": "Listener.SendError",
			"to":       addr.String(),
			"code":     uint16(code),
			"error":    err.Error(),
		}).Warn("Failed to send error packet")
	}
}

// Addr returns the bound address.
func (l *Listener) Addr() net.Addr {
	return l.conn.LocalAddr()
}

// Close unblocks Accept and releases the socket.
func (l *Listener) Close() error {
	return l.conn.Close()
}
