// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

package ipio

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"time"

	"github.com/ManuGH/tspipe/internal/log"
	"github.com/ManuGH/tspipe/internal/pipeline/stage"
	"github.com/ManuGH/tspipe/internal/ts"
	"golang.org/x/net/ipv4"
)

const (
	// maxDatagram covers a jumbo RTP datagram of RS-sized packets.
	maxDatagram  = 65536
	rtpHeader    = 12
	pollInterval = 100 * time.Millisecond
)

// Input receives packets from a UDP socket, joining a multicast group when
// the address is one.
type Input struct {
	addr    *net.UDPAddr
	local   net.IP
	source  net.IP
	timeout time.Duration
	rcvbuf  int

	conn    net.PacketConn
	pc      *ipv4.PacketConn
	joined  *net.UDPAddr
	ifi     *net.Interface
	buf     []byte
	pending []ts.Packet
	invalid uint64
}

var inputOptions = []stage.OptionSpec{
	stage.Value("local-address", "l"),
	stage.Value("source", "s"),
	stage.Value("receive-timeout", ""),
	stage.Value("buffer-size", "b"),
}

func (in *Input) Configure(_ *stage.Env, opts stage.Options) error {
	if err := opts.Check(1, stage.OptionNames(inputOptions...)...); err != nil {
		return err
	}
	if len(opts.Args()) != 1 {
		return &stage.OptionError{Option: "address", Err: stage.ErrMissingOption}
	}
	addr, err := parseAddress(opts.Arg(0, ""))
	if err != nil {
		return &stage.OptionError{Option: "address", Value: opts.Arg(0, ""), Err: err}
	}
	in.addr = addr
	in.local, in.source = nil, nil
	if s := opts.String("local-address", ""); s != "" {
		if in.local = net.ParseIP(s).To4(); in.local == nil {
			return &stage.OptionError{Option: "local-address", Value: s, Err: stage.ErrInvalidOption}
		}
	}
	if s := opts.String("source", ""); s != "" {
		if in.source = net.ParseIP(s).To4(); in.source == nil {
			return &stage.OptionError{Option: "source", Value: s, Err: stage.ErrInvalidOption}
		}
	}
	if in.timeout, err = opts.Duration("receive-timeout", 0); err != nil {
		return err
	}
	if in.rcvbuf, err = opts.Int("buffer-size", 0); err != nil {
		return err
	}
	return nil
}

func (in *Input) Start(_ context.Context, env *stage.Env) error {
	bind := &net.UDPAddr{Port: in.addr.Port}
	multicast := in.addr.IP != nil && in.addr.IP.IsMulticast()
	if !multicast {
		bind.IP = in.addr.IP
	}
	conn, err := net.ListenUDP("udp4", bind)
	if err != nil {
		return fmt.Errorf("listen udp %s: %w", bind, err)
	}
	if in.rcvbuf > 0 {
		if err := conn.SetReadBuffer(in.rcvbuf); err != nil {
			env.Log.Warn().Err(err).Int("size", in.rcvbuf).Msg("set socket receive buffer")
		}
	}
	in.conn = conn
	in.pc = ipv4.NewPacketConn(conn)
	in.buf = make([]byte, maxDatagram)
	in.pending = in.pending[:0]
	in.invalid = 0

	if multicast {
		ifi, err := interfaceFor(in.local)
		if err != nil {
			_ = conn.Close()
			return err
		}
		group := &net.UDPAddr{IP: in.addr.IP}
		if err := in.pc.JoinGroup(ifi, group); err != nil {
			_ = conn.Close()
			return fmt.Errorf("join multicast group %s: %w", in.addr.IP, err)
		}
		in.joined, in.ifi = group, ifi
		if err := in.pc.SetControlMessage(ipv4.FlagDst, true); err != nil {
			env.Log.Debug().Err(err).Msg("destination control messages unavailable")
		}
	}
	env.Log.Info().Str(log.FieldAddress, in.LocalAddr().String()).Bool("multicast", multicast).Msg("receiving udp")
	return nil
}

// LocalAddr returns the bound socket address, nil before Start.
func (in *Input) LocalAddr() net.Addr {
	if in.conn == nil {
		return nil
	}
	return in.conn.LocalAddr()
}

func (in *Input) Produce(ctx context.Context, env *stage.Env, u *ts.Unit) (stage.Status, error) {
	for len(in.pending) == 0 {
		status, err := in.receive(ctx, env)
		if status != stage.StatusOK || err != nil {
			return status, err
		}
	}
	u.Packet = in.pending[0]
	u.Meta = ts.Metadata{}
	in.pending = in.pending[1:]
	return stage.StatusOK, nil
}

// receive waits for the next usable datagram and queues its packets.
func (in *Input) receive(ctx context.Context, env *stage.Env) (stage.Status, error) {
	var deadline time.Time
	if in.timeout > 0 {
		deadline = time.Now().Add(in.timeout)
	}
	for {
		if err := ctx.Err(); err != nil {
			return stage.StatusError, err
		}
		wait := time.Now().Add(pollInterval)
		if !deadline.IsZero() && deadline.Before(wait) {
			wait = deadline
		}
		if err := in.conn.SetReadDeadline(wait); err != nil {
			return stage.StatusError, fmt.Errorf("set read deadline: %w", err)
		}
		n, cm, src, err := in.pc.ReadFrom(in.buf)
		if err != nil {
			if errors.Is(err, os.ErrDeadlineExceeded) {
				if !deadline.IsZero() && !time.Now().Before(deadline) {
					env.Log.Info().Dur("timeout", in.timeout).Msg("receive timeout, ending stream")
					return stage.StatusEnd, nil
				}
				continue
			}
			return stage.StatusError, fmt.Errorf("receive udp: %w", err)
		}
		if in.joined != nil && cm != nil && cm.Dst != nil && !cm.Dst.Equal(in.joined.IP) {
			continue
		}
		if in.source != nil {
			if ua, ok := src.(*net.UDPAddr); !ok || !ua.IP.Equal(in.source) {
				continue
			}
		}
		if in.split(in.buf[:n]) {
			return stage.StatusOK, nil
		}
		in.invalid++
		if in.invalid == 1 || in.invalid%100 == 0 {
			env.Log.Warn().Int("size", n).Uint64("invalid", in.invalid).Msg("ignoring datagram without transport packets")
		}
	}
}

// split queues the packets of one datagram, skipping an RTP header when
// present. It reports false for datagrams that carry no valid packets.
func (in *Input) split(data []byte) bool {
	if len(data)%ts.PacketSize != 0 && len(data) > rtpHeader {
		// RTP version 2; the CSRC count extends the fixed header.
		if data[0]>>6 == 2 {
			hdr := rtpHeader + 4*int(data[0]&0x0F)
			if hdr < len(data) && (len(data)-hdr)%ts.PacketSize == 0 {
				data = data[hdr:]
			}
		}
	}
	if len(data) == 0 || len(data)%ts.PacketSize != 0 {
		return false
	}
	for off := 0; off < len(data); off += ts.PacketSize {
		var p ts.Packet
		copy(p[:], data[off:off+ts.PacketSize])
		if !p.HasValidSync() {
			in.pending = in.pending[:0]
			return false
		}
		in.pending = append(in.pending, p)
	}
	return true
}

func (in *Input) Stop(_ context.Context, env *stage.Env) error {
	if in.conn == nil {
		return nil
	}
	if in.joined != nil {
		if err := in.pc.LeaveGroup(in.ifi, in.joined); err != nil {
			env.Log.Debug().Err(err).Msg("leave multicast group")
		}
		in.joined = nil
	}
	err := in.conn.Close()
	in.conn, in.pc = nil, nil
	if err != nil {
		return fmt.Errorf("close udp socket: %w", err)
	}
	return nil
}
