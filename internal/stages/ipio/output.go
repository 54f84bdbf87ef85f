// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

package ipio

import (
	"context"
	"fmt"
	"net"

	"github.com/ManuGH/tspipe/internal/log"
	"github.com/ManuGH/tspipe/internal/pipeline/stage"
	"github.com/ManuGH/tspipe/internal/ts"
	"golang.org/x/net/ipv4"
)

// Output sends packets to a UDP destination in datagrams of up to seven
// packets. The last partial datagram is flushed on Stop.
type Output struct {
	dst   *net.UDPAddr
	local net.IP
	ttl   int
	burst int
	loop  bool

	conn  *net.UDPConn
	pc    *ipv4.PacketConn
	buf   []byte
	count int
	sent  uint64
}

var outputOptions = []stage.OptionSpec{
	stage.Value("local-address", "l"),
	stage.Value("ttl", "t"),
	stage.Value("packet-burst", "p"),
	stage.Flag("disable-loopback", ""),
}

func (o *Output) Configure(_ *stage.Env, opts stage.Options) error {
	if err := opts.Check(1, stage.OptionNames(outputOptions...)...); err != nil {
		return err
	}
	if len(opts.Args()) != 1 {
		return &stage.OptionError{Option: "address", Err: stage.ErrMissingOption}
	}
	dst, err := parseAddress(opts.Arg(0, ""))
	if err != nil || dst.IP == nil {
		if err == nil {
			err = ErrInvalidAddress
		}
		return &stage.OptionError{Option: "address", Value: opts.Arg(0, ""), Err: err}
	}
	o.dst = dst
	o.local = nil
	if s := opts.String("local-address", ""); s != "" {
		if o.local = net.ParseIP(s).To4(); o.local == nil {
			return &stage.OptionError{Option: "local-address", Value: s, Err: stage.ErrInvalidOption}
		}
	}
	if o.ttl, err = opts.IntRange("ttl", 0, 0, 255); err != nil {
		return err
	}
	if o.burst, err = opts.IntRange("packet-burst", ts.PacketsPerDatagram, 1, ts.PacketsPerDatagram); err != nil {
		return err
	}
	noLoop, err := opts.Bool("disable-loopback")
	if err != nil {
		return err
	}
	o.loop = !noLoop
	return nil
}

func (o *Output) Start(_ context.Context, env *stage.Env) error {
	conn, err := net.ListenUDP("udp4", &net.UDPAddr{IP: o.local})
	if err != nil {
		return fmt.Errorf("open udp socket: %w", err)
	}
	pc := ipv4.NewPacketConn(conn)
	if o.dst.IP.IsMulticast() {
		if o.ttl > 0 {
			err = pc.SetMulticastTTL(o.ttl)
		}
		if err == nil {
			err = pc.SetMulticastLoopback(o.loop)
		}
		if err == nil && o.local != nil {
			var ifi *net.Interface
			if ifi, err = interfaceFor(o.local); err == nil {
				err = pc.SetMulticastInterface(ifi)
			}
		}
	} else if o.ttl > 0 {
		err = pc.SetTTL(o.ttl)
	}
	if err != nil {
		_ = conn.Close()
		return fmt.Errorf("configure udp socket: %w", err)
	}
	o.conn, o.pc = conn, pc
	o.buf = make([]byte, 0, o.burst*ts.PacketSize)
	o.count, o.sent = 0, 0
	env.Log.Info().
		Str(log.FieldAddress, o.dst.String()).
		Int("ttl", o.ttl).
		Int("burst", o.burst).
		Msg("sending udp")
	return nil
}

func (o *Output) Process(_ context.Context, _ *stage.Env, u *ts.Unit) (stage.Status, error) {
	o.buf = append(o.buf, u.Packet[:]...)
	o.count++
	if o.count < o.burst {
		return stage.StatusOK, nil
	}
	if err := o.flush(); err != nil {
		return stage.StatusError, err
	}
	return stage.StatusOK, nil
}

func (o *Output) flush() error {
	if o.count == 0 {
		return nil
	}
	_, err := o.pc.WriteTo(o.buf, nil, o.dst)
	o.buf = o.buf[:0]
	o.count = 0
	if err != nil {
		return fmt.Errorf("send udp to %s: %w", o.dst, err)
	}
	o.sent++
	return nil
}

func (o *Output) Stop(_ context.Context, env *stage.Env) error {
	if o.conn == nil {
		return nil
	}
	flushErr := o.flush()
	env.Log.Debug().Uint64("datagrams", o.sent).Msg("udp output stopped")
	closeErr := o.conn.Close()
	o.conn, o.pc = nil, nil
	if flushErr != nil {
		return flushErr
	}
	if closeErr != nil {
		return fmt.Errorf("close udp socket: %w", closeErr)
	}
	return nil
}

// Register adds the UDP stages to r.
func Register(r *stage.Registry) {
	r.MustRegister(
		stage.Registration{
			Name:    "ip",
			Role:    stage.RoleInput,
			Usage:   "ip [-l|--local-address A] [-s|--source A] [--receive-timeout D] [-b|--buffer-size N] [addr:]port: receive UDP, joining multicast groups",
			Options: inputOptions,
			New:     func() stage.Stage { return &Input{} },
		},
		stage.Registration{
			Name:    "ip",
			Role:    stage.RoleOutput,
			Usage:   "ip [-l|--local-address A] [-t|--ttl N] [-p|--packet-burst N] [--disable-loopback] addr:port: send UDP datagrams",
			Options: outputOptions,
			New:     func() stage.Stage { return &Output{} },
		},
	)
}
