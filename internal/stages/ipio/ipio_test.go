// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

package ipio

import (
	"context"
	"net"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/ManuGH/tspipe/internal/pipeline"
	"github.com/ManuGH/tspipe/internal/pipeline/stage"
	"github.com/ManuGH/tspipe/internal/stages/basic"
	"github.com/ManuGH/tspipe/internal/ts"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func getFreeUDPPort(t *testing.T) int {
	t.Helper()
	conn, err := net.ListenUDP("udp4", &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1)})
	require.NoError(t, err)
	defer conn.Close()
	return conn.LocalAddr().(*net.UDPAddr).Port
}

func datagram(pids ...uint16) []byte {
	out := make([]byte, 0, len(pids)*ts.PacketSize)
	for _, pid := range pids {
		p := ts.NullPacket
		p.SetPID(pid)
		out = append(out, p[:]...)
	}
	return out
}

func testEnv() *stage.Env {
	return stage.NewEnv(zerolog.Nop(), "test", stage.Descriptor{Name: "ip"})
}

func configured(t *testing.T, s stage.Stage, args ...string) {
	t.Helper()
	specs := outputOptions
	if _, ok := s.(*Input); ok {
		specs = inputOptions
	}
	opts, err := stage.ParseArgs(args, specs...)
	require.NoError(t, err)
	require.NoError(t, s.Configure(testEnv(), opts))
}

func TestParseAddress(t *testing.T) {
	tests := []struct {
		in      string
		ip      string
		port    int
		wantErr bool
	}{
		{in: "1234", port: 1234},
		{in: ":1234", port: 1234},
		{in: "127.0.0.1:5000", ip: "127.0.0.1", port: 5000},
		{in: "239.1.1.1:1234", ip: "239.1.1.1", port: 1234},
		{in: "", wantErr: true},
		{in: "host:notaport", wantErr: true},
		{in: "[::1]:1234", wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			addr, err := parseAddress(tt.in)
			if tt.wantErr {
				assert.ErrorIs(t, err, ErrInvalidAddress)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.port, addr.Port)
			if tt.ip == "" {
				assert.Nil(t, addr.IP)
			} else {
				assert.Equal(t, tt.ip, addr.IP.String())
			}
		})
	}
}

func TestSplitDatagram(t *testing.T) {
	var in Input
	assert.True(t, in.split(datagram(1, 2, 3)))
	assert.Len(t, in.pending, 3)

	in.pending = nil
	rtp := append([]byte{0x80, 33, 0, 1, 0, 0, 0, 0, 0, 0, 0, 0}, datagram(7, 8)...)
	require.True(t, in.split(rtp))
	require.Len(t, in.pending, 2)
	assert.Equal(t, uint16(7), in.pending[0].PID())

	in.pending = nil
	assert.False(t, in.split([]byte("hello")))
	bad := datagram(1, 2)
	bad[ts.PacketSize] = 0
	assert.False(t, in.split(bad))
	assert.Empty(t, in.pending)
}

func TestInputReceivesDatagrams(t *testing.T) {
	in := &Input{}
	configured(t, in, "127.0.0.1:0")
	env := testEnv()
	require.NoError(t, in.Start(context.Background(), env))
	defer func() { assert.NoError(t, in.Stop(context.Background(), env)) }()

	conn, err := net.DialUDP("udp4", nil, in.LocalAddr().(*net.UDPAddr))
	require.NoError(t, err)
	defer conn.Close()
	_, err = conn.Write(datagram(10, 11, 12, 13, 14, 15, 16))
	require.NoError(t, err)
	_, err = conn.Write(datagram(20, 21))
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	var got []uint16
	for range 9 {
		var u ts.Unit
		status, err := in.Produce(ctx, env, &u)
		require.NoError(t, err)
		require.Equal(t, stage.StatusOK, status)
		got = append(got, u.Packet.PID())
	}
	assert.Equal(t, []uint16{10, 11, 12, 13, 14, 15, 16, 20, 21}, got)
}

func TestInputReceiveTimeoutEnds(t *testing.T) {
	in := &Input{}
	configured(t, in, "--receive-timeout", "50ms", "127.0.0.1:0")
	env := testEnv()
	require.NoError(t, in.Start(context.Background(), env))
	defer in.Stop(context.Background(), env)

	var u ts.Unit
	status, err := in.Produce(context.Background(), env, &u)
	require.NoError(t, err)
	assert.Equal(t, stage.StatusEnd, status)
}

func TestInputHonorsContext(t *testing.T) {
	in := &Input{}
	configured(t, in, "127.0.0.1:0")
	env := testEnv()
	require.NoError(t, in.Start(context.Background(), env))
	defer in.Stop(context.Background(), env)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	var u ts.Unit
	status, err := in.Produce(ctx, env, &u)
	assert.Equal(t, stage.StatusError, status)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestOutputBurstsAndFlush(t *testing.T) {
	listener, err := net.ListenUDP("udp4", &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1)})
	require.NoError(t, err)
	defer listener.Close()

	reg := stage.NewRegistry()
	basic.Register(reg)
	Register(reg)
	bound, err := pipeline.Instantiate(reg, []pipeline.Spec{
		{Name: "null", Role: stage.RoleInput, Args: []string{"10"}},
		{Name: "ip", Role: stage.RoleOutput, Args: []string{"--ttl", "2", listener.LocalAddr().String()}},
	})
	require.NoError(t, err)
	rep, err := pipeline.New(bound, pipeline.DefaultOptions(), pipeline.WithLogger(zerolog.Nop())).Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, uint64(10), rep.Delivered())

	buf := make([]byte, maxDatagram)
	var sizes []int
	require.NoError(t, listener.SetReadDeadline(time.Now().Add(2*time.Second)))
	for range 2 {
		n, _, err := listener.ReadFromUDP(buf)
		require.NoError(t, err)
		sizes = append(sizes, n)
	}
	assert.Equal(t, []int{7 * ts.PacketSize, 3 * ts.PacketSize}, sizes)
}

func TestOutputRejectsBadOptions(t *testing.T) {
	for _, args := range [][]string{
		{},
		{"1234"},
		{"--ttl", "300", "127.0.0.1:1234"},
		{"--packet-burst", "8", "127.0.0.1:1234"},
		{"--local-address", "nope", "127.0.0.1:1234"},
	} {
		opts, err := stage.ParseArgs(args, outputOptions...)
		require.NoError(t, err)
		assert.Error(t, (&Output{}).Configure(testEnv(), opts), args)
	}
}

func TestUDPLoopbackPipeline(t *testing.T) {
	port := strconv.Itoa(getFreeUDPPort(t))
	reg := stage.NewRegistry()
	basic.Register(reg)
	Register(reg)

	receiver, err := pipeline.Instantiate(reg, []pipeline.Spec{
		{Name: "ip", Role: stage.RoleInput, Args: []string{"--receive-timeout", "1s", "127.0.0.1:" + port}},
		{Name: "count", Role: stage.RoleProcessor},
		{Name: "until", Role: stage.RoleProcessor, Args: []string{"--packets", "21"}},
		{Name: "drop", Role: stage.RoleOutput},
	})
	require.NoError(t, err)
	sender, err := pipeline.Instantiate(reg, []pipeline.Spec{
		{Name: "null", Role: stage.RoleInput, Args: []string{"21"}},
		{Name: "ip", Role: stage.RoleOutput, Args: []string{"127.0.0.1:" + port}},
	})
	require.NoError(t, err)

	var (
		wg      sync.WaitGroup
		rep     pipeline.Report
		recvErr error
	)
	wg.Add(1)
	go func() {
		defer wg.Done()
		rep, recvErr = pipeline.New(receiver, pipeline.DefaultOptions(), pipeline.WithLogger(zerolog.Nop())).Run(context.Background())
	}()

	time.Sleep(200 * time.Millisecond)
	_, err = pipeline.New(sender, pipeline.DefaultOptions(), pipeline.WithLogger(zerolog.Nop())).Run(context.Background())
	require.NoError(t, err)

	wg.Wait()
	require.NoError(t, recvErr)
	assert.Equal(t, pipeline.StateStopped, rep.State)
	assert.Equal(t, uint64(21), rep.Delivered())
}
