// Copyright (C) NHR@FAU, University Erlangen-Nuremberg.
// All rights reserved. This file is part of cc-tbi.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.
package tbi_test

import (
	"encoding/binary"
	"net"
	"testing"
	"time"

	"github.com/ClusterCockpit/cc-tbi/internal/protocol"
	"github.com/ClusterCockpit/cc-tbi/pkg/schema"
	"github.com/ClusterCockpit/cc-tbi/pkg/tbi"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testEntries() []schema.Entry {
	return []schema.Entry{
		{
			Name:    "temp_and_hum",
			MsgType: 1,
			Fields:  []schema.FieldType{schema.FieldTimeS, schema.FieldUint32, schema.FieldUint8},
		},
		{
			Name:     "accel",
			MsgType:  2,
			DCB:      true,
			Interval: 200 * time.Millisecond,
			Fields: []schema.FieldType{
				schema.FieldTimeS, schema.FieldUint16,
				schema.FieldInt16, schema.FieldInt16, schema.FieldInt8,
			},
		},
	}
}

func tempAndHumRecord(timeS, temp uint32, hum uint8) []byte {
	buf := make([]byte, 9)
	binary.NativeEndian.PutUint32(buf[0:], timeS)
	binary.NativeEndian.PutUint32(buf[4:], temp)
	buf[8] = hum
	return buf
}

func accelRecord(timeS uint32, x uint16, y, z int16, temp int8) []byte {
	buf := make([]byte, 11)
	binary.NativeEndian.PutUint32(buf[0:], timeS)
	binary.NativeEndian.PutUint16(buf[4:], x)
	binary.NativeEndian.PutUint16(buf[6:], uint16(y))
	binary.NativeEndian.PutUint16(buf[8:], uint16(z))
	buf[10] = byte(temp)
	return buf
}

// freeAddr reserves a loopback address for a test server.
func freeAddr(t *testing.T) string {
	t.Helper()
	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := l.Addr().String()
	l.Close()
	return addr
}

// connect brings up a connected client/server context pair over loopback.
func connect(t *testing.T, entries []schema.Entry) (client, server *tbi.Context) {
	t.Helper()
	addr := freeAddr(t)

	server = tbi.New(1)
	require.NoError(t, server.RegisterSchema(entries))

	serverErr := make(chan error, 1)
	go func() {
		serverErr <- server.ServerInit(addr)
	}()

	client = tbi.New(1)
	require.NoError(t, client.RegisterSchema(entries))
	require.NoError(t, dialRetry(client, addr))

	require.NoError(t, <-serverErr)

	t.Cleanup(func() {
		client.Close()
		server.Close()
	})
	return client, server
}

// dialRetry retries ClientInit until the server goroutine is listening.
func dialRetry(client *tbi.Context, addr string) error {
	var err error
	for range 50 {
		if err = client.ClientInit(addr); err == nil {
			return nil
		}
		time.Sleep(20 * time.Millisecond)
	}
	return err
}

type received struct {
	msgtype uint8
	record  []byte
}

func collect(ctx *tbi.Context, into *[]received) {
	ctx.RegisterGlobalCallback(func(msgtype uint8, record []byte, _ any) {
		*into = append(*into, received{msgtype, append([]byte(nil), record...)})
	}, nil)
}

func TestRTMRoundTrip(t *testing.T) {
	client, server := connect(t, testEntries())

	var got []received
	collect(server, &got)

	record := tempAndHumRecord(0xAABBCCDD, 0x11223344, 0xFF)
	require.NoError(t, client.Schedule(1, record))

	n, err := client.ClientProcess()
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	n, err = server.ServerReceiveBlocking()
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	n, err = server.ServerProcess()
	require.NoError(t, err)
	require.Equal(t, 1, n)

	require.Len(t, got, 1)
	assert.Equal(t, uint8(1), got[0].msgtype)
	assert.Equal(t, record, got[0].record)
}

func TestRTMWireFormat(t *testing.T) {
	entries := testEntries()
	addr := freeAddr(t)
	csum := schema.Checksum(entries)

	listener, err := net.Listen("tcp", addr)
	require.NoError(t, err)
	defer listener.Close()

	clientDone := make(chan error, 1)
	go func() {
		client := tbi.New(1)
		if err := client.RegisterSchema(entries); err != nil {
			clientDone <- err
			return
		}
		if err := client.ClientInit(addr); err != nil {
			clientDone <- err
			return
		}
		defer client.Close()

		if err := client.Schedule(1, tempAndHumRecord(0xAABBCCDD, 0x11223344, 0xFF)); err != nil {
			clientDone <- err
			return
		}
		_, err := client.ClientProcess()
		clientDone <- err
	}()

	conn, err := listener.Accept()
	require.NoError(t, err)
	defer conn.Close()

	buf := make([]byte, 1500)
	n, err := conn.Read(buf)
	require.NoError(t, err)
	_, err = protocol.ParseClientHandshake(buf[:n], 1, csum)
	require.NoError(t, err)

	ackLen := protocol.BuildAck(buf)
	_, err = conn.Write(buf[:ackLen])
	require.NoError(t, err)

	n, err = conn.Read(buf)
	require.NoError(t, err)
	require.NoError(t, <-clientDone)

	// RTM flag in the high nibble, message type 1 in the low nibble,
	// then every field big-endian.
	want := []byte{0x11, 0xAA, 0xBB, 0xCC, 0xDD, 0x11, 0x22, 0x33, 0x44, 0xFF}
	assert.Equal(t, want, buf[:n])
}

func TestDCBGateAndBundle(t *testing.T) {
	client, server := connect(t, testEntries())

	var got []received
	collect(server, &got)

	records := [][]byte{
		accelRecord(0, 900, 777, 6666, 1),
		accelRecord(10, 654, 8096, 7777, 2),
		accelRecord(18, 322, 999, 200, -3),
	}
	for _, r := range records {
		require.NoError(t, client.Schedule(2, append([]byte(nil), r...)))
	}

	// The gate was seeded with the connection start timestamp, so the
	// bundle must not flush before the interval has elapsed.
	n, err := client.ClientProcess()
	require.NoError(t, err)
	assert.Equal(t, 0, n)

	time.Sleep(250 * time.Millisecond)

	n, err = client.ClientProcess()
	require.NoError(t, err)
	assert.Equal(t, 3, n)

	// Everything arrives in one frame.
	n, err = server.ServerReceiveBlocking()
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	n, err = server.ServerProcess()
	require.NoError(t, err)
	require.Equal(t, 3, n)

	require.Len(t, got, 3)
	for i, r := range records {
		assert.Equal(t, uint8(2), got[i].msgtype)
		assert.Equal(t, r, got[i].record)
	}
}

func TestScheduleValidation(t *testing.T) {
	client, server := connect(t, testEntries())

	// Wrong record size leaves the queue untouched.
	err := client.Schedule(1, make([]byte, 8))
	require.Error(t, err)

	n, err := client.ClientProcess()
	require.NoError(t, err)
	assert.Equal(t, 0, n, "failed schedule must not enqueue")

	err = client.Schedule(9, tempAndHumRecord(1, 2, 3))
	assert.ErrorIs(t, err, tbi.ErrUnknownMsgType)

	err = server.Schedule(1, tempAndHumRecord(1, 2, 3))
	assert.ErrorIs(t, err, tbi.ErrWrongRole)

	_, err = client.ServerProcess()
	assert.ErrorIs(t, err, tbi.ErrWrongRole)
}

func TestFIFOPerMsgType(t *testing.T) {
	client, server := connect(t, testEntries())

	var got []received
	collect(server, &got)

	for i := uint32(1); i <= 3; i++ {
		require.NoError(t, client.Schedule(1, tempAndHumRecord(i, 100*i, uint8(i))))
	}

	for range 3 {
		n, err := client.ClientProcess()
		require.NoError(t, err)
		require.Equal(t, 1, n)

		_, err = server.ServerReceiveBlocking()
		require.NoError(t, err)
	}

	n, err := server.ServerProcess()
	require.NoError(t, err)
	require.Equal(t, 3, n)

	for i := range 3 {
		assert.Equal(t, uint32(i+1), binary.NativeEndian.Uint32(got[i].record))
	}
}

func TestPerMsgTypeCallback(t *testing.T) {
	client, server := connect(t, testEntries())

	var got []received
	require.NoError(t, server.RegisterMsgCallback(1, func(msgtype uint8, record []byte, userdata any) {
		got = append(got, received{msgtype, append([]byte(nil), record...)})
		assert.Equal(t, "token", userdata)
	}, "token"))

	require.NoError(t, client.Schedule(1, tempAndHumRecord(1, 2, 3)))
	_, err := client.ClientProcess()
	require.NoError(t, err)

	_, err = server.ServerReceiveBlocking()
	require.NoError(t, err)
	_, err = server.ServerProcess()
	require.NoError(t, err)

	require.Len(t, got, 1)
}

func TestHandshakeSchemaMismatch(t *testing.T) {
	addr := freeAddr(t)

	serverEntries := testEntries()
	clientEntries := testEntries()
	clientEntries[1].Fields = append(clientEntries[1].Fields, schema.FieldUint8)

	server := tbi.New(1)
	require.NoError(t, server.RegisterSchema(serverEntries))

	serverErr := make(chan error, 1)
	go func() {
		serverErr <- server.ServerInit(addr)
	}()

	client := tbi.New(1)
	require.NoError(t, client.RegisterSchema(clientEntries))

	// The server rejects the handshake and closes the connection without
	// replying; the client's ack read fails. Neither side blocks.
	err := dialRetry(client, addr)
	require.Error(t, err)

	require.Error(t, <-serverErr)
}

func TestModeMismatch(t *testing.T) {
	entries := testEntries()
	addr := freeAddr(t)
	csum := schema.Checksum(entries)

	server := tbi.New(1)
	require.NoError(t, server.RegisterSchema(entries))

	serverErr := make(chan error, 1)
	go func() {
		serverErr <- server.ServerInit(addr)
	}()

	// Raw client: valid handshake, then an RTM-flagged frame for the
	// DCB-registered message type 2.
	var conn net.Conn
	var err error
	for range 50 {
		if conn, err = net.Dial("tcp", addr); err == nil {
			break
		}
		time.Sleep(20 * time.Millisecond)
	}
	require.NoError(t, err)
	defer conn.Close()

	buf := make([]byte, 1500)
	n := protocol.BuildClientHandshake(buf, 1, csum, 42)
	_, err = conn.Write(buf[:n])
	require.NoError(t, err)

	n, err = conn.Read(buf)
	require.NoError(t, err)
	require.NoError(t, protocol.VerifyAck(buf[:n]))
	require.NoError(t, <-serverErr)
	defer server.Close()

	frame := make([]byte, 12)
	frame[0] = protocol.PackHeader(protocol.FlagRTM, 2)
	_, err = conn.Write(frame)
	require.NoError(t, err)

	_, err = server.ServerReceiveBlocking()
	assert.ErrorIs(t, err, tbi.ErrModeMismatch)
}

func TestChecksumMatchesSchemaPackage(t *testing.T) {
	entries := testEntries()
	ctx := tbi.New(1)
	require.NoError(t, ctx.RegisterSchema(entries))
	assert.Equal(t, schema.Checksum(entries), ctx.Checksum())
}

func TestRegisterAfterInitFails(t *testing.T) {
	client, _ := connect(t, testEntries())
	err := client.RegisterSchema([]schema.Entry{
		{MsgType: 5, Fields: []schema.FieldType{schema.FieldUint8}},
	})
	assert.ErrorIs(t, err, tbi.ErrAlreadyInitialized)
}

func TestDuplicateMsgType(t *testing.T) {
	ctx := tbi.New(1)
	err := ctx.RegisterSchema([]schema.Entry{
		{MsgType: 1, Fields: []schema.FieldType{schema.FieldUint8}},
		{MsgType: 1, Fields: []schema.FieldType{schema.FieldUint16}},
	})
	assert.ErrorIs(t, err, schema.ErrDuplicateEntry)
}
