package ptyio

import (
	"bufio"
	"errors"
	"os"
	"sync"
	"syscall"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func openLink(t *testing.T, opts Options) (Link, *os.File) {
	t.Helper()
	link, err := Open(opts)
	require.NoError(t, err)
	require.NotEmpty(t, link.TTYName())

	slave, err := OpenSlave(link.TTYName())
	require.NoError(t, err)

	t.Cleanup(func() {
		_ = slave.Close()
		_ = link.Close()
	})
	return link, slave
}

func TestLink_WriteReachesSlave(t *testing.T) {
	link, slave := openLink(t, Options{})

	n, err := link.Write([]byte("retcode: 0\r\n"))
	require.NoError(t, err)
	assert.Equal(t, 12, n)

	line, err := bufio.NewReader(slave).ReadString('\n')
	require.NoError(t, err)
	assert.Equal(t, "retcode: 0\r\n", line)

	assert.Eventually(t, func() bool {
		return link.Stats().WriteTotal == 12
	}, time.Second, 10*time.Millisecond)
}

func TestLink_ReadCallbackReceivesSlaveBytes(t *testing.T) {
	link, slave := openLink(t, Options{PollTimeout: 10 * time.Millisecond})

	var (
		mu       sync.Mutex
		received []byte
	)
	link.SetReadCallback(func(chunk []byte) {
		mu.Lock()
		received = append(received, chunk...)
		mu.Unlock()
	})

	_, err := slave.Write([]byte("ble getVersion\n"))
	require.NoError(t, err)

	assert.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return string(received) == "ble getVersion\n"
	}, 2*time.Second, 10*time.Millisecond)
}

func TestLink_ReadIsNonBlocking(t *testing.T) {
	link, slave := openLink(t, Options{PollTimeout: 10 * time.Millisecond})

	buf := make([]byte, 64)
	_, err := link.Read(buf)
	assert.True(t, errors.Is(err, syscall.EAGAIN))

	_, err = slave.Write([]byte("echo off\n"))
	require.NoError(t, err)

	var got []byte
	assert.Eventually(t, func() bool {
		n, _ := link.Read(buf)
		got = append(got, buf[:n]...)
		return string(got) == "echo off\n"
	}, 2*time.Second, 10*time.Millisecond)
}

func TestLink_PanickingCallbackIsUnregistered(t *testing.T) {
	reported := make(chan error, 1)
	link, slave := openLink(t, Options{
		PollTimeout: 10 * time.Millisecond,
		OnError:     func(err error) { reported <- err },
	})

	link.SetReadCallback(func([]byte) { panic("boom") })
	_, err := slave.Write([]byte("x\n"))
	require.NoError(t, err)

	select {
	case err := <-reported:
		assert.Contains(t, err.Error(), "boom")
	case <-time.After(2 * time.Second):
		t.Fatal("panic was not reported")
	}
}

func TestLink_WriteRingOverflow(t *testing.T) {
	link, err := Open(Options{WriteCap: 8})
	require.NoError(t, err)
	defer link.Close()

	// nobody reads the slave, so the ring fills once the pty buffer does;
	// a single oversized write is enough to observe a short count
	n, err := link.Write(make([]byte, 32))
	require.NoError(t, err)
	assert.LessOrEqual(t, n, 8)
	assert.GreaterOrEqual(t, link.Stats().DroppedWrite, uint64(24))
}

func TestLink_Close(t *testing.T) {
	link, err := Open(Options{PollTimeout: 10 * time.Millisecond})
	require.NoError(t, err)

	require.NoError(t, link.Close())
	assert.NoError(t, link.Close())

	_, err = link.Write([]byte("late"))
	assert.ErrorIs(t, err, os.ErrClosed)
	_, err = link.Read(make([]byte, 4))
	assert.ErrorIs(t, err, os.ErrClosed)
}
