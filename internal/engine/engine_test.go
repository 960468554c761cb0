package engine

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/weftworks/weft/internal/werr"
)

func freePort(t *testing.T) int {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	port := ln.Addr().(*net.TCPAddr).Port
	require.NoError(t, ln.Close())
	return port
}

func TestNewRequiresDataDir(t *testing.T) {
	_, err := New(Options{})
	require.Equal(t, werr.KindInvalidArgument, werr.KindOf(err))
}

func TestDataDirSingleOwner(t *testing.T) {
	dir := t.TempDir()

	first, err := New(Options{DataDir: dir, Discovery: DiscoveryOff})
	require.NoError(t, err)

	_, err = New(Options{DataDir: dir, Discovery: DiscoveryOff})
	require.Equal(t, werr.KindConfigUnwritable, werr.KindOf(err))

	first.Close()

	second, err := New(Options{DataDir: dir, Discovery: DiscoveryOff})
	require.NoError(t, err)
	second.Close()
}

func TestClientModeRequiresHubURL(t *testing.T) {
	_, err := New(Options{DataDir: t.TempDir(), Mode: "client", Discovery: DiscoveryOff})
	require.Equal(t, werr.KindConfigMissing, werr.KindOf(err))
}

func TestRunServesAPI(t *testing.T) {
	eng, err := New(Options{
		DataDir:   t.TempDir(),
		HTTPAddr:  "127.0.0.1:0",
		Name:      "engine-test",
		Port:      freePort(t),
		Discovery: DiscoveryOff,
	})
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- eng.Run(ctx) }()

	require.Eventually(t, func() bool { return eng.HTTPAddr() != nil },
		5*time.Second, 20*time.Millisecond)

	resp, err := http.Get(fmt.Sprintf("http://%s/api/health", eng.HTTPAddr()))
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	cancel()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(10 * time.Second):
		t.Fatal("engine did not stop")
	}
}

func TestNodeIDStable(t *testing.T) {
	dir := t.TempDir()

	eng, err := New(Options{
		DataDir:   dir,
		Name:      "named-by-flag",
		Port:      freePort(t),
		Discovery: DiscoveryOff,
	})
	require.NoError(t, err)
	eng.Close()

	again, err := New(Options{DataDir: dir, Discovery: DiscoveryOff})
	require.NoError(t, err)
	defer again.Close()
	require.Equal(t, eng.NodeID(), again.NodeID())
}
