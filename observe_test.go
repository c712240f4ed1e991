package gcoap

import (
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

// newObservableCounterListener builds a /counter resource that registers
// an Observe per RFC 7641 and returns both the Listener and the *Resource
// (same identity findResource will hand back) so a test can drive ObsSend
// against it directly.
func newObservableCounterListener() (*Listener, *Resource) {
	l := &Listener{Resources: []Resource{
		{Path: "/counter", Methods: MethodGet},
	}}
	r := &l.Resources[0]
	r.Handler = func(buf []byte, req *Packet, e *Engine) (int, error) {
		resp := e.RespInit(req, CodeContent)
		if req.HasObserve && req.Observe == 0 {
			resp.HasObserve = true
			resp.Observe = e.ObsCounter(r)
		}
		return resp.Finish(buf, []byte("0"))
	}
	return l, r
}

func TestObserveRegisterAndNotify(t *testing.T) {
	server, client, serverAddr := newLoopbackEnginePair(t)
	listener, resource := newObservableCounterListener()
	server.RegisterListener(listener)

	cancelServer, _ := runEngine(t, server)
	defer cancelServer()
	cancelClient, _ := runEngine(t, client)
	defer cancelClient()

	req, err := client.ReqInit(TypeConfirmable, CodeGET, "/counter")
	require.NoError(t, err)
	req.HasObserve = true
	req.Observe = 0
	buf := make([]byte, 64)
	n, err := req.Finish(buf, nil)
	require.NoError(t, err)

	notifyCh := make(chan *Packet, 4)
	errCh := make(chan error, 4)
	err = client.ReqSend(buf, n, serverAddr, func(resp *Packet, remote net.Addr, err error) {
		if err != nil {
			errCh <- err
			return
		}
		notifyCh <- resp
	})
	require.NoError(t, err)

	select {
	case resp := <-notifyCh:
		require.True(t, resp.HasObserve)
	case err := <-errCh:
		t.Fatalf("registration failed: %v", err)
	case <-time.After(2 * time.Second):
		t.Fatal("no registration response received")
	}

	// Give the server a moment to record the registration before pushing
	// an out-of-band notification.
	time.Sleep(20 * time.Millisecond)
	require.NoError(t, server.ObsSend(resource, []byte("1"), ContentFormatNone, TypeNonConfirmable))

	select {
	case resp := <-notifyCh:
		require.Equal(t, "1", string(resp.Payload))
		require.True(t, resp.HasObserve)
	case err := <-errCh:
		t.Fatalf("notification delivery failed: %v", err)
	case <-time.After(2 * time.Second):
		t.Fatal("no out-of-band notification received")
	}
}

func TestObsSendReportsNoObserversInitially(t *testing.T) {
	server, _, _ := newLoopbackEnginePair(t)
	_, resource := newObservableCounterListener()

	cancelServer, _ := runEngine(t, server)
	defer cancelServer()

	err := server.ObsSend(resource, []byte("0"), ContentFormatNone, TypeNonConfirmable)
	require.ErrorIs(t, err, ErrNoObservers)
}

func TestObserveDeregisterRemovesMemo(t *testing.T) {
	server, client, serverAddr := newLoopbackEnginePair(t)
	listener, resource := newObservableCounterListener()
	server.RegisterListener(listener)

	cancelServer, _ := runEngine(t, server)
	defer cancelServer()
	cancelClient, _ := runEngine(t, client)
	defer cancelClient()

	regReq, err := client.ReqInit(TypeConfirmable, CodeGET, "/counter")
	require.NoError(t, err)
	regReq.HasObserve = true
	regReq.Observe = 0
	regBuf := make([]byte, 64)
	regN, err := regReq.Finish(regBuf, nil)
	require.NoError(t, err)

	respCh := make(chan error, 1)
	err = client.ReqSend(regBuf, regN, serverAddr, func(resp *Packet, remote net.Addr, err error) {
		respCh <- err
	})
	require.NoError(t, err)
	require.NoError(t, <-respCh)
	time.Sleep(20 * time.Millisecond)

	// Deregister using the same token the registration used.
	deregReq, err := client.ReqInit(TypeConfirmable, CodeGET, "/counter")
	require.NoError(t, err)
	deregReq.Token = regReq.Token
	deregReq.HasObserve = true
	deregReq.Observe = 1
	buf := make([]byte, 64)
	n, err := deregReq.Finish(buf, nil)
	require.NoError(t, err)

	err = client.ReqSend(buf, n, serverAddr, func(resp *Packet, remote net.Addr, err error) {
		respCh <- err
	})
	require.NoError(t, err)
	require.NoError(t, <-respCh)
	time.Sleep(20 * time.Millisecond)

	require.ErrorIs(t, server.ObsSend(resource, []byte("2"), ContentFormatNone, TypeNonConfirmable), ErrNoObservers)
}

func TestObserveConfirmableNotificationStopsOnAck(t *testing.T) {
	server, client, serverAddr := newLoopbackEnginePair(t)
	listener, resource := newObservableCounterListener()
	server.RegisterListener(listener)

	cancelServer, _ := runEngine(t, server)
	defer cancelServer()
	cancelClient, _ := runEngine(t, client)
	defer cancelClient()

	req, err := client.ReqInit(TypeConfirmable, CodeGET, "/counter")
	require.NoError(t, err)
	req.HasObserve = true
	req.Observe = 0
	buf := make([]byte, 64)
	n, err := req.Finish(buf, nil)
	require.NoError(t, err)

	notifyCh := make(chan *Packet, 4)
	errCh := make(chan error, 4)
	err = client.ReqSend(buf, n, serverAddr, func(resp *Packet, remote net.Addr, err error) {
		if err != nil {
			errCh <- err
			return
		}
		notifyCh <- resp
	})
	require.NoError(t, err)

	select {
	case resp := <-notifyCh:
		require.True(t, resp.HasObserve)
	case err := <-errCh:
		t.Fatalf("registration failed: %v", err)
	case <-time.After(2 * time.Second):
		t.Fatal("no registration response received")
	}

	time.Sleep(20 * time.Millisecond)
	// A confirmable notification re-enters handleSubmit on the server,
	// so the client's stack (which ACKs a confirmable message matching
	// its open observation) should acknowledge it with no retransmit.
	require.NoError(t, server.ObsSend(resource, []byte("1"), ContentFormatNone, TypeConfirmable))

	select {
	case resp := <-notifyCh:
		require.Equal(t, "1", string(resp.Payload))
		require.True(t, resp.HasObserve)
	case err := <-errCh:
		t.Fatalf("notification delivery failed: %v", err)
	case <-time.After(2 * time.Second):
		t.Fatal("no out-of-band notification received")
	}

	time.Sleep(20 * time.Millisecond)
	require.Equal(t, 0, server.OpState())
}
