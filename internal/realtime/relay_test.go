package realtime

import (
	"context"
	"errors"
	"net"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/parleyhq/parley/backend/internal/cache"
)

func newRelayedHub(t *testing.T, redisAddr string) (*Hub, *Relay, *httptest.Server) {
	t.Helper()
	hub, err := NewHub(HubConfig{
		Verifier: &staticVerifier{users: map[string]string{
			"token-u1": "u1",
			"token-u2": "u2",
		}},
		ProbeInterval: time.Minute,
	})
	if err != nil {
		t.Fatalf("failed to construct hub: %v", err)
	}
	server := httptest.NewServer(http.HandlerFunc(hub.HandleConnection))

	var client *cache.Client
	if redisAddr != "" {
		client = cache.NewClient(context.Background(), redisAddr, nil)
	}
	relay, err := NewRelay(RelayConfig{
		Client: client,
		Topic:  "parley:events:test",
		Hub:    hub,
	})
	if err != nil {
		t.Fatalf("failed to construct relay: %v", err)
	}
	relay.Start(context.Background())

	t.Cleanup(func() {
		relay.Close()
		hub.Close()
		server.Close()
		if client != nil {
			client.Close()
		}
	})
	return hub, relay, server
}

func TestMessageCrossesProcessBoundary(t *testing.T) {
	redis := miniredis.RunT(t)

	// Process A accepts the write; process B holds the receiver's socket.
	_, relayA, _ := newRelayedHub(t, redis.Addr())
	_, _, serverB := newRelayedHub(t, redis.Addr())

	receiver := dial(t, serverB, "?token=token-u2")
	if kind := frameType(t, readFrame(t, receiver)); kind != frameTypeAuthOK {
		t.Fatalf("receiver auth failed: %q", kind)
	}

	relayA.PublishMessage(context.Background(), MessageEvent{
		ID: 1, DialogID: "u1:u2", SenderID: "u1", ReceiverID: "u2", Body: "across",
	})

	frame := readFrame(t, receiver)
	if kind := frameType(t, frame); kind != EventMessageNew {
		t.Fatalf("expected message:new on process B, got %q", kind)
	}
}

func TestDocumentUpdateCrossesProcessBoundary(t *testing.T) {
	redis := miniredis.RunT(t)

	_, relayA, _ := newRelayedHub(t, redis.Addr())
	_, _, serverB := newRelayedHub(t, redis.Addr())

	subscriber := dial(t, serverB, "?token=token-u1")
	if kind := frameType(t, readFrame(t, subscriber)); kind != frameTypeAuthOK {
		t.Fatalf("subscriber auth failed: %q", kind)
	}

	relayA.DocumentUpdated(42, 1700000000)

	frame := readFrame(t, subscriber)
	if kind := frameType(t, frame); kind != EventDocumentUpdated {
		t.Fatalf("expected db:updated on process B, got %q", kind)
	}
}

func TestUnreachableTopicFallsBackToLocalDelivery(t *testing.T) {
	// No redis at all: single-process deployment.
	_, relay, server := newRelayedHub(t, "")

	local := dial(t, server, "?token=token-u2")
	if kind := frameType(t, readFrame(t, local)); kind != frameTypeAuthOK {
		t.Fatalf("auth failed: %q", kind)
	}

	relay.PublishMessage(context.Background(), MessageEvent{
		ID: 2, SenderID: "u1", ReceiverID: "u2", Body: "local",
	})

	if kind := frameType(t, readFrame(t, local)); kind != EventMessageNew {
		t.Fatalf("expected local delivery, got %q", kind)
	}
}

func TestDegradedRelayDoesNotReachOtherProcesses(t *testing.T) {
	redis := miniredis.RunT(t)

	// Process B is healthy; process A lost its backend before startup.
	unreachable := miniredis.RunT(t)
	address := unreachable.Addr()
	unreachable.Close()

	_, relayA, serverA := newRelayedHub(t, address)
	_, _, serverB := newRelayedHub(t, redis.Addr())

	senderLocal := dial(t, serverA, "?token=token-u1")
	if kind := frameType(t, readFrame(t, senderLocal)); kind != frameTypeAuthOK {
		t.Fatalf("sender auth failed: %q", kind)
	}
	receiverRemote := dial(t, serverB, "?token=token-u2")
	if kind := frameType(t, readFrame(t, receiverRemote)); kind != frameTypeAuthOK {
		t.Fatalf("receiver auth failed: %q", kind)
	}

	relayA.PublishMessage(context.Background(), MessageEvent{
		ID: 3, SenderID: "u1", ReceiverID: "u2", Body: "degraded",
	})

	// Local participant still gets the event.
	if kind := frameType(t, readFrame(t, senderLocal)); kind != EventMessageNew {
		t.Fatalf("expected local delivery on process A, got %q", kind)
	}

	// The remote socket stays silent: degraded fan-out is local-only.
	receiverRemote.SetReadDeadline(time.Now().Add(300 * time.Millisecond))
	if _, _, err := receiverRemote.ReadMessage(); err == nil {
		t.Fatalf("expected no delivery on process B while process A is degraded")
	} else if !isTimeout(err) {
		t.Fatalf("expected read timeout, got %v", err)
	}
}

func isTimeout(err error) bool {
	var netErr net.Error
	return errors.As(err, &netErr) && netErr.Timeout()
}
