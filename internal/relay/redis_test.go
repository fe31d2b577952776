package relay

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/langchou/parkgate/pkg/ws"
)

type fakeHub struct {
	mu       sync.Mutex
	messages [][]byte
}

func (h *fakeHub) Broadcast(message []byte) {
	h.mu.Lock()
	h.messages = append(h.messages, message)
	h.mu.Unlock()
}

func (h *fakeHub) count() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.messages)
}

type fakePublisher struct {
	channel string
	payload interface{}
	err     error
}

func (p *fakePublisher) Publish(ctx context.Context, channel string, message interface{}) *redis.IntCmd {
	p.channel = channel
	p.payload = message
	cmd := redis.NewIntCmd(ctx)
	if p.err != nil {
		cmd.SetErr(p.err)
	} else {
		cmd.SetVal(1)
	}
	return cmd
}

func TestBroadcastPublishesEnvelope(t *testing.T) {
	hub := &fakeHub{}
	pub := &fakePublisher{}
	r := &Relay{logger: zap.NewNop(), pub: pub, channel: DefaultChannel, hub: hub}

	r.BroadcastMessage(ws.MsgTypeParkingData, []string{"x"})

	if pub.channel != DefaultChannel {
		t.Fatalf("channel = %q", pub.channel)
	}
	var msg ws.Message
	if err := json.Unmarshal(pub.payload.([]byte), &msg); err != nil {
		t.Fatal(err)
	}
	if msg.Type != ws.MsgTypeParkingData {
		t.Fatalf("type = %q", msg.Type)
	}
	if hub.count() != 0 {
		t.Fatal("local hub is fed by the subscription, not by publish")
	}
}

func TestBroadcastFallsBackToLocalHub(t *testing.T) {
	hub := &fakeHub{}
	r := &Relay{logger: zap.NewNop(), pub: &fakePublisher{err: errors.New("conn refused")}, channel: DefaultChannel, hub: hub}

	r.BroadcastMessage(ws.MsgTypeParkingData, []string{})

	if hub.count() != 1 {
		t.Fatalf("local broadcasts = %d, want 1", hub.count())
	}
}

func TestForwardDeliversPayloads(t *testing.T) {
	hub := &fakeHub{}
	r := &Relay{logger: zap.NewNop(), hub: hub}

	messages := make(chan *redis.Message, 2)
	messages <- &redis.Message{Channel: DefaultChannel, Payload: `{"type":"parkingData","data":[]}`}
	messages <- &redis.Message{Channel: DefaultChannel, Payload: `{"type":"parkingData","data":[1]}`}
	close(messages)

	done := make(chan struct{})
	go func() {
		r.forward(context.Background(), messages)
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("forward did not return after channel close")
	}
	if hub.count() != 2 {
		t.Fatalf("forwarded = %d, want 2", hub.count())
	}
}

func TestForwardStopsOnCancel(t *testing.T) {
	r := &Relay{logger: zap.NewNop(), hub: &fakeHub{}}
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	done := make(chan struct{})
	go func() {
		r.forward(ctx, make(chan *redis.Message))
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("forward ignored cancellation")
	}
}

func TestNewClientRejectsEmptyAddr(t *testing.T) {
	if _, err := NewClient("  ", "", 0); err == nil {
		t.Fatal("expected error")
	}
}

func TestStartFailsWhenSubscriptionIsNotConfirmed(t *testing.T) {
	// 取得一个已关闭的本地端口
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	addr := ln.Addr().String()
	ln.Close()

	client := redis.NewClient(&redis.Options{
		Addr:        addr,
		DialTimeout: 500 * time.Millisecond,
		MaxRetries:  -1,
	})
	defer client.Close()

	hub := &fakeHub{}
	r := New(client, "", hub, zap.NewNop())

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()

	if err := r.Start(ctx); err == nil {
		t.Fatal("Start must report an unconfirmed subscription")
	}
	if hub.count() != 0 {
		t.Fatal("nothing should reach the local hub")
	}
}
