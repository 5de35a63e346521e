package events

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/segmentio/kafka-go"
	"go.uber.org/zap"
)

type fakeWriter struct {
	msgs []kafka.Message
	err  error
}

func (w *fakeWriter) WriteMessages(_ context.Context, msgs ...kafka.Message) error {
	if w.err != nil {
		return w.err
	}
	w.msgs = append(w.msgs, msgs...)
	return nil
}

func (w *fakeWriter) Close() error { return nil }

type recorder struct {
	got []Event
	err error
}

func (r *recorder) Publish(_ context.Context, events ...Event) error {
	r.got = append(r.got, events...)
	return r.err
}

var at = time.Date(2026, 6, 1, 0, 0, 0, 0, time.UTC)

func TestKey(t *testing.T) {
	e := New(StakePlaced, at, nil)
	if e.Key() != e.ID {
		t.Errorf("bare event key = %s, want id", e.Key())
	}
	e.UserID = "u1"
	if e.Key() != "u1" {
		t.Errorf("wallet event key = %s", e.Key())
	}
	e.BetID = "b1"
	if e.Key() != "b1" {
		t.Errorf("bet event key = %s", e.Key())
	}
}

func TestKafkaPublisher_WritesKeyedJSON(t *testing.T) {
	w := &fakeWriter{}
	p := &KafkaPublisher{writer: w, log: zap.NewNop()}

	e := New(BetResolved, at, map[string]string{"winning_outcome_id": "o1"})
	e.BetID = "b1"
	if err := p.Publish(context.Background(), e); err != nil {
		t.Fatalf("publish: %v", err)
	}
	if len(w.msgs) != 1 {
		t.Fatalf("wrote %d messages, want 1", len(w.msgs))
	}

	msg := w.msgs[0]
	if string(msg.Key) != "b1" {
		t.Errorf("key = %s, want b1", msg.Key)
	}
	var decoded Event
	if err := json.Unmarshal(msg.Value, &decoded); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if decoded.Type != BetResolved || decoded.ID != e.ID {
		t.Errorf("unexpected payload %+v", decoded)
	}
	if len(msg.Headers) != 1 || string(msg.Headers[0].Value) != string(BetResolved) {
		t.Errorf("unexpected headers %+v", msg.Headers)
	}
}

func TestKafkaPublisher_WriteError(t *testing.T) {
	w := &fakeWriter{err: errors.New("broker down")}
	p := &KafkaPublisher{writer: w, log: zap.NewNop()}

	if err := p.Publish(context.Background(), New(StakePlaced, at, nil)); err == nil {
		t.Fatal("expected error")
	}
	if err := p.Publish(context.Background()); err != nil {
		t.Errorf("empty publish: %v", err)
	}
}

func TestMulti(t *testing.T) {
	ok := &recorder{}
	failing := &recorder{err: errors.New("down")}

	err := Multi{ok, failing, Nop{}}.Publish(context.Background(), New(BetOpened, at, nil))
	if err == nil {
		t.Error("expected joined error")
	}
	if len(ok.got) != 1 || len(failing.got) != 1 {
		t.Errorf("fan-out incomplete: %d, %d", len(ok.got), len(failing.got))
	}
}
