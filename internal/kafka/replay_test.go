package kafka

import (
	"context"
	"errors"
	"math/big"
	"sync"
	"testing"
	"time"

	"github.com/segmentio/kafka-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/lvdashuaibi/ticketsync/internal/model"
)

func sampleMessage() *model.ReplayMessage {
	return &model.ReplayMessage{
		Event: &model.LedgerEvent{
			Kind:        model.KindTicketPurchased,
			TxHash:      "0x01",
			BlockNumber: 42,
			EventID:     7,
			TokenID:     3,
			Account:     "0xabc",
			Amount:      2,
			Price:       big.NewInt(10000000000000000),
		},
		Attempts: 1,
		Reason:   "投影写入失败",
		FailedAt: time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC),
	}
}

type fakeWriter struct {
	msgs []kafka.Message
	err  error
}

func (w *fakeWriter) WriteMessages(ctx context.Context, msgs ...kafka.Message) error {
	if w.err != nil {
		return w.err
	}
	w.msgs = append(w.msgs, msgs...)
	return nil
}

func (w *fakeWriter) Close() error { return nil }

func TestPublishKeysByEvent(t *testing.T) {
	w := &fakeWriter{}
	p := &ReplayProducer{writer: w, topic: "replay", logger: zap.NewNop()}

	require.NoError(t, p.Publish(context.Background(), sampleMessage()))
	require.Len(t, w.msgs, 1)
	assert.Equal(t, "7", string(w.msgs[0].Key))

	got, err := decodeReplay(w.msgs[0])
	require.NoError(t, err)
	assert.Equal(t, "10000000000000000", got.Event.Price.String())
	assert.Equal(t, "0x01", got.Event.TxHash)
	assert.Equal(t, 1, got.Attempts)

	w.err = errors.New("broker down")
	assert.Error(t, p.Publish(context.Background(), sampleMessage()))
	assert.Error(t, p.Publish(context.Background(), &model.ReplayMessage{}))
}

func TestDecodeRejectsGarbage(t *testing.T) {
	_, err := decodeReplay(kafka.Message{Value: []byte("{")})
	assert.Error(t, err)
	_, err = decodeReplay(kafka.Message{Value: []byte(`{"attempts":1}`)})
	assert.Error(t, err)
}

type fakeReader struct {
	mu        sync.Mutex
	queue     []kafka.Message
	committed []int64
}

func (r *fakeReader) FetchMessage(ctx context.Context) (kafka.Message, error) {
	r.mu.Lock()
	if len(r.queue) > 0 {
		m := r.queue[0]
		r.queue = r.queue[1:]
		r.mu.Unlock()
		return m, nil
	}
	r.mu.Unlock()
	<-ctx.Done()
	return kafka.Message{}, ctx.Err()
}

func (r *fakeReader) CommitMessages(ctx context.Context, msgs ...kafka.Message) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, m := range msgs {
		r.committed = append(r.committed, m.Offset)
	}
	return nil
}

func (r *fakeReader) Close() error { return nil }

func (r *fakeReader) commits() []int64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]int64(nil), r.committed...)
}

func TestConsumerHandlesAndCommits(t *testing.T) {
	good, err := encodeReplay(sampleMessage())
	require.NoError(t, err)
	good.Offset = 1
	bad := kafka.Message{Offset: 2, Value: []byte("not json")}

	r := &fakeReader{queue: []kafka.Message{good, bad}}
	c := newReplayConsumer([]messageReader{r}, 0, true, zap.NewNop())

	var (
		mu   sync.Mutex
		seen []string
	)
	c.Start(context.Background(), func(ctx context.Context, msg *model.ReplayMessage) error {
		mu.Lock()
		defer mu.Unlock()
		seen = append(seen, msg.Event.TxHash)
		return errors.New("still failing")
	})

	require.Eventually(t, func() bool { return len(r.commits()) == 2 }, time.Second, 5*time.Millisecond)
	require.NoError(t, c.Stop())

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []string{"0x01"}, seen)
	assert.Equal(t, []int64{1, 2}, r.commits())
}

func TestConsumerWaitGrowsWithAttempts(t *testing.T) {
	c := newReplayConsumer(nil, time.Minute, false, zap.NewNop())
	msg := &model.ReplayMessage{FailedAt: time.Now(), Attempts: 3}
	wait := c.wait(msg)
	assert.Greater(t, wait, 2*time.Minute)
	assert.LessOrEqual(t, wait, 3*time.Minute)

	msg.FailedAt = time.Now().Add(-time.Hour)
	assert.Less(t, c.wait(msg), time.Duration(0))
}
