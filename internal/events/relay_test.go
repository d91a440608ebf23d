package events

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/mock/gomock"

	"expertdesk/internal/domain"
	"expertdesk/internal/notify"
)

type memSource struct {
	events []domain.Event
	cursor int64
	saves  int
}

func (m *memSource) EventsAfter(_ context.Context, cursor int64, limit int) ([]domain.Event, error) {
	var out []domain.Event
	for _, e := range m.events {
		if e.ID > cursor && len(out) < limit {
			out = append(out, e)
		}
	}
	return out, nil
}

func (m *memSource) RelayCursor(context.Context, string) (int64, error) { return m.cursor, nil }

func (m *memSource) SaveRelayCursor(_ context.Context, _ string, id int64, _ string) error {
	m.cursor = id
	m.saves++
	return nil
}

func sampleEvents(n int) []domain.Event {
	out := make([]domain.Event, n)
	for i := range out {
		out[i] = domain.Event{
			ID:         int64(i + 1),
			TS:         "2024-01-01T00:00:00.000000Z",
			Type:       ConversationClaimed,
			EntityKind: EntityConversation,
			EntityID:   "c1",
			ActorID:    "e1",
			Payload:    `{"expert_id":"e1"}`,
		}
	}
	return out
}

func TestRelayPublishesInOrder(t *testing.T) {
	ctrl := gomock.NewController(t)
	pub := notify.NewMockPublisher(ctrl)
	src := &memSource{events: sampleEvents(5)}

	var ids []string
	pub.EXPECT().Publish(gomock.Any(), ConversationClaimed, gomock.Any()).DoAndReturn(
		func(_ context.Context, _ string, msg notify.Envelope) error {
			ids = append(ids, msg.Meta.ID)
			assert.Equal(t, ConversationClaimed, msg.Meta.Type)
			data, ok := msg.Data.(EventData)
			require.True(t, ok)
			assert.Equal(t, "c1", data.EntityID)
			return nil
		}).Times(5)

	relay := &Relay{Source: src, Publisher: pub, BatchSize: 2, Producer: "expertdesk"}
	n, err := relay.Flush(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 5, n)
	assert.Equal(t, []string{"1", "2", "3", "4", "5"}, ids)
	assert.Equal(t, int64(5), src.cursor)
}

func TestRelayStopsAtFailedPublish(t *testing.T) {
	ctrl := gomock.NewController(t)
	pub := notify.NewMockPublisher(ctrl)
	src := &memSource{events: sampleEvents(3)}
	boom := errors.New("broker down")

	gomock.InOrder(
		pub.EXPECT().Publish(gomock.Any(), gomock.Any(), gomock.Any()).Return(nil),
		pub.EXPECT().Publish(gomock.Any(), gomock.Any(), gomock.Any()).Return(boom),
	)
	relay := &Relay{Source: src, Publisher: pub}
	n, err := relay.Flush(context.Background())
	require.ErrorIs(t, err, boom)
	assert.Equal(t, 1, n)
	assert.Equal(t, int64(1), src.cursor)

	pub.EXPECT().Publish(gomock.Any(), gomock.Any(), gomock.Any()).Return(nil).Times(2)
	n, err = relay.Flush(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	assert.Equal(t, int64(3), src.cursor)
}

func TestRelayRunStopsOnCancel(t *testing.T) {
	ctrl := gomock.NewController(t)
	pub := notify.NewMockPublisher(ctrl)
	src := &memSource{}
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	relay := &Relay{Source: src, Publisher: pub, Interval: 5 * time.Millisecond}
	go func() { done <- relay.Run(ctx) }()
	time.Sleep(20 * time.Millisecond)
	cancel()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("relay did not stop")
	}
	assert.Zero(t, src.saves)
}
