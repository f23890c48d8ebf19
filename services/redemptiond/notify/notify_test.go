package notify

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"repaircoin/services/redemptiond/models"
)

func sampleEvent(customer, shop string, status models.SessionStatus) Event {
	return Event{
		SessionID:       uuid.New(),
		CustomerAddress: customer,
		ShopID:          shop,
		Amount:          decimal.NewFromInt(10),
		Status:          status,
		At:              time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC),
	}
}

func TestHubRoutesByFilter(t *testing.T) {
	hub := NewHub()
	customerCh, cancelCustomer := hub.Subscribe(Filter{CustomerAddress: "0xAbC"})
	defer cancelCustomer()
	shopCh, cancelShop := hub.Subscribe(Filter{ShopID: "shop-2"})
	defer cancelShop()
	require.Equal(t, 2, hub.Subscribers())

	require.NoError(t, hub.Publish(context.Background(), sampleEvent("0xabc", "shop-1", models.StatusPending)))

	select {
	case e := <-customerCh:
		require.Equal(t, "shop-1", e.ShopID)
	case <-time.After(time.Second):
		t.Fatalf("customer subscriber did not receive event")
	}
	select {
	case e := <-shopCh:
		t.Fatalf("shop subscriber received unrelated event %v", e)
	default:
	}
}

func TestHubDropsForSlowSubscriber(t *testing.T) {
	hub := NewHub()
	_, cancel := hub.Subscribe(Filter{})
	for i := 0; i < subscriberBuffer+3; i++ {
		require.NoError(t, hub.Publish(context.Background(), sampleEvent("0xabc", "shop-1", models.StatusPending)))
	}
	require.EqualValues(t, 3, hub.Dropped())

	cancel()
	cancel()
	require.Equal(t, 0, hub.Subscribers())
}

type recordingConn struct {
	subjects []string
	payloads [][]byte
	err      error
}

func (c *recordingConn) Publish(subject string, data []byte) error {
	if c.err != nil {
		return c.err
	}
	c.subjects = append(c.subjects, subject)
	c.payloads = append(c.payloads, data)
	return nil
}

func TestNATSPublisherSubjects(t *testing.T) {
	conn := &recordingConn{}
	p := NewNATSPublisher(conn, "rc.sessions.")
	event := sampleEvent("0xabc", "shop-1", models.StatusApproved)

	require.NoError(t, p.Publish(context.Background(), event))
	require.Equal(t, []string{"rc.sessions.approved"}, conn.subjects)

	var decoded Event
	require.NoError(t, json.Unmarshal(conn.payloads[0], &decoded))
	require.Equal(t, event.SessionID, decoded.SessionID)
	require.True(t, decoded.Amount.Equal(event.Amount))

	require.Equal(t, DefaultSubjectPrefix+".used", NewNATSPublisher(conn, "").Subject(sampleEvent("", "", models.StatusUsed)))
}

func TestMultiJoinsErrors(t *testing.T) {
	boom := errors.New("boom")
	hub := NewHub()
	ch, cancel := hub.Subscribe(Filter{})
	defer cancel()

	m := Multi{hub, NewNATSPublisher(&recordingConn{err: boom}, ""), nil}
	err := m.Publish(context.Background(), sampleEvent("0xabc", "shop-1", models.StatusRejected))
	require.ErrorIs(t, err, boom)
	require.Len(t, ch, 1)
}
