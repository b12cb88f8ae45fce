package services

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/tbourn/go-deeplink-relay/internal/domain"
	"github.com/tbourn/go-deeplink-relay/internal/repo"
)

func threeItemLink() domain.Link {
	return domain.Link{
		Token:     "tok",
		ChannelID: -100500,
		Items: []domain.LinkItem{
			{Position: 0, MessageID: 10, Kind: domain.ItemKindPoster},
			{Position: 1, MessageID: 11, Kind: domain.ItemKindMedia},
			{Position: 2, MessageID: 12, Kind: domain.ItemKindMedia},
		},
	}
}

func TestDeliver_OrderAndIsolation(t *testing.T) {
	m := newFakeMessenger()
	m.forwardErr[11] = errBoom
	reg := &fakeRegistrar{}
	s := NewDeliveryService(m, reg)
	s.Pacing = 0

	out := s.Deliver(context.Background(), threeItemLink(), 555)

	if len(out) != 3 {
		t.Fatalf("want 3 outcomes, got %d", len(out))
	}
	if !out[0].OK() || out[1].OK() || !out[2].OK() {
		t.Fatalf("outcomes: %+v", out)
	}
	if !errors.Is(out[1].Err, ErrForwardFailed) || !errors.Is(out[1].Err, errBoom) {
		t.Fatalf("failure should wrap ErrForwardFailed and cause, got %v", out[1].Err)
	}
	if out[1].DeliveredMessageID != 0 {
		t.Fatalf("failed item has a delivered id: %d", out[1].DeliveredMessageID)
	}

	calls := m.forwardCalls()
	if len(calls) != 3 {
		t.Fatalf("want 3 forward attempts, got %d", len(calls))
	}
	for i, want := range []int{10, 11, 12} {
		if calls[i].MessageID != want || calls[i].Dest != 555 || calls[i].Src != -100500 {
			t.Fatalf("call %d: %+v", i, calls[i])
		}
	}

	if len(reg.calls) != 2 {
		t.Fatalf("want 2 registrations, got %d", len(reg.calls))
	}
	if reg.calls[0].MessageID != out[0].DeliveredMessageID || reg.calls[1].MessageID != out[2].DeliveredMessageID {
		t.Fatalf("registrations don't match delivered ids: %+v vs %+v", reg.calls, out)
	}
}

func TestDeliver_RegistersOneDeletionPerDeliveredMessage(t *testing.T) {
	ctx := context.Background()
	db := newServiceDB(t)
	clock := newClock(time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC))
	m := newFakeMessenger()
	lm := NewLifecycleManager(db, m)
	lm.Now = clock.Now

	s := NewDeliveryService(m, lm)
	s.Pacing = 0

	out := s.Deliver(ctx, threeItemLink(), 777)
	for _, o := range out {
		if !o.OK() || o.RegisterErr != nil {
			t.Fatalf("outcome: %+v", o)
		}
		d, err := repo.GetDeletion(ctx, db, 777, o.DeliveredMessageID)
		if err != nil {
			t.Fatalf("no deletion for delivered message %d: %v", o.DeliveredMessageID, err)
		}
		if want := clock.Now().Add(24 * time.Hour); !d.FireAt.Equal(want) {
			t.Fatalf("fire at: want %v got %v", want, d.FireAt)
		}
		if d.Status != domain.DeletionScheduled {
			t.Fatalf("status: %s", d.Status)
		}
	}
	st, err := lm.Stats(ctx)
	if err != nil {
		t.Fatalf("Stats: %v", err)
	}
	if st.Scheduled != 3 {
		t.Fatalf("want 3 scheduled deletions, got %+v", st)
	}
}

func TestDeliver_Pacing(t *testing.T) {
	m := newFakeMessenger()
	s := NewDeliveryService(m, &fakeRegistrar{})
	s.Pacing = 40 * time.Millisecond

	s.Deliver(context.Background(), threeItemLink(), 1)

	calls := m.forwardCalls()
	for i := 1; i < len(calls); i++ {
		if gap := calls[i].At.Sub(calls[i-1].At); gap < 30*time.Millisecond {
			t.Fatalf("forwards %d and %d only %v apart", i-1, i, gap)
		}
	}
}

func TestDeliver_PerItemTimeout(t *testing.T) {
	m := newFakeMessenger()
	m.blockForward[11] = true
	s := NewDeliveryService(m, &fakeRegistrar{})
	s.Pacing = 0
	s.Timeout = 50 * time.Millisecond

	start := time.Now()
	out := s.Deliver(context.Background(), threeItemLink(), 1)
	if time.Since(start) > 2*time.Second {
		t.Fatalf("timeout not applied")
	}
	if !out[0].OK() || out[1].OK() || !out[2].OK() {
		t.Fatalf("hung item should fail alone: %+v", out)
	}
	if !errors.Is(out[1].Err, context.DeadlineExceeded) {
		t.Fatalf("want deadline exceeded, got %v", out[1].Err)
	}
}

func TestDeliver_RegistrationFailureIsReported(t *testing.T) {
	m := newFakeMessenger()
	reg := &fakeRegistrar{err: errBoom}
	s := NewDeliveryService(m, reg)
	s.Pacing = 0
	s.RegisterAttempts = 2

	link := threeItemLink()
	link.Items = link.Items[:1]
	out := s.Deliver(context.Background(), link, 1)

	if !out[0].OK() {
		t.Fatalf("forward should still count as delivered")
	}
	if !errors.Is(out[0].RegisterErr, errBoom) {
		t.Fatalf("want RegisterErr, got %v", out[0].RegisterErr)
	}
	if len(reg.calls) != 2 {
		t.Fatalf("want 2 registration attempts, got %d", len(reg.calls))
	}
}

func TestDeliver_RegistrationRetriedUntilSuccess(t *testing.T) {
	m := newFakeMessenger()
	reg := &fakeRegistrar{failFirst: 2}
	s := NewDeliveryService(m, reg)
	s.Pacing = 0
	s.RegisterAttempts = 3

	link := threeItemLink()
	link.Items = link.Items[:1]
	out := s.Deliver(context.Background(), link, 1)

	if !out[0].OK() || out[0].RegisterErr != nil {
		t.Fatalf("want delivered and registered, got %+v", out[0])
	}
	if len(reg.calls) != 3 {
		t.Fatalf("want 3 registration attempts, got %d", len(reg.calls))
	}
}

func TestDeliver_EmptyLink(t *testing.T) {
	s := NewDeliveryService(newFakeMessenger(), &fakeRegistrar{})
	if out := s.Deliver(context.Background(), domain.Link{}, 1); len(out) != 0 {
		t.Fatalf("want no outcomes, got %d", len(out))
	}
}
