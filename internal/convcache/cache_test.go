package convcache

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/fleetdesk/convsync/internal/bus"
	"github.com/fleetdesk/convsync/internal/model"
)

var base = time.Date(2026, 4, 2, 8, 0, 0, 0, time.UTC)

type fakeFetcher struct {
	mu        sync.Mutex
	convs     []model.Conversation
	listCalls map[model.Filter]int
	readErr   error
	read      []string
	deleted   []string
	block     chan struct{}
}

func newFakeFetcher(convs ...model.Conversation) *fakeFetcher {
	return &fakeFetcher{convs: convs, listCalls: make(map[model.Filter]int)}
}

func (f *fakeFetcher) ListConversations(_ context.Context, filter model.Filter) ([]model.Conversation, error) {
	f.mu.Lock()
	f.listCalls[filter]++
	block := f.block
	f.mu.Unlock()
	if block != nil {
		<-block
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []model.Conversation
	for _, c := range f.convs {
		if filter.Matches(&c) {
			out = append(out, c)
		}
	}
	return out, nil
}

func (f *fakeFetcher) GetConversation(_ context.Context, id string) (model.Conversation, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, c := range f.convs {
		if c.ID == id {
			return c, nil
		}
	}
	return model.Conversation{}, ErrUnknownConversation
}

func (f *fakeFetcher) MarkRead(_ context.Context, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.readErr != nil {
		return f.readErr
	}
	f.read = append(f.read, id)
	return nil
}

func (f *fakeFetcher) DeleteConversation(_ context.Context, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.deleted = append(f.deleted, id)
	return nil
}

func (f *fakeFetcher) calls(filter model.Filter) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.listCalls[filter]
}

func driverConv(id, driver string) model.Conversation {
	return model.Conversation{ID: id, RecipientKind: model.RecipientDriver, DriverID: driver}
}

func companyConv(id, company string) model.Conversation {
	return model.Conversation{ID: id, RecipientKind: model.RecipientCompany, CompanyID: company}
}

func loaded(t *testing.T, f *fakeFetcher, b *bus.Bus, filters ...model.Filter) *Cache {
	t.Helper()
	c := NewCache(f, time.Hour, b, nil)
	for _, filter := range filters {
		if err := c.Refresh(context.Background(), filter); err != nil {
			t.Fatal(err)
		}
	}
	return c
}

func incoming(id, conv string, sec int) model.Message {
	return model.Message{ID: id, ConversationID: conv, Kind: model.KindChat, Content: "text " + id, CreatedAt: base.Add(time.Duration(sec) * time.Second)}
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatal("condition not met before deadline")
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestListFiltersViews(t *testing.T) {
	f := newFakeFetcher(driverConv("c1", "d1"), companyConv("c2", "k1"), driverConv("c3", "d2"))
	c := loaded(t, f, nil, model.FilterAll, model.FilterDriver)

	if got := len(c.List(model.FilterAll)); got != 3 {
		t.Errorf("all view has %d, want 3", got)
	}
	drivers := c.List(model.FilterDriver)
	if len(drivers) != 2 {
		t.Fatalf("driver view has %d, want 2", len(drivers))
	}
	for _, d := range drivers {
		if d.RecipientKind != model.RecipientDriver {
			t.Errorf("driver view contains %s", d.RecipientKind)
		}
	}
}

func TestListStaleTriggersBackgroundRefresh(t *testing.T) {
	b := bus.New()
	ch, unsub := b.Subscribe("conversation.listed", 10)
	defer unsub()

	f := newFakeFetcher(driverConv("c1", "d1"))
	c := NewCache(f, time.Minute, b, nil)

	if got := c.List(model.FilterAll); len(got) != 0 {
		t.Errorf("cold list = %d entries, want 0", len(got))
	}
	select {
	case <-ch:
	case <-time.After(2 * time.Second):
		t.Fatal("no background refresh after cold list")
	}
	if got := c.List(model.FilterAll); len(got) != 1 {
		t.Errorf("warm list = %d entries, want 1", len(got))
	}
	if f.calls(model.FilterAll) != 1 {
		t.Errorf("list calls = %d, want 1 while fresh", f.calls(model.FilterAll))
	}

	c.now = func() time.Time { return time.Now().Add(2 * time.Minute) }
	c.List(model.FilterAll)
	waitFor(t, func() bool { return f.calls(model.FilterAll) == 2 })
}

func TestRefreshCollapsesConcurrentCalls(t *testing.T) {
	f := newFakeFetcher(driverConv("c1", "d1"))
	f.block = make(chan struct{})
	c := NewCache(f, time.Hour, nil, nil)

	var wg sync.WaitGroup
	for i := 0; i < 5; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = c.Refresh(context.Background(), model.FilterAll)
		}()
	}
	waitFor(t, func() bool { return f.calls(model.FilterAll) >= 1 })
	time.Sleep(20 * time.Millisecond)
	close(f.block)
	wg.Wait()

	if got := f.calls(model.FilterAll); got != 1 {
		t.Errorf("list calls = %d, want 1", got)
	}
}

func TestUpsertUpdatesEveryView(t *testing.T) {
	b := bus.New()
	f := newFakeFetcher(driverConv("c1", "d1"), companyConv("c2", "k1"))
	c := loaded(t, f, b, model.FilterAll, model.FilterDriver)
	ch, unsub := b.Subscribe("conversation.updated", 10)
	defer unsub()

	content := "arrived at depot"
	count := 4
	if !c.Upsert("c1", model.ConversationPatch{LastMessageContent: &content, UnreadMessageCount: &count}) {
		t.Fatal("Upsert() = false")
	}

	for _, filter := range []model.Filter{model.FilterAll, model.FilterDriver} {
		var found bool
		for _, conv := range c.List(filter) {
			if conv.ID == "c1" {
				found = true
				if conv.LastMessageContent != content || conv.UnreadMessageCount != 4 {
					t.Errorf("%q view: %+v", filter, conv)
				}
			}
		}
		if !found {
			t.Errorf("%q view lost c1", filter)
		}
	}

	select {
	case evt := <-ch:
		if evt.ConversationID != "c1" {
			t.Errorf("event for %q", evt.ConversationID)
		}
	case <-time.After(time.Second):
		t.Fatal("no conversation.updated event")
	}
}

func TestUpsertMissSchedulesRefetch(t *testing.T) {
	b := bus.New()
	ch, unsub := b.Subscribe("conversation.missed", 10)
	defer unsub()

	f := newFakeFetcher(driverConv("c1", "d1"))
	c := loaded(t, f, b, model.FilterAll)

	if c.Upsert("ghost", model.ConversationPatch{}) {
		t.Fatal("Upsert() on unknown id = true")
	}
	if _, ok := c.Get("ghost"); ok {
		t.Error("miss fabricated a conversation")
	}
	select {
	case evt := <-ch:
		if evt.ConversationID != "ghost" {
			t.Errorf("missed event for %q", evt.ConversationID)
		}
	case <-time.After(time.Second):
		t.Fatal("no conversation.missed event")
	}
	waitFor(t, func() bool { return f.calls(model.FilterAll) == 2 })
}

func TestMissHealsOnceServerHasConversation(t *testing.T) {
	f := newFakeFetcher(driverConv("c1", "d1"))
	c := loaded(t, f, nil, model.FilterAll)

	f.mu.Lock()
	f.convs = append(f.convs, driverConv("c2", "d2"))
	f.mu.Unlock()

	if got := c.ApplyIncoming(incoming("m1", "c2", 1)); got != Missed {
		t.Fatalf("outcome = %s, want missed", got)
	}
	waitFor(t, func() bool {
		_, ok := c.Get("c2")
		return ok
	})
	conv, _ := c.Get("c2")
	if conv.UnreadMessageCount != 0 {
		t.Errorf("dropped event still counted: unread = %d", conv.UnreadMessageCount)
	}
}

func TestUnreadCountsDistinctTransitions(t *testing.T) {
	f := newFakeFetcher(driverConv("c1", "d1"))
	c := loaded(t, f, nil, model.FilterAll)

	events := []model.Message{
		incoming("m1", "c1", 1),
		incoming("m1", "c1", 1),
		incoming("m2", "c1", 2),
		incoming("m2", "c1", 2),
		incoming("m2", "c1", 2),
		incoming("m3", "c1", 3),
	}
	for _, m := range events {
		c.ApplyIncoming(m)
	}
	conv, _ := c.Get("c1")
	if conv.UnreadMessageCount != 3 {
		t.Errorf("unread = %d, want 3 (distinct transitions)", conv.UnreadMessageCount)
	}
	if conv.LastMessageID != "m3" {
		t.Errorf("last message = %q, want m3", conv.LastMessageID)
	}
}

func TestScenarioRedeliveredMessageCountsOnce(t *testing.T) {
	f := newFakeFetcher(driverConv("C1", "d1"))
	c := loaded(t, f, nil, model.FilterAll)

	m1 := incoming("m1", "C1", 0)
	if got := c.ApplyIncoming(m1); got != Applied {
		t.Fatalf("first delivery = %s", got)
	}
	conv, _ := c.Get("C1")
	if conv.UnreadMessageCount != 1 || conv.LastMessageID != "m1" {
		t.Fatalf("after first delivery: %+v", conv)
	}
	if got := c.ApplyIncoming(m1); got != Duplicate {
		t.Errorf("redelivery = %s, want duplicate", got)
	}
	conv, _ = c.Get("C1")
	if conv.UnreadMessageCount != 1 {
		t.Errorf("unread = %d after redelivery, want 1", conv.UnreadMessageCount)
	}
}

func TestApplyIncomingAlertAndStale(t *testing.T) {
	f := newFakeFetcher(driverConv("c1", "d1"))
	c := loaded(t, f, nil, model.FilterAll)

	alert := incoming("a1", "c1", 10)
	alert.Kind = model.KindAlert
	alert.AlertKind = model.AlertWarning
	c.ApplyIncoming(alert)

	if got := c.ApplyIncoming(incoming("old", "c1", 5)); got != Stale {
		t.Errorf("older message outcome = %s, want stale", got)
	}
	conv, _ := c.Get("c1")
	if conv.UnreadAlertCount != 1 || conv.UnreadMessageCount != 0 {
		t.Errorf("counters = %d msgs / %d alerts, want 0/1", conv.UnreadMessageCount, conv.UnreadAlertCount)
	}
	if conv.LastMessageID != "a1" {
		t.Errorf("last message = %q, want a1", conv.LastMessageID)
	}
}

func TestApplyOwnDoesNotCount(t *testing.T) {
	f := newFakeFetcher(driverConv("c1", "d1"))
	c := loaded(t, f, nil, model.FilterAll)

	if got := c.ApplyOwn(incoming("m1", "c1", 1)); got != Applied {
		t.Fatalf("outcome = %s", got)
	}
	conv, _ := c.Get("c1")
	if conv.UnreadMessageCount != 0 || conv.LastMessageID != "m1" || conv.LastMessageContent != "text m1" {
		t.Errorf("conversation = %+v", conv)
	}
}

func TestMarkRead(t *testing.T) {
	f := newFakeFetcher(driverConv("c1", "d1"))
	c := loaded(t, f, nil, model.FilterAll)
	c.ApplyIncoming(incoming("m1", "c1", 1))

	f.readErr = errors.New("timeout")
	if err := c.MarkRead(context.Background(), "c1"); err == nil {
		t.Fatal("MarkRead() expected error")
	}
	if conv, _ := c.Get("c1"); conv.UnreadMessageCount != 1 {
		t.Errorf("failed mark-read changed unread to %d", conv.UnreadMessageCount)
	}

	f.readErr = nil
	if err := c.MarkRead(context.Background(), "c1"); err != nil {
		t.Fatal(err)
	}
	if conv, _ := c.Get("c1"); conv.UnreadMessageCount != 0 {
		t.Errorf("unread = %d after mark-read", conv.UnreadMessageCount)
	}
	if len(f.read) != 1 || f.read[0] != "c1" {
		t.Errorf("server mark-read calls = %v", f.read)
	}

	// Counting restarts after a reset.
	c.ApplyIncoming(incoming("m2", "c1", 2))
	if conv, _ := c.Get("c1"); conv.UnreadMessageCount != 1 {
		t.Errorf("unread = %d, want 1", conv.UnreadMessageCount)
	}
}

func TestResetUnread(t *testing.T) {
	f := newFakeFetcher(driverConv("c1", "d1"))
	c := loaded(t, f, nil, model.FilterAll)
	c.ApplyIncoming(incoming("m1", "c1", 1))

	if !c.ResetUnread("c1") {
		t.Fatal("ResetUnread() = false")
	}
	if conv, _ := c.Get("c1"); conv.UnreadMessageCount != 0 {
		t.Errorf("unread = %d", conv.UnreadMessageCount)
	}
	if c.ResetUnread("nope") {
		t.Error("ResetUnread() on unknown id = true")
	}
}

func TestFindByRecipient(t *testing.T) {
	f := newFakeFetcher(driverConv("c1", "d1"), companyConv("c2", "k1"))
	c := loaded(t, f, nil, model.FilterAll)

	r := model.Recipient{Kind: model.RecipientCompany, ID: "k1"}
	conv, ok := c.Find(r.Is)
	if !ok || conv.ID != "c2" {
		t.Errorf("Find() = %+v, %v", conv, ok)
	}
	if _, ok := c.Find(model.Recipient{Kind: model.RecipientDriver, ID: "zzz"}.Is); ok {
		t.Error("Find() matched an unknown recipient")
	}
}

func TestFetchAndPut(t *testing.T) {
	f := newFakeFetcher(driverConv("c1", "d1"), companyConv("c2", "k1"))
	c := loaded(t, f, nil, model.FilterAll, model.FilterDriver)

	f.mu.Lock()
	f.convs = append(f.convs, driverConv("c3", "d3"))
	f.mu.Unlock()

	if _, err := c.Fetch(context.Background(), "c3"); err != nil {
		t.Fatal(err)
	}
	if got := len(c.List(model.FilterAll)); got != 3 {
		t.Errorf("all view = %d, want 3", got)
	}
	if got := len(c.List(model.FilterDriver)); got != 2 {
		t.Errorf("driver view = %d, want 2", got)
	}

	if err := c.Put(model.Conversation{ID: "bad"}); err == nil {
		t.Error("Put() accepted a conversation without recipient")
	}
}

func TestDeleteRemovesFromAllViews(t *testing.T) {
	b := bus.New()
	ch, unsub := b.Subscribe("conversation.deleted", 10)
	defer unsub()
	f := newFakeFetcher(driverConv("c1", "d1"), driverConv("c2", "d2"))
	c := loaded(t, f, b, model.FilterAll, model.FilterDriver)

	if err := c.Delete(context.Background(), "c1"); err != nil {
		t.Fatal(err)
	}
	for _, filter := range []model.Filter{model.FilterAll, model.FilterDriver} {
		for _, conv := range c.List(filter) {
			if conv.ID == "c1" {
				t.Errorf("%q view still lists c1", filter)
			}
		}
	}
	if _, ok := c.Get("c1"); ok {
		t.Error("record still present")
	}
	select {
	case evt := <-ch:
		if evt.ConversationID != "c1" {
			t.Errorf("deleted event for %q", evt.ConversationID)
		}
	case <-time.After(time.Second):
		t.Fatal("no conversation.deleted event")
	}
}

func TestRefreshDropsVanishedConversations(t *testing.T) {
	f := newFakeFetcher(driverConv("c1", "d1"), driverConv("c2", "d2"))
	c := loaded(t, f, nil, model.FilterAll)

	f.mu.Lock()
	f.convs = f.convs[:1]
	f.mu.Unlock()
	if err := c.Refresh(context.Background(), model.FilterAll); err != nil {
		t.Fatal(err)
	}
	if _, ok := c.Get("c2"); ok {
		t.Error("c2 should have been collected")
	}
}

func TestListOrdersByRecentActivity(t *testing.T) {
	f := newFakeFetcher(driverConv("c1", "d1"), driverConv("c2", "d2"))
	c := loaded(t, f, nil, model.FilterAll)
	c.ApplyIncoming(incoming("m1", "c1", 1))
	c.ApplyIncoming(incoming("m2", "c2", 2))

	list := c.List(model.FilterAll)
	if len(list) != 2 || list[0].ID != "c2" {
		t.Errorf("order = %v, want c2 first", list)
	}
}

func TestFetchUnknownEvicts(t *testing.T) {
	b := bus.New()
	ch, unsub := b.Subscribe(bus.ConversationDeleted, 10)
	defer unsub()
	f := newFakeFetcher(driverConv("c1", "d1"), driverConv("c2", "d2"))
	c := loaded(t, f, b, model.FilterAll)

	f.mu.Lock()
	f.convs = f.convs[1:]
	f.mu.Unlock()
	_, err := c.Fetch(context.Background(), "c1")
	if !errors.Is(err, ErrUnknownConversation) {
		t.Fatalf("Fetch() error = %v, want ErrUnknownConversation", err)
	}
	if _, ok := c.Get("c1"); ok {
		t.Error("conversation unknown to the server is still cached")
	}
	select {
	case evt := <-ch:
		if evt.ConversationID != "c1" {
			t.Errorf("deleted event for %q", evt.ConversationID)
		}
	case <-time.After(time.Second):
		t.Fatal("no conversation.deleted event")
	}
}
