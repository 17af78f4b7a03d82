package reconcile

import (
	"fmt"
	"math/rand/v2"
	"reflect"
	"testing"
	"time"

	"github.com/fleetdesk/convsync/internal/model"
)

var base = time.Date(2026, 4, 2, 8, 0, 0, 0, time.UTC)

func msg(id string, sec int, content string) model.Message {
	return model.Message{
		ID: id, ConversationID: "c1", Kind: model.KindChat,
		Content: content, CreatedAt: base.Add(time.Duration(sec) * time.Second),
	}
}

func placeholder(id string, sec int, content string) model.Message {
	m := msg(id, sec, content)
	m.DeliveryStatus = model.StatusSending
	return m
}

func ids(msgs []model.Message) []string {
	out := make([]string, len(msgs))
	for i, m := range msgs {
		out[i] = m.ID
	}
	return out
}

func TestReconcileInsertsIntoEmptyWindow(t *testing.T) {
	w := New()
	res := Reconcile(w, msg("m1", 0, "hi"))
	if res.Outcome != Inserted {
		t.Fatalf("outcome = %s, want inserted", res.Outcome)
	}
	if w.Len() != 1 || w.PageCount() != 1 {
		t.Errorf("len=%d pages=%d, want 1/1", w.Len(), w.PageCount())
	}
}

func TestReconcileIdempotent(t *testing.T) {
	seed := New()
	AppendPage(seed, []model.Message{msg("m3", 30, "c"), msg("m2", 20, "b"), msg("m1", 10, "a")})
	Reconcile(seed, placeholder("tmp-1", 40, "pending"))

	incoming := []model.Message{
		msg("m4", 25, "late"),
		msg("m2", 20, "b"),
		msg("srv-9", 41, "pending"),
		placeholder("tmp-2", 50, "pending"),
	}
	for _, m := range incoming {
		t.Run(m.ID, func(t *testing.T) {
			once := seed.Clone()
			Reconcile(once, m)
			twice := once.Clone()
			if res := Reconcile(twice, m); res.Changed() {
				t.Errorf("second reconcile changed the window: %s", res.Outcome)
			}
			if !reflect.DeepEqual(once.Ascending(), twice.Ascending()) {
				t.Errorf("reconcile not idempotent:\n once  %v\n twice %v", ids(once.Ascending()), ids(twice.Ascending()))
			}
		})
	}
}

func TestReconcileReplacesPlaceholderInPlace(t *testing.T) {
	w := New()
	AppendPage(w, []model.Message{msg("m2", 20, "b"), msg("m1", 10, "a")})
	Reconcile(w, placeholder("tmp-1", 30, "x"))
	Reconcile(w, msg("m3", 25, "c"))

	page, idx, _ := w.Position("tmp-1")

	confirmed := msg("srv-1", 30, "x")
	res := Reconcile(w, confirmed)
	if res.Outcome != Replaced || res.Placeholder != "tmp-1" {
		t.Fatalf("result = %+v, want replaced tmp-1", res)
	}
	if _, ok := w.Get("tmp-1"); ok {
		t.Error("placeholder still present")
	}
	gotPage, gotIdx, ok := w.Position("srv-1")
	if !ok || gotPage != page || gotIdx != idx {
		t.Errorf("srv-1 at %d/%d, want %d/%d", gotPage, gotIdx, page, idx)
	}
	got, _ := w.Get("srv-1")
	if got.DeliveryStatus != "" {
		t.Errorf("confirmed message has status %q", got.DeliveryStatus)
	}
	if w.Len() != 4 {
		t.Errorf("len = %d, want 4", w.Len())
	}
}

func TestReconcilePlaceholderThenEchoThenResponse(t *testing.T) {
	w := New()
	Reconcile(w, placeholder("tmp-1", 0, "x"))

	// The live echo arrives before the HTTP response.
	echo := msg("srv-1", 1, "x")
	if res := Reconcile(w, echo); res.Outcome != Replaced {
		t.Fatalf("echo outcome = %s, want replaced", res.Outcome)
	}
	// Then the HTTP response carries the same record.
	if res := Reconcile(w, echo); res.Outcome != Duplicate {
		t.Fatalf("response outcome = %s, want duplicate", res.Outcome)
	}

	all := w.Ascending()
	if len(all) != 1 || all[0].ID != "srv-1" || all[0].DeliveryStatus != "" {
		t.Errorf("window = %+v, want exactly srv-1 confirmed", all)
	}
}

func TestReconcileSameIDPlaceholderConfirmation(t *testing.T) {
	w := New()
	p := placeholder("shared", 0, "x")
	Reconcile(w, p)

	res := Reconcile(w, msg("shared", 0, "x"))
	if res.Outcome != Replaced {
		t.Fatalf("outcome = %s, want replaced", res.Outcome)
	}
	got, _ := w.Get("shared")
	if got.DeliveryStatus != "" {
		t.Errorf("status = %q, want confirmed", got.DeliveryStatus)
	}

	if res := Reconcile(w, msg("shared", 0, "other")); res.Outcome != Duplicate {
		t.Errorf("outcome = %s, want duplicate for a confirmed id", res.Outcome)
	}
}

func TestReconcileDoubleSendKeepsTwoPlaceholders(t *testing.T) {
	w := New()
	Reconcile(w, placeholder("tmp-1", 0, "ok"))
	Reconcile(w, placeholder("tmp-2", 1, "ok"))
	if w.Len() != 2 {
		t.Fatalf("len = %d, want 2 placeholders", w.Len())
	}

	// Confirmations pair with the oldest placeholder first.
	if res := Reconcile(w, msg("srv-1", 0, "ok")); res.Placeholder != "tmp-1" {
		t.Errorf("first confirmation replaced %q, want tmp-1", res.Placeholder)
	}
	if res := Reconcile(w, msg("srv-2", 1, "ok")); res.Placeholder != "tmp-2" {
		t.Errorf("second confirmation replaced %q, want tmp-2", res.Placeholder)
	}
	if got := ids(w.Ascending()); !reflect.DeepEqual(got, []string{"srv-1", "srv-2"}) {
		t.Errorf("window = %v", got)
	}
}

func TestReconcileClientTokenWins(t *testing.T) {
	w := New()
	a := placeholder("tmp-a", 0, "ok")
	a.ClientToken = "tok-a"
	b := placeholder("tmp-b", 1, "ok")
	b.ClientToken = "tok-b"
	Reconcile(w, a)
	Reconcile(w, b)

	echo := msg("srv-b", 1, "ok")
	echo.ClientToken = "tok-b"
	if res := Reconcile(w, echo); res.Placeholder != "tmp-b" {
		t.Fatalf("replaced %q, want tmp-b", res.Placeholder)
	}

	// A message carrying an unknown token is another actor's message.
	foreign := msg("srv-x", 2, "ok")
	foreign.ClientToken = "tok-other"
	if res := Reconcile(w, foreign); res.Outcome != Inserted {
		t.Errorf("outcome = %s, want inserted", res.Outcome)
	}
	if _, ok := w.Get("tmp-a"); !ok {
		t.Error("tmp-a should still be pending")
	}
}

func TestReconcileMatchesAttachmentName(t *testing.T) {
	w := New()
	p := placeholder("tmp-1", 0, "")
	p.Attachment = &model.Attachment{Name: "pod.pdf"}
	Reconcile(w, p)

	other := msg("srv-0", 0, "")
	other.Attachment = &model.Attachment{Name: "invoice.pdf", Path: "f/invoice.pdf"}
	if res := Reconcile(w, other); res.Outcome != Inserted {
		t.Errorf("different attachment outcome = %s, want inserted", res.Outcome)
	}

	same := msg("srv-1", 0, "")
	same.Attachment = &model.Attachment{Name: "pod.pdf", Path: "f/pod.pdf"}
	if res := Reconcile(w, same); res.Outcome != Replaced {
		t.Errorf("same attachment outcome = %s, want replaced", res.Outcome)
	}
}

func TestReconcileIgnoresFailedPlaceholders(t *testing.T) {
	w := New()
	Reconcile(w, placeholder("tmp-1", 0, "x"))
	SetStatus(w, "tmp-1", model.StatusFailed)

	if res := Reconcile(w, msg("srv-1", 1, "x")); res.Outcome != Inserted {
		t.Errorf("outcome = %s, want inserted next to the failed placeholder", res.Outcome)
	}
	if w.Len() != 2 {
		t.Errorf("len = %d, want 2", w.Len())
	}
}

func TestReconcileOrdering(t *testing.T) {
	rng := rand.New(rand.NewPCG(7, 11))
	for round := 0; round < 20; round++ {
		w := New()
		perm := rng.Perm(60)
		// First 30 arrive as the newest page, the next 20 as an older page,
		// the rest live in random order.
		var newest, older []model.Message
		for _, n := range perm[:30] {
			newest = append(newest, msg(fmt.Sprintf("m%d", n), 1000+n, ""))
		}
		for _, n := range perm[30:50] {
			older = append(older, msg(fmt.Sprintf("o%d", n), n, ""))
		}
		AppendPage(w, newest)
		AppendPage(w, older)
		for _, n := range perm[50:] {
			Reconcile(w, msg(fmt.Sprintf("l%d", n), 500+n*7, ""))
		}

		all := w.Ascending()
		if len(all) != 60 {
			t.Fatalf("round %d: len = %d, want 60", round, len(all))
		}
		for i := 1; i < len(all); i++ {
			if all[i].CreatedAt.Before(all[i-1].CreatedAt) {
				t.Fatalf("round %d: %s before %s out of order", round, all[i-1].ID, all[i].ID)
			}
		}
		for p := 0; p < w.PageCount(); p++ {
			page := w.pages[p]
			for i := 1; i < len(page); i++ {
				if page[i].CreatedAt.After(page[i-1].CreatedAt) {
					t.Fatalf("round %d: page %d not descending at %d", round, p, i)
				}
			}
		}
	}
}

func TestReconcileEqualTimestampsKeepArrivalOrder(t *testing.T) {
	w := New()
	Reconcile(w, msg("first", 5, "a"))
	Reconcile(w, msg("second", 5, "b"))
	Reconcile(w, msg("third", 5, "c"))
	if got := ids(w.Ascending()); !reflect.DeepEqual(got, []string{"first", "second", "third"}) {
		t.Errorf("order = %v, want arrival order", got)
	}
}

func TestReplacementWithShiftedTimestampSettles(t *testing.T) {
	w := New()
	AppendPage(w, []model.Message{msg("m3", 30, "c"), msg("m2", 20, "b"), msg("m1", 10, "a")})
	Reconcile(w, placeholder("tmp-1", 40, "x"))

	// The server clock puts the message before m3.
	Reconcile(w, msg("srv-1", 25, "x"))

	for p := 0; p < w.PageCount(); p++ {
		page := w.pages[p]
		for i := 1; i < len(page); i++ {
			if page[i].CreatedAt.After(page[i-1].CreatedAt) {
				t.Fatalf("page %d not descending at %d", p, i)
			}
		}
	}
	if got := ids(w.Ascending()); !reflect.DeepEqual(got, []string{"m1", "m2", "srv-1", "m3"}) {
		t.Errorf("order = %v", got)
	}
}

func TestAppendPageDropsOverlap(t *testing.T) {
	w := New()
	var first []model.Message
	for i := 0; i < 30; i++ {
		first = append(first, msg(fmt.Sprintf("n%d", i), 100+i, ""))
	}
	if added := AppendPage(w, first); added != 30 {
		t.Fatalf("first page added %d, want 30", added)
	}

	// The older page repeats the boundary message n0.
	older := []model.Message{msg("n0", 100, "")}
	for i := 0; i < 12; i++ {
		older = append(older, msg(fmt.Sprintf("o%d", i), i, ""))
	}
	if added := AppendPage(w, older); added != 12 {
		t.Errorf("older page added %d, want 12", added)
	}
	if w.Len() != 42 {
		t.Errorf("len = %d, want 42", w.Len())
	}
	if w.PageCount() != 2 || w.PageLen(1) != 12 {
		t.Errorf("pages = %d, tail len = %d", w.PageCount(), w.PageLen(1))
	}
}

func TestAppendPageAllDuplicates(t *testing.T) {
	w := New()
	AppendPage(w, []model.Message{msg("m1", 1, "")})
	if added := AppendPage(w, []model.Message{msg("m1", 1, "")}); added != 0 {
		t.Errorf("added = %d, want 0", added)
	}
	if w.PageCount() != 1 {
		t.Errorf("pages = %d, want no empty page appended", w.PageCount())
	}
}

func TestOldestSkipsPlaceholders(t *testing.T) {
	w := New()
	if _, ok := w.Oldest(); ok {
		t.Fatal("empty window has no oldest message")
	}
	Reconcile(w, placeholder("tmp-1", -50, "x"))
	AppendPage(w, []model.Message{msg("m2", 20, ""), msg("m1", 10, "")})
	AppendPage(w, []model.Message{msg("m0", 5, "")})

	got, ok := w.Oldest()
	if !ok || got.ID != "m0" {
		t.Errorf("Oldest() = %s, want m0", got.ID)
	}
}

func TestSetStatusReplaceRemove(t *testing.T) {
	w := New()
	Reconcile(w, placeholder("tmp-1", 0, "x"))
	if !SetStatus(w, "tmp-1", model.StatusFailed) {
		t.Fatal("SetStatus() = false")
	}
	if SetStatus(w, "tmp-1", model.StatusFailed) {
		t.Error("SetStatus() to the same status should report no change")
	}

	restaged := placeholder("tmp-2", 3, "x")
	if !Replace(w, "tmp-1", restaged) {
		t.Fatal("Replace() = false")
	}
	if _, ok := w.Get("tmp-1"); ok {
		t.Error("old id still present")
	}
	if res := Reconcile(w, msg("srv-2", 3, "x")); res.Placeholder != "tmp-2" {
		t.Errorf("restaged placeholder not matched: %+v", res)
	}

	if !Remove(w, "srv-2") || w.Len() != 0 {
		t.Errorf("Remove() left %d messages", w.Len())
	}
	if Remove(w, "srv-2") {
		t.Error("second Remove() = true")
	}
}

func TestReplaceRejectsTakenID(t *testing.T) {
	w := New()
	Reconcile(w, msg("a", 0, ""))
	Reconcile(w, msg("b", 1, ""))
	if Replace(w, "a", msg("b", 0, "")) {
		t.Error("Replace() onto an existing id should fail")
	}
	if w.Len() != 2 {
		t.Errorf("len = %d, want 2", w.Len())
	}
}

func TestReplaceNewestKeepsLocalEntries(t *testing.T) {
	w := New()
	AppendPage(w, []model.Message{msg("m3", 3, "c"), msg("m2", 2, "b")})
	AppendPage(w, []model.Message{msg("m1", 1, "a")})
	pending := placeholder("tmp-1", 10, "hello")
	pending.ClientToken = "tok-1"
	Reconcile(w, pending)
	failed := placeholder("tmp-2", 11, "lost")
	failed.DeliveryStatus = model.StatusFailed
	Reconcile(w, failed)

	confirmed := msg("srv-1", 12, "hello")
	confirmed.ClientToken = "tok-1"
	n := ReplaceNewest(w, []model.Message{
		confirmed,
		msg("srv-2", 12, "hello"),
		msg("m9", 9, "i"),
		msg("m8", 8, "h"),
	})
	if n != 5 {
		t.Fatalf("ReplaceNewest() = %d, want 5", n)
	}
	got := ids(w.Ascending())
	want := []string{"m8", "m9", "tmp-2", "srv-1", "srv-2"}
	if !reflect.DeepEqual(got, want) {
		t.Fatalf("window = %v, want %v", got, want)
	}
	if _, ok := w.Get("m1"); ok {
		t.Error("disconnected history survived ReplaceNewest")
	}
	if w.PageCount() != 1 {
		t.Errorf("PageCount() = %d, want 1", w.PageCount())
	}
}

func TestReconcileSkipsPlaceholderOfAnotherSender(t *testing.T) {
	w := New()
	p := placeholder("tmp-1", 10, "ok")
	p.SenderID = "me"
	Reconcile(w, p)

	foreign := msg("drv-1", 11, "ok")
	foreign.SenderID = "d1"
	if res := Reconcile(w, foreign); res.Outcome != Inserted {
		t.Fatalf("outcome = %s, want inserted", res.Outcome)
	}
	if m, ok := w.Get("tmp-1"); !ok || m.DeliveryStatus != model.StatusSending {
		t.Fatalf("placeholder = %+v, want still sending", m)
	}

	own := msg("srv-1", 12, "ok")
	own.SenderID = "me"
	if res := Reconcile(w, own); res.Placeholder != "tmp-1" {
		t.Errorf("own confirmation replaced %q, want tmp-1", res.Placeholder)
	}
}

func TestAppendPageLeavesPlaceholdersAlone(t *testing.T) {
	w := New()
	AppendPage(w, []model.Message{msg("m2", 200, "b"), msg("m1", 100, "a")})
	Reconcile(w, placeholder("tmp-1", 300, "ok"))

	// Week-old history with the same text.
	added := AppendPage(w, []model.Message{msg("old-1", 5, "ok")})
	if added != 1 {
		t.Errorf("added = %d, want 1", added)
	}
	if m, ok := w.Get("tmp-1"); !ok || m.DeliveryStatus != model.StatusSending {
		t.Fatalf("placeholder = %+v, want still sending", m)
	}
	if page, _, _ := w.Position("old-1"); page != 1 {
		t.Errorf("old-1 on page %d, want the appended page 1", page)
	}
	if !SetStatus(w, "tmp-1", model.StatusFailed) {
		t.Error("placeholder could not be marked failed")
	}
}

func TestMergePairsOnlyByTokenOrID(t *testing.T) {
	w := New()
	a := placeholder("tmp-a", 10, "ok")
	a.ClientToken = "tok-a"
	Reconcile(w, a)
	Reconcile(w, placeholder("tmp-b", 11, "ok"))

	if res := Merge(w, msg("hist-1", 9, "ok")); res.Outcome != Inserted {
		t.Errorf("history by content: outcome = %s, want inserted", res.Outcome)
	}
	byToken := msg("srv-a", 10, "ok")
	byToken.ClientToken = "tok-a"
	if res := Merge(w, byToken); res.Placeholder != "tmp-a" {
		t.Errorf("history by token replaced %q, want tmp-a", res.Placeholder)
	}
	if res := Merge(w, msg("tmp-b", 11, "ok")); res.Outcome != Replaced {
		t.Errorf("history by id: outcome = %s, want replaced", res.Outcome)
	}
	if w.Len() != 3 {
		t.Errorf("len = %d, want 3", w.Len())
	}
}
