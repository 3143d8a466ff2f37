package chatsync

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"convsync/cmd/internal/remote"
)

func TestRegistry_PushThenOverlappingOlderPage(t *testing.T) {
	t.Parallel()

	s := newScriptedStore(t)
	mustPutConversation(t, s, "C1", "u1", "u2")
	if err := s.PutUser(remote.User{ID: "u2", DisplayName: "Bea"}); err != nil {
		t.Fatalf("put user: %v", err)
	}
	r := mustNewRegistry(t, s, "u1", Config{})
	ctx := context.Background()

	v, loaded, err := r.Open(ctx, "C1")
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	if loaded || len(v.Messages) != 0 || v.AtHistoryStart || v.Subscription != SubActive {
		t.Fatalf("open empty: loaded=%v view=%+v", loaded, v)
	}

	m1 := mustAppend(t, s, "C1", "u2", "m1")
	m2 := mustAppend(t, s, "C1", "u2", "m2")
	m3 := mustAppend(t, s, "C1", "u2", "m3")

	waitFor(t, "three pushed messages", func() bool {
		v, _ := r.View("C1")
		return len(v.Messages) == 3
	})
	v, _ = r.View("C1")
	if got, want := fmt.Sprint(messageIDs(v.Messages)), fmt.Sprint([]string{m3.ID, m2.ID, m1.ID}); got != want {
		t.Fatalf("after push: got %s want %s", got, want)
	}
	if v.Messages[0].Sender.Name != "Bea" {
		t.Fatalf("sender not resolved: %+v", v.Messages[0].Sender)
	}

	m0 := remote.Record{ID: "m0", ConversationID: "C1", SenderID: "u2", Text: "m0", CreatedAt: m1.CreatedAt.Add(-time.Millisecond)}
	var gotBefore remote.Cursor
	s.setFetch(func(in remote.FetchPageInput) (remote.Page, bool, error) {
		gotBefore = in.Before
		return remote.Page{Records: []remote.Record{m1, m0}}, true, nil
	})

	res, err := r.LoadOlder(ctx, "C1")
	if err != nil {
		t.Fatalf("load older: %v", err)
	}
	if gotBefore != remote.CursorOf(m1) {
		t.Fatalf("cursor: got %q want %q", gotBefore, remote.CursorOf(m1))
	}
	if res.Added != 1 || !res.AtHistoryStart {
		t.Fatalf("load older result: %+v", res)
	}

	v, _ = r.View("C1")
	if got, want := fmt.Sprint(messageIDs(v.Messages)), fmt.Sprint([]string{m3.ID, m2.ID, m1.ID, "m0"}); got != want {
		t.Fatalf("after load older: got %s want %s", got, want)
	}
	assertOrdered(t, v.Messages)
	if !v.AtHistoryStart {
		t.Fatalf("expected AtHistoryStart")
	}
}

func TestRegistry_Open_AlreadyLoadedDoesNotRefetchOrResubscribe(t *testing.T) {
	t.Parallel()

	s := newScriptedStore(t)
	mustPutConversation(t, s, "c", "u1")
	mustAppend(t, s, "c", "u1", "hello")
	r := mustNewRegistry(t, s, "u1", Config{})
	ctx := context.Background()

	if _, loaded, err := r.Open(ctx, "c"); err != nil || loaded {
		t.Fatalf("first open: loaded=%v err=%v", loaded, err)
	}
	v, loaded, err := r.Open(ctx, "c")
	if err != nil || !loaded {
		t.Fatalf("second open: loaded=%v err=%v", loaded, err)
	}
	if len(v.Messages) != 1 {
		t.Fatalf("messages: %d", len(v.Messages))
	}

	fetches, subscribes := s.counts()
	if fetches != 1 || subscribes != 1 {
		t.Fatalf("fetches=%d subscribes=%d, want 1 and 1", fetches, subscribes)
	}
	if n := r.Subscriptions().Live(); n != 1 {
		t.Fatalf("live subscriptions: %d", n)
	}
}

func TestRegistry_Open_ConcurrentOpensShareOneLoad(t *testing.T) {
	t.Parallel()

	s := newScriptedStore(t)
	mustPutConversation(t, s, "c", "u1")
	mustAppend(t, s, "c", "u1", "hello")

	release := make(chan struct{})
	s.setFetch(func(remote.FetchPageInput) (remote.Page, bool, error) {
		<-release
		return remote.Page{}, false, nil
	})
	r := mustNewRegistry(t, s, "u1", Config{})

	var wg sync.WaitGroup
	errs := make(chan error, 4)
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, _, err := r.Open(context.Background(), "c")
			errs <- err
		}()
	}
	waitFor(t, "first fetch", func() bool {
		f, _ := s.counts()
		return f >= 1
	})
	time.Sleep(20 * time.Millisecond)
	close(release)
	wg.Wait()
	close(errs)

	for err := range errs {
		if err != nil {
			t.Fatalf("open: %v", err)
		}
	}
	if n := r.Subscriptions().Live(); n != 1 {
		t.Fatalf("live subscriptions: %d", n)
	}
	if _, subscribes := s.counts(); subscribes > 4 {
		t.Fatalf("subscribes: %d", subscribes)
	}
}

func TestRegistry_Open_Errors(t *testing.T) {
	t.Parallel()

	s := newScriptedStore(t)
	mustPutConversation(t, s, "c", "u1")
	ctx := context.Background()

	r := mustNewRegistry(t, s, "u1", Config{})
	if _, _, err := r.Open(ctx, "missing"); !IsNotFound(err) {
		t.Fatalf("missing conversation: got %v want ErrNotFound", err)
	}
	if _, _, err := r.Open(ctx, "  "); !errors.Is(err, ErrInvalidInput) {
		t.Fatalf("blank id: got %v want ErrInvalidInput", err)
	}
	if _, ok := r.View("missing"); ok {
		t.Fatalf("missing conversation must not become resident")
	}

	anon := mustNewRegistry(t, s, "", Config{})
	if _, _, err := anon.Open(ctx, "c"); !errors.Is(err, ErrNotAuthenticated) {
		t.Fatalf("signed out open: got %v want ErrNotAuthenticated", err)
	}
	if _, err := anon.Send(ctx, "c", "hi"); !errors.Is(err, ErrNotAuthenticated) {
		t.Fatalf("signed out send: got %v want ErrNotAuthenticated", err)
	}
	if _, err := anon.ListConversations(ctx); !errors.Is(err, ErrNotAuthenticated) {
		t.Fatalf("signed out list: got %v want ErrNotAuthenticated", err)
	}

	if _, err := New(s, nil, Config{}); err == nil {
		t.Fatalf("expected error for nil session")
	}
	if _, err := New(nil, StaticSession("u1"), Config{}); err == nil {
		t.Fatalf("expected error for nil store")
	}
}

func TestRegistry_Open_SubscriptionFailureKeepsView(t *testing.T) {
	t.Parallel()

	s := newScriptedStore(t)
	mustPutConversation(t, s, "c", "u1")
	mustAppend(t, s, "c", "u1", "hello")
	s.setSubscribeErr(errors.New("feed down"))
	r := mustNewRegistry(t, s, "u1", Config{})
	ctx := context.Background()

	v, _, err := r.Open(ctx, "c")
	if !IsTransport(err) {
		t.Fatalf("open: got %v want ErrTransport", err)
	}
	if len(v.Messages) != 1 || v.Subscription != SubError || v.SubscriptionErr == nil {
		t.Fatalf("view after failed subscribe: %+v", v)
	}

	// The manager stays in Error until the caller re-opens.
	time.Sleep(20 * time.Millisecond)
	if _, subscribes := s.counts(); subscribes != 1 {
		t.Fatalf("subscribes without re-open: %d", subscribes)
	}

	s.setSubscribeErr(nil)
	v, loaded, err := r.Open(ctx, "c")
	if err != nil || !loaded {
		t.Fatalf("re-open: loaded=%v err=%v", loaded, err)
	}
	if v.Subscription != SubActive {
		t.Fatalf("state after re-open: %v", v.Subscription)
	}

	m := mustAppend(t, s, "c", "u1", "again")
	waitFor(t, "push after re-open", func() bool {
		v, _ := r.View("c")
		return len(v.Messages) == 2 && v.Messages[0].ID == m.ID
	})
}

func TestRegistry_Close_IsIdempotentAndDropsLatePushes(t *testing.T) {
	t.Parallel()

	s := newScriptedStore(t)
	mustPutConversation(t, s, "c", "u1")
	mustAppend(t, s, "c", "u1", "hello")
	r := mustNewRegistry(t, s, "u1", Config{})

	if _, _, err := r.Open(context.Background(), "c"); err != nil {
		t.Fatalf("open: %v", err)
	}

	r.Close("c")
	r.Close("c")
	r.Close("never-opened")

	if _, ok := r.View("c"); ok {
		t.Fatalf("closed conversation is still resident")
	}
	if h := r.Subscriptions().State("c"); h.State != SubClosed {
		t.Fatalf("subscription state after close: %v", h.State)
	}

	mustAppend(t, s, "c", "u1", "after close")
	time.Sleep(30 * time.Millisecond)
	if _, ok := r.View("c"); ok {
		t.Fatalf("late push resurrected a closed conversation")
	}
	if _, err := r.LoadOlder(context.Background(), "c"); !IsNotFound(err) {
		t.Fatalf("load older after close: got %v want ErrNotFound", err)
	}
}

func TestRegistry_EvictsLeastRecentlyTouched(t *testing.T) {
	t.Parallel()

	s := newScriptedStore(t)
	const capacity = 10
	for i := 0; i <= capacity; i++ {
		id := fmt.Sprintf("c%02d", i)
		mustPutConversation(t, s, id, "u1")
		mustAppend(t, s, id, "u1", "hello")
	}
	r := mustNewRegistry(t, s, "u1", Config{MaxResident: capacity})
	ctx := context.Background()

	for i := 0; i < capacity; i++ {
		if _, _, err := r.Open(ctx, fmt.Sprintf("c%02d", i)); err != nil {
			t.Fatalf("open c%02d: %v", i, err)
		}
	}
	if _, ok := r.View("c00"); !ok {
		t.Fatalf("c00 should be resident")
	}

	if _, _, err := r.Open(ctx, "c10"); err != nil {
		t.Fatalf("open c10: %v", err)
	}

	resident := r.Resident()
	if len(resident) != capacity {
		t.Fatalf("resident: %d want %d", len(resident), capacity)
	}
	if _, ok := r.View("c01"); ok {
		t.Fatalf("c01 (least recently touched) should have been evicted")
	}
	for _, id := range []string{"c00", "c02", "c10"} {
		if _, ok := r.View(id); !ok {
			t.Fatalf("%s should be resident", id)
		}
	}
	if h := r.Subscriptions().State("c01"); h.State != SubClosed {
		t.Fatalf("evicted subscription state: %v", h.State)
	}
	if n := r.Subscriptions().Live(); n != capacity {
		t.Fatalf("live subscriptions: %d want %d", n, capacity)
	}
}

func TestRegistry_LoadOlder_WalksToHistoryStart(t *testing.T) {
	t.Parallel()

	s := newScriptedStore(t)
	mustPutConversation(t, s, "c", "u1")
	for i := 0; i < 25; i++ {
		mustAppend(t, s, "c", "u1", fmt.Sprintf("m%02d", i))
	}
	r := mustNewRegistry(t, s, "u1", Config{PageSize: 10})
	ctx := context.Background()

	v, _, err := r.Open(ctx, "c")
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	if len(v.Messages) != 10 || v.AtHistoryStart {
		t.Fatalf("open: %d messages, at start %v", len(v.Messages), v.AtHistoryStart)
	}

	want := []struct {
		added   int
		atStart bool
	}{
		{added: 10},
		{added: 5, atStart: true},
		{added: 0, atStart: true},
	}
	for i, w := range want {
		before, _ := r.View("c")
		oldest, _ := Oldest(before.Messages)

		res, err := r.LoadOlder(ctx, "c")
		if err != nil {
			t.Fatalf("load older #%d: %v", i, err)
		}
		if res.Added != w.added || res.AtHistoryStart != w.atStart {
			t.Fatalf("load older #%d: got %+v want %+v", i, res, w)
		}

		after, _ := r.View("c")
		assertOrdered(t, after.Messages)
		for _, m := range after.Messages[len(before.Messages):] {
			if m.CreatedAt.After(oldest.CreatedAt) {
				t.Fatalf("load older #%d returned %s newer than the previous oldest", i, m.ID)
			}
		}
	}

	if fetches, _ := s.counts(); fetches != 3 {
		t.Fatalf("fetches: %d want 3 (no fetch after history start)", fetches)
	}
	v, _ = r.View("c")
	if len(v.Messages) != 25 || v.Messages[24].Text != "m00" {
		t.Fatalf("final view: %d messages", len(v.Messages))
	}
}

func TestRegistry_LoadOlder_RejectsConcurrentCall(t *testing.T) {
	t.Parallel()

	s := newScriptedStore(t)
	mustPutConversation(t, s, "c", "u1")
	for i := 0; i < 5; i++ {
		mustAppend(t, s, "c", "u1", fmt.Sprintf("m%d", i))
	}
	r := mustNewRegistry(t, s, "u1", Config{PageSize: 2})
	ctx := context.Background()

	if _, _, err := r.Open(ctx, "c"); err != nil {
		t.Fatalf("open: %v", err)
	}

	entered := make(chan struct{})
	release := make(chan struct{})
	s.setFetch(func(in remote.FetchPageInput) (remote.Page, bool, error) {
		close(entered)
		<-release
		return remote.Page{}, false, nil
	})

	done := make(chan error, 1)
	go func() {
		_, err := r.LoadOlder(ctx, "c")
		done <- err
	}()
	<-entered

	if v, _ := r.View("c"); !v.LoadingOlder {
		t.Fatalf("expected LoadingOlder while a fetch is in flight")
	}
	if _, err := r.LoadOlder(ctx, "c"); !IsAlreadyLoading(err) {
		t.Fatalf("concurrent load older: got %v want ErrAlreadyLoading", err)
	}

	s.setFetch(nil)
	close(release)
	if err := <-done; err != nil {
		t.Fatalf("first load older: %v", err)
	}
	if v, _ := r.View("c"); v.LoadingOlder || len(v.Messages) != 4 {
		t.Fatalf("after load older: loading=%v messages=%d", v.LoadingOlder, len(v.Messages))
	}
}

func TestRegistry_Send(t *testing.T) {
	t.Parallel()

	s := newScriptedStore(t)
	mustPutConversation(t, s, "c", "u1", "u2", "u3")
	if err := s.PutUser(remote.User{ID: "u1", DisplayName: "Ann"}); err != nil {
		t.Fatalf("put user: %v", err)
	}
	n := &recordingNotifier{err: errors.New("queue down")}
	r := mustNewRegistry(t, s, "u1", Config{MaxMessageChars: 10}, WithNotifier(n))
	ctx := context.Background()

	if _, err := r.Send(ctx, "c", "hello"); !IsNotFound(err) {
		t.Fatalf("send before open: got %v want ErrNotFound", err)
	}
	if _, _, err := r.Open(ctx, "c"); err != nil {
		t.Fatalf("open: %v", err)
	}

	tests := []struct {
		name string
		text string
	}{
		{name: "blank", text: "   "},
		{name: "too long", text: "01234567890"},
	}
	for _, tt := range tests {
		if _, err := r.Send(ctx, "c", tt.text); !errors.Is(err, ErrInvalidInput) {
			t.Fatalf("%s: got %v want ErrInvalidInput", tt.name, err)
		}
	}

	msg, err := r.Send(ctx, "c", "  hello ")
	if err != nil {
		t.Fatalf("send: %v (notifier failures must not fail the send)", err)
	}
	if msg.Text != "hello" || msg.SenderID != "u1" || msg.Sender.Name != "Ann" {
		t.Fatalf("sent message: %+v", msg)
	}

	v, _ := r.View("c")
	if len(v.Messages) != 1 || v.Messages[0].ID != msg.ID {
		t.Fatalf("view after send: %v", messageIDs(v.Messages))
	}
	if v.Conversation.LastMessage != "hello" || v.Conversation.MessageCount != 1 {
		t.Fatalf("summary after send: %+v", v.Conversation)
	}

	waitFor(t, "notification", func() bool { return len(n.sent()) == 1 })
	got := n.sent()[0]
	if got.MessageID != msg.ID || fmt.Sprint(got.Recipients) != "[u2 u3]" {
		t.Fatalf("notification: %+v", got)
	}

	// The pushed copy of the sent record merges into the same entry.
	time.Sleep(30 * time.Millisecond)
	if v, _ := r.View("c"); len(v.Messages) != 1 {
		t.Fatalf("push duplicated the sent message: %v", messageIDs(v.Messages))
	}
}

func TestRegistry_ListConversations_FeedsOpen(t *testing.T) {
	t.Parallel()

	s := newScriptedStore(t)
	created := time.Now().Add(-time.Hour)
	for _, c := range []remote.Conversation{
		{ID: "a", Members: []string{"u1"}, CreatedAt: created},
		{ID: "b", Members: []string{"u1", "u2"}, CreatedAt: created.Add(time.Minute)},
		{ID: "other", Members: []string{"u2"}, CreatedAt: created},
	} {
		if err := s.PutConversation(c); err != nil {
			t.Fatalf("put conversation %s: %v", c.ID, err)
		}
	}
	mustAppend(t, s, "a", "u1", "latest")
	r := mustNewRegistry(t, s, "u1", Config{})
	ctx := context.Background()

	cs, err := r.ListConversations(ctx)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(cs) != 2 || cs[0].ID != "a" || cs[0].LastMessage != "latest" {
		t.Fatalf("list: %+v", cs)
	}

	v, _, err := r.Open(ctx, "b")
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	if v.Conversation.MemberCount != 2 {
		t.Fatalf("metadata: %+v", v.Conversation)
	}

	c, err := r.AddMembers(ctx, "b", "u3")
	if err != nil {
		t.Fatalf("add members: %v", err)
	}
	if c.MemberCount != 3 {
		t.Fatalf("after add: %+v", c)
	}
	v, _ = r.View("b")
	if fmt.Sprint(v.Conversation.Members) != "[u1 u2 u3]" {
		t.Fatalf("cached members: %v", v.Conversation.Members)
	}

	if _, err := r.RemoveMembers(ctx, "b", "u2"); err != nil {
		t.Fatalf("remove members: %v", err)
	}
	v, _ = r.View("b")
	if fmt.Sprint(v.Conversation.Members) != "[u1 u3]" {
		t.Fatalf("cached members after remove: %v", v.Conversation.Members)
	}
	if _, err := r.AddMembers(ctx, "b"); !errors.Is(err, ErrInvalidInput) {
		t.Fatalf("empty add: got %v want ErrInvalidInput", err)
	}
}

func TestRegistry_Observe(t *testing.T) {
	t.Parallel()

	s := newScriptedStore(t)
	mustPutConversation(t, s, "c", "u1")
	r := mustNewRegistry(t, s, "u1", Config{})

	var (
		mu    sync.Mutex
		views []View
	)
	cancel := r.Observe(func(v View) {
		mu.Lock()
		views = append(views, v)
		mu.Unlock()
	})

	if _, _, err := r.Open(context.Background(), "c"); err != nil {
		t.Fatalf("open: %v", err)
	}
	mustAppend(t, s, "c", "u1", "hi")
	waitFor(t, "observed push", func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(views) > 0 && len(views[len(views)-1].Messages) == 1
	})

	cancel()
	cancel()
	mu.Lock()
	n := len(views)
	mu.Unlock()

	mustAppend(t, s, "c", "u1", "again")
	waitFor(t, "second push", func() bool {
		v, _ := r.View("c")
		return len(v.Messages) == 2
	})
	mu.Lock()
	defer mu.Unlock()
	if len(views) != n {
		t.Fatalf("observer called after cancel")
	}
}

func TestRegistry_Shutdown_RetiresEverything(t *testing.T) {
	t.Parallel()

	s := newScriptedStore(t)
	mustPutConversation(t, s, "a", "u1")
	mustPutConversation(t, s, "b", "u1")
	r := mustNewRegistry(t, s, "u1", Config{})
	ctx := context.Background()

	for _, id := range []string{"a", "b"} {
		if _, _, err := r.Open(ctx, id); err != nil {
			t.Fatalf("open %s: %v", id, err)
		}
	}
	if n := r.Subscriptions().Live(); n != 2 {
		t.Fatalf("live before shutdown: got %d want 2", n)
	}

	sctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	if err := r.Shutdown(sctx); err != nil {
		t.Fatalf("shutdown: %v", err)
	}
	if n := r.Subscriptions().Live(); n != 0 {
		t.Fatalf("live after shutdown: got %d want 0", n)
	}
	if got := r.Resident(); len(got) != 0 {
		t.Fatalf("resident after shutdown: %v", got)
	}

	mustAppend(t, s, "a", "u1", "late")
	time.Sleep(50 * time.Millisecond)
	if _, ok := r.View("a"); ok {
		t.Fatalf("late push resurrected an evicted conversation")
	}
}

func TestRegistry_Open_SharedLoadSurvivesFirstCallerCancel(t *testing.T) {
	t.Parallel()

	s := newScriptedStore(t)
	mustPutConversation(t, s, "c", "u1")
	mustAppend(t, s, "c", "u1", "hello")

	entered := make(chan struct{})
	release := make(chan struct{})
	var once sync.Once
	s.setFetch(func(remote.FetchPageInput) (remote.Page, bool, error) {
		once.Do(func() { close(entered) })
		<-release
		return remote.Page{}, false, nil
	})
	r := mustNewRegistry(t, s, "u1", Config{})

	ctxA, cancelA := context.WithCancel(context.Background())
	defer cancelA()
	errA := make(chan error, 1)
	go func() {
		_, _, err := r.Open(ctxA, "c")
		errA <- err
	}()
	select {
	case <-entered:
	case <-time.After(2 * time.Second):
		t.Fatalf("first open never fetched")
	}

	type result struct {
		v   View
		err error
	}
	resB := make(chan result, 1)
	go func() {
		v, _, err := r.Open(context.Background(), "c")
		resB <- result{v: v, err: err}
	}()
	// Let the second caller join the in-flight load.
	time.Sleep(20 * time.Millisecond)

	cancelA()
	select {
	case err := <-errA:
		if !errors.Is(err, context.Canceled) {
			t.Fatalf("cancelled caller: got %v want context.Canceled", err)
		}
	case <-time.After(time.Second):
		t.Fatalf("cancelled caller kept waiting for the shared load")
	}

	close(release)
	select {
	case res := <-resB:
		if res.err != nil {
			t.Fatalf("second caller: %v", res.err)
		}
		if len(res.v.Messages) != 1 || res.v.Messages[0].Text != "hello" {
			t.Fatalf("second caller view: %+v", res.v.Messages)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("second caller never returned")
	}
	if fetches, _ := s.counts(); fetches != 1 {
		t.Fatalf("fetches: got %d want 1", fetches)
	}
	if v, ok := r.View("c"); !ok || v.Subscription != SubActive {
		t.Fatalf("conversation after shared load: ok=%v view=%+v", ok, v)
	}
}

func TestRegistry_LoadOlder_DropsRecordsNewerThanCache(t *testing.T) {
	t.Parallel()

	s := newScriptedStore(t)
	mustPutConversation(t, s, "c", "u1")
	m1 := mustAppend(t, s, "c", "u1", "m1")
	m2 := mustAppend(t, s, "c", "u1", "m2")
	m3 := mustAppend(t, s, "c", "u1", "m3")
	r := mustNewRegistry(t, s, "u1", Config{PageSize: 2})
	ctx := context.Background()

	v, _, err := r.Open(ctx, "c")
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	if got, want := fmt.Sprint(messageIDs(v.Messages)), fmt.Sprint([]string{m3.ID, m2.ID}); got != want {
		t.Fatalf("first page: got %s want %s", got, want)
	}

	// A misbehaving store answers the older page with a record newer than the cache's oldest.
	newer := remote.Record{ID: "newer", ConversationID: "c", SenderID: "u1", Text: "newer", CreatedAt: m2.CreatedAt.Add(time.Microsecond)}
	s.setFetch(func(remote.FetchPageInput) (remote.Page, bool, error) {
		return remote.Page{Records: []remote.Record{newer, m1}}, true, nil
	})

	res, err := r.LoadOlder(ctx, "c")
	if err != nil {
		t.Fatalf("load older: %v", err)
	}
	if res.Added != 1 || !res.AtHistoryStart {
		t.Fatalf("load older result: %+v", res)
	}

	v, _ = r.View("c")
	if got, want := fmt.Sprint(messageIDs(v.Messages)), fmt.Sprint([]string{m3.ID, m2.ID, m1.ID}); got != want {
		t.Fatalf("after load older: got %s want %s", got, want)
	}
	if v.Conversation.MessageCount != 3 || v.Conversation.LastMessage != "m3" {
		t.Fatalf("summary: %+v", v.Conversation)
	}
}

func TestRegistry_CapCountsGroupConversationsOnly(t *testing.T) {
	t.Parallel()

	s := newScriptedStore(t)
	for i := 0; i < 3; i++ {
		direct := remote.Conversation{ID: fmt.Sprintf("d%d", i), Kind: remote.KindDirect, Members: []string{"u1", "u2"}}
		if err := s.PutConversation(direct); err != nil {
			t.Fatalf("put %s: %v", direct.ID, err)
		}
		mustPutConversation(t, s, fmt.Sprintf("g%d", i), "u1")
	}
	r := mustNewRegistry(t, s, "u1", Config{MaxResident: 2})
	ctx := context.Background()

	for _, id := range []string{"d0", "g0", "d1", "g1", "d2", "g2"} {
		if _, _, err := r.Open(ctx, id); err != nil {
			t.Fatalf("open %s: %v", id, err)
		}
	}

	if got := fmt.Sprint(r.Resident()); got != "[d0 d1 d2 g1 g2]" {
		t.Fatalf("resident: %s", got)
	}
	if _, ok := r.View("g0"); ok {
		t.Fatalf("g0 (least recently touched group) should have been evicted")
	}
	if n := r.Subscriptions().Live(); n != 5 {
		t.Fatalf("live subscriptions: got %d want 5", n)
	}

	r.Close("d1")
	if _, ok := r.View("d1"); ok {
		t.Fatalf("closed direct conversation is still resident")
	}
	if h := r.Subscriptions().State("d1"); h.State != SubClosed {
		t.Fatalf("closed direct subscription: %v", h.State)
	}
}

func TestRegistry_SummaryFollowsMergedMessages(t *testing.T) {
	t.Parallel()

	s := newScriptedStore(t)
	mustPutConversation(t, s, "c", "u1", "u2")
	mustAppend(t, s, "c", "u2", "one")
	r := mustNewRegistry(t, s, "u1", Config{})
	ctx := context.Background()

	if _, err := r.ListConversations(ctx); err != nil {
		t.Fatalf("list: %v", err)
	}
	// The listed metadata is now one message behind.
	mustAppend(t, s, "c", "u2", "two")

	v, _, err := r.Open(ctx, "c")
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	if v.Conversation.LastMessage != "two" || v.Conversation.MessageCount != 2 {
		t.Fatalf("after open: %+v", v.Conversation)
	}

	mustAppend(t, s, "c", "u2", "three")
	waitFor(t, "pushed message", func() bool {
		v, _ := r.View("c")
		return len(v.Messages) == 3
	})
	v, _ = r.View("c")
	if v.Conversation.LastMessage != "three" || v.Conversation.MessageCount != 3 {
		t.Fatalf("after push: %+v", v.Conversation)
	}

	if _, err := r.Send(ctx, "c", "four"); err != nil {
		t.Fatalf("send: %v", err)
	}
	// The echo of the send must not be counted twice.
	time.Sleep(50 * time.Millisecond)
	v, _ = r.View("c")
	if v.Conversation.LastMessage != "four" || v.Conversation.MessageCount != 4 {
		t.Fatalf("after send: %+v", v.Conversation)
	}

	// Backlog replayed on subscribe is already part of the point-read count.
	mustPutConversation(t, s, "b", "u1")
	mustAppend(t, s, "b", "u1", "early")
	s.setFetch(func(in remote.FetchPageInput) (remote.Page, bool, error) {
		if in.ConversationID != "b" {
			return remote.Page{}, false, nil
		}
		return remote.Page{}, true, nil
	})
	if _, _, err := r.Open(ctx, "b"); err != nil {
		t.Fatalf("open b: %v", err)
	}
	waitFor(t, "backlog", func() bool {
		v, _ := r.View("b")
		return len(v.Messages) == 1
	})
	v, _ = r.View("b")
	if v.Conversation.MessageCount != 1 || v.Conversation.LastMessage != "early" {
		t.Fatalf("after backlog: %+v", v.Conversation)
	}
}
