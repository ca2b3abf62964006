package store

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"testing"

	"github.com/agent-relay/relay/internal/domain/model"
)

func testMessage(id string, ts int64) *model.StoredMessage {
	return &model.StoredMessage{
		ID:     id,
		TS:     ts,
		From:   "ana",
		To:     "bob",
		Kind:   "message",
		Body:   "hello",
		Status: model.StatusUnread,
	}
}

// eachStore runs fn against every persistent adapter.
func eachStore(t *testing.T, fn func(t *testing.T, s Store)) {
	t.Helper()
	t.Run("memory", func(t *testing.T) {
		s := NewMemoryStore()
		t.Cleanup(func() { s.Close() })
		fn(t, s)
	})
	t.Run("bolt", func(t *testing.T) {
		s, err := OpenBolt(filepath.Join(t.TempDir(), "relay.db"))
		if err != nil {
			t.Fatalf("open bolt: %v", err)
		}
		t.Cleanup(func() { s.Close() })
		fn(t, s)
	})
}

func TestSaveAndGetMessage(t *testing.T) {
	eachStore(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		msg := testMessage("m1", 100)
		msg.Data = map[string]any{"ref": "abc"}
		if err := s.SaveMessage(ctx, msg); err != nil {
			t.Fatalf("save: %v", err)
		}

		got, err := s.GetMessageByID(ctx, "m1")
		if err != nil {
			t.Fatalf("get: %v", err)
		}
		if got.From != "ana" || got.To != "bob" || got.Body != "hello" {
			t.Errorf("row mismatch: %+v", got)
		}
		if got.Status != model.StatusUnread {
			t.Errorf("status = %q, want unread", got.Status)
		}
		if got.Data["ref"] != "abc" {
			t.Errorf("data not persisted: %v", got.Data)
		}

		if _, err := s.GetMessageByID(ctx, "missing"); !errors.Is(err, ErrNotFound) {
			t.Errorf("missing id: err = %v, want ErrNotFound", err)
		}
	})
}

func TestDuplicateIDFirstWriteWins(t *testing.T) {
	eachStore(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		first := testMessage("m1", 100)
		first.Body = "original"
		if err := s.SaveMessage(ctx, first); err != nil {
			t.Fatalf("save first: %v", err)
		}

		second := testMessage("m1", 200)
		second.Body = "replayed"
		if err := s.SaveMessage(ctx, second); err != nil {
			t.Fatalf("save duplicate: %v", err)
		}

		got, err := s.GetMessageByID(ctx, "m1")
		if err != nil {
			t.Fatalf("get: %v", err)
		}
		if got.Body != "original" {
			t.Errorf("body = %q, want the first write kept", got.Body)
		}
	})
}

func TestStatusAdvancesMonotonically(t *testing.T) {
	eachStore(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		if err := s.SaveMessage(ctx, testMessage("m1", 100)); err != nil {
			t.Fatalf("save: %v", err)
		}

		if err := s.UpdateMessageStatus(ctx, "m1", model.StatusRead); err != nil {
			t.Fatalf("unread -> read: %v", err)
		}
		if err := s.UpdateMessageStatus(ctx, "m1", model.StatusAcked); err != nil {
			t.Fatalf("read -> acked: %v", err)
		}
		if err := s.UpdateMessageStatus(ctx, "m1", model.StatusRead); !errors.Is(err, ErrStatusRegression) {
			t.Errorf("acked -> read: err = %v, want ErrStatusRegression", err)
		}

		got, err := s.GetMessageByID(ctx, "m1")
		if err != nil {
			t.Fatalf("get: %v", err)
		}
		if got.Status != model.StatusAcked {
			t.Errorf("status = %q, want acked preserved", got.Status)
		}

		if err := s.UpdateMessageStatus(ctx, "missing", model.StatusRead); !errors.Is(err, ErrNotFound) {
			t.Errorf("missing id: err = %v, want ErrNotFound", err)
		}
	})
}

func TestStatusCanSkipRead(t *testing.T) {
	eachStore(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		if err := s.SaveMessage(ctx, testMessage("m1", 100)); err != nil {
			t.Fatalf("save: %v", err)
		}
		if err := s.UpdateMessageStatus(ctx, "m1", model.StatusAcked); err != nil {
			t.Fatalf("unread -> acked: %v", err)
		}
	})
}

func TestReplyCountIsDerived(t *testing.T) {
	eachStore(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		if err := s.SaveMessage(ctx, testMessage("root", 100)); err != nil {
			t.Fatalf("save root: %v", err)
		}
		for i := 0; i < 3; i++ {
			reply := testMessage(fmt.Sprintf("r%d", i), int64(200+i))
			reply.Thread = "root"
			if err := s.SaveMessage(ctx, reply); err != nil {
				t.Fatalf("save reply: %v", err)
			}
		}

		got, err := s.GetMessageByID(ctx, "root")
		if err != nil {
			t.Fatalf("get: %v", err)
		}
		if got.ReplyCount != 3 {
			t.Errorf("replyCount = %d, want 3", got.ReplyCount)
		}

		reply, err := s.GetMessageByID(ctx, "r0")
		if err != nil {
			t.Fatalf("get reply: %v", err)
		}
		if reply.ReplyCount != 0 {
			t.Errorf("reply replyCount = %d, want 0", reply.ReplyCount)
		}
	})
}

func TestGetMessagesFilters(t *testing.T) {
	eachStore(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		rows := []*model.StoredMessage{
			testMessage("m1", 100),
			testMessage("m2", 200),
			testMessage("m3", 300),
			testMessage("m4", 400),
		}
		rows[1].To = "carol"
		rows[2].IsUrgent = true
		rows[3].Topic = "build"
		for _, m := range rows {
			if err := s.SaveMessage(ctx, m); err != nil {
				t.Fatalf("save: %v", err)
			}
		}
		if err := s.UpdateMessageStatus(ctx, "m1", model.StatusAcked); err != nil {
			t.Fatalf("ack m1: %v", err)
		}

		t.Run("all chronological", func(t *testing.T) {
			got, err := s.GetMessages(ctx, model.MessageQuery{})
			if err != nil {
				t.Fatalf("query: %v", err)
			}
			if len(got) != 4 {
				t.Fatalf("len = %d, want 4", len(got))
			}
			for i, want := range []string{"m1", "m2", "m3", "m4"} {
				if got[i].ID != want {
					t.Errorf("row %d = %s, want %s", i, got[i].ID, want)
				}
			}
		})

		t.Run("recipient", func(t *testing.T) {
			got, err := s.GetMessages(ctx, model.MessageQuery{To: "carol"})
			if err != nil {
				t.Fatalf("query: %v", err)
			}
			if len(got) != 1 || got[0].ID != "m2" {
				t.Errorf("got %v, want [m2]", ids(got))
			}
		})

		t.Run("since", func(t *testing.T) {
			got, err := s.GetMessages(ctx, model.MessageQuery{SinceTS: 300})
			if err != nil {
				t.Fatalf("query: %v", err)
			}
			if len(got) != 2 || got[0].ID != "m3" || got[1].ID != "m4" {
				t.Errorf("got %v, want [m3 m4]", ids(got))
			}
		})

		t.Run("unread only", func(t *testing.T) {
			got, err := s.GetMessages(ctx, model.MessageQuery{UnreadOnly: true})
			if err != nil {
				t.Fatalf("query: %v", err)
			}
			for _, m := range got {
				if m.ID == "m1" {
					t.Errorf("acked row returned by unread query")
				}
			}
			if len(got) != 3 {
				t.Errorf("len = %d, want 3", len(got))
			}
		})

		t.Run("urgent only", func(t *testing.T) {
			got, err := s.GetMessages(ctx, model.MessageQuery{UrgentOnly: true})
			if err != nil {
				t.Fatalf("query: %v", err)
			}
			if len(got) != 1 || got[0].ID != "m3" {
				t.Errorf("got %v, want [m3]", ids(got))
			}
		})

		t.Run("descending with limit", func(t *testing.T) {
			got, err := s.GetMessages(ctx, model.MessageQuery{Descending: true, Limit: 2})
			if err != nil {
				t.Fatalf("query: %v", err)
			}
			if len(got) != 2 || got[0].ID != "m4" || got[1].ID != "m3" {
				t.Errorf("got %v, want [m4 m3]", ids(got))
			}
		})
	})
}

func TestPendingMessagesForSession(t *testing.T) {
	eachStore(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		add := func(id string, seq uint64, sessionID string, status model.MessageStatus) {
			m := testMessage(id, int64(seq)*10)
			m.DeliverySeq = seq
			m.DeliverySessionID = sessionID
			m.Status = status
			if err := s.SaveMessage(ctx, m); err != nil {
				t.Fatalf("save %s: %v", id, err)
			}
		}
		// Out-of-order ids exercise the seq sort.
		add("p3", 3, "sess-1", model.StatusUnread)
		add("p1", 1, "sess-1", model.StatusUnread)
		add("p2", 2, "sess-1", model.StatusRead)
		add("q1", 1, "sess-2", model.StatusUnread)
		other := testMessage("x1", 500)
		other.To = "carol"
		other.DeliverySeq = 1
		other.DeliverySessionID = "sess-1"
		if err := s.SaveMessage(ctx, other); err != nil {
			t.Fatalf("save other: %v", err)
		}

		got, err := s.GetPendingMessagesForSession(ctx, "bob", "sess-1")
		if err != nil {
			t.Fatalf("pending: %v", err)
		}
		if len(got) != 2 || got[0].ID != "p1" || got[1].ID != "p3" {
			t.Errorf("got %v, want [p1 p3]", ids(got))
		}
	})
}

func TestSessionLifecycle(t *testing.T) {
	eachStore(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		sess := &model.Session{
			ID:          "sess-1",
			AgentName:   "ana",
			StartedAt:   100,
			ResumeToken: "tok-1",
		}
		if err := s.StartSession(ctx, sess); err != nil {
			t.Fatalf("start: %v", err)
		}

		got, err := s.GetSessionByResumeToken(ctx, "tok-1")
		if err != nil {
			t.Fatalf("by token: %v", err)
		}
		if got.ID != "sess-1" || got.AgentName != "ana" {
			t.Errorf("session mismatch: %+v", got)
		}
		if !got.Active() {
			t.Errorf("fresh session should be active")
		}
		if _, err := s.GetSessionByResumeToken(ctx, "nope"); !errors.Is(err, ErrNotFound) {
			t.Errorf("unknown token: err = %v, want ErrNotFound", err)
		}

		got, err = s.GetSession(ctx, "sess-1")
		if err != nil {
			t.Fatalf("by id: %v", err)
		}
		if got.ID != "sess-1" || got.ResumeToken != "tok-1" {
			t.Errorf("session by id mismatch: %+v", got)
		}
		if _, err := s.GetSession(ctx, "nope"); !errors.Is(err, ErrNotFound) {
			t.Errorf("unknown id: err = %v, want ErrNotFound", err)
		}

		for n := 0; n < 3; n++ {
			if err := s.IncrementSessionMessageCount(ctx, "sess-1"); err != nil {
				t.Fatalf("increment: %v", err)
			}
		}
		if err := s.IncrementSessionMessageCount(ctx, "unknown"); err != nil {
			t.Errorf("increment unknown session: %v, want nil", err)
		}

		if err := s.EndSession(ctx, "sess-1", model.ClosedDisconnect); err != nil {
			t.Fatalf("end: %v", err)
		}
		got, err = s.GetSessionByResumeToken(ctx, "tok-1")
		if err != nil {
			t.Fatalf("by token after end: %v", err)
		}
		if got.MessageCount != 3 {
			t.Errorf("messageCount = %d, want 3", got.MessageCount)
		}
		if got.Active() || got.ClosedBy != model.ClosedDisconnect {
			t.Errorf("terminal state: endedAt=%d closedBy=%q", got.EndedAt, got.ClosedBy)
		}
		ended := got.EndedAt

		// Ending again keeps the first closer and timestamp.
		if err := s.EndSession(ctx, "sess-1", model.ClosedError); err != nil {
			t.Fatalf("re-end: %v", err)
		}
		got, _ = s.GetSessionByResumeToken(ctx, "tok-1")
		if got.EndedAt != ended || got.ClosedBy != model.ClosedDisconnect {
			t.Errorf("re-end mutated terminal state: %+v", got)
		}

		if err := s.EndSession(ctx, "missing", model.ClosedExplicit); !errors.Is(err, ErrNotFound) {
			t.Errorf("end missing: err = %v, want ErrNotFound", err)
		}
	})
}

func TestRecentSessionsNewestFirst(t *testing.T) {
	eachStore(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		for i := 0; i < 5; i++ {
			sess := &model.Session{
				ID:        fmt.Sprintf("sess-%d", i),
				AgentName: "ana",
				StartedAt: int64(100 + i),
			}
			if err := s.StartSession(ctx, sess); err != nil {
				t.Fatalf("start: %v", err)
			}
		}

		got, err := s.GetRecentSessions(ctx, 3)
		if err != nil {
			t.Fatalf("recent: %v", err)
		}
		if len(got) != 3 {
			t.Fatalf("len = %d, want 3", len(got))
		}
		for i, want := range []string{"sess-4", "sess-3", "sess-2"} {
			if got[i].ID != want {
				t.Errorf("row %d = %s, want %s", i, got[i].ID, want)
			}
		}
	})
}

func TestMemoryRetentionEvictsOldest(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()
	for i := 0; i < memoryRetention+1; i++ {
		if err := s.SaveMessage(ctx, testMessage(fmt.Sprintf("m%d", i), int64(i))); err != nil {
			t.Fatalf("save: %v", err)
		}
	}

	if _, err := s.GetMessageByID(ctx, "m0"); !errors.Is(err, ErrNotFound) {
		t.Errorf("oldest row should be evicted, err = %v", err)
	}
	if _, err := s.GetMessageByID(ctx, "m1"); err != nil {
		t.Errorf("second row should survive: %v", err)
	}
	if _, err := s.GetMessageByID(ctx, fmt.Sprintf("m%d", memoryRetention)); err != nil {
		t.Errorf("newest row should survive: %v", err)
	}
}

func TestClosedMemoryStoreRefusesWrites(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()
	if err := s.SaveMessage(ctx, testMessage("m1", 100)); err != nil {
		t.Fatalf("save: %v", err)
	}
	s.Close()

	if err := s.SaveMessage(ctx, testMessage("m2", 200)); !errors.Is(err, ErrClosed) {
		t.Errorf("save after close: err = %v, want ErrClosed", err)
	}
	if err := s.StartSession(ctx, &model.Session{ID: "s1"}); !errors.Is(err, ErrClosed) {
		t.Errorf("start session after close: err = %v, want ErrClosed", err)
	}
	// Existing rows stay readable for draining.
	if _, err := s.GetMessageByID(ctx, "m1"); err != nil {
		t.Errorf("read after close: %v", err)
	}
}

func TestBoltSurvivesReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "relay.db")
	ctx := context.Background()

	s, err := OpenBolt(path)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	if err := s.SaveMessage(ctx, testMessage("m1", 100)); err != nil {
		t.Fatalf("save: %v", err)
	}
	if err := s.StartSession(ctx, &model.Session{ID: "sess-1", AgentName: "ana", StartedAt: 100, ResumeToken: "tok-1"}); err != nil {
		t.Fatalf("start session: %v", err)
	}
	if err := s.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	s, err = OpenBolt(path)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer s.Close()
	if _, err := s.GetMessageByID(ctx, "m1"); err != nil {
		t.Errorf("message lost across reopen: %v", err)
	}
	if _, err := s.GetSessionByResumeToken(ctx, "tok-1"); err != nil {
		t.Errorf("session lost across reopen: %v", err)
	}
}

func ids(rows []*model.StoredMessage) []string {
	out := make([]string, len(rows))
	for i, m := range rows {
		out[i] = m.ID
	}
	return out
}
