package runtime

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pi-dev/pi-server/internal/agent"
	"github.com/pi-dev/pi-server/internal/config"
	"github.com/pi-dev/pi-server/internal/sandbox"
	"github.com/pi-dev/pi-server/internal/store"
	"github.com/pi-dev/pi-server/protocol"
)

// fakeAgent records calls and lets tests push events to subscribers.
type fakeAgent struct {
	mu      sync.Mutex
	prompts []string
	steers  []string
	aborts  int
	closed  bool
	subs    []func(agent.Event)

	promptErr error
}

func (f *fakeAgent) Prompt(_ context.Context, msg string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.prompts = append(f.prompts, msg)
	return f.promptErr
}

func (f *fakeAgent) Steer(_ context.Context, msg string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.steers = append(f.steers, msg)
	return nil
}

func (f *fakeAgent) Abort(context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.aborts++
	return nil
}

func (f *fakeAgent) Compact(context.Context) error { return nil }

func (f *fakeAgent) Subscribe(fn func(agent.Event)) func() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.subs = append(f.subs, fn)
	return func() {}
}

func (f *fakeAgent) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
	return nil
}

func (f *fakeAgent) emit(ev agent.Event) {
	f.mu.Lock()
	subs := append([]func(agent.Event){}, f.subs...)
	f.mu.Unlock()
	for _, fn := range subs {
		fn(ev)
	}
}

// fakeConn captures sent events; optionally fails all sends.
type fakeConn struct {
	mu     sync.Mutex
	events []protocol.Event
	closed bool
	broken bool
}

func (c *fakeConn) Send(ev protocol.Event) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.broken {
		return errors.New("send on closed connection")
	}
	c.events = append(c.events, ev)
	return nil
}

func (c *fakeConn) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
	return nil
}

func (c *fakeConn) sent() []protocol.Event {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]protocol.Event, len(c.events))
	copy(out, c.events)
	return out
}

type fakeSkills struct{}

func (fakeSkills) Expand(name, args string) (string, string, bool) {
	if name != "summarize" {
		return "", "", false
	}
	prompt := "<skill name=\"summarize\">Summarize things.</skill>"
	if args != "" {
		prompt += "\nUser request: " + args
	}
	return prompt, "Summarize", true
}

func testTable(t *testing.T) (*Table, *store.Store, *fakeAgent) {
	t.Helper()
	st, err := store.New(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	logger := slog.New(slog.NewTextHandler(os.Stderr, nil))
	sb, err := sandbox.NewManager(config.Sandbox{}, t.TempDir(), "", logger)
	require.NoError(t, err)

	fa := &fakeAgent{}
	table := NewTable(Deps{
		Store:   st,
		Sandbox: sb,
		Skills:  fakeSkills{},
		Factory: func(agent.Config) (agent.Agent, error) { return fa, nil },
		Logger:  logger,
	})
	return table, st, fa
}

func openSession(t *testing.T, table *Table, st *store.Store, conn Conn) *Runtime {
	t.Helper()
	_, err := st.CreateSession("s1", "", "Test")
	require.NoError(t, err)
	rt, old, err := table.Open(context.Background(), "s1", t.TempDir(), "", conn)
	require.NoError(t, err)
	require.Nil(t, old)
	return rt
}

func TestPromptPersistsAndForwards(t *testing.T) {
	table, st, fa := testTable(t)
	conn := &fakeConn{}
	rt := openSession(t, table, st, conn)

	rt.HandleFrame(context.Background(), []byte(`{"type":"prompt","message":"do the thing"}`))

	assert.Equal(t, []string{"do the thing"}, fa.prompts)

	msgs, err := st.ListMessages("s1", "")
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	assert.Equal(t, "user", msgs[0].Role)
	assert.Equal(t, "do the thing", msgs[0].Content)
}

func TestAssistantMessagePersistedFromDeltas(t *testing.T) {
	table, st, fa := testTable(t)
	conn := &fakeConn{}
	openSession(t, table, st, conn)

	fa.emit(agent.Event{Kind: agent.EventAgentStart})
	fa.emit(agent.Event{Kind: agent.EventMessageUpdate, Update: &agent.Update{Kind: agent.UpdateTextDelta, Delta: "hel"}})
	fa.emit(agent.Event{Kind: agent.EventMessageUpdate, Update: &agent.Update{Kind: agent.UpdateTextDelta, Delta: "lo"}})
	fa.emit(agent.Event{Kind: agent.EventMessageEnd})
	fa.emit(agent.Event{Kind: agent.EventAgentEnd})

	msgs, err := st.ListMessages("s1", "")
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	assert.Equal(t, "assistant", msgs[0].Role)
	assert.Equal(t, "hello", msgs[0].Content)

	types := make([]protocol.EventType, 0)
	for _, ev := range conn.sent() {
		types = append(types, ev.Type)
	}
	assert.Equal(t, []protocol.EventType{
		protocol.EventAgentStart,
		protocol.EventMessageDelta,
		protocol.EventMessageDelta,
		protocol.EventMessageEnd,
		protocol.EventAgentEnd,
	}, types)
}

func TestRebindReplacesConnection(t *testing.T) {
	table, st, fa := testTable(t)
	conn1 := &fakeConn{}
	openSession(t, table, st, conn1)

	fa.emit(agent.Event{Kind: agent.EventMessageUpdate, Update: &agent.Update{Kind: agent.UpdateTextDelta, Delta: "a"}})

	conn2 := &fakeConn{}
	rt, old, err := table.Open(context.Background(), "s1", t.TempDir(), "", conn2)
	require.NoError(t, err)
	require.NotNil(t, rt)
	assert.Same(t, conn1, old.(*fakeConn))

	// The still-running agent now streams to the new connection.
	fa.emit(agent.Event{Kind: agent.EventMessageUpdate, Update: &agent.Update{Kind: agent.UpdateTextDelta, Delta: "b"}})
	fa.emit(agent.Event{Kind: agent.EventAgentEnd})

	assert.Len(t, conn1.sent(), 1)
	sent2 := conn2.sent()
	require.Len(t, sent2, 2)
	assert.Equal(t, "b", sent2[0].Text)
	assert.Equal(t, protocol.EventAgentEnd, sent2[1].Type)
}

func TestEventsDroppedWhenUnbound(t *testing.T) {
	table, st, fa := testTable(t)
	conn := &fakeConn{}
	rt := openSession(t, table, st, conn)

	rt.Unbind(conn)
	fa.emit(agent.Event{Kind: agent.EventMessageUpdate, Update: &agent.Update{Kind: agent.UpdateTextDelta, Delta: "lost"}})
	assert.Empty(t, conn.sent())

	// Persistence still happens while unbound.
	fa.emit(agent.Event{Kind: agent.EventMessageEnd})
	msgs, err := st.ListMessages("s1", "")
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	assert.Equal(t, "lost", msgs[0].Content)
}

func TestSendErrorsDoNotPropagate(t *testing.T) {
	table, st, fa := testTable(t)
	conn := &fakeConn{broken: true}
	openSession(t, table, st, conn)

	// Must not panic or block.
	fa.emit(agent.Event{Kind: agent.EventAgentStart})
	fa.emit(agent.Event{Kind: agent.EventAgentEnd})
}

func TestSkillInvoke(t *testing.T) {
	table, st, fa := testTable(t)
	conn := &fakeConn{}
	rt := openSession(t, table, st, conn)

	rt.HandleFrame(context.Background(), []byte(`{"type":"skill_invoke","skill":"summarize","args":"the report"}`))

	require.Len(t, fa.prompts, 1)
	assert.Contains(t, fa.prompts[0], `<skill name="summarize">`)
	assert.Contains(t, fa.prompts[0], "User request: the report")

	sent := conn.sent()
	require.NotEmpty(t, sent)
	assert.Equal(t, protocol.EventSkillStart, sent[0].Type)
	assert.Equal(t, "summarize", sent[0].Skill)
	assert.Equal(t, "Summarize", sent[0].Label)

	// skill_end follows the turn's agent_end.
	fa.emit(agent.Event{Kind: agent.EventAgentEnd})
	sent = conn.sent()
	last := sent[len(sent)-1]
	assert.Equal(t, protocol.EventSkillEnd, last.Type)
	assert.Equal(t, "summarize", last.Skill)
}

func TestSkillInvokeUnknown(t *testing.T) {
	table, st, fa := testTable(t)
	conn := &fakeConn{}
	rt := openSession(t, table, st, conn)

	rt.HandleFrame(context.Background(), []byte(`{"type":"skill_invoke","skill":"nope"}`))

	assert.Empty(t, fa.prompts)
	sent := conn.sent()
	require.Len(t, sent, 1)
	assert.Equal(t, protocol.EventError, sent[0].Type)
}

func TestAbortCancelsExecsAndAgent(t *testing.T) {
	table, st, fa := testTable(t)
	conn := &fakeConn{}
	rt := openSession(t, table, st, conn)

	ctx, done := rt.execContext(context.Background())
	defer done()

	rt.HandleFrame(context.Background(), []byte(`{"type":"abort"}`))

	select {
	case <-ctx.Done():
	case <-time.After(time.Second):
		t.Fatal("exec context not cancelled by abort")
	}
	assert.Equal(t, 1, fa.aborts)
}

func TestMalformedFrame(t *testing.T) {
	table, st, _ := testTable(t)
	conn := &fakeConn{}
	rt := openSession(t, table, st, conn)

	rt.HandleFrame(context.Background(), []byte(`{not json`))

	sent := conn.sent()
	require.Len(t, sent, 1)
	assert.Equal(t, protocol.EventError, sent[0].Type)
}

func TestUnknownCommandIgnored(t *testing.T) {
	table, st, fa := testTable(t)
	conn := &fakeConn{}
	rt := openSession(t, table, st, conn)

	rt.HandleFrame(context.Background(), []byte(`{"type":"future_thing"}`))

	assert.Empty(t, conn.sent())
	assert.Empty(t, fa.prompts)
}

func TestDisposeIdempotent(t *testing.T) {
	table, st, fa := testTable(t)
	conn := &fakeConn{}
	rt := openSession(t, table, st, conn)

	rt.Dispose()
	rt.Dispose()

	assert.True(t, fa.closed)
	assert.Nil(t, table.Get("s1"))
}

func TestDisposeAll(t *testing.T) {
	table, st, fa := testTable(t)
	openSession(t, table, st, &fakeConn{})

	table.DisposeAll()
	assert.True(t, fa.closed)
	assert.Nil(t, table.Get("s1"))
}
