package wsstream

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"judgesync/internal/changestream"
	"judgesync/internal/jsonrpc"
)

var testUpgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

// fakeService speaks the server side of the realtime JSON-RPC protocol
type fakeService struct {
	mu      sync.Mutex
	conns   []*serverConn
	subs    map[string]string
	unsubs  []string
	reject  string
	counter int
}

type serverConn struct {
	mu   sync.Mutex
	conn *websocket.Conn
}

func (s *serverConn) writeJSON(v interface{}) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.conn.WriteJSON(v)
}

func newFakeService(t *testing.T) (*fakeService, string) {
	t.Helper()
	fs := &fakeService{subs: make(map[string]string)}
	srv := httptest.NewServer(http.HandlerFunc(fs.serve))
	t.Cleanup(srv.Close)
	return fs, "ws" + strings.TrimPrefix(srv.URL, "http")
}

func (fs *fakeService) serve(w http.ResponseWriter, r *http.Request) {
	conn, err := testUpgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	sc := &serverConn{conn: conn}
	fs.mu.Lock()
	fs.conns = append(fs.conns, sc)
	fs.mu.Unlock()

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return
		}
		var req jsonrpc.Request
		if err := json.Unmarshal(data, &req); err != nil {
			continue
		}
		switch req.Method {
		case jsonrpc.MethodSubscribe:
			var params []subscribeParams
			_ = json.Unmarshal(req.Params, &params)
			fs.mu.Lock()
			reject := fs.reject
			fs.counter++
			subID := fmt.Sprintf("sub-%d", fs.counter)
			fs.mu.Unlock()

			if len(params) == 0 || params[0].Resource == reject {
				_ = sc.writeJSON(jsonrpc.NewErrorResponse(req.ID, jsonrpc.NewError(jsonrpc.CodeInvalidParams, "unknown resource")))
				continue
			}
			fs.mu.Lock()
			fs.subs[params[0].Resource] = subID
			fs.mu.Unlock()
			resp, _ := jsonrpc.NewResponse(req.ID, subID)
			_ = sc.writeJSON(resp)
		case jsonrpc.MethodUnsubscribe:
			var ids []string
			_ = json.Unmarshal(req.Params, &ids)
			fs.mu.Lock()
			fs.unsubs = append(fs.unsubs, ids...)
			fs.mu.Unlock()
		}
	}
}

func (fs *fakeService) last() *serverConn {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	return fs.conns[len(fs.conns)-1]
}

func (fs *fakeService) subID(resource string) string {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	return fs.subs[resource]
}

func (fs *fakeService) unsubscribed() []string {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	return append([]string(nil), fs.unsubs...)
}

func (fs *fakeService) push(t *testing.T, resource string, ch changestream.Change) {
	t.Helper()
	result, err := json.Marshal(ch)
	require.NoError(t, err)
	require.NoError(t, fs.last().writeJSON(jsonrpc.NewNotification(fs.subID(resource), result)))
}

func newTestTransport(t *testing.T, url string) *Transport {
	t.Helper()
	tr, err := NewTransport(Config{URL: url, MessageTimeout: 5 * time.Second, DedupCacheSize: 16}, zerolog.Nop())
	require.NoError(t, err)
	return tr
}

type changeSink struct {
	mu  sync.Mutex
	got []changestream.Change
}

func (s *changeSink) add(ch changestream.Change) {
	s.mu.Lock()
	s.got = append(s.got, ch)
	s.mu.Unlock()
}

func (s *changeSink) all() []changestream.Change {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]changestream.Change(nil), s.got...)
}

func TestTransport_OpenSubscribesAndDelivers(t *testing.T) {
	fs, url := newFakeService(t)
	tr := newTestTransport(t, url)

	stream, err := tr.Open(context.Background(), []string{"scores", "teams"})
	require.NoError(t, err)
	defer stream.Close()

	statuses := make(chan changestream.StreamStatus, 4)
	stream.OnStatus(func(s changestream.StreamStatus, err error) { statuses <- s })
	assert.Equal(t, changestream.StreamSubscribed, <-statuses, "latest status is replayed")

	sink := &changeSink{}
	stream.OnChange(sink.add)

	fs.push(t, "scores", changestream.Change{ID: "c1", Kind: changestream.KindInsert, Record: json.RawMessage(`{"points":3}`)})
	fs.push(t, "teams", changestream.Change{ID: "c2", Resource: "teams", Kind: changestream.KindUpdate})

	require.Eventually(t, func() bool { return len(sink.all()) == 2 }, 2*time.Second, 10*time.Millisecond)
	got := sink.all()
	assert.Equal(t, "scores", got[0].Resource, "resource filled in from the subscription")
	assert.Equal(t, "teams", got[1].Resource)
}

func TestTransport_DropsDuplicates(t *testing.T) {
	fs, url := newFakeService(t)
	tr := newTestTransport(t, url)

	stream, err := tr.Open(context.Background(), []string{"scores"})
	require.NoError(t, err)
	defer stream.Close()

	sink := &changeSink{}
	stream.OnChange(sink.add)

	fs.push(t, "scores", changestream.Change{ID: "same"})
	fs.push(t, "scores", changestream.Change{ID: "same"})
	fs.push(t, "scores", changestream.Change{ID: "other"})

	require.Eventually(t, func() bool { return len(sink.all()) == 2 }, 2*time.Second, 10*time.Millisecond)
	time.Sleep(50 * time.Millisecond)
	assert.Len(t, sink.all(), 2)
}

func TestTransport_RejectedSubscription(t *testing.T) {
	fs, url := newFakeService(t)
	fs.reject = "secrets"
	tr := newTestTransport(t, url)

	_, err := tr.Open(context.Background(), []string{"teams", "secrets"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unknown resource")
}

func TestTransport_ReportsConnectionLoss(t *testing.T) {
	fs, url := newFakeService(t)
	tr := newTestTransport(t, url)

	stream, err := tr.Open(context.Background(), []string{"teams"})
	require.NoError(t, err)
	defer stream.Close()

	statuses := make(chan changestream.StreamStatus, 4)
	stream.OnStatus(func(s changestream.StreamStatus, err error) { statuses <- s })
	<-statuses

	require.NoError(t, fs.last().conn.Close())

	select {
	case s := <-statuses:
		assert.Contains(t, []changestream.StreamStatus{changestream.StreamErrored, changestream.StreamClosed}, s)
	case <-time.After(2 * time.Second):
		t.Fatal("no status after connection loss")
	}
}

func TestTransport_CloseUnsubscribes(t *testing.T) {
	fs, url := newFakeService(t)
	tr := newTestTransport(t, url)

	stream, err := tr.Open(context.Background(), []string{"teams"})
	require.NoError(t, err)
	subID := fs.subID("teams")

	require.NoError(t, stream.Close())
	require.NoError(t, stream.Close(), "second close is a no-op")

	require.Eventually(t, func() bool { return len(fs.unsubscribed()) == 1 }, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, []string{subID}, fs.unsubscribed())
}

func TestNewTransport_RequiresURL(t *testing.T) {
	_, err := NewTransport(Config{}, zerolog.Nop())
	assert.Error(t, err)
}

func TestDeduplicator(t *testing.T) {
	d, err := NewDeduplicator(2)
	require.NoError(t, err)

	assert.False(t, d.IsDuplicate(changestream.Change{ID: "a"}))
	assert.True(t, d.IsDuplicate(changestream.Change{ID: "a"}))

	noID := changestream.Change{Resource: "teams", Record: json.RawMessage(`{"x":1}`)}
	assert.False(t, d.IsDuplicate(noID))
	assert.True(t, d.IsDuplicate(noID))
	assert.Equal(t, 2, d.Len())
}
