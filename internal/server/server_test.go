package server_test

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"time"

	"github.com/gorilla/websocket"
	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"collabtext/internal/catalog"
	"collabtext/internal/collab"
	"collabtext/internal/replica"
	"collabtext/internal/server"
)

type editor struct {
	conn *websocket.Conn
	doc  *replica.Editor
}

func connect(base, userID string) *editor {
	q := url.Values{"userId": {userID}, "workspaceId": {"w1"}}
	conn, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(base, "http")+"/ws?"+q.Encode(), nil)
	Expect(err).NotTo(HaveOccurred())
	DeferCleanup(func() { _ = conn.Close() })
	return &editor{conn: conn, doc: replica.NewEditor(userID)}
}

func (e *editor) send(event string, data any) {
	b, err := collab.Encode(event, data)
	Expect(err).NotTo(HaveOccurred())
	Expect(e.conn.WriteMessage(websocket.TextMessage, b)).To(Succeed())
}

// next returns the next frame whose event is one of events.
func (e *editor) next(events ...string) collab.Envelope {
	Expect(e.conn.SetReadDeadline(time.Now().Add(2 * time.Second))).To(Succeed())
	for {
		_, b, err := e.conn.ReadMessage()
		Expect(err).NotTo(HaveOccurred())
		var env collab.Envelope
		Expect(json.Unmarshal(b, &env)).To(Succeed())
		for _, ev := range events {
			if env.Event == ev {
				return env
			}
		}
	}
}

func (e *editor) merge(update string) {
	delta, err := base64.StdEncoding.DecodeString(update)
	Expect(err).NotTo(HaveOccurred())
	Expect(e.doc.Apply(delta)).To(Succeed())
}

func (e *editor) join(path string) {
	e.send(collab.EventJoinRoom, collab.JoinRoom{WorkspaceID: "w1", Path: path})
	var s collab.Sync
	Expect(json.Unmarshal(e.next(collab.EventSync).Data, &s)).To(Succeed())
	e.merge(s.Update)
}

func (e *editor) insert(path string, index int, text string) {
	delta, err := e.doc.Insert(index, text)
	Expect(err).NotTo(HaveOccurred())
	e.send(collab.EventDocUpdate, collab.DocUpdate{WorkspaceID: "w1", Path: path, Update: base64.StdEncoding.EncodeToString(delta)})
}

func (e *editor) receive(path string) {
	var update string
	Expect(json.Unmarshal(e.next(collab.DocUpdateEvent(path)).Data, &update)).To(Succeed())
	e.merge(update)
}

func get(base, path string) (int, string) {
	resp, err := http.Get(base + path)
	Expect(err).NotTo(HaveOccurred())
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	Expect(err).NotTo(HaveOccurred())
	return resp.StatusCode, string(body)
}

var _ = Describe("Server", func() {
	var (
		store *catalog.Memory
		srv   *server.Server
		ts    *httptest.Server
	)

	BeforeEach(func() {
		store = catalog.NewMemory()
		Expect(store.CreateWorkspace(context.Background(), &catalog.Workspace{
			ID: "w1", ProjectName: "demo", Users: []string{"alice", "bob"},
		})).To(Succeed())

		cfg := server.DefaultConfig()
		cfg.Debounce = 20 * time.Millisecond
		srv = server.New(cfg, server.Deps{Store: store})
		ts = httptest.NewServer(srv.Router())
	})

	AfterEach(func() {
		ts.Close()
		Expect(srv.Shutdown(context.Background())).To(Succeed())
	})

	storedText := func() string {
		text, err := catalog.LoadContent(context.Background(), store, "w1", "foo.grg")
		Expect(err).NotTo(HaveOccurred())
		return text
	}

	Describe("collaborative editing", func() {
		It("converges two editors on the same text", func() {
			a := connect(ts.URL, "alice")
			a.join("foo.grg")
			a.insert("foo.grg", 0, "hello")
			Eventually(storedText).WithTimeout(2 * time.Second).Should(Equal("hello"))

			b := connect(ts.URL, "bob")
			b.join("foo.grg")
			Expect(b.doc.Text()).To(Equal("hello"))

			b.insert("foo.grg", 5, " world")
			a.receive("foo.grg")

			Expect(a.doc.Text()).To(Equal("hello world"))
			Expect(b.doc.Text()).To(Equal("hello world"))
			Eventually(storedText).WithTimeout(2 * time.Second).Should(Equal("hello world"))
		})

		It("keeps the last edit when the last editor leaves", func() {
			a := connect(ts.URL, "alice")
			a.join("foo.grg")
			a.insert("foo.grg", 0, "bye")
			a.send(collab.EventLeaveRoom, collab.LeaveRoom{Path: "foo.grg"})

			Eventually(storedText).WithTimeout(2 * time.Second).Should(Equal("bye"))
			Expect(store.IsMember(context.Background(), "w1", "alice")).To(BeTrue())
		})

		It("rejects users outside the workspace", func() {
			m := connect(ts.URL, "mallory")
			var msg string
			Expect(json.Unmarshal(m.next(collab.EventError).Data, &msg)).To(Succeed())
			Expect(msg).To(ContainSubstring("unauthorized"))
		})
	})

	Describe("GET /health", func() {
		It("reports open sessions", func() {
			a := connect(ts.URL, "alice")
			a.join("foo.grg")

			code, body := get(ts.URL, "/health")
			Expect(code).To(Equal(200))
			Expect(body).To(MatchJSON(`{"status":"ok","workspaces":1,"documents":1,"clients":1,"open":{"w1":["foo.grg"]}}`))
		})
	})

	Describe("GET /metrics", func() {
		It("exposes collaboration metrics", func() {
			a := connect(ts.URL, "alice")
			a.join("foo.grg")

			code, body := get(ts.URL, "/metrics")
			Expect(code).To(Equal(200))
			Expect(body).To(ContainSubstring("collab_connected_clients 1"))
			Expect(body).To(ContainSubstring("collab_open_documents 1"))
		})
	})
})
