package relay

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"time"

	"github.com/gorilla/websocket"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/rjsadow/ssap/internal/audit"
	"github.com/rjsadow/ssap/internal/sessions"
	"github.com/rjsadow/ssap/internal/store"
	"github.com/rjsadow/ssap/internal/token"
)

var _ = Describe("WebSocket relay", func() {
	var (
		upstream *httptest.Server
		tokens   *token.Service
		mgr      *sessions.Manager
		wsRelay  *WS
		record   *store.SessionRecord
		server   *httptest.Server
	)

	BeforeEach(func() {
		upgr := websocket.Upgrader{}
		upstream = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			conn, err := upgr.Upgrade(w, r, nil)
			Expect(err).NotTo(HaveOccurred())
			defer conn.Close()
			_, _, err = conn.ReadMessage()
			if err != nil {
				return
			}
			_ = conn.WriteMessage(websocket.BinaryMessage, []byte{0x01, 0x02})
		}))
		DeferCleanup(upstream.Close)

		var err error
		tokens, err = token.NewService([]byte("0123456789abcdef0123456789abcdef"), "ssap", time.Hour)
		Expect(err).NotTo(HaveOccurred())

		memStore := store.NewMemory()
		mgr = sessions.NewManager(memStore, nil, []string{"execute"}, time.Hour, "ssap-default")

		record = &store.SessionRecord{
			SessionID:     "ssn_ws",
			ThreadID:      "thread_1",
			PrincipalID:   "user:alice",
			SandboxID:     "sbx_1",
			DataplaneURL:  upstream.URL,
			Capabilities:  []string{"execute"},
			CreatedAt:     time.Now(),
			LastRefreshAt: time.Now(),
			ExpiresAt:     time.Now().Add(time.Hour),
		}
		Expect(memStore.Put(context.Background(), record)).To(Succeed())

		wsRelay = NewWS(tokens, mgr, "server-secret-key", audit.NewMemory(16))
		mux := http.NewServeMux()
		mux.HandleFunc("/v1/sandbox/relay/{sid}/execute/ws", wsRelay.ServeHTTP)
		server = httptest.NewServer(mux)
		DeferCleanup(server.Close)
	})

	dialURL := func() string {
		return "ws" + strings.TrimPrefix(server.URL, "http") + "/v1/sandbox/relay/ssn_ws/execute/ws"
	}

	It("relays a binary upstream reply back to the client after a text frame", func() {
		tok, _, err := tokens.Issue(record)
		Expect(err).NotTo(HaveOccurred())

		header := http.Header{"Authorization": {"Bearer " + tok}}
		conn, _, err := websocket.DefaultDialer.Dial(dialURL(), header)
		Expect(err).NotTo(HaveOccurred())
		defer conn.Close()

		Expect(conn.WriteMessage(websocket.TextMessage, []byte(`{"cmd":"echo hi"}`))).To(Succeed())

		kind, data, err := conn.ReadMessage()
		Expect(err).NotTo(HaveOccurred())
		Expect(kind).To(Equal(websocket.BinaryMessage))
		Expect(data).To(Equal([]byte{0x01, 0x02}))
	})

	It("closes with 4401 and an error frame when no credential is presented", func() {
		conn, _, err := websocket.DefaultDialer.Dial(dialURL(), nil)
		Expect(err).NotTo(HaveOccurred())
		defer conn.Close()

		kind, data, err := conn.ReadMessage()
		Expect(err).NotTo(HaveOccurred())
		Expect(kind).To(Equal(websocket.TextMessage))
		Expect(string(data)).To(ContainSubstring("RelayError"))

		_, _, err = conn.ReadMessage()
		Expect(err).To(HaveOccurred())
		closeErr, ok := err.(*websocket.CloseError)
		Expect(ok).To(BeTrue())
		Expect(closeErr.Code).To(Equal(closeAuthFailed))
	})
})
