package relay

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/rjsadow/ssap/internal/audit"
	"github.com/rjsadow/ssap/internal/sessions"
	"github.com/rjsadow/ssap/internal/store"
	"github.com/rjsadow/ssap/internal/token"
)

var _ = Describe("HTTP relay", func() {
	var (
		upstream *httptest.Server
		tokens   *token.Service
		mgr      *sessions.Manager
		relayH   *HTTP
		record   *store.SessionRecord
	)

	BeforeEach(func() {
		upstream = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if r.Header.Get("X-Api-Key") != "server-secret-key" {
				w.WriteHeader(http.StatusUnauthorized)
				return
			}
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusOK)
			_, _ = w.Write([]byte(`{"ok":true}`))
		}))
		DeferCleanup(upstream.Close)

		var err error
		tokens, err = token.NewService([]byte("0123456789abcdef0123456789abcdef"), "ssap", time.Hour)
		Expect(err).NotTo(HaveOccurred())

		memStore := store.NewMemory()
		mgr = sessions.NewManager(memStore, nil, []string{"execute", "upload", "download"}, time.Hour, "ssap-default")

		record = &store.SessionRecord{
			SessionID:     "ssn_test",
			ThreadID:      "thread_1",
			PrincipalID:   "user:alice",
			SandboxID:     "sbx_1",
			DataplaneURL:  upstream.URL,
			Capabilities:  []string{"execute", "upload", "download"},
			CreatedAt:     time.Now(),
			LastRefreshAt: time.Now(),
			ExpiresAt:     time.Now().Add(time.Hour),
		}
		Expect(memStore.Put(context.Background(), record)).To(Succeed())

		relayH = NewHTTP(tokens, mgr, "server-secret-key", audit.NewMemory(16))
	})

	issueToken := func(caps []string) string {
		r := *record
		r.Capabilities = caps
		tok, _, err := tokens.Issue(&r)
		Expect(err).NotTo(HaveOccurred())
		return tok
	}

	It("mirrors the upstream status, content-type, and body on a successful execute", func() {
		req := httptest.NewRequest(http.MethodPost, "/v1/sandbox/relay/ssn_test/execute", nil)
		req.SetPathValue("sid", "ssn_test")
		req.Header.Set("Authorization", "Bearer "+issueToken([]string{"execute"}))

		rec := httptest.NewRecorder()
		relayH.Execute(rec, req)

		Expect(rec.Code).To(Equal(http.StatusOK))
		Expect(rec.Header().Get("Content-Type")).To(Equal("application/json"))
		body, _ := io.ReadAll(rec.Body)
		Expect(string(body)).To(Equal(`{"ok":true}`))
	})

	It("rejects a token missing the required capability with 403", func() {
		req := httptest.NewRequest(http.MethodPost, "/v1/sandbox/relay/ssn_test/upload?path=/x", nil)
		req.SetPathValue("sid", "ssn_test")
		req.Header.Set("Authorization", "Bearer "+issueToken([]string{"execute"}))

		rec := httptest.NewRecorder()
		relayH.Upload(rec, req)

		Expect(rec.Code).To(Equal(http.StatusForbidden))
	})

	It("rejects an upload without a path query parameter", func() {
		req := httptest.NewRequest(http.MethodPost, "/v1/sandbox/relay/ssn_test/upload", nil)
		req.SetPathValue("sid", "ssn_test")
		req.Header.Set("Authorization", "Bearer "+issueToken([]string{"upload"}))

		rec := httptest.NewRecorder()
		relayH.Upload(rec, req)

		Expect(rec.Code).To(Equal(http.StatusBadRequest))
	})

	It("rejects a token bound to a different session with 403", func() {
		req := httptest.NewRequest(http.MethodPost, "/v1/sandbox/relay/ssn_other/execute", nil)
		req.SetPathValue("sid", "ssn_other")
		req.Header.Set("Authorization", "Bearer "+issueToken([]string{"execute"}))

		rec := httptest.NewRecorder()
		relayH.Execute(rec, req)

		Expect(rec.Code).To(Equal(http.StatusForbidden))
	})

	It("rejects an expired token with 401 TOKEN_EXPIRED", func() {
		shortLived, err := token.NewService([]byte("0123456789abcdef0123456789abcdef"), "ssap", -time.Second)
		Expect(err).NotTo(HaveOccurred())
		tok, _, err := shortLived.Issue(record)
		Expect(err).NotTo(HaveOccurred())

		req := httptest.NewRequest(http.MethodPost, "/v1/sandbox/relay/ssn_test/execute", nil)
		req.SetPathValue("sid", "ssn_test")
		req.Header.Set("Authorization", "Bearer "+tok)

		rec := httptest.NewRecorder()
		relayH.Execute(rec, req)

		Expect(rec.Code).To(Equal(http.StatusUnauthorized))
		Expect(rec.Body.String()).To(ContainSubstring("TOKEN_EXPIRED"))
	})

	It("accepts an X-Api-Key credential as well as a bearer token", func() {
		req := httptest.NewRequest(http.MethodPost, "/v1/sandbox/relay/ssn_test/execute", nil)
		req.SetPathValue("sid", "ssn_test")
		req.Header.Set("X-Api-Key", issueToken([]string{"execute"}))

		rec := httptest.NewRecorder()
		relayH.Execute(rec, req)

		Expect(rec.Code).To(Equal(http.StatusOK))
	})
})
