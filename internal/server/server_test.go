package server

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net"
	"net/http"
	"testing"

	"fairquest/internal/db"
	"fairquest/internal/domain"
	"fairquest/internal/migrate"
	"fairquest/internal/repo"
)

type testServer struct {
	URL    string
	client *http.Client
	alice  domain.User
	bob    domain.User
	staff  domain.User
	close  func()
}

func (s *testServer) Client() *http.Client { return s.client }
func (s *testServer) Close()               { s.close() }

func newTestServer(t *testing.T) (*testServer, func()) {
	t.Helper()
	workspace := t.TempDir()
	if _, err := db.EnsureWorkspace(workspace); err != nil {
		t.Fatalf("ensure workspace: %v", err)
	}
	conn, err := db.Open(db.Config{Workspace: workspace})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	if err := migrate.Migrate(conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	r := repo.Repo{DB: conn}
	ctx := context.Background()
	alice, err := r.CreateUser(ctx, domain.User{Code: "alice-code", Name: "Alice", Company: "Acme"})
	if err != nil {
		t.Fatalf("create alice: %v", err)
	}
	bob, err := r.CreateUser(ctx, domain.User{Code: "bob-code", Name: "Bob", Company: "Globex"})
	if err != nil {
		t.Fatalf("create bob: %v", err)
	}
	staff, err := r.CreateUser(ctx, domain.User{Code: "staff-code", Name: "Desk", IsAdmin: true})
	if err != nil {
		t.Fatalf("create staff: %v", err)
	}

	handler, err := New(Config{
		Service:  NewService(conn),
		BasePath: "/v0",
		Auth:     AuthConfig{JWTSecret: "test-secret"},
	})
	if err != nil {
		t.Fatalf("build handler: %v", err)
	}
	ln, err := net.Listen("tcp4", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	srv := &http.Server{Handler: handler}
	go srv.Serve(ln)
	testSrv := &testServer{
		URL:    "http://" + ln.Addr().String(),
		client: &http.Client{},
		alice:  alice,
		bob:    bob,
		staff:  staff,
		close: func() {
			srv.Shutdown(context.Background())
			ln.Close()
			conn.Close()
		},
	}
	return testSrv, func() { testSrv.Close() }
}

func doJSON(t *testing.T, client *http.Client, method, url string, body any, headers map[string]string) (*http.Response, []byte) {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("marshal body: %v", err)
		}
		reader = bytes.NewReader(b)
	} else {
		reader = bytes.NewReader(nil)
	}
	req, err := http.NewRequest(method, url, reader)
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	res, err := client.Do(req)
	if err != nil {
		t.Fatalf("do request: %v", err)
	}
	defer res.Body.Close()
	data, err := io.ReadAll(res.Body)
	if err != nil {
		t.Fatalf("read body: %v", err)
	}
	return res, data
}

func login(t *testing.T, srv *testServer, code string) string {
	t.Helper()
	res, data := doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/v0/auth/login", map[string]any{"code": code}, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("login status %d: %s", res.StatusCode, string(data))
	}
	var out LoginResponse
	if err := json.Unmarshal(data, &out); err != nil {
		t.Fatalf("unmarshal login: %v", err)
	}
	if out.Token == "" {
		t.Fatalf("empty token")
	}
	return out.Token
}

func bearer(token string) map[string]string {
	return map[string]string{"Authorization": "Bearer " + token}
}

func TestLogin(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()

	res, data := doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/v0/auth/login", map[string]any{"code": "alice-code"}, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("login status %d: %s", res.StatusCode, string(data))
	}
	var out LoginResponse
	if err := json.Unmarshal(data, &out); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if out.User.ID != srv.alice.ID || out.User.Name != "Alice" {
		t.Fatalf("wrong user: %+v", out.User)
	}

	res, data = doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/v0/auth/login", map[string]any{"code": "nope"}, nil)
	if res.StatusCode != http.StatusNotFound {
		t.Fatalf("unknown code should 404, got %d: %s", res.StatusCode, string(data))
	}
}

func TestAuthRequired(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()

	res, data := doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v0/missions/my", nil, nil)
	if res.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d: %s", res.StatusCode, string(data))
	}
	res, _ = doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v0/missions/my", nil, bearer("garbage"))
	if res.StatusCode != http.StatusUnauthorized {
		t.Fatalf("bad token should 401, got %d", res.StatusCode)
	}
}

func TestMyMissionsDefaults(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	token := login(t, srv, "alice-code")

	res, data := doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v0/missions/my", nil, bearer(token))
	if res.StatusCode != http.StatusOK {
		t.Fatalf("status %d: %s", res.StatusCode, string(data))
	}
	var statuses []domain.MissionStatus
	if err := json.Unmarshal(data, &statuses); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if len(statuses) != 6 {
		t.Fatalf("expected the full catalog, got %d", len(statuses))
	}
	for _, st := range statuses {
		if st.Progress != 0 || st.IsCompleted || st.Target < 1 {
			t.Fatalf("fresh user should get zeroed defaults: %+v", st)
		}
	}
}

func TestProgressToCompletion(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	token := login(t, srv, "alice-code")

	res, data := doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/v0/missions/again/progress", map[string]any{"progress": 65}, bearer(token))
	if res.StatusCode != http.StatusOK {
		t.Fatalf("progress status %d: %s", res.StatusCode, string(data))
	}
	var st domain.MissionStatus
	if err := json.Unmarshal(data, &st); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if st.IsCompleted || st.Progress != 65 {
		t.Fatalf("65/70 should not complete: %+v", st)
	}

	_, data = doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/v0/missions/again/progress", map[string]any{"progress": 70}, bearer(token))
	_ = json.Unmarshal(data, &st)
	if !st.IsCompleted || st.AchievementRate != 100 {
		t.Fatalf("70/70 should complete at 100%%: %+v", st)
	}

	// Progress keeps counting after completion; completion never unsets.
	_, data = doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/v0/missions/again/progress", map[string]any{"progress": 40}, bearer(token))
	_ = json.Unmarshal(data, &st)
	if !st.IsCompleted || st.Progress != 40 {
		t.Fatalf("lower progress must not uncomplete: %+v", st)
	}

	res, data = doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/v0/missions/bogus/progress", map[string]any{"progress": 1}, bearer(token))
	if res.StatusCode != http.StatusNotFound {
		t.Fatalf("unknown mission should 404, got %d: %s", res.StatusCode, string(data))
	}
}

func TestForceComplete(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	token := login(t, srv, "alice-code")

	res, data := doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/v0/missions/sincere/complete", nil, bearer(token))
	if res.StatusCode != http.StatusOK {
		t.Fatalf("complete status %d: %s", res.StatusCode, string(data))
	}
	var st domain.MissionStatus
	if err := json.Unmarshal(data, &st); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if !st.IsCompleted || st.Progress != 12 {
		t.Fatalf("force complete should pin progress to target: %+v", st)
	}
}

func TestRankingWithRankChange(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	aliceToken := login(t, srv, "alice-code")
	bobToken := login(t, srv, "bob-code")

	doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/v0/missions/again/progress", map[string]any{"progress": 10}, bearer(aliceToken))
	doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/v0/missions/again/progress", map[string]any{"progress": 20}, bearer(bobToken))

	res, data := doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v0/missions/again/ranking", nil, bearer(aliceToken))
	if res.StatusCode != http.StatusOK {
		t.Fatalf("ranking status %d: %s", res.StatusCode, string(data))
	}
	var first domain.Ranking
	if err := json.Unmarshal(data, &first); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if len(first.Rankings) != 2 {
		t.Fatalf("expected 2 entries, got %d", len(first.Rankings))
	}
	if first.Rankings[0].UserID != srv.bob.ID || first.Rankings[0].Rank != 1 {
		t.Fatalf("bob should lead: %+v", first.Rankings)
	}
	for _, e := range first.Rankings {
		if e.RankChange != 0 {
			t.Fatalf("first fetch has no previous snapshot: %+v", e)
		}
	}
	if first.MyRanking == nil || first.MyRanking.UserID != srv.alice.ID || first.MyRanking.Rank != 2 {
		t.Fatalf("caller entry wrong: %+v", first.MyRanking)
	}

	// Alice overtakes; second fetch shows movement against the snapshot.
	doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/v0/missions/again/progress", map[string]any{"progress": 30}, bearer(aliceToken))
	res, data = doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v0/missions/again/ranking", nil, bearer(aliceToken))
	if res.StatusCode != http.StatusOK {
		t.Fatalf("ranking status %d: %s", res.StatusCode, string(data))
	}
	var second domain.Ranking
	_ = json.Unmarshal(data, &second)
	if second.MyRanking == nil || second.MyRanking.Rank != 1 || second.MyRanking.RankChange != 1 {
		t.Fatalf("alice should be up one: %+v", second.MyRanking)
	}
	if second.Rankings[1].UserID != srv.bob.ID || second.Rankings[1].RankChange != -1 {
		t.Fatalf("bob should be down one: %+v", second.Rankings[1])
	}
}

func TestTicketUseSingleUse(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	aliceToken := login(t, srv, "alice-code")
	staffToken := login(t, srv, "staff-code")

	doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/v0/missions/renew/complete", nil, bearer(aliceToken))

	useBody := map[string]any{"ownerId": srv.alice.ID, "missionId": "renew"}
	res, data := doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/v0/admin/tickets/use", useBody, bearer(staffToken))
	if res.StatusCode != http.StatusOK {
		t.Fatalf("first use status %d: %s", res.StatusCode, string(data))
	}
	var out TicketUseResponse
	if err := json.Unmarshal(data, &out); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if out.MissionID != "renew" {
		t.Fatalf("expected renew back, got %+v", out)
	}

	res, data = doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/v0/admin/tickets/use", useBody, bearer(staffToken))
	if res.StatusCode != http.StatusConflict {
		t.Fatalf("second use should conflict, got %d: %s", res.StatusCode, string(data))
	}
	var envelope struct {
		Error string `json:"error"`
	}
	if err := json.Unmarshal(data, &envelope); err != nil {
		t.Fatalf("unmarshal error body: %v", err)
	}
	if envelope.Error != "ticket already used" {
		t.Fatalf("expected flat error message, got %s", string(data))
	}
}

func TestTicketUseRejections(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	aliceToken := login(t, srv, "alice-code")
	staffToken := login(t, srv, "staff-code")

	// Not completed yet.
	res, data := doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/v0/admin/tickets/use",
		map[string]any{"ownerId": srv.alice.ID, "missionId": "renew"}, bearer(staffToken))
	if res.StatusCode != http.StatusBadRequest {
		t.Fatalf("incomplete mission should 400, got %d: %s", res.StatusCode, string(data))
	}
	var envelope struct {
		Error string `json:"error"`
	}
	_ = json.Unmarshal(data, &envelope)
	if envelope.Error != "mission not completed; no ticket to use" {
		t.Fatalf("unexpected message: %s", string(data))
	}

	// Unknown mission.
	res, _ = doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/v0/admin/tickets/use",
		map[string]any{"ownerId": srv.alice.ID, "missionId": "bogus"}, bearer(staffToken))
	if res.StatusCode != http.StatusBadRequest {
		t.Fatalf("unknown mission should 400, got %d", res.StatusCode)
	}

	// Participants cannot redeem.
	res, _ = doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/v0/admin/tickets/use",
		map[string]any{"ownerId": srv.alice.ID, "missionId": "renew"}, bearer(aliceToken))
	if res.StatusCode != http.StatusForbidden {
		t.Fatalf("non-staff should 403, got %d", res.StatusCode)
	}
}
