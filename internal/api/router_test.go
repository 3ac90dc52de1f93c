package api

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/clinsim/aivp/internal/middleware"
	"github.com/clinsim/aivp/internal/services"
)

const testTokenTTL = time.Hour

type testProvider struct{}

func (testProvider) Generate(ctx context.Context, messages []services.Message, diagnosisMode bool) (string, error) {
	return "I've had a cough for two weeks.", nil
}

type testTokenizer struct{}

func (testTokenizer) CountTokens(model, text string) (int, error) {
	return len(text) / 4, nil
}

func newTestServer(t *testing.T) (*httptest.Server, Store) {
	t.Helper()
	store := newMemoryStore()
	router := NewRouter(store, testProvider{}, testTokenizer{}, services.TokenSigner(middleware.SignToken), "gpt-4o-mini")
	mux := http.NewServeMux()
	router.Register(mux)
	srv := httptest.NewServer(middleware.WithAuth(mux))
	t.Cleanup(srv.Close)
	return srv, store
}

func request(t *testing.T, method, url, token string, body any, out any) int {
	t.Helper()
	var payload []byte
	if body != nil {
		var err error
		payload, err = json.Marshal(body)
		if err != nil {
			t.Fatalf("marshal: %v", err)
		}
	}
	req, err := http.NewRequest(method, url, bytes.NewReader(payload))
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("%s %s: %v", method, url, err)
	}
	defer resp.Body.Close()
	if out != nil && resp.StatusCode < 300 {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			t.Fatalf("decode %s: %v", url, err)
		}
	}
	return resp.StatusCode
}

func TestResearchJourney(t *testing.T) {
	srv, _ := newTestServer(t)
	base := srv.URL

	var auth struct {
		Token         string `json:"token"`
		ParticipantID string `json:"participant_id"`
	}
	if code := request(t, http.MethodPost, base+"/api/auth/signup", "", map[string]string{
		"email": "s@uni.ac.uk", "password": "Secret123",
	}, &auth); code != http.StatusOK {
		t.Fatalf("signup status %d", code)
	}
	token := auth.Token

	var me services.Participant
	request(t, http.MethodGet, base+"/api/me", token, nil, &me)
	if me.Role != services.RolePilot {
		t.Fatalf("unexpected initial role: %+v", me)
	}

	var consented services.Participant
	if code := request(t, http.MethodPost, base+"/api/consent", token, map[string]any{
		"choices": map[string]bool{"data_use": true},
	}, &consented); code != http.StatusOK {
		t.Fatalf("consent status %d", code)
	}
	if consented.Role != services.RoleResearch || consented.AnonymousID == "" {
		t.Fatalf("unexpected consent result: %+v", consented)
	}
	firstAnonID := consented.AnonymousID

	// Double consent is an illegal transition.
	if code := request(t, http.MethodPost, base+"/api/consent", token, map[string]any{
		"choices": map[string]bool{"data_use": true},
	}, nil); code != http.StatusConflict {
		t.Fatalf("expected 409 for double consent, got %d", code)
	}

	var sn services.Session
	request(t, http.MethodPost, base+"/api/sessions", token, nil, &sn)
	if sn.ID == "" || !sn.IsResearchSession || sn.AnonymousID != firstAnonID {
		t.Fatalf("unexpected session: %+v", sn)
	}
	if code := request(t, http.MethodPost, base+"/api/sessions", token, nil, nil); code != http.StatusConflict {
		t.Fatalf("expected 409 for second active session, got %d", code)
	}

	var turn struct {
		Reply string `json:"reply"`
	}
	request(t, http.MethodPost, base+"/api/sessions/"+sn.ID+"/messages", token, map[string]string{
		"content": "What brings you in today?",
	}, &turn)
	if turn.Reply == "" {
		t.Fatalf("expected a reply")
	}

	var transcript services.Transcript
	if code := request(t, http.MethodPost, base+"/api/sessions/"+sn.ID+"/end", token, nil, &transcript); code != http.StatusOK {
		t.Fatalf("end status %d", code)
	}
	if transcript.MessageCount != 2 || !transcript.IsResearchSession {
		t.Fatalf("unexpected transcript: %+v", transcript)
	}

	if code := request(t, http.MethodPost, base+"/api/consent/withdraw", token, map[string]string{
		"reason": "changed my mind",
	}, nil); code != http.StatusOK {
		t.Fatalf("withdraw failed")
	}
	request(t, http.MethodGet, base+"/api/me", token, nil, &me)
	if me.Role != services.RoleWithdrawn || me.AnonymousID != "" {
		t.Fatalf("withdrawal must clear anonymous id: %+v", me)
	}

	var own struct {
		Transcripts []services.Transcript `json:"transcripts"`
	}
	request(t, http.MethodGet, base+"/api/transcripts", token, nil, &own)
	if len(own.Transcripts) != 0 {
		t.Fatalf("withdrawn data must no longer resolve to the account: %+v", own.Transcripts)
	}

	var reconsented services.Participant
	request(t, http.MethodPost, base+"/api/consent", token, map[string]any{
		"choices": map[string]bool{"data_use": true},
	}, &reconsented)
	if reconsented.AnonymousID == "" || reconsented.AnonymousID == firstAnonID {
		t.Fatalf("reconsent must mint a fresh id: %q vs %q", reconsented.AnonymousID, firstAnonID)
	}
}

func TestAdminEndpoints(t *testing.T) {
	srv, store := newTestServer(t)
	base := srv.URL

	if err := store.AddParticipant(&services.Participant{ID: "admin1", Email: "admin@uni.ac.uk", Admin: true, Role: services.RolePilot}); err != nil {
		t.Fatalf("seed admin: %v", err)
	}
	adminToken, err := middleware.SignToken("admin1", "admin@uni.ac.uk", true, testTokenTTL)
	if err != nil {
		t.Fatalf("sign token: %v", err)
	}
	userToken, err := middleware.SignToken("u1", "u@uni.ac.uk", false, testTokenTTL)
	if err != nil {
		t.Fatalf("sign token: %v", err)
	}

	if code := request(t, http.MethodGet, base+"/api/admin/stats", userToken, nil, nil); code != http.StatusForbidden {
		t.Fatalf("expected 403 for non-admin, got %d", code)
	}
	if code := request(t, http.MethodGet, base+"/api/admin/stats", "", nil, nil); code != http.StatusUnauthorized {
		t.Fatalf("expected 401 without token, got %d", code)
	}

	var stats services.ParticipantStats
	if code := request(t, http.MethodGet, base+"/api/admin/stats", adminToken, nil, &stats); code != http.StatusOK {
		t.Fatalf("admin stats status %d", code)
	}
	if stats.Total != 1 {
		t.Fatalf("unexpected stats: %+v", stats)
	}

	var summary services.StudySummary
	if code := request(t, http.MethodGet, base+"/api/admin/metrics", adminToken, nil, &summary); code != http.StatusOK {
		t.Fatalf("admin metrics status %d", code)
	}

	var audit struct {
		Audit []services.AuditEntry `json:"audit"`
	}
	if code := request(t, http.MethodGet, base+"/api/admin/audit", adminToken, nil, &audit); code != http.StatusOK {
		t.Fatalf("admin audit status %d", code)
	}
}

func TestSessionOwnership(t *testing.T) {
	srv, _ := newTestServer(t)
	base := srv.URL

	var alice, bob struct {
		Token         string `json:"token"`
		ParticipantID string `json:"participant_id"`
	}
	request(t, http.MethodPost, base+"/api/auth/signup", "", map[string]string{"email": "alice@uni.ac.uk", "password": "pw123456"}, &alice)
	request(t, http.MethodPost, base+"/api/auth/signup", "", map[string]string{"email": "bob@uni.ac.uk", "password": "pw123456"}, &bob)

	var sn services.Session
	request(t, http.MethodPost, base+"/api/sessions", alice.Token, nil, &sn)
	if code := request(t, http.MethodGet, base+"/api/sessions/"+sn.ID, bob.Token, nil, nil); code != http.StatusForbidden {
		t.Fatalf("expected 403 for foreign session, got %d", code)
	}
}
