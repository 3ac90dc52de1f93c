//go:build integration

package integration_test

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"testing"
	"time"
)

func baseURL() string {
	if v := os.Getenv("AIVP_TEST_BASE_URL"); strings.TrimSpace(v) != "" {
		return strings.TrimRight(v, "/")
	}
	return "http://127.0.0.1:18080"
}

// Walks the full participation lifecycle against a running server: signup,
// consent, profile, a consultation session, withdrawal, reconsent.
func TestResearchFlowIntegration(t *testing.T) {
	client := &http.Client{Timeout: 30 * time.Second}
	base := baseURL()

	email := fmt.Sprintf("integration_%d@example.com", time.Now().UnixNano())
	password := "Secret123!"

	var signupResp struct {
		Token         string `json:"token"`
		ParticipantID string `json:"participant_id"`
	}
	doJSON(t, client, http.MethodPost, base+"/api/auth/signup", "", map[string]string{
		"email":    email,
		"password": password,
	}, &signupResp)
	if signupResp.Token == "" || signupResp.ParticipantID == "" {
		t.Fatalf("unexpected signup response: %+v", signupResp)
	}
	token := signupResp.Token

	var me struct {
		Role        string `json:"role"`
		AnonymousID string `json:"anonymous_id"`
	}
	doJSON(t, client, http.MethodGet, base+"/api/me", token, nil, &me)
	if me.Role != "pilot_participant" {
		t.Fatalf("new accounts must start as pilot participants: %+v", me)
	}

	var consented struct {
		Role        string `json:"role"`
		AnonymousID string `json:"anonymous_id"`
	}
	doJSON(t, client, http.MethodPost, base+"/api/consent", token, map[string]any{
		"choices": map[string]bool{"data_use": true, "recording": true},
	}, &consented)
	if consented.Role != "research_participant" || consented.AnonymousID == "" {
		t.Fatalf("unexpected consent response: %+v", consented)
	}
	firstAnonID := consented.AnonymousID

	var profile struct {
		AnonymousID string `json:"anonymous_id"`
	}
	doJSON(t, client, http.MethodPost, base+"/api/profile", token, map[string]any{
		"demographics": map[string]string{"year_of_study": "3"},
		"ati_answers":  map[string]int{"ati_1": 4, "ati_2": 5},
	}, &profile)
	if profile.AnonymousID != firstAnonID {
		t.Fatalf("profile must be keyed by the active anonymous id: %+v", profile)
	}

	var session struct {
		ID                string `json:"id"`
		IsResearchSession bool   `json:"is_research_session"`
	}
	doJSON(t, client, http.MethodPost, base+"/api/sessions", token, nil, &session)
	if session.ID == "" || !session.IsResearchSession {
		t.Fatalf("unexpected session response: %+v", session)
	}

	// Starting a second session while one is active must conflict.
	status := doRaw(t, client, http.MethodPost, base+"/api/sessions", token, nil)
	if status != http.StatusConflict {
		t.Fatalf("expected 409 for second active session, got %d", status)
	}

	var turn struct {
		Reply string `json:"reply"`
	}
	doJSON(t, client, http.MethodPost, base+"/api/sessions/"+session.ID+"/messages", token, map[string]string{
		"content": "Hello, can you tell me what brought you in today?",
	}, &turn)
	if turn.Reply == "" {
		t.Fatalf("expected a patient reply")
	}

	var transcript struct {
		ID           string `json:"id"`
		MessageCount int    `json:"message_count"`
		Metrics      struct {
			TotalTokens *int `json:"total_tokens"`
		} `json:"metrics"`
	}
	doJSON(t, client, http.MethodPost, base+"/api/sessions/"+session.ID+"/end", token, nil, &transcript)
	if transcript.ID == "" || transcript.MessageCount != 2 {
		t.Fatalf("unexpected transcript: %+v", transcript)
	}

	doJSON(t, client, http.MethodPost, base+"/api/consent/withdraw", token, map[string]string{
		"reason": "integration test",
	}, nil)

	doJSON(t, client, http.MethodGet, base+"/api/me", token, nil, &me)
	if me.Role != "withdrawn" || me.AnonymousID != "" {
		t.Fatalf("withdrawal must clear the anonymous id: %+v", me)
	}

	doJSON(t, client, http.MethodPost, base+"/api/consent", token, map[string]any{
		"choices": map[string]bool{"data_use": true},
	}, &consented)
	if consented.AnonymousID == "" || consented.AnonymousID == firstAnonID {
		t.Fatalf("reconsent must mint a fresh anonymous id: %+v", consented)
	}
}

func doJSON(t *testing.T, client *http.Client, method, url, token string, body any, out any) {
	t.Helper()
	var reader io.Reader
	if body != nil {
		payload, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("marshal body: %v", err)
		}
		reader = bytes.NewReader(payload)
	}
	req, err := http.NewRequest(method, url, reader)
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if strings.TrimSpace(token) != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	resp, err := client.Do(req)
	if err != nil {
		t.Fatalf("http %s %s failed: %v", method, url, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		bodyBytes, _ := io.ReadAll(resp.Body)
		t.Fatalf("unexpected status %d for %s: %s", resp.StatusCode, url, string(bodyBytes))
	}
	if out != nil {
		decoder := json.NewDecoder(resp.Body)
		if err := decoder.Decode(out); err != nil && err != io.EOF {
			t.Fatalf("decode response from %s: %v", url, err)
		}
	}
}

// doRaw issues a request and returns the status code without failing on
// non-2xx responses.
func doRaw(t *testing.T, client *http.Client, method, url, token string, body any) int {
	t.Helper()
	var reader io.Reader
	if body != nil {
		payload, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("marshal body: %v", err)
		}
		reader = bytes.NewReader(payload)
	}
	req, err := http.NewRequest(method, url, reader)
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if strings.TrimSpace(token) != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	resp, err := client.Do(req)
	if err != nil {
		t.Fatalf("http %s %s failed: %v", method, url, err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)
	return resp.StatusCode
}
