package api

import (
	"encoding/json"
	"net/http"
	"strings"

	"github.com/clinsim/aivp/internal/middleware"
	"github.com/clinsim/aivp/internal/services"
)

// Router wires the service layer to HTTP. Handlers stay thin: decode, resolve
// the caller from the auth claims, call one service method, encode.
type Router struct {
	store     Store
	auth      *services.AuthService
	consent   *services.ConsentService
	sessions  *services.SessionService
	chat      *services.ConsultationService
	profiles  *services.ProfileService
	analytics *services.AnalyticsService
}

func NewRouter(store Store, provider services.CompletionProvider, tokenizer services.Tokenizer, signer services.TokenSigner, model string) *Router {
	anonymizer := services.NewAnonymizeService(store)
	metrics := services.NewTokenMetricsService(tokenizer)
	sessions := services.NewSessionService(store, metrics, model)
	return &Router{
		store:     store,
		auth:      services.NewAuthService(store, signer),
		consent:   services.NewConsentService(store, anonymizer),
		sessions:  sessions,
		chat:      services.NewConsultationService(sessions, provider),
		profiles:  services.NewProfileService(store),
		analytics: services.NewAnalyticsService(store),
	}
}

func (rt *Router) Register(mux *http.ServeMux) {
	mux.HandleFunc("/api/auth/signup", rt.handleSignup)    // POST
	mux.HandleFunc("/api/auth/login", rt.handleLogin)      // POST
	mux.HandleFunc("/api/me", rt.handleMe)                 // GET
	mux.HandleFunc("/api/consent", rt.handleConsent)       // GET history, POST consent
	mux.HandleFunc("/api/consent/decline", rt.handleDecline)   // POST
	mux.HandleFunc("/api/consent/withdraw", rt.handleWithdraw) // POST
	mux.HandleFunc("/api/sessions", rt.handleSessions)         // POST start
	mux.HandleFunc("/api/sessions/active", rt.handleActiveSession) // GET
	mux.HandleFunc("/api/sessions/", rt.handleSessionScoped)       // GET /{id}, POST /{id}/messages|diagnosis|end
	mux.HandleFunc("/api/profile", rt.handleProfile)       // GET, POST
	mux.HandleFunc("/api/transcripts", rt.handleTranscripts) // GET own
	mux.HandleFunc("/api/transcripts/", rt.handleTranscript) // GET /{id}
	mux.HandleFunc("/api/admin/stats", rt.handleAdminStats)     // GET
	mux.HandleFunc("/api/admin/metrics", rt.handleAdminMetrics) // GET
	mux.HandleFunc("/api/admin/audit", rt.handleAdminAudit)       // GET
	mux.HandleFunc("/api/admin/consents", rt.handleAdminConsents) // GET ?participant_id=
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// writeErr maps service error codes onto HTTP status codes. State-machine and
// session-lifecycle violations are all conflicts: the request was well formed,
// the current state just doesn't allow it.
func writeErr(w http.ResponseWriter, err error) {
	se, ok := services.AsServiceError(err)
	if !ok {
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "internal", "message": err.Error()})
		return
	}
	status := http.StatusInternalServerError
	switch se.Code {
	case services.ErrorInvalid:
		status = http.StatusBadRequest
	case services.ErrorUnauthorized:
		status = http.StatusUnauthorized
	case services.ErrorForbidden:
		status = http.StatusForbidden
	case services.ErrorNotFound:
		status = http.StatusNotFound
	case services.ErrorConflict, services.ErrorInvalidTransition,
		services.ErrorSessionActive, services.ErrorSessionNotActive:
		status = http.StatusConflict
	case services.ErrorBadGateway:
		status = http.StatusBadGateway
	case services.ErrorStoreUnavailable:
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, status, map[string]string{"error": string(se.Code), "message": se.Message})
}

func callerID(w http.ResponseWriter, r *http.Request) (string, bool) {
	uid, ok := middleware.UserIDFromContext(r.Context())
	if !ok {
		writeJSON(w, http.StatusUnauthorized, map[string]string{"error": "unauthorized", "message": "login required"})
		return "", false
	}
	return uid, true
}

func requireAdmin(w http.ResponseWriter, r *http.Request) bool {
	c, ok := middleware.ClaimsFromContext(r.Context())
	if !ok {
		writeJSON(w, http.StatusUnauthorized, map[string]string{"error": "unauthorized", "message": "login required"})
		return false
	}
	if !c.Admin {
		writeJSON(w, http.StatusForbidden, map[string]string{"error": "forbidden", "message": "admin only"})
		return false
	}
	return true
}

// POST /api/auth/signup
func (rt *Router) handleSignup(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	var req struct {
		Email    string `json:"email"`
		Password string `json:"password"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeErr(w, services.NewInvalidError(err.Error()))
		return
	}
	res, err := rt.auth.Signup(req.Email, req.Password)
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"token": res.Token, "participant_id": res.ParticipantID})
}

// POST /api/auth/login
func (rt *Router) handleLogin(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	var req struct {
		Email    string `json:"email"`
		Password string `json:"password"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeErr(w, services.NewInvalidError(err.Error()))
		return
	}
	res, err := rt.auth.Login(req.Email, req.Password)
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"token": res.Token, "participant_id": res.ParticipantID})
}

// GET /api/me
func (rt *Router) handleMe(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	uid, ok := callerID(w, r)
	if !ok {
		return
	}
	p, err := rt.store.GetParticipant(uid)
	if err != nil {
		writeErr(w, err)
		return
	}
	if p == nil {
		writeErr(w, services.NewNotFoundError("participant not found"))
		return
	}
	writeJSON(w, http.StatusOK, p)
}

// GET /api/consent — own consent history; POST /api/consent — enroll
func (rt *Router) handleConsent(w http.ResponseWriter, r *http.Request) {
	uid, ok := callerID(w, r)
	if !ok {
		return
	}
	switch r.Method {
	case http.MethodGet:
		records, err := rt.store.ListConsentRecords(uid)
		if err != nil {
			writeErr(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"records": records})
	case http.MethodPost:
		var req struct {
			Choices map[string]bool `json:"choices"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeErr(w, services.NewInvalidError(err.Error()))
			return
		}
		p, err := rt.consent.Consent(uid, req.Choices)
		if err != nil {
			writeErr(w, err)
			return
		}
		writeJSON(w, http.StatusOK, p)
	default:
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
	}
}

// POST /api/consent/decline
func (rt *Router) handleDecline(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	uid, ok := callerID(w, r)
	if !ok {
		return
	}
	if err := rt.consent.Decline(uid); err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"ok": true})
}

// POST /api/consent/withdraw
func (rt *Router) handleWithdraw(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	uid, ok := callerID(w, r)
	if !ok {
		return
	}
	var req struct {
		Reason string `json:"reason"`
	}
	if r.Body != nil {
		_ = json.NewDecoder(r.Body).Decode(&req)
	}
	p, err := rt.consent.Withdraw(uid, req.Reason)
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, p)
}

// POST /api/sessions — start a consultation
func (rt *Router) handleSessions(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	uid, ok := callerID(w, r)
	if !ok {
		return
	}
	sn, err := rt.sessions.Start(uid)
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, sn)
}

// GET /api/sessions/active
func (rt *Router) handleActiveSession(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	uid, ok := callerID(w, r)
	if !ok {
		return
	}
	sn, err := rt.store.GetActiveSession(uid)
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"session": sn})
}

// GET /api/sessions/{id}
// POST /api/sessions/{id}/messages — chat turn
// POST /api/sessions/{id}/diagnosis — enter diagnosis phase
// POST /api/sessions/{id}/end — finalize into a transcript
func (rt *Router) handleSessionScoped(w http.ResponseWriter, r *http.Request) {
	uid, ok := callerID(w, r)
	if !ok {
		return
	}
	rest := strings.TrimPrefix(r.URL.Path, "/api/sessions/")
	parts := strings.Split(rest, "/")
	id := parts[0]
	if id == "" {
		http.NotFound(w, r)
		return
	}

	sn, err := rt.sessions.Get(id)
	if err != nil {
		writeErr(w, err)
		return
	}
	if sn.ParticipantID != uid {
		writeErr(w, services.NewForbiddenError("not your session"))
		return
	}

	if len(parts) == 1 {
		if r.Method != http.MethodGet {
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}
		writeJSON(w, http.StatusOK, sn)
		return
	}
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	switch parts[1] {
	case "messages":
		var req struct {
			Content string `json:"content"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeErr(w, services.NewInvalidError(err.Error()))
			return
		}
		reply, err := rt.chat.Ask(r.Context(), id, req.Content)
		if err != nil {
			writeErr(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{"reply": reply})
	case "diagnosis":
		reply, err := rt.chat.EnterDiagnosis(r.Context(), id)
		if err != nil {
			writeErr(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{"reply": reply})
	case "end":
		t, err := rt.sessions.End(id)
		if err != nil {
			writeErr(w, err)
			return
		}
		writeJSON(w, http.StatusOK, t)
	default:
		http.NotFound(w, r)
	}
}

// GET /api/profile — own profile; POST /api/profile — submit questionnaire
func (rt *Router) handleProfile(w http.ResponseWriter, r *http.Request) {
	uid, ok := callerID(w, r)
	if !ok {
		return
	}
	switch r.Method {
	case http.MethodGet:
		p, err := rt.profiles.Get(uid)
		if err != nil {
			writeErr(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"profile": p})
	case http.MethodPost:
		var req struct {
			Demographics map[string]string `json:"demographics"`
			ATIAnswers   map[string]int    `json:"ati_answers"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeErr(w, services.NewInvalidError(err.Error()))
			return
		}
		p, err := rt.profiles.Submit(uid, req.Demographics, req.ATIAnswers)
		if err != nil {
			writeErr(w, err)
			return
		}
		writeJSON(w, http.StatusOK, p)
	default:
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
	}
}

// GET /api/transcripts — own completed sessions
func (rt *Router) handleTranscripts(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	uid, ok := callerID(w, r)
	if !ok {
		return
	}
	ts, err := rt.store.ListTranscriptsByParticipant(uid)
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"transcripts": ts})
}

// GET /api/transcripts/{id}
func (rt *Router) handleTranscript(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	uid, ok := callerID(w, r)
	if !ok {
		return
	}
	id := strings.TrimPrefix(r.URL.Path, "/api/transcripts/")
	if id == "" || strings.Contains(id, "/") {
		http.NotFound(w, r)
		return
	}
	t, err := rt.store.GetTranscript(id)
	if err != nil {
		writeErr(w, err)
		return
	}
	if t == nil {
		writeErr(w, services.NewNotFoundError("transcript not found"))
		return
	}
	c, _ := middleware.ClaimsFromContext(r.Context())
	if t.ParticipantID != uid && (c == nil || !c.Admin) {
		writeErr(w, services.NewForbiddenError("not your transcript"))
		return
	}
	writeJSON(w, http.StatusOK, t)
}

// GET /api/admin/stats — participant counts by role
func (rt *Router) handleAdminStats(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if !requireAdmin(w, r) {
		return
	}
	stats, err := rt.analytics.ParticipantStats()
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

// GET /api/admin/metrics — study-wide usage summary
func (rt *Router) handleAdminMetrics(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if !requireAdmin(w, r) {
		return
	}
	sum, err := rt.analytics.StudySummary()
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, sum)
}

// GET /api/admin/consents?participant_id=...
func (rt *Router) handleAdminConsents(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if !requireAdmin(w, r) {
		return
	}
	participantID := r.URL.Query().Get("participant_id")
	if participantID == "" {
		writeErr(w, services.NewInvalidError("participant_id required"))
		return
	}
	records, err := rt.store.ListConsentRecords(participantID)
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"records": records})
}

// GET /api/admin/audit
func (rt *Router) handleAdminAudit(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if !requireAdmin(w, r) {
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"audit": rt.store.ListAudit()})
}
