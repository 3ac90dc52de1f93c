package services

import "time"

// Role is the participant's position in the research lifecycle.
type Role string

const (
	RolePilot     Role = "pilot_participant"
	RoleResearch  Role = "research_participant"
	RoleWithdrawn Role = "withdrawn"
)

// WithdrawnSentinel replaces the participant reference on research artifacts
// after consent withdrawal. The artifacts keep their anonymous id; only the
// link back to a real account is severed.
const WithdrawnSentinel = "withdrawn"

// Participant is one real person's account record. It is never deleted,
// even after withdrawal. AnonymousID is set iff Role == RoleResearch.
type Participant struct {
	ID                 string          `json:"id"`
	Email              string          `json:"email,omitempty"`
	PassHash           []byte          `json:"-"`
	Admin              bool            `json:"admin,omitempty"`
	Role               Role            `json:"role"`
	AnonymousID        string          `json:"anonymous_id,omitempty"`
	Consents           map[string]bool `json:"consents,omitempty"`
	ConsentTimestamp   *time.Time      `json:"consent_timestamp,omitempty"`
	ConsentWithdrawnAt *time.Time      `json:"consent_withdrawn_at,omitempty"`
	ProfileComplete    bool            `json:"profile_complete"`
	CreatedAt          time.Time       `json:"created_at"`
	Version            int64           `json:"-"`
}

// ConsentKind tags one lifecycle transition in the append-only consent history.
type ConsentKind string

const (
	ConsentInitial    ConsentKind = "initial_consent"
	ConsentReconsent  ConsentKind = "reconsent"
	ConsentWithdrawal ConsentKind = "withdrawal"
	ConsentDecline    ConsentKind = "decline"
)

// ConsentRecord is immutable once written. AnonymousID holds the id active at
// the time of the event, or the id being retired for a withdrawal; it is empty
// for a decline.
type ConsentRecord struct {
	ID            string          `json:"id"`
	ParticipantID string          `json:"participant_id"`
	AnonymousID   string          `json:"anonymous_id,omitempty"`
	Kind          ConsentKind     `json:"kind"`
	Timestamp     time.Time       `json:"timestamp"`
	Reason        string          `json:"reason,omitempty"`
	Choices       map[string]bool `json:"choices,omitempty"`
}

// MessageType distinguishes the student from the simulated patient.
// Wire values match the original transcript format.
type MessageType string

const (
	MessageStudent MessageType = "user"
	MessagePatient MessageType = "ai"
)

type Message struct {
	Type      MessageType `json:"type"`
	Content   string      `json:"content"`
	Timestamp time.Time   `json:"timestamp"`
}

type SessionStatus string

const (
	SessionActive    SessionStatus = "active"
	SessionCompleted SessionStatus = "completed"
)

// Session is one in-progress or completed consultation. AnonymousID and
// IsResearchSession are snapshots taken at start time; they do not change if
// the participant's role changes mid-session.
type Session struct {
	ID                string        `json:"id"`
	ParticipantID     string        `json:"participant_id"`
	AnonymousID       string        `json:"anonymous_id,omitempty"`
	IsResearchSession bool          `json:"is_research_session"`
	Status            SessionStatus `json:"status"`
	StartTime         time.Time     `json:"start_time"`
	EndTime           *time.Time    `json:"end_time,omitempty"`
	DiagnosisMode     bool          `json:"diagnosis_mode,omitempty"`
	Messages          []Message     `json:"messages"`
}

// TokenMetrics carries derived usage figures for a transcript. Totals are nil
// when the tokenizer failed; the transcript is still persisted and the failure
// recorded in Error.
type TokenMetrics struct {
	TotalTokens *int     `json:"total_tokens"`
	TotalCost   *float64 `json:"total_cost"`
	Model       string   `json:"model"`
	Error       string   `json:"error,omitempty"`
}

// Transcript is the immutable snapshot produced when a session completes.
// ParticipantID is the only field ever rewritten afterwards: it becomes
// WithdrawnSentinel when the owner withdraws consent.
type Transcript struct {
	ID                 string       `json:"id"`
	ParticipantID      string       `json:"participant_id"`
	AnonymousID        string       `json:"anonymous_id,omitempty"`
	IsResearchSession  bool         `json:"is_research_session"`
	StartTime          time.Time    `json:"start_time"`
	EndTime            time.Time    `json:"end_time"`
	DurationSeconds    int          `json:"duration_seconds"`
	MessageCount       int          `json:"message_count"`
	DiagnosisDiscussed bool         `json:"diagnosis_discussed,omitempty"`
	Messages           []Message    `json:"messages"`
	Metrics            TokenMetrics `json:"metrics"`
	WithdrawnAt        *time.Time   `json:"withdrawn_at,omitempty"`
}

// ResearchProfile holds the one-time demographic and ATI questionnaire
// answers, owned by the anonymous id. One profile per anonymous id.
type ResearchProfile struct {
	ID            string            `json:"id"`
	ParticipantID string            `json:"participant_id"`
	AnonymousID   string            `json:"anonymous_id"`
	Demographics  map[string]string `json:"demographics,omitempty"`
	ATIAnswers    map[string]int    `json:"ati_answers,omitempty"`
	CreatedAt     time.Time         `json:"created_at"`
	WithdrawnAt   *time.Time        `json:"withdrawn_at,omitempty"`
}

// AuditEntry is one append-only compliance record. Entries are written for
// every consent transition attempt, including failures, and are never read
// back by application logic.
type AuditEntry struct {
	Time   time.Time `json:"time"`
	Actor  string    `json:"actor"`
	Action string    `json:"action"`
	Target string    `json:"target"`
	Note   string    `json:"note,omitempty"`
}
