package db

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"strings"
	"time"

	sqlite3 "github.com/mattn/go-sqlite3"

	"github.com/clinsim/aivp/internal/api"
	"github.com/clinsim/aivp/internal/services"
)

// SQLiteStore persists the study data in a single SQLite file. Timestamps are
// stored as RFC3339Nano UTC text. The single-active-session rule is backed by
// a partial unique index; the participant version check by a guarded UPDATE.
type SQLiteStore struct {
	db *sql.DB
}

func NewSQLiteStore(db *sql.DB) (*SQLiteStore, error) {
	if db == nil {
		return nil, errors.New("nil db")
	}
	pragmas := []string{
		"PRAGMA foreign_keys = ON",
		"PRAGMA journal_mode = WAL",
		"PRAGMA synchronous = NORMAL",
	}
	for _, stmt := range pragmas {
		if _, err := db.Exec(stmt); err != nil {
			return nil, fmt.Errorf("apply sqlite pragma %q: %w", stmt, err)
		}
	}
	return &SQLiteStore{db: db}, nil
}

func NewStore(db *sql.DB) (api.Store, error) {
	return NewSQLiteStore(db)
}

var _ api.Store = (*SQLiteStore)(nil)

func isConstraintErr(err error) bool {
	var se sqlite3.Error
	return errors.As(err, &se) && se.Code == sqlite3.ErrConstraint
}

func fmtTime(t time.Time) string { return t.UTC().Format(time.RFC3339Nano) }

func fmtTimePtr(t *time.Time) sql.NullString {
	if t == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: fmtTime(*t), Valid: true}
}

func parseTime(s string) time.Time {
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		log.Printf("sqlite store: parse time %q: %v", s, err)
	}
	return t
}

func parseTimePtr(ns sql.NullString) *time.Time {
	if !ns.Valid || ns.String == "" {
		return nil
	}
	t := parseTime(ns.String)
	return &t
}

func toNullString(s string) sql.NullString {
	if strings.TrimSpace(s) == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}

func encodeJSON(v any) (sql.NullString, error) {
	if v == nil {
		return sql.NullString{}, nil
	}
	b, err := json.Marshal(v)
	if err != nil {
		return sql.NullString{}, err
	}
	return sql.NullString{String: string(b), Valid: true}, nil
}

func decodeJSON(ns sql.NullString, out any) {
	if !ns.Valid || strings.TrimSpace(ns.String) == "" {
		return
	}
	if err := json.Unmarshal([]byte(ns.String), out); err != nil {
		log.Printf("sqlite store: decode json: %v", err)
	}
}

func encodeMessages(ms []services.Message) (string, error) {
	if ms == nil {
		ms = []services.Message{}
	}
	b, err := json.Marshal(ms)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

func decodeMessages(s string) []services.Message {
	out := []services.Message{}
	if strings.TrimSpace(s) == "" {
		return out
	}
	if err := json.Unmarshal([]byte(s), &out); err != nil {
		log.Printf("sqlite store: decode messages: %v", err)
	}
	return out
}

// --- participants ---

func (s *SQLiteStore) AddParticipant(p *services.Participant) error {
	consents, err := encodeJSON(p.Consents)
	if err != nil {
		return err
	}
	_, err = s.db.Exec(`INSERT INTO participants
		(id, email, pass_hash, admin, role, anonymous_id, consents, consent_timestamp, consent_withdrawn_at, profile_complete, created_at, version)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		p.ID, p.Email, p.PassHash, p.Admin, string(p.Role), toNullString(p.AnonymousID),
		consents, fmtTimePtr(p.ConsentTimestamp), fmtTimePtr(p.ConsentWithdrawnAt),
		p.ProfileComplete, fmtTime(p.CreatedAt), p.Version)
	if isConstraintErr(err) {
		return services.NewConflictError("participant exists")
	}
	return err
}

const participantCols = `id, email, pass_hash, admin, role, anonymous_id, consents, consent_timestamp, consent_withdrawn_at, profile_complete, created_at, version`

func (s *SQLiteStore) scanParticipant(row *sql.Row) (*services.Participant, error) {
	var p services.Participant
	var role string
	var anonID, consents, consentTS, withdrawnAt sql.NullString
	var createdAt string
	err := row.Scan(&p.ID, &p.Email, &p.PassHash, &p.Admin, &role, &anonID,
		&consents, &consentTS, &withdrawnAt, &p.ProfileComplete, &createdAt, &p.Version)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	p.Role = services.Role(role)
	p.AnonymousID = anonID.String
	decodeJSON(consents, &p.Consents)
	p.ConsentTimestamp = parseTimePtr(consentTS)
	p.ConsentWithdrawnAt = parseTimePtr(withdrawnAt)
	p.CreatedAt = parseTime(createdAt)
	return &p, nil
}

func (s *SQLiteStore) GetParticipant(id string) (*services.Participant, error) {
	row := s.db.QueryRow(`SELECT `+participantCols+` FROM participants WHERE id = ?`, id)
	return s.scanParticipant(row)
}

func (s *SQLiteStore) FindParticipantByEmail(email string) (*services.Participant, error) {
	row := s.db.QueryRow(`SELECT `+participantCols+` FROM participants WHERE email = ? COLLATE NOCASE`, email)
	return s.scanParticipant(row)
}

func (s *SQLiteStore) UpdateParticipant(p *services.Participant, expectedVersion int64) error {
	consents, err := encodeJSON(p.Consents)
	if err != nil {
		return err
	}
	res, err := s.db.Exec(`UPDATE participants SET
		email = ?, pass_hash = ?, admin = ?, role = ?, anonymous_id = ?, consents = ?,
		consent_timestamp = ?, consent_withdrawn_at = ?, profile_complete = ?, version = version + 1
		WHERE id = ? AND version = ?`,
		p.Email, p.PassHash, p.Admin, string(p.Role), toNullString(p.AnonymousID), consents,
		fmtTimePtr(p.ConsentTimestamp), fmtTimePtr(p.ConsentWithdrawnAt), p.ProfileComplete,
		p.ID, expectedVersion)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		cur, err := s.GetParticipant(p.ID)
		if err != nil {
			return err
		}
		if cur == nil {
			return services.NewNotFoundError("participant not found")
		}
		return services.NewConflictError("participant modified concurrently")
	}
	return nil
}

func (s *SQLiteStore) ListParticipants() ([]*services.Participant, error) {
	rows, err := s.db.Query(`SELECT ` + participantCols + ` FROM participants ORDER BY created_at`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []*services.Participant
	for rows.Next() {
		var p services.Participant
		var role string
		var anonID, consents, consentTS, withdrawnAt sql.NullString
		var createdAt string
		if err := rows.Scan(&p.ID, &p.Email, &p.PassHash, &p.Admin, &role, &anonID,
			&consents, &consentTS, &withdrawnAt, &p.ProfileComplete, &createdAt, &p.Version); err != nil {
			return nil, err
		}
		p.Role = services.Role(role)
		p.AnonymousID = anonID.String
		decodeJSON(consents, &p.Consents)
		p.ConsentTimestamp = parseTimePtr(consentTS)
		p.ConsentWithdrawnAt = parseTimePtr(withdrawnAt)
		p.CreatedAt = parseTime(createdAt)
		cp := p
		out = append(out, &cp)
	}
	return out, rows.Err()
}

// --- consent records ---

func (s *SQLiteStore) AddConsentRecord(cr *services.ConsentRecord) error {
	choices, err := encodeJSON(cr.Choices)
	if err != nil {
		return err
	}
	_, err = s.db.Exec(`INSERT INTO consent_records (id, participant_id, anonymous_id, kind, ts, reason, choices)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		cr.ID, cr.ParticipantID, toNullString(cr.AnonymousID), string(cr.Kind), fmtTime(cr.Timestamp),
		toNullString(cr.Reason), choices)
	return err
}

func (s *SQLiteStore) ListConsentRecords(participantID string) ([]*services.ConsentRecord, error) {
	rows, err := s.db.Query(`SELECT id, participant_id, anonymous_id, kind, ts, reason, choices
		FROM consent_records WHERE participant_id = ? ORDER BY ts`, participantID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []*services.ConsentRecord
	for rows.Next() {
		var cr services.ConsentRecord
		var kind, ts string
		var anonID, reason, choices sql.NullString
		if err := rows.Scan(&cr.ID, &cr.ParticipantID, &anonID, &kind, &ts, &reason, &choices); err != nil {
			return nil, err
		}
		cr.AnonymousID = anonID.String
		cr.Kind = services.ConsentKind(kind)
		cr.Timestamp = parseTime(ts)
		cr.Reason = reason.String
		decodeJSON(choices, &cr.Choices)
		cp := cr
		out = append(out, &cp)
	}
	return out, rows.Err()
}

// --- sessions ---

func (s *SQLiteStore) CreateSession(sn *services.Session) error {
	msgs, err := encodeMessages(sn.Messages)
	if err != nil {
		return err
	}
	_, err = s.db.Exec(`INSERT INTO sessions (id, participant_id, anonymous_id, is_research, status, start_time, end_time, diagnosis_mode, messages)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		sn.ID, sn.ParticipantID, toNullString(sn.AnonymousID), sn.IsResearchSession,
		string(sn.Status), fmtTime(sn.StartTime), fmtTimePtr(sn.EndTime), sn.DiagnosisMode, msgs)
	if isConstraintErr(err) {
		return services.NewSessionActiveError("participant already has an active session")
	}
	return err
}

const sessionCols = `id, participant_id, anonymous_id, is_research, status, start_time, end_time, diagnosis_mode, messages`

func scanSession(scan func(dest ...any) error) (*services.Session, error) {
	var sn services.Session
	var status, startTime, msgs string
	var anonID, endTime sql.NullString
	err := scan(&sn.ID, &sn.ParticipantID, &anonID, &sn.IsResearchSession, &status, &startTime, &endTime, &sn.DiagnosisMode, &msgs)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	sn.AnonymousID = anonID.String
	sn.Status = services.SessionStatus(status)
	sn.StartTime = parseTime(startTime)
	sn.EndTime = parseTimePtr(endTime)
	sn.Messages = decodeMessages(msgs)
	return &sn, nil
}

func (s *SQLiteStore) GetSession(id string) (*services.Session, error) {
	row := s.db.QueryRow(`SELECT `+sessionCols+` FROM sessions WHERE id = ?`, id)
	return scanSession(row.Scan)
}

func (s *SQLiteStore) GetActiveSession(participantID string) (*services.Session, error) {
	row := s.db.QueryRow(`SELECT `+sessionCols+` FROM sessions WHERE participant_id = ? AND status = 'active'`, participantID)
	return scanSession(row.Scan)
}

// AppendSessionMessage rewrites the message list inside a transaction. The
// session service already serializes appends per session; the transaction
// guards against concurrent writers through other paths.
func (s *SQLiteStore) AppendSessionMessage(sessionID string, m services.Message) error {
	tx, err := s.db.Begin()
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	var msgs string
	err = tx.QueryRow(`SELECT messages FROM sessions WHERE id = ?`, sessionID).Scan(&msgs)
	if errors.Is(err, sql.ErrNoRows) {
		return services.NewNotFoundError("session not found")
	}
	if err != nil {
		return err
	}
	list := append(decodeMessages(msgs), m)
	encoded, err := encodeMessages(list)
	if err != nil {
		return err
	}
	if _, err := tx.Exec(`UPDATE sessions SET messages = ? WHERE id = ?`, encoded, sessionID); err != nil {
		return err
	}
	return tx.Commit()
}

func (s *SQLiteStore) SetSessionDiagnosis(sessionID string) error {
	res, err := s.db.Exec(`UPDATE sessions SET diagnosis_mode = 1 WHERE id = ?`, sessionID)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return services.NewNotFoundError("session not found")
	}
	return nil
}

func (s *SQLiteStore) CompleteSession(sessionID string, endTime time.Time) error {
	res, err := s.db.Exec(`UPDATE sessions SET status = ?, end_time = ? WHERE id = ?`,
		string(services.SessionCompleted), fmtTime(endTime), sessionID)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return services.NewNotFoundError("session not found")
	}
	return nil
}

// --- transcripts ---

func (s *SQLiteStore) AddTranscript(t *services.Transcript) error {
	msgs, err := encodeMessages(t.Messages)
	if err != nil {
		return err
	}
	var totalTokens sql.NullInt64
	if t.Metrics.TotalTokens != nil {
		totalTokens = sql.NullInt64{Int64: int64(*t.Metrics.TotalTokens), Valid: true}
	}
	var totalCost sql.NullFloat64
	if t.Metrics.TotalCost != nil {
		totalCost = sql.NullFloat64{Float64: *t.Metrics.TotalCost, Valid: true}
	}
	_, err = s.db.Exec(`INSERT INTO transcripts
		(id, participant_id, anonymous_id, is_research, start_time, end_time, duration_seconds, message_count, diagnosis_discussed, messages, total_tokens, total_cost, model, metrics_error, withdrawn_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		t.ID, t.ParticipantID, toNullString(t.AnonymousID), t.IsResearchSession,
		fmtTime(t.StartTime), fmtTime(t.EndTime), t.DurationSeconds, t.MessageCount,
		t.DiagnosisDiscussed, msgs, totalTokens, totalCost,
		toNullString(t.Metrics.Model), toNullString(t.Metrics.Error), fmtTimePtr(t.WithdrawnAt))
	return err
}

const transcriptCols = `id, participant_id, anonymous_id, is_research, start_time, end_time, duration_seconds, message_count, diagnosis_discussed, messages, total_tokens, total_cost, model, metrics_error, withdrawn_at`

func scanTranscript(scan func(dest ...any) error) (*services.Transcript, error) {
	var t services.Transcript
	var startTime, endTime, msgs string
	var anonID, model, metricsErr, withdrawnAt sql.NullString
	var totalTokens sql.NullInt64
	var totalCost sql.NullFloat64
	err := scan(&t.ID, &t.ParticipantID, &anonID, &t.IsResearchSession, &startTime, &endTime,
		&t.DurationSeconds, &t.MessageCount, &t.DiagnosisDiscussed, &msgs,
		&totalTokens, &totalCost, &model, &metricsErr, &withdrawnAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	t.AnonymousID = anonID.String
	t.StartTime = parseTime(startTime)
	t.EndTime = parseTime(endTime)
	t.Messages = decodeMessages(msgs)
	if totalTokens.Valid {
		n := int(totalTokens.Int64)
		t.Metrics.TotalTokens = &n
	}
	if totalCost.Valid {
		c := totalCost.Float64
		t.Metrics.TotalCost = &c
	}
	t.Metrics.Model = model.String
	t.Metrics.Error = metricsErr.String
	t.WithdrawnAt = parseTimePtr(withdrawnAt)
	return &t, nil
}

func (s *SQLiteStore) GetTranscript(id string) (*services.Transcript, error) {
	row := s.db.QueryRow(`SELECT `+transcriptCols+` FROM transcripts WHERE id = ?`, id)
	return scanTranscript(row.Scan)
}

func (s *SQLiteStore) listTranscripts(where string, args ...any) ([]*services.Transcript, error) {
	rows, err := s.db.Query(`SELECT `+transcriptCols+` FROM transcripts `+where+` ORDER BY rowid`, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []*services.Transcript
	for rows.Next() {
		t, err := scanTranscript(rows.Scan)
		if err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

func (s *SQLiteStore) ListTranscriptsByParticipant(participantID string) ([]*services.Transcript, error) {
	return s.listTranscripts(`WHERE participant_id = ?`, participantID)
}

func (s *SQLiteStore) ListTranscriptsByAnonymousID(anonymousID string) ([]*services.Transcript, error) {
	return s.listTranscripts(`WHERE anonymous_id = ?`, anonymousID)
}

func (s *SQLiteStore) ListResearchTranscripts() ([]*services.Transcript, error) {
	return s.listTranscripts(`WHERE is_research = 1`)
}

func (s *SQLiteStore) SetTranscriptParticipant(transcriptID, participantID string, withdrawnAt time.Time) error {
	res, err := s.db.Exec(`UPDATE transcripts SET participant_id = ?, withdrawn_at = ? WHERE id = ?`,
		participantID, fmtTime(withdrawnAt), transcriptID)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return services.NewNotFoundError("transcript not found")
	}
	return nil
}

// --- research profiles ---

func (s *SQLiteStore) UpsertResearchProfile(p *services.ResearchProfile) error {
	demographics, err := encodeJSON(p.Demographics)
	if err != nil {
		return err
	}
	ati, err := encodeJSON(p.ATIAnswers)
	if err != nil {
		return err
	}
	_, err = s.db.Exec(`INSERT INTO research_profiles (id, participant_id, anonymous_id, demographics, ati_answers, created_at, withdrawn_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(anonymous_id) DO UPDATE SET
			participant_id = excluded.participant_id,
			demographics = excluded.demographics,
			ati_answers = excluded.ati_answers`,
		p.ID, p.ParticipantID, p.AnonymousID, demographics, ati, fmtTime(p.CreatedAt), fmtTimePtr(p.WithdrawnAt))
	return err
}

const profileCols = `id, participant_id, anonymous_id, demographics, ati_answers, created_at, withdrawn_at`

func scanProfile(scan func(dest ...any) error) (*services.ResearchProfile, error) {
	var p services.ResearchProfile
	var createdAt string
	var demographics, ati, withdrawnAt sql.NullString
	err := scan(&p.ID, &p.ParticipantID, &p.AnonymousID, &demographics, &ati, &createdAt, &withdrawnAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	decodeJSON(demographics, &p.Demographics)
	decodeJSON(ati, &p.ATIAnswers)
	p.CreatedAt = parseTime(createdAt)
	p.WithdrawnAt = parseTimePtr(withdrawnAt)
	return &p, nil
}

func (s *SQLiteStore) GetResearchProfile(anonymousID string) (*services.ResearchProfile, error) {
	row := s.db.QueryRow(`SELECT `+profileCols+` FROM research_profiles WHERE anonymous_id = ?`, anonymousID)
	return scanProfile(row.Scan)
}

func (s *SQLiteStore) ListResearchProfilesByAnonymousID(anonymousID string) ([]*services.ResearchProfile, error) {
	rows, err := s.db.Query(`SELECT `+profileCols+` FROM research_profiles WHERE anonymous_id = ?`, anonymousID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []*services.ResearchProfile
	for rows.Next() {
		p, err := scanProfile(rows.Scan)
		if err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

func (s *SQLiteStore) SetResearchProfileParticipant(profileID, participantID string, withdrawnAt time.Time) error {
	res, err := s.db.Exec(`UPDATE research_profiles SET participant_id = ?, withdrawn_at = ? WHERE id = ?`,
		participantID, fmtTime(withdrawnAt), profileID)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return services.NewNotFoundError("profile not found")
	}
	return nil
}

// --- audit ---

func (s *SQLiteStore) AddAudit(e services.AuditEntry) {
	_, err := s.db.Exec(`INSERT INTO audit_log (ts, actor, action, target, note) VALUES (?, ?, ?, ?, ?)`,
		fmtTime(e.Time), e.Actor, e.Action, e.Target, toNullString(e.Note))
	if err != nil {
		log.Printf("sqlite store: add audit: %v", err)
	}
}

func (s *SQLiteStore) ListAudit() []services.AuditEntry {
	rows, err := s.db.Query(`SELECT ts, actor, action, target, note FROM audit_log ORDER BY seq`)
	if err != nil {
		log.Printf("sqlite store: list audit: %v", err)
		return nil
	}
	defer rows.Close()
	var out []services.AuditEntry
	for rows.Next() {
		var e services.AuditEntry
		var ts string
		var note sql.NullString
		if err := rows.Scan(&ts, &e.Actor, &e.Action, &e.Target, &note); err != nil {
			log.Printf("sqlite store: scan audit: %v", err)
			return out
		}
		e.Time = parseTime(ts)
		e.Note = note.String
		out = append(out, e)
	}
	return out
}
