package api

import (
	"strings"
	"sync"
	"time"

	"github.com/clinsim/aivp/internal/services"
)

// memoryStore is the default in-process store. All reads return copies so
// callers can't mutate shared state behind the mutex. The single-active-session
// rule and the participant version check are enforced here, not in handlers.
type memoryStore struct {
	mu             sync.RWMutex
	participants   map[string]*services.Participant
	consentRecords []*services.ConsentRecord
	sessions       map[string]*services.Session
	activeSession  map[string]string // participant id -> active session id
	transcripts    map[string]*services.Transcript
	transcriptIDs  []string // insertion order
	profiles       map[string]*services.ResearchProfile // keyed by anonymous id
	audit          []services.AuditEntry
}

func NewMemoryStore() Store { return newMemoryStore() }

func newMemoryStore() *memoryStore {
	return &memoryStore{
		participants:  map[string]*services.Participant{},
		sessions:      map[string]*services.Session{},
		activeSession: map[string]string{},
		transcripts:   map[string]*services.Transcript{},
		profiles:      map[string]*services.ResearchProfile{},
	}
}

func copyParticipant(p *services.Participant) *services.Participant {
	if p == nil {
		return nil
	}
	cp := *p
	if p.Consents != nil {
		cp.Consents = map[string]bool{}
		for k, v := range p.Consents {
			cp.Consents[k] = v
		}
	}
	return &cp
}

func copySession(sn *services.Session) *services.Session {
	if sn == nil {
		return nil
	}
	cp := *sn
	cp.Messages = append([]services.Message(nil), sn.Messages...)
	return &cp
}

func copyTranscript(t *services.Transcript) *services.Transcript {
	if t == nil {
		return nil
	}
	cp := *t
	cp.Messages = append([]services.Message(nil), t.Messages...)
	return &cp
}

func copyProfile(p *services.ResearchProfile) *services.ResearchProfile {
	if p == nil {
		return nil
	}
	cp := *p
	return &cp
}

func (s *memoryStore) AddParticipant(p *services.Participant) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.participants[p.ID]; ok {
		return services.NewConflictError("participant exists")
	}
	s.participants[p.ID] = copyParticipant(p)
	return nil
}

func (s *memoryStore) GetParticipant(id string) (*services.Participant, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return copyParticipant(s.participants[id]), nil
}

func (s *memoryStore) FindParticipantByEmail(email string) (*services.Participant, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, p := range s.participants {
		if strings.EqualFold(p.Email, email) {
			return copyParticipant(p), nil
		}
	}
	return nil, nil
}

func (s *memoryStore) UpdateParticipant(p *services.Participant, expectedVersion int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cur, ok := s.participants[p.ID]
	if !ok {
		return services.NewNotFoundError("participant not found")
	}
	if cur.Version != expectedVersion {
		return services.NewConflictError("participant modified concurrently")
	}
	cp := copyParticipant(p)
	cp.Version = expectedVersion + 1
	s.participants[p.ID] = cp
	return nil
}

func (s *memoryStore) ListParticipants() ([]*services.Participant, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*services.Participant, 0, len(s.participants))
	for _, p := range s.participants {
		out = append(out, copyParticipant(p))
	}
	return out, nil
}

func (s *memoryStore) AddConsentRecord(cr *services.ConsentRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *cr
	s.consentRecords = append(s.consentRecords, &cp)
	return nil
}

func (s *memoryStore) ListConsentRecords(participantID string) ([]*services.ConsentRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*services.ConsentRecord
	for _, cr := range s.consentRecords {
		if cr.ParticipantID == participantID {
			cp := *cr
			out = append(out, &cp)
		}
	}
	return out, nil
}

func (s *memoryStore) CreateSession(sn *services.Session) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.activeSession[sn.ParticipantID]; ok {
		return services.NewSessionActiveError("participant already has an active session")
	}
	s.sessions[sn.ID] = copySession(sn)
	s.activeSession[sn.ParticipantID] = sn.ID
	return nil
}

func (s *memoryStore) GetSession(id string) (*services.Session, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return copySession(s.sessions[id]), nil
}

func (s *memoryStore) GetActiveSession(participantID string) (*services.Session, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	id, ok := s.activeSession[participantID]
	if !ok {
		return nil, nil
	}
	return copySession(s.sessions[id]), nil
}

func (s *memoryStore) AppendSessionMessage(sessionID string, m services.Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	sn, ok := s.sessions[sessionID]
	if !ok {
		return services.NewNotFoundError("session not found")
	}
	sn.Messages = append(sn.Messages, m)
	return nil
}

func (s *memoryStore) SetSessionDiagnosis(sessionID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	sn, ok := s.sessions[sessionID]
	if !ok {
		return services.NewNotFoundError("session not found")
	}
	sn.DiagnosisMode = true
	return nil
}

func (s *memoryStore) CompleteSession(sessionID string, endTime time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	sn, ok := s.sessions[sessionID]
	if !ok {
		return services.NewNotFoundError("session not found")
	}
	sn.Status = services.SessionCompleted
	sn.EndTime = &endTime
	if s.activeSession[sn.ParticipantID] == sessionID {
		delete(s.activeSession, sn.ParticipantID)
	}
	return nil
}

func (s *memoryStore) AddTranscript(t *services.Transcript) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.transcripts[t.ID] = copyTranscript(t)
	s.transcriptIDs = append(s.transcriptIDs, t.ID)
	return nil
}

func (s *memoryStore) GetTranscript(id string) (*services.Transcript, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return copyTranscript(s.transcripts[id]), nil
}

func (s *memoryStore) ListTranscriptsByParticipant(participantID string) ([]*services.Transcript, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*services.Transcript
	for _, id := range s.transcriptIDs {
		if t := s.transcripts[id]; t.ParticipantID == participantID {
			out = append(out, copyTranscript(t))
		}
	}
	return out, nil
}

func (s *memoryStore) ListTranscriptsByAnonymousID(anonymousID string) ([]*services.Transcript, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*services.Transcript
	for _, id := range s.transcriptIDs {
		if t := s.transcripts[id]; t.AnonymousID == anonymousID {
			out = append(out, copyTranscript(t))
		}
	}
	return out, nil
}

func (s *memoryStore) ListResearchTranscripts() ([]*services.Transcript, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*services.Transcript
	for _, id := range s.transcriptIDs {
		if t := s.transcripts[id]; t.IsResearchSession {
			out = append(out, copyTranscript(t))
		}
	}
	return out, nil
}

func (s *memoryStore) SetTranscriptParticipant(transcriptID, participantID string, withdrawnAt time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.transcripts[transcriptID]
	if !ok {
		return services.NewNotFoundError("transcript not found")
	}
	t.ParticipantID = participantID
	t.WithdrawnAt = &withdrawnAt
	return nil
}

func (s *memoryStore) UpsertResearchProfile(p *services.ResearchProfile) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.profiles[p.AnonymousID] = copyProfile(p)
	return nil
}

func (s *memoryStore) GetResearchProfile(anonymousID string) (*services.ResearchProfile, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return copyProfile(s.profiles[anonymousID]), nil
}

func (s *memoryStore) ListResearchProfilesByAnonymousID(anonymousID string) ([]*services.ResearchProfile, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*services.ResearchProfile
	for _, p := range s.profiles {
		if p.AnonymousID == anonymousID {
			out = append(out, copyProfile(p))
		}
	}
	return out, nil
}

func (s *memoryStore) SetResearchProfileParticipant(profileID, participantID string, withdrawnAt time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, p := range s.profiles {
		if p.ID == profileID {
			p.ParticipantID = participantID
			p.WithdrawnAt = &withdrawnAt
			return nil
		}
	}
	return services.NewNotFoundError("profile not found")
}

func (s *memoryStore) AddAudit(e services.AuditEntry) {
	s.mu.Lock()
	s.audit = append(s.audit, e)
	s.mu.Unlock()
}

func (s *memoryStore) ListAudit() []services.AuditEntry {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]services.AuditEntry, len(s.audit))
	copy(out, s.audit)
	return out
}
