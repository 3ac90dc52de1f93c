package services

import (
	"sync"
	"time"
)

type SessionStore interface {
	GetParticipant(id string) (*Participant, error)
	CreateSession(sn *Session) error
	GetSession(id string) (*Session, error)
	AppendSessionMessage(sessionID string, m Message) error
	SetSessionDiagnosis(sessionID string) error
	CompleteSession(sessionID string, endTime time.Time) error
	AddTranscript(t *Transcript) error
}

// MetricsComputer derives token metrics from a finished message list.
type MetricsComputer interface {
	Compute(messages []Message, model string) TokenMetrics
}

// SessionService records one consultation from start to transcript. Start,
// Append and End are the only mutation points for session state. Appends to
// the same session are applied in submission order; different sessions are
// fully independent.
type SessionService struct {
	store   SessionStore
	metrics MetricsComputer
	model   string
	now     func() time.Time
	idGen   func() string

	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

func NewSessionService(store SessionStore, metrics MetricsComputer, model string) *SessionService {
	if model == "" {
		model = DefaultPricingModel
	}
	return &SessionService{
		store:   store,
		metrics: metrics,
		model:   model,
		now:     func() time.Time { return time.Now().UTC() },
		idGen:   func() string { return shortID(16) },
		locks:   map[string]*sync.Mutex{},
	}
}

func (s *SessionService) sessionLock(sessionID string) *sync.Mutex {
	s.mu.Lock()
	defer s.mu.Unlock()
	l, ok := s.locks[sessionID]
	if !ok {
		l = &sync.Mutex{}
		s.locks[sessionID] = l
	}
	return l
}

// Start opens a consultation for the participant. The participant's role and
// anonymous id are snapshotted onto the session: a session started under
// research consent stays a research session even if the participant withdraws
// before it ends. At most one active session per participant; the store
// rejects a second with a session_active error.
func (s *SessionService) Start(participantID string) (*Session, error) {
	p, err := s.store.GetParticipant(participantID)
	if err != nil {
		return nil, err
	}
	if p == nil {
		return nil, NewNotFoundError("participant not found")
	}
	isResearch := p.Role == RoleResearch
	anonymousID := ""
	if isResearch {
		anonymousID = p.AnonymousID
	}
	sn := &Session{
		ID:                s.idGen(),
		ParticipantID:     participantID,
		AnonymousID:       anonymousID,
		IsResearchSession: isResearch,
		Status:            SessionActive,
		StartTime:         s.now(),
		Messages:          []Message{},
	}
	if err := s.store.CreateSession(sn); err != nil {
		return nil, err
	}
	return sn, nil
}

func (s *SessionService) Get(sessionID string) (*Session, error) {
	sn, err := s.store.GetSession(sessionID)
	if err != nil {
		return nil, err
	}
	if sn == nil {
		return nil, NewNotFoundError("session not found")
	}
	return sn, nil
}

// Append adds one message to an active session. Timestamps are monotonic per
// session: if the clock reads earlier than the previous message, the new
// timestamp is clamped to previous+1ms instead of rejecting the append.
func (s *SessionService) Append(sessionID string, typ MessageType, content string) (*Message, error) {
	if typ != MessageStudent && typ != MessagePatient {
		return nil, NewInvalidError("unknown message type")
	}
	l := s.sessionLock(sessionID)
	l.Lock()
	defer l.Unlock()

	sn, err := s.Get(sessionID)
	if err != nil {
		return nil, err
	}
	if sn.Status != SessionActive {
		return nil, NewSessionNotActiveError("session already completed")
	}
	ts := s.now()
	if n := len(sn.Messages); n > 0 {
		if last := sn.Messages[n-1].Timestamp; !ts.After(last) {
			ts = last.Add(time.Millisecond)
		}
	}
	m := Message{Type: typ, Content: content, Timestamp: ts}
	if err := s.store.AppendSessionMessage(sessionID, m); err != nil {
		return nil, err
	}
	return &m, nil
}

// EnterDiagnosis marks the session as having reached the diagnosis phase.
func (s *SessionService) EnterDiagnosis(sessionID string) error {
	l := s.sessionLock(sessionID)
	l.Lock()
	defer l.Unlock()

	sn, err := s.Get(sessionID)
	if err != nil {
		return err
	}
	if sn.Status != SessionActive {
		return NewSessionNotActiveError("session already completed")
	}
	return s.store.SetSessionDiagnosis(sessionID)
}

// End completes the session and persists its immutable transcript. Duration is
// clamped to zero if clock anomalies produced an end time at or before the
// start. Token metrics are computed over the full message list; a tokenizer
// failure degrades to null metrics with the error recorded on the transcript
// rather than losing the transcript.
func (s *SessionService) End(sessionID string) (*Transcript, error) {
	l := s.sessionLock(sessionID)
	l.Lock()
	defer l.Unlock()

	sn, err := s.Get(sessionID)
	if err != nil {
		return nil, err
	}
	if sn.Status != SessionActive {
		return nil, NewSessionNotActiveError("session already completed")
	}

	endTime := s.now()
	duration := 0
	if endTime.After(sn.StartTime) {
		duration = int(endTime.Sub(sn.StartTime).Seconds())
	}

	t := &Transcript{
		ID:                 s.idGen(),
		ParticipantID:      sn.ParticipantID,
		AnonymousID:        sn.AnonymousID,
		IsResearchSession:  sn.IsResearchSession,
		StartTime:          sn.StartTime,
		EndTime:            endTime,
		DurationSeconds:    duration,
		MessageCount:       len(sn.Messages),
		DiagnosisDiscussed: sn.DiagnosisMode,
		Messages:           sn.Messages,
		Metrics:            s.metrics.Compute(sn.Messages, s.model),
	}
	if err := s.store.AddTranscript(t); err != nil {
		return nil, err
	}
	if err := s.store.CompleteSession(sessionID, endTime); err != nil {
		return nil, err
	}

	s.mu.Lock()
	delete(s.locks, sessionID)
	s.mu.Unlock()
	return t, nil
}
