package services

import "context"

// CompletionProvider generates the next virtual-patient utterance from the
// ordered prior messages. Treated as a black box; failures are surfaced to the
// caller, who decides whether to retry the turn.
type CompletionProvider interface {
	Generate(ctx context.Context, messages []Message, diagnosisMode bool) (string, error)
}

// ConsultationService orchestrates one chat turn: record the student's
// message, ask the completion provider for the patient's reply, record the
// reply. Session bookkeeping stays inside SessionService; this layer only
// sequences the turn.
type ConsultationService struct {
	sessions *SessionService
	provider CompletionProvider
}

func NewConsultationService(sessions *SessionService, provider CompletionProvider) *ConsultationService {
	return &ConsultationService{sessions: sessions, provider: provider}
}

// Ask appends the student's message and returns the simulated patient's reply.
// If the provider fails the student's message is already recorded; the session
// stays active and can still be ended with a complete transcript.
func (s *ConsultationService) Ask(ctx context.Context, sessionID, content string) (string, error) {
	if content == "" {
		return "", NewInvalidError("message content required")
	}
	if _, err := s.sessions.Append(sessionID, MessageStudent, content); err != nil {
		return "", err
	}
	sn, err := s.sessions.Get(sessionID)
	if err != nil {
		return "", err
	}
	reply, err := s.provider.Generate(ctx, sn.Messages, sn.DiagnosisMode)
	if err != nil {
		return "", NewBadGatewayError("completion provider: " + err.Error())
	}
	if _, err := s.sessions.Append(sessionID, MessagePatient, reply); err != nil {
		return "", err
	}
	return reply, nil
}

// EnterDiagnosis switches the session into diagnosis discussion and has the
// virtual patient open that phase.
func (s *ConsultationService) EnterDiagnosis(ctx context.Context, sessionID string) (string, error) {
	if err := s.sessions.EnterDiagnosis(sessionID); err != nil {
		return "", err
	}
	sn, err := s.sessions.Get(sessionID)
	if err != nil {
		return "", err
	}
	reply, err := s.provider.Generate(ctx, sn.Messages, true)
	if err != nil {
		return "", NewBadGatewayError("completion provider: " + err.Error())
	}
	if _, err := s.sessions.Append(sessionID, MessagePatient, reply); err != nil {
		return "", err
	}
	return reply, nil
}
