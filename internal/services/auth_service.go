package services

import (
	"strings"
	"time"

	"golang.org/x/crypto/bcrypt"
)

type AuthStore interface {
	FindParticipantByEmail(email string) (*Participant, error)
	AddParticipant(p *Participant) error
	AddAudit(entry AuditEntry)
}

type TokenSigner func(uid, email string, admin bool, ttl time.Duration) (string, error)

// AuthService creates participant accounts and issues session tokens. Every
// new account starts as a pilot participant; only the consent service can
// change that.
type AuthService struct {
	store     AuthStore
	now       func() time.Time
	idGen     func() string
	signToken TokenSigner
	tokenTTL  time.Duration
}

type AuthResult struct {
	Token         string
	ParticipantID string
}

func NewAuthService(store AuthStore, signer TokenSigner) *AuthService {
	return &AuthService{
		store:     store,
		now:       func() time.Time { return time.Now().UTC() },
		idGen:     func() string { return "u" + shortID(11) },
		signToken: signer,
		tokenTTL:  30 * 24 * time.Hour,
	}
}

func (s *AuthService) Signup(email, password string) (*AuthResult, error) {
	email = strings.TrimSpace(email)
	if email == "" || strings.TrimSpace(password) == "" {
		return nil, NewInvalidError("email/password required")
	}
	existing, err := s.store.FindParticipantByEmail(email)
	if err != nil {
		return nil, err
	}
	if existing != nil {
		return nil, NewConflictError("email exists")
	}
	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return nil, err
	}
	p := &Participant{
		ID:        s.idGen(),
		Email:     email,
		PassHash:  hash,
		Role:      RolePilot,
		CreatedAt: s.now(),
	}
	if err := s.store.AddParticipant(p); err != nil {
		return nil, err
	}
	s.store.AddAudit(AuditEntry{Time: s.now(), Actor: "participant", Action: "signup", Target: p.ID})
	if s.signToken == nil {
		return nil, NewInvalidError("token signer not configured")
	}
	token, err := s.signToken(p.ID, p.Email, p.Admin, s.tokenTTL)
	if err != nil {
		return nil, err
	}
	return &AuthResult{Token: token, ParticipantID: p.ID}, nil
}

func (s *AuthService) Login(email, password string) (*AuthResult, error) {
	email = strings.TrimSpace(email)
	if email == "" || strings.TrimSpace(password) == "" {
		return nil, NewInvalidError("email/password required")
	}
	p, err := s.store.FindParticipantByEmail(email)
	if err != nil {
		return nil, err
	}
	if p == nil {
		return nil, NewUnauthorizedError("invalid credentials")
	}
	if err := bcrypt.CompareHashAndPassword(p.PassHash, []byte(password)); err != nil {
		return nil, NewUnauthorizedError("invalid credentials")
	}
	if s.signToken == nil {
		return nil, NewInvalidError("token signer not configured")
	}
	token, err := s.signToken(p.ID, p.Email, p.Admin, s.tokenTTL)
	if err != nil {
		return nil, err
	}
	return &AuthResult{Token: token, ParticipantID: p.ID}, nil
}

func (s *AuthService) TokenTTL() time.Duration {
	return s.tokenTTL
}
