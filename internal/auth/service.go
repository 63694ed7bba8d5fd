// Package auth contains the session service: login, refresh-token rotation
// with reuse detection, the two-factor challenge protocol, and external
// provider login. The service returns structured outcomes; translating them
// to cookies and status codes is the HTTP boundary's job.
package auth

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/halcyonlabs/authcore/internal/audit"
	"github.com/halcyonlabs/authcore/internal/cache"
	"github.com/halcyonlabs/authcore/internal/clock"
	"github.com/halcyonlabs/authcore/internal/model"
	"github.com/halcyonlabs/authcore/internal/provider"
	"github.com/halcyonlabs/authcore/internal/repo"
	"github.com/halcyonlabs/authcore/internal/token"
	"github.com/halcyonlabs/authcore/internal/totp"
)

// TokenPair is an issued access/refresh pair. RefreshToken is the opaque
// plaintext, returned to the client exactly once.
type TokenPair struct {
	AccessToken      string
	AccessExpiresAt  time.Time
	RefreshToken     string
	RefreshExpiresAt time.Time
	RememberMe       bool
}

// LoginOutcome is either a token pair or a pending two-factor challenge.
type LoginOutcome struct {
	RequiresTwoFactor bool
	ChallengeToken    string
	Pair              *TokenPair
}

// Options are the policy knobs of the session service.
type Options struct {
	SessionRefreshTTL    time.Duration
	PersistentRefreshTTL time.Duration
	ChallengeTTL         time.Duration
	MaxChallengeAttempts int
	RecoveryCodeCount    int
	TOTPIssuer           string
}

// Deps are the collaborators composed by the session service.
type Deps struct {
	Users       repo.UserRepo
	Tokens      repo.RefreshTokenRepo
	Challenges  repo.ChallengeRepo
	Recovery    repo.RecoveryCodeRepo
	Providers   *provider.Registry
	Codec       *token.Codec
	Credentials CredentialVerifier
	Clock       clock.Clock
	Audit       *audit.Dispatcher
	Cache       cache.Invalidator
	Logger      *slog.Logger
	Options     Options
}

// Service orchestrates the authentication and session-security core.
type Service struct {
	users      repo.UserRepo
	tokens     repo.RefreshTokenRepo
	challenges repo.ChallengeRepo
	recovery   repo.RecoveryCodeRepo
	providers  *provider.Registry
	codec      *token.Codec
	creds      CredentialVerifier
	clock      clock.Clock
	audit      *audit.Dispatcher
	cache      cache.Invalidator
	logger     *slog.Logger
	opts       Options
}

// NewService wires the session service from its dependencies.
func NewService(d Deps) *Service {
	if d.Clock == nil {
		d.Clock = clock.System{}
	}
	if d.Credentials == nil {
		d.Credentials = BcryptVerifier{Clock: d.Clock}
	}
	if d.Cache == nil {
		d.Cache = cache.Noop{}
	}
	if d.Logger == nil {
		d.Logger = slog.Default()
	}
	if d.Providers == nil {
		d.Providers = provider.NewRegistry()
	}
	if d.Options.MaxChallengeAttempts <= 0 {
		d.Options.MaxChallengeAttempts = 5
	}
	if d.Options.RecoveryCodeCount <= 0 {
		d.Options.RecoveryCodeCount = 10
	}
	if d.Options.ChallengeTTL <= 0 {
		d.Options.ChallengeTTL = 5 * time.Minute
	}
	return &Service{
		users:      d.Users,
		tokens:     d.Tokens,
		challenges: d.Challenges,
		recovery:   d.Recovery,
		providers:  d.Providers,
		codec:      d.Codec,
		creds:      d.Credentials,
		clock:      d.Clock,
		audit:      d.Audit,
		cache:      d.Cache,
		logger:     d.Logger,
		opts:       d.Options,
	}
}

// Register creates a local account.
func (s *Service) Register(ctx context.Context, email, password string) (model.User, error) {
	email = strings.TrimSpace(email)
	if email == "" || !strings.Contains(email, "@") {
		return model.User{}, E(KindValidation, "a valid email address is required")
	}
	if len(password) < 8 {
		return model.User{}, E(KindValidation, "password must be at least 8 characters")
	}
	if _, err := s.users.GetByEmail(ctx, email); err == nil {
		return model.User{}, E(KindValidation, "email is already registered")
	} else if !errors.Is(err, repo.ErrNotFound) {
		return model.User{}, err
	}

	hash, err := HashPassword(password)
	if err != nil {
		return model.User{}, err
	}
	now := s.clock.Now()
	user := model.User{
		ID:            uuid.New(),
		Email:         email,
		PasswordHash:  hash,
		SecurityStamp: uuid.NewString(),
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	if err := s.users.Create(ctx, user); err != nil {
		return model.User{}, err
	}
	return user, nil
}

// Login verifies credentials and either issues a token pair or, when the
// account has 2FA enabled, a short-lived challenge.
func (s *Service) Login(ctx context.Context, email, password string, rememberMe bool) (*LoginOutcome, error) {
	user, err := s.users.GetByEmail(ctx, email)
	if err != nil {
		if errors.Is(err, repo.ErrNotFound) {
			// Same failure as a wrong password; account existence is not
			// disclosed.
			s.logEvent(audit.Event{Action: audit.ActionLoginFailure, Metadata: map[string]string{"email": maskEmail(email)}})
			return nil, E(KindInvalidCredentials, "invalid email or password")
		}
		return nil, err
	}
	if s.creds.IsLockedOut(user) {
		s.logEvent(audit.Event{Action: audit.ActionLoginLocked, UserID: user.ID})
		return nil, E(KindAccountLocked, "account is locked, try again later")
	}
	if !s.creds.CheckPassword(user, password) {
		s.logEvent(audit.Event{Action: audit.ActionLoginFailure, UserID: user.ID})
		return nil, E(KindInvalidCredentials, "invalid email or password")
	}

	if user.TwoFactorEnabled {
		challengeToken, err := s.issueChallenge(ctx, user.ID, rememberMe)
		if err != nil {
			return nil, err
		}
		return &LoginOutcome{RequiresTwoFactor: true, ChallengeToken: challengeToken}, nil
	}

	pair, err := s.issuePair(ctx, user, rememberMe)
	if err != nil {
		return nil, err
	}
	s.logEvent(audit.Event{Action: audit.ActionLoginSuccess, UserID: user.ID})
	return &LoginOutcome{Pair: pair}, nil
}

// Refresh redeems an opaque refresh value for a new token pair, rotating the
// presented token. Presenting an already-used token is the theft signal and
// revokes every active token of the owning user.
func (s *Service) Refresh(ctx context.Context, refreshValue string) (*TokenPair, error) {
	refreshValue = strings.TrimSpace(refreshValue)
	if refreshValue == "" {
		return nil, E(KindTokenMissing, "refresh token is required")
	}

	current, err := s.tokens.FindByHash(ctx, token.HashValue(refreshValue))
	if err != nil {
		if errors.Is(err, repo.ErrNotFound) {
			return nil, E(KindTokenNotFound, msgSessionInvalid)
		}
		return nil, err
	}

	now := s.clock.Now()
	// Expiry wins over every stored flag.
	if !now.Before(current.ExpiresAt) {
		return nil, E(KindTokenExpired, msgSessionInvalid)
	}
	if current.IsInvalidated {
		return nil, E(KindTokenInvalidated, msgSessionInvalid)
	}
	if current.IsUsed {
		return nil, s.respondToReuse(ctx, current)
	}

	user, err := s.users.GetByID(ctx, current.UserID)
	if err != nil {
		if errors.Is(err, repo.ErrNotFound) {
			return nil, E(KindTokenInvalidated, msgSessionInvalid)
		}
		return nil, err
	}

	accessToken, accessExpiresAt, err := s.codec.IssueAccessToken(user)
	if err != nil {
		return nil, err
	}
	refreshPlain, refreshHash, err := token.NewOpaque()
	if err != nil {
		return nil, err
	}
	successor := model.RefreshToken{
		ID:           uuid.New(),
		UserID:       current.UserID,
		TokenHash:    refreshHash,
		CreatedAt:    now,
		ExpiresAt:    now.Add(s.refreshTTL(current.IsRememberMe)),
		IsRememberMe: current.IsRememberMe,
	}

	rotated, err := s.tokens.Rotate(ctx, current.ID, successor)
	if err != nil {
		return nil, err
	}
	if !rotated {
		// A concurrent redeemer of the same value won the race; this
		// presentation is a replay.
		return nil, s.respondToReuse(ctx, current)
	}

	s.logEvent(audit.Event{Action: audit.ActionTokenRefreshed, UserID: current.UserID, TargetType: "refresh_token", TargetID: current.ID.String()})
	return &TokenPair{
		AccessToken:      accessToken,
		AccessExpiresAt:  accessExpiresAt,
		RefreshToken:     refreshPlain,
		RefreshExpiresAt: successor.ExpiresAt,
		RememberMe:       successor.IsRememberMe,
	}, nil
}

// respondToReuse revokes the whole token family of the user and returns the
// TokenReused outcome. The client-visible message is identical to the
// expired/invalidated message.
func (s *Service) respondToReuse(ctx context.Context, presented model.RefreshToken) error {
	revoked, err := s.tokens.InvalidateAllForUser(ctx, presented.UserID)
	if err != nil {
		return err
	}
	s.logEvent(audit.Event{
		Action:     audit.ActionTokenReuseDetected,
		UserID:     presented.UserID,
		TargetType: "refresh_token",
		TargetID:   presented.ID.String(),
	})
	s.logEvent(audit.Event{
		Action:   audit.ActionFamilyRevoked,
		UserID:   presented.UserID,
		Metadata: map[string]string{"revoked": fmt.Sprintf("%d", revoked)},
	})
	s.invalidateCache(ctx, presented.UserID)
	return E(KindTokenReused, msgSessionInvalid)
}

// VerifyTwoFactor completes a pending challenge with a TOTP code and issues
// the token pair the password step deferred.
func (s *Service) VerifyTwoFactor(ctx context.Context, challengeToken, code string) (*TokenPair, error) {
	challenge, user, err := s.loadChallenge(ctx, challengeToken)
	if err != nil {
		return nil, err
	}
	attempts, err := s.reserveAttempt(ctx, challenge)
	if err != nil {
		return nil, err
	}

	if !totp.Validate(user.TwoFactorSecret, code, s.clock.Now()) {
		return nil, s.failAttempt(challenge, attempts)
	}

	return s.consumeChallenge(ctx, challenge, user)
}

// UseRecoveryCode completes a pending challenge by burning a single-use
// recovery code instead of a TOTP code.
func (s *Service) UseRecoveryCode(ctx context.Context, challengeToken, code string) (*TokenPair, error) {
	challenge, user, err := s.loadChallenge(ctx, challengeToken)
	if err != nil {
		return nil, err
	}
	attempts, err := s.reserveAttempt(ctx, challenge)
	if err != nil {
		return nil, err
	}

	consumed, err := s.recovery.Consume(ctx, user.ID, token.HashValue(totp.NormalizeRecoveryCode(code)))
	if err != nil {
		return nil, err
	}
	if !consumed {
		return nil, s.failAttempt(challenge, attempts)
	}

	s.logEvent(audit.Event{Action: audit.ActionRecoveryCodeUsed, UserID: user.ID})
	return s.consumeChallenge(ctx, challenge, user)
}

func (s *Service) loadChallenge(ctx context.Context, challengeToken string) (model.TwoFactorChallenge, model.User, error) {
	challengeToken = strings.TrimSpace(challengeToken)
	if challengeToken == "" {
		return model.TwoFactorChallenge{}, model.User{}, E(KindValidation, "challenge token is required")
	}
	challenge, err := s.challenges.FindByHash(ctx, token.HashValue(challengeToken))
	if err != nil {
		if errors.Is(err, repo.ErrNotFound) {
			return model.TwoFactorChallenge{}, model.User{}, E(KindChallengeNotFound, "challenge not found")
		}
		return model.TwoFactorChallenge{}, model.User{}, err
	}
	if !s.clock.Now().Before(challenge.ExpiresAt) {
		return model.TwoFactorChallenge{}, model.User{}, E(KindChallengeExpired, "challenge expired, log in again")
	}
	if challenge.IsUsed || challenge.FailedAttempts >= s.opts.MaxChallengeAttempts {
		return model.TwoFactorChallenge{}, model.User{}, E(KindChallengeLocked, "challenge is no longer usable, log in again")
	}
	user, err := s.users.GetByID(ctx, challenge.UserID)
	if err != nil {
		if errors.Is(err, repo.ErrNotFound) {
			return model.TwoFactorChallenge{}, model.User{}, E(KindChallengeNotFound, "challenge not found")
		}
		return model.TwoFactorChallenge{}, model.User{}, err
	}
	return challenge, user, nil
}

// reserveAttempt claims an attempt slot before any code is checked, so the
// lockout threshold holds under parallel guesses. Attempts past the cap are
// rejected before the verifier ever runs.
func (s *Service) reserveAttempt(ctx context.Context, challenge model.TwoFactorChallenge) (int, error) {
	attempts, err := s.challenges.IncrementAttempts(ctx, challenge.ID)
	if err != nil {
		return 0, err
	}
	if attempts > s.opts.MaxChallengeAttempts {
		s.logEvent(audit.Event{Action: audit.ActionChallengeLocked, UserID: challenge.UserID, TargetType: "challenge", TargetID: challenge.ID.String()})
		return attempts, E(KindChallengeLocked, "challenge is no longer usable, log in again")
	}
	return attempts, nil
}

// failAttempt reports a wrong code for an already reserved attempt slot.
func (s *Service) failAttempt(challenge model.TwoFactorChallenge, attempts int) error {
	if attempts >= s.opts.MaxChallengeAttempts {
		s.logEvent(audit.Event{Action: audit.ActionChallengeLocked, UserID: challenge.UserID, TargetType: "challenge", TargetID: challenge.ID.String()})
	} else {
		s.logEvent(audit.Event{Action: audit.ActionChallengeFailed, UserID: challenge.UserID, TargetType: "challenge", TargetID: challenge.ID.String()})
	}
	return E(KindInvalidCode, "invalid verification code")
}

func (s *Service) consumeChallenge(ctx context.Context, challenge model.TwoFactorChallenge, user model.User) (*TokenPair, error) {
	used, err := s.challenges.MarkUsed(ctx, challenge.ID, s.opts.MaxChallengeAttempts)
	if err != nil {
		return nil, err
	}
	if !used {
		return nil, E(KindChallengeLocked, "challenge is no longer usable, log in again")
	}
	pair, err := s.issuePair(ctx, user, challenge.IsRememberMe)
	if err != nil {
		return nil, err
	}
	s.logEvent(audit.Event{Action: audit.ActionChallengeVerified, UserID: user.ID})
	s.logEvent(audit.Event{Action: audit.ActionLoginSuccess, UserID: user.ID})
	return pair, nil
}

// Logout invalidates the presented refresh token and signals cache eviction.
func (s *Service) Logout(ctx context.Context, refreshValue string) error {
	refreshValue = strings.TrimSpace(refreshValue)
	if refreshValue == "" {
		return E(KindTokenMissing, "refresh token is required")
	}
	current, err := s.tokens.FindByHash(ctx, token.HashValue(refreshValue))
	if err != nil {
		if errors.Is(err, repo.ErrNotFound) {
			return E(KindTokenNotFound, msgSessionInvalid)
		}
		return err
	}
	if err := s.tokens.InvalidateByID(ctx, current.ID); err != nil && !errors.Is(err, repo.ErrNotFound) {
		return err
	}
	s.logEvent(audit.Event{Action: audit.ActionLogout, UserID: current.UserID})
	s.invalidateCache(ctx, current.UserID)
	return nil
}

// ChangePassword re-verifies the current password, swaps the hash, rotates
// the security stamp (which rejects every outstanding access token), revokes
// all refresh tokens, and issues a fresh pair so the calling client stays
// signed in.
func (s *Service) ChangePassword(ctx context.Context, userID uuid.UUID, currentPassword, newPassword string) (*TokenPair, error) {
	if len(newPassword) < 8 {
		return nil, E(KindValidation, "password must be at least 8 characters")
	}
	user, err := s.users.GetByID(ctx, userID)
	if err != nil {
		if errors.Is(err, repo.ErrNotFound) {
			return nil, E(KindUnauthorized, "not authorized")
		}
		return nil, err
	}
	if !s.creds.CheckPassword(user, currentPassword) {
		return nil, E(KindInvalidCredentials, "current password is incorrect")
	}

	hash, err := HashPassword(newPassword)
	if err != nil {
		return nil, err
	}
	newStamp := uuid.NewString()
	if err := s.users.UpdatePassword(ctx, userID, hash, newStamp, s.clock.Now()); err != nil {
		return nil, err
	}
	if _, err := s.tokens.InvalidateAllForUser(ctx, userID); err != nil {
		return nil, err
	}

	user.PasswordHash = hash
	user.SecurityStamp = newStamp
	pair, err := s.issuePair(ctx, user, false)
	if err != nil {
		return nil, err
	}
	s.logEvent(audit.Event{Action: audit.ActionPasswordChanged, UserID: userID})
	s.invalidateCache(ctx, userID)
	return pair, nil
}

// AuthorizationURL builds the redirect URL for an external provider login.
// State generation and verification belong to the HTTP boundary.
func (s *Service) AuthorizationURL(providerName, state, redirectURI, nonce string) (string, error) {
	p, ok := s.providers.Get(providerName)
	if !ok {
		return "", E(KindValidation, "unknown identity provider")
	}
	if state == "" || redirectURI == "" {
		return "", E(KindValidation, "state and redirect_uri are required")
	}
	return p.AuthorizationURL(state, redirectURI, nonce), nil
}

// ExternalLogin exchanges an authorization code with the named provider and
// signs the resolved local account in. The redirectURI must be byte-identical
// to the one used to build the authorization URL.
func (s *Service) ExternalLogin(ctx context.Context, providerName, code, redirectURI string, rememberMe bool) (*LoginOutcome, error) {
	p, ok := s.providers.Get(providerName)
	if !ok {
		return nil, E(KindValidation, "unknown identity provider")
	}
	if code == "" || redirectURI == "" {
		return nil, E(KindValidation, "code and redirect_uri are required")
	}

	info, err := p.Exchange(ctx, code, redirectURI)
	if err != nil {
		switch {
		case errors.Is(err, provider.ErrNoUsableEmail):
			return nil, E(KindNoUsableEmail, "the identity provider returned no usable email address")
		case errors.Is(err, provider.ErrExchangeFailed):
			return nil, E(KindProviderExchangeFailed, "identity provider exchange failed")
		}
		return nil, err
	}

	now := s.clock.Now()
	user, err := s.users.FindOrCreateExternal(ctx, providerName, info, model.User{
		ID:            uuid.New(),
		Email:         info.Email,
		SecurityStamp: uuid.NewString(),
		CreatedAt:     now,
		UpdatedAt:     now,
	})
	if err != nil {
		return nil, err
	}
	if s.creds.IsLockedOut(user) {
		s.logEvent(audit.Event{Action: audit.ActionLoginLocked, UserID: user.ID})
		return nil, E(KindAccountLocked, "account is locked, try again later")
	}

	// An enrolled second factor still applies to provider logins.
	if user.TwoFactorEnabled {
		challengeToken, err := s.issueChallenge(ctx, user.ID, rememberMe)
		if err != nil {
			return nil, err
		}
		return &LoginOutcome{RequiresTwoFactor: true, ChallengeToken: challengeToken}, nil
	}

	pair, err := s.issuePair(ctx, user, rememberMe)
	if err != nil {
		return nil, err
	}
	s.logEvent(audit.Event{Action: audit.ActionExternalLogin, UserID: user.ID, Metadata: map[string]string{"provider": providerName}})
	return &LoginOutcome{Pair: pair}, nil
}

// BeginTwoFactorSetup re-checks the password, provisions a fresh TOTP secret
// and recovery codes, and returns them once. 2FA stays disabled until
// EnableTwoFactor confirms a valid code.
func (s *Service) BeginTwoFactorSetup(ctx context.Context, userID uuid.UUID, password string) (secret, keyURI string, recoveryCodes []string, err error) {
	user, err := s.users.GetByID(ctx, userID)
	if err != nil {
		if errors.Is(err, repo.ErrNotFound) {
			return "", "", nil, E(KindUnauthorized, "not authorized")
		}
		return "", "", nil, err
	}
	if !s.creds.CheckPassword(user, password) {
		return "", "", nil, E(KindInvalidCredentials, "password is incorrect")
	}

	secret, err = totp.NewSecret()
	if err != nil {
		return "", "", nil, err
	}
	// The stamp stays as-is here so the session doing the enrollment keeps
	// its access token through the confirm step.
	if err := s.users.SetTwoFactor(ctx, userID, secret, false, user.SecurityStamp, s.clock.Now()); err != nil {
		return "", "", nil, err
	}
	recoveryCodes, err = s.replaceRecoveryCodes(ctx, userID)
	if err != nil {
		return "", "", nil, err
	}

	issuer := s.opts.TOTPIssuer
	if issuer == "" {
		issuer = "authcore"
	}
	return secret, totp.KeyURI(issuer, user.Email, secret), recoveryCodes, nil
}

// EnableTwoFactor confirms enrollment with a valid code from the new secret.
func (s *Service) EnableTwoFactor(ctx context.Context, userID uuid.UUID, code string) error {
	user, err := s.users.GetByID(ctx, userID)
	if err != nil {
		if errors.Is(err, repo.ErrNotFound) {
			return E(KindUnauthorized, "not authorized")
		}
		return err
	}
	if user.TwoFactorSecret == "" {
		return E(KindValidation, "two-factor setup has not been started")
	}
	if !totp.Validate(user.TwoFactorSecret, code, s.clock.Now()) {
		return E(KindInvalidCode, "invalid verification code")
	}
	// Rotating the stamp here forces every other session through a refresh,
	// so nothing issued before enrollment outlives it.
	if err := s.users.SetTwoFactor(ctx, userID, user.TwoFactorSecret, true, uuid.NewString(), s.clock.Now()); err != nil {
		return err
	}
	s.logEvent(audit.Event{Action: audit.ActionTwoFactorEnabled, UserID: userID})
	s.invalidateCache(ctx, userID)
	return nil
}

// RegenerateRecoveryCodes replaces the pool after a password re-check.
func (s *Service) RegenerateRecoveryCodes(ctx context.Context, userID uuid.UUID, password string) ([]string, error) {
	user, err := s.users.GetByID(ctx, userID)
	if err != nil {
		if errors.Is(err, repo.ErrNotFound) {
			return nil, E(KindUnauthorized, "not authorized")
		}
		return nil, err
	}
	if !s.creds.CheckPassword(user, password) {
		return nil, E(KindInvalidCredentials, "password is incorrect")
	}
	codes, err := s.replaceRecoveryCodes(ctx, userID)
	if err != nil {
		return nil, err
	}
	s.logEvent(audit.Event{Action: audit.ActionRecoveryRegenerate, UserID: userID})
	return codes, nil
}

// VerifyAccess validates an access token and compares its embedded security
// stamp hash with the live stamp; a mismatch rejects the token even though
// it has not expired, so credential changes take effect immediately while
// the refresh token stays usable for a silent re-auth.
func (s *Service) VerifyAccess(ctx context.Context, accessToken string) (model.User, error) {
	claims, err := s.codec.Verify(accessToken)
	if err != nil {
		return model.User{}, E(KindUnauthorized, "invalid or expired access token")
	}
	userID, err := uuid.Parse(claims.Subject)
	if err != nil {
		return model.User{}, E(KindUnauthorized, "invalid or expired access token")
	}
	user, err := s.users.GetByID(ctx, userID)
	if err != nil {
		if errors.Is(err, repo.ErrNotFound) {
			return model.User{}, E(KindUnauthorized, "invalid or expired access token")
		}
		return model.User{}, err
	}
	if !token.ConstantTimeEquals(claims.SecurityStampHash, token.HashValue(user.SecurityStamp)) {
		return model.User{}, E(KindUnauthorized, "session is stale, refresh and retry")
	}
	return user, nil
}

// PurgeExpired removes refresh tokens and challenges whose expiry predates
// now minus the grace period. It backs the external retention sweep.
func (s *Service) PurgeExpired(ctx context.Context, grace time.Duration) (int64, error) {
	cutoff := s.clock.Now().Add(-grace)
	tokens, err := s.tokens.DeleteExpiredBefore(ctx, cutoff)
	if err != nil {
		return 0, err
	}
	challenges, err := s.challenges.DeleteExpiredBefore(ctx, cutoff)
	if err != nil {
		return tokens, err
	}
	return tokens + challenges, nil
}

func (s *Service) issueChallenge(ctx context.Context, userID uuid.UUID, rememberMe bool) (string, error) {
	plain, hash, err := token.NewOpaque()
	if err != nil {
		return "", err
	}
	now := s.clock.Now()
	challenge := model.TwoFactorChallenge{
		ID:           uuid.New(),
		UserID:       userID,
		TokenHash:    hash,
		CreatedAt:    now,
		ExpiresAt:    now.Add(s.opts.ChallengeTTL),
		IsRememberMe: rememberMe,
	}
	if err := s.challenges.Insert(ctx, challenge); err != nil {
		return "", err
	}
	s.logEvent(audit.Event{Action: audit.ActionChallengeIssued, UserID: userID, TargetType: "challenge", TargetID: challenge.ID.String()})
	return plain, nil
}

func (s *Service) issuePair(ctx context.Context, user model.User, rememberMe bool) (*TokenPair, error) {
	accessToken, accessExpiresAt, err := s.codec.IssueAccessToken(user)
	if err != nil {
		return nil, err
	}
	refreshPlain, refreshHash, err := token.NewOpaque()
	if err != nil {
		return nil, err
	}
	now := s.clock.Now()
	record := model.RefreshToken{
		ID:           uuid.New(),
		UserID:       user.ID,
		TokenHash:    refreshHash,
		CreatedAt:    now,
		ExpiresAt:    now.Add(s.refreshTTL(rememberMe)),
		IsRememberMe: rememberMe,
	}
	if err := s.tokens.Insert(ctx, record); err != nil {
		return nil, err
	}
	return &TokenPair{
		AccessToken:      accessToken,
		AccessExpiresAt:  accessExpiresAt,
		RefreshToken:     refreshPlain,
		RefreshExpiresAt: record.ExpiresAt,
		RememberMe:       rememberMe,
	}, nil
}

func (s *Service) replaceRecoveryCodes(ctx context.Context, userID uuid.UUID) ([]string, error) {
	codes, err := totp.NewRecoveryCodes(s.opts.RecoveryCodeCount)
	if err != nil {
		return nil, err
	}
	hashes := make([]string, len(codes))
	for i, c := range codes {
		hashes[i] = token.HashValue(totp.NormalizeRecoveryCode(c))
	}
	if err := s.recovery.Replace(ctx, userID, hashes, s.clock.Now()); err != nil {
		return nil, err
	}
	return codes, nil
}

func (s *Service) refreshTTL(rememberMe bool) time.Duration {
	if rememberMe {
		return s.opts.PersistentRefreshTTL
	}
	return s.opts.SessionRefreshTTL
}

// invalidateCache is best effort: eviction failure is logged, never surfaced.
func (s *Service) invalidateCache(ctx context.Context, userID uuid.UUID) {
	if err := s.cache.InvalidateUser(ctx, userID); err != nil {
		s.logger.Warn("principal cache eviction failed", "user_id", userID.String(), "error", err)
	}
}

// logEvent stamps and forwards an audit event; the dispatcher never blocks.
func (s *Service) logEvent(e audit.Event) {
	if s.audit == nil {
		return
	}
	if e.At.IsZero() {
		e.At = s.clock.Now()
	}
	s.audit.Log(e)
}

func maskEmail(email string) string {
	at := strings.IndexByte(email, '@')
	if at <= 1 {
		return "***"
	}
	return email[:1] + "***" + email[at:]
}
