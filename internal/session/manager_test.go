package session

import (
	"context"
	"errors"
	"testing"
	"time"

	"go.uber.org/zap"

	"catia-session/internal/config"
	"catia-session/internal/identity"
)

type fakeStore struct {
	records       map[string]*Record
	maxAttempts   int
	maxSelections int
	updateCalls   int
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		records:       make(map[string]*Record),
		maxAttempts:   3,
		maxSelections: 3,
	}
}

func (f *fakeStore) Get(ctx context.Context, citizenID string) (*Record, error) {
	rec, ok := f.records[citizenID]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *rec
	return &cp, nil
}

func (f *fakeStore) SaveCredentials(ctx context.Context, citizenID, documentType string, cred Credentials, profile identity.UserProfile) error {
	rec, ok := f.records[citizenID]
	if !ok {
		rec = &Record{CitizenID: citizenID}
		f.records[citizenID] = rec
	}
	rec.DocumentType = documentType
	rec.Credentials = cred
	rec.Profile = profile
	rec.AttemptsRemaining = f.maxAttempts
	return nil
}

func (f *fakeStore) UpdateCredentials(ctx context.Context, citizenID string, cred Credentials) error {
	rec, ok := f.records[citizenID]
	if !ok {
		return ErrNotFound
	}
	f.updateCalls++
	rec.Credentials = cred
	return nil
}

func (f *fakeStore) AttemptsRemaining(ctx context.Context, citizenID string) (int, error) {
	rec, ok := f.records[citizenID]
	if !ok {
		return f.maxAttempts, nil
	}
	return rec.AttemptsRemaining, nil
}

func (f *fakeStore) DecrementAttempts(ctx context.Context, citizenID string) (int, error) {
	rec, ok := f.records[citizenID]
	if !ok {
		rec = &Record{CitizenID: citizenID, AttemptsRemaining: f.maxAttempts}
		f.records[citizenID] = rec
	}
	if rec.AttemptsRemaining > 0 {
		rec.AttemptsRemaining--
	}
	return rec.AttemptsRemaining, nil
}

func (f *fakeStore) AddSelection(ctx context.Context, citizenID, propertyID string) (SelectionResult, error) {
	rec, ok := f.records[citizenID]
	if !ok {
		return SelectionResult{}, ErrNotFound
	}
	for _, id := range rec.SelectedProperties {
		if id == propertyID {
			return SelectionResult{Accepted: true, Total: len(rec.SelectedProperties)}, nil
		}
	}
	if len(rec.SelectedProperties) >= f.maxSelections {
		return SelectionResult{Accepted: false, Total: len(rec.SelectedProperties), LimitReached: true}, nil
	}
	rec.SelectedProperties = append(rec.SelectedProperties, propertyID)
	return SelectionResult{Accepted: true, Total: len(rec.SelectedProperties)}, nil
}

type fakeIdentity struct {
	loginCalls    int
	validateCalls int
	refreshCalls  int
	requestCalls  int

	validOTP       string
	validateStatus *identity.TokenStatus
	refreshPair    *identity.TokenPair
	refreshErr     error
	requestErr     error
}

func (f *fakeIdentity) RequestOTP(ctx context.Context, documentType, documentNumber string) (*identity.OTPChallenge, error) {
	f.requestCalls++
	if f.requestErr != nil {
		return nil, f.requestErr
	}
	return &identity.OTPChallenge{ObfuscatedEmail: "j***@example.com", ExpiresInMinutes: 10}, nil
}

func (f *fakeIdentity) Login(ctx context.Context, documentType, documentNumber, otpCode string) (*identity.LoginResult, error) {
	f.loginCalls++
	if otpCode != f.validOTP {
		return nil, identity.ErrOTPInvalid
	}
	return &identity.LoginResult{
		AccessToken:  "access-" + otpCode,
		RefreshToken: "refresh-" + otpCode,
		TokenType:    "Bearer",
		ExpiresIn:    86400,
		Profile:      identity.UserProfile{Name: "Ana", Surname: "Rojas", DocumentNumber: documentNumber},
	}, nil
}

func (f *fakeIdentity) ValidateToken(ctx context.Context, accessToken string) (*identity.TokenStatus, error) {
	f.validateCalls++
	if f.validateStatus != nil {
		return f.validateStatus, nil
	}
	return &identity.TokenStatus{Valid: true, TimeToExpireMs: 3_600_000}, nil
}

func (f *fakeIdentity) RefreshToken(ctx context.Context, refreshToken string) (*identity.TokenPair, error) {
	f.refreshCalls++
	if f.refreshErr != nil {
		return nil, f.refreshErr
	}
	if f.refreshPair != nil {
		return f.refreshPair, nil
	}
	return &identity.TokenPair{AccessToken: "refreshed-access", RefreshToken: "refreshed-refresh", ExpiresIn: 86400}, nil
}

func testSessionConfig() config.SessionConfig {
	return config.SessionConfig{
		TTL:              10 * time.Minute,
		RefreshThreshold: 2 * time.Second,
		MaxOTPAttempts:   3,
		MaxSelections:    3,
	}
}

func newTestManager(store Store, provider IdentityProvider) *Manager {
	return NewManager(store, provider, testSessionConfig(), zap.NewNop())
}

func TestSubmitOTPDecrementsUntilExhausted(t *testing.T) {
	store := newFakeStore()
	provider := &fakeIdentity{validOTP: "4821"}
	mgr := newTestManager(store, provider)
	ctx := context.Background()

	const citizen = "123456789"
	for i, want := range []int{2, 1, 0} {
		outcome, err := mgr.SubmitOTP(ctx, "CC", citizen, "0000")
		if err == nil {
			t.Fatalf("attempt %d: expected error for wrong code", i+1)
		}
		if outcome.Verified {
			t.Fatalf("attempt %d: wrong code reported as verified", i+1)
		}
		if outcome.AttemptsRemaining != want {
			t.Fatalf("attempt %d: attempts remaining = %d, want %d", i+1, outcome.AttemptsRemaining, want)
		}
	}

	// Fourth submission must be rejected locally, before the provider.
	callsBefore := provider.loginCalls
	outcome, err := mgr.SubmitOTP(ctx, "CC", citizen, "0000")
	if CodeOf(err) != CodeOTPExhausted {
		t.Fatalf("exhausted submission: code = %s, want %s", CodeOf(err), CodeOTPExhausted)
	}
	if outcome.AttemptsRemaining != 0 {
		t.Fatalf("exhausted submission: attempts remaining = %d, want 0", outcome.AttemptsRemaining)
	}
	if provider.loginCalls != callsBefore {
		t.Fatalf("exhausted submission reached the identity provider (%d extra call(s))", provider.loginCalls-callsBefore)
	}
}

func TestSubmitOTPThirdFailureReportsExhausted(t *testing.T) {
	store := newFakeStore()
	provider := &fakeIdentity{validOTP: "4821"}
	mgr := newTestManager(store, provider)
	ctx := context.Background()

	mgr.SubmitOTP(ctx, "CC", "55", "0000")
	mgr.SubmitOTP(ctx, "CC", "55", "0000")
	_, err := mgr.SubmitOTP(ctx, "CC", "55", "0000")
	if CodeOf(err) != CodeOTPExhausted {
		t.Fatalf("third failure: code = %s, want %s", CodeOf(err), CodeOTPExhausted)
	}
}

func TestSubmitOTPSuccessResetsAttempts(t *testing.T) {
	store := newFakeStore()
	provider := &fakeIdentity{validOTP: "4821"}
	mgr := newTestManager(store, provider)
	ctx := context.Background()

	const citizen = "900100200"
	if _, err := mgr.SubmitOTP(ctx, "CC", citizen, "0000"); err == nil {
		t.Fatal("wrong code should fail")
	}
	if n, _ := store.AttemptsRemaining(ctx, citizen); n != 2 {
		t.Fatalf("attempts after one failure = %d, want 2", n)
	}

	outcome, err := mgr.SubmitOTP(ctx, "CC", citizen, "4821")
	if err != nil {
		t.Fatalf("valid code rejected: %v", err)
	}
	if !outcome.Verified {
		t.Fatal("valid code not reported as verified")
	}
	if n, _ := store.AttemptsRemaining(ctx, citizen); n != 3 {
		t.Fatalf("attempts after success = %d, want 3", n)
	}

	rec, err := store.Get(ctx, citizen)
	if err != nil {
		t.Fatalf("record missing after login: %v", err)
	}
	if rec.Credentials.AccessToken == "" || rec.Credentials.RefreshToken == "" {
		t.Fatal("credentials not stored after login")
	}
	if rec.Profile.Name != "Ana" {
		t.Fatalf("profile not stored, got name %q", rec.Profile.Name)
	}
}

func TestEnsureUsableTokenReturnsCachedTokenAboveThreshold(t *testing.T) {
	store := newFakeStore()
	provider := &fakeIdentity{validateStatus: &identity.TokenStatus{Valid: true, TimeToExpireMs: 30_000}}
	mgr := newTestManager(store, provider)
	ctx := context.Background()

	store.records["77"] = &Record{
		CitizenID: "77",
		Credentials: Credentials{
			AccessToken:  "cached-token",
			RefreshToken: "cached-refresh",
			TokenType:    "Bearer",
			CreatedAt:    time.Now().Add(-time.Minute),
			ExpiresIn:    86400,
		},
		AttemptsRemaining: 3,
	}

	token, err := mgr.EnsureUsableToken(ctx, "77")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if token != "cached-token" {
		t.Fatalf("token = %q, want cached-token", token)
	}
	if provider.refreshCalls != 0 {
		t.Fatalf("refresh called %d time(s) for a healthy token", provider.refreshCalls)
	}
	if store.updateCalls != 0 {
		t.Fatalf("credentials rewritten %d time(s) for a healthy token", store.updateCalls)
	}
}

func TestEnsureUsableTokenRefreshesNearExpiry(t *testing.T) {
	store := newFakeStore()
	provider := &fakeIdentity{validateStatus: &identity.TokenStatus{Valid: true, TimeToExpireMs: 500}}
	mgr := newTestManager(store, provider)
	ctx := context.Background()

	created := time.Now().Add(-23 * time.Hour).UTC()
	store.records["88"] = &Record{
		CitizenID: "88",
		Credentials: Credentials{
			AccessToken:  "stale-token",
			RefreshToken: "stale-refresh",
			TokenType:    "Bearer",
			CreatedAt:    created,
			ExpiresIn:    86400,
		},
		AttemptsRemaining: 3,
	}

	token, err := mgr.EnsureUsableToken(ctx, "88")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if token == "stale-token" {
		t.Fatal("stale token returned instead of the refreshed one")
	}
	if provider.refreshCalls != 1 {
		t.Fatalf("refresh calls = %d, want exactly 1", provider.refreshCalls)
	}
	if store.updateCalls != 1 {
		t.Fatalf("credential persist calls = %d, want exactly 1", store.updateCalls)
	}

	rec, _ := store.Get(ctx, "88")
	if rec.Credentials.AccessToken != "refreshed-access" || rec.Credentials.RefreshToken != "refreshed-refresh" {
		t.Fatalf("token pair not replaced, got %q / %q", rec.Credentials.AccessToken, rec.Credentials.RefreshToken)
	}
	if rec.Credentials.TokenType != "Bearer" || rec.Credentials.ExpiresIn != 86400 {
		t.Fatalf("token metadata not carried over: %q / %d", rec.Credentials.TokenType, rec.Credentials.ExpiresIn)
	}
	if !rec.Credentials.CreatedAt.After(created) {
		t.Fatal("createdAt did not advance on refresh")
	}
}

func TestEnsureUsableTokenWithoutSessionIsLocal(t *testing.T) {
	store := newFakeStore()
	provider := &fakeIdentity{}
	mgr := newTestManager(store, provider)

	_, err := mgr.EnsureUsableToken(context.Background(), "nobody")
	if CodeOf(err) != CodeSessionNotFound {
		t.Fatalf("code = %s, want %s", CodeOf(err), CodeSessionNotFound)
	}
	if provider.validateCalls+provider.refreshCalls != 0 {
		t.Fatal("missing session still produced identity provider calls")
	}
}

func TestEnsureUsableTokenFailedRefreshExpiresSession(t *testing.T) {
	store := newFakeStore()
	provider := &fakeIdentity{
		validateStatus: &identity.TokenStatus{Valid: true, TimeToExpireMs: 100},
		refreshErr:     identity.ErrTokenInvalid,
	}
	mgr := newTestManager(store, provider)

	store.records["99"] = &Record{
		CitizenID: "99",
		Credentials: Credentials{
			AccessToken:  "stale",
			RefreshToken: "dead-refresh",
			TokenType:    "Bearer",
			ExpiresIn:    86400,
		},
	}

	_, err := mgr.EnsureUsableToken(context.Background(), "99")
	if CodeOf(err) != CodeSessionExpired {
		t.Fatalf("code = %s, want %s", CodeOf(err), CodeSessionExpired)
	}
	if store.updateCalls != 0 {
		t.Fatal("failed refresh must not rewrite credentials")
	}
}

func TestEnsureUsableTokenMissingRefreshTokenFailsFast(t *testing.T) {
	store := newFakeStore()
	provider := &fakeIdentity{validateStatus: &identity.TokenStatus{Valid: false, TimeToExpireMs: 0}}
	mgr := newTestManager(store, provider)

	store.records["42"] = &Record{
		CitizenID:   "42",
		Credentials: Credentials{AccessToken: "stale", TokenType: "Bearer"},
	}

	_, err := mgr.EnsureUsableToken(context.Background(), "42")
	if CodeOf(err) != CodeSessionExpired {
		t.Fatalf("code = %s, want %s", CodeOf(err), CodeSessionExpired)
	}
	if provider.refreshCalls != 0 {
		t.Fatal("refresh attempted with no refresh token on record")
	}
}

func TestAddSelectionDedupAndLimit(t *testing.T) {
	store := newFakeStore()
	mgr := newTestManager(store, &fakeIdentity{})
	ctx := context.Background()

	store.records["31"] = &Record{CitizenID: "31", AttemptsRemaining: 3}

	for _, chip := range []string{"AAA001", "AAA002", "AAA003"} {
		res, err := mgr.AddSelection(ctx, "31", chip)
		if err != nil {
			t.Fatalf("selecting %s: %v", chip, err)
		}
		if !res.Accepted {
			t.Fatalf("selecting %s: not accepted", chip)
		}
	}

	// Repeating an already selected property is a no-op, not an error.
	res, err := mgr.AddSelection(ctx, "31", "AAA002")
	if err != nil {
		t.Fatalf("duplicate selection rejected: %v", err)
	}
	if !res.Accepted || res.Total != 3 {
		t.Fatalf("duplicate selection: accepted=%v total=%d, want accepted with total 3", res.Accepted, res.Total)
	}

	// A fourth distinct property hits the cap.
	res, err = mgr.AddSelection(ctx, "31", "AAA004")
	if CodeOf(err) != CodeLimitReached {
		t.Fatalf("fourth selection: code = %s, want %s", CodeOf(err), CodeLimitReached)
	}
	if res.Accepted || res.Total != 3 {
		t.Fatalf("fourth selection: accepted=%v total=%d, want rejected with total 3", res.Accepted, res.Total)
	}
}

func TestAddSelectionWithoutSession(t *testing.T) {
	mgr := newTestManager(newFakeStore(), &fakeIdentity{})

	_, err := mgr.AddSelection(context.Background(), "ghost", "AAA001")
	if CodeOf(err) != CodeSessionNotFound {
		t.Fatalf("code = %s, want %s", CodeOf(err), CodeSessionNotFound)
	}
}

func TestStartVerificationMapsIdentityNotFound(t *testing.T) {
	provider := &fakeIdentity{requestErr: identity.ErrIdentityNotFound}
	mgr := newTestManager(newFakeStore(), provider)

	_, err := mgr.StartVerification(context.Background(), "CC", "404404")
	if CodeOf(err) != CodeIdentityNotFound {
		t.Fatalf("code = %s, want %s", CodeOf(err), CodeIdentityNotFound)
	}
	if !errors.As(err, new(*Error)) {
		t.Fatal("mapped error is not a session error")
	}
}
