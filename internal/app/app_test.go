package app

import (
	"context"
	"errors"
	"testing"
	"time"

	"nebulaai/pkg/ai"
	"nebulaai/pkg/domain"
	"nebulaai/pkg/store"
	"nebulaai/pkg/token"
)

type fakeGenerator struct {
	result ai.Result
	err    error
	calls  int
}

func (f *fakeGenerator) Generate(_ context.Context, req ai.Request) (ai.Result, error) {
	f.calls++
	if f.err != nil {
		return ai.Result{}, f.err
	}
	res := f.result
	if res.Text == "" {
		res.Text = "generated: " + req.Prompt
	}
	return res, nil
}

func newTestApp(t *testing.T, gen *fakeGenerator) (*App, *store.MemoryStore) {
	t.Helper()
	issuer, err := token.NewIssuer(token.Options{
		AccessSecret:  "test-access-secret",
		RefreshSecret: "test-refresh-secret",
	})
	if err != nil {
		t.Fatalf("new issuer: %v", err)
	}
	if gen == nil {
		gen = &fakeGenerator{}
	}
	st := store.NewMemoryStore()
	return New(st, issuer, gen, nil, time.Second), st
}

func register(t *testing.T, a *App) (domain.User, TokenPair) {
	t.Helper()
	user, pair, err := a.Register(context.Background(), "Ada", "ada@example.com", "12345678")
	if err != nil {
		t.Fatalf("register: %v", err)
	}
	return user, pair
}

func kindOf(t *testing.T, err error) Kind {
	t.Helper()
	var appErr *Error
	if !errors.As(err, &appErr) {
		t.Fatalf("expected kinded error, got: %v", err)
	}
	return appErr.Kind
}

func TestRegisterDefaults(t *testing.T) {
	a, _ := newTestApp(t, nil)
	user, pair := register(t, a)

	if user.Credits.Total != 100 || user.Credits.Remaining != 100 || user.Credits.Used != 0 {
		t.Fatalf("unexpected starting balance: %+v", user.Credits)
	}
	if user.Subscription.Tier != domain.TierFree || user.Subscription.Status != domain.SubscriptionActive {
		t.Fatalf("unexpected subscription: %+v", user.Subscription)
	}
	if user.Role != domain.RoleUser || !user.IsActive {
		t.Fatalf("unexpected flags: role=%q active=%v", user.Role, user.IsActive)
	}
	if pair.AccessToken == "" || pair.RefreshToken == "" {
		t.Fatalf("expected both tokens")
	}

	got, err := a.UserFromAccessToken(pair.AccessToken)
	if err != nil {
		t.Fatalf("access token should authenticate: %v", err)
	}
	if got.ID != user.ID {
		t.Fatalf("authenticated as %q, want %q", got.ID, user.ID)
	}
}

func TestRegisterValidation(t *testing.T) {
	a, _ := newTestApp(t, nil)
	register(t, a)

	cases := []struct {
		name, email, password string
	}{
		{"", "x@example.com", "12345678"},
		{"X", "not-an-email", "12345678"},
		{"X", "x@example.com", "1234567"},
		{"Dup", "ada@example.com", "12345678"},
		{"Dup", "ADA@example.com", "12345678"}, // email compare is case-insensitive
	}
	for _, tc := range cases {
		_, _, err := a.Register(context.Background(), tc.name, tc.email, tc.password)
		if kindOf(t, err) != KindValidation {
			t.Fatalf("expected validation error for %+v, got: %v", tc, err)
		}
	}
}

func TestLogin(t *testing.T) {
	a, st := newTestApp(t, nil)
	user, _ := register(t, a)

	got, pair, err := a.Login(context.Background(), "ada@example.com", "12345678")
	if err != nil {
		t.Fatalf("login: %v", err)
	}
	if got.ID != user.ID || pair.AccessToken == "" {
		t.Fatalf("unexpected login result")
	}

	if _, _, err := a.Login(context.Background(), "ada@example.com", "wrong-pass"); kindOf(t, err) != KindUnauthenticated {
		t.Fatalf("expected unauthenticated for bad password, got: %v", err)
	}
	if _, _, err := a.Login(context.Background(), "ghost@example.com", "12345678"); kindOf(t, err) != KindUnauthenticated {
		t.Fatalf("expected unauthenticated for unknown email, got: %v", err)
	}

	user, _, _ = st.GetUserByID(user.ID)
	user.IsActive = false
	_ = st.SaveUser(user)
	if _, _, err := a.Login(context.Background(), "ada@example.com", "12345678"); kindOf(t, err) != KindAccountDeactivated {
		t.Fatalf("expected deactivated error, got: %v", err)
	}
}

func TestLoginSupersedesRefreshSlot(t *testing.T) {
	a, _ := newTestApp(t, nil)
	_, first := register(t, a)

	if _, _, err := a.Login(context.Background(), "ada@example.com", "12345678"); err != nil {
		t.Fatalf("login: %v", err)
	}
	// refresh token from before the login lost its slot
	if _, err := a.Refresh(context.Background(), first.RefreshToken); kindOf(t, err) != KindUnauthenticated {
		t.Fatalf("expected superseded refresh to fail, got: %v", err)
	}
}

func TestRefreshRotation(t *testing.T) {
	a, _ := newTestApp(t, nil)
	_, pair := register(t, a)

	rotated, err := a.Refresh(context.Background(), pair.RefreshToken)
	if err != nil {
		t.Fatalf("refresh: %v", err)
	}
	if rotated.AccessToken == "" || rotated.RefreshToken == "" {
		t.Fatalf("expected new pair")
	}

	// replaying the consumed token must fail
	if _, err := a.Refresh(context.Background(), pair.RefreshToken); kindOf(t, err) != KindUnauthenticated {
		t.Fatalf("expected replay to fail, got: %v", err)
	}
	// the rotated token still works
	if _, err := a.Refresh(context.Background(), rotated.RefreshToken); err != nil {
		t.Fatalf("rotated token should refresh: %v", err)
	}
}

func TestRefreshRejectsGarbage(t *testing.T) {
	a, _ := newTestApp(t, nil)
	register(t, a)
	if _, err := a.Refresh(context.Background(), "garbage"); kindOf(t, err) != KindTokenInvalid {
		t.Fatalf("expected token invalid, got: %v", err)
	}
}

func TestLogoutClearsSlot(t *testing.T) {
	a, _ := newTestApp(t, nil)
	user, pair := register(t, a)

	if err := a.Logout(context.Background(), user.ID); err != nil {
		t.Fatalf("logout: %v", err)
	}
	if _, err := a.Refresh(context.Background(), pair.RefreshToken); kindOf(t, err) != KindUnauthenticated {
		t.Fatalf("expected refresh after logout to fail, got: %v", err)
	}
	// access tokens stay valid until expiry
	if _, err := a.UserFromAccessToken(pair.AccessToken); err != nil {
		t.Fatalf("access token should outlive logout: %v", err)
	}
}

func TestChangePasswordInvalidatesTokens(t *testing.T) {
	a, _ := newTestApp(t, nil)
	user, pair := register(t, a)

	if err := a.ChangePassword(context.Background(), user.ID, "wrong", "new-password"); kindOf(t, err) != KindUnauthenticated {
		t.Fatalf("expected wrong current password to fail, got: %v", err)
	}
	if err := a.ChangePassword(context.Background(), user.ID, "12345678", "short"); kindOf(t, err) != KindValidation {
		t.Fatalf("expected short new password to fail, got: %v", err)
	}

	// the stale check compares epoch seconds, so the change must land in a
	// later second than the tokens
	time.Sleep(2 * time.Second)
	if err := a.ChangePassword(context.Background(), user.ID, "12345678", "new-password-1"); err != nil {
		t.Fatalf("change password: %v", err)
	}

	// the backdated stamp makes same-second tokens stale
	if _, err := a.UserFromAccessToken(pair.AccessToken); kindOf(t, err) != KindStalePassword {
		t.Fatalf("expected stale password error, got: %v", err)
	}
	if _, err := a.Refresh(context.Background(), pair.RefreshToken); kindOf(t, err) != KindStalePassword {
		t.Fatalf("expected stale refresh to fail, got: %v", err)
	}

	if _, _, err := a.Login(context.Background(), "ada@example.com", "12345678"); kindOf(t, err) != KindUnauthenticated {
		t.Fatalf("old password should no longer log in")
	}
	if _, _, err := a.Login(context.Background(), "ada@example.com", "new-password-1"); err != nil {
		t.Fatalf("new password should log in: %v", err)
	}
}

func TestUserFromAccessTokenFailures(t *testing.T) {
	a, st := newTestApp(t, nil)
	user, pair := register(t, a)

	if _, err := a.UserFromAccessToken(""); kindOf(t, err) != KindUnauthenticated {
		t.Fatalf("expected unauthenticated for empty token")
	}
	if _, err := a.UserFromAccessToken("garbage"); kindOf(t, err) != KindTokenInvalid {
		t.Fatalf("expected token invalid for garbage")
	}

	user, _, _ = st.GetUserByID(user.ID)
	user.IsActive = false
	_ = st.SaveUser(user)
	if _, err := a.UserFromAccessToken(pair.AccessToken); kindOf(t, err) != KindAccountDeactivated {
		t.Fatalf("expected deactivated error")
	}
}

func TestUpdateProfile(t *testing.T) {
	a, _ := newTestApp(t, nil)
	user, _ := register(t, a)
	if _, _, err := a.Register(context.Background(), "Bob", "bob@example.com", "12345678"); err != nil {
		t.Fatalf("register second user: %v", err)
	}

	updated, err := a.UpdateProfile(context.Background(), user.ID, "Ada Lovelace", "ada2@example.com")
	if err != nil {
		t.Fatalf("update profile: %v", err)
	}
	if updated.Name != "Ada Lovelace" || updated.Email != "ada2@example.com" {
		t.Fatalf("unexpected profile: %+v", updated)
	}

	if _, err := a.UpdateProfile(context.Background(), user.ID, "", "bob@example.com"); kindOf(t, err) != KindValidation {
		t.Fatalf("expected duplicate email to fail, got: %v", err)
	}
	if _, err := a.UpdateProfile(context.Background(), user.ID, "", ""); kindOf(t, err) != KindValidation {
		t.Fatalf("expected empty update to fail, got: %v", err)
	}
}

// deductDuringLoadStore charges the account right after it is loaded,
// standing in for a generation that lands between a profile read and its
// write.
type deductDuringLoadStore struct {
	store.Store
	armed bool
}

func (s *deductDuringLoadStore) GetUserByID(id string) (domain.User, bool, error) {
	u, ok, err := s.Store.GetUserByID(id)
	if err == nil && ok && s.armed {
		s.armed = false
		if _, derr := s.Store.DeductCredits(id, 3); derr != nil {
			return domain.User{}, false, derr
		}
	}
	return u, ok, err
}

func TestProfileWritesDoNotClobberLedger(t *testing.T) {
	issuer, err := token.NewIssuer(token.Options{
		AccessSecret:  "test-access-secret",
		RefreshSecret: "test-refresh-secret",
	})
	if err != nil {
		t.Fatalf("new issuer: %v", err)
	}
	st := store.NewMemoryStore()
	wrapped := &deductDuringLoadStore{Store: st}
	a := New(wrapped, issuer, &fakeGenerator{}, nil, time.Second)

	user, _, err := a.Register(context.Background(), "Ada", "ada@example.com", "12345678")
	if err != nil {
		t.Fatalf("register: %v", err)
	}

	wrapped.armed = true
	if _, err := a.UpdateProfile(context.Background(), user.ID, "Grace", ""); err != nil {
		t.Fatalf("update profile: %v", err)
	}
	got, _, _ := st.GetUserByID(user.ID)
	if got.Name != "Grace" {
		t.Fatalf("name not updated: %q", got.Name)
	}
	if got.Credits.Used != 3 || got.Credits.Remaining != 97 {
		t.Fatalf("concurrent deduction rolled back by profile write: %+v", got.Credits)
	}

	wrapped.armed = true
	if err := a.ChangePassword(context.Background(), user.ID, "12345678", "87654321"); err != nil {
		t.Fatalf("change password: %v", err)
	}
	got, _, _ = st.GetUserByID(user.ID)
	if got.PasswordChangedAt == nil {
		t.Fatalf("expected password change stamp")
	}
	if got.Credits.Used != 6 || got.Credits.Remaining != 94 {
		t.Fatalf("concurrent deduction rolled back by password write: %+v", got.Credits)
	}
}

func TestGenerateChargesFromUsage(t *testing.T) {
	gen := &fakeGenerator{result: ai.Result{
		Text:  "out",
		Model: "m1",
		Usage: ai.Usage{PromptTokens: 500, CompletionTokens: 2000, TotalTokens: 2500},
	}}
	a, _ := newTestApp(t, gen)
	user, _ := register(t, a)

	out, err := a.Generate(context.Background(), user, GenerateInput{Type: domain.GenerationText, Prompt: "hello"})
	if err != nil {
		t.Fatalf("generate: %v", err)
	}
	if out.Generation.Credits != 3 {
		t.Fatalf("2500 tokens should cost 3 credits, got %d", out.Generation.Credits)
	}
	if out.Credits.Remaining != 97 || out.Credits.Used != 3 {
		t.Fatalf("unexpected balance: %+v", out.Credits)
	}
	if out.Generation.Status != domain.GenerationCompleted || out.Generation.Metadata.Tokens != 2500 {
		t.Fatalf("unexpected record: %+v", out.Generation)
	}

	list, total, err := a.History(user.ID, 10, 0)
	if err != nil || total != 1 || len(list) != 1 {
		t.Fatalf("history: list=%v total=%d err=%v", list, total, err)
	}
}

func TestGenerateDepletedBalanceSkipsProvider(t *testing.T) {
	gen := &fakeGenerator{result: ai.Result{Text: "out", Usage: ai.Usage{TotalTokens: 10}}}
	a, st := newTestApp(t, gen)
	user, _ := register(t, a)

	if _, err := st.DeductCredits(user.ID, 100); err != nil {
		t.Fatalf("drain balance: %v", err)
	}
	user, _, _ = st.GetUserByID(user.ID)

	_, err := a.Generate(context.Background(), user, GenerateInput{Type: domain.GenerationText, Prompt: "hello"})
	if kindOf(t, err) != KindInsufficientCredits {
		t.Fatalf("expected insufficient credits, got: %v", err)
	}
	if gen.calls != 0 {
		t.Fatalf("provider must not be called with a depleted balance")
	}
}

func TestGenerateProviderFailureChargesNothing(t *testing.T) {
	gen := &fakeGenerator{err: errors.New("provider down")}
	a, st := newTestApp(t, gen)
	user, _ := register(t, a)

	_, err := a.Generate(context.Background(), user, GenerateInput{Type: domain.GenerationText, Prompt: "hello"})
	if kindOf(t, err) != KindProviderFailure {
		t.Fatalf("expected provider failure, got: %v", err)
	}

	fresh, _, _ := st.GetUserByID(user.ID)
	if fresh.Credits.Remaining != 100 {
		t.Fatalf("failed call must not charge: %+v", fresh.Credits)
	}
	if count, _ := st.CountGenerationsByUser(user.ID); count != 0 {
		t.Fatalf("failed call must not persist a record")
	}
}

func TestGenerateFloorsChargeAtRemaining(t *testing.T) {
	gen := &fakeGenerator{result: ai.Result{Text: "out", Usage: ai.Usage{TotalTokens: 9500}}}
	a, st := newTestApp(t, gen)
	user, _ := register(t, a)

	// leave 2 credits; the call costs 10
	if _, err := st.DeductCredits(user.ID, 98); err != nil {
		t.Fatalf("drain balance: %v", err)
	}
	user, _, _ = st.GetUserByID(user.ID)

	out, err := a.Generate(context.Background(), user, GenerateInput{Type: domain.GenerationText, Prompt: "hello"})
	if err != nil {
		t.Fatalf("generate: %v", err)
	}
	if out.Generation.Credits != 2 || out.Credits.Remaining != 0 {
		t.Fatalf("charge must floor at remaining balance: charged=%d balance=%+v", out.Generation.Credits, out.Credits)
	}
}

func TestGenerateValidation(t *testing.T) {
	a, _ := newTestApp(t, nil)
	user, _ := register(t, a)

	if _, err := a.Generate(context.Background(), user, GenerateInput{Type: domain.GenerationText, Prompt: "  "}); kindOf(t, err) != KindValidation {
		t.Fatalf("expected validation for empty prompt")
	}
	if _, err := a.Generate(context.Background(), user, GenerateInput{Type: "bogus", Prompt: "x"}); kindOf(t, err) != KindValidation {
		t.Fatalf("expected validation for bad type")
	}
}

func TestGenerationOwnership(t *testing.T) {
	gen := &fakeGenerator{result: ai.Result{Text: "out", Usage: ai.Usage{TotalTokens: 10}}}
	a, _ := newTestApp(t, gen)
	owner, _ := register(t, a)
	other, _, err := a.Register(context.Background(), "Bob", "bob@example.com", "12345678")
	if err != nil {
		t.Fatalf("register: %v", err)
	}

	out, err := a.Generate(context.Background(), owner, GenerateInput{Type: domain.GenerationText, Prompt: "hello"})
	if err != nil {
		t.Fatalf("generate: %v", err)
	}

	if _, err := a.GenerationForUser(other.ID, out.Generation.ID); kindOf(t, err) != KindNotFound {
		t.Fatalf("foreign record must read as not found")
	}
	if err := a.DeleteGenerationForUser(other.ID, out.Generation.ID); kindOf(t, err) != KindNotFound {
		t.Fatalf("foreign record must not be deletable")
	}
	if err := a.DeleteGenerationForUser(owner.ID, out.Generation.ID); err != nil {
		t.Fatalf("owner delete: %v", err)
	}
	if _, err := a.GenerationForUser(owner.ID, out.Generation.ID); kindOf(t, err) != KindNotFound {
		t.Fatalf("deleted record must be gone")
	}
}

func TestSubscribeReplacesBalance(t *testing.T) {
	gen := &fakeGenerator{result: ai.Result{Text: "out", Usage: ai.Usage{TotalTokens: 10}}}
	a, st := newTestApp(t, gen)
	user, _ := register(t, a)

	if _, err := st.DeductCredits(user.ID, 60); err != nil {
		t.Fatalf("spend credits: %v", err)
	}

	res, err := a.Subscribe(context.Background(), user.ID, "pro")
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	if res.Credits.Total != 1000 || res.Credits.Used != 0 || res.Credits.Remaining != 1000 {
		t.Fatalf("pro plan must replace balance: %+v", res.Credits)
	}
	if res.Subscription.Tier != domain.TierPro || res.Subscription.EndDate == nil {
		t.Fatalf("unexpected subscription: %+v", res.Subscription)
	}

	fresh, _, _ := st.GetUserByID(user.ID)
	if fresh.Credits.Remaining != 1000 {
		t.Fatalf("balance not persisted: %+v", fresh.Credits)
	}

	if _, err := a.Subscribe(context.Background(), user.ID, "platinum"); kindOf(t, err) != KindValidation {
		t.Fatalf("expected invalid tier, got: %v", err)
	}
	fresh, _, _ = st.GetUserByID(user.ID)
	if fresh.Credits.Remaining != 1000 {
		t.Fatalf("failed subscribe must not touch balance: %+v", fresh.Credits)
	}
}

func TestPlanList(t *testing.T) {
	a, _ := newTestApp(t, nil)
	plans := a.PlanList()
	if len(plans) != 3 {
		t.Fatalf("expected 3 plans, got %d", len(plans))
	}
	if plans[0].Tier != domain.TierFree || plans[1].Tier != domain.TierPro || plans[2].Tier != domain.TierEnterprise {
		t.Fatalf("plans out of order: %+v", plans)
	}
	if plans[1].Credits != 1000 || plans[1].PriceUSD != 20 {
		t.Fatalf("unexpected pro plan: %+v", plans[1])
	}
}

func TestUsageEndpointsData(t *testing.T) {
	gen := &fakeGenerator{result: ai.Result{Text: "out", Model: "m", Usage: ai.Usage{TotalTokens: 1500}}}
	a, _ := newTestApp(t, gen)
	user, _ := register(t, a)

	for i := 0; i < 3; i++ {
		if _, err := a.Generate(context.Background(), user, GenerateInput{Type: domain.GenerationText, Prompt: "p"}); err != nil {
			t.Fatalf("generate: %v", err)
		}
	}

	summary, err := a.CreditsForUser(user.ID)
	if err != nil {
		t.Fatalf("credits: %v", err)
	}
	if summary.Credits.Used != 6 || summary.Credits.Remaining != 94 {
		t.Fatalf("unexpected summary: %+v", summary.Credits)
	}

	stats, err := a.StatsForUser(user.ID)
	if err != nil {
		t.Fatalf("stats: %v", err)
	}
	if stats.TotalGenerations != 3 || stats.CreditsUsed != 6 || stats.TotalRequests != 3 {
		t.Fatalf("unexpected stats: %+v", stats)
	}
	if len(stats.ByType) != 1 || stats.ByType[0].Count != 3 || stats.ByType[0].Credits != 6 {
		t.Fatalf("unexpected per-type stats: %+v", stats.ByType)
	}

	history, err := a.UsageHistoryForUser(user.ID, 7)
	if err != nil {
		t.Fatalf("usage history: %v", err)
	}
	if len(history) != 1 || history[0].Type != domain.GenerationText || history[0].Count != 3 || history[0].Credits != 6 {
		t.Fatalf("unexpected daily rollup: %+v", history)
	}
}

func TestUsageHistoryGroupsByType(t *testing.T) {
	gen := &fakeGenerator{result: ai.Result{Text: "out", Model: "m", Usage: ai.Usage{TotalTokens: 1500}}}
	a, _ := newTestApp(t, gen)
	user, _ := register(t, a)

	for _, genType := range []domain.GenerationType{domain.GenerationText, domain.GenerationSummary} {
		if _, err := a.Generate(context.Background(), user, GenerateInput{Type: genType, Prompt: "p"}); err != nil {
			t.Fatalf("generate %s: %v", genType, err)
		}
	}

	history, err := a.UsageHistoryForUser(user.ID, 7)
	if err != nil {
		t.Fatalf("usage history: %v", err)
	}
	if len(history) != 2 {
		t.Fatalf("expected one row per type, got %+v", history)
	}
	if history[0].Type != domain.GenerationSummary || history[1].Type != domain.GenerationText {
		t.Fatalf("rows not keyed and ordered by type: %+v", history)
	}
	for _, row := range history {
		if row.Date != history[0].Date || row.Count != 1 || row.Credits != 2 {
			t.Fatalf("unexpected rollup row: %+v", row)
		}
	}
}
