package credentials_test

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/weftworks/loom/runtime/ingest/credentials"
	"github.com/weftworks/loom/runtime/ingest/credentials/inmem"
)

func key32(b byte) []byte {
	key := make([]byte, 32)
	for i := range key {
		key[i] = b
	}
	return key
}

func testCipher(t *testing.T) *credentials.Cipher {
	t.Helper()
	c, err := credentials.NewCipher(key32(9))
	require.NoError(t, err)
	return c
}

func testCatalog(t *testing.T, yamlDoc string) *credentials.Catalog {
	t.Helper()
	cat, err := credentials.ParseCatalog([]byte(yamlDoc))
	require.NoError(t, err)
	return cat
}

func newManager(t *testing.T, store credentials.Store, cipher *credentials.Cipher, cat *credentials.Catalog) *credentials.Manager {
	t.Helper()
	m, err := credentials.NewManager(credentials.Options{Store: store, Cipher: cipher, Catalog: cat})
	require.NoError(t, err)
	return m
}

func seed(t *testing.T, store credentials.Store, cipher *credentials.Cipher, id, shortName string, payload map[string]any) {
	t.Helper()
	blob, err := cipher.Encrypt(payload)
	require.NoError(t, err)
	require.NoError(t, store.Put(context.Background(), credentials.Credential{
		ID:        id,
		ShortName: shortName,
		Payload:   blob,
	}))
}

func writeToken(w http.ResponseWriter, access, refresh string) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]any{
		"access_token":  access,
		"refresh_token": refresh,
		"expires_in":    3600,
	})
}

func TestNewManagerValidates(t *testing.T) {
	cipher := testCipher(t)
	cat := testCatalog(t, "foo: {}\n")
	store := inmem.NewStore()

	_, err := credentials.NewManager(credentials.Options{Cipher: cipher, Catalog: cat})
	require.ErrorContains(t, err, "store is required")
	_, err = credentials.NewManager(credentials.Options{Store: store, Catalog: cat})
	require.ErrorContains(t, err, "cipher is required")
	_, err = credentials.NewManager(credentials.Options{Store: store, Cipher: cipher})
	require.ErrorContains(t, err, "catalog is required")
}

// TestResolveNonOAuth verifies that credentials without a refresh flow come
// back exactly as stored, with no token endpoint involved.
func TestResolveNonOAuth(t *testing.T) {
	cipher := testCipher(t)
	store := inmem.NewStore()
	cat := testCatalog(t, "stripe: {}\n")
	seed(t, store, cipher, "cred-1", "stripe", map[string]any{"api_key": "sk-live"})

	m := newManager(t, store, cipher, cat)
	payload, err := m.Resolve(context.Background(), "cred-1")
	require.NoError(t, err)
	require.Equal(t, map[string]any{"api_key": "sk-live"}, payload)

	_, err = m.Resolve(context.Background(), "missing")
	require.ErrorIs(t, err, credentials.ErrNotFound)
}

// TestAccessTokenFormBasicAuth verifies the default token request shape:
// urlencoded form body and client credentials in the basic auth header.
func TestAccessTokenFormBasicAuth(t *testing.T) {
	type captured struct {
		contentType  string
		grantType    string
		refreshToken string
		bodyClientID string
		user, pass   string
		hasBasic     bool
	}
	var got captured
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = r.ParseForm()
		got.contentType = r.Header.Get("Content-Type")
		got.grantType = r.PostForm.Get("grant_type")
		got.refreshToken = r.PostForm.Get("refresh_token")
		got.bodyClientID = r.PostForm.Get("client_id")
		got.user, got.pass, got.hasBasic = r.BasicAuth()
		writeToken(w, "at-fresh", "")
	}))
	defer srv.Close()

	cipher := testCipher(t)
	store := inmem.NewStore()
	cat := testCatalog(t, fmt.Sprintf(`
asana:
  oauth_type: with_refresh
  backend_url: %s
  client_id: the-client
  client_secret: the-secret
`, srv.URL))
	seed(t, store, cipher, "cred-1", "asana", map[string]any{
		"access_token":  "at-stale",
		"refresh_token": "rt-1",
	})

	m := newManager(t, store, cipher, cat)
	token, err := m.AccessToken(context.Background(), "cred-1")
	require.NoError(t, err)
	require.Equal(t, "at-fresh", token)

	require.Equal(t, "application/x-www-form-urlencoded", got.contentType)
	require.Equal(t, "refresh_token", got.grantType)
	require.Equal(t, "rt-1", got.refreshToken)
	require.Empty(t, got.bodyClientID, "header-auth providers keep creds out of the body")
	require.True(t, got.hasBasic)
	require.Equal(t, "the-client", got.user)
	require.Equal(t, "the-secret", got.pass)

	// Resolve folds the fresh token into the decrypted payload.
	payload, err := m.Resolve(context.Background(), "cred-1")
	require.NoError(t, err)
	require.Equal(t, "at-fresh", payload["access_token"])
	require.Equal(t, "rt-1", payload["refresh_token"])
}

// TestAccessTokenJSONBodyCreds verifies the alternate request shape some
// providers require: JSON body with client credentials inside it.
func TestAccessTokenJSONBodyCreds(t *testing.T) {
	var (
		got         map[string]string
		contentType string
		hasBasic    bool
	)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		contentType = r.Header.Get("Content-Type")
		_, _, hasBasic = r.BasicAuth()
		if err := json.NewDecoder(r.Body).Decode(&got); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		writeToken(w, "at-json", "")
	}))
	defer srv.Close()

	cipher := testCipher(t)
	store := inmem.NewStore()
	cat := testCatalog(t, fmt.Sprintf(`
zendesk:
  oauth_type: with_refresh
  backend_url: %s
  client_id: zc
  client_secret: zs
  content_type: application/json
  client_credential_location: body
`, srv.URL))
	seed(t, store, cipher, "cred-1", "zendesk", map[string]any{"refresh_token": "rt-z"})

	m := newManager(t, store, cipher, cat)
	token, err := m.AccessToken(context.Background(), "cred-1")
	require.NoError(t, err)
	require.Equal(t, "at-json", token)

	require.Equal(t, "application/json", contentType)
	require.False(t, hasBasic, "body-auth providers skip the basic auth header")
	require.Equal(t, "refresh_token", got["grant_type"])
	require.Equal(t, "rt-z", got["refresh_token"])
	require.Equal(t, "zc", got["client_id"])
	require.Equal(t, "zs", got["client_secret"])
}

// TestRotatingRefreshPersists verifies that a rotating provider's new
// refresh token is swapped into the store, sealed, alongside the access
// token that came with it.
func TestRotatingRefreshPersists(t *testing.T) {
	var sentRT string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = r.ParseForm()
		sentRT = r.PostForm.Get("refresh_token")
		writeToken(w, "at-2", "rt-2")
	}))
	defer srv.Close()

	cipher := testCipher(t)
	store := inmem.NewStore()
	cat := testCatalog(t, fmt.Sprintf("asana:\n  oauth_type: with_rotating_refresh\n  backend_url: %s\n  client_id: c\n  client_secret: s\n", srv.URL))
	seed(t, store, cipher, "cred-1", "asana", map[string]any{"refresh_token": "rt-1", "workspace": "w1"})

	m := newManager(t, store, cipher, cat)
	token, err := m.AccessToken(context.Background(), "cred-1")
	require.NoError(t, err)
	require.Equal(t, "at-2", token)
	require.Equal(t, "rt-1", sentRT)

	cred, err := store.Get(context.Background(), "cred-1")
	require.NoError(t, err)
	payload, err := cipher.Decrypt(cred.Payload)
	require.NoError(t, err)
	require.Equal(t, "rt-2", payload["refresh_token"])
	require.Equal(t, "at-2", payload["access_token"])
	require.Equal(t, "w1", payload["workspace"], "unrelated payload keys survive rotation")
}

// staleSwapStore fails the first CompareAndSwapPayload with ErrStale, as if
// a concurrent refresh had already rotated the stored credential.
type staleSwapStore struct {
	credentials.Store
	armed atomic.Bool
}

func (s *staleSwapStore) CompareAndSwapPayload(ctx context.Context, id string, old, new []byte) error {
	if s.armed.CompareAndSwap(true, false) {
		return credentials.ErrStale
	}
	return s.Store.CompareAndSwapPayload(ctx, id, old, new)
}

// TestRotationLosesSwap verifies that losing the compare-and-swap does not
// clobber the winner's stored token: the obtained access token is still
// returned and the store is left alone.
func TestRotationLosesSwap(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		writeToken(w, "at-mine", "rt-mine")
	}))
	defer srv.Close()

	cipher := testCipher(t)
	base := inmem.NewStore()
	store := &staleSwapStore{Store: base}
	store.armed.Store(true)
	cat := testCatalog(t, fmt.Sprintf("asana:\n  oauth_type: with_rotating_refresh\n  backend_url: %s\n  client_id: c\n  client_secret: s\n", srv.URL))
	seed(t, base, cipher, "cred-1", "asana", map[string]any{"refresh_token": "rt-theirs"})

	m := newManager(t, store, cipher, cat)
	token, err := m.AccessToken(context.Background(), "cred-1")
	require.NoError(t, err)
	require.Equal(t, "at-mine", token)

	cred, err := base.Get(context.Background(), "cred-1")
	require.NoError(t, err)
	payload, err := cipher.Decrypt(cred.Payload)
	require.NoError(t, err)
	require.Equal(t, "rt-theirs", payload["refresh_token"], "loser must not overwrite")
}

// rotateBehindBack swaps the stored payload right after the first read, so
// the refresh attempt runs with a token another worker already used up.
type rotateBehindBack struct {
	*inmem.Store
	cipher  *credentials.Cipher
	gets    atomic.Int32
	payload map[string]any
}

func (s *rotateBehindBack) Get(ctx context.Context, id string) (credentials.Credential, error) {
	cred, err := s.Store.Get(ctx, id)
	if err != nil {
		return cred, err
	}
	if s.gets.Add(1) == 1 {
		blob, err := s.cipher.Encrypt(s.payload)
		if err != nil {
			return credentials.Credential{}, err
		}
		cred2 := cred
		cred2.Payload = blob
		if err := s.Store.Put(ctx, cred2); err != nil {
			return credentials.Credential{}, err
		}
	}
	return cred, nil
}

// TestRefreshRetriesWithRotatedToken verifies the recovery path for the
// rotation race: the provider rejects the token we read, the store turns
// out to hold a newer one, and one retry with it succeeds.
func TestRefreshRetriesWithRotatedToken(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = r.ParseForm()
		if r.PostForm.Get("refresh_token") != "rt-new" {
			w.WriteHeader(http.StatusBadRequest)
			_, _ = w.Write([]byte(`{"error":"invalid_grant"}`))
			return
		}
		writeToken(w, "at-recovered", "")
	}))
	defer srv.Close()

	cipher := testCipher(t)
	store := &rotateBehindBack{
		Store:   inmem.NewStore(),
		cipher:  cipher,
		payload: map[string]any{"refresh_token": "rt-new"},
	}
	cat := testCatalog(t, fmt.Sprintf("asana:\n  oauth_type: with_refresh\n  backend_url: %s\n  client_id: c\n  client_secret: s\n", srv.URL))
	seed(t, store.Store, cipher, "cred-1", "asana", map[string]any{"refresh_token": "rt-old"})

	m := newManager(t, store, cipher, cat)
	token, err := m.AccessToken(context.Background(), "cred-1")
	require.NoError(t, err)
	require.Equal(t, "at-recovered", token)
}

// TestRefreshRetriesTransientErrors verifies that 5xx replies from the
// token endpoint are retried with backoff before giving up.
func TestRefreshRetriesTransientErrors(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if hits.Add(1) < 3 {
			http.Error(w, "upstream busy", http.StatusServiceUnavailable)
			return
		}
		writeToken(w, "at-eventually", "")
	}))
	defer srv.Close()

	cipher := testCipher(t)
	store := inmem.NewStore()
	cat := testCatalog(t, fmt.Sprintf("asana:\n  oauth_type: with_refresh\n  backend_url: %s\n  client_id: c\n  client_secret: s\n", srv.URL))
	seed(t, store, cipher, "cred-1", "asana", map[string]any{"refresh_token": "rt-1"})

	m := newManager(t, store, cipher, cat)
	token, err := m.AccessToken(context.Background(), "cred-1")
	require.NoError(t, err)
	require.Equal(t, "at-eventually", token)
	require.Equal(t, int32(3), hits.Load())
}

// TestRefreshFailureWrapped verifies that a dead refresh token surfaces as
// a TokenRefreshError naming the integration, with the store untouched.
func TestRefreshFailureWrapped(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
		_, _ = w.Write([]byte(`{"error":"invalid_grant"}`))
	}))
	defer srv.Close()

	cipher := testCipher(t)
	store := inmem.NewStore()
	cat := testCatalog(t, fmt.Sprintf("asana:\n  oauth_type: with_refresh\n  backend_url: %s\n  client_id: c\n  client_secret: s\n", srv.URL))
	seed(t, store, cipher, "cred-1", "asana", map[string]any{"refresh_token": "rt-dead"})

	m := newManager(t, store, cipher, cat)
	_, err := m.AccessToken(context.Background(), "cred-1")
	require.Error(t, err)

	var refreshErr *credentials.TokenRefreshError
	require.ErrorAs(t, err, &refreshErr)
	require.Equal(t, "asana", refreshErr.ShortName)
	require.Contains(t, err.Error(), "invalid_grant")
}

// TestAccessTokenSingleflight verifies that concurrent callers share one
// refresh instead of stampeding the token endpoint.
func TestAccessTokenSingleflight(t *testing.T) {
	var hits atomic.Int32
	proceed := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		<-proceed
		writeToken(w, "at-shared", "")
	}))
	defer srv.Close()

	cipher := testCipher(t)
	store := inmem.NewStore()
	cat := testCatalog(t, fmt.Sprintf("asana:\n  oauth_type: with_refresh\n  backend_url: %s\n  client_id: c\n  client_secret: s\n", srv.URL))
	seed(t, store, cipher, "cred-1", "asana", map[string]any{"refresh_token": "rt-1"})

	m := newManager(t, store, cipher, cat)

	const callers = 4
	var entered atomic.Int32
	tokens := make([]string, callers)
	errs := make([]error, callers)
	var wg sync.WaitGroup
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			entered.Add(1)
			tokens[i], errs[i] = m.AccessToken(context.Background(), "cred-1")
		}(i)
	}
	require.Eventually(t, func() bool { return entered.Load() == callers }, time.Second, time.Millisecond)
	time.Sleep(100 * time.Millisecond)
	close(proceed)
	wg.Wait()

	for i := 0; i < callers; i++ {
		require.NoError(t, errs[i])
		require.Equal(t, "at-shared", tokens[i])
	}
	require.Equal(t, int32(1), hits.Load())
}

// TestAccessTokenSurvivesLeaderCancel verifies that the shared refresh is
// detached from the caller that started it: cancelling that caller's context
// mid-flight must not fail the callers waiting on the shared result.
func TestAccessTokenSurvivesLeaderCancel(t *testing.T) {
	inFlight := make(chan struct{})
	proceed := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		close(inFlight)
		<-proceed
		writeToken(w, "at-detached", "")
	}))
	defer srv.Close()

	cipher := testCipher(t)
	store := inmem.NewStore()
	cat := testCatalog(t, fmt.Sprintf("asana:\n  oauth_type: with_refresh\n  backend_url: %s\n  client_id: c\n  client_secret: s\n", srv.URL))
	seed(t, store, cipher, "cred-1", "asana", map[string]any{"refresh_token": "rt-1"})

	m := newManager(t, store, cipher, cat)

	leaderCtx, cancel := context.WithCancel(context.Background())
	defer cancel()
	var (
		wg                      sync.WaitGroup
		leaderToken, otherToken string
		leaderErr, otherErr     error
	)
	wg.Add(1)
	go func() {
		defer wg.Done()
		leaderToken, leaderErr = m.AccessToken(leaderCtx, "cred-1")
	}()
	<-inFlight

	wg.Add(1)
	go func() {
		defer wg.Done()
		otherToken, otherErr = m.AccessToken(context.Background(), "cred-1")
	}()
	// Give the second caller time to join the flight before killing the
	// context that started it.
	time.Sleep(100 * time.Millisecond)
	cancel()
	time.Sleep(50 * time.Millisecond)
	close(proceed)
	wg.Wait()

	require.NoError(t, otherErr)
	require.Equal(t, "at-detached", otherToken)
	require.NoError(t, leaderErr)
	require.Equal(t, "at-detached", leaderToken)
}

// rotatingProvider mimics a token endpoint that invalidates each refresh
// token the moment it is used.
type rotatingProvider struct {
	mu     sync.Mutex
	valid  map[string]bool
	issued map[string]bool
	seq    int
}

func (p *rotatingProvider) handler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		_ = r.ParseForm()
		rt := r.PostForm.Get("refresh_token")
		p.mu.Lock()
		defer p.mu.Unlock()
		if !p.valid[rt] {
			w.WriteHeader(http.StatusBadRequest)
			_, _ = w.Write([]byte(`{"error":"invalid_grant"}`))
			return
		}
		delete(p.valid, rt)
		p.seq++
		access := fmt.Sprintf("at-%d", p.seq)
		refresh := fmt.Sprintf("rt-%d", p.seq)
		p.valid[refresh] = true
		p.issued[access] = true
		writeToken(w, access, refresh)
	}
}

// TestConcurrentRotation races two independent managers (separate
// singleflight groups, shared store) against a provider that burns each
// refresh token on use. Whatever the interleaving, the stored credential
// must end up sealed, decryptable, and holding a token the provider still
// honors.
func TestConcurrentRotation(t *testing.T) {
	provider := &rotatingProvider{
		valid:  map[string]bool{"rt-0": true},
		issued: map[string]bool{},
	}
	srv := httptest.NewServer(provider.handler())
	defer srv.Close()

	cipher := testCipher(t)
	store := inmem.NewStore()
	cat := testCatalog(t, fmt.Sprintf("asana:\n  oauth_type: with_rotating_refresh\n  backend_url: %s\n  client_id: c\n  client_secret: s\n", srv.URL))
	seed(t, store, cipher, "cred-1", "asana", map[string]any{"refresh_token": "rt-0"})

	m1 := newManager(t, store, cipher, cat)
	m2 := newManager(t, store, cipher, cat)

	var wg sync.WaitGroup
	results := make([]struct {
		token string
		err   error
	}, 2)
	for i, m := range []*credentials.Manager{m1, m2} {
		wg.Add(1)
		go func(i int, m *credentials.Manager) {
			defer wg.Done()
			results[i].token, results[i].err = m.AccessToken(context.Background(), "cred-1")
		}(i, m)
	}
	wg.Wait()

	succeeded := 0
	for _, r := range results {
		if r.err == nil {
			succeeded++
			require.True(t, provider.issued[r.token], "returned token %q was never issued", r.token)
			continue
		}
		var refreshErr *credentials.TokenRefreshError
		require.ErrorAs(t, r.err, &refreshErr)
	}
	require.GreaterOrEqual(t, succeeded, 1, "at least one refresh must win")

	cred, err := store.Get(context.Background(), "cred-1")
	require.NoError(t, err)
	payload, err := cipher.Decrypt(cred.Payload)
	require.NoError(t, err)
	storedRT, _ := payload["refresh_token"].(string)
	provider.mu.Lock()
	defer provider.mu.Unlock()
	require.True(t, provider.valid[storedRT], "stored refresh token %q must still be honored", storedRT)
}
