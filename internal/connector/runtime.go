// Package connector implements the SaaS connector runtime. A concrete
// connector supplies only behavior (how to test a connection, fetch
// records, map them to chunks, and handle webhooks) while the runtime
// owns everything operational: credential loading, the pooled HTTP
// client with rate limiting and a circuit breaker, retries, sync
// scheduling, the memory hand-off, and webhook verification.
package connector

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/rs/zerolog/log"

	"github.com/loomworks/loom/internal/breaker"
	"github.com/loomworks/loom/internal/metrics"
	"github.com/loomworks/loom/internal/ratelimit"
	"github.com/loomworks/loom/pkg/contracts"
	"github.com/loomworks/loom/pkg/fault"
	"github.com/loomworks/loom/pkg/models"
)

const (
	DefaultSyncInterval = 5 * time.Minute
	DefaultCacheTTL     = 5 * time.Minute
	DefaultTimeout      = 30 * time.Second
	DefaultMaxRetries   = 3
	DefaultRateLimit    = 60 // requests per rate window
	DefaultRateWindow   = time.Minute

	// DefaultPageLimit is the record cap passed to FetchData per cycle.
	DefaultPageLimit = 1000

	// errorRetryDelay is how long the auto-sync loop sleeps after a
	// failed cycle before trying again.
	errorRetryDelay = 60 * time.Second

	// maxErrorBody bounds how much of an upstream error body lands in
	// error messages.
	maxErrorBody = 200
)

// Config configures one connector runtime. Zero values take the
// defaults above.
type Config struct {
	Name       string
	BaseURL    string // may also arrive via the credential bundle
	APIVersion string // e.g. "rest/api/3"; empty means none
	Domain     models.Domain

	SyncInterval time.Duration
	CacheTTL     time.Duration // L1 ttl for "{name}:latest_data"
	Timeout      time.Duration // per-request HTTP timeout
	MaxRetries   int           // retries after the first attempt

	RateLimit  int           // max requests per RateWindow
	RateWindow time.Duration
	Breaker    breaker.Settings

	// Headers are sent on every request in addition to auth.
	Headers map[string]string

	// Fields tunes the default record-to-chunk mapping.
	Fields FieldMap
}

// Runtime drives one connector. It implements contracts.RuntimeAPI, the
// slice of itself that behaviors see.
type Runtime struct {
	name       string
	apiVersion string
	domain     models.Domain
	behavior   contracts.ConnectorBehavior
	secrets    contracts.SecretsService
	memory     contracts.MemoryService

	client  *http.Client
	limiter ratelimit.Limiter
	br      *breaker.Breaker
	headers map[string]string
	fields  FieldMap

	syncInterval time.Duration
	cacheTTL     time.Duration
	maxRetries   int

	mu       sync.Mutex
	baseURL  string
	creds    models.IntegrationCredentials
	state    models.ConnectorState
	lastSync time.Time
	lastErr  string

	requests atomic.Int64
	failures atomic.Int64

	// syncing is the non-reentrant sync guard.
	syncing atomic.Bool

	autoMu     sync.Mutex
	autoCancel context.CancelFunc
	autoDone   chan struct{}
}

// New builds a connector runtime around behavior. The memory service may
// be nil, in which case synced chunks are dropped after transform.
func New(cfg Config, behavior contracts.ConnectorBehavior, secrets contracts.SecretsService, memory contracts.MemoryService) (*Runtime, error) {
	if cfg.Name == "" {
		return nil, fmt.Errorf("connector: name is required")
	}
	if behavior == nil {
		return nil, fmt.Errorf("connector %s: behavior is required", cfg.Name)
	}
	if secrets == nil {
		return nil, fmt.Errorf("connector %s: secrets service is required", cfg.Name)
	}
	if cfg.Domain == "" {
		cfg.Domain = models.DomainBI
	}
	if !cfg.Domain.IsValid() {
		return nil, fmt.Errorf("connector %s: invalid domain %q", cfg.Name, cfg.Domain)
	}
	if cfg.SyncInterval <= 0 {
		cfg.SyncInterval = DefaultSyncInterval
	}
	if cfg.CacheTTL <= 0 {
		cfg.CacheTTL = DefaultCacheTTL
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}
	if cfg.MaxRetries < 0 {
		cfg.MaxRetries = 0
	} else if cfg.MaxRetries == 0 {
		cfg.MaxRetries = DefaultMaxRetries
	}
	if cfg.RateLimit <= 0 {
		cfg.RateLimit = DefaultRateLimit
	}
	if cfg.RateWindow <= 0 {
		cfg.RateWindow = DefaultRateWindow
	}

	limiter, err := ratelimit.NewSliding(cfg.RateLimit, cfg.RateWindow)
	if err != nil {
		return nil, fmt.Errorf("connector %s: %w", cfg.Name, err)
	}
	brSettings := cfg.Breaker
	brSettings.Name = "connector/" + cfg.Name
	if brSettings.IsFailure == nil {
		brSettings.IsFailure = func(err error) bool {
			return !fault.Is(err, fault.Validation)
		}
	}

	r := &Runtime{
		name:         cfg.Name,
		apiVersion:   strings.Trim(cfg.APIVersion, "/"),
		domain:       cfg.Domain,
		behavior:     behavior,
		secrets:      secrets,
		memory:       memory,
		client:       &http.Client{Timeout: cfg.Timeout},
		limiter:      limiter,
		br:           breaker.New(brSettings),
		headers:      cfg.Headers,
		fields:       cfg.Fields,
		syncInterval: cfg.SyncInterval,
		cacheTTL:     cfg.CacheTTL,
		maxRetries:   cfg.MaxRetries,
		baseURL:      strings.TrimRight(cfg.BaseURL, "/"),
		state:        models.ConnectorDisconnected,
	}
	return r, nil
}

// ── contracts.RuntimeAPI ─────────────────────────────────────

func (r *Runtime) Name() string { return r.name }

// Domain returns the memory domain this connector writes under.
func (r *Runtime) Domain() models.Domain { return r.domain }

func (r *Runtime) Credentials() models.IntegrationCredentials {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.creds
}

func (r *Runtime) Memory() contracts.MemoryService { return r.memory }

// MakeRequest performs one guarded call against the upstream API:
// limiter wait, then the breaker-wrapped HTTP request with bearer auth,
// retried with exponential backoff on 5xx and transport errors. 4xx
// responses are the caller's problem and never retried.
func (r *Runtime) MakeRequest(ctx context.Context, method, endpoint string, params map[string]string, body any) ([]byte, error) {
	u, err := r.requestURL(endpoint, params)
	if err != nil {
		return nil, err
	}

	var out []byte
	op := func() error {
		// Each attempt takes its own admission slot so retries still
		// count against the upstream quota.
		if err := r.limiter.Wait(ctx); err != nil {
			return backoff.Permanent(fault.Wrap(fault.Timeout, err, "connector "+r.name+": rate limit wait"))
		}
		attemptErr := r.br.Do(func() error {
			var reqErr error
			out, reqErr = r.doRequest(ctx, method, u, body)
			return reqErr
		})
		r.requests.Add(1)
		if attemptErr != nil {
			r.failures.Add(1)
			metrics.ConnectorRequests.WithLabelValues(r.name, "error").Inc()
			r.noteError(attemptErr)
			switch fault.KindOf(attemptErr) {
			case fault.Validation, fault.Auth, fault.RateLimited, fault.CircuitOpen:
				return backoff.Permanent(attemptErr)
			}
			return attemptErr
		}
		metrics.ConnectorRequests.WithLabelValues(r.name, "ok").Inc()
		r.noteSuccess()
		return nil
	}

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = 500 * time.Millisecond
	bo.MaxInterval = 10 * time.Second
	if err := backoff.Retry(op, backoff.WithContext(backoff.WithMaxRetries(bo, uint64(r.maxRetries)), ctx)); err != nil {
		return nil, err
	}
	return out, nil
}

// doRequest is one HTTP attempt, classified into fault kinds.
func (r *Runtime) doRequest(ctx context.Context, method, u string, body any) ([]byte, error) {
	var reader io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			return nil, fault.Wrap(fault.Validation, err, "connector "+r.name+": encode request body")
		}
		reader = bytes.NewReader(raw)
	}
	req, err := http.NewRequestWithContext(ctx, method, u, reader)
	if err != nil {
		return nil, fault.Wrap(fault.Validation, err, "connector "+r.name+": build request")
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	for k, v := range r.headers {
		req.Header.Set(k, v)
	}
	if token := r.Credentials().BearerToken(); token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}

	resp, err := r.client.Do(req)
	if err != nil {
		return nil, fault.Wrap(fault.BackendUnavailable, err, "connector "+r.name)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fault.Wrap(fault.BackendUnavailable, err, "connector "+r.name+": read response")
	}

	switch {
	case resp.StatusCode >= 500:
		return nil, fault.Newf(fault.BackendUnavailable, "connector %s: %s returned %d: %s", r.name, method, resp.StatusCode, truncate(raw, maxErrorBody))
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		return nil, fault.Newf(fault.Auth, "connector %s: %s returned %d", r.name, method, resp.StatusCode)
	case resp.StatusCode == http.StatusTooManyRequests:
		return nil, fault.Newf(fault.RateLimited, "connector %s: upstream rate limit hit", r.name)
	case resp.StatusCode >= 400:
		return nil, fault.Newf(fault.Validation, "connector %s: %s returned %d: %s", r.name, method, resp.StatusCode, truncate(raw, maxErrorBody))
	}
	return raw, nil
}

func (r *Runtime) requestURL(endpoint string, params map[string]string) (string, error) {
	r.mu.Lock()
	base := r.baseURL
	r.mu.Unlock()
	if base == "" {
		return "", fault.New(fault.Validation, "connector "+r.name+": no base url configured")
	}

	u := base
	if r.apiVersion != "" {
		u += "/" + r.apiVersion
	}
	u += "/" + strings.TrimLeft(endpoint, "/")
	if len(params) > 0 {
		q := url.Values{}
		for k, v := range params {
			q.Set(k, v)
		}
		u += "?" + q.Encode()
	}
	if _, err := url.Parse(u); err != nil {
		return "", fault.Wrap(fault.Validation, err, "connector "+r.name+": bad request url")
	}
	return u, nil
}

// ── Lifecycle ────────────────────────────────────────────────

// Connect loads credentials and verifies them through the behavior's
// TestConnection. Success moves the connector to healthy.
func (r *Runtime) Connect(ctx context.Context) error {
	creds := r.secrets.Integration(r.name)
	r.mu.Lock()
	r.creds = creds
	if r.baseURL == "" && creds.BaseURL != "" {
		r.baseURL = strings.TrimRight(creds.BaseURL, "/")
	}
	r.mu.Unlock()

	if err := r.behavior.TestConnection(ctx, r); err != nil {
		r.setState(models.ConnectorUnhealthy, err.Error())
		return fmt.Errorf("connector %s: test connection: %w", r.name, err)
	}
	r.setState(models.ConnectorHealthy, "")
	log.Info().Str("connector", r.name).Str("domain", string(r.domain)).Msg("connector connected")
	return nil
}

// Disconnect stops auto-sync and drops idle connections. The connector
// can Connect again afterwards.
func (r *Runtime) Disconnect() {
	r.StopAutoSync()
	r.client.CloseIdleConnections()
	r.setState(models.ConnectorDisconnected, "")
	log.Info().Str("connector", r.name).Msg("connector disconnected")
}

// ── Sync ─────────────────────────────────────────────────────

// Sync runs one fetch-transform-store cycle. Concurrent calls are
// rejected with a no-op failure report rather than queued: overlapping
// syncs against the same upstream window would double-ingest.
func (r *Runtime) Sync(ctx context.Context, fullSync bool) models.SyncReport {
	report := models.SyncReport{Connector: r.name, StartedAt: models.UTCNow()}
	if !r.syncing.CompareAndSwap(false, true) {
		report.Errors = append(report.Errors, "sync already in progress")
		metrics.ConnectorSyncs.WithLabelValues(r.name, "skipped").Inc()
		return report
	}
	defer r.syncing.Store(false)
	start := time.Now()

	r.mu.Lock()
	lastSync := r.lastSync
	r.mu.Unlock()

	params := map[string]any{"limit": DefaultPageLimit}
	if !fullSync && !lastSync.IsZero() {
		report.Incremental = true
		params["modified_since"] = models.FormatTime(lastSync)
	} else {
		params["offset"] = 0
	}

	records, err := r.behavior.FetchData(ctx, r, params)
	if err != nil {
		report.Errors = append(report.Errors, fmt.Sprintf("fetch: %v", err))
		return r.finishSync(report, start)
	}
	report.RecordsFetched = len(records)

	chunks, err := r.behavior.TransformToChunks(ctx, records)
	if errors.Is(err, contracts.ErrUseDefault) {
		chunks, err = defaultChunks(r.name, r.domain, records, r.fields)
	}
	if err != nil {
		report.Errors = append(report.Errors, fmt.Sprintf("transform: %v", err))
		return r.finishSync(report, start)
	}

	if r.memory != nil && len(chunks) > 0 {
		up := r.memory.UpsertChunks(ctx, chunks, r.domain)
		report.ChunksStored = up.Stored
		report.Errors = append(report.Errors, up.Errors...)
	}
	// Caching the raw payload is best-effort; a cold L1 must not fail
	// the sync.
	if r.memory != nil && len(records) > 0 {
		if err := r.memory.PutEphemeral(ctx, r.name+":latest_data", records, r.cacheTTL); err != nil {
			log.Warn().Str("connector", r.name).Err(err).Msg("latest_data cache write failed")
		}
	}

	r.mu.Lock()
	r.lastSync = models.UTCNow()
	r.mu.Unlock()
	return r.finishSync(report, start)
}

func (r *Runtime) finishSync(report models.SyncReport, start time.Time) models.SyncReport {
	report.Success = len(report.Errors) == 0
	report.Duration = time.Since(start)
	report.NextSync = models.UTCNow().Add(r.syncInterval)

	outcome := "ok"
	if !report.Success {
		outcome = "error"
	}
	metrics.ConnectorSyncs.WithLabelValues(r.name, outcome).Inc()
	metrics.ConnectorSyncDuration.WithLabelValues(r.name).Observe(report.Duration.Seconds())
	log.Info().
		Str("connector", r.name).
		Bool("success", report.Success).
		Bool("incremental", report.Incremental).
		Int("fetched", report.RecordsFetched).
		Int("stored", report.ChunksStored).
		Dur("elapsed", report.Duration).
		Msg("sync cycle complete")
	return report
}

// StartAutoSync launches the periodic sync loop. A second call while
// running is a no-op.
func (r *Runtime) StartAutoSync() {
	r.autoMu.Lock()
	defer r.autoMu.Unlock()
	if r.autoCancel != nil {
		return
	}
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	r.autoCancel = cancel
	r.autoDone = done
	go r.autoSyncLoop(ctx, done)
	log.Info().Str("connector", r.name).Dur("interval", r.syncInterval).Msg("auto-sync started")
}

// StopAutoSync cancels the loop and waits for it to exit.
func (r *Runtime) StopAutoSync() {
	r.autoMu.Lock()
	cancel, done := r.autoCancel, r.autoDone
	r.autoCancel, r.autoDone = nil, nil
	r.autoMu.Unlock()
	if cancel == nil {
		return
	}
	cancel()
	<-done
	log.Info().Str("connector", r.name).Msg("auto-sync stopped")
}

// autoSyncLoop runs one sync immediately, then on the configured
// interval. Failed cycles back off for a minute so a broken upstream is
// not hammered at the sync rate.
func (r *Runtime) autoSyncLoop(ctx context.Context, done chan<- struct{}) {
	defer close(done)
	timer := time.NewTimer(0)
	defer timer.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-timer.C:
		}
		report := r.Sync(ctx, false)
		next := r.syncInterval
		if !report.Success {
			next = errorRetryDelay
			log.Warn().
				Str("connector", r.name).
				Strs("errors", report.Errors).
				Dur("retry_in", next).
				Msg("auto-sync cycle failed")
		}
		timer.Reset(next)
	}
}

// ── Introspection ────────────────────────────────────────────

// Status snapshots the connector's health.
func (r *Runtime) Status() models.ConnectorInfo {
	r.autoMu.Lock()
	autoOn := r.autoCancel != nil
	r.autoMu.Unlock()

	r.mu.Lock()
	defer r.mu.Unlock()
	return models.ConnectorInfo{
		Name:       r.name,
		State:      r.state,
		Domain:     r.domain,
		LastSync:   r.lastSync,
		LastError:  r.lastErr,
		Requests:   r.requests.Load(),
		Failures:   r.failures.Load(),
		AutoSyncOn: autoOn,
	}
}

func (r *Runtime) setState(s models.ConnectorState, errMsg string) {
	r.mu.Lock()
	r.state = s
	r.lastErr = errMsg
	r.mu.Unlock()
}

func (r *Runtime) noteError(err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.lastErr = err.Error()
	if r.state == models.ConnectorHealthy {
		r.state = models.ConnectorDegraded
	}
}

func (r *Runtime) noteSuccess() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.state == models.ConnectorDegraded {
		r.state = models.ConnectorHealthy
	}
}

func truncate(b []byte, n int) string {
	s := strings.TrimSpace(string(b))
	if len(s) > n {
		return s[:n] + "..."
	}
	return s
}
