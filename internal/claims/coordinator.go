package claims

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/MarcoPoloResearchLab/bitdrop/internal/btc"
	"github.com/MarcoPoloResearchLab/bitdrop/internal/signer"
)

var (
	errMissingSigner      = errors.New("signer is required")
	errMissingIDProvider  = errors.New("id provider is required")
	errMissingTransaction = errors.New("unsigned transaction is required")
)

// CoordinatorConfig configures a Coordinator.
type CoordinatorConfig struct {
	Signer     signer.Signer
	KeyVersion uint32
	IDProvider IDProvider
	// Recorder is optional; attempts are still coordinated without an audit trail.
	Recorder Recorder
	Clock    func() time.Time
	Logger   *zap.Logger
}

// DispatchRequest carries everything the continuation needs to finish an attempt.
type DispatchRequest struct {
	Transaction     *btc.UnsignedTransaction
	FunderPublicKey []byte
	Path            string
	DropHash        string
	CampaignID      uint64
	Claimant        string
	ReceiverAddress string
	// OnFinalized runs after the transaction is assembled and before the attempt is
	// finalized. An error fails the attempt.
	OnFinalized func(ctx context.Context, signedTxHex string) error
}

// Attempt is one signing round-trip. It completes exactly once.
type Attempt struct {
	id          string
	digest      [32]byte
	requestedAt time.Time
	done        chan struct{}

	mu        sync.Mutex
	state     State
	settling  bool
	signedHex string
	err       error
}

// ID returns the attempt identifier.
func (a *Attempt) ID() string {
	return a.id
}

// Digest returns the signed sighash digest.
func (a *Attempt) Digest() [32]byte {
	return a.digest
}

// State returns the current state.
func (a *Attempt) State() State {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.state
}

// Done is closed once the attempt is finalized or failed.
func (a *Attempt) Done() <-chan struct{} {
	return a.done
}

// Wait blocks until the attempt completes or ctx ends. It returns the hex signed
// transaction or an error wrapping ErrRemoteSigning.
func (a *Attempt) Wait(ctx context.Context) (string, error) {
	select {
	case <-a.done:
	case <-ctx.Done():
		return "", ctx.Err()
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.signedHex, a.err
}

// begin moves a requested attempt into settlement; it fails if the attempt already ended.
func (a *Attempt) begin() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.state != StateRequested || a.settling {
		return false
	}
	a.settling = true
	return true
}

func (a *Attempt) complete(state State, signedHex string, err error) {
	a.mu.Lock()
	a.state = state
	a.signedHex = signedHex
	a.err = err
	a.settling = false
	a.mu.Unlock()
	close(a.done)
}

// Coordinator drives signing attempts from dispatch to completion.
type Coordinator struct {
	signer     signer.Signer
	keyVersion uint32
	ids        IDProvider
	recorder   Recorder
	clock      func() time.Time
	logger     *zap.Logger

	mu       sync.Mutex
	inFlight map[string]*inFlightAttempt
	wg       sync.WaitGroup
}

type inFlightAttempt struct {
	attempt *Attempt
	record  AttemptRecord
}

// NewCoordinator validates the configuration and constructs a Coordinator.
func NewCoordinator(cfg CoordinatorConfig) (*Coordinator, error) {
	if cfg.Signer == nil {
		return nil, newServiceError(opCoordinatorNew, "missing_signer", errMissingSigner)
	}
	if cfg.IDProvider == nil {
		return nil, newServiceError(opCoordinatorNew, "missing_id_provider", errMissingIDProvider)
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = noOpLogger
	}
	return &Coordinator{
		signer:     cfg.Signer,
		keyVersion: cfg.KeyVersion,
		ids:        cfg.IDProvider,
		recorder:   cfg.Recorder,
		clock:      clock,
		logger:     logger,
		inFlight:   make(map[string]*inFlightAttempt),
	}, nil
}

// Dispatch records a new attempt, sends the digest to the signer and registers the
// single continuation that finishes the attempt.
func (c *Coordinator) Dispatch(ctx context.Context, request DispatchRequest) (*Attempt, error) {
	if request.Transaction == nil {
		return nil, newServiceError(opDispatch, "missing_transaction", errMissingTransaction)
	}
	id, err := c.ids.NewID()
	if err != nil {
		logError(c.logger, opDispatch, "id_generation_failed", err, zap.String("drop_hash", request.DropHash))
		return nil, newServiceError(opDispatch, "id_generation_failed", err)
	}

	now := c.clock().UTC()
	attempt := &Attempt{
		id:          id,
		digest:      btc.SigningDigest(request.Transaction),
		requestedAt: now,
		done:        make(chan struct{}),
		state:       StateRequested,
	}
	record := AttemptRecord{
		AttemptID:          id,
		DropHash:           request.DropHash,
		CampaignID:         request.CampaignID,
		Claimant:           request.Claimant,
		ReceiverAddress:    request.ReceiverAddress,
		DigestHex:          hex.EncodeToString(attempt.digest[:]),
		State:              StateRequested,
		RequestedAtSeconds: now.Unix(),
		UpdatedAtSeconds:   now.Unix(),
	}
	background := context.WithoutCancel(ctx)
	c.record(background, record)

	c.mu.Lock()
	c.inFlight[id] = &inFlightAttempt{attempt: attempt, record: record}
	c.mu.Unlock()

	results, err := c.signer.Sign(ctx, signer.SignRequest{
		Payload:    attempt.digest,
		Path:       request.Path,
		KeyVersion: c.keyVersion,
	})
	if err != nil {
		if attempt.begin() {
			c.fail(background, attempt, err)
		}
		return attempt, nil
	}

	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		c.continueAttempt(background, attempt, request, results)
	}()
	return attempt, nil
}

func (c *Coordinator) continueAttempt(ctx context.Context, attempt *Attempt, request DispatchRequest, results <-chan signer.Result) {
	var result signer.Result
	select {
	case result = <-results:
	case <-attempt.done:
		return
	}

	if !attempt.begin() {
		c.logger.Info("ignoring late signer reply", zap.String("attempt_id", attempt.id))
		return
	}
	if result.Err != nil {
		c.fail(ctx, attempt, result.Err)
		return
	}

	signature, err := result.Response.Signature()
	if err != nil {
		c.fail(ctx, attempt, err)
		return
	}
	raw, err := btc.FinalizeSigned(request.Transaction, signature, request.FunderPublicKey)
	if err != nil {
		c.fail(ctx, attempt, err)
		return
	}
	signedHex := hex.EncodeToString(raw)

	if request.OnFinalized != nil {
		if err := request.OnFinalized(ctx, signedHex); err != nil {
			c.fail(ctx, attempt, err)
			return
		}
	}
	c.finish(ctx, attempt, StateFinalized, signedHex, nil, "")
}

func (c *Coordinator) fail(ctx context.Context, attempt *Attempt, cause error) {
	c.logger.Warn("signing attempt failed", zap.String("attempt_id", attempt.id), zap.Error(cause))
	c.finish(ctx, attempt, StateFailed, "", fmt.Errorf("%w: %w", ErrRemoteSigning, cause), cause.Error())
}

func (c *Coordinator) finish(ctx context.Context, attempt *Attempt, state State, signedHex string, err error, failure string) {
	c.mu.Lock()
	entry, ok := c.inFlight[attempt.id]
	delete(c.inFlight, attempt.id)
	c.mu.Unlock()

	if ok {
		record := entry.record
		record.State = state
		record.SignedTxHex = signedHex
		record.Failure = failure
		record.UpdatedAtSeconds = c.clock().UTC().Unix()
		c.record(ctx, record)
	}

	attempt.complete(state, signedHex, err)
}

// ExpireStale fails every attempt still waiting for the signer that was requested
// before cutoff and returns how many were failed.
func (c *Coordinator) ExpireStale(cutoff time.Time) int {
	c.mu.Lock()
	stale := make([]*Attempt, 0)
	for _, entry := range c.inFlight {
		if entry.attempt.requestedAt.Before(cutoff) {
			stale = append(stale, entry.attempt)
		}
	}
	c.mu.Unlock()

	expired := 0
	for _, attempt := range stale {
		if !attempt.begin() {
			continue
		}
		c.fail(context.Background(), attempt, ErrAttemptExpired)
		expired++
	}
	return expired
}

// InFlight returns the number of attempts still waiting for completion.
func (c *Coordinator) InFlight() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.inFlight)
}

// Drain waits for running continuations to return or ctx to end.
func (c *Coordinator) Drain(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		c.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (c *Coordinator) record(ctx context.Context, record AttemptRecord) {
	if c.recorder == nil {
		return
	}
	if err := c.recorder.Record(ctx, record); err != nil {
		c.logger.Warn("attempt audit write failed", zap.String("attempt_id", record.AttemptID), zap.Error(err))
	}
}
