package realtime

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"
)

// TokenFetcher returns a fresh single-use stream token. Tokens are not
// reusable, so one is fetched for every connection attempt.
type TokenFetcher func(ctx context.Context) (string, error)

type ReconnectorConfig struct {
	Transport *Transport
	Endpoint  string
	Token     TokenFetcher
	Backoff   *Backoff
	// OnReconnected runs after every successful connection except the first,
	// so the owner can refetch what was missed while offline. The stream
	// itself never replays events.
	OnReconnected func(ctx context.Context)
	Logger        *zap.Logger
}

// Reconnector keeps a Transport connected until its context ends.
type Reconnector struct {
	transport     *Transport
	endpoint      string
	token         TokenFetcher
	backoff       *Backoff
	onReconnected func(ctx context.Context)
	logger        *zap.Logger
	lost          chan error
	sleep         func(ctx context.Context, d time.Duration) error
}

func NewReconnector(cfg ReconnectorConfig) (*Reconnector, error) {
	if cfg.Transport == nil || cfg.Token == nil || cfg.Endpoint == "" {
		return nil, errors.New("realtime: transport, endpoint and token fetcher are required")
	}
	backoff := cfg.Backoff
	if backoff == nil {
		backoff = NewBackoff()
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	r := &Reconnector{
		transport:     cfg.Transport,
		endpoint:      cfg.Endpoint,
		token:         cfg.Token,
		backoff:       backoff,
		onReconnected: cfg.OnReconnected,
		logger:        logger,
		lost:          make(chan error, 1),
		sleep:         sleepContext,
	}
	cfg.Transport.OnUnexpectedDisconnect(func(err error) {
		select {
		case r.lost <- err:
		default:
		}
	})
	return r, nil
}

// Run connects and reconnects until ctx is cancelled, then disconnects.
func (r *Reconnector) Run(ctx context.Context) error {
	defer r.transport.Disconnect()

	connectedBefore := false
	for {
		r.drainLost()

		err := r.connect(ctx)
		if err == nil {
			r.backoff.Reset()
			if connectedBefore && r.onReconnected != nil {
				r.onReconnected(ctx)
			}
			connectedBefore = true

			select {
			case <-ctx.Done():
				return ctx.Err()
			case err = <-r.lost:
			}
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}

		wait := r.backoff.Next()
		r.logger.Warn("realtime connection unavailable, retrying",
			zap.Error(err),
			zap.Duration("backoff", wait),
		)
		if err := r.sleep(ctx, wait); err != nil {
			return err
		}
	}
}

func (r *Reconnector) connect(ctx context.Context) error {
	token, err := r.token(ctx)
	if err != nil {
		return err
	}
	return r.transport.Connect(ctx, r.endpoint, token)
}

func (r *Reconnector) drainLost() {
	select {
	case <-r.lost:
	default:
	}
}

func sleepContext(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
