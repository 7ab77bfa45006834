// Package gateway drives per-request transient WhatsApp connections:
// load the tenant's session, dial, wait for exactly one outcome, tear
// down. Nothing here holds a long-lived connection.
package gateway

import (
	"context"
	"sync"
	"time"

	"github.com/asaskevich/EventBus"
	"github.com/panjf2000/ants/v2"
	"github.com/pkg/errors"
	"github.com/talkincode/whatsgate/internal/session"
	"github.com/talkincode/whatsgate/internal/waproto"
	"go.uber.org/zap"
)

// Bus topics published by the service.
const (
	TopicPaired    = "gateway.paired"
	TopicLoggedOut = "gateway.logged_out"
	TopicSent      = "gateway.sent"
)

type Config struct {
	// RequestTimeout bounds a whole request, retries included.
	RequestTimeout time.Duration
	// SettleDelay is the post-open wait before pairing-code requests and
	// message sends.
	SettleDelay time.Duration
	// RetryDelay separates pairing reconnect attempts.
	RetryDelay time.Duration
	// MaxRetries caps reconnects after transient closes during pairing.
	MaxRetries int
	// Workers bounds concurrent requests.
	Workers int
}

func (c *Config) normalize() {
	if c.RequestTimeout <= 0 {
		c.RequestTimeout = 25 * time.Second
	}
	if c.SettleDelay <= 0 {
		c.SettleDelay = 3 * time.Second
	}
	if c.RetryDelay <= 0 {
		c.RetryDelay = 3 * time.Second
	}
	if c.MaxRetries <= 0 {
		c.MaxRetries = 5
	}
	if c.Workers <= 0 {
		c.Workers = 64
	}
}

// DevicePurger is implemented by dialers that keep per-tenant device
// records of their own (the whatsmeow sqlstore does).
type DevicePurger interface {
	Purge(ctx context.Context, number string) error
}

type Service struct {
	store  session.Store
	dialer waproto.Dialer
	media  *MediaFetcher
	bus    EventBus.Bus
	cfg    Config
	pool   *ants.Pool
}

func NewService(store session.Store, dialer waproto.Dialer, bus EventBus.Bus, cfg Config) (*Service, error) {
	cfg.normalize()
	pool, err := ants.NewPool(cfg.Workers, ants.WithNonblocking(true))
	if err != nil {
		return nil, errors.Wrap(err, "gateway: worker pool init")
	}
	return &Service{
		store:  store,
		dialer: dialer,
		media:  NewMediaFetcher(cfg.RequestTimeout / 2),
		bus:    bus,
		cfg:    cfg,
		pool:   pool,
	}, nil
}

func (s *Service) Release() {
	if s.pool != nil {
		s.pool.Release()
	}
}

func (s *Service) Store() session.Store {
	return s.store
}

// execute runs fn on the bounded pool; a saturated pool answers ErrBusy.
func (s *Service) execute(ctx context.Context, fn func(ctx context.Context) Outcome) (Outcome, error) {
	done := make(chan Outcome, 1)
	err := s.pool.Submit(func() {
		done <- fn(ctx)
	})
	if err != nil {
		if errors.Is(err, ants.ErrPoolOverload) {
			return Outcome{}, ErrBusy
		}
		return Outcome{}, errors.Wrap(err, "gateway: submit failed")
	}
	return <-done, nil
}

// Pair runs the pairing flow for one tenant and resolves with a pairing
// code, an already-paired notice, or a failure.
func (s *Service) Pair(ctx context.Context, number string) (Outcome, error) {
	return s.execute(ctx, func(ctx context.Context) Outcome {
		return s.pair(ctx, number)
	})
}

// Send runs the one-shot send flow. A non-empty imageURL requests an
// image message with text as caption; media trouble degrades to a
// text-only send.
func (s *Service) Send(ctx context.Context, number, to, text, imageURL string) (Outcome, error) {
	return s.execute(ctx, func(ctx context.Context) Outcome {
		return s.send(ctx, number, to, text, imageURL)
	})
}

// HasSession reports whether the tenant currently has a stored session.
func (s *Service) HasSession(ctx context.Context, number string) bool {
	_, ok := s.store.Get(ctx, number)
	return ok
}

// DeleteSession removes the tenant's stored session and any device record
// the dialer keeps for it.
func (s *Service) DeleteSession(ctx context.Context, number string) {
	s.store.Delete(ctx, number)
	if p, ok := s.dialer.(DevicePurger); ok {
		if err := p.Purge(ctx, number); err != nil {
			zap.L().Warn("gateway: device purge failed", zap.String("number", number), zap.Error(err))
		}
	}
}

func (s *Service) pair(ctx context.Context, number string) Outcome {
	ctx, cancel := context.WithTimeout(ctx, s.cfg.RequestTimeout)
	defer cancel()

	for attempt := 1; ; attempt++ {
		out := s.pairAttempt(ctx, number)
		if out.Kind != OutcomeClosed {
			s.logOutcome("pair", number, attempt, out)
			return out
		}
		if attempt > s.cfg.MaxRetries {
			zap.L().Warn("gateway: pairing gave up after transient closes",
				zap.String("number", number), zap.Int("attempts", attempt))
			return Outcome{Kind: OutcomeFailed, Err: errors.Wrapf(ErrTransient, "after %d attempts", attempt)}
		}
		select {
		case <-time.After(s.cfg.RetryDelay):
		case <-ctx.Done():
			return Outcome{Kind: OutcomeTimeout, Err: ErrTimeout}
		}
	}
}

func (s *Service) pairAttempt(ctx context.Context, number string) Outcome {
	saved, _ := s.store.Get(ctx, number)

	conn, err := s.dialer.Dial(ctx, number, saved)
	if err != nil {
		if errors.Is(err, waproto.ErrDeviceNotFound) {
			// the session row outlived its device record; drop the stale
			// row so the next attempt starts a fresh pairing
			zap.L().Warn("gateway: stale session, device record gone", zap.String("number", number))
			s.store.Delete(ctx, number)
		}
		zap.L().Warn("gateway: dial failed", zap.String("number", number), zap.Error(err))
		return Outcome{Kind: OutcomeClosed, Err: errors.Wrap(ErrTransient, err.Error())}
	}

	res := newResolver()
	connClosed := make(chan struct{})
	var closeOnce sync.Once
	markClosed := func() { closeOnce.Do(func() { close(connClosed) }) }

	conn.OnEvent(func(evt interface{}) {
		switch e := evt.(type) {
		case waproto.ConnectedEvent:
			// persistence outlives the request, so never use the request ctx here
			s.store.Put(context.Background(), number, conn.Snapshot())
			if conn.Registered() {
				res.resolve(Outcome{Kind: OutcomeAlreadyPaired})
			}
		case waproto.CredentialsEvent:
			s.store.Put(context.Background(), number, conn.Snapshot())
		case waproto.DisconnectedEvent:
			markClosed()
			if e.Reason.Terminal() {
				s.store.Delete(context.Background(), number)
				s.publish(TopicLoggedOut, number)
				res.resolve(Outcome{Kind: OutcomeLoggedOut, Err: ErrTerminalLogout})
			} else {
				res.resolve(Outcome{Kind: OutcomeClosed, Err: ErrTransient})
			}
		}
	})

	if err := conn.Connect(); err != nil {
		zap.L().Warn("gateway: connect failed", zap.String("number", number), zap.Error(err))
		conn.Disconnect()
		return Outcome{Kind: OutcomeClosed, Err: errors.Wrap(ErrTransient, err.Error())}
	}

	if !conn.Registered() {
		go func() {
			select {
			case <-time.After(s.cfg.SettleDelay):
			case <-ctx.Done():
				return
			}
			code, err := conn.RequestPairingCode(ctx, number)
			if err != nil {
				res.resolve(Outcome{Kind: OutcomeFailed, Err: err})
				return
			}
			s.publish(TopicPaired, number)
			res.resolve(Outcome{Kind: OutcomePaired, PairingCode: code})
		}()
	}

	select {
	case out := <-res.ch:
		if out.Kind == OutcomePaired {
			s.holdForHandshake(ctx, conn, number, connClosed)
		} else {
			conn.Disconnect()
		}
		return out
	case <-ctx.Done():
		conn.Disconnect()
		return Outcome{Kind: OutcomeTimeout, Err: ErrTimeout}
	}
}

// holdForHandshake keeps a freshly paired connection open after the
// pairing code has been returned. The phone-side handshake completes
// over this same socket and the registered handler keeps persisting the
// credentials it produces; tearing down at resolution would strand the
// pairing. The hold ends at the request's wall-clock deadline or when
// the socket closes on its own.
func (s *Service) holdForHandshake(ctx context.Context, conn waproto.Conn, number string, connClosed <-chan struct{}) {
	wait := s.cfg.RequestTimeout
	if deadline, ok := ctx.Deadline(); ok {
		wait = time.Until(deadline)
	}
	go func() {
		defer conn.Disconnect()
		timer := time.NewTimer(wait)
		defer timer.Stop()
		select {
		case <-timer.C:
		case <-connClosed:
		}
		zap.L().Info("gateway: pairing hold released", zap.String("number", number))
	}()
}

func (s *Service) send(ctx context.Context, number, to, text, imageURL string) Outcome {
	ctx, cancel := context.WithTimeout(ctx, s.cfg.RequestTimeout)
	defer cancel()

	saved, ok := s.store.Get(ctx, number)
	if !ok {
		return Outcome{Kind: OutcomeFailed, Err: ErrSessionNotFound}
	}

	conn, err := s.dialer.Dial(ctx, number, saved)
	if err != nil {
		if errors.Is(err, waproto.ErrDeviceNotFound) {
			// stale row: without a device record the session cannot send
			zap.L().Warn("gateway: stale session, device record gone", zap.String("number", number))
			s.store.Delete(ctx, number)
			return Outcome{Kind: OutcomeFailed, Err: ErrSessionNotFound}
		}
		zap.L().Warn("gateway: dial failed", zap.String("number", number), zap.Error(err))
		return Outcome{Kind: OutcomeFailed, Err: errors.Wrap(ErrTransient, err.Error())}
	}
	defer conn.Disconnect()

	res := newResolver()
	conn.OnEvent(func(evt interface{}) {
		switch e := evt.(type) {
		case waproto.ConnectedEvent:
			s.store.Put(context.Background(), number, conn.Snapshot())
			go s.deliver(ctx, conn, number, to, text, imageURL, res)
		case waproto.CredentialsEvent:
			s.store.Put(context.Background(), number, conn.Snapshot())
		case waproto.DisconnectedEvent:
			if e.Reason.Terminal() {
				s.store.Delete(context.Background(), number)
				s.publish(TopicLoggedOut, number)
				res.resolve(Outcome{Kind: OutcomeLoggedOut, Err: ErrTerminalLogout})
			} else {
				res.resolve(Outcome{Kind: OutcomeFailed, Err: ErrTransient})
			}
		}
	})

	if err := conn.Connect(); err != nil {
		zap.L().Warn("gateway: connect failed", zap.String("number", number), zap.Error(err))
		return Outcome{Kind: OutcomeFailed, Err: errors.Wrap(ErrTransient, err.Error())}
	}

	select {
	case out := <-res.ch:
		s.logOutcome("send", number, 1, out)
		return out
	case <-ctx.Done():
		return Outcome{Kind: OutcomeTimeout, Err: ErrTimeout}
	}
}

// deliver performs the actual message send once the connection settled.
func (s *Service) deliver(ctx context.Context, conn waproto.Conn, number, to, text, imageURL string, res *resolver) {
	select {
	case <-time.After(s.cfg.SettleDelay):
	case <-ctx.Done():
		return
	}

	note := ""
	if imageURL != "" {
		img, err := s.media.Fetch(ctx, imageURL)
		if err != nil {
			zap.L().Warn("gateway: image download failed, sending text only",
				zap.String("number", number), zap.String("url", imageURL), zap.Error(err))
			note = "image unavailable, sent text only"
		} else if err := conn.SendImage(ctx, to, img, text); err != nil {
			zap.L().Warn("gateway: image send failed, sending text only",
				zap.String("number", number), zap.Error(err))
			note = "image send failed, sent text only"
		} else {
			s.publish(TopicSent, number)
			res.resolve(Outcome{Kind: OutcomeSent})
			return
		}
	}

	if err := conn.SendText(ctx, to, text); err != nil {
		res.resolve(Outcome{Kind: OutcomeFailed, Err: err})
		return
	}
	s.publish(TopicSent, number)
	res.resolve(Outcome{Kind: OutcomeSent, Note: note})
}

func (s *Service) publish(topic, number string) {
	if s.bus != nil {
		s.bus.Publish(topic, number)
	}
}

func (s *Service) logOutcome(op, number string, attempts int, out Outcome) {
	fields := []zap.Field{
		zap.String("op", op),
		zap.String("number", number),
		zap.Int("attempts", attempts),
		zap.String("outcome", out.Kind.String()),
	}
	if out.Err != nil {
		fields = append(fields, zap.Error(out.Err))
		zap.L().Warn("gateway: request resolved", fields...)
		return
	}
	zap.L().Info("gateway: request resolved", fields...)
}
