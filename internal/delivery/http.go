package delivery

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v5"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/signalsfoundry/fleet-emitter/internal/logging"
	"github.com/signalsfoundry/fleet-emitter/internal/observability"
	"github.com/signalsfoundry/fleet-emitter/model"
)

const (
	// RequestIDHeader carries the per-record request identifier.
	RequestIDHeader = "X-Request-ID"

	defaultTimeout        = 10 * time.Second
	defaultInitialBackoff = 500 * time.Millisecond
	defaultMaxBackoff     = 5 * time.Second
	maxResponseBody       = 4 << 10
)

// HTTPConfig configures an HTTPSender.
type HTTPConfig struct {
	Endpoint string
	Headers  map[string]string
	Codec    Codec
	// Timeout bounds each attempt.
	Timeout time.Duration
	// MaxRetries is the number of attempts after the first one.
	MaxRetries     int
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
	Client         *http.Client
	Logger         logging.Logger
}

// HTTPSender posts encoded records to a fixed endpoint.
type HTTPSender struct {
	cfg    HTTPConfig
	client *http.Client
	log    logging.Logger
	tracer trace.Tracer
}

// NewHTTPSender validates cfg and fills defaults.
func NewHTTPSender(cfg HTTPConfig) (*HTTPSender, error) {
	if strings.TrimSpace(cfg.Endpoint) == "" {
		return nil, fmt.Errorf("%w: endpoint is required", ErrDelivery)
	}
	if cfg.MaxRetries < 0 {
		return nil, fmt.Errorf("%w: max retries must be >= 0, got %d", ErrDelivery, cfg.MaxRetries)
	}
	if cfg.Codec == nil {
		cfg.Codec = JSONCodec{}
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = defaultTimeout
	}
	if cfg.InitialBackoff <= 0 {
		cfg.InitialBackoff = defaultInitialBackoff
	}
	if cfg.MaxBackoff <= 0 {
		cfg.MaxBackoff = defaultMaxBackoff
	}
	client := cfg.Client
	if client == nil {
		client = &http.Client{}
	}
	log := cfg.Logger
	if log == nil {
		log = logging.Noop()
	}
	return &HTTPSender{
		cfg:    cfg,
		client: client,
		log:    log,
		tracer: observability.Tracer(),
	}, nil
}

// Send posts rec, retrying transport errors, 429 and 5xx responses with
// exponential backoff. Other 4xx responses fail immediately.
func (s *HTTPSender) Send(ctx context.Context, rec model.Record) (Outcome, error) {
	ctx, requestID := logging.EnsureRequestID(ctx)
	ctx, span := s.tracer.Start(ctx, "delivery.Send", trace.WithAttributes(
		attribute.String("record.id", rec.ID),
		attribute.String("record.kind", string(rec.Kind)),
		attribute.String("codec", s.cfg.Codec.Name()),
	))
	defer span.End()

	log := s.log.With(
		logging.String("request_id", requestID),
		logging.String("record_id", rec.ID),
		logging.String("kind", string(rec.Kind)),
	)

	body, err := s.cfg.Codec.Marshal(rec)
	if err != nil {
		err = fmt.Errorf("%w: encode record: %v", ErrDelivery, err)
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return Outcome{}, err
	}

	attempts := 0
	operation := func() (Outcome, error) {
		attempts++
		out, err := s.post(ctx, body, requestID)
		out.Attempts = attempts
		return out, err
	}

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = s.cfg.InitialBackoff
	b.MaxInterval = s.cfg.MaxBackoff

	out, err := backoff.Retry(ctx, operation,
		backoff.WithBackOff(b),
		backoff.WithMaxTries(uint(s.cfg.MaxRetries+1)),
		backoff.WithNotify(func(err error, next time.Duration) {
			log.Warn(ctx, "delivery attempt failed; retrying",
				logging.Err(err),
				logging.Int("attempt", attempts),
				logging.Duration("backoff", next),
			)
		}),
	)
	out.Attempts = attempts
	span.SetAttributes(
		attribute.Int("http.status_code", out.StatusCode),
		attribute.Int("delivery.attempts", attempts),
	)
	if err != nil {
		if !errors.Is(err, ErrDelivery) {
			err = fmt.Errorf("%w: %w", ErrDelivery, err)
		}
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return out, err
	}

	log.Debug(ctx, "record delivered",
		logging.Int("status", out.StatusCode),
		logging.Int("attempts", attempts),
	)
	return out, nil
}

func (s *HTTPSender) post(ctx context.Context, body []byte, requestID string) (Outcome, error) {
	attemptCtx, cancel := context.WithTimeout(ctx, s.cfg.Timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(attemptCtx, http.MethodPost, s.cfg.Endpoint, bytes.NewReader(body))
	if err != nil {
		return Outcome{}, backoff.Permanent(fmt.Errorf("%w: build request: %v", ErrDelivery, err))
	}
	for k, v := range s.cfg.Headers {
		req.Header.Set(k, v)
	}
	req.Header.Set("Content-Type", s.cfg.Codec.ContentType())
	req.Header.Set(RequestIDHeader, requestID)

	resp, err := s.client.Do(req)
	if err != nil {
		return Outcome{}, err
	}
	defer resp.Body.Close()

	raw, _ := io.ReadAll(io.LimitReader(resp.Body, maxResponseBody))
	out := Outcome{StatusCode: resp.StatusCode, Body: string(raw)}

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		return out, nil
	case resp.StatusCode == http.StatusTooManyRequests:
		if secs, err := strconv.Atoi(resp.Header.Get("Retry-After")); err == nil && secs > 0 {
			return out, backoff.RetryAfter(secs)
		}
		return out, fmt.Errorf("%w: status %d", ErrDelivery, resp.StatusCode)
	case resp.StatusCode >= 500:
		return out, fmt.Errorf("%w: status %d", ErrDelivery, resp.StatusCode)
	default:
		return out, backoff.Permanent(fmt.Errorf("%w: status %d", ErrDelivery, resp.StatusCode))
	}
}
