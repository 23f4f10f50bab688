package service

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/cenkalti/backoff/v5"
	"github.com/smallbiznis/bizsuite/internal/clock"
	"github.com/smallbiznis/bizsuite/internal/config"
	"github.com/smallbiznis/bizsuite/internal/credit/domain"
	entitydomain "github.com/smallbiznis/bizsuite/internal/entity/domain"
	"github.com/smallbiznis/bizsuite/internal/events"
	journaldomain "github.com/smallbiznis/bizsuite/internal/journal/domain"
	obscontext "github.com/smallbiznis/bizsuite/internal/observability/context"
	obslogger "github.com/smallbiznis/bizsuite/internal/observability/logger"
	obsmetrics "github.com/smallbiznis/bizsuite/internal/observability/metrics"
	"github.com/smallbiznis/bizsuite/pkg/db"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

var tracer = otel.Tracer("github.com/smallbiznis/bizsuite/internal/credit")

// startSpan tags ctx with the tenant before opening the span so both the span
// processor and the context logger pick it up.
func startSpan(ctx context.Context, name string, tenantID snowflake.ID, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	if tenantID != 0 {
		ctx = obscontext.WithTenantID(ctx, tenantID.String())
	}
	return tracer.Start(ctx, name, trace.WithAttributes(attrs...))
}

const (
	defaultMaxRetries      = 5
	defaultInitialInterval = 20 * time.Millisecond
	defaultMaxInterval     = 500 * time.Millisecond
)

type Params struct {
	fx.In

	DB       *gorm.DB
	Log      *zap.Logger
	GenID    *snowflake.Node
	Clock    clock.Clock
	Config   config.Config
	Policy   *config.CreditPolicyHolder
	Repo     domain.Repository
	Entities entitydomain.Resolver
	Journal  journaldomain.Service
	Outbox   *events.Outbox
	Metrics  *obsmetrics.Metrics `optional:"true"`
}

type Service struct {
	db       *gorm.DB
	log      *zap.Logger
	genID    *snowflake.Node
	clock    clock.Clock
	cfg      config.CreditConfig
	policy   *config.CreditPolicyHolder
	repo     domain.Repository
	entities entitydomain.Resolver
	journal  journaldomain.Service
	outbox   *events.Outbox
	metrics  *obsmetrics.Metrics
}

func NewService(p Params) domain.Service {
	return &Service{
		db:       p.DB,
		log:      p.Log.Named("credit.service"),
		genID:    p.GenID,
		clock:    p.Clock,
		cfg:      p.Config.Credit,
		policy:   p.Policy,
		repo:     p.Repo,
		entities: p.Entities,
		journal:  p.Journal,
		outbox:   p.Outbox,
		metrics:  p.Metrics,
	}
}

// logger adds the request, actor and trace ids carried by ctx.
func (s *Service) logger(ctx context.Context) *zap.Logger {
	return obslogger.WithContext(ctx, s.log)
}

func (s *Service) now() time.Time {
	return s.clock.Now().UTC()
}

// resolveEntityTx maps a zero entity id to the tenant root and verifies that
// any other id belongs to the tenant.
func (s *Service) resolveEntityTx(ctx context.Context, tx *gorm.DB, tenantID, entityID snowflake.ID) (*entitydomain.Entity, error) {
	var (
		entity *entitydomain.Entity
		err    error
	)
	if entityID == 0 {
		entity, err = s.entities.RootTx(ctx, tx, tenantID)
	} else {
		entity, err = s.entities.GetTx(ctx, tx, tenantID, entityID)
	}
	switch {
	case err == nil:
		return entity, nil
	case errors.Is(err, entitydomain.ErrEntityNotFound), errors.Is(err, entitydomain.ErrRootNotFound):
		return nil, &domain.EntityNotFoundError{TenantID: tenantID, EntityID: entityID}
	case errors.Is(err, entitydomain.ErrInvalidTenant):
		return nil, domain.NewValidationError("tenant_id", "is required")
	default:
		return nil, err
	}
}

// withRetry reruns fn on write conflicts with exponential backoff. Any other
// error stops the loop and is returned as is.
func withRetry[T any](ctx context.Context, s *Service, fn func() (T, error)) (T, error) {
	maxTries := s.cfg.ConsumeMaxRetries
	if maxTries <= 0 {
		maxTries = defaultMaxRetries
	}
	exp := backoff.NewExponentialBackOff()
	exp.InitialInterval = durationOr(s.cfg.RetryInitialInterval, defaultInitialInterval)
	exp.MaxInterval = durationOr(s.cfg.RetryMaxInterval, defaultMaxInterval)

	return backoff.Retry(ctx, func() (T, error) {
		result, err := fn()
		if err == nil {
			return result, nil
		}
		if reason, ok := retryReason(err); ok {
			s.metrics.RecordConsumeRetry(ctx, reason)
			s.logger(ctx).Debug("retrying credit transaction", zap.String("reason", reason), zap.Error(err))
			return result, err
		}
		return result, backoff.Permanent(err)
	}, backoff.WithBackOff(exp), backoff.WithMaxTries(uint(maxTries)))
}

func retryReason(err error) (string, bool) {
	switch {
	case errors.Is(err, domain.ErrConcurrentUpdate):
		return "concurrent_update", true
	case db.IsCheckViolation(err):
		return "check_violation", true
	case db.IsSerializationFailure(err):
		return "serialization_failure", true
	case db.IsDeadlock(err):
		return "deadlock", true
	case db.IsRetryable(err):
		return "lock_contention", true
	default:
		return "", false
	}
}

func durationOr(value, fallback time.Duration) time.Duration {
	if value <= 0 {
		return fallback
	}
	return value
}

func optionalString(value string) *string {
	value = strings.TrimSpace(value)
	if value == "" {
		return nil
	}
	return &value
}

func outcomeFor(err error) string {
	switch {
	case err == nil:
		return obsmetrics.OutcomeSuccess
	case errors.Is(err, domain.ErrInsufficientCredits):
		return obsmetrics.OutcomeInsufficient
	case errors.Is(err, domain.ErrValidation), errors.Is(err, domain.ErrEntityNotFound):
		return obsmetrics.OutcomeInvalid
	default:
		return obsmetrics.OutcomeError
	}
}
