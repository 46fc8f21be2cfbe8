package engine

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/casevia/flowtrace/internal/clock"
	"github.com/casevia/flowtrace/internal/observability"
	"github.com/casevia/flowtrace/model"
)

// Mailer delivers outgoing email.
type Mailer interface {
	SendEmail(ctx context.Context, email *model.EmailPart) error
}

// SMSSender delivers outgoing SMS.
type SMSSender interface {
	SendSMS(ctx context.Context, sms *model.SMSPart) error
}

// WebserviceClient performs outgoing webservice calls.
type WebserviceClient interface {
	Call(ctx context.Context, url string, payload map[string]any) (status int, body string, err error)
}

// Env is the execution environment threaded explicitly through every
// evaluator call: time source, actor directory, persistence, delivery
// collaborators, observability, and (during test replay) side-effect sinks.
// When Sinks is set, side effects are captured instead of delivered.
type Env struct {
	Clock clock.Clock
	Users model.UserDirectory
	Store RecordStore

	Mailer     Mailer
	SMS        SMSSender
	Webservice WebserviceClient

	Sinks *Sinks

	Logger  *zap.Logger
	Metrics *observability.Metrics
}

func (e *Env) now() time.Time {
	if e.Clock == nil {
		return time.Now()
	}
	return e.Clock.Now()
}

// log resolves the logger for the call: a context logger wins over the
// environment one, and trace correlation fields are attached when the
// context carries an active span.
func (e *Env) log(ctx context.Context) *zap.Logger {
	return observability.ContextLogger(ctx, e.Logger)
}

func (e *Env) userByID(id string) (*model.User, bool) {
	if e.Users == nil {
		return nil, false
	}
	return e.Users.UserByID(id)
}
