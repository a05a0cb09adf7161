package progress

import (
	"context"
	"encoding/json"
	"log/slog"

	"github.com/nats-io/nats.go"

	"assessment-runner/internal/models"
)

// Publisher sends raw messages; *nats.Conn satisfies it.
type Publisher interface {
	Publish(subject string, data []byte) error
}

// ConnectNATS dials the event bus used for progress broadcasts.
func ConnectNATS(url string) (*nats.Conn, error) {
	return nats.Connect(url, nats.Name("assessment-runner"), nats.ErrorHandler(logAsyncError))
}

func logAsyncError(_ *nats.Conn, sub *nats.Subscription, err error) {
	subject := ""
	if sub != nil {
		subject = sub.Subject
	}
	slog.Warn("progress.nats.async_error", "subject", subject, "error", err)
}

// Publishing wraps a Store and broadcasts the record after every write so
// listeners need not poll. Publish failures never fail the write.
type Publishing struct {
	Store
	pub     Publisher
	subject string
	logger  *slog.Logger
}

// NewPublishing publishes on assessment.progress.<documentID>.
func NewPublishing(inner Store, pub Publisher, documentID string, logger *slog.Logger) *Publishing {
	if logger == nil {
		logger = slog.Default()
	}
	return &Publishing{Store: inner, pub: pub, subject: "assessment.progress." + documentID, logger: logger}
}

func (p *Publishing) Start(ctx context.Context) error {
	return p.after(ctx, p.Store.Start(ctx))
}

func (p *Publishing) Update(ctx context.Context, step int, message string) error {
	return p.after(ctx, p.Store.Update(ctx, step, message))
}

func (p *Publishing) UpdateMessage(ctx context.Context, message string) error {
	return p.after(ctx, p.Store.UpdateMessage(ctx, message))
}

func (p *Publishing) Complete(ctx context.Context) error {
	return p.after(ctx, p.Store.Complete(ctx))
}

func (p *Publishing) LogError(ctx context.Context, message string) error {
	return p.after(ctx, p.Store.LogError(ctx, message))
}

func (p *Publishing) Clear(ctx context.Context) error {
	return p.after(ctx, p.Store.Clear(ctx))
}

func (p *Publishing) after(ctx context.Context, writeErr error) error {
	if writeErr != nil {
		return writeErr
	}
	rec, err := p.Store.Read(ctx)
	if err != nil {
		p.logger.Warn("progress.publish.read_error", "error", err)
		return nil
	}
	p.publish(rec)
	return nil
}

func (p *Publishing) publish(rec models.ProgressRecord) {
	data, err := json.Marshal(rec)
	if err != nil {
		p.logger.Warn("progress.publish.encode_error", "error", err)
		return
	}
	if err := p.pub.Publish(p.subject, data); err != nil {
		p.logger.Warn("progress.publish.error", "subject", p.subject, "error", err)
	}
}
