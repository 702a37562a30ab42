package publisher

import (
	"context"
	"errors"
	"time"

	"github.com/escooter/rentrelay/libs/natsx"
	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
)

type msgPublisher interface {
	PublishMsg(ctx context.Context, msg *nats.Msg, opts ...jetstream.PublishOpt) (*jetstream.PubAck, error)
}

// JetStream publishes to a subject captured by a JetStream stream and waits for
// the stream's ack. Message.ID becomes the Nats-Msg-Id, so redelivered relays
// inside the stream's duplicate window are stored once.
type JetStream struct {
	js      msgPublisher
	timeout time.Duration
}

func NewJetStream(js jetstream.JetStream, timeout time.Duration) *JetStream {
	return &JetStream{js: js, timeout: timeout}
}

func (p *JetStream) Send(ctx context.Context, destination string, msg Message) (Ack, error) {
	if p.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, p.timeout)
		defer cancel()
	}

	m := &nats.Msg{
		Subject: destination,
		Data:    msg.Value,
		Header:  natsx.HeadersFromMap(msg.Headers),
	}
	natsx.InjectTraceHeaders(ctx, m.Header)

	var opts []jetstream.PublishOpt
	if msg.ID != "" {
		opts = append(opts, jetstream.WithMsgID(msg.ID))
	}

	start := time.Now()
	ack, err := p.js.PublishMsg(ctx, m, opts...)
	observe("nats", start, err)
	if err != nil {
		return Ack{}, &Error{Destination: destination, Rejected: natsRejected(err), Err: err}
	}
	return Ack{Destination: destination, Sequence: ack.Sequence, Duplicate: ack.Duplicate}, nil
}

func natsRejected(err error) bool {
	if errors.Is(err, nats.ErrMaxPayload) || errors.Is(err, nats.ErrBadSubject) {
		return true
	}
	var jsErr jetstream.JetStreamError
	if errors.As(err, &jsErr) {
		if apiErr := jsErr.APIError(); apiErr != nil && apiErr.Code == 400 {
			return true
		}
	}
	return false
}
