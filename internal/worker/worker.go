// Package worker serves synthesis requests over NATS request/reply.
package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/book-expert/events"
	"github.com/book-expert/logger"
	"github.com/google/uuid"
	"github.com/nats-io/nats.go"

	"github.com/book-expert/spark-tts-worker/internal/orchestrator"
	"github.com/book-expert/spark-tts-worker/internal/params"
	"github.com/book-expert/spark-tts-worker/internal/ttserr"
)

// DefaultQueueGroup load-balances requests across worker replicas.
const DefaultQueueGroup = "spark-tts-workers"

const opDecode = "decode_event"

var (
	// ErrSubjectEmpty indicates a worker without a request subject.
	ErrSubjectEmpty = errors.New("request subject cannot be empty")
	// ErrNilConnection indicates a worker without a NATS connection.
	ErrNilConnection = errors.New("nats connection cannot be nil")
)

// SynthesisRequestEvent is the request message.
type SynthesisRequestEvent struct {
	Header events.EventHeader `json:"header"`
	Input  params.RawRequest  `json:"input"`
}

// SynthesisResultEvent is the reply message.
type SynthesisResultEvent struct {
	Header events.EventHeader    `json:"header"`
	Output orchestrator.Response `json:"output"`
}

// Handler runs one request to an envelope.
type Handler interface {
	Handle(ctx context.Context, jobID string, raw params.RawRequest) orchestrator.Response
}

// NatsWorker answers requests on a NATS subject through a queue group. The
// connection delivers one message at a time to the subscription.
type NatsWorker struct {
	natsConnection *nats.Conn
	subject        string
	queueGroup     string
	handler        Handler
	log            *logger.Logger
}

// NewNatsWorker creates a worker. An empty queueGroup uses DefaultQueueGroup.
func NewNatsWorker(
	natsConnection *nats.Conn,
	subject string,
	queueGroup string,
	handler Handler,
	log *logger.Logger,
) (*NatsWorker, error) {
	if natsConnection == nil {
		return nil, ErrNilConnection
	}

	if subject == "" {
		return nil, ErrSubjectEmpty
	}

	if queueGroup == "" {
		queueGroup = DefaultQueueGroup
	}

	return &NatsWorker{
		natsConnection: natsConnection,
		subject:        subject,
		queueGroup:     queueGroup,
		handler:        handler,
		log:            log,
	}, nil
}

// Run subscribes and serves until ctx is cancelled, then drains the
// subscription so an in-flight request still gets its reply.
func (w *NatsWorker) Run(ctx context.Context) error {
	sub, err := w.natsConnection.QueueSubscribe(w.subject, w.queueGroup, w.handleMessage)
	if err != nil {
		return fmt.Errorf("failed to subscribe to subject %s: %w", w.subject, err)
	}

	w.log.Info("Listening for synthesis requests on %s (queue %s)", w.subject, w.queueGroup)

	<-ctx.Done()

	drainErr := sub.Drain()
	if drainErr != nil {
		return fmt.Errorf("failed to drain subscription: %w", drainErr)
	}

	return nil
}

func (w *NatsWorker) handleMessage(msg *nats.Msg) {
	if msg.Reply == "" {
		w.log.Warn("Dropping message on %s without a reply subject", msg.Subject)

		return
	}

	event, err := parseEvent(msg.Data)

	var response orchestrator.Response

	if err != nil {
		w.log.Error("Failed to decode request event: %v", err)
		response = orchestrator.Failure(uuid.NewString(),
			ttserr.Wrap(ttserr.KindValidation, opDecode, "request is not a valid event", err).
				WithStage(ttserr.StageValidating))
	} else {
		response = w.handler.Handle(context.Background(), event.Header.WorkflowID, event.Input)
	}

	reply := &SynthesisResultEvent{
		Header: replyHeader(event.Header, response.JobID),
		Output: response,
	}

	err = w.publishReplyEvent(msg, reply)
	if err != nil {
		w.log.Error("Failed to publish reply for job %s: %v", response.JobID, err)
	}
}

// publishReplyEvent marshals and responds with the result event.
func (w *NatsWorker) publishReplyEvent(msg *nats.Msg, reply *SynthesisResultEvent) error {
	replyData, err := json.Marshal(reply)
	if err != nil {
		return fmt.Errorf("failed to marshal reply event: %w", err)
	}

	err = msg.Respond(replyData)
	if err != nil {
		return fmt.Errorf("failed to publish reply event: %w", err)
	}

	return nil
}

func parseEvent(data []byte) (SynthesisRequestEvent, error) {
	var event SynthesisRequestEvent

	err := json.Unmarshal(data, &event)
	if err != nil {
		return SynthesisRequestEvent{}, fmt.Errorf("failed to unmarshal event: %w", err)
	}

	return event, nil
}

// replyHeader keeps the caller's identity and stamps a fresh event.
func replyHeader(request events.EventHeader, jobID string) events.EventHeader {
	header := request
	if header.WorkflowID == "" {
		header.WorkflowID = jobID
	}

	header.EventID = uuid.NewString()
	header.Timestamp = time.Now().UTC()

	return header
}
