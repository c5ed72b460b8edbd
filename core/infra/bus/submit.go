package bus

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/cordum/stagehand/core/infra/logging"
	"github.com/cordum/stagehand/core/retry"
	"github.com/cordum/stagehand/core/workflow"
	"github.com/nats-io/nats.go"
)

const (
	// DefaultSubmitSubject is the request/reply subject run submissions travel on.
	DefaultSubmitSubject = "stagehand.runs.submit"
	// SubmitQueue load-balances submissions across engine processes.
	SubmitQueue = "stagehand-engine"

	defaultRequestTimeout = 5 * time.Second
)

// submitReply is the JSON reply to a submission request.
type submitReply struct {
	RunID        string         `json:"run_id,omitempty"`
	Error        string         `json:"error,omitempty"`
	Category     retry.Category `json:"category,omitempty"`
	RetryAfterMs int64          `json:"retry_after_ms,omitempty"`
}

type requester interface {
	RequestWithContext(ctx context.Context, subj string, data []byte) (*nats.Msg, error)
}

// NatsSubmitter hands runs to a remote engine over NATS request/reply.
type NatsSubmitter struct {
	conn    requester
	subject string
	timeout time.Duration
}

// NewNatsSubmitter submits on subject, or DefaultSubmitSubject when empty. A non-positive timeout
// uses 5s unless ctx already carries a deadline.
func NewNatsSubmitter(b *NatsBus, subject string, timeout time.Duration) (*NatsSubmitter, error) {
	if b == nil || b.nc == nil {
		return nil, errNilBus
	}
	return newNatsSubmitter(b.nc, subject, timeout), nil
}

func newNatsSubmitter(conn requester, subject string, timeout time.Duration) *NatsSubmitter {
	if strings.TrimSpace(subject) == "" {
		subject = DefaultSubmitSubject
	}
	if timeout <= 0 {
		timeout = defaultRequestTimeout
	}
	return &NatsSubmitter{conn: conn, subject: subject, timeout: timeout}
}

func (s *NatsSubmitter) Submit(ctx context.Context, req workflow.SubmitRequest) (string, error) {
	payload, err := json.Marshal(req)
	if err != nil {
		return "", retry.Categorize(fmt.Errorf("encode submission: %w", err), retry.CategoryInternal)
	}
	if _, ok := ctx.Deadline(); !ok {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.timeout)
		defer cancel()
	}
	msg, err := s.conn.RequestWithContext(ctx, s.subject, payload)
	if err != nil {
		category := retry.CategoryDependency
		if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, nats.ErrTimeout) {
			category = retry.CategoryTimeout
		}
		return "", retry.Categorize(fmt.Errorf("submit %s %s: %w", req.Kind, req.Name, err), category)
	}
	return decodeReply(msg.Data)
}

func decodeReply(data []byte) (string, error) {
	var reply submitReply
	if err := json.Unmarshal(data, &reply); err != nil {
		return "", retry.Categorize(fmt.Errorf("decode submission reply: %w", err), retry.CategoryInternal)
	}
	if reply.Error != "" {
		category := reply.Category
		if !category.Valid() {
			category = retry.CategoryInternal
		}
		err := retry.Categorize(errors.New(reply.Error), category)
		if reply.RetryAfterMs > 0 {
			err = retry.After(err, time.Duration(reply.RetryAfterMs)*time.Millisecond)
		}
		return "", err
	}
	if reply.RunID == "" {
		return "", retry.Categorize(errors.New("submission reply without run id"), retry.CategoryInternal)
	}
	return reply.RunID, nil
}

// ServeSubmissions answers submission requests on subject by passing them to sub. Requests are
// load-balanced across every process subscribed with SubmitQueue.
func ServeSubmissions(ctx context.Context, b *NatsBus, subject string, sub workflow.Submitter) (*nats.Subscription, error) {
	if b == nil || b.nc == nil {
		return nil, errNilBus
	}
	if sub == nil {
		return nil, errors.New("nil submitter")
	}
	if strings.TrimSpace(subject) == "" {
		return nil, errEmptyTopic
	}
	return b.nc.QueueSubscribe(subject, SubmitQueue, func(msg *nats.Msg) {
		reqCtx, cancel := context.WithTimeout(ctx, defaultRequestTimeout)
		defer cancel()
		reply := handleSubmission(reqCtx, sub, msg.Data)
		if msg.Reply == "" {
			return
		}
		if err := msg.Respond(reply); err != nil {
			logging.Error(component, "submission reply failed", "subject", msg.Subject, "error", err)
		}
	})
}

func handleSubmission(ctx context.Context, sub workflow.Submitter, data []byte) []byte {
	var req workflow.SubmitRequest
	var reply submitReply
	if err := json.Unmarshal(data, &req); err != nil {
		reply = submitReply{Error: "decode submission: " + err.Error(), Category: retry.CategoryConfiguration}
	} else if req.Name == "" {
		reply = submitReply{Error: "submission name required", Category: retry.CategoryConfiguration}
	} else if runID, err := sub.Submit(ctx, req); err != nil {
		reply = submitReply{Error: err.Error(), Category: retry.CategoryOf(err)}
		if delay, ok := retry.DelayHint(err); ok {
			reply.RetryAfterMs = delay.Milliseconds()
		}
		logging.Warn(component, "submission rejected", "kind", req.Kind, "name", req.Name, "error", err)
	} else {
		reply = submitReply{RunID: runID}
		logging.Info(component, "submission accepted", "kind", req.Kind, "name", req.Name, "run_id", runID, "trigger", req.Trigger)
	}
	out, err := json.Marshal(reply)
	if err != nil {
		return []byte(`{"error":"encode reply","category":"internal"}`)
	}
	return out
}
