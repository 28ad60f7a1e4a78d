// Package analyzer sends collected documents to an OpenAI-compatible
// backend and turns replies into validated verdicts.
package analyzer

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/opsintel/intelhub/internal/intel"
	"github.com/opsintel/intelhub/internal/keypool"
)

// Config controls Client behavior.
type Config struct {
	Timeout     time.Duration
	MaxRPS      float64
	AuditPrefix string
}

// Client is an intel.Analyzer backed by a rotating key pool.
type Client struct {
	pool   *keypool.Pool
	httpc  *http.Client
	audit  intel.BlobStore
	clock  intel.Clock
	cfg    Config
	logger *zap.Logger

	mu       sync.Mutex
	limiters map[string]*rate.Limiter
}

// New constructs a Client. audit may be nil to skip conversation records.
func New(pool *keypool.Pool, audit intel.BlobStore, clock intel.Clock, cfg Config, logger *zap.Logger) *Client {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 90 * time.Second
	}
	if cfg.AuditPrefix == "" {
		cfg.AuditPrefix = "conversations"
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Client{
		pool:     pool,
		httpc:    &http.Client{Timeout: cfg.Timeout},
		audit:    audit,
		clock:    clock,
		cfg:      cfg,
		logger:   logger,
		limiters: make(map[string]*rate.Limiter),
	}
}

// limiterFor paces calls per endpoint, so one slow backend does not
// throttle the others. Returns nil when pacing is disabled.
func (c *Client) limiterFor(endpoint string) *rate.Limiter {
	if c.cfg.MaxRPS <= 0 {
		return nil
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	l, ok := c.limiters[endpoint]
	if !ok {
		l = rate.NewLimiter(rate.Limit(c.cfg.MaxRPS), 1)
		c.limiters[endpoint] = l
	}
	return l
}

type chatRequest struct {
	Model       string        `json:"model"`
	Messages    []chatMessage `json:"messages"`
	Temperature float64       `json:"temperature"`
}

type chatResponse struct {
	Choices []struct {
		Message struct {
			Content string `json:"content"`
		} `json:"message"`
	} `json:"choices"`
}

type completion struct {
	text     string
	identity string
	messages []chatMessage
}

// Analyze runs at most two backend calls for the item: the initial attempt
// and, if its reply fails validation, one reformat nudge. A reply that
// still fails after the nudge yields a MalformedOutputError.
func (c *Client) Analyze(ctx context.Context, item intel.RawItem) (intel.Verdict, error) {
	first, err := c.complete(ctx, item, "")
	if err != nil {
		return intel.Verdict{}, err
	}
	c.recordConversation(ctx, item, 1, first)

	verdict, perr := ParseVerdict(first.text)
	if perr == nil {
		return c.finish(item, verdict, first), nil
	}
	c.logger.Warn("model reply rejected, sending reformat nudge",
		zap.String("item_id", item.ID),
		zap.Error(perr))

	second, err := c.complete(ctx, item, first.text)
	if err != nil {
		return intel.Verdict{}, err
	}
	c.recordConversation(ctx, item, 2, second)

	verdict, perr = ParseVerdict(second.text)
	if perr != nil {
		return intel.Verdict{}, perr
	}
	return c.finish(item, verdict, second), nil
}

func (c *Client) finish(item intel.RawItem, v intel.Verdict, comp completion) intel.Verdict {
	v.RawItemID = item.ID
	v.ServiceIdentity = comp.identity
	return v
}

// complete performs one backend call with a leased key.
func (c *Client) complete(ctx context.Context, item intel.RawItem, priorReply string) (completion, error) {
	lease, err := c.pool.Acquire()
	if err != nil {
		return completion{}, err
	}

	if limiter := c.limiterFor(lease.Key.Endpoint); limiter != nil {
		if err := limiter.Wait(ctx); err != nil {
			lease.Release(keypool.OutcomeSuccess)
			return completion{}, fmt.Errorf("rate limit wait: %w", err)
		}
	}

	messages := buildMessages(item, priorReply)
	body, err := json.Marshal(chatRequest{
		Model:       lease.Key.Model,
		Messages:    messages,
		Temperature: 0.2,
	})
	if err != nil {
		lease.Release(keypool.OutcomeSuccess)
		return completion{}, fmt.Errorf("marshal chat request: %w", err)
	}

	url := lease.Key.Endpoint + "/chat/completions"
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		lease.Release(keypool.OutcomeSuccess)
		return completion{}, fmt.Errorf("build chat request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+lease.Key.Credential)

	resp, err := c.httpc.Do(req)
	if err != nil {
		lease.Release(keypool.OutcomeHardFailure)
		return completion{}, &intel.TransportError{Err: err}
	}
	defer resp.Body.Close() //nolint:errcheck

	switch {
	case resp.StatusCode == http.StatusTooManyRequests:
		lease.Release(keypool.OutcomeRateLimited)
		return completion{}, &intel.TransportError{Err: fmt.Errorf("key %s rate limited", lease.Key.Name)}
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		lease.Release(keypool.OutcomeAuthFailure)
		return completion{}, &intel.TransportError{Err: fmt.Errorf("key %s rejected: status %d", lease.Key.Name, resp.StatusCode)}
	case resp.StatusCode != http.StatusOK:
		lease.Release(keypool.OutcomeHardFailure)
		return completion{}, &intel.TransportError{Err: fmt.Errorf("backend status %d", resp.StatusCode)}
	}

	data, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	if err != nil {
		lease.Release(keypool.OutcomeHardFailure)
		return completion{}, &intel.TransportError{Err: fmt.Errorf("read response: %w", err)}
	}

	var chat chatResponse
	if err := json.Unmarshal(data, &chat); err != nil {
		lease.Release(keypool.OutcomeHardFailure)
		return completion{}, &intel.TransportError{Err: fmt.Errorf("decode response: %w", err)}
	}
	if len(chat.Choices) == 0 {
		lease.Release(keypool.OutcomeHardFailure)
		return completion{}, &intel.TransportError{Err: fmt.Errorf("backend returned no choices")}
	}

	lease.Release(keypool.OutcomeSuccess)
	return completion{
		text:     chat.Choices[0].Message.Content,
		identity: lease.Key.Name + "/" + lease.Key.Model,
		messages: messages,
	}, nil
}

type conversationRecord struct {
	ItemID    string        `json:"item_id"`
	Attempt   int           `json:"attempt"`
	Identity  string        `json:"identity"`
	Messages  []chatMessage `json:"messages"`
	Reply     string        `json:"reply"`
	Timestamp time.Time     `json:"timestamp"`
}

// recordConversation writes an audit blob per attempt: the full composed
// conversation (instruction contract, document, any nudge) plus the raw
// reply. Failures are logged, never surfaced; auditing must not affect the
// verdict.
func (c *Client) recordConversation(ctx context.Context, item intel.RawItem, attempt int, comp completion) {
	if c.audit == nil {
		return
	}
	now := c.clock.Now()
	rec := conversationRecord{
		ItemID:    item.ID,
		Attempt:   attempt,
		Identity:  comp.identity,
		Messages:  comp.messages,
		Reply:     comp.text,
		Timestamp: now,
	}
	data, err := json.Marshal(rec)
	if err != nil {
		c.logger.Warn("marshal conversation record", zap.Error(err))
		return
	}
	path := fmt.Sprintf("%s/%s/%s-%d.json", c.cfg.AuditPrefix, now.UTC().Format("2006-01-02"), item.ID, attempt)
	if _, err := c.audit.PutObject(ctx, path, "application/json", data); err != nil {
		c.logger.Warn("write conversation record",
			zap.String("item_id", item.ID),
			zap.Error(err))
	}
}
