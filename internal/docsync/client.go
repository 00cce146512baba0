package docsync

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/agentworkforce/relaydoc/internal/textop"
	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"
	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"
)

const maxStreamMessageBytes = 4 << 20

type HTTPError struct {
	StatusCode int
	Code       string
	Message    string
}

func (e *HTTPError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("http %d %s: %s", e.StatusCode, e.Code, e.Message)
	}
	return fmt.Sprintf("http %d: %s", e.StatusCode, e.Message)
}

type ClientOptions struct {
	MaxRetries       int
	BaseDelay        time.Duration
	MaxDelay         time.Duration
	PollInterval     time.Duration
	ReconnectTimeout time.Duration
	Logger           Logger
}

// HTTPClient talks to the ledger HTTP API. It is an EventSource, a
// Subscriber and a SubmissionGateway.
type HTTPClient struct {
	baseURL          string
	token            string
	httpClient       *http.Client
	maxRetries       int
	baseDelay        time.Duration
	maxDelay         time.Duration
	pollInterval     time.Duration
	reconnectTimeout time.Duration
	logger           Logger
}

func NewHTTPClient(baseURL, token string, httpClient *http.Client) *HTTPClient {
	return NewHTTPClientWithOptions(baseURL, token, httpClient, ClientOptions{})
}

func NewHTTPClientWithOptions(baseURL, token string, httpClient *http.Client, opts ClientOptions) *HTTPClient {
	baseURL = strings.TrimRight(strings.TrimSpace(baseURL), "/")
	if baseURL == "" {
		baseURL = "http://127.0.0.1:8090"
	}
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 15 * time.Second}
	}
	c := &HTTPClient{
		baseURL:          baseURL,
		token:            strings.TrimSpace(token),
		httpClient:       httpClient,
		maxRetries:       3,
		baseDelay:        100 * time.Millisecond,
		maxDelay:         2 * time.Second,
		pollInterval:     250 * time.Millisecond,
		reconnectTimeout: time.Minute,
		logger:           opts.Logger,
	}
	if opts.MaxRetries > 0 {
		c.maxRetries = opts.MaxRetries
	}
	if opts.BaseDelay > 0 {
		c.baseDelay = opts.BaseDelay
	}
	if opts.MaxDelay > 0 {
		c.maxDelay = opts.MaxDelay
	}
	if opts.PollInterval > 0 {
		c.pollInterval = opts.PollInterval
	}
	if opts.ReconnectTimeout > 0 {
		c.reconnectTimeout = opts.ReconnectTimeout
	}
	return c
}

type ledgerEvent struct {
	Event            string `json:"event"`
	Author           string `json:"author"`
	Position         int    `json:"position"`
	Text             string `json:"text,omitempty"`
	Length           int    `json:"length,omitempty"`
	BlockNumber      uint64 `json:"blockNumber"`
	TransactionIndex int    `json:"transactionIndex"`
	TransactionHash  string `json:"transactionHash"`
}

func (e ledgerEvent) toEvent() Event {
	return Event{
		Kind:     EventKind(e.Event),
		Author:   e.Author,
		Position: e.Position,
		Text:     e.Text,
		Length:   e.Length,
		Key:      OrderKey{Block: e.BlockNumber, Index: e.TransactionIndex},
		TxHash:   e.TransactionHash,
	}
}

type ledgerReceipt struct {
	TransactionHash  string `json:"transactionHash"`
	Status           string `json:"status"`
	BlockNumber      uint64 `json:"blockNumber"`
	TransactionIndex int    `json:"transactionIndex"`
	Reason           string `json:"reason,omitempty"`
}

func (r ledgerReceipt) toReceipt() Receipt {
	return Receipt{
		TxHash: r.TransactionHash,
		Status: ReceiptStatus(r.Status),
		Key:    OrderKey{Block: r.BlockNumber, Index: r.TransactionIndex},
		Reason: r.Reason,
	}
}

func (c *HTTPClient) BlockNumber(ctx context.Context) (uint64, error) {
	var out struct {
		BlockNumber uint64 `json:"blockNumber"`
	}
	err := c.doJSON(ctx, http.MethodGet, "/v1/ledger/head", nil, &out, true)
	return out.BlockNumber, err
}

func (c *HTTPClient) QueryEvents(ctx context.Context, kind EventKind, fromBlock, toBlock uint64) ([]Event, error) {
	q := url.Values{}
	q.Set("kind", string(kind))
	q.Set("fromBlock", strconv.FormatUint(fromBlock, 10))
	q.Set("toBlock", strconv.FormatUint(toBlock, 10))
	var out struct {
		Events []ledgerEvent `json:"events"`
	}
	if err := c.doJSON(ctx, http.MethodGet, "/v1/ledger/events?"+q.Encode(), nil, &out, true); err != nil {
		return nil, err
	}
	events := make([]Event, 0, len(out.Events))
	for _, ev := range out.Events {
		events = append(events, ev.toEvent())
	}
	return events, nil
}

// Submit sends one operation. Submissions are never retried: a failed
// attempt is reported to the caller, which rolls back.
func (c *HTTPClient) Submit(ctx context.Context, op textop.Operation) (PendingTx, error) {
	body := map[string]any{}
	switch op.Kind {
	case textop.KindInsert:
		body["function"] = "insertText"
		body["args"] = map[string]any{"position": op.Position, "text": op.Text}
	case textop.KindDelete:
		body["function"] = "deleteText"
		body["args"] = map[string]any{"position": op.Position, "length": op.Length}
	default:
		return nil, fmt.Errorf("%w: cannot submit %s", ErrSubmissionFailed, op)
	}
	var out ledgerReceipt
	if err := c.doJSON(ctx, http.MethodPost, "/v1/ledger/transactions", body, &out, false); err != nil {
		return nil, err
	}
	if out.TransactionHash == "" {
		return nil, fmt.Errorf("%w: ledger returned no transaction hash", ErrSubmissionFailed)
	}
	return &httpPendingTx{client: c, hash: out.TransactionHash}, nil
}

func (c *HTTPClient) Receipt(ctx context.Context, hash string) (Receipt, error) {
	var out ledgerReceipt
	err := c.doJSON(ctx, http.MethodGet, "/v1/ledger/transactions/"+url.PathEscape(hash), nil, &out, true)
	return out.toReceipt(), err
}

type httpPendingTx struct {
	client *HTTPClient
	hash   string
}

func (p *httpPendingTx) Hash() string {
	return p.hash
}

// AwaitConfirmation polls the receipt until the transaction is sealed or ctx
// ends. Running out of time counts as a failed submission.
func (p *httpPendingTx) AwaitConfirmation(ctx context.Context) (Receipt, error) {
	ticker := time.NewTicker(p.client.pollInterval)
	defer ticker.Stop()
	for {
		receipt, err := p.client.Receipt(ctx, p.hash)
		switch {
		case err == nil && receipt.Status == ReceiptConfirmed:
			return receipt, nil
		case err == nil && receipt.Status == ReceiptReverted:
			return receipt, &ReceiptError{TxHash: p.hash, Reason: receipt.Reason}
		case err != nil && !isNotFound(err):
			if ctx.Err() != nil {
				return Receipt{}, fmt.Errorf("%w: awaiting %s: %w", ErrSubmissionFailed, p.hash, ctx.Err())
			}
			return Receipt{}, err
		}
		select {
		case <-ctx.Done():
			return Receipt{}, fmt.Errorf("%w: awaiting %s: %w", ErrSubmissionFailed, p.hash, ctx.Err())
		case <-ticker.C:
		}
	}
}

// Subscribe opens the live event stream. The subscription reconnects on its
// own, resuming from the last block it delivered; consumers drop repeats by
// key.
func (c *HTTPClient) Subscribe(ctx context.Context, fromBlock uint64) (Subscription, error) {
	conn, err := c.dialStream(ctx, fromBlock)
	if err != nil {
		return nil, networkError("subscribe", err)
	}
	subCtx, cancel := context.WithCancel(ctx)
	sub := &streamSubscription{
		events: make(chan Event, 64),
		cancel: cancel,
		done:   make(chan struct{}),
	}
	go sub.run(subCtx, c, conn, fromBlock)
	return sub, nil
}

func (c *HTTPClient) dialStream(ctx context.Context, fromBlock uint64) (*websocket.Conn, error) {
	target := c.baseURL + "/v1/ledger/subscribe"
	if fromBlock > 0 {
		target += "?fromBlock=" + strconv.FormatUint(fromBlock, 10)
	}
	header := http.Header{}
	header.Set("Authorization", "Bearer "+c.token)
	header.Set("X-Correlation-Id", correlationID())
	conn, _, err := websocket.Dial(ctx, target, &websocket.DialOptions{HTTPHeader: header})
	if err != nil {
		return nil, err
	}
	conn.SetReadLimit(maxStreamMessageBytes)
	return conn, nil
}

func (c *HTTPClient) redialStream(ctx context.Context, fromBlock uint64) (*websocket.Conn, error) {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = c.baseDelay
	b.MaxInterval = c.maxDelay
	b.MaxElapsedTime = c.reconnectTimeout
	var conn *websocket.Conn
	err := backoff.Retry(func() error {
		var err error
		conn, err = c.dialStream(ctx, fromBlock)
		return err
	}, backoff.WithContext(b, ctx))
	return conn, err
}

type streamMessage struct {
	Type        string       `json:"type"`
	Event       *ledgerEvent `json:"event,omitempty"`
	BlockNumber uint64       `json:"blockNumber,omitempty"`
}

type streamSubscription struct {
	events chan Event
	cancel context.CancelFunc
	done   chan struct{}

	mu  sync.Mutex
	err error
}

func (s *streamSubscription) Events() <-chan Event {
	return s.events
}

func (s *streamSubscription) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

func (s *streamSubscription) Close() error {
	s.cancel()
	<-s.done
	return nil
}

func (s *streamSubscription) run(ctx context.Context, c *HTTPClient, conn *websocket.Conn, fromBlock uint64) {
	defer close(s.done)
	defer close(s.events)
	resume := fromBlock
	for {
		err := s.pump(ctx, conn, &resume)
		_ = conn.CloseNow()
		if ctx.Err() != nil {
			return
		}
		c.logf("event stream dropped, resuming from block %d: %v", resume, err)
		conn, err = c.redialStream(ctx, resume)
		if err != nil {
			if ctx.Err() == nil {
				s.mu.Lock()
				s.err = networkError("resubscribe", err)
				s.mu.Unlock()
			}
			return
		}
	}
}

func (s *streamSubscription) pump(ctx context.Context, conn *websocket.Conn, resume *uint64) error {
	for {
		var msg streamMessage
		if err := wsjson.Read(ctx, conn, &msg); err != nil {
			return err
		}
		switch msg.Type {
		case "ready":
			if *resume == 0 {
				*resume = msg.BlockNumber + 1
			}
		case "event":
			if msg.Event == nil {
				continue
			}
			ev := msg.Event.toEvent()
			*resume = ev.Key.Block
			select {
			case s.events <- ev:
			case <-ctx.Done():
				return ctx.Err()
			}
		}
	}
}

func (c *HTTPClient) doJSON(
	ctx context.Context,
	method, requestPath string,
	body any,
	out any,
	retry bool,
) error {
	var bodyBytes []byte
	if body != nil {
		var err error
		bodyBytes, err = json.Marshal(body)
		if err != nil {
			return err
		}
	}
	operation := func() error {
		var bodyReader io.Reader
		if bodyBytes != nil {
			bodyReader = bytes.NewReader(bodyBytes)
		}
		req, err := http.NewRequestWithContext(ctx, method, c.baseURL+requestPath, bodyReader)
		if err != nil {
			return backoff.Permanent(err)
		}
		req.Header.Set("Authorization", "Bearer "+c.token)
		req.Header.Set("X-Correlation-Id", correlationID())
		if body != nil {
			req.Header.Set("Content-Type", "application/json")
		}

		resp, err := c.httpClient.Do(req)
		if err != nil {
			if ctx.Err() != nil {
				return backoff.Permanent(ctx.Err())
			}
			return networkError(method+" "+requestPath, err)
		}
		payloadBytes, readErr := io.ReadAll(resp.Body)
		_ = resp.Body.Close()
		if readErr != nil {
			return networkError(method+" "+requestPath, readErr)
		}

		if resp.StatusCode >= 200 && resp.StatusCode <= 299 {
			if out == nil || len(payloadBytes) == 0 {
				return nil
			}
			if err := json.Unmarshal(payloadBytes, out); err != nil {
				return backoff.Permanent(err)
			}
			return nil
		}

		var errPayload struct {
			Code    string `json:"code"`
			Message string `json:"message"`
		}
		_ = json.Unmarshal(payloadBytes, &errPayload)
		httpErr := &HTTPError{
			StatusCode: resp.StatusCode,
			Code:       errPayload.Code,
			Message:    errPayload.Message,
		}
		if resp.StatusCode == http.StatusTooManyRequests || (resp.StatusCode >= 500 && resp.StatusCode <= 599) {
			if delay := parseRetryAfter(resp.Header.Get("Retry-After")); delay > 0 && retry {
				if err := waitWithContext(ctx, min(delay, c.maxDelay)); err != nil {
					return backoff.Permanent(err)
				}
			}
			return httpErr
		}
		return backoff.Permanent(httpErr)
	}

	var policy backoff.BackOff = &backoff.StopBackOff{}
	if retry && c.maxRetries > 0 {
		b := backoff.NewExponentialBackOff()
		b.InitialInterval = c.baseDelay
		b.MaxInterval = c.maxDelay
		b.MaxElapsedTime = 0
		policy = backoff.WithMaxRetries(b, uint64(c.maxRetries))
	}
	return backoff.Retry(operation, backoff.WithContext(policy, ctx))
}

func (c *HTTPClient) logf(format string, args ...any) {
	if c.logger == nil {
		return
	}
	c.logger.Printf(format, args...)
}

func isNotFound(err error) bool {
	var httpErr *HTTPError
	return errors.As(err, &httpErr) && httpErr.StatusCode == http.StatusNotFound
}

func correlationID() string {
	return "sync_" + uuid.NewString()
}

func parseRetryAfter(header string) time.Duration {
	header = strings.TrimSpace(header)
	if header == "" {
		return 0
	}
	if seconds, err := strconv.Atoi(header); err == nil && seconds >= 0 {
		return time.Duration(seconds) * time.Second
	}
	if ts, err := time.Parse(time.RFC1123, header); err == nil {
		delta := time.Until(ts)
		if delta > 0 {
			return delta
		}
	}
	return 0
}

func waitWithContext(ctx context.Context, delay time.Duration) error {
	if delay <= 0 {
		return nil
	}
	timer := time.NewTimer(delay)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
