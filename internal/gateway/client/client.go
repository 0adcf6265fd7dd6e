// Package client implements the Gateway Client (component A): a single
// authenticated framed WebSocket to one Gateway endpoint, typed RPC
// methods, and an event stream surfaced to a handler.
package client

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/openclaw/ctlplane-core/internal/common/apperr"
	"github.com/openclaw/ctlplane-core/internal/common/config"
	"github.com/openclaw/ctlplane-core/internal/common/logger"
	"github.com/openclaw/ctlplane-core/internal/common/tracing"
	"github.com/openclaw/ctlplane-core/internal/gateway/protocol"
)

// EventHandler receives pushed Gateway events, drained off the bounded queue.
type EventHandler func(evt *protocol.EventFrame)

// Client maintains one outbound WebSocket connection to a Gateway.
type Client struct {
	url          string
	gatewayToken string
	clientID     string // protocol.ClientIDLocal or protocol.ClientIDExternal
	cfAccessID   string
	cfAccessSec  string
	cfg          config.GatewayConfig
	log          *logger.Logger

	mu      sync.Mutex
	conn    *websocket.Conn
	pending map[string]chan *protocol.ResFrame
	closed  bool

	lastSeq       int64
	droppedEvents atomic.Int64

	eventQueue   chan *protocol.EventFrame
	eventHandler EventHandler

	done chan struct{}
}

// New builds a Gateway Client for one endpoint. Call Connect to perform
// the handshake before issuing RPCs.
func New(url, gatewayToken, clientID string, cfg config.GatewayConfig, log *logger.Logger) *Client {
	return &Client{
		url:          url,
		gatewayToken: gatewayToken,
		clientID:     clientID,
		cfg:          cfg,
		log:          log.WithFields(zap.String("component", "gateway-client"), zap.String("url", url)),
		pending:      make(map[string]chan *protocol.ResFrame),
		lastSeq:      -1,
		eventQueue:   make(chan *protocol.EventFrame, cfg.EventQueueCap),
		done:         make(chan struct{}),
	}
}

// WithCloudflareAccess sets optional Cloudflare Access service-token
// headers used during the initial WS dial.
func (c *Client) WithCloudflareAccess(clientID, clientSecret string) *Client {
	c.cfAccessID = clientID
	c.cfAccessSec = clientSecret
	return c
}

// OnEvent registers the handler invoked by the drain worker for each
// queued event. Must be called before Connect.
func (c *Client) OnEvent(h EventHandler) {
	c.eventHandler = h
}

// Connect opens the WebSocket, performs the challenge/connect handshake,
// and starts the read loop and event-drain worker.
func (c *Client) Connect(ctx context.Context) (*protocol.HelloPayload, error) {
	header := http.Header{}
	if c.cfAccessID != "" && c.cfAccessSec != "" {
		header.Set("CF-Access-Client-Id", c.cfAccessID)
		header.Set("CF-Access-Client-Secret", c.cfAccessSec)
		header.Set("Cookie", fmt.Sprintf("CF_Authorization=%s", c.cfAccessSec))
	}

	dialer := websocket.DefaultDialer
	conn, resp, err := dialer.DialContext(ctx, c.url, header)
	if err != nil {
		if resp != nil && strings.Contains(resp.Request.URL.String(), "cloudflareaccess.com") {
			return nil, apperr.CloudflareAccessBlocked(err.Error())
		}
		return nil, apperr.HandshakeErr("failed to dial gateway", err)
	}

	hello, err := c.handshake(ctx, conn)
	if err != nil {
		_ = conn.Close()
		return nil, err
	}

	c.mu.Lock()
	c.conn = conn
	c.lastSeq = -1
	c.closed = false
	c.mu.Unlock()

	go c.readLoop(conn)
	go c.drainEvents()

	return hello, nil
}

func (c *Client) handshake(ctx context.Context, conn *websocket.Conn) (*protocol.HelloPayload, error) {
	challengeCh := make(chan *protocol.EventFrame, 1)
	errCh := make(chan error, 1)

	go func() {
		_, data, err := conn.ReadMessage()
		if err != nil {
			errCh <- err
			return
		}
		var evt protocol.EventFrame
		if err := json.Unmarshal(data, &evt); err != nil {
			errCh <- err
			return
		}
		challengeCh <- &evt
	}()

	var challenge *protocol.EventFrame
	select {
	case challenge = <-challengeCh:
	case err := <-errCh:
		return nil, apperr.HandshakeErr("failed reading connect.challenge", err)
	case <-time.After(15 * time.Second):
		return nil, apperr.HandshakeErr("timed out waiting for connect.challenge", nil)
	case <-ctx.Done():
		return nil, ctx.Err()
	}

	if challenge.Event != "connect.challenge" {
		return nil, apperr.HandshakeErr(fmt.Sprintf("expected connect.challenge, got %q", challenge.Event), nil)
	}
	var challengePayload protocol.ConnectChallengePayload
	_ = json.Unmarshal(challenge.Payload, &challengePayload)

	params := protocol.ConnectParams{
		MinProtocol: 3,
		MaxProtocol: 3,
		Client: protocol.ClientIdent{
			ID:         c.clientID,
			Version:    c.cfg.ClientVersion,
			Platform:   c.cfg.ClientPlatform,
			Mode:       c.cfg.ClientMode,
			InstanceID: uuid.NewString(),
		},
		Role:      "operator",
		Scopes:    c.cfg.Scopes,
		Auth:      protocol.ConnectAuth{Token: c.gatewayToken},
		UserAgent: c.cfg.UserAgent,
		Locale:    c.cfg.Locale,
	}
	req, err := protocol.NewReq(uuid.NewString(), "connect", params)
	if err != nil {
		return nil, apperr.HandshakeErr("failed to build connect req", err)
	}
	if err := conn.WriteJSON(req); err != nil {
		return nil, apperr.HandshakeErr("failed to send connect req", err)
	}

	_ = conn.SetReadDeadline(time.Now().Add(15 * time.Second))
	_, data, err := conn.ReadMessage()
	_ = conn.SetReadDeadline(time.Time{})
	if err != nil {
		return nil, apperr.HandshakeErr("failed reading connect res", err)
	}
	var res protocol.ResFrame
	if err := json.Unmarshal(data, &res); err != nil {
		return nil, apperr.HandshakeErr("failed to parse connect res", err)
	}
	if !res.OK {
		msg := "connect rejected"
		if res.Error != nil {
			msg = res.Error.Message
		}
		return nil, apperr.HandshakeErr(msg, nil)
	}
	var hello protocol.HelloPayload
	if err := json.Unmarshal(res.Payload, &hello); err != nil {
		return nil, apperr.HandshakeErr("failed to parse hello payload", err)
	}
	return &hello, nil
}

// readLoop owns the connection's ReadMessage calls. It never invokes the
// event handler inline — events only ever go onto the bounded queue, so
// a slow handler can never stall the read loop and trigger a
// slow-consumer kick from the server.
func (c *Client) readLoop(conn *websocket.Conn) {
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			c.handleDisconnect(conn, err)
			return
		}

		var env protocol.Envelope
		if err := json.Unmarshal(data, &env); err != nil {
			c.log.Warn("failed to parse frame envelope", zap.Error(err))
			continue
		}

		switch env.Type {
		case protocol.FrameRes:
			var res protocol.ResFrame
			if err := json.Unmarshal(data, &res); err != nil {
				c.log.Warn("failed to parse res frame", zap.Error(err))
				continue
			}
			c.handleRes(&res)
		case protocol.FrameEvent:
			var evt protocol.EventFrame
			if err := json.Unmarshal(data, &evt); err != nil {
				c.log.Warn("failed to parse event frame", zap.Error(err))
				continue
			}
			c.handleSeq(&evt)
			c.enqueueEvent(&evt)
		default:
			c.log.Warn("received unknown frame type", zap.String("type", string(env.Type)))
		}
	}
}

func (c *Client) handleRes(res *protocol.ResFrame) {
	c.mu.Lock()
	ch, ok := c.pending[res.ID]
	if ok {
		delete(c.pending, res.ID)
	}
	c.mu.Unlock()

	if !ok {
		c.log.Warn("received res for unknown request id", zap.String("id", res.ID))
		return
	}
	ch <- res
}

// handleSeq tracks last_seq and logs sequence gaps per the gap-detection
// policy: gaps under the configured threshold are informational (the
// background poller will catch up from chat history), larger gaps are
// logged as errors. last_seq never rewinds.
func (c *Client) handleSeq(evt *protocol.EventFrame) {
	c.mu.Lock()
	last := c.lastSeq
	if evt.Seq > c.lastSeq {
		c.lastSeq = evt.Seq
	}
	c.mu.Unlock()

	if evt.Seq > last+1 {
		gap := evt.Seq - last - 1
		if int(gap) >= c.cfg.SequenceGapWarn {
			c.log.Error("sequence gap detected", zap.Int64("gap", gap), zap.Int64("lastSeq", last), zap.Int64("seq", evt.Seq))
		} else {
			c.log.Info("sequence gap detected", zap.Int64("gap", gap), zap.Int64("lastSeq", last), zap.Int64("seq", evt.Seq))
		}
	}
}

// enqueueEvent drops the oldest queued event when the bounded queue is
// full, to keep the read loop from ever blocking on a slow handler.
func (c *Client) enqueueEvent(evt *protocol.EventFrame) {
	select {
	case c.eventQueue <- evt:
		return
	default:
	}
	select {
	case <-c.eventQueue:
		c.droppedEvents.Add(1)
	default:
	}
	select {
	case c.eventQueue <- evt:
	default:
	}
}

func (c *Client) drainEvents() {
	for {
		select {
		case evt := <-c.eventQueue:
			if c.eventHandler != nil {
				c.eventHandler(evt)
			}
		case <-c.done:
			return
		}
	}
}

// DroppedEvents returns the number of events dropped due to a full queue.
func (c *Client) DroppedEvents() int64 {
	return c.droppedEvents.Load()
}

func (c *Client) handleDisconnect(conn *websocket.Conn, err error) {
	c.mu.Lock()
	if c.conn != conn || c.closed {
		c.mu.Unlock()
		return
	}
	pending := c.pending
	c.pending = make(map[string]chan *protocol.ResFrame)
	c.conn = nil
	c.mu.Unlock()

	for _, ch := range pending {
		ch <- &protocol.ResFrame{OK: false, Error: &protocol.ResError{Code: "CONNECTION_LOST", Message: "connection lost"}}
	}
	c.log.Warn("gateway connection closed, will attempt reconnect", zap.Error(err))
	go c.reconnectLoop()
}

// reconnectLoop retries Connect with exponential backoff: base 1s, cap
// 30s, max 10 tries.
func (c *Client) reconnectLoop() {
	base := c.cfg.ReconnectBase
	if base <= 0 {
		base = time.Second
	}
	cap_ := c.cfg.ReconnectCap
	if cap_ <= 0 {
		cap_ = 30 * time.Second
	}
	maxTries := c.cfg.MaxReconnectTries
	if maxTries <= 0 {
		maxTries = 10
	}

	for attempt := 0; attempt < maxTries; attempt++ {
		c.mu.Lock()
		closed := c.closed
		c.mu.Unlock()
		if closed {
			return
		}

		backoff := time.Duration(math.Min(float64(cap_), float64(base)*math.Pow(2, float64(attempt))))
		time.Sleep(backoff)

		ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		_, err := c.Connect(ctx)
		cancel()
		if err == nil {
			c.log.Info("reconnected to gateway", zap.Int("attempt", attempt+1))
			return
		}
		c.log.Warn("reconnect attempt failed", zap.Int("attempt", attempt+1), zap.Error(err))
	}
	c.log.Error("exhausted reconnect attempts, giving up", zap.Int("maxTries", maxTries))
}

// Close terminates the connection and stops background workers.
func (c *Client) Close() error {
	c.mu.Lock()
	c.closed = true
	conn := c.conn
	c.conn = nil
	c.mu.Unlock()

	select {
	case <-c.done:
	default:
		close(c.done)
	}
	if conn != nil {
		return conn.Close()
	}
	return nil
}

// IsConnected reports whether a live socket is currently held.
func (c *Client) IsConnected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.conn != nil
}

// Call issues a req and waits for the correlated res, or apperr.Timeout
// after the given timeout. Returns apperr.NotConnected if no socket is
// held, apperr.RemoteErrorf if the Gateway responds ok=false.
func (c *Client) Call(ctx context.Context, method string, params interface{}, timeout time.Duration) (json.RawMessage, error) {
	ctx, span := tracing.Tracer("gateway-client").Start(ctx, "gateway.call."+method)
	defer span.End()

	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()
	if conn == nil {
		return nil, apperr.NotConnected(c.url)
	}

	id := uuid.NewString()
	req, err := protocol.NewReq(id, method, params)
	if err != nil {
		return nil, apperr.Wrap(err, "failed to build request")
	}

	ch := make(chan *protocol.ResFrame, 1)
	c.mu.Lock()
	c.pending[id] = ch
	c.mu.Unlock()
	defer func() {
		c.mu.Lock()
		delete(c.pending, id)
		c.mu.Unlock()
	}()

	if err := conn.WriteJSON(req); err != nil {
		return nil, apperr.Wrap(err, "failed to send request")
	}

	select {
	case res := <-ch:
		if !res.OK {
			code, msg := "", "request failed"
			if res.Error != nil {
				code, msg = res.Error.Code, res.Error.Message
			}
			return nil, apperr.RemoteErrorf(code, msg)
		}
		return res.Payload, nil
	case <-time.After(timeout):
		return nil, apperr.Timeout(method)
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

const defaultCallTimeout = 30 * time.Second

func (c *Client) callJSON(ctx context.Context, method string, params, out interface{}, timeout time.Duration) error {
	payload, err := c.Call(ctx, method, params, timeout)
	if err != nil {
		return err
	}
	if out == nil || payload == nil {
		return nil
	}
	if err := json.Unmarshal(payload, out); err != nil {
		return apperr.Wrap(err, "failed to parse "+method+" response")
	}
	return nil
}

// Status calls the status RPC.
func (c *Client) Status(ctx context.Context) (json.RawMessage, error) {
	return c.Call(ctx, "status", nil, defaultCallTimeout)
}

// Health calls the health RPC.
func (c *Client) Health(ctx context.Context) (json.RawMessage, error) {
	return c.Call(ctx, "health", nil, defaultCallTimeout)
}

// ConfigGetResult is the payload of config.get.
type ConfigGetResult struct {
	Raw    string   `json:"raw"`
	Parsed any      `json:"parsed"`
	Hash   string   `json:"hash"`
	Valid  bool     `json:"valid"`
	Issues []string `json:"issues"`
}

// GetConfig calls config.get.
func (c *Client) GetConfig(ctx context.Context) (*ConfigGetResult, error) {
	var out ConfigGetResult
	if err := c.callJSON(ctx, "config.get", nil, &out, defaultCallTimeout); err != nil {
		return nil, err
	}
	return &out, nil
}

// SetConfig calls config.set; baseHash provides optimistic concurrency,
// the server rejects the write on mismatch.
func (c *Client) SetConfig(ctx context.Context, raw, baseHash string) (*ConfigGetResult, error) {
	params := map[string]string{"raw": raw, "baseHash": baseHash}
	var out ConfigGetResult
	if err := c.callJSON(ctx, "config.set", params, &out, defaultCallTimeout); err != nil {
		return nil, err
	}
	return &out, nil
}

// PatchConfig calls config.patch.
func (c *Client) PatchConfig(ctx context.Context, raw, baseHash string, restartDelayMs int) (*ConfigGetResult, error) {
	params := map[string]interface{}{"raw": raw, "baseHash": baseHash, "restartDelayMs": restartDelayMs}
	var out ConfigGetResult
	if err := c.callJSON(ctx, "config.patch", params, &out, defaultCallTimeout); err != nil {
		return nil, err
	}
	return &out, nil
}

// GetAgents calls get_agents.
func (c *Client) GetAgents(ctx context.Context) (json.RawMessage, error) {
	return c.Call(ctx, "get_agents", nil, defaultCallTimeout)
}

// GetSessions calls get_sessions.
func (c *Client) GetSessions(ctx context.Context) (json.RawMessage, error) {
	return c.Call(ctx, "get_sessions", nil, defaultCallTimeout)
}

// GetModels calls get_models.
func (c *Client) GetModels(ctx context.Context) (json.RawMessage, error) {
	return c.Call(ctx, "get_models", nil, defaultCallTimeout)
}

// GetAgentFiles calls get_agent_files.
func (c *Client) GetAgentFiles(ctx context.Context, agentID string) (json.RawMessage, error) {
	return c.Call(ctx, "get_agent_files", map[string]string{"agentId": agentID}, defaultCallTimeout)
}

// GetAgentFile calls get_agent_file.
func (c *Client) GetAgentFile(ctx context.Context, agentID, name string) (json.RawMessage, error) {
	return c.Call(ctx, "get_agent_file", map[string]string{"agentId": agentID, "name": name}, defaultCallTimeout)
}

// SetAgentFile calls set_agent_file.
func (c *Client) SetAgentFile(ctx context.Context, agentID, name, content string) error {
	_, err := c.Call(ctx, "set_agent_file",
		map[string]string{"agentId": agentID, "name": name, "content": content}, defaultCallTimeout)
	return err
}

// ChatSend issues chat.send. The call itself is asynchronous: the
// Gateway returns {runId, status:"started"} immediately. Callers poll
// ChatHistory for the actual assistant turn via PollForResponse.
func (c *Client) ChatSend(ctx context.Context, sessionKey, content string) (*protocol.ChatSendResult, error) {
	params := protocol.ChatSendParams{
		SessionKey:     sessionKey,
		IdempotencyKey: uuid.NewString(),
		Content:        content,
	}
	var out protocol.ChatSendResult
	if err := c.callJSON(ctx, "chat.send", params, &out, 120*time.Second); err != nil {
		return nil, err
	}
	return &out, nil
}

// ChatHistory calls chat.history for a session.
func (c *Client) ChatHistory(ctx context.Context, sessionKey string) (*protocol.ChatHistoryResult, error) {
	var out protocol.ChatHistoryResult
	if err := c.callJSON(ctx, "chat.history", map[string]string{"sessionKey": sessionKey}, &out, defaultCallTimeout); err != nil {
		return nil, err
	}
	return &out, nil
}

// ChatAbort calls chat.abort.
func (c *Client) ChatAbort(ctx context.Context, sessionKey string) error {
	_, err := c.Call(ctx, "chat.abort", map[string]string{"sessionKey": sessionKey}, defaultCallTimeout)
	return err
}

// ReadFile calls read_file.
func (c *Client) ReadFile(ctx context.Context, path string) (json.RawMessage, error) {
	return c.Call(ctx, "read_file", map[string]string{"path": path}, defaultCallTimeout)
}

// WriteFile calls write_file.
func (c *Client) WriteFile(ctx context.Context, path, content string) error {
	_, err := c.Call(ctx, "write_file", map[string]string{"path": path, "content": content}, defaultCallTimeout)
	return err
}

// isRealReply reports whether a chat message is a genuine LLM turn: both
// model is set and the content is non-empty. Tool-output turns (role
// assistant, model unset, JSON content) and empty "thinking" turns are
// not real replies.
func isRealReply(m protocol.ChatMessage) bool {
	return strings.TrimSpace(m.Model) != "" && strings.TrimSpace(m.Content) != ""
}

// PollForResponse implements the chat_send poll-for-response algorithm:
// send, then poll chat.history at a 1-3s interval (180s cap) for the
// first real assistant reply appearing at or after the pre-send baseline
// index. Returns apperr.RemoteErrorf immediately on stopReason="error",
// and after 20 consecutive quiet polls returns the latest non-empty
// assistant message seen, or apperr.Timeout if none arrived.
func (c *Client) PollForResponse(ctx context.Context, sessionKey, content string) (*protocol.ChatMessage, error) {
	baseline, err := c.ChatHistory(ctx, sessionKey)
	if err != nil {
		return nil, err
	}
	baselineIdx := len(baseline.Messages)

	if _, err := c.ChatSend(ctx, sessionKey, content); err != nil {
		return nil, err
	}

	interval := time.Duration(c.cfg.PollIntervalSecs * float64(time.Second))
	if interval <= 0 {
		interval = time.Second
	}
	capDur := time.Duration(c.cfg.PollCapSecs * float64(time.Second))
	if capDur <= 0 {
		capDur = 180 * time.Second
	}
	quietLimit := c.cfg.PollQuietLimit
	if quietLimit <= 0 {
		quietLimit = 20
	}

	deadline := time.Now().Add(capDur)
	quietPolls := 0
	var lastNonEmpty *protocol.ChatMessage

	for time.Now().Before(deadline) {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(interval):
		}

		hist, err := c.ChatHistory(ctx, sessionKey)
		if err != nil {
			return nil, err
		}

		var reply *protocol.ChatMessage
		for i := baselineIdx; i < len(hist.Messages); i++ {
			m := hist.Messages[i]
			if !isRealReply(m) {
				if m.Role == "assistant" && strings.TrimSpace(m.Content) != "" {
					lastNonEmpty = &m
				}
				continue
			}
			if m.StopReason == "error" {
				return nil, apperr.RemoteErrorf("", m.Content)
			}
			reply = &m
		}

		if reply != nil {
			return reply, nil
		}

		quietPolls++
		if quietPolls >= quietLimit {
			if lastNonEmpty != nil {
				return lastNonEmpty, nil
			}
			return nil, apperr.Timeout("chat_send poll")
		}
	}

	if lastNonEmpty != nil {
		return lastNonEmpty, nil
	}
	return nil, apperr.Timeout("chat_send poll")
}
