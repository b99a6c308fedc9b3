package rpc

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/gorilla/websocket"
	"github.com/holiman/uint256"
	"go.uber.org/zap"

	"ledger-backend/internal/auth"
	"ledger-backend/internal/market"
)

var ErrClosed = errors.New("connection closed")

// Client talks JSON-RPC to a ledger server over its /ws endpoint
type Client struct {
	mu     sync.Mutex // serializes writes
	conn   *websocket.Conn
	signer *auth.Signer
	logger *zap.Logger

	// Pending requests waiting for response
	pending   map[int64]chan *Response
	pendingMu sync.Mutex

	onEvent func(EventView)
	onError func(error)

	timeout time.Duration
	done    chan struct{}
	closeMu sync.Once
}

// ClientOption configures a Client
type ClientOption func(*Client)

// WithEventHandler receives every ledger event pushed by the server
func WithEventHandler(fn func(EventView)) ClientOption {
	return func(c *Client) { c.onEvent = fn }
}

// WithErrorHandler receives the error that ended the connection
func WithErrorHandler(fn func(error)) ClientOption {
	return func(c *Client) { c.onError = fn }
}

// WithTimeout bounds how long a request waits for its response
func WithTimeout(d time.Duration) ClientOption {
	return func(c *Client) { c.timeout = d }
}

// WithLogger sets the client logger
func WithLogger(l *zap.Logger) ClientOption {
	return func(c *Client) { c.logger = l }
}

// Dial connects to rawURL. With a signer the upgrade request carries signed
// account headers and write methods act as the signer's account; without
// one the connection is read-only.
func Dial(ctx context.Context, rawURL string, signer *auth.Signer, opts ...ClientOption) (*Client, error) {
	c := &Client{
		signer:  signer,
		logger:  zap.NewNop(),
		pending: make(map[int64]chan *Response),
		timeout: 30 * time.Second,
		done:    make(chan struct{}),
	}
	for _, opt := range opts {
		opt(c)
	}

	u, err := url.Parse(rawURL)
	if err != nil {
		return nil, fmt.Errorf("parse url: %w", err)
	}

	header := http.Header{}
	if signer != nil {
		header, err = signer.Headers(http.MethodGet, u.Path, nil, time.Now())
		if err != nil {
			return nil, fmt.Errorf("sign upgrade: %w", err)
		}
	}

	dialer := websocket.Dialer{
		HandshakeTimeout: 10 * time.Second,
	}
	conn, resp, err := dialer.DialContext(ctx, rawURL, header)
	if err != nil {
		if resp != nil {
			return nil, fmt.Errorf("failed to connect: %w (status %d)", err, resp.StatusCode)
		}
		return nil, fmt.Errorf("failed to connect: %w", err)
	}
	c.conn = conn

	go c.readLoop()

	return c, nil
}

// Account is the account write methods act as, zero when read-only
func (c *Client) Account() common.Address {
	if c.signer == nil {
		return common.Address{}
	}
	return c.signer.Address()
}

// SendRequest sends a JSON-RPC request and waits for its response
func (c *Client) SendRequest(ctx context.Context, req *Request) (*Response, error) {
	respChan := make(chan *Response, 1)
	c.pendingMu.Lock()
	c.pending[req.ID] = respChan
	c.pendingMu.Unlock()

	defer func() {
		c.pendingMu.Lock()
		delete(c.pending, req.ID)
		c.pendingMu.Unlock()
	}()

	data, err := json.Marshal(req)
	if err != nil {
		return nil, err
	}

	c.mu.Lock()
	err = c.conn.WriteMessage(websocket.TextMessage, data)
	c.mu.Unlock()
	if err != nil {
		return nil, fmt.Errorf("failed to send: %w", err)
	}

	timer := time.NewTimer(c.timeout)
	defer timer.Stop()

	select {
	case resp := <-respChan:
		return resp, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-c.done:
		return nil, ErrClosed
	case <-timer.C:
		return nil, fmt.Errorf("%s: request timeout", req.Method)
	}
}

// call sends method and decodes the result into out
func (c *Client) call(ctx context.Context, method string, params, out interface{}) error {
	req, err := NewRequest(method, params)
	if err != nil {
		return err
	}
	resp, err := c.SendRequest(ctx, req)
	if err != nil {
		return err
	}
	if resp.Error != nil {
		return resp.Error
	}
	if out == nil {
		return nil
	}
	if err := json.Unmarshal(resp.Result, out); err != nil {
		return fmt.Errorf("failed to parse %s result: %w", method, err)
	}
	return nil
}

func (c *Client) readLoop() {
	defer c.Close()

	for {
		_, message, err := c.conn.ReadMessage()
		if err != nil {
			select {
			case <-c.done:
			default:
				if !websocket.IsCloseError(err, websocket.CloseNormalClosure) && c.onError != nil {
					c.onError(err)
				}
			}
			return
		}

		resp, note, err := ParseMessage(message)
		if err != nil {
			c.logger.Warn("failed to parse message", zap.Error(err))
			continue
		}

		if note != nil {
			c.handleNotification(note)
			continue
		}

		c.pendingMu.Lock()
		if ch, ok := c.pending[resp.ID]; ok {
			ch <- resp
		}
		c.pendingMu.Unlock()
	}
}

func (c *Client) handleNotification(note *Notification) {
	if note.Method != MethodEvent || c.onEvent == nil {
		return
	}
	var ev EventView
	if err := json.Unmarshal(note.Params, &ev); err != nil {
		c.logger.Warn("failed to parse event", zap.Error(err))
		return
	}
	c.onEvent(ev)
}

// Close closes the connection
func (c *Client) Close() error {
	var err error
	c.closeMu.Do(func() {
		close(c.done)
		c.mu.Lock()
		_ = c.conn.WriteMessage(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
		c.mu.Unlock()
		err = c.conn.Close()
	})
	return err
}

// --- Contract methods ---

func (c *Client) CreateMarket(ctx context.Context, question, description string, resolutionTime time.Time) (MarketView, error) {
	var out MarketView
	err := c.call(ctx, MethodCreateMarket, CreateMarketParams{
		Question:       question,
		Description:    description,
		ResolutionTime: resolutionTime.Unix(),
	}, &out)
	return out, err
}

func (c *Client) MarketCount(ctx context.Context) (int, error) {
	var out CountResult
	err := c.call(ctx, MethodGetMarketCount, nil, &out)
	return out.Count, err
}

func (c *Client) LatestMarkets(ctx context.Context, count int) ([]common.Address, error) {
	var out MarketIDsResult
	if err := c.call(ctx, MethodGetLatestMarkets, LatestMarketsParams{Count: count}, &out); err != nil {
		return nil, err
	}
	ids := make([]common.Address, len(out.MarketIDs))
	for i, id := range out.MarketIDs {
		ids[i] = common.HexToAddress(id)
	}
	return ids, nil
}

func (c *Client) MarketInfo(ctx context.Context, id common.Address) (MarketView, error) {
	var out MarketView
	err := c.call(ctx, MethodGetMarketInfo, MarketParams{MarketID: id.Hex()}, &out)
	return out, err
}

func (c *Client) YesProbability(ctx context.Context, id common.Address) (uint64, error) {
	var out ProbabilityResult
	err := c.call(ctx, MethodGetYesProbability, MarketParams{MarketID: id.Hex()}, &out)
	return out.YesProbability, err
}

func (c *Client) TotalPool(ctx context.Context, id common.Address) (*uint256.Int, error) {
	var out PoolResult
	if err := c.call(ctx, MethodGetTotalPool, MarketParams{MarketID: id.Hex()}, &out); err != nil {
		return nil, err
	}
	return uint256.FromDecimal(out.TotalPool)
}

func (c *Client) UserPosition(ctx context.Context, id, account common.Address) (PositionView, error) {
	var out PositionView
	err := c.call(ctx, MethodGetUserPosition, PositionParams{MarketID: id.Hex(), Account: account.Hex()}, &out)
	return out, err
}

func (c *Client) BuyShares(ctx context.Context, id common.Address, isYes bool, amount *uint256.Int) (PositionView, error) {
	var out PositionView
	err := c.call(ctx, MethodBuyShares, BuySharesParams{
		MarketID: id.Hex(),
		IsYes:    isYes,
		Amount:   amount.Dec(),
	}, &out)
	return out, err
}

func (c *Client) Resolve(ctx context.Context, id common.Address, outcome market.Outcome) (MarketView, error) {
	var out MarketView
	err := c.call(ctx, MethodResolve, ResolveParams{MarketID: id.Hex(), Outcome: outcome.String()}, &out)
	return out, err
}

// Claim returns the payout in wei
func (c *Client) Claim(ctx context.Context, id common.Address) (*uint256.Int, error) {
	var out ClaimResult
	if err := c.call(ctx, MethodClaim, MarketParams{MarketID: id.Hex()}, &out); err != nil {
		return nil, err
	}
	return uint256.FromDecimal(out.Payout)
}
