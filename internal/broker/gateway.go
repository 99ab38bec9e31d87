package broker

import (
	"context"
	"encoding/json"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"tws-trailstop/internal/config"
	"tws-trailstop/internal/errors"
	"tws-trailstop/internal/logging"
	"tws-trailstop/internal/market"
	"tws-trailstop/internal/models"
	"tws-trailstop/pkg/utils"
)

// callResult carries one reply across the goroutine boundary.
type callResult struct {
	raw json.RawMessage
	err error
}

// pendingRequest is one in-flight call handed to the connection goroutine.
type pendingRequest struct {
	method string
	params json.RawMessage
	reply  chan callResult
}

// GatewayClient talks to the trading gateway over a single websocket
// session. The session is owned by one connection goroutine; all API
// methods cross into it through a request channel and wait on a reply
// future with a bounded timeout, so a wedged gateway can never hang a
// caller indefinitely.
type GatewayClient struct {
	cfg    config.GatewayConfig
	logger zerolog.Logger
	dial   dialFunc

	rules *market.RuleCache
	hours *market.HoursCache

	// contracts supplies the instruments whose reference data is warmed
	// on every connect.
	contracts func() []models.ContractRef

	requests chan *pendingRequest
	stop     chan struct{}
	done     chan struct{}
	startMu  sync.Mutex
	started  bool

	state atomic.Value // models.ConnectionState

	handlerMu      sync.RWMutex
	stateHandlers  []func(from, to models.ConnectionState)
	statusHandlers []func(orderID int64, status models.OrderStatus, fillPrice float64)
	reconcileFns   []func([]models.OpenOrder)

	nextID atomic.Int64
}

// NewGatewayClient creates a gateway client. The caches are shared with
// the monitor, which reads them on the tick path.
func NewGatewayClient(cfg config.GatewayConfig, rules *market.RuleCache, hours *market.HoursCache, logger zerolog.Logger) *GatewayClient {
	c := &GatewayClient{
		cfg:      cfg,
		logger:   logger.With().Str("component", "gateway").Logger(),
		dial:     dialGateway,
		rules:    rules,
		hours:    hours,
		requests: make(chan *pendingRequest, 64),
		stop:     make(chan struct{}),
		done:     make(chan struct{}),
	}
	c.state.Store(models.StateDisconnected)
	return c
}

// SetContractSource registers the provider of contracts to warm the rule
// and hours caches for at connect time.
func (c *GatewayClient) SetContractSource(fn func() []models.ContractRef) {
	c.contracts = fn
}

// Connect starts the connection goroutine. It returns immediately; the
// state machine reports progress through OnStateChange handlers.
func (c *GatewayClient) Connect(ctx context.Context) error {
	c.startMu.Lock()
	defer c.startMu.Unlock()
	if c.started {
		return nil
	}
	c.started = true
	c.stop = make(chan struct{})
	c.done = make(chan struct{})
	go c.run()
	return nil
}

// Disconnect stops the connection goroutine and closes the session.
func (c *GatewayClient) Disconnect() error {
	c.startMu.Lock()
	defer c.startMu.Unlock()
	if !c.started {
		return nil
	}
	close(c.stop)
	<-c.done
	c.started = false
	return nil
}

// State returns the current connection state.
func (c *GatewayClient) State() models.ConnectionState {
	return c.state.Load().(models.ConnectionState)
}

// OnStateChange registers a connection state transition handler. Handlers
// run on the connection goroutine and must not block.
func (c *GatewayClient) OnStateChange(handler func(from, to models.ConnectionState)) {
	c.handlerMu.Lock()
	c.stateHandlers = append(c.stateHandlers, handler)
	c.handlerMu.Unlock()
}

// OnOrderStatus registers a handler for unsolicited order status events.
// Handlers run on a dispatch goroutine and may call back into the client.
func (c *GatewayClient) OnOrderStatus(handler func(orderID int64, status models.OrderStatus, fillPrice float64)) {
	c.handlerMu.Lock()
	c.statusHandlers = append(c.statusHandlers, handler)
	c.handlerMu.Unlock()
}

// OnReconcile registers a handler invoked with the gateway's open orders
// after every successful connect, before the client accepts requests.
func (c *GatewayClient) OnReconcile(handler func([]models.OpenOrder)) {
	c.handlerMu.Lock()
	c.reconcileFns = append(c.reconcileFns, handler)
	c.handlerMu.Unlock()
}

func (c *GatewayClient) setState(to models.ConnectionState) {
	from := c.State()
	if from == to {
		return
	}
	c.state.Store(to)
	logging.LogConnectionState(c.logger, string(from), string(to))
	c.handlerMu.RLock()
	handlers := c.stateHandlers
	c.handlerMu.RUnlock()
	for _, h := range handlers {
		h(from, to)
	}
}

// run is the connection goroutine: dial with exponential backoff, warm
// caches, reconcile working orders, then serve requests until the session
// drops or Disconnect is called.
func (c *GatewayClient) run() {
	defer close(c.done)
	defer c.setState(models.StateDisconnected)

	attempt := 0
	for {
		select {
		case <-c.stop:
			return
		default:
		}

		c.setState(models.StateConnecting)
		sess, err := c.dial(c.cfg.Host, c.cfg.Port)
		if err != nil {
			base, max := c.cfg.ReconnectBase, c.cfg.ReconnectMax
			if base <= 0 {
				base = time.Second
			}
			if max <= 0 {
				max = 60 * time.Second
			}
			delay := utils.CalculateBackoff(attempt, base, max, 2.0)
			c.logger.Warn().
				Err(err).
				Int("attempt", attempt+1).
				Dur("retry_in", delay).
				Msg("Gateway dial failed")
			attempt++
			select {
			case <-c.stop:
				return
			case <-time.After(delay):
			}
			continue
		}
		attempt = 0

		if err := c.login(sess); err != nil {
			c.logger.Error().Err(err).Msg("Gateway login failed")
			sess.Close()
			continue
		}

		// Reference data is only trusted for the life of one session.
		c.rules.Clear()
		c.hours.Clear()
		c.warmCaches(sess)
		c.reconcile(sess)

		c.setState(models.StateConnected)
		err = c.serve(sess)
		sess.Close()
		if err == nil {
			return // Disconnect requested
		}
		c.logger.Warn().Err(err).Msg("Gateway session lost")
	}
}

// login identifies the client to the gateway.
func (c *GatewayClient) login(sess session) error {
	params, _ := json.Marshal(map[string]interface{}{
		"clientId": c.cfg.ClientID,
		"account":  c.cfg.Account,
	})
	_, err := c.directCall(sess, "session/login", params)
	return err
}

// warmCaches preloads price increment rules and trading hours for every
// tracked contract. Runs on the connection goroutine against the raw
// session; the public request path is not open yet.
func (c *GatewayClient) warmCaches(sess session) {
	if c.contracts == nil {
		return
	}
	contracts := c.contracts()
	c.rules.Preload(sessionRuleFetcher{client: c, sess: sess}, contracts)

	count := 0
	seen := make(map[string]bool)
	for _, contract := range contracts {
		key := contract.HoursKey()
		if seen[key] {
			continue
		}
		seen[key] = true
		entry, err := c.fetchHours(sess, contract)
		if err != nil {
			c.logger.Warn().
				Str("key", key).
				Err(err).
				Msg("Trading hours unavailable at connect")
			continue
		}
		c.hours.Put(key, entry)
		count++
	}
	logging.LogCachePopulate(c.logger, "trading_hours", count)
}

// reconcile fetches the gateway's working orders and hands them to the
// registered handlers so group state can be re-synchronized after a
// reconnect.
func (c *GatewayClient) reconcile(sess session) {
	raw, err := c.directCall(sess, "order/open", nil)
	if err != nil {
		c.logger.Warn().Err(err).Msg("Open order reconciliation failed")
		return
	}
	var orders []models.OpenOrder
	if err := json.Unmarshal(raw, &orders); err != nil {
		c.logger.Warn().Err(err).Msg("Open order payload malformed")
		return
	}
	c.handlerMu.RLock()
	handlers := c.reconcileFns
	c.handlerMu.RUnlock()
	for _, h := range handlers {
		h(orders)
	}
}

// serve routes requests and inbound frames until the session fails or
// Disconnect is called. Returns nil on clean shutdown.
func (c *GatewayClient) serve(sess session) error {
	inbound := make(chan wireResponse, 32)
	readErr := make(chan error, 1)
	readerDone := make(chan struct{})
	defer close(readerDone)
	go func() {
		for {
			data, err := sess.ReadMessage()
			if err != nil {
				readErr <- err
				close(inbound)
				return
			}
			var frame wireResponse
			if err := json.Unmarshal(data, &frame); err != nil {
				c.logger.Warn().Err(err).Msg("Unparseable gateway frame")
				continue
			}
			select {
			case inbound <- frame:
			case <-readerDone:
				return
			}
		}
	}()

	// Event handlers may call back into the client, so they run off the
	// connection goroutine; a blocked handler stalls at most the event
	// buffer, never the request path.
	events := make(chan wireResponse, 64)
	defer close(events)
	go func() {
		for frame := range events {
			c.dispatchEvent(frame)
		}
	}()

	pending := make(map[int64]chan callResult)
	defer func() {
		for _, reply := range pending {
			reply <- callResult{err: errors.ErrConnectionLost}
		}
	}()

	for {
		select {
		case <-c.stop:
			return nil
		case req := <-c.requests:
			id := c.nextID.Add(1)
			frame := wireRequest{ID: id, Method: req.method, Params: req.params}
			if err := sess.WriteJSON(frame); err != nil {
				req.reply <- callResult{err: errors.Wrap(errors.ErrConnectionLost, err.Error())}
				return err
			}
			pending[id] = req.reply
		case frame, ok := <-inbound:
			if !ok {
				return <-readErr
			}
			if frame.Event != "" {
				select {
				case events <- frame:
				default:
					c.logger.Warn().Str("event", frame.Event).Msg("Event dispatch backlog, frame dropped")
				}
				continue
			}
			reply, exists := pending[frame.ID]
			if !exists {
				continue // reply for a timed-out caller
			}
			delete(pending, frame.ID)
			if frame.Error != nil {
				reply <- callResult{err: &errors.BrokerError{
					Code:    frame.Error.Code,
					Message: frame.Error.Message,
				}}
			} else {
				reply <- callResult{raw: frame.Result}
			}
		}
	}
}

// dispatchEvent fans an unsolicited gateway event out to handlers.
func (c *GatewayClient) dispatchEvent(frame wireResponse) {
	switch frame.Event {
	case "orderStatus":
		var ev struct {
			OrderID   int64   `json:"orderId"`
			Status    string  `json:"status"`
			FillPrice float64 `json:"avgFillPrice"`
		}
		if err := json.Unmarshal(frame.Data, &ev); err != nil {
			c.logger.Warn().Err(err).Msg("Malformed order status event")
			return
		}
		c.handlerMu.RLock()
		handlers := c.statusHandlers
		c.handlerMu.RUnlock()
		for _, h := range handlers {
			h(ev.OrderID, models.OrderStatus(ev.Status), ev.FillPrice)
		}
	default:
		c.logger.Debug().Str("event", frame.Event).Msg("Ignoring gateway event")
	}
}

// call sends a request through the connection goroutine and waits for the
// reply. The wait is bounded by the configured request timeout and the
// caller's context, whichever expires first. A timed-out request leaves
// its reply to be discarded by the serve loop.
func (c *GatewayClient) call(ctx context.Context, method string, params interface{}) (json.RawMessage, error) {
	if c.State() != models.StateConnected {
		return nil, errors.ErrNotConnected
	}

	var raw json.RawMessage
	if params != nil {
		data, err := json.Marshal(params)
		if err != nil {
			return nil, err
		}
		raw = data
	}

	req := &pendingRequest{method: method, params: raw, reply: make(chan callResult, 1)}
	timer := time.NewTimer(c.cfg.RequestTimeout)
	defer timer.Stop()

	select {
	case c.requests <- req:
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-timer.C:
		return nil, errors.Wrapf(errors.ErrTimeout, "%s: request queue full", method)
	}

	select {
	case res := <-req.reply:
		return res.raw, res.err
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-timer.C:
		return nil, errors.Wrapf(errors.ErrTimeout, "%s: no reply within %s", method, c.cfg.RequestTimeout)
	}
}

// directCall performs a synchronous request on the raw session. Only valid
// on the connection goroutine before serve starts; events arriving while
// waiting are dropped.
func (c *GatewayClient) directCall(sess session, method string, params json.RawMessage) (json.RawMessage, error) {
	id := c.nextID.Add(1)
	if err := sess.WriteJSON(wireRequest{ID: id, Method: method, Params: params}); err != nil {
		return nil, err
	}
	deadline := time.Now().Add(c.cfg.RequestTimeout)
	for time.Now().Before(deadline) {
		data, err := sess.ReadMessage()
		if err != nil {
			return nil, err
		}
		var frame wireResponse
		if err := json.Unmarshal(data, &frame); err != nil {
			continue
		}
		if frame.ID != id {
			continue
		}
		if frame.Error != nil {
			return nil, &errors.BrokerError{Code: frame.Error.Code, Message: frame.Error.Message}
		}
		return frame.Result, nil
	}
	return nil, errors.Wrapf(errors.ErrTimeout, "%s: no reply within %s", method, c.cfg.RequestTimeout)
}
