// Package invest talks to the T-Invest gRPC API: instrument
// resolution and the combined order-book + trade market data stream.
package invest

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/russianinvestments/invest-api-go-sdk/investgo"
	pb "github.com/russianinvestments/invest-api-go-sdk/proto"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/timestamppb"

	"wallwatch/internal/state"
)

// Endpoint is the production T-Invest public API address.
const Endpoint = "invest-public-api.tinkoff.ru:443"

// ErrNoInstrumentsResolved is returned when every requested symbol
// failed to resolve.
var ErrNoInstrumentsResolved = errors.New("no instruments resolved")

// ResolveError reports a symbol that matched nothing usable.
type ResolveError struct {
	Symbol string
	Reason string
}

func (e *ResolveError) Error() string {
	return fmt.Sprintf("resolve %s: %s", e.Symbol, e.Reason)
}

// InstrumentInfo is a resolved instrument: the stream subscription id,
// the symbol the user asked for, and the identity fields notification
// deep links are built from.
type InstrumentInfo struct {
	InstrumentID string
	Symbol       string
	TickSize     float64
	Ticker       string
	ISIN         string
	Kind         pb.InstrumentType
}

// Handlers receive mapped stream messages in arrival order, on the
// stream goroutine.
type Handlers struct {
	OnOrderBook func(state.OrderBookSnapshot)
	OnTrade     func(state.Trade)
}

// Client wraps the SDK client with wall-watcher semantics.
type Client struct {
	sdk              *investgo.Client
	instruments      *investgo.InstrumentsServiceClient
	marketData       *investgo.MarketDataServiceClient
	marketDataStream *investgo.MarketDataStreamClient
	instrumentStatus pb.InstrumentStatus
}

// NewClient dials the API. Root certificates come from the process
// environment (GRPC_DEFAULT_SSL_ROOTS_FILE_PATH), set up by the CA
// bundle loader before this call.
func NewClient(ctx context.Context, token string, instrumentStatus pb.InstrumentStatus) (*Client, error) {
	conf := investgo.Config{
		EndPoint: Endpoint,
		Token:    token,
		AppName:  "wallwatch",
	}
	sdk, err := investgo.NewClient(ctx, conf, sdkLogger{})
	if err != nil {
		return nil, fmt.Errorf("connect invest api: %w", err)
	}
	return &Client{
		sdk:              sdk,
		instruments:      sdk.NewInstrumentsServiceClient(),
		marketData:       sdk.NewMarketDataServiceClient(),
		marketDataStream: sdk.NewMarketDataStreamClient(),
		instrumentStatus: instrumentStatus,
	}, nil
}

// Close tears down the underlying connection.
func (c *Client) Close() error {
	return c.sdk.Stop()
}

// ResolveInstruments resolves symbols one by one. Symbols that error
// are logged and skipped; symbols that match nothing are returned in
// failures. The caller decides whether an empty result is fatal.
func (c *Client) ResolveInstruments(ctx context.Context, symbols []string) ([]InstrumentInfo, []string, error) {
	var resolved []InstrumentInfo
	var failures []string
	for _, symbol := range symbols {
		if err := ctx.Err(); err != nil {
			return resolved, failures, err
		}
		info, err := c.resolveSymbol(symbol)
		if err != nil {
			log.Warn().Str("symbol", symbol).Err(err).Msg("instrument_resolve_failed")
			continue
		}
		if info == nil {
			failures = append(failures, symbol)
			continue
		}
		resolved = append(resolved, *info)
	}
	return resolved, failures, nil
}

func (c *Client) resolveSymbol(symbol string) (*InstrumentInfo, error) {
	resp, err := c.instruments.FindInstrument(symbol)
	if err != nil {
		return nil, err
	}
	candidates := resp.GetInstruments()
	if len(candidates) == 0 {
		return nil, nil
	}
	if c.instrumentStatus == pb.InstrumentStatus_INSTRUMENT_STATUS_BASE {
		candidates = preferTradable(candidates)
	}
	short := selectBestMatch(symbol, candidates)
	if short == nil {
		return nil, &ResolveError{Symbol: symbol, Reason: "no_matching_instrument"}
	}
	tickSize, instrumentID, err := c.resolveTickSize(symbol, short)
	if err != nil {
		return nil, err
	}
	return &InstrumentInfo{
		InstrumentID: instrumentID,
		Symbol:       symbol,
		TickSize:     tickSize,
		Ticker:       short.GetTicker(),
		ISIN:         short.GetIsin(),
		Kind:         short.GetInstrumentKind(),
	}, nil
}

// resolveTickSize fetches the full instrument for its min price
// increment. A non-positive increment falls back to DefaultTickSize
// with a warning; wall distances would otherwise divide by zero.
func (c *Client) resolveTickSize(symbol string, short *pb.InstrumentShort) (float64, string, error) {
	var (
		resp *investgo.InstrumentResponse
		err  error
		id   string
	)
	switch {
	case short.GetUid() != "":
		id = short.GetUid()
		resp, err = c.instruments.InstrumentByUid(id)
	case short.GetFigi() != "":
		id = short.GetFigi()
		resp, err = c.instruments.InstrumentByFigi(id)
	default:
		return 0, "", &ResolveError{Symbol: symbol, Reason: "no_uid_or_figi"}
	}
	if err != nil {
		return 0, "", err
	}
	tickSize := quotationToFloat(resp.GetInstrument().GetMinPriceIncrement())
	if tickSize <= 0 {
		log.Warn().Str("symbol", symbol).Str("instrument_id", id).Msg("instrument_tick_size_missing")
		tickSize = DefaultTickSize
	}
	return tickSize, id, nil
}

// preferTradable keeps the API-tradable candidates when any exist.
func preferTradable(instruments []*pb.InstrumentShort) []*pb.InstrumentShort {
	tradable := filter(instruments, func(i *pb.InstrumentShort) bool {
		return i.GetApiTradeAvailableFlag()
	})
	if len(tradable) == 0 {
		return instruments
	}
	return tradable
}

// Stream subscribes order books and trades for the given instruments
// and invokes the handlers until ctx is canceled or the stream fails.
// Returns nil on cancellation, the transport error otherwise.
func (c *Client) Stream(ctx context.Context, instruments []InstrumentInfo, depth int, h Handlers) error {
	stream, err := c.marketDataStream.MarketDataStream()
	if err != nil {
		return fmt.Errorf("open market data stream: %w", err)
	}
	ids := make([]string, 0, len(instruments))
	for _, info := range instruments {
		ids = append(ids, info.InstrumentID)
	}
	books, err := stream.SubscribeOrderBook(ids, int32(depth))
	if err != nil {
		return fmt.Errorf("subscribe order books: %w", err)
	}
	trades, err := stream.SubscribeTrade(ids)
	if err != nil {
		return fmt.Errorf("subscribe trades: %w", err)
	}
	log.Info().Int("order_books", len(ids)).Int("trades", len(ids)).Msg("subscribed")

	listenErr := make(chan error, 1)
	go func() { listenErr <- stream.Listen() }()

	for {
		select {
		case <-ctx.Done():
			stream.Stop()
			<-listenErr
			return nil
		case err := <-listenErr:
			if isCanceled(err) {
				return nil
			}
			if err == nil {
				err = errors.New("market data stream closed")
			}
			return err
		case book, ok := <-books:
			if !ok {
				books = nil
				continue
			}
			if h.OnOrderBook != nil {
				h.OnOrderBook(mapOrderBook(book))
			}
		case trade, ok := <-trades:
			if !ok {
				trades = nil
				continue
			}
			if h.OnTrade != nil {
				h.OnTrade(mapTrade(trade))
			}
		}
	}
}

// GetOrderBook fetches a one-shot depth snapshot outside the stream.
func (c *Client) GetOrderBook(ctx context.Context, instrumentID string, depth int) (state.OrderBookSnapshot, error) {
	if err := ctx.Err(); err != nil {
		return state.OrderBookSnapshot{}, err
	}
	resp, err := c.marketData.GetOrderBook(instrumentID, int32(depth))
	if err != nil {
		return state.OrderBookSnapshot{}, err
	}
	snapshot := state.OrderBookSnapshot{
		InstrumentID: instrumentID,
		Bids:         mapLevels(resp.GetBids()),
		Asks:         mapLevels(resp.GetAsks()),
		TS:           time.Now().UTC(),
	}
	fillBests(&snapshot)
	return snapshot, nil
}

func isCanceled(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) {
		return true
	}
	return status.Code(err) == codes.Canceled
}

func mapOrderBook(book *pb.OrderBook) state.OrderBookSnapshot {
	snapshot := state.OrderBookSnapshot{
		InstrumentID: book.GetInstrumentUid(),
		Bids:         mapLevels(book.GetBids()),
		Asks:         mapLevels(book.GetAsks()),
		TS:           timestampToTime(book.GetTime()),
	}
	fillBests(&snapshot)
	return snapshot
}

func mapTrade(trade *pb.Trade) state.Trade {
	var side state.Side
	switch trade.GetDirection() {
	case pb.TradeDirection_TRADE_DIRECTION_BUY:
		side = state.SideBuy
	case pb.TradeDirection_TRADE_DIRECTION_SELL:
		side = state.SideSell
	}
	return state.Trade{
		InstrumentID: trade.GetInstrumentUid(),
		Price:        quotationToFloat(trade.GetPrice()),
		Quantity:     float64(trade.GetQuantity()),
		Side:         side,
		TS:           timestampToTime(trade.GetTime()),
	}
}

func mapLevels(orders []*pb.Order) []state.OrderBookLevel {
	levels := make([]state.OrderBookLevel, 0, len(orders))
	for _, order := range orders {
		levels = append(levels, state.OrderBookLevel{
			Price:    quotationToFloat(order.GetPrice()),
			Quantity: float64(order.GetQuantity()),
		})
	}
	return levels
}

func fillBests(snapshot *state.OrderBookSnapshot) {
	if len(snapshot.Bids) > 0 {
		snapshot.BestBid = snapshot.Bids[0].Price
		snapshot.HasBestBid = true
	}
	if len(snapshot.Asks) > 0 {
		snapshot.BestAsk = snapshot.Asks[0].Price
		snapshot.HasBestAsk = true
	}
}

func timestampToTime(ts *timestamppb.Timestamp) time.Time {
	if ts == nil {
		return time.Now().UTC()
	}
	return ts.AsTime()
}

// sdkLogger routes SDK internals into the process log.
type sdkLogger struct{}

func (sdkLogger) Infof(template string, args ...any)  { log.Info().Msgf(template, args...) }
func (sdkLogger) Errorf(template string, args ...any) { log.Error().Msgf(template, args...) }
func (sdkLogger) Fatalf(template string, args ...any) { log.Fatal().Msgf(template, args...) }
