package polymarket

// trading.go — ejecución de órdenes en el CLOB de Polymarket.
//
// TradingClient implementa ports.Venue: órdenes límite GTC post-only, cancel,
// estado de orden, books, posiciones (data-api) y el stream de usuario.

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"

	"github.com/alejandrodnm/deltamaker/internal/domain"
)

// clobOrderRequest is the JSON body sent to POST /order.
type clobOrderRequest struct {
	Order     clobOrderBody `json:"order"`
	Owner     string        `json:"owner"`
	OrderType string        `json:"orderType"`
	PostOnly  bool          `json:"postOnly,omitempty"`
}

type clobOrderBody struct {
	Salt          json.Number `json:"salt"`
	Maker         string      `json:"maker"`
	Signer        string      `json:"signer"`
	Taker         string      `json:"taker"`
	TokenID       string      `json:"tokenId"`
	MakerAmount   string      `json:"makerAmount"`
	TakerAmount   string      `json:"takerAmount"`
	Expiration    string      `json:"expiration"`
	Nonce         string      `json:"nonce"`
	FeeRateBps    string      `json:"feeRateBps"`
	Side          string      `json:"side"`
	SignatureType int         `json:"signatureType"`
	Signature     string      `json:"signature"`
}

type clobOrderResponse struct {
	ErrorMsg     string `json:"errorMsg"`
	OrderID      string `json:"orderID"`
	TakingAmount string `json:"takingAmount"`
	MakingAmount string `json:"makingAmount"`
	Status       string `json:"status"`
	Success      bool   `json:"success"`
}

type clobCancelRequest struct {
	OrderID string `json:"orderID"`
}

type clobCancelResponse struct {
	Canceled    []string          `json:"canceled"`
	NotCanceled map[string]string `json:"not_canceled"`
}

// TradingClient implements ports.Venue.
type TradingClient struct {
	auth   *AuthClient
	stream *UserStream
}

// NewTradingClient creates a TradingClient. wsURL is the user channel endpoint.
func NewTradingClient(auth *AuthClient, wsURL string) *TradingClient {
	return &TradingClient{auth: auth, stream: NewUserStream(auth, wsURL)}
}

// PlaceOrder signs and submits a GTC limit order. Returns the CLOB order id.
func (tc *TradingClient) PlaceOrder(ctx context.Context, req domain.OrderRequest) (string, error) {
	if err := tc.auth.EnsureCreds(ctx); err != nil {
		return "", fmt.Errorf("place order: creds: %w", err)
	}

	signed, err := tc.auth.buildSignedOrder(req)
	if err != nil {
		return "", fmt.Errorf("place order: sign: %w", err)
	}

	creds, _ := tc.auth.credentials()
	body := clobOrderRequest{
		Order: clobOrderBody{
			Salt:          json.Number(signed.Order.Salt.String()),
			Maker:         signed.Order.Maker.Hex(),
			Signer:        signed.Order.Signer.Hex(),
			Taker:         signed.Order.Taker.Hex(),
			TokenID:       req.TokenID,
			MakerAmount:   signed.Order.MakerAmount.String(),
			TakerAmount:   signed.Order.TakerAmount.String(),
			Expiration:    signed.Order.Expiration.String(),
			Nonce:         signed.Order.Nonce.String(),
			FeeRateBps:    signed.Order.FeeRateBps.String(),
			Side:          string(req.Side),
			SignatureType: int(signed.Order.SignatureType.Int64()),
			Signature:     "0x" + hex.EncodeToString(signed.Signature),
		},
		Owner:     creds.APIKey,
		OrderType: "GTC",
		PostOnly:  req.PostOnly,
	}

	var resp clobOrderResponse
	if err := tc.auth.doL2(ctx, http.MethodPost, "/order", body, &resp); err != nil {
		return "", venueErr("place order", err)
	}
	if !resp.Success || resp.ErrorMsg != "" {
		return "", fmt.Errorf("place order: clob rejected: %s", resp.ErrorMsg)
	}
	if resp.OrderID == "" {
		return "", fmt.Errorf("place order: clob returned no order id")
	}
	return resp.OrderID, nil
}

// CancelOrder cancela una orden. Si ya no está en el libro no es error:
// el estado real se confirma con GetOrderStatus.
func (tc *TradingClient) CancelOrder(ctx context.Context, venueOrderID string) error {
	var resp clobCancelResponse
	err := tc.auth.doL2(ctx, http.MethodDelete, "/order", clobCancelRequest{OrderID: venueOrderID}, &resp)
	if err != nil {
		return venueErr("cancel order "+venueOrderID, err)
	}
	if reason, ok := resp.NotCanceled[venueOrderID]; ok && !orderGone(reason) {
		return fmt.Errorf("cancel order %s: not canceled: %s", venueOrderID, reason)
	}
	return nil
}

// orderGone reconoce los motivos de not_canceled que significan "ya fuera del libro".
func orderGone(reason string) bool {
	r := strings.ToLower(reason)
	return strings.Contains(r, "already") || strings.Contains(r, "not found") ||
		strings.Contains(r, "can't be found") || strings.Contains(r, "matched")
}

// GetOrderStatus devuelve la vista del venue de la orden.
func (tc *TradingClient) GetOrderStatus(ctx context.Context, venueOrderID string) (domain.OrderStatus, error) {
	var o *clobOrder
	if err := tc.auth.doL2(ctx, http.MethodGet, "/data/order/"+venueOrderID, nil, &o); err != nil {
		return domain.OrderStatus{}, venueErr("order status "+venueOrderID, err)
	}
	if o == nil || o.ID == "" {
		return domain.OrderStatus{}, fmt.Errorf("order status %s: %w", venueOrderID, domain.ErrOrderNotFound)
	}
	return mapOrderStatus(*o), nil
}

// GetOrderBooks delega en el cliente público.
func (tc *TradingClient) GetOrderBooks(ctx context.Context, tokenIDs []string) (map[string]domain.OrderBook, error) {
	return tc.auth.GetOrderBooks(ctx, tokenIDs)
}

// GetPositions devuelve las posiciones del funder según el data-api.
func (tc *TradingClient) GetPositions(ctx context.Context) ([]domain.VenuePosition, error) {
	return tc.auth.FetchPositions(ctx, tc.auth.Funder())
}

// SubscribeEvents abre el canal de usuario.
func (tc *TradingClient) SubscribeEvents(ctx context.Context) (<-chan domain.OrderEvent, error) {
	return tc.stream.SubscribeEvents(ctx)
}
