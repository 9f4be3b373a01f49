package polymarket

import "encoding/json"

// DTOs raw de la API de Polymarket. Solo se usan dentro de este paquete.
// La conversión a domain entities se hace en mapping.go.

// --- CLOB API ---

// orderBookRequest es el body del POST /books batch.
type orderBookRequest struct {
	TokenID string `json:"token_id"`
}

// orderBookResponse es la respuesta de un item en POST /books.
type orderBookResponse struct {
	AssetID string         `json:"asset_id"`
	Bids    []bookEntryRaw `json:"bids"`
	Asks    []bookEntryRaw `json:"asks"`
}

// bookEntryRaw es un nivel de precio raw de la API (strings para mayor precisión).
type bookEntryRaw struct {
	Price string `json:"price"`
	Size  string `json:"size"`
}

// clobOrder es la respuesta de GET /data/order/{id}. Tamaños en shares.
type clobOrder struct {
	ID           string `json:"id"`
	Status       string `json:"status"` // LIVE | MATCHED | CANCELED | CANCELED_MARKET_RESOLVED | INVALID
	AssetID      string `json:"asset_id"`
	Market       string `json:"market"`
	Side         string `json:"side"`
	OriginalSize string `json:"original_size"`
	SizeMatched  string `json:"size_matched"`
	Price        string `json:"price"`
	Outcome      string `json:"outcome"`
	CreatedAt    int64  `json:"created_at"`
}

// --- Gamma API ---

// gammaMarketsResponse es la respuesta de GET /markets de Gamma.
type gammaMarketsResponse []gammaMarket

// gammaMarket contiene la metadata de una ventana.
// Gamma devuelve outcomes y clobTokenIds como strings con JSON dentro.
type gammaMarket struct {
	ConditionID    string      `json:"conditionId"`
	Question       string      `json:"question"`
	Slug           string      `json:"slug"`
	StartDate      string      `json:"startDate"`
	EventStartTime string      `json:"eventStartTime"`
	EndDate        string      `json:"endDate"`
	Outcomes       string      `json:"outcomes"`
	ClobTokenIDs   string      `json:"clobTokenIds"`
	NegRisk        bool        `json:"negRisk"`
	TickSize       json.Number `json:"orderPriceMinTickSize"`
	Active         bool        `json:"active"`
	Closed         bool        `json:"closed"`
	AcceptingOrder bool        `json:"acceptingOrders"`
}

// --- Data API ---

// dataPosition es un item de GET /positions del data-api.
type dataPosition struct {
	Asset       string  `json:"asset"`
	ConditionID string  `json:"conditionId"`
	Size        float64 `json:"size"`
	AvgPrice    float64 `json:"avgPrice"`
	Outcome     string  `json:"outcome"`
}

// --- User channel (websocket) ---

// userAuthMessage es el primer mensaje del canal de usuario.
type userAuthMessage struct {
	Auth    userAuth `json:"auth"`
	Type    string   `json:"type"`
	Markets []string `json:"markets,omitempty"`
}

type userAuth struct {
	APIKey     string `json:"apikey"`
	Secret     string `json:"secret"`
	Passphrase string `json:"passphrase"`
}

// userMessage agrupa los campos de los eventos "trade" y "order".
type userMessage struct {
	EventType    string           `json:"event_type"`
	ID           string           `json:"id"`
	Type         string           `json:"type"`   // order: PLACEMENT | UPDATE | CANCELLATION
	Status       string           `json:"status"` // trade: MATCHED | MINED | CONFIRMED | RETRYING | FAILED
	AssetID      string           `json:"asset_id"`
	Price        string           `json:"price"`
	Size         string           `json:"size"`
	SizeMatched  string           `json:"size_matched"`
	OriginalSize string           `json:"original_size"`
	TakerOrderID string           `json:"taker_order_id"`
	TradeOwner   string           `json:"trade_owner"` // API key del taker
	MakerOrders  []userMakerOrder `json:"maker_orders"`
	Timestamp    string           `json:"timestamp"`
}

type userMakerOrder struct {
	OrderID       string `json:"order_id"`
	AssetID       string `json:"asset_id"`
	MatchedAmount string `json:"matched_amount"`
	Price         string `json:"price"`
	Owner         string `json:"owner"` // API key del maker
}
