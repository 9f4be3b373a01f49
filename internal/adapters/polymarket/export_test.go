package polymarket

// Exporta helpers internos para los tests del paquete polymarket_test.
var (
	OrderAmounts      = orderAmounts
	ParseUserMessages = parseUserMessages
)
