package domain

import "time"

// Outcome identifica una de las dos patas de un mercado binario.
type Outcome string

const (
	OutcomeUp   Outcome = "UP"
	OutcomeDown Outcome = "DOWN"
)

// Opposite devuelve la otra pata.
func (o Outcome) Opposite() Outcome {
	if o == OutcomeUp {
		return OutcomeDown
	}
	return OutcomeUp
}

// Market representa una ventana de un mercado binario Up/Down.
// Es inmutable: la crea el proveedor de mercados y el core sólo la lee.
type Market struct {
	ConditionID string
	Slug        string
	Question    string
	Up          Token
	Down        Token
	WindowStart time.Time
	WindowEnd   time.Time
	NegRisk     bool
	TickSize    float64 // 0 = usar 0.01
}

// Token es uno de los dos lados del mercado.
type Token struct {
	TokenID string
	Outcome Outcome
}

// TokenFor devuelve el token de la pata indicada.
func (m Market) TokenFor(o Outcome) Token {
	if o == OutcomeDown {
		return m.Down
	}
	return m.Up
}

// OutcomeOf devuelve la pata a la que pertenece tokenID.
func (m Market) OutcomeOf(tokenID string) (Outcome, bool) {
	switch tokenID {
	case m.Up.TokenID:
		return OutcomeUp, true
	case m.Down.TokenID:
		return OutcomeDown, true
	}
	return "", false
}

// Tick devuelve el tick de precio del mercado.
func (m Market) Tick() float64 {
	if m.TickSize <= 0 {
		return 0.01
	}
	return m.TickSize
}

// Expired indica si la ventana ya terminó en now.
func (m Market) Expired(now time.Time) bool {
	return !m.WindowEnd.IsZero() && !now.Before(m.WindowEnd)
}

// TimeToExpiry devuelve lo que queda de ventana. 0 si ya expiró.
func (m Market) TimeToExpiry(now time.Time) time.Duration {
	if m.WindowEnd.IsZero() {
		return 0
	}
	d := m.WindowEnd.Sub(now)
	if d < 0 {
		return 0
	}
	return d
}

// TruncateQuestion devuelve la pregunta del mercado truncada a maxLen caracteres.
// Si la pregunta está vacía usa los primeros caracteres del conditionID como fallback.
func TruncateQuestion(question, conditionID string, maxLen int) string {
	q := question
	if q == "" {
		if len(conditionID) > 20 {
			q = conditionID[:20] + "..."
		} else {
			q = conditionID
		}
	}
	if len(q) > maxLen {
		q = q[:maxLen-3] + "..."
	}
	return q
}
