package polymarket

// auth.go — L1 (EIP-712, deriva las API keys) y L2 (HMAC por request) del CLOB.

import (
	"context"
	"crypto/ecdsa"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"math/big"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/alejandrodnm/deltamaker/internal/domain"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/polymarket/go-order-utils/pkg/builder"
	"github.com/polymarket/go-order-utils/pkg/config"
	gomodel "github.com/polymarket/go-order-utils/pkg/model"
	"github.com/shopspring/decimal"
)

const (
	polygonChainID = int64(137)

	clobDomainName    = "ClobAuthDomain"
	clobDomainVersion = "1"
	clobAuthMessage   = "This message attests that I control the given wallet"

	zeroAddress = "0x0000000000000000000000000000000000000000"
)

// apiCredentials son las credenciales L2. APIKey también identifica nuestras
// órdenes en el canal de usuario.
type apiCredentials struct {
	APIKey     string `json:"apiKey"`
	Secret     string `json:"secret"`
	Passphrase string `json:"passphrase"`
}

// AuthClient firma requests y órdenes para el venue en vivo.
type AuthClient struct {
	*Client
	privateKey   *ecdsa.PrivateKey
	address      common.Address
	funder       common.Address
	orderBuilder builder.ExchangeOrderBuilder

	credsMu sync.Mutex
	creds   *apiCredentials
}

// NewAuthClient crea el cliente. funder vacío = la dirección de la clave.
func NewAuthClient(ep Endpoints, privateKeyHex, funder string) (*AuthClient, error) {
	key, err := crypto.HexToECDSA(strings.TrimPrefix(privateKeyHex, "0x"))
	if err != nil {
		return nil, fmt.Errorf("auth: invalid private key: %w", err)
	}

	if _, err := config.GetContracts(polygonChainID); err != nil {
		return nil, fmt.Errorf("auth: get contracts: %w", err)
	}

	addr := crypto.PubkeyToAddress(key.PublicKey)
	funderAddr := addr
	if funder != "" {
		if !common.IsHexAddress(funder) {
			return nil, fmt.Errorf("auth: invalid funder address %q", funder)
		}
		funderAddr = common.HexToAddress(funder)
	}

	return &AuthClient{
		Client:       NewClient(ep),
		privateKey:   key,
		address:      addr,
		funder:       funderAddr,
		orderBuilder: builder.NewExchangeOrderBuilderImpl(big.NewInt(polygonChainID), nil),
	}, nil
}

// Address es la wallet que firma.
func (ac *AuthClient) Address() string {
	return ac.address.Hex()
}

// Funder es la dirección cuyas posiciones se reconcilian.
func (ac *AuthClient) Funder() string {
	return ac.funder.Hex()
}

// EnsureCreds deriva las credenciales una sola vez.
func (ac *AuthClient) EnsureCreds(ctx context.Context) error {
	ac.credsMu.Lock()
	defer ac.credsMu.Unlock()
	if ac.creds != nil {
		return nil
	}

	ts := strconv.FormatInt(time.Now().Unix(), 10)
	sig, err := ac.signClobAuth(ts, "0")
	if err != nil {
		return fmt.Errorf("auth: sign l1: %w", err)
	}

	url := fmt.Sprintf("%s/auth/derive-api-key", ac.clobBase)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return fmt.Errorf("auth: derive-api-key request: %w", err)
	}
	req.Header.Set("POLY_ADDRESS", ac.address.Hex())
	req.Header.Set("POLY_SIGNATURE", sig)
	req.Header.Set("POLY_TIMESTAMP", ts)
	req.Header.Set("POLY_NONCE", "0")

	resp, err := ac.http.Do(req)
	if err != nil {
		return &domain.VenueUnavailable{Op: "derive-api-key", Err: err}
	}
	defer resp.Body.Close()

	body, _ := io.ReadAll(resp.Body)
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("auth: derive-api-key status %d: %s", resp.StatusCode, body)
	}

	var creds apiCredentials
	if err := json.Unmarshal(body, &creds); err != nil {
		return fmt.Errorf("auth: parse creds: %w", err)
	}
	ac.creds = &creds
	return nil
}

func (ac *AuthClient) credentials() (apiCredentials, bool) {
	ac.credsMu.Lock()
	defer ac.credsMu.Unlock()
	if ac.creds == nil {
		return apiCredentials{}, false
	}
	return *ac.creds, true
}

var (
	eip712DomainTypeHash = crypto.Keccak256Hash([]byte(
		"EIP712Domain(string name,string version,uint256 chainId)",
	))
	clobAuthTypeHash = crypto.Keccak256Hash([]byte(
		"ClobAuth(address address,string timestamp,uint256 nonce,string message)",
	))
)

func clobAuthDomainSeparator() common.Hash {
	var buf []byte
	buf = append(buf, eip712DomainTypeHash.Bytes()...)
	buf = append(buf, crypto.Keccak256Hash([]byte(clobDomainName)).Bytes()...)
	buf = append(buf, crypto.Keccak256Hash([]byte(clobDomainVersion)).Bytes()...)
	buf = append(buf, common.LeftPadBytes(big.NewInt(polygonChainID).Bytes(), 32)...)
	return crypto.Keccak256Hash(buf)
}

func (ac *AuthClient) signClobAuth(timestamp, nonce string) (string, error) {
	nonceInt, ok := new(big.Int).SetString(nonce, 10)
	if !ok {
		return "", fmt.Errorf("invalid nonce: %s", nonce)
	}

	var structBuf []byte
	structBuf = append(structBuf, clobAuthTypeHash.Bytes()...)
	structBuf = append(structBuf, common.LeftPadBytes(ac.address.Bytes(), 32)...)
	structBuf = append(structBuf, crypto.Keccak256Hash([]byte(timestamp)).Bytes()...)
	structBuf = append(structBuf, common.LeftPadBytes(nonceInt.Bytes(), 32)...)
	structBuf = append(structBuf, crypto.Keccak256Hash([]byte(clobAuthMessage)).Bytes()...)
	structHash := crypto.Keccak256Hash(structBuf)

	var rawBuf []byte
	rawBuf = append(rawBuf, 0x19, 0x01)
	rawBuf = append(rawBuf, clobAuthDomainSeparator().Bytes()...)
	rawBuf = append(rawBuf, structHash.Bytes()...)
	msgHash := crypto.Keccak256Hash(rawBuf)

	sig, err := crypto.Sign(msgHash.Bytes(), ac.privateKey)
	if err != nil {
		return "", err
	}
	sig[64] += 27
	return "0x" + fmt.Sprintf("%x", sig), nil
}

func (ac *AuthClient) l2Headers(method, path, body string) (map[string]string, error) {
	creds, ok := ac.credentials()
	if !ok {
		return nil, fmt.Errorf("auth: credentials not derived yet")
	}

	ts := strconv.FormatInt(time.Now().Unix(), 10)
	msg := ts + strings.ToUpper(method) + path + body

	secretBytes, err := base64.URLEncoding.DecodeString(creds.Secret)
	if err != nil {
		return nil, fmt.Errorf("auth: decode secret: %w", err)
	}

	mac := hmac.New(sha256.New, secretBytes)
	mac.Write([]byte(msg))
	sig := base64.URLEncoding.EncodeToString(mac.Sum(nil))

	return map[string]string{
		"POLY_ADDRESS":    ac.address.Hex(),
		"POLY_SIGNATURE":  sig,
		"POLY_TIMESTAMP":  ts,
		"POLY_API_KEY":    creds.APIKey,
		"POLY_PASSPHRASE": creds.Passphrase,
	}, nil
}

// doL2 firma de nuevo en cada reintento: el timestamp entra en el HMAC.
func (ac *AuthClient) doL2(ctx context.Context, method, path string, reqBody, out any) error {
	if err := ac.EnsureCreds(ctx); err != nil {
		return err
	}

	var bodyStr string
	if reqBody != nil {
		b, err := json.Marshal(reqBody)
		if err != nil {
			return fmt.Errorf("marshal: %w", err)
		}
		bodyStr = string(b)
	}

	return ac.doWithRetry(ctx, ac.clobLimiter, func() (*http.Response, error) {
		headers, err := ac.l2Headers(method, path, bodyStr)
		if err != nil {
			return nil, err
		}

		var bodyReader io.Reader
		if bodyStr != "" {
			bodyReader = strings.NewReader(bodyStr)
		}
		req, err := http.NewRequestWithContext(ctx, method, ac.clobBase+path, bodyReader)
		if err != nil {
			return nil, fmt.Errorf("new request: %w", err)
		}
		req.Header.Set("Content-Type", "application/json")
		req.Header.Set("Accept", "application/json")
		for k, v := range headers {
			req.Header.Set(k, v)
		}
		return ac.http.Do(req)
	}, out)
}

// buildSignedOrder firma la orden límite. Los amounts salen de orderAmounts.
func (ac *AuthClient) buildSignedOrder(req domain.OrderRequest) (*gomodel.SignedOrder, error) {
	makerAmount, takerAmount, err := orderAmounts(req.Side, req.Price, req.Size, req.TickSize)
	if err != nil {
		return nil, err
	}

	side := gomodel.BUY
	if req.Side == domain.SideSell {
		side = gomodel.SELL
	}

	verifyingContract := gomodel.CTFExchange
	if req.NegRisk {
		verifyingContract = gomodel.NegRiskCTFExchange
	}

	orderData := &gomodel.OrderData{
		Maker:         ac.address.Hex(),
		Taker:         zeroAddress,
		TokenId:       req.TokenID,
		MakerAmount:   makerAmount.String(),
		TakerAmount:   takerAmount.String(),
		FeeRateBps:    "0",
		Nonce:         "0",
		Signer:        ac.address.Hex(),
		Expiration:    "0",
		Side:          side,
		SignatureType: gomodel.EOA,
	}

	signed, err := ac.orderBuilder.BuildSignedOrder(ac.privateKey, orderData, verifyingContract)
	if err != nil {
		return nil, fmt.Errorf("build signed order: %w", err)
	}
	return signed, nil
}

var micro = decimal.New(1, 6)

// orderAmounts devuelve (makerAmount, takerAmount) en micro-unidades, con el
// precio ajustado al tick y las shares truncadas a 2 decimales: el CLOB exige
// que cuadren exactos con el precio. BUY entrega USDC y recibe shares.
func orderAmounts(side domain.Side, price, size, tick float64) (decimal.Decimal, decimal.Decimal, error) {
	if tick <= 0 {
		tick = 0.01
	}
	tickDec := decimal.NewFromFloat(tick)
	px := decimal.NewFromFloat(price).Div(tickDec).Round(0).Mul(tickDec)
	shares := decimal.NewFromFloat(size).Truncate(2)

	sharesAmt := shares.Mul(micro).Truncate(0)
	usdcAmt := shares.Mul(px).Mul(micro).Truncate(0)
	if !sharesAmt.IsPositive() || !usdcAmt.IsPositive() || px.GreaterThanOrEqual(decimal.NewFromInt(1)) {
		return decimal.Zero, decimal.Zero, fmt.Errorf("invalid amounts: price=%s shares=%s", px, shares)
	}

	if side == domain.SideSell {
		return sharesAmt, usdcAmt, nil
	}
	return usdcAmt, sharesAmt, nil
}
