package payment

import (
	"context"
	"crypto/sha512"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/midtrans/midtrans-go"
	"github.com/midtrans/midtrans-go/coreapi"
	"github.com/midtrans/midtrans-go/snap"
)

const midtransName = "midtrans"

// snapAPI is the subset of snap.Client used to open orders.
type snapAPI interface {
	CreateTransaction(req *snap.Request) (*snap.Response, *midtrans.Error)
}

// statusAPI is the subset of coreapi.Client used to confirm payments.
type statusAPI interface {
	CheckTransaction(orderID string) (*coreapi.TransactionStatusResponse, *midtrans.Error)
}

// MidtransConfig configures the Midtrans SNAP integration.
type MidtransConfig struct {
	ServerKey  string
	ClientKey  string
	Production bool
	// Live enables calls to the Midtrans API. Without it orders get a
	// deterministic SNAP token and verification relies on the signature alone.
	Live     bool
	Currency string
	Bounds   Bounds
	// HTTPClient replaces the SDK transport when set.
	HTTPClient *http.Client
}

// Midtrans implements Provider for Midtrans SNAP.
type Midtrans struct {
	cfg    MidtransConfig
	snap   snapAPI
	status statusAPI
}

// NewMidtrans builds the provider, wiring SNAP and Core API clients when live.
func NewMidtrans(cfg MidtransConfig) *Midtrans {
	if cfg.Currency == "" {
		cfg.Currency = "IDR"
	}
	m := &Midtrans{cfg: cfg}
	if cfg.Live && strings.TrimSpace(cfg.ServerKey) != "" {
		env := midtrans.Sandbox
		if cfg.Production {
			env = midtrans.Production
		}
		if cfg.HTTPClient != nil {
			// midtrans-go reads its transport from a package global
			midtrans.DefaultGoHttpClient = cfg.HTTPClient
		}
		var s snap.Client
		s.New(cfg.ServerKey, env)
		var c coreapi.Client
		c.New(cfg.ServerKey, env)
		m.snap = &s
		m.status = &c
	}
	return m
}

func (m *Midtrans) Name() string { return midtransName }

// SignatureHeader is empty: Midtrans carries signature_key inside the body.
func (m *Midtrans) SignatureHeader() string { return "" }

func (m *Midtrans) CreateOrder(_ context.Context, req OrderRequest) (Order, error) {
	if err := req.validate(m.cfg.Bounds); err != nil {
		return Order{}, err
	}
	if m.snap == nil {
		token := fmt.Sprintf("SNAP-%s", req.OrderID)
		data, _ := json.Marshal(map[string]string{"token": token, "mode": "offline"})
		return Order{
			ProviderOrderID: req.OrderID,
			Token:           token,
			RedirectURL:     fmt.Sprintf("%s/snap/v2/vtweb/%s", m.snapHost(), token),
			ExpiresAt:       req.ExpiresAt,
			Data:            data,
		}, nil
	}

	snapReq := m.snapRequest(req)
	resp, merr := m.snap.CreateTransaction(snapReq)
	if merr != nil {
		return Order{}, fmt.Errorf("midtrans create transaction: %s", merr.Message)
	}
	if resp == nil || resp.Token == "" {
		return Order{}, errors.New("midtrans create transaction: empty response")
	}
	data, err := json.Marshal(resp)
	if err != nil {
		return Order{}, fmt.Errorf("midtrans encode response: %w", err)
	}
	return Order{
		ProviderOrderID: req.OrderID,
		Token:           resp.Token,
		RedirectURL:     resp.RedirectURL,
		ExpiresAt:       req.ExpiresAt,
		Data:            data,
	}, nil
}

func (m *Midtrans) snapRequest(req OrderRequest) *snap.Request {
	gross := ToMajor(req.Amount, req.Currency).IntPart()
	items := make([]midtrans.ItemDetails, 0, len(req.Items)+1)
	var itemized int64
	for i, it := range req.Items {
		price := ToMajor(it.UnitPrice, req.Currency).IntPart()
		items = append(items, midtrans.ItemDetails{
			ID:    fmt.Sprintf("item-%d", i+1),
			Name:  truncate(it.Description, 50),
			Price: price,
			Qty:   int32(it.Quantity),
		})
		itemized += price * int64(it.Quantity)
	}
	// SNAP rejects orders whose items do not add up to the gross amount.
	if rest := gross - itemized; rest > 0 {
		items = append(items, midtrans.ItemDetails{ID: "processing-fee", Name: "Processing fee", Price: rest, Qty: 1})
	}
	out := &snap.Request{
		TransactionDetails: midtrans.TransactionDetails{
			OrderID:  req.OrderID,
			GrossAmt: gross,
		},
		CustomerDetail: &midtrans.CustomerDetails{
			FName: req.Customer.Name,
			Email: req.Customer.Email,
			Phone: req.Customer.Phone,
		},
		Items: &items,
	}
	if req.CallbackURL != "" {
		out.Callbacks = &snap.Callbacks{Finish: req.CallbackURL}
	}
	return out
}

// ProofSignature is the signature the SNAP finish redirect carries for a payment.
func (m *Midtrans) ProofSignature(orderID, paymentID string) string {
	return hmacHex(sha512.New, m.cfg.ServerKey, proofMessage(orderID, paymentID))
}

func (m *Midtrans) VerifyPayment(_ context.Context, proof PaymentProof) (Verification, error) {
	if !signatureMatches(m.ProofSignature(proof.OrderID, proof.PaymentID), proof.Signature) {
		return Verification{Verified: false, Reason: "signature mismatch"}, nil
	}
	if m.status == nil {
		data, _ := json.Marshal(map[string]string{"order_id": proof.OrderID, "transaction_id": proof.PaymentID})
		return Verification{
			Verified:          true,
			ProviderPaymentID: proof.PaymentID,
			Data:              data,
			CompletedAt:       time.Now().UTC(),
		}, nil
	}

	resp, merr := m.status.CheckTransaction(proof.OrderID)
	if merr != nil {
		return Verification{}, fmt.Errorf("midtrans check transaction: %s", merr.Message)
	}
	if resp == nil {
		return Verification{}, errors.New("midtrans check transaction: empty response")
	}
	data, _ := json.Marshal(resp)
	if resp.TransactionID != proof.PaymentID {
		return Verification{Verified: false, Reason: "payment id mismatch", Data: data}, nil
	}
	if midtransAction(resp.TransactionStatus, resp.FraudStatus) != ActionCaptured {
		return Verification{Verified: false, Reason: "payment not captured", Data: data}, nil
	}
	return Verification{
		Verified:          true,
		ProviderPaymentID: resp.TransactionID,
		Data:              data,
		CompletedAt:       parseMidtransTime(resp.SettlementTime, resp.TransactionTime),
	}, nil
}

type midtransNotification struct {
	TransactionID     string `json:"transaction_id"`
	OrderID           string `json:"order_id"`
	StatusCode        string `json:"status_code"`
	GrossAmount       string `json:"gross_amount"`
	Currency          string `json:"currency"`
	SignatureKey      string `json:"signature_key"`
	TransactionStatus string `json:"transaction_status"`
	FraudStatus       string `json:"fraud_status"`
	TransactionTime   string `json:"transaction_time"`
	SettlementTime    string `json:"settlement_time"`
	PaymentType       string `json:"payment_type"`
}

// VerifyWebhookSignature checks signature_key, or signature when supplied
// out of band, against order_id+status_code+gross_amount taken verbatim from
// the raw payload.
func (m *Midtrans) VerifyWebhookSignature(payload []byte, signature string) bool {
	var n midtransNotification
	if err := json.Unmarshal(payload, &n); err != nil || n.OrderID == "" {
		return false
	}
	if strings.TrimSpace(signature) == "" {
		signature = n.SignatureKey
	}
	expected := m.NotificationSignature(n.OrderID, n.StatusCode, n.GrossAmount)
	return signatureMatches(expected, signature)
}

// NotificationSignature computes signature_key for a notification.
func (m *Midtrans) NotificationSignature(orderID, statusCode, grossAmount string) string {
	return hmacHex(sha512.New, m.cfg.ServerKey, orderID, statusCode, grossAmount, strings.TrimSpace(m.cfg.ServerKey))
}

func (m *Midtrans) ProcessWebhook(payload []byte) (WebhookEvent, error) {
	var n midtransNotification
	if err := json.Unmarshal(payload, &n); err != nil {
		return WebhookEvent{}, fmt.Errorf("midtrans notification: %w", err)
	}
	if n.OrderID == "" {
		return WebhookEvent{}, errors.New("midtrans notification: missing order_id")
	}
	currency := n.Currency
	if currency == "" {
		currency = m.cfg.Currency
	}
	amount, err := ParseMajor(n.GrossAmount, currency)
	if err != nil {
		return WebhookEvent{}, err
	}
	status := strings.ToLower(strings.TrimSpace(n.TransactionStatus))
	eventID := n.TransactionID
	if eventID == "" {
		eventID = n.OrderID
	}
	return WebhookEvent{
		EventID:    eventID + ":" + status,
		EventType:  "payment." + status,
		Action:     midtransAction(n.TransactionStatus, n.FraudStatus),
		OrderID:    n.OrderID,
		PaymentID:  n.TransactionID,
		Amount:     amount,
		Status:     status,
		OccurredAt: parseMidtransTime(n.SettlementTime, n.TransactionTime),
		Data:       json.RawMessage(payload),
	}, nil
}

func (m *Midtrans) CheckoutParams(req OrderRequest, order Order) map[string]any {
	params := map[string]any{
		"provider":    midtransName,
		"orderId":     order.ProviderOrderID,
		"token":       order.Token,
		"redirectUrl": order.RedirectURL,
		"amount":      ToMajor(req.Amount, req.Currency).String(),
		"currency":    req.Currency,
	}
	if m.cfg.ClientKey != "" {
		params["clientKey"] = m.cfg.ClientKey
	}
	if !order.ExpiresAt.IsZero() {
		params["expiresAt"] = order.ExpiresAt
	}
	return params
}

func (m *Midtrans) snapHost() string {
	if m.cfg.Production {
		return "https://app.midtrans.com"
	}
	return "https://app.sandbox.midtrans.com"
}

func midtransAction(status, fraud string) Action {
	switch strings.ToLower(strings.TrimSpace(status)) {
	case "settlement":
		return ActionCaptured
	case "capture":
		switch strings.ToLower(strings.TrimSpace(fraud)) {
		case "", "accept":
			return ActionCaptured
		case "challenge":
			return ActionPending
		default:
			return ActionFailed
		}
	case "pending", "authorize":
		return ActionPending
	case "deny", "cancel", "expire", "failure":
		return ActionFailed
	default:
		return ActionIgnored
	}
}

// parseMidtransTime reads the first non-empty Midtrans timestamp (WIB, UTC+7).
func parseMidtransTime(values ...string) time.Time {
	wib := time.FixedZone("WIB", 7*60*60)
	for _, v := range values {
		if strings.TrimSpace(v) == "" {
			continue
		}
		if t, err := time.ParseInLocation("2006-01-02 15:04:05", v, wib); err == nil {
			return t.UTC()
		}
	}
	return time.Now().UTC()
}

func truncate(s string, n int) string {
	if len([]rune(s)) <= n {
		return s
	}
	return string([]rune(s)[:n])
}

var _ Provider = (*Midtrans)(nil)
