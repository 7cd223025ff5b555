package payment

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/noah-isme/paycore/internal/resilience"
)

const (
	xenditName            = "xendit"
	xenditSignatureHeader = "x-callback-signature"
)

// XenditConfig configures the Xendit invoice integration.
type XenditConfig struct {
	SecretKey string
	// BaseURL enables live API calls, e.g. https://api.xendit.co.
	BaseURL  string
	Currency string
	Bounds   Bounds
}

// Xendit implements Provider on top of the Xendit invoice API.
type Xendit struct {
	cfg  XenditConfig
	http resilience.HTTPClient
}

// NewXendit builds the provider. client is only used when BaseURL is set.
func NewXendit(cfg XenditConfig, client resilience.HTTPClient) *Xendit {
	if cfg.Currency == "" {
		cfg.Currency = "IDR"
	}
	cfg.BaseURL = strings.TrimRight(strings.TrimSpace(cfg.BaseURL), "/")
	return &Xendit{cfg: cfg, http: client}
}

func (x *Xendit) Name() string { return xenditName }

func (x *Xendit) SignatureHeader() string { return xenditSignatureHeader }

func (x *Xendit) live() bool { return x.cfg.BaseURL != "" && x.http.Client != nil }

type xenditInvoiceRequest struct {
	ExternalID         string              `json:"external_id"`
	Amount             json.Number         `json:"amount"`
	Currency           string              `json:"currency"`
	Description        string              `json:"description,omitempty"`
	PayerEmail         string              `json:"payer_email,omitempty"`
	InvoiceDuration    int64               `json:"invoice_duration,omitempty"`
	SuccessRedirectURL string              `json:"success_redirect_url,omitempty"`
	Items              []xenditInvoiceItem `json:"items,omitempty"`
}

type xenditInvoiceItem struct {
	Name     string      `json:"name"`
	Quantity int         `json:"quantity"`
	Price    json.Number `json:"price"`
}

type xenditInvoice struct {
	ID         string          `json:"id"`
	ExternalID string          `json:"external_id"`
	Status     string          `json:"status"`
	Amount     decimal.Decimal `json:"amount"`
	InvoiceURL string          `json:"invoice_url"`
	ExpiryDate time.Time       `json:"expiry_date"`
	PaymentID  string          `json:"payment_id"`
	PaidAt     *time.Time      `json:"paid_at"`
}

func (x *Xendit) CreateOrder(ctx context.Context, req OrderRequest) (Order, error) {
	if err := req.validate(x.cfg.Bounds); err != nil {
		return Order{}, err
	}
	if !x.live() {
		token := fmt.Sprintf("xendit-%s", req.OrderID)
		data, _ := json.Marshal(map[string]string{"id": token, "mode": "offline"})
		return Order{
			ProviderOrderID: req.OrderID,
			Token:           token,
			RedirectURL:     "https://checkout-staging.xendit.co/web/" + token,
			ExpiresAt:       req.ExpiresAt,
			Data:            data,
		}, nil
	}

	body := xenditInvoiceRequest{
		ExternalID:         req.OrderID,
		Amount:             json.Number(ToMajor(req.Amount, req.Currency).String()),
		Currency:           req.Currency,
		Description:        req.Description,
		PayerEmail:         req.Customer.Email,
		SuccessRedirectURL: req.CallbackURL,
	}
	if !req.ExpiresAt.IsZero() {
		if secs := int64(time.Until(req.ExpiresAt).Seconds()); secs > 0 {
			body.InvoiceDuration = secs
		}
	}
	for _, it := range req.Items {
		body.Items = append(body.Items, xenditInvoiceItem{
			Name:     it.Description,
			Quantity: it.Quantity,
			Price:    json.Number(ToMajor(it.UnitPrice, req.Currency).String()),
		})
	}
	var inv xenditInvoice
	raw, err := x.call(ctx, http.MethodPost, "/v2/invoices", body, &inv)
	if err != nil {
		return Order{}, err
	}
	expires := inv.ExpiryDate
	if expires.IsZero() {
		expires = req.ExpiresAt
	}
	return Order{
		ProviderOrderID: req.OrderID,
		Token:           inv.ID,
		RedirectURL:     inv.InvoiceURL,
		ExpiresAt:       expires,
		Data:            raw,
	}, nil
}

// ProofSignature is the signature the invoice success redirect carries.
func (x *Xendit) ProofSignature(orderID, paymentID string) string {
	return hmacHex(sha256.New, x.cfg.SecretKey, proofMessage(orderID, paymentID))
}

func (x *Xendit) VerifyPayment(ctx context.Context, proof PaymentProof) (Verification, error) {
	if !signatureMatches(x.ProofSignature(proof.OrderID, proof.PaymentID), proof.Signature) {
		return Verification{Verified: false, Reason: "signature mismatch"}, nil
	}
	if !x.live() {
		data, _ := json.Marshal(map[string]string{"external_id": proof.OrderID, "payment_id": proof.PaymentID})
		return Verification{
			Verified:          true,
			ProviderPaymentID: proof.PaymentID,
			Data:              data,
			CompletedAt:       time.Now().UTC(),
		}, nil
	}

	var invoices []xenditInvoice
	raw, err := x.call(ctx, http.MethodGet, "/v2/invoices?external_id="+url.QueryEscape(proof.OrderID), nil, &invoices)
	if err != nil {
		return Verification{}, err
	}
	for _, inv := range invoices {
		if xenditAction(inv.Status) != ActionCaptured {
			continue
		}
		if inv.PaymentID != "" && inv.PaymentID != proof.PaymentID {
			continue
		}
		completed := time.Now().UTC()
		if inv.PaidAt != nil {
			completed = inv.PaidAt.UTC()
		}
		return Verification{
			Verified:          true,
			ProviderPaymentID: proof.PaymentID,
			Data:              raw,
			CompletedAt:       completed,
		}, nil
	}
	return Verification{Verified: false, Reason: "payment not captured", Data: raw}, nil
}

func (x *Xendit) call(ctx context.Context, method, path string, in, out any) (json.RawMessage, error) {
	var body io.Reader
	if in != nil {
		encoded, err := json.Marshal(in)
		if err != nil {
			return nil, fmt.Errorf("xendit encode request: %w", err)
		}
		body = bytes.NewReader(encoded)
	}
	req, err := http.NewRequestWithContext(ctx, method, x.cfg.BaseURL+path, body)
	if err != nil {
		return nil, err
	}
	req.SetBasicAuth(x.cfg.SecretKey, "")
	req.Header.Set("Accept", "application/json")
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := x.http.Do(ctx, req)
	if err != nil {
		return nil, fmt.Errorf("xendit %s %s: %w", method, path, err)
	}
	defer resp.Body.Close()
	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, fmt.Errorf("xendit read response: %w", err)
	}
	if resp.StatusCode >= 300 {
		var apiErr struct {
			ErrorCode string `json:"error_code"`
			Message   string `json:"message"`
		}
		_ = json.Unmarshal(raw, &apiErr)
		return nil, fmt.Errorf("xendit %s %s: status %d %s", method, path, resp.StatusCode, apiErr.ErrorCode)
	}
	if out != nil {
		if err := json.Unmarshal(raw, out); err != nil {
			return nil, fmt.Errorf("xendit decode response: %w", err)
		}
	}
	return raw, nil
}

// CallbackSignature signs a raw callback body.
func (x *Xendit) CallbackSignature(payload []byte) string {
	return hmacHexBytes(sha256.New, x.cfg.SecretKey, payload)
}

func (x *Xendit) VerifyWebhookSignature(payload []byte, signature string) bool {
	return signatureMatches(x.CallbackSignature(payload), signature)
}

func (x *Xendit) ProcessWebhook(payload []byte) (WebhookEvent, error) {
	var cb struct {
		ID         string          `json:"id"`
		ExternalID string          `json:"external_id"`
		Status     string          `json:"status"`
		Amount     decimal.Decimal `json:"amount"`
		PaidAmount decimal.Decimal `json:"paid_amount"`
		Currency   string          `json:"currency"`
		PaymentID  string          `json:"payment_id"`
		PaidAt     *time.Time      `json:"paid_at"`
		Updated    *time.Time      `json:"updated"`
	}
	if err := json.Unmarshal(payload, &cb); err != nil {
		return WebhookEvent{}, fmt.Errorf("xendit callback: %w", err)
	}
	if cb.ExternalID == "" {
		return WebhookEvent{}, errors.New("xendit callback: missing external_id")
	}
	currency := cb.Currency
	if currency == "" {
		currency = x.cfg.Currency
	}
	amount := cb.PaidAmount
	if amount.IsZero() {
		amount = cb.Amount
	}
	occurred := time.Now().UTC()
	switch {
	case cb.PaidAt != nil:
		occurred = cb.PaidAt.UTC()
	case cb.Updated != nil:
		occurred = cb.Updated.UTC()
	}
	status := strings.ToUpper(strings.TrimSpace(cb.Status))
	eventID := cb.ID
	if eventID == "" {
		eventID = cb.ExternalID
	}
	return WebhookEvent{
		EventID:    eventID + ":" + strings.ToLower(status),
		EventType:  "invoice." + strings.ToLower(status),
		Action:     xenditAction(status),
		OrderID:    cb.ExternalID,
		PaymentID:  cb.PaymentID,
		Amount:     ToMinor(amount, currency),
		Status:     status,
		OccurredAt: occurred,
		Data:       json.RawMessage(payload),
	}, nil
}

func (x *Xendit) CheckoutParams(req OrderRequest, order Order) map[string]any {
	params := map[string]any{
		"provider":   xenditName,
		"orderId":    order.ProviderOrderID,
		"invoiceId":  order.Token,
		"invoiceUrl": order.RedirectURL,
		"amount":     ToMajor(req.Amount, req.Currency).String(),
		"currency":   req.Currency,
	}
	if !order.ExpiresAt.IsZero() {
		params["expiresAt"] = order.ExpiresAt
	}
	return params
}

func xenditAction(status string) Action {
	switch strings.ToUpper(strings.TrimSpace(status)) {
	case "PAID", "SETTLED":
		return ActionCaptured
	case "PENDING":
		return ActionPending
	case "EXPIRED", "FAILED":
		return ActionFailed
	default:
		return ActionIgnored
	}
}

var _ Provider = (*Xendit)(nil)
