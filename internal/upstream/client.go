package upstream

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/kiwari-pos/till/internal/auth"
	"github.com/kiwari-pos/till/internal/logger"
	"github.com/kiwari-pos/till/internal/model"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
)

var (
	ErrNotConfigured = errors.New("backend url not configured")
	ErrRejected      = errors.New("backend rejected order")
)

type Config struct {
	BaseURL  string
	Secret   string
	BranchID string
	POSID    string
	Timeout  time.Duration
}

// Client pushes completed orders to the remote backend.
type Client struct {
	cfg  Config
	http *http.Client
	log  *logrus.Entry
}

func NewClient(cfg Config) *Client {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}
	cfg.BaseURL = strings.TrimRight(cfg.BaseURL, "/")
	return &Client{
		cfg:  cfg,
		http: &http.Client{Timeout: cfg.Timeout},
		log:  logger.For("upstream"),
	}
}

type orderItem struct {
	ProductID         string          `json:"productId"`
	Name              string          `json:"name"`
	Quantity          int32           `json:"quantity"`
	UnitPrice         decimal.Decimal `json:"unitPrice"`
	Modifiers         model.Modifiers `json:"modifiers"`
	IsModifierUpgrade bool            `json:"isModifierUpgrade,omitempty"`
	UpgradeOf         string          `json:"upgradeOf,omitempty"`
}

type orderRequest struct {
	BranchID      string          `json:"branchId"`
	POSID         string          `json:"posId"`
	TillSessionID string          `json:"tillSessionId,omitempty"`
	OrderNumber   string          `json:"orderNumber"`
	OrderType     string          `json:"orderType"`
	Items         []orderItem     `json:"items"`
	Customer      *model.Customer `json:"customer,omitempty"`
	Subtotal      decimal.Decimal `json:"subtotal"`
	Tax           decimal.Decimal `json:"tax"`
	Discount      decimal.Decimal `json:"discount"`
	PaymentMethod string          `json:"paymentMethod"`
	AmountPaid    decimal.Decimal `json:"amountPaid"`
	CompletedAt   *time.Time      `json:"completedAt,omitempty"`
}

type orderResponse struct {
	Success bool   `json:"success"`
	OrderID string `json:"orderId"`
	Error   string `json:"error"`
}

func (c *Client) request(o model.Overlay) orderRequest {
	req := orderRequest{
		BranchID:      c.cfg.BranchID,
		POSID:         c.cfg.POSID,
		TillSessionID: o.TillSessionID,
		OrderNumber:   o.ID,
		OrderType:     string(o.OrderType),
		Items:         make([]orderItem, 0, len(o.Items)),
		Customer:      o.Customer,
		Subtotal:      o.Subtotal,
		Tax:           o.Tax,
		Discount:      o.Discount,
		PaymentMethod: string(o.PaymentMethod),
		AmountPaid:    o.Total,
		CompletedAt:   o.CompletedAt,
	}
	for _, it := range o.Items {
		req.Items = append(req.Items, orderItem{
			ProductID:         it.ID,
			Name:              it.Name,
			Quantity:          it.Quantity,
			UnitPrice:         it.UnitPrice,
			Modifiers:         it.Modifiers,
			IsModifierUpgrade: it.IsModifierUpgrade,
			UpgradeOf:         it.UpgradeOf,
		})
	}
	return req
}

// PushOrder posts the order and returns the backend's order id. The local
// order id doubles as the idempotency key so a retried push is not booked
// twice.
func (c *Client) PushOrder(ctx context.Context, o model.Overlay) (string, error) {
	if c.cfg.BaseURL == "" {
		return "", ErrNotConfigured
	}

	body, err := json.Marshal(c.request(o))
	if err != nil {
		return "", fmt.Errorf("marshal order: %w", err)
	}
	token, err := auth.GenerateDeviceToken(c.cfg.Secret, c.cfg.BranchID, c.cfg.POSID, 5*time.Minute)
	if err != nil {
		return "", fmt.Errorf("sign device token: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.cfg.BaseURL+"/api/orders", bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set("Idempotency-Key", o.ID)

	resp, err := c.http.Do(req)
	if err != nil {
		return "", fmt.Errorf("post order: %w", err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return "", fmt.Errorf("read response: %w", err)
	}

	var out orderResponse
	if len(raw) > 0 {
		if err := json.Unmarshal(raw, &out); err != nil && resp.StatusCode < 300 {
			return "", fmt.Errorf("decode response: %w", err)
		}
	}
	if resp.StatusCode >= 300 || !out.Success {
		msg := out.Error
		if msg == "" {
			msg = resp.Status
		}
		return "", fmt.Errorf("%w: %s", ErrRejected, msg)
	}
	if out.OrderID == "" {
		return "", fmt.Errorf("%w: response has no order id", ErrRejected)
	}

	c.log.WithFields(logrus.Fields{
		"order_id":         o.ID,
		"backend_order_id": out.OrderID,
	}).Info("order pushed")
	return out.OrderID, nil
}
