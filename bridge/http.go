package bridge

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/Ki0xk/kiosk/settlement"
	"github.com/shopspring/decimal"
)

// HTTPBridge calls a cross-chain bridge service over JSON.
type HTTPBridge struct {
	baseURL string
	client  *http.Client
}

func NewHTTPBridge(baseURL string, timeout time.Duration) *HTTPBridge {
	return &HTTPBridge{
		baseURL: strings.TrimRight(baseURL, "/"),
		client:  &http.Client{Timeout: timeout},
	}
}

type bridgeRequest struct {
	Destination  string `json:"destination"`
	Chain        string `json:"chain"`
	ChainID      int64  `json:"chainId,omitempty"`
	Amount       string `json:"amount"`
	FeeRecipient string `json:"feeRecipient,omitempty"`
}

// bridgeResponse accepts every field spelling the service has used.
type bridgeResponse struct {
	Success         *bool  `json:"success"`
	OK              *bool  `json:"ok"`
	TxHash          string `json:"txHash"`
	TxHashSnake     string `json:"tx_hash"`
	TransactionHash string `json:"transactionHash"`
	Hash            string `json:"hash"`
	TxStatus        string `json:"txStatus"`
	Status          string `json:"status"`
	ExplorerURL     string `json:"explorerUrl"`
	ExplorerSnake   string `json:"explorer_url"`
	Error           string `json:"error"`
	Message         string `json:"message"`
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}

func (r bridgeResponse) normalize(httpStatus int) *settlement.BridgeResult {
	status := firstNonEmpty(r.TxStatus, r.Status)
	success := false
	switch {
	case r.Success != nil:
		success = *r.Success
	case r.OK != nil:
		success = *r.OK
	default:
		switch strings.ToUpper(status) {
		case "DONE", "SUCCESS", "COMPLETED", "CONFIRMED":
			success = true
		}
	}
	if httpStatus >= 300 {
		success = false
	}

	res := &settlement.BridgeResult{
		Success:     success,
		TxHash:      firstNonEmpty(r.TxHash, r.TxHashSnake, r.TransactionHash, r.Hash),
		TxStatus:    status,
		ExplorerURL: firstNonEmpty(r.ExplorerURL, r.ExplorerSnake),
	}
	if !success {
		res.Error = firstNonEmpty(r.Error, r.Message, fmt.Sprintf("bridge service returned status %d", httpStatus))
	}
	return res
}

func (b *HTTPBridge) Bridge(ctx context.Context, req settlement.BridgeRequest) (*settlement.BridgeResult, error) {
	body, err := json.Marshal(bridgeRequest{
		Destination:  req.Destination,
		Chain:        req.Chain.Key,
		ChainID:      req.Chain.ChainID,
		Amount:       req.Amount.String(),
		FeeRecipient: req.FeeRecipient,
	})
	if err != nil {
		return nil, err
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, b.baseURL+"/bridge", bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := b.client.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("bridge request failed: %w", err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, fmt.Errorf("failed to read bridge response: %w", err)
	}
	var br bridgeResponse
	if err := json.Unmarshal(raw, &br); err != nil {
		if resp.StatusCode >= 500 {
			return nil, fmt.Errorf("bridge service returned status %d", resp.StatusCode)
		}
		return nil, fmt.Errorf("failed to decode bridge response: %w", err)
	}
	return br.normalize(resp.StatusCode), nil
}

type liquidityResponse struct {
	Balance   string `json:"balance"`
	Available string `json:"available"`
	Amount    string `json:"amount"`
}

func (b *HTTPBridge) LiquidityBalance(ctx context.Context) (decimal.Decimal, error) {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, b.baseURL+"/liquidity", nil)
	if err != nil {
		return decimal.Zero, err
	}
	resp, err := b.client.Do(httpReq)
	if err != nil {
		return decimal.Zero, fmt.Errorf("liquidity request failed: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return decimal.Zero, fmt.Errorf("liquidity request returned status %d", resp.StatusCode)
	}

	var lr liquidityResponse
	if err := json.NewDecoder(resp.Body).Decode(&lr); err != nil {
		return decimal.Zero, fmt.Errorf("failed to decode liquidity response: %w", err)
	}
	raw := firstNonEmpty(lr.Balance, lr.Available, lr.Amount)
	if raw == "" {
		return decimal.Zero, fmt.Errorf("liquidity response carried no balance")
	}
	return decimal.NewFromString(raw)
}
