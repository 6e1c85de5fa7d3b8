// Package bridge holds the adapters that move value to a destination chain.
package bridge

import (
	"context"
	"fmt"
	"strings"

	"github.com/Ki0xk/kiosk/settlement"
	"github.com/Ki0xk/kiosk/utils"
	"github.com/shopspring/decimal"
	"github.com/stellar/go/clients/horizonclient"
	"github.com/stellar/go/keypair"
	"github.com/stellar/go/txnbuild"
)

// StellarBridge pays out from the kiosk's Stellar pool account.
type StellarBridge struct {
	client            horizonclient.ClientInterface
	networkPassphrase string
	source            *keypair.Full
	assetCode         string
	assetIssuer       string
}

func NewStellarBridge(client horizonclient.ClientInterface, networkPassphrase, sourceSecret, assetCode, assetIssuer string) (*StellarBridge, error) {
	sourceKP, err := keypair.ParseFull(sourceSecret)
	if err != nil {
		return nil, fmt.Errorf("invalid source secret: %w", err)
	}
	if assetCode != "XLM" {
		if err := utils.ValidateStellarAddress(assetIssuer); err != nil {
			return nil, fmt.Errorf("asset %s needs a valid issuer: %w", assetCode, err)
		}
	}
	return &StellarBridge{
		client:            client,
		networkPassphrase: networkPassphrase,
		source:            sourceKP,
		assetCode:         assetCode,
		assetIssuer:       assetIssuer,
	}, nil
}

func NewHorizonClient(horizonURL string) *horizonclient.Client {
	return &horizonclient.Client{HorizonURL: horizonURL}
}

func (s *StellarBridge) asset() txnbuild.Asset {
	if s.assetCode == "XLM" {
		return txnbuild.NativeAsset{}
	}
	return txnbuild.CreditAsset{Code: s.assetCode, Issuer: s.assetIssuer}
}

// Bridge submits a payment of req.Amount to req.Destination. Horizon rejecting the
// transaction is reported as a failed result; transport faults are returned as errors.
func (s *StellarBridge) Bridge(ctx context.Context, req settlement.BridgeRequest) (*settlement.BridgeResult, error) {
	if err := utils.ValidateStellarAddress(req.Destination); err != nil {
		return &settlement.BridgeResult{Success: false, Error: err.Error()}, nil
	}

	sourceAccount, err := s.client.AccountDetail(horizonclient.AccountRequest{
		AccountID: s.source.Address(),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to load source account: %w", err)
	}

	tx, err := txnbuild.NewTransaction(
		txnbuild.TransactionParams{
			SourceAccount:        &sourceAccount,
			IncrementSequenceNum: true,
			BaseFee:              txnbuild.MinBaseFee,
			Preconditions:        txnbuild.Preconditions{TimeBounds: txnbuild.NewTimeout(300)},
			Operations: []txnbuild.Operation{
				&txnbuild.Payment{
					Destination: strings.TrimSpace(req.Destination),
					Amount:      utils.FormatStellarAmount(req.Amount),
					Asset:       s.asset(),
				},
			},
		},
	)
	if err != nil {
		return nil, fmt.Errorf("failed to build transaction: %w", err)
	}

	tx, err = tx.Sign(s.networkPassphrase, s.source)
	if err != nil {
		return nil, fmt.Errorf("failed to sign transaction: %w", err)
	}

	if err := ctx.Err(); err != nil {
		return nil, err
	}
	txResp, err := s.client.SubmitTransaction(tx)
	if err != nil {
		if hErr := horizonclient.GetError(err); hErr != nil {
			msg := hErr.Problem.Title
			if hErr.Problem.Detail != "" {
				msg += ": " + hErr.Problem.Detail
			}
			return &settlement.BridgeResult{Success: false, TxStatus: "FAILED", Error: msg}, nil
		}
		return nil, fmt.Errorf("failed to submit transaction: %w", err)
	}

	status := "SUCCESS"
	if !txResp.Successful {
		status = "FAILED"
	}
	return &settlement.BridgeResult{
		Success:  txResp.Successful,
		TxHash:   txResp.Hash,
		TxStatus: status,
	}, nil
}

// LiquidityBalance is the pool account's balance of the payout asset.
func (s *StellarBridge) LiquidityBalance(ctx context.Context) (decimal.Decimal, error) {
	account, err := s.client.AccountDetail(horizonclient.AccountRequest{AccountID: s.source.Address()})
	if err != nil {
		return decimal.Zero, fmt.Errorf("failed to load source account: %w", err)
	}

	var raw string
	if s.assetCode == "XLM" {
		if raw, err = account.GetNativeBalance(); err != nil {
			return decimal.Zero, err
		}
	} else {
		raw = account.GetCreditBalance(s.assetCode, s.assetIssuer)
	}
	if raw == "" {
		return decimal.Zero, nil
	}
	return decimal.NewFromString(raw)
}
