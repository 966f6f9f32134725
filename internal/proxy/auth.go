package proxy

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/shopspring/decimal"
	log "github.com/sirupsen/logrus"
	"gorm.io/gorm"

	"github.com/echo-ai/echo-proxy/internal/access"
	"github.com/echo-ai/echo-proxy/internal/httperr"
	"github.com/echo-ai/echo-proxy/internal/models"
	"github.com/echo-ai/echo-proxy/internal/x402"
)

// paymentHeader carries the x402 payment authorization.
const paymentHeader = "X-PAYMENT"

const identityKey = "identity"

// identity is the authenticated caller attached to the request context.
type identity struct {
	User       *models.User
	AppID      uint64
	APIKeyID   *uint64
	ViaPayment bool
}

// authMiddleware implements the three-way admission branch: API key,
// x402 micropayment, or a 402 challenge.
func (s *Server) authMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		if token := access.ExtractToken(c.Request); token != "" {
			principal, errAuth := s.keystore.Authenticate(c.Request.Context(), token)
			if errAuth != nil {
				s.abortWithError(c, errAuth)
				return
			}
			keyID := principal.APIKey.ID
			c.Set(identityKey, &identity{User: principal.User, AppID: principal.AppID, APIKeyID: &keyID})
			c.Next()
			return
		}

		if payment := strings.TrimSpace(c.GetHeader(paymentHeader)); payment != "" {
			id, errSettle := s.admitPayment(c.Request.Context(), payment, c.Request.URL.String())
			if errSettle != nil {
				s.abortWithError(c, errSettle)
				return
			}
			c.Set(identityKey, id)
			c.Next()
			return
		}

		s.challenge(c)
	}
}

// challenge rejects an unauthenticated request with a machine-actionable
// x402 payment challenge.
func (s *Server) challenge(c *gin.Context) {
	c.Header("WWW-Authenticate", fmt.Sprintf("x402 network=%q, url=%q", s.cfg.X402.Network, s.cfg.X402.PaymentURL))
	c.AbortWithStatusJSON(http.StatusPaymentRequired, gin.H{
		"error": "missing credentials: provide an API key or an x402 payment",
		"payment": gin.H{
			"type":    "x402",
			"url":     s.cfg.X402.PaymentURL,
			"network": s.cfg.X402.Network,
		},
	})
}

// admitPayment settles an x402 payment for its full authorized value and
// credits it to the payer's balance, creating the payer user on first sight.
// The request then proceeds as a balance-funded call billed through the
// shared x402 app.
func (s *Server) admitPayment(ctx context.Context, header, resourceURL string) (*identity, error) {
	if s.settlement == nil {
		return nil, fmt.Errorf("proxy: x402 not configured: %w", httperr.ErrPaymentRequired)
	}

	payload, errDecode := x402.DecodePayment(header)
	if errDecode != nil {
		return nil, fmt.Errorf("%w: %v", httperr.ErrPaymentRequired, errDecode)
	}
	amount, errAmount := decimal.NewFromString(payload.Payload.Authorization.Value)
	if errAmount != nil || !amount.IsPositive() {
		return nil, fmt.Errorf("proxy: bad payment value: %w", httperr.ErrPaymentRequired)
	}
	usd := amount.Shift(-6)

	result, errSettle := s.settlement.Settle(ctx, header, usd, resourceURL)
	if errSettle != nil {
		return nil, errSettle
	}

	user, errCredit := s.creditPayment(ctx, result)
	if errCredit != nil {
		return nil, errCredit
	}
	return &identity{User: user, AppID: s.x402AppID, ViaPayment: true}, nil
}

// creditPayment records the settled funds: find or create the payer user,
// write the Payment row, and credit the balance, all in one transaction.
func (s *Server) creditPayment(ctx context.Context, result *x402.Result) (*models.User, error) {
	payer := strings.ToLower(strings.TrimSpace(result.Payer))
	if payer == "" {
		return nil, fmt.Errorf("proxy: settlement reported no payer")
	}

	var user models.User
	errTx := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		email := payer + "@x402.wallet"
		errFetch := tx.Where("email = ?", email).First(&user).Error
		if errors.Is(errFetch, gorm.ErrRecordNotFound) {
			user = models.User{Email: email, Name: payer}
			if errCreate := tx.Create(&user).Error; errCreate != nil {
				return fmt.Errorf("create payer user: %w", errCreate)
			}
		} else if errFetch != nil {
			return fmt.Errorf("load payer user: %w", errFetch)
		}

		payment := models.Payment{
			UserID:         user.ID,
			Amount:         result.Amount,
			Source:         models.PaymentSourceX402,
			SettlementHash: result.TxHash,
		}
		if errCreate := tx.Create(&payment).Error; errCreate != nil {
			return fmt.Errorf("create payment: %w", errCreate)
		}

		newPaid := user.TotalPaid.Add(result.Amount)
		if errUpdate := tx.Model(&models.User{}).Where("id = ?", user.ID).
			Update("total_paid", newPaid).Error; errUpdate != nil {
			return fmt.Errorf("credit payer balance: %w", errUpdate)
		}
		user.TotalPaid = newPaid
		return nil
	})
	if errTx != nil {
		return nil, fmt.Errorf("proxy: credit settled payment: %w", errTx)
	}

	log.WithFields(log.Fields{
		"payer":  payer,
		"amount": result.Amount.String(),
		"tx":     result.TxHash,
	}).Info("x402 payment credited")
	return &user, nil
}

// callerIdentity fetches the identity set by authMiddleware.
func callerIdentity(c *gin.Context) (*identity, bool) {
	v, ok := c.Get(identityKey)
	if !ok {
		return nil, false
	}
	id, ok := v.(*identity)
	return id, ok
}

// abortWithError maps an error onto the taxonomy and writes the JSON body.
// Payment-required responses always carry the machine-actionable payment URL.
func (s *Server) abortWithError(c *gin.Context, err error) {
	status := httperr.StatusFor(err)
	if status >= http.StatusInternalServerError {
		log.WithError(err).Error("request failed")
	}
	body := gin.H{"error": err.Error()}
	if status == http.StatusPaymentRequired {
		body["payment"] = gin.H{
			"type":    "x402",
			"url":     s.cfg.X402.PaymentURL,
			"network": s.cfg.X402.Network,
		}
	}
	c.AbortWithStatusJSON(status, body)
}
