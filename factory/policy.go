/*
Package factory provides JSON to Go conversion for operator configuration.

PURPOSE:
  Converts JSON documents into ledger.PendingPolicy values and postback
  adapters. Operators tune hold rules and onboard offer walls without a
  code change.

PENDING POLICY SCHEMA:
  {
    "allTasksPending": false,
    "allTasksDays": 0,
    "pendingOfferIds": [{"offerId": "SLOW-OFFER", "days": 14}],
    "maxCoinPerTask": 5000,
    "maxDays": 3,
    "expiryDays": 30
  }

PARTNERS SCHEMA:
  {
    "partners": [
      {
        "name": "adgate",
        "fields": {"userId": "uid", "transactionId": "tid", "amount": "points"},
        "creditStatus": ["1"],
        "reversalStatus": ["2"],
        "signature": {"field": "sig", "algorithm": "md5", "secretEnv": "ADGATE_SECRET"},
        "ackBody": "OK"
      }
    ]
  }

  Secrets never live in the file: "secretEnv" names the environment
  variable holding the secret, resolved through the lookup function.

USAGE:
  policy, err := factory.ParsePendingPolicy(data)
  adapters, err := factory.ParsePartners(data, os.Getenv)

SEE ALSO:
  - ledger/policy.go: PendingPolicy definition
  - postback/mapping.go: adapter configuration
*/
package factory

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/warp/reward-ledger/ledger"
	"github.com/warp/reward-ledger/postback"
)

// =============================================================================
// PENDING POLICY
// =============================================================================

// ParsePendingPolicy decodes and validates a policy document. Missing fields
// keep their defaults.
func ParsePendingPolicy(data []byte) (ledger.PendingPolicy, error) {
	p := ledger.DefaultPendingPolicy()
	if err := json.Unmarshal(data, &p); err != nil {
		return ledger.PendingPolicy{}, fmt.Errorf("%w: failed to parse pending policy JSON: %v", ledger.ErrValidation, err)
	}
	if p.ExpiryDays == 0 {
		p.ExpiryDays = ledger.DefaultExpiryDays
	}
	if err := p.Validate(); err != nil {
		return ledger.PendingPolicy{}, err
	}
	return p, nil
}

// =============================================================================
// PARTNERS
// =============================================================================

// PartnersJSON is the partners file.
type PartnersJSON struct {
	Partners []PartnerJSON `json:"partners"`
}

// PartnerJSON is one adapter definition.
type PartnerJSON struct {
	Name           string          `json:"name"`
	Fields         postback.Fields `json:"fields"`
	CreditStatus   []string        `json:"creditStatus,omitempty"`
	ReversalStatus []string        `json:"reversalStatus,omitempty"`
	Signature      SignatureJSON   `json:"signature"`
	AckBody        string          `json:"ackBody,omitempty"`
	AckContentType string          `json:"ackContentType,omitempty"`
}

// SignatureJSON mirrors postback.Signature with the secret indirected.
type SignatureJSON struct {
	Field     string   `json:"field,omitempty"`
	Algorithm string   `json:"algorithm,omitempty"`
	Fields    []string `json:"fields,omitempty"`
	SecretEnv string   `json:"secretEnv"`
}

// ParsePartners builds one adapter per entry. lookup resolves secretEnv
// names; pass os.Getenv in production.
func ParsePartners(data []byte, lookup func(string) string) ([]*postback.Mapping, error) {
	var pj PartnersJSON
	if err := json.Unmarshal(data, &pj); err != nil {
		return nil, fmt.Errorf("failed to parse partners JSON: %w", err)
	}

	adapters := make([]*postback.Mapping, 0, len(pj.Partners))
	for i, p := range pj.Partners {
		if p.Signature.SecretEnv == "" {
			return nil, fmt.Errorf("partner %d (%s): signature.secretEnv is required", i, p.Name)
		}
		secret := lookup(p.Signature.SecretEnv)
		if secret == "" {
			return nil, fmt.Errorf("partner %s: %s is not set", p.Name, p.Signature.SecretEnv)
		}

		fields := p.Fields
		defaults := postback.DefaultFields()
		if fields.UserID == "" {
			fields.UserID = defaults.UserID
		}
		if fields.TransactionID == "" {
			fields.TransactionID = defaults.TransactionID
		}
		if fields.Amount == "" {
			fields.Amount = defaults.Amount
		}

		m, err := postback.New(postback.Config{
			Name:           p.Name,
			Fields:         fields,
			CreditStatus:   p.CreditStatus,
			ReversalStatus: p.ReversalStatus,
			Signature: postback.Signature{
				Field:     p.Signature.Field,
				Secret:    secret,
				Algorithm: p.Signature.Algorithm,
				Fields:    p.Signature.Fields,
			},
			AckBody:        p.AckBody,
			AckContentType: p.AckContentType,
		})
		if err != nil {
			return nil, err
		}
		adapters = append(adapters, m)
	}
	return adapters, nil
}

// LoadPartnersFile reads and parses a partners file.
func LoadPartnersFile(path string, lookup func(string) string) ([]*postback.Mapping, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read partners file: %w", err)
	}
	return ParsePartners(data, lookup)
}
